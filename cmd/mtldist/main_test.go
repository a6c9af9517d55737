package main

import (
	"fmt"
	"math/rand"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gonum.org/v1/gonum/mat"

	"github.com/soma-tiles/scmtl/internal/config"
	"github.com/soma-tiles/scmtl/internal/dataset"
	"github.com/soma-tiles/scmtl/internal/preprocess"
)

func writeInputs(t *testing.T, dir string) {
	t.Helper()
	rng := rand.New(rand.NewSource(3))
	block := func(cells int) *mat.Dense {
		x := mat.NewDense(30, cells, nil)
		for j := 0; j < cells; j++ {
			for i := 0; i < 30; i++ {
				v := rng.Float64()
				if i/10 == j%3 {
					v += 5
				}
				x.Set(i, j, v)
			}
		}
		return x
	}
	require.NoError(t, dataset.WriteMatrixFile(filepath.Join(dir, "src.tsv"), block(18)))
	require.NoError(t, dataset.WriteMatrixFile(filepath.Join(dir, "trg.tsv"), block(12)))

	ids := make([]string, 30)
	for i := range ids {
		ids[i] = fmt.Sprintf("gene%d", i)
	}
	require.NoError(t, os.WriteFile(filepath.Join(dir, "genes.tsv"), []byte(strings.Join(ids, "\n")), 0o644))
	labels := make([]string, 12)
	for j := range labels {
		labels[j] = fmt.Sprintf("c%d", j%3)
	}
	require.NoError(t, os.WriteFile(filepath.Join(dir, "labels.tsv"), []byte(strings.Join(labels, "\n")), 0o644))
}

func requiredArgs(dir string) []string {
	return []string{
		"--fname", filepath.Join(dir, "trg.tsv"),
		"--fgeneids", filepath.Join(dir, "genes.tsv"),
		"--fmtl", filepath.Join(dir, "src.tsv"),
		"--fmtl-geneids", filepath.Join(dir, "genes.tsv"),
	}
}

func TestRun_WritesResultsPerMetric(t *testing.T) {
	dir := t.TempDir()
	writeInputs(t, dir)
	logger, hook := test.NewNullLogger()

	opts, err := parseArgs(append(requiredArgs(dir),
		"--flabels", filepath.Join(dir, "labels.tsv"),
		"--fout", filepath.Join(dir, "out", "res"),
		"--no-preprocess",
		"--metric", "euclidean, pearson",
		"--mtl-mixture", "0.4",
		"--nmf-k", "3",
		"--compress",
		"--heatmap",
		"--preview-k", "3",
	))
	require.NoError(t, err)
	require.NoError(t, run(opts, logger))

	for _, m := range []string{"euclidean", "pearson"} {
		prefix := filepath.Join(dir, "out", "res."+m)
		d, err := dataset.ReadMatrixFile(prefix + ".dist.tsv.zst")
		require.NoError(t, err)
		r, c := d.Dims()
		assert.Equal(t, [2]int{12, 12}, [2]int{r, c})

		for _, suffix := range []string{".rejection.tsv", ".png", ".labels.tsv"} {
			_, err := os.Stat(prefix + suffix)
			assert.NoError(t, err, suffix)
		}
	}

	var sawARI bool
	for _, e := range hook.AllEntries() {
		if _, ok := e.Data["ari"]; ok {
			sawARI = true
		}
	}
	assert.True(t, sawARI)
}

func TestRun_RejectsBadMixture(t *testing.T) {
	dir := t.TempDir()
	writeInputs(t, dir)
	logger, _ := test.NewNullLogger()

	opts, err := parseArgs(append(requiredArgs(dir),
		"--fout", filepath.Join(dir, "res"),
		"--no-preprocess",
		"--mtl-mixture", "2",
		"--nmf-k", "3",
	))
	require.NoError(t, err)
	require.Error(t, run(opts, logger))
}

func writeConfig(t *testing.T, dir string) string {
	t.Helper()
	path := filepath.Join(dir, "mtl.yaml")
	body := `transfer:
  mixture: 0.5
nmf:
  k: 6
  alpha: 0.2
preprocess:
  target:
    cell_filter:
      kind: min_expressed_genes
      params:
        min_expressed_genes: 5
        non_zero_threshold: 0.5
`
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
	return path
}

func loadWithFlags(t *testing.T, args []string) *config.Config {
	t.Helper()
	opts, err := parseArgs(args)
	require.NoError(t, err)
	cfg, err := config.Load(opts.Config)
	require.NoError(t, err)
	applyFlags(cfg, opts)
	return cfg
}

func TestApplyFlags_KeepsConfigWithoutFlags(t *testing.T) {
	dir := t.TempDir()
	cfgPath := writeConfig(t, dir)

	cfg := loadWithFlags(t, append(requiredArgs(dir), "--config", cfgPath))
	assert.Equal(t, 0.5, cfg.Transfer.Mixture)
	assert.Equal(t, 6, cfg.NMF.K)
	assert.Equal(t, 0.2, cfg.NMF.Alpha)
	assert.Equal(t, 5.0, cfg.Preprocess.Target.CellFilter.Params["min_expressed_genes"])
	assert.Equal(t, filepath.Join(dir, "src.tsv"), cfg.Transfer.SourcePath)
}

func TestApplyFlags_GivenFlagsOverrideConfig(t *testing.T) {
	dir := t.TempDir()
	cfgPath := writeConfig(t, dir)

	cfg := loadWithFlags(t, append(requiredArgs(dir),
		"--config", cfgPath,
		"--mtl-mixture", "0.3",
		"--nmf-k", "4",
		"--cf-min-expr-genes", "100",
	))
	assert.Equal(t, 0.3, cfg.Transfer.Mixture)
	assert.Equal(t, 4, cfg.NMF.K)
	assert.Equal(t, 0.2, cfg.NMF.Alpha)

	cf := cfg.Preprocess.Target.CellFilter
	assert.Equal(t, "min_expressed_genes", cf.Kind)
	assert.Equal(t, 100.0, cf.Params["min_expressed_genes"])
	assert.Equal(t, 0.5, cf.Params["non_zero_threshold"])
}

func TestOverlaySpec(t *testing.T) {
	none := preprocess.Spec{Kind: "none"}
	assert.Equal(t, none, overlaySpec(none, "consensus", nil))

	got := overlaySpec(none, "consensus", map[string]float64{"perc_consensus_genes": 0.9})
	assert.Equal(t, preprocess.Spec{Kind: "consensus", Params: map[string]float64{"perc_consensus_genes": 0.9}}, got)
}

func TestSplitList(t *testing.T) {
	assert.Equal(t, []string{"euclidean", "pearson"}, splitList(" euclidean,,pearson "))
	assert.Nil(t, splitList(""))
}
