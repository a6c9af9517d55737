package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad_FullFormat(t *testing.T) {
	content := `
server:
  port: 9000
transfer:
  source_path: "/data/source.tsv.zst"
  source_gene_ids_path: "/data/source_genes.tsv"
  metric: pearson
  mixture: 0.5
nmf:
  k: 6
  alpha: 0.5
  l1_ratio: 0.25
preprocess:
  source:
    transform: log2
    gene_filter:
      kind: consensus
      params:
        perc_consensus_genes: 0.9
jobs:
  sqlite_path: "/var/lib/scmtl/jobs.sqlite"
log:
  format: json
`
	cfg := loadFromString(t, content)

	assert.Equal(t, 9000, cfg.Server.Port)
	assert.Equal(t, "pearson", cfg.Transfer.Metric)
	assert.Equal(t, 0.5, cfg.Transfer.Mixture)
	assert.Equal(t, 6, cfg.NMF.K)
	assert.Equal(t, 0.5, cfg.NMF.Alpha)
	assert.Equal(t, 0.25, cfg.NMF.L1Ratio)
	// untouched nmf fields keep their defaults
	assert.Equal(t, 5000, cfg.NMF.MaxIter)
	assert.Equal(t, 1e-6, cfg.NMF.RelErr)
	assert.Equal(t, "log2", cfg.Preprocess.Source.Transform)
	assert.Equal(t, 0.9, cfg.Preprocess.Source.GeneFilter.Params["perc_consensus_genes"])
	assert.Equal(t, "/var/lib/scmtl/jobs.sqlite", cfg.Jobs.SQLitePath)
	assert.Equal(t, "json", cfg.Log.Format)
	assert.Equal(t, "info", cfg.Log.Level)

	dc := cfg.DistanceConfig()
	assert.Equal(t, "/data/source.tsv.zst", dc.SourcePath)
	assert.Equal(t, 6, dc.NMF.K)
	assert.Equal(t, "log2", dc.Transform)
}

func TestLoad_DefaultsApplied(t *testing.T) {
	content := `
server:
  port: 0
nmf:
  k: 0
`
	cfg := loadFromString(t, content)

	assert.Equal(t, 8080, cfg.Server.Port)
	assert.Equal(t, 10, cfg.NMF.K)
	assert.Equal(t, 128, cfg.Cache.HeatmapSizeMB)
	assert.Equal(t, 512, cfg.Render.HeatmapSize)
	assert.Equal(t, 0.1, cfg.Transfer.Mixture)
}

func TestLoad_ZeroMixtureKept(t *testing.T) {
	cfg := loadFromString(t, "transfer:\n  mixture: 0\n")
	assert.Equal(t, 0.0, cfg.Transfer.Mixture)
}

func TestLoad_MissingFile(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	require.NoError(t, err)
	assert.Equal(t, 8080, cfg.Server.Port)
}

func TestLoad_InvalidYAML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("server: [\n"), 0644))
	_, err := Load(path)
	assert.Error(t, err)
}

func TestStageConfig_Adapter(t *testing.T) {
	cfg := DefaultConfig()
	_, err := cfg.Preprocess.Target.Adapter(nil)
	require.NoError(t, err, "default target stage must be valid")

	bad := StageConfig{Transform: "sqrt"}
	_, err = bad.Adapter(nil)
	assert.Error(t, err)
}

func loadFromString(t *testing.T, content string) *Config {
	t.Helper()

	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))

	cfg, err := Load(path)
	require.NoError(t, err)
	return cfg
}
