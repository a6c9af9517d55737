package transfer

import (
	"errors"
	"fmt"
	"math"
	"math/rand"
	"strings"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gonum.org/v1/gonum/mat"

	"github.com/soma-tiles/scmtl/internal/dataset"
	"github.com/soma-tiles/scmtl/internal/metric"
	"github.com/soma-tiles/scmtl/internal/nmf"
	"github.com/soma-tiles/scmtl/internal/rejection"
)

type memLoader struct {
	ds    *dataset.Dataset
	calls int
}

func (m *memLoader) LoadSource(path, geneIDsPath string) (*dataset.Dataset, error) {
	m.calls++
	if m.ds == nil {
		return nil, fmt.Errorf("no dataset at %s", path)
	}
	return m.ds, nil
}

// programs draws a genes x cells matrix whose cells follow one of `groups` expression
// programs.
func programs(rng *rand.Rand, genes, cells, groups int) *mat.Dense {
	x := mat.NewDense(genes, cells, nil)
	per := genes / groups
	for j := 0; j < cells; j++ {
		g := j % groups
		for i := 0; i < genes; i++ {
			v := rng.Float64()
			if i/per == g {
				v += 4 + 2*rng.Float64()
			}
			x.Set(i, j, v)
		}
	}
	return x
}

func geneNames(n int) []string {
	out := make([]string, n)
	for i := range out {
		out[i] = fmt.Sprintf("ENSG%05d", i)
	}
	return out
}

func testConfig(mixture float64) Config {
	p := nmf.DefaultParams()
	p.K = 4
	p.Alpha = 1
	p.L1Ratio = 0.75
	return Config{
		SourcePath:        "source.tsv",
		SourceGeneIDsPath: "source_genes.tsv",
		Metric:            "euclidean",
		Mixture:           mixture,
		NMF:               p,
	}
}

func assertDistanceMatrix(t *testing.T, d *mat.SymDense, n int) {
	t.Helper()
	require.NotNil(t, d)
	require.Equal(t, n, d.SymmetricDim())
	for i := 0; i < n; i++ {
		assert.Equal(t, 0.0, d.At(i, i))
		for j := 0; j < n; j++ {
			v := d.At(i, j)
			require.False(t, math.IsNaN(v) || math.IsInf(v, 0), "(%d,%d) = %v", i, j, v)
			require.GreaterOrEqual(t, v, 0.0)
			require.Equal(t, v, d.At(j, i))
		}
	}
}

func TestDistance_EndToEnd(t *testing.T) {
	rng := rand.New(rand.NewSource(2024))
	ids := geneNames(50)
	loader := &memLoader{ds: &dataset.Dataset{Data: programs(rng, 50, 30, 4), GeneIDs: ids}}
	target := programs(rng, 50, 20, 4)

	d, err := New(testConfig(0.5), loader, nil, nil)
	require.NoError(t, err)

	res, err := d.Compute(target, ids)
	require.NoError(t, err)
	assertDistanceMatrix(t, res.Distance, 20)

	assert.Equal(t, 50, res.Pairs.Len())
	assert.Equal(t, 30, res.SourceCells)
	assert.Equal(t, 1, loader.calls)
	require.NotNil(t, res.Rejection)
	assert.Len(t, res.Rejection.Criteria, len(rejection.Names))

	fn := d.Func()
	dist, err := fn(target, ids)
	require.NoError(t, err)
	assert.Equal(t, 2, loader.calls)
	assertDistanceMatrix(t, dist, 20)
}

func TestDistance_MixtureBoundaries(t *testing.T) {
	rng := rand.New(rand.NewSource(5))
	ids := geneNames(40)
	loader := &memLoader{ds: &dataset.Dataset{Data: programs(rng, 40, 24, 4), GeneIDs: ids}}
	target := programs(rng, 40, 16, 4)

	native, err := metric.Lookup("euclidean")
	require.NoError(t, err)
	want, err := native(target)
	require.NoError(t, err)

	d, err := New(testConfig(0), loader, nil, nil)
	require.NoError(t, err)
	res, err := d.Compute(target, ids)
	require.NoError(t, err)
	assert.True(t, mat.Equal(want, res.Distance), "mixture 0 must reproduce the native distance")

	d, err = New(testConfig(1), loader, nil, nil)
	require.NoError(t, err)
	res, err = d.Compute(target, ids)
	require.NoError(t, err)
	assert.False(t, res.Fusion.Degenerate)
	assert.True(t, mat.Equal(res.Fusion.Transfer, res.Distance), "mixture 1 must reproduce the rescaled transfer distance")
	assert.InDelta(t, symMax(want), symMax(res.Distance), 1e-9)
}

func TestDistance_AllMetricsAndMixtures(t *testing.T) {
	rng := rand.New(rand.NewSource(77))
	ids := geneNames(30)
	loader := &memLoader{ds: &dataset.Dataset{Data: programs(rng, 30, 18, 3), GeneIDs: ids}}
	target := programs(rng, 30, 12, 3)

	for _, name := range metric.Names() {
		for _, mix := range []float64{0, 0.25, 0.5, 1} {
			t.Run(fmt.Sprintf("%s/%v", name, mix), func(t *testing.T) {
				cfg := testConfig(mix)
				cfg.Metric = name
				cfg.NMF.K = 3
				d, err := New(cfg, loader, nil, nil)
				require.NoError(t, err)
				res, err := d.Compute(target, ids)
				require.NoError(t, err)
				assertDistanceMatrix(t, res.Distance, 12)
			})
		}
	}
}

func TestDistance_DegenerateTransfer(t *testing.T) {
	rng := rand.New(rand.NewSource(9))
	ids := geneNames(20)
	loader := &memLoader{ds: &dataset.Dataset{Data: programs(rng, 20, 10, 2), GeneIDs: ids}}
	target := programs(rng, 20, 8, 2)

	// a single component gives every cell the same hard reconstruction
	cfg := testConfig(1)
	cfg.NMF.K = 1
	d, err := New(cfg, loader, nil, nil)
	require.NoError(t, err)
	_, err = d.Compute(target, ids)
	assert.True(t, errors.Is(err, ErrConfiguration), "got %v", err)

	logger, hook := test.NewNullLogger()
	cfg.Mixture = 0.5
	d, err = New(cfg, loader, nil, logger)
	require.NoError(t, err)
	res, err := d.Compute(target, ids)
	require.NoError(t, err)
	assert.True(t, res.Fusion.Degenerate)
	assertDistanceMatrix(t, res.Distance, 8)
	assert.True(t, hasWarning(hook, "transfer distance is flat"))

	toy := NewToyDistance(loader.ds.Data, "euclidean", 1)
	toy.Params.K = 1
	toy.Logger = logger
	hook.Reset()
	res, err = toy.Compute(target)
	require.NoError(t, err)
	assert.Equal(t, ToyFallbackMixture, res.Fusion.Mixture)
	assertDistanceMatrix(t, res.Distance, 8)
	assert.True(t, hasWarning(hook, "lowering mixture"))
}

func TestDistance_StrongRegularizationIsDivergence(t *testing.T) {
	rng := rand.New(rand.NewSource(2024))
	ids := geneNames(50)
	loader := &memLoader{ds: &dataset.Dataset{Data: programs(rng, 50, 30, 4), GeneIDs: ids}}
	target := programs(rng, 50, 20, 4)

	for _, mixture := range []float64{0.5, 1} {
		cfg := testConfig(mixture)
		cfg.NMF.Alpha = 100
		d, err := New(cfg, loader, nil, nil)
		require.NoError(t, err)
		_, err = d.Compute(target, ids)
		assert.True(t, errors.Is(err, nmf.ErrDivergence), "mixture %v: got %v", mixture, err)
		assert.False(t, errors.Is(err, ErrConfiguration), "mixture %v", mixture)
	}
}

func hasWarning(hook *test.Hook, fragment string) bool {
	for _, e := range hook.AllEntries() {
		if e.Level == logrus.WarnLevel && strings.Contains(e.Message, fragment) {
			return true
		}
	}
	return false
}

func TestDistance_PartialGeneOverlap(t *testing.T) {
	rng := rand.New(rand.NewSource(13))
	srcIDs := geneNames(30)
	trgIDs := append(append([]string{}, srcIDs[10:]...), "EXTRA1", "EXTRA2")
	loader := &memLoader{ds: &dataset.Dataset{Data: programs(rng, 30, 12, 3), GeneIDs: srcIDs}}
	target := programs(rng, len(trgIDs), 9, 3)

	cfg := testConfig(0.5)
	cfg.NMF.K = 3
	d, err := New(cfg, loader, nil, nil)
	require.NoError(t, err)
	res, err := d.Compute(target, trgIDs)
	require.NoError(t, err)
	assert.Equal(t, 20, res.Pairs.Len())
	for i := range res.Pairs.Target {
		assert.Equal(t, trgIDs[res.Pairs.Target[i]], srcIDs[res.Pairs.Source[i]])
	}
	assertDistanceMatrix(t, res.Distance, 9)
}

func TestDistance_Errors(t *testing.T) {
	loader := &memLoader{ds: &dataset.Dataset{Data: mat.NewDense(2, 2, []float64{1, 2, 3, 4}), GeneIDs: []string{"a", "b"}}}

	_, err := New(testConfig(1.5), loader, nil, nil)
	assert.True(t, errors.Is(err, ErrConfiguration))

	cfg := testConfig(0.5)
	cfg.Metric = "hamming"
	_, err = New(cfg, loader, nil, nil)
	assert.True(t, errors.Is(err, ErrConfiguration))

	cfg = testConfig(0.5)
	cfg.NMF.K = 0
	_, err = New(cfg, loader, nil, nil)
	assert.True(t, errors.Is(err, ErrConfiguration))

	d, err := New(testConfig(0.5), loader, nil, nil)
	require.NoError(t, err)
	_, err = d.Compute(mat.NewDense(2, 2, []float64{1, 2, 3, 4}), []string{"x", "y"})
	assert.True(t, errors.Is(err, nmf.ErrDimensionMismatch), "no common genes: %v", err)

	_, err = d.Compute(mat.NewDense(2, 2, []float64{1, 2, 3, 4}), []string{"a"})
	assert.True(t, errors.Is(err, nmf.ErrDimensionMismatch))
}

func TestFuse_Postcondition(t *testing.T) {
	negative := func(x *mat.Dense) (*mat.SymDense, error) {
		_, n := x.Dims()
		d := mat.NewSymDense(n, nil)
		for i := 0; i < n; i++ {
			for j := i + 1; j < n; j++ {
				d.SetSym(i, j, -1)
			}
		}
		return d, nil
	}
	x := mat.NewDense(2, 3, []float64{1, 2, 3, 4, 5, 6})
	_, err := Fuse(negative, x, x, 0.5, ModeStrict, nil)
	assert.True(t, errors.Is(err, ErrPostcondition))
}

func TestToyDistance_ZeroMixtureSkipsFactorization(t *testing.T) {
	target := mat.NewDense(3, 4, []float64{
		1, 0, 2, 5,
		0, 1, 2, 5,
		3, 3, 0, 1,
	})
	// a nil source would fail factorization if it were attempted
	toy := NewToyDistance(nil, "cityblock", 0)
	res, err := toy.Compute(target)
	require.NoError(t, err)
	assert.Nil(t, res.Factors)

	native, _ := metric.Lookup("cityblock")
	want, _ := native(target)
	assert.True(t, mat.Equal(want, res.Distance))
}

func TestToyDistance_LogsLabelAgreement(t *testing.T) {
	rng := rand.New(rand.NewSource(21))
	src := programs(rng, 24, 12, 3)
	target := programs(rng, 24, 9, 3)
	labels := func(n int) []string {
		out := make([]string, n)
		for j := range out {
			out[j] = fmt.Sprintf("type%d", j%3)
		}
		return out
	}

	logger, hook := test.NewNullLogger()
	toy := NewToyDistance(src, "euclidean", 0.5)
	toy.Params.K = 3
	toy.SourceLabels = labels(12)
	toy.TargetLabels = labels(9)
	toy.Logger = logger

	res, err := toy.Compute(target)
	require.NoError(t, err)
	assertDistanceMatrix(t, res.Distance, 9)

	var seen int
	for _, e := range hook.AllEntries() {
		if _, ok := e.Data["ari"]; ok {
			seen++
		}
	}
	assert.Equal(t, 2, seen)
}
