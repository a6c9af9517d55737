package rejection

import (
	"errors"
	"math"
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gonum.org/v1/gonum/mat"
)

func randomNonNegative(rng *rand.Rand, r, c int) *mat.Dense {
	m := mat.NewDense(r, c, nil)
	m.Apply(func(_, _ int, _ float64) float64 { return rng.Float64() }, m)
	return m
}

func TestColumnKurtosis(t *testing.T) {
	h := mat.NewDense(4, 3, []float64{
		1, 2, 5,
		0, 2, 0,
		0, 2, 0,
		1, 2, 0,
	})
	k := ColumnKurtosis(h)
	require.Len(t, k, 3)
	// {1,0,0,1}: m2 = 1/4, m4 = 1/16
	assert.InDelta(t, 1.0, k[0], 1e-12)
	assert.True(t, math.IsNaN(k[1]))
	// {5,0,0,0}: mean 1.25, m2 = 4.6875, m4 = 3·1.25⁴+3.75⁴ / 4
	m2 := (3*1.25*1.25 + 3.75*3.75) / 4
	m4 := (3*math.Pow(1.25, 4) + math.Pow(3.75, 4)) / 4
	assert.InDelta(t, m4/(m2*m2), k[2], 1e-12)
}

func TestCenterKernel(t *testing.T) {
	k := mat.NewDense(2, 2, []float64{4, 2, 2, 2})
	c := CenterKernel(k)
	// row/col sums of a centered kernel vanish
	for i := 0; i < 2; i++ {
		assert.InDelta(t, 0, mat.Sum(c.RowView(i)), 1e-12)
		assert.InDelta(t, 0, mat.Sum(c.ColView(i)), 1e-12)
	}
}

func TestNormalizeKernel(t *testing.T) {
	k := mat.NewDense(2, 2, []float64{4, 2, 2, 9})
	n := NormalizeKernel(k)
	assert.InDelta(t, 1, n.At(0, 0), 1e-12)
	assert.InDelta(t, 1, n.At(1, 1), 1e-12)
	assert.InDelta(t, 2.0/6.0, n.At(0, 1), 1e-12)

	degenerate := mat.NewDense(2, 2, []float64{0, 1, 1, 3})
	n = NormalizeKernel(degenerate)
	assert.True(t, mat.Equal(mat.NewDense(2, 2, []float64{0, 0, 0, 3}), n))
}

func TestAlignBinary(t *testing.T) {
	k := mat.NewDense(2, 2, []float64{1, 0, 0, 1})
	assert.InDelta(t, 2/(2*math.Sqrt2), AlignBinary(k, []float64{1, -1}), 1e-12)
}

// classifyDirect is the quadratic reference for Classify.
func classifyDirect(k mat.Matrix, kurt []float64) []float64 {
	n := len(kurt)
	kn := NormalizeKernel(CenterKernel(k))
	order := argsort(kurt)
	best, bestSplit := -1.0, -1
	for split := 1; split <= n-2; split++ {
		y := make([]float64, n)
		for i := range y {
			y[i] = 1
		}
		for _, c := range order[:split] {
			y[c] = -1
		}
		if kta := AlignBinary(kn, y); kta > best {
			best, bestSplit = kta, split
		}
	}
	if bestSplit < 0 {
		bestSplit = n - 1
	}
	y := make([]float64, n)
	for i := range y {
		y[i] = 1
	}
	for _, c := range order[:bestSplit] {
		y[c] = -1
	}
	return y
}

func TestClassify_MatchesDirectEvaluation(t *testing.T) {
	rng := rand.New(rand.NewSource(42))
	for trial := 0; trial < 5; trial++ {
		x := randomNonNegative(rng, 15, 12)
		kurt := make([]float64, 12)
		for i := range kurt {
			kurt[i] = rng.Float64() * 5
		}
		assert.Equal(t, classifyDirect(gram(x), kurt), Classify(gram(x), kurt))
	}
}

func TestClassify_SeparatesGroups(t *testing.T) {
	// two clearly separated groups of cells; low kurtosis marks the first group
	x := mat.NewDense(2, 6, []float64{
		10, 10, 10, 0, 0, 0,
		0, 0, 0, 10, 10, 10,
	})
	x.Set(0, 0, 11)
	x.Set(1, 4, 9)
	kurt := []float64{1, 1.1, 1.2, 4, 4.1, 4.2}
	labels := Classify(gram(x), kurt)
	assert.Equal(t, []float64{-1, -1, -1, 1, 1, 1}, labels)
}

func TestClassify_NoSplitFallsBackToAllButLast(t *testing.T) {
	labels := Classify(mat.NewDense(2, 2, []float64{1, 0, 0, 1}), []float64{3, 1})
	assert.Equal(t, []float64{1, -1}, labels)
}

func TestArgsort_NaNLast(t *testing.T) {
	assert.Equal(t, []int{2, 0, 3, 1}, argsort([]float64{1, math.NaN(), 0, 1}))
}

func TestScore(t *testing.T) {
	rng := rand.New(rand.NewSource(9))
	w := randomNonNegative(rng, 10, 3)
	h := randomNonNegative(rng, 3, 8)
	x := randomNonNegative(rng, 10, 8)
	h2 := mat.NewDense(3, 8, nil)
	for j := 0; j < 8; j++ {
		h2.Set(j%3, j, 1)
	}

	r, err := Score(h, h2, x, w)
	require.NoError(t, err)
	require.Len(t, r.Criteria, len(Names))
	for i, c := range r.Criteria {
		assert.Equal(t, Names[i], c.Name)
		assert.Len(t, c.Scores, 8)
	}

	for _, name := range []string{KTAKurt1, KTAKurt2, KTAKurt3} {
		s, ok := r.Scores(name)
		require.True(t, ok)
		for _, v := range s {
			assert.Contains(t, []float64{-1, 1}, v)
		}
	}

	l1, _ := r.Scores(DistL1H)
	l2, _ := r.Scores(DistL2H)
	var wh mat.Dense
	wh.Mul(w, h)
	var wantL1, wantL2 float64
	for i := 0; i < 10; i++ {
		d := x.At(i, 0) - wh.At(i, 0)
		wantL1 -= math.Abs(d)
		wantL2 -= d * d
	}
	assert.InDelta(t, wantL1, l1[0], 1e-12)
	assert.InDelta(t, wantL2, l2[0], 1e-12)

	_, ok := r.Scores("missing")
	assert.False(t, ok)
}

func TestScore_DimensionMismatch(t *testing.T) {
	w := mat.NewDense(4, 2, nil)
	x := mat.NewDense(4, 3, nil)
	_, err := Score(mat.NewDense(2, 2, nil), mat.NewDense(2, 3, nil), x, w)
	assert.True(t, errors.Is(err, ErrDimensionMismatch))
	_, err = Score(mat.NewDense(2, 3, nil), mat.NewDense(2, 3, nil), mat.NewDense(5, 3, nil), w)
	assert.True(t, errors.Is(err, ErrDimensionMismatch))
}
