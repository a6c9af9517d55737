package nmf

import (
	"fmt"
	"math"
	"math/rand"

	"gonum.org/v1/gonum/mat"
)

// initialError is the error assumed before the first target update.
const initialError = 1e10

// FitTarget fits codes H (k x cells) such that x ≈ w·H with w held fixed. H starts as
// |N(0,1)| draws from rng and is refined by H ← H ⊙ (wᵀx)/(wᵀw·H). After every update the
// mean absolute reconstruction error is recorded; the loop stops once the relative
// improvement is at most relErr and the error actually decreased, or after maxIter
// updates. The returned trace holds one error per update.
func FitTarget(w, x *mat.Dense, maxIter int, relErr float64, rng *rand.Rand) (*mat.Dense, []float64, error) {
	genes, k := w.Dims()
	xr, cells := x.Dims()
	if genes != xr {
		return nil, nil, fmt.Errorf("%w: W has %d rows, target has %d", ErrDimensionMismatch, genes, xr)
	}
	if maxIter < 1 {
		return nil, nil, fmt.Errorf("%w: max_iter must be >= 1, got %d", ErrInvalidParams, maxIter)
	}

	h := mat.NewDense(k, cells, nil)
	h.Apply(func(_, _ int, _ float64) float64 {
		return math.Abs(rng.NormFloat64())
	}, h)

	var wtx, wtw, den, recon mat.Dense
	wtx.Mul(w.T(), x)
	wtw.Mul(w.T(), w)

	size := float64(genes * cells)
	trace := make([]float64, 0, min(maxIter, 1024))
	prev := initialError

	for it := 0; it < maxIter; it++ {
		den.Mul(&wtw, h)
		for i := 0; i < k; i++ {
			for j := 0; j < cells; j++ {
				d := den.At(i, j)
				if d == 0 {
					d = epsilon
				}
				v := h.At(i, j) * wtx.At(i, j) / d
				if math.IsNaN(v) || math.IsInf(v, 0) {
					return nil, trace, fmt.Errorf("%w: H[%d,%d] = %v at iteration %d", ErrDivergence, i, j, v, it+1)
				}
				h.Set(i, j, v)
			}
		}

		recon.Mul(w, h)
		var sumAbs float64
		for i := 0; i < genes; i++ {
			for j := 0; j < cells; j++ {
				sumAbs += math.Abs(x.At(i, j) - recon.At(i, j))
			}
		}
		cur := sumAbs / size
		trace = append(trace, cur)

		if math.Abs((prev-cur)/prev) <= relErr && prev > cur {
			break
		}
		prev = cur
	}
	return h, trace, nil
}

// HardAssign returns the winner-take-all version of h: every column is one at the row of
// its largest entry (the first one on ties) and zero elsewhere.
func HardAssign(h *mat.Dense) *mat.Dense {
	k, cells := h.Dims()
	h2 := mat.NewDense(k, cells, nil)
	for j := 0; j < cells; j++ {
		h2.Set(ArgMaxColumn(h, j), j, 1)
	}
	return h2
}

// ArgMaxColumn returns the row index of the largest entry in column j of m.
func ArgMaxColumn(m mat.Matrix, j int) int {
	r, _ := m.Dims()
	best := 0
	for i := 1; i < r; i++ {
		if m.At(i, j) > m.At(best, j) {
			best = i
		}
	}
	return best
}
