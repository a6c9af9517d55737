// Package rejection scores how well each target cell is explained by a transferred
// dictionary. It only scores; deciding which cells to reject is up to the caller.
package rejection

import (
	"errors"
	"fmt"
	"math"

	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/stat"
)

// ErrDimensionMismatch is returned when H, H2, X and W do not describe the same factorization.
var ErrDimensionMismatch = errors.New("rejection: dimension mismatch")

// Criterion names, in report order.
const (
	Kurtosis = "kurtosis"
	KTAKurt1 = "KTA kurt1"
	KTAKurt2 = "KTA kurt2"
	KTAKurt3 = "KTA kurt3"
	DistL2H  = "Dist L2 H"
	DistL2H2 = "Dist L2 H2"
	DistL1H  = "Dist L1 H"
	DistL1H2 = "Dist L1 H2"
)

// Names lists all criteria in report order.
var Names = []string{Kurtosis, KTAKurt1, KTAKurt2, KTAKurt3, DistL2H, DistL2H2, DistL1H, DistL1H2}

// Criterion is one named per-cell score vector.
type Criterion struct {
	Name   string    `json:"name"`
	Scores []float64 `json:"scores"`
}

// Report holds every criterion for one target dataset.
type Report struct {
	Criteria []Criterion `json:"criteria"`
}

// Scores returns the score vector for name.
func (r *Report) Scores(name string) ([]float64, bool) {
	if r == nil {
		return nil, false
	}
	for _, c := range r.Criteria {
		if c.Name == name {
			return c.Scores, true
		}
	}
	return nil, false
}

// Score computes all criteria for target x (genes x cells) given the dictionary w
// (genes x k), soft codes h and hard codes h2 (both k x cells).
//
// KTA kurt1/2/3 classify on the kernels XᵀX, (WH)ᵀ(WH) and (WH2)ᵀ(WH2). The Dist
// criteria are negated per-cell residual sums, so larger means better explained.
func Score(h, h2, x, w *mat.Dense) (*Report, error) {
	genes, k := w.Dims()
	xr, cells := x.Dims()
	hr, hc := h.Dims()
	h2r, h2c := h2.Dims()
	switch {
	case genes != xr:
		return nil, fmt.Errorf("%w: W has %d rows, X has %d", ErrDimensionMismatch, genes, xr)
	case hr != k || hc != cells:
		return nil, fmt.Errorf("%w: H is %dx%d, want %dx%d", ErrDimensionMismatch, hr, hc, k, cells)
	case h2r != k || h2c != cells:
		return nil, fmt.Errorf("%w: H2 is %dx%d, want %dx%d", ErrDimensionMismatch, h2r, h2c, k, cells)
	}

	kurt := ColumnKurtosis(h)

	var wh, wh2 mat.Dense
	wh.Mul(w, h)
	wh2.Mul(w, h2)

	l2h, l1h := residuals(x, &wh)
	l2h2, l1h2 := residuals(x, &wh2)

	return &Report{Criteria: []Criterion{
		{Name: Kurtosis, Scores: kurt},
		{Name: KTAKurt1, Scores: Classify(gram(x), kurt)},
		{Name: KTAKurt2, Scores: Classify(gram(&wh), kurt)},
		{Name: KTAKurt3, Scores: Classify(gram(&wh2), kurt)},
		{Name: DistL2H, Scores: l2h},
		{Name: DistL2H2, Scores: l2h2},
		{Name: DistL1H, Scores: l1h},
		{Name: DistL1H2, Scores: l1h2},
	}}, nil
}

// ColumnKurtosis returns the Pearson kurtosis m4/m2² of every column of h, using
// population central moments. A normal distribution scores 3; a constant column is NaN.
func ColumnKurtosis(h mat.Matrix) []float64 {
	_, cells := h.Dims()
	out := make([]float64, cells)
	for j := range out {
		col := mat.Col(nil, j, h)
		m2 := stat.Moment(2, col, nil)
		m4 := stat.Moment(4, col, nil)
		if m2 == 0 {
			out[j] = math.NaN()
			continue
		}
		out[j] = m4 / (m2 * m2)
	}
	return out
}

func gram(a mat.Matrix) *mat.SymDense {
	_, n := a.Dims()
	g := mat.NewSymDense(n, nil)
	g.SymOuterK(1, a.T())
	return g
}

// residuals returns −Σ_genes r² and −Σ_genes |r| per column of r = x − recon.
func residuals(x, recon mat.Matrix) (l2, l1 []float64) {
	genes, cells := x.Dims()
	l2 = make([]float64, cells)
	l1 = make([]float64, cells)
	for j := 0; j < cells; j++ {
		var sq, abs float64
		for i := 0; i < genes; i++ {
			d := x.At(i, j) - recon.At(i, j)
			sq += d * d
			abs += math.Abs(d)
		}
		l2[j] = -sq
		l1[j] = -abs
	}
	return l2, l1
}
