// Package nmf learns a non-negative dictionary from a source expression matrix and fits
// target codes against that fixed dictionary.
//
// The source factorization X ≈ W·H uses multiplicative updates for the Frobenius loss
// with elastic-net penalties on both factors:
//
//	W ← W ⊙ (X·Hᵀ) / (W·H·Hᵀ + l1 + l2·W)
//	H ← H ⊙ (Wᵀ·X) / (Wᵀ·W·H + l1 + l2·H)
//
// where l1 = alpha·l1_ratio and l2 = alpha·(1−l1_ratio). Target codes are then fitted with
// plain multiplicative updates holding W fixed.
package nmf

import (
	"errors"
	"fmt"
	"math"
	"math/rand"

	"github.com/sirupsen/logrus"
	"gonum.org/v1/gonum/mat"

	"github.com/soma-tiles/scmtl/internal/logutil"
)

var (
	// ErrDivergence is returned when a factor contains NaN or Inf, or when the dictionary
	// collapses to zero. Both happen when the regularization is too strong for the rank
	// and data shape.
	ErrDivergence = errors.New("nmf: numerical divergence")
	// ErrDimensionMismatch is returned when matrix shapes violate the factorization contract.
	ErrDimensionMismatch = errors.New("nmf: dimension mismatch")
	// ErrInvalidParams is returned by Params.Validate.
	ErrInvalidParams = errors.New("nmf: invalid parameters")
	// ErrNegativeInput is returned when an input matrix has a negative or non-finite entry.
	ErrNegativeInput = errors.New("nmf: input must be finite and non-negative")
)

// Defaults used by DefaultParams.
const (
	DefaultK             = 10
	DefaultAlpha         = 1.0
	DefaultL1Ratio       = 0.75
	DefaultMaxIter       = 5000
	DefaultRelErr        = 1e-6
	DefaultSourceMaxIter = 1000
	DefaultSourceTol     = 1e-5
)

// Params controls both factorization steps.
type Params struct {
	K       int     `yaml:"k" json:"k"`
	Alpha   float64 `yaml:"alpha" json:"alpha"`
	L1Ratio float64 `yaml:"l1_ratio" json:"l1_ratio"`

	// MaxIter and RelErr bound the target fit.
	MaxIter int     `yaml:"max_iter" json:"max_iter"`
	RelErr  float64 `yaml:"rel_err" json:"rel_err"`

	// SourceMaxIter and SourceTol bound the dictionary learning step.
	SourceMaxIter int     `yaml:"source_max_iter" json:"source_max_iter"`
	SourceTol     float64 `yaml:"source_tol" json:"source_tol"`

	// Seed drives the source initialization and the random target codes.
	Seed int64 `yaml:"seed" json:"seed"`
}

// DefaultParams returns the parameters of the original pipeline.
func DefaultParams() Params {
	return Params{
		K:             DefaultK,
		Alpha:         DefaultAlpha,
		L1Ratio:       DefaultL1Ratio,
		MaxIter:       DefaultMaxIter,
		RelErr:        DefaultRelErr,
		SourceMaxIter: DefaultSourceMaxIter,
		SourceTol:     DefaultSourceTol,
	}
}

// Validate checks parameter ranges.
func (p Params) Validate() error {
	switch {
	case p.K < 1:
		return fmt.Errorf("%w: k must be >= 1, got %d", ErrInvalidParams, p.K)
	case p.Alpha < 0 || math.IsNaN(p.Alpha) || math.IsInf(p.Alpha, 0):
		return fmt.Errorf("%w: alpha must be a finite value >= 0, got %v", ErrInvalidParams, p.Alpha)
	case p.L1Ratio < 0 || p.L1Ratio > 1 || math.IsNaN(p.L1Ratio):
		return fmt.Errorf("%w: l1_ratio must be in [0,1], got %v", ErrInvalidParams, p.L1Ratio)
	case p.MaxIter < 1:
		return fmt.Errorf("%w: max_iter must be >= 1, got %d", ErrInvalidParams, p.MaxIter)
	case p.RelErr < 0 || math.IsNaN(p.RelErr):
		return fmt.Errorf("%w: rel_err must be >= 0, got %v", ErrInvalidParams, p.RelErr)
	case p.SourceMaxIter < 1:
		return fmt.Errorf("%w: source_max_iter must be >= 1, got %d", ErrInvalidParams, p.SourceMaxIter)
	case p.SourceTol < 0 || math.IsNaN(p.SourceTol):
		return fmt.Errorf("%w: source_tol must be >= 0, got %v", ErrInvalidParams, p.SourceTol)
	}
	return nil
}

// ErrorReport holds reconstruction errors of the soft and hard target codes.
// Abs is mean(|X−W·H|); Fro is sqrt(Σ(X−W·H)²) divided by the number of entries.
type ErrorReport struct {
	AbsH  float64 `json:"abs_h"`
	FroH  float64 `json:"fro_h"`
	AbsH2 float64 `json:"abs_h2"`
	FroH2 float64 `json:"fro_h2"`
}

// Result is the output of Factorize. All matrices are freshly allocated.
type Result struct {
	W    *mat.Dense // genes x k
	H    *mat.Dense // k x target cells
	H2   *mat.Dense // k x target cells, one-hot per column
	Hsrc *mat.Dense // k x source cells

	Iterations int
	Trace      []float64
	Report     ErrorReport
}

// Factorize learns W and Hsrc from xsrc, fits H for xtrg against W, and derives the
// hard assignment H2. Both matrices must share the same gene rows.
func Factorize(xsrc, xtrg *mat.Dense, p Params, logger logrus.FieldLogger) (*Result, error) {
	logger = logutil.OrDiscard(logger).WithField("component", "nmf")

	if err := p.Validate(); err != nil {
		return nil, err
	}
	if err := checkShapes(xsrc, xtrg); err != nil {
		return nil, err
	}
	if err := checkNonNegative("source", xsrc); err != nil {
		return nil, err
	}
	if err := checkNonNegative("target", xtrg); err != nil {
		return nil, err
	}

	genes, srcCells := xsrc.Dims()
	_, trgCells := xtrg.Dims()

	w, hsrc, err := FitSource(xsrc, p)
	if err != nil {
		return nil, err
	}
	if !allFinite(w) {
		return nil, divergence("W", p, genes, srcCells)
	}
	if !allFinite(hsrc) {
		return nil, divergence("Hsrc", p, genes, srcCells)
	}
	if collapsed(xsrc, w, hsrc) {
		return nil, fmt.Errorf("%w: W collapsed to zero, regularization too strong (alpha=%v, k=%d, l1=%v, data=%dx%d)",
			ErrDivergence, p.Alpha, p.K, p.L1Ratio, genes, srcCells)
	}

	rng := rand.New(rand.NewSource(p.Seed))
	h, trace, err := FitTarget(w, xtrg, p.MaxIter, p.RelErr, rng)
	if err != nil {
		if errors.Is(err, ErrDivergence) {
			return nil, divergence("H", p, genes, srcCells)
		}
		return nil, err
	}

	h2 := HardAssign(h)

	res := &Result{
		W:          w,
		H:          h,
		H2:         h2,
		Hsrc:       hsrc,
		Iterations: len(trace),
		Trace:      trace,
	}
	res.Report.AbsH, res.Report.FroH = ReconstructionErrors(xtrg, w, h)
	res.Report.AbsH2, res.Report.FroH2 = ReconstructionErrors(xtrg, w, h2)

	logger.WithFields(logrus.Fields{
		"k":            p.K,
		"genes":        genes,
		"source_cells": srcCells,
		"target_cells": trgCells,
		"iterations":   res.Iterations,
		"abs_err_h":    res.Report.AbsH,
		"fro_err_h":    res.Report.FroH,
		"abs_err_h2":   res.Report.AbsH2,
		"fro_err_h2":   res.Report.FroH2,
	}).Info("fitted target codes")

	return res, nil
}

func divergence(which string, p Params, genes, cells int) error {
	return fmt.Errorf("%w: %s contains non-finite values (alpha=%v, k=%d, l1=%v, data=%dx%d)",
		ErrDivergence, which, p.Alpha, p.K, p.L1Ratio, genes, cells)
}

// collapseRatio bounds the largest entry of W·H relative to the largest entry of X below
// which the dictionary is treated as collapsed.
const collapseRatio = 1e-12

// collapsed reports whether the learned factors reconstruct nothing of x: W has no
// positive entry, or W·H is negligible next to x.
func collapsed(x, w, h *mat.Dense) bool {
	if mat.Max(w) <= 0 {
		return true
	}
	var recon mat.Dense
	recon.Mul(w, h)
	return mat.Max(&recon) <= collapseRatio*mat.Max(x)
}

func checkShapes(xsrc, xtrg *mat.Dense) error {
	if xsrc == nil || xtrg == nil || xsrc.IsEmpty() || xtrg.IsEmpty() {
		return fmt.Errorf("%w: source and target must be non-empty", ErrDimensionMismatch)
	}
	sr, _ := xsrc.Dims()
	tr, _ := xtrg.Dims()
	if sr != tr {
		return fmt.Errorf("%w: source has %d genes, target has %d", ErrDimensionMismatch, sr, tr)
	}
	return nil
}

func checkNonNegative(which string, x *mat.Dense) error {
	r, c := x.Dims()
	for i := 0; i < r; i++ {
		for j := 0; j < c; j++ {
			v := x.At(i, j)
			if v < 0 || math.IsNaN(v) || math.IsInf(v, 0) {
				return fmt.Errorf("%w: %s[%d,%d] = %v", ErrNegativeInput, which, i, j, v)
			}
		}
	}
	return nil
}

func allFinite(m *mat.Dense) bool {
	r, c := m.Dims()
	for i := 0; i < r; i++ {
		for j := 0; j < c; j++ {
			v := m.At(i, j)
			if math.IsNaN(v) || math.IsInf(v, 0) {
				return false
			}
		}
	}
	return true
}

// ReconstructionErrors returns mean(|X−W·H|) and sqrt(Σ(X−W·H)²)/size.
func ReconstructionErrors(x, w, h mat.Matrix) (abs, fro float64) {
	var recon mat.Dense
	recon.Mul(w, h)
	r, c := x.Dims()
	var sumAbs, sumSq float64
	for i := 0; i < r; i++ {
		for j := 0; j < c; j++ {
			d := x.At(i, j) - recon.At(i, j)
			sumAbs += math.Abs(d)
			sumSq += d * d
		}
	}
	size := float64(r * c)
	return sumAbs / size, math.Sqrt(sumSq) / size
}
