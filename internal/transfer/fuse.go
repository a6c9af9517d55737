// Package transfer builds cell-to-cell distances for a target dataset that borrow
// structure from a related source dataset. A dictionary learned on the source is fitted
// to the target, and the distance between the hard reconstructions is mixed with the
// target's own distance.
package transfer

import (
	"errors"
	"fmt"
	"math"

	"github.com/sirupsen/logrus"
	"gonum.org/v1/gonum/mat"

	"github.com/soma-tiles/scmtl/internal/logutil"
	"github.com/soma-tiles/scmtl/internal/metric"
)

var (
	// ErrConfiguration signals parameters that cannot work for this input, e.g. pure
	// transfer from a source whose reconstruction is flat. Fix the parameters or the source.
	ErrConfiguration = errors.New("transfer: configuration error")
	// ErrPostcondition signals a fused distance with negative or non-finite entries.
	ErrPostcondition = errors.New("transfer: distance postcondition violated")
)

// Mode selects how degenerate transfer distances are handled.
type Mode int

const (
	// ModeStrict fails when pure transfer is requested but the transfer distance is flat.
	ModeStrict Mode = iota
	// ModeToy lowers the mixture to ToyFallbackMixture instead of failing.
	ModeToy
)

func (m Mode) String() string {
	if m == ModeToy {
		return "toy"
	}
	return "strict"
}

const (
	// DegenerateThreshold is the largest transfer distance still considered flat.
	DegenerateThreshold = 1e-10
	// ToyFallbackMixture replaces a mixture of 1 in toy mode when the transfer is flat.
	ToyFallbackMixture = 0.9
)

// Fusion is the outcome of Fuse.
type Fusion struct {
	Distance *mat.SymDense
	Native   *mat.SymDense
	// Transfer is the rescaled transfer distance that entered the mix.
	Transfer *mat.SymDense

	// Mixture is the mixture actually applied, which differs from the requested one only
	// after a toy-mode fallback.
	Mixture    float64
	Scale      float64
	Degenerate bool
}

// ValidateMixture reports whether m is a usable mixture coefficient.
func ValidateMixture(m float64) error {
	if math.IsNaN(m) || m < 0 || m > 1 {
		return fmt.Errorf("%w: mixture must be in [0,1], got %v", ErrConfiguration, m)
	}
	return nil
}

// Fuse computes native distances for xtrg and for the reconstruction with the same metric,
// brings the transfer distance to the dynamic range of the native one, and returns
// mixture·transfer + (1−mixture)·native.
//
// xtrg and reconstruction must have the same number of cells; their gene rows may differ.
func Fuse(native metric.Func, xtrg, reconstruction *mat.Dense, mixture float64, mode Mode, logger logrus.FieldLogger) (*Fusion, error) {
	logger = logutil.OrDiscard(logger).WithField("component", "fusion")

	if err := ValidateMixture(mixture); err != nil {
		return nil, err
	}
	_, tc := xtrg.Dims()
	_, rc := reconstruction.Dims()
	if tc != rc {
		return nil, fmt.Errorf("%w: target has %d cells, reconstruction has %d", ErrConfiguration, tc, rc)
	}

	dNative, err := native(xtrg)
	if err != nil {
		return nil, fmt.Errorf("failed to compute native distance: %w", err)
	}
	dTransfer, err := native(reconstruction)
	if err != nil {
		return nil, fmt.Errorf("failed to compute transfer distance: %w", err)
	}

	f := &Fusion{Native: dNative, Mixture: mixture, Scale: 1}

	maxNative, maxTransfer := symMax(dNative), symMax(dTransfer)
	if maxTransfer < DegenerateThreshold {
		f.Degenerate = true
		switch {
		case mixture == 1 && mode == ModeToy:
			logger.WithField("max_transfer", maxTransfer).
				Warnf("transfer distance is flat, lowering mixture from 1 to %v", ToyFallbackMixture)
			f.Mixture = ToyFallbackMixture
		case mixture == 1:
			return nil, fmt.Errorf("%w: transfer distance is flat (max %g) and mixture is 1; the source does not explain the target",
				ErrConfiguration, maxTransfer)
		default:
			logger.WithFields(logrus.Fields{
				"max_transfer": maxTransfer,
				"mixture":      mixture,
			}).Warn("transfer distance is flat, mixing it unscaled")
		}
	} else {
		f.Scale = maxNative / maxTransfer
		dTransfer.ScaleSym(f.Scale, dTransfer)
	}
	f.Transfer = dTransfer

	n := dNative.SymmetricDim()
	out := mat.NewSymDense(n, nil)
	for i := 0; i < n; i++ {
		for j := i; j < n; j++ {
			out.SetSym(i, j, f.Mixture*dTransfer.At(i, j)+(1-f.Mixture)*dNative.At(i, j))
		}
	}
	if err := checkDistance(out); err != nil {
		return nil, err
	}
	f.Distance = out

	logger.WithFields(logrus.Fields{
		"cells":        n,
		"mixture":      f.Mixture,
		"scale":        f.Scale,
		"max_native":   maxNative,
		"max_transfer": maxTransfer,
	}).Debug("fused distances")
	return f, nil
}

func checkDistance(d *mat.SymDense) error {
	n := d.SymmetricDim()
	for i := 0; i < n; i++ {
		for j := i; j < n; j++ {
			v := d.At(i, j)
			switch {
			case math.IsNaN(v) || math.IsInf(v, 0):
				return fmt.Errorf("%w: non-finite entry %v at (%d,%d)", ErrPostcondition, v, i, j)
			case v < 0:
				return fmt.Errorf("%w: negative entry %v at (%d,%d)", ErrPostcondition, v, i, j)
			}
		}
	}
	return nil
}

func symMax(d *mat.SymDense) float64 {
	n := d.SymmetricDim()
	m := math.Inf(-1)
	for i := 0; i < n; i++ {
		for j := i; j < n; j++ {
			m = max(m, d.At(i, j))
		}
	}
	return m
}
