package transfer

import (
	"fmt"

	"github.com/sirupsen/logrus"
	"gonum.org/v1/gonum/mat"

	"github.com/soma-tiles/scmtl/internal/cluster"
	"github.com/soma-tiles/scmtl/internal/logutil"
	"github.com/soma-tiles/scmtl/internal/metric"
	"github.com/soma-tiles/scmtl/internal/nmf"
)

// DefaultToyK is the number of components used by toy distances unless overridden.
const DefaultToyK = 4

// ToyDistance fuses distances for synthetic data: source and target share their gene rows,
// so there is no preprocessing and no gene matching. A flat transfer distance with
// mixture 1 lowers the mixture to ToyFallbackMixture instead of failing.
type ToyDistance struct {
	Source *mat.Dense
	// SourceLabels and TargetLabels are optional; when set, the agreement of the
	// component assignments with them is logged.
	SourceLabels []string
	TargetLabels []string

	Metric  string
	Mixture float64
	Params  nmf.Params
	Logger  logrus.FieldLogger
}

// NewToyDistance returns a toy distance with the default parameters and DefaultToyK components.
func NewToyDistance(source *mat.Dense, metricName string, mixture float64) *ToyDistance {
	p := nmf.DefaultParams()
	p.K = DefaultToyK
	return &ToyDistance{Source: source, Metric: metricName, Mixture: mixture, Params: p}
}

// Compute returns the fused distance between the cells of target. A mixture of 0 returns
// the native distance without factorizing.
func (t *ToyDistance) Compute(target *mat.Dense) (*Result, error) {
	logger := logutil.OrDiscard(t.Logger).WithField("component", "transfer")

	if err := ValidateMixture(t.Mixture); err != nil {
		return nil, err
	}
	fn, err := metric.Lookup(t.Metric)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrConfiguration, err)
	}

	if t.Mixture == 0 {
		logger.Info("mixture is 0, using native distance only")
		d, err := fn(target)
		if err != nil {
			return nil, fmt.Errorf("failed to compute native distance: %w", err)
		}
		return &Result{Distance: d, Fusion: &Fusion{Distance: d, Native: d, Scale: 1}}, nil
	}

	factors, err := nmf.Factorize(t.Source, target, t.Params, logger)
	if err != nil {
		return nil, err
	}
	t.logAgreement(logger, "source", t.SourceLabels, factors.Hsrc)
	t.logAgreement(logger, "target", t.TargetLabels, factors.H)

	var recon mat.Dense
	recon.Mul(factors.W, factors.H2)
	fusion, err := Fuse(fn, target, &recon, t.Mixture, ModeToy, logger)
	if err != nil {
		return nil, err
	}
	srcGenes, srcCells := t.Source.Dims()
	return &Result{
		Distance:    fusion.Distance,
		Fusion:      fusion,
		Factors:     factors,
		SourceGenes: srcGenes,
		SourceCells: srcCells,
	}, nil
}

func (t *ToyDistance) logAgreement(logger logrus.FieldLogger, which string, labels []string, h *mat.Dense) {
	if labels == nil {
		return
	}
	ari, err := cluster.AdjustedRandIndex(cluster.Encode(labels), cluster.ArgMaxLabels(h))
	if err != nil {
		logger.WithError(err).Warnf("cannot compare %s labels", which)
		return
	}
	logger.WithFields(logrus.Fields{
		"dataset": which,
		"ari":     ari,
	}).Info("agreement of component assignment with labels")
}
