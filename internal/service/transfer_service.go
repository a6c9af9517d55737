// Package service provides the business logic behind transfer distance jobs.
package service

import (
	"context"
	"fmt"

	"github.com/sirupsen/logrus"
	"gonum.org/v1/gonum/mat"

	"github.com/soma-tiles/scmtl/internal/cluster"
	"github.com/soma-tiles/scmtl/internal/dataset"
	"github.com/soma-tiles/scmtl/internal/genes"
	"github.com/soma-tiles/scmtl/internal/logutil"
	"github.com/soma-tiles/scmtl/internal/preprocess"
	"github.com/soma-tiles/scmtl/internal/runstore"
	"github.com/soma-tiles/scmtl/internal/transfer"
)

// Job phases reported through the run store.
const (
	PhaseLoadingTarget = "loading_target"
	PhaseComputing     = "computing"
	PhaseSavingResults = "saving_results"
	PhaseDone          = "done"

	phaseCount = 3
)

// TargetLoader reads target datasets, optionally with cell labels.
type TargetLoader interface {
	Load(path, geneIDsPath, labelsPath string) (*dataset.Dataset, error)
}

// TransferServiceConfig wires a TransferService.
type TransferServiceConfig struct {
	// Distance holds the defaults a job may override (metric, mixture, k).
	Distance transfer.Config
	// Toy jobs skip preprocessing and gene matching; source and target share gene rows.
	Toy bool

	Targets TargetLoader
	Sources transfer.SourceLoader
	// Target preprocesses every target dataset; nil keeps targets unchanged.
	Target  *preprocess.Adapter
	Aliases *genes.AliasTable
	Logger  logrus.FieldLogger
}

// TransferService computes transfer distances for queued jobs.
type TransferService struct {
	cfg    TransferServiceConfig
	logger logrus.FieldLogger
}

// NewTransferService creates a new transfer service.
func NewTransferService(cfg TransferServiceConfig) (*TransferService, error) {
	if cfg.Targets == nil || cfg.Sources == nil {
		return nil, fmt.Errorf("%w: target and source loaders are required", transfer.ErrConfiguration)
	}
	return &TransferService{
		cfg:    cfg,
		logger: logutil.OrDiscard(cfg.Logger).WithField("component", "service"),
	}, nil
}

// ExecuteJob runs the transfer distance for a job (called by JobManager worker).
func (s *TransferService) ExecuteJob(ctx context.Context, store *runstore.Store, jobID string) error {
	job, err := store.GetJob(jobID)
	if err != nil {
		return fmt.Errorf("failed to get job: %w", err)
	}
	if job == nil {
		return fmt.Errorf("job not found: %s", jobID)
	}
	logger := s.logger.WithField("job_id", jobID)

	// Phase 1: target
	reportProgress(store, logger, jobID, PhaseLoadingTarget, 0)
	target, err := s.loadTarget(job.Params)
	if err != nil {
		return err
	}
	if ctx.Err() != nil {
		return ctx.Err()
	}

	// Phase 2: distance
	reportProgress(store, logger, jobID, PhaseComputing, 1)
	res, err := s.compute(job.Params, target, logger)
	if err != nil {
		return err
	}
	if ctx.Err() != nil {
		return ctx.Err()
	}

	// Phase 3: persist
	reportProgress(store, logger, jobID, PhaseSavingResults, 2)
	if res.Rejection != nil {
		if err := store.InsertScores(jobID, cellScores(res)); err != nil {
			return fmt.Errorf("failed to save rejection scores: %w", err)
		}
	}
	if err := store.SaveDistance(jobID, res.Distance); err != nil {
		return fmt.Errorf("failed to save distance: %w", err)
	}

	rows, cells := target.Data.Dims()
	summary := runstore.JobSummary{
		Cells:       cells,
		Genes:       rows,
		SourceGenes: res.SourceGenes,
		SharedGenes: res.Pairs.Len(),
		Mixture:     res.Fusion.Mixture,
		Scale:       res.Fusion.Scale,
		Degenerate:  res.Fusion.Degenerate,
	}
	if target.Labels != nil {
		ari, err := previewAgreement(res.Distance, target.Labels)
		if err != nil {
			logger.WithError(err).Warn("cannot compare preview clustering with labels")
		} else {
			summary.ARI = ari
		}
	}
	if err := store.UpdateJobSummary(jobID, summary); err != nil {
		return fmt.Errorf("failed to save summary: %w", err)
	}

	reportProgress(store, logger, jobID, PhaseDone, phaseCount)
	logger.WithFields(logrus.Fields{
		"cells":   cells,
		"mixture": summary.Mixture,
		"ari":     summary.ARI,
	}).Info("transfer job finished")
	return nil
}

// reportProgress records the phase of a job. A failed update does not fail the job.
func reportProgress(store *runstore.Store, logger logrus.FieldLogger, jobID, phase string, done int) {
	if err := store.UpdateJobProgress(jobID, phase, done, phaseCount); err != nil {
		logger.WithError(err).WithField("phase", phase).Debug("failed to update job progress")
	}
}

func (s *TransferService) loadTarget(p runstore.JobParams) (*dataset.Dataset, error) {
	ds, err := s.cfg.Targets.Load(p.TargetPath, p.TargetGeneIDsPath, p.TargetLabelsPath)
	if err != nil {
		return nil, fmt.Errorf("failed to load target dataset: %w", err)
	}
	if s.cfg.Target == nil || s.cfg.Toy || p.Toy {
		return ds, nil
	}

	out, err := s.cfg.Target.Run(ds.Data, ds.GeneIDs)
	if err != nil {
		return nil, fmt.Errorf("failed to preprocess target dataset: %w", err)
	}
	pre := &dataset.Dataset{Data: out.Data, GeneIDs: out.GeneIDs}
	if ds.Labels != nil {
		pre.Labels = make([]string, len(out.Cells))
		for i, c := range out.Cells {
			pre.Labels[i] = ds.Labels[c]
		}
	}
	return pre, nil
}

// distanceConfig applies the job overrides to the service defaults.
func (s *TransferService) distanceConfig(p runstore.JobParams) transfer.Config {
	cfg := s.cfg.Distance
	if p.Metric != "" {
		cfg.Metric = p.Metric
	}
	if p.Mixture != nil {
		cfg.Mixture = *p.Mixture
	}
	if p.K > 0 {
		cfg.NMF.K = p.K
	}
	return cfg
}

func (s *TransferService) compute(p runstore.JobParams, target *dataset.Dataset, logger logrus.FieldLogger) (*transfer.Result, error) {
	cfg := s.distanceConfig(p)

	if !(s.cfg.Toy || p.Toy) {
		d, err := transfer.New(cfg, s.cfg.Sources, s.cfg.Aliases, logger)
		if err != nil {
			return nil, err
		}
		return d.Compute(target.Data, target.GeneIDs)
	}

	src, err := s.cfg.Sources.LoadSource(cfg.SourcePath, cfg.SourceGeneIDsPath)
	if err != nil {
		return nil, fmt.Errorf("failed to load source dataset: %w", err)
	}
	srcGenes, _ := src.Data.Dims()
	trgGenes, _ := target.Data.Dims()
	if srcGenes != trgGenes {
		return nil, fmt.Errorf("%w: toy source has %d genes, target has %d", transfer.ErrConfiguration, srcGenes, trgGenes)
	}
	toy := &transfer.ToyDistance{
		Source:       src.Data,
		SourceLabels: src.Labels,
		TargetLabels: target.Labels,
		Metric:       cfg.Metric,
		Mixture:      cfg.Mixture,
		Params:       cfg.NMF,
		Logger:       logger,
	}
	return toy.Compute(target.Data)
}

func cellScores(res *transfer.Result) []runstore.CellScore {
	var out []runstore.CellScore
	for _, c := range res.Rejection.Criteria {
		for cell, v := range c.Scores {
			out = append(out, runstore.CellScore{Cell: cell, Criterion: c.Name, Score: v})
		}
	}
	return out
}

// previewAgreement clusters the cells with k-means (k = number of distinct labels) and
// returns the adjusted Rand index against labels.
func previewAgreement(d mat.Symmetric, labels []string) (float64, error) {
	truth := cluster.Encode(labels)
	k := 0
	for _, l := range truth {
		k = max(k, l+1)
	}
	pred, err := cluster.KMeansLabels(d, k)
	if err != nil {
		return 0, err
	}
	return cluster.AdjustedRandIndex(truth, pred)
}
