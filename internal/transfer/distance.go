package transfer

import (
	"fmt"
	"time"

	"github.com/sirupsen/logrus"
	"gonum.org/v1/gonum/mat"

	"github.com/soma-tiles/scmtl/internal/dataset"
	"github.com/soma-tiles/scmtl/internal/genes"
	"github.com/soma-tiles/scmtl/internal/logutil"
	"github.com/soma-tiles/scmtl/internal/metric"
	"github.com/soma-tiles/scmtl/internal/nmf"
	"github.com/soma-tiles/scmtl/internal/preprocess"
	"github.com/soma-tiles/scmtl/internal/rejection"
)

// SourceLoader reads the source dataset. Labels are ignored.
type SourceLoader interface {
	LoadSource(path, geneIDsPath string) (*dataset.Dataset, error)
}

// Config parameterizes a Distance.
type Config struct {
	SourcePath        string  `yaml:"source_path" json:"source_path"`
	SourceGeneIDsPath string  `yaml:"source_gene_ids_path" json:"source_gene_ids_path"`
	Metric            string  `yaml:"metric" json:"metric"`
	Mixture           float64 `yaml:"mixture" json:"mixture"`

	NMF nmf.Params `yaml:"nmf" json:"nmf"`

	CellFilter preprocess.Spec `yaml:"cell_filter" json:"cell_filter"`
	GeneFilter preprocess.Spec `yaml:"gene_filter" json:"gene_filter"`
	Transform  string          `yaml:"transform" json:"transform"`
}

// Result is everything one Compute produced.
type Result struct {
	Distance  *mat.SymDense
	Fusion    *Fusion
	Factors   *nmf.Result
	Rejection *rejection.Report
	Pairs     genes.Pairs

	SourceGenes int
	SourceCells int
	Elapsed     time.Duration
}

// Distance is a pluggable distance function for one source dataset and one parameter set.
// Every Compute is independent; nothing is cached between calls.
type Distance struct {
	cfg     Config
	metric  metric.Func
	adapter *preprocess.Adapter
	loader  SourceLoader
	aliases *genes.AliasTable
	logger  logrus.FieldLogger
}

// New validates cfg and builds a Distance. aliases may be nil, in which case gene ids are
// matched verbatim.
func New(cfg Config, loader SourceLoader, aliases *genes.AliasTable, logger logrus.FieldLogger) (*Distance, error) {
	logger = logutil.OrDiscard(logger).WithField("component", "transfer")

	if err := ValidateMixture(cfg.Mixture); err != nil {
		return nil, err
	}
	if err := cfg.NMF.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrConfiguration, err)
	}
	if cfg.SourcePath == "" || cfg.SourceGeneIDsPath == "" {
		return nil, fmt.Errorf("%w: source dataset and gene id paths are required", ErrConfiguration)
	}
	if loader == nil {
		return nil, fmt.Errorf("%w: no source loader", ErrConfiguration)
	}
	fn, err := metric.Lookup(cfg.Metric)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrConfiguration, err)
	}
	adapter, err := preprocess.NewAdapter(cfg.CellFilter, cfg.GeneFilter, cfg.Transform, logger)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrConfiguration, err)
	}

	return &Distance{
		cfg:     cfg,
		metric:  fn,
		adapter: adapter,
		loader:  loader,
		aliases: aliases,
		logger:  logger,
	}, nil
}

// Config returns the configuration the distance was built with.
func (d *Distance) Config() Config { return d.cfg }

// Compute returns the fused distance between the cells (columns) of target. geneIDs names
// the rows of target.
func (d *Distance) Compute(target *mat.Dense, geneIDs []string) (*Result, error) {
	start := time.Now()
	if target == nil || target.IsEmpty() {
		return nil, fmt.Errorf("%w: empty target", nmf.ErrDimensionMismatch)
	}
	rows, cells := target.Dims()
	if rows != len(geneIDs) {
		return nil, fmt.Errorf("%w: %d gene ids for %d target rows", nmf.ErrDimensionMismatch, len(geneIDs), rows)
	}

	src, err := d.loader.LoadSource(d.cfg.SourcePath, d.cfg.SourceGeneIDsPath)
	if err != nil {
		return nil, fmt.Errorf("failed to load source dataset: %w", err)
	}
	xsrcAll, srcIDs, err := d.adapter.Apply(src.Data, src.GeneIDs)
	if err != nil {
		return nil, fmt.Errorf("failed to preprocess source dataset: %w", err)
	}

	var pairs genes.Pairs
	if d.aliases != nil {
		pairs, err = genes.AlignTranslated(geneIDs, srcIDs, d.aliases)
		if err != nil {
			return nil, fmt.Errorf("failed to translate gene ids: %w", err)
		}
	} else {
		pairs = genes.Align(geneIDs, srcIDs, d.logger)
	}
	if pairs.Len() == 0 {
		return nil, fmt.Errorf("%w: source and target have no genes in common", nmf.ErrDimensionMismatch)
	}

	xsrc := preprocess.SelectRows(xsrcAll, pairs.Source)
	xtrg := preprocess.SelectRows(target, pairs.Target)

	factors, err := nmf.Factorize(xsrc, xtrg, d.cfg.NMF, d.logger)
	if err != nil {
		return nil, err
	}
	report, err := rejection.Score(factors.H, factors.H2, xtrg, factors.W)
	if err != nil {
		return nil, err
	}

	var recon mat.Dense
	recon.Mul(factors.W, factors.H2)
	fusion, err := Fuse(d.metric, target, &recon, d.cfg.Mixture, ModeStrict, d.logger)
	if err != nil {
		return nil, err
	}

	srcGenes, srcCells := xsrcAll.Dims()
	res := &Result{
		Distance:    fusion.Distance,
		Fusion:      fusion,
		Factors:     factors,
		Rejection:   report,
		Pairs:       pairs,
		SourceGenes: srcGenes,
		SourceCells: srcCells,
		Elapsed:     time.Since(start),
	}
	d.logger.WithFields(logrus.Fields{
		"metric":       d.cfg.Metric,
		"mixture":      fusion.Mixture,
		"cells":        cells,
		"common_genes": pairs.Len(),
		"elapsed":      res.Elapsed.String(),
	}).Info("computed transfer distance")
	return res, nil
}

// Func adapts the distance to a plain function for orchestrators that register
// several distance functions side by side.
func (d *Distance) Func() func(*mat.Dense, []string) (*mat.SymDense, error) {
	return func(target *mat.Dense, geneIDs []string) (*mat.SymDense, error) {
		res, err := d.Compute(target, geneIDs)
		if err != nil {
			return nil, err
		}
		return res.Distance, nil
	}
}
