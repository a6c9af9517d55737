// Command mtldist computes transfer distances between the cells of a target dataset using
// an NMF dictionary learned on a source dataset, and writes them as TSV.
package main

import (
	"fmt"
	"os"
	"strconv"
	"strings"

	flags "github.com/jessevdk/go-flags"
	"github.com/sirupsen/logrus"
	"gonum.org/v1/gonum/mat"

	"github.com/soma-tiles/scmtl/internal/cluster"
	"github.com/soma-tiles/scmtl/internal/config"
	"github.com/soma-tiles/scmtl/internal/dataset"
	"github.com/soma-tiles/scmtl/internal/genes"
	"github.com/soma-tiles/scmtl/internal/logutil"
	"github.com/soma-tiles/scmtl/internal/preprocess"
	"github.com/soma-tiles/scmtl/internal/render"
	"github.com/soma-tiles/scmtl/internal/transfer"
)

type options struct {
	Fname    string `long:"fname" required:"true" description:"Target TSV dataset filename"`
	Flabels  string `long:"flabels" description:"Target TSV labels filename"`
	Fgeneids string `long:"fgeneids" required:"true" description:"Target TSV gene ids filename"`
	Fmtl     string `long:"fmtl" required:"true" description:"Source TSV dataset filename"`
	FmtlIDs  string `long:"fmtl-geneids" required:"true" description:"Source TSV gene ids filename"`
	Fout     string `long:"fout" default:"out" description:"Prefix of the result files"`

	CfMinExprGenes     int     `long:"cf-min-expr-genes" default:"2000" description:"(Cell filter) Minimum number of expressed genes"`
	CfNonZeroThreshold float64 `long:"cf-non-zero-threshold" default:"1.0" description:"(Cell filter) Threshold for zero expression per gene"`
	GfPercConsensus    float64 `long:"gf-perc-consensus-genes" default:"0.98" description:"(Gene filter) Drop genes whose consensus across cells exceeds this value"`
	GfNonZeroThreshold float64 `long:"gf-non-zero-threshold" default:"1.0" description:"(Gene filter) Threshold for zero expression per gene"`
	NoPreprocess       bool    `long:"no-preprocess" description:"Use the target dataset as given"`

	Metrics string  `long:"metric" default:"euclidean" description:"Comma-separated native distances"`
	Mixture float64 `long:"mtl-mixture" default:"0.1" description:"Convex combination mixture coefficient (0 = no transfer)"`

	NmfK     int     `long:"nmf-k" default:"10" description:"Number of latent components"`
	NmfAlpha float64 `long:"nmf-alpha" default:"1.0" description:"Regularization strength"`
	NmfL1    float64 `long:"nmf-l1" default:"0.75" description:"L1 regularization impact [0,1]"`

	GeneAliases string `long:"gene-aliases" description:"TSV table mapping target gene aliases to source gene ids"`
	Compress    bool   `long:"compress" description:"Write zstd-compressed distance matrices"`
	Heatmap     bool   `long:"heatmap" description:"Render a PNG heatmap per distance"`
	PreviewK    int    `long:"preview-k" default:"10" description:"Number of k-means clusters for the preview labeling (0 disables)"`

	Config   string `long:"config" description:"YAML configuration for the remaining settings"`
	LogLevel string `long:"log-level" default:"info" description:"Log level"`

	// set holds the long names of the options given on the command line.
	set map[string]bool
}

// given reports whether the option was passed explicitly rather than left at its default.
func (o options) given(long string) bool {
	return o.set[long]
}

// parseArgs parses the command line and records which options were given.
func parseArgs(args []string) (options, error) {
	var opts options
	parser := flags.NewParser(&opts, flags.Default)
	if _, err := parser.ParseArgs(args); err != nil {
		return opts, err
	}
	opts.set = make(map[string]bool)
	for _, long := range overlayFlags {
		if o := parser.FindOptionByLongName(long); o != nil && o.IsSet() {
			opts.set[long] = true
		}
	}
	return opts, nil
}

// overlayFlags are the options that override values loaded from --config.
var overlayFlags = []string{
	"mtl-mixture", "nmf-k", "nmf-alpha", "nmf-l1",
	"cf-min-expr-genes", "cf-non-zero-threshold",
	"gf-perc-consensus-genes", "gf-non-zero-threshold",
}

func main() {
	opts, err := parseArgs(os.Args[1:])
	if err != nil {
		if flagsErr, ok := err.(*flags.Error); ok && flagsErr.Type == flags.ErrHelp {
			os.Exit(0)
		}
		os.Exit(1)
	}

	logger, err := logutil.New(opts.LogLevel, "text")
	if err != nil {
		fmt.Fprintf(os.Stderr, "invalid log level: %v\n", err)
		os.Exit(1)
	}
	if err := run(opts, logger); err != nil {
		logger.WithError(err).Error("mtldist failed")
		os.Exit(1)
	}
}

func run(opts options, logger *logrus.Logger) error {
	cfg := config.DefaultConfig()
	if opts.Config != "" {
		var err error
		if cfg, err = config.Load(opts.Config); err != nil {
			return err
		}
	}
	applyFlags(cfg, opts)

	loader := dataset.NewLoader(logger)
	target, err := loader.Load(opts.Fname, opts.Fgeneids, opts.Flabels)
	if err != nil {
		return fmt.Errorf("failed to load target dataset: %w", err)
	}
	if !opts.NoPreprocess {
		if target, err = preprocessTarget(cfg.Preprocess.Target, target, logger); err != nil {
			return err
		}
	}

	var aliases *genes.AliasTable
	if cfg.Transfer.GeneAliasesPath != "" {
		aliases = genes.NewLazyAliasTable(cfg.Transfer.GeneAliasesPath)
	}

	metrics := splitList(opts.Metrics)
	logger.WithField("metrics", metrics).Infof("there are %d distances given", len(metrics))

	// Each metric is an independent computation.
	for _, name := range metrics {
		dcfg := cfg.DistanceConfig()
		dcfg.Metric = name
		d, err := transfer.New(dcfg, loader, aliases, logger)
		if err != nil {
			return err
		}
		res, err := d.Compute(target.Data, target.GeneIDs)
		if err != nil {
			return fmt.Errorf("metric %s: %w", name, err)
		}
		if err := writeResults(opts, cfg, name, target, res, logger); err != nil {
			return err
		}
	}
	logger.Info("done")
	return nil
}

// applyFlags copies the command line settings over the configuration. Options left at
// their defaults do not replace values loaded from --config.
func applyFlags(cfg *config.Config, opts options) {
	cfg.Transfer.SourcePath = opts.Fmtl
	cfg.Transfer.SourceGeneIDsPath = opts.FmtlIDs
	if opts.GeneAliases != "" {
		cfg.Transfer.GeneAliasesPath = opts.GeneAliases
	}
	if opts.given("mtl-mixture") {
		cfg.Transfer.Mixture = opts.Mixture
	}

	if opts.given("nmf-k") {
		cfg.NMF.K = opts.NmfK
	}
	if opts.given("nmf-alpha") {
		cfg.NMF.Alpha = opts.NmfAlpha
	}
	if opts.given("nmf-l1") {
		cfg.NMF.L1Ratio = opts.NmfL1
	}

	cellParams := map[string]float64{}
	if opts.given("cf-min-expr-genes") {
		cellParams["min_expressed_genes"] = float64(opts.CfMinExprGenes)
	}
	if opts.given("cf-non-zero-threshold") {
		cellParams["non_zero_threshold"] = opts.CfNonZeroThreshold
	}
	cfg.Preprocess.Target.CellFilter = overlaySpec(cfg.Preprocess.Target.CellFilter, "min_expressed_genes", cellParams)

	geneParams := map[string]float64{}
	if opts.given("gf-perc-consensus-genes") {
		geneParams["perc_consensus_genes"] = opts.GfPercConsensus
	}
	if opts.given("gf-non-zero-threshold") {
		geneParams["non_zero_threshold"] = opts.GfNonZeroThreshold
	}
	cfg.Preprocess.Target.GeneFilter = overlaySpec(cfg.Preprocess.Target.GeneFilter, "consensus", geneParams)
}

// overlaySpec sets params on spec. A spec of another kind is replaced by kind with its
// default parameters first. With no params the spec is returned unchanged.
func overlaySpec(spec preprocess.Spec, kind string, params map[string]float64) preprocess.Spec {
	if len(params) == 0 {
		return spec
	}
	out := preprocess.Spec{Kind: kind, Params: map[string]float64{}}
	if spec.Kind == kind {
		for k, v := range spec.Params {
			out.Params[k] = v
		}
	}
	for k, v := range params {
		out.Params[k] = v
	}
	return out
}

func preprocessTarget(stage config.StageConfig, ds *dataset.Dataset, logger logrus.FieldLogger) (*dataset.Dataset, error) {
	adapter, err := stage.Adapter(logger)
	if err != nil {
		return nil, err
	}
	out, err := adapter.Run(ds.Data, ds.GeneIDs)
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

func writeResults(opts options, cfg *config.Config, metricName string, target *dataset.Dataset, res *transfer.Result, logger logrus.FieldLogger) error {
	prefix := fmt.Sprintf("%s.%s", opts.Fout, strings.ReplaceAll(metricName, " ", "_"))

	distPath := prefix + ".dist.tsv"
	if opts.Compress {
		distPath += ".zst"
	}
	if err := dataset.WriteMatrixFile(distPath, res.Distance); err != nil {
		return err
	}

	header := []string{"cell"}
	for _, c := range res.Rejection.Criteria {
		header = append(header, c.Name)
	}
	n := res.Distance.SymmetricDim()
	rows := make([][]string, n)
	for i := range rows {
		row := []string{strconv.Itoa(i)}
		for _, c := range res.Rejection.Criteria {
			row = append(row, strconv.FormatFloat(c.Scores[i], 'g', -1, 64))
		}
		rows[i] = row
	}
	if err := dataset.WriteTableFile(prefix+".rejection.tsv", header, rows); err != nil {
		return err
	}

	if opts.Heatmap {
		var labels []int
		if target.Labels != nil {
			labels = cluster.Encode(target.Labels)
		}
		r := render.NewHeatmapRenderer(render.Config{Size: cfg.Render.HeatmapSize, DefaultColormap: cfg.Render.DefaultColormap})
		png, err := r.Render(res.Distance, labels, "")
		if err != nil {
			return err
		}
		if err := os.WriteFile(prefix+".png", png, 0o644); err != nil {
			return fmt.Errorf("failed to write heatmap: %w", err)
		}
	}

	if opts.PreviewK > 0 {
		if err := writePreview(prefix+".labels.tsv", res.Distance, opts.PreviewK, target.Labels, logger); err != nil {
			return err
		}
	}

	logger.WithFields(logrus.Fields{
		"metric":   metricName,
		"distance": distPath,
		"mixture":  res.Fusion.Mixture,
		"scale":    res.Fusion.Scale,
	}).Info("saved results")
	return nil
}

func writePreview(path string, d *mat.SymDense, k int, truth []string, logger logrus.FieldLogger) error {
	k = min(k, d.SymmetricDim())
	pred, err := cluster.KMeansLabels(d, k)
	if err != nil {
		return err
	}
	rows := make([][]string, len(pred))
	for i, l := range pred {
		rows[i] = []string{strconv.Itoa(i), strconv.Itoa(l)}
	}
	if err := dataset.WriteTableFile(path, []string{"cell", "cluster"}, rows); err != nil {
		return err
	}
	if truth != nil {
		ari, err := cluster.AdjustedRandIndex(cluster.Encode(truth), pred)
		if err != nil {
			return err
		}
		logger.WithFields(logrus.Fields{"k": k, "ari": ari}).Info("preview clustering agreement with labels")
	}
	return nil
}

func splitList(s string) []string {
	var out []string
	for _, p := range strings.Split(s, ",") {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}
