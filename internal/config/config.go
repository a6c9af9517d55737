// Package config handles configuration loading for the transfer distance tools.
package config

import (
	"fmt"
	"os"

	"github.com/sirupsen/logrus"
	"gopkg.in/yaml.v3"

	"github.com/soma-tiles/scmtl/internal/nmf"
	"github.com/soma-tiles/scmtl/internal/preprocess"
	"github.com/soma-tiles/scmtl/internal/transfer"
)

// Config represents the full configuration shared by the server and the CLI.
type Config struct {
	Server     ServerConfig     `yaml:"server"`
	Transfer   TransferConfig   `yaml:"transfer"`
	NMF        nmf.Params       `yaml:"nmf"`
	Preprocess PreprocessConfig `yaml:"preprocess"`
	Cache      CacheConfig      `yaml:"cache"`
	Jobs       JobsConfig       `yaml:"jobs"`
	Render     RenderConfig     `yaml:"render"`
	Log        LogConfig        `yaml:"log"`
}

// ServerConfig contains HTTP server settings.
type ServerConfig struct {
	Port        int      `yaml:"port"`
	CORSOrigins []string `yaml:"cors_origins"`
}

// TransferConfig names the source dataset and how its distance is mixed in.
type TransferConfig struct {
	SourcePath        string  `yaml:"source_path"`
	SourceGeneIDsPath string  `yaml:"source_gene_ids_path"`
	GeneAliasesPath   string  `yaml:"gene_aliases_path"`
	Metric            string  `yaml:"metric"`
	Mixture           float64 `yaml:"mixture"`
	Toy               bool    `yaml:"toy"`
}

// StageConfig selects the filters and transform of one preprocessing stage.
type StageConfig struct {
	CellFilter preprocess.Spec `yaml:"cell_filter"`
	GeneFilter preprocess.Spec `yaml:"gene_filter"`
	Transform  string          `yaml:"transform"`
}

// PreprocessConfig configures the source and target preprocessing separately.
type PreprocessConfig struct {
	Source StageConfig `yaml:"source"`
	Target StageConfig `yaml:"target"`
}

// CacheConfig contains caching settings.
type CacheConfig struct {
	HeatmapSizeMB     int `yaml:"heatmap_size_mb"`
	HeatmapTTLMinutes int `yaml:"heatmap_ttl_minutes"`
	DatasetCacheSize  int `yaml:"dataset_cache_size"`
}

// JobsConfig contains background job settings.
type JobsConfig struct {
	MaxConcurrent int    `yaml:"max_concurrent"`
	SQLitePath    string `yaml:"sqlite_path"`
	RetentionDays int    `yaml:"retention_days"`
}

// RenderConfig contains rendering settings.
type RenderConfig struct {
	HeatmapSize     int    `yaml:"heatmap_size"`
	DefaultColormap string `yaml:"default_colormap"`
}

// LogConfig contains logger settings.
type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// Load reads configuration from a YAML file. A missing file yields the defaults.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		// Return default config if file doesn't exist
		return DefaultConfig(), nil
	}

	cfg := DefaultConfig()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse %s: %w", path, err)
	}

	// Apply defaults for values explicitly zeroed
	applyDefaults(cfg)

	return cfg, nil
}

// DefaultConfig returns the default configuration.
func DefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Port:        8080,
			CORSOrigins: []string{"http://localhost:3000", "http://localhost:5173"},
		},
		Transfer: TransferConfig{
			Metric:  "euclidean",
			Mixture: 0.1,
		},
		NMF: nmf.DefaultParams(),
		Preprocess: PreprocessConfig{
			Source: StageConfig{
				CellFilter: preprocess.Spec{Kind: "none"},
				GeneFilter: preprocess.Spec{Kind: "none"},
				Transform:  "identity",
			},
			Target: StageConfig{
				CellFilter: preprocess.Spec{Kind: "min_expressed_genes", Params: map[string]float64{
					"min_expressed_genes": preprocess.DefaultMinExpressedGenes,
					"non_zero_threshold":  preprocess.DefaultNonZeroThreshold,
				}},
				GeneFilter: preprocess.Spec{Kind: "consensus", Params: map[string]float64{
					"perc_consensus_genes": preprocess.DefaultPercConsensus,
					"non_zero_threshold":   preprocess.DefaultNonZeroThreshold,
				}},
				Transform: "log2",
			},
		},
		Cache: CacheConfig{
			HeatmapSizeMB:     128,
			HeatmapTTLMinutes: 10,
			DatasetCacheSize:  4,
		},
		Jobs: JobsConfig{
			MaxConcurrent: 2,
			SQLitePath:    "./data/jobs/transfer.sqlite",
			RetentionDays: 7,
		},
		Render: RenderConfig{
			HeatmapSize:     512,
			DefaultColormap: "viridis",
		},
		Log: LogConfig{
			Level:  "info",
			Format: "text",
		},
	}
}

func applyDefaults(cfg *Config) {
	defaults := DefaultConfig()

	if cfg.Server.Port == 0 {
		cfg.Server.Port = defaults.Server.Port
	}
	if len(cfg.Server.CORSOrigins) == 0 {
		cfg.Server.CORSOrigins = defaults.Server.CORSOrigins
	}
	if cfg.Transfer.Metric == "" {
		cfg.Transfer.Metric = defaults.Transfer.Metric
	}
	if cfg.NMF.K == 0 {
		cfg.NMF.K = defaults.NMF.K
	}
	if cfg.NMF.MaxIter == 0 {
		cfg.NMF.MaxIter = defaults.NMF.MaxIter
	}
	if cfg.NMF.SourceMaxIter == 0 {
		cfg.NMF.SourceMaxIter = defaults.NMF.SourceMaxIter
	}
	if cfg.Cache.HeatmapSizeMB == 0 {
		cfg.Cache.HeatmapSizeMB = defaults.Cache.HeatmapSizeMB
	}
	if cfg.Cache.HeatmapTTLMinutes == 0 {
		cfg.Cache.HeatmapTTLMinutes = defaults.Cache.HeatmapTTLMinutes
	}
	if cfg.Cache.DatasetCacheSize == 0 {
		cfg.Cache.DatasetCacheSize = defaults.Cache.DatasetCacheSize
	}
	if cfg.Jobs.MaxConcurrent == 0 {
		cfg.Jobs.MaxConcurrent = defaults.Jobs.MaxConcurrent
	}
	if cfg.Jobs.SQLitePath == "" {
		cfg.Jobs.SQLitePath = defaults.Jobs.SQLitePath
	}
	if cfg.Jobs.RetentionDays == 0 {
		cfg.Jobs.RetentionDays = defaults.Jobs.RetentionDays
	}
	if cfg.Render.HeatmapSize == 0 {
		cfg.Render.HeatmapSize = defaults.Render.HeatmapSize
	}
	if cfg.Render.DefaultColormap == "" {
		cfg.Render.DefaultColormap = defaults.Render.DefaultColormap
	}
	if cfg.Log.Level == "" {
		cfg.Log.Level = defaults.Log.Level
	}
	if cfg.Log.Format == "" {
		cfg.Log.Format = defaults.Log.Format
	}
}

// DistanceConfig returns the distance configuration described by c.
func (c *Config) DistanceConfig() transfer.Config {
	return transfer.Config{
		SourcePath:        c.Transfer.SourcePath,
		SourceGeneIDsPath: c.Transfer.SourceGeneIDsPath,
		Metric:            c.Transfer.Metric,
		Mixture:           c.Transfer.Mixture,
		NMF:               c.NMF,
		CellFilter:        c.Preprocess.Source.CellFilter,
		GeneFilter:        c.Preprocess.Source.GeneFilter,
		Transform:         c.Preprocess.Source.Transform,
	}
}

// Adapter builds the preprocessing adapter of a stage.
func (s StageConfig) Adapter(logger logrus.FieldLogger) (*preprocess.Adapter, error) {
	return preprocess.NewAdapter(s.CellFilter, s.GeneFilter, s.Transform, logger)
}
