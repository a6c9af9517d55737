// Package cache provides caching for rendered heatmaps and parsed source datasets.
package cache

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/allegro/bigcache/v3"
	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/soma-tiles/scmtl/internal/dataset"
)

// Config contains cache configuration.
type Config struct {
	HeatmapCacheSizeMB int
	HeatmapTTL         time.Duration
}

// Manager manages the rendered heatmap cache.
type Manager struct {
	heatmapCache *bigcache.BigCache
}

// NewManager creates a new cache manager.
func NewManager(cfg Config) (*Manager, error) {
	heatmapCacheConfig := bigcache.Config{
		Shards:             64,
		LifeWindow:         cfg.HeatmapTTL,
		CleanWindow:        cfg.HeatmapTTL / 2,
		MaxEntriesInWindow: 10000,
		MaxEntrySize:       512 * 1024, // 512KB per heatmap
		HardMaxCacheSize:   cfg.HeatmapCacheSizeMB,
		Verbose:            false,
	}

	heatmapCache, err := bigcache.New(context.Background(), heatmapCacheConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to create heatmap cache: %w", err)
	}
	return &Manager{heatmapCache: heatmapCache}, nil
}

// GetHeatmap retrieves a rendered heatmap from cache.
func (m *Manager) GetHeatmap(key string) ([]byte, bool) {
	data, err := m.heatmapCache.Get(key)
	if err != nil {
		return nil, false
	}
	return data, true
}

// SetHeatmap stores a rendered heatmap in cache.
func (m *Manager) SetHeatmap(key string, data []byte) error {
	return m.heatmapCache.Set(key, data)
}

// DeleteJob drops every cached heatmap of a job.
func (m *Manager) DeleteJob(jobID string, colormaps []string, size int) {
	for _, cm := range colormaps {
		_ = m.heatmapCache.Delete(HeatmapKey(jobID, cm, size))
	}
}

// HeatmapKey generates a cache key for a job's distance heatmap.
func HeatmapKey(jobID, colormap string, size int) string {
	return fmt.Sprintf("heatmap:%s:%s:%d", jobID, colormap, size)
}

// Stats returns cache statistics.
func (m *Manager) Stats() map[string]interface{} {
	return map[string]interface{}{
		"heatmap_cache_len": m.heatmapCache.Len(),
		"heatmap_cache_cap": m.heatmapCache.Capacity(),
	}
}

// Close closes the cache manager.
func (m *Manager) Close() error {
	return m.heatmapCache.Close()
}

// SourceLoader reads a dataset from disk.
type SourceLoader interface {
	LoadSource(path, geneIDsPath string) (*dataset.Dataset, error)
}

// DatasetLoader keeps recently parsed source datasets in an LRU. An entry is reused only
// while both files keep their size and modification time. Returned datasets are shared
// between callers and must not be modified.
type DatasetLoader struct {
	next  SourceLoader
	cache *lru.Cache[string, *dataset.Dataset]
}

// NewDatasetLoader wraps next with an LRU of the given size.
func NewDatasetLoader(next SourceLoader, size int) (*DatasetLoader, error) {
	c, err := lru.New[string, *dataset.Dataset](size)
	if err != nil {
		return nil, fmt.Errorf("failed to create dataset cache: %w", err)
	}
	return &DatasetLoader{next: next, cache: c}, nil
}

// LoadSource returns the cached dataset for the two files or loads it.
func (l *DatasetLoader) LoadSource(path, geneIDsPath string) (*dataset.Dataset, error) {
	key, err := datasetKey(path, geneIDsPath)
	if err != nil {
		return nil, err
	}
	if ds, ok := l.cache.Get(key); ok {
		return ds, nil
	}
	ds, err := l.next.LoadSource(path, geneIDsPath)
	if err != nil {
		return nil, err
	}
	l.cache.Add(key, ds)
	return ds, nil
}

// Len returns the number of cached datasets.
func (l *DatasetLoader) Len() int {
	return l.cache.Len()
}

func datasetKey(paths ...string) (string, error) {
	key := "dataset"
	for _, p := range paths {
		st, err := os.Stat(p)
		if err != nil {
			return "", fmt.Errorf("failed to stat %s: %w", p, err)
		}
		key += fmt.Sprintf(":%s@%d/%d", p, st.Size(), st.ModTime().UnixNano())
	}
	return key, nil
}
