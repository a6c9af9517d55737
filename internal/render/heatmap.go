// Package render draws distance matrices as PNG heatmaps using fogleman/gg.
package render

import (
	"bytes"
	"fmt"
	"image/color"
	"image/png"
	"sort"
	"sync"

	"github.com/fogleman/gg"
	"gonum.org/v1/gonum/mat"

	"github.com/soma-tiles/scmtl/pkg/colormap"
)

// Config contains renderer configuration.
type Config struct {
	Size            int
	DefaultColormap string
}

// HeatmapRenderer renders square distance heatmaps of a fixed pixel size.
type HeatmapRenderer struct {
	config      Config
	contextPool sync.Pool
	bufferPool  sync.Pool
}

// NewHeatmapRenderer creates a new heatmap renderer.
func NewHeatmapRenderer(cfg Config) *HeatmapRenderer {
	if cfg.Size <= 0 {
		cfg.Size = 512
	}
	if cfg.DefaultColormap == "" {
		cfg.DefaultColormap = "viridis"
	}
	return &HeatmapRenderer{
		config: cfg,
		contextPool: sync.Pool{
			New: func() interface{} {
				return gg.NewContext(cfg.Size, cfg.Size)
			},
		},
		bufferPool: sync.Pool{
			New: func() interface{} {
				return bytes.NewBuffer(make([]byte, 0, 64*1024))
			},
		},
	}
}

// Size returns the edge length of rendered images in pixels.
func (r *HeatmapRenderer) Size() int { return r.config.Size }

// DefaultColormap returns the colormap used when none is requested.
func (r *HeatmapRenderer) DefaultColormap() string { return r.config.DefaultColormap }

// Render draws d scaled by its largest entry. When labels are given (one per cell) the
// cells are grouped by label and a colored strip marks the groups along the top and left
// edges. An empty colormap name selects the default.
func (r *HeatmapRenderer) Render(d mat.Symmetric, labels []int, colormapName string) ([]byte, error) {
	n := d.SymmetricDim()
	if n == 0 {
		return nil, fmt.Errorf("render: empty distance matrix")
	}
	if labels != nil && len(labels) != n {
		return nil, fmt.Errorf("render: %d labels for %d cells", len(labels), n)
	}
	if colormapName == "" {
		colormapName = r.config.DefaultColormap
	}
	cmap, err := colormap.Lookup(colormapName)
	if err != nil {
		return nil, err
	}

	dc := r.contextPool.Get().(*gg.Context)
	defer r.contextPool.Put(dc)

	dc.SetColor(color.White)
	dc.Clear()

	size := r.config.Size
	strip := 0
	if labels != nil {
		strip = max(size/32, 2)
	}
	area := size - strip
	order := Order(labels, n)

	var top float64
	for i := 0; i < n; i++ {
		for j := i; j < n; j++ {
			top = max(top, d.At(i, j))
		}
	}
	if top == 0 {
		top = 1
	}

	// Each pixel samples the cell pair it covers.
	for py := 0; py < area; py++ {
		ci := order[py*n/area]
		for px := 0; px < area; px++ {
			cj := order[px*n/area]
			dc.SetColor(cmap.At(d.At(ci, cj) / top))
			dc.SetPixel(strip+px, strip+py)
		}
	}

	if labels != nil {
		cell := float64(area) / float64(n)
		for k, c := range order {
			dc.SetColor(colormap.Labels.AtIndex(labels[c]))
			off := float64(strip) + float64(k)*cell
			dc.DrawRectangle(off, 0, cell, float64(strip))
			dc.DrawRectangle(0, off, float64(strip), cell)
			dc.Fill()
		}
	}

	return r.encodeContext(dc)
}

// Order returns the cell order used for rendering: grouped by label (stable within a
// label) when labels are given, identity otherwise.
func Order(labels []int, n int) []int {
	order := make([]int, n)
	for i := range order {
		order[i] = i
	}
	if labels != nil {
		sort.SliceStable(order, func(a, b int) bool { return labels[order[a]] < labels[order[b]] })
	}
	return order
}

func (r *HeatmapRenderer) encodeContext(dc *gg.Context) ([]byte, error) {
	buf := r.bufferPool.Get().(*bytes.Buffer)
	defer func() {
		buf.Reset()
		r.bufferPool.Put(buf)
	}()

	encoder := png.Encoder{CompressionLevel: png.BestSpeed}
	if err := encoder.Encode(buf, dc.Image()); err != nil {
		return nil, err
	}

	// Copy buffer contents (buffer will be reused)
	result := make([]byte, buf.Len())
	copy(result, buf.Bytes())
	return result, nil
}
