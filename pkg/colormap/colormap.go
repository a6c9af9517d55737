// Package colormap provides color schemes for distance heatmaps and label strips.
package colormap

import (
	"fmt"
	"image/color"
	"math"
	"sort"
	"strings"
)

// Colormap maps normalized values [0, 1] to colors.
type Colormap interface {
	At(t float64) color.Color
	AtIndex(i int) color.Color
}

// Gradient interpolates linearly between evenly spaced stops.
type Gradient struct {
	stops []color.RGBA
}

// NewGradient builds a gradient from at least two stops.
func NewGradient(stops ...color.RGBA) Gradient {
	if len(stops) < 2 {
		panic("colormap: a gradient needs at least two stops")
	}
	return Gradient{stops: stops}
}

// At returns the color at position t; t is clamped to [0, 1].
func (g Gradient) At(t float64) color.Color {
	n := len(g.stops)
	switch {
	case t <= 0 || math.IsNaN(t):
		return g.stops[0]
	case t >= 1:
		return g.stops[n-1]
	}
	pos := t * float64(n-1)
	i := int(pos)
	return mix(g.stops[i], g.stops[min(i+1, n-1)], pos-float64(i))
}

// AtIndex returns stop i, wrapping around.
func (g Gradient) AtIndex(i int) color.Color {
	return g.stops[((i%len(g.stops))+len(g.stops))%len(g.stops)]
}

// Reversed returns the gradient running from its last stop to its first.
func (g Gradient) Reversed() Gradient {
	out := make([]color.RGBA, len(g.stops))
	for i, c := range g.stops {
		out[len(out)-1-i] = c
	}
	return Gradient{stops: out}
}

func mix(a, b color.RGBA, t float64) color.RGBA {
	lerp := func(x, y uint8) uint8 { return uint8(float64(x) + t*(float64(y)-float64(x)) + 0.5) }
	return color.RGBA{R: lerp(a.R, b.R), G: lerp(a.G, b.G), B: lerp(a.B, b.B), A: 255}
}

// Palette assigns distinct colors to integer labels.
type Palette struct {
	colors []color.RGBA
}

// At picks the palette entry covering t.
func (p Palette) At(t float64) color.Color {
	idx := int(t * float64(len(p.colors)))
	return p.colors[max(0, min(idx, len(p.colors)-1))]
}

// AtIndex returns the color of label i, wrapping around.
func (p Palette) AtIndex(i int) color.Color {
	return p.colors[((i%len(p.colors))+len(p.colors))%len(p.colors)]
}

// Viridis (matplotlib).
var Viridis = NewGradient(
	color.RGBA{68, 1, 84, 255},
	color.RGBA{72, 35, 116, 255},
	color.RGBA{64, 67, 135, 255},
	color.RGBA{52, 94, 141, 255},
	color.RGBA{41, 120, 142, 255},
	color.RGBA{32, 144, 140, 255},
	color.RGBA{34, 167, 132, 255},
	color.RGBA{68, 190, 112, 255},
	color.RGBA{121, 209, 81, 255},
	color.RGBA{189, 222, 38, 255},
	color.RGBA{253, 231, 37, 255},
)

// Magma (matplotlib).
var Magma = NewGradient(
	color.RGBA{0, 0, 4, 255},
	color.RGBA{28, 16, 68, 255},
	color.RGBA{79, 18, 123, 255},
	color.RGBA{129, 37, 129, 255},
	color.RGBA{181, 54, 122, 255},
	color.RGBA{229, 80, 100, 255},
	color.RGBA{251, 135, 97, 255},
	color.RGBA{254, 194, 135, 255},
	color.RGBA{252, 253, 191, 255},
)

// Greys runs from white to black.
var Greys = NewGradient(
	color.RGBA{255, 255, 255, 255},
	color.RGBA{189, 189, 189, 255},
	color.RGBA{115, 115, 115, 255},
	color.RGBA{0, 0, 0, 255},
)

// Labels has 10 distinct colors (tab10).
var Labels = Palette{colors: []color.RGBA{
	{31, 119, 180, 255},
	{255, 127, 14, 255},
	{44, 160, 44, 255},
	{214, 39, 40, 255},
	{148, 103, 189, 255},
	{140, 86, 75, 255},
	{227, 119, 194, 255},
	{127, 127, 127, 255},
	{188, 189, 34, 255},
	{23, 190, 207, 255},
}}

var gradients = map[string]Gradient{
	"viridis": Viridis,
	"magma":   Magma,
	"greys":   Greys,
}

// Names lists the gradient names accepted by Lookup, without the "_r" variants.
func Names() []string {
	out := make([]string, 0, len(gradients))
	for name := range gradients {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

// Lookup returns the gradient called name. A "_r" suffix reverses it.
func Lookup(name string) (Gradient, error) {
	name = strings.ToLower(strings.TrimSpace(name))
	base, reversed := strings.CutSuffix(name, "_r")
	g, ok := gradients[base]
	if !ok {
		return Gradient{}, fmt.Errorf("unknown colormap %q", name)
	}
	if reversed {
		return g.Reversed(), nil
	}
	return g, nil
}
