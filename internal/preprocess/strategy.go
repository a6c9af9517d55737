// Package preprocess applies cell filters, gene filters and data transforms to a raw
// expression matrix (genes x cells) before it is used as a transfer source.
package preprocess

import (
	"errors"
	"fmt"
	"math"

	"gonum.org/v1/gonum/mat"
)

var (
	// ErrUnknownStrategy is returned for a strategy kind that is not registered.
	ErrUnknownStrategy = errors.New("preprocess: unknown strategy")
	// ErrInvalidParam is returned when a strategy parameter is out of range.
	ErrInvalidParam = errors.New("preprocess: invalid parameter")
)

// CellFilter selects the columns (cells) to keep.
type CellFilter interface {
	Name() string
	Apply(x *mat.Dense) []int
}

// GeneFilter selects the rows (genes) to keep.
type GeneFilter interface {
	Name() string
	Apply(x *mat.Dense) []int
}

// Transform maps a matrix to a new matrix of the same shape.
type Transform interface {
	Name() string
	Apply(x *mat.Dense) *mat.Dense
}

// Spec names a strategy and its numeric parameters, as read from configuration.
type Spec struct {
	Kind   string             `yaml:"kind" json:"kind"`
	Params map[string]float64 `yaml:"params,omitempty" json:"params,omitempty"`
}

func (s Spec) param(name string, def float64) float64 {
	if v, ok := s.Params[name]; ok {
		return v
	}
	return def
}

// Defaults of the SC3 filters.
const (
	DefaultMinExpressedGenes = 2000
	DefaultNonZeroThreshold  = 1.0
	DefaultPercConsensus     = 0.98
)

// NewCellFilter builds the cell filter named by spec.
//
//	none                 keep every cell
//	min_expressed_genes  keep cells with at least min_expressed_genes genes >= non_zero_threshold
func NewCellFilter(spec Spec) (CellFilter, error) {
	switch spec.Kind {
	case "", "none":
		return keepAllCells{}, nil
	case "min_expressed_genes":
		f := MinExpressedGenes{
			MinGenes:  int(spec.param("min_expressed_genes", DefaultMinExpressedGenes)),
			Threshold: spec.param("non_zero_threshold", DefaultNonZeroThreshold),
		}
		if f.MinGenes < 0 {
			return nil, fmt.Errorf("%w: min_expressed_genes must be >= 0, got %d", ErrInvalidParam, f.MinGenes)
		}
		if math.IsNaN(f.Threshold) {
			return nil, fmt.Errorf("%w: non_zero_threshold is NaN", ErrInvalidParam)
		}
		return f, nil
	default:
		return nil, fmt.Errorf("%w: cell filter %q", ErrUnknownStrategy, spec.Kind)
	}
}

// NewGeneFilter builds the gene filter named by spec.
//
//	none       keep every gene
//	consensus  drop genes expressed in almost all or almost no cells
func NewGeneFilter(spec Spec) (GeneFilter, error) {
	switch spec.Kind {
	case "", "none":
		return keepAllGenes{}, nil
	case "consensus":
		f := Consensus{
			Perc:      spec.param("perc_consensus_genes", DefaultPercConsensus),
			Threshold: spec.param("non_zero_threshold", DefaultNonZeroThreshold),
		}
		if f.Perc < 0 || f.Perc > 1 || math.IsNaN(f.Perc) {
			return nil, fmt.Errorf("%w: perc_consensus_genes must be in [0,1], got %v", ErrInvalidParam, f.Perc)
		}
		if math.IsNaN(f.Threshold) {
			return nil, fmt.Errorf("%w: non_zero_threshold is NaN", ErrInvalidParam)
		}
		return f, nil
	default:
		return nil, fmt.Errorf("%w: gene filter %q", ErrUnknownStrategy, spec.Kind)
	}
}

// NewTransform builds the data transform with the given name.
func NewTransform(kind string) (Transform, error) {
	switch kind {
	case "", "identity", "none":
		return Identity{}, nil
	case "log2":
		return Log2{}, nil
	default:
		return nil, fmt.Errorf("%w: transform %q", ErrUnknownStrategy, kind)
	}
}

type keepAllCells struct{}

func (keepAllCells) Name() string { return "none" }

func (keepAllCells) Apply(x *mat.Dense) []int {
	_, c := x.Dims()
	return seq(c)
}

type keepAllGenes struct{}

func (keepAllGenes) Name() string { return "none" }

func (keepAllGenes) Apply(x *mat.Dense) []int {
	r, _ := x.Dims()
	return seq(r)
}

// MinExpressedGenes keeps cells that express at least MinGenes genes at level >= Threshold.
type MinExpressedGenes struct {
	MinGenes  int
	Threshold float64
}

func (MinExpressedGenes) Name() string { return "min_expressed_genes" }

func (f MinExpressedGenes) Apply(x *mat.Dense) []int {
	r, c := x.Dims()
	var keep []int
	for j := 0; j < c; j++ {
		n := 0
		for i := 0; i < r; i++ {
			if x.At(i, j) >= f.Threshold {
				n++
			}
		}
		if n >= f.MinGenes {
			keep = append(keep, j)
		}
	}
	return keep
}

// Consensus keeps genes that are expressed (>= Threshold) in at least (1-Perc) of the
// cells and non-zero in at most Perc of the cells.
type Consensus struct {
	Perc      float64
	Threshold float64
}

func (Consensus) Name() string { return "consensus" }

func (f Consensus) Apply(x *mat.Dense) []int {
	r, c := x.Dims()
	lower := float64(c) * (1 - f.Perc)
	upper := float64(c) * f.Perc

	var keep []int
	for i := 0; i < r; i++ {
		expressed, nonZero := 0, 0
		for j := 0; j < c; j++ {
			v := x.At(i, j)
			if v >= f.Threshold {
				expressed++
			}
			if v > 0 {
				nonZero++
			}
		}
		if lower <= float64(expressed) && float64(nonZero) <= upper {
			keep = append(keep, i)
		}
	}
	return keep
}

// Identity returns a copy of its input.
type Identity struct{}

func (Identity) Name() string { return "identity" }

func (Identity) Apply(x *mat.Dense) *mat.Dense {
	return mat.DenseCopyOf(x)
}

// Log2 computes log2(x+1) element-wise.
type Log2 struct{}

func (Log2) Name() string { return "log2" }

func (Log2) Apply(x *mat.Dense) *mat.Dense {
	r, c := x.Dims()
	out := mat.NewDense(r, c, nil)
	out.Apply(func(_, _ int, v float64) float64 {
		return math.Log2(v + 1)
	}, x)
	return out
}

func seq(n int) []int {
	s := make([]int, n)
	for i := range s {
		s[i] = i
	}
	return s
}
