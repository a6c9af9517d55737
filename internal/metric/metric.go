// Package metric computes cell-to-cell distance matrices. Cells are the columns of an
// expression matrix (genes x cells).
package metric

import (
	"errors"
	"fmt"
	"math"
	"sort"
	"strings"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/stat"
)

// ErrUnknownMetric is returned by Lookup for an unregistered name.
var ErrUnknownMetric = errors.New("metric: unknown metric")

// Func computes the symmetric cells x cells distance matrix of x.
type Func func(x *mat.Dense) (*mat.SymDense, error)

// Pair is a distance between two equally long vectors.
type Pair func(a, b []float64) float64

var registry = map[string]Pair{
	"euclidean": Euclidean,
	"cityblock": Cityblock,
	"chebyshev": Chebyshev,
	"cosine":    Cosine,
	"pearson":   Pearson,
	"spearman":  Spearman,
}

// Names returns the registered metric names, sorted.
func Names() []string {
	names := make([]string, 0, len(registry))
	for n := range registry {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// Lookup returns the column-wise distance function registered under name.
func Lookup(name string) (Func, error) {
	p, ok := registry[strings.ToLower(strings.TrimSpace(name))]
	if !ok {
		return nil, fmt.Errorf("%w: %q (known: %s)", ErrUnknownMetric, name, strings.Join(Names(), ", "))
	}
	return Columns(p), nil
}

// Columns lifts a vector distance to a matrix of column distances. The diagonal is zero
// and rounding noise below zero is clamped.
func Columns(p Pair) Func {
	return func(x *mat.Dense) (*mat.SymDense, error) {
		if x == nil || x.IsEmpty() {
			return nil, errors.New("metric: empty matrix")
		}
		_, n := x.Dims()
		cols := make([][]float64, n)
		for j := range cols {
			cols[j] = mat.Col(nil, j, x)
		}
		d := mat.NewSymDense(n, nil)
		for i := 0; i < n; i++ {
			for j := i + 1; j < n; j++ {
				v := p(cols[i], cols[j])
				if math.IsNaN(v) || math.IsInf(v, 0) {
					return nil, fmt.Errorf("metric: non-finite distance between cells %d and %d", i, j)
				}
				d.SetSym(i, j, max(v, 0))
			}
		}
		return d, nil
	}
}

func Euclidean(a, b []float64) float64 { return floats.Distance(a, b, 2) }

func Cityblock(a, b []float64) float64 { return floats.Distance(a, b, 1) }

func Chebyshev(a, b []float64) float64 { return floats.Distance(a, b, math.Inf(1)) }

// Cosine is 1 − a·b/(‖a‖‖b‖). A zero vector is at distance 0 from another zero vector
// and at distance 1 from anything else.
func Cosine(a, b []float64) float64 {
	na, nb := floats.Norm(a, 2), floats.Norm(b, 2)
	if na == 0 || nb == 0 {
		return zeroVectorDistance(na == 0 && nb == 0)
	}
	return 1 - floats.Dot(a, b)/(na*nb)
}

// Pearson is 1 − r. Constant vectors follow the zero-vector rule of Cosine.
func Pearson(a, b []float64) float64 {
	ca, cb := constant(a), constant(b)
	if ca || cb {
		return zeroVectorDistance(ca && cb)
	}
	return 1 - stat.Correlation(a, b, nil)
}

// Spearman is 1 − ρ, the Pearson distance between average ranks.
func Spearman(a, b []float64) float64 {
	return Pearson(Rank(a), Rank(b))
}

// Rank returns 1-based ranks of v, averaging ties.
func Rank(v []float64) []float64 {
	idx := make([]int, len(v))
	for i := range idx {
		idx[i] = i
	}
	sort.SliceStable(idx, func(a, b int) bool { return v[idx[a]] < v[idx[b]] })

	ranks := make([]float64, len(v))
	for i := 0; i < len(idx); {
		j := i + 1
		for j < len(idx) && v[idx[j]] == v[idx[i]] {
			j++
		}
		r := float64(i+j+1) / 2
		for _, k := range idx[i:j] {
			ranks[k] = r
		}
		i = j
	}
	return ranks
}

func constant(v []float64) bool {
	if len(v) == 0 {
		return true
	}
	for _, x := range v[1:] {
		if x != v[0] {
			return false
		}
	}
	return true
}

func zeroVectorDistance(both bool) float64 {
	if both {
		return 0
	}
	return 1
}
