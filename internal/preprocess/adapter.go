package preprocess

import (
	"errors"
	"fmt"
	"sort"

	"github.com/sirupsen/logrus"
	"gonum.org/v1/gonum/mat"

	"github.com/soma-tiles/scmtl/internal/logutil"
)

var (
	// ErrDimensionMismatch is returned when the gene id count differs from the matrix rows.
	ErrDimensionMismatch = errors.New("preprocess: dimension mismatch")
	// ErrEmpty is returned when a filter removes every cell or every gene.
	ErrEmpty = errors.New("preprocess: nothing left after filtering")
)

// Adapter runs the cell filter, gene filter and transform in that fixed order.
type Adapter struct {
	CellFilter CellFilter
	GeneFilter GeneFilter
	Transform  Transform
	Logger     logrus.FieldLogger
}

// NewAdapter resolves the three strategies from their specs.
func NewAdapter(cells, genes Spec, transform string, logger logrus.FieldLogger) (*Adapter, error) {
	cf, err := NewCellFilter(cells)
	if err != nil {
		return nil, err
	}
	gf, err := NewGeneFilter(genes)
	if err != nil {
		return nil, err
	}
	tf, err := NewTransform(transform)
	if err != nil {
		return nil, err
	}
	return &Adapter{CellFilter: cf, GeneFilter: gf, Transform: tf, Logger: logger}, nil
}

// Output is the result of Adapter.Run.
type Output struct {
	Data    *mat.Dense
	GeneIDs []string
	// Cells and Genes are the kept column and row indices of the raw matrix, ascending.
	Cells []int
	Genes []int
}

// Apply filters cells, then filters genes using statistics of the cell-filtered matrix,
// then transforms the remaining block. The returned gene ids follow the kept rows.
func (a *Adapter) Apply(raw *mat.Dense, geneIDs []string) (*mat.Dense, []string, error) {
	out, err := a.Run(raw, geneIDs)
	if err != nil {
		return nil, nil, err
	}
	return out.Data, out.GeneIDs, nil
}

// Run is Apply that also reports which raw cells and genes were kept.
func (a *Adapter) Run(raw *mat.Dense, geneIDs []string) (*Output, error) {
	logger := logutil.OrDiscard(a.Logger).WithField("component", "preprocess")

	rows, cols := raw.Dims()
	if rows != len(geneIDs) {
		return nil, fmt.Errorf("%w: %d gene ids for %d rows", ErrDimensionMismatch, len(geneIDs), rows)
	}

	cf, gf, tf := a.CellFilter, a.GeneFilter, a.Transform
	if cf == nil {
		cf = keepAllCells{}
	}
	if gf == nil {
		gf = keepAllGenes{}
	}
	if tf == nil {
		tf = Identity{}
	}

	cellIdx := intersectRange(cf.Apply(raw), cols)
	if len(cellIdx) == 0 {
		return nil, fmt.Errorf("%w: cell filter %q kept 0 of %d cells", ErrEmpty, cf.Name(), cols)
	}
	cellFiltered := SelectColumns(raw, cellIdx)

	geneIdx := intersectRange(gf.Apply(cellFiltered), rows)
	if len(geneIdx) == 0 {
		return nil, fmt.Errorf("%w: gene filter %q kept 0 of %d genes", ErrEmpty, gf.Name(), rows)
	}
	filtered := SelectRows(cellFiltered, geneIdx)

	out := tf.Apply(filtered)

	keptIDs := make([]string, len(geneIdx))
	for i, g := range geneIdx {
		keptIDs[i] = geneIDs[g]
	}

	logger.WithFields(logrus.Fields{
		"cells_before": cols,
		"cells_after":  len(cellIdx),
		"genes_before": rows,
		"genes_after":  len(geneIdx),
		"transform":    tf.Name(),
	}).Info("preprocessed dataset")

	return &Output{Data: out, GeneIDs: keptIDs, Cells: cellIdx, Genes: geneIdx}, nil
}

// intersectRange returns the sorted unique members of idx that lie in [0, n).
func intersectRange(idx []int, n int) []int {
	seen := make(map[int]struct{}, len(idx))
	out := make([]int, 0, len(idx))
	for _, i := range idx {
		if i < 0 || i >= n {
			continue
		}
		if _, ok := seen[i]; ok {
			continue
		}
		seen[i] = struct{}{}
		out = append(out, i)
	}
	sort.Ints(out)
	return out
}

// SelectColumns copies the listed columns of x into a new matrix. idx must be non-empty.
func SelectColumns(x mat.Matrix, idx []int) *mat.Dense {
	r, _ := x.Dims()
	out := mat.NewDense(r, len(idx), nil)
	for j, c := range idx {
		for i := 0; i < r; i++ {
			out.Set(i, j, x.At(i, c))
		}
	}
	return out
}

// SelectRows copies the listed rows of x into a new matrix. idx must be non-empty.
func SelectRows(x mat.Matrix, idx []int) *mat.Dense {
	_, c := x.Dims()
	out := mat.NewDense(len(idx), c, nil)
	for i, r := range idx {
		for j := 0; j < c; j++ {
			out.Set(i, j, x.At(r, j))
		}
	}
	return out
}
