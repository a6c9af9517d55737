// Package dataset reads and writes expression matrices stored as tab-separated text.
//
// A dataset is three files: the matrix (one row per gene, one column per cell, no
// header), the gene ids (one per line, first column) and optionally cell labels (one per
// line). Any file whose name ends in .zst is transparently zstd-compressed.
package dataset

import (
	"bufio"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"

	"github.com/klauspost/compress/zstd"
	"github.com/sirupsen/logrus"
	"gonum.org/v1/gonum/mat"

	"github.com/soma-tiles/scmtl/internal/logutil"
)

// ErrShape is returned when the matrix, gene ids and labels disagree in size.
var ErrShape = errors.New("dataset: inconsistent shape")

// Dataset is an expression matrix (genes x cells) with its gene ids and optional cell labels.
type Dataset struct {
	Data    *mat.Dense
	GeneIDs []string
	Labels  []string
}

// Cells returns the number of cells.
func (d *Dataset) Cells() int {
	_, c := d.Data.Dims()
	return c
}

// Loader reads datasets from the local filesystem.
type Loader struct {
	logger logrus.FieldLogger
}

// NewLoader creates a loader; logger may be nil.
func NewLoader(logger logrus.FieldLogger) *Loader {
	return &Loader{logger: logutil.OrDiscard(logger).WithField("component", "dataset")}
}

// LoadSource reads a source dataset without labels.
func (l *Loader) LoadSource(path, geneIDsPath string) (*Dataset, error) {
	return l.Load(path, geneIDsPath, "")
}

// Load reads the matrix at path, the gene ids at geneIDsPath and, when labelsPath is not
// empty, the cell labels.
func (l *Loader) Load(path, geneIDsPath, labelsPath string) (*Dataset, error) {
	data, err := ReadMatrixFile(path)
	if err != nil {
		return nil, err
	}
	genes, cells := data.Dims()

	ids, err := ReadLinesFile(geneIDsPath)
	if err != nil {
		return nil, err
	}
	if len(ids) != genes {
		return nil, fmt.Errorf("%w: %s has %d gene ids, matrix has %d rows", ErrShape, geneIDsPath, len(ids), genes)
	}

	ds := &Dataset{Data: data, GeneIDs: ids}
	if labelsPath != "" {
		labels, err := ReadLinesFile(labelsPath)
		if err != nil {
			return nil, err
		}
		if len(labels) != cells {
			return nil, fmt.Errorf("%w: %s has %d labels, matrix has %d columns", ErrShape, labelsPath, len(labels), cells)
		}
		ds.Labels = labels
	}

	l.logger.WithFields(logrus.Fields{
		"path":   path,
		"genes":  genes,
		"cells":  cells,
		"labels": ds.Labels != nil,
	}).Info("loaded dataset")
	return ds, nil
}

// ReadMatrixFile reads a tab-separated numeric matrix from path, or a Zarr v3 array when path
// is an array directory.
func ReadMatrixFile(path string) (*mat.Dense, error) {
	if IsZarr(path) {
		m, err := ReadZarrMatrix(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read %s: %w", path, err)
		}
		return m, nil
	}

	rc, err := open(path)
	if err != nil {
		return nil, err
	}
	defer rc.Close()

	m, err := ReadMatrix(rc)
	if err != nil {
		return nil, fmt.Errorf("failed to parse %s: %w", path, err)
	}
	return m, nil
}

// ReadMatrix parses a tab-separated numeric matrix. All rows must have the same length.
func ReadMatrix(r io.Reader) (*mat.Dense, error) {
	cr := csv.NewReader(r)
	cr.Comma = '\t'
	cr.Comment = '#'
	cr.ReuseRecord = true

	var (
		data []float64
		rows int
		cols = -1
	)
	for {
		rec, err := cr.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, err
		}
		if cols < 0 {
			cols = len(rec)
		}
		for j, field := range rec {
			v, err := strconv.ParseFloat(strings.TrimSpace(field), 64)
			if err != nil {
				return nil, fmt.Errorf("row %d column %d: %w", rows+1, j+1, err)
			}
			data = append(data, v)
		}
		rows++
	}
	if rows == 0 || cols == 0 {
		return nil, fmt.Errorf("%w: empty matrix", ErrShape)
	}
	return mat.NewDense(rows, cols, data), nil
}

// ReadLinesFile returns the first tab-separated field of every non-empty line.
func ReadLinesFile(path string) ([]string, error) {
	rc, err := open(path)
	if err != nil {
		return nil, err
	}
	defer rc.Close()

	var out []string
	sc := bufio.NewScanner(rc)
	sc.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" {
			continue
		}
		field, _, _ := strings.Cut(line, "\t")
		out = append(out, strings.TrimSpace(field))
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("failed to read %s: %w", path, err)
	}
	return out, nil
}

func open(path string) (io.ReadCloser, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open %s: %w", path, err)
	}
	if !strings.HasSuffix(path, ".zst") {
		return f, nil
	}
	dec, err := zstd.NewReader(f)
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("failed to create zstd decoder: %w", err)
	}
	return &zstdFile{Decoder: dec, f: f}, nil
}

type zstdFile struct {
	*zstd.Decoder
	f *os.File
}

func (z *zstdFile) Close() error {
	z.Decoder.Close()
	return z.f.Close()
}
