package dataset

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/klauspost/compress/zstd"
	"gonum.org/v1/gonum/mat"
)

// WriteMatrix writes m as tab-separated text.
func WriteMatrix(w io.Writer, m mat.Matrix) error {
	bw := bufio.NewWriter(w)
	r, c := m.Dims()
	buf := make([]byte, 0, 32)
	for i := 0; i < r; i++ {
		for j := 0; j < c; j++ {
			if j > 0 {
				bw.WriteByte('\t')
			}
			buf = strconv.AppendFloat(buf[:0], m.At(i, j), 'g', -1, 64)
			bw.Write(buf)
		}
		bw.WriteByte('\n')
	}
	return bw.Flush()
}

// WriteTable writes a header line followed by rows, all tab-separated.
func WriteTable(w io.Writer, header []string, rows [][]string) error {
	bw := bufio.NewWriter(w)
	if len(header) > 0 {
		fmt.Fprintln(bw, strings.Join(header, "\t"))
	}
	for _, row := range rows {
		fmt.Fprintln(bw, strings.Join(row, "\t"))
	}
	return bw.Flush()
}

// WriteMatrixFile writes m to path, zstd-compressed when path ends in .zst.
func WriteMatrixFile(path string, m mat.Matrix) error {
	return writeFile(path, func(w io.Writer) error { return WriteMatrix(w, m) })
}

// WriteTableFile writes a table to path, zstd-compressed when path ends in .zst.
func WriteTableFile(path string, header []string, rows [][]string) error {
	return writeFile(path, func(w io.Writer) error { return WriteTable(w, header, rows) })
}

func writeFile(path string, write func(io.Writer) error) error {
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("failed to create directory %s: %w", dir, err)
		}
	}
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("failed to create %s: %w", path, err)
	}
	defer f.Close()

	var w io.Writer = f
	var enc *zstd.Encoder
	if strings.HasSuffix(path, ".zst") {
		enc, err = zstd.NewWriter(f)
		if err != nil {
			return fmt.Errorf("failed to create zstd encoder: %w", err)
		}
		w = enc
	}
	if err := write(w); err != nil {
		return fmt.Errorf("failed to write %s: %w", path, err)
	}
	if enc != nil {
		if err := enc.Close(); err != nil {
			return fmt.Errorf("failed to finish %s: %w", path, err)
		}
	}
	return f.Close()
}
