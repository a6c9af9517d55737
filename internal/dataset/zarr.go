package dataset

import (
	"bytes"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"io"
	"math"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/klauspost/compress/gzip"
	"github.com/klauspost/compress/zstd"
	"gonum.org/v1/gonum/mat"
)

// zarrArrayMeta is the subset of Zarr v3 array metadata (zarr.json) needed to read a
// dense two-dimensional matrix.
type zarrArrayMeta struct {
	Shape     []int  `json:"shape"`
	DataType  string `json:"data_type"`
	ChunkGrid struct {
		Name          string `json:"name"`
		Configuration struct {
			ChunkShape []int `json:"chunk_shape"`
		} `json:"configuration"`
	} `json:"chunk_grid"`
	ChunkKeyEncoding struct {
		Name          string `json:"name"`
		Configuration struct {
			Separator string `json:"separator"`
		} `json:"configuration"`
	} `json:"chunk_key_encoding"`
	FillValue interface{} `json:"fill_value"`
	Codecs    []struct {
		Name          string                 `json:"name"`
		Configuration map[string]interface{} `json:"configuration"`
	} `json:"codecs"`
	ZarrFormat int    `json:"zarr_format"`
	NodeType   string `json:"node_type"`
}

// IsZarr reports whether path is a Zarr v3 array directory.
func IsZarr(path string) bool {
	st, err := os.Stat(filepath.Join(path, "zarr.json"))
	return err == nil && !st.IsDir()
}

// ReadZarrMatrix reads a two-dimensional Zarr v3 array (genes x cells). Supported data
// types are float32, float64, int32 and uint32; supported codecs are bytes, zstd and gzip.
// Chunks missing on disk hold the fill value.
func ReadZarrMatrix(dir string) (*mat.Dense, error) {
	meta, err := loadZarrMeta(dir)
	if err != nil {
		return nil, err
	}
	size, err := zarrDTypeSize(meta.DataType)
	if err != nil {
		return nil, err
	}
	fill, err := zarrFillValue(meta)
	if err != nil {
		return nil, err
	}

	rows, cols := meta.Shape[0], meta.Shape[1]
	cr, cc := meta.ChunkGrid.Configuration.ChunkShape[0], meta.ChunkGrid.Configuration.ChunkShape[1]
	out := mat.NewDense(rows, cols, nil)
	order := byteOrder(meta)

	decoder, err := zstd.NewReader(nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create zstd decoder: %w", err)
	}
	defer decoder.Close()

	for bi := 0; bi*cr < rows; bi++ {
		for bj := 0; bj*cc < cols; bj++ {
			h := min(cr, rows-bi*cr)
			w := min(cc, cols-bj*cc)

			raw, err := readZarrChunk(dir, meta, decoder, bi, bj)
			if os.IsNotExist(err) {
				for i := 0; i < h; i++ {
					for j := 0; j < w; j++ {
						out.Set(bi*cr+i, bj*cc+j, fill)
					}
				}
				continue
			}
			if err != nil {
				return nil, err
			}

			// Chunks are normally stored at full chunk shape; some writers truncate edge chunks.
			stride := cc
			switch len(raw) {
			case cr * cc * size:
			case h * w * size:
				stride = w
			default:
				return nil, fmt.Errorf("%w: chunk %d.%d of %s has %d bytes", ErrShape, bi, bj, dir, len(raw))
			}
			for i := 0; i < h; i++ {
				for j := 0; j < w; j++ {
					off := (i*stride + j) * size
					out.Set(bi*cr+i, bj*cc+j, decodeZarrValue(meta.DataType, order, raw[off:off+size]))
				}
			}
		}
	}
	return out, nil
}

func loadZarrMeta(dir string) (*zarrArrayMeta, error) {
	data, err := os.ReadFile(filepath.Join(dir, "zarr.json"))
	if err != nil {
		return nil, fmt.Errorf("failed to read zarr metadata: %w", err)
	}
	var meta zarrArrayMeta
	if err := json.Unmarshal(data, &meta); err != nil {
		return nil, fmt.Errorf("failed to parse zarr metadata: %w", err)
	}
	if meta.NodeType != "" && meta.NodeType != "array" {
		return nil, fmt.Errorf("%s is a zarr %s, not an array", dir, meta.NodeType)
	}
	if len(meta.Shape) != 2 || len(meta.ChunkGrid.Configuration.ChunkShape) != 2 {
		return nil, fmt.Errorf("%w: %s must be a two-dimensional array with a regular chunk grid", ErrShape, dir)
	}
	if meta.Shape[0] <= 0 || meta.Shape[1] <= 0 {
		return nil, fmt.Errorf("%w: %s has shape %v", ErrShape, dir, meta.Shape)
	}
	for d, c := range meta.ChunkGrid.Configuration.ChunkShape {
		if c <= 0 {
			return nil, fmt.Errorf("invalid chunk shape at dim %d: %d", d, c)
		}
	}
	for _, c := range meta.Codecs {
		switch c.Name {
		case "bytes", "zstd", "gzip":
		default:
			return nil, fmt.Errorf("unsupported zarr codec: %s", c.Name)
		}
	}
	return &meta, nil
}

// readZarrChunk reads and decompresses chunk (bi, bj).
func readZarrChunk(dir string, meta *zarrArrayMeta, decoder *zstd.Decoder, bi, bj int) ([]byte, error) {
	sep := meta.ChunkKeyEncoding.Configuration.Separator
	if sep == "" {
		sep = "/"
	}
	key := strconv.Itoa(bi) + sep + strconv.Itoa(bj)
	path := filepath.Join(dir, "c", filepath.FromSlash(key))
	if meta.ChunkKeyEncoding.Name == "v2" {
		path = filepath.Join(dir, filepath.FromSlash(key))
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	// Byte-to-byte codecs run in reverse order on read.
	for i := len(meta.Codecs) - 1; i >= 0; i-- {
		switch meta.Codecs[i].Name {
		case "zstd":
			if data, err = decoder.DecodeAll(data, nil); err != nil {
				return nil, fmt.Errorf("zstd decompress failed: %w", err)
			}
		case "gzip":
			zr, err := gzip.NewReader(bytes.NewReader(data))
			if err != nil {
				return nil, fmt.Errorf("gzip decompress failed: %w", err)
			}
			data, err = io.ReadAll(zr)
			zr.Close()
			if err != nil {
				return nil, fmt.Errorf("gzip decompress failed: %w", err)
			}
		}
	}
	return data, nil
}

func byteOrder(meta *zarrArrayMeta) binary.ByteOrder {
	for _, c := range meta.Codecs {
		if c.Name == "bytes" {
			if e, _ := c.Configuration["endian"].(string); strings.EqualFold(e, "big") {
				return binary.BigEndian
			}
		}
	}
	return binary.LittleEndian
}

func zarrDTypeSize(dataType string) (int, error) {
	switch dataType {
	case "float32", "int32", "uint32":
		return 4, nil
	case "float64":
		return 8, nil
	default:
		return 0, fmt.Errorf("unsupported zarr data_type: %s", dataType)
	}
}

func decodeZarrValue(dataType string, order binary.ByteOrder, b []byte) float64 {
	switch dataType {
	case "float32":
		return float64(math.Float32frombits(order.Uint32(b)))
	case "float64":
		return math.Float64frombits(order.Uint64(b))
	case "int32":
		return float64(int32(order.Uint32(b)))
	default:
		return float64(order.Uint32(b))
	}
}

// zarrFillValue returns the fill value as float64. Zarr encodes non-finite floats as strings.
func zarrFillValue(meta *zarrArrayMeta) (float64, error) {
	switch v := meta.FillValue.(type) {
	case nil:
		return 0, nil
	case float64:
		return v, nil
	case string:
		switch v {
		case "NaN":
			return math.NaN(), nil
		case "Infinity":
			return math.Inf(1), nil
		case "-Infinity":
			return math.Inf(-1), nil
		}
	}
	return 0, fmt.Errorf("unsupported fill_value %v for %s", meta.FillValue, meta.DataType)
}
