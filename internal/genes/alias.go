package genes

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"strings"
	"sync"
)

// AliasTable is a read-only mapping from one gene identifier namespace to another
// (for example gene symbols to Ensembl ids). The table file is read on the first lookup
// and kept for the lifetime of the object.
type AliasTable struct {
	path string

	once    sync.Once
	entries map[string]string
	err     error
}

// NewLazyAliasTable returns a table backed by the file at path. Nothing is read until the
// first Lookup.
func NewLazyAliasTable(path string) *AliasTable {
	return &AliasTable{path: path}
}

// NewAliasTable returns an already populated table.
func NewAliasTable(entries map[string]string) *AliasTable {
	t := &AliasTable{entries: entries}
	t.once.Do(func() {})
	return t
}

// Lookup returns the linked identifier for alias.
func (t *AliasTable) Lookup(alias string) (string, bool, error) {
	t.once.Do(t.load)
	if t.err != nil {
		return "", false, t.err
	}
	linked, ok := t.entries[alias]
	return linked, ok, nil
}

// Len returns the number of entries, loading the table if needed.
func (t *AliasTable) Len() (int, error) {
	t.once.Do(t.load)
	if t.err != nil {
		return 0, t.err
	}
	return len(t.entries), nil
}

func (t *AliasTable) load() {
	f, err := os.Open(t.path)
	if err != nil {
		t.err = fmt.Errorf("failed to open gene alias table: %w", err)
		return
	}
	defer f.Close()

	t.entries, t.err = parseAliases(f)
	if t.err != nil {
		t.err = fmt.Errorf("failed to parse gene alias table %s: %w", t.path, t.err)
	}
}

// parseAliases reads a whitespace separated two-column table. The first line is a header.
func parseAliases(r io.Reader) (map[string]string, error) {
	entries := make(map[string]string)
	scanner := bufio.NewScanner(r)
	line := 0
	for scanner.Scan() {
		line++
		if line == 1 {
			continue
		}
		text := strings.TrimSpace(scanner.Text())
		if text == "" {
			continue
		}
		fields := strings.Fields(text)
		if len(fields) < 2 {
			return nil, fmt.Errorf("line %d: expected 2 columns, got %d", line, len(fields))
		}
		// Later rows overwrite earlier ones for the same alias.
		entries[fields[0]] = fields[1]
	}
	if err := scanner.Err(); err != nil {
		return nil, err
	}
	return entries, nil
}
