// Package genes aligns gene identifier sequences of two expression datasets onto a
// common index set.
package genes

import (
	"sort"

	"github.com/sirupsen/logrus"

	"github.com/soma-tiles/scmtl/internal/logutil"
)

// Pairs holds row indices into the target and source matrices that refer to the same gene.
// Target[i] and Source[i] always denote the same identifier.
type Pairs struct {
	Target []int
	Source []int
}

// Len returns the number of aligned genes.
func (p Pairs) Len() int {
	return len(p.Target)
}

// UniqueCount returns the number of distinct identifiers in ids.
func UniqueCount(ids []string) int {
	seen := make(map[string]struct{}, len(ids))
	for _, id := range ids {
		seen[id] = struct{}{}
	}
	return len(seen)
}

// firstIndex maps each identifier to the index of its first occurrence.
func firstIndex(ids []string) map[string]int {
	idx := make(map[string]int, len(ids))
	for i, id := range ids {
		if _, ok := idx[id]; !ok {
			idx[id] = i
		}
	}
	return idx
}

// Align returns the index pairs of all identifiers present in both target and source.
// Common identifiers are visited in lexicographic order and resolved to their first
// occurrence in each sequence, so duplicates never make the result ambiguous. Duplicates
// are reported as warnings only.
func Align(target, source []string, logger logrus.FieldLogger) Pairs {
	logger = logutil.OrDiscard(logger).WithField("component", "gene_alignment")

	warnDuplicates(logger, "source", source)
	warnDuplicates(logger, "target", target)

	targetIdx := firstIndex(target)
	sourceIdx := firstIndex(source)

	common := make([]string, 0, len(targetIdx))
	for id := range targetIdx {
		if _, ok := sourceIdx[id]; ok {
			common = append(common, id)
		}
	}
	sort.Strings(common)

	pairs := Pairs{
		Target: make([]int, len(common)),
		Source: make([]int, len(common)),
	}
	for i, id := range common {
		pairs.Target[i] = targetIdx[id]
		pairs.Source[i] = sourceIdx[id]
	}

	logger.WithFields(logrus.Fields{
		"common_genes": len(common),
		"source_genes": len(source),
		"target_genes": len(target),
	}).Info("aligned gene ids")

	return pairs
}

func warnDuplicates(logger logrus.FieldLogger, which string, ids []string) {
	unique := UniqueCount(ids)
	if unique == len(ids) {
		return
	}
	logger.WithFields(logrus.Fields{
		"dataset": which,
		"unique":  unique,
		"total":   len(ids),
	}).Warn("gene ids are supposed to be unique, only the first occurrence will be used")
}

// AlignTranslated pairs target identifiers with source identifiers after translating the
// target ids through the alias table. Pairs follow the target index order. A target id
// without a table entry, or whose translation does not occur exactly once in source, is
// dropped.
func AlignTranslated(target, source []string, table *AliasTable) (Pairs, error) {
	counts := make(map[string]int, len(source))
	position := make(map[string]int, len(source))
	for i, id := range source {
		counts[id]++
		if counts[id] == 1 {
			position[id] = i
		}
	}

	var pairs Pairs
	for i, id := range target {
		linked, ok, err := table.Lookup(id)
		if err != nil {
			return Pairs{}, err
		}
		if !ok || counts[linked] != 1 {
			continue
		}
		pairs.Target = append(pairs.Target, i)
		pairs.Source = append(pairs.Source, position[linked])
	}
	return pairs, nil
}
