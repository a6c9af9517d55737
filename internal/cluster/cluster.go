// Package cluster gives a quick k-means preview of a distance matrix and scores
// labelings against each other.
package cluster

import (
	"errors"
	"fmt"

	"github.com/muesli/clusters"
	"github.com/muesli/kmeans"
	"gonum.org/v1/gonum/mat"
)

// KMeansLabels partitions the cells of a distance matrix into k groups. Every row of d is
// used as the feature vector of its cell, scaled into [0,1] by the largest distance.
func KMeansLabels(d mat.Symmetric, k int) ([]int, error) {
	n := d.SymmetricDim()
	if k < 1 || k > n {
		return nil, fmt.Errorf("cluster: k must be in [1,%d], got %d", n, k)
	}

	var top float64
	for i := 0; i < n; i++ {
		for j := 0; j < n; j++ {
			top = max(top, d.At(i, j))
		}
	}
	if top == 0 {
		top = 1
	}

	obs := make(clusters.Observations, n)
	for i := 0; i < n; i++ {
		row := make(clusters.Coordinates, n)
		for j := range row {
			row[j] = d.At(i, j) / top
		}
		obs[i] = row
	}

	cc, err := kmeans.New().Partition(obs, k)
	if err != nil {
		return nil, fmt.Errorf("cluster: kmeans failed: %w", err)
	}
	labels := make([]int, n)
	for i, o := range obs {
		labels[i] = cc.Nearest(o)
	}
	return labels, nil
}

// ArgMaxLabels returns, for every column of h, the row of its largest entry.
func ArgMaxLabels(h mat.Matrix) []int {
	r, c := h.Dims()
	out := make([]int, c)
	for j := 0; j < c; j++ {
		for i := 1; i < r; i++ {
			if h.At(i, j) > h.At(out[j], j) {
				out[j] = i
			}
		}
	}
	return out
}

// Encode maps string labels to dense integer codes in order of first appearance.
func Encode(labels []string) []int {
	codes := make(map[string]int)
	out := make([]int, len(labels))
	for i, l := range labels {
		c, ok := codes[l]
		if !ok {
			c = len(codes)
			codes[l] = c
		}
		out[i] = c
	}
	return out
}

// AdjustedRandIndex compares two labelings of the same items. Identical partitions score
// 1 and random ones score about 0.
func AdjustedRandIndex(a, b []int) (float64, error) {
	if len(a) != len(b) {
		return 0, errors.New("cluster: labelings differ in length")
	}
	n := len(a)
	if n == 0 {
		return 0, errors.New("cluster: empty labelings")
	}
	if n == 1 {
		return 1, nil
	}

	type pair struct{ x, y int }
	joint := make(map[pair]int)
	rows := make(map[int]int)
	cols := make(map[int]int)
	for i := range a {
		joint[pair{a[i], b[i]}]++
		rows[a[i]]++
		cols[b[i]]++
	}

	comb2 := func(m int) float64 { return float64(m) * float64(m-1) / 2 }
	var index, sumRows, sumCols float64
	for _, c := range joint {
		index += comb2(c)
	}
	for _, c := range rows {
		sumRows += comb2(c)
	}
	for _, c := range cols {
		sumCols += comb2(c)
	}

	expected := sumRows * sumCols / comb2(n)
	maxIndex := (sumRows + sumCols) / 2
	// both labelings put everything in one cluster, or every item alone
	if maxIndex == expected {
		return 1, nil
	}
	return (index - expected) / (maxIndex - expected), nil
}
