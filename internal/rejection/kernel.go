package rejection

import (
	"math"
	"sort"

	"gonum.org/v1/gonum/mat"
)

// diagFloor is the smallest kernel diagonal root accepted by NormalizeKernel.
const diagFloor = 1e-16

// CenterKernel returns K − 1K/n − K1/n + 1K1/n², i.e. the kernel of the mean-centered
// feature vectors. K must be square.
func CenterKernel(k mat.Matrix) *mat.Dense {
	n, _ := k.Dims()
	rowMean := make([]float64, n)
	colMean := make([]float64, n)
	var total float64
	for i := 0; i < n; i++ {
		for j := 0; j < n; j++ {
			v := k.At(i, j)
			rowMean[i] += v
			colMean[j] += v
			total += v
		}
	}
	fn := float64(n)
	for i := range rowMean {
		rowMean[i] /= fn
		colMean[i] /= fn
	}
	total /= fn * fn

	out := mat.NewDense(n, n, nil)
	for i := 0; i < n; i++ {
		for j := 0; j < n; j++ {
			out.Set(i, j, k.At(i, j)-colMean[j]-rowMean[i]+total)
		}
	}
	return out
}

// NormalizeKernel scales K to unit diagonal: K[i,j]/sqrt(K[i,i]·K[j,j]). If any diagonal
// root is non-finite or not above 1e-16, only the diagonal of K is kept.
func NormalizeKernel(k mat.Matrix) *mat.Dense {
	n, _ := k.Dims()
	d := make([]float64, n)
	degenerate := false
	for i := range d {
		d[i] = math.Sqrt(k.At(i, i))
		if math.IsNaN(d[i]) || math.IsInf(d[i], 0) || d[i] <= diagFloor {
			degenerate = true
		}
	}

	out := mat.NewDense(n, n, nil)
	for i := 0; i < n; i++ {
		if degenerate {
			out.Set(i, i, k.At(i, i))
			continue
		}
		for j := 0; j < n; j++ {
			out.Set(i, j, k.At(i, j)/(d[i]*d[j]))
		}
	}
	return out
}

// AlignBinary is the kernel target alignment between K and the labeling y ∈ {−1,+1}ⁿ:
// yᵀKy / (n·‖K‖_F).
func AlignBinary(k mat.Matrix, y []float64) float64 {
	yv := mat.NewVecDense(len(y), y)
	s := mat.Inner(yv, k, yv)
	return s / (float64(len(y)) * mat.Norm(k, 2))
}

// Classify splits the cells into a low-kurtosis group (−1) and the rest (+1). The kernel
// is centered and normalized, cells are ordered by ascending kurtosis, and every split
// that puts between 1 and n−2 cells into the low group is scored with AlignBinary. The
// split with the highest alignment wins. If no split scores above −1, all cells but the
// highest-kurtosis one are labelled −1.
func Classify(k mat.Matrix, kurt []float64) []float64 {
	n := len(kurt)
	kn := NormalizeKernel(CenterKernel(k))
	order := argsort(kurt)

	// Flipping y_i from +1 to −1 changes yᵀKy by −4(Ky)_i + 4K_ii and Ky by −2K[:,i],
	// so every split is scored in O(n) from the previous one.
	ky := make([]float64, n)
	var s float64
	for i := 0; i < n; i++ {
		for j := 0; j < n; j++ {
			ky[i] += kn.At(i, j)
		}
		s += ky[i]
	}
	denom := float64(n) * mat.Norm(kn, 2)

	best, bestSplit := -1.0, -1
	for split := 1; split <= n-2; split++ {
		c := order[split-1]
		s += -4*ky[c] + 4*kn.At(c, c)
		for j := 0; j < n; j++ {
			ky[j] -= 2 * kn.At(j, c)
		}
		if kta := s / denom; kta > best {
			best, bestSplit = kta, split
		}
	}
	if bestSplit < 0 {
		bestSplit = n - 1
	}

	labels := make([]float64, n)
	for i := range labels {
		labels[i] = 1
	}
	for _, c := range order[:max(bestSplit, 0)] {
		labels[c] = -1
	}
	return labels
}

// argsort returns indices ordering v ascending with NaN last; ties keep input order.
func argsort(v []float64) []int {
	idx := make([]int, len(v))
	for i := range idx {
		idx[i] = i
	}
	sort.SliceStable(idx, func(a, b int) bool {
		x, y := v[idx[a]], v[idx[b]]
		if math.IsNaN(y) {
			return !math.IsNaN(x)
		}
		return x < y
	})
	return idx
}
