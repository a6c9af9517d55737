package nmf

import (
	"math"
	"math/rand"

	"gonum.org/v1/gonum/mat"
)

// epsilon replaces zero denominators in the multiplicative updates.
const epsilon = 2.220446049250313e-16

// FitSource factors x (genes x cells) into W (genes x k) and H (k x cells) with
// elastic-net regularized multiplicative updates. The initialization is NNDSVDar seeded
// with p.Seed, so repeated calls on the same input produce the same dictionary.
// Convergence is checked every 10 iterations: the loop stops once the error has not grown
// since the last check and its drop, relative to the initial error, falls below
// p.SourceTol.
func FitSource(x *mat.Dense, p Params) (w, h *mat.Dense, err error) {
	if err := p.Validate(); err != nil {
		return nil, nil, err
	}
	if x == nil || x.IsEmpty() {
		return nil, nil, ErrDimensionMismatch
	}
	if err := checkNonNegative("source", x); err != nil {
		return nil, nil, err
	}

	rng := rand.New(rand.NewSource(p.Seed))
	w, h = initNNDSVDar(x, p.K, rng)

	l1 := p.Alpha * p.L1Ratio
	l2 := p.Alpha * (1 - p.L1Ratio)

	errInit := frobeniusResidual(x, w, h)
	prevErr := errInit

	var (
		num, den, hht, wtw mat.Dense
	)
	for it := 1; it <= p.SourceMaxIter; it++ {
		// W update
		num.Mul(x, h.T())
		hht.Mul(h, h.T())
		den.Mul(w, &hht)
		multiplicativeStep(w, &num, &den, l1, l2)

		// H update
		num.Reset()
		den.Reset()
		num.Mul(w.T(), x)
		wtw.Mul(w.T(), w)
		den.Mul(&wtw, h)
		multiplicativeStep(h, &num, &den, l1, l2)

		num.Reset()
		den.Reset()
		hht.Reset()
		wtw.Reset()

		if p.SourceTol > 0 && it%10 == 0 {
			e := frobeniusResidual(x, w, h)
			if errInit > 0 && e <= prevErr && (prevErr-e)/errInit < p.SourceTol {
				break
			}
			prevErr = e
		}
	}
	return w, h, nil
}

// multiplicativeStep applies f ← f ⊙ num / (den + l1 + l2·f) in place.
func multiplicativeStep(f, num, den *mat.Dense, l1, l2 float64) {
	r, c := f.Dims()
	for i := 0; i < r; i++ {
		for j := 0; j < c; j++ {
			v := f.At(i, j)
			d := den.At(i, j) + l1 + l2*v
			if d == 0 {
				d = epsilon
			}
			f.Set(i, j, v*num.At(i, j)/d)
		}
	}
}

func frobeniusResidual(x, w, h mat.Matrix) float64 {
	var recon mat.Dense
	recon.Mul(w, h)
	recon.Sub(x, &recon)
	return mat.Norm(&recon, 2)
}

// initNNDSVDar builds W and H from the leading singular triplets of x, keeping the
// dominant non-negative part of each, and fills the remaining zeros with small random
// values scaled by the mean of x. When k exceeds the rank bound of a thin SVD the
// factors are drawn at random instead.
func initNNDSVDar(x *mat.Dense, k int, rng *rand.Rand) (w, h *mat.Dense) {
	rows, cols := x.Dims()
	avg := mat.Sum(x) / float64(rows*cols)

	var svd mat.SVD
	if k > min(rows, cols) || !svd.Factorize(x, mat.SVDThin) {
		return initRandom(x, k, rng)
	}

	var u, v mat.Dense
	svd.UTo(&u)
	svd.VTo(&v)
	s := svd.Values(nil)

	w = mat.NewDense(rows, k, nil)
	h = mat.NewDense(k, cols, nil)

	// The leading singular vectors of a non-negative matrix can be chosen non-negative.
	lead := math.Sqrt(s[0])
	for i := 0; i < rows; i++ {
		w.Set(i, 0, lead*math.Abs(u.At(i, 0)))
	}
	for j := 0; j < cols; j++ {
		h.Set(0, j, lead*math.Abs(v.At(j, 0)))
	}

	for c := 1; c < k; c++ {
		ux := mat.Col(nil, c, &u)
		vy := mat.Col(nil, c, &v)

		xp, xn := splitSigns(ux)
		yp, yn := splitSigns(vy)
		xpn, xnn := norm2(xp), norm2(xn)
		ypn, ynn := norm2(yp), norm2(yn)

		mp, mn := xpn*ypn, xnn*ynn

		var uu, vv []float64
		var sigma, un, vn float64
		if mp > mn {
			uu, vv, un, vn, sigma = xp, yp, xpn, ypn, mp
		} else {
			uu, vv, un, vn, sigma = xn, yn, xnn, ynn, mn
		}

		lbd := math.Sqrt(s[c] * sigma)
		for i := 0; i < rows; i++ {
			if un > 0 {
				w.Set(i, c, lbd*uu[i]/un)
			}
		}
		for j := 0; j < cols; j++ {
			if vn > 0 {
				h.Set(c, j, lbd*vv[j]/vn)
			}
		}
	}

	const tiny = 1e-6
	fill := func(m *mat.Dense) {
		m.Apply(func(_, _ int, v float64) float64 {
			if v < tiny {
				return math.Abs(avg * rng.NormFloat64() / 100)
			}
			return v
		}, m)
	}
	fill(w)
	fill(h)
	return w, h
}

func initRandom(x *mat.Dense, k int, rng *rand.Rand) (w, h *mat.Dense) {
	rows, cols := x.Dims()
	scale := math.Sqrt(mat.Sum(x) / float64(rows*cols) / float64(k))
	w = mat.NewDense(rows, k, nil)
	h = mat.NewDense(k, cols, nil)
	draw := func(_, _ int, _ float64) float64 { return scale * math.Abs(rng.NormFloat64()) }
	w.Apply(draw, w)
	h.Apply(draw, h)
	return w, h
}

func splitSigns(v []float64) (pos, neg []float64) {
	pos = make([]float64, len(v))
	neg = make([]float64, len(v))
	for i, x := range v {
		if x > 0 {
			pos[i] = x
		} else {
			neg[i] = -x
		}
	}
	return pos, neg
}

func norm2(v []float64) float64 {
	var s float64
	for _, x := range v {
		s += x * x
	}
	return math.Sqrt(s)
}
