package stainnorm

import (
	"image"
	"math"
	"sort"

	"github.com/disintegration/imaging"
	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/stat"
)

// minTissuePixels is the smallest sample a stain matrix is estimated from.
const minTissuePixels = 16

const eps = 1e-9

// opticalDensity converts an 8-bit intensity to optical density.
func opticalDensity(v uint8) float64 {
	return -math.Log(math.Max(float64(v), 1) / 255)
}

// luma returns the Rec. 601 luminance of an RGB triple in [0, 1].
func luma(r, g, b uint8) float64 {
	return (0.299*float64(r) + 0.587*float64(g) + 0.114*float64(b)) / 255
}

// pixels is the optical density of every pixel of an image, one row per
// pixel, plus the image it came from.
type pixels struct {
	img *image.NRGBA
	od  *mat.Dense
}

func newPixels(img image.Image) *pixels {
	src := imaging.Clone(img)
	n := src.Bounds().Dx() * src.Bounds().Dy()
	data := make([]float64, 0, n*3)
	for i := 0; i < len(src.Pix); i += 4 {
		data = append(data,
			opticalDensity(src.Pix[i]),
			opticalDensity(src.Pix[i+1]),
			opticalDensity(src.Pix[i+2]))
	}
	return &pixels{img: src, od: mat.NewDense(n, 3, data)}
}

// tissue returns the optical densities of pixels darker than threshold,
// keeping at most limit rows by taking every k-th one.
func (p *pixels) tissue(threshold float64, limit int) *mat.Dense {
	var rows []int
	for i, j := 0, 0; i < len(p.img.Pix); i, j = i+4, j+1 {
		if p.img.Pix[i+3] == 0 {
			continue
		}
		if luma(p.img.Pix[i], p.img.Pix[i+1], p.img.Pix[i+2]) < threshold {
			rows = append(rows, j)
		}
	}
	if len(rows) == 0 {
		return nil
	}

	step := 1
	if limit > 0 && len(rows) > limit {
		step = (len(rows) + limit - 1) / limit
	}
	n := (len(rows) + step - 1) / step
	out := mat.NewDense(n, 3, nil)
	for k := 0; k < n; k++ {
		out.SetRow(k, p.od.RawRowView(rows[k*step]))
	}
	return out
}

// estimateStains finds a 2x3 stain matrix (haematoxylin first, eosin second,
// unit rows) for the tissue optical densities in od. The initial estimate
// takes the extreme angles of the data inside the plane of its two main
// principal components; it is then refined by sparse non-negative
// factorisation.
func estimateStains(od *mat.Dense, opts Options) (*mat.Dense, error) {
	n, _ := od.Dims()
	if n < minTissuePixels {
		return nil, ErrNoTissue
	}

	cov := mat.NewSymDense(3, nil)
	stat.CovarianceMatrix(cov, od, nil)

	var es mat.EigenSym
	if ok := es.Factorize(cov, true); !ok {
		return nil, unstable("eigendecomposition", "optical density covariance did not converge")
	}
	var vecs mat.Dense
	es.VectorsTo(&vecs)

	// Eigenvalues are ascending; the stain plane is spanned by the last two.
	u1 := []float64{vecs.At(0, 2), vecs.At(1, 2), vecs.At(2, 2)}
	u2 := []float64{vecs.At(0, 1), vecs.At(1, 1), vecs.At(2, 1)}

	// Measure angles from the mean density so the data never straddles the
	// atan2 discontinuity.
	mean := make([]float64, 3)
	for j := 0; j < 3; j++ {
		mean[j] = stat.Mean(mat.Col(nil, j, od), nil)
	}
	e1 := add(scale(u1, dot(mean, u1)), scale(u2, dot(mean, u2)))
	if norm(e1) < eps {
		return nil, unstable("stain plane", "mean optical density is orthogonal to the stain plane")
	}
	e1 = normalize(e1)
	e2 := normalize(cross(cross(u1, u2), e1))

	phi := make([]float64, n)
	for i := 0; i < n; i++ {
		row := od.RawRowView(i)
		phi[i] = math.Atan2(dot(row, e2), dot(row, e1))
	}
	sort.Float64s(phi)
	lo := stat.Quantile(1-opts.Percentile/100, stat.Empirical, phi, nil)
	hi := stat.Quantile(opts.Percentile/100, stat.Empirical, phi, nil)

	s1 := add(scale(e1, math.Cos(lo)), scale(e2, math.Sin(lo)))
	s2 := add(scale(e1, math.Cos(hi)), scale(e2, math.Sin(hi)))

	stains := mat.NewDense(2, 3, nil)
	for k, s := range [][]float64{s1, s2} {
		for j := range s {
			s[j] = math.Max(s[j], 0)
		}
		if norm(s) < eps {
			return nil, unstable("stain estimate", "stain vector %d vanished", k)
		}
		stains.SetRow(k, normalize(s))
	}

	if opts.Iterations > 0 {
		if err := refineStains(stains, od, opts); err != nil {
			return nil, err
		}
	}
	orderStains(stains)
	return stains, nil
}

// refineStains runs multiplicative updates of the sparse factorisation
// od^T ~ W H with W = stains^T and an L1 penalty on the concentrations H.
func refineStains(stains, od *mat.Dense, opts Options) error {
	n, _ := od.Dims()

	v := mat.DenseCopyOf(od.T())     // 3 x n
	w := mat.DenseCopyOf(stains.T()) // 3 x 2

	conc, err := concentrations(od, stains)
	if err != nil {
		return err
	}
	h := mat.DenseCopyOf(conc.T()) // 2 x n
	h.Apply(func(_, _ int, x float64) float64 { return math.Max(x, eps) }, h)

	var wtv, wtw, wtwh, vht, hht, whht mat.Dense
	for it := 0; it < opts.Iterations; it++ {
		wtv.Mul(w.T(), v)
		wtw.Mul(w.T(), w)
		wtwh.Mul(&wtw, h)
		for i := 0; i < 2; i++ {
			for j := 0; j < n; j++ {
				h.Set(i, j, h.At(i, j)*wtv.At(i, j)/(wtwh.At(i, j)+opts.Sparsity+eps))
			}
		}

		vht.Mul(v, h.T())
		hht.Mul(h, h.T())
		whht.Mul(w, &hht)
		for i := 0; i < 3; i++ {
			for k := 0; k < 2; k++ {
				w.Set(i, k, w.At(i, k)*vht.At(i, k)/(whht.At(i, k)+eps))
			}
		}

		// Keep stain vectors at unit length, moving the scale into H.
		for k := 0; k < 2; k++ {
			col := mat.Col(nil, k, w)
			l := norm(col)
			if l < eps {
				return unstable("factorisation", "stain vector %d vanished after %d iterations", k, it+1)
			}
			for i := 0; i < 3; i++ {
				w.Set(i, k, col[i]/l)
			}
			for j := 0; j < n; j++ {
				h.Set(k, j, h.At(k, j)*l)
			}
		}
	}

	stains.Copy(w.T())
	return nil
}

// orderStains puts the stain with the larger red optical density first.
// Haematoxylin absorbs more red light than eosin.
func orderStains(stains *mat.Dense) {
	if stains.At(0, 0) < stains.At(1, 0) {
		a := mat.Row(nil, 0, stains)
		b := mat.Row(nil, 1, stains)
		stains.SetRow(0, b)
		stains.SetRow(1, a)
	}
}

// concentrations solves od ~ C * stains in the least-squares sense and clips
// negative concentrations to zero. The result has one row per pixel.
func concentrations(od, stains *mat.Dense) (*mat.Dense, error) {
	var sst mat.Dense
	sst.Mul(stains, stains.T())
	var inv mat.Dense
	if err := inv.Inverse(&sst); err != nil {
		return nil, &NumericalInstabilityError{Op: "concentration solve", Err: err}
	}
	var pinv mat.Dense
	pinv.Mul(stains.T(), &inv) // 3 x 2

	var c mat.Dense
	c.Mul(od, &pinv)
	c.Apply(func(_, _ int, x float64) float64 { return math.Max(x, 0) }, &c)
	return &c, nil
}

// maxConcentrations returns the given percentile of each concentration column.
func maxConcentrations(c *mat.Dense, percentile float64) ([2]float64, error) {
	var out [2]float64
	for k := 0; k < 2; k++ {
		col := mat.Col(nil, k, c)
		sort.Float64s(col)
		out[k] = stat.Quantile(percentile/100, stat.Empirical, col, nil)
		if out[k] < eps {
			return out, unstable("concentration percentile", "stain %d has no concentration", k)
		}
	}
	return out, nil
}

func dot(a, b []float64) float64 {
	return a[0]*b[0] + a[1]*b[1] + a[2]*b[2]
}

func norm(a []float64) float64 {
	return math.Sqrt(dot(a, a))
}

func scale(a []float64, s float64) []float64 {
	return []float64{a[0] * s, a[1] * s, a[2] * s}
}

func add(a, b []float64) []float64 {
	return []float64{a[0] + b[0], a[1] + b[1], a[2] + b[2]}
}

func normalize(a []float64) []float64 {
	return scale(a, 1/norm(a))
}

func cross(a, b []float64) []float64 {
	return []float64{
		a[1]*b[2] - a[2]*b[1],
		a[2]*b[0] - a[0]*b[2],
		a[0]*b[1] - a[1]*b[0],
	}
}
