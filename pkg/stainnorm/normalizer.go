// Package stainnorm maps the stain colours of H&E patches onto those of a
// reference patch. Stains are separated in optical density space into a
// haematoxylin and an eosin component (Vahadane-style sparse non-negative
// factorisation, initialised from the angular extremes of the data), the
// source concentrations are rescaled to the reference and recomposed with
// the reference stain colours.
package stainnorm

import (
	"fmt"
	"image"
	"math"
	"sort"

	"github.com/disintegration/imaging"
	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/stat"
)

// Options tunes stain estimation.
type Options struct {
	// LuminosityThreshold selects tissue pixels: luminance below it (0-1)
	LuminosityThreshold float64

	// Percentile (0-100] of concentrations treated as the maximum, and of
	// angles treated as the pure stain directions
	Percentile float64

	// Iterations of the sparse factorisation refinement; 0 disables it
	Iterations int

	// Sparsity is the L1 penalty on concentrations during refinement
	Sparsity float64

	// MaxPixels caps the number of tissue pixels used for estimation
	MaxPixels int
}

// DefaultOptions returns the settings used when nothing is configured.
func DefaultOptions() Options {
	return Options{
		LuminosityThreshold: 0.8,
		Percentile:          99,
		Iterations:          50,
		Sparsity:            0.01,
		MaxPixels:           20000,
	}
}

// Normalizer holds the reference stain matrix and concentration maxima
// learned by Fit.
type Normalizer struct {
	opts Options

	stains  *mat.Dense
	maxConc [2]float64
}

// NewNormalizer creates an unfitted normalizer.
func NewNormalizer(opts Options) *Normalizer {
	def := DefaultOptions()
	if opts.LuminosityThreshold <= 0 {
		opts.LuminosityThreshold = def.LuminosityThreshold
	}
	if opts.Percentile <= 0 || opts.Percentile > 100 {
		opts.Percentile = def.Percentile
	}
	if opts.Iterations < 0 {
		opts.Iterations = 0
	}
	return &Normalizer{opts: opts}
}

// Fit learns the stain matrix and concentration maxima of the reference
// image.
func (n *Normalizer) Fit(ref image.Image) error {
	stains, px, err := n.decompose(ref)
	if err != nil {
		return fmt.Errorf("fit reference: %w", err)
	}
	conc, err := concentrations(px.od, stains)
	if err != nil {
		return fmt.Errorf("fit reference: %w", err)
	}
	maxConc, err := maxConcentrations(conc, n.opts.Percentile)
	if err != nil {
		return fmt.Errorf("fit reference: %w", err)
	}

	n.stains = stains
	n.maxConc = maxConc
	return nil
}

// Fitted reports whether Fit has succeeded.
func (n *Normalizer) Fitted() bool {
	return n.stains != nil
}

// StainMatrix returns a copy of the fitted 2x3 reference stain matrix, or nil
// before Fit.
func (n *Normalizer) StainMatrix() *mat.Dense {
	if n.stains == nil {
		return nil
	}
	return mat.DenseCopyOf(n.stains)
}

// Transform returns img recoloured with the reference stains. Alpha is kept.
func (n *Normalizer) Transform(img image.Image) (*image.NRGBA, error) {
	if !n.Fitted() {
		return nil, ErrNotFitted
	}

	stains, px, err := n.decompose(img)
	if err != nil {
		return nil, err
	}
	conc, err := concentrations(px.od, stains)
	if err != nil {
		return nil, err
	}
	maxConc, err := maxConcentrations(conc, n.opts.Percentile)
	if err != nil {
		return nil, err
	}

	for k := 0; k < 2; k++ {
		f := n.maxConc[k] / maxConc[k]
		for i, rows := 0, conc.RawMatrix().Rows; i < rows; i++ {
			conc.Set(i, k, conc.At(i, k)*f)
		}
	}

	var od mat.Dense
	od.Mul(conc, n.stains)

	out := image.NewNRGBA(px.img.Bounds())
	for i, j := 0, 0; i < len(out.Pix); i, j = i+4, j+1 {
		row := od.RawRowView(j)
		for c := 0; c < 3; c++ {
			out.Pix[i+c] = clampByte(255 * math.Exp(-row[c]))
		}
		out.Pix[i+3] = px.img.Pix[i+3]
	}
	return out, nil
}

func (n *Normalizer) decompose(img image.Image) (*mat.Dense, *pixels, error) {
	px := newPixels(img)
	tissue := px.tissue(n.opts.LuminosityThreshold, n.opts.MaxPixels)
	if tissue == nil {
		return nil, nil, ErrNoTissue
	}
	stains, err := estimateStains(tissue, n.opts)
	if err != nil {
		return nil, nil, err
	}
	return stains, px, nil
}

// StandardizeLuminosity stretches the image so that the given percentile
// (0-100] of pixel luminance maps to white.
func StandardizeLuminosity(img image.Image, percentile float64) *image.NRGBA {
	src := imaging.Clone(img)
	lum := make([]float64, 0, len(src.Pix)/4)
	for i := 0; i < len(src.Pix); i += 4 {
		lum = append(lum, luma(src.Pix[i], src.Pix[i+1], src.Pix[i+2]))
	}
	if len(lum) == 0 {
		return src
	}
	sort.Float64s(lum)
	p := stat.Quantile(math.Min(percentile, 100)/100, stat.Empirical, lum, nil)
	if p <= 0 {
		return src
	}

	f := 1 / p
	for i := 0; i < len(src.Pix); i += 4 {
		for c := 0; c < 3; c++ {
			src.Pix[i+c] = clampByte(float64(src.Pix[i+c]) * f)
		}
	}
	return src
}

func clampByte(v float64) uint8 {
	switch {
	case v <= 0:
		return 0
	case v >= 255:
		return 255
	}
	return uint8(math.Round(v))
}
