package stainnorm

import (
	"errors"
	"image"
	"image/color"
	"math"
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var (
	refH = unit(0.65, 0.70, 0.29)
	refE = unit(0.07, 0.99, 0.11)
	srcH = unit(0.45, 0.80, 0.40)
	srcE = unit(0.10, 0.95, 0.30)
)

func unit(r, g, b float64) []float64 {
	return normalize([]float64{r, g, b})
}

// synthHE renders a patch from two stain vectors. The same seed always
// produces the same concentration pattern, scaled by gain.
func synthHE(h, e []float64, gain float64, seed int64) *image.NRGBA {
	const size = 64
	rng := rand.New(rand.NewSource(seed))
	img := image.NewNRGBA(image.Rect(0, 0, size, size))
	for y := 0; y < size; y++ {
		for x := 0; x < size; x++ {
			var ch, ce float64
			switch u := rng.Float64(); {
			case u < 0.1:
			case u < 0.5:
				ch, ce = 0.5+rng.Float64(), rng.Float64()*0.05
			case u < 0.9:
				ch, ce = rng.Float64()*0.05, 0.5+rng.Float64()
			default:
				ch, ce = 0.3+rng.Float64()*0.5, 0.3+rng.Float64()*0.5
			}
			ch *= gain
			ce *= gain
			var px [3]uint8
			for c := 0; c < 3; c++ {
				px[c] = clampByte(255 * math.Exp(-(ch*h[c] + ce*e[c])))
			}
			img.SetNRGBA(x, y, color.NRGBA{R: px[0], G: px[1], B: px[2], A: 255})
		}
	}
	return img
}

func meanAbsDiff(a, b *image.NRGBA) float64 {
	var sum float64
	for i := range a.Pix {
		if i%4 == 3 {
			continue
		}
		sum += math.Abs(float64(a.Pix[i]) - float64(b.Pix[i]))
	}
	return sum / float64(len(a.Pix)/4*3)
}

func TestFitRecoversStains(t *testing.T) {
	n := NewNormalizer(DefaultOptions())
	require.NoError(t, n.Fit(synthHE(refH, refE, 1, 1)))

	stains := n.StainMatrix()
	require.NotNil(t, stains)
	h := []float64{stains.At(0, 0), stains.At(0, 1), stains.At(0, 2)}
	e := []float64{stains.At(1, 0), stains.At(1, 1), stains.At(1, 2)}
	assert.Greater(t, dot(h, refH), 0.98)
	assert.Greater(t, dot(e, refE), 0.98)
}

func TestTransformMovesTowardsReference(t *testing.T) {
	ref := synthHE(refH, refE, 1, 7)
	src := synthHE(srcH, srcE, 1.3, 7)

	n := NewNormalizer(DefaultOptions())
	require.NoError(t, n.Fit(ref))

	out, err := n.Transform(src)
	require.NoError(t, err)
	require.Equal(t, src.Bounds(), out.Bounds())

	before := meanAbsDiff(src, ref)
	after := meanAbsDiff(out, ref)
	assert.Less(t, after, before*0.5, "before=%.2f after=%.2f", before, after)
}

func TestTransformReferenceIsStable(t *testing.T) {
	ref := synthHE(refH, refE, 1, 3)
	n := NewNormalizer(DefaultOptions())
	require.NoError(t, n.Fit(ref))

	out, err := n.Transform(ref)
	require.NoError(t, err)
	assert.Less(t, meanAbsDiff(out, ref), 8.0)
}

func TestTransformBeforeFit(t *testing.T) {
	n := NewNormalizer(Options{})
	assert.False(t, n.Fitted())
	assert.Nil(t, n.StainMatrix())

	_, err := n.Transform(synthHE(refH, refE, 1, 1))
	assert.ErrorIs(t, err, ErrNotFitted)
}

func TestFitBlankImage(t *testing.T) {
	blank := image.NewNRGBA(image.Rect(0, 0, 16, 16))
	for i := range blank.Pix {
		blank.Pix[i] = 255
	}
	err := NewNormalizer(DefaultOptions()).Fit(blank)
	assert.ErrorIs(t, err, ErrNoTissue)
}

func TestFitSingleColourIsUnstable(t *testing.T) {
	flat := image.NewNRGBA(image.Rect(0, 0, 16, 16))
	for i := 0; i < len(flat.Pix); i += 4 {
		flat.Pix[i], flat.Pix[i+1], flat.Pix[i+2], flat.Pix[i+3] = 150, 60, 120, 255
	}
	err := NewNormalizer(DefaultOptions()).Fit(flat)
	require.Error(t, err)
	var ne *NumericalInstabilityError
	assert.True(t, errors.As(err, &ne), "got %v", err)
}

func TestStandardizeLuminosity(t *testing.T) {
	img := image.NewNRGBA(image.Rect(0, 0, 2, 1))
	img.SetNRGBA(0, 0, color.NRGBA{R: 100, G: 100, B: 100, A: 255})
	img.SetNRGBA(1, 0, color.NRGBA{R: 204, G: 204, B: 204, A: 255})

	out := StandardizeLuminosity(img, 100)
	assert.Equal(t, color.NRGBA{R: 125, G: 125, B: 125, A: 255}, out.NRGBAAt(0, 0))
	assert.Equal(t, color.NRGBA{R: 255, G: 255, B: 255, A: 255}, out.NRGBAAt(1, 0))
	assert.Equal(t, uint8(100), img.NRGBAAt(0, 0).R)
}
