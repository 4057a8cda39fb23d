// Package tissue builds a coarse tissue mask for a whole-slide image by
// thresholding the saturation channel of a thumbnail with Otsu's method and
// aggregating the result onto the patch grid.
package tissue

import (
	"fmt"
	"image"

	"github.com/disintegration/imaging"

	"wsipatch/internal/models"
)

// Aggregation decides how the binarised thumbnail pixels inside one grid cell
// are reduced to a single tissue/background value.
type Aggregation string

const (
	// AggregateAny marks a cell as tissue when any of its pixels is tissue.
	// It keeps border patches and is the default.
	AggregateAny Aggregation = "any"

	// AggregateMajority marks a cell as tissue when strictly more than half
	// of its pixels are tissue.
	AggregateMajority Aggregation = "majority"
)

// ParseAggregation validates a configured aggregation policy.
func ParseAggregation(s string) (Aggregation, error) {
	switch Aggregation(s) {
	case AggregateAny, AggregateMajority:
		return Aggregation(s), nil
	case "":
		return AggregateAny, nil
	}
	return "", fmt.Errorf("invalid aggregation policy %q (must be %q or %q)", s, AggregateAny, AggregateMajority)
}

// Thumbnailer is the part of a slide the mask builder needs.
type Thumbnailer interface {
	// Dimensions returns the base-level size in pixels.
	Dimensions() (width, height int)

	// Thumbnail returns the whole slide resampled to width x height.
	Thumbnail(width, height int) (image.Image, error)
}

// Options controls mask construction.
type Options struct {
	// PatchSize is the edge length of one grid cell at base resolution
	PatchSize int

	// CellPixels is the number of thumbnail pixels along one cell edge.
	// Values above PatchSize are clamped.
	CellPixels int

	// Aggregation is the per-cell reduction policy
	Aggregation Aggregation
}

// Result holds the mask together with the intermediate images it was
// computed from.
type Result struct {
	Mask       *models.Mask
	Thumbnail  image.Image
	Saturation *image.Gray
	Histogram  [Levels]int
	Threshold  uint8
}

// GridSize returns the patch grid dimensions for a slide of the given size.
func GridSize(width, height, patchSize int) (rows, cols int) {
	return (height + patchSize - 1) / patchSize, (width + patchSize - 1) / patchSize
}

// BuildMask computes the tissue mask of a slide.
func BuildMask(s Thumbnailer, opts Options) (*Result, error) {
	if opts.PatchSize <= 0 {
		return nil, fmt.Errorf("patch size must be positive, got %d", opts.PatchSize)
	}
	cellPx := opts.CellPixels
	if cellPx <= 0 {
		cellPx = 1
	}
	if cellPx > opts.PatchSize {
		cellPx = opts.PatchSize
	}
	agg := opts.Aggregation
	if agg == "" {
		agg = AggregateAny
	}

	width, height := s.Dimensions()
	if width <= 0 || height <= 0 {
		return nil, fmt.Errorf("slide has empty dimensions %dx%d", width, height)
	}
	rows, cols := GridSize(width, height, opts.PatchSize)

	tw := max(1, (width*cellPx+opts.PatchSize/2)/opts.PatchSize)
	th := max(1, (height*cellPx+opts.PatchSize/2)/opts.PatchSize)
	thumb, err := s.Thumbnail(tw, th)
	if err != nil {
		return nil, fmt.Errorf("failed to build %dx%d thumbnail: %w", tw, th, err)
	}

	sat := Saturation(thumb)
	hist := Histogram(sat)
	threshold := OtsuThreshold(hist)

	// Use the thumbnail's real size in case the slide rounded differently.
	b := sat.Bounds()
	tw, th = b.Dx(), b.Dy()

	mask := models.NewMask(rows, cols)
	for r := 0; r < rows; r++ {
		y0, y1 := cellSpan(r, opts.PatchSize, height, th)
		for c := 0; c < cols; c++ {
			x0, x1 := cellSpan(c, opts.PatchSize, width, tw)

			tissue, total := 0, 0
			for y := y0; y < y1; y++ {
				for x := x0; x < x1; x++ {
					total++
					if sat.Pix[sat.PixOffset(b.Min.X+x, b.Min.Y+y)] > threshold {
						tissue++
					}
				}
			}

			switch agg {
			case AggregateMajority:
				mask.Set(r, c, 2*tissue > total)
			default:
				mask.Set(r, c, tissue > 0)
			}
		}
	}

	return &Result{
		Mask:       mask,
		Thumbnail:  thumb,
		Saturation: sat,
		Histogram:  hist,
		Threshold:  threshold,
	}, nil
}

// cellSpan maps grid index i to the half-open range of thumbnail pixels
// covering base pixels [i*patch, min((i+1)*patch, extent)). The range is never
// empty.
func cellSpan(i, patch, extent, thumbExtent int) (int, int) {
	lo := i * patch
	hi := min((i+1)*patch, extent)
	t0 := lo * thumbExtent / extent
	t1 := (hi*thumbExtent + extent - 1) / extent
	if t0 >= thumbExtent {
		t0 = thumbExtent - 1
	}
	if t1 <= t0 {
		t1 = t0 + 1
	}
	return t0, t1
}

// Saturation returns the HSV saturation of img scaled to 0-255. Fully
// transparent pixels have zero saturation.
func Saturation(img image.Image) *image.Gray {
	b := img.Bounds()
	src, ok := img.(*image.NRGBA)
	if !ok {
		src = imaging.Clone(img)
		b = src.Bounds()
	}

	out := image.NewGray(image.Rect(0, 0, b.Dx(), b.Dy()))
	for y := 0; y < b.Dy(); y++ {
		for x := 0; x < b.Dx(); x++ {
			i := src.PixOffset(b.Min.X+x, b.Min.Y+y)
			r, g, bl, a := src.Pix[i], src.Pix[i+1], src.Pix[i+2], src.Pix[i+3]
			if a == 0 {
				continue
			}
			hi := max(r, g, bl)
			lo := min(r, g, bl)
			if hi == 0 {
				continue
			}
			out.Pix[y*out.Stride+x] = uint8((int(hi-lo)*255 + int(hi)/2) / int(hi))
		}
	}
	return out
}
