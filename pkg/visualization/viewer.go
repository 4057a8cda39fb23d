// Package visualization renders the intermediate results of tissue detection
// so that masks and slice assignments can be checked by eye.
package visualization

import (
	"fmt"
	"image"
	"image/color"
	"io"
	"math"
	"os"
	"path/filepath"

	"github.com/disintegration/imaging"
	"github.com/wcharczuk/go-chart/v2"

	"wsipatch/internal/models"
	"wsipatch/pkg/tissue"
)

// File names written by SaveIntermediary.
const (
	ThumbnailFile  = "thumbnail.jpeg"
	SaturationFile = "saturation.png"
	MaskFile       = "mask.png"
	LabelsFile     = "labels.png"
	HistogramFile  = "saturation_histogram.png"
)

// MaskImage renders a tissue mask with one pixel per grid cell, tissue white.
func MaskImage(m *models.Mask) *image.Gray {
	img := image.NewGray(image.Rect(0, 0, m.Cols, m.Rows))
	for i, tissue := range m.Cells {
		if tissue {
			img.Pix[i] = 255
		}
	}
	return img
}

// LabelImage renders a label grid with one pixel per grid cell. Background is
// black and every slice ID gets its own colour; IDs beyond the palette size
// reuse colours.
func LabelImage(g *models.LabelGrid) *image.Paletted {
	img := image.NewPaletted(image.Rect(0, 0, g.Cols, g.Rows), labelPalette)
	for i, l := range g.Labels {
		if l < 0 {
			continue
		}
		img.Pix[i] = uint8(1 + l%(len(labelPalette)-1))
	}
	return img
}

var labelPalette = buildPalette(64)

// buildPalette spreads hues by the golden angle so neighbouring IDs differ.
func buildPalette(n int) color.Palette {
	p := color.Palette{color.Black}
	for i := 0; i < n; i++ {
		h := math.Mod(float64(i)*137.508, 360)
		p = append(p, hsv(h, 0.75, 0.95))
	}
	return p
}

func hsv(h, s, v float64) color.NRGBA {
	c := v * s
	x := c * (1 - math.Abs(math.Mod(h/60, 2)-1))
	m := v - c
	var r, g, b float64
	switch {
	case h < 60:
		r, g, b = c, x, 0
	case h < 120:
		r, g, b = x, c, 0
	case h < 180:
		r, g, b = 0, c, x
	case h < 240:
		r, g, b = 0, x, c
	case h < 300:
		r, g, b = x, 0, c
	default:
		r, g, b = c, 0, x
	}
	return color.NRGBA{
		R: uint8(math.Round((r + m) * 255)),
		G: uint8(math.Round((g + m) * 255)),
		B: uint8(math.Round((b + m) * 255)),
		A: 255,
	}
}

// HistogramChart draws the saturation histogram with the Otsu threshold
// marked and writes it as PNG.
func HistogramChart(hist [tissue.Levels]int, threshold uint8, w io.Writer) error {
	xs := make([]float64, tissue.Levels)
	ys := make([]float64, tissue.Levels)
	peak := 0.0
	for v, n := range hist {
		xs[v] = float64(v)
		ys[v] = float64(n)
		peak = math.Max(peak, ys[v])
	}
	if peak == 0 {
		return fmt.Errorf("histogram is empty")
	}

	graph := chart.Chart{
		Title: fmt.Sprintf("Saturation (Otsu threshold %d)", threshold),
		XAxis: chart.XAxis{Name: "Saturation"},
		YAxis: chart.YAxis{Name: "Pixels"},
		Series: []chart.Series{
			chart.ContinuousSeries{
				Name: "histogram",
				Style: chart.Style{
					StrokeColor: chart.ColorBlue,
					FillColor:   chart.ColorAlternateBlue,
				},
				XValues: xs,
				YValues: ys,
			},
			chart.ContinuousSeries{
				Name: "threshold",
				Style: chart.Style{
					StrokeColor:     chart.ColorRed,
					StrokeDashArray: []float64{5.0, 5.0},
				},
				XValues: []float64{float64(threshold), float64(threshold)},
				YValues: []float64{0, peak},
			},
		},
	}
	return graph.Render(chart.PNG, w)
}

// SaveImage writes img in the format implied by filename's extension.
func SaveImage(img image.Image, filename string) error {
	return imaging.Save(img, filename, imaging.JPEGQuality(90))
}

// SaveIntermediary writes the thumbnail, saturation channel, mask, label map
// and saturation histogram of one slide into dir.
func SaveIntermediary(dir string, res *tissue.Result, labels *models.LabelGrid) error {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return err
	}

	if res.Thumbnail != nil {
		if err := SaveImage(res.Thumbnail, filepath.Join(dir, ThumbnailFile)); err != nil {
			return fmt.Errorf("save thumbnail: %w", err)
		}
	}
	if res.Saturation != nil {
		if err := SaveImage(res.Saturation, filepath.Join(dir, SaturationFile)); err != nil {
			return fmt.Errorf("save saturation: %w", err)
		}
	}
	if err := SaveImage(MaskImage(res.Mask), filepath.Join(dir, MaskFile)); err != nil {
		return fmt.Errorf("save mask: %w", err)
	}
	if labels != nil {
		if err := SaveImage(LabelImage(labels), filepath.Join(dir, LabelsFile)); err != nil {
			return fmt.Errorf("save labels: %w", err)
		}
	}

	f, err := os.Create(filepath.Join(dir, HistogramFile))
	if err != nil {
		return fmt.Errorf("save histogram: %w", err)
	}
	if err := writeHistogram(f, res.Histogram, res.Threshold); err != nil {
		return fmt.Errorf("save histogram: %w", err)
	}
	return nil
}

// writeHistogram renders the chart into w and closes it. A failed close is
// reported like a failed write.
func writeHistogram(w io.WriteCloser, hist [tissue.Levels]int, threshold uint8) error {
	if err := HistogramChart(hist, threshold, w); err != nil {
		w.Close()
		return err
	}
	return w.Close()
}
