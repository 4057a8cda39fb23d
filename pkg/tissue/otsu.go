package tissue

import (
	"image"

	"gonum.org/v1/gonum/stat"
)

// Levels is the number of histogram bins for 8-bit channels.
const Levels = 256

// Histogram counts the pixel values of an 8-bit single-channel image.
func Histogram(img *image.Gray) [Levels]int {
	var hist [Levels]int
	b := img.Bounds()
	for y := b.Min.Y; y < b.Max.Y; y++ {
		row := img.Pix[img.PixOffset(b.Min.X, y):img.PixOffset(b.Max.X, y)]
		for _, v := range row {
			hist[v]++
		}
	}
	return hist
}

// OtsuThreshold picks the threshold t that maximises the between-class
// variance of the two populations {v <= t} and {v > t}. Ties keep the lowest
// t. A histogram with a single occupied bin returns that bin's value, so
// nothing lies above the threshold.
//
// https://en.wikipedia.org/wiki/Otsu%27s_method
func OtsuThreshold(hist [Levels]int) uint8 {
	values := make([]float64, Levels)
	weights := make([]float64, Levels)
	var total float64
	last := 0
	for v, n := range hist {
		values[v] = float64(v)
		weights[v] = float64(n)
		total += float64(n)
		if n > 0 {
			last = v
		}
	}
	if total == 0 {
		return 0
	}

	var (
		best     = uint8(last)
		bestVar  = -1.0
		lowCount float64
	)
	for t := 0; t < Levels-1; t++ {
		lowCount += weights[t]
		highCount := total - lowCount
		if lowCount == 0 || highCount == 0 {
			continue
		}

		lowMean := stat.Mean(values[:t+1], weights[:t+1])
		highMean := stat.Mean(values[t+1:], weights[t+1:])

		w0 := lowCount / total
		w1 := highCount / total
		between := w0 * w1 * (lowMean - highMean) * (lowMean - highMean)
		if between > bestVar {
			bestVar = between
			best = uint8(t)
		}
	}
	return best
}
