package visualization

import (
	"bytes"
	"errors"
	"image"
	"image/color"
	"image/png"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"wsipatch/internal/models"
	"wsipatch/pkg/tissue"
)

func TestMaskImage(t *testing.T) {
	m := models.NewMask(2, 3)
	m.Set(0, 1, true)
	m.Set(1, 2, true)

	img := MaskImage(m)
	assert.Equal(t, image.Rect(0, 0, 3, 2), img.Bounds())
	assert.Equal(t, []uint8{0, 255, 0, 0, 0, 255}, img.Pix)
}

func TestLabelImage(t *testing.T) {
	g := models.NewLabelGrid(1, 4)
	g.Set(0, 1, 0)
	g.Set(0, 2, 1)
	g.Set(0, 3, 64)

	img := LabelImage(g)
	assert.Equal(t, uint8(0), img.Pix[0])
	assert.Equal(t, uint8(1), img.Pix[1])
	assert.Equal(t, uint8(2), img.Pix[2])
	assert.Equal(t, uint8(1), img.Pix[3])
	assert.NotEqual(t, img.Palette[1], img.Palette[2])
	assert.Equal(t, color.Color(color.Black), img.Palette[0])
}

func TestHistogramChart(t *testing.T) {
	var hist [tissue.Levels]int
	hist[0] = 900
	hist[120] = 100

	var buf bytes.Buffer
	require.NoError(t, HistogramChart(hist, 0, &buf))
	_, err := png.Decode(&buf)
	assert.NoError(t, err)

	var empty [tissue.Levels]int
	assert.Error(t, HistogramChart(empty, 0, &bytes.Buffer{}))
}

func TestSaveIntermediary(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "s1")

	m := models.NewMask(2, 2)
	m.Set(0, 0, true)
	var hist [tissue.Levels]int
	hist[0] = 3
	hist[200] = 1
	res := &tissue.Result{
		Mask:       m,
		Thumbnail:  image.NewNRGBA(image.Rect(0, 0, 8, 8)),
		Saturation: image.NewGray(image.Rect(0, 0, 8, 8)),
		Histogram:  hist,
	}
	labels := models.NewLabelGrid(2, 2)
	labels.Set(0, 0, 0)

	require.NoError(t, SaveIntermediary(dir, res, labels))
	for _, name := range []string{ThumbnailFile, SaturationFile, MaskFile, LabelsFile, HistogramFile} {
		_, err := os.Stat(filepath.Join(dir, name))
		assert.NoError(t, err, name)
	}
}

// closeFailer accepts writes and fails on Close, like a file whose buffered
// data cannot be flushed.
type closeFailer struct {
	bytes.Buffer
	closed bool
}

func (c *closeFailer) Close() error {
	c.closed = true
	return errors.New("disk full")
}

func TestWriteHistogramReportsCloseError(t *testing.T) {
	var hist [tissue.Levels]int
	hist[0] = 10
	hist[90] = 5

	w := &closeFailer{}
	err := writeHistogram(w, hist, 0)
	assert.EqualError(t, err, "disk full")
	assert.True(t, w.closed)
	assert.Positive(t, w.Len())

	w = &closeFailer{}
	var empty [tissue.Levels]int
	err = writeHistogram(w, empty, 0)
	assert.ErrorContains(t, err, "histogram is empty")
	assert.True(t, w.closed)
}
