package batch

import (
	"context"
	"errors"
	"image"
	"image/color"
	"os"
	"path/filepath"
	"regexp"
	"testing"

	"github.com/disintegration/imaging"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/image/tiff"

	"wsipatch/pkg/extraction"
	"wsipatch/pkg/slicer"
	"wsipatch/pkg/stainnorm"
	"wsipatch/pkg/store"
	"wsipatch/pkg/tissue"
	"wsipatch/pkg/visualization"
)

func tissueSlide(w, h int, r image.Rectangle) *image.NRGBA {
	img := image.NewNRGBA(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			c := color.NRGBA{R: 255, G: 255, B: 255, A: 255}
			if image.Pt(x, y).In(r) {
				c = color.NRGBA{R: 190, G: 90, B: 160, A: 255}
			}
			img.SetNRGBA(x, y, c)
		}
	}
	return img
}

func writeTIFF(t *testing.T, path string, img image.Image) {
	t.Helper()
	f, err := os.Create(path)
	require.NoError(t, err)
	defer f.Close()
	require.NoError(t, tiff.Encode(f, img, nil))
}

func countFiles(t *testing.T, root string) int {
	t.Helper()
	n := 0
	err := filepath.Walk(root, func(_ string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		if !info.IsDir() {
			n++
		}
		return nil
	})
	require.NoError(t, err)
	return n
}

func TestExtractDirectoryIsolatesFailures(t *testing.T) {
	in := t.TempDir()
	out := t.TempDir()

	writeTIFF(t, filepath.Join(in, "a.tif"), tissueSlide(64, 64, image.Rect(16, 16, 48, 48)))
	require.NoError(t, os.WriteFile(filepath.Join(in, "b.tif"), []byte("truncated"), 0644))
	writeTIFF(t, filepath.Join(in, "c.TIFF"), tissueSlide(64, 48, image.Rect(0, 0, 48, 32)))
	require.NoError(t, os.WriteFile(filepath.Join(in, "notes.txt"), []byte("ignored"), 0644))
	require.NoError(t, os.Mkdir(filepath.Join(in, "d.svs"), 0755))

	params := &extraction.Params{
		PatchSize:      16,
		SliceMinPatch:  2,
		Connectivity:   slicer.Four,
		Aggregation:    tissue.AggregateAny,
		MaskCellPixels: 4,
	}
	ex := extraction.NewExtractor(params, store.NewFileStore(out, 75))

	report, err := ExtractDirectory(context.Background(), in, nil, ex)
	require.NoError(t, err)

	assert.Equal(t, []string{filepath.Join(in, "a.tif"), filepath.Join(in, "c.TIFF")}, report.Succeeded)
	require.Len(t, report.Failures, 1)
	assert.Equal(t, filepath.Join(in, "b.tif"), report.Failures[0].Item)
	assert.Error(t, report.Err())
	assert.Equal(t, "2 of 3 items processed, 1 failed", report.Summary())

	assert.Equal(t, 4, countFiles(t, filepath.Join(out, "a", "slice_0")))
	assert.Equal(t, 6, countFiles(t, filepath.Join(out, "c", "slice_0")))
	_, err = os.Stat(filepath.Join(out, "b"))
	assert.True(t, os.IsNotExist(err))
}

func TestExtractDirectoryMissing(t *testing.T) {
	_, err := ExtractDirectory(context.Background(), filepath.Join(t.TempDir(), "nope"), nil, nil)
	assert.Error(t, err)
}

// invertTransformer inverts colours and rejects 8-pixel-wide images as
// numerically unstable.
type invertTransformer struct{}

func (invertTransformer) Transform(img image.Image) (*image.NRGBA, error) {
	if img.Bounds().Dx() == 8 {
		return nil, &stainnorm.NumericalInstabilityError{Op: "test", Err: errors.New("no convergence")}
	}
	return imaging.Invert(img), nil
}

func saveJPEG(t *testing.T, path string, w, h int) {
	t.Helper()
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0755))
	img := imaging.New(w, h, color.NRGBA{R: 200, G: 120, B: 180, A: 255})
	require.NoError(t, imaging.Save(img, path))
}

func TestNormalizeDirectoryMirrorsTree(t *testing.T) {
	in := t.TempDir()
	out := t.TempDir()

	saveJPEG(t, filepath.Join(in, "s1", "slice_0", "patch_0_0.jpeg"), 16, 16)
	saveJPEG(t, filepath.Join(in, "s1", "slice_1", "patch_4_2.jpeg"), 16, 16)
	saveJPEG(t, filepath.Join(in, "s2", "slice_0", "patch_1_1.jpeg"), 8, 8)
	saveJPEG(t, filepath.Join(in, "s2", "slice_0", "patch_1_2.JPG"), 16, 16)
	require.NoError(t, os.WriteFile(filepath.Join(in, "s2", "slice_0", "broken.jpeg"), []byte("x"), 0644))
	require.NoError(t, os.WriteFile(filepath.Join(in, "readme.txt"), []byte("x"), 0644))

	report, err := NormalizeDirectory(context.Background(), in, invertTransformer{}, store.NewFileStore(out, 90), NormalizeOptions{})
	require.NoError(t, err)

	assert.Len(t, report.Succeeded, 3)
	require.Len(t, report.Failures, 2)
	assert.Equal(t, filepath.Join(in, "s2", "slice_0", "broken.jpeg"), report.Failures[0].Item)
	var ne *stainnorm.NumericalInstabilityError
	assert.True(t, errors.As(report.Failures[1].Err, &ne))

	for _, rel := range []string{
		"s1/slice_0/patch_0_0.jpeg",
		"s1/slice_1/patch_4_2.jpeg",
		"s2/slice_0/patch_1_2.JPG",
	} {
		_, err := os.Stat(filepath.Join(out, filepath.FromSlash(rel)))
		assert.NoError(t, err, rel)
	}
	_, err = os.Stat(filepath.Join(out, "s2", "slice_0", "patch_1_1.jpeg"))
	assert.True(t, os.IsNotExist(err))

	img, err := imaging.Open(filepath.Join(out, "s1", "slice_0", "patch_0_0.jpeg"))
	require.NoError(t, err)
	r, _, _, _ := img.At(4, 4).RGBA()
	assert.Less(t, r>>8, uint32(100))
}

func TestNormalizeDirectoryWithStandardization(t *testing.T) {
	in := t.TempDir()
	out := t.TempDir()
	saveJPEG(t, filepath.Join(in, "s1", "patch_0_0.jpeg"), 16, 16)

	report, err := NormalizeDirectory(context.Background(), in, invertTransformer{}, store.NewFileStore(out, 90),
		NormalizeOptions{StandardizeLuminosity: true, LuminosityPercentile: 95})
	require.NoError(t, err)
	assert.NoError(t, report.Err())
	assert.Equal(t, 1, report.Total())
}

// keyStore records the keys it is asked to store.
type keyStore struct {
	keys []string
}

func (s *keyStore) Put(_ context.Context, key string, _ image.Image) error {
	s.keys = append(s.keys, key)
	return nil
}

func (s *keyStore) Location(key string) string { return key }

func TestExtractThenNormalizeOnlySeesPatches(t *testing.T) {
	in := t.TempDir()
	patches := t.TempDir()
	debug := t.TempDir()

	writeTIFF(t, filepath.Join(in, "a.tif"), tissueSlide(64, 64, image.Rect(16, 16, 48, 48)))

	params := &extraction.Params{
		PatchSize:               16,
		SliceMinPatch:           2,
		Connectivity:            slicer.Four,
		Aggregation:             tissue.AggregateAny,
		MaskCellPixels:          4,
		SaveIntermediaryResults: true,
		IntermediaryDir:         debug,
	}
	ex := extraction.NewExtractor(params, store.NewFileStore(patches, 75))
	report, err := ExtractDirectory(context.Background(), in, nil, ex)
	require.NoError(t, err)
	require.NoError(t, report.Err())

	_, err = os.Stat(filepath.Join(debug, "a", visualization.ThumbnailFile))
	require.NoError(t, err)

	entries, err := os.ReadDir(patches)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "a", entries[0].Name())

	out := &keyStore{}
	report, err = NormalizeDirectory(context.Background(), patches, invertTransformer{}, out, NormalizeOptions{})
	require.NoError(t, err)
	require.NoError(t, report.Err())

	patchKey := regexp.MustCompile(`^a/slice_[0-9]+/patch_[0-9]+_[0-9]+\.jpeg$`)
	require.Len(t, out.keys, 4)
	for _, k := range out.keys {
		assert.Regexp(t, patchKey, k)
	}
}
