package batch

import (
	"context"
	"errors"
	"fmt"
	"image"
	"io/fs"
	"log"
	"os"
	"path"
	"path/filepath"
	"sort"

	"github.com/disintegration/imaging"

	"wsipatch/pkg/slide"
	"wsipatch/pkg/stainnorm"
	"wsipatch/pkg/store"
)

// Transformer recolours one image.
type Transformer interface {
	Transform(img image.Image) (*image.NRGBA, error)
}

// NormalizeOptions controls NormalizeDirectory.
type NormalizeOptions struct {
	// Extensions of images to normalise, case-insensitive
	Extensions []string

	// StandardizeLuminosity stretches brightness before transforming
	StandardizeLuminosity bool

	// LuminosityPercentile is passed to stainnorm.StandardizeLuminosity
	LuminosityPercentile float64
}

// NormalizeDirectory walks every subdirectory of inputDir in name order and
// writes the transformed version of each image below it to st under the
// same relative path, so <inputDir>/<sub>/slice_0/patch_1_2.jpeg becomes key
// <sub>/slice_0/patch_1_2.jpeg.
func NormalizeDirectory(ctx context.Context, inputDir string, tr Transformer, st store.PatchStore, opts NormalizeOptions) (*Report, error) {
	entries, err := os.ReadDir(inputDir)
	if err != nil {
		return nil, fmt.Errorf("failed to read patch directory: %w", err)
	}
	exts := opts.Extensions
	if len(exts) == 0 {
		exts = []string{".jpeg", ".jpg"}
	}
	lumPercentile := opts.LuminosityPercentile
	if lumPercentile <= 0 {
		lumPercentile = 95
	}

	var dirs []string
	for _, e := range entries {
		if e.IsDir() {
			dirs = append(dirs, e.Name())
		}
	}
	sort.Strings(dirs)

	report := &Report{}
	for _, dir := range dirs {
		root := filepath.Join(inputDir, dir)
		images, err := findImages(root, exts)
		if err != nil {
			log.Printf("Error: failed to list %s: %v", root, err)
			report.fail(root, err)
			continue
		}
		fmt.Printf("%s: normalizing %d images\n", dir, len(images))

		for _, rel := range images {
			src := filepath.Join(root, filepath.FromSlash(rel))
			key := path.Join(dir, rel)
			if err := normalizeOne(ctx, src, key, tr, st, opts.StandardizeLuminosity, lumPercentile); err != nil {
				var ne *stainnorm.NumericalInstabilityError
				if errors.As(err, &ne) {
					log.Printf("Warning: stain decomposition did not converge for %s, skipping: %v", src, err)
				} else {
					log.Printf("Error: skipping %s: %v", src, err)
				}
				report.fail(src, err)
				continue
			}
			report.succeed(src)
		}
	}
	return report, nil
}

func normalizeOne(ctx context.Context, src, key string, tr Transformer, st store.PatchStore, standardize bool, percentile float64) error {
	img, err := imaging.Open(src)
	if err != nil {
		return fmt.Errorf("failed to read image: %w", err)
	}
	if standardize {
		img = stainnorm.StandardizeLuminosity(img, percentile)
	}
	out, err := tr.Transform(img)
	if err != nil {
		return err
	}
	if err := st.Put(ctx, key, out); err != nil {
		return fmt.Errorf("failed to write %s: %w", st.Location(key), err)
	}
	return nil
}

// findImages returns slash-separated paths relative to root of every file
// with one of exts, in lexical order.
func findImages(root string, exts []string) ([]string, error) {
	var out []string
	err := filepath.WalkDir(root, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() || !slide.HasExtension(p, exts) {
			return nil
		}
		rel, err := filepath.Rel(root, p)
		if err != nil {
			return err
		}
		out = append(out, filepath.ToSlash(rel))
		return nil
	})
	if err != nil {
		return nil, err
	}
	sort.Strings(out)
	return out, nil
}
