package batch

import (
	"context"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"sort"

	"wsipatch/pkg/extraction"
	"wsipatch/pkg/slide"
)

// SlideExtractor processes one slide file.
type SlideExtractor interface {
	ExtractSlide(ctx context.Context, slidePath string) (*extraction.SlideResult, error)
}

// ExtractDirectory runs ex on every file in inputDir whose extension is in
// exts (case-insensitive), in name order. Subdirectories are not searched.
// The returned error is non-nil only if inputDir cannot be read.
func ExtractDirectory(ctx context.Context, inputDir string, exts []string, ex SlideExtractor) (*Report, error) {
	entries, err := os.ReadDir(inputDir)
	if err != nil {
		return nil, fmt.Errorf("failed to read slide directory: %w", err)
	}
	if len(exts) == 0 {
		exts = slide.Extensions
	}

	var names []string
	for _, e := range entries {
		if e.IsDir() || !slide.HasExtension(e.Name(), exts) {
			continue
		}
		names = append(names, e.Name())
	}
	sort.Strings(names)

	report := &Report{}
	for _, name := range names {
		path := filepath.Join(inputDir, name)
		fmt.Printf("--- Processing %s ---\n", name)

		res, err := ex.ExtractSlide(ctx, path)
		if err != nil {
			log.Printf("Error: failed to process %s: %v", name, err)
			report.fail(path, err)
			continue
		}

		report.succeed(path)
		fmt.Printf("--- Finished %s: %d slices, %d patches written, %d skipped ---\n",
			name, res.NSlice, res.PatchesWritten, res.PatchFailures)
	}
	return report, nil
}
