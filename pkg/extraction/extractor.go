// Package extraction drives patch extraction for one slide: it builds the
// tissue mask, groups tissue cells into slices and writes one image per
// (slice, patch) through a PatchStore.
package extraction

import (
	"context"
	"fmt"
	"log"
	"path"
	"path/filepath"
	"strings"

	"wsipatch/internal/models"
	"wsipatch/pkg/slicer"
	"wsipatch/pkg/slide"
	"wsipatch/pkg/store"
	"wsipatch/pkg/tissue"
	"wsipatch/pkg/visualization"
)

// Params holds the extraction parameters.
type Params struct {
	// PatchSize is the edge length of one patch in base-resolution pixels.
	PatchSize int

	// SliceMinPatch is the smallest number of patches a connected tissue
	// region needs to be kept as a slice.
	SliceMinPatch int

	// Connectivity decides whether diagonal neighbours join a slice.
	Connectivity slicer.Connectivity

	// Aggregation is the per-cell mask policy.
	Aggregation tissue.Aggregation

	// MaskCellPixels is the thumbnail resolution per patch edge.
	MaskCellPixels int

	// TileCacheSize is the number of tiles kept by the tiling view.
	TileCacheSize int

	// SaveIntermediaryResults writes the thumbnail, mask, label map and
	// saturation histogram of each slide below IntermediaryDir.
	SaveIntermediaryResults bool
	IntermediaryDir         string

	// Verbose enables progress output.
	Verbose bool
}

// SlideResult summarises the extraction of one slide.
type SlideResult struct {
	Name           string
	NSlice         int
	Slices         []models.SliceInfo
	PatchesWritten int
	PatchFailures  int
}

// Extractor writes tissue patches of slides to a store.
type Extractor struct {
	params *Params
	store  store.PatchStore

	// open is slide.Open; replaced in tests
	open func(path string) (slide.Slide, error)
}

// NewExtractor creates an extractor writing to st.
func NewExtractor(params *Params, st store.PatchStore) *Extractor {
	return &Extractor{
		params: params,
		store:  st,
		open:   slide.Open,
	}
}

// SlideName returns the output directory name for a slide file: its base
// name without extension.
func SlideName(slidePath string) string {
	base := filepath.Base(slidePath)
	return strings.TrimSuffix(base, filepath.Ext(base))
}

// ExtractSlide opens the slide at slidePath, extracts its patches under
// SlideName(slidePath) and releases the slide before returning.
func (e *Extractor) ExtractSlide(ctx context.Context, slidePath string) (*SlideResult, error) {
	s, err := e.open(slidePath)
	if err != nil {
		return nil, err
	}
	defer s.Close()

	return e.Process(ctx, SlideName(slidePath), s)
}

// Process runs mask building, slicing and patch writing for an open slide.
func (e *Extractor) Process(ctx context.Context, name string, s slide.Slide) (*SlideResult, error) {
	p := e.params

	mask, err := tissue.BuildMask(s, tissue.Options{
		PatchSize:   p.PatchSize,
		CellPixels:  p.MaskCellPixels,
		Aggregation: p.Aggregation,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to build tissue mask: %w", err)
	}

	grid, nSlice, slices := slicer.Slice(mask.Mask, p.Connectivity, p.SliceMinPatch)
	if p.Verbose {
		fmt.Printf("%s: %d tissue cells of %dx%d, Otsu threshold %d, %d slices\n",
			name, mask.Mask.Count(), mask.Mask.Rows, mask.Mask.Cols, mask.Threshold, nSlice)
	}

	if p.SaveIntermediaryResults {
		dir := filepath.Join(p.IntermediaryDir, name)
		if err := visualization.SaveIntermediary(dir, mask, grid); err != nil {
			log.Printf("Warning: failed to save intermediary results for %s: %v", name, err)
		}
	}

	result := &SlideResult{Name: name, NSlice: nSlice, Slices: slices}
	if nSlice == 0 {
		fmt.Printf("%s: no tissue slices found\n", name)
		return result, nil
	}

	written, failed, err := e.WritePatches(ctx, name, s, grid, nSlice)
	result.PatchesWritten = written
	result.PatchFailures = failed
	return result, err
}

// WritePatches stores every labelled cell of grid as
// <name>/slice_<id>/patch_<row>_<col>.jpeg. The tile for cell (row, col) is
// the base-level region at (col*PatchSize, row*PatchSize). A patch that
// cannot be read or stored is logged and skipped.
func (e *Extractor) WritePatches(ctx context.Context, name string, s slide.Slide, grid *models.LabelGrid, nSlice int) (written, failed int, err error) {
	tiles, err := slide.NewDeepZoom(s, e.params.PatchSize, 0, e.params.TileCacheSize)
	if err != nil {
		return 0, 0, err
	}
	level := tiles.LevelCount() - 1

	// Collect cells per slice in one pass over the grid.
	cells := make([][]models.Cell, nSlice)
	for i, l := range grid.Labels {
		if l < 0 {
			continue
		}
		if l >= nSlice {
			return 0, 0, fmt.Errorf("label %d out of range [0, %d)", l, nSlice)
		}
		cells[l] = append(cells[l], models.Cell{Row: i / grid.Cols, Col: i % grid.Cols})
	}

	for id := 0; id < nSlice; id++ {
		if e.params.Verbose {
			fmt.Printf("--- Saving patches for slice %d/%d (%d patches) ---\n", id+1, nSlice, len(cells[id]))
		}
		sliceDir := path.Join(name, models.SliceDir(id))
		if p, ok := e.store.(store.Preparer); ok {
			if err := p.Prepare(ctx, sliceDir); err != nil {
				return written, failed, fmt.Errorf("failed to prepare %s: %w", sliceDir, err)
			}
		}

		for _, c := range cells[id] {
			patch := models.Patch{Slice: id, Cell: c}
			tile, err := tiles.GetTile(level, c.Col, c.Row)
			if err != nil {
				log.Printf("Warning: failed to read patch (%d, %d) of %s: %v", c.Row, c.Col, name, err)
				failed++
				continue
			}
			key := path.Join(sliceDir, patch.FileName())
			if err := e.store.Put(ctx, key, tile); err != nil {
				log.Printf("Warning: failed to save patch (%d, %d) of %s: %v", c.Row, c.Col, name, err)
				failed++
				continue
			}
			written++
		}
	}

	return written, failed, nil
}
