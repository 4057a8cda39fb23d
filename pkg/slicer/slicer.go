// Package slicer groups tissue cells of a patch grid into connected
// components ("slices"), drops components that are too small to be a real
// tissue fragment, and numbers the survivors contiguously from 0.
package slicer

import (
	"fmt"

	"wsipatch/internal/models"
)

// Connectivity selects which neighbouring cells join a component.
type Connectivity int

const (
	// Four joins cells that share an edge (up, down, left, right).
	Four Connectivity = 4

	// Eight additionally joins cells that touch only at a corner.
	Eight Connectivity = 8
)

// ParseConnectivity converts a configured neighbourhood size to a Connectivity.
func ParseConnectivity(n int) (Connectivity, error) {
	switch Connectivity(n) {
	case Four, Eight:
		return Connectivity(n), nil
	}
	return 0, fmt.Errorf("invalid connectivity %d (must be 4 or 8)", n)
}

// offsets returns the already-visited neighbours of a cell during a
// row-major scan. Only these need to be unioned with the current cell.
func (c Connectivity) offsets() [][2]int {
	if c == Eight {
		return [][2]int{{0, -1}, {-1, -1}, {-1, 0}, {-1, 1}}
	}
	return [][2]int{{0, -1}, {-1, 0}}
}

// Index builds the staging label grid for a mask: tissue cells are marked
// Unassigned and everything else is Background.
func Index(mask *models.Mask) *models.LabelGrid {
	grid := models.NewLabelGrid(mask.Rows, mask.Cols)
	for i, tissue := range mask.Cells {
		if tissue {
			grid.Labels[i] = models.Unassigned
		}
	}
	return grid
}

// Label assigns final slice IDs in place. Every Unassigned cell is grouped
// with its neighbours under the given connectivity; components with fewer
// than minPatches cells are reset to Background and the rest are numbered in
// order of their first cell in a row-major scan. It returns n_slice and a
// summary of each retained slice.
//
// An n_slice of zero means no tissue was found and is not an error.
func Label(grid *models.LabelGrid, conn Connectivity, minPatches int) (int, []models.SliceInfo) {
	rows, cols := grid.Rows, grid.Cols
	uf := newUnionFind(rows * cols)

	for r := 0; r < rows; r++ {
		for c := 0; c < cols; c++ {
			idx := r*cols + c
			if grid.Labels[idx] != models.Unassigned {
				continue
			}
			for _, off := range conn.offsets() {
				nr, nc := r+off[0], c+off[1]
				if nr < 0 || nc < 0 || nc >= cols {
					continue
				}
				nidx := nr*cols + nc
				if grid.Labels[nidx] == models.Unassigned {
					uf.union(idx, nidx)
				}
			}
		}
	}

	// Component sizes and first-seen order, keyed by root.
	size := make(map[int]int)
	first := make(map[int]int)
	var order []int
	for idx, l := range grid.Labels {
		if l != models.Unassigned {
			continue
		}
		root := uf.find(idx)
		if _, seen := size[root]; !seen {
			order = append(order, root)
			first[root] = idx
		}
		size[root]++
	}

	final := make(map[int]int, len(order))
	var slices []models.SliceInfo
	for _, root := range order {
		if size[root] < minPatches {
			continue
		}
		id := len(slices)
		final[root] = id
		slices = append(slices, models.SliceInfo{
			ID:    id,
			Size:  size[root],
			First: models.Cell{Row: first[root] / cols, Col: first[root] % cols},
		})
	}

	for idx, l := range grid.Labels {
		if l != models.Unassigned {
			continue
		}
		if id, ok := final[uf.find(idx)]; ok {
			grid.Labels[idx] = id
		} else {
			grid.Labels[idx] = models.Background
		}
	}

	return len(slices), slices
}

// Slice runs Index and Label on a mask and returns the final label grid.
func Slice(mask *models.Mask, conn Connectivity, minPatches int) (*models.LabelGrid, int, []models.SliceInfo) {
	grid := Index(mask)
	n, slices := Label(grid, conn, minPatches)
	return grid, n, slices
}
