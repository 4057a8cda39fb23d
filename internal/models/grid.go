package models

import "fmt"

// Label values with special meaning in a LabelGrid.
const (
	// Background marks a cell with no tissue, or one whose component was filtered out.
	Background = -1

	// Unassigned marks a tissue cell that has not yet been given a slice ID.
	Unassigned = -2
)

// Mask is a coarse tissue mask with one boolean per patch-sized cell of the
// slide's base resolution. Cells are stored in row-major order.
type Mask struct {
	// Rows is the number of grid rows (ceil(slide height / patch size))
	Rows int

	// Cols is the number of grid columns (ceil(slide width / patch size))
	Cols int

	// Cells holds Rows*Cols values, true where the cell contains tissue
	Cells []bool
}

// NewMask allocates an all-background mask.
func NewMask(rows, cols int) *Mask {
	return &Mask{
		Rows:  rows,
		Cols:  cols,
		Cells: make([]bool, rows*cols),
	}
}

// At reports whether the cell at (row, col) is tissue.
func (m *Mask) At(row, col int) bool {
	return m.Cells[row*m.Cols+col]
}

// Set marks the cell at (row, col).
func (m *Mask) Set(row, col int, tissue bool) {
	m.Cells[row*m.Cols+col] = tissue
}

// Count returns the number of tissue cells.
func (m *Mask) Count() int {
	n := 0
	for _, c := range m.Cells {
		if c {
			n++
		}
	}
	return n
}

// LabelGrid assigns every grid cell either Background, Unassigned or a slice
// ID in [0, n_slice). It always has the same dimensions as the Mask it was
// derived from.
type LabelGrid struct {
	Rows   int
	Cols   int
	Labels []int
}

// NewLabelGrid allocates a grid filled with Background.
func NewLabelGrid(rows, cols int) *LabelGrid {
	labels := make([]int, rows*cols)
	for i := range labels {
		labels[i] = Background
	}
	return &LabelGrid{Rows: rows, Cols: cols, Labels: labels}
}

// At returns the label at (row, col).
func (g *LabelGrid) At(row, col int) int {
	return g.Labels[row*g.Cols+col]
}

// Set stores a label at (row, col).
func (g *LabelGrid) Set(row, col, label int) {
	g.Labels[row*g.Cols+col] = label
}

// Cells returns the grid addresses holding the given label in row-major order.
func (g *LabelGrid) Cells(label int) []Cell {
	var cells []Cell
	for i, l := range g.Labels {
		if l == label {
			cells = append(cells, Cell{Row: i / g.Cols, Col: i % g.Cols})
		}
	}
	return cells
}

// Cell is a (row, col) address in the patch grid.
type Cell struct {
	Row int
	Col int
}

// PixelOffset converts the cell address to the base-resolution pixel offset
// of its top-left corner.
func (c Cell) PixelOffset(patchSize int) (x, y int) {
	return c.Col * patchSize, c.Row * patchSize
}

// SliceInfo summarises one retained connected component.
type SliceInfo struct {
	// ID is the contiguous slice ID in [0, n_slice)
	ID int

	// Size is the number of grid cells in the slice
	Size int

	// First is the first cell of the slice in row-major scan order
	First Cell
}

// Patch identifies one extracted tile by slice and grid address.
type Patch struct {
	Slice int
	Cell
}

// FileName returns the on-disk name encoding the patch's (row, col).
func (p Patch) FileName() string {
	return fmt.Sprintf("patch_%d_%d.jpeg", p.Row, p.Col)
}

// Dir returns the per-slice directory name.
func (p Patch) Dir() string {
	return SliceDir(p.Slice)
}

// SliceDir returns the directory name used for slice id.
func SliceDir(id int) string {
	return fmt.Sprintf("slice_%d", id)
}
