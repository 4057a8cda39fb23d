package slicer

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"wsipatch/internal/models"
)

// maskFromRows builds a mask from a picture where '#' is tissue.
func maskFromRows(rows ...string) *models.Mask {
	m := models.NewMask(len(rows), len(rows[0]))
	for r, line := range rows {
		for c, ch := range line {
			m.Set(r, c, ch == '#')
		}
	}
	return m
}

// render prints a label grid back as text, '.' for background.
func render(g *models.LabelGrid) string {
	var sb strings.Builder
	for r := 0; r < g.Rows; r++ {
		for c := 0; c < g.Cols; c++ {
			l := g.At(r, c)
			if l == models.Background {
				sb.WriteByte('.')
			} else {
				sb.WriteByte(byte('0' + l))
			}
		}
		sb.WriteByte('\n')
	}
	return sb.String()
}

func TestIndexMarksTissue(t *testing.T) {
	mask := maskFromRows(
		"#..",
		".#.",
	)
	grid := Index(mask)

	require.Equal(t, mask.Rows, grid.Rows)
	require.Equal(t, mask.Cols, grid.Cols)
	assert.Equal(t, []int{
		models.Unassigned, models.Background, models.Background,
		models.Background, models.Unassigned, models.Background,
	}, grid.Labels)
}

func TestAllBackground(t *testing.T) {
	mask := models.NewMask(4, 5)
	grid, n, slices := Slice(mask, Four, 1)

	assert.Equal(t, 0, n)
	assert.Empty(t, slices)
	for _, l := range grid.Labels {
		assert.Equal(t, models.Background, l)
	}
}

func TestSingleRegion(t *testing.T) {
	mask := maskFromRows(
		"......",
		".###..",
		".####.",
		"..##..",
		"......",
	)
	grid, n, slices := Slice(mask, Four, 5)

	require.Equal(t, 1, n)
	assert.Equal(t, models.SliceInfo{ID: 0, Size: 9, First: models.Cell{Row: 1, Col: 1}}, slices[0])
	for i, tissue := range mask.Cells {
		if tissue {
			assert.Equal(t, 0, grid.Labels[i])
		} else {
			assert.Equal(t, models.Background, grid.Labels[i])
		}
	}
}

func TestSmallComponentDropped(t *testing.T) {
	mask := maskFromRows(
		"##......",
		"##......",
		"....####",
		"....####",
	)
	grid, n, slices := Slice(mask, Four, 5)

	require.Equal(t, 1, n)
	assert.Equal(t, 8, slices[0].Size)
	assert.Equal(t,
		"........\n"+
			"........\n"+
			"....0000\n"+
			"....0000\n",
		render(grid))
}

func TestDiagonalConnectivity(t *testing.T) {
	rows := []string{
		"#...",
		".#..",
		"....",
		"...#",
	}

	grid4, n4, _ := Slice(maskFromRows(rows...), Four, 1)
	assert.Equal(t, 3, n4)
	assert.Equal(t, "0...\n.1..\n....\n...2\n", render(grid4))

	grid8, n8, _ := Slice(maskFromRows(rows...), Eight, 1)
	assert.Equal(t, 2, n8)
	assert.Equal(t, "0...\n.0..\n....\n...1\n", render(grid8))
}

func TestAntiDiagonalEightConnectivity(t *testing.T) {
	// The upper-right neighbour is only visited through the {-1, 1} offset.
	mask := maskFromRows(
		".#",
		"#.",
	)
	_, n, slices := Slice(mask, Eight, 1)
	require.Equal(t, 1, n)
	assert.Equal(t, 2, slices[0].Size)
	assert.Equal(t, models.Cell{Row: 0, Col: 1}, slices[0].First)
}

func TestRenumberingOrder(t *testing.T) {
	// A U-shape is discovered as two runs on the first row and must still be
	// one component, numbered before the later block.
	mask := maskFromRows(
		"#.#...",
		"#.#...",
		"###...",
		"......",
		"....##",
	)
	grid, n, slices := Slice(mask, Four, 2)

	require.Equal(t, 2, n)
	assert.Equal(t, 7, slices[0].Size)
	assert.Equal(t, 2, slices[1].Size)
	assert.Equal(t,
		"0.0...\n"+
			"0.0...\n"+
			"000...\n"+
			"......\n"+
			"....11\n",
		render(grid))
}

func TestLabelDeterministic(t *testing.T) {
	mask := maskFromRows(
		"##..#.##",
		"#...#..#",
		"..###...",
		"#.......",
		"##..####",
	)
	first, n1, _ := Slice(mask, Eight, 2)
	second, n2, _ := Slice(mask, Eight, 2)

	assert.Equal(t, n1, n2)
	assert.Equal(t, first.Labels, second.Labels)
}

func TestParseConnectivity(t *testing.T) {
	c, err := ParseConnectivity(8)
	require.NoError(t, err)
	assert.Equal(t, Eight, c)

	_, err = ParseConnectivity(6)
	assert.Error(t, err)
}
