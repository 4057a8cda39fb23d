package slide

import (
	"fmt"
	"image"
	"image/color"

	"github.com/disintegration/imaging"
	lru "github.com/hashicorp/golang-lru/v2"
)

// TileReadError reports a tile that could not be produced.
type TileReadError struct {
	Level int
	Col   int
	Row   int
	Err   error
}

func (e *TileReadError) Error() string {
	return fmt.Sprintf("tile level=%d col=%d row=%d: %v", e.Level, e.Col, e.Row, e.Err)
}

func (e *TileReadError) Unwrap() error { return e.Err }

type tileKey struct {
	level, col, row int
}

// DeepZoom is a tiling view over a slide. Level 0 is a single pixel and the
// last level, LevelCount()-1, is the base resolution. Every level halves the
// one above it, rounding up. Tiles are addressed in units of the tile size at
// their own level; tiles on the right and bottom edges are clipped to the
// image rather than padded.
//
// Slide bounds metadata is not consulted, so the view always covers the full
// base image.
type DeepZoom struct {
	slide    Slide
	tileSize int
	overlap  int

	// dims[l] is the pixel size of level l
	dims  []image.Point
	cache *lru.Cache[tileKey, image.Image]
}

// NewDeepZoom creates a tiling view with the given tile size and overlap.
// cacheSize is the number of tiles kept in memory; zero disables caching.
func NewDeepZoom(s Slide, tileSize, overlap, cacheSize int) (*DeepZoom, error) {
	if tileSize <= 0 {
		return nil, fmt.Errorf("tile size must be positive, got %d", tileSize)
	}
	if overlap < 0 {
		return nil, fmt.Errorf("overlap must not be negative, got %d", overlap)
	}

	w, h := s.Dimensions()
	size := image.Pt(w, h)
	dims := []image.Point{size}
	for size.X > 1 || size.Y > 1 {
		size = image.Pt(max(1, (size.X+1)/2), max(1, (size.Y+1)/2))
		dims = append(dims, size)
	}
	for i, j := 0, len(dims)-1; i < j; i, j = i+1, j-1 {
		dims[i], dims[j] = dims[j], dims[i]
	}

	dz := &DeepZoom{slide: s, tileSize: tileSize, overlap: overlap, dims: dims}
	if cacheSize > 0 {
		cache, err := lru.New[tileKey, image.Image](cacheSize)
		if err != nil {
			return nil, fmt.Errorf("init tile cache: %w", err)
		}
		dz.cache = cache
	}
	return dz, nil
}

// LevelCount returns the number of levels in the pyramid.
func (dz *DeepZoom) LevelCount() int {
	return len(dz.dims)
}

// LevelDimensions returns the pixel size of a level.
func (dz *DeepZoom) LevelDimensions(level int) (int, int) {
	d := dz.dims[level]
	return d.X, d.Y
}

// TileCount returns the number of tile columns and rows at a level.
func (dz *DeepZoom) TileCount(level int) (cols, rows int) {
	d := dz.dims[level]
	return (d.X + dz.tileSize - 1) / dz.tileSize, (d.Y + dz.tileSize - 1) / dz.tileSize
}

// TileBounds returns the region a tile covers in level coordinates,
// including overlap.
func (dz *DeepZoom) TileBounds(level, col, row int) image.Rectangle {
	cols, rows := dz.TileCount(level)
	d := dz.dims[level]

	x0 := col * dz.tileSize
	y0 := row * dz.tileSize
	x1 := x0 + dz.tileSize
	y1 := y0 + dz.tileSize
	if col > 0 {
		x0 -= dz.overlap
	}
	if row > 0 {
		y0 -= dz.overlap
	}
	if col < cols-1 {
		x1 += dz.overlap
	}
	if row < rows-1 {
		y1 += dz.overlap
	}
	return image.Rect(x0, y0, min(x1, d.X), min(y1, d.Y))
}

// GetTile returns the tile at (col, row) of a level.
func (dz *DeepZoom) GetTile(level, col, row int) (image.Image, error) {
	if level < 0 || level >= len(dz.dims) {
		return nil, &TileReadError{Level: level, Col: col, Row: row, Err: fmt.Errorf("level out of range [0, %d)", len(dz.dims))}
	}
	cols, rows := dz.TileCount(level)
	if col < 0 || row < 0 || col >= cols || row >= rows {
		return nil, &TileReadError{Level: level, Col: col, Row: row, Err: fmt.Errorf("address out of range %dx%d", cols, rows)}
	}

	key := tileKey{level, col, row}
	if dz.cache != nil {
		if tile, ok := dz.cache.Get(key); ok {
			return tile, nil
		}
	}

	tile, err := dz.readTile(level, col, row)
	if err != nil {
		return nil, &TileReadError{Level: level, Col: col, Row: row, Err: err}
	}
	if dz.cache != nil {
		dz.cache.Add(key, tile)
	}
	return tile, nil
}

// readTile crops full-resolution tiles from the slide. A lower-level tile
// is assembled from the tiles of the level above it, fetched through GetTile
// so that walking the pyramid downwards reuses cached tiles, and then halved.
func (dz *DeepZoom) readTile(level, col, row int) (image.Image, error) {
	r := dz.TileBounds(level, col, row)
	if level == len(dz.dims)-1 {
		return dz.slide.ReadRegion(r)
	}

	up := level + 1
	d := dz.dims[up]
	src := image.Rect(r.Min.X*2, r.Min.Y*2, r.Max.X*2, r.Max.Y*2).Intersect(image.Rect(0, 0, d.X, d.Y))
	canvas := imaging.New(src.Dx(), src.Dy(), color.Transparent)

	t := dz.tileSize
	for ty := src.Min.Y / t; ty*t < src.Max.Y; ty++ {
		for tx := src.Min.X / t; tx*t < src.Max.X; tx++ {
			tile, err := dz.GetTile(up, tx, ty)
			if err != nil {
				return nil, err
			}
			// Tile pixel (0, 0) is the top-left of its bounds, overlap included.
			origin := dz.TileBounds(up, tx, ty).Min
			core := image.Rect(tx*t, ty*t, (tx+1)*t, (ty+1)*t).Intersect(src)
			canvas = imaging.Paste(canvas, imaging.Crop(tile, core.Sub(origin)), core.Min.Sub(src.Min))
		}
	}
	return imaging.Resize(canvas, r.Dx(), r.Dy(), imaging.Box), nil
}
