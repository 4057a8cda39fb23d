// Package slide provides read access to whole-slide images and a DeepZoom
// style tiling view over them.
package slide

import (
	"errors"
	"fmt"
	"image"
	"os"
	"path/filepath"
	"strings"

	"github.com/disintegration/imaging"
	"golang.org/x/image/tiff"
)

// Extensions lists the slide file extensions accepted by default.
var Extensions = []string{".svs", ".tif", ".tiff", ".ndpi"}

// HasExtension reports whether path ends in one of exts, ignoring case.
func HasExtension(path string, exts []string) bool {
	ext := strings.ToLower(filepath.Ext(path))
	for _, e := range exts {
		if ext == strings.ToLower(e) {
			return true
		}
	}
	return false
}

// Slide is a read-only multi-resolution image.
type Slide interface {
	// Dimensions returns the base-level size in pixels.
	Dimensions() (width, height int)

	// Thumbnail returns the whole slide resampled to width x height.
	Thumbnail(width, height int) (image.Image, error)

	// ReadRegion returns base-level pixels inside r. The result is clipped
	// to the slide and its bounds start at (0, 0).
	ReadRegion(r image.Rectangle) (image.Image, error)

	// Close releases the slide.
	Close() error
}

// ResourceError reports a slide that cannot be opened or resampled.
type ResourceError struct {
	Path string
	Op   string
	Err  error
}

func (e *ResourceError) Error() string {
	return fmt.Sprintf("slide %s: %s: %v", e.Path, e.Op, e.Err)
}

func (e *ResourceError) Unwrap() error { return e.Err }

// ErrClosed is returned by operations on a closed slide.
var ErrClosed = errors.New("slide is closed")

// Open decodes the slide at path. TIFF-family files (.svs, .tif, .tiff,
// .ndpi) are decoded with the TIFF decoder, which reads the first image
// directory as the base level; anything else goes through the generic image
// decoders.
//
// Only uncompressed, LZW, Deflate, PackBits and CCITT TIFFs can be read, and the
// whole base level is held in memory. Scanner files with JPEG or JPEG 2000
// compressed tiles, as most .svs and .ndpi slides are, fail with a
// ResourceError.
func Open(path string) (Slide, error) {
	var (
		img image.Image
		err error
	)
	if HasExtension(path, Extensions) {
		img, err = decodeTIFF(path)
	} else {
		img, err = imaging.Open(path)
	}
	if err != nil {
		return nil, &ResourceError{Path: path, Op: "open", Err: err}
	}
	if b := img.Bounds(); b.Empty() {
		return nil, &ResourceError{Path: path, Op: "open", Err: errors.New("image has no pixels")}
	}
	return FromImage(path, img), nil
}

func decodeTIFF(path string) (image.Image, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return tiff.Decode(f)
}

// imageSlide serves a slide from a decoded base image.
type imageSlide struct {
	name   string
	img    image.Image
	width  int
	height int
	closed bool
}

// FromImage wraps an in-memory image as a Slide. name is used in errors.
func FromImage(name string, img image.Image) Slide {
	b := img.Bounds()
	return &imageSlide{name: name, img: img, width: b.Dx(), height: b.Dy()}
}

func (s *imageSlide) Dimensions() (int, int) {
	return s.width, s.height
}

func (s *imageSlide) Thumbnail(width, height int) (image.Image, error) {
	if s.closed {
		return nil, &ResourceError{Path: s.name, Op: "thumbnail", Err: ErrClosed}
	}
	if width <= 0 || height <= 0 {
		return nil, &ResourceError{Path: s.name, Op: "thumbnail", Err: fmt.Errorf("invalid size %dx%d", width, height)}
	}
	return imaging.Resize(s.img, width, height, imaging.Box), nil
}

func (s *imageSlide) ReadRegion(r image.Rectangle) (image.Image, error) {
	if s.closed {
		return nil, ErrClosed
	}
	b := s.img.Bounds()
	r = r.Add(b.Min).Intersect(b)
	if r.Empty() {
		return nil, fmt.Errorf("region %v is outside the slide", r)
	}
	return imaging.Crop(s.img, r), nil
}

func (s *imageSlide) Close() error {
	s.closed = true
	s.img = nil
	return nil
}
