// Package pixel decodes the flat-colored blocks the addon renders on screen.
//
// A Frame is an immutable RGB capture. A Block is a square view into a Frame
// at a grid coordinate; its sub-regions (full, middle, inner, quadrants,
// footnote) each carry an independent signal. Nothing in this package writes
// to a Frame after construction.
package pixel

import (
	"errors"
	"fmt"
	"image"
	"image/draw"
)

// DefaultBlockSize is the edge length, in pixels, of one grid cell.
const DefaultBlockSize = 8

// ErrFrameSize is returned when a pixel buffer does not match its dimensions.
var ErrFrameSize = errors.New("pixel: buffer size does not match dimensions")

// Frame is a row-major RGB buffer, 3 bytes per pixel.
type Frame struct {
	w, h int
	pix  []byte
}

// NewFrame wraps pix as a w×h frame. The frame takes ownership of pix.
func NewFrame(w, h int, pix []byte) (*Frame, error) {
	if w < 0 || h < 0 || len(pix) != w*h*3 {
		return nil, fmt.Errorf("%w: %dx%d with %d bytes", ErrFrameSize, w, h, len(pix))
	}
	return &Frame{w: w, h: h, pix: pix}, nil
}

// FromImage converts any image to a Frame, dropping alpha.
func FromImage(img image.Image) *Frame {
	b := img.Bounds()
	w, h := b.Dx(), b.Dy()
	pix := make([]byte, w*h*3)

	rgba, ok := img.(*image.RGBA)
	if !ok {
		rgba = image.NewRGBA(image.Rect(0, 0, w, h))
		draw.Draw(rgba, rgba.Bounds(), img, b.Min, draw.Src)
	}

	for y := range h {
		src := rgba.Pix[y*rgba.Stride : y*rgba.Stride+w*4]
		dst := pix[y*w*3 : (y+1)*w*3]
		for x := range w {
			dst[x*3] = src[x*4]
			dst[x*3+1] = src[x*4+1]
			dst[x*3+2] = src[x*4+2]
		}
	}
	return &Frame{w: w, h: h, pix: pix}
}

// Width returns the frame width in pixels.
func (f *Frame) Width() int { return f.w }

// Height returns the frame height in pixels.
func (f *Frame) Height() int { return f.h }

// Bounds returns the frame rectangle anchored at the origin.
func (f *Frame) Bounds() image.Rectangle { return image.Rect(0, 0, f.w, f.h) }

// At returns the pixel at (x, y). The caller guarantees the coordinate is in
// bounds.
func (f *Frame) At(x, y int) Color {
	i := (y*f.w + x) * 3
	return Color{R: f.pix[i], G: f.pix[i+1], B: f.pix[i+2]}
}

// Crop copies r into a new frame. r must lie inside the frame.
func (f *Frame) Crop(r image.Rectangle) (*Frame, error) {
	if !r.In(f.Bounds()) || r.Empty() {
		return nil, fmt.Errorf("pixel: crop %v outside frame %v", r, f.Bounds())
	}
	out := make([]byte, 0, r.Dx()*r.Dy()*3)
	for y := r.Min.Y; y < r.Max.Y; y++ {
		i := (y*f.w + r.Min.X) * 3
		out = append(out, f.pix[i:i+r.Dx()*3]...)
	}
	return &Frame{w: r.Dx(), h: r.Dy(), pix: out}, nil
}

// Region returns a read-only view of r. r is clipped to the frame.
func (f *Frame) Region(r image.Rectangle) Region {
	return Region{f: f, r: r.Intersect(f.Bounds())}
}

// Cols returns how many whole cells of size fit horizontally.
func (f *Frame) Cols(size int) int { return f.w / size }

// Rows returns how many whole cells of size fit vertically.
func (f *Frame) Rows(size int) int { return f.h / size }

// Block returns the cell at grid coordinate (gx, gy). ok is false when the
// cell does not lie entirely inside the frame.
func (f *Frame) Block(gx, gy, size int) (b Block, ok bool) {
	if gx < 0 || gy < 0 || size <= 0 || gx >= f.Cols(size) || gy >= f.Rows(size) {
		return Block{}, false
	}
	r := image.Rect(gx*size, gy*size, (gx+1)*size, (gy+1)*size)
	return Block{full: Region{f: f, r: r}, size: size}, true
}
