// Package grid addresses blocks by grid coordinate and assembles the
// multi-cell readers of the protocol: meters, spell bars and aura lists.
package grid

import (
	"errors"
	"fmt"
	"image"

	"github.com/hazyhaar/pixeldump/palette"
	"github.com/hazyhaar/pixeldump/pixel"
)

// ErrDecodeBounds is matched by every BoundsError.
var ErrDecodeBounds = errors.New("grid: coordinate outside frame")

// BoundsError reports a grid access outside the frame. It means the layout
// and the captured region disagree.
type BoundsError struct {
	X, Y       int
	Cols, Rows int
}

func (e *BoundsError) Error() string {
	return fmt.Sprintf("grid: cell (%d,%d) outside %dx%d grid", e.X, e.Y, e.Cols, e.Rows)
}

func (e *BoundsError) Unwrap() error { return ErrDecodeBounds }

// Extractor reads cells from one frame.
type Extractor struct {
	frame    *pixel.Frame
	size     int
	resolver pixel.TitleResolver
	tables   *palette.Tables
}

// Option configures an Extractor.
type Option func(*Extractor)

// WithBlockSize overrides pixel.DefaultBlockSize.
func WithBlockSize(n int) Option { return func(e *Extractor) { e.size = n } }

// New returns an Extractor over frame. resolver may be nil, in which case
// titles are raw hashes. tables may be nil for empty tables.
func New(frame *pixel.Frame, resolver pixel.TitleResolver, tables *palette.Tables, opts ...Option) *Extractor {
	e := &Extractor{
		frame:    frame,
		size:     pixel.DefaultBlockSize,
		resolver: resolver,
		tables:   tables,
	}
	for _, o := range opts {
		o(e)
	}
	if e.tables == nil {
		e.tables = palette.Empty()
	}
	return e
}

// Cols returns the grid width in cells.
func (e *Extractor) Cols() int { return e.frame.Cols(e.size) }

// Rows returns the grid height in cells.
func (e *Extractor) Rows() int { return e.frame.Rows(e.size) }

// Block returns the cell at (gx, gy).
func (e *Extractor) Block(gx, gy int) (pixel.Block, error) {
	b, ok := e.frame.Block(gx, gy, e.size)
	if !ok {
		return pixel.Block{}, &BoundsError{X: gx, Y: gy, Cols: e.Cols(), Rows: e.Rows()}
	}
	return b, nil
}

// Check validates that the w×h cell rectangle at (left, top) lies inside the
// grid. It reports the first offending corner.
func (e *Extractor) Check(left, top, w, h int) error {
	if w <= 0 || h <= 0 {
		return nil
	}
	for _, p := range []image.Point{{left, top}, {left + w - 1, top + h - 1}} {
		if _, err := e.Block(p.X, p.Y); err != nil {
			return err
		}
	}
	return nil
}

// Title resolves the icon at (gx, gy).
func (e *Extractor) Title(gx, gy int) (string, error) {
	b, err := e.Block(gx, gy)
	if err != nil {
		return "", err
	}
	return b.Title(e.resolver), nil
}

// ReadProgressBar samples the two centre rows of length consecutive cells
// and returns the fraction of pure white pixels, in [0,1].
func (e *Extractor) ReadProgressBar(left, top, length int) (float64, error) {
	if err := e.Check(left, top, length, 1); err != nil {
		return 0, err
	}
	mid := e.size / 2
	band := image.Rect(0, mid-1, e.size, mid+1)
	var white, total int
	for x := left; x < left+length; x++ {
		b, _ := e.Block(x, top)
		r := b.Full().Sub(band)
		white += r.WhiteCount()
		total += r.Len()
	}
	if total == 0 {
		return 0, nil
	}
	return float64(white) / float64(total), nil
}
