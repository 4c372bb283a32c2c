package pixel

import (
	"fmt"
	"image"

	"github.com/zeebo/xxh3"
)

// Quadrant names one of the four 2×2 corner sub-blocks of a mixed cell.
type Quadrant int

const (
	TopLeft Quadrant = iota
	TopRight
	BottomLeft
	BottomRight
)

// TitleResolver maps a block's content hash to a human-readable title.
type TitleResolver interface {
	Title(hash string, middle, full []byte) string
}

// Block is one grid cell.
type Block struct {
	full Region
	size int
}

// BlockFromRaster builds a standalone block from a stored size×size RGB raster.
func BlockFromRaster(raster []byte, size int) (Block, error) {
	f, err := NewFrame(size, size, raster)
	if err != nil {
		return Block{}, err
	}
	b, _ := f.Block(0, 0, size)
	return b, nil
}

// Size returns the cell edge length in pixels.
func (b Block) Size() int { return b.size }

// Full returns the entire cell.
func (b Block) Full() Region { return b.full }

// Middle returns the cell inset by one pixel on every side.
func (b Block) Middle() Region {
	return b.full.Sub(image.Rect(1, 1, b.size-1, b.size-1))
}

// Inner returns the cell inset by a quarter of its size.
func (b Block) Inner() Region {
	q := b.size / 4
	return b.full.Sub(image.Rect(q, q, b.size-q, b.size-q))
}

// Quadrant returns one of the corner sub-blocks, placed just inside the
// one-pixel border.
func (b Block) Quadrant(q Quadrant) Region {
	n := b.size / 4
	far := b.size - 1 - n
	var p image.Point
	switch q {
	case TopLeft:
		p = image.Pt(1, 1)
	case TopRight:
		p = image.Pt(far, 1)
	case BottomLeft:
		p = image.Pt(1, far)
	case BottomRight:
		p = image.Pt(far, far)
	default:
		panic(fmt.Sprintf("pixel: unknown quadrant %d", q))
	}
	return b.full.Sub(image.Rectangle{Min: p, Max: p.Add(image.Pt(n, n))})
}

// Footnote returns the bottom-right corner region carrying a coarse category.
func (b Block) Footnote() Region {
	n := b.size / 4
	return b.full.Sub(image.Rect(b.size-n, b.size-n, b.size, b.size))
}

// IsPure reports whether the middle region is uniform.
func (b Block) IsPure() bool { return b.Middle().IsPure() }

// Color returns the uniform middle color, or ErrNotPureColor.
func (b Block) Color() (Color, error) { return b.Middle().Color() }

// ColorString returns the "R,G,B" key of a pure block, or "" otherwise.
func (b Block) ColorString() string {
	c, err := b.Color()
	if err != nil {
		return ""
	}
	return c.String()
}

// IsBlack reports whether the block is pure black.
func (b Block) IsBlack() bool { return b.Middle().IsBlack() }

// IsWhite reports whether the block is pure white.
func (b Block) IsWhite() bool { return b.Middle().IsWhite() }

// Mean returns the inner-region brightness.
func (b Block) Mean() float64 { return b.Inner().Mean() }

// Percent returns the inner-region brightness in [0,100].
func (b Block) Percent() float64 { return b.Inner().Percent() }

// Decimal returns the inner-region brightness in [0,1].
func (b Block) Decimal() float64 { return b.Inner().Decimal() }

// Remaining decodes the inner-region brightness as seconds.
func (b Block) Remaining() float64 { return b.Inner().Remaining() }

// WhiteCount counts pure white pixels in the middle region.
func (b Block) WhiteCount() int { return b.Middle().WhiteCount() }

// Count decodes the digit glyph drawn in the middle region. A flat block
// carries no glyph and reads as zero.
func (b Block) Count() int {
	if b.IsPure() {
		return 0
	}
	return DigitValue(b.WhiteCount())
}

// Hash fingerprints the middle region bytes.
func (b Block) Hash() string { return Hash(b.Middle().Bytes()) }

// Title resolves the block hash through r. With a nil resolver the hash is
// returned as is.
func (b Block) Title(r TitleResolver) string {
	middle := b.Middle().Bytes()
	h := Hash(middle)
	if r == nil {
		return h
	}
	return r.Title(h, middle, b.full.Bytes())
}

// Hash returns the XXH3-64 digest of raw, seed 0, as 16 lowercase hex digits.
func Hash(raw []byte) string {
	return fmt.Sprintf("%016x", xxh3.Hash(raw))
}

// MiddleOf extracts the middle-region bytes from a stored full raster.
func MiddleOf(full []byte, size int) ([]byte, error) {
	b, err := BlockFromRaster(full, size)
	if err != nil {
		return nil, err
	}
	return b.Middle().Bytes(), nil
}
