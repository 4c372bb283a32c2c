package pixel

import (
	"errors"
	"image"
	"strconv"
)

// ErrNotPureColor is returned by Color when the region is not uniform.
var ErrNotPureColor = errors.New("pixel: region is not a pure color")

// Color is one RGB pixel.
type Color struct {
	R, G, B uint8
}

var (
	Black = Color{0, 0, 0}
	White = Color{255, 255, 255}
)

// String formats the color as "R,G,B", the key format of the lookup tables.
func (c Color) String() string {
	b := make([]byte, 0, 11)
	b = strconv.AppendUint(b, uint64(c.R), 10)
	b = append(b, ',')
	b = strconv.AppendUint(b, uint64(c.G), 10)
	b = append(b, ',')
	b = strconv.AppendUint(b, uint64(c.B), 10)
	return string(b)
}

// Region is a rectangular read-only view into a Frame.
type Region struct {
	f *Frame
	r image.Rectangle
}

// Bounds returns the region rectangle in frame coordinates.
func (g Region) Bounds() image.Rectangle { return g.r }

// Len returns the number of pixels in the region.
func (g Region) Len() int { return g.r.Dx() * g.r.Dy() }

// IsPure reports whether every pixel equals the top-left pixel on all
// channels. An empty region is not pure.
func (g Region) IsPure() bool {
	if g.Len() == 0 {
		return false
	}
	first := g.f.At(g.r.Min.X, g.r.Min.Y)
	for y := g.r.Min.Y; y < g.r.Max.Y; y++ {
		for x := g.r.Min.X; x < g.r.Max.X; x++ {
			if g.f.At(x, y) != first {
				return false
			}
		}
	}
	return true
}

// Color returns the uniform color of a pure region.
func (g Region) Color() (Color, error) {
	if !g.IsPure() {
		return Color{}, ErrNotPureColor
	}
	return g.f.At(g.r.Min.X, g.r.Min.Y), nil
}

// IsBlack reports whether the region is pure black.
func (g Region) IsBlack() bool {
	c, err := g.Color()
	return err == nil && c == Black
}

// IsWhite reports whether the region is pure white.
func (g Region) IsWhite() bool {
	c, err := g.Color()
	return err == nil && c == White
}

// Mean returns the mean of all channel values, in [0,255].
func (g Region) Mean() float64 {
	n := g.Len()
	if n == 0 {
		return 0
	}
	var sum int
	for y := g.r.Min.Y; y < g.r.Max.Y; y++ {
		for x := g.r.Min.X; x < g.r.Max.X; x++ {
			c := g.f.At(x, y)
			sum += int(c.R) + int(c.G) + int(c.B)
		}
	}
	return float64(sum) / float64(n*3)
}

// Percent returns Mean scaled to [0,100].
func (g Region) Percent() float64 { return g.Mean() / 255 * 100 }

// Decimal returns Mean scaled to [0,1].
func (g Region) Decimal() float64 { return g.Mean() / 255 }

// Remaining decodes the region brightness as a duration in seconds.
func (g Region) Remaining() float64 { return Remaining(g.Mean()) }

// WhiteCount returns the number of pixels exactly equal to pure white.
func (g Region) WhiteCount() int {
	n := 0
	for y := g.r.Min.Y; y < g.r.Max.Y; y++ {
		for x := g.r.Min.X; x < g.r.Max.X; x++ {
			if g.f.At(x, y) == White {
				n++
			}
		}
	}
	return n
}

// Bytes returns a row-major RGB copy of the region.
func (g Region) Bytes() []byte {
	out := make([]byte, 0, g.Len()*3)
	for y := g.r.Min.Y; y < g.r.Max.Y; y++ {
		i := (y*g.f.w + g.r.Min.X) * 3
		out = append(out, g.f.pix[i:i+g.r.Dx()*3]...)
	}
	return out
}

// Sub returns the view of r expressed relative to the region origin.
func (g Region) Sub(r image.Rectangle) Region {
	return Region{f: g.f, r: r.Add(g.r.Min).Intersect(g.r)}
}
