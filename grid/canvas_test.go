package grid

import (
	"testing"

	"github.com/hazyhaar/pixeldump/pixel"
)

const cell = pixel.DefaultBlockSize

// canvas paints protocol cells into a black RGB buffer.
type canvas struct {
	w, h int
	pix  []byte
}

func newCanvas(cols, rows int) *canvas {
	w, h := cols*cell, rows*cell
	return &canvas{w: w, h: h, pix: make([]byte, w*h*3)}
}

func (c *canvas) set(x, y int, col pixel.Color) {
	i := (y*c.w + x) * 3
	c.pix[i], c.pix[i+1], c.pix[i+2] = col.R, col.G, col.B
}

func (c *canvas) rect(x0, y0, x1, y1 int, col pixel.Color) {
	for y := y0; y < y1; y++ {
		for x := x0; x < x1; x++ {
			c.set(x, y, col)
		}
	}
}

func (c *canvas) fill(gx, gy int, col pixel.Color) {
	c.rect(gx*cell, gy*cell, (gx+1)*cell, (gy+1)*cell, col)
}

var quadOrigin = map[pixel.Quadrant][2]int{
	pixel.TopLeft:     {1, 1},
	pixel.TopRight:    {5, 1},
	pixel.BottomLeft:  {1, 5},
	pixel.BottomRight: {5, 5},
}

func (c *canvas) quad(gx, gy int, q pixel.Quadrant, col pixel.Color) {
	o := quadOrigin[q]
	x, y := gx*cell+o[0], gy*cell+o[1]
	c.rect(x, y, x+2, y+2, col)
}

// glyph draws n white pixels into the middle region of a black cell.
func (c *canvas) glyph(gx, gy, n int) {
	c.fill(gx, gy, pixel.Black)
	for i := range n {
		c.set(gx*cell+1+i%6, gy*cell+1+i/6, pixel.White)
	}
}

// icon paints a non-uniform pattern unique to seed.
func (c *canvas) icon(gx, gy int, seed uint8) {
	for y := range cell {
		for x := range cell {
			c.set(gx*cell+x, gy*cell+y, pixel.Color{R: seed, G: uint8(x * 30), B: uint8(y * 30)})
		}
	}
}

func (c *canvas) frame(t *testing.T) *pixel.Frame {
	t.Helper()
	f, err := pixel.NewFrame(c.w, c.h, c.pix)
	if err != nil {
		t.Fatal(err)
	}
	return f
}

func gray(v uint8) pixel.Color { return pixel.Color{R: v, G: v, B: v} }
