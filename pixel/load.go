package pixel

import (
	"fmt"
	"image"
	"io"
	"os"

	_ "image/png"

	_ "golang.org/x/image/bmp"
)

// Decode reads a PNG or BMP image into a Frame.
func Decode(r io.Reader) (*Frame, error) {
	img, _, err := image.Decode(r)
	if err != nil {
		return nil, fmt.Errorf("pixel: decode: %w", err)
	}
	return FromImage(img), nil
}

// Load reads a PNG or BMP file into a Frame.
func Load(path string) (*Frame, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("pixel: open: %w", err)
	}
	defer f.Close()
	fr, err := Decode(f)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return fr, nil
}
