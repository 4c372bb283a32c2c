// Package anchor finds the data region inside a full screen capture.
//
// The addon draws the same small marker at two opposite corners of its
// grid. Locate finds both by normalized cross-correlation and returns their
// union box, which must be a whole number of cells in both axes.
package anchor

import (
	"errors"
	"fmt"
	"image"
	"math"
	"sort"

	"github.com/hazyhaar/pixeldump/pixel"
)

// Calibration failure reasons.
const (
	ReasonMarkerCount = "marker count mismatch"
	ReasonMisaligned  = "misaligned region"
)

// DefaultThreshold rejects near misses from game art.
const DefaultThreshold = 0.999

// ErrCalibration is matched by every CalibrationError.
var ErrCalibration = errors.New("anchor: calibration failed")

// CalibrationError reports why a capture could not be calibrated.
type CalibrationError struct {
	Reason  string
	Matches []image.Point
	Region  image.Rectangle
}

func (e *CalibrationError) Error() string {
	switch e.Reason {
	case ReasonMarkerCount:
		return fmt.Sprintf("anchor: %s: found %d, want 2", e.Reason, len(e.Matches))
	case ReasonMisaligned:
		return fmt.Sprintf("anchor: %s: %dx%d", e.Reason, e.Region.Dx(), e.Region.Dy())
	}
	return "anchor: " + e.Reason
}

func (e *CalibrationError) Unwrap() error { return ErrCalibration }

// Marker is a template prepared for correlation.
type Marker struct {
	w, h int
	// dev holds template values minus their per-channel mean.
	dev  []float64
	raw  []byte
	norm float64
}

// NewMarker prepares f as a template.
func NewMarker(f *pixel.Frame) (*Marker, error) {
	if f.Width() == 0 || f.Height() == 0 {
		return nil, errors.New("anchor: empty marker")
	}
	raw := f.Region(f.Bounds()).Bytes()
	m := &Marker{w: f.Width(), h: f.Height(), raw: raw, dev: make([]float64, len(raw))}

	var mean [3]float64
	for i, v := range raw {
		mean[i%3] += float64(v)
	}
	n := float64(m.w * m.h)
	for c := range mean {
		mean[c] /= n
	}
	var ss float64
	for i, v := range raw {
		d := float64(v) - mean[i%3]
		m.dev[i] = d
		ss += d * d
	}
	m.norm = math.Sqrt(ss)
	return m, nil
}

// LoadMarker reads a PNG or BMP marker asset.
func LoadMarker(path string) (*Marker, error) {
	f, err := pixel.Load(path)
	if err != nil {
		return nil, fmt.Errorf("anchor: load marker: %w", err)
	}
	return NewMarker(f)
}

// Size returns the marker dimensions.
func (m *Marker) Size() image.Point { return image.Pt(m.w, m.h) }

type options struct {
	threshold float64
	blockSize int
	search    image.Rectangle
}

// Option tunes Locate.
type Option func(*options)

// WithThreshold overrides DefaultThreshold.
func WithThreshold(v float64) Option { return func(o *options) { o.threshold = v } }

// WithBlockSize overrides pixel.DefaultBlockSize for the alignment check.
func WithBlockSize(n int) Option { return func(o *options) { o.blockSize = n } }

// WithSearch restricts matching to r.
func WithSearch(r image.Rectangle) Option { return func(o *options) { o.search = r } }

// Locate returns the data region bounded by exactly two marker occurrences.
func Locate(frame *pixel.Frame, m *Marker, opts ...Option) (image.Rectangle, error) {
	o := options{threshold: DefaultThreshold, blockSize: pixel.DefaultBlockSize}
	for _, fn := range opts {
		fn(&o)
	}

	matches := Match(frame, m, o.threshold, o.search)
	if len(matches) != 2 {
		return image.Rectangle{}, &CalibrationError{Reason: ReasonMarkerCount, Matches: matches}
	}

	size := m.Size()
	region := image.Rectangle{Min: matches[0], Max: matches[0].Add(size)}.
		Union(image.Rectangle{Min: matches[1], Max: matches[1].Add(size)})
	if region.Dx()%o.blockSize != 0 || region.Dy()%o.blockSize != 0 {
		return image.Rectangle{}, &CalibrationError{Reason: ReasonMisaligned, Matches: matches, Region: region}
	}
	return region, nil
}

type candidate struct {
	p     image.Point
	score float64
}

// Match returns the top-left corners of every non-overlapping window whose
// correlation with m reaches threshold, sorted by x then y. An empty search
// rectangle means the whole frame.
func Match(frame *pixel.Frame, m *Marker, threshold float64, search image.Rectangle) []image.Point {
	area := frame.Bounds()
	if !search.Empty() {
		area = search.Intersect(area)
	}

	var cands []candidate
	for y := area.Min.Y; y+m.h <= area.Max.Y; y++ {
		for x := area.Min.X; x+m.w <= area.Max.X; x++ {
			if s := m.score(frame, x, y); s >= threshold {
				cands = append(cands, candidate{image.Pt(x, y), s})
			}
		}
	}

	// Keep the best window of each cluster of overlapping hits.
	sort.SliceStable(cands, func(i, j int) bool { return cands[i].score > cands[j].score })
	var kept []image.Rectangle
	var out []image.Point
	for _, c := range cands {
		r := image.Rectangle{Min: c.p, Max: c.p.Add(m.Size())}
		overlaps := false
		for _, k := range kept {
			if r.Overlaps(k) {
				overlaps = true
				break
			}
		}
		if !overlaps {
			kept = append(kept, r)
			out = append(out, c.p)
		}
	}

	sort.Slice(out, func(i, j int) bool {
		if out[i].X != out[j].X {
			return out[i].X < out[j].X
		}
		return out[i].Y < out[j].Y
	})
	return out
}

// score is the mean-subtracted normalized correlation of the window at
// (x, y). A flat template or window cannot be normalized; such windows score
// 1 on exact equality and 0 otherwise.
func (m *Marker) score(frame *pixel.Frame, x, y int) float64 {
	window := frame.Region(image.Rect(x, y, x+m.w, y+m.h)).Bytes()

	var sum, sq [3]float64
	var cross float64
	for i, v := range window {
		f := float64(v)
		sum[i%3] += f
		sq[i%3] += f * f
		cross += f * m.dev[i]
	}
	n := float64(m.w * m.h)
	var ss float64
	for c := range sum {
		ss += sq[c] - sum[c]*sum[c]/n
	}

	if m.norm == 0 || ss <= 1e-9 {
		if string(window) == string(m.raw) {
			return 1
		}
		return 0
	}
	return cross / (m.norm * math.Sqrt(ss))
}
