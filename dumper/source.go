package dumper

import (
	"context"
	"errors"
	"fmt"
	"image"
	"os"
	"sync"
	"time"
)

// ErrNoFrame is returned by a FrameSource that has nothing new yet.
var ErrNoFrame = errors.New("dumper: no new frame")

// FrameSource yields captures in order. Next returns ErrNoFrame when no new
// capture is available; the frame loop then waits for its next tick.
type FrameSource interface {
	Next(ctx context.Context) (image.Image, error)
}

// FileSource reads a capture file that an external tool rewrites in place.
// A capture is new when the file's modification time or size changes.
type FileSource struct {
	path string

	mu   sync.Mutex
	mod  time.Time
	size int64
}

// NewFileSource watches path.
func NewFileSource(path string) *FileSource {
	return &FileSource{path: path}
}

// Next decodes the capture if it changed since the last call.
func (s *FileSource) Next(ctx context.Context) (image.Image, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	info, err := os.Stat(s.path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, ErrNoFrame
		}
		return nil, fmt.Errorf("dumper: stat capture: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if info.ModTime().Equal(s.mod) && info.Size() == s.size {
		return nil, ErrNoFrame
	}

	f, err := os.Open(s.path)
	if err != nil {
		return nil, fmt.Errorf("dumper: open capture: %w", err)
	}
	defer f.Close()
	img, _, err := image.Decode(f)
	if err != nil {
		// Probably caught mid-write; retry on the next tick without
		// remembering this version.
		return nil, fmt.Errorf("dumper: decode capture %s: %w", s.path, err)
	}
	s.mod, s.size = info.ModTime(), info.Size()
	return img, nil
}

// StaticSource replays a fixed list of images, then reports ErrNoFrame.
type StaticSource struct {
	mu     sync.Mutex
	images []image.Image
}

// NewStaticSource returns a source over images.
func NewStaticSource(images ...image.Image) *StaticSource {
	return &StaticSource{images: images}
}

// Next pops the next image.
func (s *StaticSource) Next(ctx context.Context) (image.Image, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.images) == 0 {
		return nil, ErrNoFrame
	}
	img := s.images[0]
	s.images = s.images[1:]
	return img, nil
}
