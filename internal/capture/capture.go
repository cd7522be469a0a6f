// Package capture provides frame sources (ffmpeg pipe, V4L2 webcam) and
// render sinks for annotated frames.
package capture

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"image"
	"image/jpeg"
	"io"

	"github.com/andresmejia3/rollcall/internal/utils"
)

const megabyte = 1024 * 1024

// Frame is one decoded video frame. Index counts from 0 per source.
type Frame struct {
	Index int
	Image image.Image
}

// Source yields frames until it returns io.EOF.
// Close may be called concurrently with a blocked Next to unblock it.
type Source interface {
	Next(ctx context.Context) (*Frame, error)
	Close() error
}

// Opener acquires a Source. Sessions open a new one per run.
type Opener func(ctx context.Context) (Source, error)

// StreamSource splits a concatenated MJPEG byte stream into frames.
type StreamSource struct {
	scanner *bufio.Scanner
	index   int
}

func NewStreamSource(r io.Reader) *StreamSource {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, megabyte), 64*megabyte)
	scanner.Split(utils.SplitJpeg)
	return &StreamSource{scanner: scanner}
}

func (s *StreamSource) Next(ctx context.Context) (*Frame, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if !s.scanner.Scan() {
		// Check for scanner errors (e.g. token too long)
		if err := s.scanner.Err(); err != nil {
			return nil, fmt.Errorf("frame scanner failed: %w", err)
		}
		return nil, io.EOF
	}

	img, err := jpeg.Decode(bytes.NewReader(s.scanner.Bytes()))
	if err != nil {
		return nil, fmt.Errorf("failed to decode frame %d: %w", s.index, err)
	}
	f := &Frame{Index: s.index, Image: img}
	s.index++
	return f, nil
}

// Close is a no-op; the caller owns the underlying reader.
func (s *StreamSource) Close() error { return nil }
