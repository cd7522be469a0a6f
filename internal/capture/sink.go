package capture

import (
	"errors"
	"fmt"
	"image/jpeg"
	"os"
	"path/filepath"
)

// Sink displays annotated frames.
type Sink interface {
	Show(f *Frame) error
	Clear() error
}

// DiscardSink drops every frame.
type DiscardSink struct{}

func (DiscardSink) Show(*Frame) error { return nil }
func (DiscardSink) Clear() error      { return nil }

// FileSink keeps the latest frame as a JPEG at Path, replaced atomically so
// a viewer polling the file never sees a partial write. When DebugDir is set
// every frame is also kept there.
type FileSink struct {
	Path     string
	DebugDir string
	Quality  int
}

func (s *FileSink) options() *jpeg.Options {
	q := s.Quality
	if q <= 0 {
		q = 90
	}
	return &jpeg.Options{Quality: q}
}

func (s *FileSink) Show(f *Frame) error {
	if s.Path != "" {
		if err := s.writeAtomic(f); err != nil {
			return err
		}
	}
	if s.DebugDir != "" {
		if err := os.MkdirAll(s.DebugDir, 0755); err != nil {
			return fmt.Errorf("failed to create debug directory: %w", err)
		}
		name := filepath.Join(s.DebugDir, fmt.Sprintf("frame_%06d.jpg", f.Index))
		out, err := os.Create(name)
		if err != nil {
			return fmt.Errorf("failed to create debug frame: %w", err)
		}
		defer out.Close()
		if err := jpeg.Encode(out, f.Image, s.options()); err != nil {
			return fmt.Errorf("failed to encode debug frame: %w", err)
		}
	}
	return nil
}

func (s *FileSink) writeAtomic(f *Frame) error {
	tmp, err := os.CreateTemp(filepath.Dir(s.Path), ".frame-*.jpg")
	if err != nil {
		return fmt.Errorf("failed to create temp frame: %w", err)
	}
	defer os.Remove(tmp.Name())

	if err := jpeg.Encode(tmp, f.Image, s.options()); err != nil {
		tmp.Close()
		return fmt.Errorf("failed to encode frame: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmp.Name(), s.Path)
}

// Clear removes the latest-frame file; the debug directory is left alone.
func (s *FileSink) Clear() error {
	if s.Path == "" {
		return nil
	}
	if err := os.Remove(s.Path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return err
	}
	return nil
}
