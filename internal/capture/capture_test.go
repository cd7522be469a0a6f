package capture

import (
	"bytes"
	"context"
	"errors"
	"image"
	"image/color"
	"image/jpeg"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"testing"
	"time"
)

func jpegBytes(t *testing.T, c color.Color) []byte {
	t.Helper()
	img := image.NewRGBA(image.Rect(0, 0, 8, 8))
	for y := 0; y < 8; y++ {
		for x := 0; x < 8; x++ {
			img.Set(x, y, c)
		}
	}
	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, img, &jpeg.Options{Quality: 95}); err != nil {
		t.Fatal(err)
	}
	return buf.Bytes()
}

func mjpegStream(t *testing.T, n int) []byte {
	t.Helper()
	var stream []byte
	for i := 0; i < n; i++ {
		stream = append(stream, jpegBytes(t, color.RGBA{uint8(i * 40), 0, 0, 255})...)
	}
	return stream
}

func TestStreamSource(t *testing.T) {
	src := NewStreamSource(bytes.NewReader(mjpegStream(t, 3)))
	ctx := context.Background()

	for want := 0; want < 3; want++ {
		f, err := src.Next(ctx)
		if err != nil {
			t.Fatalf("frame %d: %v", want, err)
		}
		if f.Index != want {
			t.Errorf("Index = %d, want %d", f.Index, want)
		}
		if f.Image.Bounds().Dx() != 8 {
			t.Errorf("unexpected frame size %v", f.Image.Bounds())
		}
	}
	if _, err := src.Next(ctx); !errors.Is(err, io.EOF) {
		t.Errorf("expected io.EOF at end of stream, got %v", err)
	}
}

func TestStreamSource_CorruptFrame(t *testing.T) {
	// Valid SOI/EOI markers around garbage.
	src := NewStreamSource(bytes.NewReader([]byte{0xFF, 0xD8, 0x00, 0x01, 0xFF, 0xD9}))
	if _, err := src.Next(context.Background()); err == nil || errors.Is(err, io.EOF) {
		t.Errorf("expected a decode error, got %v", err)
	}
}

func TestStreamSource_CancelledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	src := NewStreamSource(bytes.NewReader(mjpegStream(t, 1)))
	if _, err := src.Next(ctx); !errors.Is(err, context.Canceled) {
		t.Errorf("expected context.Canceled, got %v", err)
	}
}

func TestFFmpegSource_ReadsProcessOutput(t *testing.T) {
	if _, err := exec.LookPath("cat"); err != nil {
		t.Skip("cat not available")
	}
	path := filepath.Join(t.TempDir(), "stream.mjpeg")
	if err := os.WriteFile(path, mjpegStream(t, 2), 0644); err != nil {
		t.Fatal(err)
	}

	// Any process writing MJPEG to stdout will do.
	src, err := OpenFFmpeg(exec.Command("cat", path))
	if err != nil {
		t.Fatal(err)
	}
	defer src.Close()

	ctx := context.Background()
	for i := 0; i < 2; i++ {
		if _, err := src.Next(ctx); err != nil {
			t.Fatalf("frame %d: %v", i, err)
		}
	}
	if _, err := src.Next(ctx); !errors.Is(err, io.EOF) {
		t.Errorf("expected io.EOF, got %v", err)
	}
}

func TestFFmpegSource_ProcessFailure(t *testing.T) {
	if _, err := exec.LookPath("sh"); err != nil {
		t.Skip("sh not available")
	}
	src, err := OpenFFmpeg(exec.Command("sh", "-c", "echo 'no such device' >&2; exit 3"))
	if err != nil {
		t.Fatal(err)
	}
	defer src.Close()

	_, err = src.Next(context.Background())
	if err == nil || errors.Is(err, io.EOF) {
		t.Fatalf("expected the exit error, got %v", err)
	}
	var exitErr *exec.ExitError
	if !errors.As(err, &exitErr) {
		t.Errorf("expected *exec.ExitError in chain, got %T", err)
	}
}

func TestFFmpegSource_CloseUnblocksNext(t *testing.T) {
	if _, err := exec.LookPath("sleep"); err != nil {
		t.Skip("sleep not available")
	}
	src, err := OpenFFmpeg(exec.Command("sleep", "30"))
	if err != nil {
		t.Fatal(err)
	}

	done := make(chan error, 1)
	go func() {
		_, err := src.Next(context.Background())
		done <- err
	}()

	time.Sleep(50 * time.Millisecond)
	src.Close()
	src.Close() // idempotent

	select {
	case err := <-done:
		if err == nil {
			t.Error("expected Next to fail after Close")
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Next still blocked after Close")
	}
}

func TestFileSink(t *testing.T) {
	dir := t.TempDir()
	sink := &FileSink{
		Path:     filepath.Join(dir, "latest.jpg"),
		DebugDir: filepath.Join(dir, "debug"),
	}

	img, err := jpeg.Decode(bytes.NewReader(jpegBytes(t, color.White)))
	if err != nil {
		t.Fatal(err)
	}
	for i := 0; i < 3; i++ {
		if err := sink.Show(&Frame{Index: i, Image: img}); err != nil {
			t.Fatalf("Show: %v", err)
		}
	}

	f, err := os.Open(sink.Path)
	if err != nil {
		t.Fatalf("latest frame missing: %v", err)
	}
	if _, err := jpeg.Decode(f); err != nil {
		t.Errorf("latest frame is not a valid JPEG: %v", err)
	}
	f.Close()

	debug, err := os.ReadDir(sink.DebugDir)
	if err != nil {
		t.Fatal(err)
	}
	if len(debug) != 3 || debug[0].Name() != "frame_000000.jpg" {
		t.Errorf("unexpected debug frames: %v", debug)
	}

	// No temp files left behind.
	entries, _ := os.ReadDir(dir)
	if len(entries) != 2 {
		t.Errorf("expected latest.jpg and debug/, got %d entries", len(entries))
	}

	if err := sink.Clear(); err != nil {
		t.Fatal(err)
	}
	if _, err := os.Stat(sink.Path); !errors.Is(err, os.ErrNotExist) {
		t.Errorf("Clear should remove the latest frame, stat err = %v", err)
	}
	if err := sink.Clear(); err != nil {
		t.Errorf("second Clear should be a no-op: %v", err)
	}
}

func TestDiscardSink(t *testing.T) {
	var s Sink = DiscardSink{}
	if err := s.Show(&Frame{}); err != nil {
		t.Error(err)
	}
	if err := s.Clear(); err != nil {
		t.Error(err)
	}
}
