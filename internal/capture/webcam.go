package capture

import (
	"bytes"
	"context"
	"image/jpeg"
	"io"
	"sync"

	"github.com/blackjack/webcam"
	"github.com/pkg/errors"
)

// V4L2 fourcc for Motion-JPEG ("MJPG").
const mjpegFormat webcam.PixelFormat = 0x47504A4D

// waitSeconds bounds each WaitForFrame so Close is never blocked for long.
const waitSeconds = 1

// WebcamSource streams MJPEG frames straight from a V4L2 device.
type WebcamSource struct {
	mu     sync.Mutex
	cam    *webcam.Webcam
	closed bool
	index  int
}

// OpenWebcam opens device and starts streaming at the requested size.
// The driver may pick the closest size it supports.
func OpenWebcam(device string, width, height int) (*WebcamSource, error) {
	cam, err := webcam.Open(device)
	if err != nil {
		return nil, errors.Wrap(err, "Can not open device "+device)
	}

	if _, ok := cam.GetSupportedFormats()[mjpegFormat]; !ok {
		cam.Close()
		return nil, errors.Errorf("device %s does not support MJPEG", device)
	}
	if _, _, _, err := cam.SetImageFormat(mjpegFormat, uint32(width), uint32(height)); err != nil {
		cam.Close()
		return nil, errors.Wrap(err, "Can not set image format")
	}
	if err := cam.StartStreaming(); err != nil {
		cam.Close()
		return nil, errors.Wrap(err, "Can not start streaming")
	}

	return &WebcamSource{cam: cam}, nil
}

func (w *WebcamSource) Next(ctx context.Context) (*Frame, error) {
	for {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		f, retry, err := w.read()
		if err != nil || !retry {
			return f, err
		}
	}
}

// read waits for one frame. retry is set on timeouts and empty buffers.
func (w *WebcamSource) read() (f *Frame, retry bool, err error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return nil, false, io.EOF
	}

	err = w.cam.WaitForFrame(waitSeconds)
	switch err.(type) {
	case nil:
	case *webcam.Timeout:
		return nil, true, nil
	default:
		return nil, false, errors.Wrap(err, "Frame wait failed")
	}

	buf, err := w.cam.ReadFrame()
	if err != nil {
		return nil, false, errors.Wrap(err, "Read frame failed")
	}
	if len(buf) == 0 {
		return nil, true, nil
	}

	// buf points into the driver's mmap'd ring; decode before the next read.
	img, err := jpeg.Decode(bytes.NewReader(buf))
	if err != nil {
		return nil, false, errors.Wrapf(err, "Can not decode frame %d", w.index)
	}
	f = &Frame{Index: w.index, Image: img}
	w.index++
	return f, false, nil
}

// Close stops streaming and releases the device. Safe to call more than once.
func (w *WebcamSource) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return nil
	}
	w.closed = true
	return w.cam.Close()
}
