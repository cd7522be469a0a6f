package worker

import (
	"bytes"
	"context"
	"encoding/binary"
	"errors"
	"image"
	"math"
	"os"
	"testing"
	"time"
)

// MockCloser wraps a bytes.Buffer to satisfy io.ReadCloser and io.WriteCloser interfaces.
// This allows us to use in-memory buffers as if they were OS Pipes.
type MockCloser struct {
	*bytes.Buffer
}

func (m *MockCloser) Close() error { return nil }

func writeFramed(dst *MockCloser, payload []byte) {
	binary.Write(dst, binary.BigEndian, uint32(len(payload)))
	dst.Write(payload)
}

func okPayload(boxes [][4]int32, first []float32) []byte {
	payload := new(bytes.Buffer)
	payload.WriteByte(statusOK)
	binary.Write(payload, binary.BigEndian, uint32(len(boxes)))
	for i, box := range boxes {
		binary.Write(payload, binary.BigEndian, box)
		vec := [EmbeddingDim]float32{}
		if i < len(first) {
			vec[0] = first[i]
		}
		binary.Write(payload, binary.BigEndian, vec)
	}
	return payload.Bytes()
}

func newMockWorker() (*PythonWorker, *MockCloser, *MockCloser) {
	stdinMock := &MockCloser{Buffer: new(bytes.Buffer)}
	dataPipeMock := &MockCloser{Buffer: new(bytes.Buffer)}
	w := &PythonWorker{
		ID:       1,
		Stdin:    stdinMock,
		DataPipe: dataPipeMock,
		// Cmd is nil because we aren't testing process management, just the protocol
	}
	w.cfg.setDefaults()
	return w, stdinMock, dataPipeMock
}

func TestProcessFrame(t *testing.T) {
	w, stdinMock, dataPipeMock := newMockWorker()
	writeFramed(dataPipeMock, okPayload([][4]int32{{10, 40, 30, 20}}, []float32{0.5}))

	inputFrame := []byte{0xDE, 0xAD, 0xBE, 0xEF}
	faces, err := w.ProcessFrame(inputFrame)
	if err != nil {
		t.Fatalf("ProcessFrame failed: %v", err)
	}

	// 4 bytes header + payload
	if got := stdinMock.Len(); got != 4+len(inputFrame) {
		t.Errorf("Expected %d bytes sent, got %d", 4+len(inputFrame), got)
	}

	if len(faces) != 1 {
		t.Fatalf("Expected 1 face, got %d", len(faces))
	}
	box := faces[0].Box
	if box.Top != 10 || box.Right != 40 || box.Bottom != 30 || box.Left != 20 {
		t.Errorf("Box decoded incorrectly: %+v", box)
	}
	if len(faces[0].Vec) != EmbeddingDim {
		t.Fatalf("Expected %d-d embedding, got %d", EmbeddingDim, len(faces[0].Vec))
	}
	if math.Abs(faces[0].Vec[0]-0.5) > 1e-9 {
		t.Errorf("Expected vector[0] approx 0.5, got %f", faces[0].Vec[0])
	}
}

func TestProcessFrame_NoFaces(t *testing.T) {
	w, _, dataPipeMock := newMockWorker()
	writeFramed(dataPipeMock, okPayload(nil, nil))

	faces, err := w.ProcessFrame([]byte("frame"))
	if err != nil {
		t.Fatalf("ProcessFrame failed: %v", err)
	}
	if len(faces) != 0 {
		t.Errorf("Expected no faces, got %d", len(faces))
	}
}

func TestProcessFrame_Error(t *testing.T) {
	w, _, dataPipeMock := newMockWorker()

	payload := new(bytes.Buffer)
	payload.WriteByte(statusError)
	errMsg := "Python Exception: Import Error"
	binary.Write(payload, binary.BigEndian, uint32(len(errMsg)))
	payload.WriteString(errMsg)
	writeFramed(dataPipeMock, payload.Bytes())

	_, err := w.ProcessFrame([]byte("frame"))
	if err == nil {
		t.Fatal("Expected error, got nil")
	}
	if err.Error() != "python worker error: "+errMsg {
		t.Errorf("Expected error message '%s', got '%v'", "python worker error: "+errMsg, err)
	}
}

func TestProcessFrame_Truncated(t *testing.T) {
	w, _, dataPipeMock := newMockWorker()
	full := okPayload([][4]int32{{1, 2, 3, 4}}, nil)
	writeFramed(dataPipeMock, full[:len(full)-10])

	if _, err := w.ProcessFrame([]byte("frame")); err == nil {
		t.Fatal("Expected error for truncated embedding")
	}
}

func TestProcessFrame_WorkerDied(t *testing.T) {
	// Empty data pipe behaves like a crashed child: EOF on the header read.
	w, _, _ := newMockWorker()
	if _, err := w.ProcessFrame([]byte("frame")); err == nil {
		t.Fatal("Expected error when the worker pipe is closed")
	}
}

func TestProcessFrame_FailedExchangeDisablesWorker(t *testing.T) {
	w, _, dataPipeMock := newMockWorker()
	if _, err := w.ProcessFrame([]byte("frame")); err == nil {
		t.Fatal("Expected error when the worker pipe is closed")
	}

	// A reply arriving afterwards belongs to the failed request and must never
	// be handed to a later one.
	writeFramed(dataPipeMock, okPayload([][4]int32{{1, 2, 3, 4}}, nil))
	faces, err := w.ProcessFrame([]byte("frame"))
	if err == nil {
		t.Fatalf("Expected the worker to stay failed, got %d faces", len(faces))
	}
}

func TestProcessFrame_MalformedReplyKeepsWorker(t *testing.T) {
	w, _, dataPipeMock := newMockWorker()
	full := okPayload([][4]int32{{1, 2, 3, 4}}, nil)
	writeFramed(dataPipeMock, full[:len(full)-10])
	writeFramed(dataPipeMock, okPayload(nil, nil))

	if _, err := w.ProcessFrame([]byte("frame")); err == nil {
		t.Fatal("Expected error for truncated embedding")
	}
	// The bad reply was fully framed, so the stream is still in step.
	if _, err := w.ProcessFrame([]byte("frame")); err != nil {
		t.Fatalf("Expected the next frame to succeed, got %v", err)
	}
}

func TestEncode_TimeoutDoesNotLeakLateReply(t *testing.T) {
	r, pw, err := os.Pipe()
	if err != nil {
		t.Fatal(err)
	}
	defer pw.Close()

	w := &PythonWorker{
		ID:       1,
		Stdin:    &MockCloser{Buffer: new(bytes.Buffer)},
		DataPipe: r,
		cfg:      Config{ReadTimeout: 50 * time.Millisecond},
	}
	w.cfg.setDefaults()
	defer w.Close()

	img := image.NewRGBA(image.Rect(0, 0, 4, 4))
	if _, err := w.Encode(context.Background(), img); !errors.Is(err, os.ErrDeadlineExceeded) {
		t.Fatalf("Expected a read timeout, got %v", err)
	}

	// The slow reply to the first frame shows up now. The read end is already
	// closed, so the write may fail; either way it must not be returned.
	late := new(bytes.Buffer)
	payload := okPayload([][4]int32{{1, 2, 3, 4}}, nil)
	binary.Write(late, binary.BigEndian, uint32(len(payload)))
	late.Write(payload)
	pw.Write(late.Bytes())

	faces, err := w.Encode(context.Background(), img)
	if err == nil {
		t.Fatalf("Expected the worker to be unusable after a timeout, got %d faces", len(faces))
	}
}

func TestEncode_SendsJPEG(t *testing.T) {
	w, stdinMock, dataPipeMock := newMockWorker()
	writeFramed(dataPipeMock, okPayload([][4]int32{{0, 4, 4, 0}, {4, 8, 8, 4}}, []float32{0.1, 0.2}))

	img := image.NewRGBA(image.Rect(0, 0, 8, 8))
	faces, err := w.Encode(context.Background(), img)
	if err != nil {
		t.Fatalf("Encode failed: %v", err)
	}
	if len(faces) != 2 {
		t.Fatalf("Expected 2 faces, got %d", len(faces))
	}

	sent := stdinMock.Bytes()
	if len(sent) < 6 || sent[4] != 0xFF || sent[5] != 0xD8 {
		t.Errorf("Expected a JPEG body after the length header, got % X", sent[:min(len(sent), 8)])
	}
}

func TestEncode_CancelledContext(t *testing.T) {
	w, stdinMock, _ := newMockWorker()
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	if _, err := w.Encode(ctx, image.NewRGBA(image.Rect(0, 0, 2, 2))); err == nil {
		t.Fatal("Expected context error")
	}
	if stdinMock.Len() != 0 {
		t.Error("Nothing should be sent once the context is cancelled")
	}
}
