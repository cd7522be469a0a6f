package worker

import (
	"bytes"
	"context"
	"encoding/binary"
	"fmt"
	"image"
	"image/jpeg"
	"io"
	"os"
	"sync"
	"time"

	"github.com/andresmejia3/rollcall/internal/types"
	"github.com/andresmejia3/rollcall/internal/utils" // Using the SafeCommand wrapper
)

// EmbeddingDim is the descriptor length produced by the dlib ResNet model.
const EmbeddingDim = 128

const (
	statusOK    byte = 0
	statusError byte = 1
)

// Config controls how the Python vision worker is launched.
type Config struct {
	Python      string        // interpreter, default "python3"
	Script      string        // default "python/worker.py"
	Model       string        // detector: "hog" (default) or "cnn"
	ReadTimeout time.Duration // 0 disables the deadline
	JPEGQuality int           // quality of frames shipped to the worker
}

func (c *Config) setDefaults() {
	if c.Python == "" {
		c.Python = "python3"
	}
	if c.Script == "" {
		c.Script = "python/worker.py"
	}
	if c.Model == "" {
		c.Model = "hog"
	}
	if c.JPEGQuality <= 0 {
		c.JPEGQuality = 90
	}
}

// PythonWorker is a face_recognition subprocess. It is not safe to pipeline
// requests, so calls are serialized with mu.
type PythonWorker struct {
	ID       int
	Cmd      *utils.SafeCommand
	Stdin    io.WriteCloser
	DataPipe io.ReadCloser

	cfg       Config
	mu        sync.Mutex
	broken    error // first transport failure; the stream is out of step after it
	closeOnce sync.Once
}

func NewPythonWorker(id int, cfg Config) (*PythonWorker, error) {
	cfg.setDefaults()

	py := utils.NewSafeCommand(cfg.Python, "-u", cfg.Script, "--model", cfg.Model)

	// Create a side-channel pipe (FD 3) for clean data transfer
	r, w, err := os.Pipe()
	if err != nil {
		return nil, fmt.Errorf("failed to create pipe: %w", err)
	}
	// Pass the write-end to the child process. It will appear as FD 3.
	py.Cmd.ExtraFiles = []*os.File{w}

	stdin, err := py.StdinPipe()
	if err != nil {
		w.Close() // Prevent FD leak
		r.Close()
		return nil, fmt.Errorf("failed to create stdin pipe: %w", err)
	}

	if err := py.Start(); err != nil {
		w.Close()
		r.Close()
		return nil, fmt.Errorf("worker %d failed to start: %w", id, err)
	}

	// Close the write-end in the parent so only the child holds it
	w.Close()

	return &PythonWorker{
		ID:       id,
		Cmd:      py,
		Stdin:    stdin,
		DataPipe: r,
		cfg:      cfg,
	}, nil
}

// Communicate sends one length-prefixed request and reads one length-prefixed response.
func (w *PythonWorker) Communicate(data []byte) ([]byte, error) {
	// Protocol: [Length][Data]
	if err := binary.Write(w.Stdin, binary.BigEndian, uint32(len(data))); err != nil {
		return nil, err
	}
	if _, err := w.Stdin.Write(data); err != nil {
		return nil, err
	}

	header := make([]byte, 4)
	if _, err := io.ReadFull(w.DataPipe, header); err != nil {
		return nil, err // This is where we catch the "ModuleNotFoundError" crash
	}

	respLen := binary.BigEndian.Uint32(header)
	respBody := make([]byte, respLen)
	_, err := io.ReadFull(w.DataPipe, respBody)
	return respBody, err
}

// ProcessFrame ships one JPEG to the worker and decodes the detected faces.
// A failed or timed-out exchange leaves a partial response in the pipe, so
// the worker is shut down and every later call fails.
func (w *PythonWorker) ProcessFrame(data []byte) ([]types.Face, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.broken != nil {
		return nil, fmt.Errorf("worker %d is unusable after an earlier failure: %w", w.ID, w.broken)
	}

	resp, err := w.Communicate(data)
	if err != nil {
		w.broken = err
		w.abandon()
		return nil, err
	}
	return decodeResponse(resp)
}

// abandon kills the child and closes both pipes. Close still reaps it.
func (w *PythonWorker) abandon() {
	if w.Cmd != nil && w.Cmd.Process != nil {
		_ = w.Cmd.Process.Kill()
	}
	w.Stdin.Close()
	w.DataPipe.Close()
}

// Encode implements types.FaceEncoder.
func (w *PythonWorker) Encode(ctx context.Context, img image.Image) ([]types.Face, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, img, &jpeg.Options{Quality: w.cfg.JPEGQuality}); err != nil {
		return nil, fmt.Errorf("failed to encode frame: %w", err)
	}

	w.armDeadline(ctx)
	return w.ProcessFrame(buf.Bytes())
}

// armDeadline bounds the next read when the data pipe supports deadlines.
func (w *PythonWorker) armDeadline(ctx context.Context) {
	f, ok := w.DataPipe.(*os.File)
	if !ok {
		return
	}
	var deadline time.Time
	if w.cfg.ReadTimeout > 0 {
		deadline = time.Now().Add(w.cfg.ReadTimeout)
	}
	if d, ok := ctx.Deadline(); ok && (deadline.IsZero() || d.Before(deadline)) {
		deadline = d
	}
	_ = f.SetReadDeadline(deadline)
}

// decodeResponse parses
//
//	[Status:0] [NumFaces:u32] NumFaces x ([Box:4xi32] [Vec:128xf32])
//	[Status:1] [MsgLen:u32] [Msg]
func decodeResponse(resp []byte) ([]types.Face, error) {
	if len(resp) == 0 {
		return nil, fmt.Errorf("empty response from python worker")
	}
	r := bytes.NewReader(resp[1:])

	switch resp[0] {
	case statusOK:
	case statusError:
		var msgLen uint32
		if err := binary.Read(r, binary.BigEndian, &msgLen); err != nil {
			return nil, fmt.Errorf("malformed error response: %w", err)
		}
		msg := make([]byte, msgLen)
		if _, err := io.ReadFull(r, msg); err != nil {
			return nil, fmt.Errorf("malformed error response: %w", err)
		}
		return nil, fmt.Errorf("python worker error: %s", msg)
	default:
		return nil, fmt.Errorf("unknown worker status byte 0x%02x", resp[0])
	}

	var n uint32
	if err := binary.Read(r, binary.BigEndian, &n); err != nil {
		return nil, fmt.Errorf("malformed face count: %w", err)
	}

	faces := make([]types.Face, 0, n)
	for i := uint32(0); i < n; i++ {
		var box [4]int32
		if err := binary.Read(r, binary.BigEndian, &box); err != nil {
			return nil, fmt.Errorf("malformed box for face %d: %w", i, err)
		}
		var vec [EmbeddingDim]float32
		if err := binary.Read(r, binary.BigEndian, &vec); err != nil {
			return nil, fmt.Errorf("malformed embedding for face %d: %w", i, err)
		}

		emb := make(types.Embedding, EmbeddingDim)
		for j, v := range vec {
			emb[j] = float64(v)
		}
		faces = append(faces, types.Face{
			Box: types.Box{Top: int(box[0]), Right: int(box[1]), Bottom: int(box[2]), Left: int(box[3])},
			Vec: emb,
		})
	}
	return faces, nil
}

func (w *PythonWorker) Close() {
	w.closeOnce.Do(func() {
		w.Stdin.Close()
		w.DataPipe.Close()
		if w.Cmd != nil {
			w.Cmd.Wait()
		}
	})
}
