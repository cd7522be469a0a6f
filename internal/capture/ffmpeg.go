package capture

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os/exec"
	"strings"
	"sync"
)

// FFmpegSource reads frames from an ffmpeg image2pipe process.
type FFmpegSource struct {
	*StreamSource
	cmd    *exec.Cmd
	stderr *bytes.Buffer

	killOnce sync.Once
	waitOnce sync.Once
	waitErr  error
}

// OpenFFmpeg starts cmd (see utils.NewFFmpegCmd / NewFFmpegDeviceCmd) and
// reads MJPEG frames from its stdout.
func OpenFFmpeg(cmd *exec.Cmd) (*FFmpegSource, error) {
	stderr := &bytes.Buffer{}
	cmd.Stderr = stderr

	out, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("failed to create ffmpeg pipe: %w", err)
	}
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("failed to start ffmpeg: %w", err)
	}

	return &FFmpegSource{
		StreamSource: NewStreamSource(out),
		cmd:          cmd,
		stderr:       stderr,
	}, nil
}

// Next returns io.EOF when ffmpeg finishes cleanly, or the exit error with
// ffmpeg's stderr when it does not.
func (s *FFmpegSource) Next(ctx context.Context) (*Frame, error) {
	f, err := s.StreamSource.Next(ctx)
	if errors.Is(err, io.EOF) {
		if werr := s.wait(); werr != nil {
			return nil, werr
		}
	}
	return f, err
}

func (s *FFmpegSource) wait() error {
	s.waitOnce.Do(func() {
		if err := s.cmd.Wait(); err != nil {
			s.waitErr = fmt.Errorf("ffmpeg exited: %w: %s", err, strings.TrimSpace(s.stderr.String()))
		}
	})
	return s.waitErr
}

// Close kills ffmpeg and reaps it. Safe to call more than once.
func (s *FFmpegSource) Close() error {
	s.killOnce.Do(func() {
		if s.cmd.Process != nil {
			_ = s.cmd.Process.Kill()
		}
	})
	s.wait()
	return nil
}
