package utils

import (
	"bytes"
	"encoding/json"
	"fmt"
	"math"
	"os"
	"os/exec"
	"strconv"
)

// --- 1. Process Safety & Command Wrapping ---

// SafeCommand wraps a standard exec.Cmd with a buffer to catch Stderr (Python logs)
// This ensures we don't lose critical crash information if a worker dies.
type SafeCommand struct {
	*exec.Cmd
	Stderr *bytes.Buffer
}

// NewSafeCommand initializes a command and attaches a buffer to its Stderr pipe
// It prepares the command for execution but does not start it.
func NewSafeCommand(name string, args ...string) *SafeCommand {
	cmd := exec.Command(name, args...)
	stderr := &bytes.Buffer{}
	cmd.Stderr = stderr
	return &SafeCommand{Cmd: cmd, Stderr: stderr}
}

// ShowError prints the formatted error box without exiting.
// Used by RunE commands that hand the error back to cobra.
func ShowError(context string, err error, s *SafeCommand) {
	fmt.Fprintf(os.Stderr, "\n---------------------------------------------------------\n")
	fmt.Fprintf(os.Stderr, "🚨 ROLLCALL ERROR: %s\n", context)
	if err != nil {
		fmt.Fprintf(os.Stderr, "DETAILS: %v\n", err)
	}

	// If we have a SafeCommand and it captured logs, print them.
	if s != nil && s.Stderr != nil && s.Stderr.Len() > 0 {
		fmt.Fprintf(os.Stderr, "\nPYTHON CRASH LOGS:\n%s\n", s.Stderr.String())
	}
	fmt.Fprintf(os.Stderr, "---------------------------------------------------------\n")
}

// Die is the unified exit strategy for fatal CLI errors.
// It prints a formatted error box and dumps Python logs if a SafeCommand is provided.
func Die(context string, err error, s *SafeCommand) {
	ShowError(context, err, s)
	os.Exit(1)
}

// --- 2. Frame Engine ---

var (
	JpegSOI = []byte{0xFF, 0xD8} // Start of Image
	JpegEOI = []byte{0xFF, 0xD9} // End of Image
)

// GetTotalFrames uses ffprobe to count frames for the progress bar.
// It returns 0 if the count fails, allowing the caller to fall back to a spinner.
func GetTotalFrames(path string) int {
	if _, err := exec.LookPath("ffprobe"); err != nil {
		return 0
	}

	type ffprobeOutput struct {
		Streams []struct {
			NbFrames string `json:"nb_frames"`
		} `json:"streams"`
	}

	// Container metadata only. Counting packets would decode the whole file.
	cmd := exec.Command("ffprobe", "-v", "error", "-select_streams", "v:0", "-show_entries", "stream=nb_frames", "-of", "json", path)
	out, err := cmd.Output()
	if err != nil {
		return 0
	}

	var res ffprobeOutput
	if err := json.Unmarshal(out, &res); err != nil || len(res.Streams) == 0 {
		return 0
	}
	count, err := strconv.Atoi(res.Streams[0].NbFrames)
	if err != nil || count < 0 {
		return 0
	}
	return count
}

// SplitJpeg is the custom splitter for bufio.Scanner
// It locates the Start Of Image (FFD8) and End Of Image (FFD9) markers to extract full JPEG frames.
func SplitJpeg(data []byte, atEOF bool) (advance int, token []byte, err error) {
	if atEOF && len(data) == 0 {
		return 0, nil, nil
	}
	start := bytes.Index(data, JpegSOI)
	if start == -1 {
		return 0, nil, nil
	}
	end := bytes.Index(data[start:], JpegEOI)
	if end == -1 {
		return 0, nil, nil
	}
	return start + end + 2, data[start : start+end+2], nil
}

// NewFFmpegCmd creates a standard decoder pipe for a video file.
// It configures FFmpeg to output raw MJPEG frames to Stdout for ingestion.
func NewFFmpegCmd(inputPath string) *exec.Cmd {
	return exec.Command("ffmpeg", "-hide_banner", "-loglevel", "error", "-i", inputPath, "-f", "image2pipe", "-vcodec", "mjpeg", "-")
}

// NewFFmpegDeviceCmd is NewFFmpegCmd for a live V4L2 device (e.g. /dev/video0).
func NewFFmpegDeviceCmd(device string) *exec.Cmd {
	return exec.Command("ffmpeg", "-hide_banner", "-loglevel", "error", "-f", "v4l2", "-i", device, "-f", "image2pipe", "-vcodec", "mjpeg", "-")
}

// --- 3. Vector Math ---

// CosineDist returns 1 - cosine similarity.
// Returns 1.0 (max distance) if a vector is zero to avoid division by zero.
func CosineDist(a, b []float64) float64 {
	var dot, sumA, sumB float64
	for i := range a {
		if i >= len(b) {
			break
		}
		dot += a[i] * b[i]
		sumA += a[i] * a[i]
		sumB += b[i] * b[i]
	}
	if sumA == 0 || sumB == 0 {
		return 1.0
	}
	return 1.0 - (dot / (math.Sqrt(sumA) * math.Sqrt(sumB)))
}

// EuclideanDist is the L2 distance, the metric dlib face descriptors are trained for.
// Vectors of different length are infinitely far apart.
func EuclideanDist(a, b []float64) float64 {
	if len(a) != len(b) {
		return math.Inf(1)
	}
	var sum float64
	for i := range a {
		d := a[i] - b[i]
		sum += d * d
	}
	return math.Sqrt(sum)
}
