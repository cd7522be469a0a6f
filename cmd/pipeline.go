package cmd

import (
	"context"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/andresmejia3/rollcall/internal/capture"
	"github.com/andresmejia3/rollcall/internal/config"
	"github.com/andresmejia3/rollcall/internal/gallery"
	"github.com/andresmejia3/rollcall/internal/matcher"
	"github.com/andresmejia3/rollcall/internal/session"
	"github.com/andresmejia3/rollcall/internal/store"
	"github.com/andresmejia3/rollcall/internal/types"
	"github.com/andresmejia3/rollcall/internal/utils"
	"github.com/andresmejia3/rollcall/internal/worker"
	"github.com/spf13/cobra"
)

// pipelineFlags are the capture and matching overrides shared by run and serve.
type pipelineFlags struct {
	Source      string
	Input       string
	Device      string
	NthFrame    int
	Interval    time.Duration
	Scale       float64
	Tolerance   float64
	Metric      string
	Policy      string
	OutputFrame string
	DebugDir    string
}

func addPipelineFlags(cmd *cobra.Command, f *pipelineFlags) {
	d := config.Default()
	cmd.Flags().StringVar(&f.Source, "source", d.Capture.Source, "Frame source: ffmpeg or webcam")
	cmd.Flags().StringVarP(&f.Input, "input", "i", "", "Video file to read instead of the capture device")
	cmd.Flags().StringVar(&f.Device, "device", d.Capture.Device, "V4L2 capture device")
	cmd.Flags().Float64Var(&f.Scale, "scale", d.Match.Scale, "Downscale factor applied before detection")
	cmd.Flags().Float64VarP(&f.Tolerance, "tolerance", "t", d.Match.Tolerance, "Match when distance <= tolerance (lower is stricter)")
	cmd.Flags().StringVar(&f.Metric, "metric", d.Match.Metric, "Distance metric: euclidean or cosine")
	cmd.Flags().StringVar(&f.Policy, "policy", d.Match.Policy, "Match policy: first (first gallery entry within tolerance) or nearest")
	cmd.Flags().StringVarP(&f.OutputFrame, "output-frame", "o", "", "Keep the latest annotated frame at this path")
	cmd.Flags().StringVar(&f.DebugDir, "debug-frames", "", "Save every annotated frame to this directory")
}

// apply copies the flags the user actually set onto c.
func (f *pipelineFlags) apply(cmd *cobra.Command, c *config.Config) {
	set := cmd.Flags().Changed
	if set("source") {
		c.Capture.Source = f.Source
	}
	if set("input") {
		c.Capture.Input = f.Input
	}
	if set("device") {
		c.Capture.Device = f.Device
	}
	if set("nth-frame") {
		c.Capture.NthFrame = f.NthFrame
	}
	if set("interval") {
		c.Capture.Interval = f.Interval
	}
	if set("scale") {
		c.Match.Scale = f.Scale
	}
	if set("tolerance") {
		c.Match.Tolerance = f.Tolerance
	}
	if set("metric") {
		c.Match.Metric = f.Metric
	}
	if set("policy") {
		c.Match.Policy = f.Policy
	}
	if set("output-frame") {
		c.Capture.OutputFrame = f.OutputFrame
	}
	if set("debug-frames") {
		c.Capture.DebugDir = f.DebugDir
	}
}

// validatePipelineConfig checks c and, for file input, that the file exists.
func validatePipelineConfig(c *config.Config) error {
	if err := c.Validate(); err != nil {
		utils.ShowError("Invalid configuration", err, nil)
		return err
	}
	if c.Capture.Source == "ffmpeg" && c.Capture.Input != "" {
		info, err := os.Stat(c.Capture.Input)
		if err != nil {
			utils.ShowError("Input file does not exist", err, nil)
			return err
		}
		if info.IsDir() {
			err := fmt.Errorf("input path is a directory: %s", c.Capture.Input)
			utils.ShowError("Invalid input", err, nil)
			return err
		}
	}
	return nil
}

// pipeline bundles what every recognition command needs.
type pipeline struct {
	worker  *worker.PythonWorker
	gallery *gallery.Gallery
	matcher *matcher.Matcher
}

func (p *pipeline) Close() {
	p.worker.Close()
}

// buildPipeline starts the vision worker, loads the gallery and builds the matcher.
// Frames are annotated only when annotate is set. Errors are already reported
// to the user.
func buildPipeline(ctx context.Context, c *config.Config, annotate bool) (*pipeline, error) {
	fmt.Fprintln(os.Stderr, "🚀 Starting AI Engine...")
	w, err := worker.NewPythonWorker(0, worker.Config{
		Python:      c.Worker.Python,
		Script:      c.Worker.Script,
		Model:       c.Worker.Model,
		ReadTimeout: c.Worker.Timeout,
	})
	if err != nil {
		utils.ShowError("Failed to start AI worker", err, nil)
		return nil, err
	}

	g, err := gallery.Load(ctx, c.GalleryDir, w, gallery.WithProgress(os.Stderr))
	if err != nil {
		utils.ShowError("Failed to load gallery", err, w.Cmd)
		w.Close()
		return nil, err
	}
	if g.Len() == 0 {
		fmt.Fprintf(os.Stderr, "⚠️  No usable reference photos in %s: nobody can be recognized.\n", c.GalleryDir)
	} else {
		fmt.Fprintf(os.Stderr, "🧑‍🎓 Gallery: %d identities\n", g.Len())
	}

	m, err := newMatcher(w, c, annotate)
	if err != nil {
		utils.ShowError("Invalid matcher settings", err, nil)
		w.Close()
		return nil, err
	}

	return &pipeline{worker: w, gallery: g, matcher: m}, nil
}

func newMatcher(enc types.FaceEncoder, c *config.Config, annotate bool) (*matcher.Matcher, error) {
	metric, err := matcher.ParseMetric(c.Match.Metric)
	if err != nil {
		return nil, err
	}
	policy, err := matcher.ParsePolicy(c.Match.Policy)
	if err != nil {
		return nil, err
	}
	opts := []matcher.Option{
		matcher.WithScale(c.Match.Scale),
		matcher.WithTolerance(c.Match.Tolerance),
		matcher.WithMetric(metric),
		matcher.WithPolicy(policy),
	}
	if !annotate {
		opts = append(opts, matcher.WithoutAnnotation())
	}
	return matcher.New(enc, opts...), nil
}

// showsFrames reports whether annotated frames go anywhere.
func showsFrames(c *config.Config) bool {
	return c.Capture.OutputFrame != "" || c.Capture.DebugDir != ""
}

// openStore returns a store with the schema in place.
func openStore(ctx context.Context, c *config.Config) (*store.Store, error) {
	s := store.New(c.Database.URL)
	if err := s.Migrate(ctx); err != nil {
		utils.ShowError("Failed to connect to database", err, nil)
		return nil, err
	}
	return s, nil
}

// sourceOpener picks the frame source described by c.
func sourceOpener(c *config.Config) capture.Opener {
	cc := c.Capture
	return func(ctx context.Context) (capture.Source, error) {
		if cc.Source == "webcam" {
			return capture.OpenWebcam(cc.Device, cc.Width, cc.Height)
		}
		if cc.Input != "" {
			return capture.OpenFFmpeg(utils.NewFFmpegCmd(cc.Input))
		}
		return capture.OpenFFmpeg(utils.NewFFmpegDeviceCmd(cc.Device))
	}
}

func newSink(c *config.Config) capture.Sink {
	if !showsFrames(c) {
		return capture.DiscardSink{}
	}
	return &capture.FileSink{Path: c.Capture.OutputFrame, DebugDir: c.Capture.DebugDir}
}

// formatOutcome renders a commit for the terminal.
func formatOutcome(out session.CommitOutcome) string {
	if out.Err != nil {
		return fmt.Sprintf("❌ Commit failed, %d identities kept for retry: %v", len(out.IDs), out.Err)
	}
	if len(out.IDs) == 0 || out.Result == nil {
		return "📭 Nobody recognized, nothing recorded."
	}

	var b strings.Builder
	if len(out.Result.Updated) > 0 {
		fmt.Fprintf(&b, "✅ Marked present: %s", strings.Join(out.Result.Updated, ", "))
	}
	for _, id := range out.Result.Failed {
		if b.Len() > 0 {
			b.WriteByte('\n')
		}
		fmt.Fprintf(&b, "⚠️  Failed to record %s: %v", id, out.Result.Errors[id])
	}
	return b.String()
}
