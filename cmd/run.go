package cmd

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/andresmejia3/rollcall/internal/capture"
	"github.com/andresmejia3/rollcall/internal/config"
	"github.com/andresmejia3/rollcall/internal/logging"
	"github.com/andresmejia3/rollcall/internal/session"
	"github.com/andresmejia3/rollcall/internal/utils"
	"github.com/schollz/progressbar/v3"
	"github.com/spf13/cobra"
)

var runFlags pipelineFlags

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Recognize faces until the stream ends or you quit, then record attendance",
	Long: `Reads frames from a video file or capture device and matches every Nth
frame against the gallery. When the stream ends, or when you type q and press
Enter, everyone recognized is marked present for today in one commit.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		cmd.SilenceUsage = true
		runFlags.apply(cmd, cfg)
		if err := validatePipelineConfig(cfg); err != nil {
			return err
		}
		return runSession(cmd.Context(), cfg, os.Stdin)
	},
}

func init() {
	addPipelineFlags(runCmd, &runFlags)
	runCmd.Flags().IntVarP(&runFlags.NthFrame, "nth-frame", "n", config.Default().Capture.NthFrame, "Match every Nth frame; the rest are only displayed")
	rootCmd.AddCommand(runCmd)
}

// runSession drives one run-to-completion session: worker, gallery, capture,
// and a single commit at the end.
func runSession(ctx context.Context, c *config.Config, stdin io.Reader) error {
	p, err := buildPipeline(ctx, c, showsFrames(c))
	if err != nil {
		return err
	}
	defer p.Close()

	st, err := openStore(ctx, c)
	if err != nil {
		return err
	}

	open := sourceOpener(c)
	var bar *progressbar.ProgressBar
	if c.Capture.Source == "ffmpeg" && c.Capture.Input != "" {
		bar = newFrameBar(utils.GetTotalFrames(c.Capture.Input), os.Stderr)
		open = withFrameProgress(open, func() { _ = bar.Add(1) })
	}

	sess := session.New(p.gallery, p.matcher, st, open,
		session.WithSink(newSink(c)),
		session.WithNthFrame(c.Capture.NthFrame),
		session.WithLogger(logging.From(ctx)),
	)

	quitCtx, quit := context.WithCancel(ctx)
	defer quit()
	go watchQuit(stdin, quit)

	fmt.Fprintln(os.Stderr, "🎥 Capturing... type q and press Enter to finish")
	out, err := sess.RunToCompletion(quitCtx)
	if bar != nil {
		fmt.Fprintln(os.Stderr)
	}
	if out != nil {
		fmt.Println(formatOutcome(*out))
	}
	if err != nil {
		utils.ShowError("Session failed", err, p.worker.Cmd)
		return err
	}
	return nil
}

// newFrameBar sizes the bar from the container's frame count, falling back
// to a spinner when the count is unknown.
func newFrameBar(total int, w io.Writer) *progressbar.ProgressBar {
	if total <= 0 {
		total = -1
	}
	return progressbar.NewOptions(total,
		progressbar.OptionSetDescription("🎞️  Reading frames"),
		progressbar.OptionSetWriter(w),
		progressbar.OptionShowCount(),
	)
}

// frameProgress calls tick for every frame read from the wrapped source.
type frameProgress struct {
	capture.Source
	tick func()
}

func (p *frameProgress) Next(ctx context.Context) (*capture.Frame, error) {
	f, err := p.Source.Next(ctx)
	if err == nil {
		p.tick()
	}
	return f, err
}

func withFrameProgress(open capture.Opener, tick func()) capture.Opener {
	return func(ctx context.Context) (capture.Source, error) {
		src, err := open(ctx)
		if err != nil {
			return nil, err
		}
		return &frameProgress{Source: src, tick: tick}, nil
	}
}

// watchQuit calls quit when a line reading "q" or "quit" arrives on r.
func watchQuit(r io.Reader, quit context.CancelFunc) {
	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		switch strings.ToLower(strings.TrimSpace(scanner.Text())) {
		case "q", "quit":
			quit()
			return
		}
	}
}
