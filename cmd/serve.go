package cmd

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/andresmejia3/rollcall/internal/config"
	"github.com/andresmejia3/rollcall/internal/logging"
	"github.com/andresmejia3/rollcall/internal/server"
	"github.com/andresmejia3/rollcall/internal/session"
	"github.com/spf13/cobra"
)

var (
	serveFlags  pipelineFlags
	serveListen string
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run a continuous session controlled from stdin or HTTP",
	Long: `Keeps the gallery loaded and waits for commands. While running, every
frame is matched. Commands on stdin: start, stop, commit, status, quit.
With --listen the same controls are exposed under /api/v1.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		cmd.SilenceUsage = true
		serveFlags.apply(cmd, cfg)
		if cmd.Flags().Changed("listen") {
			cfg.Server.Listen = serveListen
		}
		if err := validatePipelineConfig(cfg); err != nil {
			return err
		}
		return runServe(cmd.Context(), cfg, os.Stdin, os.Stdout)
	},
}

func init() {
	addPipelineFlags(serveCmd, &serveFlags)
	serveCmd.Flags().DurationVar(&serveFlags.Interval, "interval", config.Default().Capture.Interval, "Delay between frames while running")
	serveCmd.Flags().StringVarP(&serveListen, "listen", "l", "", "Address for the HTTP control API, e.g. :8080 (disabled when empty)")
	rootCmd.AddCommand(serveCmd)
}

func runServe(ctx context.Context, c *config.Config, stdin io.Reader, stdout io.Writer) error {
	p, err := buildPipeline(ctx, c, showsFrames(c))
	if err != nil {
		return err
	}
	defer p.Close()

	st, err := openStore(ctx, c)
	if err != nil {
		return err
	}

	logger := logging.From(ctx)
	sess := session.New(p.gallery, p.matcher, st, sourceOpener(c),
		session.WithSink(newSink(c)),
		session.WithInterval(c.Capture.Interval),
		session.WithLogger(logger),
	)
	defer func() {
		sess.Stop()
		// Let in-flight commits land before the process exits
		sess.Wait()
	}()

	if c.Server.Listen != "" {
		srv := server.New(c.Server.Listen, sess, st, logger)
		go func() {
			if err := srv.Start(); err != nil {
				logger.Error("control API stopped", "error", err)
			}
		}()
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := srv.Shutdown(shutdownCtx); err != nil {
				logger.Warn("control API shutdown", "error", err)
			}
		}()
	}

	fmt.Fprintln(os.Stderr, "🟢 Ready. Commands: start, stop, commit, status, quit")
	return controlLoop(ctx, stdin, stdout, sess)
}

// controlLoop executes stdin commands against ctrl until quit, EOF or ctx is
// done. Commits run in the background; their outcomes are printed before it
// returns.
func controlLoop(ctx context.Context, in io.Reader, out io.Writer, ctrl server.Controller) error {
	var (
		outMu     sync.Mutex
		reporters sync.WaitGroup
	)
	defer reporters.Wait()

	printf := func(format string, args ...any) {
		outMu.Lock()
		defer outMu.Unlock()
		fmt.Fprintf(out, format, args...)
	}

	readCtx, stopReading := context.WithCancel(ctx)
	defer stopReading()

	lines := make(chan string)
	go func() {
		defer close(lines)
		scanner := bufio.NewScanner(in)
		for scanner.Scan() {
			select {
			case lines <- scanner.Text():
			case <-readCtx.Done():
				return
			}
		}
	}()

	for {
		var line string
		select {
		case <-ctx.Done():
			return nil
		case l, ok := <-lines:
			if !ok {
				return nil
			}
			line = l
		}

		switch cmd := strings.ToLower(strings.TrimSpace(line)); cmd {
		case "":
		case "start":
			if err := ctrl.Start(ctx); err != nil {
				printf("❌ Failed to start capture: %v\n", err)
				continue
			}
			printf("🎥 Capture running\n")
		case "stop":
			ctrl.Stop()
			printf("⏹️  Capture stopped\n")
		case "commit":
			outcome := ctrl.Commit(ctx)
			reporters.Add(1)
			go func() {
				defer reporters.Done()
				printf("%s\n", formatOutcome(<-outcome))
			}()
		case "status":
			data, _ := json.Marshal(ctrl.Status())
			printf("%s\n", data)
		case "q", "quit", "exit":
			return nil
		default:
			printf("Unknown command %q. Commands: start, stop, commit, status, quit\n", cmd)
		}
	}
}
