// Package session drives the recognition pipeline: it pulls frames from a
// source, matches them against the gallery, aggregates the recognized
// identities and commits them as attendance.
package session

import (
	"context"
	"errors"
	"image"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/andresmejia3/rollcall/internal/aggregator"
	"github.com/andresmejia3/rollcall/internal/capture"
	"github.com/andresmejia3/rollcall/internal/gallery"
	"github.com/andresmejia3/rollcall/internal/logging"
	"github.com/andresmejia3/rollcall/internal/matcher"
	"github.com/andresmejia3/rollcall/internal/store"
	"github.com/andresmejia3/rollcall/internal/types"
	"github.com/google/uuid"
	"github.com/m-mizutani/goerr/v2"
)

var ErrAlreadyRunning = goerr.New("session is already running")

// State is the capture state of a session. Commit is legal in both.
type State int

const (
	Idle State = iota
	Running
)

func (s State) String() string {
	if s == Running {
		return "running"
	}
	return "idle"
}

// FrameMatcher is satisfied by *matcher.Matcher.
type FrameMatcher interface {
	Match(ctx context.Context, frame image.Image, g *gallery.Gallery) (*matcher.Result, error)
}

// Committer is satisfied by *store.Store.
type Committer interface {
	Commit(ctx context.Context, ids types.IdentitySet, date time.Time) (*store.CommitResult, error)
}

// CommitOutcome reports one commit. IDs is empty when there was nothing to write.
type CommitOutcome struct {
	IDs    []string
	Result *store.CommitResult
	Err    error
}

// Status is a point-in-time view for the CLI and the API.
type Status struct {
	ID          string   `json:"id"`
	State       string   `json:"state"`
	Pending     []string `json:"pending"`
	Frames      int64    `json:"frames"`
	Matched     int64    `json:"matched"`
	Commits     int64    `json:"commits"`
	GallerySize int      `json:"gallery_size"`
}

// run is one Running period: a source being consumed until cancel.
type run struct {
	cancel context.CancelFunc
	done   chan struct{}
}

type Session struct {
	ID string

	gallery  *gallery.Gallery
	matcher  FrameMatcher
	agg      *aggregator.Aggregator
	store    Committer
	open     capture.Opener
	sink     capture.Sink
	nth      int
	interval time.Duration
	now      func() time.Time
	logger   *slog.Logger

	mu      sync.Mutex
	current *run
	opening *run

	commits sync.WaitGroup

	frames    atomic.Int64
	matched   atomic.Int64
	committed atomic.Int64
}

type Option func(*Session)

func WithSink(sink capture.Sink) Option { return func(s *Session) { s.sink = sink } }
func WithNthFrame(n int) Option { return func(s *Session) { s.nth = n } }
func WithInterval(d time.Duration) Option { return func(s *Session) { s.interval = d } }
func WithClock(now func() time.Time) Option { return func(s *Session) { s.now = now } }
func WithLogger(l *slog.Logger) Option { return func(s *Session) { s.logger = l } }

func New(g *gallery.Gallery, m FrameMatcher, st Committer, open capture.Opener, opts ...Option) *Session {
	s := &Session{
		ID:       uuid.NewString(),
		gallery:  g,
		matcher:  m,
		agg:      aggregator.New(),
		store:    st,
		open:     open,
		sink:     capture.DiscardSink{},
		nth:      2,
		interval: 10 * time.Millisecond,
		now:      time.Now,
		logger:   logging.Default(),
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.nth < 1 {
		s.nth = 1
	}
	s.logger = s.logger.With("session", s.ID)
	return s
}

func (s *Session) Gallery() *gallery.Gallery { return s.gallery }

func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.current != nil {
		return Running
	}
	return Idle
}

// Pending returns the identities recognized since the last successful commit.
func (s *Session) Pending() []string {
	return s.agg.Snapshot().Sorted()
}

func (s *Session) Status() Status {
	return Status{
		ID:          s.ID,
		State:       s.State().String(),
		Pending:     s.Pending(),
		Frames:      s.frames.Load(),
		Matched:     s.matched.Load(),
		Commits:     s.committed.Load(),
		GallerySize: s.gallery.Len(),
	}
}

// acquire opens the source and registers a new run. The open happens outside
// s.mu so a slow device does not block State or Status; opening claims the
// slot so a concurrent start is rejected and Stop can abort it.
func (s *Session) acquire(parent context.Context) (*run, capture.Source, context.Context, error) {
	s.mu.Lock()
	if s.current != nil || s.opening != nil {
		s.mu.Unlock()
		return nil, nil, nil, ErrAlreadyRunning
	}
	ctx, cancel := context.WithCancel(parent)
	r := &run{cancel: cancel, done: make(chan struct{})}
	s.opening = r
	s.mu.Unlock()

	src, err := s.open(ctx)

	s.mu.Lock()
	defer s.mu.Unlock()
	s.opening = nil
	if err == nil && ctx.Err() != nil {
		src.Close()
		err = ctx.Err()
	}
	if err != nil {
		cancel()
		close(r.done)
		return nil, nil, nil, goerr.Wrap(err, "failed to open frame source", goerr.V("session", s.ID))
	}
	// A blocked Next only returns once the source is closed.
	context.AfterFunc(ctx, func() { src.Close() })

	s.current = r
	return r, src, ctx, nil
}

// release closes the source, returns the session to Idle and clears the sink.
func (s *Session) release(r *run, src capture.Source) {
	r.cancel()
	if err := src.Close(); err != nil {
		s.logger.Debug("closing frame source", "error", err)
	}

	s.mu.Lock()
	if s.current == r {
		s.current = nil
	}
	s.mu.Unlock()

	if err := s.sink.Clear(); err != nil {
		s.logger.Warn("failed to clear render sink", "error", err)
	}
	close(r.done)
}

// RunToCompletion consumes the source until end of stream or until ctx is
// cancelled, matching every Nth frame, then commits once. The commit runs
// even when ctx was cancelled. A frame read failure ends the run like end of
// stream; a matcher failure ends it with an error, after committing what was
// collected.
func (s *Session) RunToCompletion(ctx context.Context) (*CommitOutcome, error) {
	r, src, runCtx, err := s.acquire(ctx)
	if err != nil {
		return nil, err
	}

	s.logger.Info("session started", "mode", "run-to-completion", "nth_frame", s.nth)
	runErr := s.consume(runCtx, src)
	s.release(r, src)

	out := s.commit(context.WithoutCancel(ctx))
	if runErr != nil {
		return &out, runErr
	}
	return &out, out.Err
}

func (s *Session) consume(ctx context.Context, src capture.Source) error {
	for i := 0; ; i++ {
		f, err := src.Next(ctx)
		if err != nil {
			switch {
			case ctx.Err() != nil:
				s.logger.Info("quit requested, stopping capture")
			case errors.Is(err, io.EOF):
				s.logger.Info("end of stream")
			default:
				s.logger.Warn("frame read failed, ending session", "error", err)
			}
			return nil
		}

		if err := s.process(ctx, f, i%s.nth == 0); err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return err
		}
	}
}

// process matches f when match is set; unmatched frames go to the sink as-is.
func (s *Session) process(ctx context.Context, f *capture.Frame, match bool) error {
	s.frames.Add(1)
	if !match {
		s.show(f)
		return nil
	}

	res, err := s.matcher.Match(ctx, f.Image, s.gallery)
	if err != nil {
		return goerr.Wrap(err, "frame matching failed", goerr.V("frame", f.Index))
	}
	s.matched.Add(1)
	s.agg.Add(res.IDs)
	if len(res.IDs) > 0 {
		s.logger.Debug("recognized", "frame", f.Index, "ids", res.IDs.Sorted())
	}
	s.show(&capture.Frame{Index: f.Index, Image: res.Frame})
	return nil
}

func (s *Session) show(f *capture.Frame) {
	if err := s.sink.Show(f); err != nil {
		s.logger.Warn("failed to render frame", "frame", f.Index, "error", err)
	}
}

// Start opens the source and matches every frame on a background pump
// until Stop. Starting a running (or opening) session is a no-op. If the
// source cannot be opened the session stays Idle.
func (s *Session) Start(ctx context.Context) error {
	// The pump outlives the request that started it.
	r, src, runCtx, err := s.acquire(context.WithoutCancel(ctx))
	if errors.Is(err, ErrAlreadyRunning) {
		return nil
	}
	if err != nil {
		return err
	}

	s.logger.Info("session started", "mode", "continuous", "interval", s.interval)
	go s.pump(runCtx, r, src)
	return nil
}

// pump is driven by a timer re-armed after each tick, so a slow frame
// delays the next one instead of queueing ticks.
func (s *Session) pump(ctx context.Context, r *run, src capture.Source) {
	defer s.release(r, src)

	timer := time.NewTimer(0)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-timer.C:
		}

		f, err := src.Next(ctx)
		if err != nil {
			switch {
			case ctx.Err() != nil:
			case errors.Is(err, io.EOF):
				s.logger.Info("frame source ended, session idle")
			default:
				s.logger.Error("frame read failed, session idle", "error", err)
			}
			return
		}
		if err := s.process(ctx, f, true); err != nil {
			if ctx.Err() == nil {
				s.logger.Error("capture stopped", "error", err)
			}
			return
		}

		timer.Reset(s.interval)
	}
}

// Stop ends the current run, or aborts one still opening its source, and
// waits until the source is released. It is safe to call in any state.
func (s *Session) Stop() {
	s.mu.Lock()
	r := s.current
	if r == nil {
		r = s.opening
	}
	s.mu.Unlock()
	if r == nil {
		return
	}

	r.cancel()
	<-r.done
	s.logger.Info("session stopped")
}

// Commit drains the aggregator and persists it on a background goroutine.
// The returned channel yields exactly one outcome. Cancelling ctx does not
// abort a commit that has started.
func (s *Session) Commit(ctx context.Context) <-chan CommitOutcome {
	out := make(chan CommitOutcome, 1)
	s.commits.Add(1)
	go func() {
		defer s.commits.Done()
		out <- s.commit(context.WithoutCancel(ctx))
		close(out)
	}()
	return out
}

// Wait blocks until every commit started with Commit has finished.
func (s *Session) Wait() {
	s.commits.Wait()
}

func (s *Session) commit(ctx context.Context) CommitOutcome {
	ctx = logging.With(ctx, s.logger)

	ids := make(types.IdentitySet)
	for id := range s.agg.DrainAndClear() {
		if !s.gallery.Has(id) {
			s.logger.Warn("dropping identity not in gallery", "id", id)
			continue
		}
		ids.Add(id)
	}
	if len(ids) == 0 {
		s.logger.Info("nothing to commit")
		return CommitOutcome{}
	}

	res, err := s.store.Commit(ctx, ids, s.now())
	if err != nil {
		// Put them back so the next commit retries them.
		s.agg.Add(ids)
		err = goerr.Wrap(err, "attendance commit failed",
			goerr.V("session", s.ID),
			goerr.V("identities", ids.Sorted()))
		s.logger.Error("commit failed, identities kept for the next commit", "error", err)
		return CommitOutcome{IDs: ids.Sorted(), Err: err}
	}

	s.committed.Add(1)
	return CommitOutcome{IDs: ids.Sorted(), Result: res}
}
