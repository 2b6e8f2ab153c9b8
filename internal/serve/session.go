package serve

import (
	"context"
	"time"

	"github.com/conneroisu/docserve/internal/errors"
	"github.com/conneroisu/docserve/internal/logging"
	"github.com/conneroisu/docserve/internal/project"
	"github.com/conneroisu/docserve/internal/watcher"
	"golang.org/x/sync/errgroup"
)

// Runner is a long-lived task owned by a session, such as the HTTP server.
// Run returns once ctx is cancelled.
type Runner interface {
	Run(ctx context.Context) error
}

// ShutdownTransport is a Transport that holds connections to close on exit.
type ShutdownTransport interface {
	Transport
	Shutdown(ctx context.Context) error
}

// SessionConfig wires a Session.
type SessionConfig struct {
	Project *project.Context
	Options Options
	Deps    Deps
	// PollInterval is the OutputFile polling interval.
	PollInterval time.Duration
	// HTTP serves the staging directory. Optional.
	HTTP Runner
	// OnReady is called with the coordinator once the initial staging copy
	// exists and the watchers are running. Optional.
	OnReady func(c *Coordinator)
}

// Session owns every background task of one preview: the input and output
// watch loops, the output poller, and the HTTP server.
type Session struct {
	cfg    SessionConfig
	logger logging.Logger
}

// NewSession creates a session.
func NewSession(cfg SessionConfig) *Session {
	logger := cfg.Deps.Logger
	if logger == nil {
		logger = logging.NewNopLogger()
	}
	cfg.Deps.Logger = logger
	return &Session{cfg: cfg, logger: logger.WithComponent("session")}
}

// Run stages the project, starts all tasks and blocks until ctx is
// cancelled. Only the initial staging copy and the HTTP server can fail the
// session; watch problems degrade to warnings.
func (s *Session) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)
	c := NewCoordinator(ctx, s.cfg.Project, s.cfg.Options, s.cfg.Deps)

	opts := s.cfg.Options
	if err := c.stager.CopyForServe(ctx, c.Project(), true, opts.ServeDir); err != nil {
		return errors.NewIOError(errors.CodeStaging, "failed to stage project for serving", err).
			WithPath(opts.ServeDir)
	}

	inputs := watcher.NewInputWatcher(c.WatchPaths, s.logger)
	if err := inputs.Start(ctx); err != nil {
		c.errs.Handle(ctx, err)
	} else {
		g.Go(func() error {
			for ev := range inputs.Events() {
				c.HandleFileChange(ctx, ev)
			}
			return nil
		})
	}

	outputs := watcher.NewOutputWatcher(c.Project().OutputDir(), s.logger, opts.ServeDir)
	if err := outputs.Start(ctx); err != nil {
		s.logger.Warn(ctx, err, "Error attempting to initialize preview file watcher, you may need to manually refresh to see changes")
	} else {
		g.Go(func() error {
			for ev := range outputs.Events() {
				c.HandleFileChange(ctx, ev)
			}
			return nil
		})
	}

	if opts.OutputFile != nil {
		poller := watcher.NewOutputPoller(opts.OutputFile, s.cfg.PollInterval, s.logger)
		g.Go(func() error {
			return poller.Run(ctx, func(context.Context) {
				c.Notify(Decision{Output: true})
			})
		})
	}

	if s.cfg.HTTP != nil {
		g.Go(func() error {
			return s.cfg.HTTP.Run(ctx)
		})
	}

	if s.cfg.OnReady != nil {
		s.cfg.OnReady(c)
	}
	s.logger.Info(ctx, "Preview session started",
		"project", c.Project().Dir,
		"output", c.Project().OutputDir(),
		"watch_inputs", opts.WatchInputs,
	)

	<-ctx.Done()
	c.Stop()
	s.shutdownTransport()

	err := g.Wait()
	s.logger.Info(context.Background(), "Preview session stopped")
	return err
}

func (s *Session) shutdownTransport() {
	t, ok := s.cfg.Deps.Transport.(ShutdownTransport)
	if !ok {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := t.Shutdown(ctx); err != nil {
		s.logger.Warn(ctx, errors.NewIOError(errors.CodeTransportShutdown, "live reload shutdown failed", err), "Transport shutdown failed")
	}
}
