package cmd

import (
	"context"
	"fmt"
	"net/url"
	"os"
	"os/signal"
	"path/filepath"
	"sync/atomic"
	"syscall"

	"github.com/conneroisu/docserve/internal/config"
	"github.com/conneroisu/docserve/internal/errors"
	"github.com/conneroisu/docserve/internal/livereload"
	"github.com/conneroisu/docserve/internal/logging"
	"github.com/conneroisu/docserve/internal/project"
	"github.com/conneroisu/docserve/internal/render"
	"github.com/conneroisu/docserve/internal/renderqueue"
	"github.com/conneroisu/docserve/internal/serve"
	"github.com/conneroisu/docserve/internal/server"
	"github.com/spf13/cobra"
)

var serveCmd = &cobra.Command{
	Use:     "serve [project-dir]",
	Aliases: []string{"s", "preview"},
	Short:   "Preview a project with live reload",
	Long: `Render-on-change preview of a document project.

Inputs are re-rendered as they are saved, the rendered output is copied to a
staging directory and served over HTTP, and connected browsers reload (or
navigate to the changed page) once changes settle.

The render command runs as "<command> <render.args...> <input>". The default,
"pandoc --standalone --output={stem}.html", writes each page next to its
input; {stem} is the input path without its extension. Commands that print
to stdout need render.args that name an output file, or nothing reaches the
output directory.

Examples:
  docserve serve                          # Preview the current directory
  docserve serve ./book --port 5000       # Preview another project
  docserve serve --no-watch-inputs        # Only react to rendered output
  docserve serve --output-file out.html   # Poll a single output file`,
	Args: cobra.MaximumNArgs(1),
	RunE: runServe,
}

func init() {
	rootCmd.AddCommand(serveCmd)

	flags := serveCmd.Flags()
	flags.IntP("port", "p", config.DefaultPort, "Port to serve on (0 picks a free port)")
	flags.String("host", config.DefaultHost, "Host to bind to")
	flags.Bool("no-watch-inputs", false, "Don't re-render inputs when they change")
	flags.Bool("no-navigate", false, "Reload in place instead of navigating to the changed page")
	flags.Bool("render-on-reload", false, "Leave rendering to the server on request")
	flags.String("output-file", "", "Poll this single output file instead of watching the output directory")
	flags.Duration("debounce", config.DefaultDebounce, "Quiet period before browsers reload")
	flags.Duration("poll-interval", config.DefaultPollInterval, "Output file polling interval")
	flags.String("render-command", config.DefaultCommand, "Command used to render inputs")
	flags.String("staging-dir", "", "Directory the output is staged in (default is a temporary directory)")
	flags.String("preview-host", "", "Host embedding the preview; presentations are not reloaded under it")

	AddFlagValidation(serveCmd, "port", ValidatePort)
	AddFlagValidation(serveCmd, "debounce", ValidatePositiveDuration)
	AddFlagValidation(serveCmd, "poll-interval", ValidatePositiveDuration)

	bindFlags(flags, map[string]string{
		"port":             "server.port",
		"host":             "server.host",
		"render-on-reload": "watch.render_on_reload",
		"output-file":      "watch.output_file",
		"debounce":         "watch.debounce",
		"poll-interval":    "watch.poll_interval",
		"render-command":   "render.command",
		"staging-dir":      "preview.staging_dir",
		"preview-host":     "preview.host",
	})
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load()
	if err != nil {
		return errors.NewConfigError(errors.CodeInvalidConfig, "failed to load configuration", err)
	}
	cfg.ProjectDir = "."
	if len(args) > 0 {
		cfg.ProjectDir = args[0]
	}
	applyNegatedFlags(cmd, cfg)

	loggerCfg, err := cfg.LoggerConfig()
	if err != nil {
		return errors.NewConfigError(errors.CodeInvalidConfig, "invalid log level", err)
	}
	logger := logging.NewLogger(loggerCfg)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	return runPreview(ctx, cfg, logger, func(url string) {
		fmt.Fprintf(cmd.OutOrStdout(), "Watching files for changes\nBrowse at %s\n", url)
	})
}

// applyNegatedFlags maps the --no-* flags onto their positive settings.
// They only apply when given, so the config file still decides otherwise.
func applyNegatedFlags(cmd *cobra.Command, cfg *config.Config) {
	flags := cmd.Flags()
	if flags.Changed("no-watch-inputs") {
		off, _ := flags.GetBool("no-watch-inputs")
		cfg.Watch.Inputs = !off
	}
	if flags.Changed("no-navigate") {
		off, _ := flags.GetBool("no-navigate")
		cfg.Watch.Navigate = !off
	}
}

// runPreview loads the project and runs a preview session until ctx is
// cancelled. ready receives the browse URL once the server is listening.
func runPreview(ctx context.Context, cfg *config.Config, logger logging.Logger, ready func(url string)) error {
	loader := project.NewFileLoader()
	p, err := loader.Load(ctx, cfg.ProjectDir)
	if err != nil {
		return errors.NewConfigError(errors.CodeProjectLoad, "failed to load project", err).WithPath(cfg.ProjectDir)
	}

	renderer, err := newRenderer(cfg)
	if err != nil {
		return err
	}

	stagingDir, cleanup, err := stagingDirectory(cfg)
	if err != nil {
		return err
	}
	defer cleanup()

	queue := renderqueue.New(ctx)

	var origins atomic.Pointer[livereload.HostOriginValidator]
	live := livereload.NewManager(livereload.DefaultPath, livereload.OriginValidatorFunc(func(origin string) bool {
		v := origins.Load()
		return v != nil && v.IsAllowedOrigin(origin)
	}), logger)

	var current atomic.Pointer[serve.Coordinator]
	srv := server.New(server.Options{
		Host:        cfg.Server.Host,
		Port:        cfg.Server.Port,
		StagingDir:  stagingDir,
		Live:        live,
		RenderStats: queue.Stats,
		InputFor: func(rel string) (string, bool) {
			c := current.Load()
			if c == nil {
				return "", false
			}
			return c.Project().InputForOutput(rel)
		},
	}, logger)
	if err := srv.Listen(); err != nil {
		return errors.NewIOError(errors.CodeListen, "failed to start server", err).
			WithContext("address", srv.Addr())
	}
	origins.Store(livereload.NewHostOriginValidator(cfg.Server.Host, srv.Port(), originHosts(cfg.Server.AllowedOrigins)...))

	opts := serve.Options{
		WatchInputs:    cfg.Watch.Inputs,
		Navigate:       cfg.Watch.Navigate,
		RenderOnReload: cfg.Watch.RenderOnReload,
		ServeDir:       stagingDir,
		Debounce:       cfg.Watch.Debounce,
	}
	for _, res := range cfg.Watch.ExtraResources {
		opts.ExtraResources = append(opts.ExtraResources, projectPath(p, res))
	}
	if cfg.Watch.OutputFile != "" {
		outputFile := projectPath(p, cfg.Watch.OutputFile)
		opts.OutputFile = func() string { return outputFile }
	}

	session := serve.NewSession(serve.SessionConfig{
		Project: p,
		Options: opts,
		Deps: serve.Deps{
			Loader:    loader,
			Renderer:  renderer,
			Queue:     queue,
			Transport: live,
			Guard:     serve.NewReloadGuard(cfg.Preview.Host, cfg.Watch.Inputs),
			Logger:    logger,
		},
		PollInterval: cfg.Watch.PollInterval,
		HTTP:         srv,
		OnReady: func(c *serve.Coordinator) {
			current.Store(c)
			if ready != nil {
				ready(srv.URL())
			}
		},
	})
	return session.Run(ctx)
}

func newRenderer(cfg *config.Config) (render.Renderer, error) {
	fallback, err := render.NewCommandRenderer(cfg.Render.Command, cfg.Render.Args, cfg.Render.ProjectArgs)
	if err != nil {
		return nil, err
	}
	registry := render.NewRegistry(fallback)
	for ext, line := range cfg.RenderCommands() {
		r, err := render.NewCommandRenderer(line[0], line[1:], cfg.Render.ProjectArgs)
		if err != nil {
			return nil, fmt.Errorf("render command for %s: %w", ext, err)
		}
		registry.Register(ext, r)
	}
	return registry, nil
}

// stagingDirectory returns the configured staging directory, or a fresh
// temporary one that cleanup removes.
func stagingDirectory(cfg *config.Config) (string, func(), error) {
	if cfg.Preview.StagingDir != "" {
		dir, err := filepath.Abs(cfg.Preview.StagingDir)
		if err != nil {
			return "", nil, err
		}
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return "", nil, errors.NewIOError(errors.CodeStaging, "failed to create staging directory", err).WithPath(dir)
		}
		return dir, func() {}, nil
	}
	dir, err := os.MkdirTemp("", "docserve-*")
	if err != nil {
		return "", nil, errors.NewIOError(errors.CodeStaging, "failed to create staging directory", err)
	}
	return dir, func() { os.RemoveAll(dir) }, nil
}

// projectPath resolves a configured path against the project directory.
func projectPath(p *project.Context, path string) string {
	if filepath.IsAbs(path) {
		return filepath.Clean(path)
	}
	return filepath.Join(p.Dir, path)
}

// originHosts accepts either full origins or bare host:port values.
func originHosts(origins []string) []string {
	hosts := make([]string, 0, len(origins))
	for _, o := range origins {
		if u, err := url.Parse(o); err == nil && u.Host != "" {
			hosts = append(hosts, u.Host)
			continue
		}
		hosts = append(hosts, o)
	}
	return hosts
}
