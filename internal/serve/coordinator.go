package serve

import (
	"context"
	"os"
	"path/filepath"
	"sync/atomic"
	"time"

	"github.com/conneroisu/docserve/internal/classify"
	"github.com/conneroisu/docserve/internal/debounce"
	"github.com/conneroisu/docserve/internal/errors"
	"github.com/conneroisu/docserve/internal/fingerprint"
	"github.com/conneroisu/docserve/internal/logging"
	"github.com/conneroisu/docserve/internal/project"
	"github.com/conneroisu/docserve/internal/render"
	"github.com/conneroisu/docserve/internal/renderqueue"
	"github.com/conneroisu/docserve/internal/watcher"
)

// DefaultDebounce is the quiescence window before clients are reloaded.
const DefaultDebounce = 100 * time.Millisecond

// Transport notifies connected browsers. An empty target reloads in place.
type Transport interface {
	Reload(target string)
}

// Stager keeps the serve-time staging copy of the output in sync.
type Stager interface {
	CopyForServe(ctx context.Context, p *project.Context, fullRefresh bool, targetDir string) error
}

// Options control how the coordinator reacts to changes.
type Options struct {
	// WatchInputs renders inputs as soon as they change.
	WatchInputs bool
	// Navigate sends browsers to the most recently changed page.
	Navigate bool
	// RenderOnReload means the server renders on request, so configuration
	// changes never trigger a full render here.
	RenderOnReload bool
	// OutputFile, when set, names the single output being previewed. Changes
	// to it are detected by polling rather than by the output watcher.
	OutputFile func() string
	// ServeDir is the staging directory served over HTTP.
	ServeDir string
	// ExtraResources are resource files that belong to no project glob.
	ExtraResources []string
	// Debounce is the quiescence window before reloading clients.
	Debounce time.Duration
}

// Deps are the collaborators of a Coordinator.
type Deps struct {
	Loader    project.Loader
	Renderer  render.Renderer
	Queue     *renderqueue.Queue
	Stager    Stager
	Transport Transport
	Guard     ReloadGuard
	Logger    logging.Logger
}

// Coordinator turns watch events into renders, staging copies and reloads.
type Coordinator struct {
	ctx  context.Context
	opts Options

	loader    project.Loader
	renderer  render.Renderer
	queue     *renderqueue.Queue
	stager    Stager
	transport Transport
	guard     ReloadGuard
	logger    logging.Logger
	errs      *errors.ErrorHandler

	project   atomic.Pointer[project.Context]
	rendered  *fingerprint.Cache
	modified  *ModifiedLog
	debouncer *debounce.Debouncer[Decision]
}

// NewCoordinator creates a coordinator for p. Debounced reloads run with ctx.
func NewCoordinator(ctx context.Context, p *project.Context, opts Options, deps Deps) *Coordinator {
	if opts.Debounce <= 0 {
		opts.Debounce = DefaultDebounce
	}
	if deps.Guard == nil {
		deps.Guard = NeverPrevent{}
	}
	if deps.Logger == nil {
		deps.Logger = logging.NewNopLogger()
	}
	if deps.Queue == nil {
		deps.Queue = renderqueue.New(ctx)
	}
	if deps.Stager == nil {
		deps.Stager = project.NewStager()
	}
	if opts.ServeDir != "" {
		if abs, err := filepath.Abs(opts.ServeDir); err == nil {
			opts.ServeDir = abs
		}
	}

	logger := deps.Logger.WithComponent("coordinator")
	c := &Coordinator{
		ctx:       ctx,
		opts:      opts,
		loader:    deps.Loader,
		renderer:  deps.Renderer,
		queue:     deps.Queue,
		stager:    deps.Stager,
		transport: deps.Transport,
		guard:     deps.Guard,
		logger:    logger,
		errs:      errors.NewErrorHandler(logger),
		rendered:  fingerprint.NewCache(),
		modified:  &ModifiedLog{},
	}
	c.project.Store(p)
	c.debouncer = debounce.New(opts.Debounce, MergeDecisions, func(d Decision) {
		c.ReloadClients(c.ctx, d)
	})
	return c
}

// Project returns the current project snapshot.
func (c *Coordinator) Project() *project.Context {
	return c.project.Load()
}

// Queue returns the render queue shared by every render this coordinator
// triggers.
func (c *Coordinator) Queue() *renderqueue.Queue {
	return c.queue
}

// WatchPaths is the path list the input watcher follows. It is recomputed
// from the current snapshot on every call.
func (c *Coordinator) WatchPaths() []string {
	return c.Project().WatchPaths(c.opts.WatchInputs)
}

// Refresh reloads project configuration from disk and swaps in the new
// snapshot. On failure the previous snapshot stays in place.
func (c *Coordinator) Refresh(ctx context.Context) error {
	if c.loader == nil {
		return nil
	}
	p, err := c.loader.Load(ctx, c.Project().Dir)
	if err != nil {
		return errors.NewConfigError(errors.CodeProjectLoad, "failed to refresh project configuration", err).
			WithPath(c.Project().Dir)
	}
	c.project.Store(p)
	return nil
}

// HandleFileChange runs one watch event through the pipeline and feeds any
// resulting decision to the debouncer.
func (c *Coordinator) HandleFileChange(ctx context.Context, ev watcher.WatchEvent) {
	if d := c.HandleWatchEvent(ctx, ev); d != nil {
		c.Notify(*d)
	}
}

// Notify queues a decision for the next debounced reload.
func (c *Coordinator) Notify(d Decision) {
	c.debouncer.Notify(d)
}

// Flush runs any pending debounced reload immediately.
func (c *Coordinator) Flush() {
	c.debouncer.Flush()
}

// Stop abandons any pending reload and waits for one in flight.
func (c *Coordinator) Stop() {
	c.debouncer.Stop()
}

// HandleWatchEvent classifies ev and returns the decision it produces, or nil.
// Changed inputs are rendered immediately when input watching is on.
func (c *Coordinator) HandleWatchEvent(ctx context.Context, ev watcher.WatchEvent) *Decision {
	p := c.Project()
	cls := classify.New(p, c.opts.ExtraResources)

	paths := visiblePaths(cls, c.opts.ServeDir, ev.Paths)
	if len(paths) == 0 {
		return nil
	}
	if ev.Kind != watcher.Create && ev.Kind != watcher.Modify {
		return nil
	}
	c.modified.Append(paths...)

	if c.opts.WatchInputs {
		inputs, err := c.changedInputs(cls, paths)
		if err != nil {
			c.errs.Handle(ctx, err)
			return nil
		}
		if len(inputs) > 0 {
			return c.renderInputs(ctx, p, inputs)
		}
	}

	configFile := false
	configResource := false
	resource := false
	outputDir := false
	for _, path := range paths {
		configFile = configFile || cls.IsConfigFile(path)
		configResource = configResource || cls.IsConfigResourceFile(path)
		resource = resource || cls.IsResourceFile(path)
		outputDir = outputDir || (c.opts.OutputFile == nil && cls.InOutputDir(path))
	}
	inputRemoved := anyMissing(p.Files.Inputs)

	config := configFile || inputRemoved
	if !config && !configResource && !resource && !outputDir {
		return nil
	}
	return &Decision{Config: config, Output: outputDir}
}

// changedInputs returns the inputs among paths whose content differs from
// what was last rendered, recording the new fingerprints.
func (c *Coordinator) changedInputs(cls *classify.Classifier, paths []string) ([]string, error) {
	var candidates []string
	for _, path := range paths {
		if cls.IsInputFile(path) {
			candidates = append(candidates, path)
		}
	}
	if len(candidates) == 0 {
		return nil, nil
	}
	inputs, err := c.rendered.Update(candidates...)
	if err != nil {
		return nil, errors.NewIOError(errors.CodeFingerprint, "failed to fingerprint input", err)
	}
	return inputs, nil
}

func (c *Coordinator) renderInputs(ctx context.Context, p *project.Context, inputs []string) *Decision {
	perf := logging.StartOperation(c.logger, "render_inputs")
	res, err := c.queue.Submit(ctx, func(ctx context.Context) render.Result {
		if len(inputs) > 1 {
			return c.renderer.RenderProject(ctx, p, inputs)
		}
		return c.renderer.RenderOne(ctx, inputs[0])
	})
	if err == nil {
		err = res.Err
	}
	if err != nil {
		perf.EndWithError(ctx, err)
		c.errs.Handle(ctx, err)
		return nil
	}
	perf.End(ctx)
	return &Decision{Config: false, Output: true}
}

// ReloadClients is the debounced reload step: it renders when configuration
// changed, refreshes the staging copy and notifies browsers.
func (c *Coordinator) ReloadClients(ctx context.Context, d Decision) {
	if err := c.reloadClients(ctx, d); err != nil {
		c.errs.Handle(ctx, err)
	}
}

func (c *Coordinator) reloadClients(ctx context.Context, d Decision) error {
	if !d.Output && !c.opts.RenderOnReload {
		if err := c.Refresh(ctx); err != nil {
			return err
		}
		p := c.Project()
		res, err := c.queue.Submit(ctx, func(ctx context.Context) render.Result {
			return c.renderer.RenderProject(ctx, p, nil)
		})
		if err != nil {
			return err
		}
		if res.Err != nil {
			c.errs.Handle(ctx, res.Err)
		}
	}

	p := c.Project()
	if d.Config {
		for _, staged := range project.StagedInputs(p, c.opts.ServeDir) {
			if err := project.RemoveIfExists(staged); err != nil {
				return errors.NewIOError(errors.CodeStaging, "failed to remove staged input", err).WithPath(staged)
			}
		}
	}
	if err := c.stager.CopyForServe(ctx, p, !c.opts.RenderOnReload, c.opts.ServeDir); err != nil {
		return errors.NewIOError(errors.CodeStaging, "failed to stage project for serving", err).
			WithPath(c.opts.ServeDir)
	}
	if d.Config {
		if err := c.Refresh(ctx); err != nil {
			return err
		}
		p = c.Project()
	}

	lastHTML := lastWithExt(c.modified.Drain(), ".html")
	if lastHTML != "" && c.guard.PreventReload(p, lastHTML) {
		c.logger.Debug(ctx, "Reload suppressed for host preview", "file", lastHTML)
		return nil
	}

	target := c.navigationTarget(p, lastHTML)
	c.logger.Info(ctx, "Reloading clients", "target", target, "config", d.Config, "output", d.Output)
	if c.transport != nil {
		c.transport.Reload(target)
	}
	return nil
}

// navigationTarget converts file to the URL path browsers should load, or ""
// when navigation is off or the page is not present in the output directory.
func (c *Coordinator) navigationTarget(p *project.Context, file string) string {
	if file == "" || !c.opts.Navigate {
		return ""
	}
	out := p.OutputDir()
	base := p.Dir
	if project.IsWithin(file, out) {
		base = out
	}
	rel, err := filepath.Rel(base, file)
	if err != nil {
		return ""
	}
	if _, err := os.Stat(filepath.Join(out, rel)); err != nil {
		return ""
	}
	return "/" + filepath.ToSlash(rel)
}

// visiblePaths drops hidden paths, paths inside the staging directory and
// duplicates, keeping first-seen order. Staged copies are our own writes.
func visiblePaths(cls *classify.Classifier, serveDir string, paths []string) []string {
	seen := make(map[string]struct{}, len(paths))
	out := make([]string, 0, len(paths))
	for _, path := range paths {
		if cls.IsHidden(path) || project.IsWithin(path, serveDir) {
			continue
		}
		if _, ok := seen[path]; ok {
			continue
		}
		seen[path] = struct{}{}
		out = append(out, path)
	}
	return out
}

func anyMissing(paths []string) bool {
	for _, path := range paths {
		if _, err := os.Stat(path); os.IsNotExist(err) {
			return true
		}
	}
	return false
}
