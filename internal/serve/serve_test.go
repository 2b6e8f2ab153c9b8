package serve

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/conneroisu/docserve/internal/logging"
	"github.com/conneroisu/docserve/internal/project"
	"github.com/conneroisu/docserve/internal/render"
	"github.com/conneroisu/docserve/internal/render/mocks"
	"github.com/conneroisu/docserve/internal/watcher"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/mock/gomock"
)

type fakeTransport struct {
	mu       sync.Mutex
	targets  []string
	shutdown atomic.Bool
}

func (f *fakeTransport) Reload(target string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.targets = append(f.targets, target)
}

func (f *fakeTransport) Shutdown(context.Context) error {
	f.shutdown.Store(true)
	return nil
}

func (f *fakeTransport) reloads() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.targets...)
}

type staticLoader struct {
	p     *project.Context
	loads atomic.Int32
}

func (l *staticLoader) Load(context.Context, string) (*project.Context, error) {
	l.loads.Add(1)
	return l.p, nil
}

type recordingStager struct {
	mu    sync.Mutex
	calls []bool
	// seen reports, for each call, whether watched existed at call time.
	watched string
	seen    []bool
}

func (s *recordingStager) CopyForServe(_ context.Context, _ *project.Context, fullRefresh bool, _ string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls = append(s.calls, fullRefresh)
	if s.watched != "" {
		_, err := os.Stat(s.watched)
		s.seen = append(s.seen, err == nil)
	}
	return nil
}

// fixture is a project rooted in a temp dir rendering into _site.
type fixture struct {
	dir   string
	out   string
	serve string
	p     *project.Context
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	dir, err := filepath.EvalSymlinks(t.TempDir())
	require.NoError(t, err)

	f := &fixture{
		dir:   dir,
		out:   filepath.Join(dir, "_site"),
		serve: filepath.Join(t.TempDir(), "serve"),
	}
	require.NoError(t, os.MkdirAll(f.out, 0o755))
	write(t, filepath.Join(dir, "a.qmd"), "# A")
	write(t, filepath.Join(dir, "slides.qmd"), "# Slides")
	write(t, filepath.Join(dir, "_project.yml"), "project:\n  output-dir: _site\n")
	write(t, filepath.Join(dir, "styles.css"), "body {}")
	write(t, filepath.Join(dir, "images", "logo.png"), "png")

	f.p = &project.Context{
		Dir: dir,
		Config: project.Config{
			Project: project.ProjectConfig{OutputDir: "_site", LibDir: "site_libs"},
			Formats: map[string]string{"slides.qmd": "RevealJS"},
		},
		Files: project.FileSet{
			Inputs:          []string{filepath.Join(dir, "a.qmd"), filepath.Join(dir, "slides.qmd")},
			ConfigFiles:     []string{filepath.Join(dir, "_project.yml")},
			ConfigResources: []string{filepath.Join(dir, "styles.css")},
			Resources:       []string{filepath.Join(dir, "images", "logo.png")},
		},
	}
	return f
}

func write(t *testing.T, path, content string) {
	t.Helper()
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
}

func modify(paths ...string) watcher.WatchEvent {
	return watcher.WatchEvent{Kind: watcher.Modify, Paths: paths}
}

func TestMergeDecisions(t *testing.T) {
	assert.Equal(t, Decision{}, MergeDecisions(Decision{}, Decision{}))
	assert.Equal(t, Decision{Config: true}, MergeDecisions(Decision{Config: true}, Decision{}))
	assert.Equal(t, Decision{Config: true, Output: true}, MergeDecisions(Decision{Config: true}, Decision{Output: true}))
}

func TestModifiedLogDrain(t *testing.T) {
	var log ModifiedLog
	log.Append("/p/_site/a.html", "/p/_site/b.html")
	log.Append("/p/_site/a.html", "/p/styles.css")
	assert.Equal(t, 4, log.Len())

	drained := log.Drain()
	assert.Equal(t, []string{"/p/_site/b.html", "/p/_site/a.html", "/p/styles.css"}, drained)
	assert.Equal(t, "/p/_site/a.html", lastWithExt(drained, ".html"), "the latest modification wins")
	assert.Zero(t, log.Len())
	assert.Empty(t, log.Drain())
}

func TestHandleWatchEventDecisions(t *testing.T) {
	f := newFixture(t)
	write(t, filepath.Join(f.out, "a.html"), "<p>a</p>")

	testCases := []struct {
		name       string
		event      watcher.WatchEvent
		outputFile bool
		want       *Decision
	}{
		{"hidden path", modify(filepath.Join(f.dir, ".git", "index")), false, nil},
		{"remove kind", watcher.WatchEvent{Kind: watcher.Remove, Paths: []string{filepath.Join(f.dir, "_project.yml")}}, false, nil},
		{"config file", modify(filepath.Join(f.dir, "_project.yml")), false, &Decision{Config: true}},
		{"config resource", modify(filepath.Join(f.dir, "styles.css")), false, &Decision{}},
		{"resource", modify(filepath.Join(f.dir, "images", "logo.png")), false, &Decision{}},
		{"output file", modify(filepath.Join(f.out, "a.html")), false, &Decision{Output: true}},
		{"output file in single-output mode", modify(filepath.Join(f.out, "a.html")), true, nil},
		{"lib dir", modify(filepath.Join(f.out, "site_libs", "app.js")), false, nil},
		{"unrelated", modify(filepath.Join(f.dir, "notes.txt")), false, nil},
		{"input without watching", modify(filepath.Join(f.dir, "a.qmd")), false, nil},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			opts := Options{ServeDir: f.serve}
			if tc.outputFile {
				opts.OutputFile = func() string { return filepath.Join(f.out, "a.pdf") }
			}
			c := NewCoordinator(context.Background(), f.p, opts, Deps{})
			defer c.Stop()

			got := c.HandleWatchEvent(context.Background(), tc.event)
			assert.Equal(t, tc.want, got)
		})
	}
}

func TestHandleWatchEventHiddenPathsNeverRecorded(t *testing.T) {
	f := newFixture(t)
	c := NewCoordinator(context.Background(), f.p, Options{ServeDir: f.serve}, Deps{})
	defer c.Stop()

	assert.Nil(t, c.HandleWatchEvent(context.Background(), modify(
		filepath.Join(f.dir, ".quarto", "cache.json"),
		filepath.Join(f.dir, ".git", "HEAD"),
	)))
	assert.Zero(t, c.modified.Len())
}

func TestHandleWatchEventRemovedInputIsConfigChange(t *testing.T) {
	f := newFixture(t)
	c := NewCoordinator(context.Background(), f.p, Options{ServeDir: f.serve}, Deps{})
	defer c.Stop()

	require.NoError(t, os.Remove(filepath.Join(f.dir, "slides.qmd")))
	got := c.HandleWatchEvent(context.Background(), modify(filepath.Join(f.dir, "styles.css")))
	assert.Equal(t, &Decision{Config: true}, got)
}

func TestUnchangedInputRendersOnce(t *testing.T) {
	f := newFixture(t)
	ctrl := gomock.NewController(t)
	renderer := mocks.NewMockRenderer(ctrl)
	input := filepath.Join(f.dir, "a.qmd")

	renderer.EXPECT().RenderOne(gomock.Any(), input).Return(render.Result{Inputs: []string{input}}).Times(1)

	c := NewCoordinator(context.Background(), f.p, Options{WatchInputs: true, ServeDir: f.serve}, Deps{Renderer: renderer})
	defer c.Stop()

	assert.Equal(t, &Decision{Output: true}, c.HandleWatchEvent(context.Background(), modify(input)))
	assert.Nil(t, c.HandleWatchEvent(context.Background(), modify(input)), "fingerprint suppresses the second render")

	write(t, input, "# A, edited")
	renderer.EXPECT().RenderOne(gomock.Any(), input).Return(render.Result{}).Times(1)
	assert.Equal(t, &Decision{Output: true}, c.HandleWatchEvent(context.Background(), modify(input)))
}

func TestMultipleInputsRenderAsProject(t *testing.T) {
	f := newFixture(t)
	ctrl := gomock.NewController(t)
	renderer := mocks.NewMockRenderer(ctrl)
	inputs := f.p.Files.Inputs

	renderer.EXPECT().RenderProject(gomock.Any(), f.p, inputs).Return(render.Result{}).Times(1)

	c := NewCoordinator(context.Background(), f.p, Options{WatchInputs: true, ServeDir: f.serve}, Deps{Renderer: renderer})
	defer c.Stop()

	assert.Equal(t, &Decision{Output: true}, c.HandleWatchEvent(context.Background(), modify(inputs...)))
}

// countingRenderer counts renders and holds each one briefly so concurrent
// callers overlap.
type countingRenderer struct {
	renders atomic.Int32
}

func (r *countingRenderer) RenderOne(context.Context, string) render.Result {
	r.renders.Add(1)
	time.Sleep(time.Millisecond)
	return render.Result{}
}

func (r *countingRenderer) RenderProject(context.Context, *project.Context, []string) render.Result {
	r.renders.Add(1)
	time.Sleep(time.Millisecond)
	return render.Result{}
}

// The input and output watch loops can report the same edit at once; only
// one of them may render it.
func TestConcurrentEventsRenderAnEditOnce(t *testing.T) {
	f := newFixture(t)
	renderer := &countingRenderer{}
	c := NewCoordinator(context.Background(), f.p, Options{WatchInputs: true, ServeDir: f.serve}, Deps{Renderer: renderer})
	defer c.Stop()

	const edits = 20
	for i := 0; i < edits; i++ {
		for _, input := range f.p.Files.Inputs {
			write(t, input, fmt.Sprintf("# edit %d", i))
		}

		start := make(chan struct{})
		var wg sync.WaitGroup
		for j := 0; j < 2; j++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				<-start
				c.HandleWatchEvent(context.Background(), modify(f.p.Files.Inputs...))
			}()
		}
		close(start)
		wg.Wait()

		require.Equal(t, int32(i+1), renderer.renders.Load(), "edit %d rendered more than once", i)
	}
}

func TestRenderFailureProducesNoDecision(t *testing.T) {
	f := newFixture(t)
	ctrl := gomock.NewController(t)
	renderer := mocks.NewMockRenderer(ctrl)
	input := filepath.Join(f.dir, "a.qmd")

	renderer.EXPECT().RenderOne(gomock.Any(), input).
		Return(render.Result{Err: assert.AnError}).Times(1)

	c := NewCoordinator(context.Background(), f.p, Options{WatchInputs: true, ServeDir: f.serve}, Deps{Renderer: renderer})
	defer c.Stop()

	assert.Nil(t, c.HandleWatchEvent(context.Background(), modify(input)))
}

func TestFingerprintFailureProducesNoDecision(t *testing.T) {
	f := newFixture(t)
	input := filepath.Join(f.dir, "a.qmd")
	require.NoError(t, os.Remove(input))

	c := NewCoordinator(context.Background(), f.p, Options{WatchInputs: true, ServeDir: f.serve}, Deps{})
	defer c.Stop()

	assert.Nil(t, c.HandleWatchEvent(context.Background(), modify(input)))
}

// An input saved twice in quick succession renders once and reloads once,
// navigating to the page it produced.
func TestSingleInputEditReloadsOnce(t *testing.T) {
	f := newFixture(t)
	ctrl := gomock.NewController(t)
	renderer := mocks.NewMockRenderer(ctrl)
	transport := &fakeTransport{}
	input := filepath.Join(f.dir, "a.qmd")
	page := filepath.Join(f.out, "a.html")

	renderer.EXPECT().RenderOne(gomock.Any(), input).DoAndReturn(func(ctx context.Context, in string) render.Result {
		write(t, page, "<html><body>a</body></html>")
		return render.Result{Inputs: []string{in}}
	}).Times(1)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	c := NewCoordinator(ctx, f.p, Options{
		WatchInputs: true,
		Navigate:    true,
		ServeDir:    f.serve,
		Debounce:    50 * time.Millisecond,
	}, Deps{Renderer: renderer, Transport: transport})
	defer c.Stop()

	c.HandleFileChange(ctx, modify(input))
	c.HandleFileChange(ctx, modify(input))
	// The output watcher reports the rendered page.
	c.HandleFileChange(ctx, watcher.WatchEvent{Kind: watcher.Create, Paths: []string{page}})

	assert.Eventually(t, func() bool { return len(transport.reloads()) == 1 }, 2*time.Second, 10*time.Millisecond)
	time.Sleep(150 * time.Millisecond)
	assert.Equal(t, []string{"/a.html"}, transport.reloads())
	assert.FileExists(t, filepath.Join(f.serve, "a.html"))
}

// A configuration change without input watching removes staged inputs,
// renders the project once and reloads without a navigation target.
func TestConfigChangeRerendersProject(t *testing.T) {
	f := newFixture(t)
	ctrl := gomock.NewController(t)
	renderer := mocks.NewMockRenderer(ctrl)
	transport := &fakeTransport{}
	loader := &staticLoader{p: f.p}
	staged := filepath.Join(f.serve, "a.qmd")
	write(t, staged, "stale")
	stager := &recordingStager{watched: staged}

	renderer.EXPECT().RenderProject(gomock.Any(), f.p, gomock.Nil()).Return(render.Result{}).Times(1)

	c := NewCoordinator(context.Background(), f.p, Options{
		Navigate: true,
		ServeDir: f.serve,
		Debounce: time.Hour,
	}, Deps{Renderer: renderer, Transport: transport, Loader: loader, Stager: stager})
	defer c.Stop()

	c.HandleFileChange(context.Background(), modify(filepath.Join(f.dir, "_project.yml")))
	c.HandleFileChange(context.Background(), modify(filepath.Join(f.dir, "_project.yml")))
	c.Flush()

	assert.Equal(t, []string{""}, transport.reloads())
	assert.NoFileExists(t, staged)
	assert.Equal(t, []bool{true}, stager.calls, "staging copy is a full refresh")
	assert.Equal(t, []bool{false}, stager.seen, "staged inputs are removed before copying")
	assert.Equal(t, int32(2), loader.loads.Load(), "configuration is refreshed before rendering and after staging")
}

func TestRenderOnReloadSkipsProjectRender(t *testing.T) {
	f := newFixture(t)
	ctrl := gomock.NewController(t)
	renderer := mocks.NewMockRenderer(ctrl)
	transport := &fakeTransport{}
	stager := &recordingStager{}

	c := NewCoordinator(context.Background(), f.p, Options{
		RenderOnReload: true,
		ServeDir:       f.serve,
		Debounce:       time.Hour,
	}, Deps{Renderer: renderer, Transport: transport, Stager: stager})
	defer c.Stop()

	c.HandleFileChange(context.Background(), modify(filepath.Join(f.dir, "styles.css")))
	c.Flush()

	assert.Equal(t, []string{""}, transport.reloads())
	assert.Equal(t, []bool{false}, stager.calls, "incremental copy when rendering on reload")
}

func TestNavigationTarget(t *testing.T) {
	f := newFixture(t)
	write(t, filepath.Join(f.out, "docs", "guide.html"), "<p>guide</p>")

	testCases := []struct {
		name     string
		navigate bool
		file     string
		want     string
	}{
		{"nested page", true, filepath.Join(f.out, "docs", "guide.html"), "/docs/guide.html"},
		{"navigation off", false, filepath.Join(f.out, "docs", "guide.html"), ""},
		{"missing page", true, filepath.Join(f.out, "gone.html"), ""},
		{"page outside output dir", true, filepath.Join(f.dir, "docs", "guide.html"), "/docs/guide.html"},
		{"no page", true, "", ""},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			c := NewCoordinator(context.Background(), f.p, Options{Navigate: tc.navigate, ServeDir: f.serve}, Deps{})
			defer c.Stop()
			assert.Equal(t, tc.want, c.navigationTarget(f.p, tc.file))
		})
	}
}

func TestHostPresentationGuard(t *testing.T) {
	f := newFixture(t)
	guard := NewHostPresentationGuard("rstudio", DefaultPresentationFormats)

	assert.True(t, guard.PreventReload(f.p, filepath.Join(f.out, "slides.html")), "format names fold case")
	assert.False(t, guard.PreventReload(f.p, filepath.Join(f.out, "a.html")))
	assert.False(t, guard.PreventReload(f.p, filepath.Join(f.out, "orphan.html")))
	assert.Equal(t, "rstudio", guard.Host())
}

func TestNewReloadGuard(t *testing.T) {
	assert.IsType(t, NeverPrevent{}, NewReloadGuard("", false))
	assert.IsType(t, NeverPrevent{}, NewReloadGuard("rstudio", true))
	assert.IsType(t, &HostPresentationGuard{}, NewReloadGuard("rstudio", false))
}

func TestGuardSuppressesPresentationReload(t *testing.T) {
	f := newFixture(t)
	transport := &fakeTransport{}
	write(t, filepath.Join(f.out, "slides.html"), "<section></section>")
	write(t, filepath.Join(f.out, "a.html"), "<p>a</p>")

	c := NewCoordinator(context.Background(), f.p, Options{Navigate: true, ServeDir: f.serve, Debounce: time.Hour},
		Deps{Transport: transport, Guard: NewReloadGuard("rstudio", false)})
	defer c.Stop()

	c.HandleFileChange(context.Background(), modify(filepath.Join(f.out, "slides.html")))
	c.Flush()
	assert.Empty(t, transport.reloads())
	assert.Zero(t, c.modified.Len(), "the modification log is cleared even when the reload is skipped")

	c.HandleFileChange(context.Background(), modify(filepath.Join(f.out, "a.html")))
	c.Flush()
	assert.Equal(t, []string{"/a.html"}, transport.reloads())
}

type lockedBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *lockedBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *lockedBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

// findLogRecord returns the first JSON log record whose message contains
// substr.
func findLogRecord(t *testing.T, logs, substr string) map[string]interface{} {
	t.Helper()
	for _, line := range strings.Split(strings.TrimSpace(logs), "\n") {
		if line == "" {
			continue
		}
		var record map[string]interface{}
		require.NoError(t, json.Unmarshal([]byte(line), &record))
		if msg, _ := record["msg"].(string); strings.Contains(msg, substr) {
			return record
		}
	}
	return nil
}

type runnerFunc func(ctx context.Context) error

func (f runnerFunc) Run(ctx context.Context) error { return f(ctx) }

// Output watching that cannot be established leaves input watching working.
func TestSessionSurvivesOutputWatchFailure(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, os.RemoveAll(f.out))

	ctrl := gomock.NewController(t)
	renderer := mocks.NewMockRenderer(ctrl)
	transport := &fakeTransport{}
	input := filepath.Join(f.dir, "a.qmd")
	renderer.EXPECT().RenderOne(gomock.Any(), input).Return(render.Result{}).MinTimes(1)

	var logs lockedBuffer
	logger := logging.NewLogger(&logging.LoggerConfig{Level: logging.LevelWarn, Format: "json", Output: &logs})

	var httpRan atomic.Bool
	ready := make(chan *Coordinator, 1)
	session := NewSession(SessionConfig{
		Project: f.p,
		Options: Options{WatchInputs: true, ServeDir: f.serve, Debounce: 20 * time.Millisecond},
		Deps:    Deps{Renderer: renderer, Transport: transport, Logger: logger},
		HTTP: runnerFunc(func(ctx context.Context) error {
			httpRan.Store(true)
			<-ctx.Done()
			return nil
		}),
		OnReady: func(c *Coordinator) { ready <- c },
	})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- session.Run(ctx) }()

	select {
	case <-ready:
	case <-time.After(2 * time.Second):
		t.Fatal("session never became ready")
	}

	warning := findLogRecord(t, logs.String(), "manually refresh")
	require.NotNil(t, warning, "output watch failure was not logged")
	assert.Equal(t, "WARN", warning["level"])
	assert.Contains(t, warning["error"], f.out)

	write(t, input, "# A, edited")
	assert.Eventually(t, func() bool { return len(transport.reloads()) >= 1 }, 3*time.Second, 10*time.Millisecond)

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(3 * time.Second):
		t.Fatal("session did not stop")
	}
	assert.True(t, httpRan.Load())
	assert.True(t, transport.shutdown.Load())
}

// A staging directory inside an in-place project must not feed its own
// copies back into the output watcher.
func TestSessionStagingInsideOutputDoesNotLoop(t *testing.T) {
	dir, err := filepath.EvalSymlinks(t.TempDir())
	require.NoError(t, err)
	write(t, filepath.Join(dir, "index.qmd"), "# Home")
	page := filepath.Join(dir, "index.html")
	write(t, page, "<html><body>v1</body></html>")

	p := &project.Context{
		Dir:   dir,
		Files: project.FileSet{Inputs: []string{filepath.Join(dir, "index.qmd")}},
	}
	transport := &fakeTransport{}
	ready := make(chan *Coordinator, 1)
	session := NewSession(SessionConfig{
		Project: p,
		Options: Options{
			Navigate: true,
			ServeDir: filepath.Join(dir, "preview"),
			Debounce: 50 * time.Millisecond,
		},
		Deps:    Deps{Loader: &staticLoader{p: p}, Transport: transport},
		OnReady: func(c *Coordinator) { ready <- c },
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan error, 1)
	go func() { done <- session.Run(ctx) }()
	<-ready
	assert.FileExists(t, filepath.Join(dir, "preview", "index.html"))

	write(t, page, "<html><body>v2</body></html>")
	assert.Eventually(t, func() bool { return len(transport.reloads()) >= 1 }, 2*time.Second, 10*time.Millisecond)

	time.Sleep(500 * time.Millisecond)
	assert.Equal(t, []string{"/index.html"}, transport.reloads())

	cancel()
	assert.NoError(t, <-done)
}

func TestSessionPollsOutputFile(t *testing.T) {
	f := newFixture(t)
	transport := &fakeTransport{}
	pdf := filepath.Join(f.out, "a.pdf")
	write(t, pdf, "%PDF-1")
	base := time.Now().Add(-time.Hour)
	require.NoError(t, os.Chtimes(pdf, base, base))

	ready := make(chan *Coordinator, 1)
	session := NewSession(SessionConfig{
		Project: f.p,
		Options: Options{
			ServeDir:   f.serve,
			OutputFile: func() string { return pdf },
			Debounce:   10 * time.Millisecond,
		},
		Deps:         Deps{Transport: transport},
		PollInterval: 5 * time.Millisecond,
		OnReady:      func(c *Coordinator) { ready <- c },
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan error, 1)
	go func() { done <- session.Run(ctx) }()
	<-ready

	time.Sleep(50 * time.Millisecond)
	assert.Empty(t, transport.reloads(), "the first observation only seeds the baseline")

	later := base.Add(time.Minute)
	require.NoError(t, os.Chtimes(pdf, later, later))
	assert.Eventually(t, func() bool { return len(transport.reloads()) == 1 }, 2*time.Second, 5*time.Millisecond)

	cancel()
	assert.NoError(t, <-done)
}
