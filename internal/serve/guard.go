package serve

import (
	"path/filepath"

	"github.com/conneroisu/docserve/internal/project"
	"golang.org/x/text/cases"
)

// ReloadGuard decides whether a reload to target should be suppressed.
// target is the absolute path of the last modified HTML file.
type ReloadGuard interface {
	PreventReload(p *project.Context, target string) bool
}

// NeverPrevent is the ReloadGuard used outside host-integrated previews.
type NeverPrevent struct{}

// PreventReload always returns false.
func (NeverPrevent) PreventReload(*project.Context, string) bool { return false }

// DefaultPresentationFormats are the formats an integrated host editor
// previews in its own pane.
var DefaultPresentationFormats = []string{"revealjs"}

// HostPresentationGuard suppresses reloads of presentation output while a
// host editor previews the project and input watching is off. The host shows
// presentations separately in that mode.
type HostPresentationGuard struct {
	host    string
	formats map[string]struct{}
}

// NewHostPresentationGuard creates a guard for the named host. Format names
// are compared case-insensitively.
func NewHostPresentationGuard(host string, formats []string) *HostPresentationGuard {
	fold := cases.Fold()
	set := make(map[string]struct{}, len(formats))
	for _, f := range formats {
		set[fold.String(f)] = struct{}{}
	}
	return &HostPresentationGuard{host: host, formats: set}
}

// PreventReload reports whether target was produced from a presentation input.
func (g *HostPresentationGuard) PreventReload(p *project.Context, target string) bool {
	rel, err := filepath.Rel(p.OutputDir(), target)
	if err != nil {
		return false
	}
	input, ok := p.InputForOutput(rel)
	if !ok {
		return false
	}
	_, ok = g.formats[p.FormatFor(input)]
	return ok
}

// Host returns the host editor name.
func (g *HostPresentationGuard) Host() string {
	return g.host
}

// NewReloadGuard selects the guard for a session. The presentation guard only
// applies when a host editor is previewing and inputs are not auto-rendered.
func NewReloadGuard(previewHost string, watchInputs bool) ReloadGuard {
	if previewHost == "" || watchInputs {
		return NeverPrevent{}
	}
	return NewHostPresentationGuard(previewHost, DefaultPresentationFormats)
}
