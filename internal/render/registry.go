package render

import (
	"context"
	"path/filepath"
	"strings"
	"sync"

	"github.com/conneroisu/docserve/internal/project"
)

// Registry selects a Renderer per input extension. It is owned by a serve
// session and populated explicitly at startup.
type Registry struct {
	mu       sync.RWMutex
	fallback Renderer
	byExt    map[string]Renderer
}

// NewRegistry creates a registry that uses fallback for unregistered inputs
// and for whole-project renders.
func NewRegistry(fallback Renderer) *Registry {
	return &Registry{
		fallback: fallback,
		byExt:    make(map[string]Renderer),
	}
}

var _ Renderer = (*Registry)(nil)

// Register installs r for inputs with extension ext (".ipynb" or "ipynb").
func (reg *Registry) Register(ext string, r Renderer) {
	reg.mu.Lock()
	defer reg.mu.Unlock()
	reg.byExt[normalizeExt(ext)] = r
}

// For returns the renderer responsible for input.
func (reg *Registry) For(input string) Renderer {
	reg.mu.RLock()
	defer reg.mu.RUnlock()
	if r, ok := reg.byExt[normalizeExt(filepath.Ext(input))]; ok {
		return r
	}
	return reg.fallback
}

// RenderOne dispatches to the renderer registered for the input's extension.
func (reg *Registry) RenderOne(ctx context.Context, input string) Result {
	return reg.For(input).RenderOne(ctx, input)
}

// RenderProject always uses the fallback renderer.
func (reg *Registry) RenderProject(ctx context.Context, p *project.Context, inputs []string) Result {
	return reg.fallback.RenderProject(ctx, p, inputs)
}

func normalizeExt(ext string) string {
	return strings.ToLower(strings.TrimPrefix(ext, "."))
}
