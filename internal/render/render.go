// Package render drives the external document converter. Renderers return
// failures inside Result rather than as Go errors: a failed render is an
// ordinary outcome of an edit-preview loop, not a fault of the caller.
package render

import (
	"context"
	"time"

	"github.com/conneroisu/docserve/internal/project"
)

//go:generate mockgen -destination=mocks/mock_renderer.go -package=mocks github.com/conneroisu/docserve/internal/render Renderer

// Result is the outcome of one render job.
type Result struct {
	// Err is set when the render failed.
	Err error
	// Inputs lists the inputs the job rendered; empty for a whole-project render.
	Inputs []string
	// Output is the converter's combined stdout/stderr.
	Output   []byte
	Duration time.Duration
}

// OK reports whether the render succeeded.
func (r Result) OK() bool {
	return r.Err == nil
}

// Renderer renders single inputs or whole projects. Implementations must be
// safe to call repeatedly.
type Renderer interface {
	RenderOne(ctx context.Context, input string) Result
	// RenderProject renders inputs of p, or every input when inputs is empty.
	RenderProject(ctx context.Context, p *project.Context, inputs []string) Result
}
