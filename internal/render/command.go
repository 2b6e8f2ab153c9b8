package render

import (
	"bytes"
	"context"
	"fmt"
	"os/exec"
	"path/filepath"
	"strings"
	"time"

	"github.com/conneroisu/docserve/internal/errors"
	"github.com/conneroisu/docserve/internal/project"
)

// CommandRenderer renders by running an external converter command.
//
// A single input runs `<command> <args...> <input>` in the input's directory;
// a project render runs `<command> <project-args...> [inputs...]` in the
// project directory. In single-input args, StemPlaceholder expands to the
// input path without its extension, so `--output={stem}.html` writes next to
// the input.
type CommandRenderer struct {
	command     string
	args        []string
	projectArgs []string
}

// StemPlaceholder is replaced in single-input args by the input's path
// minus its extension.
const StemPlaceholder = "{stem}"

// NewCommandRenderer creates a renderer for command.
func NewCommandRenderer(command string, args, projectArgs []string) (*CommandRenderer, error) {
	cr := &CommandRenderer{
		command:     command,
		args:        append([]string(nil), args...),
		projectArgs: append([]string(nil), projectArgs...),
	}
	if err := cr.validateCommand(); err != nil {
		return nil, err
	}
	return cr, nil
}

var _ Renderer = (*CommandRenderer)(nil)

// RenderOne renders a single input file.
func (cr *CommandRenderer) RenderOne(ctx context.Context, input string) Result {
	stem := strings.TrimSuffix(input, filepath.Ext(input))
	args := make([]string, 0, len(cr.args)+1)
	for _, arg := range cr.args {
		args = append(args, strings.ReplaceAll(arg, StemPlaceholder, stem))
	}
	args = append(args, input)
	result := cr.run(ctx, filepath.Dir(input), args)
	result.Inputs = []string{input}
	if result.Err != nil {
		result.Err = errors.ErrRenderFailed(input, result.Err)
	}
	return result
}

// RenderProject renders the given inputs of p, or the whole project.
func (cr *CommandRenderer) RenderProject(ctx context.Context, p *project.Context, inputs []string) Result {
	args := append(append([]string(nil), cr.projectArgs...), inputs...)
	result := cr.run(ctx, p.Dir, args)
	result.Inputs = append([]string(nil), inputs...)
	if result.Err != nil {
		result.Err = errors.ErrRenderFailed(p.Dir, result.Err).WithContext("inputs", len(inputs))
	}
	return result
}

func (cr *CommandRenderer) run(ctx context.Context, dir string, args []string) Result {
	start := time.Now()

	cmd := exec.CommandContext(ctx, cr.command, args...)
	cmd.Dir = dir
	var output bytes.Buffer
	cmd.Stdout = &output
	cmd.Stderr = &output

	err := cmd.Run()
	result := Result{Output: output.Bytes(), Duration: time.Since(start)}
	if err != nil {
		if ctx.Err() != nil {
			result.Err = fmt.Errorf("%s cancelled: %w", cr.command, ctx.Err())
			return result
		}
		result.Err = fmt.Errorf("%s failed: %w\nOutput: %s", cr.command, err, strings.TrimSpace(output.String()))
	}
	return result
}

// validateCommand rejects empty commands and arguments carrying shell
// metacharacters; the command is executed directly, never through a shell.
func (cr *CommandRenderer) validateCommand() error {
	if strings.TrimSpace(cr.command) == "" {
		return errors.NewConfigError(errors.CodeInvalidConfig, "render command is empty", nil)
	}
	for _, arg := range append(append([]string{cr.command}, cr.args...), cr.projectArgs...) {
		if strings.ContainsAny(arg, ";&|`$\x00\n") {
			return errors.NewConfigError(errors.CodeInvalidConfig,
				fmt.Sprintf("render argument contains shell metacharacters: %q", arg), nil)
		}
	}
	return nil
}
