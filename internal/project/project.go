// Package project models a multi-file document project: the set of input,
// config, config-resource and resource files, the output directory the
// external renderer writes to, and the optional library directory for
// generated dependency bundles.
//
// A *Context is an immutable snapshot. Reconfiguration never mutates a
// Context in place; callers load a fresh one and swap the pointer.
package project

import (
	"context"
	"path/filepath"
	"strings"

	"golang.org/x/text/cases"
)

// ConfigFileName is the project configuration file at the project root.
const ConfigFileName = "_project.yml"

// MetadataFileName is the per-directory metadata file that also counts as config.
const MetadataFileName = "_metadata.yml"

// FileSet holds the four disjoint path collections of a project snapshot.
// All paths are absolute and cleaned.
type FileSet struct {
	Inputs          []string
	ConfigFiles     []string
	ConfigResources []string
	Resources       []string
}

// Config mirrors the _project.yml file.
type Config struct {
	Project ProjectConfig     `yaml:"project"`
	Formats map[string]string `yaml:"formats"`
}

// ProjectConfig is the `project:` section of _project.yml.
type ProjectConfig struct {
	OutputDir       string   `yaml:"output-dir"`
	LibDir          string   `yaml:"lib-dir"`
	Render          []string `yaml:"render"`
	Resources       []string `yaml:"resources"`
	ConfigResources []string `yaml:"config-resources"`
}

// Context is a loaded project snapshot.
type Context struct {
	Dir    string
	Config Config
	Files  FileSet
}

// Loader re-derives a project snapshot from disk.
type Loader interface {
	Load(ctx context.Context, dir string) (*Context, error)
}

// OutputDir returns the absolute directory the renderer writes into. Without
// an explicit output-dir the project renders in place.
func (c *Context) OutputDir() string {
	if c.Config.Project.OutputDir == "" {
		return c.Dir
	}
	return filepath.Join(c.Dir, c.Config.Project.OutputDir)
}

// LibDir returns the library directory inside the output directory, or "".
func (c *Context) LibDir() string {
	if c.Config.Project.LibDir == "" {
		return ""
	}
	return filepath.Join(c.OutputDir(), c.Config.Project.LibDir)
}

// LibDirSource returns the library directory inside the project directory, or "".
func (c *Context) LibDirSource() string {
	if c.Config.Project.LibDir == "" {
		return ""
	}
	return filepath.Join(c.Dir, c.Config.Project.LibDir)
}

// HasInput reports whether path is one of the project's inputs.
func (c *Context) HasInput(path string) bool {
	for _, input := range c.Files.Inputs {
		if input == path {
			return true
		}
	}
	return false
}

// InputForOutput maps an output file (relative to OutputDir) back to the input
// that produced it by matching the path without its extension.
func (c *Context) InputForOutput(rel string) (string, bool) {
	stem := strings.TrimSuffix(filepath.ToSlash(rel), filepath.Ext(rel))
	for _, input := range c.Files.Inputs {
		inRel, err := filepath.Rel(c.Dir, input)
		if err != nil {
			continue
		}
		inRel = filepath.ToSlash(inRel)
		if strings.TrimSuffix(inRel, filepath.Ext(inRel)) == stem {
			return input, true
		}
	}
	return "", false
}

// FormatFor returns the declared output format for input, case-folded.
// Inputs without an entry in `formats:` report "".
func (c *Context) FormatFor(input string) string {
	rel, err := filepath.Rel(c.Dir, input)
	if err != nil {
		return ""
	}
	rel = filepath.ToSlash(rel)
	for pattern, format := range c.Config.Formats {
		if filepath.ToSlash(filepath.Clean(pattern)) == rel {
			return cases.Fold().String(format)
		}
	}
	return ""
}

// WatchPaths returns the explicit path list an input watcher follows for this
// snapshot. Inputs are only included when includeInputs is set.
func (c *Context) WatchPaths(includeInputs bool) []string {
	var paths []string
	if includeInputs {
		paths = append(paths, c.Files.Inputs...)
	}
	paths = append(paths, c.Files.ConfigFiles...)
	paths = append(paths, c.Files.ConfigResources...)
	paths = append(paths, c.Files.Resources...)
	return paths
}

// IsWithin reports whether path equals dir or lies beneath it, comparing whole
// path components.
func IsWithin(path, dir string) bool {
	if dir == "" {
		return false
	}
	rel, err := filepath.Rel(dir, path)
	if err != nil {
		return false
	}
	return rel == "." || (rel != ".." && !strings.HasPrefix(rel, ".."+string(filepath.Separator)))
}
