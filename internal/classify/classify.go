// Package classify answers, for a changed path, how it relates to the current
// project snapshot. All predicates are pure functions of the path and the
// snapshot captured at construction.
package classify

import (
	"path/filepath"
	"strings"

	"github.com/conneroisu/docserve/internal/project"
)

// Classifier classifies paths against one project snapshot.
type Classifier struct {
	hiddenPrefix    string
	outputDir       string
	libDir          string
	libDirSource    string
	inputs          map[string]struct{}
	configFiles     map[string]struct{}
	configResources map[string]struct{}
	resources       map[string]struct{}
}

// New builds a Classifier for p. extraResources are resource files derived
// from individual documents rather than declared by the project.
func New(p *project.Context, extraResources []string) *Classifier {
	resources := toSet(p.Files.Resources)
	for _, r := range extraResources {
		resources[filepath.Clean(r)] = struct{}{}
	}
	return &Classifier{
		hiddenPrefix:    p.Dir + string(filepath.Separator) + ".",
		outputDir:       p.OutputDir(),
		libDir:          p.LibDir(),
		libDirSource:    p.LibDirSource(),
		inputs:          toSet(p.Files.Inputs),
		configFiles:     toSet(p.Files.ConfigFiles),
		configResources: toSet(p.Files.ConfigResources),
		resources:       resources,
	}
}

// IsInputFile reports whether path is one of the project's inputs.
func (c *Classifier) IsInputFile(path string) bool {
	_, ok := c.inputs[path]
	return ok
}

// IsConfigFile reports whether path is a tracked config file.
func (c *Classifier) IsConfigFile(path string) bool {
	_, ok := c.configFiles[path]
	return ok
}

// IsConfigResourceFile reports whether path is a file referenced by config.
func (c *Classifier) IsConfigResourceFile(path string) bool {
	_, ok := c.configResources[path]
	return ok
}

// IsResourceFile reports whether path is a project resource. Anything under
// the library source directory is never a triggering resource.
func (c *Classifier) IsResourceFile(path string) bool {
	if c.libDirSource != "" && project.IsWithin(path, c.libDirSource) {
		return false
	}
	_, ok := c.resources[path]
	return ok
}

// InOutputDir reports whether path lies in the output directory but not in
// the library directory. Regenerated dependency bundles must not retrigger a
// reload.
func (c *Classifier) InOutputDir(path string) bool {
	if !project.IsWithin(path, c.outputDir) {
		return false
	}
	return c.libDir == "" || !project.IsWithin(path, c.libDir)
}

// IsHidden reports whether path lies under a dot-prefixed entry of the project
// root, such as .git or a tool cache.
func (c *Classifier) IsHidden(path string) bool {
	return strings.HasPrefix(path, c.hiddenPrefix)
}

func toSet(paths []string) map[string]struct{} {
	set := make(map[string]struct{}, len(paths))
	for _, p := range paths {
		set[p] = struct{}{}
	}
	return set
}
