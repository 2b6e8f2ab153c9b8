package project

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/bmatcuk/doublestar/v4"
	"gopkg.in/yaml.v3"
)

// DefaultRenderPatterns are the input globs used when _project.yml has no
// `render:` list.
var DefaultRenderPatterns = []string{"**/*.qmd", "**/*.md", "**/*.Rmd", "**/*.ipynb"}

// FileLoader loads projects from _project.yml on disk.
type FileLoader struct{}

// NewFileLoader creates a loader reading _project.yml files.
func NewFileLoader() *FileLoader {
	return &FileLoader{}
}

var _ Loader = (*FileLoader)(nil)

// Load reads the project rooted at dir. A directory without _project.yml is
// treated as a project with default settings.
func (l *FileLoader) Load(ctx context.Context, dir string) (*Context, error) {
	root, err := resolveDir(dir)
	if err != nil {
		return nil, err
	}

	var cfg Config
	configPath := filepath.Join(root, ConfigFileName)
	data, err := os.ReadFile(configPath)
	switch {
	case err == nil:
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("parsing %s: %w", configPath, err)
		}
	case errors.Is(err, fs.ErrNotExist):
		configPath = ""
	default:
		return nil, fmt.Errorf("reading %s: %w", configPath, err)
	}

	if err := validateProjectConfig(&cfg.Project); err != nil {
		return nil, fmt.Errorf("%s: %w", ConfigFileName, err)
	}

	p := &Context{Dir: root, Config: cfg}

	if err := ctx.Err(); err != nil {
		return nil, err
	}

	patterns := cfg.Project.Render
	if len(patterns) == 0 {
		patterns = DefaultRenderPatterns
	}
	inputs, err := globFiles(root, patterns, func(rel string) bool {
		return !hasReservedComponent(rel) && !p.isGenerated(filepath.Join(root, rel))
	})
	if err != nil {
		return nil, fmt.Errorf("resolving inputs: %w", err)
	}

	configFiles, err := globFiles(root, []string{"**/" + MetadataFileName}, func(rel string) bool {
		return !hasHiddenComponent(rel) && !p.isGenerated(filepath.Join(root, rel))
	})
	if err != nil {
		return nil, fmt.Errorf("resolving metadata files: %w", err)
	}
	if configPath != "" {
		configFiles = append([]string{configPath}, configFiles...)
	}

	resources, err := globFiles(root, cfg.Project.Resources, func(rel string) bool {
		return !hasHiddenComponent(rel) && !p.isGenerated(filepath.Join(root, rel))
	})
	if err != nil {
		return nil, fmt.Errorf("resolving resources: %w", err)
	}

	configResources := make([]string, 0, len(cfg.Project.ConfigResources))
	for _, rel := range cfg.Project.ConfigResources {
		configResources = append(configResources, filepath.Join(root, filepath.FromSlash(rel)))
	}
	sort.Strings(configResources)

	p.Files = FileSet{
		Inputs:          inputs,
		ConfigFiles:     configFiles,
		ConfigResources: configResources,
		Resources:       resources,
	}
	return p, nil
}

// isGenerated reports whether path lives in the output or library directory.
// When the project renders in place the output directory is the project
// itself and only the library directory is excluded.
func (c *Context) isGenerated(path string) bool {
	if out := c.OutputDir(); out != c.Dir && IsWithin(path, out) {
		return true
	}
	return IsWithin(path, c.LibDirSource())
}

func resolveDir(dir string) (string, error) {
	abs, err := filepath.Abs(dir)
	if err != nil {
		return "", fmt.Errorf("resolving project dir: %w", err)
	}
	real, err := filepath.EvalSymlinks(abs)
	if err != nil {
		return "", fmt.Errorf("resolving project dir: %w", err)
	}
	info, err := os.Stat(real)
	if err != nil {
		return "", fmt.Errorf("resolving project dir: %w", err)
	}
	if !info.IsDir() {
		return "", fmt.Errorf("project path %s is not a directory", real)
	}
	return real, nil
}

func globFiles(root string, patterns []string, keep func(rel string) bool) ([]string, error) {
	fsys := os.DirFS(root)
	seen := make(map[string]struct{})
	var out []string
	for _, pattern := range patterns {
		if !doublestar.ValidatePattern(pattern) {
			return nil, fmt.Errorf("invalid glob pattern %q", pattern)
		}
		matches, err := doublestar.Glob(fsys, pattern, doublestar.WithFilesOnly())
		if err != nil {
			return nil, err
		}
		for _, rel := range matches {
			if !keep(rel) {
				continue
			}
			abs := filepath.Join(root, filepath.FromSlash(rel))
			if _, ok := seen[abs]; ok {
				continue
			}
			seen[abs] = struct{}{}
			out = append(out, abs)
		}
	}
	sort.Strings(out)
	return out, nil
}

func hasHiddenComponent(rel string) bool {
	for _, part := range strings.Split(filepath.ToSlash(rel), "/") {
		if strings.HasPrefix(part, ".") {
			return true
		}
	}
	return false
}

// hasReservedComponent reports hidden or underscore-prefixed components,
// neither of which can be an input document.
func hasReservedComponent(rel string) bool {
	for _, part := range strings.Split(filepath.ToSlash(rel), "/") {
		if strings.HasPrefix(part, ".") || strings.HasPrefix(part, "_") {
			return true
		}
	}
	return false
}

func validateProjectConfig(cfg *ProjectConfig) error {
	for name, value := range map[string]string{"output-dir": cfg.OutputDir, "lib-dir": cfg.LibDir} {
		if value == "" {
			continue
		}
		clean := filepath.Clean(value)
		if filepath.IsAbs(clean) || clean == ".." || strings.HasPrefix(clean, ".."+string(filepath.Separator)) {
			return fmt.Errorf("%s must be a relative path inside the project: %s", name, value)
		}
	}
	return nil
}
