package project

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
)

// Stager keeps the serve-time staging copy of a project's output in sync.
type Stager struct{}

// NewStager creates a Stager.
func NewStager() *Stager {
	return &Stager{}
}

// CopyForServe synchronizes targetDir with the project's output directory.
// With fullRefresh every file is copied; otherwise only files whose size or
// modification time differ from the staged copy are rewritten. Hidden
// directories are never staged.
func (s *Stager) CopyForServe(ctx context.Context, p *Context, fullRefresh bool, targetDir string) error {
	return CopyForServe(ctx, p, fullRefresh, targetDir)
}

// CopyForServe is the function form of Stager.CopyForServe.
func CopyForServe(ctx context.Context, p *Context, fullRefresh bool, targetDir string) error {
	src := p.OutputDir()
	if err := os.MkdirAll(targetDir, 0o755); err != nil {
		return fmt.Errorf("creating staging dir: %w", err)
	}
	absTarget, err := filepath.Abs(targetDir)
	if err != nil {
		return fmt.Errorf("resolving staging dir: %w", err)
	}

	return filepath.WalkDir(src, func(path string, d fs.DirEntry, walkErr error) error {
		if walkErr != nil {
			if errors.Is(walkErr, fs.ErrNotExist) {
				return nil
			}
			return walkErr
		}
		if err := ctx.Err(); err != nil {
			return err
		}

		if path == absTarget || IsWithin(path, absTarget) {
			return fs.SkipDir
		}
		rel, err := filepath.Rel(src, path)
		if err != nil {
			return err
		}
		if rel != "." && strings.HasPrefix(d.Name(), ".") {
			if d.IsDir() {
				return fs.SkipDir
			}
			return nil
		}

		dest := filepath.Join(targetDir, rel)
		if d.IsDir() {
			return os.MkdirAll(dest, 0o755)
		}
		if !d.Type().IsRegular() {
			return nil
		}

		info, err := d.Info()
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				return nil
			}
			return err
		}
		if !fullRefresh && upToDate(info, dest) {
			return nil
		}
		return copyFile(path, dest, info)
	})
}

// StagedInputs returns where copies of the project's inputs would sit inside
// the staging directory, keyed by their project-relative path.
func StagedInputs(p *Context, targetDir string) []string {
	staged := make([]string, 0, len(p.Files.Inputs))
	for _, input := range p.Files.Inputs {
		rel, err := filepath.Rel(p.Dir, input)
		if err != nil || strings.HasPrefix(rel, "..") {
			continue
		}
		staged = append(staged, filepath.Join(targetDir, rel))
	}
	return staged
}

// RemoveIfExists deletes path, ignoring a missing file.
func RemoveIfExists(path string) error {
	if err := os.Remove(path); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return err
	}
	return nil
}

func upToDate(info fs.FileInfo, dest string) bool {
	staged, err := os.Stat(dest)
	if err != nil {
		return false
	}
	return staged.Size() == info.Size() && staged.ModTime().Equal(info.ModTime())
}

func copyFile(src, dest string, info fs.FileInfo) error {
	in, err := os.Open(src)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil
		}
		return err
	}
	defer in.Close()

	if err := os.MkdirAll(filepath.Dir(dest), 0o755); err != nil {
		return err
	}
	tmp, err := os.CreateTemp(filepath.Dir(dest), ".stage-*")
	if err != nil {
		return err
	}
	if _, err := io.Copy(tmp, in); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return err
	}
	if err := os.Chmod(tmp.Name(), info.Mode().Perm()); err != nil {
		os.Remove(tmp.Name())
		return err
	}
	if err := os.Rename(tmp.Name(), dest); err != nil {
		os.Remove(tmp.Name())
		return err
	}
	return os.Chtimes(dest, info.ModTime(), info.ModTime())
}
