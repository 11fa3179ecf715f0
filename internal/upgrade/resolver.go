package upgrade

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path"
	"path/filepath"
	"strings"
	"syscall"
)

// Resolver maps source specifiers to script directories. The bundled file system is
// consulted first, the local file system second.
type Resolver struct {
	bundle fs.FS
}

// NewResolver creates a resolver; bundle may be nil when scripts only ship unpacked.
func NewResolver(bundle fs.FS) *Resolver {
	return &Resolver{bundle: bundle}
}

// Resolve returns the directory named by spec. A specifier that names nothing yields
// ok == false and a nil error: it simply does not apply to this deployment. An error is
// returned only when a local path exists but cannot be inspected.
func (r *Resolver) Resolve(spec string) (dir Directory, ok bool, err error) {
	if dir, ok := r.resolveBundled(spec); ok {
		return dir, true, nil
	}
	return resolveLocal(spec)
}

func (r *Resolver) resolveBundled(spec string) (Directory, bool) {
	if r.bundle == nil {
		return Directory{}, false
	}

	name := strings.TrimSuffix(spec, "/")
	if name == "" || !fs.ValidPath(name) {
		return Directory{}, false
	}
	if _, err := fs.Stat(r.bundle, name); err != nil {
		return Directory{}, false
	}

	return Directory{
		FS:       r.bundle,
		Root:     name,
		Location: "bundle:" + name,
	}, true
}

func resolveLocal(spec string) (Directory, bool, error) {
	if spec == "" {
		return Directory{}, false, nil
	}

	info, err := os.Stat(spec)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) || errors.Is(err, syscall.ENOTDIR) {
			return Directory{}, false, nil
		}
		return Directory{}, false, fmt.Errorf("%w: %w", ErrResolve, err)
	}

	abs, err := filepath.Abs(spec)
	if err != nil {
		return Directory{}, false, fmt.Errorf("%w: %w", ErrResolve, err)
	}

	if info.IsDir() {
		return Directory{FS: os.DirFS(abs), Root: ".", Location: abs}, true, nil
	}
	return Directory{
		FS:       os.DirFS(filepath.Dir(abs)),
		Root:     filepath.Base(abs),
		Location: abs,
	}, true, nil
}

// Scan walks dir in lexical order and returns every file ending in ScriptSuffix.
// Entries that cannot be read are reported as failures and skipped.
func Scan(dir Directory) ([]ScriptFile, []FailureRecord) {
	var (
		scripts  []ScriptFile
		failures []FailureRecord
	)

	walkErr := fs.WalkDir(dir.FS, dir.Root, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			failures = append(failures, FailureRecord{
				Source: dir.Location,
				Path:   p,
				Err:    fmt.Errorf("%w: %w", ErrScriptRead, err),
			})
			if d != nil && d.IsDir() {
				return fs.SkipDir
			}
			return nil
		}
		if d.IsDir() || !strings.HasSuffix(d.Name(), ScriptSuffix) {
			return nil
		}
		scripts = append(scripts, ScriptFile{Name: path.Base(p), Path: p})
		return nil
	})
	if walkErr != nil {
		failures = append(failures, FailureRecord{
			Source: dir.Location,
			Err:    fmt.Errorf("%w: %w", ErrScriptRead, walkErr),
		})
	}

	return scripts, failures
}
