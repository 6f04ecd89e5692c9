// Package pathguard keeps every filesystem path the pipeline touches inside
// an approved root.
package pathguard

import (
	"errors"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/bobarin/adreel/internal/errs"
)

// IsPathSafe reports whether resolvedPath lies inside allowedRoot after both
// are lexically cleaned. The root itself counts as inside.
func IsPathSafe(resolvedPath, allowedRoot string) bool {
	if resolvedPath == "" || allowedRoot == "" {
		return false
	}
	p := filepath.Clean(resolvedPath)
	root := filepath.Clean(allowedRoot)
	if p == root {
		return true
	}
	if !strings.HasSuffix(root, string(filepath.Separator)) {
		root += string(filepath.Separator)
	}
	return strings.HasPrefix(p, root)
}

// Guard resolves paths against a fixed root.
type Guard struct {
	root string
}

// New returns a Guard for root. The root is made absolute.
func New(root string) (*Guard, error) {
	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, errs.WrapWithCode(err, errs.CodeValidation, "pathguard.New", "invalid root")
	}
	return &Guard{root: abs}, nil
}

// Root returns the absolute root.
func (g *Guard) Root() string { return g.root }

// Resolve returns the absolute form of p. Relative paths are joined onto
// the root. When the target exists its symlinks are evaluated and the real
// path is checked against the real root, so a link cannot escape.
func (g *Guard) Resolve(p string) (string, error) {
	return Resolve(g.root, p)
}

// Resolve is Guard.Resolve for a one-off root.
func Resolve(root, p string) (string, error) {
	const op = "pathguard.Resolve"
	if strings.TrimSpace(p) == "" {
		return "", errs.New(errs.CodeUnsafePath, op, "empty path")
	}
	if strings.ContainsRune(p, 0) {
		return "", errs.New(errs.CodeUnsafePath, op, "path contains NUL")
	}

	candidate := p
	if !filepath.IsAbs(candidate) {
		candidate = filepath.Join(root, candidate)
	}
	candidate = filepath.Clean(candidate)
	if !IsPathSafe(candidate, root) {
		return "", errs.Newf(errs.CodeUnsafePath, op, "%s is outside %s", p, root)
	}

	real, err := filepath.EvalSymlinks(candidate)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return candidate, nil
		}
		return "", errs.WrapWithCode(err, errs.CodeUnsafePath, op, "cannot resolve path")
	}
	realRoot, err := filepath.EvalSymlinks(root)
	if err != nil {
		realRoot = root
	}
	if !IsPathSafe(real, realRoot) {
		return "", errs.Newf(errs.CodeUnsafePath, op, "%s resolves outside %s", p, root)
	}
	return real, nil
}

// RequireFile resolves p and checks that it names an existing regular file.
func (g *Guard) RequireFile(p string) (string, error) {
	resolved, err := g.Resolve(p)
	if err != nil {
		return "", err
	}
	info, err := os.Stat(resolved)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return "", errs.Newf(errs.CodeNotFound, "pathguard.RequireFile", "missing source file %s", p)
		}
		return "", errs.Wrap(err, "pathguard.RequireFile", "stat failed")
	}
	if info.IsDir() {
		return "", errs.Newf(errs.CodeValidation, "pathguard.RequireFile", "%s is a directory", p)
	}
	return resolved, nil
}
