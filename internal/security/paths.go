// Package security guards filesystem access driven by client input.
package security

import (
	"errors"
	"fmt"
	"path/filepath"
	"strings"
)

// ErrOutsideRoot is returned for paths that resolve outside their root.
var ErrOutsideRoot = errors.New("path escapes root")

// ResolveWithin joins the client supplied relative path rel onto root and
// returns it. rel must be local (no absolute paths, no ".." escapes) and
// must not leave root through a symlink, including symlinked parents of a
// path that does not exist yet.
func ResolveWithin(root, rel string) (string, error) {
	if !filepath.IsLocal(rel) {
		return "", fmt.Errorf("%w: %q is not a local path", ErrOutsideRoot, rel)
	}
	absRoot, err := filepath.Abs(root)
	if err != nil {
		return "", fmt.Errorf("resolve root: %w", err)
	}
	canonicalRoot, err := filepath.EvalSymlinks(absRoot)
	if err != nil {
		return "", fmt.Errorf("resolve root symlinks: %w", err)
	}

	joined := filepath.Join(absRoot, rel)
	canonical, err := canonicalize(joined)
	if err != nil {
		return "", err
	}
	relPath, err := filepath.Rel(canonicalRoot, canonical)
	if err != nil || relPath == ".." || strings.HasPrefix(relPath, ".."+string(filepath.Separator)) {
		return "", fmt.Errorf("%w: %q resolves to %s", ErrOutsideRoot, rel, canonical)
	}
	return joined, nil
}

// canonicalize resolves symlinks in p. When p does not exist the nearest
// existing parent is resolved and the missing tail appended.
func canonicalize(p string) (string, error) {
	if resolved, err := filepath.EvalSymlinks(p); err == nil {
		return resolved, nil
	}
	dir := p
	for {
		parent := filepath.Dir(dir)
		if parent == dir {
			return p, nil
		}
		if resolved, err := filepath.EvalSymlinks(parent); err == nil {
			tail, err := filepath.Rel(parent, p)
			if err != nil {
				return "", err
			}
			return filepath.Join(resolved, tail), nil
		}
		dir = parent
	}
}
