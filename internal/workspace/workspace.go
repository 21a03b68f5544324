// Package workspace confines file-tool paths to a single root directory
// and prepares the gateway's on-disk state layout.
package workspace

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// ErrEscapesRoot is returned when a resolved path lands outside the
// workspace root.
var ErrEscapesRoot = errors.New("path escapes workspace")

// Resolver resolves and validates workspace-relative paths.
type Resolver struct {
	Root string
}

// NewResolver creates a resolver for root. Empty root means the current
// directory.
func NewResolver(root string) Resolver {
	return Resolver{Root: root}
}

// Resolve returns an absolute, cleaned path inside the workspace root.
// Relative paths are joined to the root; absolute paths must already be
// under it. Traversal out of the root returns ErrEscapesRoot.
func (r Resolver) Resolve(path string) (string, error) {
	clean := strings.TrimSpace(path)
	if clean == "" {
		return "", fmt.Errorf("path is required")
	}
	root := strings.TrimSpace(r.Root)
	if root == "" {
		root = "."
	}
	rootAbs, err := filepath.Abs(root)
	if err != nil {
		return "", fmt.Errorf("resolve workspace root: %w", err)
	}
	var target string
	if filepath.IsAbs(clean) {
		target = filepath.Clean(clean)
	} else {
		target = filepath.Join(rootAbs, clean)
	}
	targetAbs, err := filepath.Abs(target)
	if err != nil {
		return "", fmt.Errorf("resolve path: %w", err)
	}
	rel, err := filepath.Rel(rootAbs, targetAbs)
	if err != nil {
		return "", fmt.Errorf("resolve path: %w", err)
	}
	if rel == ".." || strings.HasPrefix(rel, ".."+string(os.PathSeparator)) {
		return "", ErrEscapesRoot
	}
	return targetAbs, nil
}

// Contains reports whether path resolves inside the workspace.
func (r Resolver) Contains(path string) bool {
	_, err := r.Resolve(path)
	return err == nil
}

// EnsureRoot creates the workspace root if missing and returns its
// absolute path.
func EnsureRoot(root string) (string, error) {
	base := strings.TrimSpace(root)
	if base == "" {
		base = "."
	}
	abs, err := filepath.Abs(base)
	if err != nil {
		return "", fmt.Errorf("resolve workspace root: %w", err)
	}
	if err := os.MkdirAll(abs, 0o755); err != nil {
		return "", fmt.Errorf("create workspace root: %w", err)
	}
	return abs, nil
}

// EnsureState creates the gateway state directory and its fixed subtree.
// State holds tokens and transcripts, so everything is user-only.
func EnsureState(stateDir string) error {
	if strings.TrimSpace(stateDir) == "" {
		return fmt.Errorf("state dir is required")
	}
	for _, dir := range []string{
		stateDir,
		filepath.Join(stateDir, "sessions"),
		filepath.Join(stateDir, "approvals"),
	} {
		if err := os.MkdirAll(dir, 0o700); err != nil {
			return fmt.Errorf("create state dir %s: %w", dir, err)
		}
	}
	return nil
}
