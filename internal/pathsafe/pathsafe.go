// Package pathsafe implements the home-directory sandbox every filesystem
// and process operation in the core is required to pass through: no path
// argument may resolve outside the caller's home directory.
package pathsafe

import (
	"path/filepath"
	"strings"

	"github.com/termux-extensions/te-framework/internal/apierr"
)

// Sandbox resolves paths relative to a fixed home directory and rejects
// anything that escapes it after lexical (symlink-agnostic) normalization.
type Sandbox struct {
	home string
}

// New returns a Sandbox rooted at home. home must already be an absolute,
// cleaned path (callers typically pass os.UserHomeDir()'s result).
func New(home string) *Sandbox {
	return &Sandbox{home: filepath.Clean(home)}
}

// Home returns the sandbox root.
func (s *Sandbox) Home() string { return s.home }

// Resolve expands "~" / "~/x" against the sandbox home, joins relative
// paths to base (or home if base is empty), lexically normalizes the
// result, and rejects anything that is not home itself or a descendant of
// it. It also rejects any input containing a NUL byte.
func (s *Sandbox) Resolve(input, base string) (string, error) {
	if strings.IndexByte(input, 0) >= 0 {
		return "", apierr.New(apierr.InvalidArgument, "path contains NUL byte")
	}
	if input == "" {
		return "", apierr.New(apierr.InvalidArgument, "empty path")
	}

	expanded := input
	switch {
	case expanded == "~":
		expanded = s.home
	case strings.HasPrefix(expanded, "~/"):
		expanded = filepath.Join(s.home, expanded[2:])
	}

	if !filepath.IsAbs(expanded) {
		root := base
		if root == "" {
			root = s.home
		}
		expanded = filepath.Join(root, expanded)
	}

	clean := filepath.Clean(expanded)
	if clean != s.home && !strings.HasPrefix(clean, s.home+string(filepath.Separator)) {
		return "", apierr.New(apierr.PathEscape, "path %q escapes home %q", input, s.home)
	}
	return clean, nil
}

// MustBeInside is a convenience check for a path that has already been
// resolved by some other component (e.g. a default derived from config),
// used as a defensive re-check before a privileged operation.
func (s *Sandbox) MustBeInside(resolved string) error {
	clean := filepath.Clean(resolved)
	if clean != s.home && !strings.HasPrefix(clean, s.home+string(filepath.Separator)) {
		return apierr.New(apierr.PathEscape, "path %q escapes home %q", resolved, s.home)
	}
	return nil
}
