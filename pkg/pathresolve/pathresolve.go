// Package pathresolve locates the governed repository root and resolves
// every read/write target against it, rejecting any path that would escape
// the repository boundary. It is the first and last line of defense
// against path traversal: every other component trusts its output.
package pathresolve

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"
)

var (
	ErrNoGovernedRepo  = errors.New("NO_GOVERNED_REPO_FOUND")
	ErrPathTraversal   = errors.New("PATH_TRAVERSAL")
	ErrPathOutsideRepo = errors.New("PATH_OUTSIDE_REPO")
	ErrInvalidPlanName = errors.New("INVALID_PLAN_NAME")
)

// planNamePattern is the only filename shape a plan document may have.
var planNamePattern = regexp.MustCompile(`^[A-Za-z0-9._-]{1,128}\.md$`)

const plansDir = "docs/plans"
const governanceDir = ".governance"

// Resolver binds a canonicalized workspace root and resolves paths
// against it. It is immutable for the lifetime of a session.
type Resolver struct {
	root string
}

// ResolveRepoRoot walks upward from hint looking for a governance marker:
// either a version-control marker directory (.git) or a docs/plans
// directory. The returned root is canonicalized (symlinks resolved).
func ResolveRepoRoot(hint string) (*Resolver, error) {
	abs, err := filepath.Abs(hint)
	if err != nil {
		return nil, fmt.Errorf("pathresolve: %w: %v", ErrNoGovernedRepo, err)
	}
	abs, err = filepath.EvalSymlinks(abs)
	if err != nil {
		return nil, fmt.Errorf("pathresolve: %w: %v", ErrNoGovernedRepo, err)
	}

	dir := abs
	for {
		if isGoverned(dir) {
			return &Resolver{root: dir}, nil
		}
		parent := filepath.Dir(dir)
		if parent == dir {
			return nil, fmt.Errorf("pathresolve: %w: no .git or docs/plans above %s", ErrNoGovernedRepo, abs)
		}
		dir = parent
	}
}

func isGoverned(dir string) bool {
	if fi, err := os.Stat(filepath.Join(dir, ".git")); err == nil && fi.IsDir() {
		return true
	}
	if fi, err := os.Stat(filepath.Join(dir, plansDir)); err == nil && fi.IsDir() {
		return true
	}
	return false
}

// Root returns the canonicalized workspace root.
func (r *Resolver) Root() string { return r.root }

// PlansDir returns the absolute docs/plans directory.
func (r *Resolver) PlansDir() string { return filepath.Join(r.root, plansDir) }

// GovernanceDir returns the absolute .governance directory.
func (r *Resolver) GovernanceDir() string { return filepath.Join(r.root, governanceDir) }

// ResolveWriteTarget normalizes relOrAbs against the root and rejects any
// path that escapes it.
func (r *Resolver) ResolveWriteTarget(relOrAbs string) (string, error) {
	return r.resolveWithin(relOrAbs)
}

// ResolveReadTarget applies the identical containment check as writes.
func (r *Resolver) ResolveReadTarget(relOrAbs string) (string, error) {
	return r.resolveWithin(relOrAbs)
}

func (r *Resolver) resolveWithin(relOrAbs string) (string, error) {
	if relOrAbs == "" {
		return "", fmt.Errorf("pathresolve: %w: empty path", ErrPathTraversal)
	}
	for _, part := range strings.Split(filepath.ToSlash(relOrAbs), "/") {
		if part == ".." {
			return "", fmt.Errorf("pathresolve: %w: %q contains \"..\"", ErrPathTraversal, relOrAbs)
		}
	}

	var joined string
	if filepath.IsAbs(relOrAbs) {
		joined = filepath.Clean(relOrAbs)
	} else {
		joined = filepath.Clean(filepath.Join(r.root, relOrAbs))
	}

	rootWithSep := r.root + string(os.PathSeparator)
	if joined != r.root && !strings.HasPrefix(joined, rootWithSep) {
		return "", fmt.Errorf("pathresolve: %w: %q resolves outside %s", ErrPathOutsideRepo, relOrAbs, r.root)
	}

	// Re-check any existing symlink component does not escape the root.
	if resolved, err := filepath.EvalSymlinks(joined); err == nil {
		if resolved != r.root && !strings.HasPrefix(resolved, rootWithSep) {
			return "", fmt.Errorf("pathresolve: %w: %q is a symlink escaping %s", ErrPathOutsideRepo, relOrAbs, r.root)
		}
	}

	return joined, nil
}

// ValidatePlanName enforces the plan filename grammar: no path
// separators, no leading dot, `^[A-Za-z0-9._-]{1,128}\.md$`.
func ValidatePlanName(name string) error {
	if strings.ContainsAny(name, "/\\") {
		return fmt.Errorf("pathresolve: %w: %q contains a path separator", ErrInvalidPlanName, name)
	}
	if strings.HasPrefix(name, ".") {
		return fmt.Errorf("pathresolve: %w: %q has a leading dot", ErrInvalidPlanName, name)
	}
	if !planNamePattern.MatchString(name) {
		return fmt.Errorf("pathresolve: %w: %q does not match the plan filename grammar", ErrInvalidPlanName, name)
	}
	return nil
}
