// Package security validates paths the CLI writes outputs, reports and
// journal backups to.
package security

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// ErrPathEscape is returned when a path resolves outside its allowed root.
var ErrPathEscape = errors.New("path escapes allowed directory")

// canonical returns the absolute, symlink-resolved form of path. For paths
// that do not exist yet the deepest existing ancestor is resolved and the
// remainder re-joined, so a dangling name under a symlinked directory is
// still attributed to the symlink target.
func canonical(path string) (string, error) {
	abs, err := filepath.Abs(filepath.Clean(path))
	if err != nil {
		return "", fmt.Errorf("failed to resolve absolute path: %w", err)
	}
	existing := abs
	var rest []string
	for {
		resolved, err := filepath.EvalSymlinks(existing)
		if err == nil {
			parts := append([]string{resolved}, rest...)
			return filepath.Join(parts...), nil
		}
		parent := filepath.Dir(existing)
		if parent == existing {
			return abs, nil
		}
		rest = append([]string{filepath.Base(existing)}, rest...)
		existing = parent
	}
}

// ValidatePathWithinDirectory reports an error wrapping ErrPathEscape if
// path does not resolve to root or somewhere below it. root must exist.
func ValidatePathWithinDirectory(path, root string) error {
	p, err := canonical(path)
	if err != nil {
		return err
	}
	absRoot, err := filepath.Abs(root)
	if err != nil {
		return fmt.Errorf("failed to resolve root: %w", err)
	}
	r, err := filepath.EvalSymlinks(absRoot)
	if err != nil {
		return fmt.Errorf("failed to resolve root: %w", err)
	}
	rel, err := filepath.Rel(r, p)
	if err != nil {
		return fmt.Errorf("%w: %s", ErrPathEscape, path)
	}
	if rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) || filepath.IsAbs(rel) {
		return fmt.Errorf("%w: %s is outside %s", ErrPathEscape, path, root)
	}
	return nil
}

// ValidatePathWithinAllowedDirs accepts path if any root contains it.
func ValidatePathWithinAllowedDirs(path string, roots []string) error {
	if len(roots) == 0 {
		return errors.New("no allowed directories specified")
	}
	for _, root := range roots {
		if ValidatePathWithinDirectory(path, root) == nil {
			return nil
		}
	}
	return fmt.Errorf("%w: %s must be within one of %v", ErrPathEscape, path, roots)
}

// ValidateOutputPath restricts CLI outputs to the working directory or
// the system temp directory.
func ValidateOutputPath(path string) error {
	cwd, err := os.Getwd()
	if err != nil {
		return fmt.Errorf("failed to get working directory: %w", err)
	}
	return ValidatePathWithinAllowedDirs(path, []string{cwd, os.TempDir()})
}

// SanitizeFilename turns an arbitrary label (a run ID, an output prefix)
// into a file name component: ASCII letters, digits, '.', '_' and '-' are
// kept, runs of anything else become one '_', and the result is capped at
// 128 bytes.
func SanitizeFilename(s string) string {
	const maxLen = 128
	var b strings.Builder
	pendingUnderscore := false
	for _, r := range s {
		if b.Len() >= maxLen {
			break
		}
		ok := r == '.' || r == '_' || r == '-' ||
			(r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9')
		if !ok {
			pendingUnderscore = true
			continue
		}
		if pendingUnderscore {
			b.WriteByte('_')
			pendingUnderscore = false
		}
		b.WriteRune(r)
	}
	out := strings.Trim(b.String(), "._")
	if out == "" {
		return "unknown"
	}
	return out
}
