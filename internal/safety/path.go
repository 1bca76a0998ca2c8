package safety

import (
	"fmt"
	"path"
	"path/filepath"
	"strings"
)

// CleanIdentity validates and normalizes a slash-separated file identity
// relative to a folder. It rejects absolute identities and parent traversal.
func CleanIdentity(identity string) (string, error) {
	if identity == "" {
		return "", fmt.Errorf("identity is empty")
	}

	clean := path.Clean(filepath.ToSlash(identity))
	if clean == "." {
		return "", fmt.Errorf("identity resolves to the folder itself")
	}
	if strings.HasPrefix(clean, "/") || filepath.IsAbs(identity) {
		return "", fmt.Errorf("absolute identities are not allowed: %q", identity)
	}
	if clean == ".." || strings.HasPrefix(clean, "../") {
		return "", fmt.Errorf("parent traversal is not allowed: %q", identity)
	}
	return clean, nil
}

// Identity returns the slash-separated identity of file relative to folder.
// Both arguments are native filesystem paths.
func Identity(folder, file string) (string, error) {
	rel, err := filepath.Rel(folder, file)
	if err != nil {
		return "", fmt.Errorf("relating %q to %q: %w", file, folder, err)
	}
	return CleanIdentity(filepath.ToSlash(rel))
}

// JoinUnder joins slash-separated elements under root and verifies the
// result stays inside root. The returned path uses native separators.
func JoinUnder(root string, elems ...string) (string, error) {
	parts := []string{root}
	for _, e := range elems {
		parts = append(parts, filepath.FromSlash(e))
	}
	return EnsureUnderRoot(root, filepath.Join(parts...))
}

// EnsureUnderRoot verifies candidate resolves under root and returns the
// cleaned candidate.
func EnsureUnderRoot(root, candidate string) (string, error) {
	rootClean := filepath.Clean(root)
	candClean := filepath.Clean(candidate)

	rel, err := filepath.Rel(rootClean, candClean)
	if err != nil {
		return "", fmt.Errorf("compare paths: %w", err)
	}
	if rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return "", fmt.Errorf("path escapes root: %q", candidate)
	}
	return candClean, nil
}
