package core

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"pkt.systems/ccbridge/schema"
)

// ResolveRepoPath expands a leading ~, falls back to the default repo when
// path is empty, and requires the result to be an existing directory.
func ResolveRepoPath(path, fallback string) (string, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		path = strings.TrimSpace(fallback)
	}
	if path == "" {
		return "", fmt.Errorf("%w: repo path is required", schema.ErrInvalidRepo)
	}
	expanded, err := expandHome(path)
	if err != nil {
		return "", err
	}
	abs, err := filepath.Abs(expanded)
	if err != nil {
		return "", fmt.Errorf("%w: %v", schema.ErrInvalidRepo, err)
	}
	info, err := os.Stat(abs)
	if err != nil {
		return "", fmt.Errorf("%w: %v", schema.ErrInvalidRepo, err)
	}
	if !info.IsDir() {
		return "", fmt.Errorf("%w: %s is not a directory", schema.ErrInvalidRepo, abs)
	}
	return abs, nil
}

func expandHome(path string) (string, error) {
	if path != "~" && !strings.HasPrefix(path, "~/") {
		return path, nil
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", err
	}
	if path == "~" {
		return home, nil
	}
	return filepath.Join(home, path[2:]), nil
}
