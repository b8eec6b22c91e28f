package run

import (
	"fmt"
	"os"
	"path/filepath"
)

// writeBundleFile writes content to relPath inside the bundle directory,
// creating intermediate directories as needed.
func writeBundleFile(bundleDir, relPath, content string) error {
	target := filepath.Join(bundleDir, filepath.FromSlash(relPath))
	if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
		return fmt.Errorf("could not create directory for %s: %w", relPath, err)
	}
	if err := os.WriteFile(target, []byte(content), 0o644); err != nil {
		return fmt.Errorf("could not write %s: %w", relPath, err)
	}
	return nil
}
