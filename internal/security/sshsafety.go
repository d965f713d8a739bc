package security

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// ValidateIdentityFile checks that an SSH private key path resolves under
// the user's ~/.ssh directory, preventing the Remote Node Attachment
// Orchestrator from being pointed at an arbitrary file on disk.
func ValidateIdentityFile(path string) error {
	if path == "" {
		return fmt.Errorf("identity file path is empty")
	}

	home, err := os.UserHomeDir()
	if err != nil {
		return fmt.Errorf("resolving home directory: %w", err)
	}

	clean, err := resolveAbs(path)
	if err != nil {
		return err
	}
	sshDir, err := resolveAbs(filepath.Join(home, ".ssh"))
	if err != nil {
		return err
	}

	if clean != sshDir && !strings.HasPrefix(clean, sshDir+string(filepath.Separator)) {
		return fmt.Errorf("identity file %q must resolve under %q", path, sshDir)
	}
	return nil
}

func resolveAbs(p string) (string, error) {
	if p == "" {
		return "", fmt.Errorf("empty path")
	}
	if !filepath.IsAbs(p) {
		abs, err := filepath.Abs(p)
		if err != nil {
			return "", err
		}
		p = abs
	}
	return filepath.Clean(p), nil
}
