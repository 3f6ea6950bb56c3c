// Package security validates the filesystem paths a supervisor
// Config points at before pkg/supervisor ever hands them to os/exec.
package security

import (
	"fmt"
	"os"
	"path/filepath"
)

// Validator implements api.PathValidator by checking that a path
// exists and looks like the kind of file it claims to be. Symlinks are
// followed; where they point is not checked.
type Validator struct{}

// New returns a Validator.
func New() *Validator { return &Validator{} }

// ValidateModelPath requires that path exist and be a directory,
// matching its model_path configuration entry.
func (v *Validator) ValidateModelPath(path string) error {
	if path == "" {
		return fmt.Errorf("security: model path is empty")
	}
	info, err := os.Stat(path)
	if err != nil {
		return fmt.Errorf("security: model path %q: %w", path, err)
	}
	if !info.IsDir() {
		return fmt.Errorf("security: model path %q is not a directory", path)
	}
	return nil
}

// ValidateActivateScript requires that path exist, not be a directory,
// and sit directly in a directory named bin (as under an
// EXECUTION_ENV_PATH) before a supervisor sources it ahead of exec'ing
// the stub. Its permission bits are not checked.
func (v *Validator) ValidateActivateScript(path string) error {
	if path == "" {
		return nil // no environment activation configured
	}
	info, err := os.Stat(path)
	if err != nil {
		return fmt.Errorf("security: activate script %q: %w", path, err)
	}
	if info.IsDir() {
		return fmt.Errorf("security: activate script %q is a directory", path)
	}
	if filepath.Base(filepath.Dir(path)) != "bin" {
		return fmt.Errorf("security: activate script %q is not under a bin/ directory", path)
	}
	return nil
}
