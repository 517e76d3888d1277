// Package workspace provides the filesystem capabilities the engine needs
// from the editor host: reading the project descriptor and persisting the
// default interpreter path for the workspace.
package workspace

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/BurntSushi/toml"
)

// DescriptorFileName is the project descriptor read from the workspace root.
const DescriptorFileName = "pyproject.toml"

const settingsFileName = "settings.toml"

// Reader reads the project descriptor.
type Reader interface {
	// Descriptor returns the descriptor content and whether it was readable.
	// Unreadable or absent descriptors are a legitimate negative result.
	Descriptor(root string) (content string, found bool)
}

// SettingsWriter persists the interpreter the editor should default to.
type SettingsWriter interface {
	SetInterpreter(root, interpreterPath string) error
}

// FSReader reads the descriptor from the real filesystem.
type FSReader struct{}

// Descriptor implements Reader.
func (FSReader) Descriptor(root string) (string, bool) {
	data, err := os.ReadFile(filepath.Join(root, DescriptorFileName))
	if err != nil {
		return "", false
	}
	return string(data), true
}

// HasMarker reports whether content contains the managed-project marker.
func HasMarker(content, marker string) bool {
	return strings.Contains(content, marker)
}

type settingsFile struct {
	InterpreterPath string `toml:"interpreter_path"`
}

// FSSettings writes workspace settings under <root>/.rsx/settings.toml.
type FSSettings struct{}

// SetInterpreter implements SettingsWriter as a single idempotent key write.
func (FSSettings) SetInterpreter(root, interpreterPath string) error {
	if strings.TrimSpace(root) == "" {
		return errors.New("workspace root must not be empty")
	}
	if strings.TrimSpace(interpreterPath) == "" {
		return errors.New("interpreter path must not be empty")
	}

	dir := filepath.Join(root, ".rsx")
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return fmt.Errorf("create settings directory: %w", err)
	}

	var buf bytes.Buffer
	if err := toml.NewEncoder(&buf).Encode(settingsFile{InterpreterPath: interpreterPath}); err != nil {
		return fmt.Errorf("encode settings: %w", err)
	}

	path := filepath.Join(dir, settingsFileName)
	if err := os.WriteFile(path, buf.Bytes(), 0o600); err != nil {
		return fmt.Errorf("write settings file %q: %w", path, err)
	}
	return nil
}
