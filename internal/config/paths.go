package config

import (
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strings"
)

// PythonCandidates are interpreters tried, in order, when the backend has
// no virtual environment. 3.12 and 3.11 come first for PyTorch stability.
var PythonCandidates = []string{
	"/opt/homebrew/bin/python3.12",
	"/usr/local/bin/python3.12",
	"/Library/Frameworks/Python.framework/Versions/3.12/bin/python3.12",
	"/usr/bin/python3.12",
	"/opt/homebrew/bin/python3.11",
	"/usr/local/bin/python3.11",
	"/Library/Frameworks/Python.framework/Versions/3.11/bin/python3.11",
	"/usr/bin/python3.11",
	"/usr/local/bin/python3",
	"/opt/homebrew/bin/python3",
	"/usr/bin/python3",
	"/opt/local/bin/python3",
}

// ExpandHome expands a leading ~ to the user's home directory.
func ExpandHome(path string) string {
	if path != "~" && !strings.HasPrefix(path, "~/") {
		return path
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return path
	}
	return filepath.Join(home, strings.TrimPrefix(path, "~"))
}

// DefaultConfigDir returns ~/.polaris, or "" when there is no home directory.
func DefaultConfigDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ""
	}
	return filepath.Join(home, DefaultConfigDirName)
}

// DefaultConfigPath returns ~/.polaris/config.yaml.
func DefaultConfigPath() string {
	dir := DefaultConfigDir()
	if dir == "" {
		return ""
	}
	return filepath.Join(dir, DefaultConfigFile)
}

// BackendCandidates lists the conventional backend checkout locations.
func BackendCandidates() []string {
	home, err := os.UserHomeDir()
	if err != nil {
		home = "~"
	}
	return []string{
		filepath.Join(home, "my-git", "dPolaris_ai"),
		filepath.Join(home, "my-git", "dpolaris_ai"),
		filepath.Join(home, "dpolaris_ai"),
	}
}

// ResolveBackendPath returns the configured path when set, otherwise the
// first existing candidate, otherwise the first candidate.
func ResolveBackendPath(configured string) string {
	if p := strings.TrimSpace(configured); p != "" {
		return ExpandHome(p)
	}
	candidates := BackendCandidates()
	for _, c := range candidates {
		if isDir(c) {
			return c
		}
	}
	return candidates[0]
}

// VenvBin returns the path of an executable inside a virtual environment.
func VenvBin(venvDir, name string) string {
	if runtime.GOOS == "windows" {
		return filepath.Join(venvDir, "Scripts", name+".exe")
	}
	return filepath.Join(venvDir, "bin", name)
}

// VenvPath returns the backend's virtual environment directory.
func (c *Config) VenvPath() string {
	if filepath.IsAbs(c.Setup.VenvDir) {
		return c.Setup.VenvDir
	}
	return filepath.Join(c.Backend.Path, c.Setup.VenvDir)
}

// RequirementsPath returns the backend's dependency manifest.
func (c *Config) RequirementsPath() string {
	if filepath.IsAbs(c.Setup.Requirements) {
		return c.Setup.Requirements
	}
	return filepath.Join(c.Backend.Path, c.Setup.Requirements)
}

// ResolvePython picks the interpreter for launching the backend: the venv
// interpreter if present, then the configured override, then the first
// existing candidate, then python3 from PATH.
func (c *Config) ResolvePython() string {
	if venv := VenvBin(c.VenvPath(), "python"); isFile(venv) {
		return venv
	}
	return c.SystemPython()
}

// SystemPython picks an interpreter outside any virtual environment, used
// to create one.
func (c *Config) SystemPython() string {
	if p := strings.TrimSpace(c.Backend.Python); p != "" {
		return ExpandHome(p)
	}
	for _, candidate := range PythonCandidates {
		if isFile(candidate) {
			return candidate
		}
	}
	return DefaultFallbackPythonName
}

// EnsureConfigDir creates the ~/.polaris directory if it doesn't exist.
func EnsureConfigDir() (string, error) {
	dir := DefaultConfigDir()
	if dir == "" {
		return "", fmt.Errorf("no home directory")
	}
	if err := os.MkdirAll(dir, 0700); err != nil {
		return "", err
	}
	return dir, nil
}

func ensureParentDir(path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return fmt.Errorf("create config directory: %w", err)
	}
	return nil
}

func isDir(path string) bool {
	info, err := os.Stat(path)
	return err == nil && info.IsDir()
}

func isFile(path string) bool {
	info, err := os.Stat(path)
	return err == nil && !info.IsDir()
}
