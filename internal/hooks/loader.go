package hooks

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// ResolveScriptPath ports hooks.rs's script_path: absolute paths and
// explicit relative paths ("./x", ".\x") are used as-is; bare names are
// joined under basePath (default "./hooks").
func ResolveScriptPath(basePath, script string) string {
	script = strings.TrimSpace(script)
	if filepath.IsAbs(script) || strings.HasPrefix(script, "./") || strings.HasPrefix(script, ".\\") {
		return script
	}
	base := basePath
	if base == "" {
		base = "./hooks"
	}
	return filepath.Join(base, script)
}

// LoadScript reads the hook script source from disk.
func LoadScript(path string) (string, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return "", fmt.Errorf("read hook script %s: %w", path, err)
	}
	return string(b), nil
}
