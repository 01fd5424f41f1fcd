package config

import (
	"encoding/json"
	"fmt"
	"os"
	"strings"
)

// FileWriteOptions controls config file formatting behavior.
type FileWriteOptions struct {
	// HeaderLines are written above the JSON content (one line per entry).
	// Lines are written as provided; callers can include comment prefixes,
	// e.g. "//", so the written file stays valid JSONC for Load to re-read.
	HeaderLines []string
}

// cleanAnchorDefaults is used for JSON output with omitempty to skip empty fields.
type cleanAnchorDefaults struct {
	Mode  string `json:"mode,omitempty"`
	Path  string `json:"path,omitempty"`
	Caged *bool  `json:"caged,omitempty"`
}

// cleanConfig is used for JSON output with fields in desired order and omitempty.
type cleanConfig struct {
	TraceLogPath string               `json:"traceLogPath,omitempty"`
	ShimDir      string               `json:"shimDir,omitempty"`
	PolicyPath   string               `json:"policyPath,omitempty"`
	Anchor       *cleanAnchorDefaults `json:"anchor,omitempty"`
}

// MarshalConfigJSON marshals an ambient config to clean JSON, omitting empty
// fields and writing them in a stable, logical order.
func MarshalConfigJSON(cfg *Config) ([]byte, error) {
	clean := cleanConfig{
		TraceLogPath: cfg.TraceLogPath,
		ShimDir:      cfg.ShimDir,
		PolicyPath:   cfg.PolicyPath,
	}

	anchor := cleanAnchorDefaults{
		Mode:  string(cfg.Anchor.Mode),
		Path:  cfg.Anchor.Path,
		Caged: cfg.Anchor.Caged,
	}
	if !isAnchorEmpty(anchor) {
		clean.Anchor = &anchor
	}

	return json.MarshalIndent(clean, "", "  ")
}

func isAnchorEmpty(a cleanAnchorDefaults) bool {
	return a.Mode == "" && a.Path == "" && a.Caged == nil
}

// FormatConfigForFile returns config JSON with optional header lines.
func FormatConfigForFile(cfg *Config, opts FileWriteOptions) (string, error) {
	data, err := MarshalConfigJSON(cfg)
	if err != nil {
		return "", err
	}

	var output strings.Builder
	for _, line := range opts.HeaderLines {
		output.WriteString(line)
		output.WriteByte('\n')
	}
	output.Write(data)
	output.WriteByte('\n')

	return output.String(), nil
}

// WriteConfigFile writes an ambient config to a file with optional header lines.
func WriteConfigFile(cfg *Config, path string, opts FileWriteOptions) error {
	output, err := FormatConfigForFile(cfg, opts)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	if err := os.WriteFile(path, []byte(output), 0o600); err != nil {
		return fmt.Errorf("failed to write config: %w", err)
	}

	return nil
}
