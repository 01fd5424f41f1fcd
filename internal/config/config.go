// Package config loads the ambient, non-policy workstation config
// (config.yaml): trace log overrides, anchor-mode defaults, and shim
// directory placement. Command/filesystem/network enforcement rules live in
// internal/policy instead — this package only covers the settings a
// workstation operator tunes once and rarely touches again.
package config

import (
	"fmt"
	"os"

	"github.com/tidwall/jsonc"
	"gopkg.in/yaml.v3"

	"github.com/atomize-hq/substrate/internal/world"
)

// AnchorDefaults is the `anchor:` block of config.yaml. It is parsed and
// kept on Config, but nothing reads it: the shell's anchor settings
// (shell.AnchorSettings) are built without it.
type AnchorDefaults struct {
	Mode  world.AnchorMode `yaml:"mode,omitempty" json:"mode,omitempty"`
	Path  string           `yaml:"path,omitempty" json:"path,omitempty"`
	Caged *bool            `yaml:"caged,omitempty" json:"caged,omitempty"`
}

// Config is the ambient workstation config, loaded once at process start
// from $SUBSTRATE_HOME/config.yaml (JSONC-tolerant, same as the teacher's
// own config file).
type Config struct {
	TraceLogPath string         `yaml:"traceLogPath,omitempty" json:"traceLogPath,omitempty"`
	ShimDir      string         `yaml:"shimDir,omitempty" json:"shimDir,omitempty"`
	PolicyPath   string         `yaml:"policyPath,omitempty" json:"policyPath,omitempty"`
	Anchor       AnchorDefaults `yaml:"anchor,omitempty" json:"anchor,omitempty"`
}

// Default returns the zero-value config: every field empty, meaning
// "fall back to the built-in default for this setting".
func Default() *Config {
	return &Config{}
}

// Load reads path as JSONC (comments and trailing commas tolerated, same as
// the teacher's config reader) and unmarshals it as YAML, since valid JSON
// is also valid YAML and this lets an operator use either style.
func Load(path string) (*Config, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}

	stripped := jsonc.ToJSON(raw)

	cfg := Default()
	if err := yaml.Unmarshal(stripped, cfg); err != nil {
		return nil, fmt.Errorf("parse config %s: %w", path, err)
	}
	return cfg, nil
}

// LoadOptional behaves like Load but returns the default config, not an
// error, when path does not exist.
func LoadOptional(path string) (*Config, error) {
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return Default(), nil
	}
	return Load(path)
}
