package config

import (
	"os"
	"path/filepath"

	"github.com/atomize-hq/substrate/internal/policy"
)

// DefaultFileName is the ambient config's filename under $SUBSTRATE_HOME.
const DefaultFileName = "config.yaml"

// DefaultPath returns $SUBSTRATE_HOME/config.yaml, reusing policy's own
// SUBSTRATE_HOME resolution so both files agree on the home directory.
func DefaultPath() (string, error) {
	home, err := policy.SubstrateHome()
	if err != nil {
		return "", err
	}
	return filepath.Join(home, DefaultFileName), nil
}

// LoadDefault loads the ambient config from its default location, returning
// the zero-value Config when the file is absent (spec §6 environment
// contract: an operator never has to create this file for substrate to
// run).
func LoadDefault() (*Config, error) {
	path, err := DefaultPath()
	if err != nil {
		return nil, err
	}
	return LoadOptional(path)
}

// explicitPathFromEnv reads SUBSTRATE_CONFIG, the one ambient-config
// override a caller can set without editing $SUBSTRATE_HOME itself.
func explicitPathFromEnv() (string, bool) {
	v := os.Getenv("SUBSTRATE_CONFIG")
	return v, v != ""
}

// Resolve loads the ambient config from SUBSTRATE_CONFIG if set, otherwise
// from its default $SUBSTRATE_HOME location.
func Resolve() (*Config, error) {
	if path, ok := explicitPathFromEnv(); ok {
		return Load(path)
	}
	return LoadDefault()
}
