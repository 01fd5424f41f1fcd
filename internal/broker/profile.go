package broker

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/atomize-hq/substrate/internal/policy"
)

// ProfileFilename is the single-file project profile name
// (original_source crates/broker/src/profile/tests.rs PROFILE_FILENAME).
const ProfileFilename = ".substrate-profile"

// ProfileDirFilename is the directory-of-named-policies project profile
// name (original_source PROFILE_DIR_FILENAME).
const ProfileDirFilename = ".substrate-profiles"

// DefaultProfileName is the only policy file loaded from a profile
// directory; a directory without it does not count as a profile.
const DefaultProfileName = "default.yaml"

// ProfileDetector walks upward from a cwd looking for a project profile
// (spec §4.2 detect_profile, §2 glossary "Profile"), memoizing results per
// cwd within a process lifetime (original_source profile/tests.rs:
// "Should use cache on second call").
type ProfileDetector struct {
	mu    sync.Mutex
	cache map[string]string // cwd -> profile path ("" recorded as found-empty via ok map)
	found map[string]bool
}

// NewProfileDetector returns an empty, unmemoized detector.
func NewProfileDetector() *ProfileDetector {
	return &ProfileDetector{cache: make(map[string]string), found: make(map[string]bool)}
}

// FindProfile walks upward from cwd looking for ProfileFilename (a single
// file) or ProfileDirFilename (a directory, from which only
// DefaultProfileName is loaded; without that file the walk goes on to the
// parent). Returns ("", false) when no profile is found anywhere up to the
// filesystem root.
func (d *ProfileDetector) FindProfile(cwd string) (string, bool, error) {
	d.mu.Lock()
	if path, ok := d.cache[cwd]; ok {
		found := d.found[cwd]
		d.mu.Unlock()
		return path, found, nil
	}
	d.mu.Unlock()

	path, found, err := findProfileUncached(cwd)
	if err != nil {
		return "", false, err
	}

	d.mu.Lock()
	d.cache[cwd] = path
	d.found[cwd] = found
	d.mu.Unlock()

	return path, found, nil
}

func findProfileUncached(cwd string) (string, bool, error) {
	current := cwd
	if info, err := os.Stat(current); err == nil && !info.IsDir() {
		current = filepath.Dir(current)
	}

	for {
		single := filepath.Join(current, ProfileFilename)
		if info, err := os.Stat(single); err == nil && !info.IsDir() {
			return single, true, nil
		}

		dir := filepath.Join(current, ProfileDirFilename)
		if info, err := os.Stat(dir); err == nil && info.IsDir() {
			candidate := filepath.Join(dir, DefaultProfileName)
			if fi, err := os.Stat(candidate); err == nil && !fi.IsDir() {
				return candidate, true, nil
			}
		}

		parent := filepath.Dir(current)
		if parent == current {
			return "", false, nil
		}
		current = parent
	}
}

// CreateSampleProfile writes a starter project-policy YAML to path
// (original_source profile/tests.rs test_sample_profile_creation expects
// id == "project-policy").
func CreateSampleProfile(path string) error {
	sample := policy.Default()
	sample.ID = "project-policy"
	sample.Name = "Project Policy"

	out, err := sample.ToYAML()
	if err != nil {
		return fmt.Errorf("serialize sample profile: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("create profile directory: %w", err)
	}
	return os.WriteFile(path, out, 0o644)
}
