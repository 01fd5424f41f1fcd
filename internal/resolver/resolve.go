// Package resolver implements the cached binary lookup half of the path
// resolver & interceptor (C1): given a command name and a sanitized search
// path, find the first executable file matching platform's executable
// semantics, with a process-wide cache a caller can bust via env var.
package resolver

import (
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"sync"
)

// CacheBustVar, when set to any non-empty value, disables both reading from
// and writing to the resolution cache (original_source shim/src/resolver.rs
// resolve_real_binary's CACHE_BUST_VAR check).
const CacheBustVar = "SUBSTRATE_CACHE_BUST"

var (
	cacheMu sync.RWMutex
	cache   = map[string]string{} // cacheKey -> resolved path; absent key means "not yet looked up"
	missed  = map[string]bool{}   // cacheKey -> true means "looked up, no match"
)

// Resolve finds the real binary for name on searchPaths, consulting the
// process-wide cache first unless CacheBustVar is set (spec §4.1 resolve).
// Returns ("", false) when no match exists anywhere on the search path.
func Resolve(name string, searchPaths []string) (string, bool) {
	bust := os.Getenv(CacheBustVar) != ""
	key := cacheKey(name, searchPaths)

	if !bust {
		cacheMu.RLock()
		if path, ok := cache[key]; ok {
			cacheMu.RUnlock()
			return path, true
		}
		if missed[key] {
			cacheMu.RUnlock()
			return "", false
		}
		cacheMu.RUnlock()
	}

	path, ok := resolveUncached(name, searchPaths)

	if !bust {
		cacheMu.Lock()
		if ok {
			cache[key] = path
		} else {
			missed[key] = true
		}
		cacheMu.Unlock()
	}

	return path, ok
}

// ResetCache clears every cached resolution. Test-only; production callers
// rely on CacheBustVar for one-off invalidation instead of clearing globally.
func ResetCache() {
	cacheMu.Lock()
	defer cacheMu.Unlock()
	cache = map[string]string{}
	missed = map[string]bool{}
}

// cacheKey mirrors resolve_real_binary's build_cache_key: the command name
// plus search paths normalized for trailing separators, deliberately
// excluding cwd since PATH resolution never depends on it.
func cacheKey(name string, searchPaths []string) string {
	normalized := make([]string, len(searchPaths))
	for i, p := range searchPaths {
		normalized[i] = strings.TrimRight(p, string(filepath.Separator))
	}
	return name + ":" + strings.Join(normalized, ":")
}

func resolveUncached(name string, searchPaths []string) (string, bool) {
	for _, dir := range searchPaths {
		candidate := filepath.Join(dir, name)

		if runtime.GOOS == "windows" {
			for _, ext := range windowsExtensions() {
				withExt := candidate
				if !strings.EqualFold(filepath.Ext(candidate), ext) {
					withExt = candidate + ext
				}
				if isExecutableFile(withExt) {
					return withExt, true
				}
			}
			continue
		}

		if isExecutableFile(candidate) {
			return candidate, true
		}
	}
	return "", false
}

func windowsExtensions() []string {
	raw := os.Getenv("PATHEXT")
	if raw == "" {
		raw = ".COM;.EXE;.BAT;.CMD"
	}
	var exts []string
	for _, e := range strings.Split(raw, ";") {
		if e != "" {
			exts = append(exts, e)
		}
	}
	return exts
}

// isExecutableFile reports whether path is a regular file with at least one
// execute bit set (spec §4.1 "regular file with any execute bit"). On
// Windows, Stat synthesizes a mode with no execute bits from ACLs, so the
// windows branch above instead trusts suffix matching against PATHEXT and
// only checks for a regular file here.
func isExecutableFile(path string) bool {
	info, err := os.Stat(path)
	if err != nil || info.IsDir() {
		return false
	}
	if runtime.GOOS == "windows" {
		return info.Mode().IsRegular()
	}
	return info.Mode().IsRegular() && info.Mode()&0o111 != 0
}
