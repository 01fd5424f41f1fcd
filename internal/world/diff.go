package world

import (
	"crypto/sha256"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/atomize-hq/substrate/internal/trace"
)

const (
	maxTrackedDirs     = 100
	maxFileList        = 1000
	maxDiffSizeBytes   = 200 * 1024 * 1024
	whiteoutPrefix     = ".wh."
)

// computeDiff walks upper (an overlay's upper layer) and classifies every
// entry as a write (new), mod (also present in lower), or delete (overlay
// whiteout marker), truncating and falling back to a tree hash once
// maxFileList or maxDiffSizeBytes is exceeded. Directories past
// maxTrackedDirs are left out of Writes without truncating the diff.
//
// Grounded on original_source overlayfs/utils.rs compute_diff, which is the
// version actually wired into the overlay session (diff.rs's
// compute_fs_diff_smart is an earlier, superseded path that never learned
// whiteout handling — see DESIGN.md).
func computeDiff(upper, lower string) (trace.FsDiff, error) {
	diff := trace.FsDiff{}
	fileCount, dirCount, totalSize := 0, 0, 0

	walkErr := filepath.WalkDir(upper, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if path == upper {
			return nil
		}
		rel, relErr := filepath.Rel(upper, path)
		if relErr != nil {
			return relErr
		}

		name := d.Name()
		if strings.HasPrefix(name, whiteoutPrefix) {
			deletedName := strings.TrimPrefix(name, whiteoutPrefix)
			deletedRel := filepath.Join(filepath.Dir(rel), deletedName)
			diff.Deletes = append(diff.Deletes, deletedRel)
			return nil
		}

		if d.IsDir() {
			dirCount++
			if dirCount <= maxTrackedDirs && !isModification(lower, rel) {
				diff.Writes = append(diff.Writes, rel)
			}
			return nil
		}

		fileCount++
		if info, statErr := d.Info(); statErr == nil {
			totalSize += int(info.Size())
		}

		if fileCount > maxFileList || totalSize > maxDiffSizeBytes {
			diff.Truncated = true
			return filepath.SkipAll
		}

		if isModification(lower, rel) {
			diff.Mods = append(diff.Mods, rel)
		} else {
			diff.Writes = append(diff.Writes, rel)
		}
		return nil
	})
	if walkErr != nil && walkErr != filepath.SkipAll {
		return diff, fmt.Errorf("walk overlay upper dir: %w", walkErr)
	}

	if diff.Truncated {
		hash, err := hashTree(upper)
		if err != nil {
			return diff, err
		}
		diff.TreeHash = hash
		diff.Summary = fmt.Sprintf("%d files, %d dirs (truncated at %dMB)", fileCount, dirCount, totalSize/(1024*1024))
	} else if fileCount > 10 || dirCount > 5 {
		diff.Summary = fmt.Sprintf("%d files, %d dirs", fileCount, dirCount)
	}

	return diff, nil
}

func isModification(lower, rel string) bool {
	if lower == "" {
		return false
	}
	_, err := os.Stat(filepath.Join(lower, rel))
	return err == nil
}

// hashTree produces a stable sha256 digest over a sorted walk of path names
// and (for files) their first 1KB of content, matching original_source's
// truncated-diff tree_hash so replay tooling can compare across runs without
// re-downloading full file contents.
func hashTree(dir string) (string, error) {
	var paths []string
	entries := map[string]fs.DirEntry{}

	err := filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return nil
		}
		paths = append(paths, path)
		entries[path] = d
		return nil
	})
	if err != nil {
		return "", fmt.Errorf("walk for tree hash: %w", err)
	}
	sort.Strings(paths)

	h := sha256.New()
	for _, p := range paths {
		rel, _ := filepath.Rel(dir, p)
		h.Write([]byte(rel))

		d := entries[p]
		if d != nil && !d.IsDir() {
			if info, statErr := d.Info(); statErr == nil {
				var sizeBuf [8]byte
				size := uint64(info.Size())
				for i := 0; i < 8; i++ {
					sizeBuf[i] = byte(size >> (8 * i))
				}
				h.Write(sizeBuf[:])
			}
			if f, openErr := os.Open(p); openErr == nil {
				buf := make([]byte, 1024)
				n, _ := f.Read(buf)
				h.Write(buf[:n])
				_ = f.Close()
			}
		}
	}

	return fmt.Sprintf("sha256:%x", h.Sum(nil)), nil
}
