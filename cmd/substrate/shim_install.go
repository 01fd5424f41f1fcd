package main

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"

	"github.com/atomize-hq/substrate/internal/policy"
)

// skipShimNames never get a command-named link: shimming the interceptor or
// the CLI itself would recurse back into resolution rather than reaching a
// real binary.
var skipShimNames = map[string]bool{
	"substrate":      true,
	"substrate-shim": true,
}

func shimCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "shim",
		Short: "Manage the interceptor's command-named PATH links",
	}
	cmd.AddCommand(shimInstallCmd())
	return cmd
}

func shimInstallCmd() *cobra.Command {
	var (
		shimDir     string
		shimBinary  string
		commandsCSV string
	)

	cmd := &cobra.Command{
		Use:   "install",
		Short: "Create command-named symlinks to the interceptor under the shim directory",
		Long: "For every executable name found on the original PATH (or the names given\n" +
			"via --commands), creates a symlink in the shim directory pointing at the\n" +
			"interceptor binary, so `substrate shell`'s front-loaded PATH resolves each\n" +
			"command through it.",
		RunE: func(cmd *cobra.Command, args []string) error {
			home, err := policy.SubstrateHome()
			if err != nil {
				return err
			}
			if shimDir == "" {
				shimDir = filepath.Join(home, "shims")
			}
			if shimBinary == "" {
				shimBinary, err = defaultShimBinary()
				if err != nil {
					return err
				}
			}

			var names []string
			if commandsCSV != "" {
				names = strings.Split(commandsCSV, ",")
			} else {
				names = discoverPathCommands(os.Getenv("PATH"))
			}

			if err := os.MkdirAll(shimDir, 0o755); err != nil {
				return fmt.Errorf("create shim directory: %w", err)
			}

			installed, skipped := 0, 0
			for _, name := range names {
				name = strings.TrimSpace(name)
				if name == "" || skipShimNames[name] {
					continue
				}
				ok, err := installOneShim(shimDir, shimBinary, name)
				if err != nil {
					fmt.Fprintf(os.Stderr, "substrate: warn: %s: %v\n", name, err)
					continue
				}
				if ok {
					installed++
				} else {
					skipped++
				}
			}

			fmt.Printf("installed %d shim link(s) in %s (%d already up to date)\n", installed, shimDir, skipped)
			return nil
		},
	}

	cmd.Flags().StringVar(&shimDir, "shim-dir", "", "directory to place shim links in (default: $SUBSTRATE_HOME/shims)")
	cmd.Flags().StringVar(&shimBinary, "shim-binary", "", "path to the substrate-shim binary (default: sibling of this executable)")
	cmd.Flags().StringVar(&commandsCSV, "commands", "", "comma-separated command names to shim (default: scan PATH)")

	return cmd
}

// defaultShimBinary looks for substrate-shim next to the running substrate
// binary, the common layout after `go build ./...` or a packaged release.
func defaultShimBinary() (string, error) {
	self, err := os.Executable()
	if err != nil {
		return "", fmt.Errorf("locate substrate binary: %w", err)
	}
	candidate := filepath.Join(filepath.Dir(self), "substrate-shim")
	if _, err := os.Stat(candidate); err != nil {
		return "", fmt.Errorf("substrate-shim not found next to %s; pass --shim-binary", self)
	}
	return candidate, nil
}

// discoverPathCommands lists every distinct executable name reachable on
// path, first-occurrence order, mirroring how a real shell would resolve
// each name (spec §4.1 resolve: first match on the search path wins).
func discoverPathCommands(path string) []string {
	seen := make(map[string]bool)
	var names []string
	for _, dir := range filepath.SplitList(path) {
		entries, err := os.ReadDir(dir)
		if err != nil {
			continue
		}
		for _, entry := range entries {
			if entry.IsDir() {
				continue
			}
			name := entry.Name()
			if seen[name] {
				continue
			}
			info, err := entry.Info()
			if err != nil || info.Mode()&0o111 == 0 {
				continue
			}
			seen[name] = true
			names = append(names, name)
		}
	}
	return names
}

// installOneShim creates (or repairs) a single symlink, returning true when
// it created or replaced the link and false when an identical link already
// existed.
func installOneShim(shimDir, shimBinary, name string) (bool, error) {
	linkPath := filepath.Join(shimDir, name)

	if target, err := os.Readlink(linkPath); err == nil {
		if target == shimBinary {
			return false, nil
		}
		if err := os.Remove(linkPath); err != nil {
			return false, fmt.Errorf("remove stale link: %w", err)
		}
	} else if _, statErr := os.Lstat(linkPath); statErr == nil {
		return false, fmt.Errorf("%s exists and is not a symlink, refusing to overwrite", linkPath)
	}

	if err := os.Symlink(shimBinary, linkPath); err != nil {
		return false, fmt.Errorf("create link: %w", err)
	}
	return true, nil
}
