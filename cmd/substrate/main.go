// Command substrate is the CLI entrypoint wiring the supervising shell
// driver (C5), the policy broker (C2), and the world backend (C4) together.
// `substrate shell` launches an interactive/wrap/script/pipe session;
// `substrate policy` inspects and reloads the active policy; `substrate
// shim install` provisions the interceptor's command-named symlinks;
// `substrate features` reports which capabilities this platform can
// actually back.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var rootCmd = &cobra.Command{
	Use:   "substrate",
	Short: "Command interception, policy enforcement, and sandboxed execution",
}

func init() {
	rootCmd.AddCommand(shellCmd())
	rootCmd.AddCommand(policyCmd())
	rootCmd.AddCommand(shimCmd())
	rootCmd.AddCommand(featuresCmd())
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
