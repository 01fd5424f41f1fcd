package main

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/atomize-hq/substrate/internal/agentsock"
	"github.com/atomize-hq/substrate/internal/broker"
	"github.com/atomize-hq/substrate/internal/config"
	"github.com/atomize-hq/substrate/internal/policy"
	"github.com/atomize-hq/substrate/internal/shell"
	"github.com/atomize-hq/substrate/internal/world"
)

func shellCmd() *cobra.Command {
	var (
		wrapCommand string
		scriptPath  string
		pipe        bool
		login       bool
		noWorld     bool
		noShims     bool
		shimDir     string
	)

	cmd := &cobra.Command{
		Use:   "shell",
		Short: "Launch the supervising shell session",
		Long: "Launches the user's real shell behind a front-loaded, interceptor-shimmed\n" +
			"PATH, dispatching one of interactive, wrap (-c), script (-f), or pipe mode.",
		RunE: func(cmd *cobra.Command, args []string) error {
			os.Exit(runShell(shellOptions{
				wrapCommand: wrapCommand,
				scriptPath:  scriptPath,
				pipe:        pipe,
				login:       login,
				noWorld:     noWorld,
				noShims:     noShims,
				shimDir:     shimDir,
			}))
			return nil
		},
	}

	cmd.Flags().StringVarP(&wrapCommand, "command", "c", "", "run a single command line (wrap mode)")
	cmd.Flags().StringVarP(&scriptPath, "file", "f", "", "run a script file (script mode)")
	cmd.Flags().BoolVar(&pipe, "pipe", false, "read commands from stdin (pipe mode)")
	cmd.Flags().BoolVarP(&login, "login", "l", false, "start the child shell as a login shell")
	cmd.Flags().BoolVar(&noWorld, "no-world", false, "disable world routing and the interceptor PATH shim entirely")
	cmd.Flags().BoolVar(&noShims, "no-shims", false, "leave PATH untouched but keep policy/world plumbing available")
	cmd.Flags().StringVar(&shimDir, "shim-dir", "", "directory holding interceptor binaries (default: $SUBSTRATE_HOME/shims)")

	return cmd
}

type shellOptions struct {
	wrapCommand string
	scriptPath  string
	pipe        bool
	login       bool
	noWorld     bool
	noShims     bool
	shimDir     string
}

func runShell(opts shellOptions) int {
	home, err := policy.SubstrateHome()
	if err != nil {
		fmt.Fprintf(os.Stderr, "substrate: %v\n", err)
		return 1
	}

	cfgPath := filepath.Join(home, "config.yaml")
	ambient, err := config.LoadOptional(cfgPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "substrate: warn: %v\n", err)
		ambient = config.Default()
	}

	shimDir := opts.shimDir
	if shimDir == "" {
		shimDir = ambient.ShimDir
	}
	if shimDir == "" {
		shimDir = filepath.Join(home, "shims")
	}

	mode := shell.ModeInteractive
	switch {
	case opts.wrapCommand != "":
		mode = shell.ModeWrap
	case opts.scriptPath != "":
		mode = shell.ModeScript
	case opts.pipe:
		mode = shell.ModePipe
	}

	cwd, err := os.Getwd()
	if err != nil {
		fmt.Fprintf(os.Stderr, "substrate: %v\n", err)
		return 1
	}
	anchor := discoverAnchor(cwd)
	anchor.ApplyEnv()

	cfg := shell.Config{
		Mode:        mode,
		WrapCommand: opts.wrapCommand,
		ScriptPath:  opts.scriptPath,
		ShellMode:   "default",
		Login:       opts.login,
		NoWorld:     opts.noWorld,
		SkipShims:   opts.noShims,
		ShimDir:     shimDir,
		Anchor:      anchor,
	}

	originalPath := os.Getenv("PATH")

	var stopBackend func()
	if !opts.noWorld {
		stopBackend = startWorldAgentIfNeeded(home)
	}
	if stopBackend != nil {
		defer stopBackend()
	}

	traceLogPath := ambient.TraceLogPath
	sess, err := shell.NewSession(mode, traceLogPath, originalPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "substrate: %v\n", err)
		return 1
	}

	os.Setenv("SUBSTRATE_SESSION_ID", sess.ID)

	polPath := ambient.PolicyPath
	if polPath == "" {
		_, loaded, err := policy.LoadEffectiveForCwd(cwd)
		if err != nil {
			fmt.Fprintf(os.Stderr, "substrate: policy load failed: %v\n", err)
			return 1
		}
		polPath = loaded
	}
	b, err := broker.Init(polPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "substrate: policy load failed: %v\n", err)
		return 1
	}

	if polPath != "" {
		ctx, cancelWatch := context.WithCancel(context.Background())
		defer cancelWatch()
		if stop, err := broker.WatchPolicyFile(ctx, b, polPath); err == nil {
			defer stop()
		} else {
			fmt.Fprintf(os.Stderr, "substrate: warn: policy hot-reload disabled: %v\n", err)
		}
	}

	code, err := shell.Dispatch(sess, cfg)
	if err != nil {
		fmt.Fprintf(os.Stderr, "substrate: %v\n", err)
		if code == 0 {
			code = 1
		}
	}
	return code
}

// discoverAnchor picks the anchor settings for a freshly launched shell, the
// way cmd/substrate-shim never does since it inherits settings already
// applied by the shell that shims it.
func discoverAnchor(cwd string) shell.AnchorSettings {
	settings := shell.AnchorSettings{Mode: world.AnchorModeProject, Path: cwd, Caged: true}
	if root, ok := policy.FindWorkspaceRoot(cwd); ok {
		settings.Path = root
	}
	return settings
}

// startWorldAgentIfNeeded starts the agentsock server wrapping a Linux world
// backend and exports its socket path for child interceptor processes,
// unless one is already running for this $SUBSTRATE_HOME (spec §6 "sock/
// agent.sock"; nested `substrate shell` invocations must not each start
// their own backend and fight over mount/netns state). It returns a cleanup
// function to run at shell exit, or nil when this process did not start a
// server.
func startWorldAgentIfNeeded(home string) func() {
	sockPath := agentsock.SocketPath(home)

	probe := agentsock.NewClient(sockPath)
	if probe.Reachable() {
		os.Setenv("SUBSTRATE_WORLD_SOCK", sockPath)
		os.Setenv("SUBSTRATE_WORLD_ENABLED", "1")
		return nil
	}

	backend := world.NewLinuxBackend()
	srv, err := agentsock.Listen(sockPath, backend)
	if err != nil {
		fmt.Fprintf(os.Stderr, "substrate: warn: world backend unavailable: %v\n", err)
		os.Setenv("SUBSTRATE_WORLD_ENABLED", "0")
		return nil
	}
	go srv.Serve()

	os.Setenv("SUBSTRATE_WORLD_SOCK", sockPath)
	os.Setenv("SUBSTRATE_WORLD_ENABLED", "1")

	return func() {
		_ = srv.Close()
	}
}
