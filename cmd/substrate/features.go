package main

import (
	"fmt"
	"os"
	"os/exec"
	"runtime"

	"github.com/spf13/cobra"
)

func featuresCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "features",
		Short: "Report which world-execution capabilities this host can back",
		RunE: func(cmd *cobra.Command, args []string) error {
			printFeatureReport()
			return nil
		},
	}
}

type featureCheck struct {
	name   string
	ok     bool
	detail string
}

func printFeatureReport() {
	fmt.Printf("platform: %s/%s\n", runtime.GOOS, runtime.GOARCH)

	if runtime.GOOS != "linux" {
		fmt.Println("world backend: unavailable (Linux-only; this platform returns ErrBackendUnavailable)")
		return
	}

	checks := []featureCheck{
		checkCgroupsV2(),
		checkBinary("ip", "network namespaces"),
		checkBinary("nft", "nftables egress allowlisting"),
		checkFuseOverlay(),
		checkRoot(),
	}

	fmt.Println("world backend: linux")
	for _, c := range checks {
		status := "unavailable"
		if c.ok {
			status = "available"
		}
		fmt.Printf("  %-28s %s", c.name+":", status)
		if c.detail != "" {
			fmt.Printf(" (%s)", c.detail)
		}
		fmt.Println()
	}
}

func checkCgroupsV2() featureCheck {
	_, err := os.Stat("/sys/fs/cgroup/cgroup.controllers")
	return featureCheck{name: "cgroups v2", ok: err == nil}
}

func checkBinary(name, purpose string) featureCheck {
	path, err := exec.LookPath(name)
	if err != nil {
		return featureCheck{name: purpose, ok: false, detail: name + " not on PATH"}
	}
	return featureCheck{name: purpose, ok: true, detail: path}
}

func checkFuseOverlay() featureCheck {
	if _, err := os.Stat("/dev/fuse"); err != nil {
		return featureCheck{name: "FUSE fallback overlay", ok: false, detail: "/dev/fuse missing"}
	}
	if _, err := exec.LookPath("fuse-overlayfs"); err != nil {
		return featureCheck{name: "FUSE fallback overlay", ok: false, detail: "fuse-overlayfs not on PATH"}
	}
	return featureCheck{name: "FUSE fallback overlay", ok: true}
}

func checkRoot() featureCheck {
	uid := os.Geteuid()
	if uid == 0 {
		return featureCheck{name: "privileged mount/netns operations", ok: true, detail: "running as root"}
	}
	return featureCheck{name: "privileged mount/netns operations", ok: false, detail: fmt.Sprintf("euid %d; overlay mounts and netns creation typically need root or equivalent capabilities", uid)}
}
