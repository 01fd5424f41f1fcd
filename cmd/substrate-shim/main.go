// Command substrate-shim is the command interceptor (C1). It is never
// invoked by its own name: the supervising shell installs it under every
// intercepted command's name as a symlink (or copy) on a front-loaded PATH,
// so os.Args[0] carries the real command name (original_source
// shim/src/main.rs run_shim).
package main

import (
	"os"

	"github.com/atomize-hq/substrate/internal/shimrun"
)

func main() {
	os.Exit(shimrun.Run(os.Args[0], os.Args[1:]))
}
