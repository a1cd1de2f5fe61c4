// Command grabd is the multi-connection download engine's command-line
// front end: 'grabd add' for one-off foreground downloads, 'grabd serve'
// for the long-lived daemon (local control endpoint + management API),
// and 'grabd list/pause/resume/stop/retry' as thin clients against it.
package main

import (
	"fmt"
	"os"

	"github.com/grabd/grabd/internal/cli"
)

// version is overridden at build time via:
//
//	go build -ldflags "-X main.version=$(git describe --tags)"
var version = "dev"

func main() {
	cli.Version = version
	if err := cli.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
