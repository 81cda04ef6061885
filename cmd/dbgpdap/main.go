package main

import (
	"os"

	"github.com/dbgpdap/dbgpdap/cmd/dbgpdap/cmds"
	"github.com/dbgpdap/dbgpdap/pkg/version"
)

// Build is the git sha of this binaries build.
var Build string

func main() {
	if Build != "" {
		version.BridgeVersion.Build = Build
	}
	if err := cmds.New(false).Execute(); err != nil {
		os.Exit(1)
	}
}
