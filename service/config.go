package service

import (
	"io"
	"net"

	"github.com/dbgpdap/dbgpdap/pkg/config"
	"github.com/dbgpdap/dbgpdap/pkg/process"
)

// Config provides the configuration to start the bridge and expose it with
// a service.
//
// Only one of Listener or Stdio should be set. With a Listener the server
// accepts a single editor connection; with Stdio the editor talks to the
// bridge over the given stream.
type Config struct {
	// Listener is used to serve requests.
	Listener net.Listener
	// Stdio is the editor stream when the bridge runs as a child of the
	// editor.
	Stdio io.ReadWriteCloser

	// Bridge holds the settings from the config file and the command line.
	// Launch and attach arguments override them per session.
	Bridge *config.Config

	// Launcher starts the runtime in launch mode. Defaults to
	// process.ExecLauncher.
	Launcher process.Launcher
	// Locator finds the runtime executable when the launch request does
	// not name one.
	Locator *process.Locator

	// DisconnectChan will be closed by the server when the client disconnects
	DisconnectChan chan<- struct{}
}
