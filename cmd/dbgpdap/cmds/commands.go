package cmds

import (
	"errors"
	"fmt"
	"net"
	"os"
	"os/signal"
	"runtime"
	"syscall"

	"github.com/dbgpdap/dbgpdap/cmd/dbgpdap/cmds/helphelpers"
	"github.com/dbgpdap/dbgpdap/pkg/config"
	"github.com/dbgpdap/dbgpdap/pkg/logflags"
	"github.com/dbgpdap/dbgpdap/pkg/process"
	"github.com/dbgpdap/dbgpdap/pkg/version"
	"github.com/dbgpdap/dbgpdap/service"
	"github.com/dbgpdap/dbgpdap/service/dap"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
)

var (
	// log is whether to log debug statements.
	log bool
	// logOutput is a comma separated list of components that should produce debug output.
	logOutput string
	// logDest is the file path or file descriptor where logs should go.
	logDest string
	// addr is the DAP server listen address.
	addr string
	// useStdio makes the bridge talk DAP over stdin and stdout.
	useStdio bool
	// runtimePath overrides the runtime-path setting of the config file.
	runtimePath string
	// dbgpHost and dbgpPort override the address the bridge listens on for
	// runtime connections.
	dbgpHost string
	dbgpPort int
	// requestTimeout overrides request-timeout.
	requestTimeout string
	// versionVerbose prints the module dependencies with the version.
	versionVerbose bool

	// rootCommand is the root of the command tree.
	rootCommand *cobra.Command
)

const bridgeCommandLongDesc = `dbgpdap connects editors that speak the Debug Adapter Protocol (DAP) to
script runtimes that speak DBGp, such as AutoHotkey.

The bridge serves a single editor session. In launch mode it starts the
runtime itself with a /Debug switch pointing back at the bridge; in attach
mode it waits for (or connects to) a runtime that was started separately.
Breakpoints, stepping, stack frames, variables and evaluation are
translated between the two protocols.

Settings are read from config.yml in the dbgpdap config directory and can
be overridden with the flags of the dap command or per session by the
launch and attach arguments.
`

// New returns an initialized command tree.
func New(docCall bool) *cobra.Command {
	// Reset the flag state, New may be called more than once.
	addr = ""
	useStdio = false
	versionVerbose = false

	// Main dbgpdap root command.
	rootCommand = &cobra.Command{
		Use:   "dbgpdap",
		Short: "dbgpdap is a DAP to DBGp debug adapter.",
		Long:  bridgeCommandLongDesc,
	}

	rootCommand.PersistentFlags().StringVarP(&addr, "listen", "l", "127.0.0.1:0", "DAP server listen address.")
	rootCommand.PersistentFlags().BoolVarP(&log, "log", "", false, "Enable debugging server logging.")
	rootCommand.PersistentFlags().StringVarP(&logOutput, "log-output", "", "", `Comma separated list of components that should produce debug output (see 'dbgpdap help log')`)
	rootCommand.PersistentFlags().StringVarP(&logDest, "log-dest", "", "", "Writes logs to the specified file or file descriptor (see 'dbgpdap help log').")
	rootCommand.PersistentFlags().StringVar(&runtimePath, "runtime", "", "Path of the runtime executable used in launch mode.")
	rootCommand.PersistentFlags().StringVar(&dbgpHost, "dbgp-host", "", "Address the bridge listens on for runtime connections.")
	rootCommand.PersistentFlags().IntVar(&dbgpPort, "dbgp-port", config.DefaultDBGpPort, "Port the bridge listens on for runtime connections, 0 picks a free port.")
	rootCommand.PersistentFlags().StringVar(&requestTimeout, "request-timeout", "", `How long to wait for a runtime response, for example "5s".`)

	usage := rootCommand.UsageFunc()
	rootCommand.SetUsageFunc(func(cmd *cobra.Command) error {
		helphelpers.Prepare(cmd)
		return usage(cmd)
	})

	// 'dap' subcommand.
	dapCommand := &cobra.Command{
		Use:   "dap",
		Short: "Starts a server communicating via Debug Adaptor Protocol (DAP).",
		Long: `Starts a server communicating via Debug Adaptor Protocol (DAP).

By default the server listens on the TCP address given by --listen and
prints it on startup. With --stdio the editor runs dbgpdap as a child
process and DAP messages are exchanged over stdin and stdout.

The runtime is started on a launch request, or awaited on an attach request.
The server accepts a single client connection and exits when it disconnects.`,
		Args: cobra.NoArgs,
		Run:  dapCmd,
	}
	dapCommand.Flags().BoolVar(&useStdio, "stdio", false, "Talk DAP over stdin and stdout instead of listening.")
	rootCommand.AddCommand(dapCommand)

	// 'version' subcommand.
	versionCommand := &cobra.Command{
		Use:   "version",
		Short: "Prints version.",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "dbgpdap\n%s\n", version.BridgeVersion)
			if versionVerbose {
				fmt.Fprintf(cmd.OutOrStdout(), "Build Details: %s\n", version.BuildInfo())
			}
		},
	}
	versionCommand.Flags().BoolVarP(&versionVerbose, "verbose", "v", false, "print verbose version info")
	rootCommand.AddCommand(versionCommand)

	rootCommand.AddCommand(&cobra.Command{
		Use:   "log",
		Short: "Help about logging flags.",
		Long: `Logging can be enabled by specifying the --log flag and using the
--log-output flag to select which components should produce logs.

The argument of --log-output must be a comma separated list of component
names selected from this list:


	bridge		Log session lifecycle events (default)
	dap		Log all DAP messages
	dbgpwire	Log all DBGp packets exchanged with the runtime
	runtime		Copy output of a launched runtime to the log

Additionally --log-dest can be used to specify where the logs should be
written.
If the argument is a number it will be interpreted as a file descriptor,
otherwise as a file path.
This option will also redirect the "server listening at" message.

`,
	})

	rootCommand.DisableAutoGenTag = true

	return rootCommand
}

func dapCmd(cmd *cobra.Command, args []string) {
	status := func() int {
		if err := logflags.Setup(log, logOutput, logDest); err != nil {
			fmt.Fprintf(os.Stderr, "%v\n", err)
			return 1
		}
		defer logflags.Close()

		conf := config.LoadConfig()
		if err := applyFlags(cmd.Flags(), conf); err != nil {
			fmt.Fprintf(os.Stderr, "%v\n", err)
			return 1
		}
		if err := conf.Validate(); err != nil {
			fmt.Fprintf(os.Stderr, "Invalid configuration: %v\n", err)
			return 1
		}
		if useStdio && cmd.Flags().Changed("listen") {
			fmt.Fprintf(os.Stderr, "Warning: --listen ignored with --stdio\n")
		}

		disconnectChan := make(chan struct{})
		cfg := &service.Config{
			Bridge:         conf,
			Launcher:       process.ExecLauncher{},
			Locator:        &process.Locator{Path: conf.RuntimePath, InstallDir: conf.RuntimeInstallDir},
			DisconnectChan: disconnectChan,
		}
		if useStdio {
			cfg.Stdio = stdio{in: os.Stdin, out: os.Stdout}
		} else {
			listener, err := net.Listen("tcp", addr)
			if err != nil {
				fmt.Printf("couldn't start listener: %s\n", err)
				return 1
			}
			cfg.Listener = listener
		}
		server := dap.NewServer(cfg)
		defer server.Stop()

		server.Run()
		waitForDisconnectSignal(disconnectChan)
		return 0
	}()
	os.Exit(status)
}

// applyFlags copies the flags that were set on the command line over the
// values loaded from the config file.
func applyFlags(flags *pflag.FlagSet, conf *config.Config) error {
	var err error
	flags.Visit(func(f *pflag.Flag) {
		switch f.Name {
		case "runtime":
			conf.RuntimePath = runtimePath
		case "dbgp-host":
			conf.DBGpHost = dbgpHost
		case "dbgp-port":
			if dbgpPort < 0 || dbgpPort > 65535 {
				err = fmt.Errorf("invalid --dbgp-port %d", dbgpPort)
				return
			}
			port := dbgpPort
			conf.DBGpPort = &port
		case "request-timeout":
			conf.RequestTimeout = requestTimeout
		}
	})
	return err
}

// stdio joins the standard streams of the bridge into the single stream a
// DAP session reads from and writes to.
type stdio struct {
	in  *os.File
	out *os.File
}

func (s stdio) Read(p []byte) (int, error)  { return s.in.Read(p) }
func (s stdio) Write(p []byte) (int, error) { return s.out.Write(p) }

func (s stdio) Close() error {
	return errors.Join(s.in.Close(), s.out.Close())
}

// waitForDisconnectSignal is a blocking function that waits for either
// a SIGINT (Ctrl-C) signal from the OS or for disconnectChan to be closed
// by the server when the client disconnects.
func waitForDisconnectSignal(disconnectChan chan struct{}) {
	ch := make(chan os.Signal, 1)
	signal.Notify(ch, syscall.SIGINT)
	defer signal.Stop(ch)
	if runtime.GOOS == "windows" {
		// On windows Ctrl-C in the console of a launched runtime is also
		// delivered to the bridge. Ignore it instead of stopping the server.
		<-disconnectChan
		return
	}
	select {
	case <-ch:
	case <-disconnectChan:
	}
}
