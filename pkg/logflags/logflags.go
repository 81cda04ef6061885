package logflags

import (
	"errors"
	"fmt"
	"io"
	"log"
	"net"
	"os"
	"runtime"
	"strconv"
	"strings"

	"github.com/mattn/go-colorable"
	"github.com/mattn/go-isatty"
	"github.com/sirupsen/logrus"
)

var dap = false
var dbgpWire = false
var runtimeOutput = false
var bridge = false

var logOut io.WriteCloser

func makeLogger(level logrus.Level, fields Fields) Logger {
	if lf := loggerFactory; lf != nil {
		return lf(level, fields, logOut)
	}
	logger := logrus.New().WithFields(logrus.Fields(fields))
	logger.Logger.Formatter = textFormatter()
	if logOut != nil {
		logger.Logger.Out = logOut
	} else if runtime.GOOS == "windows" {
		logger.Logger.Out = colorable.NewColorableStderr()
	}
	logger.Logger.Level = level
	return &logrusLogger{logger}
}

func makeFlaggableLogger(flag bool, fields Fields) Logger {
	if !flag {
		return makeLogger(logrus.ErrorLevel, fields)
	}
	return makeLogger(logrus.DebugLevel, fields)
}

func textFormatter() logrus.Formatter {
	colors := false
	if logOut == nil {
		colors = isatty.IsTerminal(os.Stderr.Fd())
	} else if f, ok := logOut.(*os.File); ok {
		colors = isatty.IsTerminal(f.Fd())
	}
	return &logrus.TextFormatter{
		DisableColors:   !colors,
		ForceColors:     colors,
		FullTimestamp:   true,
		TimestampFormat: "2006-01-02T15:04:05Z07:00",
	}
}

// DAP returns true if the DAP server should log the messages exchanged
// with the editor.
func DAP() bool {
	return dap
}

// DAPLogger returns a logger for the DAP server.
func DAPLogger() Logger {
	return makeFlaggableLogger(dap, Fields{"layer": "dap"})
}

// DBGpWire returns true if every packet exchanged with the language runtime
// should be logged.
func DBGpWire() bool {
	return dbgpWire
}

// DBGpWireLogger returns a configured logger for the DBGp wire protocol.
func DBGpWireLogger() Logger {
	return makeFlaggableLogger(dbgpWire, Fields{"layer": "dbgpconn"})
}

// RuntimeOutput returns true if the stdout/stderr of the debuggee should
// be copied to the log in addition to being relayed to the editor.
func RuntimeOutput() bool {
	return runtimeOutput
}

// RuntimeLogger returns a logger for the process supervisor.
func RuntimeLogger() Logger {
	return makeFlaggableLogger(runtimeOutput, Fields{"layer": "runtime"})
}

// Bridge returns true if session lifecycle events should be logged.
func Bridge() bool {
	return bridge
}

// BridgeLogger returns a logger for session lifecycle events.
func BridgeLogger() Logger {
	return makeFlaggableLogger(bridge, Fields{"layer": "bridge"})
}

// WriteDAPListeningMessage writes the "DAP server listening" message.
func WriteDAPListeningMessage(addr net.Addr) {
	writeListeningMessage("DAP server", addr)
}

func writeListeningMessage(server string, addr net.Addr) {
	msg := fmt.Sprintf("%s listening at: %s", server, addr)
	if logOut != nil {
		fmt.Fprintln(logOut, msg)
	} else {
		fmt.Println(msg)
	}
	tcpAddr, _ := addr.(*net.TCPAddr)
	if tcpAddr == nil || tcpAddr.IP.IsLoopback() {
		return
	}
	logger := BridgeLogger()
	logger.Warn("Listening for remote connections (connections are not authenticated nor encrypted)")
}

var errLogstrWithoutLog = errors.New("--log-output specified without --log")

// Setup sets debugger flags based on the contents of logstr.
// If logDest is not empty logs will be redirected to the file descriptor or
// file path specified by logDest.
func Setup(logFlag bool, logstr, logDest string) error {
	if logDest != "" {
		n, err := strconv.Atoi(logDest)
		if err == nil {
			logOut = os.NewFile(uintptr(n), "dbgpdap-logs")
		} else {
			fh, err := os.Create(logDest)
			if err != nil {
				return fmt.Errorf("could not create log file: %w", err)
			}
			logOut = fh
		}
	}
	log.SetFlags(log.Ldate | log.Ltime | log.Lshortfile)
	if !logFlag {
		log.SetOutput(io.Discard)
		if logstr != "" {
			return errLogstrWithoutLog
		}
		return nil
	}
	if logstr == "" {
		logstr = "bridge"
	}
	for _, logcmd := range strings.Split(logstr, ",") {
		switch strings.TrimSpace(logcmd) {
		case "dap":
			dap = true
		case "dbgpwire":
			dbgpWire = true
		case "runtime":
			runtimeOutput = true
		case "bridge":
			bridge = true
		default:
			fmt.Fprintf(os.Stderr, "Warning: unknown log output value %q\n", logcmd)
		}
	}
	return nil
}

// Close closes the logger output.
func Close() {
	if logOut != nil {
		logOut.Close()
	}
}
