package dap

import (
	"net"
	"os"
	"sync"

	"github.com/dbgpdap/dbgpdap/pkg/logflags"
	"github.com/dbgpdap/dbgpdap/service"
)

// Server implements a DAP server that can accept a single client for
// a single debug session. It does not support restarting.
// The server operates via the following goroutines:
// (1) Main goroutine where the server is created via NewServer(),
// started via Run() and stopped via Stop().
// (2) Run goroutine started from Run() that accepts a client connection
// and runs the Session serving it.
// (3) The goroutines of the Session.
type Server struct {
	// config is all the information necessary to start the bridge and server.
	config *service.Config
	// listener is used to accept the client connection.
	// When working with a predetermined client, this is nil.
	listener net.Listener
	// stopTriggered is closed when the server is Stop()-ed.
	// This can be used to signal to goroutines run by the server that it's time to quit.
	stopTriggered chan struct{}
	// log is used for structured logging.
	log logflags.Logger

	// mu guards session.
	mu sync.Mutex
	// session is the debug session that comes with a client connection.
	session *Session
	// disconnectOnce guards closing of config.DisconnectChan.
	disconnectOnce sync.Once
}

// NewServer creates a new DAP Server. It takes an opened Listener
// via config and assumes its ownership. config.DisconnectChan has to be set;
// it will be closed by the server when the client disconnects or requests
// shutdown. Once DisconnectChan is closed, Server.Stop() must be called.
func NewServer(config *service.Config) *Server {
	logger := logflags.DAPLogger()
	if config.Listener != nil {
		logflags.WriteDAPListeningMessage(config.Listener.Addr())
	}
	logger.Debug("DAP server pid = ", os.Getpid())
	return &Server{
		config:        config,
		listener:      config.Listener,
		stopTriggered: make(chan struct{}),
		log:           logger,
	}
}

// Stop stops the DAP server, closes the listener and the client
// connection. A runtime launched by the session is stopped and killed if
// it does not exit on its own; an attached runtime is detached.
// This method mustn't be called more than once.
func (s *Server) Stop() {
	s.log.Debug("DAP server stopping...")
	close(s.stopTriggered)
	if s.listener != nil {
		s.listener.Close()
	}
	s.mu.Lock()
	session := s.session
	s.mu.Unlock()
	if session != nil {
		session.Stop()
	}
	s.log.Debug("DAP server stopped")
}

// signalDisconnect closes config.DisconnectChan if not nil, which
// signals that the client disconnected or there was a client
// connection failure. Since the server currently services only one
// client, this can be used as a signal to the entire server via
// Stop(). The function safeguards against closing the channel more
// than once and can be called multiple times.
func (s *Server) signalDisconnect() {
	s.disconnectOnce.Do(func() {
		if s.config.DisconnectChan != nil {
			close(s.config.DisconnectChan)
		}
	})
}

// Run launches a new goroutine where it accepts a client connection
// and starts processing requests from it. Use Stop() to close connection.
// The server does not support multiple clients, serially or in parallel.
// The server should be restarted for every new debug session.
// The runtime won't be started until launch/attach request is received.
func (s *Server) Run() {
	if s.config.Stdio != nil {
		go s.serve(NewStreamTransport(s.config.Stdio))
		return
	}
	go func() {
		conn, err := s.listener.Accept()
		if err != nil {
			select {
			case <-s.stopTriggered:
			default:
				s.log.Errorf("Error accepting client connection: %s\n", err)
			}
			s.signalDisconnect()
			return
		}
		s.log.Debugf("client connected from %s", conn.RemoteAddr())
		s.serve(NewStreamTransport(conn))
	}()
}

func (s *Server) serve(conn Transport) {
	defer s.signalDisconnect()
	session := NewSession(conn, s.config)
	s.mu.Lock()
	select {
	case <-s.stopTriggered:
		s.mu.Unlock()
		conn.Close()
		return
	default:
	}
	s.session = session
	s.mu.Unlock()
	session.Run()
}
