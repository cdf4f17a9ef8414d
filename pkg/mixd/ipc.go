package mixd

import (
	"bufio"
	"fmt"
	"net"
	"os"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"
)

const (
	socketReadTimeout  = 5 * time.Second
	socketWriteTimeout = 5 * time.Second
)

// CommandServer accepts short-lived textual mutation requests over a
// per-user domain socket. Each client sends exactly one line, receives
// exactly one line, and disconnects - no session state is kept.
//
//	ROUTE <app> <sink>        -> OK | ERROR <message>
//	SET_VOLUME <sink> <0..1>  -> OK | ERROR <message>
//	MUTE <sink> <true|false>  -> OK | ERROR <message>
type CommandServer struct {
	logger  *zap.SugaredLogger
	handler *commandHandler

	socketPath string
	listener   net.Listener

	stopChannel chan struct{}
}

func NewCommandServer(logger *zap.SugaredLogger, handler *commandHandler, socketPath string) *CommandServer {
	logger = logger.Named("ipc")

	server := &CommandServer{
		logger:      logger,
		handler:     handler,
		socketPath:  socketPath,
		stopChannel: make(chan struct{}),
	}

	logger.Debugw("Created command server instance", "socket", socketPath)

	return server
}

func (s *CommandServer) Start() error {
	// a stale socket from an unclean previous shutdown would block the bind
	if err := os.Remove(s.socketPath); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("remove stale socket: %w", err)
	}

	listener, err := net.Listen("unix", s.socketPath)
	if err != nil {
		return fmt.Errorf("bind command socket %s: %w", s.socketPath, err)
	}

	s.listener = listener
	s.logger.Infow("Command socket listening", "socket", s.socketPath)

	go s.acceptLoop()

	return nil
}

func (s *CommandServer) Stop() {
	close(s.stopChannel)

	if s.listener != nil {
		_ = s.listener.Close()
	}

	if err := os.Remove(s.socketPath); err != nil && !os.IsNotExist(err) {
		s.logger.Warnw("Failed to remove command socket", "error", err, "socket", s.socketPath)
	}

	s.logger.Debug("Command server stopped")
}

func (s *CommandServer) acceptLoop() {
	for {
		conn, err := s.listener.Accept()
		if err != nil {
			select {
			case <-s.stopChannel:
				return
			default:
			}

			s.logger.Warnw("Failed to accept connection", "error", err)
			continue
		}

		// connection-level errors stay isolated per connection; one
		// misbehaving client never blocks the listener
		go s.handleConnection(conn)
	}
}

func (s *CommandServer) handleConnection(conn net.Conn) {
	defer func() { _ = conn.Close() }()

	_ = conn.SetReadDeadline(time.Now().Add(socketReadTimeout))

	line, err := bufio.NewReader(conn).ReadString('\n')
	if err != nil && line == "" {
		s.logger.Debugw("Client sent no command", "error", err)
		return
	}

	response := s.execute(strings.TrimSpace(line))

	_ = conn.SetWriteDeadline(time.Now().Add(socketWriteTimeout))
	if _, err := conn.Write([]byte(response + "\n")); err != nil {
		s.logger.Debugw("Failed to write response", "error", err)
	}
}

// execute runs one command line and renders the one-line response.
// Malformed input yields an ERROR response without mutating state
func (s *CommandServer) execute(line string) string {
	fields := strings.Fields(line)
	if len(fields) == 0 {
		return "ERROR empty command"
	}

	var err error

	switch fields[0] {
	case "ROUTE":
		if len(fields) != 3 {
			return "ERROR usage: ROUTE <app> <sink>"
		}
		err = s.handler.RouteApplication(fields[1], fields[2])

	case "SET_VOLUME":
		if len(fields) != 3 {
			return "ERROR usage: SET_VOLUME <sink> <volume>"
		}
		volume, parseErr := strconv.ParseFloat(fields[2], 32)
		if parseErr != nil {
			return fmt.Sprintf("ERROR invalid volume value: %s", fields[2])
		}
		err = s.handler.SetSinkVolume(fields[1], float32(volume))

	case "MUTE":
		if len(fields) != 3 {
			return "ERROR usage: MUTE <sink> <true|false>"
		}
		muted, parseErr := strconv.ParseBool(fields[2])
		if parseErr != nil {
			return fmt.Sprintf("ERROR invalid mute value: %s", fields[2])
		}
		err = s.handler.SetSinkMute(fields[1], muted)

	default:
		return fmt.Sprintf("ERROR unknown command: %s", fields[0])
	}

	if err != nil {
		if isValidationError(err) {
			s.logger.Debugw("Rejected command", "command", line, "error", err)
		} else {
			s.logger.Warnw("Command failed", "command", line, "error", err)
		}

		return "ERROR " + err.Error()
	}

	return "OK"
}
