package ipc

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"sync/atomic"

	"github.com/tinyrange/vmmctl/internal/channel"
)

// Server listens on a Unix socket for the transport peer.
type Server struct {
	listener   net.Listener
	socketPath string
	closed     atomic.Bool
	log        *slog.Logger
}

// NewServer listens on socketPath, replacing any stale socket file.
func NewServer(socketPath string, log *slog.Logger) (*Server, error) {
	if log == nil {
		log = slog.Default()
	}
	removeSocket(socketPath)

	listener, err := net.Listen("unix", socketPath)
	if err != nil {
		return nil, fmt.Errorf("listen on %s: %w", socketPath, err)
	}
	return &Server{
		listener:   listener,
		socketPath: socketPath,
		log:        log,
	}, nil
}

// SocketPath returns the path to the Unix socket.
func (s *Server) SocketPath() string {
	return s.socketPath
}

// AcceptOne waits for the single peer this VMM serves and returns the
// connection to it. Cancelling ctx closes the server.
func (s *Server) AcceptOne(ctx context.Context, open channel.Set) (*Conn, error) {
	stop := context.AfterFunc(ctx, func() { s.Close() })
	defer stop()

	conn, err := s.listener.Accept()
	if err != nil {
		if s.closed.Load() {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			return nil, net.ErrClosed
		}
		return nil, fmt.Errorf("accept: %w", err)
	}
	s.log.Info("transport peer connected", "socket", s.socketPath)
	return NewConn(conn, open, s.log), nil
}

// Close stops listening and removes the socket file. Accepted connections
// are closed by their owners.
func (s *Server) Close() error {
	if !s.closed.CompareAndSwap(false, true) {
		return nil
	}
	err := s.listener.Close()
	removeSocket(s.socketPath)
	return err
}
