package framesock

import (
	"context"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/pkg/errors"
)

// Handler receives the messages of every connection accepted by a Server.
type Handler interface {
	// OnMessage is called for each complete message, in arrival order per
	// connection. Returning an error closes that connection.
	OnMessage(conn *Conn, message Message) error
}

// CloseHandler is an optional interface a Handler can implement to learn
// how each connection ended. err is nil for a clean close between frames.
type CloseHandler interface {
	OnClose(conn *Conn, err error)
}

// HandlerFunc adapts a function to the Handler interface.
type HandlerFunc func(conn *Conn, message Message) error

// OnMessage calls f(conn, message).
func (f HandlerFunc) OnMessage(conn *Conn, message Message) error {
	return f(conn, message)
}

// Server accepts TCP connections and runs each one as a framed Conn.
// Every connection owns its own Reassembler; nothing is shared between them.
type Server struct {
	listener        *net.TCPListener
	logger          Logger
	shutdownTimeout time.Duration
	connOpts        []Option

	mu          sync.Mutex
	shutdown    bool
	conns       map[string]*Conn
	cancelConns context.CancelFunc
	wg          sync.WaitGroup
	shutdownNow chan struct{} // signals immediate shutdown, bypassing timeout
}

// ServerOption configures a Server.
type ServerOption func(*Server)

// ServerLoggerOption sets the logger for the server and its connections.
func ServerLoggerOption(logger Logger) ServerOption {
	return func(s *Server) {
		s.logger = logger
	}
}

// ServerShutdownTimeoutOption sets the graceful shutdown timeout.
// When the context is canceled, the server keeps its connections running for
// up to this duration before closing the listener and canceling them.
// Default is 0 (immediate shutdown).
func ServerShutdownTimeoutOption(timeout time.Duration) ServerOption {
	return func(s *Server) {
		s.shutdownTimeout = timeout
	}
}

// ServerConnOptions sets the options applied to every accepted connection.
// OnMessageOption is ignored; messages go to the Handler passed to Serve.
func ServerConnOptions(opts ...Option) ServerOption {
	return func(s *Server) {
		s.connOpts = append(s.connOpts, opts...)
	}
}

// New creates a new TCP server bound to the specified address.
// Returns an error if the address cannot be bound.
func New(addr *net.TCPAddr, opts ...ServerOption) (*Server, error) {
	listener, err := net.ListenTCP(addr.Network(), addr)
	if err != nil {
		return nil, errors.Wrapf(err, "listen %s", addr)
	}

	s := &Server{
		listener:    listener,
		logger:      slog.Default(),
		conns:       make(map[string]*Conn),
		shutdownNow: make(chan struct{}, 1),
	}

	for _, opt := range opts {
		opt(s)
	}

	return s, nil
}

// Serve accepts connections and runs them until the context is canceled or
// an unrecoverable accept error occurs. It returns once every connection it
// started has finished.
//
// If ServerShutdownTimeoutOption is set, connections get up to that long to
// finish after the context is canceled. Call Close() to bypass the timeout.
func (s *Server) Serve(ctx context.Context, handler Handler) error {
	s.logger.Info("server started", "addr", s.listener.Addr())

	connCtx, cancelConns := context.WithCancel(context.WithoutCancel(ctx))
	s.mu.Lock()
	s.cancelConns = cancelConns
	s.mu.Unlock()

	defer func() {
		cancelConns()
		s.wg.Wait()
	}()

	served := make(chan struct{})
	defer close(served)

	go func() {
		select {
		case <-ctx.Done():
		case <-served:
			return
		}

		if s.shutdownTimeout > 0 {
			s.logger.Info("graceful shutdown initiated", "timeout", s.shutdownTimeout, "connections", s.ConnCount())
			select {
			case <-time.After(s.shutdownTimeout):
			case <-s.shutdownNow:
				s.logger.Debug("shutdown timeout bypassed via Close()")
			case <-served:
			}
		}

		s.mu.Lock()
		s.shutdown = true
		s.mu.Unlock()
		// Set a deadline to unblock Accept
		_ = s.listener.SetDeadline(time.Now())
	}()

	for {
		conn, err := s.listener.AcceptTCP()
		if err != nil {
			s.mu.Lock()
			isShutdown := s.shutdown
			s.mu.Unlock()

			if isShutdown {
				s.logger.Info("server stopped", "addr", s.listener.Addr())
				return ctx.Err()
			}

			var netErr net.Error
			if errors.As(err, &netErr) && netErr.Timeout() {
				continue
			}
			s.logger.Error("accept error", "error", err)
			return err
		}

		s.logger.Debug("accepted connection", "remote_addr", conn.RemoteAddr())
		_ = conn.SetNoDelay(true)

		s.wg.Add(1)
		go s.handle(connCtx, conn, handler)
	}
}

// handle runs one accepted connection to completion.
func (s *Server) handle(ctx context.Context, raw *net.TCPConn, handler Handler) {
	defer s.wg.Done()

	var conn *Conn
	opts := make([]Option, 0, len(s.connOpts)+2)
	opts = append(opts, LoggerOption(s.logger))
	opts = append(opts, s.connOpts...)
	opts = append(opts, OnMessageOption(func(m Message) error {
		return handler.OnMessage(conn, m)
	}))

	conn, err := NewConn(raw, opts...)
	if err != nil {
		s.logger.Error("rejecting connection", "remote_addr", raw.RemoteAddr(), "error", err)
		_ = raw.Close()
		return
	}

	s.track(conn)
	defer s.untrack(conn)

	err = conn.Run(ctx)
	if ch, ok := handler.(CloseHandler); ok {
		ch.OnClose(conn, err)
	}
}

func (s *Server) track(conn *Conn) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.conns[conn.ID()] = conn
}

func (s *Server) untrack(conn *Conn) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.conns, conn.ID())
}

// ConnCount returns the number of connections currently running.
func (s *Server) ConnCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.conns)
}

// Close stops the server immediately: it closes the listener and cancels
// every running connection, bypassing any shutdown timeout.
func (s *Server) Close() error {
	s.mu.Lock()
	s.shutdown = true
	cancel := s.cancelConns
	s.mu.Unlock()

	if cancel != nil {
		cancel()
	}

	select {
	case s.shutdownNow <- struct{}{}:
	default:
	}

	return s.listener.Close()
}

// Addr returns the listener's network address.
func (s *Server) Addr() net.Addr {
	return s.listener.Addr()
}
