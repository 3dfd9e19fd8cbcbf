// Package session implements the serving side: a listener that accepts
// connections on the shared socket path and a per-connection state
// machine that spawns one process, relays signals to it, reports its
// exit, and force-kills it when the client vanishes.
package session

import (
	"errors"
	"fmt"
	"net"
	"sync"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/reiver-dev/sidecar/socket"
)

// Server accepts connections and runs one session per connection.
type Server struct {
	logger *zap.SugaredLogger
	path   string

	mut      sync.Mutex
	listener *socket.Listener
	quit     chan struct{}
	quitOnce sync.Once
}

type Option func(s *Server)

func WithLogger(l *zap.Logger) Option {
	return func(s *Server) {
		s.logger = l.Sugar()
	}
}

func WithLogLevel(l zapcore.Level) Option {
	return func(s *Server) {
		s.logger = s.logger.WithOptions(zap.IncreaseLevel(l))
	}
}

// NewServer builds a server for the given socket path. The path is not
// bound until Serve is called.
func NewServer(path string, opts ...Option) (*Server, error) {
	logger, err := zap.NewDevelopment()
	if err != nil {
		return nil, fmt.Errorf("building logger: %w", err)
	}
	s := &Server{
		logger: logger.Named("server").Sugar(),
		path:   path,
		quit:   make(chan struct{}),
	}
	for _, o := range opts {
		o(s)
	}
	return s, nil
}

// Serve binds the socket path and accepts connections until Stop is
// called or a client requests shutdown. Sessions never block the accept
// loop; each runs in its own goroutine and failures stay local to it.
func (s *Server) Serve() error {
	listener, err := socket.Listen(s.path)
	if err != nil {
		return err
	}
	s.mut.Lock()
	select {
	case <-s.quit:
		// Stop raced with startup.
		s.mut.Unlock()
		listener.Close()
		return nil
	default:
	}
	s.listener = listener
	s.mut.Unlock()

	s.logger.Infof("serving on %s", s.path)
	for {
		conn, err := listener.Accept()
		if err != nil {
			if errors.Is(err, net.ErrClosed) {
				s.logger.Info("server stopped")
				return nil
			}
			return fmt.Errorf("accepting connection: %w", err)
		}
		sess := &session{
			log:  s.logger.Named("session").With("id", uuid.NewString()[:8]),
			conn: conn,
			stop: s.Stop,
		}
		go sess.run()
	}
}

// Stop makes Serve return. Idempotent and safe from any goroutine;
// running sessions are not interrupted.
func (s *Server) Stop() error {
	s.quitOnce.Do(func() { close(s.quit) })
	s.mut.Lock()
	listener := s.listener
	s.listener = nil
	s.mut.Unlock()
	if listener == nil {
		return nil
	}
	return listener.Close()
}
