// Package server implements the vaultd TCP daemon.
//
// Each accepted connection is served by its own goroutine and carries a
// single request-response exchange: the client writes one JSON request,
// the server dispatches it and writes one JSON response, then the
// connection is closed. The only state shared between connections is the
// environment store.
package server

import (
	"context"
	"errors"
	"io"
	"net"
	"sync"
	"time"

	"github.com/ASHISH26940/vaultd/internal/policy"
	"github.com/ASHISH26940/vaultd/internal/protocol"
	"github.com/ASHISH26940/vaultd/internal/store"
	"github.com/ASHISH26940/vaultd/internal/vault"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Environments is the read side of the store the handlers need.
// By depending on an interface, the store can be replaced in tests.
type Environments interface {
	Get(name string) (store.Environment, bool)
	Names() []string
}

// Config holds listener settings.
type Config struct {
	Addr           string        // TCP address to listen on, e.g. "0.0.0.0:4000".
	MaxMessageSize int64         // Largest request accepted. Zero uses protocol.DefaultMaxMessageSize.
	ReadTimeout    time.Duration // Deadline for receiving the request. Zero waits forever.
}

// Server accepts connections and answers environment requests.
type Server struct {
	addr           string
	maxMessageSize int64
	readTimeout    time.Duration

	envs      Environments
	committer vault.Committer
	policy    policy.Policy
	logger    *zap.Logger

	listener net.Listener
	ctx      context.Context
	cancel   context.CancelFunc
	done     chan struct{}
	stopOnce sync.Once

	mu     sync.Mutex
	active map[net.Conn]struct{}
	conns  sync.WaitGroup
}

// New creates a server. Nothing is bound until Start is called.
func New(cfg Config, envs Environments, committer vault.Committer, pol policy.Policy, logger *zap.Logger) *Server {
	if cfg.MaxMessageSize <= 0 {
		cfg.MaxMessageSize = protocol.DefaultMaxMessageSize
	}
	if pol == nil {
		pol = policy.Prefix
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Server{
		addr:           cfg.Addr,
		maxMessageSize: cfg.MaxMessageSize,
		readTimeout:    cfg.ReadTimeout,
		envs:           envs,
		committer:      committer,
		policy:         pol,
		logger:         logger,
		ctx:            ctx,
		cancel:         cancel,
		done:           make(chan struct{}),
		active:         make(map[net.Conn]struct{}),
	}
}

// Start binds the listener and begins accepting connections in the
// background.
func (s *Server) Start() error {
	listener, err := net.Listen("tcp", s.addr)
	if err != nil {
		return err
	}
	s.listener = listener

	s.logger.Info("listening", zap.String("addr", listener.Addr().String()))

	go s.accept()
	return nil
}

// Addr returns the bound address, or nil before Start.
func (s *Server) Addr() net.Addr {
	if s.listener == nil {
		return nil
	}
	return s.listener.Addr()
}

// Stop closes the listener and any open connections, then waits for
// in-flight handlers to return.
func (s *Server) Stop() error {
	var err error
	s.stopOnce.Do(func() {
		close(s.done)
		s.cancel()

		if s.listener != nil {
			err = s.listener.Close()
		}

		s.mu.Lock()
		for conn := range s.active {
			conn.Close()
		}
		s.mu.Unlock()

		s.conns.Wait()
	})
	return err
}

// Wait blocks until the server stops.
func (s *Server) Wait() {
	<-s.done
}

// Accepts connections in a loop until the server shuts down.
func (s *Server) accept() {
	for {
		conn, err := s.listener.Accept()
		if err != nil {
			select {
			case <-s.done:
				return
			default:
			}
			if errors.Is(err, net.ErrClosed) {
				return
			}
			s.logger.Error("accept error", zap.Error(err))
			continue
		}

		if !s.track(conn) {
			conn.Close()
			return
		}
		go s.handle(conn)
	}
}

// track registers conn so Stop can close it. It reports false once the
// server is stopping.
func (s *Server) track(conn net.Conn) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	select {
	case <-s.done:
		return false
	default:
	}
	s.active[conn] = struct{}{}
	s.conns.Add(1)
	return true
}

func (s *Server) untrack(conn net.Conn) {
	s.mu.Lock()
	delete(s.active, conn)
	s.mu.Unlock()
	s.conns.Done()
}

// Processes a single connection: read one request, dispatch, write one
// response, close.
func (s *Server) handle(conn net.Conn) {
	defer s.untrack(conn)
	defer conn.Close()

	logger := s.logger.With(
		zap.String("conn", uuid.NewString()),
		zap.String("remote", conn.RemoteAddr().String()),
	)

	if s.readTimeout > 0 {
		conn.SetReadDeadline(time.Now().Add(s.readTimeout))
	}

	var resp protocol.Response
	req, err := protocol.DecodeRequest(conn, s.maxMessageSize)
	switch {
	case err == nil:
		logger.Info("request received",
			zap.String("client_id", req.ClientID),
			zap.String("command", req.Command))
		resp = s.Handle(s.ctx, req)
	case errors.Is(err, io.EOF):
		logger.Debug("connection closed without a request")
		return
	case isNetError(err):
		logger.Warn("read error", zap.Error(err))
		return
	default:
		logger.Warn("malformed request", zap.Error(err))
		s.respond(conn, logger, invalidRequest())
		drain(conn)
		return
	}

	s.respond(conn, logger, resp)
}

// Bounds on reading a rejected request's remainder.
const (
	drainTimeout = time.Second
	drainLimit   = 64 << 10
)

// drain discards input the client is still sending, so that closing with
// unread data does not reset the connection before the response is read.
func drain(conn net.Conn) {
	if tcp, ok := conn.(*net.TCPConn); ok {
		tcp.CloseWrite()
	}
	conn.SetReadDeadline(time.Now().Add(drainTimeout))
	io.Copy(io.Discard, io.LimitReader(conn, drainLimit))
}

// Writes a JSON response to the connection.
func (s *Server) respond(conn net.Conn, logger *zap.Logger, resp protocol.Response) {
	data, err := protocol.Encode(resp)
	if err != nil {
		logger.Error("encode response failed", zap.Error(err))
		return
	}
	if _, err := conn.Write(data); err != nil {
		logger.Warn("write error", zap.Error(err))
	}
}

func isNetError(err error) bool {
	var netErr net.Error
	return errors.As(err, &netErr) || errors.Is(err, net.ErrClosed)
}
