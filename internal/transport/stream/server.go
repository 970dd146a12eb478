// Package stream is the line-delimited JSON device transport over TCP.
//
// Each line is one transport.Message; each message gets exactly one reply
// line. The first successful message that names a device binds the
// connection to it: later messages may omit device_id, and messages for
// another device are rejected. A device may rebind on a new connection; only
// closing its most recent connection marks it disconnected. It stays
// registered until the reaper removes it.
package stream

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"strconv"
	"sync"
	"time"

	"github.com/nerrad567/fleet-relay/internal/fleet"
	"github.com/nerrad567/fleet-relay/internal/infrastructure/config"
	"github.com/nerrad567/fleet-relay/internal/transport"
)

const (
	name = "stream"

	writeTimeout      = 10 * time.Second
	initialLineBuffer = 4096
	maxAcceptBackoff  = time.Second
	drainTimeout      = 100 * time.Millisecond
)

// Logger interface for optional logging support.
type Logger interface {
	Debug(msg string, args ...any)
	Info(msg string, args ...any)
	Warn(msg string, args ...any)
	Error(msg string, args ...any)
}

type noopLogger struct{}

func (noopLogger) Debug(string, ...any) {}
func (noopLogger) Info(string, ...any)  {}
func (noopLogger) Warn(string, ...any)  {}
func (noopLogger) Error(string, ...any) {}

// Server accepts device connections.
type Server struct {
	cfg    config.StreamConfig
	svc    transport.DeviceService
	logger Logger

	mu       sync.Mutex
	listener net.Listener
	conns    map[net.Conn]struct{}
	bindings map[string]*session
	closed   bool
	cancel   context.CancelFunc
	wg       sync.WaitGroup
}

// New creates a stream server. It does not listen until Start.
func New(cfg config.StreamConfig, svc transport.DeviceService) *Server {
	if cfg.MaxLineBytes < initialLineBuffer {
		cfg.MaxLineBytes = initialLineBuffer
	}
	if cfg.IdleTimeout <= 0 {
		cfg.IdleTimeout = 30 * time.Second
	}
	return &Server{
		cfg:      cfg,
		svc:      svc,
		logger:   noopLogger{},
		conns:    make(map[net.Conn]struct{}),
		bindings: make(map[string]*session),
	}
}

// SetLogger sets the logger. Call before Start.
func (s *Server) SetLogger(logger Logger) {
	if logger == nil {
		logger = noopLogger{}
	}
	s.logger = logger
}

// Name implements transport.Adapter.
func (s *Server) Name() string { return name }

// Start listens on the configured address and serves connections in the
// background.
func (s *Server) Start(ctx context.Context) error {
	ln, err := net.Listen("tcp", net.JoinHostPort(s.cfg.Host, strconv.Itoa(s.cfg.Port)))
	if err != nil {
		return fmt.Errorf("stream listen: %w", err)
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		ln.Close() //nolint:errcheck // server already closed
		return transport.ErrClosed
	}
	var srvCtx context.Context
	srvCtx, s.cancel = context.WithCancel(ctx)
	s.listener = ln
	s.mu.Unlock()

	s.logger.Info("stream transport listening", "address", ln.Addr().String())

	s.wg.Add(1)
	go s.acceptLoop(srvCtx, ln)
	return nil
}

// Addr returns the listening address, or nil before Start.
func (s *Server) Addr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener == nil {
		return nil
	}
	return s.listener.Addr()
}

// Close stops accepting, closes every open connection and waits for the
// connection goroutines to finish.
func (s *Server) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	if s.cancel != nil {
		s.cancel()
	}
	var err error
	if s.listener != nil {
		err = s.listener.Close()
	}
	for conn := range s.conns {
		conn.Close() //nolint:errcheck // shutting down
	}
	s.mu.Unlock()

	s.wg.Wait()
	if err != nil && !errors.Is(err, net.ErrClosed) {
		return fmt.Errorf("closing stream listener: %w", err)
	}
	return nil
}

func (s *Server) acceptLoop(ctx context.Context, ln net.Listener) {
	defer s.wg.Done()

	var backoff time.Duration
	for {
		conn, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				return
			}
			backoff = nextBackoff(backoff)
			s.logger.Warn("stream accept failed", "error", err, "retry_in", backoff)
			select {
			case <-time.After(backoff):
				continue
			case <-ctx.Done():
				return
			}
		}
		backoff = 0

		if !s.track(conn) {
			conn.Close() //nolint:errcheck // server closing
			return
		}
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			defer s.untrack(conn)
			s.serveConn(ctx, conn)
		}()
	}
}

func nextBackoff(current time.Duration) time.Duration {
	if current == 0 {
		return 5 * time.Millisecond
	}
	if current*2 > maxAcceptBackoff {
		return maxAcceptBackoff
	}
	return current * 2
}

func (s *Server) track(conn net.Conn) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false
	}
	s.conns[conn] = struct{}{}
	return true
}

func (s *Server) untrack(conn net.Conn) {
	s.mu.Lock()
	delete(s.conns, conn)
	s.mu.Unlock()
	conn.Close() //nolint:errcheck // may already be closed
}

// session is the per-connection state.
type session struct {
	net.Conn
	origin fleet.Origin
	bound  string
	enc    *json.Encoder
}

func (s *Server) serveConn(ctx context.Context, nc net.Conn) {
	c := &session{
		Conn:   nc,
		origin: fleet.Origin{Transport: name, RemoteAddr: nc.RemoteAddr().String()},
		enc:    json.NewEncoder(nc),
	}

	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("stream connection panic recovered", "remote", c.origin.RemoteAddr, "panic", r)
		}
		if s.unbind(c) {
			s.svc.Disconnected(context.Background(), c.origin, c.bound)
		}
		s.logger.Debug("stream connection closed", "remote", c.origin.RemoteAddr, "device_id", c.bound)
	}()

	s.logger.Debug("stream connection opened", "remote", c.origin.RemoteAddr)

	scanner := bufio.NewScanner(nc)
	scanner.Buffer(make([]byte, initialLineBuffer), s.cfg.MaxLineBytes)

	for {
		if err := nc.SetReadDeadline(time.Now().Add(s.cfg.IdleTimeout)); err != nil {
			return
		}
		if !scanner.Scan() {
			break
		}
		line := bytes.TrimSpace(scanner.Bytes())
		if len(line) == 0 {
			continue
		}
		if err := s.handleLine(ctx, c, line); err != nil {
			return
		}
	}

	switch err := scanner.Err(); {
	case errors.Is(err, bufio.ErrTooLong):
		s.logger.Warn("stream line too long", "remote", c.origin.RemoteAddr, "limit", s.cfg.MaxLineBytes)
		err = fmt.Errorf("%w: line exceeds %d bytes", fleet.ErrPayloadTooLarge, s.cfg.MaxLineBytes)
		if s.write(c, transport.NewErrorReply("", err)) == nil {
			drain(nc)
		}
	case isTimeout(err):
		s.logger.Debug("stream connection idle", "remote", c.origin.RemoteAddr, "device_id", c.bound)
	}
}

// handleLine processes one message. A returned error means the
// connection is no longer writable.
func (s *Server) handleLine(ctx context.Context, c *session, line []byte) error {
	msg, err := transport.Decode(line)
	if err != nil {
		return s.write(c, transport.NewErrorReply("", err))
	}

	if c.bound != "" {
		if msg.DeviceID == "" {
			msg.DeviceID = c.bound
		} else if msg.DeviceID != c.bound {
			err := fmt.Errorf("%w: connection is bound to device %s", fleet.ErrInvalidRequest, c.bound)
			return s.write(c, transport.NewErrorReply(msg.Type, err))
		}
	}

	reply, err := transport.Dispatch(ctx, s.svc, c.origin, msg)
	if err != nil {
		return s.write(c, transport.NewErrorReply(msg.Type, err))
	}
	if c.bound == "" {
		s.bind(c, msg.DeviceID)
	}
	return s.write(c, reply)
}

// bind makes c the current connection of the device.
func (s *Server) bind(c *session, id string) {
	c.bound = id
	s.mu.Lock()
	s.bindings[id] = c
	s.mu.Unlock()
}

// unbind releases c's device and reports whether c was still its current
// connection.
func (s *Server) unbind(c *session) bool {
	if c.bound == "" {
		return false
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.bindings[c.bound] != c {
		return false
	}
	delete(s.bindings, c.bound)
	return true
}

func (s *Server) write(c *session, v any) error {
	if err := c.SetWriteDeadline(time.Now().Add(writeTimeout)); err != nil {
		return err
	}
	if err := c.enc.Encode(v); err != nil {
		s.logger.Debug("stream write failed", "remote", c.origin.RemoteAddr, "error", err)
		return err
	}
	return nil
}

// drain discards unread input briefly so closing sends FIN rather than RST
// and the peer can still read the error reply.
func drain(nc net.Conn) {
	if err := nc.SetReadDeadline(time.Now().Add(drainTimeout)); err != nil {
		return
	}
	io.Copy(io.Discard, nc) //nolint:errcheck // best effort
}

func isTimeout(err error) bool {
	var ne net.Error
	return errors.As(err, &ne) && ne.Timeout()
}

var _ transport.Adapter = (*Server)(nil)
