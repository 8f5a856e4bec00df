// Package server implements the MQTT 3.1.1 broker core: listeners, sessions,
// subscription fan-out and the lifecycle hooks consumed by the plugin.
package server

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/life-stream-dev/robovac-mqtt-broker/internal/config"
	"github.com/life-stream-dev/robovac-mqtt-broker/internal/connection"
	"github.com/life-stream-dev/robovac-mqtt-broker/internal/logger"
	"github.com/life-stream-dev/robovac-mqtt-broker/internal/metrics"
	"github.com/life-stream-dev/robovac-mqtt-broker/internal/subscription"
	"golang.org/x/sync/errgroup"
)

var (
	ErrServerClosed = errors.New("server closed")
	ErrNoTLSConfig  = errors.New("tls listener configured without certificates")
)

const defaultMaxConnections = 10000

type Option func(*Server)

func WithTLSConfig(tlsConfig *tls.Config) Option {
	return func(s *Server) { s.tlsConfig = tlsConfig }
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(s *Server) { s.metrics = m }
}

type boundListener struct {
	net.Listener
	transport Transport
}

type Server struct {
	listeners     []config.Listener
	hooks         Hooks
	tlsConfig     *tls.Config
	metrics       *metrics.Metrics
	queueSize     int
	connections   *connection.ConnectionManager
	subscriptions *subscription.Tree
	sem           chan struct{}

	mu     sync.Mutex
	bound  []boundListener
	closed bool
	wg     sync.WaitGroup
}

func New(listeners []config.Listener, maxConnections int, hooks Hooks, opts ...Option) *Server {
	if hooks == nil {
		hooks = NopHooks{}
	}
	if maxConnections <= 0 {
		maxConnections = defaultMaxConnections
	}
	s := &Server{
		listeners:     listeners,
		hooks:         hooks,
		queueSize:     connection.DefaultQueueSize,
		connections:   connection.NewConnectionManager(),
		subscriptions: subscription.NewTree(),
		sem:           make(chan struct{}, maxConnections),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Listen binds every configured listener. It is called by Serve when the
// caller has not done so already.
func (s *Server) Listen() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrServerClosed
	}
	if len(s.bound) > 0 {
		return nil
	}
	for _, l := range s.listeners {
		ln, err := net.Listen("tcp", l.Address())
		if err != nil {
			s.closeListenersLocked()
			return fmt.Errorf("error occured while listening on %s: %w", l.Address(), err)
		}
		transport := TransportPlain
		if l.UseTLS {
			if s.tlsConfig == nil {
				_ = ln.Close()
				s.closeListenersLocked()
				return fmt.Errorf("%w: %s", ErrNoTLSConfig, l.Address())
			}
			ln = tls.NewListener(ln, s.tlsConfig)
			transport = TransportTLS
		}
		logger.InfoF("MQTT Server Listen On %s (%s)", ln.Addr().String(), transport)
		s.bound = append(s.bound, boundListener{Listener: ln, transport: transport})
	}
	return nil
}

// Addrs returns the bound addresses in listener order.
func (s *Server) Addrs() []net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	addrs := make([]net.Addr, 0, len(s.bound))
	for _, l := range s.bound {
		addrs = append(addrs, l.Addr())
	}
	return addrs
}

// Serve accepts connections until ctx is cancelled or Close is called.
func (s *Server) Serve(ctx context.Context) error {
	if err := s.Listen(); err != nil {
		return err
	}
	s.mu.Lock()
	bound := append([]boundListener(nil), s.bound...)
	s.mu.Unlock()

	g, gctx := errgroup.WithContext(ctx)
	for _, ln := range bound {
		g.Go(func() error {
			return s.acceptLoop(gctx, ln)
		})
	}
	g.Go(func() error {
		<-gctx.Done()
		_ = s.Close()
		return nil
	})

	err := g.Wait()
	s.wg.Wait()
	if errors.Is(err, ErrServerClosed) {
		return nil
	}
	return err
}

func (s *Server) acceptLoop(ctx context.Context, ln boundListener) error {
	for {
		conn, err := ln.Accept()
		if err != nil {
			if s.isClosed() || errors.Is(err, net.ErrClosed) {
				return ErrServerClosed
			}
			logger.ErrorF("Accept connection error: %v", err)
			time.Sleep(10 * time.Millisecond)
			continue
		}

		logger.DebugF("Accepted new connection from %s", conn.RemoteAddr().String())

		select {
		case s.sem <- struct{}{}:
		case <-ctx.Done():
			_ = conn.Close()
			return ErrServerClosed
		}
		s.wg.Add(1)
		go func(c net.Conn) {
			defer func() {
				<-s.sem
				s.wg.Done()
			}()
			handler := newConnectionHandler(s, c, ln.transport)
			handler.handleConnection(ctx)
		}(conn)
	}
}

func (s *Server) isClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

func (s *Server) closeListenersLocked() {
	for _, l := range s.bound {
		if err := l.Close(); err != nil && !connection.IsNetClosedError(err) {
			logger.ErrorF("Server close error: %v", err)
		}
	}
	s.bound = nil
}

// Close stops the listeners and drops every live connection.
func (s *Server) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.closeListenersLocked()
	s.mu.Unlock()

	s.connections.Range(func(_ string, conn *connection.Connection) bool {
		_ = conn.Close()
		return true
	})
	return nil
}

// Invoke lets the server be registered as a shutdown callback.
func (s *Server) Invoke(ctx context.Context) error {
	logger.InfoF("MQTT Server shutting down with %d live sessions", s.SessionCount())
	_ = s.Close()
	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Connected reports whether clientID has a live session.
func (s *Server) Connected(clientID string) bool {
	_, ok := s.connections.GetConnection(clientID)
	return ok
}

func (s *Server) SessionCount() int {
	return s.connections.Count()
}

// Publish delivers a message originating inside the broker to every
// matching subscriber. No hook is invoked.
func (s *Server) Publish(topic string, payload []byte, qos byte) error {
	if err := validateTopicName(topic); err != nil {
		return err
	}
	if qos > 1 {
		qos = 1
	}
	s.route(topic, payload, qos)
	return nil
}
