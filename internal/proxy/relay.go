// Package proxy relays bot traffic between the local broker and the vendor
// cloud, rewriting p2p topics so upstream helpers appear as one sender.
package proxy

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/life-stream-dev/robovac-mqtt-broker/internal/config"
	"github.com/life-stream-dev/robovac-mqtt-broker/internal/logger"
	"github.com/life-stream-dev/robovac-mqtt-broker/internal/metrics"
	"github.com/life-stream-dev/robovac-mqtt-broker/internal/topic"
)

var ErrNoUpstream = config.ErrNoUpstream

// Relay owns the proxy session table.
type Relay struct {
	server     string
	port       int
	mappingTTL time.Duration
	dial       Dialer
	table      *Table
	metrics    *metrics.Metrics

	mu        sync.RWMutex
	publisher Publisher
}

type RelayOption func(*Relay)

// WithDialer replaces the paho dialer.
func WithDialer(dial Dialer) RelayOption {
	return func(r *Relay) { r.dial = dial }
}

func WithMetrics(m *metrics.Metrics) RelayOption {
	return func(r *Relay) { r.metrics = m }
}

func NewRelay(cfg config.Config, opts ...RelayOption) *Relay {
	r := &Relay{
		server:     cfg.Proxy.MQTTServer,
		port:       cfg.ProxyPort(),
		mappingTTL: cfg.MappingTTL(),
		table:      NewTable(),
	}
	r.dial = PahoDialer(r.server, r.port, cfg.Proxy.SkipCertVerify)
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Attach sets the local publisher used for upstream -> bot traffic.
func (r *Relay) Attach(publisher Publisher) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.publisher = publisher
}

func (r *Relay) currentPublisher() Publisher {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.publisher
}

func (r *Relay) Server() string {
	return r.server
}

// Open connects upstream as the bot and starts relaying. ErrNoUpstream is
// returned when no server is configured.
func (r *Relay) Open(ctx context.Context, creds Credentials) error {
	if r.server == "" {
		return ErrNoUpstream
	}
	logger.InfoF("[proxy] Using server %s", r.server)
	logger.InfoF("[proxy] Proxy Bot to MQTT - Client_id: %s - Username: %s", creds.ClientID, creds.Username)

	upstream, err := r.dial(ctx, creds)
	if err != nil {
		return fmt.Errorf("error occured while connecting with proxy upstream: %w", err)
	}

	session := NewSession(creds.ClientID, upstream, r.currentPublisher(), r.mappingTTL, r.metrics)
	if err := session.Subscribe(topic.Wildcard, 0); err != nil {
		logger.WarnF("[proxy] Fail to subscribe %s upstream for %s, details: %v", topic.Wildcard, creds.ClientID, err)
	}
	session.Start(context.Background())
	if r.table.Put(creds.ClientID, session) {
		r.metrics.ProxyClosed()
	}
	r.metrics.ProxyOpened()
	logger.InfoF("[proxy] Proxy Bot Connected - Client_id: %s", creds.ClientID)
	return nil
}

func (r *Relay) Has(clientID string) bool {
	_, ok := r.table.Get(clientID)
	return ok
}

// Forward relays a bot publish upstream. It reports false when the bot has
// no proxy session or the message came from the proxy helper.
func (r *Relay) Forward(clientID, topicName string, payload []byte, qos byte) bool {
	session, ok := r.table.Get(clientID)
	if !ok {
		return false
	}
	return session.ForwardUpstream(topicName, payload, qos)
}

// Subscribe mirrors a bot subscription upstream.
func (r *Relay) Subscribe(clientID, filter string, qos byte) bool {
	session, ok := r.table.Get(clientID)
	if !ok {
		return false
	}
	if err := session.Subscribe(filter, qos); err != nil {
		logger.WarnF("[proxy] Fail to mirror subscription %s for %s, details: %v", filter, clientID, err)
		return false
	}
	logger.InfoF("[proxy] New MQTT Topic Subscription - Client: %s - Topic: %s", clientID, filter)
	return true
}

// Close tears down the session for clientID. Repeated calls are no-ops.
func (r *Relay) Close(clientID string) bool {
	if !r.table.Remove(clientID) {
		return false
	}
	r.metrics.ProxyClosed()
	logger.InfoF("[proxy] Proxy session for %s closed", clientID)
	return true
}

func (r *Relay) Len() int {
	return r.table.Len()
}

// Invoke closes every proxy session during shutdown.
func (r *Relay) Invoke(_ context.Context) error {
	r.table.CloseAll()
	return nil
}
