// Package plugin authenticates broker clients and routes their messages to
// the registry, the RPC correlator and the proxy relay.
package plugin

import (
	"context"
	"errors"
	"os"
	"time"

	"github.com/life-stream-dev/robovac-mqtt-broker/internal/auth"
	"github.com/life-stream-dev/robovac-mqtt-broker/internal/config"
	"github.com/life-stream-dev/robovac-mqtt-broker/internal/database"
	"github.com/life-stream-dev/robovac-mqtt-broker/internal/identity"
	"github.com/life-stream-dev/robovac-mqtt-broker/internal/logger"
	"github.com/life-stream-dev/robovac-mqtt-broker/internal/metrics"
	"github.com/life-stream-dev/robovac-mqtt-broker/internal/proxy"
	"github.com/life-stream-dev/robovac-mqtt-broker/internal/server"
	"github.com/life-stream-dev/robovac-mqtt-broker/internal/topic"
)

const (
	registryTimeout = 5 * time.Second
	upstreamTimeout = 15 * time.Second
)

// Message classes, in routing precedence.
const (
	ClassReply        = "reply"
	ClassCommand      = "command"
	ClassError        = "error"
	ClassBroadcast    = "broadcast"
	ClassUnclassified = "unclassified"
)

// Correlator receives replies addressed to the helperbot.
type Correlator interface {
	Deliver(topic string, payload []byte) bool
	Prune(now time.Time) int
}

// Plugin implements server.Hooks.
type Plugin struct {
	classifier     *identity.Classifier
	registry       database.Registry
	credentials    *auth.CredentialStore
	allowAnonymous bool
	authEnforced   bool
	proxyEnabled   bool
	relay          *proxy.Relay
	correlator     Correlator
	metrics        *metrics.Metrics
	now            func() time.Time
	fatal          func(format string, v ...interface{})
}

type Option func(*Plugin)

func WithCredentials(store *auth.CredentialStore) Option {
	return func(p *Plugin) { p.credentials = store }
}

// WithRelay enables proxy mode.
func WithRelay(relay *proxy.Relay) Option {
	return func(p *Plugin) {
		p.relay = relay
		p.proxyEnabled = relay != nil
	}
}

func WithCorrelator(correlator Correlator) Option {
	return func(p *Plugin) { p.correlator = correlator }
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(p *Plugin) { p.metrics = m }
}

// WithFatal replaces the handler for unrecoverable configuration errors.
func WithFatal(fatal func(format string, v ...interface{})) Option {
	return func(p *Plugin) { p.fatal = fatal }
}

func New(cfg config.Config, registry database.Registry, opts ...Option) *Plugin {
	p := &Plugin{
		classifier:     identity.NewClassifier(cfg.KnownRealms...),
		registry:       registry,
		allowAnonymous: cfg.Auth.AllowAnonymous,
		authEnforced:   cfg.Auth.AuthEnforced,
		now:            time.Now,
		fatal:          exitFatal,
	}
	for _, opt := range opts {
		opt(p)
	}
	if p.credentials == nil {
		p.credentials = auth.NewCredentialStore(nil)
	}
	return p
}

func exitFatal(format string, v ...interface{}) {
	logger.FatalF(format, v...)
	logger.Flush()
	os.Exit(1)
}

func registryContext() (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.Background(), registryTimeout)
}

// OnAuthenticate classifies the client id and admits bots, the helperbot and
// operators holding a valid authcode, then falls back to the credential file
// and anonymous access.
func (p *Plugin) OnAuthenticate(session *server.Session) bool {
	ident, err := p.classifier.Parse(session.ClientID)
	kind := "file"
	authenticated := false

	if err != nil {
		logger.DebugF("[%s] %v, trying credential file", session.ID, err)
	} else {
		kind = ident.Kind.String()
		switch ident.Kind {
		case identity.KindBot:
			authenticated = p.authenticateBot(session, ident)
		case identity.KindHelperBot:
			authenticated = true
		case identity.KindOperator:
			authenticated = p.authenticateOperator(session, ident)
		}
	}

	if !authenticated && session.Username != "" {
		ok, known := p.credentials.Authenticate(session.Username, session.Password)
		if known {
			kind = "file"
			authenticated = ok
		}
	}
	if !authenticated && p.allowAnonymous {
		kind = "anonymous"
		authenticated = true
	}

	p.metrics.AuthAttempt(kind, authenticated)
	if authenticated {
		logger.InfoF("[%s] Client %s authenticated as %s", session.ID, session.ClientID, kind)
	} else {
		logger.WarnF("[%s] Client %s failed authentication", session.ID, session.ClientID)
	}
	return authenticated
}

func (p *Plugin) authenticateBot(session *server.Session, ident identity.Identity) bool {
	serial := session.Username
	if serial == "" {
		serial = ident.ID
	}
	ctx, cancel := registryContext()
	err := p.registry.UpsertBot(ctx, database.NewBot(serial, ident.ID, ident.Realm, ident.Resource))
	cancel()
	if err != nil {
		logger.ErrorF("[%s] Fail to register bot %s, details: %v", session.ID, ident.ID, err)
	} else {
		logger.InfoF("[%s] Bot Authenticated - SN: %s - DID: %s - Class: %s", session.ID, serial, ident.ID, ident.Realm)
	}

	if p.proxyEnabled {
		p.openProxy(session)
	}
	return true
}

func (p *Plugin) openProxy(session *server.Session) {
	ctx, cancel := context.WithTimeout(context.Background(), upstreamTimeout)
	defer cancel()
	err := p.relay.Open(ctx, proxy.Credentials{
		ClientID: session.ClientID,
		Username: session.Username,
		Password: session.Password,
	})
	switch {
	case errors.Is(err, proxy.ErrNoUpstream):
		p.fatal("[proxy] Exiting due to no MQTT server configured: %v", err)
	case err != nil:
		logger.ErrorF("[proxy] Exception connecting with proxy upstream for %s - %v", session.ClientID, err)
	}
}

func (p *Plugin) authenticateOperator(session *server.Session, ident identity.Identity) bool {
	if p.authEnforced {
		ctx, cancel := registryContext()
		ok, err := p.registry.CheckAuthcode(ctx, ident.ID, session.Password)
		cancel()
		if err != nil {
			logger.ErrorF("[%s] Fail to check authcode for %s, details: %v", session.ID, ident.ID, err)
			return false
		}
		if !ok {
			return false
		}
	}

	ctx, cancel := registryContext()
	defer cancel()
	if err := p.registry.UpsertClient(ctx, database.NewClient(ident.ID, ident.Realm, ident.Resource)); err != nil {
		logger.ErrorF("[%s] Fail to register client %s, details: %v", session.ID, ident.ID, err)
	}
	logger.InfoF("[%s] Client Authenticated - Username: %s - ClientID: %s", session.ID, session.Username, session.ClientID)
	return true
}

func (p *Plugin) OnClientConnected(clientID string) {
	p.setConnected(clientID, true)
}

// OnClientDisconnected closes the client's proxy session, if any, and marks
// it offline. Repeated calls are harmless.
func (p *Plugin) OnClientDisconnected(clientID string) {
	if p.proxyEnabled {
		p.relay.Close(clientID)
	}
	p.setConnected(clientID, false)
}

func (p *Plugin) setConnected(clientID string, connected bool) {
	ident, err := p.classifier.Parse(clientID)
	if err != nil {
		return
	}
	ctx, cancel := registryContext()
	defer cancel()

	if bot, err := p.registry.GetBot(ctx, ident.ID); err == nil && bot != nil {
		if err := p.registry.SetBotConnected(ctx, ident.ID, connected); err != nil {
			logger.ErrorF("[%s] Fail to update bot state, details: %v", clientID, err)
		}
		return
	}
	if client, err := p.registry.GetClient(ctx, ident.Resource); err == nil && client != nil {
		if err := p.registry.SetClientConnected(ctx, ident.Resource, connected); err != nil {
			logger.ErrorF("[%s] Fail to update client state, details: %v", clientID, err)
		}
	}
}

// OnClientSubscribed mirrors bot subscriptions upstream in proxy mode.
func (p *Plugin) OnClientSubscribed(clientID, topicName string, qos byte) {
	if !p.proxyEnabled || !p.relay.Has(clientID) {
		logger.DebugF("[%s] New MQTT Topic Subscription - Topic: %s", clientID, topicName)
		return
	}
	p.relay.Subscribe(clientID, topicName, qos)
}

// OnMessageReceived forwards proxied traffic upstream, then classifies the
// message and prunes expired replies.
func (p *Plugin) OnMessageReceived(clientID, topicName string, payload []byte, qos byte) {
	if p.proxyEnabled {
		p.relay.Forward(clientID, topicName, payload, qos)
	}

	class := p.Classify(topicName)
	switch class {
	case ClassReply:
		if p.correlator != nil {
			p.correlator.Deliver(topicName, payload)
		}
	case ClassCommand:
		logger.DebugF("[helperbot] Send Command - Topic: %s - Message: %s", topicName, payload)
	case ClassError:
		logger.ErrorF("[%s] Received Error - Topic: %s - Message: %s", clientID, topicName, payload)
	case ClassBroadcast:
		logger.DebugF("[%s] Received Broadcast %s - Topic: %s - Message: %s", clientID, topic.Category(topic.Split(topicName)), topicName, payload)
	default:
		logger.DebugF("[%s] Received Message - Topic: %s - Message: %s", clientID, topicName, payload)
	}
	p.metrics.Message(class)

	if p.correlator != nil {
		if n := p.correlator.Prune(p.now()); n > 0 {
			logger.DebugF("[helperbot] Pruned %d expired responses", n)
		}
	}
}

// Classify returns the routing class of a topic.
func (p *Plugin) Classify(topicName string) string {
	seg := topic.Split(topicName)
	switch {
	case topic.ReplyTo(seg, identity.HelperBotUserID):
		return ClassReply
	case topic.SentBy(seg, identity.HelperBotUserID):
		return ClassCommand
	case topic.IsError(seg):
		return ClassError
	case topic.IsBroadcast(seg):
		return ClassBroadcast
	default:
		return ClassUnclassified
	}
}
