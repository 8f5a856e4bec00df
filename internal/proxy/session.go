package proxy

import (
	"context"
	"sync"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
	"github.com/life-stream-dev/robovac-mqtt-broker/internal/logger"
	"github.com/life-stream-dev/robovac-mqtt-broker/internal/metrics"
	"github.com/life-stream-dev/robovac-mqtt-broker/internal/topic"
)

const senderCacheSize = 1024

// Publisher republishes relayed messages on the local broker.
type Publisher interface {
	Publish(topic string, payload []byte, qos byte) error
}

// Session pairs one bot with its upstream connection.
type Session struct {
	ClientID string

	upstream  Upstream
	publisher Publisher
	metrics   *metrics.Metrics

	// request id -> original upstream sender
	mu      sync.Mutex
	senders *expirable.LRU[string, string]

	cancel    context.CancelFunc
	done      chan struct{}
	closeOnce sync.Once
}

func NewSession(clientID string, upstream Upstream, publisher Publisher, mappingTTL time.Duration, m *metrics.Metrics) *Session {
	return &Session{
		ClientID:  clientID,
		upstream:  upstream,
		publisher: publisher,
		metrics:   m,
		senders:   expirable.NewLRU[string, string](senderCacheSize, nil, mappingTTL),
		done:      make(chan struct{}),
	}
}

// Start launches the upstream -> local forwarding task.
func (s *Session) Start(ctx context.Context) {
	ctx, s.cancel = context.WithCancel(ctx)
	go s.forwardLoop(ctx)
}

func (s *Session) forwardLoop(ctx context.Context) {
	defer close(s.done)
	for {
		select {
		case <-ctx.Done():
			return
		case msg := <-s.upstream.Messages():
			s.deliverDownstream(msg)
		}
	}
}

// deliverDownstream rewrites p2p commands to come from the proxy helper,
// remembering the real sender, and republishes them locally.
func (s *Session) deliverDownstream(msg Message) {
	logger.InfoF("[proxy] Message Received From Upstream - Topic: %s - Message: %s", msg.Topic, msg.Payload)
	topicName := msg.Topic
	if rewritten, sender, requestID, err := topic.RewriteSender(msg.Topic, topic.ProxyHelper); err == nil {
		s.mu.Lock()
		s.senders.Add(requestID, sender)
		s.mu.Unlock()
		topicName = rewritten
		logger.DebugF("[proxy] Converted Topic From %s TO %s", msg.Topic, topicName)
	}

	if s.publisher == nil {
		logger.ErrorF("[proxy] No local publisher, dropping %s", topicName)
		return
	}
	if err := s.publisher.Publish(topicName, msg.Payload, 0); err != nil {
		logger.ErrorF("[proxy] Fail to forward %s to %s, details: %v", topicName, s.ClientID, err)
		return
	}
	s.metrics.ProxyForward("downstream")
}

// popSender removes and returns the sender recorded for requestID.
func (s *Session) popSender(requestID string) (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sender, ok := s.senders.Peek(requestID)
	if ok {
		s.senders.Remove(requestID)
	}
	return sender, ok
}

// ForwardUpstream relays a message published by the bot to the vendor
// cloud. Messages sent by the proxy helper itself are skipped and false is
// returned.
func (s *Session) ForwardUpstream(topicName string, payload []byte, qos byte) bool {
	seg := topic.Split(topicName)
	if topic.SentBy(seg, topic.ProxyHelper) {
		return false
	}

	if topic.IsP2P(seg) && seg[topic.SegToID] == topic.ProxyHelper {
		requestID := seg[topic.SegRequestID]
		sender, ok := s.popSender(requestID)
		if !ok {
			logger.WarnF("[proxy] No upstream sender recorded for request %s, forwarding unresolved", requestID)
		}
		rewritten, _ := topic.RewriteRecipient(topicName, sender)
		logger.InfoF("[proxy] Bot Message Converted Topic From %s TO %s", topicName, rewritten)
		topicName = rewritten
	} else {
		logger.InfoF("[proxy] Bot Message From %s", topicName)
	}

	if qos > 1 {
		qos = 1
	}
	if err := s.upstream.Publish(topicName, payload, qos); err != nil {
		logger.ErrorF("[proxy] Forwarding to upstream failed - %v", err)
		return true
	}
	s.metrics.ProxyForward("upstream")
	return true
}

func (s *Session) Subscribe(filter string, qos byte) error {
	return s.upstream.Subscribe(filter, qos)
}

// Close stops forwarding and closes the upstream connection. Safe to call
// more than once.
func (s *Session) Close() {
	s.closeOnce.Do(func() {
		if s.cancel != nil {
			s.cancel()
			<-s.done
		}
		s.upstream.Close()
		s.mu.Lock()
		s.senders.Purge()
		s.mu.Unlock()
	})
}
