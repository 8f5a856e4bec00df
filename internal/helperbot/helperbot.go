// Package helperbot implements the privileged broker client that issues
// commands to devices and correlates their replies.
package helperbot

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"sync"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/google/uuid"
	"github.com/life-stream-dev/robovac-mqtt-broker/internal/config"
	"github.com/life-stream-dev/robovac-mqtt-broker/internal/identity"
	"github.com/life-stream-dev/robovac-mqtt-broker/internal/logger"
	"github.com/life-stream-dev/robovac-mqtt-broker/internal/metrics"
	"github.com/life-stream-dev/robovac-mqtt-broker/internal/topic"
)

const (
	DefaultTimeout        = 60 * time.Second
	defaultConnectRetries = 20
	connectWait           = 10 * time.Second
	retryInterval         = time.Second
)

var ErrNotConnected = errors.New("helperbot is not connected")

// transport is the publishing side of the broker connection.
type transport interface {
	Publish(topic string, payload []byte) error
	IsConnected() bool
	Disconnect()
}

type pahoTransport struct {
	client mqtt.Client
}

func (p *pahoTransport) Publish(topic string, payload []byte) error {
	token := p.client.Publish(topic, 0, false, payload)
	if !token.WaitTimeout(connectWait) {
		return fmt.Errorf("publish to %s timed out", topic)
	}
	return token.Error()
}

func (p *pahoTransport) IsConnected() bool {
	return p.client.IsConnectionOpen()
}

func (p *pahoTransport) Disconnect() {
	p.client.Disconnect(250)
}

type HelperBot struct {
	cfg        config.HelperBot
	correlator *Correlator
	timeout    time.Duration
	metrics    *metrics.Metrics

	mu        sync.RWMutex
	transport transport
}

func New(cfg config.HelperBot, timeout time.Duration, m *metrics.Metrics) *HelperBot {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &HelperBot{
		cfg:        cfg,
		correlator: NewCorrelator(timeout),
		timeout:    timeout,
		metrics:    m,
	}
}

func (h *HelperBot) Correlator() *Correlator {
	return h.correlator
}

func (h *HelperBot) Timeout() time.Duration {
	return h.timeout
}

func (h *HelperBot) brokerURL() string {
	scheme := "tcp"
	if h.cfg.UseTLS {
		scheme = "tls"
	}
	return fmt.Sprintf("%s://%s", scheme, h.cfg.Address)
}

func (h *HelperBot) clientOptions() *mqtt.ClientOptions {
	opts := mqtt.NewClientOptions().
		AddBroker(h.brokerURL()).
		SetClientID(identity.HelperBotClientID).
		SetCleanSession(true).
		SetAutoReconnect(true).
		SetConnectTimeout(connectWait).
		SetOrderMatters(false)
	if h.cfg.UseTLS {
		opts.SetTLSConfig(&tls.Config{InsecureSkipVerify: h.cfg.InsecureSkipVerify})
	}
	opts.SetOnConnectHandler(func(client mqtt.Client) {
		token := client.Subscribe(topic.Wildcard, 0, func(_ mqtt.Client, m mqtt.Message) {
			logger.DebugF("[helperbot] Observed %s", m.Topic())
		})
		if token.WaitTimeout(connectWait) && token.Error() != nil {
			logger.ErrorF("[helperbot] Fail to subscribe %s, details: %v", topic.Wildcard, token.Error())
		}
	})
	opts.SetConnectionLostHandler(func(_ mqtt.Client, err error) {
		logger.WarnF("[helperbot] Connection lost: %v", err)
	})
	return opts
}

// Start connects to the broker, retrying up to the configured number of
// attempts.
func (h *HelperBot) Start(ctx context.Context) error {
	client := mqtt.NewClient(h.clientOptions())
	retries := h.cfg.ConnectRetries
	if retries <= 0 {
		retries = defaultConnectRetries
	}

	var lastErr error
	for attempt := 1; attempt <= retries; attempt++ {
		token := client.Connect()
		if !token.WaitTimeout(connectWait) {
			lastErr = fmt.Errorf("connect to %s timed out", h.brokerURL())
		} else {
			lastErr = token.Error()
		}
		if lastErr == nil {
			h.setTransport(&pahoTransport{client: client})
			logger.InfoF("[helperbot] Connected to %s as %s", h.brokerURL(), identity.HelperBotClientID)
			return nil
		}
		logger.WarnF("[helperbot] Connect attempt %d/%d failed: %v", attempt, retries, lastErr)

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(retryInterval):
		}
	}
	return fmt.Errorf("error occured while connecting helperbot: %w", lastErr)
}

func (h *HelperBot) setTransport(t transport) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.transport = t
}

func (h *HelperBot) currentTransport() transport {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.transport
}

func (h *HelperBot) Connected() bool {
	t := h.currentTransport()
	return t != nil && t.IsConnected()
}

// Deliver offers a published message to the correlator. It returns false
// when the topic is not a reply addressed to the helperbot or the reply was
// dropped.
func (h *HelperBot) Deliver(topicName string, payload []byte) bool {
	seg := topic.Split(topicName)
	if !topic.ReplyTo(seg, identity.HelperBotUserID) {
		return false
	}
	logger.DebugF("[helperbot] Received Response - Topic: %s - Message: %s", topicName, payload)
	return h.correlator.Deliver(Record{
		RequestID: seg[topic.SegRequestID],
		Topic:     topicName,
		Payload:   append([]byte(nil), payload...),
	})
}

// Prune drops parked replies older than the response timeout.
func (h *HelperBot) Prune(now time.Time) int {
	return h.correlator.Prune(now)
}

// SendCommand publishes cmd and waits for the matching reply. An empty
// requestID is replaced with a generated one.
func (h *HelperBot) SendCommand(ctx context.Context, cmd Command, requestID string) Result {
	if requestID == "" {
		requestID = uuid.NewString()
	}
	start := time.Now()

	t := h.currentTransport()
	if t == nil || !t.IsConnected() {
		logger.ErrorF("[helperbot] Fail to send %s: %v", cmd.CmdName, ErrNotConnected)
		return h.finish(failResult(requestID, DebugException), start)
	}
	payload, err := cmd.EncodePayload()
	if err != nil {
		logger.ErrorF("[helperbot] Fail to send %s: %v", cmd.CmdName, err)
		return h.finish(failResult(requestID, DebugException), start)
	}

	records, release := h.correlator.Watch(requestID, false)
	defer release()

	topicName := cmd.Topic(requestID)
	if err := t.Publish(topicName, payload); err != nil {
		logger.ErrorF("[helperbot] Fail to publish %s, details: %v", topicName, err)
		return h.finish(failResult(requestID, DebugException), start)
	}
	return h.finish(h.wait(ctx, requestID, records, h.timeout), start)
}

// AwaitResponse waits for a reply to requestID, including one that arrived
// before the call.
func (h *HelperBot) AwaitResponse(ctx context.Context, requestID string, timeout time.Duration) Result {
	if timeout <= 0 {
		timeout = h.timeout
	}
	start := time.Now()
	records, release := h.correlator.Watch(requestID, true)
	defer release()
	return h.finish(h.wait(ctx, requestID, records, timeout), start)
}

func (h *HelperBot) wait(ctx context.Context, requestID string, records <-chan Record, timeout time.Duration) Result {
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case record := <-records:
		payloadType := topic.Segment(topic.Split(record.Topic), topic.SegPayloadType)
		resp, err := DecodePayload(payloadType, record.Payload)
		if err != nil {
			logger.ErrorF("[helperbot] Fail to decode reply for %s: %v", requestID, err)
			return failResult(requestID, DebugException)
		}
		return okResult(requestID, resp)
	case <-timer.C:
		logger.DebugF("[helperbot] Request %s timed out after %s", requestID, timeout)
	case <-ctx.Done():
		logger.DebugF("[helperbot] Request %s cancelled: %v", requestID, ctx.Err())
	}
	return failResult(requestID, DebugTimeout)
}

func (h *HelperBot) finish(result Result, start time.Time) Result {
	h.metrics.RPCResult(result.Ret, time.Since(start))
	return result
}

func (h *HelperBot) Close() {
	if t := h.currentTransport(); t != nil {
		t.Disconnect()
	}
}

func (h *HelperBot) Invoke(_ context.Context) error {
	logger.InfoF("[helperbot] Disconnecting")
	h.Close()
	return nil
}
