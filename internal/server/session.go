package server

import (
	"sync/atomic"
	"time"
)

type State int32

const (
	StateConnecting State = iota
	StateAuthenticating
	StateConnected
	StateDisconnected
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateAuthenticating:
		return "authenticating"
	case StateConnected:
		return "connected"
	case StateDisconnected:
		return "disconnected"
	default:
		return "unknown"
	}
}

type Transport string

const (
	TransportPlain Transport = "tcp"
	TransportTLS   Transport = "tls"
)

// Session is the broker-side state of one transport link. Hooks receive it
// read-only; it is never persisted.
type Session struct {
	ID          string
	ClientID    string
	Username    string
	Password    string
	Transport   Transport
	RemoteAddr  string
	KeepAlive   time.Duration
	ConnectedAt time.Time

	state atomic.Int32
}

func (s *Session) State() State {
	return State(s.state.Load())
}

func (s *Session) setState(state State) {
	s.state.Store(int32(state))
}

// Hooks receives broker lifecycle events. OnAuthenticate runs before the
// CONNACK is sent; a false result refuses the connection and no other hook
// fires for that session.
type Hooks interface {
	OnAuthenticate(session *Session) bool
	OnClientConnected(clientID string)
	OnMessageReceived(clientID, topic string, payload []byte, qos byte)
	OnClientSubscribed(clientID, topic string, qos byte)
	OnClientDisconnected(clientID string)
}

// NopHooks accepts every client and ignores all events.
type NopHooks struct{}

func (NopHooks) OnAuthenticate(*Session) bool { return true }
func (NopHooks) OnClientConnected(string) {}
func (NopHooks) OnMessageReceived(string, string, []byte, byte) {}
func (NopHooks) OnClientSubscribed(string, string, byte) {}
func (NopHooks) OnClientDisconnected(string) {}
