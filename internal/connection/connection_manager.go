// Package connection tracks live client connections and owns their write side.
package connection

import (
	"errors"
	"io"
	"net"
	"os"
	"sync"

	"github.com/life-stream-dev/robovac-mqtt-broker/internal/logger"
)

// ConnectionManager maps client ids to their current connection.
type ConnectionManager struct {
	connections sync.Map

	lockMu sync.Mutex
	locks  map[string]*clientLock
}

type clientLock struct {
	sync.Mutex
	refs int
}

func NewConnectionManager() *ConnectionManager {
	return &ConnectionManager{locks: make(map[string]*clientLock)}
}

// LockClient serializes lifecycle changes for one client id and returns the
// unlock func. Different ids never block each other.
func (cm *ConnectionManager) LockClient(clientID string) func() {
	cm.lockMu.Lock()
	lock, ok := cm.locks[clientID]
	if !ok {
		lock = &clientLock{}
		cm.locks[clientID] = lock
	}
	lock.refs++
	cm.lockMu.Unlock()

	lock.Lock()
	return func() {
		lock.Unlock()
		cm.lockMu.Lock()
		lock.refs--
		if lock.refs == 0 {
			delete(cm.locks, clientID)
		}
		cm.lockMu.Unlock()
	}
}

// AddConnection registers conn under clientID and returns the connection it
// replaced, if any.
func (cm *ConnectionManager) AddConnection(clientID string, conn *Connection) (*Connection, bool) {
	previous, loaded := cm.connections.Swap(clientID, conn)
	logger.InfoF("Client %s connected", clientID)
	if !loaded {
		return nil, false
	}
	return previous.(*Connection), true
}

// RemoveConnection removes clientID only while it still maps to conn, so a
// connection that was taken over cannot evict its successor.
func (cm *ConnectionManager) RemoveConnection(clientID string, conn *Connection) bool {
	if !cm.connections.CompareAndDelete(clientID, conn) {
		return false
	}
	logger.InfoF("Client %s disconnected", clientID)
	return true
}

func (cm *ConnectionManager) GetConnection(clientID string) (*Connection, bool) {
	if value, ok := cm.connections.Load(clientID); ok {
		return value.(*Connection), true
	}
	return nil, false
}

func (cm *ConnectionManager) Count() int {
	count := 0
	cm.connections.Range(func(_, _ any) bool {
		count++
		return true
	})
	return count
}

// Range calls f for every live connection until f returns false.
func (cm *ConnectionManager) Range(f func(clientID string, conn *Connection) bool) {
	cm.connections.Range(func(key, value any) bool {
		return f(key.(string), value.(*Connection))
	})
}

func IsNetClosedError(err error) bool {
	if errors.Is(err, net.ErrClosed) {
		return true
	}
	var opErr *net.OpError
	ok := errors.As(err, &opErr)
	return ok && opErr.Timeout()
}

func HandleReadError(connID string, err error) {
	switch {
	case errors.Is(err, io.EOF), errors.Is(err, io.ErrUnexpectedEOF):
		logger.InfoF("[%s] Client close connection", connID)
	case os.IsTimeout(err):
		logger.WarnF("[%s] Reading timeout", connID)
	case IsNetClosedError(err):
		logger.DebugF("[%s] Connection closed locally", connID)
	default:
		logger.ErrorF("[%s] Error occured while reading packet, details: %v", connID, err)
	}
}
