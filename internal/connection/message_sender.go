package connection

import (
	"errors"
	"net"
	"sync"
	"time"

	"github.com/life-stream-dev/robovac-mqtt-broker/internal/database"
	"github.com/life-stream-dev/robovac-mqtt-broker/internal/logger"
)

const (
	DefaultQueueSize = 256
	writeTimeout     = 30 * time.Second
)

var (
	ErrConnectionClosed = errors.New("connection closed")
	ErrQueueFull        = errors.New("outbound queue is full")
)

// Connection is one client transport link. Writes are serialised through a
// buffered queue drained by a single writer goroutine.
type Connection struct {
	Conn     net.Conn
	ConnID   string
	ClientID string

	// PacketIDs allocates identifiers for QoS 1 deliveries to this client.
	PacketIDs *database.PacketIDManager

	out       chan []byte
	done      chan struct{}
	closeOnce sync.Once
	wg        sync.WaitGroup
}

func NewConnection(conn net.Conn, connID string, queueSize int) *Connection {
	if queueSize <= 0 {
		queueSize = DefaultQueueSize
	}
	return &Connection{
		Conn:      conn,
		ConnID:    connID,
		PacketIDs: database.NewPacketIDManager(),
		out:       make(chan []byte, queueSize),
		done:      make(chan struct{}),
	}
}

// Start launches the writer goroutine.
func (c *Connection) Start() {
	c.wg.Add(1)
	go c.writeLoop()
}

func (c *Connection) writeLoop() {
	defer c.wg.Done()
	for {
		select {
		case data := <-c.out:
			if err := Send(c.Conn, data, c.ConnID); err != nil {
				_ = c.Close()
				return
			}
		case <-c.done:
			return
		}
	}
}

// Enqueue schedules data for writing without blocking the caller.
func (c *Connection) Enqueue(data []byte) error {
	select {
	case <-c.done:
		return ErrConnectionClosed
	default:
	}
	select {
	case c.out <- data:
		return nil
	case <-c.done:
		return ErrConnectionClosed
	default:
		logger.WarnF("[%s] Outbound queue full, dropping %d bytes", c.ConnID, len(data))
		return ErrQueueFull
	}
}

func (c *Connection) Done() <-chan struct{} {
	return c.done
}

// Close stops the writer and closes the transport. Safe to call repeatedly.
func (c *Connection) Close() error {
	var err error
	c.closeOnce.Do(func() {
		close(c.done)
		err = c.Conn.Close()
		if err != nil && IsNetClosedError(err) {
			err = nil
		}
	})
	return err
}

// Wait blocks until the writer goroutine exits.
func (c *Connection) Wait() {
	c.wg.Wait()
}

// Send writes data to conn in full.
func Send(conn net.Conn, data []byte, connID string) error {
	_ = conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	total := 0
	for total < len(data) {
		n, err := conn.Write(data[total:])
		if err != nil {
			if !IsNetClosedError(err) {
				logger.ErrorF("[%s] Fail to send data, details: %v", connID, err)
			}
			return err
		}
		total += n
	}
	logger.DebugF("[%s] Send %d bytes to client", connID, total)
	return nil
}
