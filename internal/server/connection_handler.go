package server

import (
	"context"
	"errors"
	"net"
	"time"

	"github.com/eclipse/paho.mqtt.golang/packets"
	"github.com/google/uuid"
	"github.com/life-stream-dev/robovac-mqtt-broker/internal/connection"
	"github.com/life-stream-dev/robovac-mqtt-broker/internal/logger"
	"github.com/life-stream-dev/robovac-mqtt-broker/internal/subscription"
)

const (
	connectTimeout  = time.Minute
	subscribeFailed = 0x80
)

var errProtocolViolation = errors.New("protocol violation")

type ConnectionHandler struct {
	server    *Server
	conn      *connection.Connection
	connId    string
	transport Transport
	session   *Session
}

func newConnectionHandler(s *Server, conn net.Conn, transport Transport) *ConnectionHandler {
	connID := conn.RemoteAddr().String()
	return &ConnectionHandler{
		server:    s,
		conn:      connection.NewConnection(conn, connID, s.queueSize),
		connId:    connID,
		transport: transport,
	}
}

// refuse writes a CONNACK with code directly, bypassing the writer queue.
func (c *ConnectionHandler) refuse(code byte) {
	data, err := encode(newConnack(code))
	if err == nil {
		_ = connection.Send(c.conn.Conn, data, c.connId)
	}
}

func (c *ConnectionHandler) handleFirstPacket() error {
	_ = c.conn.Conn.SetReadDeadline(time.Now().Add(connectTimeout))
	packet, err := packets.ReadPacket(c.conn.Conn)
	if err != nil {
		logger.WarnF("[%s] Fail to read first packet, details: %v", c.connId, err)
		return err
	}

	connect, ok := packet.(*packets.ConnectPacket)
	if !ok {
		logger.ErrorF("[%s] Invalid first packet type, expected CONNECT packet, but got %s", c.connId, packet.String())
		return errProtocolViolation
	}

	if code := connect.Validate(); code != packets.Accepted {
		logger.WarnF("[%s] CONNECT rejected: %s", c.connId, packets.ConnackReturnCodes[code])
		if code != packets.ErrProtocolViolation {
			c.refuse(code)
		}
		return packets.ConnErrors[code]
	}

	clientID := connect.ClientIdentifier
	if clientID == "" {
		clientID = "auto-" + uuid.NewString()
	}

	c.session = &Session{
		ID:         uuid.NewString(),
		ClientID:   clientID,
		Username:   connect.Username,
		Password:   string(connect.Password),
		Transport:  c.transport,
		RemoteAddr: c.connId,
		KeepAlive:  time.Duration(connect.Keepalive) * time.Second,
	}
	c.session.setState(StateAuthenticating)
	c.conn.ClientID = clientID

	// a predecessor's teardown waits until the swap below is done
	unlock := c.server.connections.LockClient(clientID)
	if !c.server.hooks.OnAuthenticate(c.session) {
		unlock()
		logger.InfoF("[%s] Authentication failed for client %s", c.connId, clientID)
		c.refuse(packets.ErrRefusedNotAuthorised)
		c.session.setState(StateDisconnected)
		return packets.ErrorRefusedNotAuthorised
	}
	if previous, replaced := c.server.connections.AddConnection(clientID, c.conn); replaced {
		logger.WarnF("[%s] Client %s taken over from %s", c.connId, clientID, previous.ConnID)
		_ = previous.Close()
		c.server.subscriptions.DeleteClient(clientID)
	}
	unlock()

	if c.server.isClosed() {
		c.release()
		return ErrServerClosed
	}

	c.conn.Start()
	if err := enqueue(c.conn, newConnack(packets.Accepted)); err != nil {
		c.release()
		return err
	}

	c.session.ConnectedAt = time.Now()
	c.session.setState(StateConnected)
	c.server.metrics.SessionOpened(string(c.transport))

	if c.session.KeepAlive == 0 {
		logger.WarnF("[%s] Keep alive set to 0, heartbeat disable", c.connId)
	}
	_ = c.conn.Conn.SetReadDeadline(time.Time{})

	c.server.hooks.OnClientConnected(clientID)
	return nil
}

// readTimeout is one and a half keep-alive intervals.
func (c *ConnectionHandler) readTimeout() time.Duration {
	return c.session.KeepAlive + c.session.KeepAlive/2
}

func (c *ConnectionHandler) handlePacket(ctx context.Context) {
	for {
		if ctx.Err() != nil {
			return
		}
		if c.session.KeepAlive != 0 {
			_ = c.conn.Conn.SetReadDeadline(time.Now().Add(c.readTimeout()))
		}

		packet, err := packets.ReadPacket(c.conn.Conn)
		if err != nil {
			connection.HandleReadError(c.connId, err)
			return
		}

		logger.DebugF("[%s] Receive %s", c.connId, packet.String())

		switch p := packet.(type) {
		case *packets.ConnectPacket:
			logger.ErrorF("[%s] Duplicate CONNECT package", c.connId)
			return
		case *packets.PublishPacket:
			if !c.handlePublish(p) {
				return
			}
		case *packets.PubackPacket:
			c.conn.PacketIDs.ReleaseID(p.MessageID)
		case *packets.SubscribePacket:
			if !c.handleSubscribe(p) {
				return
			}
		case *packets.UnsubscribePacket:
			if !c.handleUnsubscribe(p) {
				return
			}
		case *packets.PingreqPacket:
			if err := enqueue(c.conn, packets.NewControlPacket(packets.Pingresp)); err != nil {
				logger.WarnF("[%s] Fail to send PINGRESP packet, details: %v", c.connId, err)
			}
		case *packets.DisconnectPacket:
			logger.InfoF("[%s] Client disconnect", c.connId)
			return
		default:
			logger.WarnF("[%s] %s package has not been supported", c.connId, packet.String())
			return
		}
	}
}

func (c *ConnectionHandler) handlePublish(p *packets.PublishPacket) bool {
	if p.Qos > 1 {
		logger.WarnF("[%s] QoS %d publish on %s is not supported, closing connection", c.connId, p.Qos, p.TopicName)
		return false
	}
	if err := validateTopicName(p.TopicName); err != nil {
		logger.ErrorF("[%s] Fail to handle publish packet, details: %v", c.connId, err)
		return false
	}
	if p.Qos == 1 {
		if err := enqueue(c.conn, newPuback(p.MessageID)); err != nil {
			logger.WarnF("[%s] Fail to send PUBACK packet, details: %v", c.connId, err)
		}
	}

	c.server.route(p.TopicName, p.Payload, p.Qos)
	c.server.hooks.OnMessageReceived(c.session.ClientID, p.TopicName, p.Payload, p.Qos)
	return true
}

func (c *ConnectionHandler) handleSubscribe(p *packets.SubscribePacket) bool {
	suback := packets.NewControlPacket(packets.Suback).(*packets.SubackPacket)
	suback.MessageID = p.MessageID
	suback.ReturnCodes = make([]byte, len(p.Topics))

	granted := make([]subscription.Subscription, 0, len(p.Topics))
	for i, filter := range p.Topics {
		qos := p.Qoss[i]
		if qos > 1 {
			qos = 1
		}
		sub := subscription.Subscription{ClientID: c.session.ClientID, TopicName: filter, QoS: qos}
		if err := c.server.subscriptions.InsertSubscription(sub); err != nil {
			logger.WarnF("[%s] Fail to subscribe %s, details: %v", c.connId, filter, err)
			suback.ReturnCodes[i] = subscribeFailed
			continue
		}
		suback.ReturnCodes[i] = qos
		granted = append(granted, sub)
	}

	if err := enqueue(c.conn, suback); err != nil {
		logger.ErrorF("[%s] Fail to send subscribe ack packet, details: %v", c.connId, err)
		return false
	}
	for _, sub := range granted {
		c.server.hooks.OnClientSubscribed(sub.ClientID, sub.TopicName, sub.QoS)
	}
	return true
}

func (c *ConnectionHandler) handleUnsubscribe(p *packets.UnsubscribePacket) bool {
	for _, filter := range p.Topics {
		c.server.subscriptions.DeleteSubscription(c.session.ClientID, filter)
	}
	unsuback := packets.NewControlPacket(packets.Unsuback).(*packets.UnsubackPacket)
	unsuback.MessageID = p.MessageID
	if err := enqueue(c.conn, unsuback); err != nil {
		logger.ErrorF("[%s] Fail to send unsubscribe ack packet, details: %v", c.connId, err)
		return false
	}
	return true
}

func (c *ConnectionHandler) handleConnection(ctx context.Context) {
	defer func() {
		logger.DebugF("[%s] Connection closed", c.connId)
		if err := c.conn.Close(); err != nil {
			logger.WarnF("[%s] Error occured while closing connection, details: %v", c.connId, err)
		}
		c.conn.Wait()
	}()

	if err := c.handleFirstPacket(); err != nil {
		return
	}

	c.handlePacket(ctx)
	c.teardown()
}

func (c *ConnectionHandler) teardown() {
	c.server.metrics.SessionClosed(string(c.transport))
	c.release()
}

// release unregisters an authenticated session and fires the disconnect
// hook, unless a newer session has taken the client id over.
func (c *ConnectionHandler) release() {
	c.session.setState(StateDisconnected)
	clientID := c.session.ClientID
	unlock := c.server.connections.LockClient(clientID)
	defer unlock()
	if !c.server.connections.RemoveConnection(clientID, c.conn) {
		logger.DebugF("[%s] Session for %s was superseded, skipping disconnect hook", c.connId, clientID)
		return
	}
	c.server.subscriptions.DeleteClient(clientID)
	c.server.hooks.OnClientDisconnected(clientID)
}

// route fans a publish out to every matching subscriber.
func (s *Server) route(topic string, payload []byte, qos byte) {
	for _, sub := range s.subscriptions.MatchTopic(topic) {
		conn, ok := s.connections.GetConnection(sub.ClientID)
		if !ok {
			continue
		}
		effective := qos
		if sub.QoS < effective {
			effective = sub.QoS
		}
		var id uint16
		if effective == 1 {
			next, err := conn.PacketIDs.NextID()
			if err != nil {
				logger.WarnF("[%s] %v, delivering at QoS 0", conn.ConnID, err)
				effective = 0
			} else {
				id = next
			}
		}
		if err := enqueue(conn, newPublish(topic, payload, effective, id)); err != nil {
			if effective == 1 {
				conn.PacketIDs.ReleaseID(id)
			}
			logger.DebugF("[%s] Fail to deliver %s, details: %v", conn.ConnID, topic, err)
		}
	}
}
