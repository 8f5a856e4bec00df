package server

import (
	"bytes"
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/eclipse/paho.mqtt.golang/packets"
	"github.com/life-stream-dev/robovac-mqtt-broker/internal/config"
	"github.com/life-stream-dev/robovac-mqtt-broker/internal/connection"
	"github.com/life-stream-dev/robovac-mqtt-broker/internal/logger"
)

var ErrInvalidTopic = errors.New("invalid topic name")

func encode(packet packets.ControlPacket) ([]byte, error) {
	var buf bytes.Buffer
	if err := packet.Write(&buf); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func enqueue(conn *connection.Connection, packet packets.ControlPacket) error {
	data, err := encode(packet)
	if err != nil {
		logger.ErrorF("[%s] Fail to encode %s packet, details: %v", conn.ConnID, packet.String(), err)
		return err
	}
	return conn.Enqueue(data)
}

func newConnack(code byte) *packets.ConnackPacket {
	connack := packets.NewControlPacket(packets.Connack).(*packets.ConnackPacket)
	connack.ReturnCode = code
	return connack
}

func newPuback(id uint16) *packets.PubackPacket {
	puback := packets.NewControlPacket(packets.Puback).(*packets.PubackPacket)
	puback.MessageID = id
	return puback
}

func newPublish(topic string, payload []byte, qos byte, id uint16) *packets.PublishPacket {
	publish := packets.NewControlPacket(packets.Publish).(*packets.PublishPacket)
	publish.TopicName = topic
	publish.Payload = payload
	publish.Qos = qos
	publish.MessageID = id
	return publish
}

func validateTopicName(topic string) error {
	if topic == "" || strings.ContainsAny(topic, "+#") {
		return fmt.Errorf("%w: %q", ErrInvalidTopic, topic)
	}
	return nil
}

// LoadTLSConfig builds the listener TLS configuration from certificate files.
func LoadTLSConfig(cfg config.TLS) (*tls.Config, error) {
	cert, err := tls.LoadX509KeyPair(cfg.CertFile, cfg.KeyFile)
	if err != nil {
		return nil, fmt.Errorf("error occured while loading certificate: %w", err)
	}
	tlsConfig := &tls.Config{
		Certificates: []tls.Certificate{cert},
		MinVersion:   tls.VersionTLS12,
	}
	if cfg.CAFile != "" {
		pem, err := os.ReadFile(cfg.CAFile)
		if err != nil {
			logger.WarnF("CA file %s unreadable, client certificates will not be verified: %v", cfg.CAFile, err)
			return tlsConfig, nil
		}
		pool := x509.NewCertPool()
		if pool.AppendCertsFromPEM(pem) {
			tlsConfig.ClientCAs = pool
			tlsConfig.ClientAuth = tls.VerifyClientCertIfGiven
		}
	}
	return tlsConfig, nil
}
