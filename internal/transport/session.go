// Package transport owns the single long-lived MQTT connection shared by the
// dispatcher and the subscription callbacks.
package transport

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"os"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"go.uber.org/zap"
)

// Handler receives one inbound message. It runs on the client's delivery
// goroutine and must not wait on a publish.
type Handler func(topic string, payload []byte)

// Publisher sends one message and reports whether the broker accepted it.
type Publisher interface {
	Publish(ctx context.Context, topic string, qos byte, payload []byte) error
}

// Subscriber registers a handler for a topic.
type Subscriber interface {
	Subscribe(topic string, qos byte, h Handler) error
}

type Config struct {
	Broker         string // tls://host:8883 or tcp://host:1883
	ClientID       string
	CAFile         string
	CertFile       string
	KeyFile        string
	ConnectTimeout time.Duration
	PublishTimeout time.Duration
	// OnConnectionLost is called once the broker connection drops. No reconnect is attempted.
	OnConnectionLost func(error)
}

// Session wraps a connected paho client.
type Session struct {
	client         mqtt.Client
	publishTimeout time.Duration
	logger         *zap.Logger
}

var ErrNotConnected = errors.New("mqtt session not connected")

// newClient is overridden in tests.
var newClient = mqtt.NewClient

// Connect dials the broker and blocks until the connection is established,
// the connect timeout elapses or ctx is done.
func Connect(ctx context.Context, cfg Config, logger *zap.Logger) (*Session, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	opts, err := clientOptions(cfg, logger)
	if err != nil {
		return nil, err
	}
	c := newClient(opts)
	if err := wait(ctx, c.Connect(), cfg.ConnectTimeout); err != nil {
		return nil, fmt.Errorf("mqtt connect %s: %w", cfg.Broker, err)
	}
	logger.Info("mqtt connected", zap.String("broker", cfg.Broker), zap.String("client_id", cfg.ClientID))

	pt := cfg.PublishTimeout
	if pt <= 0 {
		pt = 10 * time.Second
	}
	return &Session{client: c, publishTimeout: pt, logger: logger}, nil
}

func clientOptions(cfg Config, logger *zap.Logger) (*mqtt.ClientOptions, error) {
	if cfg.Broker == "" {
		return nil, errors.New("mqtt broker is required")
	}
	tlsCfg, err := newTLSConfig(cfg.CAFile, cfg.CertFile, cfg.KeyFile)
	if err != nil {
		return nil, err
	}
	ct := cfg.ConnectTimeout
	if ct <= 0 {
		ct = 10 * time.Second
	}
	opts := mqtt.NewClientOptions().
		AddBroker(cfg.Broker).
		SetClientID(cfg.ClientID).
		SetConnectTimeout(ct).
		SetAutoReconnect(false).
		SetOrderMatters(true).
		SetConnectionLostHandler(func(_ mqtt.Client, err error) {
			logger.Error("mqtt connection lost", zap.String("broker", cfg.Broker), zap.Error(err))
			if cfg.OnConnectionLost != nil {
				cfg.OnConnectionLost(err)
			}
		})
	if tlsCfg != nil {
		opts.SetTLSConfig(tlsCfg)
	}
	return opts, nil
}

// newTLSConfig returns nil when no client certificate is configured.
func newTLSConfig(caFile, certFile, keyFile string) (*tls.Config, error) {
	if certFile == "" && keyFile == "" && caFile == "" {
		return nil, nil
	}
	cfg := &tls.Config{MinVersion: tls.VersionTLS12}
	if caFile != "" {
		pem, err := os.ReadFile(caFile)
		if err != nil {
			return nil, fmt.Errorf("read ca file: %w", err)
		}
		pool := x509.NewCertPool()
		if !pool.AppendCertsFromPEM(pem) {
			return nil, fmt.Errorf("no certificates in %s", caFile)
		}
		cfg.RootCAs = pool
	}
	if certFile != "" || keyFile != "" {
		cert, err := tls.LoadX509KeyPair(certFile, keyFile)
		if err != nil {
			return nil, fmt.Errorf("load client certificate: %w", err)
		}
		cfg.Certificates = []tls.Certificate{cert}
	}
	return cfg, nil
}

// Publish implements Publisher. It waits for the broker's acknowledgement
// according to qos.
func (s *Session) Publish(ctx context.Context, topic string, qos byte, payload []byte) error {
	if !s.client.IsConnectionOpen() {
		return ErrNotConnected
	}
	if err := wait(ctx, s.client.Publish(topic, qos, false, payload), s.publishTimeout); err != nil {
		return fmt.Errorf("publish %s: %w", topic, err)
	}
	return nil
}

// Subscribe implements Subscriber.
func (s *Session) Subscribe(topic string, qos byte, h Handler) error {
	tok := s.client.Subscribe(topic, qos, func(_ mqtt.Client, m mqtt.Message) {
		h(m.Topic(), m.Payload())
	})
	if err := wait(context.Background(), tok, s.publishTimeout); err != nil {
		return fmt.Errorf("subscribe %s: %w", topic, err)
	}
	s.logger.Info("mqtt subscribed", zap.String("topic", topic), zap.Uint8("qos", qos))
	return nil
}

// Close disconnects, giving in-flight work up to 250ms to finish.
func (s *Session) Close() {
	s.client.Disconnect(250)
	s.logger.Info("mqtt disconnected")
}

func wait(ctx context.Context, tok mqtt.Token, timeout time.Duration) error {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	t := time.NewTimer(timeout)
	defer t.Stop()
	select {
	case <-tok.Done():
		return tok.Error()
	case <-t.C:
		return errors.New("timed out")
	case <-ctx.Done():
		return ctx.Err()
	}
}
