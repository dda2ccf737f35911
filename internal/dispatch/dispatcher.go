// Package dispatch serializes every outbound publish onto one goroutine so
// producers never call the transport concurrently or from its delivery
// goroutine.
package dispatch

import (
	"context"
	"errors"
	"sync"

	"go.uber.org/zap"

	"github.com/yourorg/device-uploads/internal/metrics"
	"github.com/yourorg/device-uploads/internal/transport"
)

var (
	ErrQueueFull        = errors.New("dispatch queue full")
	ErrDispatcherClosed = errors.New("dispatcher closed")
)

const DefaultQueueSize = 256

// Message is one queued publish.
type Message struct {
	Topic   string
	Payload []byte
	QoS     byte
}

type Dispatcher struct {
	pub    transport.Publisher
	queue  chan Message
	logger *zap.Logger

	mu     sync.RWMutex
	closed bool

	startOnce sync.Once
	done      chan struct{}
}

func New(pub transport.Publisher, size int, logger *zap.Logger) *Dispatcher {
	if size <= 0 {
		size = DefaultQueueSize
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Dispatcher{
		pub:    pub,
		queue:  make(chan Message, size),
		logger: logger,
		done:   make(chan struct{}),
	}
}

// Start launches the worker. ctx bounds each publish call; the worker
// keeps draining until Close regardless.
func (d *Dispatcher) Start(ctx context.Context) {
	d.startOnce.Do(func() { go d.run(ctx) })
}

// Enqueue appends a message without blocking.
func (d *Dispatcher) Enqueue(topic string, payload []byte, qos byte) error {
	d.mu.RLock()
	defer d.mu.RUnlock()

	if d.closed {
		return ErrDispatcherClosed
	}
	select {
	case d.queue <- Message{Topic: topic, Payload: payload, QoS: qos}:
		metrics.DispatchQueueDepth.Set(float64(len(d.queue)))
		return nil
	default:
		metrics.DispatchDropped.Inc()
		d.logger.Warn("dispatch queue full, dropping message", zap.String("topic", topic))
		return ErrQueueFull
	}
}

// Close stops accepting messages. The worker exits once the queue is drained.
func (d *Dispatcher) Close() {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.closed {
		return
	}
	d.closed = true
	close(d.queue)
}

// Wait blocks until the worker has drained the queue after Close. The
// transport must stay open until Wait returns.
func (d *Dispatcher) Wait() {
	<-d.done
}

func (d *Dispatcher) run(ctx context.Context) {
	defer close(d.done)
	for m := range d.queue {
		metrics.DispatchQueueDepth.Set(float64(len(d.queue)))
		if err := d.pub.Publish(ctx, m.Topic, m.QoS, m.Payload); err != nil {
			metrics.PublishFailures.Inc()
			metrics.Failures.WithLabelValues(metrics.ReasonPublish).Inc()
			d.logger.Error("publish failed", zap.String("topic", m.Topic), zap.Error(err))
			continue
		}
		metrics.Publishes.Inc()
		d.logger.Debug("published", zap.String("topic", m.Topic), zap.Int("bytes", len(m.Payload)))
	}
	d.logger.Info("dispatcher drained")
}
