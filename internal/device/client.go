// Package device implements the device side of the upload protocol: it asks
// the issuer for a presigned URL, uploads once the grant arrives on the
// subscription, and announces the finished object.
package device

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/yourorg/device-uploads/internal/metrics"
	"github.com/yourorg/device-uploads/internal/pending"
	"github.com/yourorg/device-uploads/internal/protocol"
	"github.com/yourorg/device-uploads/internal/storage"
	"github.com/yourorg/device-uploads/internal/transport"
)

var (
	ErrFileNotFound = errors.New("file not found")
	// ErrIssuerRejected means the issuer answered on the error topic.
	ErrIssuerRejected = errors.New("issuer rejected upload request")
)

// Enqueuer hands a message to the publish dispatcher without blocking.
type Enqueuer interface {
	Enqueue(topic string, payload []byte, qos byte) error
}

// Uploader performs the HTTP PUT of a local file.
type Uploader interface {
	Upload(ctx context.Context, filePath, url string) (int64, error)
}

type Config struct {
	DeviceID string
	QoS      byte
}

// Result describes how one request settled.
type Result struct {
	RequestID string
	FileName  string
	Locator   string
	Err       error
}

const resultBuffer = 64

type Client struct {
	cfg      Config
	register *pending.Register
	out      Enqueuer
	uploader Uploader
	logger   *zap.Logger
	results  chan Result
	newID    func() string
}

func New(cfg Config, out Enqueuer, up Uploader, logger *zap.Logger) *Client {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.QoS == 0 {
		cfg.QoS = protocol.QoSAtLeastOnce
	}
	return &Client{
		cfg:      cfg,
		register: pending.NewRegister(),
		out:      out,
		uploader: up,
		logger:   logger.With(zap.String("device_id", cfg.DeviceID)),
		results:  make(chan Result, resultBuffer),
		newID:    uuid.NewString,
	}
}

// Results delivers one Result per settled request. Results are dropped when
// nobody reads them and the buffer is full.
func (c *Client) Results() <-chan Result { return c.results }

// Pending reports how many requests still wait for a grant.
func (c *Client) Pending() int { return c.register.Len() }

// Subscribe registers the grant and error handlers on sub. ctx is used for
// the uploads the handlers start.
func (c *Client) Subscribe(ctx context.Context, sub transport.Subscriber) error {
	h := func(topic string, payload []byte) {
		// failures are already logged; the subscription keeps running
		_ = c.HandleMessage(ctx, topic, payload)
	}
	for _, topic := range []string{protocol.TopicResponseFileURL, protocol.TopicUploadError} {
		if err := sub.Subscribe(topic, c.cfg.QoS, h); err != nil {
			return err
		}
	}
	return nil
}

// Initiate records filePath as pending and queues its upload URL request.
// It returns the request id without waiting for the grant.
func (c *Client) Initiate(filePath string) (string, error) {
	abs, err := filepath.Abs(filePath)
	if err != nil {
		return "", fmt.Errorf("%w: %s: %v", ErrFileNotFound, filePath, err)
	}
	st, err := os.Stat(abs)
	if err != nil {
		return "", fmt.Errorf("%w: %s", ErrFileNotFound, filePath)
	}
	if !st.Mode().IsRegular() {
		return "", fmt.Errorf("%w: %s is not a regular file", ErrFileNotFound, filePath)
	}

	req := protocol.UploadRequest{
		RequestID: c.newID(),
		FileName:  filepath.Base(abs),
		FileSize:  st.Size(),
		DeviceID:  c.cfg.DeviceID,
	}
	payload, err := json.Marshal(req)
	if err != nil {
		return "", err
	}

	c.register.Push(req.RequestID, abs)
	if err := c.out.Enqueue(protocol.TopicRequestUploadURL, payload, c.cfg.QoS); err != nil {
		_, _ = c.register.Take(req.RequestID)
		return "", fmt.Errorf("queue upload request: %w", err)
	}
	metrics.Requests.Inc()
	c.logger.Info("upload url requested",
		zap.String("request_id", req.RequestID),
		zap.String("file", req.FileName),
		zap.Int64("size", req.FileSize),
	)
	return req.RequestID, nil
}

// HandleMessage routes one inbound message.
func (c *Client) HandleMessage(ctx context.Context, topic string, payload []byte) error {
	switch topic {
	case protocol.TopicResponseFileURL:
		return c.HandleGrant(ctx, payload)
	case protocol.TopicUploadError:
		return c.HandleError(payload)
	default:
		c.logger.Warn("message on unexpected topic", zap.String("topic", topic))
		return fmt.Errorf("unexpected topic %q", topic)
	}
}

// HandleGrant pairs a grant with its pending upload, uploads the file and
// queues the completion notice.
func (c *Client) HandleGrant(ctx context.Context, payload []byte) error {
	grant, decodeErr := protocol.DecodeGrant(payload)
	if decodeErr != nil && !errors.Is(decodeErr, protocol.ErrMalformedGrant) {
		metrics.Failures.WithLabelValues(metrics.ReasonMalformedGrant).Inc()
		c.logger.Error("undecodable grant", zap.Error(decodeErr))
		return fmt.Errorf("%w: %w", protocol.ErrMalformedGrant, decodeErr)
	}

	up, err := c.take(grant.RequestID)
	if err != nil {
		metrics.Failures.WithLabelValues(metrics.ReasonNoPending).Inc()
		c.logger.Error("grant without pending upload",
			zap.String("request_id", grant.RequestID),
			zap.String("key", grant.Key),
			zap.Error(err),
		)
		return err
	}
	name := filepath.Base(up.FilePath)
	log := c.logger.With(zap.String("request_id", up.RequestID), zap.String("file", name))

	if decodeErr != nil {
		metrics.Failures.WithLabelValues(metrics.ReasonMalformedGrant).Inc()
		log.Error("grant missing url, upload dropped", zap.Error(decodeErr))
		c.settle(Result{RequestID: up.RequestID, FileName: name, Err: decodeErr})
		return decodeErr
	}

	n, err := c.uploader.Upload(ctx, up.FilePath, grant.URL)
	if err != nil {
		metrics.Failures.WithLabelValues(metrics.ReasonUpload).Inc()
		log.Error("upload failed", zap.Error(err))
		c.settle(Result{RequestID: up.RequestID, FileName: name, Err: err})
		return err
	}

	loc := storage.Locator(grant.Bucket, grant.Key)
	notice, err := json.Marshal(protocol.CompletionNotice{
		FileName:   name,
		S3FilePath: loc,
		RequestID:  up.RequestID,
	})
	if err != nil {
		return err
	}
	if err := c.out.Enqueue(protocol.TopicFileUploaded, notice, c.cfg.QoS); err != nil {
		log.Error("completion notice not queued", zap.String("locator", loc), zap.Error(err))
		c.settle(Result{RequestID: up.RequestID, FileName: name, Locator: loc, Err: err})
		return fmt.Errorf("queue completion notice: %w", err)
	}

	metrics.Completions.Inc()
	log.Info("file uploaded", zap.String("locator", loc), zap.Int64("bytes", n))
	c.settle(Result{RequestID: up.RequestID, FileName: name, Locator: loc})
	return nil
}

// HandleError settles the request the issuer could not serve.
func (c *Client) HandleError(payload []byte) error {
	report, err := protocol.DecodeError(payload)
	if err != nil {
		c.logger.Error("undecodable issuer error", zap.Error(err))
		return err
	}
	if report.RequestID == "" {
		c.logger.Error("issuer error without request id", zap.String("error", report.Error))
		return fmt.Errorf("%w: %s", ErrIssuerRejected, report.Error)
	}

	up, err := c.register.Take(report.RequestID)
	if err != nil {
		metrics.Failures.WithLabelValues(metrics.ReasonNoPending).Inc()
		c.logger.Error("issuer error without pending upload",
			zap.String("request_id", report.RequestID),
			zap.String("error", report.Error),
		)
		return err
	}

	metrics.Failures.WithLabelValues(metrics.ReasonIssuerError).Inc()
	rejected := fmt.Errorf("%w: %s", ErrIssuerRejected, report.Error)
	name := filepath.Base(up.FilePath)
	c.logger.Error("issuer rejected upload",
		zap.String("request_id", up.RequestID),
		zap.String("file", name),
		zap.String("error", report.Error),
	)
	c.settle(Result{RequestID: up.RequestID, FileName: name, Err: rejected})
	return rejected
}

// take correlates by request id when the grant carries one, otherwise by
// arrival order.
func (c *Client) take(requestID string) (pending.Upload, error) {
	if requestID != "" {
		u, err := c.register.Take(requestID)
		if err != nil {
			return u, fmt.Errorf("request %s: %w", requestID, err)
		}
		return u, nil
	}
	return c.register.Pop()
}

func (c *Client) settle(r Result) {
	select {
	case c.results <- r:
	default:
		c.logger.Warn("result buffer full, dropping result", zap.String("request_id", r.RequestID))
	}
}
