// Package issuer answers upload URL requests with presigned PUT URLs.
package issuer

import (
	"context"
	"encoding/json"
	"fmt"
	"path"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/yourorg/device-uploads/internal/metrics"
	"github.com/yourorg/device-uploads/internal/protocol"
	"github.com/yourorg/device-uploads/internal/storage"
	"github.com/yourorg/device-uploads/internal/transport"
)

const DefaultExpiry = 3600 * time.Second

// Enqueuer hands a message to the publish dispatcher without blocking.
type Enqueuer interface {
	Enqueue(topic string, payload []byte, qos byte) error
}

// SeenStore records request ids already served.
type SeenStore interface {
	MarkSeen(id string) (bool, error)
	Forget(id string) error
}

type Config struct {
	Bucket string
	Expiry time.Duration
	QoS    byte
}

type Service struct {
	cfg       Config
	presigner storage.Presigner
	out       Enqueuer
	seen      SeenStore
	logger    *zap.Logger
	now       func() time.Time
}

// New builds a Service. seen may be nil, in which case redeliveries are
// answered again.
func New(cfg Config, p storage.Presigner, out Enqueuer, seen SeenStore, logger *zap.Logger) *Service {
	if cfg.Expiry <= 0 {
		cfg.Expiry = DefaultExpiry
	}
	if cfg.QoS == 0 {
		cfg.QoS = protocol.QoSAtLeastOnce
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Service{cfg: cfg, presigner: p, out: out, seen: seen, logger: logger, now: time.Now}
}

// Subscribe registers HandleRequest for the request topic.
func (s *Service) Subscribe(ctx context.Context, sub transport.Subscriber) error {
	return sub.Subscribe(protocol.TopicRequestUploadURL, s.cfg.QoS, func(_ string, payload []byte) {
		_ = s.HandleRequest(ctx, payload)
	})
}

// HandleRequest presigns a PUT for one request and queues the grant, or an
// error report when the request cannot be served.
func (s *Service) HandleRequest(ctx context.Context, payload []byte) error {
	req, err := protocol.DecodeRequest(payload)
	if err != nil {
		s.logger.Error("rejecting upload request", zap.String("request_id", req.RequestID), zap.Error(err))
		if req.RequestID != "" {
			s.reportError(req.RequestID, err)
		}
		return err
	}
	log := s.logger.With(zap.String("request_id", req.RequestID), zap.String("device_id", req.DeviceID))

	if s.seen != nil {
		dup, err := s.seen.MarkSeen(req.RequestID)
		switch {
		case err != nil:
			log.Warn("dedupe lookup failed, serving request", zap.Error(err))
		case dup:
			metrics.DuplicateRequests.Inc()
			log.Info("duplicate upload request skipped")
			return nil
		}
	}

	key := ObjectKey(req.DeviceID, req.FileName, s.now())
	url, err := s.presigner.PresignPut(ctx, s.cfg.Bucket, key, s.cfg.Expiry)
	if err != nil {
		metrics.PresignFailures.Inc()
		log.Error("presign failed", zap.String("key", key), zap.Error(err))
		s.forget(req.RequestID)
		s.reportError(req.RequestID, err)
		return err
	}

	grant, err := json.Marshal(protocol.UploadGrant{
		URL:       url,
		Bucket:    s.cfg.Bucket,
		Key:       key,
		RequestID: req.RequestID,
	})
	if err != nil {
		return err
	}
	if err := s.out.Enqueue(protocol.TopicResponseFileURL, grant, s.cfg.QoS); err != nil {
		log.Error("grant not queued", zap.String("key", key), zap.Error(err))
		s.forget(req.RequestID)
		return fmt.Errorf("queue grant: %w", err)
	}

	metrics.GrantsIssued.Inc()
	log.Info("upload url issued",
		zap.String("key", key),
		zap.String("file", req.FileName),
		zap.Int64("size", req.FileSize),
		zap.Duration("expires_in", s.cfg.Expiry),
	)
	return nil
}

// ObjectKey derives {device}/upload_{YYYYmmddHHMMSS}{ext}. The extension of
// fileName is kept, defaulting to .txt; an empty device id is "unknown".
func ObjectKey(deviceID, fileName string, t time.Time) string {
	deviceID = strings.ReplaceAll(strings.TrimSpace(deviceID), "/", "_")
	if deviceID == "" {
		deviceID = "unknown"
	}
	ext := path.Ext(path.Base(strings.ReplaceAll(fileName, "\\", "/")))
	if ext == "" || ext == "." {
		ext = ".txt"
	}
	return fmt.Sprintf("%s/upload_%s%s", deviceID, t.UTC().Format("20060102150405"), ext)
}

func (s *Service) reportError(requestID string, cause error) {
	b, err := json.Marshal(protocol.UploadError{RequestID: requestID, Error: cause.Error()})
	if err != nil {
		return
	}
	if err := s.out.Enqueue(protocol.TopicUploadError, b, s.cfg.QoS); err != nil {
		s.logger.Error("error report not queued", zap.String("request_id", requestID), zap.Error(err))
	}
}

func (s *Service) forget(requestID string) {
	if s.seen == nil {
		return
	}
	if err := s.seen.Forget(requestID); err != nil {
		s.logger.Warn("dedupe forget failed", zap.String("request_id", requestID), zap.Error(err))
	}
}
