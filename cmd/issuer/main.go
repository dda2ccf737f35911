package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"

	_ "github.com/joho/godotenv/autoload"
	"go.uber.org/zap"

	"github.com/yourorg/device-uploads/internal/config"
	"github.com/yourorg/device-uploads/internal/dedupe"
	"github.com/yourorg/device-uploads/internal/dispatch"
	"github.com/yourorg/device-uploads/internal/issuer"
	"github.com/yourorg/device-uploads/internal/logging"
	"github.com/yourorg/device-uploads/internal/metrics"
	"github.com/yourorg/device-uploads/internal/storage"
	"github.com/yourorg/device-uploads/internal/transport"
)

func main() {
	if err := run(); err != nil {
		log.Fatal(err)
	}
}

func run() error {
	cfg, err := config.LoadIssuer(os.Getenv("ISSUER_CONFIG"))
	if err != nil {
		return fmt.Errorf("config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}

	// Structured logger (zap)
	zl := logging.New(cfg.LogLevel)
	defer zl.Sync()

	// Metrics server
	metrics.Init()
	go func() {
		if err := metrics.Serve(cfg.MetricsAddr); err != nil {
			zl.Warn("metrics server stopped", zap.Error(err))
		}
	}()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	ctx, cancel := context.WithCancelCause(ctx)
	defer cancel(nil)

	s3c, err := storage.NewS3(ctx, cfg.Region)
	if err != nil {
		return fmt.Errorf("s3 init: %w", err)
	}
	if err := s3c.Ready(ctx, cfg.Bucket); err != nil {
		zl.Warn("bucket not reachable, presigned urls may fail", zap.String("bucket", cfg.Bucket), zap.Error(err))
	}

	seen, err := dedupe.Open(cfg.DedupeDir, cfg.DedupeTTL)
	if err != nil {
		return fmt.Errorf("dedupe store: %w", err)
	}
	defer seen.Close()

	sess, err := transport.Connect(ctx, transport.Config{
		Broker:         cfg.MQTT.Broker,
		ClientID:       cfg.MQTT.ClientID,
		CAFile:         cfg.MQTT.CAFile,
		CertFile:       cfg.MQTT.CertFile,
		KeyFile:        cfg.MQTT.KeyFile,
		ConnectTimeout: cfg.MQTT.ConnectTimeout,
		OnConnectionLost: func(err error) {
			cancel(err)
		},
	}, zl)
	if err != nil {
		return err
	}
	defer sess.Close()

	d := dispatch.New(sess, cfg.QueueSize, zl)
	d.Start(context.WithoutCancel(ctx))
	// the dispatcher drains before the session closes
	defer func() {
		d.Close()
		d.Wait()
	}()

	svc := issuer.New(issuer.Config{Bucket: cfg.Bucket, Expiry: cfg.Expiry, QoS: cfg.MQTT.QoS}, s3c, d, seen, zl)
	if err := svc.Subscribe(ctx, sess); err != nil {
		return err
	}

	zl.Info("issuer started",
		zap.String("broker", cfg.MQTT.Broker),
		zap.String("bucket", cfg.Bucket),
		zap.Duration("expiry", cfg.Expiry),
		zap.String("metrics", cfg.MetricsAddr),
	)
	<-ctx.Done()

	if cause := context.Cause(ctx); !errors.Is(cause, context.Canceled) {
		return fmt.Errorf("mqtt connection lost: %w", cause)
	}
	zl.Info("issuer stopping")
	return nil
}
