package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	_ "github.com/joho/godotenv/autoload"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/yourorg/device-uploads/internal/config"
	"github.com/yourorg/device-uploads/internal/device"
	"github.com/yourorg/device-uploads/internal/dispatch"
	"github.com/yourorg/device-uploads/internal/logging"
	"github.com/yourorg/device-uploads/internal/metrics"
	"github.com/yourorg/device-uploads/internal/transport"
	"github.com/yourorg/device-uploads/internal/upload"
)

func main() {
	if err := newRootCmd().ExecuteContext(context.Background()); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var cfgFile string
	var timeout time.Duration

	cmd := &cobra.Command{
		Use:          "uploader <file>",
		Short:        "Upload a file to object storage through a presigned URL requested over MQTT",
		Args:         cobra.ExactArgs(1),
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(cmd.Context(), cmd, cfgFile, timeout, args[0])
		},
	}
	cmd.Flags().StringVar(&cfgFile, "config", "", "config file (yaml, json or toml); environment variables take precedence")
	cmd.Flags().DurationVar(&timeout, "timeout", 5*time.Minute, "how long to wait for the upload to settle; 0 waits until interrupted")
	return cmd
}

func run(ctx context.Context, cmd *cobra.Command, cfgFile string, timeout time.Duration, filePath string) error {
	if st, err := os.Stat(filePath); err != nil || !st.Mode().IsRegular() {
		return fmt.Errorf("file %q does not exist", filePath)
	}

	cfg, err := config.LoadDevice(cfgFile)
	if err != nil {
		return err
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}

	zl := logging.New(cfg.LogLevel)
	defer zl.Sync()

	metrics.Init()
	if cfg.MetricsAddr != "" {
		go func() {
			if err := metrics.Serve(cfg.MetricsAddr); err != nil {
				zl.Warn("metrics server stopped", zap.Error(err))
			}
		}()
	}

	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()
	ctx, cancel := context.WithCancelCause(ctx)
	defer cancel(nil)

	sess, err := transport.Connect(ctx, transport.Config{
		Broker:         cfg.MQTT.Broker,
		ClientID:       cfg.MQTT.ClientID,
		CAFile:         cfg.MQTT.CAFile,
		CertFile:       cfg.MQTT.CertFile,
		KeyFile:        cfg.MQTT.KeyFile,
		ConnectTimeout: cfg.MQTT.ConnectTimeout,
		OnConnectionLost: func(err error) {
			cancel(fmt.Errorf("mqtt connection lost: %w", err))
		},
	}, zl)
	if err != nil {
		return err
	}

	d := dispatch.New(sess, cfg.QueueSize, zl)
	// publishes outlive ctx so queued notices still go out during shutdown
	d.Start(context.WithoutCancel(ctx))

	client := device.New(device.Config{DeviceID: cfg.DeviceID, QoS: cfg.MQTT.QoS}, d,
		upload.NewExecutor(&http.Client{Timeout: cfg.UploadTimeout}), zl)
	defer func() {
		d.Close()
		d.Wait()
		sess.Close()
		zl.Info("shutdown complete", zap.Int("pending", client.Pending()))
	}()

	if err := client.Subscribe(ctx, sess); err != nil {
		return err
	}

	id, err := client.Initiate(filePath)
	if err != nil {
		return err
	}

	wait := ctx
	if timeout > 0 {
		var cancelWait context.CancelFunc
		wait, cancelWait = context.WithTimeout(ctx, timeout)
		defer cancelWait()
	}
	for {
		select {
		case r := <-client.Results():
			if r.RequestID != id {
				continue
			}
			if r.Err != nil {
				return fmt.Errorf("upload %s: %w", r.FileName, r.Err)
			}
			fmt.Fprintln(cmd.OutOrStdout(), r.Locator)
			return nil
		case <-wait.Done():
			if errors.Is(wait.Err(), context.DeadlineExceeded) {
				return fmt.Errorf("no upload grant within %s", timeout)
			}
			return context.Cause(ctx)
		}
	}
}
