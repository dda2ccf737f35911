// Package config loads settings for the uploader and issuer from the
// environment and an optional config file.
package config

import (
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/spf13/viper"
)

// MQTT holds broker connection parameters shared by both binaries.
type MQTT struct {
	Broker         string
	ClientID       string
	CAFile         string
	CertFile       string
	KeyFile        string
	QoS            byte
	ConnectTimeout time.Duration
}

type Device struct {
	MQTT          MQTT
	DeviceID      string
	QueueSize     int
	UploadTimeout time.Duration
	LogLevel      string
	MetricsAddr   string // empty disables the metrics server
}

type Issuer struct {
	MQTT        MQTT
	Bucket      string
	Region      string
	Expiry      time.Duration
	DedupeDir   string // empty keeps the seen-set in memory
	DedupeTTL   time.Duration
	QueueSize   int
	LogLevel    string
	MetricsAddr string
}

func newViper(file string) (*viper.Viper, error) {
	v := viper.New()
	v.AutomaticEnv()

	v.SetDefault("MQTT_QOS", 1)
	v.SetDefault("MQTT_CONNECT_TIMEOUT", "10s")
	v.SetDefault("DISPATCH_QUEUE_SIZE", 256)
	v.SetDefault("LOG_LEVEL", "info")

	if file != "" {
		v.SetConfigFile(file)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config %s: %w", file, err)
		}
	}
	return v, nil
}

func loadMQTT(v *viper.Viper, defaultClientID string) (MQTT, error) {
	ct, err := duration(v, "MQTT_CONNECT_TIMEOUT")
	if err != nil {
		return MQTT{}, err
	}
	qos := v.GetInt("MQTT_QOS")
	if qos < 0 || qos > 2 {
		return MQTT{}, fmt.Errorf("MQTT_QOS must be 0, 1 or 2, got %d", qos)
	}
	id := v.GetString("MQTT_CLIENT_ID")
	if id == "" {
		id = defaultClientID
	}
	return MQTT{
		Broker:         v.GetString("MQTT_BROKER"),
		ClientID:       id,
		CAFile:         v.GetString("MQTT_CA_FILE"),
		CertFile:       v.GetString("MQTT_CERT_FILE"),
		KeyFile:        v.GetString("MQTT_KEY_FILE"),
		QoS:            byte(qos),
		ConnectTimeout: ct,
	}, nil
}

// LoadDevice reads the uploader settings. file may be empty.
func LoadDevice(file string) (Device, error) {
	v, err := newViper(file)
	if err != nil {
		return Device{}, err
	}
	v.SetDefault("UPLOAD_TIMEOUT", "10m")

	deviceID := v.GetString("DEVICE_ID")
	m, err := loadMQTT(v, deviceID)
	if err != nil {
		return Device{}, err
	}
	ut, err := duration(v, "UPLOAD_TIMEOUT")
	if err != nil {
		return Device{}, err
	}
	return Device{
		MQTT:          m,
		DeviceID:      deviceID,
		QueueSize:     v.GetInt("DISPATCH_QUEUE_SIZE"),
		UploadTimeout: ut,
		LogLevel:      v.GetString("LOG_LEVEL"),
		MetricsAddr:   v.GetString("METRICS_ADDR"),
	}, nil
}

// LoadIssuer reads the issuer settings. file may be empty.
func LoadIssuer(file string) (Issuer, error) {
	v, err := newViper(file)
	if err != nil {
		return Issuer{}, err
	}
	v.SetDefault("PRESIGN_EXPIRY", "3600s")
	v.SetDefault("DEDUPE_TTL", "2h")
	v.SetDefault("METRICS_ADDR", ":9090")

	m, err := loadMQTT(v, "upload-issuer")
	if err != nil {
		return Issuer{}, err
	}
	exp, err := duration(v, "PRESIGN_EXPIRY")
	if err != nil {
		return Issuer{}, err
	}
	ttl, err := duration(v, "DEDUPE_TTL")
	if err != nil {
		return Issuer{}, err
	}
	return Issuer{
		MQTT:        m,
		Bucket:      v.GetString("S3_BUCKET"),
		Region:      v.GetString("AWS_REGION"),
		Expiry:      exp,
		DedupeDir:   v.GetString("DEDUPE_DIR"),
		DedupeTTL:   ttl,
		QueueSize:   v.GetInt("DISPATCH_QUEUE_SIZE"),
		LogLevel:    v.GetString("LOG_LEVEL"),
		MetricsAddr: v.GetString("METRICS_ADDR"),
	}, nil
}

func (d Device) Validate() error {
	var errs []error
	if d.MQTT.Broker == "" {
		errs = append(errs, errors.New("MQTT_BROKER is required"))
	}
	if d.DeviceID == "" {
		errs = append(errs, errors.New("DEVICE_ID is required"))
	}
	if (d.MQTT.CertFile == "") != (d.MQTT.KeyFile == "") {
		errs = append(errs, errors.New("MQTT_CERT_FILE and MQTT_KEY_FILE must be set together"))
	}
	return errors.Join(errs...)
}

func (i Issuer) Validate() error {
	var errs []error
	if i.MQTT.Broker == "" {
		errs = append(errs, errors.New("MQTT_BROKER is required"))
	}
	if i.Bucket == "" {
		errs = append(errs, errors.New("S3_BUCKET is required"))
	}
	if i.Expiry <= 0 || i.Expiry > 7*24*time.Hour {
		errs = append(errs, fmt.Errorf("PRESIGN_EXPIRY must be within (0, 168h], got %s", i.Expiry))
	}
	if (i.MQTT.CertFile == "") != (i.MQTT.KeyFile == "") {
		errs = append(errs, errors.New("MQTT_CERT_FILE and MQTT_KEY_FILE must be set together"))
	}
	return errors.Join(errs...)
}

// duration accepts Go duration strings or a bare number of seconds.
func duration(v *viper.Viper, key string) (time.Duration, error) {
	s := v.GetString(key)
	if s == "" {
		return 0, nil
	}
	if n, err := strconv.Atoi(s); err == nil {
		return time.Duration(n) * time.Second, nil
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return 0, fmt.Errorf("%s: %w", key, err)
	}
	return d, nil
}
