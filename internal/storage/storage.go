package storage

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"
)

// Presigner issues time-limited write URLs for single objects.
type Presigner interface {
	// PresignPut returns a URL that accepts one HTTP PUT of bucket/key until ttl elapses.
	PresignPut(ctx context.Context, bucket, key string, ttl time.Duration) (string, error)
}

// Locator renders bucket/key as s3://bucket/key.
func Locator(bucket, key string) string {
	return "s3://" + bucket + "/" + strings.TrimPrefix(key, "/")
}

// ParseLocator splits an s3://bucket/key URI.
func ParseLocator(uri string) (bucket, key string, err error) {
	u, err := url.Parse(uri)
	if err != nil {
		return "", "", err
	}
	if u.Scheme != "s3" {
		return "", "", fmt.Errorf("unsupported scheme: %s", u.Scheme)
	}
	bucket = u.Host
	key = strings.TrimPrefix(u.Path, "/")
	if bucket == "" || key == "" {
		return "", "", errors.New("invalid s3 uri")
	}
	return
}
