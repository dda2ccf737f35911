// Package upload sends local files to presigned URLs.
package upload

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"time"
)

var (
	// ErrFileUnavailable means the file vanished or stopped being a regular
	// file between the request and the grant.
	ErrFileUnavailable = errors.New("file unavailable")
	// ErrUploadFailed covers non-2xx responses and transport errors.
	ErrUploadFailed = errors.New("upload failed")
)

// StatusError reports a non-2xx answer from the storage endpoint.
type StatusError struct {
	StatusCode int
	Body       string
}

func (e *StatusError) Error() string {
	if e.Body == "" {
		return fmt.Sprintf("upload failed: status %d", e.StatusCode)
	}
	return fmt.Sprintf("upload failed: status %d: %s", e.StatusCode, e.Body)
}

func (e *StatusError) Unwrap() error { return ErrUploadFailed }

const DefaultTimeout = 10 * time.Minute

type Executor struct {
	client *http.Client
}

// NewExecutor uses client, or a client with DefaultTimeout when nil.
func NewExecutor(client *http.Client) *Executor {
	if client == nil {
		client = &http.Client{Timeout: DefaultTimeout}
	}
	return &Executor{client: client}
}

// Upload streams filePath as the body of a PUT to url and returns the number
// of bytes sent. No retry.
func (e *Executor) Upload(ctx context.Context, filePath, url string) (int64, error) {
	f, err := os.Open(filePath)
	if err != nil {
		return 0, fmt.Errorf("%w: %w", ErrFileUnavailable, err)
	}
	defer f.Close()

	st, err := f.Stat()
	if err != nil {
		return 0, fmt.Errorf("%w: %w", ErrFileUnavailable, err)
	}
	if !st.Mode().IsRegular() {
		return 0, fmt.Errorf("%w: %s is not a regular file", ErrFileUnavailable, filePath)
	}
	size := st.Size()

	var body io.Reader = f
	if size == 0 {
		body = http.NoBody
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPut, url, body)
	if err != nil {
		return 0, fmt.Errorf("%w: build request: %w", ErrUploadFailed, err)
	}
	// presigned PUTs reject chunked transfer encoding
	req.ContentLength = size

	resp, err := e.client.Do(req)
	if err != nil {
		return 0, fmt.Errorf("%w: %w", ErrUploadFailed, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		b, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return 0, &StatusError{StatusCode: resp.StatusCode, Body: strings.TrimSpace(string(b))}
	}
	_, _ = io.Copy(io.Discard, resp.Body)
	return size, nil
}
