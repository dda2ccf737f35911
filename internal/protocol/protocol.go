// Package protocol defines the topics and JSON payloads exchanged between a
// device and the upload URL issuer.
package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
)

const (
	TopicRequestUploadURL = "request/upload_url"
	TopicResponseFileURL  = "response/file_url"
	TopicUploadError      = "response/upload_error"
	TopicFileUploaded     = "notification/file_uploaded"

	// QoSAtLeastOnce is used for every publish.
	QoSAtLeastOnce byte = 1
)

var (
	// ErrMalformedGrant indicates a grant without the fields needed to upload.
	ErrMalformedGrant = errors.New("malformed grant")
	// ErrMalformedRequest indicates an upload request the issuer cannot serve.
	ErrMalformedRequest = errors.New("malformed upload request")
)

// UploadRequest asks the issuer for a write-only URL.
type UploadRequest struct {
	RequestID string `json:"request_id"`
	FileName  string `json:"file_name"`
	FileSize  int64  `json:"file_size"`
	DeviceID  string `json:"device_id"`
}

// UploadGrant is the issuer's answer. RequestID is empty when the issuer
// does not echo it; the device then falls back to FIFO correlation.
type UploadGrant struct {
	URL       string `json:"url"`
	Bucket    string `json:"bucket"`
	Key       string `json:"key"`
	RequestID string `json:"request_id,omitempty"`
}

// CompletionNotice is published once per successful upload.
type CompletionNotice struct {
	FileName   string `json:"file_name"`
	S3FilePath string `json:"s3_file_path"`
	RequestID  string `json:"request_id,omitempty"`
}

// UploadError reports an issuer-side failure for one request.
type UploadError struct {
	RequestID string `json:"request_id"`
	Error     string `json:"error"`
}

// DecodeGrant parses a grant. A syntax error is returned as-is, a grant that
// parsed but lacks a url is returned together with ErrMalformedGrant so the
// caller can still correlate it.
func DecodeGrant(payload []byte) (UploadGrant, error) {
	var g UploadGrant
	if err := json.Unmarshal(payload, &g); err != nil {
		return UploadGrant{}, fmt.Errorf("decode grant: %w", err)
	}
	if g.URL == "" {
		return g, fmt.Errorf("%w: missing url", ErrMalformedGrant)
	}
	return g, nil
}

// DecodeRequest parses and validates an upload request.
func DecodeRequest(payload []byte) (UploadRequest, error) {
	var r UploadRequest
	if err := json.Unmarshal(payload, &r); err != nil {
		return UploadRequest{}, fmt.Errorf("%w: %v", ErrMalformedRequest, err)
	}
	if r.RequestID == "" {
		return r, fmt.Errorf("%w: missing request_id", ErrMalformedRequest)
	}
	if r.FileSize < 0 {
		return r, fmt.Errorf("%w: negative file_size", ErrMalformedRequest)
	}
	return r, nil
}

// DecodeError parses an issuer error report.
func DecodeError(payload []byte) (UploadError, error) {
	var e UploadError
	if err := json.Unmarshal(payload, &e); err != nil {
		return UploadError{}, fmt.Errorf("decode upload error: %w", err)
	}
	return e, nil
}
