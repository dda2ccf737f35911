package device

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"

	"github.com/yourorg/device-uploads/internal/dispatch"
	"github.com/yourorg/device-uploads/internal/pending"
	"github.com/yourorg/device-uploads/internal/protocol"
	"github.com/yourorg/device-uploads/internal/transport"
	"github.com/yourorg/device-uploads/internal/upload"
)

type sent struct {
	topic   string
	payload []byte
	qos     byte
}

// timeline records enqueues and uploads in the order they happen.
type timeline struct {
	mu     sync.Mutex
	events []string
	msgs   []sent
	fail   error
}

func (tl *timeline) Enqueue(topic string, payload []byte, qos byte) error {
	tl.mu.Lock()
	defer tl.mu.Unlock()
	if tl.fail != nil {
		return tl.fail
	}
	tl.events = append(tl.events, "enqueue "+topic)
	tl.msgs = append(tl.msgs, sent{topic: topic, payload: payload, qos: qos})
	return nil
}

func (tl *timeline) add(ev string) {
	tl.mu.Lock()
	defer tl.mu.Unlock()
	tl.events = append(tl.events, ev)
}

func (tl *timeline) onTopic(topic string) []sent {
	tl.mu.Lock()
	defer tl.mu.Unlock()
	var out []sent
	for _, m := range tl.msgs {
		if m.topic == topic {
			out = append(out, m)
		}
	}
	return out
}

type recordingUploader struct {
	tl    *timeline
	calls []string // filePath|url
	err   error
}

func (u *recordingUploader) Upload(ctx context.Context, filePath, url string) (int64, error) {
	u.calls = append(u.calls, filePath+"|"+url)
	if u.tl != nil {
		u.tl.add("put " + filepath.Base(filePath))
	}
	return 1, u.err
}

func writeFile(t *testing.T, dir, name, content string) string {
	t.Helper()
	p := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(p, []byte(content), 0o644))
	return p
}

func grantJSON(t *testing.T, g protocol.UploadGrant) []byte {
	t.Helper()
	b, err := json.Marshal(g)
	require.NoError(t, err)
	return b
}

func TestInitiateQueuesRequest(t *testing.T) {
	tl := &timeline{}
	c := New(Config{DeviceID: "example-thing"}, tl, &recordingUploader{}, nil)
	p := writeFile(t, t.TempDir(), "report.txt", string(make([]byte, 42)))

	id, err := c.Initiate(p)
	require.NoError(t, err)
	require.NotEmpty(t, id)
	require.Equal(t, 1, c.Pending())

	msgs := tl.onTopic(protocol.TopicRequestUploadURL)
	require.Len(t, msgs, 1)
	require.Equal(t, protocol.QoSAtLeastOnce, msgs[0].qos)

	var req protocol.UploadRequest
	require.NoError(t, json.Unmarshal(msgs[0].payload, &req))
	require.Equal(t, protocol.UploadRequest{
		RequestID: id,
		FileName:  "report.txt",
		FileSize:  42,
		DeviceID:  "example-thing",
	}, req)
}

func TestInitiatePushesBeforeEnqueue(t *testing.T) {
	var c *Client
	var pendingAtEnqueue int
	probe := enqueueFunc(func(topic string, payload []byte, qos byte) error {
		pendingAtEnqueue = c.Pending()
		return nil
	})
	c = New(Config{DeviceID: "d"}, probe, &recordingUploader{}, nil)
	_, err := c.Initiate(writeFile(t, t.TempDir(), "a.txt", "a"))
	require.NoError(t, err)
	require.Equal(t, 1, pendingAtEnqueue)
}

type enqueueFunc func(topic string, payload []byte, qos byte) error

func (f enqueueFunc) Enqueue(topic string, payload []byte, qos byte) error {
	return f(topic, payload, qos)
}

func TestInitiateMissingFile(t *testing.T) {
	tl := &timeline{}
	c := New(Config{DeviceID: "d"}, tl, &recordingUploader{}, nil)

	_, err := c.Initiate(filepath.Join(t.TempDir(), "nope.txt"))
	require.ErrorIs(t, err, ErrFileNotFound)
	_, err = c.Initiate(t.TempDir())
	require.ErrorIs(t, err, ErrFileNotFound)

	require.Zero(t, c.Pending())
	require.Empty(t, tl.msgs)
}

func TestInitiateEnqueueFailureRollsBack(t *testing.T) {
	tl := &timeline{fail: dispatch.ErrQueueFull}
	c := New(Config{DeviceID: "d"}, tl, &recordingUploader{}, nil)
	_, err := c.Initiate(writeFile(t, t.TempDir(), "a.txt", "a"))
	require.ErrorIs(t, err, dispatch.ErrQueueFull)
	require.Zero(t, c.Pending())
}

func TestInitiateSameFileTwice(t *testing.T) {
	tl := &timeline{}
	c := New(Config{DeviceID: "d"}, tl, &recordingUploader{}, nil)
	p := writeFile(t, t.TempDir(), "a.txt", "a")

	id1, err := c.Initiate(p)
	require.NoError(t, err)
	id2, err := c.Initiate(p)
	require.NoError(t, err)

	require.NotEqual(t, id1, id2)
	require.Equal(t, 2, c.Pending())
	require.Len(t, tl.onTopic(protocol.TopicRequestUploadURL), 2)
}

func TestGrantUploadsAndNotifies(t *testing.T) {
	var gotBody []byte
	var gotPath, gotMethod string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotMethod = r.Method
		gotPath = r.URL.Path
		gotBody, _ = io.ReadAll(r.Body)
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	tl := &timeline{}
	c := New(Config{DeviceID: "d"}, tl, upload.NewExecutor(srv.Client()), nil)
	p := writeFile(t, t.TempDir(), "report.txt", "quarterly numbers")
	_, err := c.Initiate(p)
	require.NoError(t, err)

	// the grant does not echo request_id, so FIFO correlation applies
	payload := []byte(fmt.Sprintf(`{"url":"%s/put","bucket":"b","key":"d/report.txt"}`, srv.URL))
	require.NoError(t, c.HandleMessage(context.Background(), protocol.TopicResponseFileURL, payload))

	require.Equal(t, http.MethodPut, gotMethod)
	require.Equal(t, "/put", gotPath)
	require.Equal(t, "quarterly numbers", string(gotBody))
	require.Zero(t, c.Pending())

	notices := tl.onTopic(protocol.TopicFileUploaded)
	require.Len(t, notices, 1)
	var n protocol.CompletionNotice
	require.NoError(t, json.Unmarshal(notices[0].payload, &n))
	require.Equal(t, "report.txt", n.FileName)
	require.Equal(t, "s3://b/d/report.txt", n.S3FilePath)

	res := <-c.Results()
	require.NoError(t, res.Err)
	require.Equal(t, "s3://b/d/report.txt", res.Locator)
}

func TestGrantForbiddenSendsNoNotice(t *testing.T) {
	var status atomic.Int32
	status.Store(http.StatusForbidden)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(int(status.Load()))
	}))
	defer srv.Close()

	core, logs := observer.New(zap.InfoLevel)
	tl := &timeline{}
	c := New(Config{DeviceID: "d"}, tl, upload.NewExecutor(srv.Client()), zap.New(core))
	_, err := c.Initiate(writeFile(t, t.TempDir(), "report.txt", "x"))
	require.NoError(t, err)

	err = c.HandleGrant(context.Background(), grantJSON(t, protocol.UploadGrant{URL: srv.URL, Bucket: "b", Key: "k"}))
	require.ErrorIs(t, err, upload.ErrUploadFailed)

	require.Empty(t, tl.onTopic(protocol.TopicFileUploaded))
	require.Equal(t, 1, logs.FilterMessage("upload failed").Len())
	require.Zero(t, c.Pending(), "a failed upload is not requeued")

	// the client keeps serving later requests
	status.Store(http.StatusOK)
	_, err = c.Initiate(writeFile(t, t.TempDir(), "next.txt", "y"))
	require.NoError(t, err)
	require.NoError(t, c.HandleGrant(context.Background(), grantJSON(t, protocol.UploadGrant{URL: srv.URL, Bucket: "b", Key: "k2"})))
	require.Len(t, tl.onTopic(protocol.TopicFileUploaded), 1)
}

func TestGrantWithEmptyRegister(t *testing.T) {
	core, logs := observer.New(zap.InfoLevel)
	up := &recordingUploader{}
	tl := &timeline{}
	c := New(Config{DeviceID: "d"}, tl, up, zap.New(core))

	g := grantJSON(t, protocol.UploadGrant{URL: "https://example/put", Bucket: "b", Key: "k"})
	require.ErrorIs(t, c.HandleGrant(context.Background(), g), pending.ErrNoPendingUpload)
	require.Empty(t, up.calls)
	require.Equal(t, 1, logs.FilterMessage("grant without pending upload").Len())

	// subsequent messages are still processed
	_, err := c.Initiate(writeFile(t, t.TempDir(), "a.txt", "a"))
	require.NoError(t, err)
	require.NoError(t, c.HandleGrant(context.Background(), g))
	require.Len(t, up.calls, 1)
}

func TestFIFOCorrelation(t *testing.T) {
	tl := &timeline{}
	up := &recordingUploader{}
	c := New(Config{DeviceID: "d"}, tl, up, nil)
	dir := t.TempDir()

	const n = 5
	var paths []string
	for i := 0; i < n; i++ {
		p := writeFile(t, dir, fmt.Sprintf("f%d.txt", i), "x")
		paths = append(paths, p)
		_, err := c.Initiate(p)
		require.NoError(t, err)
	}
	for i := 0; i < n; i++ {
		g := grantJSON(t, protocol.UploadGrant{URL: fmt.Sprintf("https://example/%d", i), Bucket: "b", Key: fmt.Sprintf("k%d", i)})
		require.NoError(t, c.HandleGrant(context.Background(), g))
	}
	for i := 0; i < n; i++ {
		abs, _ := filepath.Abs(paths[i])
		require.Equal(t, fmt.Sprintf("%s|https://example/%d", abs, i), up.calls[i])
	}
}

func TestCorrelationByRequestID(t *testing.T) {
	tl := &timeline{}
	up := &recordingUploader{}
	c := New(Config{DeviceID: "d"}, tl, up, nil)
	dir := t.TempDir()

	idA, err := c.Initiate(writeFile(t, dir, "a.txt", "a"))
	require.NoError(t, err)
	idB, err := c.Initiate(writeFile(t, dir, "b.txt", "b"))
	require.NoError(t, err)

	// grants arrive out of order but carry their request ids
	require.NoError(t, c.HandleGrant(context.Background(), grantJSON(t, protocol.UploadGrant{URL: "https://example/b", Bucket: "x", Key: "b", RequestID: idB})))
	require.NoError(t, c.HandleGrant(context.Background(), grantJSON(t, protocol.UploadGrant{URL: "https://example/a", Bucket: "x", Key: "a", RequestID: idA})))

	require.Equal(t, "b.txt", uploadedName(up.calls[0]))
	require.Equal(t, "a.txt", uploadedName(up.calls[1]))

	// a redelivered grant for a settled request is not uploaded again
	err = c.HandleGrant(context.Background(), grantJSON(t, protocol.UploadGrant{URL: "https://example/a", RequestID: idA}))
	require.ErrorIs(t, err, pending.ErrNoPendingUpload)
	require.Len(t, up.calls, 2)
}

func uploadedName(call string) string {
	path, _, _ := strings.Cut(call, "|")
	return filepath.Base(path)
}

func TestNoticeFollowsUpload(t *testing.T) {
	tl := &timeline{}
	c := New(Config{DeviceID: "d"}, tl, &recordingUploader{tl: tl}, nil)
	_, err := c.Initiate(writeFile(t, t.TempDir(), "f.txt", "x"))
	require.NoError(t, err)
	require.NoError(t, c.HandleGrant(context.Background(), grantJSON(t, protocol.UploadGrant{URL: "https://example/put", Bucket: "b", Key: "k"})))

	require.Equal(t, []string{
		"enqueue " + protocol.TopicRequestUploadURL,
		"put f.txt",
		"enqueue " + protocol.TopicFileUploaded,
	}, tl.events)
}

func TestMalformedGrantConsumesEntry(t *testing.T) {
	up := &recordingUploader{}
	c := New(Config{DeviceID: "d"}, &timeline{}, up, nil)
	_, err := c.Initiate(writeFile(t, t.TempDir(), "f.txt", "x"))
	require.NoError(t, err)

	err = c.HandleGrant(context.Background(), []byte(`{"bucket":"b","key":"k"}`))
	require.ErrorIs(t, err, protocol.ErrMalformedGrant)
	require.Empty(t, up.calls)
	require.Zero(t, c.Pending())
	res := <-c.Results()
	require.ErrorIs(t, res.Err, protocol.ErrMalformedGrant)
}

func TestUndecodableGrantHasNoSideEffects(t *testing.T) {
	c := New(Config{DeviceID: "d"}, &timeline{}, &recordingUploader{}, nil)
	_, err := c.Initiate(writeFile(t, t.TempDir(), "f.txt", "x"))
	require.NoError(t, err)

	require.ErrorIs(t, c.HandleGrant(context.Background(), []byte(`not json`)), protocol.ErrMalformedGrant)
	require.Equal(t, 1, c.Pending())
}

func TestIssuerErrorSettlesRequest(t *testing.T) {
	up := &recordingUploader{}
	c := New(Config{DeviceID: "d"}, &timeline{}, up, nil)
	id, err := c.Initiate(writeFile(t, t.TempDir(), "f.txt", "x"))
	require.NoError(t, err)

	b, _ := json.Marshal(protocol.UploadError{RequestID: id, Error: "presign failed"})
	err = c.HandleMessage(context.Background(), protocol.TopicUploadError, b)
	require.ErrorIs(t, err, ErrIssuerRejected)
	require.Zero(t, c.Pending())
	require.Empty(t, up.calls)

	res := <-c.Results()
	require.Equal(t, id, res.RequestID)
	require.ErrorIs(t, res.Err, ErrIssuerRejected)

	require.ErrorIs(t, c.HandleError(b), pending.ErrNoPendingUpload)
}

func TestCompletionEnqueueFailure(t *testing.T) {
	tl := &timeline{}
	c := New(Config{DeviceID: "d"}, tl, &recordingUploader{}, nil)
	_, err := c.Initiate(writeFile(t, t.TempDir(), "f.txt", "x"))
	require.NoError(t, err)

	tl.fail = dispatch.ErrDispatcherClosed
	err = c.HandleGrant(context.Background(), grantJSON(t, protocol.UploadGrant{URL: "https://example/put", Bucket: "b", Key: "k"}))
	require.ErrorIs(t, err, dispatch.ErrDispatcherClosed)
}

func TestUnexpectedTopic(t *testing.T) {
	c := New(Config{DeviceID: "d"}, &timeline{}, &recordingUploader{}, nil)
	require.Error(t, c.HandleMessage(context.Background(), "other/topic", nil))
}

type fakeSubscriber struct {
	handlers map[string]transport.Handler
	err      error
}

func (s *fakeSubscriber) Subscribe(topic string, qos byte, h transport.Handler) error {
	if s.err != nil {
		return s.err
	}
	if s.handlers == nil {
		s.handlers = make(map[string]transport.Handler)
	}
	s.handlers[topic] = h
	return nil
}

func TestSubscribeRoutesMessages(t *testing.T) {
	up := &recordingUploader{}
	tl := &timeline{}
	c := New(Config{DeviceID: "d"}, tl, up, nil)
	sub := &fakeSubscriber{}
	require.NoError(t, c.Subscribe(context.Background(), sub))
	require.Contains(t, sub.handlers, protocol.TopicResponseFileURL)
	require.Contains(t, sub.handlers, protocol.TopicUploadError)

	// an unmatched grant must not panic the delivery path
	sub.handlers[protocol.TopicResponseFileURL](protocol.TopicResponseFileURL, []byte(`{"url":"https://example"}`))

	_, err := c.Initiate(writeFile(t, t.TempDir(), "f.txt", "x"))
	require.NoError(t, err)
	sub.handlers[protocol.TopicResponseFileURL](protocol.TopicResponseFileURL, []byte(`{"url":"https://example"}`))
	require.Len(t, up.calls, 1)

	require.Error(t, c.Subscribe(context.Background(), &fakeSubscriber{err: errors.New("denied")}))
}
