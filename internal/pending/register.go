// Package pending tracks local files waiting for an upload grant.
package pending

import (
	"container/list"
	"errors"
	"sync"
)

// ErrNoPendingUpload means a grant arrived that no outstanding request accounts for.
var ErrNoPendingUpload = errors.New("no pending upload")

// Upload is the local half of an in-flight request.
type Upload struct {
	RequestID string
	FilePath  string
}

// Register keeps uploads in request order and indexed by request id. It is
// safe for concurrent use.
type Register struct {
	mu        sync.Mutex
	order     *list.List // of *Upload, oldest at front
	positions map[string]*list.Element
}

func NewRegister() *Register {
	return &Register{
		order:     list.New(),
		positions: make(map[string]*list.Element),
	}
}

// Push appends an upload. A request id already present is replaced in place.
func (r *Register) Push(requestID, filePath string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	u := &Upload{RequestID: requestID, FilePath: filePath}
	if elem, ok := r.positions[requestID]; ok {
		elem.Value = u
		return
	}
	r.positions[requestID] = r.order.PushBack(u)
}

// Pop removes and returns the oldest upload.
func (r *Register) Pop() (Upload, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	elem := r.order.Front()
	if elem == nil {
		return Upload{}, ErrNoPendingUpload
	}
	return r.removeLocked(elem), nil
}

// Take removes and returns the upload for requestID.
func (r *Register) Take(requestID string) (Upload, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	elem, ok := r.positions[requestID]
	if !ok {
		return Upload{}, ErrNoPendingUpload
	}
	return r.removeLocked(elem), nil
}

// Len returns the number of unresolved requests.
func (r *Register) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.order.Len()
}

func (r *Register) removeLocked(elem *list.Element) Upload {
	u := r.order.Remove(elem).(*Upload)
	delete(r.positions, u.RequestID)
	return *u
}
