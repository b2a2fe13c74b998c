package cache

import (
	"sync"
	"time"
)

// Entry is one cached resource. Content only lives in memory between a
// successful fetch and the moment the writer stores it.
type Entry struct {
	Key         string `json:"key"`
	Path        string `json:"path,omitempty"`
	Headers     string `json:"headers,omitempty"`
	ContentType string `json:"contentType,omitempty"`

	Content   []byte `json:"-"`
	RequestID string `json:"-"`

	mu    sync.Mutex
	ready bool
	done  chan struct{}
}

// NewEntry returns an entry for key whose readiness signal is unset.
func NewEntry(key, requestID string) *Entry {
	return &Entry{Key: key, RequestID: requestID, done: make(chan struct{})}
}

func (e *Entry) init() {
	if e.done == nil {
		e.done = make(chan struct{})
		if e.ready {
			close(e.done)
		}
	}
}

// MarkReady sets the readiness signal and wakes every waiter.
func (e *Entry) MarkReady() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.init()
	if !e.ready {
		e.ready = true
		close(e.done)
	}
}

// Reset clears the readiness signal ahead of a refetch.
func (e *Entry) Reset() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.init()
	if e.ready {
		e.ready = false
		e.done = make(chan struct{})
	}
}

// Ready reports whether the readiness signal is set.
func (e *Entry) Ready() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.ready
}

// WaitReady blocks until the entry is ready or timeout elapses.
func (e *Entry) WaitReady(timeout time.Duration) bool {
	e.mu.Lock()
	e.init()
	if e.ready {
		e.mu.Unlock()
		return true
	}
	done := e.done
	e.mu.Unlock()

	t := time.NewTimer(timeout)
	defer t.Stop()
	select {
	case <-done:
		return true
	case <-t.C:
		return false
	}
}

// Attach resets readiness and stores a freshly fetched body.
func (e *Entry) Attach(requestID, contentType, headers string, content []byte) {
	e.Reset()
	e.mu.Lock()
	defer e.mu.Unlock()
	e.RequestID = requestID
	e.ContentType = contentType
	e.Headers = headers
	e.Content = content
}

// takeContent hands the pending body to the writer, assigning a path when
// the entry has none yet. stored reports whether the entry already had a
// blob before this call.
func (e *Entry) takeContent(newPath func() string) (path string, content []byte, requestID string, stored bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	stored = e.Path != ""
	if len(e.Content) == 0 {
		return e.Path, nil, e.RequestID, stored
	}
	if !stored {
		e.Path = newPath()
	}
	content, e.Content = e.Content, nil
	return e.Path, content, e.RequestID, stored
}

// Snapshot returns the persisted fields under the entry lock.
func (e *Entry) Snapshot() (path, contentType, headers string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.Path, e.ContentType, e.Headers
}
