package ponyproxy

import (
	"context"
	"net/http"
	"net/url"
	"sync"
)

// SendingRequestArgs describes the outbound request before it is resolved.
// Handlers may change any field.
type SendingRequestArgs struct {
	Method string
	URL    *url.URL
	Header http.Header
	Body   []byte

	ctx context.Context
}

// Context is the context of the browser request.
func (a *SendingRequestArgs) Context() context.Context {
	if a.ctx == nil {
		return context.Background()
	}
	return a.ctx
}

// WithContext returns a shallow copy of a carrying ctx.
func (a *SendingRequestArgs) WithContext(ctx context.Context) *SendingRequestArgs {
	c := *a
	c.ctx = ctx
	return &c
}

// TextResponseArgs describes a text response before it is rewritten.
// Handlers may replace Content.
type TextResponseArgs struct {
	URI         *url.URL
	ContentType string
	Content     string
}

// NavigatingArgs describes a navigation of the browser surface. A handler
// redirects the navigation by setting TargetURI.
type NavigatingArgs struct {
	// URI is the URI the browser is about to load.
	URI *url.URL
	// RealURI is URI with the local proxy mapping undone.
	RealURI   *url.URL
	TargetURI *url.URL
}

// Registration identifies a registered handler.
type Registration struct {
	remove func() bool
}

// Remove unregisters the handler. It reports whether it was still
// registered.
func (r *Registration) Remove() bool {
	if r == nil || r.remove == nil {
		return false
	}
	return r.remove()
}

type handlerList[T any] struct {
	mu   sync.RWMutex
	list []registered[T]
}

type registered[T any] struct {
	reg *Registration
	fn  func(T)
}

func (h *handlerList[T]) add(fn func(T)) *Registration {
	reg := &Registration{}
	reg.remove = func() bool { return h.remove(reg) }

	h.mu.Lock()
	h.list = append(h.list, registered[T]{reg: reg, fn: fn})
	h.mu.Unlock()
	return reg
}

func (h *handlerList[T]) remove(reg *Registration) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	for i, r := range h.list {
		if r.reg == reg {
			h.list = append(h.list[:i:i], h.list[i+1:]...)
			return true
		}
	}
	return false
}

func (h *handlerList[T]) snapshot() []func(T) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	fns := make([]func(T), len(h.list))
	for i, r := range h.list {
		fns[i] = r.fn
	}
	return fns
}

func (h *handlerList[T]) len() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.list)
}

// fire calls every handler in registration order.
func (h *handlerList[T]) fire(arg T) {
	for _, fn := range h.snapshot() {
		fn(arg)
	}
}

// HandleSendingRequest registers fn to run before every outbound request.
func (s *Session) HandleSendingRequest(fn func(*SendingRequestArgs)) *Registration {
	return s.sending.add(fn)
}

// HandleTextResponse registers fn to run on every text response.
func (s *Session) HandleTextResponse(fn func(*TextResponseArgs)) *Registration {
	return s.textResponse.add(fn)
}

// HandleOfflinePageUnavailable registers fn to run, once per request, when
// no response could be obtained.
func (s *Session) HandleOfflinePageUnavailable(fn func(*url.URL)) *Registration {
	return s.unavailable.add(fn)
}

// HandleNavigating registers fn to be consulted by OnNavigating.
func (s *Session) HandleNavigating(fn func(*NavigatingArgs)) *Registration {
	return s.navigating.add(fn)
}

// OnNavigating asks the navigating handlers, in registration order,
// whether the navigation to uri must be replaced. The first handler that
// sets a target wins.
func (s *Session) OnNavigating(uri string) (cancel bool, redirect *url.URL) {
	if s == nil {
		return false, nil
	}
	u, err := url.Parse(uri)
	if err != nil {
		return false, nil
	}
	realURI, err := s.ResolveToRealURI(uri)
	if err != nil {
		realURI = u
	}

	args := &NavigatingArgs{URI: u, RealURI: realURI}
	for _, fn := range s.navigating.snapshot() {
		fn(args)
		if args.TargetURI != nil {
			return true, args.TargetURI
		}
	}
	return false, nil
}
