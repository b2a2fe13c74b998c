// Package resolver turns outbound proxy requests into responses. Resolvers
// compose: Offline decorates another resolver with the offline cache.
package resolver

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.uber.org/zap"
)

var resolutions = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "ponyproxy_resolutions_total",
	Help: "Resolved requests by where the response came from",
}, []string{"source"})

const (
	sourceNetwork = "network"
	sourceCache   = "cache"
	sourceNone    = "none"
)

// Resolver produces the response for req. A nil response means none could
// be obtained; failures are logged by the resolver, never returned.
type Resolver interface {
	ResolveRequest(req *http.Request, requestID string) *http.Response
}

// Func is an adapter to allow the use of ordinary functions as resolvers.
type Func func(req *http.Request, requestID string) *http.Response

func (f Func) ResolveRequest(req *http.Request, requestID string) *http.Response {
	return f(req, requestID)
}

// PassThrough sends the request upstream as is. Redirects are returned to
// the caller, not followed.
type PassThrough struct {
	Transport http.RoundTripper
	Logger    *zap.Logger
}

func (p *PassThrough) ResolveRequest(req *http.Request, requestID string) *http.Response {
	tr := p.Transport
	if tr == nil {
		tr = http.DefaultTransport
	}
	resp, err := tr.RoundTrip(req)
	if err != nil {
		if p.Logger != nil {
			p.Logger.Warn("upstream request failed",
				zap.String("request_id", requestID),
				zap.String("url", req.URL.String()),
				zap.Error(err))
		}
		return nil
	}
	return resp
}
