package ponyproxy

import (
	"net"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/edgegrid/ponyproxy/connectivity"
	"github.com/edgegrid/ponyproxy/resolver"
	"github.com/edgegrid/ponyproxy/storage"
)

// Options are the collaborators and tuning knobs of a session.
//
// DefaultOptions contains options that should work for most hosts.
// Consider using that as a starting point before customizing it.
type Options struct {
	// Logger receives the proxy logs, filtered by Config.TraceLevel.
	// A nil Logger builds the default one.
	Logger *zap.Logger
	// Transport performs the real fetches.
	Transport http.RoundTripper
	// Folder is the durable storage for the cookie cache and the offline
	// cache. A nil Folder keeps everything in memory.
	Folder storage.Folder
	// Monitor reports connectivity. A nil Monitor is always online.
	Monitor *connectivity.Monitor
	// Resolver replaces the pass-through resolver wrapped by the offline
	// cache.
	Resolver resolver.Resolver
	// QueueCapacity bounds the responses waiting to be stored.
	QueueCapacity int
	// OfflineWait bounds how long an offline request waits for a pending
	// cache entry.
	OfflineWait time.Duration
	// OffendingWords replaces the built-in slang list.
	OffendingWords []string
	// KeepAcceptEncoding, if true, prevents the proxy from dropping
	// Accept-Encoding headers from the browser.
	//
	// Note that the outbound http.Transport may still choose to add
	// Accept-Encoding: gzip if the browser did not send one. To disable
	// this behavior, set Transport.DisableCompression to true.
	KeepAcceptEncoding bool
	// NonProxyHandler answers requests that do not map to a real URI.
	NonProxyHandler http.Handler
	// UnavailablePage is served when no response could be obtained.
	UnavailablePage []byte
	// ShutdownTimeout bounds Stop when its context has no deadline.
	ShutdownTimeout time.Duration
}

// DefaultOptions returns the recommended initial options.
func DefaultOptions() Options {
	return Options{
		Transport: &http.Transport{
			Proxy: http.ProxyFromEnvironment,
			DialContext: (&net.Dialer{
				Timeout:   10 * time.Second,
				KeepAlive: 30 * time.Second,
			}).DialContext,
			MaxIdleConns:          100,
			IdleConnTimeout:       10 * time.Second,
			ExpectContinueTimeout: 1 * time.Second,
			TLSHandshakeTimeout:   10 * time.Second,
			DisableCompression:    true,
		},
		QueueCapacity: 100,
		OfflineWait:   resolver.DefaultWait,
		NonProxyHandler: http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
			http.Error(w, "This is a proxy server. Does not respond to non-proxy requests.", http.StatusNotFound)
		}),
		ShutdownTimeout: 5 * time.Second,
	}
}

func (o Options) withDefaults() Options {
	def := DefaultOptions()
	if o.Transport == nil {
		o.Transport = def.Transport
	}
	if o.Folder == nil {
		o.Folder = storage.NewMemory()
	}
	if o.QueueCapacity <= 0 {
		o.QueueCapacity = def.QueueCapacity
	}
	if o.OfflineWait <= 0 {
		o.OfflineWait = def.OfflineWait
	}
	if o.NonProxyHandler == nil {
		o.NonProxyHandler = def.NonProxyHandler
	}
	if len(o.UnavailablePage) == 0 {
		o.UnavailablePage = defaultUnavailablePage
	}
	if o.ShutdownTimeout <= 0 {
		o.ShutdownTimeout = def.ShutdownTimeout
	}
	return o
}
