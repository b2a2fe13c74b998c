package ponyproxy

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/edgegrid/ponyproxy/internal/cookies"
	"github.com/edgegrid/ponyproxy/internal/rewrite"
	"github.com/edgegrid/ponyproxy/resolver"
)

// Session is one running proxy. It implements http.Handler.
type Session struct {
	cfg    Config
	opts   Options
	base   *url.URL
	logger *zap.Logger

	listener net.Listener
	server   *http.Server
	addr     string
	port     string
	local    *url.URL

	cookies  *cookies.Manager
	offline  *resolver.Offline
	resolver resolver.Resolver
	words    *rewrite.Wordlist

	sending      handlerList[*SendingRequestArgs]
	textResponse handlerList[*TextResponseArgs]
	unavailable  handlerList[*url.URL]
	navigating   handlerList[*NavigatingArgs]

	scriptsMu sync.RWMutex
	scripts   []rewrite.Script

	sess     atomic.Int64
	served   chan struct{}
	stopOnce sync.Once
	stopErr  error
}

type alwaysOnline struct{}

func (alwaysOnline) Online() bool { return true }

// Start binds the local listener and serves the proxy until Stop. baseURI
// is the first page the host intends to browse.
func Start(baseURI *url.URL, cfg Config, opts Options) (*Session, error) {
	cfg = cfg.clone()
	opts = opts.withDefaults()
	logger := sessionLogger(opts.Logger, cfg.TraceLevel)

	listenAddr, err := listenAddress(cfg.ProxyURI)
	if err != nil {
		return nil, err
	}
	ln, err := net.Listen("tcp", listenAddr)
	if err != nil {
		return nil, fmt.Errorf("ponyproxy: listen on %s: %w", listenAddr, err)
	}

	s := &Session{
		cfg:      cfg,
		opts:     opts,
		logger:   logger,
		listener: ln,
		addr:     strings.ToLower(ln.Addr().String()),
		served:   make(chan struct{}),
	}
	if baseURI != nil {
		b := *baseURI
		s.base = &b
	}
	host, port, _ := net.SplitHostPort(s.addr)
	s.port = port
	s.local = &url.URL{Scheme: "http", Host: s.addr, Path: "/"}

	inner := opts.Resolver
	if inner == nil {
		inner = &resolver.PassThrough{Transport: opts.Transport, Logger: logger}
	}
	var conn resolver.Connectivity = alwaysOnline{}
	if opts.Monitor != nil {
		conn = opts.Monitor
	}
	s.offline, err = resolver.NewOffline(inner, conn, opts.Folder, resolver.OfflineConfig{
		Wait:          opts.OfflineWait,
		QueueCapacity: opts.QueueCapacity,
		Logger:        logger,
	})
	if err != nil {
		ln.Close()
		return nil, err
	}
	s.resolver = s.offline
	s.cookies = cookies.New(host, opts.Folder, logger)

	if len(opts.OffendingWords) > 0 {
		s.words = rewrite.NewWordlist(opts.OffendingWords...)
	} else {
		s.words = rewrite.DefaultWords()
	}

	s.server = &http.Server{
		Handler:           s,
		ReadHeaderTimeout: 30 * time.Second,
		ErrorLog:          zap.NewStdLog(logger),
	}
	go func() {
		defer close(s.served)
		if err := s.server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("proxy listener stopped", zap.Error(err))
		}
	}()

	logger.Info("proxy session started",
		zap.String("addr", s.addr),
		zap.Stringer("mode", cfg.Mode),
		zap.Stringer("base", s.base))
	return s, nil
}

// listenAddress maps Config.ProxyURI to a tcp address.
func listenAddress(proxyURI string) (string, error) {
	proxyURI = strings.TrimSpace(proxyURI)
	if proxyURI == "" || strings.EqualFold(proxyURI, AutoProxyURI) {
		return "127.0.0.1:0", nil
	}
	if u, err := url.Parse(proxyURI); err == nil && u.Host != "" {
		if u.Port() == "" {
			return net.JoinHostPort(u.Hostname(), "0"), nil
		}
		return u.Host, nil
	}
	if _, _, err := net.SplitHostPort(proxyURI); err == nil {
		return proxyURI, nil
	}
	return "", fmt.Errorf("ponyproxy: invalid proxy uri %q", proxyURI)
}

// Stop shuts the listener down, stores the pending cache entries and
// flushes the cookie table. Calling it more than once, or on a nil
// session, is harmless.
func (s *Session) Stop(ctx context.Context) error {
	if s == nil {
		return nil
	}
	s.stopOnce.Do(func() {
		if _, ok := ctx.Deadline(); !ok {
			var cancel context.CancelFunc
			ctx, cancel = context.WithTimeout(ctx, s.opts.ShutdownTimeout)
			defer cancel()
		}
		if err := s.server.Shutdown(ctx); err != nil {
			s.stopErr = fmt.Errorf("ponyproxy: shutdown: %w", err)
			s.server.Close()
		}
		<-s.served

		s.offline.Close()
		s.cookies.Close()
		s.logger.Info("proxy session stopped", zap.String("addr", s.addr))
		_ = s.logger.Sync()
	})
	return s.stopErr
}

// StopSession stops s. A nil session is a no-op.
func StopSession(ctx context.Context, s *Session) error {
	return s.Stop(ctx)
}

// Addr is the host:port the session listens on.
func (s *Session) Addr() string {
	return s.addr
}

// BaseURL is the root URL of the local listener.
func (s *Session) BaseURL() *url.URL {
	u := *s.local
	return &u
}

// StartURI is the local URI of the base URI given to Start.
func (s *Session) StartURI() string {
	if s.base == nil {
		return s.BaseURL().String()
	}
	return s.MapToLocalURI(nil, s.base.String())
}

// Config returns the configuration of the session.
func (s *Session) Config() Config {
	return s.cfg.clone()
}

// Handler exposes the request handling of the session without its
// listener.
func (s *Session) Handler() http.Handler {
	return s
}

// AddPreloadScript injects script at the top of every page, after the
// scripts of lower priority.
func (s *Session) AddPreloadScript(script string) {
	s.AddPreloadScriptWithPriority(script, 0)
}

func (s *Session) AddPreloadScriptWithPriority(script string, priority int) {
	s.scriptsMu.Lock()
	s.scripts = append(s.scripts, rewrite.Script{Source: script, Priority: priority})
	s.scriptsMu.Unlock()
}

func (s *Session) preloadPayload() string {
	s.scriptsMu.RLock()
	defer s.scriptsMu.RUnlock()
	return rewrite.ScriptPayload(s.scripts)
}
