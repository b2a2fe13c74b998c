// Package cookies rewrites cookies so that the browser attributes them to
// the local proxy, and keeps enough bookkeeping to only forward each
// cookie to the sites that set it.
package cookies

import (
	"net/http"
	"net/http/cookiejar"
	"net/url"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/net/publicsuffix"

	"github.com/edgegrid/ponyproxy/storage"
)

const (
	// CacheFileName holds the persistent cookie table.
	CacheFileName = "cookie-cache"

	cookiesField    = "cookies"
	setCookieHeader = "Set-Cookie"
	domainAttribute = "domain="
)

// Manager owns the known-cookie table (what each target URI has set) and
// the persistent table (name -> scheme+authority+path -> record).
type Manager struct {
	proxyHost string
	folder    storage.Folder
	logger    *zap.Logger
	now       func() time.Time

	knownMu sync.RWMutex
	known   *cookiejar.Jar

	persistentMu sync.RWMutex
	persistent   map[string]map[string]Record

	flush chan struct{}
	done  chan struct{}
	wg    sync.WaitGroup
	once  sync.Once
}

// New restores the persisted table from folder and starts the background
// flusher. proxyHost is the host cookies are rewritten to.
func New(proxyHost string, folder storage.Folder, logger *zap.Logger) *Manager {
	if logger == nil {
		logger = zap.NewNop()
	}
	m := &Manager{
		proxyHost:  proxyHost,
		folder:     folder,
		logger:     logger,
		now:        time.Now,
		known:      newJar(),
		persistent: map[string]map[string]Record{},
		flush:      make(chan struct{}, 1),
		done:       make(chan struct{}),
	}
	m.restore()

	m.wg.Add(1)
	go m.flushLoop()
	return m
}

func newJar() *cookiejar.Jar {
	jar, _ := cookiejar.New(&cookiejar.Options{PublicSuffixList: publicsuffix.List})
	return jar
}

// ProcessResponseCookies rewrites the Set-Cookie headers of resp and
// returns them as "Set-Cookie: ...\r\n" lines.
func (m *Manager) ProcessResponseCookies(requestID string, resp *http.Response) string {
	var b strings.Builder
	for _, v := range m.RewriteResponseCookies(requestID, resp) {
		b.WriteString(setCookieHeader)
		b.WriteString(": ")
		b.WriteString(v)
		b.WriteString("\r\n")
	}
	return b.String()
}

// RewriteResponseCookies removes the Set-Cookie headers from resp, records
// them and returns the values to hand to the browser instead.
func (m *Manager) RewriteResponseCookies(requestID string, resp *http.Response) []string {
	if resp == nil || resp.Request == nil || resp.Request.URL == nil {
		return nil
	}
	headers := resp.Header.Values(setCookieHeader)
	if len(headers) == 0 {
		return nil
	}
	requestURI := resp.Request.URL
	resp.Header.Del(setCookieHeader)

	m.logger.Debug("processing response cookies",
		zap.String("request_id", requestID),
		zap.String("uri", requestURI.String()),
		zap.Strings("set_cookie", headers))

	now := m.now()
	host := strings.ToLower(requestURI.Hostname())
	rewritten := make([]string, 0, len(headers))

	for _, header := range headers {
		c, err := http.ParseSetCookie(withDomainDot(header))
		if err == nil && !domainAllowed(host, c.Domain) {
			err = errForeignDomain
		}
		if err != nil {
			cookiesRejected.Inc()
			m.logger.Warn("skipping malformed cookie",
				zap.String("request_id", requestID),
				zap.String("header", header),
				zap.Error(err))
			continue
		}

		expires, persistent := expiry(c, now)
		if persistent {
			m.trackPersistent(requestURI, host, c, expires, now)
		}

		m.knownMu.Lock()
		m.known.SetCookies(requestURI, []*http.Cookie{c})
		m.knownMu.Unlock()

		rewritten = append(rewritten, m.rewrite(c, expires))
		cookiesRewritten.Inc()
	}

	select {
	case m.flush <- struct{}{}:
	default:
	}
	return rewritten
}

// FilterCookiesForCurrentRequest keeps the name=value pairs of header
// that belong to requestURI.
func (m *Manager) FilterCookiesForCurrentRequest(requestURI *url.URL, header string) string {
	m.knownMu.RLock()
	known := m.known.Cookies(requestURI)
	m.knownMu.RUnlock()

	names := make(map[string]bool, len(known))
	for _, c := range known {
		names[c.Name] = true
	}

	host := strings.ToLower(requestURI.Hostname())
	var kept []string
	for _, crumb := range strings.Split(header, ";") {
		crumb = strings.TrimSpace(crumb)
		if crumb == "" {
			continue
		}
		name, _, _ := strings.Cut(crumb, "=")
		name = strings.TrimSpace(name)
		if name != "" && !names[name] && !m.persistentMatch(name, host) {
			continue
		}
		kept = append(kept, crumb)
	}
	return strings.Join(kept, "; ")
}

// Close flushes pending changes and stops the background flusher.
func (m *Manager) Close() {
	m.once.Do(func() {
		close(m.done)
		m.wg.Wait()
	})
}

func (m *Manager) rewrite(c *http.Cookie, expires time.Time) string {
	var b strings.Builder
	b.WriteString(c.Name)
	b.WriteByte('=')
	if c.Quoted {
		b.WriteString(`"` + c.Value + `"`)
	} else {
		b.WriteString(c.Value)
	}
	if c.Domain != "" {
		b.WriteString("; Domain=")
		b.WriteString(m.proxyHost)
	}
	if c.Path != "" {
		b.WriteString("; Path=")
		b.WriteString(c.Path)
	}
	if !expires.IsZero() {
		b.WriteString("; Expires=")
		b.WriteString(expires.UTC().Format(http.TimeFormat))
	}
	if c.HttpOnly {
		b.WriteString("; HttpOnly")
	}
	switch c.SameSite {
	case http.SameSiteLaxMode:
		b.WriteString("; SameSite=Lax")
	case http.SameSiteStrictMode:
		b.WriteString("; SameSite=Strict")
	}
	return b.String()
}

// withDomainDot prefixes the domain attribute value with a dot, the form
// browsers use for domain cookies.
func withDomainDot(header string) string {
	i := strings.Index(strings.ToLower(header), domainAttribute)
	if i <= 0 {
		return header
	}
	i += len(domainAttribute)
	if i >= len(header) || header[i] == '.' || header[i] == ';' {
		return header
	}
	return header[:i] + "." + header[i:]
}

// expiry returns when c expires and whether it outlives the session.
func expiry(c *http.Cookie, now time.Time) (time.Time, bool) {
	switch {
	case c.MaxAge > 0:
		return now.Add(time.Duration(c.MaxAge) * time.Second), true
	case c.MaxAge < 0:
		return time.Unix(0, 0), true
	case !c.Expires.IsZero():
		return c.Expires, true
	}
	return time.Time{}, false
}

func domainAllowed(host, domain string) bool {
	d := strings.ToLower(strings.TrimPrefix(domain, "."))
	if d == "" || d == host {
		return true
	}
	if !strings.HasSuffix(host, "."+d) {
		return false
	}
	if suffix, _ := publicsuffix.PublicSuffix(d); suffix == d {
		return false
	}
	return true
}
