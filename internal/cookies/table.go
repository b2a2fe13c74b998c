package cookies

import (
	"errors"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.uber.org/zap"

	"github.com/edgegrid/ponyproxy/internal/docstore"
)

var errForeignDomain = errors.New("cookie domain does not match the request host")

var (
	cookiesRewritten = promauto.NewCounter(prometheus.CounterOpts{
		Name: "ponyproxy_cookies_rewritten_total",
		Help: "Set-Cookie headers rewritten to the proxy host",
	})
	cookiesRejected = promauto.NewCounter(prometheus.CounterOpts{
		Name: "ponyproxy_cookies_rejected_total",
		Help: "Set-Cookie headers skipped because they could not be parsed or were foreign",
	})
)

// Record is a persistent cookie as stored in the cookie cache.
type Record struct {
	Name     string    `json:"name"`
	Value    string    `json:"value"`
	Domain   string    `json:"domain,omitempty"`
	Path     string    `json:"path,omitempty"`
	Expires  time.Time `json:"expires"`
	HttpOnly bool      `json:"httpOnly,omitempty"`
	Secure   bool      `json:"secure,omitempty"`
	HostOnly bool      `json:"hostOnly,omitempty"`
	SameSite string    `json:"sameSite,omitempty"`
}

func newRecord(c *http.Cookie, host string, expires time.Time) Record {
	r := Record{
		Name:     c.Name,
		Value:    c.Value,
		Domain:   c.Domain,
		Path:     c.Path,
		Expires:  expires.UTC(),
		HttpOnly: c.HttpOnly,
		Secure:   c.Secure,
	}
	if r.Domain == "" {
		r.Domain = host
		r.HostOnly = true
	}
	switch c.SameSite {
	case http.SameSiteLaxMode:
		r.SameSite = "Lax"
	case http.SameSiteStrictMode:
		r.SameSite = "Strict"
	case http.SameSiteNoneMode:
		r.SameSite = "None"
	}
	return r
}

func (r Record) cookie() *http.Cookie {
	c := &http.Cookie{
		Name:     r.Name,
		Value:    r.Value,
		Path:     r.Path,
		Domain:   r.Domain,
		Expires:  r.Expires,
		HttpOnly: r.HttpOnly,
		Secure:   r.Secure,
	}
	if r.HostOnly {
		c.Domain = ""
	}
	switch r.SameSite {
	case "Lax":
		c.SameSite = http.SameSiteLaxMode
	case "Strict":
		c.SameSite = http.SameSiteStrictMode
	case "None":
		c.SameSite = http.SameSiteNoneMode
	}
	return c
}

// pathKey is scheme://authority/path of u, the persistent table's second level key.
func pathKey(u *url.URL) string {
	p := u.Path
	if p == "" {
		p = "/"
	}
	return u.Scheme + "://" + u.Host + p
}

func (m *Manager) trackPersistent(u *url.URL, host string, c *http.Cookie, expires, now time.Time) {
	key := pathKey(u)

	m.persistentMu.Lock()
	defer m.persistentMu.Unlock()

	set, ok := m.persistent[c.Name]
	if !expires.After(now) {
		if ok {
			delete(set, key)
			if len(set) == 0 {
				delete(m.persistent, c.Name)
			}
		}
		return
	}
	if !ok {
		set = map[string]Record{}
		m.persistent[c.Name] = set
	}
	set[key] = newRecord(c, host, expires)
}

func (m *Manager) persistentMatch(name, host string) bool {
	now := m.now()

	m.persistentMu.RLock()
	defer m.persistentMu.RUnlock()
	for _, r := range m.persistent[name] {
		if r.Domain == "" || r.Expires.Before(now) {
			continue
		}
		d := strings.ToLower(r.Domain)
		if d[0] != '.' {
			d = "." + d
		}
		if strings.HasSuffix(host, d) {
			return true
		}
	}
	return false
}

// Records returns a copy of the persistent table.
func (m *Manager) Records() map[string]map[string]Record {
	m.persistentMu.RLock()
	defer m.persistentMu.RUnlock()
	out := make(map[string]map[string]Record, len(m.persistent))
	for name, set := range m.persistent {
		cp := make(map[string]Record, len(set))
		for k, r := range set {
			cp[k] = r
		}
		out[name] = cp
	}
	return out
}

func (m *Manager) restore() {
	stored := map[string]map[string]Record{}
	if err := docstore.Load(m.folder, CacheFileName, cookiesField, &stored); err != nil {
		m.logger.Warn("cookie cache unreadable, starting empty", zap.Error(err))
		return
	}

	now := m.now()
	restored := 0
	for name, set := range stored {
		for key, r := range set {
			u, err := url.Parse(key)
			if err != nil || r.Expires.Before(now) {
				delete(set, key)
				continue
			}
			if r.Name == "" {
				r.Name = name
				set[key] = r
			}
			m.known.SetCookies(u, []*http.Cookie{r.cookie()})
			restored++
		}
		if len(set) == 0 {
			delete(stored, name)
		}
	}
	m.persistent = stored
	m.logger.Debug("loaded cookies", zap.Int("count", restored))
}

func (m *Manager) flushLoop() {
	defer m.wg.Done()
	for {
		select {
		case <-m.flush:
			m.persist()
		case <-m.done:
			select {
			case <-m.flush:
				m.persist()
			default:
			}
			return
		}
	}
}

func (m *Manager) persist() {
	m.persistentMu.RLock()
	count := len(m.persistent)
	err := docstore.Save(m.folder, CacheFileName, cookiesField, m.persistent)
	m.persistentMu.RUnlock()

	if err != nil {
		m.logger.Error("cannot persist cookies", zap.Error(err))
		return
	}
	m.logger.Debug("persisted cookies", zap.Int("count", count))
}
