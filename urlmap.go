package ponyproxy

import (
	"errors"
	"fmt"
	"net/url"
	"strings"
)

// ErrNotLocalURI is returned for URIs that do not embed a real target.
var ErrNotLocalURI = errors.New("ponyproxy: not a local proxy uri")

// Local URIs embed the real target in their path:
//
//	http://127.0.0.1:port/<scheme>/<authority><path>?<query>

// MapToLocalURI resolves ref against base and returns the local URI the
// browser should load instead. URIs that are not http(s), or already
// local, are returned as they are. A nil session returns the resolved URI.
func (s *Session) MapToLocalURI(base *url.URL, ref string) string {
	u, err := url.Parse(strings.TrimSpace(ref))
	if err != nil {
		return ref
	}
	if base != nil {
		u = base.ResolveReference(u)
	}
	if s == nil {
		return u.String()
	}
	if !isWeb(u) || u.Host == "" {
		return ref
	}
	if s.isLocal(u) {
		return u.String()
	}

	raw := s.local.Scheme + "://" + s.addr + "/" + strings.ToLower(u.Scheme) + "/" + u.Host + u.EscapedPath()
	if u.RawQuery != "" || u.ForceQuery {
		raw += "?" + u.RawQuery
	}
	if u.Fragment != "" {
		raw += "#" + u.EscapedFragment()
	}
	return raw
}

// ResolveToRealURI undoes MapToLocalURI. Input that is not local is
// parsed and returned as is.
func (s *Session) ResolveToRealURI(local string) (*url.URL, error) {
	u, err := url.Parse(local)
	if err != nil {
		return nil, fmt.Errorf("ponyproxy: parse %q: %w", local, err)
	}
	if s == nil || !s.isLocal(u) {
		return u, nil
	}
	return realFromLocal(u)
}

// BuildLocalProxyURI is MapToLocalURI on a possibly nil session.
func BuildLocalProxyURI(s *Session, base *url.URL, ref string) string {
	return s.MapToLocalURI(base, ref)
}

// ResolveTargetURI is ResolveToRealURI on a possibly nil session.
func ResolveTargetURI(s *Session, local string) (*url.URL, error) {
	return s.ResolveToRealURI(local)
}

func realFromLocal(u *url.URL) (*url.URL, error) {
	rest := strings.TrimPrefix(u.EscapedPath(), "/")
	scheme, rest, ok := strings.Cut(rest, "/")
	scheme = strings.ToLower(scheme)
	if !ok || (scheme != "http" && scheme != "https") {
		return nil, ErrNotLocalURI
	}
	host, path, _ := strings.Cut(rest, "/")
	if host == "" {
		return nil, ErrNotLocalURI
	}
	if path != "" || strings.HasSuffix(rest, "/") {
		path = "/" + path
	}

	raw := scheme + "://" + host + path
	if u.RawQuery != "" || u.ForceQuery {
		raw += "?" + u.RawQuery
	}
	target, err := url.Parse(raw)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrNotLocalURI, err)
	}
	target.Fragment = u.Fragment
	target.RawFragment = u.RawFragment
	return target, nil
}

func isWeb(u *url.URL) bool {
	switch strings.ToLower(u.Scheme) {
	case "http", "https":
		return true
	}
	return false
}

func (s *Session) isLocal(u *url.URL) bool {
	if !isWeb(u) {
		return false
	}
	host := strings.ToLower(u.Host)
	return host == s.addr || host == "localhost:"+s.port
}
