package cache

import (
	"net/url"
	"strings"
)

// cacheBuster is the query parameter jQuery-style clients append to defeat caches.
const cacheBuster = "_"

// NormalizeKey returns the cache key for u: the cache-busting parameter is
// dropped, valueless parameters keep their exact form, the fragment is
// discarded, the default port is dropped and trailing slashes are trimmed.
// NormalizeKey is idempotent.
func NormalizeKey(u *url.URL) string {
	k := *u
	k.Host = withoutDefaultPort(strings.ToLower(u.Scheme), strings.ToLower(u.Host))
	k.RawQuery = filterQuery(u.RawQuery)
	k.ForceQuery = false
	k.Fragment = ""
	k.RawFragment = ""
	return strings.TrimRight(k.String(), "/")
}

func withoutDefaultPort(scheme, host string) string {
	switch {
	case scheme == "http" && strings.HasSuffix(host, ":80"):
		return strings.TrimSuffix(host, ":80")
	case scheme == "https" && strings.HasSuffix(host, ":443"):
		return strings.TrimSuffix(host, ":443")
	}
	return host
}

// NormalizeKeyString parses raw and normalizes it.
func NormalizeKeyString(raw string) (string, error) {
	u, err := url.Parse(raw)
	if err != nil {
		return "", err
	}
	return NormalizeKey(u), nil
}

func filterQuery(raw string) string {
	if raw == "" {
		return ""
	}

	var kept []string
	for _, param := range strings.Split(raw, "&") {
		if param == "" {
			continue
		}
		name, value, hasValue := strings.Cut(param, "=")
		if unescaped, err := url.QueryUnescape(name); err == nil {
			if unescaped == cacheBuster {
				continue
			}
		} else if name == cacheBuster {
			continue
		}
		if hasValue {
			kept = append(kept, name+"="+value)
		} else {
			kept = append(kept, name)
		}
	}
	return strings.Join(kept, "&")
}
