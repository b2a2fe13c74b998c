package ponyproxy

import (
	"html"
	"net/http"
	"net/url"
	"strings"
)

// BlockedPageURI is where the whitelist guard sends forbidden navigations.
const BlockedPageURI = "http://www.catuhe.com/msdn/notAllowedSite/"

var defaultUnavailablePage = []byte(`<!DOCTYPE html>
<html><head><meta charset="utf-8"><title>Page unavailable</title></head>
<body><h1>This page is not available offline</h1>
<p>%U could not be loaded and no copy was saved on this device.</p></body></html>
`)

// unavailableResponse renders the page served when neither the network nor
// the offline cache produced a response. %U in the page is replaced with
// the requested URI.
func (s *Session) unavailableResponse(req *http.Request, target *url.URL) *http.Response {
	body := strings.ReplaceAll(string(s.opts.UnavailablePage), "%U", html.EscapeString(target.String()))
	resp := NewResponse(req, http.StatusServiceUnavailable, "text/html; charset=utf-8", []byte(body))
	resp.Header.Set("Cache-Control", "no-store")
	return resp
}
