package ponyproxy

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestContentTypes(t *testing.T) {
	tests := []struct {
		contentType string
		html, text  bool
	}{
		{"text/html; charset=ISO-8859-1", true, true},
		{"TEXT/HTML", true, true},
		{"application/xhtml+xml", true, true},
		{"text/css", false, true},
		{"application/javascript", false, true},
		{"application/ld+json", false, true},
		{"image/png", false, false},
		{"application/octet-stream", false, false},
		{"", false, false},
		{"text/html;;broken", true, true},
	}
	for _, tc := range tests {
		assert.Equal(t, tc.html, IsHTML(tc.contentType), tc.contentType)
		assert.Equal(t, tc.text, IsText(tc.contentType), tc.contentType)
	}
}

func TestNewResponse(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "http://www.example.com/", nil)
	resp := NewResponse(req, http.StatusTeapot, "text/plain", []byte("pony"))
	assert.Equal(t, "418 I'm a teapot", resp.Status)
	assert.Equal(t, "4", resp.Header.Get("Content-Length"))
	assert.Equal(t, int64(4), resp.ContentLength)
	assert.Same(t, req, resp.Request)
}

func TestMetricsHandler(t *testing.T) {
	rec := httptest.NewRecorder()
	MetricsHandler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "ponyproxy_rewrite_duration_seconds_count")
}
