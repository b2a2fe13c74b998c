package ponyproxy

import (
	"mime"
	"strings"
)

func mediaType(contentType string) string {
	mt, _, err := mime.ParseMediaType(contentType)
	if err != nil {
		mt, _, _ = strings.Cut(contentType, ";")
	}
	return strings.ToLower(strings.TrimSpace(mt))
}

// IsHTML reports whether contentType is an html document.
func IsHTML(contentType string) bool {
	switch mediaType(contentType) {
	case "text/html", "application/xhtml+xml":
		return true
	}
	return false
}

// IsText reports whether contentType is one of the web related text types
// handed to the text response handlers.
func IsText(contentType string) bool {
	mt := mediaType(contentType)
	if strings.HasPrefix(mt, "text/") {
		return true
	}
	switch mt {
	case "application/javascript", "application/x-javascript", "application/json",
		"application/xml", "application/xhtml+xml", "application/rss+xml", "application/atom+xml":
		return true
	}
	return strings.HasSuffix(mt, "+json") || strings.HasSuffix(mt, "+xml")
}
