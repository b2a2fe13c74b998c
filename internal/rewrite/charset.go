package rewrite

import (
	"mime"
	"strings"

	"github.com/saintfish/chardet"
	"golang.org/x/net/html/charset"
)

// ToUTF8 decodes body to UTF-8. The charset comes from the Content-Type
// parameter, then from BOM or meta tags, then from statistical detection.
// It returns the decoded text and the name of the charset used.
func ToUTF8(body []byte, contentType string) (string, string) {
	if name := charsetParam(contentType); name != "" {
		if s, ok := decode(body, name); ok {
			return s, name
		}
	}

	enc, name, certain := charset.DetermineEncoding(body, contentType)
	if !certain && name != "utf-8" {
		if result, err := chardet.NewTextDetector().DetectBest(body); err == nil && result.Confidence >= 50 {
			if s, ok := decode(body, result.Charset); ok {
				return s, strings.ToLower(result.Charset)
			}
		}
	}
	out, err := enc.NewDecoder().Bytes(body)
	if err != nil {
		return string(body), "utf-8"
	}
	return string(out), name
}

func charsetParam(contentType string) string {
	if contentType == "" {
		return ""
	}
	_, params, err := mime.ParseMediaType(contentType)
	if err != nil {
		return ""
	}
	return strings.ToLower(strings.TrimSpace(params["charset"]))
}

func decode(body []byte, name string) (string, bool) {
	name = strings.ToLower(name)
	if name == "utf-8" || name == "utf8" {
		return string(body), true
	}
	enc, _ := charset.Lookup(name)
	if enc == nil {
		return "", false
	}
	out, err := enc.NewDecoder().Bytes(body)
	if err != nil {
		return "", false
	}
	return string(out), true
}

// WithUTF8 returns contentType with its charset parameter set to utf-8.
func WithUTF8(contentType string) string {
	mediaType, params, err := mime.ParseMediaType(contentType)
	if err != nil {
		return "text/html; charset=utf-8"
	}
	params["charset"] = "utf-8"
	return mime.FormatMediaType(mediaType, params)
}
