package cache

import (
	"bufio"
	"bytes"
	"fmt"
	"io"
	"net/http"
	"net/textproto"
	"strconv"

	"github.com/gabriel-vasile/mimetype"

	"github.com/edgegrid/ponyproxy/storage"
)

// HitHeader marks responses served from the offline cache.
const HitHeader = "X-Pony-Cache"

// Headers that must not be replayed from a stored response.
var volatileHeaders = []string{
	"Connection",
	"Content-Length",
	"Content-Type",
	"Keep-Alive",
	"Set-Cookie",
	"Trailer",
	"Transfer-Encoding",
	"Upgrade",
}

// Store reads and writes content blobs.
type Store struct {
	folder storage.Folder
}

func NewStore(folder storage.Folder) *Store {
	return &Store{folder: folder}
}

func (s *Store) WriteBlob(path string, content []byte) error {
	if err := s.folder.WriteFile(path, content); err != nil {
		return fmt.Errorf("cache: write blob %s: %w", path, err)
	}
	return nil
}

func (s *Store) ReadBlob(path string) ([]byte, error) {
	b, err := s.folder.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("cache: read blob %s: %w", path, err)
	}
	return b, nil
}

// Response rebuilds a 200 response for req from the blob behind e.
func (s *Store) Response(req *http.Request, e *Entry) (*http.Response, error) {
	path, contentType, headers := e.Snapshot()
	body, err := s.ReadBlob(path)
	if err != nil {
		return nil, err
	}

	h := ParseHeaders(headers)
	for _, name := range volatileHeaders {
		h.Del(name)
	}
	if contentType == "" {
		contentType = mimetype.Detect(body).String()
	}
	h.Set("Content-Type", contentType)
	h.Set("Content-Length", strconv.Itoa(len(body)))
	h.Set(HitHeader, "HIT")

	return &http.Response{
		Status:        "200 OK",
		StatusCode:    http.StatusOK,
		Proto:         "HTTP/1.1",
		ProtoMajor:    1,
		ProtoMinor:    1,
		Header:        h,
		Body:          io.NopCloser(bytes.NewReader(body)),
		ContentLength: int64(len(body)),
		Request:       req,
	}, nil
}

// SerializeHeaders renders h in wire form, terminated by an empty line.
func SerializeHeaders(h http.Header) string {
	var b bytes.Buffer
	if err := h.Write(&b); err != nil {
		return ""
	}
	b.WriteString("\r\n")
	return b.String()
}

// ParseHeaders is the inverse of SerializeHeaders. Garbage yields an empty header.
func ParseHeaders(s string) http.Header {
	if s == "" {
		return http.Header{}
	}
	tp := textproto.NewReader(bufio.NewReader(bytes.NewReader([]byte(s))))
	mh, err := tp.ReadMIMEHeader()
	if err != nil && len(mh) == 0 {
		return http.Header{}
	}
	return http.Header(mh)
}
