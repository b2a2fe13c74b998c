package resolver

import (
	"io"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/edgegrid/ponyproxy/internal/cache"
	"github.com/edgegrid/ponyproxy/storage"
)

type switchable struct {
	offline atomic.Bool
}

func (s *switchable) Online() bool { return !s.offline.Load() }

func upstream(t *testing.T) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/missing":
			http.NotFound(w, r)
		case "/moved":
			http.Redirect(w, r, "/page", http.StatusFound)
		default:
			w.Header().Set("Content-Type", "text/plain; charset=utf-8")
			w.Header().Set("X-Upstream", "yes")
			io.WriteString(w, "hello pony")
		}
	}))
	t.Cleanup(srv.Close)
	return srv
}

func get(t *testing.T, url string) *http.Request {
	t.Helper()
	req, err := http.NewRequest(http.MethodGet, url, nil)
	require.NoError(t, err)
	return req
}

func readBody(t *testing.T, resp *http.Response) string {
	t.Helper()
	defer resp.Body.Close()
	b, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	return string(b)
}

func newOffline(t *testing.T, conn Connectivity, folder storage.Folder) *Offline {
	t.Helper()
	o, err := NewOffline(&PassThrough{}, conn, folder, OfflineConfig{Wait: 200 * time.Millisecond})
	require.NoError(t, err)
	t.Cleanup(o.Close)
	return o
}

func TestPassThrough(t *testing.T) {
	srv := upstream(t)
	p := &PassThrough{}

	resp := p.ResolveRequest(get(t, srv.URL+"/page"), "r1")
	require.NotNil(t, resp)
	assert.Equal(t, "hello pony", readBody(t, resp))

	resp = p.ResolveRequest(get(t, srv.URL+"/moved"), "r2")
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusFound, resp.StatusCode, "redirects are not followed")
	resp.Body.Close()

	srv.Close()
	assert.Nil(t, p.ResolveRequest(get(t, srv.URL+"/page"), "r3"))
}

func TestFunc(t *testing.T) {
	var got string
	r := Func(func(req *http.Request, requestID string) *http.Response {
		got = requestID
		return nil
	})
	assert.Nil(t, r.ResolveRequest(get(t, "http://example.com/"), "abc"))
	assert.Equal(t, "abc", got)
}

func TestOfflineServesCachedContent(t *testing.T) {
	srv := upstream(t)
	conn := &switchable{}
	folder := storage.NewMemory()
	o := newOffline(t, conn, folder)

	resp := o.ResolveRequest(get(t, srv.URL+"/page?a=1"), "r1")
	require.NotNil(t, resp)
	assert.Equal(t, "hello pony", readBody(t, resp), "body is re-armed after buffering")
	o.Wait()
	assert.Equal(t, 1, o.Len())

	conn.offline.Store(true)
	resp = o.ResolveRequest(get(t, srv.URL+"/page?a=1&_=123"), "r2")
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "HIT", resp.Header.Get(cache.HitHeader))
	assert.Equal(t, "text/plain; charset=utf-8", resp.Header.Get("Content-Type"))
	assert.Equal(t, "yes", resp.Header.Get("X-Upstream"))
	assert.Equal(t, "hello pony", readBody(t, resp))
}

func TestOfflineSurvivesRestart(t *testing.T) {
	srv := upstream(t)
	folder := storage.NewMemory()

	first, err := NewOffline(&PassThrough{}, &switchable{}, folder, OfflineConfig{})
	require.NoError(t, err)
	resp := first.ResolveRequest(get(t, srv.URL+"/page/"), "r1")
	require.NotNil(t, resp)
	resp.Body.Close()
	first.Close()

	conn := &switchable{}
	conn.offline.Store(true)
	second := newOffline(t, conn, folder)
	resp = second.ResolveRequest(get(t, srv.URL+"/page"), "r2")
	require.NotNil(t, resp)
	assert.Equal(t, "hello pony", readBody(t, resp))
}

func TestOfflineMissReturnsWithinWait(t *testing.T) {
	conn := &switchable{}
	conn.offline.Store(true)
	o := newOffline(t, conn, storage.NewMemory())

	start := time.Now()
	assert.Nil(t, o.ResolveRequest(get(t, "http://www.example.com/never"), "r1"))
	assert.Less(t, time.Since(start), time.Second)
}

func TestOfflineDoesNotCacheFailures(t *testing.T) {
	srv := upstream(t)
	o := newOffline(t, &switchable{}, storage.NewMemory())

	resp := o.ResolveRequest(get(t, srv.URL+"/missing"), "r1")
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	resp.Body.Close()
	o.Wait()
	assert.Zero(t, o.Len())
}

func TestOfflineUpstreamFailure(t *testing.T) {
	srv := upstream(t)
	srv.Close()
	o := newOffline(t, &switchable{}, storage.NewMemory())
	assert.Nil(t, o.ResolveRequest(get(t, srv.URL+"/page"), "r1"))
	assert.Zero(t, o.Len())
}

func TestOfflineKeepsEntryAfterHeadRequest(t *testing.T) {
	srv := upstream(t)
	conn := &switchable{}
	o := newOffline(t, conn, storage.NewMemory())

	resp := o.ResolveRequest(get(t, srv.URL+"/page"), "r1")
	require.NotNil(t, resp)
	resp.Body.Close()
	o.Wait()

	head, err := http.NewRequest(http.MethodHead, srv.URL+"/page", nil)
	require.NoError(t, err)
	resp = o.ResolveRequest(head, "r2")
	require.NotNil(t, resp)
	resp.Body.Close()
	o.Wait()

	conn.offline.Store(true)
	resp = o.ResolveRequest(get(t, srv.URL+"/page"), "r3")
	require.NotNil(t, resp)
	assert.Equal(t, "hello pony", readBody(t, resp))
}

func TestOfflineKeepsEntryAfterEmptyRefetch(t *testing.T) {
	var empty atomic.Bool
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/plain")
		if empty.Load() {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		io.WriteString(w, "hello pony")
	}))
	t.Cleanup(srv.Close)

	conn := &switchable{}
	o := newOffline(t, conn, storage.NewMemory())

	resp := o.ResolveRequest(get(t, srv.URL+"/page"), "r1")
	require.NotNil(t, resp)
	resp.Body.Close()
	o.Wait()

	empty.Store(true)
	resp = o.ResolveRequest(get(t, srv.URL+"/page"), "r2")
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusNoContent, resp.StatusCode)
	resp.Body.Close()
	o.Wait()

	conn.offline.Store(true)
	start := time.Now()
	resp = o.ResolveRequest(get(t, srv.URL+"/page"), "r3")
	require.NotNil(t, resp)
	assert.Equal(t, "hello pony", readBody(t, resp))
	assert.Less(t, time.Since(start), 200*time.Millisecond)
}
