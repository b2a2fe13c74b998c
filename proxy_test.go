package ponyproxy

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/klauspost/compress/gzip"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"github.com/edgegrid/ponyproxy/connectivity"
	"github.com/edgegrid/ponyproxy/internal/cache"
	"github.com/edgegrid/ponyproxy/resolver"
	"github.com/edgegrid/ponyproxy/storage"
)

const testPage = `<html><head><title>t</title></head><body>` +
	`<a href="/next?x=1">next</a><img src="pic.png"><iframe src="/frame"></iframe>` +
	`<p>damn fine pony</p></body></html>`

type ConstantHandler string

func (h ConstantHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	io.WriteString(w, string(h))
}

func upstream(t *testing.T) *httptest.Server {
	t.Helper()
	mux := http.NewServeMux()
	mux.Handle("/bobo", ConstantHandler("bobo"))
	mux.HandleFunc("/page", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		io.WriteString(w, testPage)
	})
	mux.HandleFunc("/gzip", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html")
		w.Header().Set("Content-Encoding", "gzip")
		gz := gzip.NewWriter(w)
		io.WriteString(gz, testPage)
		gz.Close()
	})
	mux.HandleFunc("/echo", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		w.Header().Set("X-Method", r.Method)
		io.Copy(w, r.Body)
	})
	mux.HandleFunc("/headers", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/plain")
		io.WriteString(w, "cookie="+r.Header.Get("Cookie")+"\n")
		io.WriteString(w, "referer="+r.Header.Get("Referer")+"\n")
		io.WriteString(w, "accept-encoding="+r.Header.Get("Accept-Encoding")+"\n")
	})
	mux.HandleFunc("/login", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Add("Set-Cookie", "sid=1; Path=/; HttpOnly")
		w.Header().Add("Set-Cookie", "tracker=9; Path=/; Secure")
		w.Header().Set("Content-Type", "text/plain")
		io.WriteString(w, "welcome")
	})
	mux.HandleFunc("/moved", func(w http.ResponseWriter, r *http.Request) {
		http.Redirect(w, r, "/bobo", http.StatusFound)
	})
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv
}

func oneShotSession(t *testing.T, cfg Config, opts Options) *Session {
	t.Helper()
	s, err := Start(nil, cfg, opts)
	require.NoError(t, err)
	t.Cleanup(func() { s.Stop(context.Background()) })
	return s
}

var noRedirectClient = &http.Client{
	Transport: &http.Transport{DisableCompression: true},
	CheckRedirect: func(req *http.Request, via []*http.Request) error {
		return http.ErrUseLastResponse
	},
}

func do(t *testing.T, req *http.Request) (*http.Response, string) {
	t.Helper()
	resp, err := noRedirectClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	b, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	return resp, string(b)
}

func getOrFail(t *testing.T, rawURL string) (*http.Response, string) {
	t.Helper()
	req, err := http.NewRequest(http.MethodGet, rawURL, nil)
	require.NoError(t, err)
	return do(t, req)
}

func TestSimpleRequestThroughLocalURI(t *testing.T) {
	srv := upstream(t)
	s := oneShotSession(t, DefaultConfig(), DefaultOptions())

	local := s.MapToLocalURI(nil, srv.URL+"/bobo")
	assert.True(t, strings.HasPrefix(local, "http://"+s.Addr()+"/http/"))

	resp, body := getOrFail(t, local)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "bobo", body)
}

func TestForwardProxyRequest(t *testing.T) {
	srv := upstream(t)
	s := oneShotSession(t, DefaultConfig(), DefaultOptions())

	client := &http.Client{Transport: &http.Transport{Proxy: http.ProxyURL(s.BaseURL())}}
	resp, err := client.Get(srv.URL + "/bobo")
	require.NoError(t, err)
	defer resp.Body.Close()
	b, _ := io.ReadAll(resp.Body)
	assert.Equal(t, "bobo", string(b))
}

func TestRootRelativeRequestUsesReferer(t *testing.T) {
	srv := upstream(t)
	s := oneShotSession(t, DefaultConfig(), DefaultOptions())

	req, _ := http.NewRequest(http.MethodGet, s.BaseURL().String()+"bobo", nil)
	req.Header.Set("Referer", s.MapToLocalURI(nil, srv.URL+"/page"))
	_, body := do(t, req)
	assert.Equal(t, "bobo", body)
}

func TestNonProxyRequest(t *testing.T) {
	s := oneShotSession(t, DefaultConfig(), DefaultOptions())
	resp, _ := getOrFail(t, s.BaseURL().String()+"favicon.ico")
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestSendingRequestHook(t *testing.T) {
	srv := upstream(t)
	s := oneShotSession(t, DefaultConfig(), DefaultOptions())

	reg := s.HandleSendingRequest(func(args *SendingRequestArgs) {
		if args.URL.Path == "/momo" {
			args.URL.Path = "/bobo"
		}
		if args.Method == http.MethodPost {
			args.Body = append(args.Body, []byte(" pony")...)
		}
	})

	_, body := getOrFail(t, s.MapToLocalURI(nil, srv.URL+"/momo"))
	assert.Equal(t, "bobo", body)

	req, _ := http.NewRequest(http.MethodPost, s.MapToLocalURI(nil, srv.URL+"/echo"), strings.NewReader("hello"))
	resp, body := do(t, req)
	assert.Equal(t, "POST", resp.Header.Get("X-Method"))
	assert.Equal(t, "hello pony", body)

	assert.True(t, reg.Remove())
	assert.False(t, reg.Remove())
	resp, _ = getOrFail(t, s.MapToLocalURI(nil, srv.URL+"/momo"))
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestHandlersRunInRegistrationOrder(t *testing.T) {
	srv := upstream(t)
	s := oneShotSession(t, DefaultConfig(), DefaultOptions())

	var mu sync.Mutex
	var order []string
	record := func(name string) func(*SendingRequestArgs) {
		return func(*SendingRequestArgs) {
			mu.Lock()
			order = append(order, name)
			mu.Unlock()
		}
	}
	s.HandleSendingRequest(record("first"))
	second := s.HandleSendingRequest(record("second"))
	s.HandleSendingRequest(record("third"))
	second.Remove()

	getOrFail(t, s.MapToLocalURI(nil, srv.URL+"/bobo"))
	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []string{"first", "third"}, order)
}

func TestOutboundHeaders(t *testing.T) {
	srv := upstream(t)
	s := oneShotSession(t, DefaultConfig(), DefaultOptions())

	page := s.MapToLocalURI(nil, srv.URL+"/page")
	req, _ := http.NewRequest(http.MethodGet, s.MapToLocalURI(nil, srv.URL+"/headers"), nil)
	req.Header.Set("Referer", page)
	req.Header.Set("Accept-Encoding", "gzip")
	_, body := do(t, req)

	assert.Contains(t, body, "referer="+srv.URL+"/page\n")
	assert.Contains(t, body, "accept-encoding=\n")
}

func TestHTMLRewriteByMode(t *testing.T) {
	srv := upstream(t)

	tests := []struct {
		mode    DefenseMode
		path    string
		present []string
		absent  []string
	}{
		{
			mode:    Adult,
			path:    "/page",
			present: []string{"<p>damn fine pony</p>", `<iframe src="`, "pic.png"},
		},
		{
			mode:    NoSlangAnalyzer,
			path:    "/page",
			present: []string{"<p>fine pony</p>", "pic.png"},
			absent:  []string{"damn"},
		},
		{
			mode:    PoneyAugmentedProtectionAnalyzer,
			path:    "/page",
			present: []string{"notAllowedSite/pony/", "<p>damn fine pony</p>"},
			absent:  []string{"<iframe", "pic.png"},
		},
		{
			mode:    WhiteListOnly,
			path:    "/gzip",
			present: []string{"<p>damn fine pony</p>", "pic.png"},
		},
	}

	for _, tc := range tests {
		t.Run(tc.mode.String()+tc.path, func(t *testing.T) {
			cfg := DefaultConfig()
			cfg.Mode = tc.mode
			s := oneShotSession(t, cfg, DefaultOptions())
			s.AddPreloadScriptWithPriority("second()", 1)
			s.AddPreloadScript("first()")

			resp, body := getOrFail(t, s.MapToLocalURI(nil, srv.URL+tc.path))
			assert.Equal(t, "text/html; charset=utf-8", resp.Header.Get("Content-Type"))
			assert.Empty(t, resp.Header.Get("Content-Encoding"))

			assert.Contains(t, body, `href="`+s.MapToLocalURI(nil, srv.URL+"/next?x=1")+`"`)
			assert.Contains(t, body, `<head><script type="text/javascript">first()</script>`+
				`<script type="text/javascript">second()</script><title>`)
			for _, p := range tc.present {
				assert.Contains(t, body, p)
			}
			for _, a := range tc.absent {
				assert.NotContains(t, body, a)
			}
		})
	}
}

func TestTextResponseHandler(t *testing.T) {
	srv := upstream(t)
	s := oneShotSession(t, DefaultConfig(), DefaultOptions())

	var mu sync.Mutex
	var seen []string
	s.HandleTextResponse(func(args *TextResponseArgs) {
		mu.Lock()
		seen = append(seen, args.URI.Path+" "+args.ContentType)
		mu.Unlock()
		args.Content = strings.ToUpper(args.Content)
	})

	resp, body := getOrFail(t, s.MapToLocalURI(nil, srv.URL+"/bobo"))
	assert.Equal(t, "BOBO", body)
	assert.Equal(t, "4", resp.Header.Get("Content-Length"))
	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []string{"/bobo text/plain; charset=utf-8"}, seen)
}

func TestRedirectLocationStaysLocal(t *testing.T) {
	srv := upstream(t)
	s := oneShotSession(t, DefaultConfig(), DefaultOptions())

	resp, _ := getOrFail(t, s.MapToLocalURI(nil, srv.URL+"/moved"))
	assert.Equal(t, http.StatusFound, resp.StatusCode)
	assert.Equal(t, s.MapToLocalURI(nil, srv.URL+"/bobo"), resp.Header.Get("Location"))
}

func TestCookiesRewrittenAndFiltered(t *testing.T) {
	srv := upstream(t)
	s := oneShotSession(t, DefaultConfig(), DefaultOptions())

	resp, body := getOrFail(t, s.MapToLocalURI(nil, srv.URL+"/login"))
	assert.Equal(t, "welcome", body)
	assert.Equal(t, []string{"sid=1; Path=/; HttpOnly", "tracker=9; Path=/"}, resp.Header.Values("Set-Cookie"))

	req, _ := http.NewRequest(http.MethodGet, s.MapToLocalURI(nil, srv.URL+"/headers"), nil)
	req.Header.Set("Cookie", "sid=1; other=2")
	_, body = do(t, req)
	assert.Contains(t, body, "cookie=sid=1\n")
}

func TestOfflineFallback(t *testing.T) {
	srv := upstream(t)
	mon := connectivity.NewMonitor(nil)
	opts := DefaultOptions()
	opts.Monitor = mon
	opts.OfflineWait = 100 * time.Millisecond
	opts.Folder = storage.NewMemory()
	s := oneShotSession(t, DefaultConfig(), opts)

	var mu sync.Mutex
	var missing []string
	s.HandleOfflinePageUnavailable(func(u *url.URL) {
		mu.Lock()
		missing = append(missing, u.String())
		mu.Unlock()
	})

	_, body := getOrFail(t, s.MapToLocalURI(nil, srv.URL+"/bobo"))
	require.Equal(t, "bobo", body)
	s.offline.Wait()

	mon.SetOnline(false)

	resp, body := getOrFail(t, s.MapToLocalURI(nil, srv.URL+"/bobo?_=42"))
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "HIT", resp.Header.Get(cache.HitHeader))
	assert.Equal(t, "bobo", body)

	resp, body = getOrFail(t, s.MapToLocalURI(nil, srv.URL+"/never"))
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
	assert.Contains(t, body, srv.URL+"/never")

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []string{srv.URL + "/never"}, missing)
}

func TestUnavailableWhenUpstreamDown(t *testing.T) {
	srv := upstream(t)
	target := srv.URL + "/bobo"
	srv.Close()

	s := oneShotSession(t, DefaultConfig(), DefaultOptions())
	var fired atomic.Int32
	s.HandleOfflinePageUnavailable(func(*url.URL) { fired.Add(1) })

	resp, _ := getOrFail(t, s.MapToLocalURI(nil, target))
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
	assert.Equal(t, int32(1), fired.Load())
}

func TestStopIsIdempotent(t *testing.T) {
	s, err := Start(nil, DefaultConfig(), DefaultOptions())
	require.NoError(t, err)
	addr := s.BaseURL().String()

	require.NoError(t, s.Stop(context.Background()))
	require.NoError(t, s.Stop(context.Background()))
	require.NoError(t, StopSession(context.Background(), nil))

	_, err = http.Get(addr)
	assert.Error(t, err)
}

func TestStopPersistsCookies(t *testing.T) {
	srv := upstream(t)
	folder := storage.NewMemory()
	opts := DefaultOptions()
	opts.Folder = folder

	s, err := Start(nil, DefaultConfig(), opts)
	require.NoError(t, err)
	getOrFail(t, s.MapToLocalURI(nil, srv.URL+"/login"))
	require.NoError(t, s.Stop(context.Background()))

	b, err := folder.ReadFile("cookie-cache")
	require.NoError(t, err)
	assert.Contains(t, string(b), `"cookies"`)
}

func TestExplicitProxyURI(t *testing.T) {
	cfg := DefaultConfig()
	cfg.ProxyURI = "http://127.0.0.1:0/"
	s := oneShotSession(t, cfg, DefaultOptions())
	assert.True(t, strings.HasPrefix(s.Addr(), "127.0.0.1:"))
	assert.NotEqual(t, "127.0.0.1:0", s.Addr())
}

func TestHandlerWithoutListener(t *testing.T) {
	srv := upstream(t)
	s := oneShotSession(t, DefaultConfig(), DefaultOptions())

	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, s.MapToLocalURI(nil, srv.URL+"/bobo"), nil)
	s.Handler().ServeHTTP(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "bobo", rec.Body.String())
}

func TestCustomUnavailablePage(t *testing.T) {
	opts := DefaultOptions()
	opts.UnavailablePage = []byte("<p>gone: %U</p>")
	opts.Resolver = resolver.Func(func(*http.Request, string) *http.Response { return nil })
	s := oneShotSession(t, DefaultConfig(), opts)

	resp, body := getOrFail(t, s.MapToLocalURI(nil, "http://www.example.com/a?b=1&c=2"))
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
	assert.Equal(t, "no-store", resp.Header.Get("Cache-Control"))
	assert.Equal(t, "<p>gone: http://www.example.com/a?b=1&amp;c=2</p>", body)
}

func TestRequestLogging(t *testing.T) {
	srv := upstream(t)
	core, logs := observer.New(zapcore.DebugLevel)
	opts := DefaultOptions()
	opts.Logger = zap.New(core)
	cfg := DefaultConfig()
	cfg.TraceLevel = TraceVerbose
	s := oneShotSession(t, cfg, opts)

	getOrFail(t, s.MapToLocalURI(nil, srv.URL+"/page"))
	rewrote := logs.FilterMessage("rewrote page").All()
	require.Len(t, rewrote, 1)
	assert.Equal(t, "ponyproxy", rewrote[0].LoggerName)
	fields := rewrote[0].ContextMap()
	assert.NotEmpty(t, fields["request_id"])
	assert.Equal(t, int64(3), fields["links"])
	assert.Equal(t, srv.URL+"/page", fields["uri"])

	s.HandleSendingRequest(func(args *SendingRequestArgs) { args.Method = "BAD METHOD" })
	resp, _ := getOrFail(t, s.MapToLocalURI(nil, srv.URL+"/bobo"))
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	failed := logs.FilterLevelExact(zapcore.ErrorLevel).FilterMessageSnippet("cannot build request").All()
	assert.Len(t, failed, 1)
}

func TestWarningLevelHidesDebug(t *testing.T) {
	srv := upstream(t)
	core, logs := observer.New(zapcore.DebugLevel)
	opts := DefaultOptions()
	opts.Logger = zap.New(core)
	s := oneShotSession(t, DefaultConfig(), opts)

	getOrFail(t, s.MapToLocalURI(nil, srv.URL+"/page"))
	assert.Zero(t, logs.FilterMessage("rewrote page").Len())
}
