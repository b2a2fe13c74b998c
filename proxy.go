package ponyproxy

import (
	"bytes"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/oxtoacart/bpool"
	"go.uber.org/zap"

	"github.com/edgegrid/ponyproxy/internal/rewrite"
)

// Hop-by-hop headers. These are removed when sent to the backend.
// http://www.w3.org/Protocols/rfc2616/rfc2616-sec13.html
var hopHeaders = []string{
	"Connection",
	"Keep-Alive",
	"Proxy-Connection",
	"Proxy-Authenticate",
	"Proxy-Authorization",
	"Te",
	"Trailer",
	"Transfer-Encoding",
	"Upgrade",
}

var copyBuffers = bpool.NewBytePool(64, 32*1024)

func removeHopHeaders(h http.Header) {
	for _, v := range h.Values("Connection") {
		for _, name := range strings.Split(v, ",") {
			if name = strings.TrimSpace(name); name != "" {
				h.Del(name)
			}
		}
	}
	for _, name := range hopHeaders {
		h.Del(name)
	}
}

func cloneURL(u *url.URL) *url.URL {
	c := *u
	if u.User != nil {
		user := *u.User
		c.User = &user
	}
	return &c
}

// ServeHTTP maps the browser request to its real target, resolves it and
// writes back the rewritten response.
func (s *Session) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	ctx := newProxyCtx(r, uuid.NewString(), s.sess.Add(1), s.logger)
	code := s.handleRequest(ctx, w, r)
	requestsTotal.WithLabelValues(strconv.Itoa(code)).Inc()
}

func (s *Session) handleRequest(ctx *ProxyCtx, w http.ResponseWriter, r *http.Request) int {
	target, err := s.targetOf(r)
	if err != nil {
		ctx.Logf("no real target for %v: %v", r.URL, err)
		sw := &statusWriter{ResponseWriter: w, code: http.StatusOK}
		s.opts.NonProxyHandler.ServeHTTP(sw, r)
		return sw.code
	}
	ctx.Target = target
	ctx.Logf("relaying %s %v", r.Method, target)

	out, err := s.outboundRequest(ctx, r, target)
	if err != nil {
		ctx.Errorf("cannot build request to %v: %v", target, err)
		http.Error(w, "Bad request", http.StatusBadRequest)
		return http.StatusBadRequest
	}

	resp := s.resolver.ResolveRequest(out, ctx.RequestID)
	if resp == nil {
		ctx.Warnf("no response available for %v", out.URL)
		s.unavailable.fire(cloneURL(out.URL))
		return s.writeResponse(ctx, s.unavailableResponse(r, out.URL), w)
	}
	body := resp.Body
	defer body.Close()
	if resp.Request == nil {
		resp.Request = out
	}

	resp = s.filterResponse(ctx, out, resp)
	ctx.Logf("received response: %v", resp.Status)
	return s.writeResponse(ctx, resp, w)
}

// targetOf recovers the real URI of a browser request. Besides local
// URIs, absolute forward proxy requests are taken as they are, and root
// relative requests are resolved against the page named by the Referer.
func (s *Session) targetOf(r *http.Request) (*url.URL, error) {
	if r.URL.IsAbs() {
		if s.isLocal(r.URL) {
			return realFromLocal(r.URL)
		}
		if !isWeb(r.URL) {
			return nil, ErrNotLocalURI
		}
		return cloneURL(r.URL), nil
	}
	if target, err := realFromLocal(r.URL); err == nil {
		return target, nil
	}
	if ref := r.Header.Get("Referer"); ref != "" {
		if refURL, err := url.Parse(ref); err == nil && s.isLocal(refURL) {
			if page, err := realFromLocal(refURL); err == nil {
				return page.ResolveReference(&url.URL{
					Path:     r.URL.Path,
					RawPath:  r.URL.RawPath,
					RawQuery: r.URL.RawQuery,
				}), nil
			}
		}
	}
	return nil, ErrNotLocalURI
}

func (s *Session) outboundRequest(ctx *ProxyCtx, r *http.Request, target *url.URL) (*http.Request, error) {
	header := r.Header.Clone()
	removeHopHeaders(header)
	header.Del("Content-Length")
	if !s.opts.KeepAcceptEncoding {
		header.Del("Accept-Encoding")
	}

	if crumbs := r.Header.Values("Cookie"); len(crumbs) > 0 {
		header.Del("Cookie")
		if kept := s.cookies.FilterCookiesForCurrentRequest(target, strings.Join(crumbs, "; ")); kept != "" {
			header.Set("Cookie", kept)
		}
	}
	if ref := header.Get("Referer"); ref != "" {
		if u, err := url.Parse(ref); err == nil && s.isLocal(u) {
			if realRef, err := realFromLocal(u); err == nil {
				header.Set("Referer", realRef.String())
			} else {
				header.Del("Referer")
			}
		}
	}
	if origin := header.Get("Origin"); origin != "" {
		if u, err := url.Parse(origin); err == nil && s.isLocal(u) {
			header.Set("Origin", target.Scheme+"://"+target.Host)
		}
	}

	method, u, body, length := r.Method, target, r.Body, r.ContentLength
	if s.sending.len() > 0 {
		var data []byte
		if r.Body != nil && r.Body != http.NoBody {
			var err error
			if data, err = io.ReadAll(r.Body); err != nil {
				return nil, fmt.Errorf("read request body: %w", err)
			}
		}
		args := &SendingRequestArgs{Method: method, URL: cloneURL(target), Header: header, Body: data, ctx: r.Context()}
		s.sending.fire(args)
		if args.URL == nil {
			args.URL = target
		}
		method, u, header = args.Method, args.URL, args.Header
		length = int64(len(args.Body))
		body = http.NoBody
		if length > 0 {
			body = io.NopCloser(bytes.NewReader(args.Body))
		}
	}

	out, err := http.NewRequestWithContext(r.Context(), method, u.String(), body)
	if err != nil {
		return nil, fmt.Errorf("ponyproxy: build request: %w", err)
	}
	if header == nil {
		header = http.Header{}
	}
	out.Header = header
	out.ContentLength = length
	ctx.Logf("outbound %s %v", out.Method, out.URL)
	return out, nil
}

// filterResponse maps redirects back to the proxy, rewrites text content
// and then cookies.
func (s *Session) filterResponse(ctx *ProxyCtx, out *http.Request, resp *http.Response) *http.Response {
	page := out.URL
	if resp.Request.URL != nil {
		page = resp.Request.URL
	}

	if loc := resp.Header.Get("Location"); loc != "" {
		resp.Header.Set("Location", s.MapToLocalURI(page, loc))
	}
	if hasBody(out, resp) && IsText(resp.Header.Get("Content-Type")) {
		s.rewriteText(ctx, page, resp)
	}
	for _, v := range s.cookies.RewriteResponseCookies(ctx.RequestID, resp) {
		resp.Header.Add("Set-Cookie", v)
	}
	return resp
}

func hasBody(req *http.Request, resp *http.Response) bool {
	if req.Method == http.MethodHead {
		return false
	}
	switch resp.StatusCode {
	case http.StatusNoContent, http.StatusNotModified:
		return false
	}
	return resp.Body != nil && resp.Body != http.NoBody
}

func (s *Session) rewriteText(ctx *ProxyCtx, page *url.URL, resp *http.Response) {
	raw, err := io.ReadAll(resp.Body)
	resp.Body.Close()
	if err != nil {
		ctx.Warnf("cannot read response body of %v: %v", page, err)
		setBody(resp, raw)
		return
	}
	encoding := resp.Header.Get("Content-Encoding")
	decoded, err := rewrite.Decompress(raw, encoding)
	if err != nil {
		ctx.Warnf("leaving %v untouched: %v", page, err)
		setBody(resp, raw)
		return
	}

	contentType := resp.Header.Get("Content-Type")
	text, charset := rewrite.ToUTF8(decoded, contentType)
	ctx.Logf("text response %v (%s, %s, %d bytes)", page, contentType, charset, len(decoded))

	args := &TextResponseArgs{URI: cloneURL(page), ContentType: contentType, Content: text}
	s.textResponse.fire(args)
	text = args.Content

	if IsHTML(contentType) {
		start := time.Now()
		out, st, err := rewrite.Process(text, s.rules(page))
		rewriteDuration.Observe(time.Since(start).Seconds())
		if err != nil {
			ctx.Warnf("cannot rewrite %v: %v", page, err)
		} else {
			text = out
			ctx.Logger().Debug("rewrote page",
				zap.Stringer("uri", page),
				zap.Int("links", st.Links),
				zap.Int("stripped", st.Stripped),
				zap.Int("substituted", st.Substituted),
				zap.Int("scrubbed", st.Scrubbed),
				zap.Bool("injected", st.Injected))
		}
	}

	resp.Header.Del("Content-Encoding")
	resp.Header.Set("Content-Type", rewrite.WithUTF8(contentType))
	setBody(resp, []byte(text))
}

// rules maps the defense mode to the rewriting stages. Links are always
// routed through the proxy and the preload scripts always injected.
func (s *Session) rules(page *url.URL) rewrite.Rules {
	r := rewrite.Rules{
		Words:  s.words,
		Base:   page,
		Mapper: s.MapToLocalURI,
		Inject: s.preloadPayload(),
	}
	switch s.cfg.Mode {
	case NoSlangAnalyzer:
		r.FilterWords = true
	case PoneyAugmentedProtectionAnalyzer:
		r.StripEmbeds = true
		r.SubstituteMedia = true
	}
	return r
}

func setBody(resp *http.Response, b []byte) {
	resp.Body = io.NopCloser(bytes.NewReader(b))
	resp.ContentLength = int64(len(b))
	resp.TransferEncoding = nil
	resp.Header.Set("Content-Length", strconv.Itoa(len(b)))
}

func (s *Session) writeResponse(ctx *ProxyCtx, resp *http.Response, out http.ResponseWriter) int {
	ctx.Logf("copying response to browser: %v (%d bytes)", resp.Status, resp.ContentLength)

	h := out.Header()
	for k := range h {
		h.Del(k)
	}
	for k, vs := range resp.Header {
		for _, v := range vs {
			h.Add(k, v)
		}
	}
	removeHopHeaders(h)

	out.WriteHeader(resp.StatusCode)

	buf := copyBuffers.Get()
	defer copyBuffers.Put(buf)
	if nr, err := io.CopyBuffer(out, resp.Body, buf); err != nil {
		ctx.Warnf("copied %v bytes to browser with error: %v", nr, err)
	} else {
		ctx.Logf("copied %v bytes to browser", nr)
	}
	if err := resp.Body.Close(); err != nil {
		ctx.Warnf("can't close response body: %v", err)
	}
	return resp.StatusCode
}

type statusWriter struct {
	http.ResponseWriter
	code int
}

func (w *statusWriter) WriteHeader(code int) {
	w.code = code
	w.ResponseWriter.WriteHeader(code)
}
