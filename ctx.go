package ponyproxy

import (
	"net/http"
	"net/url"

	"go.uber.org/zap"
)

// ProxyCtx is the context of one browser request flowing through the
// session.
type ProxyCtx struct {
	// Req is the request as the browser sent it.
	Req *http.Request
	// Target is the real URI the request maps to.
	Target *url.URL
	// RequestID correlates every log line of the request.
	RequestID string
	// Session counts the requests served by the session.
	Session int64

	logger *zap.Logger
	sugar  *zap.SugaredLogger
}

func newProxyCtx(req *http.Request, requestID string, session int64, logger *zap.Logger) *ProxyCtx {
	l := logger.With(zap.String("request_id", requestID), zap.Int64("session", session))
	return &ProxyCtx{Req: req, RequestID: requestID, Session: session, logger: l, sugar: l.Sugar()}
}

// Logf prints a message at debug level.
func (ctx *ProxyCtx) Logf(msg string, argv ...any) {
	ctx.sugar.Debugf(msg, argv...)
}

// Warnf prints a message at warning level.
func (ctx *ProxyCtx) Warnf(msg string, argv ...any) {
	ctx.sugar.Warnf(msg, argv...)
}

// Errorf prints a message at error level.
func (ctx *ProxyCtx) Errorf(msg string, argv ...any) {
	ctx.sugar.Errorf(msg, argv...)
}

// Logger returns the request scoped logger.
func (ctx *ProxyCtx) Logger() *zap.Logger {
	return ctx.logger
}
