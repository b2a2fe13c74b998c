package resolver

import (
	"bytes"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/edgegrid/ponyproxy/internal/cache"
	"github.com/edgegrid/ponyproxy/storage"
)

// DefaultWait bounds how long an offline request waits for a pending
// cache entry.
const DefaultWait = 5 * time.Second

// Connectivity reports whether the network is reachable.
type Connectivity interface {
	Online() bool
}

type OfflineConfig struct {
	// Wait bounds the offline readiness wait, DefaultWait when zero.
	Wait time.Duration
	// QueueCapacity bounds the entries pending storage.
	QueueCapacity int
	Logger        *zap.Logger
}

// Offline caches successful responses of Inner and serves them back while
// Connectivity reports the network as down.
type Offline struct {
	inner  Resolver
	conn   Connectivity
	wait   time.Duration
	logger *zap.Logger

	index   *cache.Index
	store   *cache.Store
	writer  *cache.Writer
	restore sync.Once
}

// NewOffline keeps its index and blobs in the pony-cache folder below
// folder.
func NewOffline(inner Resolver, conn Connectivity, folder storage.Folder, cfg OfflineConfig) (*Offline, error) {
	cacheFolder, err := folder.Sub(cache.FolderName)
	if err != nil {
		return nil, fmt.Errorf("resolver: open cache folder: %w", err)
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	wait := cfg.Wait
	if wait <= 0 {
		wait = DefaultWait
	}

	index := cache.NewIndex(cacheFolder, logger)
	store := cache.NewStore(cacheFolder)
	return &Offline{
		inner:  inner,
		conn:   conn,
		wait:   wait,
		logger: logger,
		index:  index,
		store:  store,
		writer: cache.NewWriter(index, store, cfg.QueueCapacity, logger),
	}, nil
}

func (o *Offline) ResolveRequest(req *http.Request, requestID string) *http.Response {
	o.restore.Do(func() { o.index.Restore(requestID) })

	entry := o.index.Lookup(req.URL, requestID)
	log := o.logger.With(zap.String("request_id", requestID), zap.String("key", entry.Key))

	if o.conn == nil || o.conn.Online() {
		resp := o.inner.ResolveRequest(req, requestID)
		if resp == nil {
			resolutions.WithLabelValues(sourceNone).Inc()
			return nil
		}
		resolutions.WithLabelValues(sourceNetwork).Inc()
		if req.Method == http.MethodGet && resp.StatusCode >= 200 && resp.StatusCode < 300 {
			o.keep(entry, resp, requestID, log)
		}
		return resp
	}

	// Entries outside the index have no writer that could complete them.
	if _, indexed := o.index.Get(entry.Key); indexed && entry.WaitReady(o.wait) {
		if path, _, _ := entry.Snapshot(); path != "" {
			resp, err := o.store.Response(req, entry)
			if err == nil {
				log.Info("serving cached content", zap.String("path", path))
				resolutions.WithLabelValues(sourceCache).Inc()
				return resp
			}
			log.Warn("cached content unreadable", zap.Error(err))
		}
	}
	resolutions.WithLabelValues(sourceNone).Inc()
	return nil
}

// keep buffers the body of resp for the writer and re-arms it for the
// caller.
func (o *Offline) keep(entry *cache.Entry, resp *http.Response, requestID string, log *zap.Logger) {
	body, err := io.ReadAll(resp.Body)
	resp.Body.Close()
	resp.Body = io.NopCloser(bytes.NewReader(body))
	if err != nil {
		log.Warn("cannot buffer response for the cache", zap.Error(err))
		return
	}
	if len(body) == 0 {
		return
	}

	entry.Attach(requestID, resp.Header.Get("Content-Type"), cache.SerializeHeaders(resp.Header), body)
	if !o.writer.Submit(entry) {
		log.Debug("cache writer closed, response not stored")
	}
}

// Wait blocks until the pending entries are stored.
func (o *Offline) Wait() {
	o.writer.Wait()
}

// Close stores the pending entries and stops the writer.
func (o *Offline) Close() {
	o.writer.Close()
}

// Len returns the number of indexed entries.
func (o *Offline) Len() int {
	return o.index.Len()
}
