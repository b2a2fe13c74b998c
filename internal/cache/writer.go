package cache

import (
	"sync"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/edgegrid/ponyproxy/internal/storequeue"
)

// Writer drains submitted entries to storage. Batches run on a single
// goroutine: a batch starts on the first Submit and ends, after flushing
// the index, when the queue is empty again.
//
// Blobs written in a batch only become discoverable after restart once the
// batch flushed the index; a crash before that loses the index entries.
type Writer struct {
	queue   *storequeue.Queue[*Entry]
	index   *Index
	store   *Store
	logger  *zap.Logger
	newPath func() string

	mu      sync.Mutex
	running bool
	wg      sync.WaitGroup
}

func NewWriter(index *Index, store *Store, capacity int, logger *zap.Logger) *Writer {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Writer{
		queue:   storequeue.New[*Entry](capacity),
		index:   index,
		store:   store,
		logger:  logger,
		newPath: func() string { return uuid.NewString() },
	}
}

// Submit queues e, blocking while the queue is full. It returns false
// once the writer is closed.
func (w *Writer) Submit(e *Entry) bool {
	if !w.queue.EnqueueOK(e) {
		return false
	}
	queueDepth.Set(float64(w.queue.Len()))

	w.mu.Lock()
	defer w.mu.Unlock()
	if !w.running {
		w.running = true
		w.wg.Add(1)
		go w.batch()
	}
	return true
}

// Wait blocks until no batch is running.
func (w *Writer) Wait() {
	w.wg.Wait()
}

// Close stops accepting entries, lets the running batch drain and waits for it.
func (w *Writer) Close() {
	w.queue.Close()
	w.wg.Wait()
}

func (w *Writer) batch() {
	defer w.wg.Done()

	for {
		e, ok := w.queue.DequeueOK()
		if !ok {
			w.flush("")
			w.setIdle()
			return
		}
		queueDepth.Set(float64(w.queue.Len()))
		w.persist(e)

		if w.queue.Len() > 0 {
			continue
		}
		w.flush(e.RequestID)

		w.mu.Lock()
		if w.queue.Len() == 0 {
			w.running = false
			w.mu.Unlock()
			return
		}
		w.mu.Unlock()
	}
}

func (w *Writer) setIdle() {
	w.mu.Lock()
	w.running = false
	w.mu.Unlock()
}

func (w *Writer) persist(e *Entry) {
	path, content, requestID, stored := e.takeContent(w.newPath)
	if content == nil {
		cacheWrites.WithLabelValues("empty").Inc()
		w.keepPrevious(e, stored)
		return
	}

	if err := w.store.WriteBlob(path, content); err != nil {
		cacheWrites.WithLabelValues("error").Inc()
		w.logger.Error("cannot store cached content",
			zap.String("request_id", requestID), zap.String("key", e.Key), zap.Error(err))
		w.keepPrevious(e, stored)
		return
	}

	e.MarkReady()
	w.index.Add(e)
	cacheWrites.WithLabelValues("ok").Inc()
	w.logger.Info("cached content",
		zap.String("request_id", requestID), zap.String("key", e.Key), zap.String("path", path))
}

// keepPrevious re-arms an indexed entry whose refetch produced nothing to
// store: the blob written earlier is still the content of the entry.
func (w *Writer) keepPrevious(e *Entry, stored bool) {
	if !stored {
		return
	}
	if indexed, ok := w.index.Get(e.Key); ok && indexed == e {
		e.MarkReady()
	}
}

func (w *Writer) flush(requestID string) {
	w.logger.Debug("flushing cache index", zap.String("request_id", requestID))
	if err := w.index.Save(); err != nil {
		indexFlushes.WithLabelValues("error").Inc()
		w.logger.Error("cannot flush cache index", zap.String("request_id", requestID), zap.Error(err))
		return
	}
	indexFlushes.WithLabelValues("ok").Inc()
}
