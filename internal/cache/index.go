package cache

import (
	"net/url"
	"sync"

	"go.uber.org/zap"

	"github.com/edgegrid/ponyproxy/internal/docstore"
	"github.com/edgegrid/ponyproxy/storage"
)

const (
	// FolderName is the folder holding the blobs and the index.
	FolderName = "pony-cache"
	// IndexFileName is the index document inside FolderName.
	IndexFileName = "pony-cache.index"

	indexField = "entries"
)

// Index maps normalized keys to entries. A single mutex guards lookups and
// inserts.
type Index struct {
	mu      sync.Mutex
	entries map[string]*Entry
	folder  storage.Folder
	logger  *zap.Logger
}

func NewIndex(folder storage.Folder, logger *zap.Logger) *Index {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Index{entries: map[string]*Entry{}, folder: folder, logger: logger}
}

// Lookup returns the indexed entry for u or a new, unindexed one.
func (ix *Index) Lookup(u *url.URL, requestID string) *Entry {
	key := NormalizeKey(u)

	ix.mu.Lock()
	defer ix.mu.Unlock()
	if e, ok := ix.entries[key]; ok {
		return e
	}
	return NewEntry(key, requestID)
}

// Get returns the entry stored under an already normalized key.
func (ix *Index) Get(key string) (*Entry, bool) {
	ix.mu.Lock()
	defer ix.mu.Unlock()
	e, ok := ix.entries[key]
	return e, ok
}

// Add registers e unless its key is already present.
func (ix *Index) Add(e *Entry) bool {
	ix.mu.Lock()
	defer ix.mu.Unlock()
	if _, ok := ix.entries[e.Key]; ok {
		return false
	}
	ix.entries[e.Key] = e
	return true
}

func (ix *Index) Len() int {
	ix.mu.Lock()
	defer ix.mu.Unlock()
	return len(ix.entries)
}

// Restore loads the persisted index. Every restored entry is ready.
// A missing index is an empty one; an unreadable one is logged and ignored.
func (ix *Index) Restore(requestID string) {
	ix.logger.Debug("restoring cache index", zap.String("request_id", requestID))

	stored := map[string]*Entry{}
	if err := docstore.Load(ix.folder, IndexFileName, indexField, &stored); err != nil {
		ix.logger.Warn("cache index unreadable, starting empty",
			zap.String("request_id", requestID), zap.Error(err))
		return
	}

	ix.mu.Lock()
	defer ix.mu.Unlock()
	for key, e := range stored {
		if e == nil {
			continue
		}
		if e.Key == "" {
			e.Key = key
		}
		e.MarkReady()
		if _, ok := ix.entries[e.Key]; !ok {
			ix.entries[e.Key] = e
		}
	}
	ix.logger.Debug("cache index restored",
		zap.String("request_id", requestID), zap.Int("entries", len(ix.entries)))
}

type indexRecord struct {
	Key         string `json:"key"`
	Path        string `json:"path,omitempty"`
	Headers     string `json:"headers,omitempty"`
	ContentType string `json:"contentType,omitempty"`
}

// Save writes the whole index.
func (ix *Index) Save() error {
	ix.mu.Lock()
	snapshot := make(map[string]indexRecord, len(ix.entries))
	for key, e := range ix.entries {
		path, contentType, headers := e.Snapshot()
		snapshot[key] = indexRecord{Key: key, Path: path, Headers: headers, ContentType: contentType}
	}
	ix.mu.Unlock()

	return docstore.Save(ix.folder, IndexFileName, indexField, snapshot)
}
