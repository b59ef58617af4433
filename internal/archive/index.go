package archive

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	bolt "go.etcd.io/bbolt"
)

var bucketCaptures = []byte("captures") // file name -> Record

// ErrIndexClosed is returned by operations on a closed index.
var ErrIndexClosed = errors.New("archive index closed")

// Record describes one saved capture.
type Record struct {
	Name        string    `json:"name"`
	Path        string    `json:"path"`
	SavedAt     time.Time `json:"saved_at"`
	Score       float64   `json:"score"`
	HasScore    bool      `json:"has_score"` // false for the first save of a session
	Fingerprint string    `json:"fingerprint,omitempty"`
	Width       int       `json:"width"`
	Height      int       `json:"height"`
}

// Index stores records keyed by file name, so iteration order is chronological.
type Index interface {
	// Put stores records in a single transaction.
	Put(recs ...Record) error

	// List returns up to limit records, newest first. limit <= 0 means all.
	List(limit int) ([]Record, error)

	Close() error
}

// boltIndex implements Index using BoltDB.
type boltIndex struct {
	db *bolt.DB
}

// OpenBoltIndex opens (creating if needed) the index database at path.
func OpenBoltIndex(path string) (Index, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return nil, fmt.Errorf("failed to create index directory: %w", err)
	}
	db, err := bolt.Open(path, 0600, &bolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, fmt.Errorf("failed to open index %s: %w", path, err)
	}
	if err := db.Update(func(tx *bolt.Tx) error {
		_, createErr := tx.CreateBucketIfNotExists(bucketCaptures)
		return createErr
	}); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create captures bucket: %w", err)
	}
	return &boltIndex{db: db}, nil
}

// Put implements Index.Put.
func (x *boltIndex) Put(recs ...Record) error {
	if len(recs) == 0 {
		return nil
	}
	return x.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketCaptures)
		for _, rec := range recs {
			data, err := json.Marshal(rec)
			if err != nil {
				return fmt.Errorf("failed to marshal record: %w", err)
			}
			if err := b.Put([]byte(rec.Name), data); err != nil {
				return fmt.Errorf("failed to store record %s: %w", rec.Name, err)
			}
		}
		return nil
	})
}

// List implements Index.List.
func (x *boltIndex) List(limit int) ([]Record, error) {
	var recs []Record
	err := x.db.View(func(tx *bolt.Tx) error {
		c := tx.Bucket(bucketCaptures).Cursor()
		for k, v := c.Last(); k != nil; k, v = c.Prev() {
			var rec Record
			if err := json.Unmarshal(v, &rec); err != nil {
				return fmt.Errorf("failed to unmarshal record %s: %w", k, err)
			}
			recs = append(recs, rec)
			if limit > 0 && len(recs) >= limit {
				break
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return recs, nil
}

// Close implements Index.Close.
func (x *boltIndex) Close() error {
	return x.db.Close()
}

// memoryIndex implements Index using an in-memory map.
// Useful for testing or when no index path is configured.
type memoryIndex struct {
	mu      sync.RWMutex
	records map[string]Record
	closed  bool
}

// NewMemoryIndex creates an in-memory index.
func NewMemoryIndex() Index {
	return &memoryIndex{records: make(map[string]Record)}
}

// Put implements Index.Put.
func (m *memoryIndex) Put(recs ...Record) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrIndexClosed
	}
	for _, rec := range recs {
		m.records[rec.Name] = rec
	}
	return nil
}

// List implements Index.List.
func (m *memoryIndex) List(limit int) ([]Record, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return nil, ErrIndexClosed
	}
	recs := make([]Record, 0, len(m.records))
	for _, rec := range m.records {
		recs = append(recs, rec)
	}
	sort.Slice(recs, func(i, j int) bool { return recs[i].Name > recs[j].Name })
	if limit > 0 && len(recs) > limit {
		recs = recs[:limit]
	}
	return recs, nil
}

// Close implements Index.Close.
func (m *memoryIndex) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	return nil
}
