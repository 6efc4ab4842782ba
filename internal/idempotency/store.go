// Package idempotency stores the responses of keyed greeting writes so a
// replayed request returns the first answer instead of sending again.
package idempotency

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"strings"
	"time"
)

// ErrKeyReused is returned when a key comes back with a different greeting.
var ErrKeyReused = errors.New("idempotency key already used for a different greeting")

// Record holds the stored response of one greeting write.
type Record struct {
	// Fingerprint is the sha256 of the trimmed greeting the key was first used with.
	Fingerprint string    `json:"fingerprint"`
	TxHash      string    `json:"txHash"`
	StatusCode  int       `json:"statusCode"`
	Response    []byte    `json:"response"`
	CreatedAt   time.Time `json:"createdAt"`
	ExpiresAt   time.Time `json:"expiresAt"`
}

func (r Record) expired(now time.Time) bool {
	return now.After(r.ExpiresAt)
}

// Check reports ErrKeyReused unless greeting is the one the record was made for.
func (r Record) Check(greeting string) error {
	if r.Fingerprint != Fingerprint(greeting) {
		return ErrKeyReused
	}
	return nil
}

// Fingerprint hashes the trimmed greeting, so " hi " and "hi" share a key.
func Fingerprint(greeting string) string {
	sum := sha256.Sum256([]byte(strings.TrimSpace(greeting)))
	return hex.EncodeToString(sum[:])
}

// Store abstracts idempotency persistence. Get returns nil, nil for unknown
// or expired keys.
type Store interface {
	Get(ctx context.Context, key string) (*Record, error)
	Save(ctx context.Context, key string, record Record) error
}

// Pinger is implemented by stores backed by an external service.
type Pinger interface {
	Ping(ctx context.Context) error
}

// NewRecord stores the response to writing greeting in txHash, replayable
// for window.
func NewRecord(greeting, txHash string, status int, body []byte, now time.Time, window time.Duration) Record {
	return Record{
		Fingerprint: Fingerprint(greeting),
		TxHash:      txHash,
		StatusCode:  status,
		Response:    body,
		CreatedAt:   now,
		ExpiresAt:   now.Add(window),
	}
}

// MemoryStore is mostly for testing.
type MemoryStore struct {
	mu   sync.Mutex
	data map[string]Record
	Now  func() time.Time
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		data: make(map[string]Record),
		Now:  time.Now,
	}
}

func (m *MemoryStore) Get(_ context.Context, key string) (*Record, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.data[key]
	if !ok {
		return nil, nil
	}
	if rec.expired(m.Now()) {
		delete(m.data, key)
		return nil, nil
	}
	return &rec, nil
}

func (m *MemoryStore) Save(_ context.Context, key string, record Record) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.data[key] = record
	return nil
}

// FileStore persists records to a JSON file. Suitable for local dev.
type FileStore struct {
	path string
	mu   sync.Mutex
	data map[string]Record
	Now  func() time.Time
}

func NewFileStore(path string) (*FileStore, error) {
	fs := &FileStore{
		path: path,
		data: make(map[string]Record),
		Now:  time.Now,
	}
	if err := fs.load(); err != nil {
		return nil, err
	}
	return fs, nil
}

func (f *FileStore) load() error {
	f.mu.Lock()
	defer f.mu.Unlock()

	blob, err := os.ReadFile(f.path)
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	if err != nil {
		return err
	}
	if len(blob) == 0 {
		return nil
	}
	return json.Unmarshal(blob, &f.data)
}

func (f *FileStore) persist() error {
	if err := os.MkdirAll(filepath.Dir(f.path), 0o755); err != nil {
		return err
	}
	blob, err := json.MarshalIndent(f.data, "", "  ")
	if err != nil {
		return err
	}
	tmp := f.path + ".tmp"
	if err := os.WriteFile(tmp, blob, 0o600); err != nil {
		return err
	}
	return os.Rename(tmp, f.path)
}

func (f *FileStore) Get(_ context.Context, key string) (*Record, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	record, ok := f.data[key]
	if !ok {
		return nil, nil
	}
	if record.expired(f.Now()) {
		delete(f.data, key)
		_ = f.persist()
		return nil, nil
	}
	return &record, nil
}

func (f *FileStore) Save(_ context.Context, key string, record Record) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.data[key] = record
	return f.persist()
}
