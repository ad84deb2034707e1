// Package memory is an in-process artifact backend for tests and local runs.
package memory

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"io"
	"sort"
	"strings"
	"sync"
	"time"

	"pkt.systems/middlewared/internal/artifacts"
)

type objectEntry struct {
	payload     []byte
	etag        string
	contentType string
	updated     time.Time
}

// Store implements artifacts.Backend in memory.
type Store struct {
	mu   sync.RWMutex
	objs map[string]*objectEntry
	now  func() time.Time
}

// New returns an empty store.
func New() *Store {
	return &Store{objs: make(map[string]*objectEntry), now: time.Now}
}

// Put implements artifacts.Backend.
func (s *Store) Put(ctx context.Context, key string, body io.Reader, opts artifacts.PutOptions) (*artifacts.ObjectInfo, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	data, err := io.ReadAll(body)
	if err != nil {
		return nil, err
	}
	sum := sha256.Sum256(data)
	entry := &objectEntry{
		payload:     data,
		etag:        hex.EncodeToString(sum[:]),
		contentType: opts.ContentType,
		updated:     s.now().UTC(),
	}
	s.mu.Lock()
	s.objs[key] = entry
	s.mu.Unlock()
	return entry.info(key), nil
}

// Get implements artifacts.Backend.
func (s *Store) Get(ctx context.Context, key string) (*artifacts.Object, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	entry, ok := s.objs[key]
	s.mu.RUnlock()
	if !ok {
		return nil, artifacts.ErrNotFound
	}
	return &artifacts.Object{
		Body: io.NopCloser(bytes.NewReader(entry.payload)),
		Info: entry.info(key),
	}, nil
}

// Delete implements artifacts.Backend.
func (s *Store) Delete(ctx context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.objs[key]; !ok {
		return artifacts.ErrNotFound
	}
	delete(s.objs, key)
	return nil
}

// List implements artifacts.Backend.
func (s *Store) List(ctx context.Context, prefix string) ([]artifacts.ObjectInfo, error) {
	s.mu.RLock()
	out := make([]artifacts.ObjectInfo, 0, len(s.objs))
	for key, entry := range s.objs {
		if strings.HasPrefix(key, prefix) {
			out = append(out, *entry.info(key))
		}
	}
	s.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].Key < out[j].Key })
	return out, nil
}

// Len returns the number of stored objects.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.objs)
}

// Raw returns the stored bytes of key, as written by the caller.
func (s *Store) Raw(key string) ([]byte, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	entry, ok := s.objs[key]
	if !ok {
		return nil, false
	}
	return append([]byte(nil), entry.payload...), true
}

// Close implements artifacts.Backend.
func (s *Store) Close() error { return nil }

func (e *objectEntry) info(key string) *artifacts.ObjectInfo {
	return &artifacts.ObjectInfo{
		Key:          key,
		ETag:         e.etag,
		Size:         int64(len(e.payload)),
		LastModified: e.updated,
		ContentType:  e.contentType,
	}
}
