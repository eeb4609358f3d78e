package objectstore

import (
	"bytes"
	"context"
	"crypto/md5"
	"encoding/hex"
	"fmt"
	"io"
	"sort"
	"sync"
	"time"
)

// MemStore is an in-memory Store with the same conditional-write semantics as
// the S3 backend. It backs tests and local development without a MinIO
// endpoint.
type MemStore struct {
	mu      sync.Mutex
	objects map[string]memObject
	now     func() time.Time
}

type memObject struct {
	data         []byte
	etag         string
	contentType  string
	lastModified time.Time
}

func NewMemStore() *MemStore {
	return &MemStore{
		objects: make(map[string]memObject),
		now:     time.Now,
	}
}

func (s *MemStore) Put(ctx context.Context, key string, body io.Reader, size int64, contentType string) error {
	data, err := io.ReadAll(body)
	if err != nil {
		return err
	}
	if size >= 0 && int64(len(data)) != size {
		return fmt.Errorf("size mismatch: declared %d, read %d", size, len(data))
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.store(key, data, contentType)
	return nil
}

func (s *MemStore) PutIfUnchanged(ctx context.Context, key string, body []byte, contentType, expectedETag string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	obj, exists := s.objects[key]
	if expectedETag == "" {
		if exists {
			return fmt.Errorf("%w: %s already exists", ErrPreconditionFailed, key)
		}
	} else if !exists || obj.etag != expectedETag {
		return fmt.Errorf("%w: %s changed since read", ErrPreconditionFailed, key)
	}
	s.store(key, append([]byte(nil), body...), contentType)
	return nil
}

func (s *MemStore) Get(ctx context.Context, key string) ([]byte, ObjectInfo, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	obj, ok := s.objects[key]
	if !ok {
		return nil, ObjectInfo{}, fmt.Errorf("%w: %s", ErrNotFound, key)
	}
	return append([]byte(nil), obj.data...), obj.info(key), nil
}

func (s *MemStore) GetStream(ctx context.Context, key string) (io.ReadCloser, ObjectInfo, error) {
	data, info, err := s.Get(ctx, key)
	if err != nil {
		return nil, ObjectInfo{}, err
	}
	return io.NopCloser(bytes.NewReader(data)), info, nil
}

func (s *MemStore) Stat(ctx context.Context, key string) (ObjectInfo, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	obj, ok := s.objects[key]
	if !ok {
		return ObjectInfo{}, fmt.Errorf("%w: %s", ErrNotFound, key)
	}
	return obj.info(key), nil
}

func (s *MemStore) List(ctx context.Context, prefix, startAfter string, max int) ([]ObjectInfo, error) {
	if max <= 0 {
		max = 1000
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	keys := make([]string, 0, len(s.objects))
	for key := range s.objects {
		if len(key) >= len(prefix) && key[:len(prefix)] == prefix && key > startAfter {
			keys = append(keys, key)
		}
	}
	sort.Strings(keys)
	if len(keys) > max {
		keys = keys[:max]
	}
	out := make([]ObjectInfo, 0, len(keys))
	for _, key := range keys {
		out = append(out, s.objects[key].info(key))
	}
	return out, nil
}

func (s *MemStore) Delete(ctx context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.objects, key)
	return nil
}

func (s *MemStore) store(key string, data []byte, contentType string) {
	sum := md5.Sum(data)
	s.objects[key] = memObject{
		data:         data,
		etag:         hex.EncodeToString(sum[:]),
		contentType:  contentType,
		lastModified: s.now().UTC(),
	}
}

func (o memObject) info(key string) ObjectInfo {
	return ObjectInfo{
		Key:          key,
		Size:         int64(len(o.data)),
		ETag:         o.etag,
		ContentType:  o.contentType,
		LastModified: o.lastModified,
	}
}
