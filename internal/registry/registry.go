// Package registry reads and writes the durable version store layout: the
// pointer record, per-version manifests and snapshot blobs under a common
// key prefix.
package registry

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sort"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/driftline/snapgate/internal/snapshot"
	"github.com/driftline/snapgate/internal/storage/objectstore"
)

const (
	pointerObject  = "current.json"
	manifestDir    = "manifests/"
	manifestPrefix = "manifest_"
	snapshotDir    = "snapshots/"
	snapshotPrefix = "snapshot_"

	jsonContentType = "application/json"
	blobContentType = "application/octet-stream"
)

// Client is the manifest client over the durable version store.
type Client struct {
	store  objectstore.Store
	prefix string
	logger *slog.Logger

	// listing page size; tests shrink it to exercise pagination.
	pageSize int

	// transient read retries; StoreConflict and NotFound are never retried.
	maxRetries uint64
}

func New(store objectstore.Store, prefix string, logger *slog.Logger) (*Client, error) {
	if store == nil {
		return nil, errors.New("object store is required")
	}
	if logger == nil {
		return nil, errors.New("logger is required")
	}
	prefix = strings.TrimSpace(prefix)
	if prefix != "" && !strings.HasSuffix(prefix, "/") {
		prefix += "/"
	}
	return &Client{
		store:      store,
		prefix:     prefix,
		logger:     logger,
		pageSize:   100,
		maxRetries: 2,
	}, nil
}

func (c *Client) PointerKey() string { return c.prefix + pointerObject }

func (c *Client) ManifestKey(v snapshot.VersionID) string {
	return c.prefix + manifestDir + manifestPrefix + string(v) + ".json"
}

func (c *Client) BlobKey(v snapshot.VersionID) string {
	return c.prefix + snapshotDir + snapshotPrefix + string(v) + ".db"
}

// GetPointer returns the pointer record and the ETag it was read under. The
// ETag feeds WritePointer's optimistic precondition. An unset pointer
// surfaces objectstore.ErrNotFound.
func (c *Client) GetPointer(ctx context.Context) (snapshot.PointerRecord, string, error) {
	var (
		blob []byte
		info objectstore.ObjectInfo
	)
	err := c.retry(ctx, func() error {
		var err error
		blob, info, err = c.store.Get(ctx, c.PointerKey())
		return err
	})
	if err != nil {
		return snapshot.PointerRecord{}, "", fmt.Errorf("get pointer: %w", err)
	}
	var rec snapshot.PointerRecord
	if err := json.Unmarshal(blob, &rec); err != nil {
		return snapshot.PointerRecord{}, "", fmt.Errorf("decode pointer: %w", err)
	}
	return rec, info.ETag, nil
}

// WritePointer conditionally replaces the pointer. expectedETag is the ETag
// from the preceding GetPointer; empty means the pointer must not exist yet.
// A lost race surfaces snapshot.ErrStoreConflict.
func (c *Client) WritePointer(ctx context.Context, rec snapshot.PointerRecord, expectedETag string) error {
	if err := rec.Validate(); err != nil {
		return fmt.Errorf("pointer record: %w", err)
	}
	blob, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("encode pointer: %w", err)
	}
	err = c.store.PutIfUnchanged(ctx, c.PointerKey(), blob, jsonContentType, expectedETag)
	if err != nil {
		if errors.Is(err, objectstore.ErrPreconditionFailed) {
			return fmt.Errorf("write pointer: %w", snapshot.ErrStoreConflict)
		}
		return fmt.Errorf("write pointer: %w", err)
	}
	return nil
}

// GetManifest returns the manifest for v, or snapshot.ErrVersionNotFound.
func (c *Client) GetManifest(ctx context.Context, v snapshot.VersionID) (snapshot.Manifest, error) {
	var blob []byte
	err := c.retry(ctx, func() error {
		var err error
		blob, _, err = c.store.Get(ctx, c.ManifestKey(v))
		return err
	})
	if err != nil {
		if errors.Is(err, objectstore.ErrNotFound) {
			return snapshot.Manifest{}, fmt.Errorf("manifest for %s: %w", v, snapshot.ErrVersionNotFound)
		}
		return snapshot.Manifest{}, fmt.Errorf("get manifest %s: %w", v, err)
	}
	var m snapshot.Manifest
	if err := json.Unmarshal(blob, &m); err != nil {
		return snapshot.Manifest{}, fmt.Errorf("decode manifest %s: %w", v, err)
	}
	return m, nil
}

// PutManifest registers a manifest. Manifests are write-once: overwriting an
// existing one fails.
func (c *Client) PutManifest(ctx context.Context, m snapshot.Manifest) error {
	if err := m.Validate(); err != nil {
		return fmt.Errorf("manifest: %w", err)
	}
	blob, err := json.Marshal(m)
	if err != nil {
		return fmt.Errorf("encode manifest %s: %w", m.VersionID, err)
	}
	err = c.store.PutIfUnchanged(ctx, c.ManifestKey(m.VersionID), blob, jsonContentType, "")
	if err != nil {
		if errors.Is(err, objectstore.ErrPreconditionFailed) {
			return fmt.Errorf("manifest %s already exists", m.VersionID)
		}
		return fmt.Errorf("put manifest %s: %w", m.VersionID, err)
	}
	return nil
}

// PutBlob uploads a snapshot blob for v.
func (c *Client) PutBlob(ctx context.Context, v snapshot.VersionID, body io.Reader, size int64) error {
	if err := c.store.Put(ctx, c.BlobKey(v), body, size, blobContentType); err != nil {
		return fmt.Errorf("put blob %s: %w", v, err)
	}
	return nil
}

// OpenBlob opens the snapshot blob for v for streaming.
func (c *Client) OpenBlob(ctx context.Context, v snapshot.VersionID) (io.ReadCloser, objectstore.ObjectInfo, error) {
	body, info, err := c.store.GetStream(ctx, c.BlobKey(v))
	if err != nil {
		if errors.Is(err, objectstore.ErrNotFound) {
			return nil, objectstore.ObjectInfo{}, fmt.Errorf("blob for %s: %w", v, snapshot.ErrVersionNotFound)
		}
		return nil, objectstore.ObjectInfo{}, fmt.Errorf("open blob %s: %w", v, err)
	}
	return body, info, nil
}

// ChecksumBlob streams the blob for v and returns its sha256 hex digest and
// byte count without buffering the blob in memory.
func (c *Client) ChecksumBlob(ctx context.Context, v snapshot.VersionID) (string, int64, error) {
	body, _, err := c.OpenBlob(ctx, v)
	if err != nil {
		return "", 0, err
	}
	defer func() { _ = body.Close() }()

	h := sha256.New()
	n, err := io.Copy(h, body)
	if err != nil {
		return "", 0, fmt.Errorf("read blob %s: %w", v, err)
	}
	return hex.EncodeToString(h.Sum(nil)), n, nil
}

// ListVersions returns every version with a manifest, newest first. The
// underlying listing is paginated and restartable via the last seen key.
func (c *Client) ListVersions(ctx context.Context) ([]snapshot.VersionID, error) {
	prefix := c.prefix + manifestDir
	var versions []snapshot.VersionID
	startAfter := ""
	for {
		var page []objectstore.ObjectInfo
		err := c.retry(ctx, func() error {
			var err error
			page, err = c.store.List(ctx, prefix, startAfter, c.pageSize)
			return err
		})
		if err != nil {
			return nil, fmt.Errorf("list manifests: %w", err)
		}
		for _, obj := range page {
			if v, ok := c.versionFromManifestKey(obj.Key); ok {
				versions = append(versions, v)
			}
		}
		if len(page) < c.pageSize {
			break
		}
		startAfter = page[len(page)-1].Key
	}
	sort.Slice(versions, func(i, j int) bool { return versions[i] > versions[j] })
	return versions, nil
}

// DeleteBlob removes the snapshot blob for v.
func (c *Client) DeleteBlob(ctx context.Context, v snapshot.VersionID) error {
	if err := c.store.Delete(ctx, c.BlobKey(v)); err != nil {
		return fmt.Errorf("delete blob %s: %w", v, err)
	}
	return nil
}

// DeleteManifest removes the manifest for v.
func (c *Client) DeleteManifest(ctx context.Context, v snapshot.VersionID) error {
	if err := c.store.Delete(ctx, c.ManifestKey(v)); err != nil {
		return fmt.Errorf("delete manifest %s: %w", v, err)
	}
	return nil
}

func (c *Client) versionFromManifestKey(key string) (snapshot.VersionID, bool) {
	name := strings.TrimPrefix(key, c.prefix+manifestDir)
	if !strings.HasPrefix(name, manifestPrefix) || !strings.HasSuffix(name, ".json") {
		return "", false
	}
	v := strings.TrimSuffix(strings.TrimPrefix(name, manifestPrefix), ".json")
	if v == "" {
		return "", false
	}
	return snapshot.VersionID(v), true
}

// retry runs op with bounded exponential backoff. Not-found and precondition
// results are definitive and returned immediately.
func (c *Client) retry(ctx context.Context, op func() error) error {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = 100 * time.Millisecond
	bo.MaxInterval = 2 * time.Second

	attempt := 0
	return backoff.Retry(func() error {
		err := op()
		if err == nil {
			return nil
		}
		if errors.Is(err, objectstore.ErrNotFound) || errors.Is(err, objectstore.ErrPreconditionFailed) {
			return backoff.Permanent(err)
		}
		attempt++
		c.logger.Warn("version store read failed, retrying", "attempt", attempt, "error", err)
		return err
	}, backoff.WithContext(backoff.WithMaxRetries(bo, c.maxRetries), ctx))
}
