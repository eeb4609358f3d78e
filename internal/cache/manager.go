// Package cache materializes the currently promoted snapshot version on the
// local filesystem for one serving process. Concurrent acquires share a
// single in-flight download per version; a verified entry is served from disk
// until the freshness policy forces a pointer re-check.
package cache

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/driftline/snapgate/internal/snapshot"
	"github.com/driftline/snapgate/internal/storage/objectstore"
	"golang.org/x/sync/singleflight"
)

// Source is the slice of the registry the cache manager needs.
type Source interface {
	GetPointer(ctx context.Context) (snapshot.PointerRecord, string, error)
	GetManifest(ctx context.Context, v snapshot.VersionID) (snapshot.Manifest, error)
	OpenBlob(ctx context.Context, v snapshot.VersionID) (io.ReadCloser, objectstore.ObjectInfo, error)
}

// VerifyFunc is an optional post-download check run against the materialized
// file before it is marked ready (e.g. an SQLite smoke query).
type VerifyFunc func(path string) error

type Config struct {
	// Root is the local cache directory, typically on a shared slower
	// filesystem mounted into every serving instance.
	Root string

	// TTL bounds how long a pointer check stays fresh. Default one hour.
	TTL time.Duration

	// DownloadTimeout aborts a transfer that exceeds it. Default five
	// minutes.
	DownloadTimeout time.Duration
}

type entry struct {
	version   snapshot.VersionID
	path      string
	fetchedAt time.Time
	verified  bool
	state     snapshot.CacheState
}

// Manager implements acquire() for one process. Safe for concurrent use.
type Manager struct {
	cfg    Config
	source Source
	verify VerifyFunc
	logger *slog.Logger
	now    func() time.Time

	group singleflight.Group

	mu          sync.Mutex
	entry       *entry
	previous    snapshot.VersionID
	state       snapshot.CacheState
	lastChecked time.Time
	lastRefresh time.Time
	lastFailed  bool
	lastErr     error
}

func NewManager(cfg Config, source Source, verify VerifyFunc, logger *slog.Logger) (*Manager, error) {
	if source == nil {
		return nil, errors.New("source is required")
	}
	if logger == nil {
		return nil, errors.New("logger is required")
	}
	if strings.TrimSpace(cfg.Root) == "" {
		return nil, errors.New("cache root is required")
	}
	if cfg.TTL <= 0 {
		cfg.TTL = time.Hour
	}
	if cfg.DownloadTimeout <= 0 {
		cfg.DownloadTimeout = 5 * time.Minute
	}
	if err := os.MkdirAll(cfg.Root, 0o755); err != nil {
		return nil, fmt.Errorf("create cache root: %w", err)
	}
	return &Manager{
		cfg:    cfg,
		source: source,
		verify: verify,
		logger: logger,
		now:    time.Now,
		state:  snapshot.CacheEmpty,
	}, nil
}

// Acquire returns the local path of a ready, verified snapshot for the
// current version. It downloads at most once per version per process; all
// concurrent callers for the same version share one transfer.
func (m *Manager) Acquire(ctx context.Context) (string, error) {
	m.mu.Lock()
	if e := m.entry; e != nil && e.state == snapshot.CacheReady &&
		!Due(m.now(), m.lastChecked, m.cfg.TTL, m.lastFailed) {
		path := e.path
		m.mu.Unlock()
		return path, nil
	}
	m.mu.Unlock()

	ptr, _, err := m.source.GetPointer(ctx)
	if err != nil {
		if errors.Is(err, objectstore.ErrNotFound) {
			return "", fmt.Errorf("no version promoted yet: %w", snapshot.ErrVersionNotFound)
		}
		// Availability over freshness: a ready entry outlives its TTL while
		// the store is down. A cold process has nothing to fall back on.
		m.mu.Lock()
		e := m.entry
		m.mu.Unlock()
		if e != nil && e.state == snapshot.CacheReady {
			m.logger.Warn("version store unreachable, serving cached snapshot past ttl",
				"version", e.version, "error", err)
			return e.path, nil
		}
		return "", fmt.Errorf("%w: pointer check: %v", snapshot.ErrStoreUnavailable, err)
	}

	current := ptr.CurrentVersion
	m.mu.Lock()
	if e := m.entry; e != nil && e.state == snapshot.CacheReady && e.version == current {
		// Pointer unchanged: refresh the check window, no transfer.
		m.lastChecked = m.now()
		m.lastFailed = false
		m.lastErr = nil
		path := e.path
		m.mu.Unlock()
		return path, nil
	}
	m.mu.Unlock()

	v, err, _ := m.group.Do(string(current), func() (any, error) {
		return m.materialize(ctx, current)
	})
	if err != nil {
		m.mu.Lock()
		m.state = snapshot.CacheFailed
		m.lastFailed = true
		m.lastErr = err
		m.lastChecked = m.now()
		m.mu.Unlock()
		return "", err
	}

	e := v.(*entry)
	m.mu.Lock()
	if m.entry != nil && m.entry.version != e.version {
		m.previous = m.entry.version
	}
	m.entry = e
	m.state = snapshot.CacheReady
	m.lastChecked = m.now()
	m.lastRefresh = e.fetchedAt
	m.lastFailed = false
	m.lastErr = nil
	m.mu.Unlock()
	return e.path, nil
}

// ForceCheck makes the next Acquire bypass the TTL and re-read the pointer.
func (m *Manager) ForceCheck() {
	m.mu.Lock()
	m.lastChecked = time.Time{}
	m.mu.Unlock()
}

func (m *Manager) snapshotPath(v snapshot.VersionID) string {
	return filepath.Join(m.cfg.Root, "snapshot_"+string(v)+".db")
}

// materialize runs inside the per-version singleflight. The download is
// detached from the triggering caller's cancellation so one impatient caller
// cannot poison the flight shared by the others.
func (m *Manager) materialize(ctx context.Context, version snapshot.VersionID) (*entry, error) {
	m.mu.Lock()
	m.state = snapshot.CacheDownloading
	m.mu.Unlock()

	man, err := m.source.GetManifest(ctx, version)
	if err != nil {
		return nil, err
	}

	dest := m.snapshotPath(version)
	if m.reuseExisting(dest, man) {
		m.logger.Info("reusing verified snapshot already on disk", "version", version, "path", dest)
		return &entry{
			version:   version,
			path:      dest,
			fetchedAt: m.now().UTC(),
			verified:  true,
			state:     snapshot.CacheReady,
		}, nil
	}

	dctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), m.cfg.DownloadTimeout)
	defer cancel()

	body, _, err := m.source.OpenBlob(dctx, version)
	if err != nil {
		if errors.Is(err, snapshot.ErrVersionNotFound) {
			return nil, err
		}
		return nil, fmt.Errorf("%w: open blob %s: %v", snapshot.ErrFetchFailed, version, err)
	}
	defer func() { _ = body.Close() }()

	tmp, err := os.CreateTemp(m.cfg.Root, "snapshot_*.partial")
	if err != nil {
		return nil, fmt.Errorf("%w: create temp file: %v", snapshot.ErrFetchFailed, err)
	}
	tmpName := tmp.Name()
	discard := func() {
		_ = tmp.Close()
		_ = os.Remove(tmpName)
	}

	h := sha256.New()
	n, err := io.Copy(io.MultiWriter(tmp, h), body)
	if err != nil {
		discard()
		return nil, fmt.Errorf("%w: download %s: %v", snapshot.ErrFetchFailed, version, err)
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmpName)
		return nil, fmt.Errorf("%w: close temp file: %v", snapshot.ErrFetchFailed, err)
	}

	sum := hex.EncodeToString(h.Sum(nil))
	if !strings.EqualFold(sum, man.Checksum) {
		_ = os.Remove(tmpName)
		return nil, fmt.Errorf("snapshot %s: downloaded sha256 %s, manifest says %s: %w",
			version, sum, man.Checksum, snapshot.ErrCorruptSnapshot)
	}
	if man.SizeBytes > 0 && n != man.SizeBytes {
		_ = os.Remove(tmpName)
		return nil, fmt.Errorf("snapshot %s: downloaded %d bytes, manifest says %d: %w",
			version, n, man.SizeBytes, snapshot.ErrCorruptSnapshot)
	}

	// Rename-style swap: concurrent readers never observe a partial file.
	if err := os.Rename(tmpName, dest); err != nil {
		_ = os.Remove(tmpName)
		return nil, fmt.Errorf("%w: install snapshot %s: %v", snapshot.ErrFetchFailed, version, err)
	}

	if m.verify != nil {
		if err := m.verify(dest); err != nil {
			_ = os.Remove(dest)
			return nil, fmt.Errorf("snapshot %s failed verification: %v: %w",
				version, err, snapshot.ErrCorruptSnapshot)
		}
	}

	m.logger.Info("snapshot materialized", "version", version, "path", dest, "size_bytes", n)
	return &entry{
		version:   version,
		path:      dest,
		fetchedAt: m.now().UTC(),
		verified:  true,
		state:     snapshot.CacheReady,
	}, nil
}

// reuseExisting reports whether dest already holds a byte-identical copy of
// the manifested snapshot, e.g. left by a previous process on the shared
// cache filesystem.
func (m *Manager) reuseExisting(dest string, man snapshot.Manifest) bool {
	fi, err := os.Stat(dest)
	if err != nil {
		return false
	}
	if man.SizeBytes > 0 && fi.Size() != man.SizeBytes {
		return false
	}
	f, err := os.Open(dest)
	if err != nil {
		return false
	}
	defer func() { _ = f.Close() }()
	h := sha256.New()
	if _, err := io.Copy(h, f); err != nil {
		return false
	}
	return strings.EqualFold(hex.EncodeToString(h.Sum(nil)), man.Checksum)
}

// PruneStale removes cached snapshot files for versions other than the
// current and the immediately previous one. Retention work only; never part
// of correctness.
func (m *Manager) PruneStale() error {
	m.mu.Lock()
	keep := map[string]bool{}
	if m.entry != nil {
		keep[filepath.Base(m.entry.path)] = true
	}
	if m.previous != "" {
		keep[filepath.Base(m.snapshotPath(m.previous))] = true
	}
	m.mu.Unlock()

	matches, err := filepath.Glob(filepath.Join(m.cfg.Root, "snapshot_*.db"))
	if err != nil {
		return err
	}
	for _, path := range matches {
		if keep[filepath.Base(path)] {
			continue
		}
		if err := os.Remove(path); err != nil {
			m.logger.Warn("prune: could not remove stale snapshot", "path", path, "error", err)
			continue
		}
		m.logger.Info("prune: removed stale snapshot", "path", path)
	}
	return nil
}

// Status is a read-only diagnostic snapshot of the manager. Safe to call at
// arbitrary concurrency; never mutates state.
type Status struct {
	CurrentVersion snapshot.VersionID  `json:"current_version,omitempty"`
	State          snapshot.CacheState `json:"cache_state"`
	LocalPath      string              `json:"local_path,omitempty"`
	LastRefreshAt  time.Time           `json:"last_refresh_at,omitzero"`
	LastCheckedAt  time.Time           `json:"last_checked_at,omitzero"`
	LastError      string              `json:"last_error,omitempty"`
}

func (m *Manager) Status() Status {
	m.mu.Lock()
	defer m.mu.Unlock()
	st := Status{
		State:         m.state,
		LastRefreshAt: m.lastRefresh,
		LastCheckedAt: m.lastChecked,
	}
	if m.entry != nil {
		st.CurrentVersion = m.entry.version
		st.LocalPath = m.entry.path
	}
	if m.lastErr != nil {
		st.LastError = m.lastErr.Error()
	}
	return st
}
