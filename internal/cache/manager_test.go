package cache

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/driftline/snapgate/internal/snapshot"
	"github.com/driftline/snapgate/internal/storage/objectstore"
)

// stubSource is an in-memory Source with call counters and injectable
// failures.
type stubSource struct {
	mu         sync.Mutex
	pointer    snapshot.PointerRecord
	pointerOK  bool
	pointerErr error
	manifests  map[snapshot.VersionID]snapshot.Manifest
	blobs      map[snapshot.VersionID][]byte
	blobErr    error

	pointerCalls  atomic.Int64
	manifestCalls atomic.Int64
	blobCalls     atomic.Int64
}

func newStubSource() *stubSource {
	return &stubSource{
		manifests: map[snapshot.VersionID]snapshot.Manifest{},
		blobs:     map[snapshot.VersionID][]byte{},
	}
}

func (s *stubSource) addVersion(v snapshot.VersionID, content string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sum := sha256.Sum256([]byte(content))
	s.manifests[v] = snapshot.Manifest{
		VersionID: v,
		Checksum:  hex.EncodeToString(sum[:]),
		SizeBytes: int64(len(content)),
		CreatedAt: time.Now().UTC(),
	}
	s.blobs[v] = []byte(content)
}

func (s *stubSource) promote(v snapshot.VersionID) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.pointer = snapshot.PointerRecord{CurrentVersion: v, PromotedAt: time.Now().UTC()}
	s.pointerOK = true
}

func (s *stubSource) setPointerErr(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.pointerErr = err
}

func (s *stubSource) GetPointer(ctx context.Context) (snapshot.PointerRecord, string, error) {
	s.pointerCalls.Add(1)
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.pointerErr != nil {
		return snapshot.PointerRecord{}, "", s.pointerErr
	}
	if !s.pointerOK {
		return snapshot.PointerRecord{}, "", objectstore.ErrNotFound
	}
	return s.pointer, "etag", nil
}

func (s *stubSource) GetManifest(ctx context.Context, v snapshot.VersionID) (snapshot.Manifest, error) {
	s.manifestCalls.Add(1)
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.manifests[v]
	if !ok {
		return snapshot.Manifest{}, snapshot.ErrVersionNotFound
	}
	return m, nil
}

func (s *stubSource) OpenBlob(ctx context.Context, v snapshot.VersionID) (io.ReadCloser, objectstore.ObjectInfo, error) {
	s.blobCalls.Add(1)
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.blobErr != nil {
		return nil, objectstore.ObjectInfo{}, s.blobErr
	}
	blob, ok := s.blobs[v]
	if !ok {
		return nil, objectstore.ObjectInfo{}, snapshot.ErrVersionNotFound
	}
	return io.NopCloser(strings.NewReader(string(blob))), objectstore.ObjectInfo{Size: int64(len(blob))}, nil
}

func testManager(t *testing.T, src Source, verify VerifyFunc) *Manager {
	t.Helper()
	logger := slog.New(slog.NewJSONHandler(io.Discard, nil))
	m, err := NewManager(Config{Root: t.TempDir(), TTL: time.Hour}, src, verify, logger)
	if err != nil {
		t.Fatalf("NewManager() err=%v", err)
	}
	return m
}

func TestAcquire_DownloadsAndVerifies(t *testing.T) {
	src := newStubSource()
	src.addVersion("20240101", "snapshot body")
	src.promote("20240101")
	m := testManager(t, src, nil)

	path, err := m.Acquire(context.Background())
	if err != nil {
		t.Fatalf("Acquire() err=%v", err)
	}
	got, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("ReadFile(%s) err=%v", path, err)
	}
	if string(got) != "snapshot body" {
		t.Fatalf("cached content=%q", got)
	}
	if filepath.Base(path) != "snapshot_20240101.db" {
		t.Fatalf("cache file name=%s", filepath.Base(path))
	}

	st := m.Status()
	if st.State != snapshot.CacheReady || st.CurrentVersion != "20240101" {
		t.Fatalf("status=%+v", st)
	}
}

func TestAcquire_NoVersionPromoted(t *testing.T) {
	m := testManager(t, newStubSource(), nil)
	_, err := m.Acquire(context.Background())
	if !errors.Is(err, snapshot.ErrVersionNotFound) {
		t.Fatalf("err=%v, want ErrVersionNotFound", err)
	}
}

func TestAcquire_ColdStartStoreDown(t *testing.T) {
	src := newStubSource()
	src.setPointerErr(errors.New("connection refused"))
	m := testManager(t, src, nil)

	_, err := m.Acquire(context.Background())
	if !errors.Is(err, snapshot.ErrStoreUnavailable) {
		t.Fatalf("err=%v, want ErrStoreUnavailable", err)
	}
}

func TestAcquire_ServesStaleWhenStoreDown(t *testing.T) {
	src := newStubSource()
	src.addVersion("20240101", "payload")
	src.promote("20240101")
	m := testManager(t, src, nil)

	warm, err := m.Acquire(context.Background())
	if err != nil {
		t.Fatalf("warm Acquire() err=%v", err)
	}

	src.setPointerErr(errors.New("store down"))
	m.ForceCheck()
	path, err := m.Acquire(context.Background())
	if err != nil {
		t.Fatalf("stale Acquire() err=%v", err)
	}
	if path != warm {
		t.Fatalf("path=%s, want cached %s", path, warm)
	}
}

func TestAcquire_TTLSkipsPointerCheck(t *testing.T) {
	src := newStubSource()
	src.addVersion("20240101", "payload")
	src.promote("20240101")
	m := testManager(t, src, nil)

	if _, err := m.Acquire(context.Background()); err != nil {
		t.Fatalf("Acquire() err=%v", err)
	}
	before := src.pointerCalls.Load()
	for i := 0; i < 5; i++ {
		if _, err := m.Acquire(context.Background()); err != nil {
			t.Fatalf("Acquire() run %d err=%v", i, err)
		}
	}
	if got := src.pointerCalls.Load(); got != before {
		t.Fatalf("pointer calls=%d, want %d (fresh entry must not re-check)", got, before)
	}
}

func TestAcquire_PointerUnchangedRefreshesWithoutDownload(t *testing.T) {
	src := newStubSource()
	src.addVersion("20240101", "payload")
	src.promote("20240101")
	m := testManager(t, src, nil)

	if _, err := m.Acquire(context.Background()); err != nil {
		t.Fatalf("Acquire() err=%v", err)
	}
	downloads := src.blobCalls.Load()

	m.ForceCheck()
	if _, err := m.Acquire(context.Background()); err != nil {
		t.Fatalf("Acquire() after ForceCheck err=%v", err)
	}
	if got := src.blobCalls.Load(); got != downloads {
		t.Fatalf("blob calls=%d, want %d (unchanged pointer must not re-download)", got, downloads)
	}
}

func TestAcquire_SwitchToNewVersion(t *testing.T) {
	src := newStubSource()
	src.addVersion("20240101", "old")
	src.addVersion("20240102", "new")
	src.promote("20240101")
	m := testManager(t, src, nil)

	oldPath, err := m.Acquire(context.Background())
	if err != nil {
		t.Fatalf("Acquire(old) err=%v", err)
	}

	src.promote("20240102")
	m.ForceCheck()
	newPath, err := m.Acquire(context.Background())
	if err != nil {
		t.Fatalf("Acquire(new) err=%v", err)
	}
	if newPath == oldPath {
		t.Fatalf("path did not change after promotion")
	}
	got, err := os.ReadFile(newPath)
	if err != nil || string(got) != "new" {
		t.Fatalf("new content=%q err=%v", got, err)
	}
	if st := m.Status(); st.CurrentVersion != "20240102" {
		t.Fatalf("status=%+v", st)
	}
}

func TestAcquire_ConcurrentCallersShareOneDownload(t *testing.T) {
	src := newStubSource()
	src.addVersion("20240101", "payload")
	src.promote("20240101")
	m := testManager(t, src, nil)

	const callers = 16
	var wg sync.WaitGroup
	paths := make([]string, callers)
	errs := make([]error, callers)
	start := make(chan struct{})
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			<-start
			paths[i], errs[i] = m.Acquire(context.Background())
		}(i)
	}
	close(start)
	wg.Wait()

	for i := 0; i < callers; i++ {
		if errs[i] != nil {
			t.Fatalf("caller %d err=%v", i, errs[i])
		}
		if paths[i] != paths[0] {
			t.Fatalf("caller %d path=%s, want %s", i, paths[i], paths[0])
		}
	}
	if got := src.blobCalls.Load(); got != 1 {
		t.Fatalf("blob calls=%d, want exactly 1", got)
	}
}

func TestAcquire_CorruptDownloadThenRecovery(t *testing.T) {
	src := newStubSource()
	src.addVersion("20240101", "expected content")
	// Corrupt the blob so it no longer matches the manifest.
	src.mu.Lock()
	src.blobs["20240101"] = []byte("tampered")
	src.mu.Unlock()
	src.promote("20240101")
	m := testManager(t, src, nil)

	_, err := m.Acquire(context.Background())
	if !errors.Is(err, snapshot.ErrCorruptSnapshot) {
		t.Fatalf("err=%v, want ErrCorruptSnapshot", err)
	}
	if st := m.Status(); st.State != snapshot.CacheFailed || st.LastError == "" {
		t.Fatalf("status=%+v", st)
	}
	// Nothing half-written left behind.
	matches, _ := filepath.Glob(filepath.Join(m.cfg.Root, "snapshot_*"))
	if len(matches) != 0 {
		t.Fatalf("leftover files: %v", matches)
	}

	// The producer re-uploads the right bytes; the failed state forces the
	// next acquire to retry immediately.
	src.mu.Lock()
	src.blobs["20240101"] = []byte("expected content")
	src.mu.Unlock()
	path, err := m.Acquire(context.Background())
	if err != nil {
		t.Fatalf("recovery Acquire() err=%v", err)
	}
	got, _ := os.ReadFile(path)
	if string(got) != "expected content" {
		t.Fatalf("recovered content=%q", got)
	}
}

func TestAcquire_VerifyFailureRemovesFile(t *testing.T) {
	src := newStubSource()
	src.addVersion("20240101", "payload")
	src.promote("20240101")
	verify := func(path string) error { return errors.New("not a database") }
	m := testManager(t, src, verify)

	_, err := m.Acquire(context.Background())
	if !errors.Is(err, snapshot.ErrCorruptSnapshot) {
		t.Fatalf("err=%v, want ErrCorruptSnapshot", err)
	}
	if _, err := os.Stat(m.snapshotPath("20240101")); !os.IsNotExist(err) {
		t.Fatalf("rejected snapshot left on disk: err=%v", err)
	}
}

func TestAcquire_ReusesExistingFile(t *testing.T) {
	src := newStubSource()
	src.addVersion("20240101", "payload")
	src.promote("20240101")
	m := testManager(t, src, nil)

	// Another process already materialized this version into the shared root.
	pre := m.snapshotPath("20240101")
	if err := os.WriteFile(pre, []byte("payload"), 0o644); err != nil {
		t.Fatalf("WriteFile() err=%v", err)
	}

	path, err := m.Acquire(context.Background())
	if err != nil {
		t.Fatalf("Acquire() err=%v", err)
	}
	if path != pre {
		t.Fatalf("path=%s, want %s", path, pre)
	}
	if got := src.blobCalls.Load(); got != 0 {
		t.Fatalf("blob calls=%d, want 0 (on-disk copy matches manifest)", got)
	}
}

func TestPruneStale_KeepsCurrentAndPrevious(t *testing.T) {
	src := newStubSource()
	src.addVersion("v1", "one")
	src.addVersion("v2", "two")
	src.addVersion("v3", "three")
	m := testManager(t, src, nil)

	for _, v := range []snapshot.VersionID{"v1", "v2", "v3"} {
		src.promote(v)
		m.ForceCheck()
		if _, err := m.Acquire(context.Background()); err != nil {
			t.Fatalf("Acquire(%s) err=%v", v, err)
		}
	}

	if err := m.PruneStale(); err != nil {
		t.Fatalf("PruneStale() err=%v", err)
	}
	if _, err := os.Stat(m.snapshotPath("v3")); err != nil {
		t.Fatalf("current snapshot pruned: %v", err)
	}
	if _, err := m.Acquire(context.Background()); err != nil {
		t.Fatalf("Acquire() after prune err=%v", err)
	}
	if _, err := os.Stat(m.snapshotPath("v2")); err != nil {
		t.Fatalf("previous snapshot pruned: %v", err)
	}
	if _, err := os.Stat(m.snapshotPath("v1")); !os.IsNotExist(err) {
		t.Fatalf("stale snapshot survived: err=%v", err)
	}
}

func TestAcquire_BlobFetchError(t *testing.T) {
	src := newStubSource()
	src.addVersion("20240101", "payload")
	src.promote("20240101")
	src.mu.Lock()
	src.blobErr = errors.New("i/o timeout")
	src.mu.Unlock()
	m := testManager(t, src, nil)

	_, err := m.Acquire(context.Background())
	if !errors.Is(err, snapshot.ErrFetchFailed) {
		t.Fatalf("err=%v, want ErrFetchFailed", err)
	}
}
