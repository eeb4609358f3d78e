// Package snapshot holds the domain types shared by the registry, the
// promotion controller and the local cache manager.
package snapshot

import (
	"errors"
	"strings"
	"time"
)

// VersionID identifies one snapshot generation. IDs are opaque but lexically
// sortable (timestamp-derived), so a plain string sort orders them by age.
type VersionID string

func (v VersionID) String() string { return string(v) }

// Manifest is the write-once integrity record for one version. It must exist
// in the version store before its version can be promoted.
type Manifest struct {
	VersionID VersionID         `json:"version_id"`
	Checksum  string            `json:"checksum"`
	SizeBytes int64             `json:"size_bytes"`
	CreatedAt time.Time         `json:"created_at"`
	Metadata  map[string]string `json:"metadata,omitempty"`
}

func (m Manifest) Validate() error {
	if strings.TrimSpace(string(m.VersionID)) == "" {
		return errors.New("version_id is required")
	}
	if strings.TrimSpace(m.Checksum) == "" {
		return errors.New("checksum is required")
	}
	if m.SizeBytes < 0 {
		return errors.New("size_bytes must be >= 0")
	}
	if m.CreatedAt.IsZero() {
		return errors.New("created_at is required")
	}
	return nil
}

// PointerRecord is the singleton record naming the currently promoted
// version. It only ever references a version whose manifest exists and whose
// blob passed checksum validation.
type PointerRecord struct {
	CurrentVersion  VersionID `json:"current_version"`
	PreviousVersion VersionID `json:"previous_version,omitempty"`
	PromotedAt      time.Time `json:"promoted_at"`
	PromotedBy      string    `json:"promoted_by,omitempty"`
}

func (p PointerRecord) Validate() error {
	if strings.TrimSpace(string(p.CurrentVersion)) == "" {
		return errors.New("current_version is required")
	}
	if p.PromotedAt.IsZero() {
		return errors.New("promoted_at is required")
	}
	return nil
}

// CacheState describes the local materialization state of one version within
// one serving process.
type CacheState string

const (
	CacheEmpty       CacheState = "empty"
	CacheDownloading CacheState = "downloading"
	CacheReady       CacheState = "ready"
	CacheFailed      CacheState = "failed"
)
