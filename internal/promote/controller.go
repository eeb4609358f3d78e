// Package promote implements the operator-facing promotion controller:
// validating candidate versions, atomically moving the pointer, and retaining
// a bounded history in the durable store.
package promote

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/driftline/snapgate/internal/registry"
	"github.com/driftline/snapgate/internal/snapshot"
	"github.com/driftline/snapgate/internal/storage/objectstore"
	"github.com/google/uuid"
)

const defaultConflictRetries = 3

// Controller runs promotions against the durable version store.
type Controller struct {
	reg             *registry.Client
	logger          *slog.Logger
	conflictRetries int
	now             func() time.Time
}

func NewController(reg *registry.Client, logger *slog.Logger) (*Controller, error) {
	if reg == nil {
		return nil, errors.New("registry client is required")
	}
	if logger == nil {
		return nil, errors.New("logger is required")
	}
	return &Controller{
		reg:             reg,
		logger:          logger,
		conflictRetries: defaultConflictRetries,
		now:             time.Now,
	}, nil
}

// VersionStatus is one row of List: a manifest annotated with whether it is
// the current pointer target.
type VersionStatus struct {
	Manifest snapshot.Manifest
	Current  bool
}

// List returns every registered version with its manifest, newest first.
func (c *Controller) List(ctx context.Context) ([]VersionStatus, error) {
	if c == nil || c.reg == nil {
		return nil, errors.New("promotion controller not initialized")
	}
	versions, err := c.reg.ListVersions(ctx)
	if err != nil {
		return nil, err
	}

	var current snapshot.VersionID
	ptr, _, err := c.reg.GetPointer(ctx)
	switch {
	case err == nil:
		current = ptr.CurrentVersion
	case errors.Is(err, objectstore.ErrNotFound):
		// no promotion yet
	default:
		return nil, err
	}

	out := make([]VersionStatus, 0, len(versions))
	for _, v := range versions {
		m, err := c.reg.GetManifest(ctx, v)
		if err != nil {
			return nil, err
		}
		out = append(out, VersionStatus{Manifest: m, Current: v == current})
	}
	return out, nil
}

// Validate re-runs the manifest/checksum consistency check for v without
// touching the pointer. It is safe to call repeatedly.
func (c *Controller) Validate(ctx context.Context, v snapshot.VersionID) error {
	if c == nil || c.reg == nil {
		return errors.New("promotion controller not initialized")
	}
	man, err := c.reg.GetManifest(ctx, v)
	if err != nil {
		return err
	}
	if man.VersionID != v {
		return fmt.Errorf("manifest for %s names version %s", v, man.VersionID)
	}
	sum, size, err := c.reg.ChecksumBlob(ctx, v)
	if err != nil {
		return err
	}
	if !strings.EqualFold(sum, man.Checksum) {
		return fmt.Errorf("version %s: blob sha256 %s, manifest says %s: %w",
			v, sum, man.Checksum, snapshot.ErrChecksumMismatch)
	}
	if man.SizeBytes > 0 && size != man.SizeBytes {
		return fmt.Errorf("version %s: blob is %d bytes, manifest says %d: %w",
			v, size, man.SizeBytes, snapshot.ErrChecksumMismatch)
	}
	return nil
}

// Promote validates v and conditionally rewrites the pointer to it. The whole
// validate-and-write sequence is retried on a pointer race a bounded number
// of times before failing with ErrPromotionConflict.
func (c *Controller) Promote(ctx context.Context, v snapshot.VersionID, promotedBy string) (snapshot.PointerRecord, error) {
	if c == nil || c.reg == nil {
		return snapshot.PointerRecord{}, errors.New("promotion controller not initialized")
	}
	if strings.TrimSpace(string(v)) == "" {
		return snapshot.PointerRecord{}, errors.New("version is required")
	}
	promotionID := uuid.NewString()

	for attempt := 0; attempt <= c.conflictRetries; attempt++ {
		if err := c.Validate(ctx, v); err != nil {
			return snapshot.PointerRecord{}, err
		}

		var (
			previous snapshot.VersionID
			etag     string
		)
		prior, priorETag, err := c.reg.GetPointer(ctx)
		switch {
		case err == nil:
			previous = prior.CurrentVersion
			etag = priorETag
		case errors.Is(err, objectstore.ErrNotFound):
			// first promotion for this deployment
		default:
			return snapshot.PointerRecord{}, err
		}

		rec := snapshot.PointerRecord{
			CurrentVersion:  v,
			PreviousVersion: previous,
			PromotedAt:      c.now().UTC(),
			PromotedBy:      strings.TrimSpace(promotedBy),
		}
		err = c.reg.WritePointer(ctx, rec, etag)
		if err == nil {
			c.logger.Info("version promoted",
				"promotion_id", promotionID,
				"version", v,
				"previous", previous,
				"promoted_by", rec.PromotedBy,
			)
			return rec, nil
		}
		if errors.Is(err, snapshot.ErrStoreConflict) {
			c.logger.Warn("pointer changed during promotion, retrying",
				"promotion_id", promotionID, "version", v, "attempt", attempt+1)
			continue
		}
		return snapshot.PointerRecord{}, err
	}
	return snapshot.PointerRecord{}, fmt.Errorf("promote %s: %w", v, snapshot.ErrPromotionConflict)
}

// CleanupReport describes one retention pass.
type CleanupReport struct {
	Kept    []snapshot.VersionID
	Removed []snapshot.VersionID
	Failed  map[snapshot.VersionID]string
}

// Cleanup deletes blob and manifest for every version older than the keep
// most recent. The currently promoted version always survives, whatever its
// recency rank. A version whose blob delete fails is left whole and reported.
func (c *Controller) Cleanup(ctx context.Context, keep int) (CleanupReport, error) {
	if c == nil || c.reg == nil {
		return CleanupReport{}, errors.New("promotion controller not initialized")
	}
	if keep < 1 {
		return CleanupReport{}, errors.New("keep must be >= 1")
	}

	versions, err := c.reg.ListVersions(ctx)
	if err != nil {
		return CleanupReport{}, err
	}

	var current snapshot.VersionID
	ptr, _, err := c.reg.GetPointer(ctx)
	switch {
	case err == nil:
		current = ptr.CurrentVersion
	case errors.Is(err, objectstore.ErrNotFound):
	default:
		return CleanupReport{}, err
	}

	report := CleanupReport{Failed: map[snapshot.VersionID]string{}}
	for rank, v := range versions {
		if rank < keep || v == current {
			report.Kept = append(report.Kept, v)
			continue
		}
		if err := c.reg.DeleteBlob(ctx, v); err != nil {
			report.Failed[v] = err.Error()
			c.logger.Warn("cleanup: blob delete failed, version left in place", "version", v, "error", err)
			continue
		}
		if err := c.reg.DeleteManifest(ctx, v); err != nil {
			// Blob is gone; the manifest will be retried by the next pass.
			report.Failed[v] = err.Error()
			c.logger.Warn("cleanup: manifest delete failed", "version", v, "error", err)
			continue
		}
		report.Removed = append(report.Removed, v)
	}
	c.logger.Info("cleanup finished",
		"kept", len(report.Kept), "removed", len(report.Removed), "failed", len(report.Failed))
	return report, nil
}

// Status summarizes the durable store for the operator CLI.
type Status struct {
	Pointer       *snapshot.PointerRecord
	TotalVersions int
}

func (c *Controller) Status(ctx context.Context) (Status, error) {
	if c == nil || c.reg == nil {
		return Status{}, errors.New("promotion controller not initialized")
	}
	versions, err := c.reg.ListVersions(ctx)
	if err != nil {
		return Status{}, err
	}
	st := Status{TotalVersions: len(versions)}
	ptr, _, err := c.reg.GetPointer(ctx)
	switch {
	case err == nil:
		st.Pointer = &ptr
	case errors.Is(err, objectstore.ErrNotFound):
	default:
		return Status{}, err
	}
	return st, nil
}
