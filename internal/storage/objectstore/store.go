package objectstore

import (
	"context"
	"errors"
	"io"
	"time"
)

var (
	// ErrNotFound reports an absent key.
	ErrNotFound = errors.New("object not found")

	// ErrPreconditionFailed reports a conditional write whose precondition
	// did not hold (the object changed since the expected ETag was read, or
	// it already exists for a create-only write).
	ErrPreconditionFailed = errors.New("object precondition failed")
)

// Store abstracts the S3-compatible bucket holding snapshots, manifests and
// the pointer. Implementations bind a single bucket; keys are paths within it.
type Store interface {
	Put(ctx context.Context, key string, body io.Reader, size int64, contentType string) error

	// PutIfUnchanged writes key only if its current ETag equals expectedETag.
	// An empty expectedETag requires the key to not exist yet. Returns
	// ErrPreconditionFailed when the condition does not hold.
	PutIfUnchanged(ctx context.Context, key string, body []byte, contentType, expectedETag string) error

	Get(ctx context.Context, key string) ([]byte, ObjectInfo, error)
	GetStream(ctx context.Context, key string) (io.ReadCloser, ObjectInfo, error)
	Stat(ctx context.Context, key string) (ObjectInfo, error)

	// List returns up to max keys under prefix in lexical order, starting
	// strictly after startAfter. Callers page by passing the last returned
	// key back as startAfter.
	List(ctx context.Context, prefix, startAfter string, max int) ([]ObjectInfo, error)

	Delete(ctx context.Context, key string) error
}

type ObjectInfo struct {
	Key          string
	Size         int64
	ETag         string
	ContentType  string
	LastModified time.Time
}
