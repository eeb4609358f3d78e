package snapshot

import "errors"

var (
	// ErrVersionNotFound reports a version absent from the version store, or
	// an unset pointer. Surfaced verbatim to callers.
	ErrVersionNotFound = errors.New("version not found")

	// ErrChecksumMismatch reports a blob whose content hash does not match
	// its manifest during promotion-side validation.
	ErrChecksumMismatch = errors.New("checksum mismatch")

	// ErrCorruptSnapshot reports a downloaded snapshot that failed
	// verification. A corrupt snapshot is never served.
	ErrCorruptSnapshot = errors.New("corrupt snapshot")

	// ErrStoreConflict reports that the pointer was concurrently modified
	// since it was last read. It is a correctness signal, not a transient
	// fault.
	ErrStoreConflict = errors.New("store conflict")

	// ErrPromotionConflict reports that a promotion lost the conditional
	// pointer write race more times than the bounded retry allows.
	ErrPromotionConflict = errors.New("promotion conflict")

	// ErrFetchFailed reports a transient network or I/O failure while
	// transferring a snapshot. Callers may retry the acquire.
	ErrFetchFailed = errors.New("snapshot fetch failed")

	// ErrStoreUnavailable reports that the version store is unreachable and
	// no cached snapshot exists to fall back on.
	ErrStoreUnavailable = errors.New("version store unavailable")
)
