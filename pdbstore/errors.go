package pdbstore

import "errors"

// Sentinel errors returned by Store methods. Every error a method returns
// wraps exactly one of these via %w; callers should match with errors.Is.
var (
	// ErrInvalidArgument means the caller violated an input constraint:
	// key syntax or length, reserved flag bits, or a data-size mismatch
	// on an update.
	ErrInvalidArgument = errors.New("pdbstore: invalid argument")

	// ErrNotInitialized means the store has not been successfully
	// mounted, or has been closed.
	ErrNotInitialized = errors.New("pdbstore: not initialized")

	// ErrNotFound means the key does not exist, or exists only as a
	// tombstone.
	ErrNotFound = errors.New("pdbstore: not found")

	// ErrKeyReadonly means the key exists in the read-only area.
	ErrKeyReadonly = errors.New("pdbstore: key is read-only")

	// ErrMediaFull means the writable area has no room for the record.
	ErrMediaFull = errors.New("pdbstore: media full")

	// ErrDataCorrupt means a CRC mismatch or a structurally impossible
	// record was encountered while serving a read.
	ErrDataCorrupt = errors.New("pdbstore: data corrupt")

	// ErrMount means Open could not establish a consistent view of the
	// banks it was given, even after attempting staging replay and tail
	// truncation.
	ErrMount = errors.New("pdbstore: mount failed")

	// ErrMedia means a read, program or erase call into the underlying
	// media.Bank failed outside of mount (for instance a worn-out erase
	// cycle rejecting a write). Set and Remove wrap the failing
	// media/record error with this sentinel so callers can match it with
	// errors.Is(err, pdbstore.ErrMedia).
	ErrMedia = errors.New("pdbstore: media operation failed")
)
