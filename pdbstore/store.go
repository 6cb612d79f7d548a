// Package pdbstore implements a persistent key/value store over a
// read-only provisioned area and a writable area, with a staging slot
// that makes a single flagged Set resilient to power loss mid-write.
//
// A Store is an explicit handle: it holds no package-level state and no
// internal lock, so callers that need concurrent access must serialize
// it themselves with their own mutex.
package pdbstore

import (
	"bytes"
	"errors"
	"fmt"
	"strings"

	"github.com/rs/zerolog"

	"github.com/arm-mbed/pdbstore/media"
	"github.com/arm-mbed/pdbstore/record"
	"github.com/arm-mbed/pdbstore/wire"
)

// MaxBanks is the largest number of banks Open accepts: one bank carries
// read-only, writable and staging together, two banks split read-only
// from writable+staging.
const MaxBanks = 2

// invalidKeyChars mirrors the reserved characters a filesystem-style key
// may not contain.
const invalidKeyChars = " */?:;\"|<>\\"

// AreaIndex names one of the three logical areas a Store manages.
type AreaIndex int

const (
	AreaReadOnly AreaIndex = iota
	AreaWritable
	AreaStaging
)

// Store is a mounted pdbstore. The zero value is not usable; obtain one
// with Open.
type Store struct {
	banks []media.Bank

	readOnly media.Area
	writable media.Area
	staging  media.Area

	freeSpaceOffset uint32
	bigEndian       bool
	initialized     bool

	log zerolog.Logger
}

func usableBankSize(b *media.Bank) uint32 {
	return b.Size - b.StartOffset
}

func validKey(key string) bool {
	if len(key) == 0 || len(key) > record.MaxKeySize {
		return false
	}
	return !strings.ContainsAny(key, invalidKeyChars)
}

// Open mounts a store over one or two banks. With one bank, read-only,
// writable and staging all live in that bank, in that order. With two
// banks, bank 0 holds only the read-only area and bank 1 holds writable
// and staging.
//
// Open scans the read-only area to find its provisioned end, decodes the
// staging slot to see whether a resilient Set was interrupted, scans the
// writable area to find free space and to replay or discard that staging
// record, and finally clears staging. Any corruption it cannot work
// around is reported as ErrMount.
func Open(banks []media.Bank, opts ...Option) (*Store, error) {
	if len(banks) == 0 || len(banks) > MaxBanks {
		return nil, fmt.Errorf("pdbstore: open: %w: expected 1 or 2 banks, got %d", ErrInvalidArgument, len(banks))
	}

	s := &Store{
		banks: append([]media.Bank(nil), banks...),
		log:   zerolog.Nop(),
	}
	for _, opt := range opts {
		opt(s)
	}

	// The on-media format is always big-endian regardless of host
	// byte order, so this probe is informational only: it is computed
	// dynamically, the way the firmware does it, rather than keyed off
	// a build tag, but wire.PutUint16/PutUint32 already do the right
	// thing on every host without branching on it.
	s.bigEndian = wire.EndianProbe()

	if err := s.mountReadOnly(); err != nil {
		return nil, err
	}
	if err := s.layoutWritableAndStaging(); err != nil {
		return nil, err
	}
	if err := s.mountWritable(); err != nil {
		return nil, err
	}

	s.initialized = true
	s.log.Info().Int("banks", len(s.banks)).Uint32("readonly_size", s.readOnly.Size).
		Uint32("writable_size", s.writable.Size).Bool("host_big_endian", s.bigEndian).
		Msg("pdbstore mounted")
	return s, nil
}

func (s *Store) mountReadOnly() error {
	s.readOnly = media.Area{Bank: &s.banks[0], Address: 0, Size: usableBankSize(&s.banks[0])}

	master, err := record.Decode(&s.readOnly, 0, false)
	if err != nil {
		return fmt.Errorf("pdbstore: open: master record: %w: %v", ErrMount, err)
	}
	if len(master.Data) < 2 {
		return fmt.Errorf("pdbstore: open: %w: master record data too short", ErrMount)
	}
	numKeys := wire.Uint16(master.Data)

	offset := master.Next
	for i := 0; i < int(numKeys); i++ {
		rec, err := record.Decode(&s.readOnly, offset, false)
		if err != nil {
			return fmt.Errorf("pdbstore: open: read-only record %d: %w: %v", i, ErrMount, err)
		}
		offset = rec.Next
	}
	s.readOnly.Size = offset
	return nil
}

func (s *Store) layoutWritableAndStaging() error {
	s.staging.Size = uint32(record.HeaderSize + record.MaxKeySize + record.MaxDataSize)

	switch len(s.banks) {
	case 1:
		mediaSize := usableBankSize(&s.banks[0])
		if mediaSize < 2*s.staging.Size+s.readOnly.Size {
			return fmt.Errorf("pdbstore: open: %w: bank too small for read-only, writable and staging", ErrInvalidArgument)
		}
		s.writable = media.Area{
			Bank:    &s.banks[0],
			Address: s.readOnly.Size,
			Size:    mediaSize - (s.staging.Size + s.readOnly.Size),
		}
	case 2:
		mediaSize := usableBankSize(&s.banks[1])
		if mediaSize < 2*s.staging.Size {
			return fmt.Errorf("pdbstore: open: %w: second bank too small for writable and staging", ErrInvalidArgument)
		}
		s.writable = media.Area{
			Bank:    &s.banks[1],
			Address: 0,
			Size:    mediaSize - s.staging.Size,
		}
	}

	s.staging.Address = s.writable.Address + s.writable.Size
	s.staging.Bank = s.writable.Bank
	return nil
}

// mountWritable scans the writable area to find free space, reconciling
// it against the staging slot along the way.
func (s *Store) mountWritable() error {
	stagingValid := false
	var stagingKey, stagingData []byte
	var stagingFlags byte

	stagingDec, err := record.Decode(&s.staging, 0, true)
	switch {
	case err == nil:
		stagingValid = true
		stagingKey, stagingData, stagingFlags = stagingDec.Key, stagingDec.Data, stagingDec.Flags
	case errors.Is(err, record.ErrCRCMismatch), errors.Is(err, record.ErrTotallyCorrupt):
		// No resilient Set was in flight, or it never got far enough
		// to leave a trustworthy record; nothing to replay.
	default:
		return fmt.Errorf("pdbstore: open: staging: %w: %v", ErrMount, err)
	}

	truncate := func(at uint32) error {
		if err := s.writable.ResetArea(at); err != nil {
			return fmt.Errorf("pdbstore: open: truncate writable tail: %w: %v", ErrMount, err)
		}
		s.freeSpaceOffset = at
		return nil
	}

	offset := uint32(0)
	for offset < s.writable.Size {
		dec, err := record.Decode(&s.writable, offset, true)
		switch {
		case err == nil:
			if stagingValid && bytes.Equal(dec.Key, stagingKey) {
				if _, werr := record.Encode(&s.writable, stagingKey, stagingData, stagingFlags, offset, true); werr != nil {
					return fmt.Errorf("pdbstore: open: replay staged record: %w: %v", ErrMount, werr)
				}
				stagingValid = false
				s.log.Debug().Str("key", string(stagingKey)).Msg("replayed staged record found already in place")
			}
			s.freeSpaceOffset = dec.Next
			offset = s.freeSpaceOffset
		case errors.Is(err, record.ErrCRCMismatch):
			if stagingValid && bytes.Equal(dec.Key, stagingKey) {
				if _, werr := record.Encode(&s.writable, stagingKey, stagingData, stagingFlags, offset, true); werr != nil {
					return fmt.Errorf("pdbstore: open: replay staged record: %w: %v", ErrMount, werr)
				}
				stagingValid = false
				s.log.Debug().Str("key", string(stagingKey)).Msg("replayed staged record over a torn write")
				s.freeSpaceOffset = dec.Next
				offset = s.freeSpaceOffset
				continue
			}
			// Nothing staged explains this corruption: like the
			// totally-corrupt case, the record does not survive
			// into steady state, even though its length fields
			// were trustworthy enough to compute Next.
			if terr := truncate(offset); terr != nil {
				return terr
			}
			offset = s.writable.Size
		case errors.Is(err, record.ErrTotallyCorrupt):
			if terr := truncate(offset); terr != nil {
				return terr
			}
			offset = s.writable.Size
		default:
			return fmt.Errorf("pdbstore: open: writable scan at %d: %w: %v", offset, ErrMount, err)
		}
	}

	if stagingValid {
		next, werr := record.Encode(&s.writable, stagingKey, stagingData, stagingFlags, s.freeSpaceOffset, false)
		if werr != nil {
			return fmt.Errorf("pdbstore: open: append staged record: %w: %v", ErrMount, werr)
		}
		s.freeSpaceOffset = next
		s.log.Debug().Str("key", string(stagingKey)).Msg("appended staged record that never reached the writable area")
	}

	if err := s.staging.ResetArea(0); err != nil {
		return fmt.Errorf("pdbstore: open: clear staging: %w: %v", ErrMount, err)
	}
	return nil
}

// Close releases the store. It does not erase or modify any media.
func (s *Store) Close() error {
	s.initialized = false
	s.log.Info().Msg("pdbstore unmounted")
	return nil
}

// Reset erases the writable area and remounts from scratch, discarding
// every key that was not provisioned read-only. The receiver is left
// closed; use the returned Store.
func (s *Store) Reset() (*Store, error) {
	if !s.initialized {
		return nil, fmt.Errorf("pdbstore: reset: %w", ErrNotInitialized)
	}
	if err := s.writable.ResetArea(0); err != nil {
		return nil, fmt.Errorf("pdbstore: reset: %w: %v", ErrMedia, err)
	}
	if err := s.staging.ResetArea(0); err != nil {
		return nil, fmt.Errorf("pdbstore: reset: %w: %v", ErrMedia, err)
	}
	banks := s.banks
	logger := s.log
	s.Close()

	fresh, err := Open(banks, WithLogger(logger))
	if err != nil {
		return nil, fmt.Errorf("pdbstore: reset: remount: %w", err)
	}
	fresh.log.Info().Msg("pdbstore reset")
	return fresh, nil
}

// find returns the first record matching key, searching the read-only
// area and then the writable area up to the current free-space offset.
// A tombstone counts as a match; callers that care must inspect Flags.
func (s *Store) find(key string) (AreaIndex, uint32, record.Decoded, error) {
	type scan struct {
		idx   AreaIndex
		area  *media.Area
		limit uint32
	}
	for _, sc := range []scan{
		{AreaReadOnly, &s.readOnly, s.readOnly.Size},
		{AreaWritable, &s.writable, s.freeSpaceOffset},
	} {
		offset := uint32(0)
		for offset < sc.limit {
			dec, err := record.Decode(sc.area, offset, true)
			if err != nil {
				return 0, 0, record.Decoded{}, err
			}
			if string(dec.Key) == key {
				return sc.idx, offset, dec, nil
			}
			offset = dec.Next
		}
	}
	return 0, 0, record.Decoded{}, ErrNotFound
}

// Get returns the value stored under key. A key that was removed, or
// never set, reports ErrNotFound.
//
// When the bank is memory-mapped (media.Bank.Base is non-nil) the returned
// slice aliases bank memory and is valid only until the next Set, Remove,
// Reset or Close. Otherwise it is a fresh copy read through the bank's
// Read callback.
func (s *Store) Get(key string) ([]byte, error) {
	if !validKey(key) {
		return nil, fmt.Errorf("pdbstore: get %q: %w", key, ErrInvalidArgument)
	}
	if !s.initialized {
		return nil, fmt.Errorf("pdbstore: get %q: %w", key, ErrNotInitialized)
	}

	_, _, dec, err := s.find(key)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil, err
		}
		s.log.Warn().Str("key", key).Err(err).Msg("corruption encountered during get")
		return nil, fmt.Errorf("pdbstore: get %q: %w", key, ErrDataCorrupt)
	}
	if dec.Flags&record.Delete != 0 {
		return nil, fmt.Errorf("pdbstore: get %q: %w", key, ErrNotFound)
	}
	return dec.Data, nil
}

// Set writes data under key. flags may only carry the Resilient bit; any
// other bit is rejected. On an existing writable key, data must be the
// same length as the stored value — pdbstore never resizes a record in
// place. A key that lives in the read-only area can never be set.
//
// With Resilient set, Set first stages the record, then writes it to the
// writable area, then clears staging — so that a crash at any point
// leaves either the old value, the new value, or a recoverable staging
// record behind, never a torn one.
func (s *Store) Set(key string, data []byte, flags byte) error {
	if flags & ^record.Resilient != 0 {
		return fmt.Errorf("pdbstore: set %q: %w: unsupported flag bits", key, ErrInvalidArgument)
	}
	return s.doSet(key, data, flags)
}

// Remove deletes key by writing a tombstone over it; the underlying
// bytes are not reclaimed until Reset. Removing an already-removed or
// never-set key reports ErrNotFound.
func (s *Store) Remove(key string) error {
	return s.doSet(key, nil, record.Delete)
}

func (s *Store) doSet(key string, data []byte, flags byte) error {
	if !validKey(key) || len(data) > record.MaxDataSize {
		return fmt.Errorf("pdbstore: set %q: %w", key, ErrInvalidArgument)
	}
	if !s.initialized {
		return fmt.Errorf("pdbstore: set %q: %w", key, ErrNotInitialized)
	}

	isDelete := flags&record.Delete != 0

	area, offset, existing, err := s.find(key)
	replaceCurrent := false
	switch {
	case err == nil:
		if area == AreaReadOnly {
			return fmt.Errorf("pdbstore: set %q: %w", key, ErrKeyReadonly)
		}
		if isDelete {
			if existing.Flags&record.Delete != 0 {
				return fmt.Errorf("pdbstore: remove %q: %w", key, ErrNotFound)
			}
			// existing.Data may alias the media Encode is about to
			// erase, so keep a private copy of the bytes.
			data = append([]byte(nil), existing.Data...)
		} else if uint32(len(data)) != existing.DataSize {
			return fmt.Errorf("pdbstore: set %q: %w: size must match existing value", key, ErrInvalidArgument)
		}
		replaceCurrent = true
	case errors.Is(err, ErrNotFound):
		if isDelete {
			return fmt.Errorf("pdbstore: remove %q: %w", key, ErrNotFound)
		}
		needed := record.Size(len(key), len(data))
		if s.freeSpaceOffset+needed > s.writable.Size {
			return fmt.Errorf("pdbstore: set %q: %w", key, ErrMediaFull)
		}
		offset = s.freeSpaceOffset
	default:
		s.log.Warn().Str("key", key).Err(err).Msg("corruption encountered during set")
		return fmt.Errorf("pdbstore: set %q: %w", key, ErrDataCorrupt)
	}

	keyBytes := []byte(key)
	resilient := flags&record.Resilient != 0

	if resilient {
		if _, err := record.Encode(&s.staging, keyBytes, data, flags, 0, false); err != nil {
			return fmt.Errorf("pdbstore: set %q: stage: %w: %v", key, ErrMedia, err)
		}
	}

	next, err := record.Encode(&s.writable, keyBytes, data, flags, offset, replaceCurrent)
	if err != nil {
		return fmt.Errorf("pdbstore: set %q: %w: %v", key, ErrMedia, err)
	}
	if !replaceCurrent {
		s.freeSpaceOffset = next
	}

	if resilient {
		if err := s.staging.ResetArea(0); err != nil {
			return fmt.Errorf("pdbstore: set %q: clear staging: %w: %v", key, ErrMedia, err)
		}
	}

	s.log.Debug().Str("key", key).Bool("resilient", resilient).Bool("delete", isDelete).Msg("set")
	return nil
}
