// Package media defines the byte-addressable read/program/erase interface
// that pdbstore composes into read-only, writable and staging areas.
//
// A concrete driver (flash, EEPROM, a memory-mapped test fixture) fills in
// the three function fields on Bank; pdbstore never talks to a device
// directly, only through a Bank and the Areas carved out of it.
package media

import (
	"errors"
	"fmt"
)

// ErrRead is returned when a read would run past the end of an area.
var ErrRead = errors.New("media: read out of range")

// ErrWrite is returned when a driver's program or erase callback fails,
// including when program is attempted over bytes that are not erased.
var ErrWrite = errors.New("media: write failed")

// ErrNotErased is returned by Program when the destination range is not
// uniformly at the bank's erase value.
var ErrNotErased = errors.New("media: program target not erased")

// Bank is a contiguous region of non-volatile memory backed by a driver.
// StartOffset reserves a prefix (e.g. code) that pdbstore never touches;
// every address pdbstore computes is relative to StartOffset.
//
// Base, when non-nil, is the memory-mapped view of the whole bank and lets
// Store.Get borrow directly from it instead of copying through Read (see
// the doc comment on pdbstore.Store.Get).
type Bank struct {
	Base        []byte
	Size        uint32
	StartOffset uint32
	EraseValue  byte

	Read    func(addr, size uint32) ([]byte, error)
	Program func(addr uint32, buf []byte) error
	Erase   func(addr, size uint32) error
}

// Area is a logical sub-region of exactly one Bank.
type Area struct {
	Bank    *Bank
	Address uint32
	Size    uint32
}

// workBufSize is the chunk size ResetArea reads while probing for the
// first non-erased byte, matching the original firmware's WORK_BUF_SIZE.
const workBufSize = 16

func (a *Area) absAddress(offset uint32) uint32 {
	return a.Bank.StartOffset + a.Address + offset
}

// Read copies size bytes at offset within the area.
func (a *Area) Read(offset, size uint32) ([]byte, error) {
	if offset+size > a.Size {
		return nil, fmt.Errorf("%w: offset %d size %d area size %d", ErrRead, offset, size, a.Size)
	}
	buf, err := a.Bank.Read(a.absAddress(offset), size)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrRead, err)
	}
	return buf, nil
}

// Slice returns a zero-copy view into the area's backing memory, or false
// if the bank is not memory-mapped.
func (a *Area) Slice(offset, size uint32) ([]byte, bool) {
	if a.Bank.Base == nil {
		return nil, false
	}
	start := a.absAddress(offset)
	return a.Bank.Base[start : start+size], true
}

// Program writes buf at offset. The destination must already equal the
// bank's erase value; drivers enforce this and return ErrNotErased if not.
func (a *Area) Program(offset uint32, buf []byte) error {
	if offset+uint32(len(buf)) > a.Size {
		return fmt.Errorf("%w: offset %d len %d area size %d", ErrWrite, offset, len(buf), a.Size)
	}
	if err := a.Bank.Program(a.absAddress(offset), buf); err != nil {
		return fmt.Errorf("%w: %w", ErrWrite, err)
	}
	return nil
}

// Erase sets size bytes at offset to the bank's erase value.
func (a *Area) Erase(offset, size uint32) error {
	if offset+size > a.Size {
		return fmt.Errorf("%w: offset %d size %d area size %d", ErrWrite, offset, size, a.Size)
	}
	if err := a.Bank.Erase(a.absAddress(offset), size); err != nil {
		return fmt.Errorf("%w: %v", ErrWrite, err)
	}
	return nil
}

// ResetArea erases from offset to the end of the area, but only if at
// least one byte in that range is not already at the erase value. This
// avoids wearing cells that are already blank.
func (a *Area) ResetArea(offset uint32) error {
	eraseSize := a.Size - offset
	readOffset, readSize := offset, eraseSize

	for readSize > 0 {
		chunk := readSize
		if chunk > workBufSize {
			chunk = workBufSize
		}
		buf, err := a.Read(readOffset, chunk)
		if err != nil {
			return err
		}
		if !allEqual(buf, a.Bank.EraseValue) {
			break
		}
		readOffset += chunk
		readSize -= chunk
	}

	if readSize == 0 {
		return nil
	}
	return a.Erase(offset, eraseSize)
}

func allEqual(buf []byte, v byte) bool {
	for _, b := range buf {
		if b != v {
			return false
		}
	}
	return true
}
