// Package memdisk provides an in-memory media.Bank backed by a plain byte
// slice, for tests and for provisioning a read-only area without a real
// flash or EEPROM part attached.
//
// It enforces the same erase-before-program discipline a real driver must:
// Program fails unless every destination byte already equals EraseValue,
// mirroring the reference flash_prog/eeprom_prog callbacks it is modeled
// on.
package memdisk

import (
	"fmt"

	"github.com/arm-mbed/pdbstore/media"
)

// Disk is the in-memory backing store behind a Bank returned by New. It
// also serves as the test-only control surface for simulating torn
// writes and power loss during erase.
type Disk struct {
	buf           []byte
	eraseValue    byte
	suppressErase bool
}

// New creates a media.Bank of the given size and start offset, with all
// bytes initialized to eraseValue, along with the Disk that backs it.
func New(size, startOffset uint32, eraseValue byte) (*media.Bank, *Disk) {
	d := &Disk{
		buf:        make([]byte, size),
		eraseValue: eraseValue,
	}
	for i := range d.buf {
		d.buf[i] = eraseValue
	}

	bank := &media.Bank{
		Base:        d.buf,
		Size:        size,
		StartOffset: startOffset,
		EraseValue:  eraseValue,
		Read:        d.read,
		Program:     d.program,
		Erase:       d.erase,
	}
	return bank, d
}

// NewFromBytes wraps an existing byte slice as a Bank without erasing it,
// for tests that need to remount over a specific snapshot of media
// contents — for instance one produced by Truncate, or hand-assembled to
// simulate a torn write landing partway through a multi-byte program.
func NewFromBytes(buf []byte, startOffset uint32, eraseValue byte) (*media.Bank, *Disk) {
	d := &Disk{
		buf:        buf,
		eraseValue: eraseValue,
	}
	bank := &media.Bank{
		Base:        d.buf,
		Size:        uint32(len(buf)),
		StartOffset: startOffset,
		EraseValue:  eraseValue,
		Read:        d.read,
		Program:     d.program,
		Erase:       d.erase,
	}
	return bank, d
}

// SuppressErase makes Erase a no-op until the returned restore function
// is called. This is how the crash-window tests freeze a staging write in
// place: stage a record, suppress erase, drive a writable write to
// corruption, and inspect recovery without the staging slot having been
// cleared out from under the test.
func (d *Disk) SuppressErase() (restore func()) {
	d.suppressErase = true
	return func() { d.suppressErase = false }
}

// Corrupt flips one byte at the given bank-relative address, simulating a
// torn write that lands on an otherwise well-formed record.
func (d *Disk) Corrupt(addr uint32) {
	d.buf[addr]++
}

// Truncate returns a copy of the disk's bytes truncated to n bytes
// followed by erase-value padding back to the original size, simulating
// a power loss partway through a multi-byte program.
func (d *Disk) Truncate(n uint32) []byte {
	out := make([]byte, len(d.buf))
	copy(out, d.buf)
	for i := n; i < uint32(len(out)); i++ {
		out[i] = d.eraseValue
	}
	return out
}

func (d *Disk) read(addr, size uint32) ([]byte, error) {
	if addr+size > uint32(len(d.buf)) {
		return nil, fmt.Errorf("memdisk: read past end of disk")
	}
	out := make([]byte, size)
	copy(out, d.buf[addr:addr+size])
	return out, nil
}

func (d *Disk) program(addr uint32, buf []byte) error {
	end := addr + uint32(len(buf))
	if end > uint32(len(d.buf)) {
		return fmt.Errorf("memdisk: program past end of disk")
	}
	for i := range buf {
		if d.buf[addr+uint32(i)] != d.eraseValue {
			return fmt.Errorf("%w at addr %d", media.ErrNotErased, addr+uint32(i))
		}
	}
	copy(d.buf[addr:end], buf)
	return nil
}

func (d *Disk) erase(addr, size uint32) error {
	if d.suppressErase {
		return nil
	}
	end := addr + size
	if end > uint32(len(d.buf)) {
		return fmt.Errorf("memdisk: erase past end of disk")
	}
	for i := addr; i < end; i++ {
		d.buf[i] = d.eraseValue
	}
	return nil
}
