// Package record implements the on-media framing pdbstore uses for every
// key/value it stores: a fixed 8-byte CRC-protected header followed by
// the key bytes and the data bytes.
package record

import (
	"errors"
	"fmt"

	"github.com/arm-mbed/pdbstore/media"
	"github.com/arm-mbed/pdbstore/wire"
)

const (
	// MaxKeySize is the largest key length accepted, in bytes.
	MaxKeySize = 16
	// MaxDataSize is the largest value size accepted, in bytes.
	MaxDataSize = 1024

	// HeaderSize is the fixed on-media header width: data_size(2) +
	// key_size(1) + flags(1) + crc(4).
	HeaderSize = 8

	dataSizeWidth = 2
	keySizeWidth  = 1

	// flagsOffset is the byte offset of the flags field within the
	// header, computed from the widths of the two fields that precede
	// it rather than hard-coded, so a reordering of the header layout
	// can't silently desync the partial-header replace optimization.
	flagsOffset = dataSizeWidth + keySizeWidth
)

// Delete is the internal tombstone flag; callers may never set it.
const Delete byte = 0x80

// Resilient is the only flag bit a caller may set on Set.
const Resilient byte = 0x01

// ErrTotallyCorrupt marks a record whose length fields cannot be trusted,
// so the caller cannot compute where the next record starts.
var ErrTotallyCorrupt = errors.New("record: totally corrupt")

// ErrCRCMismatch marks a record with a plausible length but a CRC that
// does not match its contents. The record's size is still trustworthy,
// so a scanner can advance past it.
var ErrCRCMismatch = errors.New("record: crc mismatch")

// ErrTooLarge is returned by Encode when the record would not fit in the
// remaining area.
var ErrTooLarge = errors.New("record: too large for area")

// Header is the fixed-width leading part of a record.
type Header struct {
	DataSize uint16
	KeySize  uint8
	Flags    uint8
	CRC      uint32
}

func (h Header) serialize() []byte {
	buf := make([]byte, HeaderSize)
	wire.PutUint16(buf[0:2], h.DataSize)
	buf[2] = h.KeySize
	buf[3] = h.Flags
	wire.PutUint32(buf[4:8], h.CRC)
	return buf
}

func deserializeHeader(buf []byte) Header {
	return Header{
		DataSize: wire.Uint16(buf[0:2]),
		KeySize:  buf[2],
		Flags:    buf[3],
		CRC:      wire.Uint32(buf[4:8]),
	}
}

// Size returns the total on-media size of a record with the given key and
// data lengths.
func Size(keyLen, dataLen int) uint32 {
	return HeaderSize + uint32(keyLen) + uint32(dataLen)
}

// Decoded is the result of a successful or partially-successful Decode.
type Decoded struct {
	Key      []byte
	Data     []byte
	Flags    byte
	Next     uint32
	DataSize uint32
}

// Encode writes a record at offset within area and returns the offset the
// next record would start at.
//
// When replaceCurrent is true, only the header's flags field onward is
// erased and rewritten — data_size and key_size are left untouched on
// media. If the write after that erase is interrupted, the record keeps
// readable length fields and a scanner can still advance past it; only
// its CRC becomes invalid, making it locally corrupt rather than totally
// corrupt.
func Encode(area *media.Area, key []byte, data []byte, flags byte, offset uint32, replaceCurrent bool) (next uint32, err error) {
	needed := Size(len(key), len(data))
	if offset+needed > area.Size {
		return 0, fmt.Errorf("%w: need %d bytes at offset %d, area size %d", ErrTooLarge, needed, offset, area.Size)
	}

	h := Header{
		DataSize: uint16(len(data)),
		KeySize:  uint8(len(key)),
		Flags:    flags,
	}
	headerBuf := h.serialize()

	crc := wire.InitialCRC.Update(headerBuf[:HeaderSize-4])
	crc = crc.Update(key)
	crc = crc.Update(data)
	wire.PutUint32(headerBuf[HeaderSize-4:], uint32(crc))

	writeOffset := offset
	writeBuf := headerBuf
	if replaceCurrent {
		// Leave data_size and key_size untouched on media: if the
		// write after erase is interrupted, the record stays
		// length-readable and the scanner can still advance past
		// it, only its CRC goes invalid.
		writeOffset += flagsOffset
		writeBuf = headerBuf[flagsOffset:]
		if err := area.Erase(writeOffset, needed-flagsOffset); err != nil {
			return 0, err
		}
	}

	if err := area.Program(writeOffset, writeBuf); err != nil {
		return 0, err
	}
	offset += uint32(len(headerBuf))

	if err := area.Program(offset, key); err != nil {
		return 0, err
	}
	offset += uint32(len(key))

	if len(data) > 0 {
		if err := area.Program(offset, data); err != nil {
			return 0, err
		}
		offset += uint32(len(data))
	}

	return offset, nil
}

// Decode reads the record at offset within area. copyKey requests a
// private copy of the key bytes (needed whenever the key must survive a
// later mutation, e.g. for string comparison in the scanner); otherwise
// Key aliases the area's backing memory when the area is memory-mapped.
//
// A returned error wrapping ErrTotallyCorrupt means offset could not be
// advanced past; ErrCRCMismatch means the length was trustworthy and
// Next is valid even though the contents are not.
func Decode(area *media.Area, offset uint32, copyKey bool) (Decoded, error) {
	if offset+HeaderSize > area.Size {
		return Decoded{}, fmt.Errorf("record: header at %d: %w", offset, ErrTotallyCorrupt)
	}

	headerBuf, err := area.Read(offset, HeaderSize)
	if err != nil {
		return Decoded{}, err
	}
	h := deserializeHeader(headerBuf)
	cursor := offset + HeaderSize

	if h.KeySize == 0 || h.KeySize > MaxKeySize || h.DataSize > MaxDataSize {
		return Decoded{}, fmt.Errorf("record: implausible lengths key=%d data=%d: %w", h.KeySize, h.DataSize, ErrTotallyCorrupt)
	}

	total := uint32(h.KeySize) + uint32(h.DataSize)
	if cursor+total > area.Size {
		return Decoded{}, fmt.Errorf("record: record at %d extends past area: %w", offset, ErrTotallyCorrupt)
	}

	crc := wire.InitialCRC.Update(headerBuf[:HeaderSize-4])

	var key []byte
	if copyKey {
		key, err = area.Read(cursor, uint32(h.KeySize))
		if err != nil {
			return Decoded{}, err
		}
	} else if zc, ok := area.Slice(cursor, uint32(h.KeySize)); ok {
		key = zc
	} else {
		key, err = area.Read(cursor, uint32(h.KeySize))
		if err != nil {
			return Decoded{}, err
		}
	}
	crc = crc.Update(key)
	cursor += uint32(h.KeySize)

	var data []byte
	if zc, ok := area.Slice(cursor, uint32(h.DataSize)); ok {
		data = zc
	} else {
		data, err = area.Read(cursor, uint32(h.DataSize))
		if err != nil {
			return Decoded{}, err
		}
	}
	crc = crc.Update(data)
	cursor += uint32(h.DataSize)

	dec := Decoded{
		Key:      key,
		Data:     data,
		Flags:    h.Flags,
		Next:     cursor,
		DataSize: uint32(h.DataSize),
	}

	if uint32(crc) != h.CRC {
		return dec, fmt.Errorf("record: crc mismatch at %d: %w", offset, ErrCRCMismatch)
	}
	return dec, nil
}
