// Package wire holds the low-level encoding primitives the record format
// depends on: big-endian multibyte fields and the specific CRC-32 variant
// used to protect each record.
package wire

import (
	"encoding/binary"
	"hash/crc32"
	"unsafe"
)

// PutUint16 writes v into buf[0:2] big-endian.
func PutUint16(buf []byte, v uint16) {
	binary.BigEndian.PutUint16(buf, v)
}

// Uint16 reads a big-endian uint16 from buf[0:2].
func Uint16(buf []byte) uint16 {
	return binary.BigEndian.Uint16(buf)
}

// PutUint32 writes v into buf[0:4] big-endian.
func PutUint32(buf []byte, v uint32) {
	binary.BigEndian.PutUint32(buf, v)
}

// Uint32 reads a big-endian uint32 from buf[0:4].
func Uint32(buf []byte) uint32 {
	return binary.BigEndian.Uint32(buf)
}

// InitialCRC is the seed a fresh CRC computation starts from.
const InitialCRC CRC = 0xFFFFFFFF

// CRC is a restartable CRC-32 accumulator: polynomial 0xEDB88320
// (reflected), initial value 0xFFFFFFFF, and critically neither a final
// xor nor a final bit-reflection — unlike the "CRC-32" most libraries
// expose. Because there is no final step, Update can be called repeatedly
// across disjoint buffers (header-sans-CRC, then key, then data) and the
// result is identical to running the same bytes concatenated through one
// call.
//
// crc32.IEEETable is keyed by this exact reflected polynomial, so
// crc32.Update is reused as the fold primitive rather than reimplementing
// a 256-entry table by hand. crc32.Update inverts the register on entry
// and on exit, so Update inverts its input and output to cancel both and
// leave the bare fold.
type CRC uint32

// Update folds p into the running CRC and returns the new value.
func (c CRC) Update(p []byte) CRC {
	return CRC(^crc32.Update(^uint32(c), crc32.IEEETable, p))
}

// EndianProbe reports whether the host is big-endian, by storing a known
// word in a native uint16 and inspecting its first byte in memory — the
// same dynamic check the original firmware performs at mount instead of
// branching on build tags.
func EndianProbe() bool {
	v := uint16(0xABCD)
	b := (*[2]byte)(unsafe.Pointer(&v))
	return b[0] == 0xAB
}
