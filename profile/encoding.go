package profile

import (
	"encoding/binary"
	"errors"
)

// errUnexpectedEOF signals a read past the end of a bounded buffer. It is
// always surfaced to callers wrapped in ErrBadData.
var errUnexpectedEOF = errors.New("unexpected end of profile data")

// safeBuffer is a bounded reader over decompressed profile bytes. Every
// read past its end fails instead of running into adjacent data.
type safeBuffer struct {
	data []byte
	off  int
}

func (b *safeBuffer) remaining() int { return len(b.data) - b.off }

func (b *safeBuffer) readUint8() (uint8, error) {
	if b.remaining() < 1 {
		return 0, errUnexpectedEOF
	}
	v := b.data[b.off]
	b.off++
	return v, nil
}

func (b *safeBuffer) readUint16() (uint16, error) {
	if b.remaining() < 2 {
		return 0, errUnexpectedEOF
	}
	v := binary.LittleEndian.Uint16(b.data[b.off:])
	b.off += 2
	return v, nil
}

func (b *safeBuffer) readUint32() (uint32, error) {
	if b.remaining() < 4 {
		return 0, errUnexpectedEOF
	}
	v := binary.LittleEndian.Uint32(b.data[b.off:])
	b.off += 4
	return v, nil
}

// readBytes returns a subslice of the underlying data; it does not copy.
func (b *safeBuffer) readBytes(n int) ([]byte, error) {
	if n < 0 || b.remaining() < n {
		return nil, errUnexpectedEOF
	}
	v := b.data[b.off : b.off+n]
	b.off += n
	return v, nil
}

// Append-style little-endian writers used when materializing bodies.

func appendUint16(buf []byte, v uint16) []byte {
	return append(buf, byte(v), byte(v>>8))
}

func appendUint32(buf []byte, v uint32) []byte {
	return append(buf, byte(v), byte(v>>8), byte(v>>16), byte(v>>24))
}

// sizeOfProfileIndex returns the serialized width of a profile index:
// one byte for regular profiles, two for boot-image profiles.
func (p *Info) sizeOfProfileIndex() int {
	if p.forBootImage {
		return 2
	}
	return 1
}

// appendProfileIndex writes a profile index with the kind-dependent width.
func (p *Info) appendProfileIndex(buf []byte, v ProfileIndexType) []byte {
	if p.forBootImage {
		return appendUint16(buf, v)
	}
	return append(buf, byte(v))
}

// readProfileIndex reads a profile index with the kind-dependent width.
func (p *Info) readProfileIndex(b *safeBuffer) (ProfileIndexType, error) {
	if p.forBootImage {
		return b.readUint16()
	}
	v, err := b.readUint8()
	return ProfileIndexType(v), err
}

// Size thresholds for profile files. Crossing the warning threshold logs;
// crossing the error threshold fails the save or load. Boot-image profiles
// aggregate many apps and get double the budget.

func (p *Info) sizeWarningThresholdBytes() int {
	if p.forBootImage {
		return 4 * 1024 * 1024
	}
	return 2 * 1024 * 1024
}

func (p *Info) sizeErrorThresholdBytes() int {
	if p.forBootImage {
		return 32 * 1024 * 1024
	}
	return 16 * 1024 * 1024
}
