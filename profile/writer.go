package profile

import (
	"bytes"
	"fmt"
	"io"
	"os"

	"github.com/klauspost/compress/flate"
)

// Serialization. The on-disk layout is:
//
//	magic (4) | version (4) | dex file count (1 or 2) |
//	uncompressed size (u32) | compressed size (u32) | deflate blob
//
// The blob holds every record's line header in profile-index order,
// followed by every record's body in the same order. A body is the method
// bitmap, the method region (hot methods with their inline caches) and the
// class set as sorted u16 type indices.

// flag bytes of an inline cache site in the method region.
const (
	icEncodingTypes        = 0
	icEncodingMegamorphic  = 1
	icEncodingMissingTypes = 2
)

// Save serializes the profile to w and returns the number of bytes
// written. The output is staged in memory and written with a single Write,
// so a failing save never leaves a partial profile behind; atomic
// replacement via rename is the caller's concern.
func (p *Info) Save(w io.Writer) (uint64, error) {
	uncompressed := p.buildUncompressedBlob()

	if len(uncompressed) > p.sizeErrorThresholdBytes() {
		return 0, fmt.Errorf("%w: profile of %d bytes exceeds the error threshold %d",
			ErrBadData, len(uncompressed), p.sizeErrorThresholdBytes())
	}
	if len(uncompressed) > p.sizeWarningThresholdBytes() {
		log.Warningf("profile data of %d bytes exceeds the warning threshold %d",
			len(uncompressed), p.sizeWarningThresholdBytes())
	}

	compressed, err := deflate(uncompressed)
	if err != nil {
		return 0, fmt.Errorf("profile: compressing profile data: %w", err)
	}
	if len(compressed) > p.sizeErrorThresholdBytes() {
		return 0, fmt.Errorf("%w: compressed profile of %d bytes exceeds the error threshold %d",
			ErrBadData, len(compressed), p.sizeErrorThresholdBytes())
	}

	out := make([]byte, 0, 16+len(compressed))
	out = append(out, ProfileMagic[:]...)
	out = append(out, p.version[:]...)
	if p.forBootImage {
		out = appendUint16(out, uint16(len(p.info)))
	} else {
		out = append(out, byte(len(p.info)))
	}
	out = appendUint32(out, uint32(len(uncompressed)))
	out = appendUint32(out, uint32(len(compressed)))
	out = append(out, compressed...)

	n, err := w.Write(out)
	if err != nil {
		return uint64(n), fmt.Errorf("profile: writing profile: %w", err)
	}
	return uint64(n), nil
}

// SaveFile truncates the named file and saves the profile into it.
// It returns the number of bytes written.
func (p *Info) SaveFile(filename string) (uint64, error) {
	f, err := os.OpenFile(filename, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o644)
	if err != nil {
		return 0, fmt.Errorf("profile: opening %s: %w", filename, err)
	}
	defer f.Close()
	return p.Save(f)
}

// buildUncompressedBlob materializes line headers and bodies.
func (p *Info) buildUncompressedBlob() []byte {
	bodies := make([][]byte, len(p.info))
	regions := make([][]byte, len(p.info))
	for i, data := range p.info {
		regions[i] = p.buildMethodRegion(data)
		bodies[i] = p.buildBody(data, regions[i])
	}

	var blob []byte
	for i, data := range p.info {
		blob = appendUint16(blob, uint16(len(data.profileKey)))
		blob = appendUint16(blob, uint16(len(data.classSet)))
		blob = appendUint32(blob, uint32(len(regions[i])))
		blob = appendUint32(blob, data.checksum)
		blob = appendUint32(blob, data.numMethodIDs)
		blob = append(blob, data.profileKey...)
	}
	for i := range p.info {
		blob = append(blob, bodies[i]...)
	}
	return blob
}

func (p *Info) buildBody(data *dexFileData, methodRegion []byte) []byte {
	body := make([]byte, 0, len(data.bitmapStorage)+len(methodRegion)+2*len(data.classSet))
	body = append(body, data.bitmapStorage...)
	body = append(body, methodRegion...)
	for _, c := range data.classesInOrder() {
		body = appendUint16(body, c)
	}
	return body
}

// buildMethodRegion encodes the hot methods of a record: for each method,
// its index, the number of call sites, and per site the dex pc, a flag byte
// and the receiver classes.
func (p *Info) buildMethodRegion(data *dexFileData) []byte {
	var region []byte
	for _, methodIndex := range data.methodMap.methodsInOrder() {
		ic := data.methodMap[methodIndex]
		region = appendUint16(region, methodIndex)
		region = appendUint16(region, uint16(len(ic)))
		for _, pc := range ic.dexPcsInOrder() {
			site := ic[pc]
			region = appendUint16(region, pc)
			switch {
			case site.IsMissingTypes():
				region = append(region, icEncodingMissingTypes, 0)
			case site.IsMegamorphic():
				region = append(region, icEncodingMegamorphic, 0)
			default:
				region = append(region, icEncodingTypes, byte(len(site.Classes())))
				for _, ref := range site.Classes() {
					region = p.appendProfileIndex(region, ref.DexProfileIndex)
					region = appendUint16(region, ref.TypeIndex)
				}
			}
		}
	}
	return region
}

// deflate compresses data with the default deflate level.
func deflate(data []byte) ([]byte, error) {
	var buf bytes.Buffer
	fw, err := flate.NewWriter(&buf, flate.DefaultCompression)
	if err != nil {
		return nil, err
	}
	if _, err := fw.Write(data); err != nil {
		return nil, err
	}
	if err := fw.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// inflate decompresses a deflate blob and verifies the result is exactly
// expectedSize bytes; any disagreement between the size fields and the
// stream is treated as corruption.
func inflate(data []byte, expectedSize int) ([]byte, error) {
	fr := flate.NewReader(bytes.NewReader(data))
	defer fr.Close()
	out := make([]byte, 0, expectedSize)
	buf := make([]byte, 64*1024)
	for {
		n, err := fr.Read(buf)
		out = append(out, buf[:n]...)
		if len(out) > expectedSize {
			return nil, fmt.Errorf("%w: uncompressed data larger than declared size %d",
				ErrBadData, expectedSize)
		}
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("%w: inflating profile data: %v", ErrBadData, err)
		}
	}
	if len(out) != expectedSize {
		return nil, fmt.Errorf("%w: uncompressed size %d does not match declared size %d",
			ErrBadData, len(out), expectedSize)
	}
	return out, nil
}
