package profile

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/klauspost/compress/zip"
)

// zipMagic is the local-file-header signature of a zip archive. Profiles
// may be shipped embedded in a dex metadata archive instead of standalone.
var zipMagic = [4]byte{'P', 'K', 3, 4}

// profileLineHeader mirrors one record's header inside the blob.
type profileLineHeader struct {
	profileKey       string
	classSetSize     uint16
	methodRegionSize uint32
	checksum         uint32
	numMethodIDs     uint32
}

// lineSkipped marks a filtered-out line in the profile index remap.
const lineSkipped = ProfileIndexType(0xFFFF)

// IsProfileFile reports whether the reader starts with the profile magic.
// It consumes up to four bytes from r.
func IsProfileFile(r io.Reader) bool {
	var magic [4]byte
	if _, err := io.ReadFull(r, magic[:]); err != nil {
		return false
	}
	return magic == ProfileMagic
}

// Load reads profile data from r into the store. Loading into a non-empty
// store fails with ErrWouldOverwriteData. Classes are skipped when
// mergeClasses is false. filter decides per dex file whether its data is
// loaded; filtered lines are consumed but discarded and the surviving
// records get dense profile indices. A nil filter accepts everything.
//
// On any other failure the store is left empty.
func (p *Info) Load(r io.Reader, mergeClasses bool, filter FilterFn) error {
	if !p.IsEmpty() {
		return ErrWouldOverwriteData
	}
	if filter == nil {
		filter = FilterAcceptAll
	}
	raw, err := io.ReadAll(r)
	if err != nil {
		return fmt.Errorf("profile: reading profile: %w", err)
	}
	if err := p.loadBytes(raw, mergeClasses, filter); err != nil {
		p.ClearData()
		return err
	}
	return nil
}

// LoadFile loads profile data from the named file. When clearIfInvalid is
// set and the file content is not a valid profile of this kind, the file is
// truncated and the load reports success with an empty store; this lets a
// writer recover from a corrupt profile on disk.
func (p *Info) LoadFile(filename string, clearIfInvalid bool) error {
	f, err := os.Open(filename)
	if err != nil {
		return fmt.Errorf("profile: opening %s: %w", filename, err)
	}
	defer f.Close()
	err = p.Load(f, true, nil)
	if err == nil {
		return nil
	}
	if clearIfInvalid && (errorsIsAny(err, ErrBadData, ErrVersionMismatch)) {
		if terr := os.Truncate(filename, 0); terr != nil {
			return fmt.Errorf("profile: clearing invalid profile %s: %w", filename, terr)
		}
		p.ClearData()
		return nil
	}
	return err
}

// loadBytes runs the full load pipeline over an in-memory source.
func (p *Info) loadBytes(raw []byte, mergeClasses bool, filter FilterFn) error {
	data, err := openSource(raw)
	if err != nil {
		return err
	}
	if len(data) == 0 {
		// An empty file or archive entry is a valid empty profile.
		return nil
	}

	src := &safeBuffer{data: data}
	if err := p.readFileHeader(src); err != nil {
		return err
	}
	numDexFiles, uncompressedSize, compressedSize, err := p.readOuterSizes(src)
	if err != nil {
		return err
	}
	compressed, err := src.readBytes(int(compressedSize))
	if err != nil {
		return fmt.Errorf("%w: truncated compressed data", ErrBadData)
	}
	if src.remaining() != 0 {
		return fmt.Errorf("%w: %d unexpected bytes after compressed data", ErrBadData, src.remaining())
	}
	uncompressed, err := inflate(compressed, int(uncompressedSize))
	if err != nil {
		return err
	}

	buf := &safeBuffer{data: uncompressed}
	headers := make([]profileLineHeader, 0, numDexFiles)
	for i := 0; i < int(numDexFiles); i++ {
		header, err := p.readLineHeader(buf)
		if err != nil {
			return err
		}
		headers = append(headers, header)
	}

	remapTable, err := p.remapProfileIndices(headers, filter)
	if err != nil {
		return err
	}

	for i, header := range headers {
		if err := p.readLine(buf, numDexFiles, header, remapTable, remapTable[i] != lineSkipped, mergeClasses); err != nil {
			return err
		}
	}
	if buf.remaining() != 0 {
		return fmt.Errorf("%w: %d unexpected bytes after the last profile line", ErrBadData, buf.remaining())
	}
	return nil
}

// openSource returns the profile bytes, transparently extracting the
// primary.prof entry when the source is a dex metadata archive.
func openSource(raw []byte) ([]byte, error) {
	if len(raw) < len(zipMagic) || !bytes.Equal(raw[:4], zipMagic[:]) {
		return raw, nil
	}
	zr, err := zip.NewReader(bytes.NewReader(raw), int64(len(raw)))
	if err != nil {
		return nil, fmt.Errorf("%w: opening profile archive: %v", ErrBadData, err)
	}
	for _, f := range zr.File {
		if f.Name != DexMetadataProfileEntry {
			continue
		}
		rc, err := f.Open()
		if err != nil {
			return nil, fmt.Errorf("%w: opening %s: %v", ErrBadData, DexMetadataProfileEntry, err)
		}
		defer rc.Close()
		data, err := io.ReadAll(rc)
		if err != nil {
			return nil, fmt.Errorf("%w: reading %s: %v", ErrBadData, DexMetadataProfileEntry, err)
		}
		return data, nil
	}
	return nil, fmt.Errorf("%w: no %s entry in profile archive", ErrBadData, DexMetadataProfileEntry)
}

// readFileHeader validates the magic and the version against this store.
func (p *Info) readFileHeader(src *safeBuffer) error {
	magic, err := src.readBytes(4)
	if err != nil {
		return fmt.Errorf("%w: truncated magic", ErrBadData)
	}
	if !bytes.Equal(magic, ProfileMagic[:]) {
		return fmt.Errorf("%w: bad profile magic", ErrBadData)
	}
	version, err := src.readBytes(4)
	if err != nil {
		return fmt.Errorf("%w: truncated version", ErrBadData)
	}
	if !bytes.Equal(version, p.version[:]) {
		return fmt.Errorf("%w: profile version %q, store version %q",
			ErrVersionMismatch, version, p.version[:])
	}
	return nil
}

func (p *Info) readOuterSizes(src *safeBuffer) (numDexFiles ProfileIndexType,
	uncompressedSize, compressedSize uint32, err error) {
	if p.forBootImage {
		numDexFiles, err = src.readUint16()
	} else {
		var n uint8
		n, err = src.readUint8()
		numDexFiles = ProfileIndexType(n)
	}
	if err != nil {
		return 0, 0, 0, fmt.Errorf("%w: truncated header", ErrBadData)
	}
	if uncompressedSize, err = src.readUint32(); err != nil {
		return 0, 0, 0, fmt.Errorf("%w: truncated header", ErrBadData)
	}
	if compressedSize, err = src.readUint32(); err != nil {
		return 0, 0, 0, fmt.Errorf("%w: truncated header", ErrBadData)
	}
	if int(compressedSize) > p.sizeErrorThresholdBytes() {
		return 0, 0, 0, fmt.Errorf("%w: compressed size %d over the error threshold %d",
			ErrBadData, compressedSize, p.sizeErrorThresholdBytes())
	}
	if int(uncompressedSize) > p.sizeErrorThresholdBytes() {
		return 0, 0, 0, fmt.Errorf("%w: uncompressed size %d over the error threshold %d",
			ErrBadData, uncompressedSize, p.sizeErrorThresholdBytes())
	}
	return numDexFiles, uncompressedSize, compressedSize, nil
}

func (p *Info) readLineHeader(buf *safeBuffer) (profileLineHeader, error) {
	var header profileLineHeader
	keyLen, err := buf.readUint16()
	if err != nil {
		return header, fmt.Errorf("%w: truncated line header", ErrBadData)
	}
	if header.classSetSize, err = buf.readUint16(); err != nil {
		return header, fmt.Errorf("%w: truncated line header", ErrBadData)
	}
	if header.methodRegionSize, err = buf.readUint32(); err != nil {
		return header, fmt.Errorf("%w: truncated line header", ErrBadData)
	}
	if header.checksum, err = buf.readUint32(); err != nil {
		return header, fmt.Errorf("%w: truncated line header", ErrBadData)
	}
	if header.numMethodIDs, err = buf.readUint32(); err != nil {
		return header, fmt.Errorf("%w: truncated line header", ErrBadData)
	}
	if keyLen == 0 || int(keyLen) > maxProfileKeySize {
		return header, fmt.Errorf("%w: invalid profile key length %d", ErrBadData, keyLen)
	}
	key, err := buf.readBytes(int(keyLen))
	if err != nil {
		return header, fmt.Errorf("%w: truncated profile key", ErrBadData)
	}
	header.profileKey = string(key)
	if !validBaseKey(BaseKeyFromAugmentedKey(header.profileKey)) {
		return header, fmt.Errorf("%w: invalid profile key %q", ErrBadData, header.profileKey)
	}
	return header, nil
}

// remapProfileIndices inserts the accepted lines into the store and maps
// each line's on-disk index to its in-store profile index. Filtered lines
// map to lineSkipped.
func (p *Info) remapProfileIndices(headers []profileLineHeader, filter FilterFn) ([]ProfileIndexType, error) {
	remap := make([]ProfileIndexType, len(headers))
	for i, header := range headers {
		if !filter(BaseKeyFromAugmentedKey(header.profileKey), header.checksum) {
			remap[i] = lineSkipped
			continue
		}
		data, err := p.getOrAddDexFileData(header.profileKey, header.checksum, header.numMethodIDs)
		if err != nil {
			return nil, err
		}
		remap[i] = data.profileIndex
	}
	return remap, nil
}

// readLine parses one record body. Skipped lines advance the buffer
// without touching the store.
func (p *Info) readLine(buf *safeBuffer, numDexFiles ProfileIndexType, header profileLineHeader,
	remapTable []ProfileIndexType, accepted, mergeClasses bool) error {
	bitmapSize := computeBitmapStorage(p.forBootImage, header.numMethodIDs)
	bitmap, err := buf.readBytes(bitmapSize)
	if err != nil {
		return fmt.Errorf("%w: truncated method bitmap for %q", ErrBadData, header.profileKey)
	}
	region, err := buf.readBytes(int(header.methodRegionSize))
	if err != nil {
		return fmt.Errorf("%w: truncated method region for %q", ErrBadData, header.profileKey)
	}
	classes := make([]uint16, 0, header.classSetSize)
	for i := 0; i < int(header.classSetSize); i++ {
		c, err := buf.readUint16()
		if err != nil {
			return fmt.Errorf("%w: truncated class set for %q", ErrBadData, header.profileKey)
		}
		classes = append(classes, c)
	}

	if !accepted {
		// Still validate the method region so corruption cannot hide in a
		// filtered line.
		return p.parseMethodRegion(&safeBuffer{data: region}, numDexFiles, header, nil, nil)
	}

	data := p.info[p.profileKeyMap[header.profileKey]]
	for i := range bitmap {
		data.bitmapStorage[i] |= bitmap[i]
	}
	if mergeClasses {
		for _, c := range classes {
			data.classSet[c] = struct{}{}
		}
	}
	return p.parseMethodRegion(&safeBuffer{data: region}, numDexFiles, header, remapTable, data)
}

// parseMethodRegion decodes hot methods and their inline caches. With a nil
// target the region is only validated. Class references to filtered-out dex
// files are dropped; all others are remapped into the store's index space.
func (p *Info) parseMethodRegion(region *safeBuffer, numDexFiles ProfileIndexType,
	header profileLineHeader, remapTable []ProfileIndexType, target *dexFileData) error {
	for region.remaining() > 0 {
		methodIndex, err := region.readUint16()
		if err != nil {
			return fmt.Errorf("%w: truncated method entry", ErrBadData)
		}
		if uint32(methodIndex) >= header.numMethodIDs {
			return fmt.Errorf("%w: method index %d out of range for %q",
				ErrBadData, methodIndex, header.profileKey)
		}
		dexPcCount, err := region.readUint16()
		if err != nil {
			return fmt.Errorf("%w: truncated method entry", ErrBadData)
		}
		var ic InlineCacheMap
		if target != nil {
			ic = target.findOrAddHotMethod(methodIndex)
			target.setMethodHotness(uint32(methodIndex), FlagHot)
		}
		for i := 0; i < int(dexPcCount); i++ {
			if err := p.parseInlineCacheSite(region, numDexFiles, remapTable, ic); err != nil {
				return err
			}
		}
	}
	return nil
}

func (p *Info) parseInlineCacheSite(region *safeBuffer, numDexFiles ProfileIndexType,
	remapTable []ProfileIndexType, ic InlineCacheMap) error {
	dexPc, err := region.readUint16()
	if err != nil {
		return fmt.Errorf("%w: truncated inline cache", ErrBadData)
	}
	flagByte, err := region.readUint8()
	if err != nil {
		return fmt.Errorf("%w: truncated inline cache", ErrBadData)
	}
	classCount, err := region.readUint8()
	if err != nil {
		return fmt.Errorf("%w: truncated inline cache", ErrBadData)
	}
	var site *DexPcData
	if ic != nil {
		site = ic.FindOrAddDexPc(dexPc)
	}
	switch flagByte {
	case icEncodingMissingTypes, icEncodingMegamorphic:
		if classCount != 0 {
			return fmt.Errorf("%w: degenerate inline cache with %d classes", ErrBadData, classCount)
		}
		if site != nil {
			if flagByte == icEncodingMissingTypes {
				site.SetIsMissingTypes()
			} else {
				site.SetIsMegamorphic()
			}
		}
	case icEncodingTypes:
		if int(classCount) > IndividualInlineCacheSize {
			return fmt.Errorf("%w: inline cache with %d classes", ErrBadData, classCount)
		}
		for i := 0; i < int(classCount); i++ {
			dexProfileIndex, err := p.readProfileIndex(region)
			if err != nil {
				return fmt.Errorf("%w: truncated class reference", ErrBadData)
			}
			typeIndex, err := region.readUint16()
			if err != nil {
				return fmt.Errorf("%w: truncated class reference", ErrBadData)
			}
			if dexProfileIndex >= numDexFiles {
				return fmt.Errorf("%w: class reference to dex index %d of %d",
					ErrBadData, dexProfileIndex, numDexFiles)
			}
			if site == nil || remapTable[dexProfileIndex] == lineSkipped {
				continue
			}
			site.AddClass(remapTable[dexProfileIndex], typeIndex)
		}
	default:
		return fmt.Errorf("%w: unknown inline cache flag %d", ErrBadData, flagByte)
	}
	return nil
}

// errorsIsAny reports whether err matches any of the targets.
func errorsIsAny(err error, targets ...error) bool {
	for _, target := range targets {
		if errors.Is(err, target) {
			return true
		}
	}
	return false
}
