package profile

import "sort"

// ProfileIndexType is the in-memory type for dex file profile indices.
// Regular profiles serialize indices as a single byte, boot-image profiles
// as two; in memory both use the wider type.
type ProfileIndexType = uint16

// dexFileData is the profile information recorded for one (dex file,
// annotation) pair. Records are created on first reference and live until
// the store is cleared.
type dexFileData struct {
	// The augmented key this data belongs to.
	profileKey string
	// The index of this dex file in the profile (matches
	// ClassReference.DexProfileIndex).
	profileIndex ProfileIndexType
	// The dex location checksum.
	checksum uint32
	// Total number of method slots the dex file declares; bounds every
	// method index stored here.
	numMethodIDs uint32
	// Inline caches of hot methods.
	methodMap MethodMap
	// The profiled classes. These do not necessarily include the classes
	// referenced by inline caches.
	classSet map[uint16]struct{}
	// Per-method, per-flag execution bits. Row f starts at bit
	// f*numMethodIDs; see methodFlagBitmapIndex.
	bitmapStorage []byte
	forBootImage  bool
}

func newDexFileData(key string, checksum uint32, index ProfileIndexType,
	numMethodIDs uint32, forBootImage bool) *dexFileData {
	return &dexFileData{
		profileKey:    key,
		profileIndex:  index,
		checksum:      checksum,
		numMethodIDs:  numMethodIDs,
		methodMap:     make(MethodMap),
		classSet:      make(map[uint16]struct{}),
		bitmapStorage: make([]byte, computeBitmapStorage(forBootImage, numMethodIDs)),
		forBootImage:  forBootImage,
	}
}

// methodFlagBitmapIndex returns the linear bit position of (flag, method).
func (d *dexFileData) methodFlagBitmapIndex(flag Flag, methodIndex uint32) uint64 {
	return uint64(flagBitmapIndex(flag))*uint64(d.numMethodIDs) + uint64(methodIndex)
}

func (d *dexFileData) setBit(pos uint64) { d.bitmapStorage[pos/8] |= 1 << (pos % 8) }

func (d *dexFileData) testBit(pos uint64) bool {
	return d.bitmapStorage[pos/8]&(1<<(pos%8)) != 0
}

// addMethod records the given flags for a method. It fails on an
// out-of-range method index. A hot method additionally gets a method map
// entry so inline caches can attach to it.
func (d *dexFileData) addMethod(flags Flag, methodIndex uint32) bool {
	if methodIndex >= d.numMethodIDs {
		return false
	}
	d.setMethodHotness(methodIndex, flags)
	if flags&FlagHot != 0 {
		d.findOrAddHotMethod(uint16(methodIndex))
	}
	return true
}

// setMethodHotness sets the bitmap bits for every flag in flags.
func (d *dexFileData) setMethodHotness(methodIndex uint32, flags Flag) {
	forEachFlag(d.forBootImage, func(f Flag) {
		if flags&f != 0 {
			d.setBit(d.methodFlagBitmapIndex(f, methodIndex))
		}
	})
}

// getHotnessInfo lifts the bitmap row for a method back into flags and
// attaches the inline cache map when the method is hot.
func (d *dexFileData) getHotnessInfo(methodIndex uint32) MethodHotness {
	var h MethodHotness
	if methodIndex >= d.numMethodIDs {
		return h
	}
	forEachFlag(d.forBootImage, func(f Flag) {
		if d.testBit(d.methodFlagBitmapIndex(f, methodIndex)) {
			h.flags |= f
		}
	})
	if h.IsHot() {
		h.inlineCache = d.methodMap[uint16(methodIndex)]
	}
	return h
}

// findOrAddHotMethod returns the inline cache map of a hot method, creating
// an empty one if needed.
func (d *dexFileData) findOrAddHotMethod(methodIndex uint16) InlineCacheMap {
	if ic, ok := d.methodMap[methodIndex]; ok {
		return ic
	}
	ic := make(InlineCacheMap)
	d.methodMap[methodIndex] = ic
	return ic
}

// containsClass reports whether the type index was profiled.
func (d *dexFileData) containsClass(typeIndex uint16) bool {
	_, ok := d.classSet[typeIndex]
	return ok
}

// mergeBitmap ORs the other record's bitmap into this one. Both records must
// describe the same dex file, so the storage sizes match.
func (d *dexFileData) mergeBitmap(other *dexFileData) {
	for i := range d.bitmapStorage {
		d.bitmapStorage[i] |= other.bitmapStorage[i]
	}
}

// classesInOrder returns the class set as ascending type indices.
func (d *dexFileData) classesInOrder() []uint16 {
	classes := make([]uint16, 0, len(d.classSet))
	for c := range d.classSet {
		classes = append(classes, c)
	}
	sort.Slice(classes, func(i, j int) bool { return classes[i] < classes[j] })
	return classes
}

// equal compares two records ignoring profile indices; inline cache class
// references of other are translated through remap before comparison.
func (d *dexFileData) equal(other *dexFileData, remap func(ProfileIndexType) (ProfileIndexType, bool)) bool {
	if d.checksum != other.checksum ||
		d.numMethodIDs != other.numMethodIDs ||
		len(d.classSet) != len(other.classSet) ||
		len(d.methodMap) != len(other.methodMap) {
		return false
	}
	for i := range d.bitmapStorage {
		if d.bitmapStorage[i] != other.bitmapStorage[i] {
			return false
		}
	}
	for c := range d.classSet {
		if _, ok := other.classSet[c]; !ok {
			return false
		}
	}
	for methodIndex, ic := range d.methodMap {
		otherIC, ok := other.methodMap[methodIndex]
		if !ok || len(ic) != len(otherIC) {
			return false
		}
		for pc, data := range ic {
			otherData, ok := otherIC[pc]
			if !ok || !data.equal(otherData, remap) {
				return false
			}
		}
	}
	return true
}
