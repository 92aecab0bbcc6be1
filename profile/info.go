// Package profile implements the profile compilation information store: the
// in-memory and on-disk representation of profile guided compilation data
// gathered by the runtime for a set of dex files. For each dex file it
// records which methods were executed and how, which classes were resolved,
// and the receiver types observed at each call site of each hot method. The
// store is consumed by dex2oat to drive method selection and
// devirtualization.
package profile

import (
	"errors"
	"fmt"
	"strings"

	"github.com/tliron/commonlog"

	"github.com/ProjectBlaze-14/art/pkg/dex"
)

var log = commonlog.GetLogger("art.profile")

// Profile file format constants.
var (
	// ProfileMagic identifies a profile file.
	ProfileMagic = [4]byte{'p', 'r', 'o', 0}
	// Version of regular (per-app) profiles.
	versionRegular = [4]byte{'0', '1', '0', 0}
	// Version of boot-image profiles.
	versionBoot = [4]byte{'0', '1', '2', 0}
)

// DexMetadataProfileEntry is the name of the profile entry inside a dex
// metadata archive.
const DexMetadataProfileEntry = "primary.prof"

var (
	// ErrWouldOverwriteData is returned when loading into a non-empty store.
	ErrWouldOverwriteData = errors.New("profile: loading would overwrite existing data")
	// ErrVersionMismatch is returned when profile versions disagree.
	ErrVersionMismatch = errors.New("profile: version mismatch")
	// ErrBadData is returned for structurally invalid profile content.
	ErrBadData = errors.New("profile: bad profile data")
	// ErrChecksumMismatch is returned when a profile key is reused with a
	// conflicting dex file descriptor.
	ErrChecksumMismatch = errors.New("profile: checksum mismatch for existing dex file")
	// ErrProfileFull is returned when the store cannot index another dex file.
	ErrProfileFull = errors.New("profile: too many dex files")
)

// FilterFn decides whether profile data for a dex file should be loaded.
// It receives the base profile key and the location checksum.
type FilterFn func(baseKey string, checksum uint32) bool

// FilterAcceptAll accepts profile data for every dex file.
func FilterAcceptAll(string, uint32) bool { return true }

// MethodInfo carries one method's samples in a loader-independent form:
// the method reference plus its inline cache observations.
type MethodInfo struct {
	Ref          dex.MethodReference
	InlineCaches []InlineCacheInfo
}

// InlineCacheInfo is a raw inline cache observation for one call site.
type InlineCacheInfo struct {
	DexPc          uint16
	IsMissingTypes bool
	IsMegamorphic  bool
	Classes        []dex.TypeReference
}

// Info is the profile compilation information store. It is bound to one
// profile kind (regular or boot-image) at construction.
//
// The store is single-writer: mutation requires exclusive access and no
// internal locking is provided. Values handed out by queries are borrowed
// and invalidated by any mutation.
type Info struct {
	// The records, indexed by profile index.
	info []*dexFileData
	// Profile key to profile index, kept in sync with info.
	profileKeyMap map[string]ProfileIndexType
	version       [4]byte
	forBootImage  bool
}

// New creates an empty store for regular profiles.
func New() *Info {
	return NewForBootImage(false)
}

// NewForBootImage creates an empty store of the given kind.
func NewForBootImage(forBootImage bool) *Info {
	p := &Info{
		profileKeyMap: make(map[string]ProfileIndexType),
		forBootImage:  forBootImage,
	}
	if forBootImage {
		p.version = versionBoot
	} else {
		p.version = versionRegular
	}
	return p
}

// IsForBootImage reports whether this is a boot-image profile.
func (p *Info) IsForBootImage() bool { return p.forBootImage }

// GetVersion returns the 4 version bytes of the profile.
func (p *Info) GetVersion() []byte { return p.version[:] }

// SameVersion reports whether both stores use the same profile kind.
func (p *Info) SameVersion(other *Info) bool { return p.version == other.version }

// IsEmpty reports whether the store holds no records.
func (p *Info) IsEmpty() bool { return len(p.info) == 0 }

// GetNumberOfDexFiles returns the number of records in the store.
func (p *Info) GetNumberOfDexFiles() int { return len(p.info) }

// maxProfileIndex returns the first invalid profile index for this kind.
// Boot-image profiles can reference more dex files than regular ones.
func (p *Info) maxProfileIndex() ProfileIndexType {
	if p.forBootImage {
		return 0xFFFF
	}
	return 0xFF
}

// ClearData drops all records and resets the indices.
func (p *Info) ClearData() {
	p.info = nil
	p.profileKeyMap = make(map[string]ProfileIndexType)
}

// ClearDataAndAdjustVersion drops all records and rebinds the store to the
// given profile kind.
func (p *Info) ClearDataAndAdjustVersion(forBootImage bool) {
	p.ClearData()
	p.forBootImage = forBootImage
	if forBootImage {
		p.version = versionBoot
	} else {
		p.version = versionRegular
	}
}

// getOrAddDexFileData returns the record for the given augmented key,
// creating it on first reference. It fails if the key is already bound to a
// different (checksum, numMethodIDs) descriptor, if the key is malformed,
// or if the store cannot index another dex file.
func (p *Info) getOrAddDexFileData(profileKey string, checksum, numMethodIDs uint32) (*dexFileData, error) {
	if idx, ok := p.profileKeyMap[profileKey]; ok {
		data := p.info[idx]
		if data.checksum != checksum || data.numMethodIDs != numMethodIDs {
			return nil, fmt.Errorf("%w: key %q", ErrChecksumMismatch, profileKey)
		}
		return data, nil
	}
	if !validBaseKey(BaseKeyFromAugmentedKey(profileKey)) || len(profileKey) > maxProfileKeySize {
		return nil, fmt.Errorf("%w: invalid profile key %q", ErrBadData, profileKey)
	}
	next := len(p.info)
	if next >= int(p.maxProfileIndex()) {
		return nil, ErrProfileFull
	}
	data := newDexFileData(profileKey, checksum, ProfileIndexType(next), numMethodIDs, p.forBootImage)
	p.info = append(p.info, data)
	p.profileKeyMap[profileKey] = data.profileIndex
	return data, nil
}

func (p *Info) getOrAddForDex(dexFile *dex.File, annotation SampleAnnotation) (*dexFileData, error) {
	key := AugmentedKey(BaseKeyForLocation(dexFile.Location), annotation)
	return p.getOrAddDexFileData(key, dexFile.LocationChecksum, dexFile.NumMethodIDs)
}

// findDexData returns the record bound to the augmented key, or nil. When
// verifyChecksum is set a checksum mismatch also yields nil.
func (p *Info) findDexData(profileKey string, checksum uint32, verifyChecksum bool) *dexFileData {
	idx, ok := p.profileKeyMap[profileKey]
	if !ok {
		return nil
	}
	data := p.info[idx]
	if verifyChecksum && data.checksum != checksum {
		return nil
	}
	return data
}

// findDexDataUsingAnnotations looks up the record for a dex file. With the
// none annotation, the first record whose base key matches is used; with a
// real annotation the augmented key must match exactly.
func (p *Info) findDexDataUsingAnnotations(dexFile *dex.File, annotation SampleAnnotation) *dexFileData {
	baseKey := BaseKeyForLocation(dexFile.Location)
	if !annotation.IsNone() {
		return p.findDexData(AugmentedKey(baseKey, annotation), dexFile.LocationChecksum, true)
	}
	for _, data := range p.info {
		if BaseKeyFromAugmentedKey(data.profileKey) == baseKey {
			if data.checksum != dexFile.LocationChecksum {
				return nil
			}
			return data
		}
	}
	return nil
}

// findAllDexData collects the records for a dex file across all annotations.
func (p *Info) findAllDexData(dexFile *dex.File) []*dexFileData {
	baseKey := BaseKeyForLocation(dexFile.Location)
	var result []*dexFileData
	for _, data := range p.info {
		if data.checksum == dexFile.LocationChecksum &&
			BaseKeyFromAugmentedKey(data.profileKey) == baseKey {
			result = append(result, data)
		}
	}
	return result
}

// AddMethod records one method with the given flags, together with its
// inline cache observations.
func (p *Info) AddMethod(method MethodInfo, flags Flag, annotation SampleAnnotation) error {
	data, err := p.getOrAddForDex(method.Ref.Dex, annotation)
	if err != nil {
		return err
	}
	if !data.addMethod(flags, method.Ref.Index) {
		return fmt.Errorf("%w: method index %d out of range for %s",
			ErrBadData, method.Ref.Index, method.Ref.Dex.Location)
	}
	if flags&FlagHot == 0 {
		return nil
	}
	ic := data.findOrAddHotMethod(uint16(method.Ref.Index))
	for _, cache := range method.InlineCaches {
		site := ic.FindOrAddDexPc(cache.DexPc)
		if cache.IsMissingTypes {
			site.SetIsMissingTypes()
			continue
		}
		if cache.IsMegamorphic {
			site.SetIsMegamorphic()
			continue
		}
		for _, class := range cache.Classes {
			receiver, err := p.getOrAddForDex(class.Dex, annotation)
			if err != nil {
				return err
			}
			site.AddClass(receiver.profileIndex, uint16(class.TypeIndex))
		}
	}
	return nil
}

// AddMethods records a batch of methods with the given flags.
func (p *Info) AddMethods(methods []MethodInfo, flags Flag, annotation SampleAnnotation) error {
	for _, m := range methods {
		if err := p.AddMethod(m, flags, annotation); err != nil {
			return err
		}
	}
	return nil
}

// AddMethodsForDex records the given method indices of a single dex file.
func (p *Info) AddMethodsForDex(flags Flag, dexFile *dex.File, methodIndices []uint32,
	annotation SampleAnnotation) error {
	data, err := p.getOrAddForDex(dexFile, annotation)
	if err != nil {
		return err
	}
	for _, idx := range methodIndices {
		if !data.addMethod(flags, idx) {
			return fmt.Errorf("%w: method index %d out of range for %s",
				ErrBadData, idx, dexFile.Location)
		}
	}
	return nil
}

// AddClassesForDex records the given type indices of a single dex file.
func (p *Info) AddClassesForDex(dexFile *dex.File, typeIndices []dex.TypeIndex,
	annotation SampleAnnotation) error {
	data, err := p.getOrAddForDex(dexFile, annotation)
	if err != nil {
		return err
	}
	for _, idx := range typeIndices {
		data.classSet[uint16(idx)] = struct{}{}
	}
	return nil
}

// GetMethodHotness returns the recorded hotness for a method reference.
// With the none annotation the first record matching the base key is used.
func (p *Info) GetMethodHotness(ref dex.MethodReference, annotation SampleAnnotation) MethodHotness {
	if data := p.findDexDataUsingAnnotations(ref.Dex, annotation); data != nil {
		return data.getHotnessInfo(ref.Index)
	}
	return MethodHotness{}
}

// ContainsClass reports whether the class was profiled for the dex file.
func (p *Info) ContainsClass(dexFile *dex.File, typeIndex dex.TypeIndex,
	annotation SampleAnnotation) bool {
	if data := p.findDexDataUsingAnnotations(dexFile, annotation); data != nil {
		return data.containsClass(uint16(typeIndex))
	}
	return false
}

// FindDexFileForProfileIndex returns the candidate dex file whose checksum
// and base key match the record at the given profile index, or nil.
func (p *Info) FindDexFileForProfileIndex(profileIndex ProfileIndexType,
	dexFiles []*dex.File) *dex.File {
	if int(profileIndex) >= len(p.info) {
		return nil
	}
	data := p.info[profileIndex]
	baseKey := BaseKeyFromAugmentedKey(data.profileKey)
	for _, dexFile := range dexFiles {
		if data.checksum == dexFile.LocationChecksum &&
			baseKey == BaseKeyForLocation(dexFile.Location) {
			return dexFile
		}
	}
	return nil
}

// GetClassesAndMethods lifts the record for a dex file back into index sets:
// the profiled classes plus the hot, startup and post-startup method
// indices. It returns false if the dex file has no matching record.
func (p *Info) GetClassesAndMethods(dexFile *dex.File, annotation SampleAnnotation) (
	classes []dex.TypeIndex, hot, startup, postStartup []uint32, ok bool) {
	data := p.findDexDataUsingAnnotations(dexFile, annotation)
	if data == nil {
		return nil, nil, nil, nil, false
	}
	for _, c := range data.classesInOrder() {
		classes = append(classes, dex.TypeIndex(c))
	}
	for i := uint32(0); i < data.numMethodIDs; i++ {
		h := data.getHotnessInfo(i)
		if h.IsHot() {
			hot = append(hot, i)
		}
		if h.IsStartup() {
			startup = append(startup, i)
		}
		if h.IsPostStartup() {
			postStartup = append(postStartup, i)
		}
	}
	return classes, hot, startup, postStartup, true
}

// GetNumberOfMethods returns the number of methods recorded in any record.
func (p *Info) GetNumberOfMethods() uint32 {
	var total uint32
	for _, data := range p.info {
		for i := uint32(0); i < data.numMethodIDs; i++ {
			if data.getHotnessInfo(i).IsInProfile() {
				total++
			}
		}
	}
	return total
}

// GetNumberOfResolvedClasses returns the total class set size.
func (p *Info) GetNumberOfResolvedClasses() uint32 {
	var total uint32
	for _, data := range p.info {
		total += uint32(len(data.classSet))
	}
	return total
}

// MergeWith merges another store into this one. Classes are only merged
// when mergeClasses is set; this keeps boot profiles from pulling in every
// class as an image class. The merge is all-or-nothing: conflicts are
// detected before any record is touched.
func (p *Info) MergeWith(other *Info, mergeClasses bool) error {
	if !p.SameVersion(other) {
		return ErrVersionMismatch
	}
	// Validate before mutating: every shared key must agree on its
	// descriptor, and the new records must fit the index space.
	newRecords := 0
	for _, otherData := range other.info {
		if idx, ok := p.profileKeyMap[otherData.profileKey]; ok {
			data := p.info[idx]
			if data.checksum != otherData.checksum || data.numMethodIDs != otherData.numMethodIDs {
				return fmt.Errorf("%w: key %q", ErrChecksumMismatch, otherData.profileKey)
			}
		} else {
			newRecords++
		}
	}
	if len(p.info)+newRecords > int(p.maxProfileIndex()) {
		return ErrProfileFull
	}

	// Resolve or create every record and build the profile index remap.
	remapTable := make(map[ProfileIndexType]ProfileIndexType, len(other.info))
	for _, otherData := range other.info {
		data, err := p.getOrAddDexFileData(otherData.profileKey, otherData.checksum, otherData.numMethodIDs)
		if err != nil {
			return err
		}
		remapTable[otherData.profileIndex] = data.profileIndex
	}
	remap := func(idx ProfileIndexType) (ProfileIndexType, bool) {
		mapped, ok := remapTable[idx]
		return mapped, ok
	}

	for _, otherData := range other.info {
		data := p.info[p.profileKeyMap[otherData.profileKey]]
		data.mergeBitmap(otherData)
		if mergeClasses {
			for c := range otherData.classSet {
				data.classSet[c] = struct{}{}
			}
		}
		for methodIndex, otherIC := range otherData.methodMap {
			ic := data.findOrAddHotMethod(methodIndex)
			for pc, otherSite := range otherIC {
				ic.FindOrAddDexPc(pc).mergeFrom(otherSite, remap)
			}
		}
	}
	return nil
}

// MergeWithFile merges profile data from the named file into this store.
// The file is loaded into a scratch store of the same kind first, so a bad
// file leaves this store untouched.
func (p *Info) MergeWithFile(filename string, mergeClasses bool) error {
	scratch := NewForBootImage(p.forBootImage)
	if err := scratch.LoadFile(filename, false); err != nil {
		return err
	}
	return p.MergeWith(scratch, mergeClasses)
}

// UpdateProfileKeys re-keys records whose dex files were renamed on disk.
// A record matches a dex file when both the checksum and the number of
// method ids agree. The annotation part of the key is preserved. If any new
// key would collide with a different record the whole operation fails and
// the store is unchanged.
func (p *Info) UpdateProfileKeys(dexFiles []*dex.File) error {
	// Compute the full rename set first so a collision leaves no changes.
	renames := make(map[ProfileIndexType]string)
	finalKeys := make(map[string]ProfileIndexType, len(p.profileKeyMap))
	for key, idx := range p.profileKeyMap {
		finalKeys[key] = idx
	}
	for _, dexFile := range dexFiles {
		newBaseKey := BaseKeyForLocation(dexFile.Location)
		if !validBaseKey(newBaseKey) {
			return fmt.Errorf("%w: invalid base key %q", ErrBadData, newBaseKey)
		}
		for _, data := range p.info {
			if data.checksum != dexFile.LocationChecksum ||
				data.numMethodIDs != dexFile.NumMethodIDs {
				continue
			}
			if BaseKeyFromAugmentedKey(data.profileKey) == newBaseKey {
				continue
			}
			newKey := AugmentedKey(newBaseKey, AnnotationFromKey(data.profileKey))
			if otherIdx, ok := finalKeys[newKey]; ok && otherIdx != data.profileIndex {
				return fmt.Errorf("profile: key %q already in use", newKey)
			}
			delete(finalKeys, data.profileKey)
			finalKeys[newKey] = data.profileIndex
			renames[data.profileIndex] = newKey
		}
	}
	// Drop every old key before inserting any new one; a record may take
	// over a key another record is simultaneously renamed away from.
	for idx := range renames {
		delete(p.profileKeyMap, p.info[idx].profileKey)
	}
	for idx, newKey := range renames {
		p.info[idx].profileKey = newKey
		p.profileKeyMap[newKey] = idx
	}
	return nil
}

// Equals compares two stores for logical equality. The comparison is
// order-invariant: records are matched by profile key and inline cache
// class references are translated between the two index spaces.
func (p *Info) Equals(other *Info) bool {
	if p.version != other.version || len(p.info) != len(other.info) {
		return false
	}
	remap := func(idx ProfileIndexType) (ProfileIndexType, bool) {
		if int(idx) >= len(other.info) {
			return 0, false
		}
		mapped, ok := p.profileKeyMap[other.info[idx].profileKey]
		return mapped, ok
	}
	for key, idx := range p.profileKeyMap {
		otherIdx, ok := other.profileKeyMap[key]
		if !ok {
			return false
		}
		if !p.info[idx].equal(other.info[otherIdx], remap) {
			return false
		}
	}
	return true
}

// DumpInfo renders the store for debugging. When dex files are provided,
// their descriptors are used to resolve full locations.
func (p *Info) DumpInfo(dexFiles []*dex.File, printFullDexLocation bool) string {
	var b strings.Builder
	fmt.Fprintf(&b, "ProfileInfo [%s]\n", strings.TrimRight(string(p.version[:]), "\x00"))
	for _, data := range p.info {
		location := data.profileKey
		if printFullDexLocation {
			for _, dexFile := range dexFiles {
				if dexFile.LocationChecksum == data.checksum &&
					BaseKeyForLocation(dexFile.Location) == BaseKeyFromAugmentedKey(data.profileKey) {
					location = dexFile.Location
					break
				}
			}
		}
		fmt.Fprintf(&b, "%s [index=%d] [checksum=%08x] [num_method_ids=%d]\n",
			location, data.profileIndex, data.checksum, data.numMethodIDs)
		hot := data.methodMap.methodsInOrder()
		if len(hot) > 0 {
			b.WriteString("\thot methods: ")
			for _, m := range hot {
				fmt.Fprintf(&b, "%d[", m)
				ic := data.methodMap[m]
				for _, pc := range ic.dexPcsInOrder() {
					site := ic[pc]
					fmt.Fprintf(&b, "{%d:", pc)
					switch {
					case site.IsMissingTypes():
						b.WriteString("MT")
					case site.IsMegamorphic():
						b.WriteString("MM")
					default:
						for i, ref := range site.Classes() {
							if i > 0 {
								b.WriteByte(',')
							}
							fmt.Fprintf(&b, "(%d,%d)", ref.DexProfileIndex, ref.TypeIndex)
						}
					}
					b.WriteByte('}')
				}
				b.WriteString("], ")
			}
			b.WriteByte('\n')
		}
		startup, postStartup := p.dumpBitmapMethods(data)
		if len(startup) > 0 {
			fmt.Fprintf(&b, "\tstartup methods: %s\n", joinUint32(startup))
		}
		if len(postStartup) > 0 {
			fmt.Fprintf(&b, "\tpost startup methods: %s\n", joinUint32(postStartup))
		}
		if len(data.classSet) > 0 {
			classes := data.classesInOrder()
			parts := make([]string, len(classes))
			for i, c := range classes {
				parts[i] = fmt.Sprintf("%d", c)
			}
			fmt.Fprintf(&b, "\tclasses: %s\n", strings.Join(parts, ","))
		}
	}
	return b.String()
}

func (p *Info) dumpBitmapMethods(data *dexFileData) (startup, postStartup []uint32) {
	for i := uint32(0); i < data.numMethodIDs; i++ {
		h := data.getHotnessInfo(i)
		if h.IsStartup() {
			startup = append(startup, i)
		}
		if h.IsPostStartup() {
			postStartup = append(postStartup, i)
		}
	}
	return startup, postStartup
}

func joinUint32(values []uint32) string {
	parts := make([]string, len(values))
	for i, v := range values {
		parts[i] = fmt.Sprintf("%d", v)
	}
	return strings.Join(parts, ",")
}
