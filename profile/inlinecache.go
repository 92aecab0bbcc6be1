package profile

import "sort"

// Inline cache observations for hot methods.
//
// Each call site (dex pc) tracks the receiver types seen there. A site
// progresses monotonically: concrete types can be added up to a fixed cap,
// after which the site becomes megamorphic; a site with unencodable receiver
// types is marked missing-types. Missing-types dominates megamorphic, which
// dominates concrete types.

// IndividualInlineCacheSize is the maximum number of distinct receiver
// classes recorded per call site before it turns megamorphic.
const IndividualInlineCacheSize = 5

// ClassReference encodes a receiver class as (owning dex profile index,
// type index). The owning dex file is referenced by its index in the profile
// rather than by location and checksum; receivers frequently live in a
// different dex file than the calling method.
type ClassReference struct {
	DexProfileIndex ProfileIndexType
	TypeIndex       uint16
}

// Less orders references by profile index then type index.
func (r ClassReference) Less(other ClassReference) bool {
	if r.DexProfileIndex != other.DexProfileIndex {
		return r.DexProfileIndex < other.DexProfileIndex
	}
	return r.TypeIndex < other.TypeIndex
}

// icState is the degenerate marker of a call site.
type icState uint8

const (
	icTypes icState = iota
	icMegamorphic
	icMissingTypes
)

// DexPcData is the inline cache entry for a single call site. When the site
// is megamorphic or missing types, the class set is empty.
type DexPcData struct {
	state   icState
	classes []ClassReference // sorted, at most IndividualInlineCacheSize
}

// AddClass records a receiver class observation. Adding beyond the cap turns
// the site megamorphic and drops the classes. Degenerate sites ignore new
// classes.
func (d *DexPcData) AddClass(dexProfileIndex ProfileIndexType, typeIndex uint16) {
	if d.state != icTypes {
		return
	}
	ref := ClassReference{DexProfileIndex: dexProfileIndex, TypeIndex: typeIndex}
	i := sort.Search(len(d.classes), func(i int) bool { return !d.classes[i].Less(ref) })
	if i < len(d.classes) && d.classes[i] == ref {
		return
	}
	if len(d.classes) >= IndividualInlineCacheSize {
		d.SetIsMegamorphic()
		return
	}
	d.classes = append(d.classes, ClassReference{})
	copy(d.classes[i+1:], d.classes[i:])
	d.classes[i] = ref
}

// SetIsMegamorphic marks the site megamorphic unless it is already marked
// missing-types, which dominates.
func (d *DexPcData) SetIsMegamorphic() {
	if d.state == icMissingTypes {
		return
	}
	d.state = icMegamorphic
	d.classes = nil
}

// SetIsMissingTypes marks the site as having unencodable receiver types.
func (d *DexPcData) SetIsMissingTypes() {
	d.state = icMissingTypes
	d.classes = nil
}

// IsMegamorphic reports whether the site saw more classes than the cap.
func (d *DexPcData) IsMegamorphic() bool { return d.state == icMegamorphic }

// IsMissingTypes reports whether the site saw unencodable receiver types.
func (d *DexPcData) IsMissingTypes() bool { return d.state == icMissingTypes }

// Classes returns the recorded receiver classes in ascending order. The
// slice is borrowed; callers must not modify it.
func (d *DexPcData) Classes() []ClassReference { return d.classes }

// equal compares two sites, translating the other site's dex profile
// indices through remap first. A nil remap compares indices directly.
func (d *DexPcData) equal(other *DexPcData, remap func(ProfileIndexType) (ProfileIndexType, bool)) bool {
	if d.state != other.state || len(d.classes) != len(other.classes) {
		return false
	}
	if remap == nil {
		for i := range d.classes {
			if d.classes[i] != other.classes[i] {
				return false
			}
		}
		return true
	}
	// Remapping may reorder the set, so compare as sets.
	translated := make([]ClassReference, 0, len(other.classes))
	for _, ref := range other.classes {
		idx, ok := remap(ref.DexProfileIndex)
		if !ok {
			return false
		}
		translated = append(translated, ClassReference{DexProfileIndex: idx, TypeIndex: ref.TypeIndex})
	}
	sort.Slice(translated, func(i, j int) bool { return translated[i].Less(translated[j]) })
	for i := range d.classes {
		if d.classes[i] != translated[i] {
			return false
		}
	}
	return true
}

// mergeFrom unions the other site into this one, translating dex profile
// indices through remap. Dominance and the capacity cap apply.
func (d *DexPcData) mergeFrom(other *DexPcData, remap func(ProfileIndexType) (ProfileIndexType, bool)) {
	switch other.state {
	case icMissingTypes:
		d.SetIsMissingTypes()
		return
	case icMegamorphic:
		d.SetIsMegamorphic()
		return
	}
	for _, ref := range other.classes {
		idx := ref.DexProfileIndex
		if remap != nil {
			mapped, ok := remap(idx)
			if !ok {
				continue
			}
			idx = mapped
		}
		d.AddClass(idx, ref.TypeIndex)
	}
}

// clone returns a deep copy of the site.
func (d *DexPcData) clone() *DexPcData {
	c := &DexPcData{state: d.state}
	if len(d.classes) > 0 {
		c.classes = append([]ClassReference(nil), d.classes...)
	}
	return c
}

// InlineCacheMap maps a dex pc to the observations at that call site.
type InlineCacheMap map[uint16]*DexPcData

// FindOrAddDexPc returns the entry for the given dex pc, creating an empty
// one if the site has not been seen.
func (m InlineCacheMap) FindOrAddDexPc(dexPc uint16) *DexPcData {
	if data, ok := m[dexPc]; ok {
		return data
	}
	data := &DexPcData{}
	m[dexPc] = data
	return data
}

// dexPcsInOrder returns the map's keys in ascending order.
func (m InlineCacheMap) dexPcsInOrder() []uint16 {
	pcs := make([]uint16, 0, len(m))
	for pc := range m {
		pcs = append(pcs, pc)
	}
	sort.Slice(pcs, func(i, j int) bool { return pcs[i] < pcs[j] })
	return pcs
}

// MethodMap maps a method index to its inline cache map. Only hot methods
// have entries.
type MethodMap map[uint16]InlineCacheMap

// methodsInOrder returns the map's keys in ascending order.
func (m MethodMap) methodsInOrder() []uint16 {
	methods := make([]uint16, 0, len(m))
	for idx := range m {
		methods = append(methods, idx)
	}
	sort.Slice(methods, func(i, j int) bool { return methods[i] < methods[j] })
	return methods
}
