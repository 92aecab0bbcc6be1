package profile

import (
	"sort"

	"github.com/ProjectBlaze-14/art/pkg/dex"
)

// FlattenProfileData is the per-method and per-class projection of a store
// across annotations: for every referenced method and class, the union of
// its flags and the multiset of annotations that touched it. It exists so
// aggregation jobs do not have to walk profile indices.
type FlattenProfileData struct {
	methodMetadata map[dex.MethodReference]*ItemMetadata
	classMetadata  map[dex.TypeReference]*ItemMetadata
	// Cached maxima of any item's annotation count, so consumers don't
	// re-traverse the maps.
	maxAggregationForMethods uint32
	maxAggregationForClasses uint32
}

// ItemMetadata aggregates one method's or class's profile presence.
// The annotation list may contain duplicates after a merge; that encodes
// that the item was used repeatedly across sources.
type ItemMetadata struct {
	flags       Flag
	annotations []SampleAnnotation
}

// GetFlags returns the union of the item's flags; zero for classes.
func (m *ItemMetadata) GetFlags() Flag { return m.flags }

// HasFlagSet reports whether the given flag is set.
func (m *ItemMetadata) HasFlagSet(flag Flag) bool { return m.flags&flag != 0 }

// GetAnnotations returns the annotations that touched the item.
func (m *ItemMetadata) GetAnnotations() []SampleAnnotation { return m.annotations }

// NewFlattenProfileData creates an empty projection.
func NewFlattenProfileData() *FlattenProfileData {
	return &FlattenProfileData{
		methodMetadata: make(map[dex.MethodReference]*ItemMetadata),
		classMetadata:  make(map[dex.TypeReference]*ItemMetadata),
	}
}

// GetMethodData returns the method projection.
func (f *FlattenProfileData) GetMethodData() map[dex.MethodReference]*ItemMetadata {
	return f.methodMetadata
}

// GetClassData returns the class projection.
func (f *FlattenProfileData) GetClassData() map[dex.TypeReference]*ItemMetadata {
	return f.classMetadata
}

// GetMaxAggregationForMethods returns the largest number of annotations
// attached to any single method.
func (f *FlattenProfileData) GetMaxAggregationForMethods() uint32 {
	return f.maxAggregationForMethods
}

// GetMaxAggregationForClasses returns the largest number of annotations
// attached to any single class.
func (f *FlattenProfileData) GetMaxAggregationForClasses() uint32 {
	return f.maxAggregationForClasses
}

// MethodReferencesInOrder returns the method keys sorted by location and
// index, for deterministic iteration.
func (f *FlattenProfileData) MethodReferencesInOrder() []dex.MethodReference {
	refs := make([]dex.MethodReference, 0, len(f.methodMetadata))
	for ref := range f.methodMetadata {
		refs = append(refs, ref)
	}
	sort.Slice(refs, func(i, j int) bool { return refs[i].Less(refs[j]) })
	return refs
}

// TypeReferencesInOrder returns the class keys sorted by location and type
// index.
func (f *FlattenProfileData) TypeReferencesInOrder() []dex.TypeReference {
	refs := make([]dex.TypeReference, 0, len(f.classMetadata))
	for ref := range f.classMetadata {
		refs = append(refs, ref)
	}
	sort.Slice(refs, func(i, j int) bool { return refs[i].Less(refs[j]) })
	return refs
}

// AddMethodMetadata records flags and annotations for a method reference.
// Used when rebuilding a projection from an external representation.
func (f *FlattenProfileData) AddMethodMetadata(ref dex.MethodReference, flags Flag,
	annotations []SampleAnnotation) {
	item := f.methodMetadata[ref]
	if item == nil {
		item = &ItemMetadata{}
		f.methodMetadata[ref] = item
	}
	item.flags |= flags
	item.annotations = append(item.annotations, annotations...)
	f.maxAggregationForMethods = maxUint32(f.maxAggregationForMethods, uint32(len(item.annotations)))
}

// AddClassMetadata records annotations for a type reference.
func (f *FlattenProfileData) AddClassMetadata(ref dex.TypeReference,
	annotations []SampleAnnotation) {
	item := f.classMetadata[ref]
	if item == nil {
		item = &ItemMetadata{}
		f.classMetadata[ref] = item
	}
	item.annotations = append(item.annotations, annotations...)
	f.maxAggregationForClasses = maxUint32(f.maxAggregationForClasses, uint32(len(item.annotations)))
}

// MergeData folds another projection into this one: annotation lists are
// concatenated and flags are ORed.
func (f *FlattenProfileData) MergeData(other *FlattenProfileData) {
	for ref, meta := range other.methodMetadata {
		item := f.methodMetadata[ref]
		if item == nil {
			item = &ItemMetadata{}
			f.methodMetadata[ref] = item
		}
		item.flags |= meta.flags
		item.annotations = append(item.annotations, meta.annotations...)
		f.maxAggregationForMethods = maxUint32(f.maxAggregationForMethods, uint32(len(item.annotations)))
	}
	for ref, meta := range other.classMetadata {
		item := f.classMetadata[ref]
		if item == nil {
			item = &ItemMetadata{}
			f.classMetadata[ref] = item
		}
		item.flags |= meta.flags
		item.annotations = append(item.annotations, meta.annotations...)
		f.maxAggregationForClasses = maxUint32(f.maxAggregationForClasses, uint32(len(item.annotations)))
	}
}

// ExtractProfileData projects the store onto the given dex files, ignoring
// annotations in the keys but listing them in the metadata.
func (p *Info) ExtractProfileData(dexFiles []*dex.File) *FlattenProfileData {
	flat := NewFlattenProfileData()
	for _, dexFile := range dexFiles {
		for _, data := range p.findAllDexData(dexFile) {
			annotation := AnnotationFromKey(data.profileKey)
			for i := uint32(0); i < data.numMethodIDs; i++ {
				h := data.getHotnessInfo(i)
				if !h.IsInProfile() {
					continue
				}
				ref := dex.MethodReference{Dex: dexFile, Index: i}
				item := flat.methodMetadata[ref]
				if item == nil {
					item = &ItemMetadata{}
					flat.methodMetadata[ref] = item
				}
				item.flags |= h.Flags()
				item.annotations = append(item.annotations, annotation)
				flat.maxAggregationForMethods = maxUint32(
					flat.maxAggregationForMethods, uint32(len(item.annotations)))
			}
			for _, c := range data.classesInOrder() {
				ref := dex.TypeReference{Dex: dexFile, TypeIndex: dex.TypeIndex(c)}
				item := flat.classMetadata[ref]
				if item == nil {
					item = &ItemMetadata{}
					flat.classMetadata[ref] = item
				}
				item.annotations = append(item.annotations, annotation)
				flat.maxAggregationForClasses = maxUint32(
					flat.maxAggregationForClasses, uint32(len(item.annotations)))
			}
		}
	}
	return flat
}

func maxUint32(a, b uint32) uint32 {
	if a > b {
		return a
	}
	return b
}
