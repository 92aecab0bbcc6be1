// Package exchange serializes flattened profile snapshots for transport
// between devices and aggregation services. The envelope format is
// canonical CBOR so equal snapshots encode to equal bytes.
package exchange

import (
	"fmt"

	"github.com/fxamacker/cbor/v2"
	"github.com/google/uuid"

	"github.com/ProjectBlaze-14/art/pkg/dex"
	"github.com/ProjectBlaze-14/art/profile"
)

// cborEncMode uses canonical options for deterministic encoding.
var cborEncMode cbor.EncMode

func init() {
	em, err := cbor.CanonicalEncOptions().EncMode()
	if err != nil {
		panic(fmt.Sprintf("exchange: failed to create CBOR enc mode: %v", err))
	}
	cborEncMode = em
}

// Snapshot is a transportable projection of a flattened profile view.
// Dex files are referenced by location and checksum instead of profile
// indices, so a snapshot is self-contained.
type Snapshot struct {
	ID      string         `cbor:"id"`
	Label   string         `cbor:"label,omitempty"`
	Methods []MethodRecord `cbor:"methods"`
	Classes []ClassRecord  `cbor:"classes"`
}

// MethodRecord is one method's aggregated profile presence.
type MethodRecord struct {
	DexLocation string   `cbor:"dex_location"`
	DexChecksum uint32   `cbor:"dex_checksum"`
	MethodIndex uint32   `cbor:"method_index"`
	Flags       uint32   `cbor:"flags"`
	Annotations []string `cbor:"annotations,omitempty"`
}

// ClassRecord is one class's aggregated profile presence.
type ClassRecord struct {
	DexLocation string   `cbor:"dex_location"`
	DexChecksum uint32   `cbor:"dex_checksum"`
	TypeIndex   uint16   `cbor:"type_index"`
	Annotations []string `cbor:"annotations,omitempty"`
}

// BuildSnapshot projects a flattened view into a snapshot with a fresh id.
// Records are emitted in reference order so the canonical encoding is
// stable for equal views.
func BuildSnapshot(label string, flat *profile.FlattenProfileData) *Snapshot {
	snap := &Snapshot{
		ID:    uuid.New().String(),
		Label: label,
	}
	for _, ref := range flat.MethodReferencesInOrder() {
		item := flat.GetMethodData()[ref]
		snap.Methods = append(snap.Methods, MethodRecord{
			DexLocation: ref.Dex.Location,
			DexChecksum: ref.Dex.LocationChecksum,
			MethodIndex: ref.Index,
			Flags:       uint32(item.GetFlags()),
			Annotations: annotationNames(item.GetAnnotations()),
		})
	}
	for _, ref := range flat.TypeReferencesInOrder() {
		item := flat.GetClassData()[ref]
		snap.Classes = append(snap.Classes, ClassRecord{
			DexLocation: ref.Dex.Location,
			DexChecksum: ref.Dex.LocationChecksum,
			TypeIndex:   uint16(ref.TypeIndex),
			Annotations: annotationNames(item.GetAnnotations()),
		})
	}
	return snap
}

// ApplyTo folds a snapshot back into a flattened view. Dex file descriptors
// are resolved by location and checksum; records for unknown dex files are
// dropped and counted in the return value.
func (s *Snapshot) ApplyTo(flat *profile.FlattenProfileData, dexFiles []*dex.File) int {
	byLocation := make(map[string]*dex.File, len(dexFiles))
	for _, f := range dexFiles {
		byLocation[f.Location] = f
	}

	incoming := profile.NewFlattenProfileData()
	dropped := 0
	for _, m := range s.Methods {
		f := byLocation[m.DexLocation]
		if f == nil || f.LocationChecksum != m.DexChecksum {
			dropped++
			continue
		}
		incoming.AddMethodMetadata(
			dex.MethodReference{Dex: f, Index: m.MethodIndex},
			profile.Flag(m.Flags),
			annotationsFromNames(m.Annotations))
	}
	for _, c := range s.Classes {
		f := byLocation[c.DexLocation]
		if f == nil || f.LocationChecksum != c.DexChecksum {
			dropped++
			continue
		}
		incoming.AddClassMetadata(
			dex.TypeReference{Dex: f, TypeIndex: dex.TypeIndex(c.TypeIndex)},
			annotationsFromNames(c.Annotations))
	}
	flat.MergeData(incoming)
	return dropped
}

func annotationsFromNames(names []string) []profile.SampleAnnotation {
	annotations := make([]profile.SampleAnnotation, len(names))
	for i, name := range names {
		annotations[i] = profile.NewSampleAnnotation(name)
	}
	return annotations
}

// MarshalSnapshot serializes a snapshot to canonical CBOR bytes.
func MarshalSnapshot(s *Snapshot) ([]byte, error) {
	return cborEncMode.Marshal(s)
}

// UnmarshalSnapshot deserializes a snapshot from CBOR bytes.
func UnmarshalSnapshot(data []byte) (*Snapshot, error) {
	var s Snapshot
	if err := cbor.Unmarshal(data, &s); err != nil {
		return nil, fmt.Errorf("exchange: unmarshal snapshot: %w", err)
	}
	return &s, nil
}

func annotationNames(annotations []profile.SampleAnnotation) []string {
	if len(annotations) == 0 {
		return nil
	}
	names := make([]string, len(annotations))
	for i, a := range annotations {
		names[i] = a.OriginPackageName()
	}
	return names
}
