package exchange

import (
	"bytes"
	"testing"

	"github.com/ProjectBlaze-14/art/pkg/dex"
	"github.com/ProjectBlaze-14/art/profile"
)

func buildFlat(t *testing.T, m *dex.File) *profile.FlattenProfileData {
	t.Helper()
	info := profile.New()
	ann := profile.NewSampleAnnotation("com.origin")
	if err := info.AddMethodsForDex(profile.FlagHot|profile.FlagStartup, m, []uint32{7}, ann); err != nil {
		t.Fatalf("AddMethodsForDex: %v", err)
	}
	if err := info.AddClassesForDex(m, []dex.TypeIndex{3}, ann); err != nil {
		t.Fatalf("AddClassesForDex: %v", err)
	}
	return info.ExtractProfileData([]*dex.File{m})
}

func TestSnapshotMarshalRoundTrip(t *testing.T) {
	m := dex.NewFile("m.apk", 0x1234, 100, 100)
	snap := BuildSnapshot("nightly", buildFlat(t, m))

	if snap.ID == "" {
		t.Error("snapshot must get an id")
	}
	data, err := MarshalSnapshot(snap)
	if err != nil {
		t.Fatalf("MarshalSnapshot: %v", err)
	}
	decoded, err := UnmarshalSnapshot(data)
	if err != nil {
		t.Fatalf("UnmarshalSnapshot: %v", err)
	}
	if decoded.ID != snap.ID || decoded.Label != "nightly" {
		t.Errorf("envelope fields lost: %+v", decoded)
	}
	if len(decoded.Methods) != 1 || decoded.Methods[0].MethodIndex != 7 {
		t.Errorf("methods = %+v, want one record for method 7", decoded.Methods)
	}
	if len(decoded.Classes) != 1 || decoded.Classes[0].TypeIndex != 3 {
		t.Errorf("classes = %+v, want one record for type 3", decoded.Classes)
	}
}

func TestSnapshotEncodingIsCanonical(t *testing.T) {
	m := dex.NewFile("m.apk", 0x1234, 100, 100)
	snap := BuildSnapshot("nightly", buildFlat(t, m))

	first, err := MarshalSnapshot(snap)
	if err != nil {
		t.Fatalf("MarshalSnapshot: %v", err)
	}
	second, err := MarshalSnapshot(snap)
	if err != nil {
		t.Fatalf("MarshalSnapshot: %v", err)
	}
	if !bytes.Equal(first, second) {
		t.Error("encoding the same snapshot twice must produce identical bytes")
	}
}

func TestSnapshotApplyTo(t *testing.T) {
	m := dex.NewFile("m.apk", 0x1234, 100, 100)
	snap := BuildSnapshot("", buildFlat(t, m))

	target := profile.NewFlattenProfileData()
	if dropped := snap.ApplyTo(target, []*dex.File{m}); dropped != 0 {
		t.Fatalf("ApplyTo dropped %d records, want 0", dropped)
	}

	item := target.GetMethodData()[dex.MethodReference{Dex: m, Index: 7}]
	if item == nil {
		t.Fatal("method 7 missing after apply")
	}
	if !item.HasFlagSet(profile.FlagHot) || !item.HasFlagSet(profile.FlagStartup) {
		t.Errorf("flags = %#x, want hot|startup", item.GetFlags())
	}
	if len(item.GetAnnotations()) != 1 ||
		item.GetAnnotations()[0].OriginPackageName() != "com.origin" {
		t.Errorf("annotations = %v, want [com.origin]", item.GetAnnotations())
	}
}

func TestSnapshotApplyToDropsUnknownDexFiles(t *testing.T) {
	m := dex.NewFile("m.apk", 0x1234, 100, 100)
	snap := BuildSnapshot("", buildFlat(t, m))

	// Same location, different checksum: every record must be dropped.
	stale := dex.NewFile("m.apk", 0xFFFF, 100, 100)
	target := profile.NewFlattenProfileData()
	if dropped := snap.ApplyTo(target, []*dex.File{stale}); dropped != 2 {
		t.Fatalf("ApplyTo dropped %d records, want 2", dropped)
	}
	if len(target.GetMethodData()) != 0 || len(target.GetClassData()) != 0 {
		t.Error("no records must be applied for a mismatched checksum")
	}
}
