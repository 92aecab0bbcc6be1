package archive

import (
	"path/filepath"
	"testing"

	"github.com/ProjectBlaze-14/art/pkg/dex"
	"github.com/ProjectBlaze-14/art/profile"
)

func openTestArchive(t *testing.T) *Archive {
	t.Helper()
	a, err := Open(filepath.Join(t.TempDir(), "profiles.db"))
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { a.Close() })
	return a
}

func testFlat(t *testing.T, m *dex.File) *profile.FlattenProfileData {
	t.Helper()
	info := profile.New()
	ann := profile.NewSampleAnnotation("com.origin")
	if err := info.AddMethodsForDex(profile.FlagHot, m, []uint32{7}, ann); err != nil {
		t.Fatalf("AddMethodsForDex: %v", err)
	}
	if err := info.AddClassesForDex(m, []dex.TypeIndex{3}, ann); err != nil {
		t.Fatalf("AddClassesForDex: %v", err)
	}
	return info.ExtractProfileData([]*dex.File{m})
}

func TestRecordAndLoadSnapshot(t *testing.T) {
	a := openTestArchive(t)
	m := dex.NewFile("m.apk", 0x1234, 100, 100)

	id, err := a.RecordSnapshot("nightly", testFlat(t, m))
	if err != nil {
		t.Fatalf("RecordSnapshot: %v", err)
	}
	if id == "" {
		t.Fatal("RecordSnapshot returned an empty id")
	}

	flat, err := a.LoadSnapshot(id, []*dex.File{m})
	if err != nil {
		t.Fatalf("LoadSnapshot: %v", err)
	}
	item := flat.GetMethodData()[dex.MethodReference{Dex: m, Index: 7}]
	if item == nil {
		t.Fatal("method 7 missing from loaded snapshot")
	}
	if !item.HasFlagSet(profile.FlagHot) {
		t.Error("hot flag lost in the archive round trip")
	}
	classItem := flat.GetClassData()[dex.TypeReference{Dex: m, TypeIndex: 3}]
	if classItem == nil {
		t.Fatal("class 3 missing from loaded snapshot")
	}
	if got := classItem.GetAnnotations(); len(got) != 1 || got[0].OriginPackageName() != "com.origin" {
		t.Errorf("annotations = %v, want [com.origin]", got)
	}
}

func TestLoadSnapshotNotFound(t *testing.T) {
	a := openTestArchive(t)
	if _, err := a.LoadSnapshot("no-such-id", nil); err != ErrSnapshotNotFound {
		t.Fatalf("LoadSnapshot = %v, want ErrSnapshotNotFound", err)
	}
}

func TestLoadSnapshotSkipsUnknownDexFiles(t *testing.T) {
	a := openTestArchive(t)
	m := dex.NewFile("m.apk", 0x1234, 100, 100)
	id, err := a.RecordSnapshot("", testFlat(t, m))
	if err != nil {
		t.Fatalf("RecordSnapshot: %v", err)
	}

	stale := dex.NewFile("m.apk", 0xFFFF, 100, 100)
	flat, err := a.LoadSnapshot(id, []*dex.File{stale})
	if err != nil {
		t.Fatalf("LoadSnapshot: %v", err)
	}
	if len(flat.GetMethodData()) != 0 || len(flat.GetClassData()) != 0 {
		t.Error("items for a mismatched checksum must be skipped")
	}
}

func TestSnapshotsAndDelete(t *testing.T) {
	a := openTestArchive(t)
	m := dex.NewFile("m.apk", 0x1234, 100, 100)

	id1, err := a.RecordSnapshot("nightly", testFlat(t, m))
	if err != nil {
		t.Fatalf("RecordSnapshot: %v", err)
	}
	if _, err := a.RecordSnapshot("weekly", testFlat(t, m)); err != nil {
		t.Fatalf("RecordSnapshot: %v", err)
	}

	snaps, err := a.Snapshots()
	if err != nil {
		t.Fatalf("Snapshots: %v", err)
	}
	if len(snaps) != 2 {
		t.Fatalf("got %d snapshots, want 2", len(snaps))
	}

	ids, err := a.FindByLabel("nightly")
	if err != nil {
		t.Fatalf("FindByLabel: %v", err)
	}
	if len(ids) != 1 || ids[0] != id1 {
		t.Errorf("FindByLabel = %v, want [%s]", ids, id1)
	}

	if err := a.DeleteSnapshot(id1); err != nil {
		t.Fatalf("DeleteSnapshot: %v", err)
	}
	if _, err := a.LoadSnapshot(id1, []*dex.File{m}); err != ErrSnapshotNotFound {
		t.Errorf("deleted snapshot should not load, got %v", err)
	}
}
