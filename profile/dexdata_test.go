package profile

import "testing"

func TestBitmapLayout(t *testing.T) {
	// 3 flags * 10 methods = 30 bits = 4 bytes for a regular profile.
	if got := computeBitmapStorage(false, 10); got != 4 {
		t.Errorf("regular bitmap storage for 10 methods = %d, want 4", got)
	}
	// 16 flags * 10 methods = 160 bits = 20 bytes for a boot-image profile.
	if got := computeBitmapStorage(true, 10); got != 20 {
		t.Errorf("boot bitmap storage for 10 methods = %d, want 20", got)
	}
	if got := computeBitmapStorage(false, 0); got != 0 {
		t.Errorf("bitmap storage for 0 methods = %d, want 0", got)
	}
}

func TestDexFileDataAddMethod(t *testing.T) {
	data := newDexFileData("key.apk", 0x1234, 0, 10, false)

	if !data.addMethod(FlagHot|FlagStartup, 7) {
		t.Fatal("addMethod within range failed")
	}
	if data.addMethod(FlagHot, 10) {
		t.Error("addMethod must fail for an out-of-range index")
	}

	h := data.getHotnessInfo(7)
	if !h.IsHot() || !h.IsStartup() || h.IsPostStartup() {
		t.Errorf("hotness(7) = hot=%v startup=%v post=%v, want hot+startup",
			h.IsHot(), h.IsStartup(), h.IsPostStartup())
	}
	if h.GetInlineCacheMap() == nil {
		t.Error("a hot method must carry an inline cache map")
	}
	if data.getHotnessInfo(8).IsInProfile() {
		t.Error("method 8 must not be in the profile")
	}
}

func TestDexFileDataStartupOnlyMethodHasNoInlineCaches(t *testing.T) {
	data := newDexFileData("key.apk", 0x1234, 0, 10, false)
	if !data.addMethod(FlagStartup, 3) {
		t.Fatal("addMethod failed")
	}
	if len(data.methodMap) != 0 {
		t.Error("a non-hot method must not get a method map entry")
	}
	h := data.getHotnessInfo(3)
	if !h.IsStartup() || h.IsHot() {
		t.Errorf("hotness(3) = %#x, want startup only", h.Flags())
	}
}

func TestDexFileDataBootFlags(t *testing.T) {
	data := newDexFileData("key.apk", 0x1234, 0, 100, true)
	flags := FlagHot | Flag64Bit | FlagBoot | FlagStartupMaxBin
	if !data.addMethod(flags, 42) {
		t.Fatal("addMethod failed")
	}
	h := data.getHotnessInfo(42)
	if h.Flags() != flags {
		t.Errorf("hotness(42) flags = %#x, want %#x", h.Flags(), flags)
	}
}

func TestDexFileDataMergeBitmap(t *testing.T) {
	a := newDexFileData("key.apk", 0x1234, 0, 20, false)
	b := newDexFileData("key.apk", 0x1234, 0, 20, false)
	a.addMethod(FlagStartup, 1)
	b.addMethod(FlagPostStartup, 1)
	b.addMethod(FlagStartup, 19)

	a.mergeBitmap(b)
	if h := a.getHotnessInfo(1); !h.IsStartup() || !h.IsPostStartup() {
		t.Errorf("merged hotness(1) = %#x, want startup|post-startup", h.Flags())
	}
	if h := a.getHotnessInfo(19); !h.IsStartup() {
		t.Error("merged hotness(19) lost the startup bit")
	}
}

func TestInlineCacheMegamorphicUpgrade(t *testing.T) {
	site := &DexPcData{}
	for i := 0; i < IndividualInlineCacheSize; i++ {
		site.AddClass(0, uint16(i))
	}
	if site.IsMegamorphic() {
		t.Fatal("site with exactly the cap must stay monomorphic/polymorphic")
	}
	if got := len(site.Classes()); got != IndividualInlineCacheSize {
		t.Fatalf("site has %d classes, want %d", got, IndividualInlineCacheSize)
	}
	// Re-adding a known class does not overflow.
	site.AddClass(0, 2)
	if site.IsMegamorphic() {
		t.Fatal("re-adding a known class must not overflow the site")
	}
	// One more distinct class does.
	site.AddClass(0, uint16(IndividualInlineCacheSize))
	if !site.IsMegamorphic() {
		t.Fatal("site over the cap must turn megamorphic")
	}
	if len(site.Classes()) != 0 {
		t.Error("a megamorphic site must have no classes")
	}
	// Megamorphic sites ignore further classes.
	site.AddClass(1, 7)
	if len(site.Classes()) != 0 {
		t.Error("a megamorphic site must ignore new classes")
	}
}

func TestInlineCacheMissingTypesDominates(t *testing.T) {
	site := &DexPcData{}
	site.AddClass(0, 1)
	site.SetIsMissingTypes()
	if !site.IsMissingTypes() || site.IsMegamorphic() {
		t.Fatal("missing-types must be set and clear the class set")
	}
	if len(site.Classes()) != 0 {
		t.Error("missing-types site must have no classes")
	}
	site.SetIsMegamorphic()
	if !site.IsMissingTypes() || site.IsMegamorphic() {
		t.Error("megamorphic must not override missing-types")
	}
}

func TestInlineCacheClassOrdering(t *testing.T) {
	site := &DexPcData{}
	site.AddClass(1, 7)
	site.AddClass(0, 9)
	site.AddClass(0, 2)
	classes := site.Classes()
	want := []ClassReference{{0, 2}, {0, 9}, {1, 7}}
	if len(classes) != len(want) {
		t.Fatalf("got %d classes, want %d", len(classes), len(want))
	}
	for i := range want {
		if classes[i] != want[i] {
			t.Errorf("classes[%d] = %v, want %v", i, classes[i], want[i])
		}
	}
}
