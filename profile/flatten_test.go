package profile

import (
	"testing"

	"github.com/ProjectBlaze-14/art/pkg/dex"
)

func TestExtractProfileData(t *testing.T) {
	m := dex.NewFile("m.apk", 1, 100, 100)
	annA := NewSampleAnnotation("com.a")
	annB := NewSampleAnnotation("com.b")

	info := New()
	if err := info.AddMethodsForDex(FlagHot, m, []uint32{7}, annA); err != nil {
		t.Fatalf("AddMethodsForDex: %v", err)
	}
	if err := info.AddMethodsForDex(FlagStartup, m, []uint32{7}, annB); err != nil {
		t.Fatalf("AddMethodsForDex: %v", err)
	}
	if err := info.AddMethodsForDex(FlagPostStartup, m, []uint32{9}, annB); err != nil {
		t.Fatalf("AddMethodsForDex: %v", err)
	}
	if err := info.AddClassesForDex(m, []dex.TypeIndex{4}, annA); err != nil {
		t.Fatalf("AddClassesForDex: %v", err)
	}

	flat := info.ExtractProfileData([]*dex.File{m})

	item := flat.GetMethodData()[dex.MethodReference{Dex: m, Index: 7}]
	if item == nil {
		t.Fatal("method 7 missing from the flattened view")
	}
	if !item.HasFlagSet(FlagHot) || !item.HasFlagSet(FlagStartup) {
		t.Errorf("method 7 flags = %#x, want hot|startup", item.GetFlags())
	}
	if len(item.GetAnnotations()) != 2 {
		t.Errorf("method 7 has %d annotations, want 2", len(item.GetAnnotations()))
	}
	if flat.GetMaxAggregationForMethods() != 2 {
		t.Errorf("max method aggregation = %d, want 2", flat.GetMaxAggregationForMethods())
	}
	if flat.GetMaxAggregationForClasses() != 1 {
		t.Errorf("max class aggregation = %d, want 1", flat.GetMaxAggregationForClasses())
	}

	classItem := flat.GetClassData()[dex.TypeReference{Dex: m, TypeIndex: 4}]
	if classItem == nil {
		t.Fatal("class 4 missing from the flattened view")
	}
	if len(classItem.GetAnnotations()) != 1 || classItem.GetAnnotations()[0] != annA {
		t.Errorf("class 4 annotations = %v, want [com.a]", classItem.GetAnnotations())
	}
}

func TestFlattenMergeData(t *testing.T) {
	m := dex.NewFile("m.apk", 1, 100, 100)
	ann := NewSampleAnnotation("com.a")

	build := func(flag Flag) *FlattenProfileData {
		info := New()
		if err := info.AddMethodsForDex(flag, m, []uint32{1}, ann); err != nil {
			t.Fatalf("AddMethodsForDex: %v", err)
		}
		return info.ExtractProfileData([]*dex.File{m})
	}

	left := build(FlagHot)
	left.MergeData(build(FlagStartup))

	item := left.GetMethodData()[dex.MethodReference{Dex: m, Index: 1}]
	if item == nil {
		t.Fatal("method 1 missing after merge")
	}
	if !item.HasFlagSet(FlagHot) || !item.HasFlagSet(FlagStartup) {
		t.Errorf("merged flags = %#x, want hot|startup", item.GetFlags())
	}
	// Annotation lists concatenate; the duplicate encodes repeated use.
	if len(item.GetAnnotations()) != 2 {
		t.Errorf("merged annotations = %d, want 2", len(item.GetAnnotations()))
	}
	if flatMax := left.GetMaxAggregationForMethods(); flatMax != 2 {
		t.Errorf("max method aggregation = %d, want 2", flatMax)
	}
}

func TestFlattenOrderedIteration(t *testing.T) {
	a := dex.NewFile("a.apk", 1, 10, 10)
	b := dex.NewFile("b.apk", 2, 10, 10)

	info := New()
	if err := info.AddMethodsForDex(FlagHot, b, []uint32{3}, AnnotationNone); err != nil {
		t.Fatalf("AddMethodsForDex: %v", err)
	}
	if err := info.AddMethodsForDex(FlagHot, a, []uint32{5}, AnnotationNone); err != nil {
		t.Fatalf("AddMethodsForDex: %v", err)
	}
	if err := info.AddMethodsForDex(FlagHot, a, []uint32{2}, AnnotationNone); err != nil {
		t.Fatalf("AddMethodsForDex: %v", err)
	}

	flat := info.ExtractProfileData([]*dex.File{a, b})
	refs := flat.MethodReferencesInOrder()
	if len(refs) != 3 {
		t.Fatalf("got %d method references, want 3", len(refs))
	}
	want := []dex.MethodReference{{Dex: a, Index: 2}, {Dex: a, Index: 5}, {Dex: b, Index: 3}}
	for i := range want {
		if refs[i] != want[i] {
			t.Errorf("refs[%d] = %v, want %v", i, refs[i], want[i])
		}
	}
}
