package profile

import "testing"

func TestBaseKeyForLocation(t *testing.T) {
	tests := []struct {
		location string
		want     string
	}{
		{"/data/app/base.apk", "base.apk"},
		{"base.apk", "base.apk"},
		{"/data/app/base.apk!classes2.dex", "base.apk!classes2.dex"},
		{"base.apk!classes2.dex", "base.apk!classes2.dex"},
		{"/a/b/container!/classes.dex", "container!/classes.dex"},
		{"relative/path.dex", "path.dex"},
	}
	for _, tt := range tests {
		if got := BaseKeyForLocation(tt.location); got != tt.want {
			t.Errorf("BaseKeyForLocation(%q) = %q, want %q", tt.location, got, tt.want)
		}
	}
}

func TestAugmentedKeyRoundTrip(t *testing.T) {
	ann := NewSampleAnnotation("com.example.app")
	key := AugmentedKey("base.apk", ann)
	if key == "base.apk" {
		t.Fatal("augmented key with annotation should differ from base key")
	}
	if got := BaseKeyFromAugmentedKey(key); got != "base.apk" {
		t.Errorf("BaseKeyFromAugmentedKey(%q) = %q, want %q", key, got, "base.apk")
	}
	if got := AnnotationFromKey(key); got != ann {
		t.Errorf("AnnotationFromKey(%q) = %v, want %v", key, got, ann)
	}
}

func TestAugmentedKeyNoneAnnotation(t *testing.T) {
	key := AugmentedKey("base.apk", AnnotationNone)
	if key != "base.apk" {
		t.Errorf("none annotation must not change the key, got %q", key)
	}
	if got := AnnotationFromKey(key); !got.IsNone() {
		t.Errorf("AnnotationFromKey(%q) = %v, want none", key, got)
	}
}

func TestAnnotationOrdering(t *testing.T) {
	a := NewSampleAnnotation("com.a")
	b := NewSampleAnnotation("com.b")
	if !a.Less(b) || b.Less(a) {
		t.Error("annotations must order lexicographically by package name")
	}
	if a == b {
		t.Error("distinct annotations must not compare equal")
	}
	if AnnotationNone != NewSampleAnnotation("") {
		t.Error("the none annotation is the empty annotation")
	}
}

func TestValidBaseKey(t *testing.T) {
	if validBaseKey("") {
		t.Error("empty base key must be rejected")
	}
	if validBaseKey("base" + keyAnnotationSeparator + "evil") {
		t.Error("base key containing the annotation separator must be rejected")
	}
	if !validBaseKey("base.apk!classes2.dex") {
		t.Error("multidex base key must be accepted")
	}
	long := make([]byte, maxProfileKeySize+1)
	for i := range long {
		long[i] = 'a'
	}
	if validBaseKey(string(long)) {
		t.Error("oversized base key must be rejected")
	}
}
