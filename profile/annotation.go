package profile

import "strings"

// Profile keys identify a dex file instance inside a profile. A base key is
// derived from the dex location alone; an augmented key additionally carries
// a serialized sample annotation so that samples collected by different
// packages stay distinguishable after a merge.

// keyAnnotationSeparator splits the base key from the serialized annotation
// inside an augmented key. Base keys containing it are rejected at insertion.
const keyAnnotationSeparator = ":"

// maxProfileKeySize bounds the length of any profile key. Keys are derived
// from filesystem paths, so anything longer indicates a corrupt input.
const maxProfileKeySize = 4096

// SampleAnnotation labels the origin of profile samples, typically with the
// package name of the app that generated them. The zero value is the "none"
// annotation, which compares equal only to itself and serializes to nothing.
type SampleAnnotation struct {
	originPackageName string
}

// AnnotationNone denotes that no annotation is associated with the samples.
var AnnotationNone = SampleAnnotation{}

// NewSampleAnnotation creates an annotation for the given origin package.
func NewSampleAnnotation(originPackageName string) SampleAnnotation {
	return SampleAnnotation{originPackageName: originPackageName}
}

// OriginPackageName returns the package that generated the samples.
func (a SampleAnnotation) OriginPackageName() string {
	return a.originPackageName
}

// IsNone reports whether this is the empty annotation.
func (a SampleAnnotation) IsNone() bool {
	return a.originPackageName == ""
}

// Less orders annotations lexicographically by origin package name.
func (a SampleAnnotation) Less(other SampleAnnotation) bool {
	return a.originPackageName < other.originPackageName
}

// BaseKeyForLocation derives the base profile key from a dex location.
// For a multidex location ("container!entry") only the container's directory
// is stripped; the multidex suffix is preserved verbatim. A plain location
// keeps everything after its last path separator.
func BaseKeyForLocation(location string) string {
	head := location
	tail := ""
	if bang := strings.IndexByte(location, '!'); bang >= 0 {
		head, tail = location[:bang], location[bang:]
	}
	if i := strings.LastIndexByte(head, '/'); i >= 0 {
		head = head[i+1:]
	}
	return head + tail
}

// AugmentedKey combines a base key with a serialized annotation. The none
// annotation contributes no suffix, so the augmented key equals the base key.
func AugmentedKey(baseKey string, annotation SampleAnnotation) string {
	if annotation.IsNone() {
		return baseKey
	}
	return baseKey + keyAnnotationSeparator + annotation.originPackageName
}

// BaseKeyFromAugmentedKey strips the annotation suffix, if any. The result
// shares storage with the input.
func BaseKeyFromAugmentedKey(profileKey string) string {
	if i := strings.Index(profileKey, keyAnnotationSeparator); i >= 0 {
		return profileKey[:i]
	}
	return profileKey
}

// AnnotationFromKey extracts the annotation from an augmented key, or
// AnnotationNone if the key is a plain base key.
func AnnotationFromKey(profileKey string) SampleAnnotation {
	if i := strings.Index(profileKey, keyAnnotationSeparator); i >= 0 {
		return SampleAnnotation{originPackageName: profileKey[i+1:]}
	}
	return AnnotationNone
}

// validBaseKey reports whether a base key can be stored in a profile:
// non-empty, within the size bound, and free of the annotation separator.
func validBaseKey(baseKey string) bool {
	return baseKey != "" &&
		len(baseKey) <= maxProfileKeySize &&
		!strings.Contains(baseKey, keyAnnotationSeparator)
}
