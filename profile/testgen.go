package profile

import (
	"fmt"
	"io"
	"math/rand"

	"github.com/ProjectBlaze-14/art/pkg/dex"
)

// Deterministic generation of well-formed test profiles. Used by tooling
// and benchmarks that need realistic inputs without real devices.

// testProfileMaxMethodIDs is the method id space of each synthetic dex file.
const testProfileMaxMethodIDs = 65535

// testProfileMaxClasses is the type id space of each synthetic dex file.
const testProfileMaxClasses = 65535

// GenerateTestProfile writes a regular profile with numberOfDexFiles
// synthetic dex files, where methodRatio percent of the method ids are
// marked hot and classRatio percent of the type ids are resolved. The same
// seed always produces the same bytes.
func GenerateTestProfile(w io.Writer, numberOfDexFiles, methodRatio, classRatio uint16, seed uint32) error {
	if methodRatio > 100 || classRatio > 100 {
		return fmt.Errorf("profile: ratios must be percentages, got %d/%d", methodRatio, classRatio)
	}
	rng := rand.New(rand.NewSource(int64(seed)))
	info := New()

	numberOfMethods := testProfileMaxMethodIDs * int(methodRatio) / 100
	numberOfClasses := testProfileMaxClasses * int(classRatio) / 100

	for i := 0; i < int(numberOfDexFiles); i++ {
		dexFile := dex.NewFile(
			fmt.Sprintf("dex_location%d", i+1),
			/*checksum=*/ uint32(0x101+i),
			testProfileMaxMethodIDs,
			testProfileMaxClasses,
		)
		for m := 0; m < numberOfMethods; m++ {
			idx := uint32(rng.Intn(testProfileMaxMethodIDs))
			if err := info.AddMethodsForDex(FlagHot, dexFile, []uint32{idx}, AnnotationNone); err != nil {
				return err
			}
		}
		for c := 0; c < numberOfClasses; c++ {
			idx := dex.TypeIndex(rng.Intn(testProfileMaxClasses))
			if err := info.AddClassesForDex(dexFile, []dex.TypeIndex{idx}, AnnotationNone); err != nil {
				return err
			}
		}
	}
	_, err := info.Save(w)
	return err
}

// GenerateTestProfileForDexFiles writes a regular profile referencing real
// dex file descriptors. Each method and class is included with the given
// percentage probability.
func GenerateTestProfileForDexFiles(w io.Writer, dexFiles []*dex.File,
	methodPercentage, classPercentage uint16, seed uint32) error {
	if methodPercentage > 100 || classPercentage > 100 {
		return fmt.Errorf("profile: percentages out of range: %d/%d", methodPercentage, classPercentage)
	}
	rng := rand.New(rand.NewSource(int64(seed)))
	info := New()

	for _, dexFile := range dexFiles {
		for m := uint32(0); m < dexFile.NumMethodIDs; m++ {
			if uint16(rng.Intn(100)) < methodPercentage {
				if err := info.AddMethodsForDex(FlagHot, dexFile, []uint32{m}, AnnotationNone); err != nil {
					return err
				}
			}
		}
		for c := uint32(0); c < dexFile.NumTypeIDs; c++ {
			if uint16(rng.Intn(100)) < classPercentage {
				if err := info.AddClassesForDex(dexFile, []dex.TypeIndex{dex.TypeIndex(c)}, AnnotationNone); err != nil {
					return err
				}
			}
		}
	}
	_, err := info.Save(w)
	return err
}
