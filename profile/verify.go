package profile

import "github.com/ProjectBlaze-14/art/pkg/dex"

// VerifyProfileData checks the store against the given dex files. For every
// record whose base key matches one of the files it verifies that the
// checksums agree, that no method index exceeds the file's method count,
// that no class index exceeds the file's type count, and that every inline
// cache class reference resolves to a matched record with a fitting type
// index. Records without a matching dex file are not checked.
func (p *Info) VerifyProfileData(dexFiles []*dex.File) bool {
	byBaseKey := make(map[string]*dex.File, len(dexFiles))
	for _, dexFile := range dexFiles {
		byBaseKey[BaseKeyForLocation(dexFile.Location)] = dexFile
	}

	matched := make([]*dex.File, len(p.info))
	for i, data := range p.info {
		dexFile, ok := byBaseKey[BaseKeyFromAugmentedKey(data.profileKey)]
		if !ok {
			continue
		}
		if data.checksum != dexFile.LocationChecksum {
			log.Errorf("verify: checksum mismatch for %q: profile has %08x, dex file has %08x",
				data.profileKey, data.checksum, dexFile.LocationChecksum)
			return false
		}
		if data.numMethodIDs != dexFile.NumMethodIDs {
			log.Errorf("verify: method count mismatch for %q: profile has %d, dex file has %d",
				data.profileKey, data.numMethodIDs, dexFile.NumMethodIDs)
			return false
		}
		matched[i] = dexFile
	}

	for i, data := range p.info {
		dexFile := matched[i]
		if dexFile == nil {
			continue
		}
		for methodIndex, ic := range data.methodMap {
			if uint32(methodIndex) >= dexFile.NumMethodIDs {
				log.Errorf("verify: method index %d out of range for %q", methodIndex, data.profileKey)
				return false
			}
			for _, site := range ic {
				for _, ref := range site.Classes() {
					if int(ref.DexProfileIndex) >= len(p.info) {
						log.Errorf("verify: class reference to unknown dex index %d in %q",
							ref.DexProfileIndex, data.profileKey)
						return false
					}
					receiver := matched[ref.DexProfileIndex]
					if receiver == nil {
						log.Errorf("verify: class reference to unmatched dex index %d in %q",
							ref.DexProfileIndex, data.profileKey)
						return false
					}
					if uint32(ref.TypeIndex) >= receiver.NumTypeIDs {
						log.Errorf("verify: inline cache type index %d out of range for %s",
							ref.TypeIndex, receiver.Location)
						return false
					}
				}
			}
		}
		for typeIndex := range data.classSet {
			if uint32(typeIndex) >= dexFile.NumTypeIDs {
				log.Errorf("verify: class index %d out of range for %q", typeIndex, data.profileKey)
				return false
			}
		}
	}
	return true
}
