package main

import (
	"fmt"
	"os"

	"github.com/BurntSushi/toml"

	"github.com/ProjectBlaze-14/art/pkg/dex"
)

// GeneratorConfig drives the test-profile generator.
type GeneratorConfig struct {
	NumberOfDexFiles uint16 `toml:"number-of-dex-files"`
	MethodRatio      uint16 `toml:"method-ratio"`
	ClassRatio       uint16 `toml:"class-ratio"`
	Seed             uint32 `toml:"seed"`
}

// DexConfig describes the dex files a profile should be verified or dumped
// against.
type DexConfig struct {
	DexFiles []DexFileEntry `toml:"dex-file"`
}

// DexFileEntry is one dex file descriptor in a DexConfig.
type DexFileEntry struct {
	Location     string `toml:"location"`
	Checksum     uint32 `toml:"checksum"`
	NumMethodIDs uint32 `toml:"num-method-ids"`
	NumTypeIDs   uint32 `toml:"num-type-ids"`
}

// loadGeneratorConfig parses a generator TOML file.
func loadGeneratorConfig(path string) (*GeneratorConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("cannot read %s: %w", path, err)
	}
	cfg := &GeneratorConfig{
		NumberOfDexFiles: 2,
		MethodRatio:      5,
		ClassRatio:       5,
	}
	if err := toml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse error in %s: %w", path, err)
	}
	if cfg.NumberOfDexFiles == 0 {
		return nil, fmt.Errorf("%s: number-of-dex-files must be positive", path)
	}
	return cfg, nil
}

// loadDexConfig parses a dex descriptor TOML file into dex.File values.
func loadDexConfig(path string) ([]*dex.File, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("cannot read %s: %w", path, err)
	}
	var cfg DexConfig
	if err := toml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parse error in %s: %w", path, err)
	}
	if len(cfg.DexFiles) == 0 {
		return nil, fmt.Errorf("%s: no dex-file entries", path)
	}
	files := make([]*dex.File, len(cfg.DexFiles))
	for i, entry := range cfg.DexFiles {
		if entry.Location == "" {
			return nil, fmt.Errorf("%s: dex-file %d has no location", path, i)
		}
		files[i] = dex.NewFile(entry.Location, entry.Checksum, entry.NumMethodIDs, entry.NumTypeIDs)
	}
	return files, nil
}
