// profcli - command line tooling for profile compilation information files
package main

import (
	"flag"
	"fmt"
	"os"

	"github.com/tliron/commonlog"
	_ "github.com/tliron/commonlog/simple"

	"github.com/ProjectBlaze-14/art/pkg/dex"
	"github.com/ProjectBlaze-14/art/profile"
)

func main() {
	dump := flag.String("dump", "", "Print the contents of a profile file")
	merge := flag.String("merge", "", "Merge the input profiles into the given output file")
	verify := flag.String("verify", "", "Verify a profile file against dex files (requires -dex)")
	generate := flag.String("generate", "", "Write a deterministic test profile to the given file")
	configPath := flag.String("config", "", "Generator configuration (TOML, used with -generate)")
	dexPath := flag.String("dex", "", "Dex file descriptors (TOML, used with -verify and -dump)")
	boot := flag.Bool("boot", false, "Operate on boot-image profiles")
	verbosity := flag.Int("v", 0, "Log verbosity")

	flag.Usage = func() {
		fmt.Fprintf(os.Stderr, "Usage: profcli [options] [inputs...]\n\n")
		fmt.Fprintf(os.Stderr, "Inspect, merge, verify and generate profile files.\n\n")
		fmt.Fprintf(os.Stderr, "Options:\n")
		flag.PrintDefaults()
		fmt.Fprintf(os.Stderr, "\nExamples:\n")
		fmt.Fprintf(os.Stderr, "  profcli -dump primary.prof\n")
		fmt.Fprintf(os.Stderr, "  profcli -merge out.prof a.prof b.prof\n")
		fmt.Fprintf(os.Stderr, "  profcli -verify primary.prof -dex dexfiles.toml\n")
		fmt.Fprintf(os.Stderr, "  profcli -generate test.prof -config gen.toml\n")
	}
	flag.Parse()

	commonlog.Configure(*verbosity, nil)

	var err error
	switch {
	case *dump != "":
		err = runDump(*dump, *dexPath, *boot)
	case *merge != "":
		err = runMerge(*merge, flag.Args(), *boot)
	case *verify != "":
		err = runVerify(*verify, *dexPath, *boot)
	case *generate != "":
		err = runGenerate(*generate, *configPath)
	default:
		flag.Usage()
		os.Exit(2)
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "profcli: %v\n", err)
		os.Exit(1)
	}
}

func loadProfile(path string, boot bool) (*profile.Info, error) {
	info := profile.NewForBootImage(boot)
	if err := info.LoadFile(path, false); err != nil {
		return nil, err
	}
	return info, nil
}

func runDump(path, dexPath string, boot bool) error {
	info, err := loadProfile(path, boot)
	if err != nil {
		return err
	}
	dexFiles, err := optionalDexFiles(dexPath)
	if err != nil {
		return err
	}
	fmt.Print(info.DumpInfo(dexFiles, true))
	return nil
}

func runMerge(out string, inputs []string, boot bool) error {
	if len(inputs) == 0 {
		return fmt.Errorf("merge needs at least one input profile")
	}
	merged, err := loadProfile(inputs[0], boot)
	if err != nil {
		return fmt.Errorf("loading %s: %w", inputs[0], err)
	}
	for _, input := range inputs[1:] {
		if err := merged.MergeWithFile(input, true); err != nil {
			return fmt.Errorf("merging %s: %w", input, err)
		}
	}
	n, err := merged.SaveFile(out)
	if err != nil {
		return err
	}
	fmt.Printf("wrote %d bytes to %s\n", n, out)
	return nil
}

func runVerify(path, dexPath string, boot bool) error {
	if dexPath == "" {
		return fmt.Errorf("verify requires -dex")
	}
	info, err := loadProfile(path, boot)
	if err != nil {
		return err
	}
	dexFiles, err := loadDexConfig(dexPath)
	if err != nil {
		return err
	}
	if !info.VerifyProfileData(dexFiles) {
		return fmt.Errorf("%s failed verification", path)
	}
	fmt.Printf("%s: ok\n", path)
	return nil
}

func runGenerate(out, configPath string) error {
	cfg := &GeneratorConfig{NumberOfDexFiles: 2, MethodRatio: 5, ClassRatio: 5}
	if configPath != "" {
		var err error
		if cfg, err = loadGeneratorConfig(configPath); err != nil {
			return err
		}
	}
	f, err := os.OpenFile(out, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o644)
	if err != nil {
		return err
	}
	defer f.Close()
	return profile.GenerateTestProfile(f, cfg.NumberOfDexFiles, cfg.MethodRatio, cfg.ClassRatio, cfg.Seed)
}

func optionalDexFiles(dexPath string) ([]*dex.File, error) {
	if dexPath == "" {
		return nil, nil
	}
	return loadDexConfig(dexPath)
}
