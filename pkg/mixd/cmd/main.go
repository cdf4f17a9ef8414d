package main

import (
	"fmt"
	"os"
	"path/filepath"

	flag "github.com/spf13/pflag"

	"github.com/mixctl/mixd/pkg/mixd"
)

var (
	gitCommit  string
	versionTag string
	buildType  string
)

func defaultConfigDir() string {
	if base, err := os.UserConfigDir(); err == nil {
		return filepath.Join(base, "mixd")
	}

	return "."
}

func main() {
	verbose := flag.BoolP("verbose", "v", false, "show verbose logs (useful for debugging routing decisions)")
	configDir := flag.String("config-dir", defaultConfigDir(), "directory holding config.yaml and overrides.yaml")
	flag.Parse()

	logger, err := mixd.NewLogger(buildType)
	if err != nil {
		panic(fmt.Sprintf("Failed to create logger: %v", err))
	}

	named := logger.Named("main")
	named.Debug("Created logger")

	named.Infow("Version info",
		"gitCommit", gitCommit,
		"versionTag", versionTag,
		"buildType", buildType)

	if *verbose {
		named.Debug("Verbose flag provided, all log messages will be shown")
	}

	d, err := mixd.NewMixd(logger, *verbose, *configDir)
	if err != nil {
		named.Fatalw("Failed to create mixd object", "error", err)
	}

	if buildType != "" && (versionTag != "" || gitCommit != "") {
		identifier := gitCommit
		if versionTag != "" {
			identifier = versionTag
		}

		d.SetVersion(fmt.Sprintf("Version %s-%s", buildType, identifier))
	}

	if err = d.Initialize(); err != nil {
		named.Fatalw("Failed to initialize mixd", "error", err)
	}
}
