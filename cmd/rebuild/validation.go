package rebuild

import (
	"fmt"
	"sort"
	"strings"

	"github.com/ratifact-dev/ratifact/internal/config"
)

// validateRebuildArgs validates the arguments and returns the normalized project root.
func validateRebuildArgs(options *RunOptionsRebuild, cfg *config.Config, args []string) (string, error) {
	if len(args) != 1 {
		return "", fmt.Errorf("exactly one project root is required")
	}
	if options.BuildSystem != "" {
		if _, ok := cfg.Jobs.RebuildCommands[options.BuildSystem]; !ok {
			known := make([]string, 0, len(cfg.Jobs.RebuildCommands))
			for k := range cfg.Jobs.RebuildCommands {
				known = append(known, k)
			}
			sort.Strings(known)
			return "", fmt.Errorf("no rebuild command for %q, configured: %s", options.BuildSystem, strings.Join(known, ", "))
		}
	}
	return config.ValidateScanPath(args[0])
}
