package version

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/ratifact-dev/ratifact/internal/config"
	"github.com/ratifact-dev/ratifact/pkg/shared"
)

var (
	AppConfig     *config.Config
	CoreVersion   = "unknown"
	GolangVersion = "unknown"
	BuildTime     = "unknown"

	asJSON bool
)

// Init initializes the global configuration variable.
func Init(cfg *config.Config) {
	AppConfig = cfg
}

// NewVersionCmd creates a new cobra.Command for the version command.
func NewVersionCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:                   "version [--json]",
		SilenceUsage:          true,
		DisableFlagsInUseLine: true,
		Short:                 "Print the version of the application",
		RunE: func(cmd *cobra.Command, args []string) error {
			versionInfo := shared.Versions{
				Version:       CoreVersion,
				GolangVersion: GolangVersion,
				BuildTime:     BuildTime,
			}
			if asJSON {
				return shared.WriteResultAsJSON(cmd.OutOrStdout(), versionInfo)
			}
			printVersionInfo(cmd, &versionInfo)
			return nil
		},
	}
	cmd.Flags().BoolVar(&asJSON, "json", false, "Print version information as JSON.")
	return cmd
}

// printVersionInfo prints the version information.
func printVersionInfo(cmd *cobra.Command, v *shared.Versions) {
	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "Version: v%s\n", v.Version)
	fmt.Fprintf(out, "Go Version: %s\n", v.GolangVersion)
	fmt.Fprintf(out, "Build Time: %s\n", v.BuildTime)
	if AppConfig != nil && AppConfig.Source != "" {
		fmt.Fprintf(out, "Config: %s\n", AppConfig.Source)
	}
}
