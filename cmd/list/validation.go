package list

import (
	"fmt"

	"github.com/ratifact-dev/ratifact/internal/artifacts"
	"github.com/ratifact-dev/ratifact/pkg/shared/files"
)

// validateListArgs validates the arguments provided to the list command.
func validateListArgs(options *RunOptionsList, args []string) error {
	if len(args) > 0 {
		return fmt.Errorf("invalid argument(s) received, the list command takes no positional arguments")
	}
	if options.All && options.Status != "" {
		return fmt.Errorf("you cannot use both 'all' and 'status' flags at the same time")
	}
	if options.Status != "" {
		if _, err := artifacts.ParseStatus(options.Status); err != nil {
			return err
		}
	}
	if options.JSON && options.OutputPath != "" {
		return fmt.Errorf("you cannot use both 'json' and 'output' flags at the same time")
	}
	if options.Under != "" {
		under, err := files.NormalizePath(options.Under)
		if err != nil {
			return err
		}
		options.Under = under
	}
	return nil
}
