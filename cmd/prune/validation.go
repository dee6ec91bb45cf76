package prune

import "fmt"

// validatePruneArgs validates the arguments provided to the prune command.
func validatePruneArgs(options *RunOptionsPrune, args []string) error {
	if len(args) > 0 {
		return fmt.Errorf("invalid argument(s) received, the prune command takes no positional arguments")
	}
	if options.Days < 0 {
		return fmt.Errorf("the 'days' flag must be a positive integer")
	}
	if !options.DryRun && (options.Days != 0 || options.JSON) {
		return fmt.Errorf("the 'days' and 'json' flags are only valid with 'dry-run'")
	}
	return nil
}
