package retention

import "fmt"

// validateRetentionArgs validates the arguments provided to the retention command.
func validateRetentionArgs(options *RunOptionsRetention, args []string) error {
	if len(args) > 0 {
		return fmt.Errorf("invalid argument(s) received, the retention command takes no positional arguments")
	}
	if options.Days < 0 {
		return fmt.Errorf("the 'days' flag must be a positive integer")
	}
	switch options.Auto {
	case "", "on", "off":
	default:
		return fmt.Errorf("the 'auto' flag must be 'on' or 'off', got %q", options.Auto)
	}
	return nil
}
