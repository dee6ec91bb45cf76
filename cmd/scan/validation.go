package scan

import "fmt"

// validateScanArgs validates the arguments provided to the scan command.
func validateScanArgs(options *RunOptionsScan, args []string) error {
	if options.MaxDepth < 0 {
		return fmt.Errorf("the 'max-depth' flag must not be negative")
	}
	seen := make(map[string]struct{}, len(args))
	for _, a := range args {
		if a == "" {
			return fmt.Errorf("empty path argument")
		}
		if _, dup := seen[a]; dup {
			return fmt.Errorf("path %q given more than once", a)
		}
		seen[a] = struct{}{}
	}
	return nil
}
