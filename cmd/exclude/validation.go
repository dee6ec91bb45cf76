package exclude

import (
	"fmt"
	"path/filepath"
	"strings"
)

// validateExcludeArgs rejects entries that would exclude everything.
func validateExcludeArgs(args []string) error {
	for _, a := range args {
		trimmed := strings.TrimSpace(a)
		switch {
		case trimmed == "":
			return fmt.Errorf("empty exclusion")
		case trimmed == "*" || trimmed == "/*" || trimmed == "**":
			return fmt.Errorf("exclusion %q would match every path", a)
		}
		if strings.ContainsAny(trimmed, "*?[") {
			if _, err := filepath.Match(trimmed, ""); err != nil {
				return fmt.Errorf("malformed glob %q: %w", a, err)
			}
		}
	}
	return nil
}
