package delete

import (
	"fmt"

	"github.com/ratifact-dev/ratifact/pkg/shared/files"
)

// validateDeleteArgs validates the arguments and returns the normalized paths.
func validateDeleteArgs(options *RunOptionsDelete, args []string) ([]string, error) {
	if options.All && len(args) > 0 {
		return nil, fmt.Errorf("you cannot use both the 'all' flag and path arguments at the same time")
	}
	if !options.All && len(args) == 0 {
		return nil, fmt.Errorf("at least one path or the 'all' flag is required")
	}
	paths := make([]string, 0, len(args))
	seen := make(map[string]struct{}, len(args))
	for _, a := range args {
		p, err := files.NormalizePath(a)
		if err != nil {
			return nil, err
		}
		if p == "/" {
			return nil, fmt.Errorf("refusing to delete the filesystem root")
		}
		if _, dup := seen[p]; dup {
			continue
		}
		seen[p] = struct{}{}
		paths = append(paths, p)
	}
	return paths, nil
}
