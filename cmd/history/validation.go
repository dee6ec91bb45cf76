package history

import (
	"fmt"

	"github.com/ratifact-dev/ratifact/internal/artifacts"
)

var historyKinds = []artifacts.HistoryKind{
	artifacts.HistoryScan,
	artifacts.HistoryDelete,
	artifacts.HistoryRebuild,
	artifacts.HistoryStatus,
	artifacts.HistoryExclude,
	artifacts.HistoryInclude,
	artifacts.HistoryPolicy,
}

// validateHistoryArgs validates the arguments provided to the history command.
func validateHistoryArgs(options *RunOptionsHistory, args []string) error {
	if len(args) > 0 {
		return fmt.Errorf("invalid argument(s) received, the history command takes no positional arguments")
	}
	if options.Limit < 0 {
		return fmt.Errorf("the 'limit' flag must not be negative")
	}
	if options.Kind == "" {
		return nil
	}
	for _, k := range historyKinds {
		if string(k) == options.Kind {
			return nil
		}
	}
	return fmt.Errorf("unknown event kind %q", options.Kind)
}
