package list

import (
	"strings"

	"github.com/ratifact-dev/ratifact/internal/artifacts"
)

// filterArtifacts applies the status and language filters.
func filterArtifacts(list []artifacts.Artifact, options *RunOptionsList) []artifacts.Artifact {
	out := make([]artifacts.Artifact, 0, len(list))
	for _, a := range list {
		switch {
		case options.Status != "":
			if string(a.Status) != options.Status {
				continue
			}
		case !options.All:
			if a.Status != artifacts.StatusActive && a.Status != artifacts.StatusPendingDelete {
				continue
			}
		}
		if options.Language != "" && !strings.EqualFold(a.Language, options.Language) {
			continue
		}
		out = append(out, a)
	}
	return out
}
