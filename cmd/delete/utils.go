package delete

import (
	"github.com/ratifact-dev/ratifact/internal/artifacts"
	"github.com/ratifact-dev/ratifact/internal/jobs"
	"github.com/ratifact-dev/ratifact/pkg/shared/errors"
)

func pathsOf(list []artifacts.Artifact) []string {
	out := make([]string, 0, len(list))
	for _, a := range list {
		out = append(out, a.Path)
	}
	return out
}

// privilegeFailures returns the targets of deletions rejected for lack of privilege.
func privilegeFailures(records []jobs.Record) []string {
	var out []string
	for _, r := range records {
		if r.State == jobs.StateFailed && errors.IsPrivilege(r.Err) {
			out = append(out, r.Target)
		}
	}
	return out
}

// mergeRetries replaces records whose target was retried.
func mergeRetries(records, retried []jobs.Record) []jobs.Record {
	byTarget := make(map[string]jobs.Record, len(retried))
	for _, r := range retried {
		byTarget[r.Target] = r
	}
	out := make([]jobs.Record, 0, len(records))
	for _, r := range records {
		if nr, ok := byTarget[r.Target]; ok {
			r = nr
		}
		out = append(out, r)
	}
	return out
}
