package git

import (
	"path/filepath"
	"strings"
)

// ProjectMetadata describes the VCS state of a project root.
type ProjectMetadata struct {
	Branch string
	Commit string
	Remote string
}

// CollectProjectMetadata reads branch, commit and origin URL for the repository
// enclosing projectRoot. A detached HEAD yields an empty branch.
func CollectProjectMetadata(projectRoot string) (*ProjectMetadata, error) {
	if absRoot, err := filepath.Abs(projectRoot); err == nil {
		projectRoot = absRoot
	}

	repo, err := openEnclosingRepository(projectRoot)
	if err != nil {
		return &ProjectMetadata{}, err
	}
	md := &ProjectMetadata{}

	if head, err := repo.Head(); err == nil {
		if head.Name().IsBranch() {
			md.Branch = head.Name().Short()
		}
		md.Commit = head.Hash().String()
	}

	if remote, err := repo.Remote("origin"); err == nil {
		if cfg := remote.Config(); cfg != nil && len(cfg.URLs) > 0 {
			md.Remote = strings.TrimSuffix(cfg.URLs[0], ".git")
		}
	}
	return md, nil
}
