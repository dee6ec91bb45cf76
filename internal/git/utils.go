package git

import (
	"fmt"

	"github.com/go-git/go-git/v5"
)

// openEnclosingRepository opens the non-bare repository containing sourceFolder.
func openEnclosingRepository(sourceFolder string) (*git.Repository, error) {
	if sourceFolder == "" {
		return nil, fmt.Errorf("source folder is not set")
	}
	repo, err := git.PlainOpenWithOptions(sourceFolder, &git.PlainOpenOptions{DetectDotGit: true})
	if err != nil {
		return nil, fmt.Errorf("%q: %w", sourceFolder, ErrNotRepository)
	}
	if _, err := repo.Worktree(); err != nil {
		// bare repositories have no worktree and never hold build output
		return nil, fmt.Errorf("%q: %w", sourceFolder, ErrNotRepository)
	}
	return repo, nil
}
