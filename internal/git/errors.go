package git

import "errors"

// ErrNotRepository is returned when no enclosing git repository exists.
var ErrNotRepository = errors.New("folder is not inside a git repository")
