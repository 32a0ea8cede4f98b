package orchestrator

import (
	"errors"
	"fmt"
)

// ErrNotFound covers both an unknown server name and an unknown tool name
// under a known server. It is produced locally, without touching a worker.
var ErrNotFound = errors.New("not found")

func errServerNotFound(server string) error {
	return fmt.Errorf("no server named %q (or it has no tools): %w", server, ErrNotFound)
}

func errToolNotFound(server, tool string) error {
	return fmt.Errorf("tool %q not found on server %q: %w", tool, server, ErrNotFound)
}
