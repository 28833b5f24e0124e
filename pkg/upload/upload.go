// Package upload ships finished run directories to remote storage so
// results survive the client host.
package upload

import "context"

// Uploader uploads a local run directory to remote storage.
type Uploader interface {
	// Preflight verifies that the remote storage is reachable and
	// writable. Writes a small test object to fail fast on
	// misconfiguration before a long benchmark run starts.
	Preflight(ctx context.Context) error

	// Upload uploads all files in runDir. The directory basename
	// becomes a sub-prefix under the configured remote prefix.
	Upload(ctx context.Context, runDir string) error
}
