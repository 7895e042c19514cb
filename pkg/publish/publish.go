// Package publish pushes finished report artifacts to object storage so
// downstream consumers can fetch them without access to the pipeline host.
package publish

import "context"

// Publisher pushes a local artifact directory to remote storage.
type Publisher interface {
	// Preflight verifies connectivity and write permission before the
	// pipeline spends hours producing artifacts it cannot deliver.
	Preflight(ctx context.Context) error

	// PublishDir uploads every file under localDir, keyed under the
	// given remote prefix.
	PublishDir(ctx context.Context, localDir, remotePrefix string) error
}
