//go:build !unix

package store

// lockFile is a no-op where flock is unavailable; writers in one process
// are still serialized by File.mu.
func lockFile(string) (func(), error) {
	return func() {}, nil
}
