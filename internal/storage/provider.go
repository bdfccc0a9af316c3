// Package storage defines the rooted file-tree abstraction used for staging and production roots.
package storage

import "io/fs"

// Provider is the interface for file operations under a single root directory.
// All paths are relative to the root and may use either separator.
type Provider interface {
	// Root returns the absolute root directory.
	Root() string
	// Path resolves rel to an absolute path, rejecting traversal outside the root.
	Path(rel string) (string, error)
	// Read returns the raw bytes of the file at rel.
	Read(rel string) ([]byte, error)
	// Write atomically writes content to rel, creating parent directories.
	Write(rel string, content []byte) error
	// Delete removes the file at rel.
	Delete(rel string) error
	// Move renames oldRel to newRel.
	Move(oldRel, newRel string) error
	// Files returns the forward-slash relative paths of every regular file under dir.
	Files(dir string) ([]string, error)
	// CopyFrom copies the absolute file src to rel, creating parent directories.
	CopyFrom(src, rel string) error
	// Stat returns file info for rel.
	Stat(rel string) (fs.FileInfo, error)
	// RemoveAll removes rel and everything below it. Missing paths are not an error.
	RemoveAll(rel string) error
	// Clear removes every top-level entry of the root except the names in keep.
	Clear(keep ...string) error
}

// Verify *FS satisfies Provider at compile time.
var _ Provider = (*FS)(nil)
