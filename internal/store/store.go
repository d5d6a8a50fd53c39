// Package store is the storage engine boundary: a virtual, /-rooted file
// tree with read/write/stat/watch primitives. The sync core consumes it as
// an opaque capability; implementations back it with a directory on disk or
// an in-memory map.
package store

import (
	"context"
	"errors"
	"io/fs"
	"time"
)

var (
	ErrNotExist    = errors.New("store: path does not exist")
	ErrInvalidPath = errors.New("store: invalid path")
)

type EventKind uint8

const (
	EventWrite EventKind = iota
	EventRemove
	EventRename
)

func (k EventKind) String() string {
	switch k {
	case EventWrite:
		return "WRITE"
	case EventRemove:
		return "REMOVE"
	case EventRename:
		return "RENAME"
	default:
		return "???"
	}
}

// Event is one change notification from a recursive watch.
type Event struct {
	Kind EventKind
	Path string
}

type FileInfo struct {
	Path    string
	Size    int64
	Mode    fs.FileMode
	ModTime time.Time
}

// Store is a flat virtual filesystem keyed by /-delimited paths.
// Directories exist implicitly as path prefixes.
type Store interface {
	Read(path string) ([]byte, error)
	Write(path string, data []byte, mode fs.FileMode) error
	Delete(path string) error
	Rename(oldPath, newPath string) error
	SetMode(path string, mode fs.FileMode) error
	Stat(path string) (*FileInfo, error)

	// Exists reports whether path names a file or a non-empty subtree.
	// The root always exists.
	Exists(path string) bool

	// List returns the files under subtree, recursively.
	List(subtree string) ([]*FileInfo, error)

	// Watch delivers change events for the whole tree until ctx is done.
	// Mutations made through this Store handle are included.
	Watch(ctx context.Context) (<-chan Event, error)

	Close() error
}
