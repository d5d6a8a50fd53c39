package sync

import (
	"io/fs"

	"github.com/syncbox/syncbox/internal/store"
)

// ConflictFS presents the wrapped store's full surface, so callers use one
// handle for both plain file access and merge coordination. Local mutations
// pass straight through; a held merge lease never blocks them, the watch
// stream picks them up and the scheduler defers them to the next cycle.

func (c *ConflictFS) Read(path string) ([]byte, error) {
	return c.store.Read(path)
}

func (c *ConflictFS) Write(path string, data []byte, mode fs.FileMode) error {
	return c.store.Write(path, data, mode)
}

func (c *ConflictFS) Delete(path string) error {
	return c.store.Delete(path)
}

func (c *ConflictFS) Rename(oldPath, newPath string) error {
	return c.store.Rename(oldPath, newPath)
}

func (c *ConflictFS) SetMode(path string, mode fs.FileMode) error {
	return c.store.SetMode(path, mode)
}

func (c *ConflictFS) Stat(path string) (*store.FileInfo, error) {
	return c.store.Stat(path)
}

func (c *ConflictFS) Exists(path string) bool {
	return c.store.Exists(path)
}

func (c *ConflictFS) List(subtree string) ([]*store.FileInfo, error) {
	return c.store.List(subtree)
}

func (c *ConflictFS) Close() error {
	return c.store.Close()
}

var _ store.Store = (*ConflictFS)(nil)
