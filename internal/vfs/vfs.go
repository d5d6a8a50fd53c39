// Package vfs is the embedding facade: it opens named synchronized
// filesystems, tracks them in a process-wide registry, and guards on-disk
// workspaces with a lock file so two processes never share one data dir.
package vfs

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/gofrs/flock"
	"github.com/syncbox/syncbox/internal/store"
	syncpkg "github.com/syncbox/syncbox/internal/sync"
	"github.com/syncbox/syncbox/internal/utils"
	"github.com/syncbox/syncbox/internal/wsproto"
)

const lockFile = "syncbox.lock"

var (
	ErrExists    = errors.New("filesystem id already open")
	ErrNotFound  = errors.New("filesystem id not open")
	ErrLocked    = errors.New("data dir locked by another process")
	ErrNoDataDir = errors.New("data dir required for a disk filesystem")
)

// Options configures an Open call.
type Options struct {
	// ID names the filesystem in the registry. Required.
	ID string

	// DataDir roots the on-disk workspace. Ignored when Memory is set.
	DataDir string

	// Memory backs the filesystem with an in-memory store. The journal
	// lives in memory too, so nothing survives Close.
	Memory bool

	// Provider overrides the backing store entirely. Mainly for tests.
	Provider store.Store

	// ForceCreate closes and replaces an already-open filesystem with the
	// same ID instead of failing.
	ForceCreate bool

	// Manual disables the auto-sync scheduler.
	Manual bool

	// SyncInterval between auto-sync ticks. Default when zero.
	SyncInterval time.Duration

	// CaseInsensitive path comparison during sync coalescing.
	CaseInsensitive bool

	// Encoding for the sync wire. JSON by default.
	Encoding wsproto.Encoding
}

// Filesystem is one open synchronized tree. It is a Store for plain file
// access plus the session driving its synchronization.
type Filesystem struct {
	store.Store

	// Sync is the synchronization session bound to this tree. File access
	// goes through the conflict-aware wrapper so merge replay and local
	// writes stay coherent.
	Sync *syncpkg.Session

	id      string
	journal *syncpkg.Journal
	lock    *flock.Flock
	backing store.Store
}

// ID returns the registry name of this filesystem.
func (f *Filesystem) ID() string {
	return f.id
}

// Close disconnects the session, releases the workspace lock and removes
// the filesystem from the registry.
func (f *Filesystem) Close() error {
	f.Sync.Disconnect()

	var errs []error
	if err := f.journal.Close(); err != nil {
		errs = append(errs, err)
	}
	if err := f.backing.Close(); err != nil {
		errs = append(errs, err)
	}
	if f.lock != nil && f.lock.Locked() {
		if err := f.lock.Unlock(); err != nil {
			errs = append(errs, err)
		} else {
			os.Remove(f.lock.Path())
		}
	}

	registry.mu.Lock()
	if registry.open[f.id] == f {
		delete(registry.open, f.id)
	}
	registry.mu.Unlock()

	return errors.Join(errs...)
}

var registry = struct {
	mu   sync.Mutex
	open map[string]*Filesystem
}{open: map[string]*Filesystem{}}

// Open creates or replaces the filesystem named opts.ID and registers it.
// With neither Memory nor Provider set the tree lives on disk under
// opts.DataDir, locked against other processes.
func Open(opts Options) (*Filesystem, error) {
	if opts.ID == "" {
		return nil, errors.New("filesystem id required")
	}

	registry.mu.Lock()
	if prev, ok := registry.open[opts.ID]; ok {
		if !opts.ForceCreate {
			registry.mu.Unlock()
			return nil, fmt.Errorf("%w: %s", ErrExists, opts.ID)
		}
		delete(registry.open, opts.ID)
		registry.mu.Unlock()
		prev.Close()
		registry.mu.Lock()
	}
	registry.mu.Unlock()

	fs, err := build(opts)
	if err != nil {
		return nil, err
	}

	registry.mu.Lock()
	if _, ok := registry.open[opts.ID]; ok {
		registry.mu.Unlock()
		fs.Close()
		return nil, fmt.Errorf("%w: %s", ErrExists, opts.ID)
	}
	registry.open[opts.ID] = fs
	registry.mu.Unlock()

	return fs, nil
}

// Get returns the open filesystem named id.
func Get(id string) (*Filesystem, error) {
	registry.mu.Lock()
	defer registry.mu.Unlock()

	fs, ok := registry.open[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return fs, nil
}

// List returns the IDs of all open filesystems, in no particular order.
func List() []string {
	registry.mu.Lock()
	defer registry.mu.Unlock()

	ids := make([]string, 0, len(registry.open))
	for id := range registry.open {
		ids = append(ids, id)
	}
	return ids
}

func build(opts Options) (*Filesystem, error) {
	var (
		backing     store.Store
		lock        *flock.Flock
		journalPath = ":memory:"
		err         error
	)

	switch {
	case opts.Provider != nil:
		backing = opts.Provider

	case opts.Memory:
		backing = store.NewMemStore()

	default:
		if opts.DataDir == "" {
			return nil, ErrNoDataDir
		}
		root, rerr := utils.ResolvePath(opts.DataDir)
		if rerr != nil {
			return nil, fmt.Errorf("resolve data dir: %w", rerr)
		}
		metaDir := filepath.Join(root, store.MetaDir)
		if err := utils.EnsureDir(metaDir); err != nil {
			return nil, fmt.Errorf("create meta dir: %w", err)
		}

		lock = flock.New(filepath.Join(metaDir, lockFile))
		locked, lerr := lock.TryLock()
		if lerr != nil {
			return nil, fmt.Errorf("lock data dir: %w", lerr)
		}
		if !locked {
			return nil, fmt.Errorf("%w: %s", ErrLocked, root)
		}

		backing, err = store.NewDiskStore(root)
		if err != nil {
			lock.Unlock()
			return nil, err
		}
		journalPath = filepath.Join(metaDir, "journal.db")
	}

	journal, err := syncpkg.NewJournal(journalPath)
	if err != nil {
		if lock != nil {
			lock.Unlock()
		}
		backing.Close()
		return nil, fmt.Errorf("open journal: %w", err)
	}

	session := syncpkg.NewSession(backing, journal, syncpkg.Options{
		Manual:          opts.Manual,
		Interval:        opts.SyncInterval,
		CaseInsensitive: opts.CaseInsensitive,
		Encoding:        opts.Encoding,
	})

	return &Filesystem{
		Store:   session.FS(),
		Sync:    session,
		id:      opts.ID,
		journal: journal,
		lock:    lock,
		backing: backing,
	}, nil
}
