package sync

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"sync"
	"time"

	mapset "github.com/deckarep/golang-set/v2"
	"github.com/syncbox/syncbox/internal/store"
	"github.com/syncbox/syncbox/internal/wire"
)

// ConflictFS wraps a Store for normal use and mediates between local
// mutation and incoming remote patches. A merge lease serializes patch
// application per subtree; replay is idempotent and conflicts resolve
// server-wins, with the losing local path handed to the requeue callback so
// the edit is deferred to the next cycle rather than lost.
type ConflictFS struct {
	store   store.Store
	journal *Journal

	// requeue receives paths whose local state lost a server-wins conflict.
	requeue func(path string)

	mu     sync.Mutex
	leases []*MergeLease

	// paths written by ApplyPatchSet whose next watch event is our own echo
	suppressed mapset.Set[string]
}

// MergeLease is exclusive intent over a subtree for the duration of one
// patch application.
type MergeLease struct {
	Subtree string

	fs       *ConflictFS
	released bool
}

func NewConflictFS(st store.Store, journal *Journal) *ConflictFS {
	return &ConflictFS{
		store:      st,
		journal:    journal,
		requeue:    func(string) {},
		suppressed: mapset.NewSet[string](),
	}
}

// OnRequeue installs the callback invoked with paths whose local writes were
// overwritten during merge.
func (c *ConflictFS) OnRequeue(fn func(path string)) {
	if fn != nil {
		c.requeue = fn
	}
}

// Store returns the wrapped storage engine for normal read/write use.
func (c *ConflictFS) Store() store.Store {
	return c.store
}

// BeginMerge acquires exclusive intent over subtree. Returns ErrBusy when an
// overlapping lease (equal, ancestor or descendant) is already held.
func (c *ConflictFS) BeginMerge(subtree string) (*MergeLease, error) {
	subtree = store.CleanPath(subtree)

	c.mu.Lock()
	defer c.mu.Unlock()

	for _, l := range c.leases {
		if store.Within(subtree, l.Subtree) || store.Within(l.Subtree, subtree) {
			return nil, fmt.Errorf("%w: %s overlaps %s", ErrBusy, subtree, l.Subtree)
		}
	}

	lease := &MergeLease{Subtree: subtree, fs: c}
	c.leases = append(c.leases, lease)
	return lease, nil
}

// EndMerge releases the lease. Idempotent; safe after a failed apply.
func (c *ConflictFS) EndMerge(lease *MergeLease) {
	if lease == nil {
		return
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if lease.released {
		return
	}
	lease.released = true
	for i, l := range c.leases {
		if l == lease {
			c.leases = append(c.leases[:i], c.leases[i+1:]...)
			break
		}
	}
}

// ApplyPatchSet replays ops against local storage in order. Each op commits
// fully before the next starts, so a partial application is well-defined and
// the next cycle resumes from whatever was applied. The lease must cover
// every op path and stays held by the caller for the whole call.
func (c *ConflictFS) ApplyPatchSet(ctx context.Context, lease *MergeLease, ops []wire.PatchOp) error {
	if lease == nil || lease.released {
		return fmt.Errorf("%w: no active lease", ErrBusy)
	}

	for _, op := range ops {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		path := store.CleanPath(op.Path)
		if !store.Within(path, lease.Subtree) {
			return fmt.Errorf("patch op %s outside lease %s", path, lease.Subtree)
		}

		if err := c.applyOp(op, path); err != nil {
			return fmt.Errorf("apply %s %s: %w", op.Op, path, err)
		}
	}
	return nil
}

func (c *ConflictFS) applyOp(op wire.PatchOp, path string) error {
	switch op.Op {
	case wire.OpCreate, wire.OpWrite:
		return c.applyWrite(op, path)
	case wire.OpDelete:
		return c.applyDelete(op, path)
	case wire.OpRename:
		return c.applyRename(op, path)
	case wire.OpSetMeta:
		return c.applySetMeta(op, path)
	default:
		return fmt.Errorf("unknown op kind: %d", op.Op)
	}
}

func (c *ConflictFS) applyWrite(op wire.PatchOp, path string) error {
	live, err := c.store.Read(path)
	exists := err == nil
	if err != nil && !errors.Is(err, store.ErrNotExist) {
		return err
	}

	if exists {
		liveETag := ContentETag(live)
		if liveETag == op.ETag {
			// identical content already present, but it still has to be
			// journaled or the next change set re-uploads it
			return c.journal.Set(&FileRecord{
				Path:         path,
				ETag:         op.ETag,
				Size:         int64(len(live)),
				LastModified: time.Now(),
			})
		}
		if op.PreETag != "" && liveETag != op.PreETag {
			// concurrent local edit: server wins, defer the local change
			slog.Info("merge conflict deferred", "path", path, "op", op.Op)
			defer c.requeue(path)
		}
	}

	c.suppress(path)
	if err := c.store.Write(path, op.Content, fs.FileMode(op.Mode)); err != nil {
		c.unsuppress(path)
		return err
	}

	return c.journal.Set(&FileRecord{
		Path:         path,
		ETag:         op.ETag,
		Size:         int64(len(op.Content)),
		LastModified: time.Now(),
	})
}

func (c *ConflictFS) applyDelete(op wire.PatchOp, path string) error {
	live, err := c.store.Read(path)
	if errors.Is(err, store.ErrNotExist) {
		// already absent
		return c.journal.Delete(path)
	}
	if err != nil {
		return err
	}

	if op.PreETag != "" && ContentETag(live) != op.PreETag {
		// local edit raced the remote delete: the delete still wins, the
		// edit is re-queued so it re-uploads next cycle
		slog.Info("merge conflict deferred", "path", path, "op", op.Op)
		defer c.requeue(path)
	}

	c.suppress(path)
	if err := c.store.Delete(path); err != nil {
		c.unsuppress(path)
		return err
	}

	return c.journal.Delete(path)
}

func (c *ConflictFS) applyRename(op wire.PatchOp, path string) error {
	oldPath := store.CleanPath(op.OldPath)

	if !c.store.Exists(oldPath) {
		if c.store.Exists(path) {
			// already applied
			return nil
		}
		return fmt.Errorf("%w: %s", store.ErrNotExist, oldPath)
	}

	c.suppress(oldPath)
	c.suppress(path)
	if err := c.store.Rename(oldPath, path); err != nil {
		c.unsuppress(oldPath)
		c.unsuppress(path)
		return err
	}

	return c.journal.Rename(oldPath, path)
}

func (c *ConflictFS) applySetMeta(op wire.PatchOp, path string) error {
	if !c.store.Exists(path) {
		// nothing to chmod
		return nil
	}

	c.suppress(path)
	if err := c.store.SetMode(path, fs.FileMode(op.Mode)); err != nil {
		c.unsuppress(path)
		return err
	}
	return nil
}

func (c *ConflictFS) suppress(path string) {
	c.suppressed.Add(path)
}

func (c *ConflictFS) unsuppress(path string) {
	c.suppressed.Remove(path)
}

// Watch wraps the store's watch stream, swallowing the echoes of mutations
// performed by ApplyPatchSet so a merge never triggers another sync.
func (c *ConflictFS) Watch(ctx context.Context) (<-chan store.Event, error) {
	raw, err := c.store.Watch(ctx)
	if err != nil {
		return nil, err
	}

	out := make(chan store.Event, cap(raw))
	go func() {
		defer close(out)
		for ev := range raw {
			if c.suppressed.Contains(ev.Path) {
				c.suppressed.Remove(ev.Path)
				continue
			}
			select {
			case out <- ev:
			case <-ctx.Done():
				return
			}
		}
	}()

	return out, nil
}
