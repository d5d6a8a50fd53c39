package sync

import (
	"context"
	"crypto/md5"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/syncbox/syncbox/internal/store"
	"github.com/syncbox/syncbox/internal/wire"
)

// ChangeBuilder diffs the live tree against the journal to produce the
// outgoing ChangeSet for a subtree: creates, writes and deletes the server
// has not seen yet.
type ChangeBuilder struct {
	store   store.Store
	journal *Journal

	// etag cache keyed by path, invalidated on size/mtime change, so
	// unchanged files are not re-hashed every cycle.
	mu       sync.Mutex
	lastSeen map[string]*cachedETag
}

type cachedETag struct {
	size    int64
	modTime time.Time
	etag    string
}

func NewChangeBuilder(st store.Store, journal *Journal) *ChangeBuilder {
	return &ChangeBuilder{
		store:    st,
		journal:  journal,
		lastSeen: make(map[string]*cachedETag),
	}
}

// Build returns the local operations under subtree that the journal does not
// reflect, ordered deterministically (store.List order, deletes last).
func (b *ChangeBuilder) Build(ctx context.Context, subtree string) ([]wire.PatchOp, error) {
	subtree = store.CleanPath(subtree)

	journalState, err := b.journal.State(subtree)
	if err != nil {
		return nil, fmt.Errorf("journal state: %w", err)
	}

	files, err := b.store.List(subtree)
	if err != nil {
		return nil, fmt.Errorf("local state: %w", err)
	}

	var ops []wire.PatchOp
	seen := make(map[string]struct{}, len(files))

	for _, info := range files {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		default:
		}

		seen[info.Path] = struct{}{}
		rec := journalState[info.Path]

		etag, err := b.etagFor(info)
		if err != nil {
			return nil, err
		}
		if rec != nil && rec.ETag == etag {
			continue
		}

		content, err := b.store.Read(info.Path)
		if err != nil {
			return nil, err
		}

		op := wire.PatchOp{
			Path:    info.Path,
			ETag:    etag,
			Content: content,
			Mode:    uint32(info.Mode.Perm()),
		}
		if rec == nil {
			op.Op = wire.OpCreate
		} else {
			op.Op = wire.OpWrite
			op.PreETag = rec.ETag
		}
		ops = append(ops, op)
	}

	deleted := make([]string, 0)
	for path := range journalState {
		if _, ok := seen[path]; !ok {
			deleted = append(deleted, path)
		}
	}
	sort.Strings(deleted)
	for _, path := range deleted {
		ops = append(ops, wire.PatchOp{
			Op:      wire.OpDelete,
			Path:    path,
			PreETag: journalState[path].ETag,
		})
	}

	return ops, nil
}

// ETagOf hashes the current content of path. Returns "" when absent.
func (b *ChangeBuilder) ETagOf(path string) (string, error) {
	info, err := b.store.Stat(path)
	if err != nil {
		return "", nil
	}
	return b.etagFor(info)
}

func (b *ChangeBuilder) etagFor(info *store.FileInfo) (string, error) {
	b.mu.Lock()
	cached, ok := b.lastSeen[info.Path]
	b.mu.Unlock()

	if ok && cached.size == info.Size && cached.modTime.Equal(info.ModTime) {
		return cached.etag, nil
	}

	content, err := b.store.Read(info.Path)
	if err != nil {
		return "", err
	}
	etag := ContentETag(content)

	b.mu.Lock()
	b.lastSeen[info.Path] = &cachedETag{size: info.Size, modTime: info.ModTime, etag: etag}
	b.mu.Unlock()

	return etag, nil
}

// ContentETag is the checksum both sides use to compare file content.
func ContentETag(content []byte) string {
	return fmt.Sprintf("%x", md5.Sum(content))
}
