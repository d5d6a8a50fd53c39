package store

import (
	"context"
	"fmt"
	"io/fs"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"
)

type memFile struct {
	data    []byte
	mode    fs.FileMode
	modTime time.Time
}

// MemStore is a transient in-memory tree. It backs the `memory` facade
// option and tests; semantics mirror DiskStore, including watch delivery.
type MemStore struct {
	mu     sync.RWMutex
	files  map[string]*memFile
	subs   []chan Event
	closed bool
}

func NewMemStore() *MemStore {
	return &MemStore{
		files: make(map[string]*memFile),
	}
}

func (m *MemStore) Read(path string) ([]byte, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	f, ok := m.files[CleanPath(path)]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotExist, path)
	}
	out := make([]byte, len(f.data))
	copy(out, f.data)
	return out, nil
}

func (m *MemStore) Write(path string, data []byte, mode fs.FileMode) error {
	p := CleanPath(path)
	if p == "/" {
		return fmt.Errorf("%w: cannot write root", ErrInvalidPath)
	}
	if mode == 0 {
		mode = 0o644
	}

	buf := make([]byte, len(data))
	copy(buf, data)

	m.mu.Lock()
	m.files[p] = &memFile{data: buf, mode: mode, modTime: time.Now()}
	m.mu.Unlock()

	m.emit(Event{Kind: EventWrite, Path: p})
	return nil
}

func (m *MemStore) Delete(path string) error {
	p := CleanPath(path)

	m.mu.Lock()
	if _, ok := m.files[p]; !ok {
		m.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrNotExist, path)
	}
	delete(m.files, p)
	m.mu.Unlock()

	m.emit(Event{Kind: EventRemove, Path: p})
	return nil
}

func (m *MemStore) Rename(oldPath, newPath string) error {
	op := CleanPath(oldPath)
	np := CleanPath(newPath)

	m.mu.Lock()
	f, ok := m.files[op]
	if !ok {
		m.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrNotExist, oldPath)
	}
	delete(m.files, op)
	f.modTime = time.Now()
	m.files[np] = f
	m.mu.Unlock()

	m.emit(Event{Kind: EventRename, Path: op})
	m.emit(Event{Kind: EventWrite, Path: np})
	return nil
}

func (m *MemStore) SetMode(path string, mode fs.FileMode) error {
	p := CleanPath(path)

	m.mu.Lock()
	f, ok := m.files[p]
	if !ok {
		m.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrNotExist, path)
	}
	f.mode = mode
	f.modTime = time.Now()
	m.mu.Unlock()

	m.emit(Event{Kind: EventWrite, Path: p})
	return nil
}

func (m *MemStore) Stat(path string) (*FileInfo, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	p := CleanPath(path)
	f, ok := m.files[p]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotExist, path)
	}
	return &FileInfo{
		Path:    p,
		Size:    int64(len(f.data)),
		Mode:    f.mode,
		ModTime: f.modTime,
	}, nil
}

func (m *MemStore) Exists(path string) bool {
	p := CleanPath(path)
	if p == "/" {
		return true
	}

	m.mu.RLock()
	defer m.mu.RUnlock()

	if _, ok := m.files[p]; ok {
		return true
	}
	// implicit directory: any file under p
	prefix := p + "/"
	for fp := range m.files {
		if strings.HasPrefix(fp, prefix) {
			return true
		}
	}
	return false
}

func (m *MemStore) List(subtree string) ([]*FileInfo, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	st := CleanPath(subtree)
	var files []*FileInfo
	for p, f := range m.files {
		if !Within(p, st) {
			continue
		}
		files = append(files, &FileInfo{
			Path:    p,
			Size:    int64(len(f.data)),
			Mode:    f.mode,
			ModTime: f.modTime,
		})
	}
	sort.Slice(files, func(i, j int) bool { return files[i].Path < files[j].Path })
	return files, nil
}

func (m *MemStore) Watch(ctx context.Context) (<-chan Event, error) {
	ch := make(chan Event, watchChannelSize)

	m.mu.Lock()
	m.subs = append(m.subs, ch)
	m.mu.Unlock()

	go func() {
		<-ctx.Done()
		m.mu.Lock()
		for i, sub := range m.subs {
			if sub == ch {
				m.subs = append(m.subs[:i], m.subs[i+1:]...)
				close(ch)
				break
			}
		}
		m.mu.Unlock()
	}()

	return ch, nil
}

func (m *MemStore) emit(ev Event) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	for _, sub := range m.subs {
		select {
		case sub <- ev:
		default:
			slog.Warn("mem watch buffer full, dropped", "path", ev.Path)
		}
	}
}

func (m *MemStore) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return nil
	}
	m.closed = true
	for _, sub := range m.subs {
		close(sub)
	}
	m.subs = nil
	return nil
}
