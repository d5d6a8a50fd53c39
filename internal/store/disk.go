package store

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/rjeczalik/notify"
	"github.com/syncbox/syncbox/internal/utils"
)

const (
	// MetaDir holds journal, lock and temp files inside the data dir. It is
	// never synced and its events are never reported by Watch.
	MetaDir = ".syncbox"

	watchChannelSize = 256
)

// DiskStore maps the virtual tree onto a directory on disk.
type DiskStore struct {
	root    string
	tmpDir  string
	watches []chan notify.EventInfo
}

func NewDiskStore(rootDir string) (*DiskStore, error) {
	root, err := utils.ResolvePath(rootDir)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve path %s: %w", rootDir, err)
	}

	if err := utils.EnsureDir(root); err != nil {
		return nil, fmt.Errorf("failed to create root %s: %w", root, err)
	}

	return &DiskStore{
		root:   root,
		tmpDir: filepath.Join(root, MetaDir, "tmp"),
	}, nil
}

// Root returns the backing directory.
func (d *DiskStore) Root() string {
	return d.root
}

// resolve maps a virtual path to an absolute one, refusing escapes.
func (d *DiskStore) resolve(p string) (string, error) {
	p = CleanPath(p)
	abs := filepath.Join(d.root, filepath.FromSlash(strings.TrimPrefix(p, "/")))
	if abs != d.root && !strings.HasPrefix(abs, d.root+string(filepath.Separator)) {
		return "", fmt.Errorf("%w: %s", ErrInvalidPath, p)
	}
	return abs, nil
}

func (d *DiskStore) virtual(abs string) (string, bool) {
	rel, err := filepath.Rel(d.root, abs)
	if err != nil || strings.HasPrefix(rel, "..") {
		return "", false
	}
	vp := "/" + filepath.ToSlash(rel)
	if Within(vp, "/"+MetaDir) {
		return "", false
	}
	return vp, true
}

func (d *DiskStore) Read(path string) ([]byte, error) {
	abs, err := d.resolve(path)
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(abs)
	if errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("%w: %s", ErrNotExist, path)
	}
	return data, err
}

// Write is atomic: the content lands in a temp file first and is renamed
// into place, so watchers and readers never observe a partial write.
func (d *DiskStore) Write(path string, data []byte, mode fs.FileMode) error {
	abs, err := d.resolve(path)
	if err != nil {
		return err
	}

	if err := utils.EnsureParent(abs); err != nil {
		return fmt.Errorf("failed to ensure parent: %w", err)
	}
	if err := utils.EnsureDir(d.tmpDir); err != nil {
		return fmt.Errorf("failed to ensure temp dir: %w", err)
	}

	if mode == 0 {
		mode = 0o644
	}

	tmp, err := os.CreateTemp(d.tmpDir, filepath.Base(abs)+".tmp.*")
	if err != nil {
		return fmt.Errorf("failed to create temp file: %w", err)
	}
	tmpPath := tmp.Name()

	success := false
	defer func() {
		if !success {
			tmp.Close()
			os.Remove(tmpPath)
		}
	}()

	if _, err := tmp.Write(data); err != nil {
		return fmt.Errorf("failed to write temp file: %w", err)
	}
	if err := tmp.Chmod(mode); err != nil {
		return fmt.Errorf("failed to chmod temp file: %w", err)
	}

	// Sync to disk before rename to ensure durability
	if err := tmp.Sync(); err != nil {
		return fmt.Errorf("failed to sync temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("failed to close temp file: %w", err)
	}

	if err := os.Rename(tmpPath, abs); err != nil {
		return fmt.Errorf("failed to rename temp file to %s: %w", abs, err)
	}

	success = true
	return nil
}

func (d *DiskStore) Delete(path string) error {
	abs, err := d.resolve(path)
	if err != nil {
		return err
	}
	if err := os.Remove(abs); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return fmt.Errorf("%w: %s", ErrNotExist, path)
		}
		return err
	}
	return nil
}

func (d *DiskStore) Rename(oldPath, newPath string) error {
	oldAbs, err := d.resolve(oldPath)
	if err != nil {
		return err
	}
	newAbs, err := d.resolve(newPath)
	if err != nil {
		return err
	}
	if err := utils.EnsureParent(newAbs); err != nil {
		return err
	}
	if err := os.Rename(oldAbs, newAbs); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return fmt.Errorf("%w: %s", ErrNotExist, oldPath)
		}
		return err
	}
	return nil
}

func (d *DiskStore) SetMode(path string, mode fs.FileMode) error {
	abs, err := d.resolve(path)
	if err != nil {
		return err
	}
	if err := os.Chmod(abs, mode); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return fmt.Errorf("%w: %s", ErrNotExist, path)
		}
		return err
	}
	return nil
}

func (d *DiskStore) Stat(path string) (*FileInfo, error) {
	abs, err := d.resolve(path)
	if err != nil {
		return nil, err
	}
	info, err := os.Stat(abs)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("%w: %s", ErrNotExist, path)
		}
		return nil, err
	}
	return &FileInfo{
		Path:    CleanPath(path),
		Size:    info.Size(),
		Mode:    info.Mode(),
		ModTime: info.ModTime(),
	}, nil
}

func (d *DiskStore) Exists(path string) bool {
	abs, err := d.resolve(path)
	if err != nil {
		return false
	}
	_, err = os.Stat(abs)
	return err == nil
}

func (d *DiskStore) List(subtree string) ([]*FileInfo, error) {
	abs, err := d.resolve(subtree)
	if err != nil {
		return nil, err
	}

	var files []*FileInfo
	walkFn := func(path string, entry fs.DirEntry, err error) error {
		if err != nil {
			if errors.Is(err, os.ErrNotExist) {
				return nil
			}
			return err
		}
		if entry.IsDir() {
			if path == filepath.Join(d.root, MetaDir) {
				return filepath.SkipDir
			}
			return nil
		}
		vp, ok := d.virtual(path)
		if !ok {
			return nil
		}
		info, err := entry.Info()
		if err != nil {
			return err
		}
		files = append(files, &FileInfo{
			Path:    vp,
			Size:    info.Size(),
			Mode:    info.Mode(),
			ModTime: info.ModTime(),
		})
		return nil
	}

	if err := filepath.WalkDir(abs, walkFn); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, err
	}
	return files, nil
}

func (d *DiskStore) Watch(ctx context.Context) (<-chan Event, error) {
	raw := make(chan notify.EventInfo, watchChannelSize)
	recursivePath := filepath.Join(d.root, "...")
	if err := notify.Watch(recursivePath, raw, notify.Create, notify.Write, notify.Remove, notify.Rename); err != nil {
		return nil, fmt.Errorf("failed to watch %s: %w", d.root, err)
	}
	d.watches = append(d.watches, raw)

	out := make(chan Event, watchChannelSize)
	go func() {
		defer notify.Stop(raw)
		defer close(out)
		for {
			select {
			case <-ctx.Done():
				return
			case ev, ok := <-raw:
				if !ok {
					return
				}
				vp, keep := d.virtual(ev.Path())
				if !keep {
					continue
				}
				select {
				case out <- Event{Kind: eventKind(ev.Event()), Path: vp}:
				default:
					slog.Warn("disk watch buffer full, dropped", "path", vp)
				}
			}
		}
	}()

	return out, nil
}

func eventKind(ev notify.Event) EventKind {
	switch ev {
	case notify.Remove:
		return EventRemove
	case notify.Rename:
		return EventRename
	default:
		return EventWrite
	}
}

func (d *DiskStore) Close() error {
	for _, ch := range d.watches {
		notify.Stop(ch)
	}
	d.watches = nil
	return nil
}
