package sync

import (
	"strings"

	"github.com/syncbox/syncbox/internal/store"
)

// Coalescer reduces raw path-change notifications into minimal sync
// requests. Pure string functions, no I/O; paths are /-delimited segment
// sequences normalized before comparison.
type Coalescer struct {
	// CaseInsensitive folds case before comparison. Off by default.
	CaseInsensitive bool
}

func (c Coalescer) norm(p string) string {
	p = store.CleanPath(p)
	if c.CaseInsensitive {
		p = strings.ToLower(p)
	}
	return p
}

// Resolve returns the narrowest common ancestor of paths: a path that is an
// ancestor of (or equal to) every entry. The root is returned for an empty
// list or when the entries span unrelated subtrees. Order-insensitive and
// idempotent: Resolve([Resolve(P)]) == Resolve(P).
func (c Coalescer) Resolve(paths []string) string {
	if len(paths) == 0 {
		return "/"
	}

	common := segments(c.norm(paths[0]))
	for _, p := range paths[1:] {
		segs := segments(c.norm(p))
		if len(segs) < len(common) {
			common = common[:len(segs)]
		}
		for i := range common {
			if common[i] != segs[i] {
				common = common[:i]
				break
			}
		}
		if len(common) == 0 {
			return "/"
		}
	}

	return "/" + strings.Join(common, "/")
}

// FilterSynced removes every pending path equal to or descendant of any
// synced path, preserving the relative order of the remainder. An empty
// synced list returns pending untouched.
func (c Coalescer) FilterSynced(pending, synced []string) []string {
	if len(synced) == 0 {
		return pending
	}

	roots := make([]string, 0, len(synced))
	for _, s := range synced {
		roots = append(roots, c.norm(s))
	}

	keep := make([]string, 0, len(pending))
	for _, p := range pending {
		np := c.norm(p)
		covered := false
		for _, root := range roots {
			if store.Within(np, root) {
				covered = true
				break
			}
		}
		if !covered {
			keep = append(keep, p)
		}
	}
	return keep
}

func segments(p string) []string {
	p = strings.Trim(p, "/")
	if p == "" {
		return nil
	}
	return strings.Split(p, "/")
}
