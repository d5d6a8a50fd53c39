package store

import (
	gopath "path"
	"strings"
)

// CleanPath normalizes a virtual path: forward slashes, a single leading
// slash, no trailing slash (except the root itself), dot segments resolved.
func CleanPath(p string) string {
	p = strings.ReplaceAll(p, "\\", "/")
	if !strings.HasPrefix(p, "/") {
		p = "/" + p
	}
	return gopath.Clean(p)
}

// IsRoot reports whether p normalizes to the tree root.
func IsRoot(p string) bool {
	return CleanPath(p) == "/"
}

// Within reports whether p equals subtree or lives under it.
// Both arguments must already be clean.
func Within(p, subtree string) bool {
	if subtree == "/" {
		return true
	}
	return p == subtree || strings.HasPrefix(p, subtree+"/")
}
