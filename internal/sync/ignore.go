package sync

import (
	"errors"
	"strings"

	gitignore "github.com/sabhiram/go-gitignore"
	"github.com/syncbox/syncbox/internal/store"
)

// IgnoreFile may live at the tree root to extend the default ignore globs.
const IgnoreFile = "/.syncignore"

var defaultIgnoreLines = []string{
	".syncignore",
	".syncbox/",
	"**/*.tmp",
	"**/*.swp",
	"**/*.swo",
	".DS_Store",
	"Thumbs.db",
	".git/",
	".idea/",
	".vscode/",
	"__pycache__/",
}

// IgnoreList filters watcher events that must never trigger a sync.
type IgnoreList struct {
	ignore *gitignore.GitIgnore
}

// NewIgnoreList compiles the default globs plus the tree's /.syncignore
// lines, when present.
func NewIgnoreList(st store.Store) *IgnoreList {
	lines := append([]string{}, defaultIgnoreLines...)

	if st != nil {
		content, err := st.Read(IgnoreFile)
		if err != nil && !errors.Is(err, store.ErrNotExist) {
			content = nil
		}
		for _, line := range strings.Split(string(content), "\n") {
			line = strings.TrimSpace(line)
			if line == "" || strings.HasPrefix(line, "#") {
				continue
			}
			lines = append(lines, line)
		}
	}

	return &IgnoreList{ignore: gitignore.CompileIgnoreLines(lines...)}
}

func (l *IgnoreList) ShouldIgnore(path string) bool {
	return l.ignore.MatchesPath(strings.TrimPrefix(store.CleanPath(path), "/"))
}
