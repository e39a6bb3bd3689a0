package sync

import (
	gitignore "github.com/sabhiram/go-gitignore"
)

var defaultIgnoreLines = []string{
	".fsh-download-*",
	"*.tmp",
	"*.swp",
	"*.swo",
	`~\$*`, // the $ must be escaped or it anchors the compiled pattern
	".DS_Store",
	"Thumbs.db",
	".git/",
	"__pycache__/",
}

// IgnoreList filters paths that should never be synced, gitignore semantics.
type IgnoreList struct {
	ignore *gitignore.GitIgnore
}

func NewIgnoreList(extraLines ...string) *IgnoreList {
	lines := append(append([]string{}, defaultIgnoreLines...), extraLines...)
	return &IgnoreList{ignore: gitignore.CompileIgnoreLines(lines...)}
}

func (l *IgnoreList) ShouldIgnore(relPath string) bool {
	return l.ignore.MatchesPath(relPath)
}
