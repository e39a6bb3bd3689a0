package sync

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestIgnoreListDefaults(t *testing.T) {
	list := NewIgnoreList()

	ignored := []string{
		".fsh-download-8f2a1c",
		"notes.tmp",
		"sub/dir/.file.swp",
		"~$report.docx",
		".DS_Store",
		".git/config",
		"pkg/__pycache__/mod.pyc",
	}
	for _, path := range ignored {
		assert.True(t, list.ShouldIgnore(path), "expected %q ignored", path)
	}

	kept := []string{
		"notes.txt",
		"tmp-results.csv",
		"sub/dir/file.go",
		"gitlog.md",
	}
	for _, path := range kept {
		assert.False(t, list.ShouldIgnore(path), "expected %q kept", path)
	}
}

func TestIgnoreListExtraLines(t *testing.T) {
	list := NewIgnoreList("*.bak", "build/")

	assert.True(t, list.ShouldIgnore("old.bak"))
	assert.True(t, list.ShouldIgnore("build/out.bin"))
	assert.False(t, list.ShouldIgnore("main.go"))
}
