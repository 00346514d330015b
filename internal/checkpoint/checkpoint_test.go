//go:build darwin

package checkpoint

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestCloneFile_CopiesContentViaStagingName(t *testing.T) {
	dir := t.TempDir()
	src := filepath.Join(dir, "source.ext4")
	dst := filepath.Join(dir, "instances", "working.ext4")
	require.NoError(t, os.MkdirAll(filepath.Dir(dst), 0o755))
	require.NoError(t, os.WriteFile(src, []byte("root filesystem bytes"), 0o644))

	require.NoError(t, cloneFile(src, dst))

	got, err := os.ReadFile(dst)
	require.NoError(t, err)
	require.Equal(t, "root filesystem bytes", string(got))

	entries, err := os.ReadDir(filepath.Dir(dst))
	require.NoError(t, err)
	require.Len(t, entries, 1, "no .tmp staging file should survive a successful clone")
}

func TestCloneFile_MissingSourceLeavesNoStagingFile(t *testing.T) {
	dir := t.TempDir()
	dst := filepath.Join(dir, "working.ext4")

	err := cloneFile(filepath.Join(dir, "does-not-exist.ext4"), dst)
	require.Error(t, err)

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	require.Empty(t, entries)
}

func TestExtend_GrowsFileToRequestedSize(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "working.ext4")
	require.NoError(t, os.WriteFile(path, []byte("small"), 0o644))

	require.NoError(t, extend(path, 8))

	fi, err := os.Stat(path)
	require.NoError(t, err)
	require.EqualValues(t, 8*1024*1024, fi.Size())
}

func TestTrimExt(t *testing.T) {
	require.Equal(t, "base", trimExt("base.ext4"))
	require.Equal(t, "no-extension", trimExt("no-extension"))
}
