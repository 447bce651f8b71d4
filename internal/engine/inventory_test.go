package engine

import (
	"os"
	"path/filepath"
	"runtime"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeFile(t *testing.T, path string, size int) {
	t.Helper()
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	require.NoError(t, os.WriteFile(path, make([]byte, size), 0o644))
}

func TestLocalInventoryCountsRegularFiles(t *testing.T) {
	root := t.TempDir()
	writeFile(t, filepath.Join(root, "a.bin"), 100)
	writeFile(t, filepath.Join(root, "nested", "b.bin"), 200)
	writeFile(t, filepath.Join(root, "nested", "deeper", "c.bin"), 0)
	require.NoError(t, os.MkdirAll(filepath.Join(root, "empty"), 0o755))

	count, total := LocalInventory(root, nil)
	assert.EqualValues(t, 3, count)
	assert.EqualValues(t, 300, total)
}

func TestLocalInventoryMissingPath(t *testing.T) {
	count, total := LocalInventory(filepath.Join(t.TempDir(), "does-not-exist"), nil)
	assert.Zero(t, count)
	assert.Zero(t, total)
}

func TestLocalInventoryFileRoot(t *testing.T) {
	path := filepath.Join(t.TempDir(), "file.bin")
	writeFile(t, path, 10)

	count, total := LocalInventory(path, nil)
	assert.Zero(t, count)
	assert.Zero(t, total)
}

func TestLocalInventorySkipsSymlinks(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("symlinks require privileges on windows")
	}
	root := t.TempDir()
	writeFile(t, filepath.Join(root, "real.bin"), 50)
	require.NoError(t, os.Symlink(filepath.Join(root, "real.bin"), filepath.Join(root, "link.bin")))
	// a cycle back to the root must not be followed
	require.NoError(t, os.Symlink(root, filepath.Join(root, "loop")))

	count, total := LocalInventory(root, nil)
	assert.EqualValues(t, 1, count)
	assert.EqualValues(t, 50, total)
}

func TestLocalInventorySymlinkedRoot(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("symlinks require privileges on windows")
	}
	target := t.TempDir()
	writeFile(t, filepath.Join(target, "x.bin"), 7)
	link := filepath.Join(t.TempDir(), "dest")
	require.NoError(t, os.Symlink(target, link))

	count, total := LocalInventory(link, nil)
	assert.EqualValues(t, 1, count)
	assert.EqualValues(t, 7, total)
}

func TestLocalInventoryExclude(t *testing.T) {
	root := t.TempDir()
	writeFile(t, filepath.Join(root, "done.bin"), 10)
	writeFile(t, filepath.Join(root, "sub", "inflight.bin.partial"), 99)
	writeFile(t, filepath.Join(root, ".cache", "junk"), 5)

	count, total := LocalInventory(root, []string{"**/*.partial", ".cache/**"})
	assert.EqualValues(t, 1, count)
	assert.EqualValues(t, 10, total)
}

func TestLocalInventoryUnreadableSubtree(t *testing.T) {
	if runtime.GOOS == "windows" || os.Geteuid() == 0 {
		t.Skip("permission bits are not enforced")
	}
	root := t.TempDir()
	writeFile(t, filepath.Join(root, "ok.bin"), 10)
	locked := filepath.Join(root, "locked")
	writeFile(t, filepath.Join(locked, "hidden.bin"), 10)
	require.NoError(t, os.Chmod(locked, 0o000))
	t.Cleanup(func() { os.Chmod(locked, 0o755) })

	count, total := LocalInventory(root, nil)
	assert.EqualValues(t, 1, count)
	assert.EqualValues(t, 10, total)
}
