package fsutil

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pelagicore/softwarecontainer/pkg/cleanup"
)

func TestCreateDirectoryCreatesMissingParents(t *testing.T) {
	root := t.TempDir()
	stack := cleanup.New()
	tk := New(stack)

	target := filepath.Join(root, "a", "b", "c")
	require.NoError(t, tk.CreateDirectory(target))

	info, err := os.Stat(target)
	require.NoError(t, err)
	assert.True(t, info.IsDir())
	assert.Equal(t, 3, stack.Len())
}

func TestCreateDirectoryIdempotent(t *testing.T) {
	root := t.TempDir()
	stack := cleanup.New()
	tk := New(stack)

	require.NoError(t, tk.CreateDirectory(root))
	assert.Equal(t, 0, stack.Len())
}

func TestWriteToFileRegistersFileUnlink(t *testing.T) {
	root := t.TempDir()
	stack := cleanup.New()
	tk := New(stack)

	path := filepath.Join(root, "f.txt")
	require.NoError(t, tk.WriteToFile(path, []byte("hello")))

	got, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, "hello", string(got))
	assert.Equal(t, 1, stack.Len())

	stack.Drain()
	_, err = os.Stat(path)
	assert.True(t, os.IsNotExist(err))
}

func TestIsDirectoryEmpty(t *testing.T) {
	root := t.TempDir()

	empty, err := IsDirectoryEmpty(root)
	require.NoError(t, err)
	assert.True(t, empty)

	require.NoError(t, os.WriteFile(filepath.Join(root, "f"), []byte("x"), 0o644))

	empty, err = IsDirectoryEmpty(root)
	require.NoError(t, err)
	assert.False(t, empty)
}

func TestBindMountRoundtrip(t *testing.T) {
	if os.Getuid() != 0 {
		t.Skip("bind-mount requires root privileges")
	}

	src := t.TempDir()
	dst := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(src, "a.txt"), []byte("hello"), 0o644))

	stack := cleanup.New()
	tk := New(stack)

	require.NoError(t, tk.BindMount(src, dst, "", true, false))

	got, err := os.ReadFile(filepath.Join(dst, "a.txt"))
	require.NoError(t, err)
	assert.Equal(t, "hello", string(got))

	stack.Drain()
}

func TestCreateSharedMountPoint(t *testing.T) {
	if os.Getuid() != 0 {
		t.Skip("shared mount point requires root privileges")
	}

	dir := t.TempDir()
	stack := cleanup.New()
	tk := New(stack)

	require.NoError(t, tk.CreateSharedMountPoint(dir))
	stack.Drain()
}
