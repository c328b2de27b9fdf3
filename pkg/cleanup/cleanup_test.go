package cleanup

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeHandler struct {
	name string
	ran  *[]string
	fail bool
}

func (f fakeHandler) Clean() error {
	*f.ran = append(*f.ran, f.name)
	if f.fail {
		return assertErr
	}
	return nil
}
func (f fakeHandler) Name() string { return f.name }

var assertErr = os.ErrInvalid

func TestStackDrainsInReverseOrder(t *testing.T) {
	var ran []string
	s := New()
	s.Push(fakeHandler{name: "a", ran: &ran})
	s.Push(fakeHandler{name: "b", ran: &ran})
	s.Push(fakeHandler{name: "c", ran: &ran})

	ok := s.Drain()

	assert.True(t, ok)
	assert.Equal(t, []string{"c", "b", "a"}, ran)
	assert.Equal(t, 0, s.Len())
}

func TestStackDrainContinuesAfterFailure(t *testing.T) {
	var ran []string
	s := New()
	s.Push(fakeHandler{name: "a", ran: &ran})
	s.Push(fakeHandler{name: "b", ran: &ran, fail: true})
	s.Push(fakeHandler{name: "c", ran: &ran})

	ok := s.Drain()

	assert.False(t, ok)
	assert.Equal(t, []string{"c", "b", "a"}, ran)
}

func TestStackSuppressesDuplicateDirFilePaths(t *testing.T) {
	s := New()
	s.Push(DirRemove{Path: "/tmp/x"})
	s.Push(DirRemove{Path: "/tmp/x"})
	s.Push(FileUnlink{Path: "/tmp/y"})

	assert.Equal(t, 2, s.Len())
}

func TestStackNeverDeduplicatesMountHandlers(t *testing.T) {
	s := New()
	s.Push(UnmountLazy{Path: "/mnt/a"})
	s.Push(UnmountLazy{Path: "/mnt/a"})

	assert.Equal(t, 2, s.Len())
}

func TestStackDrainFromLeavesEarlierHandlersIntact(t *testing.T) {
	var ran []string
	s := New()
	s.Push(fakeHandler{name: "outer", ran: &ran})
	mark := s.Len()
	s.Push(fakeHandler{name: "inner1", ran: &ran})
	s.Push(fakeHandler{name: "inner2", ran: &ran})

	ok := s.DrainFrom(mark)

	require.True(t, ok)
	assert.Equal(t, []string{"inner2", "inner1"}, ran)
	assert.Equal(t, 1, s.Len())
}

func TestOverlaySyncCopiesUpperOntoLower(t *testing.T) {
	upper := t.TempDir()
	lower := t.TempDir()

	require.NoError(t, os.WriteFile(filepath.Join(upper, "f.txt"), []byte("hello"), 0o644))
	require.NoError(t, os.MkdirAll(filepath.Join(upper, "sub"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(upper, "sub", "g.txt"), []byte("world"), 0o644))

	h := OverlaySync{Upper: upper, Lower: lower}
	require.NoError(t, h.Clean())

	got, err := os.ReadFile(filepath.Join(lower, "f.txt"))
	require.NoError(t, err)
	assert.Equal(t, "hello", string(got))

	got, err = os.ReadFile(filepath.Join(lower, "sub", "g.txt"))
	require.NoError(t, err)
	assert.Equal(t, "world", string(got))
}

func TestDirRemoveAndFileUnlink(t *testing.T) {
	dir := t.TempDir()
	sub := filepath.Join(dir, "sub")
	require.NoError(t, os.Mkdir(sub, 0o755))
	file := filepath.Join(dir, "f.txt")
	require.NoError(t, os.WriteFile(file, []byte("x"), 0o644))

	require.NoError(t, (DirRemove{Path: sub}).Clean())
	_, err := os.Stat(sub)
	assert.True(t, os.IsNotExist(err))

	require.NoError(t, (FileUnlink{Path: file}).Clean())
	_, err = os.Stat(file)
	assert.True(t, os.IsNotExist(err))
}
