package container

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pelagicore/softwarecontainer/pkg/containerdriver"
	"github.com/pelagicore/softwarecontainer/pkg/scerrors"
	"github.com/pelagicore/softwarecontainer/pkg/types"
)

func TestNewContainerStartsInDefaultState(t *testing.T) {
	c := New(Config{ID: "sc-test"}, nil)
	assert.Equal(t, types.ContainerStateDefault, c.State())
	assert.Equal(t, "sc-test", c.ID())
}

func TestCreateRequiresPreparedState(t *testing.T) {
	c := New(Config{ID: "sc-test"}, nil)
	err := c.Create(context.Background())
	require.Error(t, err)
	assert.True(t, scerrors.Is(err, scerrors.FamilyContainer, scerrors.KindStateMismatch))
}

func TestStartRequiresCreatedState(t *testing.T) {
	c := New(Config{ID: "sc-test"}, nil)
	_, err := c.Start(context.Background(), time.Second)
	require.Error(t, err)
	assert.True(t, scerrors.Is(err, scerrors.FamilyContainer, scerrors.KindStateMismatch))
}

func TestShutdownRequiresStartedContainer(t *testing.T) {
	c := New(Config{ID: "sc-test"}, nil)
	err := c.Shutdown(context.Background(), time.Second)
	require.Error(t, err)
	assert.True(t, scerrors.Is(err, scerrors.FamilyContainer, scerrors.KindStateMismatch))
}

func TestDestroyRequiresCreatedContainer(t *testing.T) {
	c := New(Config{ID: "sc-test"}, nil)
	err := c.Destroy(context.Background(), time.Second)
	require.Error(t, err)
	assert.True(t, scerrors.Is(err, scerrors.FamilyContainer, scerrors.KindStateMismatch))
}

// newTestDriver mirrors pkg/containerdriver's own test helper: the full
// lifecycle only makes sense against a live containerd daemon.
func newTestDriver(t *testing.T) *containerdriver.Driver {
	t.Helper()
	d, err := containerdriver.New("")
	if err != nil {
		t.Skipf("containerd not reachable: %v", err)
	}
	t.Cleanup(func() { d.Close() })
	return d
}

func TestFullLifecycle(t *testing.T) {
	if os.Getuid() != 0 {
		t.Skip("requires root for mount(2) and a live containerd")
	}
	driver := newTestDriver(t)

	rootFS := t.TempDir()
	c := New(Config{
		ID:                 "sc-container-test",
		Prefix:             "sc-",
		RootFS:             rootFS,
		WriteBufferEnabled: true,
		ShutdownTimeout:    2 * time.Second,
	}, driver)

	require.NoError(t, c.Initialize())
	assert.Equal(t, types.ContainerStatePrepared, c.State())

	require.NoError(t, c.Create(context.Background()))
	assert.Equal(t, types.ContainerStateCreated, c.State())
	defer c.Destroy(context.Background(), 2*time.Second)

	_, err := c.Start(context.Background(), 5*time.Second)
	require.NoError(t, err)
	assert.Equal(t, types.ContainerStateStarted, c.State())

	require.NoError(t, c.SetEnvironmentVariable("FOO", "bar"))

	require.NoError(t, c.Suspend(context.Background()))
	assert.Equal(t, types.ContainerStateFrozen, c.State())
	require.NoError(t, c.Resume(context.Background()))
	assert.Equal(t, types.ContainerStateStarted, c.State())

	require.NoError(t, c.Shutdown(context.Background(), 2*time.Second))
	assert.Equal(t, types.ContainerStateCreated, c.State())

	require.NoError(t, c.Destroy(context.Background(), 2*time.Second))
	assert.Equal(t, types.ContainerStateDestroyed, c.State())
}
