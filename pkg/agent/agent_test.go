package agent

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pelagicore/softwarecontainer/pkg/containerdriver"
	"github.com/pelagicore/softwarecontainer/pkg/events"
	"github.com/pelagicore/softwarecontainer/pkg/manifest"
)

func TestParseUserEmpty(t *testing.T) {
	uid, gid, err := parseUser("")
	require.NoError(t, err)
	assert.Zero(t, uid)
	assert.Zero(t, gid)
}

func TestParseUserBareUID(t *testing.T) {
	uid, gid, err := parseUser("1000")
	require.NoError(t, err)
	assert.EqualValues(t, 1000, uid)
	assert.EqualValues(t, 1000, gid)
}

func TestParseUserUIDAndGID(t *testing.T) {
	uid, gid, err := parseUser("1000:2000")
	require.NoError(t, err)
	assert.EqualValues(t, 1000, uid)
	assert.EqualValues(t, 2000, gid)
}

func TestParseUserRejectsNonNumeric(t *testing.T) {
	_, _, err := parseUser("alice")
	require.Error(t, err)
}

func TestParseUserRejectsNonNumericGID(t *testing.T) {
	_, _, err := parseUser("1000:bob")
	require.Error(t, err)
}

// newTestAgent connects to a real containerd socket when available and
// skips otherwise, matching pkg/containerdriver's own test pattern —
// Agent Core behavior only makes sense end to end against a live daemon.
func newTestAgent(t *testing.T, preload int) *Agent {
	t.Helper()
	driver, err := containerdriver.New("")
	if err != nil {
		t.Skipf("containerd not reachable: %v", err)
	}
	t.Cleanup(func() { driver.Close() })

	store, err := manifest.LoadStrings(nil)
	require.NoError(t, err)

	broker := events.NewBroker()
	broker.Start()
	t.Cleanup(broker.Stop)

	a := New(Config{
		Prefix:                   "sc-agent-test",
		RootFS:                   t.TempDir(),
		ContainerShutdownTimeout: 2 * time.Second,
		StartTimeout:             5 * time.Second,
		PreloadCount:             preload,
	}, driver, store, broker)
	t.Cleanup(func() { a.Shutdown(context.Background(), true) })
	return a
}

func TestCreateContainerAssignsSequentialHandles(t *testing.T) {
	a := newTestAgent(t, 0)
	ctx := context.Background()

	h1, err := a.CreateContainer(ctx, "sc-test")
	require.NoError(t, err)
	h2, err := a.CreateContainer(ctx, "sc-test")
	require.NoError(t, err)

	assert.Equal(t, uint32(0), h1)
	assert.Equal(t, uint32(1), h2)
}

func TestLookupUnknownHandleFails(t *testing.T) {
	a := newTestAgent(t, 0)
	_, err := a.lookup(999)
	require.Error(t, err)
}

func TestShutdownContainerNullsSlot(t *testing.T) {
	a := newTestAgent(t, 0)
	ctx := context.Background()

	h, err := a.CreateContainer(ctx, "sc-test")
	require.NoError(t, err)

	require.NoError(t, a.ShutdownContainer(ctx, h, 0))

	_, err = a.lookup(h)
	require.Error(t, err)
}

func TestContainerStateCountsReflectsLiveTable(t *testing.T) {
	a := newTestAgent(t, 0)
	ctx := context.Background()

	_, err := a.CreateContainer(ctx, "sc-test")
	require.NoError(t, err)

	counts := a.ContainerStateCounts()
	assert.Equal(t, 1, counts["created"])
}

func TestSetGatewayConfigsRejectsUnknownGateway(t *testing.T) {
	a := newTestAgent(t, 0)
	ctx := context.Background()

	h, err := a.CreateContainer(ctx, "sc-test")
	require.NoError(t, err)

	err = a.SetGatewayConfigs(ctx, h, map[string]string{"not-a-gateway": `{}`})
	require.Error(t, err)
}

func TestWriteStdinUnknownPidFails(t *testing.T) {
	a := newTestAgent(t, 0)
	err := a.WriteStdin(999999, []byte("hi"))
	require.Error(t, err)
}
