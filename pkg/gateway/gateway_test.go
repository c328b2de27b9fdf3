package gateway

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pelagicore/softwarecontainer/pkg/container"
	"github.com/pelagicore/softwarecontainer/pkg/scerrors"
	"github.com/pelagicore/softwarecontainer/pkg/types"
)

// fakeGateway is a minimal Gateway used to exercise the framework without
// any of the concrete gateways' real side effects.
type fakeGateway struct {
	Base
	activateErr  error
	tornDown     bool
	activateHook func()
}

func newFakeGateway(id types.GatewayID) *fakeGateway {
	return &fakeGateway{Base: NewBase(id)}
}

func (g *fakeGateway) ReadConfigElement(fragment json.RawMessage) error {
	g.MarkConfigured()
	return nil
}

func (g *fakeGateway) Activate(ctx context.Context, c *container.Container) error {
	if err := g.PrepareActivate(); err != nil {
		return err
	}
	if g.activateHook != nil {
		g.activateHook()
	}
	return g.activateErr
}

func (g *fakeGateway) Teardown(ctx context.Context, c *container.Container) error {
	g.tornDown = true
	g.MarkTornDown()
	return nil
}

func TestActivateRequiresConfigElement(t *testing.T) {
	g := newFakeGateway(types.GatewayEnv)
	err := g.Activate(context.Background(), nil)
	require.Error(t, err)
	assert.True(t, scerrors.Is(err, scerrors.FamilyGatewayActivation, scerrors.KindPrecondition))
}

func TestActivateTwiceWithoutTeardownFails(t *testing.T) {
	g := newFakeGateway(types.GatewayEnv)
	require.NoError(t, g.ReadConfigElement(nil))
	require.NoError(t, g.Activate(context.Background(), nil))
	err := g.Activate(context.Background(), nil)
	require.Error(t, err)
}

func TestSetActivatesInFixedOrder(t *testing.T) {
	s := NewSet()
	var order []types.GatewayID
	for _, id := range []types.GatewayID{types.GatewayWayland, types.GatewayNetwork, types.GatewayEnv} {
		id := id
		g := newFakeGateway(id)
		g.activateHook = func() { order = append(order, id) }
		require.NoError(t, g.ReadConfigElement(nil))
		s.Register(g)
	}

	require.NoError(t, s.ActivateAll(context.Background(), nil))
	assert.Equal(t, []types.GatewayID{types.GatewayEnv, types.GatewayNetwork, types.GatewayWayland}, order)
}

func TestSetRollsBackOnActivationFailure(t *testing.T) {
	s := NewSet()

	envGW := newFakeGateway(types.GatewayEnv)
	require.NoError(t, envGW.ReadConfigElement(nil))
	s.Register(envGW)

	netGW := newFakeGateway(types.GatewayNetwork)
	require.NoError(t, netGW.ReadConfigElement(nil))
	netGW.activateErr = assertError{}
	s.Register(netGW)

	fileGW := newFakeGateway(types.GatewayFile)
	require.NoError(t, fileGW.ReadConfigElement(nil))
	s.Register(fileGW)

	err := s.ActivateAll(context.Background(), nil)
	require.Error(t, err)

	assert.True(t, envGW.tornDown, "env gateway, activated before the failure, must be rolled back")
	assert.False(t, fileGW.tornDown, "file gateway, never reached, must not be torn down")
}

func TestDispatchRequiresRegisteredGateway(t *testing.T) {
	s := NewSet()
	err := s.Dispatch(types.GatewayNetwork, []json.RawMessage{[]byte(`{}`)})
	require.Error(t, err)
	assert.True(t, scerrors.Is(err, scerrors.FamilyGatewayConfig, scerrors.KindFieldMissing))
}

type assertError struct{}

func (assertError) Error() string { return "forced activation failure" }
