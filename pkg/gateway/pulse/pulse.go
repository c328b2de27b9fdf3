// Package pulse implements the Pulse gateway. Per spec §1 this gateway is
// peripheral and specified only by its interface shape: Activate is a
// documented no-op rather than a real PulseAudio module load, since the
// retrieved sources carry only its unit test and test-data table, not the
// module-loading implementation itself. Grounded on
// original_source/libpelagicontain/unit-test/pulsegateway_unittest.cpp and
// original_source/pelagicontain/unit-test/pulsegateway_unittest_data.h,
// which fix the config shape (a single string field, "audio", "true" to
// enable) and its truthiness rule (anything other than the exact string
// "true" disables the gateway without being a parse error).
package pulse

import (
	"context"
	"encoding/json"

	"github.com/pelagicore/softwarecontainer/pkg/cleanup"
	"github.com/pelagicore/softwarecontainer/pkg/container"
	"github.com/pelagicore/softwarecontainer/pkg/gateway"
	"github.com/pelagicore/softwarecontainer/pkg/scerrors"
	"github.com/pelagicore/softwarecontainer/pkg/types"
)

type configElement struct {
	Audio string `json:"audio"`
}

// Gateway is the Pulse gateway stub.
type Gateway struct {
	gateway.Base

	enabled bool
}

// New constructs an unconfigured Pulse gateway.
func New() *Gateway {
	return &Gateway{Base: gateway.NewBase(types.GatewayPulse)}
}

// ReadConfigElement parses {"audio": "true"|"false"}. audio is required;
// any value other than the literal string "true" is treated as disabling
// the gateway rather than as a parse error, matching disablingConfigs'
// "Incorrect value" case in the original test data.
func (g *Gateway) ReadConfigElement(fragment json.RawMessage) error {
	var cfg configElement
	if err := json.Unmarshal(fragment, &cfg); err != nil {
		return scerrors.GatewayConfig(scerrors.KindFieldType, "pulse: invalid fragment: "+err.Error())
	}
	if cfg.Audio == "" {
		return scerrors.GatewayConfig(scerrors.KindFieldMissing, "pulse: audio is required")
	}

	g.enabled = cfg.Audio == "true"
	g.MarkConfigured()
	return nil
}

// Activate is a documented no-op: the real gateway would load a PulseAudio
// native-protocol module and export PULSE_SERVER to the container, but no
// module-loading implementation was available to ground one on. When
// enabled it still pushes an AudioModuleUnload cleanup handler, so the
// Cleanup Stack's variant set stays exercised even though the handler
// itself has nothing to unload.
func (g *Gateway) Activate(ctx context.Context, c *container.Container) error {
	if err := g.PrepareActivate(); err != nil {
		return err
	}
	if g.enabled {
		c.PushCleanup(cleanup.AudioModuleUnload{Index: 0})
	}
	return nil
}

// Teardown is a no-op; see Activate.
func (g *Gateway) Teardown(ctx context.Context, c *container.Container) error {
	g.MarkTornDown()
	return nil
}
