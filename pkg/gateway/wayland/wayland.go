// Package wayland implements the Wayland gateway. Per spec §1 this gateway
// is peripheral and specified only by its interface shape; no Wayland
// gateway source was retrieved at all (unlike Pulse, which at least has a
// unit test and test-data table), so this stub is built directly from the
// common gateway.Gateway contract rather than any original implementation.
// A real implementation would bind-mount the host compositor's socket and
// export WAYLAND_DISPLAY, the same shape as the File gateway's bind-mount
// plus env-var-export pair; Activate documents that gap rather than
// guessing at a socket path convention with nothing to ground it on.
package wayland

import (
	"context"
	"encoding/json"

	"github.com/pelagicore/softwarecontainer/pkg/container"
	"github.com/pelagicore/softwarecontainer/pkg/gateway"
	"github.com/pelagicore/softwarecontainer/pkg/scerrors"
	"github.com/pelagicore/softwarecontainer/pkg/types"
)

type configElement struct {
	Enabled bool `json:"enabled"`
}

// Gateway is the Wayland gateway stub.
type Gateway struct {
	gateway.Base

	enabled bool
}

// New constructs an unconfigured Wayland gateway.
func New() *Gateway {
	return &Gateway{Base: gateway.NewBase(types.GatewayWayland)}
}

// ReadConfigElement parses {"enabled": bool}, the minimal shape this stub
// needs to exercise the gateway.Gateway ReadConfigElement contract.
func (g *Gateway) ReadConfigElement(fragment json.RawMessage) error {
	var cfg configElement
	if err := json.Unmarshal(fragment, &cfg); err != nil {
		return scerrors.GatewayConfig(scerrors.KindFieldType, "wayland: invalid fragment: "+err.Error())
	}

	g.enabled = cfg.Enabled
	g.MarkConfigured()
	return nil
}

// Activate is a documented no-op.
func (g *Gateway) Activate(ctx context.Context, c *container.Container) error {
	return g.PrepareActivate()
}

// Teardown is a no-op; see Activate.
func (g *Gateway) Teardown(ctx context.Context, c *container.Container) error {
	g.MarkTornDown()
	return nil
}
