// Package gateway implements the Gateway Framework (C6): the abstract
// Created -> Configured -> Activated -> TornDown lifecycle every concrete
// gateway (network, cgroups, devicenode, env, dbus, file, pulse, wayland)
// shares, plus a Set that dispatches capability fragments to the right
// gateway and activates/tears down the whole attached set in the fixed
// order spec §4.3 names. Grounded on
// original_source/libsoftwarecontainer/include/gateway.h's
// readConfigElement/activate/teardown contract, composed in the
// teacher's style of a small interface plus an embeddable base struct
// (pkg/worker's handler sub-structs each expose a narrow interface to
// the Worker that owns them).
package gateway

import (
	"context"
	"encoding/json"
	"sync"

	"github.com/pelagicore/softwarecontainer/pkg/container"
	"github.com/pelagicore/softwarecontainer/pkg/log"
	"github.com/pelagicore/softwarecontainer/pkg/scerrors"
	"github.com/pelagicore/softwarecontainer/pkg/types"
)

// Gateway is the contract every concrete policy engine implements.
type Gateway interface {
	// ID returns this gateway's stable identifier.
	ID() types.GatewayID
	// State returns the gateway's current lifecycle state.
	State() types.ActivationState
	// ReadConfigElement accumulates one JSON fragment from a capability.
	// Called zero or more times before Activate. Must not perform side
	// effects outside the gateway's own fields.
	ReadConfigElement(fragment json.RawMessage) error
	// Activate performs the gateway's real side effects against c.
	// Requires at least one successful ReadConfigElement.
	Activate(ctx context.Context, c *container.Container) error
	// Teardown reverses Activate.
	Teardown(ctx context.Context, c *container.Container) error
}

// Base is embedded by every concrete gateway to track the
// Created->Configured->Activated->TornDown lifecycle and enforce the
// activation preconditions common to all gateways (§4.3): readConfigElement
// must have succeeded at least once, and activate is called at most once
// between two teardowns (I2).
type Base struct {
	id        types.GatewayID
	mu        sync.Mutex
	state     types.ActivationState
	hasConfig bool
}

// NewBase constructs a Base in the Created state for the given gateway ID.
func NewBase(id types.GatewayID) Base {
	return Base{id: id, state: types.GatewayCreated}
}

// ID returns the gateway's stable identifier.
func (b *Base) ID() types.GatewayID { return b.id }

// State returns the gateway's current lifecycle state.
func (b *Base) State() types.ActivationState {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// MarkConfigured records that a ReadConfigElement call succeeded,
// advancing Created -> Configured. Concrete gateways call this from
// their ReadConfigElement implementation once a fragment was accepted.
func (b *Base) MarkConfigured() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.hasConfig = true
	if b.state == types.GatewayCreated {
		b.state = types.GatewayConfigured
	}
}

// PrepareActivate enforces the activation precondition: at least one
// accepted config element, and not already activated. Concrete gateways
// call this as the first step of Activate.
func (b *Base) PrepareActivate() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if !b.hasConfig {
		return scerrors.GatewayActivation(scerrors.KindPrecondition,
			string(b.id)+": activate requires at least one config element", nil)
	}
	if b.state == types.GatewayActivated {
		return scerrors.GatewayActivation(scerrors.KindPrecondition,
			string(b.id)+": already activated", nil)
	}
	b.state = types.GatewayActivated
	return nil
}

// MarkTornDown records that Teardown completed, resetting the gateway so
// a future Activate is permitted again (I2's "at most once between two
// teardowns").
func (b *Base) MarkTornDown() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.state = types.GatewayTornDown
}

// Set holds one gateway instance per registered ID and drives the fixed
// activation order of spec §4.3.
type Set struct {
	gateways map[types.GatewayID]Gateway
}

// NewSet constructs an empty Set.
func NewSet() *Set {
	return &Set{gateways: make(map[types.GatewayID]Gateway)}
}

// Register attaches a gateway instance under its own ID. A Container
// constructs one gateway per supported ID regardless of whether any
// capability ever configures it; unconfigured gateways simply never
// reach Activated (PrepareActivate rejects them).
func (s *Set) Register(g Gateway) {
	s.gateways[g.ID()] = g
}

// Get returns the registered gateway for id, or nil if none was
// registered.
func (s *Set) Get(id types.GatewayID) Gateway {
	return s.gateways[id]
}

// Dispatch routes one capability's gateway configuration — the fragments
// for a single gateway ID — to the matching registered gateway's
// ReadConfigElement, one fragment at a time, in order.
func (s *Set) Dispatch(id types.GatewayID, fragments []json.RawMessage) error {
	g := s.gateways[id]
	if g == nil {
		return scerrors.GatewayConfig(scerrors.KindFieldMissing, "no gateway registered for id: "+string(id))
	}
	for _, frag := range fragments {
		if err := g.ReadConfigElement(frag); err != nil {
			return err
		}
	}
	return nil
}

// ActivateAll activates every gateway that received at least one config
// fragment, in the fixed order of spec §4.3
// (Environment -> Network -> Cgroups -> DeviceNode -> File -> D-Bus ->
// Pulse -> Wayland). On the first failure it rolls back every gateway
// already activated in this call, in reverse order, and returns the
// original error — matching SetCapabilities' catch-and-rollback contract
// (§7 Propagation policy).
func (s *Set) ActivateAll(ctx context.Context, c *container.Container) error {
	var activated []types.GatewayID

	for _, id := range types.ActivationOrder {
		g := s.gateways[id]
		if g == nil {
			continue
		}
		if g.State() != types.GatewayConfigured {
			// never configured by any capability: nothing to activate
			continue
		}
		if err := g.Activate(ctx, c); err != nil {
			for i := len(activated) - 1; i >= 0; i-- {
				if rg := s.gateways[activated[i]]; rg != nil {
					if tErr := rg.Teardown(ctx, c); tErr != nil {
						log.Logger.Warn().Str("gateway", string(activated[i])).Err(tErr).
							Msg("rollback teardown failed")
					}
				}
			}
			return err
		}
		activated = append(activated, id)
	}
	return nil
}

// TeardownAll tears down every activated gateway in reverse activation
// order, logging (but not failing on) per-gateway errors, matching
// destroy()'s best-effort-but-always-terminal contract.
func (s *Set) TeardownAll(ctx context.Context, c *container.Container) {
	for i := len(types.ActivationOrder) - 1; i >= 0; i-- {
		id := types.ActivationOrder[i]
		g := s.gateways[id]
		if g == nil || g.State() != types.GatewayActivated {
			continue
		}
		if err := g.Teardown(ctx, c); err != nil {
			log.Logger.Warn().Str("gateway", string(id)).Err(err).Msg("teardown failed")
		}
	}
}
