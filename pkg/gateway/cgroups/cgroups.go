// Package cgroups implements the Cgroups gateway (spec §4.5): accumulates
// `{setting, value}` pairs with whitelist-merge semantics — the more
// permissive value wins for known bounded resources, last-write-wins with
// a warning for anything else — then applies them through the container's
// live cgroup mutation on activation. Grounded on
// original_source/libsoftwarecontainer/src/gateway/cgroups/cgroupsgateway.cpp,
// whose readConfigElement/activateGateway this follows directly; the
// merge policy itself is new in this spec (the original applies settings
// as encountered, with no merge) and is implemented as described in
// spec.md §4.5.
package cgroups

import (
	"context"
	"encoding/json"
	"sort"
	"strconv"
	"strings"
	"sync"

	"github.com/pelagicore/softwarecontainer/pkg/container"
	"github.com/pelagicore/softwarecontainer/pkg/gateway"
	"github.com/pelagicore/softwarecontainer/pkg/log"
	"github.com/pelagicore/softwarecontainer/pkg/scerrors"
	"github.com/pelagicore/softwarecontainer/pkg/types"
)

// memoryLimitSetting is the one whitelisted bounded resource spec §4.5
// names explicitly: repeated configurations take the higher byte limit.
const memoryLimitSetting = "memory.limit_in_bytes"

type configElement struct {
	Setting string `json:"setting"`
	Value   string `json:"value"`
}

// Gateway is the Cgroups gateway.
type Gateway struct {
	gateway.Base

	mu       sync.Mutex
	settings map[string]string
	applied  []string // settings successfully applied this activation, in order
}

// New constructs an unconfigured Cgroups gateway.
func New() *Gateway {
	return &Gateway{
		Base:     gateway.NewBase(types.GatewayCgroups),
		settings: make(map[string]string),
	}
}

// ReadConfigElement parses one {setting, value} fragment and merges it
// into the accumulated settings per §4.5's whitelist policy.
func (g *Gateway) ReadConfigElement(fragment json.RawMessage) error {
	var cfg configElement
	if err := json.Unmarshal(fragment, &cfg); err != nil {
		return scerrors.GatewayConfig(scerrors.KindFieldType, "cgroups: invalid fragment: "+err.Error())
	}
	if cfg.Setting == "" {
		return scerrors.GatewayConfig(scerrors.KindFieldMissing, "cgroups: setting is required")
	}

	g.mu.Lock()
	defer g.mu.Unlock()

	existing, exists := g.settings[cfg.Setting]
	if !exists {
		g.settings[cfg.Setting] = cfg.Value
		g.MarkConfigured()
		return nil
	}

	if cfg.Setting == memoryLimitSetting {
		existingN, err1 := strconv.ParseInt(existing, 10, 64)
		newN, err2 := strconv.ParseInt(cfg.Value, 10, 64)
		if err1 != nil || err2 != nil {
			return scerrors.GatewayConfig(scerrors.KindFieldType, "cgroups: "+memoryLimitSetting+" must be an integer")
		}
		if newN > existingN {
			g.settings[cfg.Setting] = cfg.Value
		}
		g.MarkConfigured()
		return nil
	}

	log.Logger.Warn().Str("setting", cfg.Setting).Str("previous", existing).Str("new", cfg.Value).
		Msg("cgroups: unrecognised setting reconfigured, last write wins")
	g.settings[cfg.Setting] = cfg.Value
	g.MarkConfigured()
	return nil
}

// Activate applies every resolved setting to the container in sorted
// order (deterministic, not semantically significant). On the first
// failure, activation aborts; prior settings applied this call are left
// in place, since the driver surface exposes no queryable "default" value
// to restore — spec §4.5's "best-effort" reset is, for this driver, a
// best effort of zero, which is logged rather than silently pretended.
func (g *Gateway) Activate(ctx context.Context, c *container.Container) error {
	if err := g.PrepareActivate(); err != nil {
		return err
	}

	g.mu.Lock()
	keys := make([]string, 0, len(g.settings))
	for k := range g.settings {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	settings := g.settings
	g.mu.Unlock()

	for _, setting := range keys {
		subsystem, item, ok := splitSetting(setting)
		if !ok {
			return scerrors.GatewayConfig(scerrors.KindFieldType, "cgroups: malformed setting: "+setting)
		}
		if err := c.SetCgroupItem(ctx, subsystem, item, settings[setting]); err != nil {
			log.Logger.Warn().Str("setting", setting).Err(err).
				Msg("cgroups: activation aborted, previously applied settings left in place")
			return scerrors.GatewayActivation(scerrors.KindKernelCallFailed, "setCgroupItem "+setting, err)
		}
		g.applied = append(g.applied, setting)
	}
	return nil
}

// Teardown is a no-op: cgroup settings are scoped to the container's
// cgroup and vanish when it is destroyed, matching the original's
// teardownGateway (always succeeds, reverses nothing).
func (g *Gateway) Teardown(ctx context.Context, c *container.Container) error {
	g.MarkTornDown()
	return nil
}

func splitSetting(setting string) (subsystem, item string, ok bool) {
	i := strings.IndexByte(setting, '.')
	if i <= 0 || i == len(setting)-1 {
		return "", "", false
	}
	return setting[:i], setting[i+1:], true
}
