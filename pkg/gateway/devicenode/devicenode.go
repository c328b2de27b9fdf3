// Package devicenode implements the DeviceNode gateway (spec §4.6):
// accumulates `{name, mode?}` fragments, merging repeated configuration
// for the same device with a digit-wise-max permission union, then
// exposes each device node and applies its resolved mode on activation.
// Grounded on
// original_source/libsoftwarecontainer/src/gateway/devicenode/devicenodegateway.h
// ("activate() stops creating devices upon first failure", "isDeviceConfigured"),
// composed with pkg/container's ExecuteSync for the in-container chmod
// the original issued via its own FileToolkitWithUndo-derived helpers.
package devicenode

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/pelagicore/softwarecontainer/pkg/container"
	"github.com/pelagicore/softwarecontainer/pkg/gateway"
	"github.com/pelagicore/softwarecontainer/pkg/scerrors"
	"github.com/pelagicore/softwarecontainer/pkg/types"
)

type configElement struct {
	Name string  `json:"name"`
	Mode *string `json:"mode"`
}

type deviceState struct {
	mode      *string // nil = no mode requested yet, "default" handling
	configured bool   // true once the resolved mode has been applied
}

// Gateway is the DeviceNode gateway.
type Gateway struct {
	gateway.Base

	mu      sync.Mutex
	devices map[string]*deviceState
	order   []string
}

// New constructs an unconfigured DeviceNode gateway.
func New() *Gateway {
	return &Gateway{
		Base:    gateway.NewBase(types.GatewayDeviceNode),
		devices: make(map[string]*deviceState),
	}
}

// ReadConfigElement parses one {name, mode?} fragment and merges it into
// the accumulated per-device mode, taking the digit-wise maximum of any
// two modes configured for the same device (spec §4.6).
func (g *Gateway) ReadConfigElement(fragment json.RawMessage) error {
	var cfg configElement
	if err := json.Unmarshal(fragment, &cfg); err != nil {
		return scerrors.GatewayConfig(scerrors.KindFieldType, "devicenode: invalid fragment: "+err.Error())
	}
	if cfg.Name == "" {
		return scerrors.GatewayConfig(scerrors.KindFieldMissing, "devicenode: name is required")
	}
	if cfg.Mode != nil {
		if !isValidOctalMode(*cfg.Mode) {
			return scerrors.GatewayConfig(scerrors.KindValueOutOfRange, "devicenode: invalid mode: "+*cfg.Mode)
		}
	}

	g.mu.Lock()
	defer g.mu.Unlock()

	st, exists := g.devices[cfg.Name]
	if !exists {
		st = &deviceState{mode: cfg.Mode}
		g.devices[cfg.Name] = st
		g.order = append(g.order, cfg.Name)
	} else if cfg.Mode != nil {
		merged := *cfg.Mode
		if st.mode != nil {
			merged = unionMode(*st.mode, *cfg.Mode)
		}
		if st.mode == nil || merged != *st.mode {
			st.mode = &merged
			st.configured = false // target mode changed, may need to reapply
		}
	}

	g.MarkConfigured()
	return nil
}

// Activate exposes each configured device node and applies its resolved
// mode, in the order devices were first configured. Stops at the first
// failure, matching the original's documented behavior.
func (g *Gateway) Activate(ctx context.Context, c *container.Container) error {
	if err := g.PrepareActivate(); err != nil {
		return err
	}

	g.mu.Lock()
	order := append([]string(nil), g.order...)
	g.mu.Unlock()

	for _, name := range order {
		g.mu.Lock()
		st := g.devices[name]
		alreadyConfigured := st.configured
		mode := st.mode
		g.mu.Unlock()

		if alreadyConfigured {
			continue
		}

		if err := c.MountDevice(ctx, name); err != nil {
			return scerrors.GatewayActivation(scerrors.KindKernelCallFailed, "expose device node "+name, err)
		}

		if mode != nil {
			code, err := c.ExecuteSync(ctx, []string{"/bin/chmod", *mode, name}, nil)
			if err != nil || code != 0 {
				return scerrors.GatewayActivation(scerrors.KindKernelCallFailed,
					fmt.Sprintf("chmod %s %s", *mode, name), err)
			}
		}

		g.mu.Lock()
		st.configured = true
		g.mu.Unlock()
	}
	return nil
}

// Teardown is a no-op: device nodes are bind mounts torn down with the
// container's mount namespace.
func (g *Gateway) Teardown(ctx context.Context, c *container.Container) error {
	g.MarkTornDown()
	return nil
}

// isDeviceConfigured reports whether device has reached its target mode,
// mirroring the original's isDeviceConfigured query.
func (g *Gateway) isDeviceConfigured(name string) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	st, ok := g.devices[name]
	return ok && st.configured
}

func isValidOctalMode(mode string) bool {
	if len(mode) != 3 {
		return false
	}
	for _, c := range mode {
		if c < '0' || c > '7' {
			return false
		}
	}
	return true
}

// unionMode computes the digit-wise maximum of two three-digit octal
// permission modes (spec §4.6's "622 ∪ 755 → 755" example).
func unionMode(a, b string) string {
	out := make([]byte, 3)
	for i := 0; i < 3; i++ {
		da, db := a[i]-'0', b[i]-'0'
		if da > db {
			out[i] = a[i]
		} else {
			out[i] = b[i]
		}
	}
	return string(out)
}
