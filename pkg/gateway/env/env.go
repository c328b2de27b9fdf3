// Package env implements the Environment gateway (spec §4.7): accumulates
// named variable assignments with set/append/prepend merge semantics and
// applies them to the container's environment on activation. Grounded on
// original_source/libsoftwarecontainer/src/gateway/environment/envgateway.cpp,
// generalized from its single-assignment "last write wins" model to the
// standardised mode-based merge spec.md §4.7 requires (the spec explicitly
// resolves the Open Question between the two historical variants in favor
// of the `mode` string and requires rejecting unknown modes rather than
// defaulting).
package env

import (
	"context"
	"encoding/json"
	"strings"
	"sync"

	"github.com/pelagicore/softwarecontainer/pkg/container"
	"github.com/pelagicore/softwarecontainer/pkg/gateway"
	"github.com/pelagicore/softwarecontainer/pkg/log"
	"github.com/pelagicore/softwarecontainer/pkg/scerrors"
	"github.com/pelagicore/softwarecontainer/pkg/types"
)

// configElement is one fragment of the Environment gateway's configuration.
type configElement struct {
	Name      string `json:"name"`
	Value     string `json:"value"`
	Mode      string `json:"mode"`
	Separator string `json:"separator"`
}

// Gateway is the Environment gateway.
type Gateway struct {
	gateway.Base

	mu     sync.Mutex
	values map[string]string
}

// New constructs an unconfigured Environment gateway.
func New() *Gateway {
	return &Gateway{
		Base:   gateway.NewBase(types.GatewayEnv),
		values: make(map[string]string),
	}
}

// ReadConfigElement parses one {name, value, mode?, separator?} fragment
// and merges it into the accumulated variable set per §4.7's mode rules.
func (g *Gateway) ReadConfigElement(fragment json.RawMessage) error {
	var cfg configElement
	if err := json.Unmarshal(fragment, &cfg); err != nil {
		return scerrors.GatewayConfig(scerrors.KindFieldType, "env: invalid fragment: "+err.Error())
	}
	if cfg.Name == "" {
		return scerrors.GatewayConfig(scerrors.KindFieldMissing, "env: name is required")
	}

	mode := strings.ToLower(cfg.Mode)
	if mode == "" {
		mode = "set"
	}

	g.mu.Lock()
	defer g.mu.Unlock()

	existing, exists := g.values[cfg.Name]

	switch mode {
	case "set":
		if exists {
			return scerrors.GatewayConfig(scerrors.KindConflictWithExisting,
				"env: variable already set: "+cfg.Name)
		}
		g.values[cfg.Name] = cfg.Value
	case "append":
		if !exists {
			log.Logger.Info().Str("variable", cfg.Name).Msg("env: append on unset variable, creating it")
			g.values[cfg.Name] = cfg.Value
		} else {
			g.values[cfg.Name] = existing + cfg.Separator + cfg.Value
		}
	case "prepend":
		if !exists {
			log.Logger.Info().Str("variable", cfg.Name).Msg("env: prepend on unset variable, creating it")
			g.values[cfg.Name] = cfg.Value
		} else {
			g.values[cfg.Name] = cfg.Value + cfg.Separator + existing
		}
	default:
		return scerrors.GatewayConfig(scerrors.KindFieldType, "env: unknown mode: "+cfg.Mode)
	}

	g.MarkConfigured()
	return nil
}

// Activate applies every accumulated variable to the container.
func (g *Gateway) Activate(ctx context.Context, c *container.Container) error {
	if err := g.PrepareActivate(); err != nil {
		return err
	}

	g.mu.Lock()
	values := make(map[string]string, len(g.values))
	for k, v := range g.values {
		values[k] = v
	}
	g.mu.Unlock()

	for name, value := range values {
		if err := c.SetEnvironmentVariable(name, value); err != nil {
			return scerrors.GatewayActivation(scerrors.KindKernelCallFailed, "setenv "+name, err)
		}
	}
	return nil
}

// Teardown is a no-op: environment variables live for the container's
// lifetime and are torn down with it, matching the original's
// teardownGateway, which always succeeds without reversing anything.
func (g *Gateway) Teardown(ctx context.Context, c *container.Container) error {
	g.MarkTornDown()
	return nil
}
