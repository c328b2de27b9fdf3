// Package file implements the File gateway: bind-mounts (or, when
// requested, symlinks) a host path into the container at a fixed
// destination, optionally exporting the in-container path through an
// environment variable. Grounded on
// original_source/libsoftwarecontainer/unit-test/filegateway_unittest.cpp
// (config field names path-host/path-container/read-only/create-symlink/
// env-var-name/env-var-prefix/env-var-suffix and the required-field
// rejections it exercises; the corresponding filegateway.cpp/.h were not
// present in the retrieved sources, so the mount path is built directly
// on pkg/container.BindMountInContainer — the teacher/spec's own,
// already-grounded bind-mount-move algorithm — rather than guessed at).
package file

import (
	"context"
	"encoding/json"

	"github.com/pelagicore/softwarecontainer/pkg/container"
	"github.com/pelagicore/softwarecontainer/pkg/gateway"
	"github.com/pelagicore/softwarecontainer/pkg/scerrors"
	"github.com/pelagicore/softwarecontainer/pkg/types"
)

type configElement struct {
	PathHost      string `json:"path-host"`
	PathContainer string `json:"path-container"`
	ReadOnly      bool   `json:"read-only"`
	CreateSymlink bool   `json:"create-symlink"`
	EnvVarName    string `json:"env-var-name"`
	EnvVarPrefix  string `json:"env-var-prefix"`
	EnvVarSuffix  string `json:"env-var-suffix"`
}

// Gateway is the File gateway.
type Gateway struct {
	gateway.Base

	entries []configElement
}

// New constructs an unconfigured File gateway.
func New() *Gateway {
	return &Gateway{Base: gateway.NewBase(types.GatewayFile)}
}

// ReadConfigElement parses one {path-host, path-container, ...} entry.
// path-host and path-container are always required, matching the
// original's TestActivateWithNoPathToHost/TestActivateWithNoPathInContainer
// rejections.
func (g *Gateway) ReadConfigElement(fragment json.RawMessage) error {
	var cfg configElement
	if err := json.Unmarshal(fragment, &cfg); err != nil {
		return scerrors.GatewayConfig(scerrors.KindFieldType, "file: invalid fragment: "+err.Error())
	}
	if cfg.PathHost == "" {
		return scerrors.GatewayConfig(scerrors.KindFieldMissing, "file: path-host is required")
	}
	if cfg.PathContainer == "" {
		return scerrors.GatewayConfig(scerrors.KindFieldMissing, "file: path-container is required")
	}

	g.entries = append(g.entries, cfg)
	g.MarkConfigured()
	return nil
}

// Activate bind-mounts (or symlinks) every configured entry into the
// container, in configuration order, and sets any requested export
// variable once the path is in place.
func (g *Gateway) Activate(ctx context.Context, c *container.Container) error {
	if err := g.PrepareActivate(); err != nil {
		return err
	}

	for _, e := range g.entries {
		if e.CreateSymlink {
			// A symlink to a host path only resolves inside the container
			// if that path is independently reachable there (e.g. a base
			// image path shared verbatim, or a prior File entry already
			// bind-mounted it); this gateway only creates the link.
			if code, err := c.ExecuteSync(ctx, []string{"/bin/ln", "-s", e.PathHost, e.PathContainer}, nil); err != nil || code != 0 {
				return scerrors.GatewayActivation(scerrors.KindKernelCallFailed, "symlink "+e.PathContainer, err)
			}
		} else {
			if err := c.BindMountInContainer(ctx, e.PathHost, e.PathContainer, e.ReadOnly); err != nil {
				return scerrors.GatewayActivation(scerrors.KindMountFailed, "bind mount "+e.PathContainer, err)
			}
		}

		if e.EnvVarName != "" {
			if err := c.SetEnvironmentVariable(e.EnvVarName, e.EnvVarPrefix+e.PathContainer+e.EnvVarSuffix); err != nil {
				return scerrors.GatewayActivation(scerrors.KindKernelCallFailed, "export "+e.EnvVarName, err)
			}
		}
	}

	return nil
}

// Teardown is a no-op: bind mounts and symlinks are torn down with the
// container's mount namespace, the same as the DeviceNode gateway.
func (g *Gateway) Teardown(ctx context.Context, c *container.Container) error {
	g.MarkTornDown()
	return nil
}
