// Package dbus implements the D-Bus gateway (spec §4.8): two independent
// sub-configurations (session and system), each proxied by an external
// dbus-proxy subprocess that exposes a Unix-domain socket the container
// reaches over a bind mount, with the corresponding bus-address
// environment variable pointed at it. Grounded on
// original_source/libpelagicontain/src/dbusgateway.cpp (socket naming,
// readConfigElement's session/system array accumulation, activate's
// popen-style spawn + stdin config write + isSocketCreated poll,
// teardown's SIGTERM-then-unlink), with the subprocess supervision
// re-expressed in the teacher's pkg/embedded/containerd.go idiom
// (exec.CommandContext, Start, bounded readiness poll, SIGTERM with a
// forced-kill fallback) instead of raw fork/execl/popen.
package dbus

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"sync"
	"syscall"
	"time"

	"github.com/pelagicore/softwarecontainer/pkg/cleanup"
	"github.com/pelagicore/softwarecontainer/pkg/container"
	"github.com/pelagicore/softwarecontainer/pkg/gateway"
	"github.com/pelagicore/softwarecontainer/pkg/log"
	"github.com/pelagicore/softwarecontainer/pkg/scerrors"
	"github.com/pelagicore/softwarecontainer/pkg/types"
)

const (
	sessionConfigKey = "dbus-gateway-config-session"
	systemConfigKey  = "dbus-gateway-config-system"

	socketPollInterval = 10 * time.Millisecond
	socketPollTimeout  = 10 * time.Second
)

type busType int

const (
	sessionBus busType = iota
	systemBus
)

func (b busType) envVar() string {
	if b == sessionBus {
		return "DBUS_SESSION_BUS_ADDRESS"
	}
	return "DBUS_SYSTEM_BUS_ADDRESS"
}

func (b busType) arg() string {
	if b == sessionBus {
		return "session"
	}
	return "system"
}

func (b busType) socketPrefix() string {
	if b == sessionBus {
		return "sess_"
	}
	return "sys_"
}

// proxiedBus is the runtime state of one spawned dbus-proxy instance.
type proxiedBus struct {
	kind       busType
	rawConfig  []json.RawMessage
	cmd        *exec.Cmd
	socketPath string
}

// Gateway is the D-Bus gateway. It drives at most two proxied buses
// (session, system); at least one must receive configuration before
// Activate is permitted.
type Gateway struct {
	gateway.Base

	gatewaysDir string
	name        string

	mu      sync.Mutex
	session *proxiedBus
	system  *proxiedBus
}

// New constructs an unconfigured D-Bus gateway. gatewaysDir is the
// container's host-visible gateway directory (where sockets are
// staged before being bind-mounted in); name disambiguates sockets
// when multiple containers share a host directory layout.
func New(gatewaysDir, name string) *Gateway {
	return &Gateway{
		Base:        gateway.NewBase(types.GatewayDBus),
		gatewaysDir: gatewaysDir,
		name:        name,
	}
}

// fragment is the JSON object shape spec §4.8 describes: an object with
// optional arrays under the session/system keys, one array element per
// opaque proxy rule.
type fragment struct {
	Session []json.RawMessage `json:"dbus-gateway-config-session"`
	System  []json.RawMessage `json:"dbus-gateway-config-system"`
}

// ReadConfigElement accumulates the session and/or system rule arrays.
// At least one of the two must be non-empty: a fragment whose arrays are
// both absent or empty is rejected here with FieldMissing.
func (g *Gateway) ReadConfigElement(frag json.RawMessage) error {
	var f fragment
	if err := json.Unmarshal(frag, &f); err != nil {
		return scerrors.GatewayConfig(scerrors.KindFieldType, "dbus: invalid fragment: "+err.Error())
	}
	if len(f.Session) == 0 && len(f.System) == 0 {
		return scerrors.GatewayConfig(scerrors.KindFieldMissing,
			"dbus: fragment must set "+sessionConfigKey+" and/or "+systemConfigKey)
	}

	g.mu.Lock()
	defer g.mu.Unlock()

	if len(f.Session) > 0 {
		if g.session == nil {
			g.session = &proxiedBus{kind: sessionBus}
		}
		g.session.rawConfig = append(g.session.rawConfig, f.Session...)
	}
	if len(f.System) > 0 {
		if g.system == nil {
			g.system = &proxiedBus{kind: systemBus}
		}
		g.system.rawConfig = append(g.system.rawConfig, f.System...)
	}

	g.MarkConfigured()
	return nil
}

// Activate spawns one dbus-proxy subprocess per configured bus type,
// each given its own Unix socket under the gateway directory, waits for
// the socket to appear, registers cleanup for the process and the
// socket, and points the corresponding DBUS_*_BUS_ADDRESS variable at the
// in-container mount of that socket.
func (g *Gateway) Activate(ctx context.Context, c *container.Container) error {
	if err := g.PrepareActivate(); err != nil {
		return err
	}

	g.mu.Lock()
	buses := make([]*proxiedBus, 0, 2)
	if g.session != nil {
		buses = append(buses, g.session)
	}
	if g.system != nil {
		buses = append(buses, g.system)
	}
	g.mu.Unlock()

	for _, b := range buses {
		if err := g.activateBus(ctx, c, b); err != nil {
			return err
		}
	}
	return nil
}

func (g *Gateway) activateBus(ctx context.Context, c *container.Container, b *proxiedBus) error {
	socketName := b.kind.socketPrefix() + g.name + ".sock"
	b.socketPath = filepath.Join(g.gatewaysDir, socketName)

	configJSON, err := buildProxyConfig(b)
	if err != nil {
		return scerrors.GatewayActivation(scerrors.KindFieldType, "dbus: build proxy config", err)
	}

	cmd := exec.CommandContext(ctx, "dbus-proxy", b.socketPath, b.kind.arg())
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	stdin, err := cmd.StdinPipe()
	if err != nil {
		return scerrors.GatewayActivation(scerrors.KindKernelCallFailed, "dbus: open dbus-proxy stdin", err)
	}

	if err := cmd.Start(); err != nil {
		return scerrors.GatewayActivation(scerrors.KindHostResourceUnavailable, "dbus: spawn dbus-proxy", err)
	}
	b.cmd = cmd

	if _, err := stdin.Write(configJSON); err != nil {
		g.killProxy(b)
		return scerrors.GatewayActivation(scerrors.KindKernelCallFailed, "dbus: write dbus-proxy config", err)
	}
	stdin.Close()

	if err := waitForSocket(ctx, b.socketPath, socketPollTimeout); err != nil {
		g.killProxy(b)
		return scerrors.GatewayActivation(scerrors.KindTimeout, "dbus: socket never appeared at "+b.socketPath, err)
	}

	c.PushCleanup(proxyTerminateHandler{g: g, bus: b})
	c.PushCleanup(cleanup.FileUnlink{Path: b.socketPath})

	inContainerPath := filepath.Join("/gateways", socketName)
	value := fmt.Sprintf("unix:path=%s", inContainerPath)
	if err := c.SetEnvironmentVariable(b.kind.envVar(), value); err != nil {
		return scerrors.GatewayActivation(scerrors.KindKernelCallFailed, "dbus: set "+b.kind.envVar(), err)
	}

	return nil
}

// buildProxyConfig reassembles the accumulated rule arrays into the
// single JSON object dbus-proxy expects on stdin, the Go equivalent of
// the original's hand-built "{...}" string concatenation.
func buildProxyConfig(b *proxiedBus) ([]byte, error) {
	payload := map[string][]json.RawMessage{}
	switch b.kind {
	case sessionBus:
		payload[sessionConfigKey] = b.rawConfig
		payload[systemConfigKey] = []json.RawMessage{}
	case systemBus:
		payload[systemConfigKey] = b.rawConfig
		payload[sessionConfigKey] = []json.RawMessage{}
	}
	return json.Marshal(payload)
}

// waitForSocket polls for path to exist, bounded by timeout, mirroring
// the original's isSocketCreated busy-wait but yielding to ctx
// cancellation and a ticker instead of a raw usleep loop.
func waitForSocket(ctx context.Context, path string, timeout time.Duration) error {
	deadline := time.Now().Add(timeout)
	ticker := time.NewTicker(socketPollInterval)
	defer ticker.Stop()

	for {
		if _, err := os.Stat(path); err == nil {
			return nil
		}
		if time.Now().After(deadline) {
			return fmt.Errorf("timed out waiting for %s", path)
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// killProxy terminates a spawned dbus-proxy's whole process group
// (Setpgid above groups any children dbus-proxy itself forks), the
// teacher's SIGTERM-then-force-kill idiom from
// pkg/embedded/containerd.go's Stop.
func (g *Gateway) killProxy(b *proxiedBus) {
	if b.cmd == nil || b.cmd.Process == nil {
		return
	}
	pgid := b.cmd.Process.Pid
	if err := syscall.Kill(-pgid, syscall.SIGTERM); err != nil {
		log.Logger.Warn().Err(err).Int("pid", pgid).Msg("dbus-proxy SIGTERM failed")
	}
	done := make(chan error, 1)
	go func() { done <- b.cmd.Wait() }()
	select {
	case <-time.After(2 * time.Second):
		syscall.Kill(-pgid, syscall.SIGKILL)
		<-done
	case <-done:
	}
}

// proxyTerminateHandler is the cleanup.Handler for one spawned dbus-proxy.
type proxyTerminateHandler struct {
	g   *Gateway
	bus *proxiedBus
}

func (h proxyTerminateHandler) Clean() error {
	h.g.killProxy(h.bus)
	return nil
}
func (h proxyTerminateHandler) Name() string { return "" }

// Teardown terminates both proxies and unlinks their sockets; the
// per-bus cleanup handlers registered in Activate already do this when
// driven through the Cleanup Stack, so Teardown only needs to run for a
// gateway torn down independently of container destroy.
func (g *Gateway) Teardown(ctx context.Context, c *container.Container) error {
	g.mu.Lock()
	buses := make([]*proxiedBus, 0, 2)
	if g.session != nil {
		buses = append(buses, g.session)
	}
	if g.system != nil {
		buses = append(buses, g.system)
	}
	g.mu.Unlock()

	for _, b := range buses {
		g.killProxy(b)
		if b.socketPath != "" {
			if err := os.Remove(b.socketPath); err != nil && !os.IsNotExist(err) {
				log.Logger.Warn().Err(err).Str("socket", b.socketPath).Msg("failed to remove dbus socket")
			}
		}
	}

	g.MarkTornDown()
	return nil
}
