// Package container implements the Container lifecycle state machine
// (C5): Default -> Prepared -> Created -> Started -> (Frozen <-> Started)
// -> Destroyed. It composes pkg/containerdriver (the OS container
// primitive), pkg/fsutil (bind mounts, overlays, directory bookkeeping),
// and pkg/cleanup (LIFO rollback) the way the teacher's pkg/worker.Worker
// holds a *runtime.ContainerdRuntime plus handler sub-structs as fields —
// generalized from Warren's one-shot service model to SoftwareContainer's
// richer prepare/create/start/suspend/resume/shutdown/destroy lifecycle,
// and grounded on the original C++ Container class
// (libsoftwarecontainer/src/container.cpp).
package container

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/pelagicore/softwarecontainer/pkg/cleanup"
	"github.com/pelagicore/softwarecontainer/pkg/containerdriver"
	"github.com/pelagicore/softwarecontainer/pkg/fsutil"
	"github.com/pelagicore/softwarecontainer/pkg/log"
	"github.com/pelagicore/softwarecontainer/pkg/scerrors"
	"github.com/pelagicore/softwarecontainer/pkg/types"
)

// gatewaysDirInContainer is the fixed path, inside every container, that
// gateways bind-mount their resources through before the mount is moved
// to its final destination (spec §4.1's bindMountInContainer).
const gatewaysDirInContainer = "/gateways"

// blockingInitArgs is the init process SoftwareContainer starts every
// container with. It blocks indefinitely so the container's lifetime is
// controlled entirely by attach/exec, matching the original's
// "env /bin/sleep <huge-number>" init process.
var blockingInitArgs = []string{"/bin/sleep", "infinity"}

// Config configures a single Container. It is the Go-native analogue of
// the original ContainerOptions bundle the Container constructor takes.
type Config struct {
	ID                 string
	Prefix             string
	RootFS             string
	WriteBufferEnabled bool
	ShutdownTimeout    time.Duration
}

// Container is one supervised container instance.
type Container struct {
	cfg Config

	mu    sync.Mutex
	state types.ContainerState

	driver *containerdriver.Driver
	fs     *fsutil.Toolkit
	stack  *cleanup.Stack

	containerRoot string // host-side scratch dir holding gateways/ and any overlay dirs
	rootFSPath    string // path actually handed to the driver as the container's rootfs
	pid           uint32 // init process pid once Started, backs NetNSPath

	gatewayEnv map[string]string
}

// New constructs a Container in the Default state. Nothing is created on
// disk or in the driver until Initialize/Create are called.
func New(cfg Config, driver *containerdriver.Driver) *Container {
	if cfg.ShutdownTimeout == 0 {
		cfg.ShutdownTimeout = 2 * time.Second
	}
	stack := cleanup.New()
	return &Container{
		cfg:        cfg,
		driver:     driver,
		fs:         fsutil.New(stack),
		stack:      stack,
		gatewayEnv: make(map[string]string),
		state:      types.ContainerStateDefault,
	}
}

// ID returns the container's identifier.
func (c *Container) ID() string { return c.cfg.ID }

// State returns the container's current lifecycle state.
func (c *Container) State() types.ContainerState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// gatewaysDir is the on-host path of the gateways staging directory,
// buildPath(containerRoot, GATEWAYS_PATH) in the original.
func (c *Container) gatewaysDir() string {
	return filepath.Join(c.containerRoot, gatewaysDirInContainer)
}

// GatewaysDir exposes the on-host gateways staging directory to gateways
// that need a path to create something in before it is bind-mounted in
// (the D-Bus gateway's proxy socket). Valid once Initialize has run.
func (c *Container) GatewaysDir() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.gatewaysDir()
}

// Initialize prepares the on-host scratch area for the container: the
// gateways staging directory and a shared mount point so that mounts
// created under it propagate the way bind-mount-move requires. It is
// idempotent once the container has reached Prepared, matching the
// original initialize()'s early-return for a container already past
// PREPARED.
func (c *Container) Initialize() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.state.Rank() >= types.ContainerStatePrepared.Rank() {
		return nil
	}

	root, err := os.MkdirTemp("", c.cfg.Prefix+c.cfg.ID+"-")
	if err != nil {
		return scerrors.Container(scerrors.KindPrecondition, "create container root", err)
	}
	c.containerRoot = root

	if err := c.fs.CreateDirectory(c.gatewaysDir()); err != nil {
		return scerrors.Container(scerrors.KindPrecondition, "create gateways dir", err)
	}

	if err := c.fs.CreateSharedMountPoint(c.containerRoot); err != nil {
		return scerrors.Container(scerrors.KindPrecondition, "mark container root shared", err)
	}

	c.state = types.ContainerStatePrepared
	return nil
}

// Create builds the container's rootfs (through an overlay write buffer
// when WriteBufferEnabled) and asks the driver to create it with a
// blocking init process. On any failure it rolls back everything it did
// in this call via the cleanup stack, matching rollbackCreate().
func (c *Container) Create(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.state != types.ContainerStatePrepared {
		return scerrors.Container(scerrors.KindStateMismatch, "create requires Prepared state", nil)
	}

	mark := c.stack.Len()

	c.rootFSPath = c.cfg.RootFS
	if c.cfg.WriteBufferEnabled {
		upper := filepath.Join(c.containerRoot, "upper")
		work := filepath.Join(c.containerRoot, "work")
		merged := filepath.Join(c.containerRoot, "merged")
		if err := c.fs.OverlayMount(c.cfg.RootFS, upper, work, merged); err != nil {
			c.stack.DrainFrom(mark)
			return scerrors.Container(scerrors.KindMountFailed, "overlay rootfs", err)
		}
		c.rootFSPath = merged
	}

	err := c.driver.Create(ctx, c.cfg.ID, containerdriver.Spec{
		RootFS:     c.rootFSPath,
		Entrypoint: blockingInitArgs,
	})
	if err != nil {
		c.stack.DrainFrom(mark)
		return err
	}

	c.state = types.ContainerStateCreated
	return nil
}

// Start starts the container's task and waits, bounded by timeout, for
// it to report running.
func (c *Container) Start(ctx context.Context, timeout time.Duration) (uint32, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.state != types.ContainerStateCreated {
		return 0, scerrors.Container(scerrors.KindStateMismatch, "start requires Created state", nil)
	}

	pid, err := c.driver.Start(ctx, c.cfg.ID, timeout)
	if err != nil {
		return 0, err
	}

	c.pid = pid
	c.state = types.ContainerStateStarted
	return pid, nil
}

// NetNSPath returns the /proc/<pid>/ns/net path of the container's
// network namespace. Valid only once Start has returned successfully;
// the Network gateway uses this instead of a named namespace since
// containerd does not register one under /var/run/netns.
func (c *Container) NetNSPath() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return fmt.Sprintf("/proc/%d/ns/net", c.pid)
}

// Suspend freezes a running container (Started -> Frozen).
func (c *Container) Suspend(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.state != types.ContainerStateStarted {
		return scerrors.Container(scerrors.KindStateMismatch, "suspend requires Started state", nil)
	}
	if err := c.driver.Pause(ctx, c.cfg.ID); err != nil {
		return err
	}
	c.state = types.ContainerStateFrozen
	return nil
}

// Resume thaws a previously suspended container (Frozen -> Started).
func (c *Container) Resume(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.state != types.ContainerStateFrozen {
		return scerrors.Container(scerrors.KindStateMismatch, "resume requires Frozen state", nil)
	}
	if err := c.driver.Resume(ctx, c.cfg.ID); err != nil {
		return err
	}
	c.state = types.ContainerStateStarted
	return nil
}

// Shutdown sends SIGTERM to the container's init process and waits up to
// timeout for a clean exit before force-killing, mirroring shutdown().
// On success the container returns to Created, ready for Destroy or a
// fresh Start.
func (c *Container) Shutdown(ctx context.Context, timeout time.Duration) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.shutdownLocked(ctx, timeout)
}

func (c *Container) shutdownLocked(ctx context.Context, timeout time.Duration) error {
	if c.state.Rank() < types.ContainerStateStarted.Rank() {
		return scerrors.Container(scerrors.KindStateMismatch, "shutdown requires a started container", nil)
	}
	if timeout == 0 {
		timeout = c.cfg.ShutdownTimeout
	}
	if err := c.driver.Stop(ctx, c.cfg.ID, timeout); err != nil {
		return err
	}
	c.state = types.ContainerStateCreated
	return nil
}

// Destroy tears the container down completely: shutting it down first if
// still running, unwinding every bind mount, overlay, and scratch
// directory created since Initialize, and asking the driver to delete
// the container and its snapshot. Destroy is best-effort past the point
// of shutdown, matching destroy()'s "always leaves DESTROYED" contract.
func (c *Container) Destroy(ctx context.Context, timeout time.Duration) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.state.Rank() < types.ContainerStateCreated.Rank() {
		return scerrors.Container(scerrors.KindStateMismatch, "destroy requires a created container", nil)
	}

	if c.state.Rank() >= types.ContainerStateStarted.Rank() {
		if err := c.shutdownLocked(ctx, timeout); err != nil {
			log.Logger.Warn().Str("container", c.cfg.ID).Err(err).
				Msg("shutdown failed during destroy, forcing ahead")
		}
	}

	if err := c.driver.Destroy(ctx, c.cfg.ID); err != nil {
		log.Logger.Warn().Str("container", c.cfg.ID).Err(err).Msg("driver destroy failed")
	}

	if ok := c.stack.Drain(); !ok {
		log.Logger.Warn().Str("container", c.cfg.ID).Msg("some cleanup handlers failed during destroy")
	}

	c.state = types.ContainerStateDestroyed
	return nil
}

// SetEnvironmentVariable records an environment variable to be passed to
// every subsequent exec in the container, and refreshes the
// gateways/env convenience file gateways write their exports into.
func (c *Container) SetEnvironmentVariable(name, value string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.state.Rank() < types.ContainerStateCreated.Rank() {
		return scerrors.Container(scerrors.KindStateMismatch, "setenv requires a created container", nil)
	}

	c.gatewayEnv[name] = value

	var buf []byte
	for k, v := range c.gatewayEnv {
		buf = append(buf, []byte(fmt.Sprintf("export %s='%s'\n", k, v))...)
	}
	return c.fs.WriteToFile(filepath.Join(c.gatewaysDir(), "env"), buf)
}

// SetCgroupItem applies a live cgroup setting to the running container,
// delegating to the driver.
func (c *Container) SetCgroupItem(ctx context.Context, subsystem, item, value string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state.Rank() < types.ContainerStateCreated.Rank() {
		return scerrors.Container(scerrors.KindStateMismatch, "setCgroupItem requires a created container", nil)
	}
	return c.driver.SetCgroupItem(ctx, c.cfg.ID, subsystem, item, value)
}

// PushCleanup registers h on the container's own LIFO cleanup stack, so
// it runs alongside the container's own rollback/teardown handlers.
// Gateways use this for side effects (the Network gateway's namespace
// bring-up and address assignment) that must be unwound either on a
// failed Activate or when the container itself is destroyed.
func (c *Container) PushCleanup(h cleanup.Handler) {
	c.stack.Push(h)
}

// CleanupMark returns the current depth of the container's cleanup
// stack, for a gateway to later pass to CleanupDrainFrom and roll back
// only the handlers it pushed during one Activate call.
func (c *Container) CleanupMark() int {
	return c.stack.Len()
}

// CleanupDrainFrom unwinds the container's cleanup stack back to mark.
func (c *Container) CleanupDrainFrom(mark int) bool {
	return c.stack.DrainFrom(mark)
}

// MountDevice exposes a host device node inside the container at the
// same path, combining the driver-level device exposure with the same
// bind-mount-move path any other host resource takes.
func (c *Container) MountDevice(ctx context.Context, hostPath string) error {
	if err := c.driver.ExposeDeviceNode(ctx, c.cfg.ID, hostPath); err != nil {
		return err
	}
	return c.BindMountInContainer(ctx, hostPath, hostPath, false)
}

// Execute starts args as a new, non-blocking process inside the
// container, merging the gateway-accumulated environment with env
// (per-call values win, logging when they shadow a gateway value), and
// returns a handle the caller can Wait on — the PID-returning half of
// the original's execute() (spec §4.1). The Agent Core launches jobs
// through Launch, not Execute.
func (c *Container) Execute(ctx context.Context, args []string, env []string) (*containerdriver.ExecProcess, error) {
	c.mu.Lock()
	if c.state.Rank() < types.ContainerStateStarted.Rank() {
		c.mu.Unlock()
		return nil, scerrors.Container(scerrors.KindStateMismatch, "execute requires a started container", nil)
	}
	actualEnv := c.mergeGatewayEnvLocked(env)
	c.mu.Unlock()

	return c.driver.Execute(ctx, c.cfg.ID, args, actualEnv)
}

// Launch behaves like Execute but honors a working directory, a numeric
// uid/gid, and stdio streams — the general form the Agent Core's launch
// operation needs (spec §4.10's cmdline/user/cwd/out_file/env
// parameters), which Execute's fixed root-cwd/NullIO shortcut doesn't
// cover.
func (c *Container) Launch(ctx context.Context, args []string, env []string, opts containerdriver.ExecOptions) (*containerdriver.ExecProcess, error) {
	c.mu.Lock()
	if c.state.Rank() < types.ContainerStateStarted.Rank() {
		c.mu.Unlock()
		return nil, scerrors.Container(scerrors.KindStateMismatch, "execute requires a started container", nil)
	}
	actualEnv := c.mergeGatewayEnvLocked(env)
	c.mu.Unlock()

	return c.driver.ExecuteWithOptions(ctx, c.cfg.ID, args, actualEnv, opts)
}

// ExecuteSync runs args inside the container and blocks for its exit,
// returning the exit code — the original's executeSync(), used by
// gateways that need a synchronous in-container command (e.g. chmod for
// DeviceNode). Bind-mount staging calls the driver's ExecuteSync directly.
func (c *Container) ExecuteSync(ctx context.Context, args []string, env []string) (int, error) {
	c.mu.Lock()
	if c.state.Rank() < types.ContainerStateStarted.Rank() {
		c.mu.Unlock()
		return -1, scerrors.Container(scerrors.KindStateMismatch, "executeSync requires a started container", nil)
	}
	actualEnv := c.mergeGatewayEnvLocked(env)
	c.mu.Unlock()

	return c.driver.ExecuteSync(ctx, c.cfg.ID, args, actualEnv)
}

// mergeGatewayEnvLocked combines the gateway-set environment with
// per-call overrides, logging when a call value shadows a gateway value
// (spec §4.1's execute() environment-merge note). c.mu must be held.
func (c *Container) mergeGatewayEnvLocked(callEnv []string) []string {
	merged := make(map[string]string, len(c.gatewayEnv)+len(callEnv))
	for k, v := range c.gatewayEnv {
		merged[k] = v
	}
	for _, kv := range callEnv {
		parts := strings.SplitN(kv, "=", 2)
		if len(parts) != 2 {
			continue
		}
		if gw, ok := c.gatewayEnv[parts[0]]; ok && gw != parts[1] {
			log.Logger.Info().Str("variable", parts[0]).Str("gateway_value", gw).Str("call_value", parts[1]).
				Msg("per-call environment value overrides gateway-set value")
		}
		merged[parts[0]] = parts[1]
	}

	out := make([]string, 0, len(merged))
	for k, v := range merged {
		out = append(out, k+"="+v)
	}
	return out
}

// BindMountInContainer bind-mounts pathInHost into the container at
// pathInContainer. It stages the mount under the gateways directory
// first, then moves it to its final destination with mount --move,
// matching bindMountCore's host-side-staging-then-move algorithm — the
// original avoided doing unnecessary work inside the container's
// namespace, and the same staging lets cleanup unwind a partially
// completed mount without ever having entered the container.
func (c *Container) BindMountInContainer(ctx context.Context, pathInHost, pathInContainer string, readOnly bool) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.state.Rank() < types.ContainerStateStarted.Rank() {
		return scerrors.Container(scerrors.KindStateMismatch, "bind mount requires a started container", nil)
	}
	if !filepath.IsAbs(pathInContainer) {
		return scerrors.GatewayConfig(scerrors.KindPathInvalid, "path in container must be absolute: "+pathInContainer)
	}

	hostInfo, err := os.Stat(pathInHost)
	if err != nil {
		return scerrors.GatewayConfig(scerrors.KindPathInvalid, "path on host does not exist: "+pathInHost)
	}

	code, err := c.driver.ExecuteSync(ctx, c.cfg.ID,
		[]string{"/bin/grep", "-qs", " " + pathInContainer + " ", "/proc/mounts"}, nil)
	if err == nil && code == 0 {
		return scerrors.Container(scerrors.KindConflictWithExisting, pathInContainer+" is already mounted to", nil)
	}

	mark := c.stack.Len()

	filePart := filepath.Base(pathInContainer)
	tempPath := filepath.Join(c.gatewaysDir(), filePart)

	if hostInfo.IsDir() {
		if err := c.fs.CreateDirectory(tempPath); err != nil {
			return scerrors.Container(scerrors.KindPrecondition, "stage bind mount dir", err)
		}
	} else {
		if err := c.fs.WriteToFile(tempPath, nil); err != nil {
			return scerrors.Container(scerrors.KindPrecondition, "stage bind mount file", err)
		}
	}

	if err := c.fs.BindMount(pathInHost, tempPath, c.containerRoot, readOnly, c.cfg.WriteBufferEnabled); err != nil {
		c.stack.DrainFrom(mark)
		return scerrors.Container(scerrors.KindMountFailed, "bind mount "+pathInHost+" to "+tempPath, err)
	}

	tempDirInContainer := filepath.Join(gatewaysDirInContainer, filePart)
	if tempDirInContainer != pathInContainer {
		parent := filepath.Dir(pathInContainer)
		if code, err := c.driver.ExecuteSync(ctx, c.cfg.ID, []string{"/bin/mkdir", "-p", parent}, nil); err != nil || code != 0 {
			c.stack.DrainFrom(mark)
			return scerrors.Container(scerrors.KindPrecondition, "create parent dir in container: "+parent, err)
		}

		if hostInfo.IsDir() {
			if code, err := c.driver.ExecuteSync(ctx, c.cfg.ID, []string{"/bin/mkdir", "-p", pathInContainer}, nil); err != nil || code != 0 {
				c.stack.DrainFrom(mark)
				return scerrors.Container(scerrors.KindPrecondition, "create target dir in container: "+pathInContainer, err)
			}
		} else {
			if code, err := c.driver.ExecuteSync(ctx, c.cfg.ID, []string{"/usr/bin/touch", pathInContainer}, nil); err != nil || code != 0 {
				c.stack.DrainFrom(mark)
				return scerrors.Container(scerrors.KindPrecondition, "touch target file in container: "+pathInContainer, err)
			}
		}

		if code, err := c.driver.ExecuteSync(ctx, c.cfg.ID,
			[]string{"/bin/mount", "--move", tempDirInContainer, pathInContainer}, nil); err != nil || code != 0 {
			c.stack.DrainFrom(mark)
			return scerrors.Container(scerrors.KindMountFailed, "move mount to "+pathInContainer, err)
		}
	}

	if readOnly && !c.cfg.WriteBufferEnabled {
		if code, err := c.driver.ExecuteSync(ctx, c.cfg.ID,
			[]string{"/bin/mount", "-o", "remount,ro,bind", pathInContainer, pathInContainer}, nil); err != nil || code != 0 {
			c.stack.DrainFrom(mark)
			return scerrors.Container(scerrors.KindMountFailed, "remount read-only "+pathInContainer, err)
		}
	}

	return nil
}
