// Package containerdriver implements the Container Driver (C4): a thin
// adapter over the underlying OS container primitive — create, start,
// attach, freeze/thaw, stop, destroy — plus live cgroup mutation for the
// Cgroups gateway. It wraps github.com/containerd/containerd the same way
// the teacher's pkg/runtime.ContainerdRuntime does (client lifecycle,
// namespaces.WithNamespace, oci.SpecOpts, cio for stdio), generalized from
// a service/task model to SoftwareContainer's Container model and extended
// with Pause/Resume and github.com/containerd/cgroups/v3 for settings that
// containerd's OCI-spec path only applies at spec-build time.
package containerdriver

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"syscall"
	"time"

	"github.com/containerd/cgroups/v3/cgroup1"
	"github.com/containerd/containerd"
	"github.com/containerd/containerd/cio"
	"github.com/containerd/containerd/namespaces"
	"github.com/containerd/containerd/oci"
	specs "github.com/opencontainers/runtime-spec/specs-go"

	"github.com/pelagicore/softwarecontainer/pkg/log"
	"github.com/pelagicore/softwarecontainer/pkg/scerrors"
)

const (
	// DefaultNamespace is the containerd namespace SoftwareContainer uses
	// for every container it creates.
	DefaultNamespace = "softwarecontainer"

	// DefaultSocketPath is the default containerd socket.
	DefaultSocketPath = "/run/containerd/containerd.sock"

	// runningPollInterval is the bounded-retry interval start() uses while
	// waiting for the driver to report Running (spec §4.1).
	runningPollInterval = 50 * time.Millisecond
)

// Driver is a thin adapter over containerd for one container.
type Driver struct {
	client    *containerd.Client
	namespace string
}

// New connects to the containerd socket at socketPath (DefaultSocketPath if
// empty).
func New(socketPath string) (*Driver, error) {
	if socketPath == "" {
		socketPath = DefaultSocketPath
	}

	client, err := containerd.New(socketPath)
	if err != nil {
		return nil, fmt.Errorf("containerdriver: connect to containerd: %w", err)
	}

	return &Driver{client: client, namespace: DefaultNamespace}, nil
}

// Close releases the underlying containerd client connection.
func (d *Driver) Close() error {
	if d.client == nil {
		return nil
	}
	return d.client.Close()
}

// Spec describes the minimal set of OCI options the driver accepts when
// creating a container, mirroring the SpecOpts the teacher assembles in
// CreateContainer before calling containerd.WithNewSpec.
type Spec struct {
	RootFS      string
	Entrypoint  []string
	Env         []string
	MemoryLimit int64 // bytes, 0 = unset
	CPUShares   uint64
}

// Create creates a containerd container (no task yet) rooted at spec.RootFS
// with an init process that blocks indefinitely, so that subsequent
// attaches control its lifetime (spec §4.1 start()).
func (d *Driver) Create(ctx context.Context, id string, spec Spec) error {
	ctx = namespaces.WithNamespace(ctx, d.namespace)

	opts := []oci.SpecOpts{
		oci.WithRootFSPath(spec.RootFS),
		oci.WithProcessArgs(spec.Entrypoint...),
		oci.WithEnv(spec.Env),
	}
	if spec.MemoryLimit > 0 {
		opts = append(opts, oci.WithMemoryLimit(uint64(spec.MemoryLimit)))
	}
	if spec.CPUShares > 0 {
		opts = append(opts, oci.WithCPUShares(spec.CPUShares))
	}

	_, err := d.client.NewContainer(
		ctx,
		id,
		containerd.WithNewSpec(opts...),
	)
	if err != nil {
		return scerrors.Container(scerrors.KindDriverFailed, "create", err)
	}
	return nil
}

// Start creates and starts the container's task, then polls bounded for the
// driver to report Running — grounded on the teacher's
// ContainerdRuntime.GetContainerStatus polling loop (pkg/runtime/containerd.go),
// generalized into an explicit bounded retry rather than a one-shot check,
// so start() can satisfy spec §4.1's "bounded timeout expires; timeout is
// fatal" requirement.
func (d *Driver) Start(ctx context.Context, id string, timeout time.Duration) (pid uint32, err error) {
	ctx = namespaces.WithNamespace(ctx, d.namespace)

	c, err := d.client.LoadContainer(ctx, id)
	if err != nil {
		return 0, scerrors.Container(scerrors.KindDriverFailed, "load for start", err)
	}

	task, err := c.NewTask(ctx, cio.NullIO)
	if err != nil {
		return 0, scerrors.Container(scerrors.KindDriverFailed, "create task", err)
	}

	if err := task.Start(ctx); err != nil {
		return 0, scerrors.Container(scerrors.KindDriverFailed, "start task", err)
	}

	deadline := time.Now().Add(timeout)
	for {
		status, err := task.Status(ctx)
		if err != nil {
			return 0, scerrors.Container(scerrors.KindDriverFailed, "status poll", err)
		}
		if status.Status == containerd.Running {
			return task.Pid(), nil
		}
		if time.Now().After(deadline) {
			return 0, scerrors.Container(scerrors.KindTimeout, "start: task never reached Running", nil)
		}
		time.Sleep(runningPollInterval)
	}
}

// Pause freezes the container's task (suspend: Started -> Frozen).
func (d *Driver) Pause(ctx context.Context, id string) error {
	ctx = namespaces.WithNamespace(ctx, d.namespace)
	task, err := d.loadTask(ctx, id)
	if err != nil {
		return err
	}
	if err := task.Pause(ctx); err != nil {
		return scerrors.Container(scerrors.KindDriverFailed, "pause", err)
	}
	return nil
}

// Resume thaws a previously-paused container's task (resume: Frozen ->
// Started).
func (d *Driver) Resume(ctx context.Context, id string) error {
	ctx = namespaces.WithNamespace(ctx, d.namespace)
	task, err := d.loadTask(ctx, id)
	if err != nil {
		return err
	}
	if err := task.Resume(ctx); err != nil {
		return scerrors.Container(scerrors.KindDriverFailed, "resume", err)
	}
	return nil
}

// Stop sends SIGTERM and waits up to timeout for a clean exit, force-killing
// with SIGKILL on expiry (spec §4.1 shutdown()).
func (d *Driver) Stop(ctx context.Context, id string, timeout time.Duration) error {
	ctx = namespaces.WithNamespace(ctx, d.namespace)
	task, err := d.loadTask(ctx, id)
	if err != nil {
		return err
	}

	stopCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	if err := task.Kill(stopCtx, syscall.SIGTERM); err != nil {
		return scerrors.Container(scerrors.KindDriverFailed, "SIGTERM", err)
	}

	statusC, err := task.Wait(stopCtx)
	if err != nil {
		return scerrors.Container(scerrors.KindDriverFailed, "wait", err)
	}

	select {
	case <-statusC:
	case <-stopCtx.Done():
		if err := task.Kill(ctx, syscall.SIGKILL); err != nil {
			return scerrors.Container(scerrors.KindDriverFailed, "SIGKILL", err)
		}
	}

	if _, err := task.Delete(ctx); err != nil {
		return scerrors.Container(scerrors.KindDriverFailed, "delete task", err)
	}
	return nil
}

// Destroy deletes the container and its snapshot. Best-effort: it does not
// fail if the container is already gone, matching destroy()'s
// always-reports-success contract in spec §4.1.
func (d *Driver) Destroy(ctx context.Context, id string) error {
	ctx = namespaces.WithNamespace(ctx, d.namespace)

	c, err := d.client.LoadContainer(ctx, id)
	if err != nil {
		return nil
	}
	if err := c.Delete(ctx, containerd.WithSnapshotCleanup); err != nil {
		return scerrors.Container(scerrors.KindDriverFailed, "delete", err)
	}
	return nil
}

func (d *Driver) loadTask(ctx context.Context, id string) (containerd.Task, error) {
	c, err := d.client.LoadContainer(ctx, id)
	if err != nil {
		return nil, scerrors.Container(scerrors.KindDriverFailed, "load", err)
	}
	task, err := c.Task(ctx, nil)
	if err != nil {
		return nil, scerrors.Container(scerrors.KindDriverFailed, "load task", err)
	}
	return task, nil
}

// SetCgroupItem applies a live cgroup v1 setting to a running container's
// task cgroup. Unlike the teacher's spec-build-time-only oci.With*, this
// mutates the already-running container, which the Cgroups gateway's
// whitelist-merge re-application (spec §4.5) requires. subsystem is a
// cgroup v1 controller name ("memory", "cpu", ...); item is the file within
// it ("limit_in_bytes"); value is written verbatim. The memory limit, the
// one setting spec §4.5 models explicitly, goes through
// github.com/containerd/cgroups/v3's typed Update call; any other
// subsystem/item pair is written directly to the resolved cgroupfs path,
// matching the "thin FFI-like" driver contract of spec §1 for settings the
// typed API doesn't cover.
func (d *Driver) SetCgroupItem(ctx context.Context, id, subsystem, item, value string) error {
	ctx = namespaces.WithNamespace(ctx, d.namespace)
	task, err := d.loadTask(ctx, id)
	if err != nil {
		return err
	}

	cgPath := cgroup1.Slice("softwarecontainer", id)
	cg, err := cgroup1.Load(cgPath)
	if err != nil {
		return scerrors.Resource(scerrors.KindMountFailed, "load cgroup for "+id, err)
	}

	if subsystem == "memory" && item == "limit_in_bytes" {
		limit, err := strconv.ParseInt(value, 10, 64)
		if err != nil {
			return scerrors.GatewayConfig(scerrors.KindFieldType, "memory.limit_in_bytes: "+value)
		}
		if err := cg.Update(&specs.LinuxResources{
			Memory: &specs.LinuxMemory{Limit: &limit},
		}); err != nil {
			return scerrors.Resource(scerrors.KindMountFailed, "update memory.limit_in_bytes", err)
		}
		log.Logger.Debug().Str("container", id).Int64("pid", int64(task.Pid())).Int64("limit", limit).
			Msg("applied cgroup memory limit")
		return nil
	}

	file := filepath.Join("/sys/fs/cgroup", subsystem, "softwarecontainer", id, subsystem+"."+item)
	if err := os.WriteFile(file, []byte(value), 0o644); err != nil {
		return scerrors.Resource(scerrors.KindMountFailed, fmt.Sprintf("%s.%s=%s", subsystem, item, value), err)
	}

	log.Logger.Debug().Str("container", id).Str("subsystem", subsystem).Str("item", item).Str("value", value).
		Msg("applied cgroup setting")
	return nil
}

// execSeq gives every Exec call a distinct process ID within a task, as
// containerd requires.
var execSeq uint64

// ExecProcess is a running exec'd process inside a container's task,
// grounding the PID-returning half of the original's attach-based
// execute() (spec §4.1).
type ExecProcess struct {
	proc   containerd.Process
	ctx    context.Context
	statusC <-chan containerd.ExitStatus
}

// Pid returns the host-namespace PID of the process.
func (p *ExecProcess) Pid() uint32 { return p.proc.Pid() }

// Wait blocks until the process exits and returns its exit code.
func (p *ExecProcess) Wait(ctx context.Context) (int, error) {
	select {
	case status := <-p.statusC:
		code, _, err := status.Result()
		if err != nil {
			return -1, scerrors.Container(scerrors.KindDriverFailed, "exec result", err)
		}
		return int(code), nil
	case <-ctx.Done():
		return -1, scerrors.Container(scerrors.KindTimeout, "exec wait", ctx.Err())
	}
}

// Delete releases the exec'd process's resources. Callers should call
// this once the process has exited and its status has been collected.
func (p *ExecProcess) Delete(ctx context.Context) error {
	_, err := p.proc.Delete(ctx)
	return err
}

// Execute starts args as a new, non-blocking process inside container
// id's running task using containerd's exec facility, and returns
// immediately with a handle the caller can Wait on — the PID-returning
// half of the original attach-based execute() (spec §4.1's execute/
// executeSync), generalized from LXC's lxc_attach to containerd's
// Task.Exec.
func (d *Driver) Execute(ctx context.Context, id string, args []string, env []string) (*ExecProcess, error) {
	ctx = namespaces.WithNamespace(ctx, d.namespace)
	task, err := d.loadTask(ctx, id)
	if err != nil {
		return nil, err
	}

	execSeq++
	procID := fmt.Sprintf("sc-exec-%d", execSeq)

	proc, err := task.Exec(ctx, procID, &specs.Process{
		Args: args,
		Env:  env,
		Cwd:  "/",
	}, cio.NullIO)
	if err != nil {
		return nil, scerrors.Container(scerrors.KindDriverFailed, "exec create: "+procID, err)
	}

	statusC, err := proc.Wait(ctx)
	if err != nil {
		return nil, scerrors.Container(scerrors.KindDriverFailed, "exec wait: "+procID, err)
	}

	if err := proc.Start(ctx); err != nil {
		return nil, scerrors.Container(scerrors.KindDriverFailed, "exec start: "+procID, err)
	}

	return &ExecProcess{proc: proc, ctx: ctx, statusC: statusC}, nil
}

// ExecuteSync runs args as a new process inside container id's running
// task and blocks until it exits, combining Execute/Wait/Delete — the
// original's executeSync, which simply calls execute() then waits for
// termination.
func (d *Driver) ExecuteSync(ctx context.Context, id string, args []string, env []string) (int, error) {
	proc, err := d.Execute(ctx, id, args, env)
	if err != nil {
		return -1, err
	}
	defer proc.Delete(ctx)
	return proc.Wait(ctx)
}

// ExecOptions carries the parts of Launch's contract (spec §4.10) that
// Execute's fixed defaults (cwd "/", uid/gid 0, no stdio) don't cover.
type ExecOptions struct {
	Cwd        string // defaults to "/" if empty
	UID, GID   uint32
	Stdin      io.Reader
	Stdout     io.Writer
	Stderr     io.Writer
}

// ExecuteWithOptions behaves like Execute but honors opts' working
// directory, uid/gid, and stdio streams — the general form Launch needs
// for its user/cwd/out_file/captured-stdin parameters, which Execute's
// NullIO/root/uid-0 shortcuts don't take.
func (d *Driver) ExecuteWithOptions(ctx context.Context, id string, args []string, env []string, opts ExecOptions) (*ExecProcess, error) {
	ctx = namespaces.WithNamespace(ctx, d.namespace)
	task, err := d.loadTask(ctx, id)
	if err != nil {
		return nil, err
	}

	cwd := opts.Cwd
	if cwd == "" {
		cwd = "/"
	}

	execSeq++
	procID := fmt.Sprintf("sc-exec-%d", execSeq)

	proc, err := task.Exec(ctx, procID, &specs.Process{
		Args: args,
		Env:  env,
		Cwd:  cwd,
		User: specs.User{UID: opts.UID, GID: opts.GID},
	}, cio.NewCreator(cio.WithStreams(opts.Stdin, opts.Stdout, opts.Stderr)))
	if err != nil {
		return nil, scerrors.Container(scerrors.KindDriverFailed, "exec create: "+procID, err)
	}

	statusC, err := proc.Wait(ctx)
	if err != nil {
		return nil, scerrors.Container(scerrors.KindDriverFailed, "exec wait: "+procID, err)
	}

	if err := proc.Start(ctx); err != nil {
		return nil, scerrors.Container(scerrors.KindDriverFailed, "exec start: "+procID, err)
	}

	return &ExecProcess{proc: proc, ctx: ctx, statusC: statusC}, nil
}

// ExposeDeviceNode makes host device node hostPath visible inside the
// container at the same path, pairing with the DeviceNode gateway. The
// actual bind-mount is performed through pkg/fsutil against the container's
// gateway directory; this method is the driver-mediated half named in
// spec §4.1 mountDevice().
func (d *Driver) ExposeDeviceNode(ctx context.Context, id, hostPath string) error {
	// containerd's OCI spec allows device nodes to be declared only at
	// container-create time; exposing one into an already-started
	// container is done via the same bind-mount-move path as any other
	// host resource (pkg/container.BindMountInContainer), so there is
	// nothing further for the driver to do here beyond confirming the
	// container has an active task to mount into.
	ctx = namespaces.WithNamespace(ctx, d.namespace)
	_, err := d.loadTask(ctx, id)
	return err
}
