// Package agent implements the Agent Core (C9, spec §4.10): the handle
// table, preload pool, and job table that back CreateContainer,
// SetCapabilities, Launch, WriteStdin, and ShutdownContainer. Grounded
// on pkg/worker.Worker's shape (a long-lived struct holding a
// mutex-guarded table plus a stopCh-driven background goroutine) and
// pkg/events.Broker for ProcessStateChanged delivery. Like the teacher's
// Worker, state is protected by a mutex rather than routed through a
// single actor goroutine — the same practical idiom, just applied to a
// container/job table instead of a gRPC worker's container map.
package agent

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/pelagicore/softwarecontainer/pkg/container"
	"github.com/pelagicore/softwarecontainer/pkg/containerdriver"
	"github.com/pelagicore/softwarecontainer/pkg/events"
	"github.com/pelagicore/softwarecontainer/pkg/gateway"
	"github.com/pelagicore/softwarecontainer/pkg/gateway/cgroups"
	"github.com/pelagicore/softwarecontainer/pkg/gateway/dbus"
	"github.com/pelagicore/softwarecontainer/pkg/gateway/devicenode"
	"github.com/pelagicore/softwarecontainer/pkg/gateway/env"
	"github.com/pelagicore/softwarecontainer/pkg/gateway/file"
	"github.com/pelagicore/softwarecontainer/pkg/gateway/network"
	"github.com/pelagicore/softwarecontainer/pkg/gateway/pulse"
	"github.com/pelagicore/softwarecontainer/pkg/gateway/wayland"
	"github.com/pelagicore/softwarecontainer/pkg/log"
	"github.com/pelagicore/softwarecontainer/pkg/manifest"
	"github.com/pelagicore/softwarecontainer/pkg/metrics"
	"github.com/pelagicore/softwarecontainer/pkg/scerrors"
	"github.com/pelagicore/softwarecontainer/pkg/types"
)

// NetworkConfig carries the host-side network facts every container's
// Network gateway needs (spec §4.4) but that no capability fragment
// supplies.
type NetworkConfig struct {
	BridgeName    string
	GatewayIP     net.IP
	PrefixLen     int
	InterfaceName string
}

// Config configures the Agent Core.
type Config struct {
	// Prefix names the scratch directory and preload-pool containers.
	Prefix string
	// RootFS is the filesystem every container is created from.
	RootFS             string
	WriteBufferEnabled bool
	// ContainerShutdownTimeout is the default passed to Container.Destroy
	// when ShutdownContainer is called without an explicit timeout.
	ContainerShutdownTimeout time.Duration
	// StartTimeout bounds how long SetCapabilities waits for a container
	// to report Started before activating gateways.
	StartTimeout time.Duration
	// PreloadCount sizes the preload pool; zero disables preloading.
	PreloadCount int
	// DefaultUser is the numeric uid[:gid] Launch falls back to when a
	// caller passes an empty user string (CLI flag --user, default "0").
	DefaultUser string
	Network     NetworkConfig
}

// slot is one live entry in the Agent's container table.
type slot struct {
	c  *container.Container
	gw *gateway.Set
	id string
}

// job is one live entry in the Agent's job table, keyed by PID.
type job struct {
	pid    int
	handle uint32
	proc   *containerdriver.ExecProcess
	stdin  io.WriteCloser
}

// Agent is the Agent Core: the container table (handle-indexed, I4), the
// preload pool, and the job table, plus the operations that drive them.
type Agent struct {
	cfg       Config
	driver    *containerdriver.Driver
	manifests *manifest.Store
	broker    *events.Broker

	mu         sync.Mutex
	containers []*slot          // handle-indexed; nil after destroy
	idIndex    map[string]uint32 // container ID -> handle, kept in lockstep (I4)
	jobs       map[int]*job
	seq        int

	preload chan *slot
	refill  chan struct{}
	stopCh  chan struct{}
	wg      sync.WaitGroup
}

// New constructs an Agent and, if cfg.PreloadCount > 0, starts its
// background preload-refill goroutine.
func New(cfg Config, driver *containerdriver.Driver, manifests *manifest.Store, broker *events.Broker) *Agent {
	if cfg.ContainerShutdownTimeout == 0 {
		cfg.ContainerShutdownTimeout = 2 * time.Second
	}
	if cfg.StartTimeout == 0 {
		cfg.StartTimeout = 5 * time.Second
	}
	a := &Agent{
		cfg:       cfg,
		driver:    driver,
		manifests: manifests,
		broker:    broker,
		idIndex:   make(map[string]uint32),
		jobs:      make(map[int]*job),
		preload:   make(chan *slot, cfg.PreloadCount),
		refill:    make(chan struct{}, 1),
		stopCh:    make(chan struct{}),
	}
	if cfg.PreloadCount > 0 {
		a.wg.Add(1)
		go a.preloadLoop()
		a.triggerRefill()
	}
	return a
}

// preloadLoop tops up the preload pool whenever it drains or every 5s,
// the same ticker-plus-stopCh shape as pkg/worker's heartbeatLoop.
func (a *Agent) preloadLoop() {
	defer a.wg.Done()
	ticker := time.NewTicker(5 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-a.stopCh:
			return
		case <-a.refill:
			a.topUpPreload()
		case <-ticker.C:
			a.topUpPreload()
		}
	}
}

func (a *Agent) triggerRefill() {
	select {
	case a.refill <- struct{}{}:
	default:
	}
}

// topUpPreload constructs and Initializes containers until the pool is
// full, best-effort: a failure logs and stops this round rather than
// retrying immediately (the next tick or triggerRefill tries again).
func (a *Agent) topUpPreload() {
	for len(a.preload) < cap(a.preload) {
		select {
		case <-a.stopCh:
			return
		default:
		}

		s, err := a.buildPreparedSlot()
		if err != nil {
			log.Logger.Warn().Err(err).Msg("preload refill failed")
			return
		}

		select {
		case a.preload <- s:
		default:
			// Pool filled by a racing refill between our length check and
			// this send; the container we just prepared has no home.
			ctx, cancel := context.WithTimeout(context.Background(), a.cfg.ContainerShutdownTimeout)
			s.c.Destroy(ctx, 0)
			cancel()
			return
		}
	}
}

func (a *Agent) buildPreparedSlot() (*slot, error) {
	id := a.nextID(a.cfg.Prefix)
	c := container.New(container.Config{
		ID:                 id,
		Prefix:             a.cfg.Prefix,
		RootFS:             a.cfg.RootFS,
		WriteBufferEnabled: a.cfg.WriteBufferEnabled,
		ShutdownTimeout:    a.cfg.ContainerShutdownTimeout,
	}, a.driver)
	if err := c.Initialize(); err != nil {
		return nil, err
	}
	return &slot{c: c, id: id}, nil
}

func (a *Agent) nextID(prefix string) string {
	a.mu.Lock()
	a.seq++
	n := a.seq
	a.mu.Unlock()
	return fmt.Sprintf("%s-%d", prefix, n)
}

// CreateContainer pops a Prepared container from the preload pool if one
// is available, else constructs and Initializes one fresh; either way it
// then runs Create, builds the container's gateway set, and assigns it a
// stable handle (spec §4.10's create_container).
func (a *Agent) CreateContainer(ctx context.Context, prefix string) (uint32, error) {
	timer := metrics.NewTimer()

	var s *slot
	source := "fresh"
	select {
	case pooled := <-a.preload:
		s = pooled
		source = "preloaded"
	default:
		id := a.nextID(prefix)
		c := container.New(container.Config{
			ID:                 id,
			Prefix:             prefix,
			RootFS:             a.cfg.RootFS,
			WriteBufferEnabled: a.cfg.WriteBufferEnabled,
			ShutdownTimeout:    a.cfg.ContainerShutdownTimeout,
		}, a.driver)
		if err := c.Initialize(); err != nil {
			return 0, err
		}
		s = &slot{c: c, id: id}
	}

	// Reserve the handle before building the gateway set: the Network
	// gateway's deterministic address derivation (spec §4.4, P6) is keyed
	// off the numeric handle, baked in at construction time.
	a.mu.Lock()
	handle := uint32(len(a.containers))
	a.containers = append(a.containers, nil)
	a.mu.Unlock()

	if err := s.c.Create(ctx); err != nil {
		// Leave the reserved slot permanently nil rather than truncating —
		// other handles may have been reserved past it concurrently, and
		// handles are never reused within a run regardless.
		return 0, err
	}
	s.gw = a.buildGatewaySet(s, handle)

	a.mu.Lock()
	a.containers[handle] = s
	a.idIndex[s.id] = handle
	a.mu.Unlock()

	metrics.ContainersCreatedTotal.WithLabelValues(source).Inc()
	timer.ObserveDuration(metrics.ContainerCreateDuration)
	if source == "preloaded" {
		a.triggerRefill()
	}
	return handle, nil
}

func (a *Agent) buildGatewaySet(s *slot, handle uint32) *gateway.Set {
	set := gateway.NewSet()
	set.Register(env.New())
	set.Register(network.New(network.Config{
		BridgeName:    a.cfg.Network.BridgeName,
		GatewayIP:     a.cfg.Network.GatewayIP,
		PrefixLen:     a.cfg.Network.PrefixLen,
		InterfaceName: a.cfg.Network.InterfaceName,
		ContainerID:   int(handle),
	}))
	set.Register(cgroups.New())
	set.Register(devicenode.New())
	set.Register(file.New())
	set.Register(dbus.New(s.c.GatewaysDir(), s.id))
	set.Register(pulse.New())
	set.Register(wayland.New())
	return set
}

func (a *Agent) lookup(handle uint32) (*slot, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if int(handle) >= len(a.containers) || a.containers[handle] == nil {
		return nil, scerrors.Container(scerrors.KindStateMismatch,
			fmt.Sprintf("no live container for handle %d", handle), nil)
	}
	return a.containers[handle], nil
}

// SetCapabilities resolves ids via the Manifest Store, dispatches the
// resulting fragments to the container's gateways, starts the container
// if it hasn't been started yet (gateway activation needs a running
// container to bind-mount and exec into — an Open Question the RPC
// surface table leaves implicit since there is no separate "start"
// operation), and activates the gateway set in the fixed order of §4.3.
func (a *Agent) SetCapabilities(ctx context.Context, handle uint32, ids []string) error {
	s, err := a.lookup(handle)
	if err != nil {
		return err
	}

	gwConf := a.manifests.ConfigsFor(ids)
	for gwID, fragments := range gwConf {
		if err := s.gw.Dispatch(types.GatewayID(gwID), fragments); err != nil {
			return err
		}
	}

	return a.activate(ctx, s)
}

// SetGatewayConfigs dispatches a raw fragment per gateway ID, bypassing
// manifest resolution, then activates exactly as SetCapabilities does —
// the §6 raw-fragments shortcut used by tests that don't want to build a
// manifest just to exercise one gateway.
func (a *Agent) SetGatewayConfigs(ctx context.Context, handle uint32, raw map[string]string) error {
	s, err := a.lookup(handle)
	if err != nil {
		return err
	}

	for gwID, fragment := range raw {
		if err := s.gw.Dispatch(types.GatewayID(gwID), []json.RawMessage{json.RawMessage(fragment)}); err != nil {
			return err
		}
	}

	return a.activate(ctx, s)
}

func (a *Agent) activate(ctx context.Context, s *slot) error {
	if s.c.State().Rank() < types.ContainerStateStarted.Rank() {
		if _, err := s.c.Start(ctx, a.cfg.StartTimeout); err != nil {
			return err
		}
	}

	timer := metrics.NewTimer()
	err := s.gw.ActivateAll(ctx, s.c)
	timer.ObserveDuration(metrics.GatewayActivationDuration)
	if err != nil {
		metrics.GatewayActivationFailuresTotal.WithLabelValues("set").Inc()
		return err
	}

	for _, id := range types.ActivationOrder {
		if g := s.gw.Get(id); g != nil && g.State() == types.GatewayActivated {
			metrics.GatewaysActivatedTotal.WithLabelValues(string(id)).Inc()
		}
	}
	return nil
}

// BindMount bind-mounts hostPath into the container at containerPath
// (spec §6's BindMountFolderInContainer), returning containerPath on
// success.
func (a *Agent) BindMount(ctx context.Context, handle uint32, hostPath, containerPath string, readOnly bool) (string, error) {
	s, err := a.lookup(handle)
	if err != nil {
		return "", err
	}
	if err := s.c.BindMountInContainer(ctx, hostPath, containerPath, readOnly); err != nil {
		return "", err
	}
	return containerPath, nil
}

// Launch attaches cmdline as a new process inside the container, wiring
// a captured-stdin pipe and, if outFile is set, redirecting stdout/
// stderr to it. It registers a one-shot watcher that publishes
// ProcessStateChanged on exit and removes the Job from the job table —
// spec §4.10's launch().
func (a *Agent) Launch(ctx context.Context, handle uint32, cmdline []string, user, cwd, outFile string, env map[string]string) (uint32, error) {
	s, err := a.lookup(handle)
	if err != nil {
		return 0, err
	}

	if user == "" {
		user = a.cfg.DefaultUser
	}
	uid, gid, err := parseUser(user)
	if err != nil {
		return 0, err
	}

	var out *os.File
	if outFile != "" {
		out, err = os.Create(outFile)
		if err != nil {
			return 0, scerrors.Container(scerrors.KindPrecondition, "open out_file: "+outFile, err)
		}
	}

	stdinR, stdinW := io.Pipe()

	envSlice := make([]string, 0, len(env))
	for k, v := range env {
		envSlice = append(envSlice, k+"="+v)
	}

	var stdout, stderr io.Writer
	if out != nil {
		stdout, stderr = out, out
	}

	proc, err := s.c.Launch(ctx, cmdline, envSlice, containerdriver.ExecOptions{
		Cwd: cwd, UID: uid, GID: gid, Stdin: stdinR, Stdout: stdout, Stderr: stderr,
	})
	if err != nil {
		stdinW.Close()
		if out != nil {
			out.Close()
		}
		return 0, err
	}

	pid := proc.Pid()
	j := &job{pid: int(pid), handle: handle, proc: proc, stdin: stdinW}

	a.mu.Lock()
	a.jobs[j.pid] = j
	a.mu.Unlock()

	metrics.JobsLaunchedTotal.Inc()
	go a.watchJob(j, out)

	return pid, nil
}

// watchJob blocks for j's exit, publishes ProcessStateChanged exactly
// once (I5), and removes j from the job table. It runs on its own
// goroutine per Job rather than a signalfd-style shared listener — the
// idiomatic Go substitute §9 explicitly sanctions for this exit-delivery
// contract.
func (a *Agent) watchJob(j *job, out *os.File) {
	code, err := j.proc.Wait(context.Background())
	if err != nil {
		log.Logger.Warn().Int("pid", j.pid).Err(err).Msg("job wait failed")
	}
	j.proc.Delete(context.Background())
	j.stdin.Close()
	if out != nil {
		out.Close()
	}

	a.mu.Lock()
	delete(a.jobs, j.pid)
	a.mu.Unlock()

	a.broker.Publish(&events.Event{
		Type:      events.EventProcessStateChanged,
		Handle:    j.handle,
		PID:       j.pid,
		IsRunning: false,
		ExitCode:  code,
	})
}

// WriteStdin writes data to the captured stdin pipe of the Job running
// as pid (spec §4.10's write_stdin).
func (a *Agent) WriteStdin(pid int, data []byte) error {
	a.mu.Lock()
	j, ok := a.jobs[pid]
	a.mu.Unlock()
	if !ok {
		return scerrors.Container(scerrors.KindStateMismatch, fmt.Sprintf("no live job for pid %d", pid), nil)
	}
	if _, err := j.stdin.Write(data); err != nil {
		return scerrors.Container(scerrors.KindKernelCallFailed, "write stdin", err)
	}
	return nil
}

// ShutdownContainer drives destroy on the container and nulls its table
// slot, freeing the ID for reuse but never the handle (spec §4.10's
// shutdown_container; handles are never reused within a run).
func (a *Agent) ShutdownContainer(ctx context.Context, handle uint32, timeout time.Duration) error {
	s, err := a.lookup(handle)
	if err != nil {
		return err
	}
	if timeout == 0 {
		timeout = a.cfg.ContainerShutdownTimeout
	}

	destroyErr := s.c.Destroy(ctx, timeout)

	a.mu.Lock()
	a.containers[handle] = nil
	delete(a.idIndex, s.id)
	a.mu.Unlock()

	metrics.ContainersDestroyedTotal.Inc()
	a.broker.Publish(&events.Event{
		Type:   events.EventContainerStateChanged,
		Handle: handle,
	})
	return destroyErr
}

// Shutdown stops the preload goroutine and, unless destroy is false (CLI
// flag --shutdown=false, a debug aid that leaves containers running for
// inspection), destroys every live container in reverse creation order
// and drains (destroying) anything left sitting in the preload pool —
// the Agent's half of the ordered shutdown cmd/softwarecontainer
// triggers on SIGTERM/SIGINT.
func (a *Agent) Shutdown(ctx context.Context, destroy bool) {
	close(a.stopCh)
	a.wg.Wait()

	if !destroy {
		return
	}

	a.mu.Lock()
	handles := make([]uint32, 0, len(a.containers))
	for h, s := range a.containers {
		if s != nil {
			handles = append(handles, uint32(h))
		}
	}
	a.mu.Unlock()

	for i := len(handles) - 1; i >= 0; i-- {
		if err := a.ShutdownContainer(ctx, handles[i], 0); err != nil {
			log.Logger.Warn().Uint32("handle", handles[i]).Err(err).Msg("shutdown failed")
		}
	}

	for {
		select {
		case s := <-a.preload:
			dctx, cancel := context.WithTimeout(context.Background(), a.cfg.ContainerShutdownTimeout)
			s.c.Destroy(dctx, 0)
			cancel()
		default:
			return
		}
	}
}

// ContainerStateCounts, PreloadPoolLen, and JobsRunningCount satisfy
// pkg/metrics.StatsSource for the periodic gauge collector.
func (a *Agent) ContainerStateCounts() map[string]int {
	a.mu.Lock()
	defer a.mu.Unlock()
	counts := make(map[string]int)
	for _, s := range a.containers {
		if s == nil {
			continue
		}
		counts[string(s.c.State())]++
	}
	return counts
}

func (a *Agent) PreloadPoolLen() int { return len(a.preload) }

func (a *Agent) JobsRunningCount() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.jobs)
}

// parseUser parses the RPC surface's "user" field as a bare numeric
// uid[:gid], the same convention Docker's --user flag uses. The original
// resolved a username against the container's own /etc/passwd; we
// require callers to resolve to numeric IDs themselves rather than
// reach into an unstarted container's filesystem from the host to do
// it, documented as a decided simplification.
func parseUser(user string) (uint32, uint32, error) {
	if user == "" {
		return 0, 0, nil
	}
	parts := strings.SplitN(user, ":", 2)
	uid, err := strconv.ParseUint(parts[0], 10, 32)
	if err != nil {
		return 0, 0, scerrors.GatewayConfig(scerrors.KindFieldType, "user must be numeric uid[:gid]: "+user)
	}
	if len(parts) == 1 {
		return uint32(uid), uint32(uid), nil
	}
	gid, err := strconv.ParseUint(parts[1], 10, 32)
	if err != nil {
		return 0, 0, scerrors.GatewayConfig(scerrors.KindFieldType, "user must be numeric uid[:gid]: "+user)
	}
	return uint32(uid), uint32(gid), nil
}
