package rpc

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/godbus/dbus/v5"

	"github.com/pelagicore/softwarecontainer/pkg/metrics"
	"github.com/pelagicore/softwarecontainer/pkg/scerrors"
)

// agentCore is the subset of pkg/agent.Agent the D-Bus surface calls
// into. Declared here, not imported, so tests can exercise method
// marshalling and error translation against a fake without a live
// containerd daemon.
type agentCore interface {
	CreateContainer(ctx context.Context, prefix string) (uint32, error)
	SetCapabilities(ctx context.Context, handle uint32, ids []string) error
	SetGatewayConfigs(ctx context.Context, handle uint32, raw map[string]string) error
	BindMount(ctx context.Context, handle uint32, hostPath, containerPath string, readOnly bool) (string, error)
	Launch(ctx context.Context, handle uint32, cmdline []string, user, cwd, outFile string, env map[string]string) (uint32, error)
	WriteStdin(pid int, data []byte) error
	ShutdownContainer(ctx context.Context, handle uint32, timeout time.Duration) error
}

// Service is the exported D-Bus object backing org.softwarecontainer.Agent1.
// Its exported methods are the ones conn.Export discovers by reflection;
// every other identifier here is unexported and so invisible on the bus.
type Service struct {
	core           agentCore
	requestTimeout time.Duration
}

func newService(core agentCore, requestTimeout time.Duration) *Service {
	if requestTimeout == 0 {
		requestTimeout = 30 * time.Second
	}
	return &Service{core: core, requestTimeout: requestTimeout}
}

func (s *Service) ctx() (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.Background(), s.requestTimeout)
}

// call runs fn, records the per-method outcome and duration to
// pkg/metrics, and translates fn's error into a *dbus.Error.
func (s *Service) call(method string, fn func() error) *dbus.Error {
	timer := metrics.NewTimer()
	err := fn()
	outcome := "success"
	if err != nil {
		outcome = "error"
	}
	metrics.RPCRequestsTotal.WithLabelValues(method, outcome).Inc()
	timer.ObserveDurationVec(metrics.RPCRequestDuration, method)
	return translateErr(err)
}

// CreateContainer pops a Prepared container from the preload pool or
// builds one fresh and returns its stable handle.
func (s *Service) CreateContainer(prefix string) (uint32, *dbus.Error) {
	var handle uint32
	derr := s.call("CreateContainer", func() error {
		ctx, cancel := s.ctx()
		defer cancel()
		h, err := s.core.CreateContainer(ctx, prefix)
		handle = h
		return err
	})
	return handle, derr
}

// SetCapabilities resolves ids via the Manifest Store, dispatches
// fragments to the container's gateways, and activates them.
func (s *Service) SetCapabilities(handle uint32, ids []string) *dbus.Error {
	return s.call("SetCapabilities", func() error {
		ctx, cancel := s.ctx()
		defer cancel()
		return s.core.SetCapabilities(ctx, handle, ids)
	})
}

// SetGatewayConfigs dispatches a raw JSON fragment per gateway ID,
// bypassing manifest resolution, then activates.
func (s *Service) SetGatewayConfigs(handle uint32, configs map[string]string) *dbus.Error {
	return s.call("SetGatewayConfigs", func() error {
		ctx, cancel := s.ctx()
		defer cancel()
		return s.core.SetGatewayConfigs(ctx, handle, configs)
	})
}

// LaunchCommand attaches cmdline as a new process inside the container
// and returns its PID. Exit is reported later via ProcessStateChanged.
func (s *Service) LaunchCommand(handle uint32, user string, cmdline []string, cwd string, outFile string, env map[string]string) (uint32, *dbus.Error) {
	var pid uint32
	derr := s.call("LaunchCommand", func() error {
		ctx, cancel := s.ctx()
		defer cancel()
		p, err := s.core.Launch(ctx, handle, cmdline, user, cwd, outFile, env)
		pid = p
		return err
	})
	return pid, derr
}

// ShutDownContainer drives destroy on the container and nulls its
// table slot. timeoutSeconds of 0 uses the Agent's configured default.
func (s *Service) ShutDownContainer(handle uint32, timeoutSeconds int32) *dbus.Error {
	return s.call("ShutDownContainer", func() error {
		ctx, cancel := s.ctx()
		defer cancel()
		return s.core.ShutdownContainer(ctx, handle, time.Duration(timeoutSeconds)*time.Second)
	})
}

// BindMountFolderInContainer bind-mounts hostPath into the container at
// containerPath, returning containerPath on success.
func (s *Service) BindMountFolderInContainer(handle uint32, hostPath, containerPath string, readOnly bool) (string, *dbus.Error) {
	var result string
	derr := s.call("BindMountFolderInContainer", func() error {
		ctx, cancel := s.ctx()
		defer cancel()
		r, err := s.core.BindMount(ctx, handle, hostPath, containerPath, readOnly)
		result = r
		return err
	})
	return result, derr
}

// WriteToStdIn writes data to the captured stdin pipe of the Job
// running as pid.
func (s *Service) WriteToStdIn(pid int32, data []byte) *dbus.Error {
	return s.call("WriteToStdIn", func() error {
		return s.core.WriteStdin(int(pid), data)
	})
}

// Ping is a liveness probe: it touches nothing but the metrics counter.
func (s *Service) Ping() *dbus.Error {
	return s.call("Ping", func() error { return nil })
}

// translateErr maps a *scerrors.Error to a *dbus.Error named with its
// Family/Kind, the short machine-readable kind §7 requires for callers
// outside the process; any other error becomes a generic Unknown kind.
func translateErr(err error) *dbus.Error {
	if err == nil {
		return nil
	}
	var scErr *scerrors.Error
	if errors.As(err, &scErr) {
		name := fmt.Sprintf("org.softwarecontainer.Agent1.Error.%s.%s", scErr.Family, scErr.Kind)
		return dbus.NewError(name, []interface{}{scErr.Error()})
	}
	return dbus.NewError("org.softwarecontainer.Agent1.Error.Unknown", []interface{}{err.Error()})
}
