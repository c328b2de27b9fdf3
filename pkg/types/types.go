package types

import "time"

// ContainerState is the lifecycle state of a Container.
type ContainerState string

const (
	ContainerStateDefault   ContainerState = "default"
	ContainerStatePrepared  ContainerState = "prepared"
	ContainerStateCreated   ContainerState = "created"
	ContainerStateStarted   ContainerState = "started"
	ContainerStateFrozen    ContainerState = "frozen"
	ContainerStateDestroyed ContainerState = "destroyed"
)

// containerStateRank orders the lifecycle states so callers can compare
// progress with Rank rather than the string's lexicographic value.
var containerStateRank = map[ContainerState]int{
	ContainerStateDefault:   0,
	ContainerStatePrepared:  1,
	ContainerStateCreated:   2,
	ContainerStateStarted:   3,
	ContainerStateFrozen:    4,
	ContainerStateDestroyed: 5,
}

// Rank returns this state's position in the lifecycle, suitable for
// ordinal comparisons (e.g. c.State().Rank() >= ContainerStateCreated.Rank()).
func (s ContainerState) Rank() int { return containerStateRank[s] }

// ContainerConfig holds the values a Container is created with.
type ContainerConfig struct {
	ID              string
	Prefix          string
	RootFS          string
	WriteBuffer     bool // whether the rootfs is mounted through a writable overlay
	ShutdownTimeout time.Duration
}

// GatewayID identifies one of the fixed set of concrete gateways.
type GatewayID string

const (
	GatewayNetwork    GatewayID = "network"
	GatewayCgroups    GatewayID = "cgroups"
	GatewayDeviceNode GatewayID = "devicenode"
	GatewayEnv        GatewayID = "env"
	GatewayDBus       GatewayID = "dbus"
	GatewayFile       GatewayID = "file"
	GatewayPulse      GatewayID = "pulse"
	GatewayWayland    GatewayID = "wayland"
)

// ActivationOrder is the fixed gateway activation order from spec §4.3.
// Teardown proceeds in the reverse of this order.
var ActivationOrder = []GatewayID{
	GatewayEnv,
	GatewayNetwork,
	GatewayCgroups,
	GatewayDeviceNode,
	GatewayFile,
	GatewayDBus,
	GatewayPulse,
	GatewayWayland,
}

// ActivationState is the lifecycle state of a Gateway.
type ActivationState string

const (
	GatewayCreated    ActivationState = "created"
	GatewayConfigured ActivationState = "configured"
	GatewayActivated  ActivationState = "activated"
	GatewayTornDown   ActivationState = "torndown"
)

// Capability is a named bundle of gateway configuration fragments.
type Capability struct {
	Name string
	// Gateways maps a gateway ID to the ordered list of raw JSON fragments
	// contributed to it, across every manifest that defines this capability.
	Gateways map[GatewayID][]string
}

// GatewayConfiguration is produced by the Manifest Store when resolving a
// set of capability IDs: one JSON-fragment list per gateway ID.
type GatewayConfiguration map[GatewayID][]string

// Manifest is the parsed shape of a service manifest JSON document.
type Manifest struct {
	Version      string              `json:"version"`
	Capabilities []ManifestCapability `json:"capabilities"`
}

// ManifestCapability is one entry of Manifest.Capabilities.
type ManifestCapability struct {
	Name     string                `json:"name"`
	Gateways []ManifestGatewayEntry `json:"gateways"`
}

// ManifestGatewayEntry is one gateway fragment list inside a capability.
type ManifestGatewayEntry struct {
	ID     GatewayID         `json:"id"`
	Config []RawJSONFragment `json:"config"`
}

// RawJSONFragment is an opaque, not-yet-interpreted gateway config fragment.
// It round-trips through encoding/json as a raw message so that the store
// never needs to understand gateway-specific schemas.
type RawJSONFragment = []byte

// JobState is the state of a launched process as tracked by the Agent Core.
type JobState string

const (
	JobRunning JobState = "running"
	JobExited  JobState = "exited"
)

// Job describes a process spawned inside a Container.
type Job struct {
	PID         int
	ContainerID string
	Cmdline     []string
	Cwd         string
	UID         int
	Env         []string
	OutFile     string
	State       JobState
	ExitCode    int
	StartedAt   time.Time
	FinishedAt  time.Time
}

// ProcessStateChanged is the lifecycle signal emitted on every exit of a
// launched process, mirroring the RPC surface's ProcessStateChanged signal.
type ProcessStateChanged struct {
	Handle    uint32
	PID       int
	IsRunning bool
	ExitCode  int
}

// Handle is the numeric container handle returned by CreateContainer,
// indexing the Agent Core's container table.
type Handle uint32

// NoHandle is the zero Handle value. It is not reserved: the Agent
// Core's table is indexed from 0, so the first container created gets
// handle 0.
const NoHandle Handle = 0
