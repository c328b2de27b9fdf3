/*
Package agent implements the Agent Core: the handle-indexed container
table, the preload pool, and the job table spec §4.10 describes, plus
the five operations that drive them.

# Architecture

	┌─────────────────────────── AGENT ────────────────────────────┐
	│                                                                │
	│  containers []*slot     idIndex map[string]uint32             │
	│       (handle-indexed, nil after destroy, I4-consistent)      │
	│                                                                │
	│  preload chan *slot ◀── preloadLoop (stopCh + 5s ticker,      │
	│                          refilled after every pop)             │
	│                                                                │
	│  jobs map[int]*job  ◀── watchJob (one goroutine per Job,      │
	│                          exactly-once exit delivery, I5)       │
	└────────────────────────────────────────────────────────────────┘

# Operations

CreateContainer pops a Prepared container from the preload pool or
builds and Initializes one fresh, reserves a handle, runs Create, and
builds its gateway set. The handle is reserved after the pool pop or
fresh Initialize and before Create; if Create fails the reserved slot
stays nil and the handle is not returned, so a handle is never handed
out for a half-built container.

SetCapabilities resolves capability IDs through the Manifest Store,
dispatches the resulting fragments to the container's registered
gateways, starts the container if needed, and activates the gateway set
in the fixed order of §4.3, rolling back on the first activation
failure.

Launch attaches a process with a captured-stdin pipe and optional
out_file redirection, and hands its exit off to a dedicated watcher
goroutine that publishes ProcessStateChanged and retires the Job.

WriteStdin and ShutdownContainer are thin: the former writes to a Job's
captured stdin pipe, the latter drives Container.Destroy and nulls the
table slot.

# See Also

  - pkg/container for the per-container lifecycle state machine
  - pkg/gateway for the activation-order Set this package drives
  - pkg/manifest for capability-to-gateway-fragment resolution
  - pkg/rpc for the D-Bus surface that calls into this package
*/
package agent
