/*
Package events provides the Agent's in-memory event broker: a lightweight
pub/sub bus that turns process and container lifecycle transitions into
a stream other components can subscribe to, most importantly the RPC
layer's ProcessStateChanged signal (§6).

# Architecture

	┌──────────────────── EVENT BROKER ────────────────────────┐
	│                                                            │
	│  Agent Core ──▶ Event Channel (buffer: 100) ──▶ Broadcast │
	│                                                     │      │
	│                                 ┌───────────────────┘      │
	│                                 ▼                          │
	│                      Subscriber Channels (buffer: 50 each) │
	│                                 │                          │
	│                      ┌──────────┴───────────┐              │
	│                      ▼                      ▼              │
	│              RPC export layer         other subscribers    │
	└────────────────────────────────────────────────────────────┘

# Event types

EventProcessStateChanged: published whenever a launched process exits
(§4.10's child-exit listener). Carries Handle, PID, IsRunning, and
ExitCode; the RPC layer forwards it verbatim as the ProcessStateChanged
D-Bus signal.

EventContainerStateChanged: published by pkg/agent's ShutdownContainer
after it destroys a container, carrying only the Handle. Other Container
lifecycle transitions are not published.

# Usage

	broker := events.NewBroker()
	broker.Start()
	defer broker.Stop()

	sub := broker.Subscribe()
	defer broker.Unsubscribe(sub)

	go func() {
		for ev := range sub {
			if ev.Type == events.EventProcessStateChanged {
				rpcLayer.EmitProcessStateChanged(ev.Handle, ev.PID, ev.IsRunning, ev.ExitCode)
			}
		}
	}()

	broker.Publish(&events.Event{
		Type:      events.EventProcessStateChanged,
		Handle:    handle,
		PID:       pid,
		IsRunning: false,
		ExitCode:  0,
	})

# Delivery semantics

Publish queues the event on the broker's 100-slot event channel and
blocks while that channel is full; once the broker is stopped it may
return without queuing. The broadcast loop is best-effort: a full
subscriber buffer drops the event for that subscriber rather than
stalling the broadcast. The broker imposes no ordering of its own.
pkg/agent publishes ProcessStateChanged from a per-Job watcher goroutine
once the process has exited; nothing orders that publish against the
return of Launch, so a process that exits quickly can have its event
delivered before its Launch call has returned to the caller.

# See Also

  - pkg/agent for the child-exit listener that publishes these events
  - pkg/rpc for the D-Bus export of ProcessStateChanged
*/
package events
