package rpc

import (
	"fmt"
	"sync"
	"time"

	"github.com/godbus/dbus/v5"
	"github.com/godbus/dbus/v5/introspect"

	"github.com/pelagicore/softwarecontainer/pkg/events"
	"github.com/pelagicore/softwarecontainer/pkg/log"
)

const (
	busName    = "org.softwarecontainer.Agent1"
	ifaceName  = "org.softwarecontainer.Agent1"
	objectPath = dbus.ObjectPath("/org/softwarecontainer/Agent1")

	processStateChangedSignal = ifaceName + ".ProcessStateChanged"
)

// Exporter owns the bus connection's registration of the Agent service
// and forwards ProcessStateChanged events off the broker as D-Bus
// signals. It is the only stateful piece of pkg/rpc; Service itself
// holds no bus handle.
type Exporter struct {
	conn *dbus.Conn
	sub  events.Subscriber

	broker *events.Broker
	stopCh chan struct{}
	wg     sync.WaitGroup
}

// NewExporter exports core's operations onto conn as
// org.softwarecontainer.Agent1, claims the well-known bus name, and
// starts forwarding broker's ProcessStateChanged events as signals.
// requestTimeout bounds how long a single RPC call waits on the Agent
// Core before returning a timeout error to the caller.
func NewExporter(conn *dbus.Conn, core agentCore, broker *events.Broker, requestTimeout time.Duration) (*Exporter, error) {
	svc := newService(core, requestTimeout)

	if err := conn.Export(svc, objectPath, ifaceName); err != nil {
		return nil, fmt.Errorf("rpc: export agent service: %w", err)
	}

	node := &introspect.Node{
		Name: string(objectPath),
		Interfaces: []introspect.Interface{
			introspect.IntrospectData,
			{
				Name:    ifaceName,
				Methods: introspect.Methods(svc),
				Signals: []introspect.Signal{
					{
						Name: "ProcessStateChanged",
						Args: []introspect.Arg{
							{Name: "handle", Type: "u", Direction: "out"},
							{Name: "pid", Type: "i", Direction: "out"},
							{Name: "is_running", Type: "b", Direction: "out"},
							{Name: "exit_code", Type: "i", Direction: "out"},
						},
					},
				},
			},
		},
	}
	if err := conn.Export(introspect.NewIntrospectable(node), objectPath, "org.freedesktop.DBus.Introspectable"); err != nil {
		return nil, fmt.Errorf("rpc: export introspection: %w", err)
	}

	reply, err := conn.RequestName(busName, dbus.NameFlagDoNotQueue)
	if err != nil {
		return nil, fmt.Errorf("rpc: request bus name %s: %w", busName, err)
	}
	if reply != dbus.RequestNameReplyPrimaryOwner {
		return nil, fmt.Errorf("rpc: bus name %s already owned", busName)
	}

	e := &Exporter{
		conn:   conn,
		sub:    broker.Subscribe(),
		broker: broker,
		stopCh: make(chan struct{}),
	}
	e.wg.Add(1)
	go e.forwardSignals()
	return e, nil
}

// forwardSignals relays every EventProcessStateChanged off the broker as
// a ProcessStateChanged D-Bus signal, one goroutine for the lifetime of
// the Exporter.
func (e *Exporter) forwardSignals() {
	defer e.wg.Done()
	for {
		select {
		case ev, ok := <-e.sub:
			if !ok {
				return
			}
			if ev.Type != events.EventProcessStateChanged {
				continue
			}
			err := e.conn.Emit(objectPath, processStateChangedSignal,
				ev.Handle, int32(ev.PID), ev.IsRunning, int32(ev.ExitCode))
			if err != nil {
				log.Logger.Warn().Err(err).Msg("rpc: emit ProcessStateChanged failed")
			}
		case <-e.stopCh:
			return
		}
	}
}

// Close stops signal forwarding and releases the well-known bus name.
// It does not close conn, which the caller dialed and owns.
func (e *Exporter) Close() {
	close(e.stopCh)
	e.wg.Wait()
	e.broker.Unsubscribe(e.sub)
	if _, err := e.conn.ReleaseName(busName); err != nil {
		log.Logger.Warn().Err(err).Msg("rpc: release bus name failed")
	}
}
