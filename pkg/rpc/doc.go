/*
Package rpc exports the Agent Core's operation table (§6) as a D-Bus
object: thin argument marshalling and method export only, every decision
delegated to pkg/agent. Grounded on github.com/godbus/dbus/v5's
conn.Export/introspect.Methods pattern. The D-Bus gateway does not use
that library; it builds its proxy bus addresses as plain strings.

# Object

	Well-known name: org.softwarecontainer.Agent1
	Object path:     /org/softwarecontainer/Agent1
	Interface:       org.softwarecontainer.Agent1

Methods mirror the RPC surface table one for one: CreateContainer,
SetCapabilities, LaunchCommand, ShutDownContainer,
BindMountFolderInContainer, SetGatewayConfigs, WriteToStdIn, Ping.
Signal: ProcessStateChanged(handle, pid, is_running, exit_code), emitted
once per Job exit by forwarding pkg/events.EventProcessStateChanged off
the Agent's broker.

# Error translation

Every *scerrors.Error returned by pkg/agent is translated to a
*dbus.Error named "org.softwarecontainer.Agent1.Error.<Family>.<Kind>"
so remote callers get the same machine-readable kind §7 requires without
needing to link against this process.

# See Also

  - pkg/agent for the operations this package exports
  - pkg/scerrors for the error kinds translated into dbus.Error names
  - cmd/softwarecontainer for where the bus connection is dialed
*/
package rpc
