// Package log provides structured logging for SoftwareContainer using
// zerolog. A global logger is configured once via Init; call sites derive
// component-scoped child loggers with WithComponent, WithContainerID,
// WithGatewayID, and WithCapability.
package log
