// Package fsutil provides the privileged filesystem operations the
// Container lifecycle and gateways depend on: bind mounts, overlay mounts,
// tmpfs mounts, shared mount points, recursive directory creation, and
// tracked file writes. Every operation that changes host-visible state
// registers its inverse on a pkg/cleanup.Stack before returning.
package fsutil
