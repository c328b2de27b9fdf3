// Package types defines the shared value types passed between
// SoftwareContainer's packages: container configuration, gateway and
// capability identifiers, the manifest document shape, and job/signal
// records. Behavior-bearing state lives in the owning package (the live
// container in pkg/container, the live gateway in pkg/gateway); this
// package only holds the data that crosses package boundaries.
package types
