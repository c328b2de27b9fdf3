// Package devicenode implements the DeviceNode gateway.
package devicenode
