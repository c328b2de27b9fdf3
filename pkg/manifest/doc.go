// Package manifest implements the Capability/Manifest Store.
package manifest
