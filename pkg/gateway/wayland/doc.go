// Package wayland implements the Wayland gateway stub.
package wayland
