// Package netlink is a typed wrapper over kernel netlink link, address, and
// route operations for the Network gateway's namespace bring-up: bridge
// verification, interface configuration, and default-route assignment
// inside a container's network namespace.
package netlink
