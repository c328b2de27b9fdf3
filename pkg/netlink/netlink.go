// Package netlink implements the Netlink Client (C3): a typed wrapper over
// kernel netlink link/address/route operations, used by the Network
// gateway to bring up the container's network namespace. It wraps
// github.com/vishvananda/netlink and github.com/vishvananda/netns instead
// of shelling out to the `ip` binary, mirroring the method shape of
// original_source/libsoftwarecontainer/src/netlink.cpp
// (setDefaultGateway/up/down/isBridgeAvailable/get_interfaces).
package netlink

import (
	"fmt"
	"net"
	"runtime"

	vnl "github.com/vishvananda/netlink"
	"github.com/vishvananda/netns"
)

// Client issues netlink requests, optionally inside a named network
// namespace.
type Client struct{}

// New returns a Client.
func New() *Client {
	return &Client{}
}

// Interfaces lists the host's network interfaces as (index, name) pairs,
// equivalent to Netlink::get_interfaces.
func (c *Client) Interfaces() ([]Interface, error) {
	links, err := vnl.LinkList()
	if err != nil {
		return nil, fmt.Errorf("netlink: list links: %w", err)
	}
	out := make([]Interface, 0, len(links))
	for _, l := range links {
		out = append(out, Interface{Index: l.Attrs().Index, Name: l.Attrs().Name})
	}
	return out, nil
}

// Interface is one (index, name) pair returned by Interfaces.
type Interface struct {
	Index int
	Name  string
}

// IsBridgeAvailable reports whether a host-side bridge interface named
// bridgeName exists and carries expectedAddress, equivalent to
// Netlink::isBridgeAvailable.
func (c *Client) IsBridgeAvailable(bridgeName string, expectedAddress net.IP) (bool, error) {
	link, err := vnl.LinkByName(bridgeName)
	if err != nil {
		if _, ok := err.(vnl.LinkNotFoundError); ok {
			return false, nil
		}
		return false, fmt.Errorf("netlink: lookup bridge %s: %w", bridgeName, err)
	}

	addrs, err := vnl.AddrList(link, vnl.FAMILY_V4)
	if err != nil {
		return false, fmt.Errorf("netlink: list addresses on %s: %w", bridgeName, err)
	}
	for _, a := range addrs {
		if a.IP.Equal(expectedAddress) {
			return true, nil
		}
	}
	return false, nil
}

// UpInNamespace brings ifaceName up inside the named network namespace,
// assigns ip/prefixLen to it, and sets defaultGateway as its default route
// — the in-container half of Netlink::up plus setDefaultGateway, run after
// entering the namespace rather than against a raw netlink socket fd passed
// in from the caller.
func (c *Client) UpInNamespace(nsName, ifaceName string, ip net.IP, prefixLen int, defaultGateway net.IP) error {
	return c.withNamespace(nsName, func() error {
		return c.bringUp(ifaceName, ip, prefixLen, defaultGateway)
	})
}

// UpInNamespacePath is UpInNamespace for a namespace identified by its
// /proc/<pid>/ns/net path rather than a name under /var/run/netns, which
// is how containerd-managed containers expose their network namespace.
func (c *Client) UpInNamespacePath(nsPath, ifaceName string, ip net.IP, prefixLen int, defaultGateway net.IP) error {
	return c.withNamespacePath(nsPath, func() error {
		return c.bringUp(ifaceName, ip, prefixLen, defaultGateway)
	})
}

func (c *Client) bringUp(ifaceName string, ip net.IP, prefixLen int, defaultGateway net.IP) error {
	link, err := vnl.LinkByName(ifaceName)
	if err != nil {
		return fmt.Errorf("netlink: lookup %s: %w", ifaceName, err)
	}

	addr := &vnl.Addr{IPNet: &net.IPNet{IP: ip, Mask: net.CIDRMask(prefixLen, 32)}}
	if err := vnl.AddrAdd(link, addr); err != nil {
		return fmt.Errorf("netlink: assign %s/%d to %s: %w", ip, prefixLen, ifaceName, err)
	}

	if err := vnl.LinkSetUp(link); err != nil {
		return fmt.Errorf("netlink: set %s up: %w", ifaceName, err)
	}

	route := &vnl.Route{LinkIndex: link.Attrs().Index, Gw: defaultGateway}
	if err := vnl.RouteAdd(route); err != nil {
		return fmt.Errorf("netlink: set default route via %s: %w", defaultGateway, err)
	}

	return nil
}

// Down brings ifaceName down, equivalent to Netlink::down.
func (c *Client) Down(ifaceName string) error {
	link, err := vnl.LinkByName(ifaceName)
	if err != nil {
		return fmt.Errorf("netlink: lookup %s: %w", ifaceName, err)
	}
	if err := vnl.LinkSetDown(link); err != nil {
		return fmt.Errorf("netlink: set %s down: %w", ifaceName, err)
	}
	return nil
}

// DownInNamespacePath is Down for an interface inside the namespace at
// nsPath, used to roll back a partial UpInNamespacePath.
func (c *Client) DownInNamespacePath(nsPath, ifaceName string) error {
	return c.withNamespacePath(nsPath, func() error {
		link, err := vnl.LinkByName(ifaceName)
		if err != nil {
			return fmt.Errorf("netlink: lookup %s in ns %s: %w", ifaceName, nsPath, err)
		}
		return vnl.LinkSetDown(link)
	})
}

// withNamespace runs fn with the calling goroutine's thread switched into
// the named network namespace, restoring the original namespace before
// returning. The goroutine is locked to its OS thread for the duration,
// since network namespaces are a per-thread property on Linux.
func (c *Client) withNamespace(nsName string, fn func() error) error {
	runtime.LockOSThread()
	defer runtime.UnlockOSThread()

	origin, err := netns.Get()
	if err != nil {
		return fmt.Errorf("netlink: get current namespace: %w", err)
	}
	defer origin.Close()

	target, err := netns.GetFromName(nsName)
	if err != nil {
		return fmt.Errorf("netlink: open namespace %s: %w", nsName, err)
	}
	defer target.Close()

	if err := netns.Set(target); err != nil {
		return fmt.Errorf("netlink: enter namespace %s: %w", nsName, err)
	}
	defer netns.Set(origin)

	return fn()
}

// withNamespacePath is withNamespace for a namespace opened by filesystem
// path (e.g. /proc/<pid>/ns/net) rather than by name.
func (c *Client) withNamespacePath(nsPath string, fn func() error) error {
	runtime.LockOSThread()
	defer runtime.UnlockOSThread()

	origin, err := netns.Get()
	if err != nil {
		return fmt.Errorf("netlink: get current namespace: %w", err)
	}
	defer origin.Close()

	target, err := netns.GetFromPath(nsPath)
	if err != nil {
		return fmt.Errorf("netlink: open namespace %s: %w", nsPath, err)
	}
	defer target.Close()

	if err := netns.Set(target); err != nil {
		return fmt.Errorf("netlink: enter namespace %s: %w", nsPath, err)
	}
	defer netns.Set(origin)

	return fn()
}
