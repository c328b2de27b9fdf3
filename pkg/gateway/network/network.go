// Package network implements the Network gateway (spec §4.4): verifies
// the host bridge, deterministically derives the container's address,
// brings up its eth0 inside its own network namespace, and emits
// allow-list iptables rules per configured entry. Grounded on
// original_source/libsoftwarecontainer/src/gateway/network/networkgateway.cpp
// (readConfigElement/activateGateway/up/setDefaultGateway) and
// iptableentry.cpp (interpretRule/interpretRuleWithProtocol/interpretPolicy,
// each spawning one `iptables` command directly on the host rather than
// inside the container — carried over here since the Invariant that
// teardown never retracts individual rules only holds if they were never
// scoped to the container's own, short-lived network namespace).
package network

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"net"
	"os/exec"
	"sort"
	"strconv"
	"strings"
	"sync"

	"github.com/pelagicore/softwarecontainer/pkg/cleanup"
	"github.com/pelagicore/softwarecontainer/pkg/container"
	"github.com/pelagicore/softwarecontainer/pkg/gateway"
	"github.com/pelagicore/softwarecontainer/pkg/log"
	"github.com/pelagicore/softwarecontainer/pkg/netlink"
	"github.com/pelagicore/softwarecontainer/pkg/scerrors"
	"github.com/pelagicore/softwarecontainer/pkg/types"
)

// validProtocols are the three protocols §4.4 allows a rule to name.
var validProtocols = map[string]bool{"tcp": true, "udp": true, "icmp": true}

// Config carries the host-side network facts the gateway needs but that
// no capability fragment supplies: which bridge the container attaches
// to, the bridge's own address, and the container's numeric identity
// (used to derive its address deterministically). This mirrors the
// constructor arguments the original NetworkGateway took alongside its
// Gateway base, rather than anything parsed from JSON.
type Config struct {
	BridgeName    string
	GatewayIP     net.IP
	PrefixLen     int
	InterfaceName string // defaults to "eth0"
	ContainerID   int
}

// Gateway is the Network gateway.
type Gateway struct {
	gateway.Base

	cfg Config
	nl  *netlink.Client

	mu      sync.Mutex
	entries []entry
}

type entry struct {
	Direction string `json:"direction"`
	Allow     []rule `json:"allow"`
}

type rule struct {
	Host      string          `json:"host"`
	Ports     json.RawMessage `json:"ports,omitempty"`
	Protocols json.RawMessage `json:"protocols,omitempty"`
}

// New constructs an unconfigured Network gateway for one container.
func New(cfg Config) *Gateway {
	if cfg.InterfaceName == "" {
		cfg.InterfaceName = "eth0"
	}
	return &Gateway{
		Base: gateway.NewBase(types.GatewayNetwork),
		cfg:  cfg,
		nl:   netlink.New(),
	}
}

// ReadConfigElement parses one network entry (spec §4.4's configuration
// model: direction + allow rules) and appends it to the accumulated
// entry list.
func (g *Gateway) ReadConfigElement(fragment json.RawMessage) error {
	if g.cfg.PrefixLen < 8 || g.cfg.PrefixLen > 32 {
		return scerrors.GatewayConfig(scerrors.KindValueOutOfRange,
			fmt.Sprintf("network: prefix length %d is ambiguous, must be between /8 and /32", g.cfg.PrefixLen))
	}

	var e entry
	if err := json.Unmarshal(fragment, &e); err != nil {
		return scerrors.GatewayConfig(scerrors.KindFieldType, "network: invalid fragment: "+err.Error())
	}
	switch e.Direction {
	case "INCOMING", "OUTGOING":
	default:
		return scerrors.GatewayConfig(scerrors.KindFieldType, "network: direction must be INCOMING or OUTGOING, got "+e.Direction)
	}
	for _, r := range e.Allow {
		if _, _, err := parsePorts(r.Ports); err != nil {
			return err
		}
		if _, err := parseProtocols(r.Protocols); err != nil {
			return err
		}
	}

	g.mu.Lock()
	g.entries = append(g.entries, e)
	g.mu.Unlock()

	g.MarkConfigured()
	return nil
}

// Activate verifies the bridge, derives and assigns the container's
// address, and emits the configured allow-list rules, in the order
// spec.md's §4.4 algorithm lists them.
func (g *Gateway) Activate(ctx context.Context, c *container.Container) error {
	if err := g.PrepareActivate(); err != nil {
		return err
	}

	ok, err := g.nl.IsBridgeAvailable(g.cfg.BridgeName, g.cfg.GatewayIP)
	if err != nil {
		return scerrors.GatewayActivation(scerrors.KindKernelCallFailed, "verify bridge "+g.cfg.BridgeName, err)
	}
	if !ok {
		return scerrors.GatewayActivation(scerrors.KindHostResourceUnavailable,
			"bridge "+g.cfg.BridgeName+" not present or missing gateway address", nil)
	}

	ip, err := deriveContainerIP(g.cfg.GatewayIP, g.cfg.PrefixLen, g.cfg.ContainerID)
	if err != nil {
		return scerrors.Resource(scerrors.KindIPExhausted, "derive container address", err)
	}

	mark := c.CleanupMark()
	nsPath := c.NetNSPath()

	if err := g.nl.UpInNamespacePath(nsPath, g.cfg.InterfaceName, ip, g.cfg.PrefixLen, g.cfg.GatewayIP); err != nil {
		c.CleanupDrainFrom(mark)
		return scerrors.GatewayActivation(scerrors.KindKernelCallFailed, "bring up "+g.cfg.InterfaceName, err)
	}
	c.PushCleanup(ifaceDownHandler{nl: g.nl, nsPath: nsPath, iface: g.cfg.InterfaceName})

	g.mu.Lock()
	entries := append([]entry(nil), g.entries...)
	g.mu.Unlock()

	chains := make(map[string]bool)
	for _, e := range entries {
		chain := "OUTPUT"
		if e.Direction == "INCOMING" {
			chain = "INPUT"
		}
		chains[chain] = true
		for _, r := range e.Allow {
			if err := applyRule(chain, r); err != nil {
				c.CleanupDrainFrom(mark)
				return scerrors.GatewayActivation(scerrors.KindKernelCallFailed, "apply network rule", err)
			}
		}
	}

	// Each chain's default policy becomes DROP once any entry has touched
	// it (spec §4.4 step 5's implicit default target). Sorted so activation
	// is deterministic across runs.
	touched := make([]string, 0, len(chains))
	for chain := range chains {
		touched = append(touched, chain)
	}
	sort.Strings(touched)
	for _, chain := range touched {
		if err := runIPTables([]string{"-P", chain, "DROP"}); err != nil {
			c.CleanupDrainFrom(mark)
			return scerrors.GatewayActivation(scerrors.KindKernelCallFailed, "set default policy for "+chain, err)
		}
	}

	return nil
}

// Teardown is a no-op for the rules this gateway emitted: per spec §4.4's
// Invariants, they are not retracted individually. They were applied to
// the host's iptables ruleset (see runIPTables), so they, and the DROP
// chain policies Activate set, stay in place after Teardown and after the
// container's namespace is destroyed. The
// namespace bring-up and address assignment, by contrast, are unwound
// automatically by the cleanup handler Activate registered.
func (g *Gateway) Teardown(ctx context.Context, c *container.Container) error {
	g.MarkTornDown()
	return nil
}

// deriveContainerIP implements spec §4.4 step (2)'s formula:
// (gateway_ip & mask) | ((container_id + 1) & ~mask), rejecting a
// collision with the gateway address or a result outside the subnet's
// usable range.
func deriveContainerIP(gatewayIP net.IP, prefixLen int, containerID int) (net.IP, error) {
	gw4 := gatewayIP.To4()
	if gw4 == nil {
		return nil, fmt.Errorf("gateway address %s is not a valid IPv4 address", gatewayIP)
	}
	mask := net.CIDRMask(prefixLen, 32)

	gwInt := binary.BigEndian.Uint32(gw4)
	maskInt := binary.BigEndian.Uint32(mask)

	candidate := (gwInt & maskInt) | ((uint32(containerID) + 1) &^ maskInt)

	if candidate == gwInt {
		return nil, fmt.Errorf("derived address collides with gateway address %s", gatewayIP)
	}
	network := gwInt & maskInt
	broadcast := network | ^maskInt
	if candidate == network || candidate == broadcast {
		return nil, fmt.Errorf("derived address falls outside the usable range of %s/%d", gatewayIP, prefixLen)
	}

	out := make(net.IP, 4)
	binary.BigEndian.PutUint32(out, candidate)
	return out, nil
}

// applyRule expands one allow rule into one or more concrete iptables
// commands: one per protocol when protocols are named, a single command
// otherwise, grounded on IPTableEntry::interpretRule/interpretRuleWithProtocol.
func applyRule(chain string, r rule) error {
	tokens, multiport, err := parsePorts(r.Ports)
	if err != nil {
		return err
	}
	protocols, err := parseProtocols(r.Protocols)
	if err != nil {
		return err
	}

	if len(protocols) == 0 {
		// No protocol named: mirror the original's protocol-less path,
		// which still needs a -p clause once a port match is present
		// (multiport rules use the iptables "all" pseudo-protocol, a
		// single port defaults to tcp).
		switch {
		case len(tokens) == 0:
			protocols = []string{""}
		case multiport:
			protocols = []string{"all"}
		default:
			protocols = []string{"tcp"}
		}
	}

	portToken := strings.Join(tokens, ",")
	for _, proto := range protocols {
		args := buildRuleArgs(chain, r.Host, proto, portToken, multiport)
		if err := runIPTables(args); err != nil {
			return err
		}
	}
	return nil
}

func buildRuleArgs(chain, host, protocol, portToken string, multiport bool) []string {
	args := []string{"-A", chain}

	if host != "" && host != "*" {
		if chain == "INPUT" {
			args = append(args, "-s", host)
		} else {
			args = append(args, "-d", host)
		}
	}

	if protocol != "" {
		args = append(args, "-p", protocol)
	}

	if portToken != "" {
		if multiport {
			args = append(args, "-m", "multiport")
			if chain == "INPUT" {
				args = append(args, "--sports", portToken)
			} else {
				args = append(args, "--dports", portToken)
			}
		} else {
			if chain == "INPUT" {
				args = append(args, "--sport", portToken)
			} else {
				args = append(args, "--dport", portToken)
			}
		}
	}

	args = append(args, "-j", "ACCEPT")
	return args
}

// parsePorts accepts a single integer, a "lo:hi" range string, or an
// array of integers (spec §4.4), returning the multiport match's
// comma-joinable tokens and whether a multiport match is required.
func parsePorts(raw json.RawMessage) ([]string, bool, error) {
	if len(raw) == 0 {
		return nil, false, nil
	}

	var single float64
	if err := json.Unmarshal(raw, &single); err == nil {
		return []string{strconv.Itoa(int(single))}, false, nil
	}

	var rangeStr string
	if err := json.Unmarshal(raw, &rangeStr); err == nil {
		if !strings.Contains(rangeStr, ":") {
			return nil, false, scerrors.GatewayConfig(scerrors.KindFieldType, "network: port range must be \"lo:hi\", got "+rangeStr)
		}
		return []string{rangeStr}, true, nil
	}

	var list []float64
	if err := json.Unmarshal(raw, &list); err == nil {
		if len(list) == 0 {
			return nil, false, scerrors.GatewayConfig(scerrors.KindEmpty, "network: ports array is empty")
		}
		tokens := make([]string, len(list))
		for i, p := range list {
			tokens[i] = strconv.Itoa(int(p))
		}
		return tokens, true, nil
	}

	return nil, false, scerrors.GatewayConfig(scerrors.KindFieldType, "network: ports must be an integer, a \"lo:hi\" range, or an array of integers")
}

// parseProtocols accepts one protocol name or an array of names, each of
// which must be one of tcp|udp|icmp (spec §4.4).
func parseProtocols(raw json.RawMessage) ([]string, error) {
	if len(raw) == 0 {
		return nil, nil
	}

	var single string
	if err := json.Unmarshal(raw, &single); err == nil {
		if !validProtocols[single] {
			return nil, scerrors.GatewayConfig(scerrors.KindValueOutOfRange, "network: unsupported protocol "+single)
		}
		return []string{single}, nil
	}

	var list []string
	if err := json.Unmarshal(raw, &list); err == nil {
		for _, p := range list {
			if !validProtocols[p] {
				return nil, scerrors.GatewayConfig(scerrors.KindValueOutOfRange, "network: unsupported protocol "+p)
			}
		}
		return list, nil
	}

	return nil, scerrors.GatewayConfig(scerrors.KindFieldType, "network: protocols must be a string or an array of strings")
}

// runIPTables runs one iptables command on the host, the same pattern
// as the teacher's pkg/network/hostports.go runIPTables, adapted to the
// allow-list filter commands of spec §4.4 instead of static NAT rules.
func runIPTables(args []string) error {
	cmd := exec.Command("iptables", args...)
	out, err := cmd.CombinedOutput()
	if err != nil {
		return fmt.Errorf("iptables %s: %w (output: %s)", strings.Join(args, " "), err, strings.TrimSpace(string(out)))
	}
	log.Logger.Debug().Strs("args", args).Msg("applied network rule")
	return nil
}

// ifaceDownHandler reverses UpInNamespacePath, registered on the
// container's cleanup stack so a failed Activate (or later container
// destroy) brings the interface back down.
type ifaceDownHandler struct {
	nl     *netlink.Client
	nsPath string
	iface  string
}

func (h ifaceDownHandler) Clean() error {
	return h.nl.DownInNamespacePath(h.nsPath, h.iface)
}
func (h ifaceDownHandler) Name() string { return "" }

var _ cleanup.Handler = ifaceDownHandler{}
