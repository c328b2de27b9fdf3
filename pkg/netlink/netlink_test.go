package netlink

import (
	"net"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestInterfacesIncludesLoopback(t *testing.T) {
	c := New()
	ifaces, err := c.Interfaces()
	require.NoError(t, err)

	found := false
	for _, i := range ifaces {
		if i.Name == "lo" {
			found = true
		}
	}
	assert.True(t, found, "expected loopback interface in %+v", ifaces)
}

func TestIsBridgeAvailableReturnsFalseForMissingBridge(t *testing.T) {
	c := New()
	ok, err := c.IsBridgeAvailable("sc-nonexistent-br0", net.ParseIP("10.0.3.1"))
	require.NoError(t, err)
	assert.False(t, ok)
}
