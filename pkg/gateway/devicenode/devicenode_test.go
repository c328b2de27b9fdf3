package devicenode

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func frag(t *testing.T, v any) json.RawMessage {
	t.Helper()
	b, err := json.Marshal(v)
	require.NoError(t, err)
	return b
}

func strPtr(s string) *string { return &s }

func TestModeUnionIsDigitwiseMax(t *testing.T) {
	assert.Equal(t, "755", unionMode("622", "755"))
	assert.Equal(t, "466", unionMode("444", "266"))
}

func TestDeviceModeMergeAcrossFragments(t *testing.T) {
	g := New()
	require.NoError(t, g.ReadConfigElement(frag(t, configElement{Name: "/dev/tty0", Mode: strPtr("622")})))
	require.NoError(t, g.ReadConfigElement(frag(t, configElement{Name: "/dev/tty0", Mode: strPtr("755")})))
	assert.Equal(t, "755", *g.devices["/dev/tty0"].mode)
	assert.False(t, g.isDeviceConfigured("/dev/tty0"))
}

func TestInvalidModeRejected(t *testing.T) {
	g := New()
	err := g.ReadConfigElement(frag(t, configElement{Name: "/dev/tty0", Mode: strPtr("999")}))
	require.Error(t, err)
}

func TestMissingNameRejected(t *testing.T) {
	g := New()
	err := g.ReadConfigElement(frag(t, configElement{Mode: strPtr("644")}))
	require.Error(t, err)
}

func TestDeviceWithoutModeUsesLaterModeIfProvided(t *testing.T) {
	g := New()
	require.NoError(t, g.ReadConfigElement(frag(t, configElement{Name: "/dev/tty0"})))
	assert.Nil(t, g.devices["/dev/tty0"].mode)
	require.NoError(t, g.ReadConfigElement(frag(t, configElement{Name: "/dev/tty0", Mode: strPtr("644")})))
	assert.Equal(t, "644", *g.devices["/dev/tty0"].mode)
}
