package cgroups

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

func TestMemoryLimitUnionTakesHigherValue(t *testing.T) {
	g := New()
	require.NoError(t, g.ReadConfigElement(frag(t, configElement{Setting: memoryLimitSetting, Value: "20"})))
	require.NoError(t, g.ReadConfigElement(frag(t, configElement{Setting: memoryLimitSetting, Value: "10000"})))
	assert.Equal(t, "10000", g.settings[memoryLimitSetting])
}

func TestMemoryLimitUnionIgnoresLowerLaterValue(t *testing.T) {
	g := New()
	require.NoError(t, g.ReadConfigElement(frag(t, configElement{Setting: memoryLimitSetting, Value: "10000"})))
	require.NoError(t, g.ReadConfigElement(frag(t, configElement{Setting: memoryLimitSetting, Value: "20"})))
	assert.Equal(t, "10000", g.settings[memoryLimitSetting])
}

func TestUnrecognisedSettingLastWriteWins(t *testing.T) {
	g := New()
	require.NoError(t, g.ReadConfigElement(frag(t, configElement{Setting: "cpu.shares", Value: "512"})))
	require.NoError(t, g.ReadConfigElement(frag(t, configElement{Setting: "cpu.shares", Value: "1024"})))
	assert.Equal(t, "1024", g.settings["cpu.shares"])
}

func TestSplitSetting(t *testing.T) {
	sub, item, ok := splitSetting("memory.limit_in_bytes")
	require.True(t, ok)
	assert.Equal(t, "memory", sub)
	assert.Equal(t, "limit_in_bytes", item)

	_, _, ok = splitSetting("noDot")
	assert.False(t, ok)
}
