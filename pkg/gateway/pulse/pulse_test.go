package pulse

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestReadConfigElementRequiresAudio(t *testing.T) {
	g := New()
	err := g.ReadConfigElement(json.RawMessage(`{}`))
	require.Error(t, err)
}

func TestReadConfigElementRejectsInvalidJSON(t *testing.T) {
	g := New()
	err := g.ReadConfigElement(json.RawMessage(`{"audio": }`))
	require.Error(t, err)
}

func TestReadConfigElementEnablesOnTrue(t *testing.T) {
	g := New()
	require.NoError(t, g.ReadConfigElement(json.RawMessage(`{"audio": "true"}`)))
	assert.True(t, g.enabled)
}

func TestReadConfigElementDisablesOnAnyOtherValue(t *testing.T) {
	cases := []string{"false", "faulty-value"}
	for _, audio := range cases {
		g := New()
		err := g.ReadConfigElement(json.RawMessage(`{"audio": "` + audio + `"}`))
		require.NoError(t, err)
		assert.False(t, g.enabled)
	}
}

func TestActivateRequiresConfigElement(t *testing.T) {
	g := New()
	err := g.Activate(nil, nil)
	require.Error(t, err)
}

func TestActivateDisabledIsNoopWithoutContainer(t *testing.T) {
	g := New()
	require.NoError(t, g.ReadConfigElement(json.RawMessage(`{"audio": "false"}`)))
	err := g.Activate(nil, nil)
	require.NoError(t, err)
}
