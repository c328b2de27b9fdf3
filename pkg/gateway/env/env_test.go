package env

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pelagicore/softwarecontainer/pkg/scerrors"
)

func frag(t *testing.T, v any) json.RawMessage {
	t.Helper()
	b, err := json.Marshal(v)
	require.NoError(t, err)
	return b
}

func TestSetOnAbsentVariableDefinesIt(t *testing.T) {
	g := New()
	require.NoError(t, g.ReadConfigElement(frag(t, configElement{Name: "PATH", Value: "/usr/bin"})))
	assert.Equal(t, "/usr/bin", g.values["PATH"])
}

func TestSetOnPresentVariableErrors(t *testing.T) {
	g := New()
	require.NoError(t, g.ReadConfigElement(frag(t, configElement{Name: "PATH", Value: "/usr/bin"})))
	err := g.ReadConfigElement(frag(t, configElement{Name: "PATH", Value: "/opt/bin"}))
	require.Error(t, err)
	assert.True(t, scerrors.Is(err, scerrors.FamilyGatewayConfig, scerrors.KindConflictWithExisting))
}

func TestAppendOnPresentVariableConcatenates(t *testing.T) {
	g := New()
	require.NoError(t, g.ReadConfigElement(frag(t, configElement{Name: "PATH", Value: "/usr/bin"})))
	require.NoError(t, g.ReadConfigElement(frag(t, configElement{
		Name: "PATH", Value: "/opt/bin", Mode: "append", Separator: ":",
	})))
	assert.Equal(t, "/usr/bin:/opt/bin", g.values["PATH"])
}

func TestAppendIdempotenceWithSameValue(t *testing.T) {
	g := New()
	require.NoError(t, g.ReadConfigElement(frag(t, configElement{Name: "PATH", Value: "/usr/bin"})))
	el := configElement{Name: "PATH", Value: "/opt/bin", Mode: "append", Separator: ":"}
	require.NoError(t, g.ReadConfigElement(frag(t, el)))
	require.NoError(t, g.ReadConfigElement(frag(t, el)))
	assert.Equal(t, "/usr/bin:/opt/bin:/opt/bin", g.values["PATH"])
}

func TestPrependOnAbsentVariableCreatesIt(t *testing.T) {
	g := New()
	require.NoError(t, g.ReadConfigElement(frag(t, configElement{
		Name: "PATH", Value: "/opt/bin", Mode: "prepend",
	})))
	assert.Equal(t, "/opt/bin", g.values["PATH"])
}

func TestPrependOnPresentVariable(t *testing.T) {
	g := New()
	require.NoError(t, g.ReadConfigElement(frag(t, configElement{Name: "PATH", Value: "/usr/bin"})))
	require.NoError(t, g.ReadConfigElement(frag(t, configElement{
		Name: "PATH", Value: "/opt/bin", Mode: "prepend", Separator: ":",
	})))
	assert.Equal(t, "/opt/bin:/usr/bin", g.values["PATH"])
}

func TestUnknownModeIsRejected(t *testing.T) {
	g := New()
	err := g.ReadConfigElement(frag(t, configElement{Name: "PATH", Value: "/usr/bin", Mode: "bogus"}))
	require.Error(t, err)
	assert.True(t, scerrors.Is(err, scerrors.FamilyGatewayConfig, scerrors.KindFieldType))
}

func TestMissingNameIsRejected(t *testing.T) {
	g := New()
	err := g.ReadConfigElement(frag(t, configElement{Value: "x"}))
	require.Error(t, err)
	assert.True(t, scerrors.Is(err, scerrors.FamilyGatewayConfig, scerrors.KindFieldMissing))
}
