package manifest

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pelagicore/softwarecontainer/pkg/scerrors"
)

const shortManifest = `{
	"version": "1",
	"capabilities": [
		{
			"name": "com.pelagicore.temperatureservice.gettemperature",
			"gateways": [
				{"id": "dbus", "config": [
					{"dbus-gateway-config-session": []},
					{"dbus-gateway-config-system": [
						{"direction": "outgoing", "interface": "org.freedesktop.DBus.Introspectable",
						 "object-path": "/com/pelagicore/TemperatureService", "method": "Introspect"}
					]}
				]}
			]
		}
	]
}`

const longManifest = `{
	"version": "1",
	"capabilities": [
		{
			"name": "com.pelagicore.temperatureservice.gettemperature",
			"gateways": [
				{"id": "dbus", "config": [
					{"dbus-gateway-config-session": []},
					{"dbus-gateway-config-system": [
						{"direction": "outgoing", "interface": "org.freedesktop.DBus.Introspectable",
						 "object-path": "/com/pelagicore/TemperatureService", "method": "Introspect"},
						{"direction": "outgoing", "interface": "com.pelagicore.TemperatureService",
						 "object-path": "/com/pelagicore/TemperatureService", "method": "Echo"}
					]}
				]},
				{"id": "dummy-gw2", "config": []}
			]
		},
		{
			"name": "com.pelagicore.temperatureservice.settemperature",
			"gateways": [
				{"id": "dbus", "config": []}
			]
		},
		{
			"name": "dummyCapC",
			"gateways": [
				{"id": "dbus", "config": []},
				{"id": "dummy-gw2", "config": []}
			]
		},
		{
			"name": "dummyCapD",
			"gateways": [
				{"id": "dummy-gw1", "config": []},
				{"id": "dummy-gw2", "config": []}
			]
		}
	]
}`

func TestLoadStringsEmptyDoc(t *testing.T) {
	_, err := LoadStrings(nil)
	require.NoError(t, err)
}

func TestLoadStringsShortManifest(t *testing.T) {
	s, err := LoadStrings([][]byte{[]byte(shortManifest)})
	require.NoError(t, err)
	assert.Contains(t, s.AllCapabilityIDs(), "com.pelagicore.temperatureservice.gettemperature")
}

func TestConfigsForFetchesOneCapability(t *testing.T) {
	s, err := LoadStrings([][]byte{[]byte(longManifest)})
	require.NoError(t, err)

	gwConf := s.ConfigsFor([]string{"com.pelagicore.temperatureservice.gettemperature"})
	assert.NotEmpty(t, gwConf["dbus"])
}

func TestAllCapabilityIDsListsEveryName(t *testing.T) {
	s, err := LoadStrings([][]byte{[]byte(longManifest)})
	require.NoError(t, err)

	ids := s.AllCapabilityIDs()
	assert.Contains(t, ids, "com.pelagicore.temperatureservice.gettemperature")
	assert.Contains(t, ids, "com.pelagicore.temperatureservice.settemperature")
	assert.Contains(t, ids, "dummyCapC")
	assert.Contains(t, ids, "dummyCapD")
}

func TestConfigsForUnknownIDIsEmpty(t *testing.T) {
	s, err := LoadStrings([][]byte{[]byte(longManifest)})
	require.NoError(t, err)

	gwConf := s.ConfigsFor([]string{"EvilCapName"})
	assert.Empty(t, gwConf)
}

func TestConfigsForMergesAcrossManifests(t *testing.T) {
	s, err := LoadStrings([][]byte{[]byte(shortManifest), []byte(longManifest)})
	require.NoError(t, err)

	gwConf := s.ConfigsFor([]string{"com.pelagicore.temperatureservice.gettemperature"})
	// shortManifest contributes 2 dbus fragments, longManifest contributes 2 more.
	assert.Len(t, gwConf["dbus"], 4)
}

func TestLoadStringsRejectsMissingCapabilitiesArray(t *testing.T) {
	_, err := LoadStrings([][]byte{[]byte(`{"version": "1"}`)})
	require.Error(t, err)
	assert.True(t, scerrors.Is(err, scerrors.FamilyManifest, scerrors.KindSchemaViolation))
}

func TestLoadStringsRejectsCapabilityArrayWrongType(t *testing.T) {
	_, err := LoadStrings([][]byte{[]byte(`{"version": "1", "capabilities": 1234}`)})
	require.Error(t, err)
}

func TestLoadStringsRejectsCapabilityMissingName(t *testing.T) {
	_, err := LoadStrings([][]byte{[]byte(`{"version": "1", "capabilities": [{}]}`)})
	require.Error(t, err)
}

func TestLoadStringsRejectsCapabilityMissingGateways(t *testing.T) {
	_, err := LoadStrings([][]byte{[]byte(`{"version": "1", "capabilities": [{"name": "test.cap"}]}`)})
	require.Error(t, err)
}

func TestLoadStringsRejectsGatewaysNotArray(t *testing.T) {
	_, err := LoadStrings([][]byte{[]byte(`{"version": "1", "capabilities": [
		{"name": "test.cap", "gateways": "This is not a json array"}
	]}`)})
	require.Error(t, err)
}

func TestLoadStringsRejectsGatewayMissingID(t *testing.T) {
	_, err := LoadStrings([][]byte{[]byte(`{"version": "1", "capabilities": [
		{"name": "test.cap", "gateways": [{}]}
	]}`)})
	require.Error(t, err)
}

func TestLoadStringsRejectsGatewayMissingConfig(t *testing.T) {
	_, err := LoadStrings([][]byte{[]byte(`{"version": "1", "capabilities": [
		{"name": "test.cap", "gateways": [{"id": "dbus"}]}
	]}`)})
	require.Error(t, err)
}

func TestLoadStringsRejectsGatewayConfigNotArray(t *testing.T) {
	_, err := LoadStrings([][]byte{[]byte(`{"version": "1", "capabilities": [
		{"name": "test.cap", "gateways": [{"id": "dbus", "config": "nope"}]}
	]}`)})
	require.Error(t, err)
}

func TestLoadStringsRejectsNonObjectCapability(t *testing.T) {
	_, err := LoadStrings([][]byte{[]byte(`{"version": "1", "capabilities": [[], [], []]}`)})
	require.Error(t, err)
}

func TestLoadStringsRejectsNonObjectGateway(t *testing.T) {
	_, err := LoadStrings([][]byte{[]byte(`{"version": "1", "capabilities": [
		{"name": "test.cap", "gateways": [[], [], []]}
	]}`)})
	require.Error(t, err)
}

func TestLoadStringsRejectsInvalidJSON(t *testing.T) {
	_, err := LoadStrings([][]byte{[]byte(`not json at all`)})
	require.Error(t, err)
	assert.True(t, scerrors.Is(err, scerrors.FamilyManifest, scerrors.KindParseFailure))
}

func TestLoadDirRejectsMissingDirectory(t *testing.T) {
	_, err := LoadDir("/nonexistent/path/for/manifest/test")
	require.Error(t, err)
}

func TestLoadFileRejectsMissingFile(t *testing.T) {
	_, err := LoadFile("/nonexistent/path/for/manifest/test.json")
	require.Error(t, err)
}
