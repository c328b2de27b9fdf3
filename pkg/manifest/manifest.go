// Package manifest implements the Capability/Manifest Store (§4.9): loads
// one or more service manifests — JSON documents enumerating named
// capabilities, each a bundle of per-gateway configuration fragments — and
// answers queries against the merged result. Grounded on
// original_source/agent/src/capability/baseconfigstore.cpp for the parse
// error set (one distinguished scerrors.Kind per missing/malformed field,
// same message granularity) and the walk-and-accumulate shape, with one
// deliberate behavior change: the original's parseGatewayConfigs skips a
// capability name it has already seen ("Capability %s already loaded"),
// whereas this store merges — per gateway ID, fragment arrays concatenate
// in load order, and a capability name is never destructively redefined.
package manifest

import (
	"encoding/json"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/pelagicore/softwarecontainer/pkg/scerrors"
)

// GatewayConfiguration is a mapping from gateway ID to the ordered list of
// JSON fragments contributed to it, in load order.
type GatewayConfiguration map[string][]json.RawMessage

func (gc GatewayConfiguration) append(gatewayID string, fragments []json.RawMessage) {
	gc[gatewayID] = append(gc[gatewayID], fragments...)
}

// Store is the parsed, merged view of every manifest it was loaded from.
// A Store is built once and never mutated afterward; it is safe for
// concurrent read-only use.
type Store struct {
	capabilities map[string]GatewayConfiguration
}

// manifestDocument is the on-disk shape: { version, capabilities: [ {
// name, gateways: [ { id, config: [...] } ] } ] }.
type manifestDocument struct {
	Version      string            `json:"version"`
	Capabilities []json.RawMessage `json:"capabilities"`
}

type capabilityDocument struct {
	Name     *string           `json:"name"`
	Gateways []json.RawMessage `json:"gateways"`
}

type gatewayDocument struct {
	ID     *string           `json:"id"`
	Config []json.RawMessage `json:"config"`
}

// LoadDir walks dir recursively and loads every file ending in ".json" as
// a manifest, in the lexical order filepath.WalkDir visits them. A single
// parse failure anywhere aborts the whole load: the store is never
// partially populated.
func LoadDir(dir string) (*Store, error) {
	var paths []string
	err := filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return nil
		}
		if strings.HasSuffix(d.Name(), ".json") {
			paths = append(paths, path)
		}
		return nil
	})
	if err != nil {
		return nil, scerrors.Manifest(scerrors.KindPathInvalid, "manifest: walk "+dir+": "+err.Error())
	}
	sort.Strings(paths)

	docs := make([][]byte, 0, len(paths))
	for _, p := range paths {
		b, err := os.ReadFile(p)
		if err != nil {
			return nil, scerrors.Manifest(scerrors.KindPathInvalid, "manifest: read "+p+": "+err.Error())
		}
		docs = append(docs, b)
	}
	return LoadStrings(docs)
}

// LoadFile loads a single manifest file.
func LoadFile(path string) (*Store, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, scerrors.Manifest(scerrors.KindPathInvalid, "manifest: read "+path+": "+err.Error())
	}
	return LoadStrings([][]byte{b})
}

// LoadStrings parses each of docs as an independent manifest document and
// merges the results, in the order given. Intended for tests and for
// SetGatewayConfigs-style raw-fragment callers that never touch disk.
func LoadStrings(docs [][]byte) (*Store, error) {
	s := &Store{capabilities: make(map[string]GatewayConfiguration)}
	for _, doc := range docs {
		if err := s.loadOne(doc); err != nil {
			return nil, err
		}
	}
	return s, nil
}

func (s *Store) loadOne(raw []byte) error {
	var doc manifestDocument
	if err := json.Unmarshal(raw, &doc); err != nil {
		return scerrors.Manifest(scerrors.KindParseFailure, "manifest: invalid JSON: "+err.Error())
	}
	if doc.Capabilities == nil {
		return scerrors.Manifest(scerrors.KindSchemaViolation, "manifest: missing capabilities array")
	}

	for _, rawCap := range doc.Capabilities {
		var capDoc capabilityDocument
		if err := json.Unmarshal(rawCap, &capDoc); err != nil || !isJSONObject(rawCap) {
			return scerrors.Manifest(scerrors.KindSchemaViolation, "manifest: capability entry is not an object")
		}
		if capDoc.Name == nil || *capDoc.Name == "" {
			return scerrors.Manifest(scerrors.KindSchemaViolation, "manifest: capability missing name")
		}
		if capDoc.Gateways == nil {
			return scerrors.Manifest(scerrors.KindSchemaViolation, "manifest: capability \""+*capDoc.Name+"\" missing gateways array")
		}

		gwConf, err := parseGateways(*capDoc.Name, capDoc.Gateways)
		if err != nil {
			return err
		}

		existing, ok := s.capabilities[*capDoc.Name]
		if !ok {
			s.capabilities[*capDoc.Name] = gwConf
			continue
		}
		for gwID, fragments := range gwConf {
			existing.append(gwID, fragments)
		}
	}
	return nil
}

func parseGateways(capName string, rawGateways []json.RawMessage) (GatewayConfiguration, error) {
	gwConf := make(GatewayConfiguration)
	for _, rawGw := range rawGateways {
		var gw gatewayDocument
		if err := json.Unmarshal(rawGw, &gw); err != nil || !isJSONObject(rawGw) {
			return nil, scerrors.Manifest(scerrors.KindSchemaViolation,
				"manifest: gateway entry in \""+capName+"\" is not an object")
		}
		if gw.ID == nil || *gw.ID == "" {
			return nil, scerrors.Manifest(scerrors.KindSchemaViolation,
				"manifest: gateway in \""+capName+"\" missing id")
		}
		if gw.Config == nil {
			return nil, scerrors.Manifest(scerrors.KindSchemaViolation,
				"manifest: gateway \""+*gw.ID+"\" in \""+capName+"\" missing config array")
		}
		gwConf.append(*gw.ID, gw.Config)
	}
	return gwConf, nil
}

func isJSONObject(raw json.RawMessage) bool {
	trimmed := strings.TrimSpace(string(raw))
	return strings.HasPrefix(trimmed, "{")
}

// AllCapabilityIDs returns every capability name known to the store, in
// no particular order.
func (s *Store) AllCapabilityIDs() []string {
	ids := make([]string, 0, len(s.capabilities))
	for id := range s.capabilities {
		ids = append(ids, id)
	}
	return ids
}

// ConfigsFor resolves ids against the store and returns the merged
// GatewayConfiguration across all of them, in the order ids are given and
// then in each capability's own load order. Unknown IDs contribute
// nothing and are not an error.
func (s *Store) ConfigsFor(ids []string) GatewayConfiguration {
	merged := make(GatewayConfiguration)
	for _, id := range ids {
		gwConf, ok := s.capabilities[id]
		if !ok {
			continue
		}
		for gwID, fragments := range gwConf {
			merged.append(gwID, fragments)
		}
	}
	return merged
}
