// Package dispatch implements spec §6's "Address form" dispatch table: a
// JSON array of (properties, endpoint) pairs, consulted by the scheduler
// to pick a remote-execution endpoint for an action by matching its
// platform properties.
//
// Grounded on original_source's bazel_network.cpp dispatch logic
// (subset-matching against platform properties) and spec.md §6 directly;
// no teacher equivalent exists, so this follows the teacher's general
// config-file-loading style (plain encoding/json, no third-party schema
// library, matching how small internal config blobs are handled
// elsewhere in the teacher's tree).
package dispatch

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/forgebuild/forge/internal/model"
)

// An Entry pairs a set of required platform properties with the endpoint
// that should handle any action whose own properties are a superset of
// them.
type Entry struct {
	Properties map[string]string
	Endpoint   string
}

// A Table is an ordered list of dispatch Entries; the first whose
// Properties is a subset of an action's properties wins.
type Table []Entry

// Load reads a dispatch file: a JSON array of [properties_object,
// "host:port"] pairs.
func Load(path string) (Table, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("dispatch: reading %s: %w", path, err)
	}
	var raw []json.RawMessage
	if err := json.Unmarshal(b, &raw); err != nil {
		return nil, fmt.Errorf("dispatch: decoding %s: %w", path, err)
	}
	table := make(Table, 0, len(raw))
	for i, entry := range raw {
		var pair [2]json.RawMessage
		if err := json.Unmarshal(entry, &pair); err != nil {
			return nil, fmt.Errorf("dispatch: entry %d of %s is not a [properties, endpoint] pair: %w", i, path, err)
		}
		var props map[string]string
		if err := json.Unmarshal(pair[0], &props); err != nil {
			return nil, fmt.Errorf("dispatch: entry %d of %s has a non-object properties field: %w", i, path, err)
		}
		var endpoint string
		if err := json.Unmarshal(pair[1], &endpoint); err != nil {
			return nil, fmt.Errorf("dispatch: entry %d of %s has a non-string endpoint: %w", i, path, err)
		}
		table = append(table, Entry{Properties: props, Endpoint: endpoint})
	}
	return table, nil
}

// Resolve returns the endpoint of the first Entry whose Properties is a
// subset of props, or ("", false) if none match.
func (t Table) Resolve(props []model.Property) (string, bool) {
	for _, e := range t {
		if isSubset(e.Properties, props) {
			return e.Endpoint, true
		}
	}
	return "", false
}

func isSubset(want map[string]string, have []model.Property) bool {
	for name, value := range want {
		found := false
		for _, p := range have {
			if p.Name == name && p.Value == value {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	return true
}
