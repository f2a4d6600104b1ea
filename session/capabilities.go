package session

import (
	"reflect"

	"github.com/streamware/mcp-session-go/mcp"
)

// clientCapabilitySatisfied reports whether every capability requested in
// want is present in have. The match is conjunctive: all requested typed
// fields and all requested experimental key/value pairs (matched recursively
// for nested maps) must be satisfied.
func clientCapabilitySatisfied(have, want mcp.ClientCapabilities) bool {
	if want.Sampling != nil && have.Sampling == nil {
		return false
	}
	if want.Elicitation != nil && have.Elicitation == nil {
		return false
	}
	if want.Roots != nil {
		if have.Roots == nil {
			return false
		}
		if want.Roots.ListChanged && !have.Roots.ListChanged {
			return false
		}
	}
	for key, wantVal := range want.Experimental {
		haveVal, ok := have.Experimental[key]
		if !ok || !experimentalSatisfied(haveVal, wantVal) {
			return false
		}
	}
	return true
}

// experimentalSatisfied matches nested experimental capability values. Maps
// match conjunctively key by key; leaf values must be equal.
func experimentalSatisfied(have, want any) bool {
	wantMap, wantIsMap := want.(map[string]any)
	if !wantIsMap {
		return reflect.DeepEqual(have, want)
	}
	haveMap, haveIsMap := have.(map[string]any)
	if !haveIsMap {
		return false
	}
	for k, wv := range wantMap {
		hv, ok := haveMap[k]
		if !ok || !experimentalSatisfied(hv, wv) {
			return false
		}
	}
	return true
}
