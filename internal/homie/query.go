package homie

import "strings"

// Query is a declarative selector over the device store's nodes and
// properties — a Subject in spec.md §3/§4.F terms. It is evaluated
// against the live Store to produce a MaterializedQuery's PropertyRef
// set. Grounded on original_source/src/rules/model/subject.rs.
type Query struct {
	Domain     string   // empty matches the configured default domain
	DeviceID   string   // empty matches any device
	NodeType   string   // empty matches any node type
	PropertyID string   // exact match; empty matches any property in scope
	Tags       []string // device must carry every tag listed
}

// DeviceTagger is implemented by whatever tracks device tags/metadata;
// the rule/virtual-device layers only need tag lookups, never full
// device metadata, so the dependency stays narrow.
type DeviceTagger interface {
	Tags(ref DeviceRef) []string
}

// Resolve evaluates the query against the store's current devices and
// descriptions, returning every matching PropertyRef.
func (q Query) Resolve(store *Store, tagger DeviceTagger) []PropertyRef {
	var out []PropertyRef
	for _, ref := range store.Devices() {
		if q.Domain != "" && ref.Domain != q.Domain {
			continue
		}
		if q.DeviceID != "" && ref.DeviceID != q.DeviceID {
			continue
		}
		if len(q.Tags) > 0 {
			if tagger == nil || !hasAllTags(tagger.Tags(ref), q.Tags) {
				continue
			}
		}
		desc, ok := store.Description(ref)
		if !ok {
			continue
		}
		for nodeID, node := range desc.Nodes {
			if q.NodeType != "" && node.Type != q.NodeType {
				continue
			}
			for propID := range node.Properties {
				if q.PropertyID != "" && q.PropertyID != propID {
					continue
				}
				out = append(out, PropertyRef{Domain: ref.Domain, DeviceID: ref.DeviceID, NodeID: nodeID, PropertyID: propID})
			}
		}
	}
	return out
}

func hasAllTags(have, want []string) bool {
	set := make(map[string]struct{}, len(have))
	for _, t := range have {
		set[strings.ToLower(t)] = struct{}{}
	}
	for _, t := range want {
		if _, ok := set[strings.ToLower(t)]; !ok {
			return false
		}
	}
	return true
}
