package broker

import "strings"

// TopicMatches implements MQTT wildcard matching (+, #) of a subscription
// filter against a concrete topic. Grounded on
// original_source/src/rules/engine/mqtt.rs.
func TopicMatches(filter, topic string) bool {
	fParts := strings.Split(filter, "/")
	tParts := strings.Split(topic, "/")

	for i, fp := range fParts {
		if fp == "#" {
			// # must be the last filter segment and matches everything
			// remaining, including zero segments.
			return i == len(fParts)-1
		}
		if i >= len(tParts) {
			return false
		}
		if fp == "+" {
			continue
		}
		if fp != tParts[i] {
			return false
		}
	}
	return len(fParts) == len(tParts)
}
