package ratelimit

import (
	"strings"
)

// unlimited is returned for probes that must never be throttled.
var unlimited = &EndpointConfig{Path: "/health"}

// MatchEndpoint returns the endpoint configuration that governs a request,
// or nil when none does. Config paths take three forms:
//
//	/runs                exact path
//	/runs/{id}/events    segment pattern; {name} matches one segment
//	/webhooks/           prefix; a trailing slash covers everything below
//
// An exact path wins over a pattern, and a pattern over a prefix. Among
// prefixes the longest one wins.
func MatchEndpoint(path string, method string, configs []EndpointConfig) *EndpointConfig {
	if path == "/health" && (method == "GET" || method == "HEAD") {
		return unlimited
	}

	var pattern, prefix *EndpointConfig
	for i := range configs {
		config := &configs[i]
		if config.Method != method {
			continue
		}
		switch {
		case config.Path == path:
			return config
		case strings.Contains(config.Path, "{"):
			if pattern == nil && matchSegments(config.Path, path) {
				pattern = config
			}
		case strings.HasSuffix(config.Path, "/") && strings.HasPrefix(path, config.Path):
			if prefix == nil || len(config.Path) > len(prefix.Path) {
				prefix = config
			}
		}
	}
	if pattern != nil {
		return pattern
	}
	return prefix
}

func matchSegments(pattern, path string) bool {
	want := strings.Split(strings.Trim(pattern, "/"), "/")
	got := strings.Split(strings.Trim(path, "/"), "/")
	if len(want) != len(got) {
		return false
	}
	for i, seg := range want {
		if strings.HasPrefix(seg, "{") && strings.HasSuffix(seg, "}") {
			if got[i] == "" {
				return false
			}
			continue
		}
		if seg != got[i] {
			return false
		}
	}
	return true
}
