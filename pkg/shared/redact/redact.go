// Package redact masks credential-bearing values before they reach the
// process log. Datapoints sent to the collector are never redacted; this
// applies to local debug output only.
package redact

import (
	"encoding/json"
	"strings"
)

var sensitiveNames = []string{"authorization", "cookie", "set-cookie", "proxy-authorization", "service-token", "x-api-key"}

// JSON masks sensitive header values in a serialized datapoint
// best-effort. Input that does not parse is returned unchanged.
func JSON(s string) string {
	var v any
	if err := json.Unmarshal([]byte(s), &v); err != nil {
		return s
	}
	redactNode(&v)
	b, err := json.Marshal(v)
	if err != nil {
		return s
	}
	return string(b)
}

func redactNode(n *any) {
	switch t := (*n).(type) {
	case map[string]any:
		// header pairs serialize as {"name": ..., "value": ...}
		if name, ok := t["name"].(string); ok {
			if _, has := t["value"]; has && isSensitive(name) {
				t["value"] = "***"
				return
			}
		}
		for k, v := range t {
			vv := any(v)
			redactNode(&vv)
			t[k] = vv
		}
	case []any:
		for i := range t {
			vv := any(t[i])
			redactNode(&vv)
			t[i] = vv
		}
	}
}

func isSensitive(name string) bool {
	name = strings.ToLower(name)
	for _, s := range sensitiveNames {
		if name == s {
			return true
		}
	}
	return false
}
