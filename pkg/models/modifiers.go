package models

import (
	"encoding/json"
	"strings"
)

// Modifier is the canonical structured form of an order item modifier.
// Raw payloads arrive from the various clients as a JSON string, an
// array of ids/strings/objects, or a bare object; everything is
// normalized to this shape at the local store boundary and the rest of
// the system never sees the raw polymorphism.
type Modifier struct {
	Name   string `json:"name"`
	IsNote bool   `json:"is_note,omitempty"`
}

// KDSOverrideTag is an internal flag some clients embed in the modifier
// payload to force a CONDITIONAL menu item onto the kitchen display. It
// is never shown but must survive normalization for routing.
const KDSOverrideTag = "__KDS_OVERRIDE__"

// NormalizeModifiers parses a raw modifier payload into the canonical
// list plus the kds-override flag. It never fails: malformed input
// degrades to an empty list.
func NormalizeModifiers(raw []byte) ([]Modifier, bool) {
	trimmed := strings.TrimSpace(string(raw))
	if trimmed == "" || trimmed == "null" {
		return nil, false
	}

	var v any
	if err := json.Unmarshal(raw, &v); err != nil {
		// Not JSON at all: treat the whole string as one modifier.
		if strings.Contains(trimmed, KDSOverrideTag) {
			return nil, true
		}
		return []Modifier{{Name: trimmed}}, false
	}
	return normalizeValue(v)
}

func normalizeValue(v any) ([]Modifier, bool) {
	switch val := v.(type) {
	case string:
		// Double-encoded payloads show up in the wild; one more level
		// of decoding is enough in practice.
		var inner any
		if err := json.Unmarshal([]byte(val), &inner); err == nil {
			if _, isStr := inner.(string); !isStr {
				return normalizeValue(inner)
			}
		}
		if strings.Contains(val, KDSOverrideTag) {
			return nil, true
		}
		if val == "" {
			return nil, false
		}
		return []Modifier{{Name: val}}, false
	case []any:
		var mods []Modifier
		override := false
		for _, entry := range val {
			name := extractString(entry)
			if name == "" {
				continue
			}
			if strings.Contains(name, "KDS_OVERRIDE") {
				override = true
				continue
			}
			mods = append(mods, Modifier{Name: name})
		}
		return mods, override
	case map[string]any:
		if b, ok := val["kds_override"].(bool); ok && b {
			return nil, true
		}
		name := extractString(val)
		if name == "" {
			return nil, false
		}
		return []Modifier{{Name: name}}, false
	default:
		return nil, false
	}
}

// extractString pulls a display name out of the various modifier entry
// shapes (plain string, numeric id, translation object).
func extractString(v any) string {
	switch val := v.(type) {
	case string:
		return val
	case float64:
		return strings.TrimRight(strings.TrimRight(jsonNumber(val), "0"), ".")
	case map[string]any:
		for _, key := range []string{"he", "name", "text", "value_name", "en"} {
			if s, ok := val[key].(string); ok && s != "" {
				return s
			}
		}
		return ""
	default:
		return ""
	}
}

func jsonNumber(f float64) string {
	b, _ := json.Marshal(f)
	return string(b)
}

// EncodeModifiers renders the canonical list back to the stored JSON
// form, re-attaching the override tag when set.
func EncodeModifiers(mods []Modifier, override bool) []byte {
	out := make([]any, 0, len(mods)+1)
	for _, m := range mods {
		if m.IsNote {
			out = append(out, map[string]any{"name": m.Name, "is_note": true})
			continue
		}
		out = append(out, m.Name)
	}
	if override {
		out = append(out, KDSOverrideTag)
	}
	if len(out) == 0 {
		return []byte("[]")
	}
	b, _ := json.Marshal(out)
	return b
}
