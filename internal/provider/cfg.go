package provider

// Helpers for reading native plugin config maps during import. YAML decoders
// hand back loosely typed scalars (uint64 for small ints, map[string]any or
// map[any]any for nested blocks); these normalize the spellings so plugin
// importers stay flat.

// CfgString returns the string at key, or "".
func CfgString(m map[string]any, key string) string {
	s, _ := m[key].(string)
	return s
}

// CfgBool returns the bool at key, or false.
func CfgBool(m map[string]any, key string) bool {
	b, _ := m[key].(bool)
	return b
}

// CfgFloat returns the numeric value at key under any integer or float
// spelling. The second result reports presence.
func CfgFloat(m map[string]any, key string) (float64, bool) {
	switch v := m[key].(type) {
	case float64:
		return v, true
	case int:
		return float64(v), true
	case int64:
		return float64(v), true
	case uint64:
		return float64(v), true
	}
	return 0, false
}

// CfgInt returns the value at key truncated to int, or 0.
func CfgInt(m map[string]any, key string) int {
	f, _ := CfgFloat(m, key)
	return int(f)
}

// CfgStrings returns the string list at key, tolerating []any elements.
func CfgStrings(m map[string]any, key string) []string {
	switch v := m[key].(type) {
	case []string:
		return v
	case []any:
		out := make([]string, 0, len(v))
		for _, e := range v {
			if s, ok := e.(string); ok {
				out = append(out, s)
			}
		}
		return out
	}
	return nil
}

// CfgMap returns the nested map at key, normalizing map[any]any keys.
func CfgMap(m map[string]any, key string) map[string]any {
	switch v := m[key].(type) {
	case map[string]any:
		return v
	case map[any]any:
		out := make(map[string]any, len(v))
		for k, e := range v {
			if s, ok := k.(string); ok {
				out[s] = e
			}
		}
		return out
	}
	return nil
}

// CfgStringMap returns the nested map at key with string values only.
func CfgStringMap(m map[string]any, key string) map[string]string {
	nested := CfgMap(m, key)
	if len(nested) == 0 {
		return nil
	}
	out := make(map[string]string, len(nested))
	for k, v := range nested {
		if s, ok := v.(string); ok {
			out[k] = s
		}
	}
	return out
}
