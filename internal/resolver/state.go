package resolver

// ShallowMerge copies every top-level field of src into dst, overwriting
// existing keys. Nested values are shared, not copied.
func ShallowMerge(dst, src map[string]interface{}) map[string]interface{} {
	if dst == nil {
		dst = make(map[string]interface{}, len(src))
	}
	for k, v := range src {
		dst[k] = v
	}
	return dst
}

// CloneState creates a copy of a state blob, recursing into nested objects
// and arrays so callers never share mutable structure with the engine.
func CloneState(src map[string]interface{}) map[string]interface{} {
	if src == nil {
		return map[string]interface{}{}
	}
	out := make(map[string]interface{}, len(src))
	for k, v := range src {
		out[k] = cloneValue(v)
	}
	return out
}

func cloneValue(v interface{}) interface{} {
	switch val := v.(type) {
	case map[string]interface{}:
		return CloneState(val)
	case []interface{}:
		out := make([]interface{}, len(val))
		for i, e := range val {
			out[i] = cloneValue(e)
		}
		return out
	default:
		// primitives and unknown types are copied by value/reference as-is
		return val
	}
}
