package check

// Flatten collapses a nested map into dot-joined leaf paths. Non-map
// values are leaves; slices are treated as leaves as well.
func Flatten(value map[string]interface{}) map[string]interface{} {
	out := make(map[string]interface{})
	flattenInto(value, "", out)
	return out
}

func flattenInto(value map[string]interface{}, prefix string, out map[string]interface{}) {
	for key, v := range value {
		path := key
		if prefix != "" {
			path = prefix + "." + key
		}
		if nested, ok := v.(map[string]interface{}); ok {
			flattenInto(nested, path, out)
			continue
		}
		out[path] = v
	}
}

// CountLeaves returns the number of leaf keys a map flattens to.
func CountLeaves(value map[string]interface{}) int {
	count := 0
	for _, v := range value {
		if nested, ok := v.(map[string]interface{}); ok {
			count += CountLeaves(nested)
			continue
		}
		count++
	}
	return count
}
