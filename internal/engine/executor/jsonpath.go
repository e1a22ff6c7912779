package executor

import (
	"encoding/json"
	"strconv"
	"strings"
)

// extractJSONPath resolves a dot-notation path with optional array indexes
// ($.choices[0].message.content) against decoded JSON. "$" or an empty
// path selects the whole document. String leaves come back verbatim;
// other values are re-encoded as JSON.
func extractJSONPath(data interface{}, path string) (string, bool) {
	if path == "" || path == "$" {
		return encodeLeaf(data)
	}

	trimmed := strings.TrimPrefix(path, "$")
	trimmed = strings.TrimPrefix(trimmed, ".")

	current := data
	for _, part := range splitPath(trimmed) {
		if idx, isIndex := parseIndex(part); isIndex {
			arr, ok := current.([]interface{})
			if !ok || idx >= len(arr) {
				return "", false
			}
			current = arr[idx]
			continue
		}
		obj, ok := current.(map[string]interface{})
		if !ok {
			return "", false
		}
		next, ok := obj[part]
		if !ok || next == nil {
			return "", false
		}
		current = next
	}
	return encodeLeaf(current)
}

// splitPath turns "a.b[0].c" into ["a", "[0]" appended after "b", "c"].
func splitPath(path string) []string {
	var parts []string
	for _, seg := range strings.Split(path, ".") {
		if seg == "" {
			continue
		}
		for {
			open := strings.IndexByte(seg, '[')
			if open < 0 {
				parts = append(parts, seg)
				break
			}
			if open > 0 {
				parts = append(parts, seg[:open])
			}
			end := strings.IndexByte(seg, ']')
			if end < open {
				parts = append(parts, seg[open:])
				break
			}
			parts = append(parts, seg[open:end+1])
			seg = seg[end+1:]
			if seg == "" {
				break
			}
		}
	}
	return parts
}

func parseIndex(part string) (int, bool) {
	if len(part) < 3 || part[0] != '[' || part[len(part)-1] != ']' {
		return 0, false
	}
	idx, err := strconv.Atoi(part[1 : len(part)-1])
	if err != nil || idx < 0 {
		return 0, false
	}
	return idx, true
}

func encodeLeaf(v interface{}) (string, bool) {
	if v == nil {
		return "", false
	}
	if s, ok := v.(string); ok {
		return s, true
	}
	raw, err := json.Marshal(v)
	if err != nil {
		return "", false
	}
	return string(raw), true
}
