// File: paths.go
package fingerprint

import "strings"

// Separator splits the segments of an ephemeral path, e.g.
// "accesskeys$*$LastUsedDate".
const Separator = "$"

func splitPath(path string) []string {
	return strings.Split(path, Separator)
}

// prune removes everything the path matches and returns the modified node.
// A path that matches nothing leaves the document unchanged. The "*"
// segment matches every map key and every list element; a trailing "*" on
// a segment matches map keys by prefix.
func prune(node interface{}, segs []string) interface{} {
	if len(segs) == 0 {
		return node
	}
	seg, rest := segs[0], segs[1:]

	switch n := node.(type) {
	case map[string]interface{}:
		for key := range n {
			if !segmentMatches(seg, key) {
				continue
			}
			if len(rest) == 0 {
				delete(n, key)
			} else {
				n[key] = prune(n[key], rest)
			}
		}
		return n
	case []interface{}:
		if seg != "*" {
			return n
		}
		if len(rest) == 0 {
			return []interface{}{}
		}
		for i := range n {
			n[i] = prune(n[i], rest)
		}
		return n
	default:
		return node
	}
}

// Values returns every value the path matches inside the document. Used to
// pull policy documents out of arbitrary config shapes.
func Values(config map[string]interface{}, path string) []interface{} {
	var out []interface{}
	collect(config, splitPath(path), &out)
	return out
}

func collect(node interface{}, segs []string, out *[]interface{}) {
	if len(segs) == 0 {
		if node != nil {
			*out = append(*out, node)
		}
		return
	}
	seg, rest := segs[0], segs[1:]

	switch n := node.(type) {
	case map[string]interface{}:
		for key, val := range n {
			if segmentMatches(seg, key) {
				collect(val, rest, out)
			}
		}
	case []interface{}:
		if seg != "*" {
			return
		}
		for _, val := range n {
			collect(val, rest, out)
		}
	}
}

func segmentMatches(seg, key string) bool {
	if seg == "*" {
		return true
	}
	if strings.HasSuffix(seg, "*") {
		return strings.HasPrefix(key, strings.TrimSuffix(seg, "*"))
	}
	return seg == key
}
