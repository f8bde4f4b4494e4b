// Package fingerprint computes the two content hashes change detection is
// built on: the complete hash covers the whole configuration document, the
// durable hash covers the document with ephemeral paths removed. Both are
// SHA-256 over canonical JSON; map keys are sorted during marshaling and
// list order is preserved as reported.
package fingerprint

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
)

// Hash returns the complete and durable hashes of a configuration. The two
// are equal when no ephemeral path matches anything in the document.
func Hash(config map[string]interface{}, ephemeralPaths []string) (complete, durable string, err error) {
	norm, err := normalize(config)
	if err != nil {
		return "", "", err
	}

	complete, err = digest(norm)
	if err != nil {
		return "", "", err
	}

	if len(ephemeralPaths) == 0 {
		return complete, complete, nil
	}

	pruned := norm
	for _, path := range ephemeralPaths {
		pruned = prune(pruned, splitPath(path))
	}
	durable, err = digest(pruned)
	if err != nil {
		return "", "", err
	}
	return complete, durable, nil
}

// Complete returns only the complete hash.
func Complete(config map[string]interface{}) (string, error) {
	norm, err := normalize(config)
	if err != nil {
		return "", err
	}
	return digest(norm)
}

func digest(v interface{}) (string, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return "", fmt.Errorf("failed to marshal config: %w", err)
	}
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:]), nil
}

// normalize round-trips the document through JSON so every container is a
// map[string]interface{} or []interface{} and every number a float64. The
// result is a deep copy; pruning never touches the caller's document.
func normalize(config map[string]interface{}) (interface{}, error) {
	data, err := json.Marshal(config)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal config: %w", err)
	}
	var out interface{}
	if err := json.Unmarshal(data, &out); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}
	return out, nil
}
