package fingerprint

import (
	"testing"
)

func TestHashIgnoresMapKeyOrder(t *testing.T) {
	t.Log("\n🔍 Testing hash stability across key order...")

	a := map[string]interface{}{
		"config": map[string]interface{}{"keyA": 1, "keyB": 2},
		"tags":   []interface{}{"one", "two"},
	}
	b := map[string]interface{}{
		"tags":   []interface{}{"one", "two"},
		"config": map[string]interface{}{"keyB": 2, "keyA": 1},
	}

	hashA, err := Complete(a)
	if err != nil {
		t.Fatalf("❌ Failed to hash config: %v", err)
	}
	hashB, err := Complete(b)
	if err != nil {
		t.Fatalf("❌ Failed to hash config: %v", err)
	}
	if hashA != hashB {
		t.Errorf("❌ Hashes differ for equivalent documents: %s vs %s", hashA, hashB)
	}

	t.Log("\n✅ Hash key order test passed")
}

func TestHashListOrderMatters(t *testing.T) {
	a := map[string]interface{}{"rules": []interface{}{"first", "second"}}
	b := map[string]interface{}{"rules": []interface{}{"second", "first"}}

	hashA, _ := Complete(a)
	hashB, _ := Complete(b)
	if hashA == hashB {
		t.Errorf("❌ List order should change the hash")
	}
}

func TestDurableHashIgnoresEphemeralPaths(t *testing.T) {
	t.Log("\n🔍 Testing durable hash with ephemeral paths...")

	base := map[string]interface{}{
		"name": "example",
		"accesskeys": map[string]interface{}{
			"AKIA1": map[string]interface{}{"Status": "Active", "LastUsedDate": "2026-08-01"},
			"AKIA2": map[string]interface{}{"Status": "Active", "LastUsedDate": "2026-08-02"},
		},
	}
	bumped := map[string]interface{}{
		"name": "example",
		"accesskeys": map[string]interface{}{
			"AKIA1": map[string]interface{}{"Status": "Active", "LastUsedDate": "2026-08-29"},
			"AKIA2": map[string]interface{}{"Status": "Active", "LastUsedDate": "2026-08-30"},
		},
	}

	paths := []string{"accesskeys$*$LastUsedDate"}

	completeA, durableA, err := Hash(base, paths)
	if err != nil {
		t.Fatalf("❌ Failed to hash config: %v", err)
	}
	completeB, durableB, err := Hash(bumped, paths)
	if err != nil {
		t.Fatalf("❌ Failed to hash config: %v", err)
	}

	if completeA == completeB {
		t.Errorf("❌ Complete hash should track ephemeral churn")
	}
	if durableA != durableB {
		t.Errorf("❌ Durable hash should ignore ephemeral churn: %s vs %s", durableA, durableB)
	}

	t.Log("\n✅ Durable hash test passed")
}

func TestHashMissingEphemeralPathIsNoop(t *testing.T) {
	config := map[string]interface{}{"name": "example"}

	complete, durable, err := Hash(config, []string{"does$not$exist"})
	if err != nil {
		t.Fatalf("❌ Failed to hash config: %v", err)
	}
	if complete != durable {
		t.Errorf("❌ Missing path should leave durable hash equal to complete hash")
	}
}

func TestHashPrefixWildcardSegment(t *testing.T) {
	a := map[string]interface{}{
		"grants_area_1": map[string]interface{}{"ephemeral": "x"},
		"grants_area_2": map[string]interface{}{"ephemeral": "y", "durable": "keep"},
	}
	b := map[string]interface{}{
		"grants_area_1": map[string]interface{}{"ephemeral": "changed"},
		"grants_area_2": map[string]interface{}{"ephemeral": "changed", "durable": "keep"},
	}

	paths := []string{"grants_area*$ephemeral"}

	_, durableA, err := Hash(a, paths)
	if err != nil {
		t.Fatalf("❌ Failed to hash config: %v", err)
	}
	_, durableB, err := Hash(b, paths)
	if err != nil {
		t.Fatalf("❌ Failed to hash config: %v", err)
	}
	if durableA != durableB {
		t.Errorf("❌ Prefix wildcard should strip matching keys")
	}
}

func TestHashDoesNotMutateInput(t *testing.T) {
	config := map[string]interface{}{
		"outer": map[string]interface{}{"ephemeral": "x", "durable": "y"},
	}

	if _, _, err := Hash(config, []string{"outer$ephemeral"}); err != nil {
		t.Fatalf("❌ Failed to hash config: %v", err)
	}

	inner := config["outer"].(map[string]interface{})
	if _, ok := inner["ephemeral"]; !ok {
		t.Errorf("❌ Hash must not mutate the caller's config")
	}
}

func TestValues(t *testing.T) {
	config := map[string]interface{}{
		"Policies": map[string]interface{}{
			"PolicyA": map[string]interface{}{"Statement": []interface{}{}},
			"PolicyB": map[string]interface{}{"Statement": []interface{}{}},
		},
		"Policy": map[string]interface{}{"Statement": []interface{}{}},
	}

	if got := Values(config, "Policy"); len(got) != 1 {
		t.Errorf("❌ Expected 1 value for direct key, got %d", len(got))
	}
	if got := Values(config, "Policies$*"); len(got) != 2 {
		t.Errorf("❌ Expected 2 values under wildcard, got %d", len(got))
	}
	if got := Values(config, "Missing$Key"); len(got) != 0 {
		t.Errorf("❌ Expected no values for missing path, got %d", len(got))
	}
}
