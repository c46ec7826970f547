package fingerprint

import "testing"

func sampleWorkflow() map[string]any {
	return map[string]any{
		"A": map[string]any{
			"class_type": "CheckpointLoader",
			"inputs": map[string]any{
				"ckpt_name": "sd_xl.safetensors",
			},
		},
		"B": map[string]any{
			"class_type": "KSampler",
			"inputs": map[string]any{
				"seed":  float64(42),
				"steps": float64(20),
				"model": []any{"A", float64(0)},
			},
		},
	}
}

func TestDeterministicAcrossKeyOrder(t *testing.T) {
	a := Of(sampleWorkflow())

	// Build an equivalent structure with keys inserted in a different order
	// at every depth; Go map iteration order is already randomized, but we
	// also construct b independently to avoid relying on that.
	b := map[string]any{
		"B": map[string]any{
			"inputs": map[string]any{
				"model": []any{"A", float64(0)},
				"steps": float64(20),
				"seed":  float64(42),
			},
			"class_type": "KSampler",
		},
		"A": map[string]any{
			"inputs": map[string]any{
				"ckpt_name": "sd_xl.safetensors",
			},
			"class_type": "CheckpointLoader",
		},
	}

	if got := Of(b); got != a {
		t.Fatalf("fingerprint changed under key reordering: %s vs %s", a, got)
	}
}

func TestLeafChangeChangesFingerprint(t *testing.T) {
	a := Of(sampleWorkflow())

	w2 := sampleWorkflow()
	w2["B"].(map[string]any)["inputs"].(map[string]any)["seed"] = float64(43)
	b := Of(w2)

	if a == b {
		t.Fatal("changing a leaf value did not change the fingerprint")
	}
}

func TestArrayOrderMatters(t *testing.T) {
	w1 := map[string]any{"A": []any{"x", "y"}}
	w2 := map[string]any{"A": []any{"y", "x"}}
	if Of(w1) == Of(w2) {
		t.Fatal("array element order should be significant")
	}
}

func TestDefensiveClone(t *testing.T) {
	w := sampleWorkflow()
	before := Of(w)
	// Mutate the input after computing the fingerprint; a prior computation
	// must not be affected by later caller-side mutation.
	w["A"].(map[string]any)["inputs"].(map[string]any)["ckpt_name"] = "mutated.safetensors"
	after := Of(w)
	if before == after {
		t.Fatal("expected mutation to change a freshly computed fingerprint")
	}
	// Recomputing the ORIGINAL unmutated structure would differ from the
	// mutated one — sanity check the two computations are independent.
	if Of(sampleWorkflow()) != before {
		t.Fatal("recomputing original structure should match original fingerprint")
	}
}

func TestOutputIsHex64(t *testing.T) {
	got := Of(sampleWorkflow())
	if len(got) != 64 {
		t.Fatalf("expected 64 hex chars, got %d: %s", len(got), got)
	}
	for _, r := range got {
		if !(r >= '0' && r <= '9') && !(r >= 'a' && r <= 'f') {
			t.Fatalf("non-hex character in fingerprint: %q", got)
		}
	}
}
