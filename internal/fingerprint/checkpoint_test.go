// Copyright 2025 James Ross
package fingerprint

import "testing"

func TestCheckpointKeyFromCkptName(t *testing.T) {
	wf := map[string]any{
		"1": map[string]any{
			"class_type": "CheckpointLoaderSimple",
			"inputs":     map[string]any{"ckpt_name": "SDXL_Base_1.0.safetensors"},
		},
	}
	if got := CheckpointKey(wf); got != "sdxl_base_1.0" {
		t.Fatalf("expected normalized checkpoint name, got %q", got)
	}
}

func TestCheckpointKeyDefaultsWhenAbsent(t *testing.T) {
	wf := map[string]any{
		"1": map[string]any{"class_type": "KSampler", "inputs": map[string]any{"seed": float64(1)}},
	}
	if got := CheckpointKey(wf); got != "default" {
		t.Fatalf("expected default, got %q", got)
	}
}

func TestCheckpointKeyFallsBackThroughVariants(t *testing.T) {
	wf := map[string]any{
		"1": map[string]any{"inputs": map[string]any{"model_name": "RealESRGAN_x4.pth"}},
	}
	if got := CheckpointKey(wf); got != "realesrgan_x4" {
		t.Fatalf("expected model_name variant honored, got %q", got)
	}
}
