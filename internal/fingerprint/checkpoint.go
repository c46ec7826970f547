// Copyright 2025 James Ross
package fingerprint

import (
	"path/filepath"
	"sort"
	"strings"
)

// checkpointInputKeys are scanned in this fixed order so extraction is
// deterministic when a node happens to carry more than one of them.
var checkpointInputKeys = []string{"ckpt_name", "checkpoint_name", "model_name"}

// CheckpointKey derives the sub-queue partition key for a workflow by
// scanning every node's inputs for ckpt_name, checkpoint_name, or
// model_name, lowercasing the value and stripping its file extension.
// Returns "default" when no node carries any of those inputs.
func CheckpointKey(workflow map[string]any) string {
	nodeIDs := make([]string, 0, len(workflow))
	for id := range workflow {
		nodeIDs = append(nodeIDs, id)
	}
	sort.Strings(nodeIDs)

	for _, id := range nodeIDs {
		node, ok := workflow[id].(map[string]any)
		if !ok {
			continue
		}
		inputs, ok := node["inputs"].(map[string]any)
		if !ok {
			continue
		}
		for _, key := range checkpointInputKeys {
			raw, ok := inputs[key]
			if !ok {
				continue
			}
			name, ok := raw.(string)
			if !ok || name == "" {
				continue
			}
			return normalizeCheckpointName(name)
		}
	}
	return "default"
}

func normalizeCheckpointName(name string) string {
	lower := strings.ToLower(name)
	ext := filepath.Ext(lower)
	return strings.TrimSuffix(lower, ext)
}
