// Copyright 2025 James Ross
// Package classify is the only place in the dispatcher that interprets raw
// backend error shapes. Every other package branches on Classification
// values, never on error codes or message text (spec.md §4.2, §7).
package classify

import "strings"

// Type is the three-way failure taxonomy a caller sees on job:failed.
type Type string

const (
	TypeWorkflowInvalid      Type = "workflowInvalid"
	TypeBackendIncompatible  Type = "backendIncompatible"
	TypeTransient            Type = "transient"
	TypeUnknown              Type = "unknown"
)

// Block describes whether, and how long, a backend should be skipped for
// the fingerprint that produced this error.
type Block string

const (
	BlockNone      Block = "none"
	BlockTemporary Block = "temporary"
	BlockPermanent Block = "permanent"
)

// Classification is the authoritative, taxonomy-only record derived from a
// raw backend/transport error.
type Classification struct {
	Type         Type
	Retryable    bool
	BlockBackend Block
	Reason       string
}

// BackendError is the shape a Backend Client capability returns on a failed
// submit/interrupt/fetch call. Code is the backend's own error code when it
// has one; Message is a free-form diagnostic string; HTTPStatus is 0 when
// the failure never reached the HTTP layer (a pure transport error).
type BackendError struct {
	Code         string
	Message      string
	HTTPStatus   int
	IsTransport  bool
	IsSchemaFault bool // caller-detected, e.g. missing referenced node id
}

var incompatibleCodes = map[string]struct{}{
	"value_not_in_list":  {},
	"missing_choice":      {},
	"missing_checkpoint":  {},
	"missing_model":       {},
	"missing_file":        {},
	"unknown_model":       {},
	"unknown_checkpoint":  {},
	"node_missing":        {},
	"lora_missing":        {},
}

var invalidWorkflowCodes = map[string]struct{}{
	"workflow_invalid":        {},
	"invalid_node_reference":  {},
	"invalid_workflow":        {},
	"missing_input":           {},
	"invalid_prompt":          {},
}

var incompatibleMessageSubstrings = []string{
	"not found",
	"no module named",
	"failed to load model",
	"failed to load checkpoint",
	"no such file",
}

var invalidWorkflowMessageSubstrings = []string{
	"invalid workflow",
	"invalid graph",
	"invalid node",
	"invalid prompt",
	"invalid input",
}

// Of applies the decision table in spec.md §4.2, first match wins.
func Of(err BackendError) Classification {
	msg := strings.ToLower(err.Message)

	if err.IsSchemaFault {
		return Classification{Type: TypeWorkflowInvalid, Retryable: false, BlockBackend: BlockNone, Reason: "missing-node or caller-detected schema fault"}
	}

	if _, ok := incompatibleCodes[err.Code]; ok || containsAny(msg, incompatibleMessageSubstrings) {
		return Classification{Type: TypeBackendIncompatible, Retryable: true, BlockBackend: BlockPermanent, Reason: "backend cannot satisfy this workflow (missing model/checkpoint/node)"}
	}

	if _, ok := invalidWorkflowCodes[err.Code]; ok || containsAny(msg, invalidWorkflowMessageSubstrings) {
		return Classification{Type: TypeWorkflowInvalid, Retryable: false, BlockBackend: BlockNone, Reason: "workflow graph itself is invalid"}
	}

	if err.HTTPStatus >= 500 {
		return Classification{Type: TypeTransient, Retryable: true, BlockBackend: BlockTemporary, Reason: "backend returned a server error"}
	}

	if err.HTTPStatus == 429 {
		return Classification{Type: TypeTransient, Retryable: true, BlockBackend: BlockTemporary, Reason: "backend is rate limiting"}
	}

	if err.IsTransport {
		return Classification{Type: TypeTransient, Retryable: true, BlockBackend: BlockTemporary, Reason: "connection or transport error"}
	}

	if strings.Contains(msg, "out of memory") {
		return Classification{Type: TypeTransient, Retryable: true, BlockBackend: BlockTemporary, Reason: "backend ran out of memory"}
	}

	return Classification{Type: TypeUnknown, Retryable: true, BlockBackend: BlockTemporary, Reason: "unclassified backend error"}
}

func containsAny(haystack string, substrings []string) bool {
	for _, s := range substrings {
		if strings.Contains(haystack, s) {
			return true
		}
	}
	return false
}
