// Package mutation implements the Operation Validator and Mutation
// Engine (SPEC_FULL 4.4, 4.5, 4.7, 4.8): parsing inbound frames into a
// tagged variant and applying them to the graph store inside one
// transaction per frame.
package mutation

import (
	"encoding/json"
	"fmt"

	"github.com/riverloop/collabflow/internal/storage"
)

// Target names the kind of entity a frame acts on (4.4).
const (
	TargetBlock   = "block"
	TargetEdge    = "edge"
	TargetSubflow = "subflow"
)

// Frame is the tagged-union inbound mutation frame. Operation and
// Target together select which of BlockPayload, EdgePayload, or
// SubflowPayload Payload decodes into.
type Frame struct {
	Operation   string          `json:"operation"`
	Target      string          `json:"target"`
	Payload     json.RawMessage `json:"payload"`
	Timestamp   int64           `json:"timestamp"`
	OperationID string          `json:"operationId,omitempty"`
}

var blockOps = map[string]bool{
	"add": true, "remove": true, "update-position": true, "update-name": true,
	"toggle-enabled": true, "update-parent": true, "update-wide": true,
	"update-advanced-mode": true, "toggle-handles": true, "duplicate": true,
}

var edgeOps = map[string]bool{"add": true, "remove": true}

var subflowOps = map[string]bool{"add": true, "remove": true, "update": true}

// AutoConnectEdge is the optional edge bundled into a block add or
// duplicate, inserted atomically in the same transaction (4.5).
type AutoConnectEdge struct {
	ID           string  `json:"id"`
	Source       string  `json:"source"`
	Target       string  `json:"target"`
	SourceHandle *string `json:"sourceHandle,omitempty"`
	TargetHandle *string `json:"targetHandle,omitempty"`
}

// BlockPayload is the payload shape of a BlockOp (4.4).
type BlockPayload struct {
	ID                string                           `json:"id"`
	SourceID          string                           `json:"sourceId,omitempty"`
	Type              string                           `json:"type,omitempty"`
	Name              string                           `json:"name,omitempty"`
	Position          *storage.Position                `json:"position,omitempty"`
	Data              map[string]any                   `json:"data,omitempty"`
	SubBlocks         map[string]storage.SubBlockValue  `json:"subBlocks,omitempty"`
	Outputs           map[string]any                   `json:"outputs,omitempty"`
	ParentID          *string                          `json:"parentId,omitempty"`
	Extent            *string                          `json:"extent,omitempty"`
	Enabled           *bool                            `json:"enabled,omitempty"`
	HorizontalHandles *bool                            `json:"horizontalHandles,omitempty"`
	IsWide            *bool                            `json:"isWide,omitempty"`
	AdvancedMode      *bool                            `json:"advancedMode,omitempty"`
	Height            *float64                         `json:"height,omitempty"`
	AutoConnectEdge   *AutoConnectEdge                 `json:"autoConnectEdge,omitempty"`
}

// EdgePayload is the payload shape of an EdgeOp (4.4).
type EdgePayload struct {
	ID           string  `json:"id"`
	Source       string  `json:"source,omitempty"`
	Target       string  `json:"target,omitempty"`
	SourceHandle *string `json:"sourceHandle,omitempty"`
	TargetHandle *string `json:"targetHandle,omitempty"`
}

// SubflowPayload is the payload shape of a SubflowOp (4.4).
type SubflowPayload struct {
	ID     string         `json:"id"`
	Type   string         `json:"type,omitempty"`
	Config map[string]any `json:"config,omitempty"`
}

// ParseBlock validates frame as a BlockOp (4.4).
func ParseBlock(f Frame) (BlockPayload, *Error) {
	if !blockOps[f.Operation] {
		return BlockPayload{}, NewValidationError(fmt.Sprintf("unknown block operation %q", f.Operation))
	}
	var p BlockPayload
	if err := json.Unmarshal(f.Payload, &p); err != nil {
		return BlockPayload{}, NewValidationError("malformed block payload: " + err.Error())
	}
	if p.ID == "" {
		return BlockPayload{}, NewValidationError("payload.id is required")
	}
	if p.Extent != nil && *p.Extent != "parent" {
		return BlockPayload{}, NewValidationError(`extent must be "parent" or absent`)
	}

	switch f.Operation {
	case "add", "duplicate":
		if p.Type == "" || p.Name == "" || p.Position == nil {
			return BlockPayload{}, NewValidationError("add/duplicate requires type, name, position")
		}
		if f.Operation == "duplicate" && p.SourceID == "" {
			return BlockPayload{}, NewValidationError("duplicate requires sourceId")
		}
	case "update-position":
		if p.Position == nil {
			return BlockPayload{}, NewValidationError("update-position requires position")
		}
	case "update-name":
		if p.Name == "" {
			return BlockPayload{}, NewValidationError("update-name requires name")
		}
	}
	return p, nil
}

// ParseEdge validates frame as an EdgeOp (4.4).
func ParseEdge(f Frame) (EdgePayload, *Error) {
	if !edgeOps[f.Operation] {
		return EdgePayload{}, NewValidationError(fmt.Sprintf("unknown edge operation %q", f.Operation))
	}
	var p EdgePayload
	if err := json.Unmarshal(f.Payload, &p); err != nil {
		return EdgePayload{}, NewValidationError("malformed edge payload: " + err.Error())
	}
	if p.ID == "" {
		return EdgePayload{}, NewValidationError("payload.id is required")
	}
	if f.Operation == "add" && (p.Source == "" || p.Target == "") {
		return EdgePayload{}, NewValidationError("add requires source and target")
	}
	return p, nil
}

// ParseSubflow validates frame as a SubflowOp (4.4).
func ParseSubflow(f Frame) (SubflowPayload, *Error) {
	if !subflowOps[f.Operation] {
		return SubflowPayload{}, NewValidationError(fmt.Sprintf("unknown subflow operation %q", f.Operation))
	}
	var p SubflowPayload
	if err := json.Unmarshal(f.Payload, &p); err != nil {
		return SubflowPayload{}, NewValidationError("malformed subflow payload: " + err.Error())
	}
	if p.ID == "" {
		return SubflowPayload{}, NewValidationError("payload.id is required")
	}
	if p.Type != "" && !storage.IsContainerType(p.Type) {
		return SubflowPayload{}, NewValidationError(`type must be "loop" or "parallel"`)
	}
	return p, nil
}
