// Package authz implements the Authorization Service (component 2 /
// SPEC_FULL 4.2): resolving a user's role on a workflow and checking
// whether that role may perform a given operation.
package authz

import (
	"context"

	"github.com/riverloop/collabflow/internal/storage"
)

// TargetKind is the kind of graph entity an operation acts on.
type TargetKind string

const (
	TargetBlock   TargetKind = "block"
	TargetEdge    TargetKind = "edge"
	TargetSubflow TargetKind = "subflow"
)

// Decision is the result of authorizeOperation (4.2).
type Decision struct {
	Allowed bool
	Reason  string
}

// writeOperations is the set of operations admin and write roles may
// perform, identical across targets per the matrix in 4.2.
var writeOperations = map[string]bool{
	"add":                    true,
	"remove":                 true,
	"update":                 true,
	"update-position":        true,
	"update-name":            true,
	"toggle-enabled":         true,
	"update-parent":          true,
	"update-wide":            true,
	"update-advanced-mode":   true,
	"toggle-handles":         true,
	"duplicate":              true,
}

// Service resolves access and authorizes operations. It never caches a
// decision — every call re-reads the access row (4.2, "The service
// never short-circuits on cached state").
type Service struct {
	store storage.Storage
}

// New constructs an Authorization Service backed by store.
func New(store storage.Storage) *Service {
	return &Service{store: store}
}

// ResolveAccess implements resolveAccess(userId, workflowId) (4.2).
func (s *Service) ResolveAccess(ctx context.Context, userID, workflowID string) (storage.Access, error) {
	return s.store.ResolveAccess(ctx, userID, workflowID)
}

// AuthorizeOperation implements authorizeOperation(userId, workflowId,
// opName, targetKind) (4.2): resolves the role, then checks the fixed
// matrix. Read-role may only perform update-position; admin and write
// may perform every listed operation; any other role is denied.
func (s *Service) AuthorizeOperation(ctx context.Context, userID, workflowID, opName string, _ TargetKind) (Decision, error) {
	access, err := s.store.ResolveAccess(ctx, userID, workflowID)
	if err != nil {
		return Decision{}, err
	}
	if !access.HasAccess {
		return Decision{Allowed: false, Reason: "no access to workflow"}, nil
	}

	switch access.Role {
	case storage.RoleAdmin, storage.RoleWrite:
		if writeOperations[opName] {
			return Decision{Allowed: true}, nil
		}
		return Decision{Allowed: false, Reason: "unknown operation " + opName}, nil
	case storage.RoleRead:
		if opName == "update-position" {
			return Decision{Allowed: true}, nil
		}
		return Decision{Allowed: false, Reason: "role read may only update-position"}, nil
	default:
		return Decision{Allowed: false, Reason: "role " + string(access.Role) + " has no permitted operations"}, nil
	}
}
