package storage

import (
	"context"
	"time"
)

// Storage is the interface the Mutation Engine, Authorization Service,
// Lifecycle Controller and Consistency Checker depend on. It is
// satisfied by *PostgresStorage in production and, in tests, by
// hand-written fakes that embed Storage/Tx and override only the
// methods exercised (internal/api's fakeSnapshotStorage/
// fakeOperationStorage, internal/mutation's fakeStorage/fakeTx).
// postgres_test.go exercises *PostgresStorage itself against a real
// Postgres instance.
type Storage interface {
	Ping(ctx context.Context) error

	GetWorkflow(ctx context.Context, id string) (Workflow, error)

	GetBlock(ctx context.Context, workflowID, blockID string) (Block, error)
	ListBlocks(ctx context.Context, workflowID string) ([]Block, error)
	ListEdges(ctx context.Context, workflowID string) ([]Edge, error)
	ListSubflows(ctx context.Context, workflowID string) ([]Subflow, error)

	// ResolveAccess implements rules (a)-(d) of the Authorization
	// Service (4.2): workflow existence, ownership, then the
	// access-grant table.
	ResolveAccess(ctx context.Context, userID, workflowID string) (Access, error)

	// BeginTx starts the one transaction a structural mutation frame
	// runs inside (section 4.5, "All structural operations execute
	// inside one database transaction per frame").
	BeginTx(ctx context.Context) (Tx, error)

	// TouchWorkflow advances the parent workflow's updatedAt outside of
	// any structural transaction; used by the position-update fast path
	// (4.7), which persists asynchronously.
	TouchWorkflow(ctx context.Context, workflowID string, at time.Time) error

	// UpdateBlockPosition is the single-row write used by the position
	// fast path. It fails with ErrNotFound if the block is gone.
	UpdateBlockPosition(ctx context.Context, workflowID, blockID string, pos Position) error

	// UpdateSubBlockValue implements the sub-block value path (4.8).
	UpdateSubBlockValue(ctx context.Context, workflowID, blockID, subBlockID string, value any) error

	// CheckConsistency implements the read-only orphan-edge audit (4.11).
	CheckConsistency(ctx context.Context, workflowID string) (ConsistencyReport, error)
}

// Access is the result of resolveAccess (4.2).
type Access struct {
	HasAccess   bool
	Role        Role
	WorkspaceID string
}

// ConsistencyReport is the result of checkConsistency (4.11).
type ConsistencyReport struct {
	Valid  bool
	Issues []string
}

// Tx is a handle to the one transaction a structural mutation frame
// (add/remove/update on a block, edge, or subflow) runs inside. All
// methods operate within the transaction and are not safe to call
// concurrently on the same Tx.
type Tx interface {
	Commit(ctx context.Context) error
	Rollback(ctx context.Context) error

	TouchWorkflow(ctx context.Context, workflowID string, at time.Time) error

	InsertBlock(ctx context.Context, b Block) error
	UpdateBlock(ctx context.Context, b Block) error
	DeleteBlock(ctx context.Context, workflowID, blockID string) error
	GetBlock(ctx context.Context, workflowID, blockID string) (Block, error)
	ChildBlockIDs(ctx context.Context, workflowID, parentID string) ([]string, error)

	InsertEdge(ctx context.Context, e Edge) error
	DeleteEdge(ctx context.Context, workflowID, edgeID string) error
	DeleteEdgesTouching(ctx context.Context, workflowID, blockID string) error

	InsertSubflow(ctx context.Context, sf Subflow) error
	UpdateSubflow(ctx context.Context, sf Subflow) error
	DeleteSubflow(ctx context.Context, workflowID, subflowID string) error
	GetSubflow(ctx context.Context, workflowID, subflowID string) (Subflow, error)
	SetSubflowNodes(ctx context.Context, workflowID, subflowID string, nodeIDs []string) error
}
