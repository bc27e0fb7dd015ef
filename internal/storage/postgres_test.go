//go:build integration

package storage

import (
	"context"
	"errors"
	"os"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
)

// TestPostgresStorage_RemoveContainerBlock_CascadesChildrenEdgesAndSubflow
// exercises postgresTx's cascading delete path against a real Postgres
// instance (scenario S3: removing a container block deletes its
// children, their edges, and the subflow row), following the same
// sequence internal/mutation/engine.go's commitBlock "remove" case runs:
// ChildBlockIDs -> per child DeleteEdgesTouching+DeleteBlock ->
// DeleteSubflow -> DeleteEdgesTouching(container) -> DeleteBlock(container).
func TestPostgresStorage_RemoveContainerBlock_CascadesChildrenEdgesAndSubflow(t *testing.T) {
	dsn := os.Getenv("POSTGRES_DSN")
	if os.Getenv("COLLABFLOW_INTEGRATION") != "1" || dsn == "" {
		t.Skip("integration: set COLLABFLOW_INTEGRATION=1 and POSTGRES_DSN to run")
	}

	ctx := context.Background()
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		t.Fatalf("pgxpool: %v", err)
	}
	defer pool.Close()

	dropSchema(ctx, pool)
	if err := createSchema(ctx, pool); err != nil {
		t.Fatalf("create schema: %v", err)
	}
	defer dropSchema(ctx, pool)

	store := NewPostgresStorage(pool)

	const (
		workflowID  = "wf-1"
		containerID = "blk-loop"
		childID     = "blk-child"
		edgeID      = "edge-1"
	)

	if _, err := pool.Exec(ctx, `
		INSERT INTO workflow (id, workspace_id, owner_user_id, updated_at, last_saved,
			is_deployed, deployed_at, deployment_statuses, has_active_schedule, has_active_webhook)
		VALUES ($1, 'ws-1', 'user-1', $2, $2, false, NULL, '{}', false, false)`,
		workflowID, time.Now()); err != nil {
		t.Fatalf("insert workflow: %v", err)
	}

	tx, err := store.BeginTx(ctx)
	if err != nil {
		t.Fatalf("begin tx: %v", err)
	}

	if err := tx.InsertBlock(ctx, Block{
		ID: containerID, WorkflowID: workflowID, Type: BlockTypeLoop, Name: "loop",
		SubBlocks: map[string]SubBlockValue{}, Outputs: map[string]any{}, Data: map[string]any{},
	}); err != nil {
		t.Fatalf("insert container block: %v", err)
	}
	if err := tx.InsertBlock(ctx, Block{
		ID: childID, WorkflowID: workflowID, Type: "agent", Name: "child",
		SubBlocks: map[string]SubBlockValue{}, Outputs: map[string]any{}, Data: map[string]any{},
		ParentID: ptr(containerID),
	}); err != nil {
		t.Fatalf("insert child block: %v", err)
	}
	if err := tx.InsertEdge(ctx, Edge{
		ID: edgeID, WorkflowID: workflowID, SourceBlockID: childID, TargetBlockID: childID,
	}); err != nil {
		t.Fatalf("insert edge: %v", err)
	}
	if err := tx.InsertSubflow(ctx, Subflow{
		ID: containerID, WorkflowID: workflowID, Type: BlockTypeLoop,
		Config: map[string]any{"nodes": []string{childID}},
	}); err != nil {
		t.Fatalf("insert subflow: %v", err)
	}
	if err := tx.Commit(ctx); err != nil {
		t.Fatalf("commit setup: %v", err)
	}

	tx, err = store.BeginTx(ctx)
	if err != nil {
		t.Fatalf("begin remove tx: %v", err)
	}
	childIDs, err := tx.ChildBlockIDs(ctx, workflowID, containerID)
	if err != nil {
		t.Fatalf("child block ids: %v", err)
	}
	for _, cid := range childIDs {
		if err := tx.DeleteEdgesTouching(ctx, workflowID, cid); err != nil {
			t.Fatalf("delete child edges: %v", err)
		}
		if err := tx.DeleteBlock(ctx, workflowID, cid); err != nil {
			t.Fatalf("delete child block: %v", err)
		}
	}
	if err := tx.DeleteSubflow(ctx, workflowID, containerID); err != nil && !errors.Is(err, ErrNotFound) {
		t.Fatalf("delete subflow: %v", err)
	}
	if err := tx.DeleteEdgesTouching(ctx, workflowID, containerID); err != nil {
		t.Fatalf("delete container edges: %v", err)
	}
	if err := tx.DeleteBlock(ctx, workflowID, containerID); err != nil {
		t.Fatalf("delete container block: %v", err)
	}
	if err := tx.Commit(ctx); err != nil {
		t.Fatalf("commit remove: %v", err)
	}

	blocks, err := store.ListBlocks(ctx, workflowID)
	if err != nil {
		t.Fatalf("list blocks: %v", err)
	}
	if len(blocks) != 0 {
		t.Fatalf("expected no blocks left, got %+v", blocks)
	}

	edges, err := store.ListEdges(ctx, workflowID)
	if err != nil {
		t.Fatalf("list edges: %v", err)
	}
	if len(edges) != 0 {
		t.Fatalf("expected no edges left, got %+v", edges)
	}

	subflows, err := store.ListSubflows(ctx, workflowID)
	if err != nil {
		t.Fatalf("list subflows: %v", err)
	}
	if len(subflows) != 0 {
		t.Fatalf("expected no subflows left, got %+v", subflows)
	}
}

func ptr(s string) *string { return &s }

func createSchema(ctx context.Context, pool *pgxpool.Pool) error {
	stmts := []string{
		`CREATE TABLE workflow (
			id text PRIMARY KEY,
			workspace_id text NOT NULL,
			owner_user_id text NOT NULL,
			updated_at timestamptz NOT NULL,
			last_saved timestamptz NOT NULL,
			is_deployed boolean NOT NULL,
			deployed_at timestamptz,
			deployment_statuses jsonb NOT NULL DEFAULT '{}',
			has_active_schedule boolean NOT NULL,
			has_active_webhook boolean NOT NULL
		)`,
		`CREATE TABLE workflow_blocks (
			id text NOT NULL,
			workflow_id text NOT NULL,
			type text NOT NULL,
			name text NOT NULL,
			position_x double precision NOT NULL DEFAULT 0,
			position_y double precision NOT NULL DEFAULT 0,
			enabled boolean NOT NULL DEFAULT true,
			horizontal_handles boolean NOT NULL DEFAULT false,
			is_wide boolean NOT NULL DEFAULT false,
			advanced_mode boolean NOT NULL DEFAULT false,
			height double precision NOT NULL DEFAULT 0,
			sub_blocks jsonb NOT NULL DEFAULT '{}',
			outputs jsonb NOT NULL DEFAULT '{}',
			data jsonb NOT NULL DEFAULT '{}',
			parent_id text,
			extent text,
			PRIMARY KEY (workflow_id, id)
		)`,
		`CREATE TABLE workflow_edges (
			id text NOT NULL,
			workflow_id text NOT NULL,
			source_block_id text NOT NULL,
			target_block_id text NOT NULL,
			source_handle text,
			target_handle text,
			PRIMARY KEY (workflow_id, id)
		)`,
		`CREATE TABLE workflow_subflows (
			id text NOT NULL,
			workflow_id text NOT NULL,
			type text NOT NULL,
			config jsonb NOT NULL DEFAULT '{}',
			PRIMARY KEY (workflow_id, id)
		)`,
		`CREATE TABLE permissions (
			user_id text NOT NULL,
			entity_type text NOT NULL,
			entity_id text NOT NULL,
			permission_type text NOT NULL,
			PRIMARY KEY (user_id, entity_type, entity_id)
		)`,
	}
	for _, stmt := range stmts {
		if _, err := pool.Exec(ctx, stmt); err != nil {
			return err
		}
	}
	return nil
}

func dropSchema(ctx context.Context, pool *pgxpool.Pool) {
	for _, table := range []string{"workflow_edges", "workflow_subflows", "workflow_blocks", "permissions", "workflow"} {
		_, _ = pool.Exec(ctx, "DROP TABLE IF EXISTS "+table)
	}
}
