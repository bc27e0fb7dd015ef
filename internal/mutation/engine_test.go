package mutation

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/riverloop/collabflow/internal/authz"
	"github.com/riverloop/collabflow/internal/hub"
	"github.com/riverloop/collabflow/internal/storage"
)

// fakeStorage is a minimal in-memory Storage+Tx, exercised directly
// (transactions are not isolated — tests are single-threaded).
type fakeStorage struct {
	mu       sync.Mutex
	blocks   map[string]storage.Block
	edges    map[string]storage.Edge
	subflows map[string]storage.Subflow
	access   storage.Access
}

func newFakeStorage() *fakeStorage {
	return &fakeStorage{
		blocks:   map[string]storage.Block{},
		edges:    map[string]storage.Edge{},
		subflows: map[string]storage.Subflow{},
		access:   storage.Access{HasAccess: true, Role: storage.RoleAdmin},
	}
}

func (f *fakeStorage) Ping(ctx context.Context) error { return nil }
func (f *fakeStorage) GetWorkflow(ctx context.Context, id string) (storage.Workflow, error) {
	return storage.Workflow{ID: id}, nil
}
func (f *fakeStorage) GetBlock(ctx context.Context, workflowID, blockID string) (storage.Block, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	b, ok := f.blocks[blockID]
	if !ok {
		return storage.Block{}, storage.ErrNotFound
	}
	return b, nil
}
func (f *fakeStorage) ListBlocks(ctx context.Context, workflowID string) ([]storage.Block, error) {
	return nil, nil
}
func (f *fakeStorage) ListEdges(ctx context.Context, workflowID string) ([]storage.Edge, error) {
	return nil, nil
}
func (f *fakeStorage) ListSubflows(ctx context.Context, workflowID string) ([]storage.Subflow, error) {
	return nil, nil
}
func (f *fakeStorage) ResolveAccess(ctx context.Context, userID, workflowID string) (storage.Access, error) {
	return f.access, nil
}
func (f *fakeStorage) BeginTx(ctx context.Context) (storage.Tx, error) {
	return &fakeTx{store: f}, nil
}
func (f *fakeStorage) TouchWorkflow(ctx context.Context, workflowID string, at time.Time) error {
	return nil
}
func (f *fakeStorage) UpdateBlockPosition(ctx context.Context, workflowID, blockID string, pos storage.Position) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	b, ok := f.blocks[blockID]
	if !ok {
		return storage.ErrNotFound
	}
	b.Position = pos
	f.blocks[blockID] = b
	return nil
}
func (f *fakeStorage) UpdateSubBlockValue(ctx context.Context, workflowID, blockID, subBlockID string, value any) error {
	return nil
}
func (f *fakeStorage) CheckConsistency(ctx context.Context, workflowID string) (storage.ConsistencyReport, error) {
	return storage.ConsistencyReport{Valid: true}, nil
}

type fakeTx struct{ store *fakeStorage }

func (t *fakeTx) Commit(ctx context.Context) error   { return nil }
func (t *fakeTx) Rollback(ctx context.Context) error { return nil }
func (t *fakeTx) TouchWorkflow(ctx context.Context, workflowID string, at time.Time) error {
	return nil
}
func (t *fakeTx) InsertBlock(ctx context.Context, b storage.Block) error {
	t.store.mu.Lock()
	defer t.store.mu.Unlock()
	if _, exists := t.store.blocks[b.ID]; exists {
		return storage.ErrDuplicate
	}
	t.store.blocks[b.ID] = b
	return nil
}
func (t *fakeTx) UpdateBlock(ctx context.Context, b storage.Block) error {
	t.store.mu.Lock()
	defer t.store.mu.Unlock()
	t.store.blocks[b.ID] = b
	return nil
}
func (t *fakeTx) DeleteBlock(ctx context.Context, workflowID, blockID string) error {
	t.store.mu.Lock()
	defer t.store.mu.Unlock()
	delete(t.store.blocks, blockID)
	return nil
}
func (t *fakeTx) GetBlock(ctx context.Context, workflowID, blockID string) (storage.Block, error) {
	return t.store.GetBlock(ctx, workflowID, blockID)
}
func (t *fakeTx) ChildBlockIDs(ctx context.Context, workflowID, parentID string) ([]string, error) {
	t.store.mu.Lock()
	defer t.store.mu.Unlock()
	var out []string
	for _, b := range t.store.blocks {
		if b.ParentID != nil && *b.ParentID == parentID {
			out = append(out, b.ID)
		}
	}
	return out, nil
}
func (t *fakeTx) InsertEdge(ctx context.Context, e storage.Edge) error {
	t.store.mu.Lock()
	defer t.store.mu.Unlock()
	t.store.edges[e.ID] = e
	return nil
}
func (t *fakeTx) DeleteEdge(ctx context.Context, workflowID, edgeID string) error {
	t.store.mu.Lock()
	defer t.store.mu.Unlock()
	delete(t.store.edges, edgeID)
	return nil
}
func (t *fakeTx) DeleteEdgesTouching(ctx context.Context, workflowID, blockID string) error {
	t.store.mu.Lock()
	defer t.store.mu.Unlock()
	for id, e := range t.store.edges {
		if e.SourceBlockID == blockID || e.TargetBlockID == blockID {
			delete(t.store.edges, id)
		}
	}
	return nil
}
func (t *fakeTx) InsertSubflow(ctx context.Context, sf storage.Subflow) error {
	t.store.mu.Lock()
	defer t.store.mu.Unlock()
	t.store.subflows[sf.ID] = sf
	return nil
}
func (t *fakeTx) UpdateSubflow(ctx context.Context, sf storage.Subflow) error {
	t.store.mu.Lock()
	defer t.store.mu.Unlock()
	t.store.subflows[sf.ID] = sf
	return nil
}
func (t *fakeTx) DeleteSubflow(ctx context.Context, workflowID, subflowID string) error {
	t.store.mu.Lock()
	defer t.store.mu.Unlock()
	delete(t.store.subflows, subflowID)
	return nil
}
func (t *fakeTx) GetSubflow(ctx context.Context, workflowID, subflowID string) (storage.Subflow, error) {
	t.store.mu.Lock()
	defer t.store.mu.Unlock()
	sf, ok := t.store.subflows[subflowID]
	if !ok {
		return storage.Subflow{}, storage.ErrNotFound
	}
	return sf, nil
}
func (t *fakeTx) SetSubflowNodes(ctx context.Context, workflowID, subflowID string, nodeIDs []string) error {
	t.store.mu.Lock()
	defer t.store.mu.Unlock()
	sf, ok := t.store.subflows[subflowID]
	if !ok {
		return storage.ErrNotFound
	}
	if sf.Config == nil {
		sf.Config = map[string]any{}
	}
	sf.Config["nodes"] = nodeIDs
	t.store.subflows[subflowID] = sf
	return nil
}

// recordingSender captures every event sent to it.
type recordingSender struct {
	mu     sync.Mutex
	events []string
}

func (r *recordingSender) Send(event string, payload any) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, event)
	return nil
}

func (r *recordingSender) count(event string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, e := range r.events {
		if e == event {
			n++
		}
	}
	return n
}

func newTestEngine(t *testing.T) (*Engine, *fakeStorage, *hub.Registry) {
	t.Helper()
	store := newFakeStorage()
	authzSvc := authz.New(store)
	registry := hub.NewRegistry()
	return New(store, authzSvc, registry), store, registry
}

func joinTestSession(ctx context.Context, registry *hub.Registry, connID, workflowID string) *recordingSender {
	sender := &recordingSender{}
	now := time.Now()
	registry.Join(ctx, &hub.Session{
		ConnectionID: connID, UserID: "user-" + connID, DisplayName: "User",
		WorkflowID: workflowID, JoinedAt: now, LastActivity: now, Sender: sender,
	})
	return sender
}

func TestEngine_ApplyBlockAdd(t *testing.T) {
	ctx := context.Background()
	engine, store, registry := newTestEngine(t)
	sender := joinTestSession(ctx, registry, "conn-1", "wf-1")

	frame := Frame{
		Operation: "add", Target: TargetBlock, OperationID: "op-1",
		Payload: json.RawMessage(`{"id":"b1","type":"agent","name":"Agent 1","position":{"x":1,"y":2}}`),
	}
	sctx := Context{ConnectionID: "conn-1", UserID: "user-conn-1", WorkflowID: "wf-1"}
	if merr := engine.Apply(ctx, sctx, frame); merr != nil {
		t.Fatalf("unexpected error: %v", merr)
	}

	if _, ok := store.blocks["b1"]; !ok {
		t.Fatalf("expected block to be persisted")
	}
	if sender.count("operation-confirmed") != 1 {
		t.Fatalf("expected the sender to receive operation-confirmed")
	}
}

func TestEngine_ApplyBlockAdd_ContainerCreatesSubflow(t *testing.T) {
	ctx := context.Background()
	engine, store, registry := newTestEngine(t)
	joinTestSession(ctx, registry, "conn-1", "wf-1")

	frame := Frame{
		Operation: "add", Target: TargetBlock,
		Payload: json.RawMessage(`{"id":"loop1","type":"loop","name":"Loop","position":{"x":0,"y":0},"data":{"count":3}}`),
	}
	sctx := Context{ConnectionID: "conn-1", UserID: "user-conn-1", WorkflowID: "wf-1"}
	if merr := engine.Apply(ctx, sctx, frame); merr != nil {
		t.Fatalf("unexpected error: %v", merr)
	}

	sf, ok := store.subflows["loop1"]
	if !ok {
		t.Fatalf("expected a companion subflow row for a container block")
	}
	if sf.Config["iterations"] != float64(3) {
		t.Fatalf("expected iterations to be pulled from payload.data.count, got %+v", sf.Config)
	}
}

func TestEngine_ApplyBlockRemove_RecomputesParentNodeList(t *testing.T) {
	ctx := context.Background()
	engine, store, registry := newTestEngine(t)
	joinTestSession(ctx, registry, "conn-1", "wf-1")
	sctx := Context{ConnectionID: "conn-1", UserID: "user-conn-1", WorkflowID: "wf-1"}

	parentID := "loop1"
	store.blocks["loop1"] = storage.Block{ID: "loop1", WorkflowID: "wf-1", Type: storage.BlockTypeLoop}
	store.subflows["loop1"] = storage.Subflow{ID: "loop1", WorkflowID: "wf-1", Type: storage.BlockTypeLoop, Config: map[string]any{"nodes": []string{"b1"}}}
	store.blocks["b1"] = storage.Block{ID: "b1", WorkflowID: "wf-1", ParentID: &parentID}

	frame := Frame{Operation: "remove", Target: TargetBlock, Payload: json.RawMessage(`{"id":"b1"}`)}
	if merr := engine.Apply(ctx, sctx, frame); merr != nil {
		t.Fatalf("unexpected error: %v", merr)
	}

	if _, ok := store.blocks["b1"]; ok {
		t.Fatalf("expected block to be deleted")
	}
	sf := store.subflows["loop1"]
	nodes := sf.NodeIDs()
	if len(nodes) != 0 {
		t.Fatalf("expected parent subflow node list to be recomputed to empty, got %v", nodes)
	}
}

func TestEngine_ApplyPositionFastPath_BroadcastsBeforePersisting(t *testing.T) {
	ctx := context.Background()
	engine, store, registry := newTestEngine(t)
	store.blocks["b1"] = storage.Block{ID: "b1", WorkflowID: "wf-1", Position: storage.Position{X: 0, Y: 0}}
	sender := joinTestSession(ctx, registry, "conn-1", "wf-1")
	peer := joinTestSession(ctx, registry, "conn-2", "wf-1")
	sctx := Context{ConnectionID: "conn-1", UserID: "user-conn-1", WorkflowID: "wf-1"}

	frame := Frame{
		Operation: "update-position", Target: TargetBlock, OperationID: "op-2",
		Payload: json.RawMessage(`{"id":"b1","position":{"x":10,"y":20}}`),
	}
	if merr := engine.Apply(ctx, sctx, frame); merr != nil {
		t.Fatalf("unexpected error: %v", merr)
	}

	if peer.count("workflow-operation") != 1 {
		t.Fatalf("expected the peer to receive the position broadcast when Apply returns")
	}
	if sender.count("operation-confirmed") != 1 {
		t.Fatalf("expected immediate operation-confirmed on the fast path")
	}
}

func TestEngine_SubblockUpdate_BlockGoneIsNonRetryable(t *testing.T) {
	ctx := context.Background()
	engine, _, registry := newTestEngine(t)
	joinTestSession(ctx, registry, "conn-1", "wf-1")
	sctx := Context{ConnectionID: "conn-1", UserID: "user-conn-1", WorkflowID: "wf-1"}

	merr := engine.SubblockUpdate(ctx, sctx, "missing-block", "field", "value", "op-3")
	if merr == nil || merr.Kind != KindBlockGone || merr.Retryable {
		t.Fatalf("expected non-retryable BlockGone, got %+v", merr)
	}
}

func TestEngine_SubblockUpdate_MergesValue(t *testing.T) {
	ctx := context.Background()
	engine, store, registry := newTestEngine(t)
	store.blocks["b1"] = storage.Block{ID: "b1", WorkflowID: "wf-1", SubBlocks: map[string]storage.SubBlockValue{
		"field": {ID: "field", Type: "string", Value: "old"},
	}}
	joinTestSession(ctx, registry, "conn-1", "wf-1")
	sctx := Context{ConnectionID: "conn-1", UserID: "user-conn-1", WorkflowID: "wf-1"}

	if merr := engine.SubblockUpdate(ctx, sctx, "b1", "field", "new", "op-4"); merr != nil {
		t.Fatalf("unexpected error: %v", merr)
	}
	updated := store.blocks["b1"].SubBlocks["field"]
	if updated.Value != "new" || updated.Type != "string" {
		t.Fatalf("expected merged subblock to preserve type and update value, got %+v", updated)
	}
}
