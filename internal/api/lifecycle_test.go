package api

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/riverloop/collabflow/internal/authn"
	"github.com/riverloop/collabflow/internal/authz"
	"github.com/riverloop/collabflow/internal/hub"
	"github.com/riverloop/collabflow/internal/mutation"
	"github.com/riverloop/collabflow/internal/storage"
)

type recordingSender struct {
	mu      sync.Mutex
	events  []string
	last    any
	lastKey string
}

func (r *recordingSender) Send(event string, payload any) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, event)
	r.last = payload
	r.lastKey = event
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

func newTestServer(t *testing.T, store storage.Storage) (*Server, *hub.Registry) {
	t.Helper()
	authzSvc := authz.New(store)
	registry := hub.NewRegistry()
	engine := mutation.New(store, authzSvc, registry)
	return &Server{store: store, authz: authzSvc, hub: registry, engine: engine}, registry
}

func TestHandleJoinWorkflow_SendsWorkflowState(t *testing.T) {
	store := &fakeSnapshotStorage{workflow: storage.Workflow{ID: "wf-1"}}
	s, _ := newTestServer(t, store)
	sender := &recordingSender{}
	identity := authn.Identity{UserID: "user-1", DisplayName: "User One"}

	data, _ := json.Marshal(map[string]string{"workflowId": "wf-1"})
	s.handleJoinWorkflow(context.Background(), "conn-1", identity, sender, data)

	if sender.count("workflow-state") != 1 {
		t.Fatalf("expected exactly one workflow-state event, got %d", sender.count("workflow-state"))
	}
}

func TestHandleJoinWorkflow_MissingWorkflowID(t *testing.T) {
	store := &fakeSnapshotStorage{}
	s, _ := newTestServer(t, store)
	sender := &recordingSender{}

	s.handleJoinWorkflow(context.Background(), "conn-1", authn.Identity{UserID: "u1"}, sender, json.RawMessage(`{}`))

	if sender.count("join-workflow-error") != 1 {
		t.Fatalf("expected a join-workflow-error for a missing workflowId")
	}
}

// fakeOperationStorage is a minimal in-memory Storage+Tx sufficient to
// exercise the Mutation Engine's add-block path end to end.
type fakeOperationStorage struct {
	storage.Storage
	mu     sync.Mutex
	blocks map[string]storage.Block
}

func (f *fakeOperationStorage) ResolveAccess(ctx context.Context, userID, workflowID string) (storage.Access, error) {
	return storage.Access{HasAccess: true, Role: storage.RoleAdmin}, nil
}
func (f *fakeOperationStorage) BeginTx(ctx context.Context) (storage.Tx, error) {
	return &fakeOperationTx{store: f}, nil
}

type fakeOperationTx struct{ store *fakeOperationStorage }

func (t *fakeOperationTx) Commit(ctx context.Context) error   { return nil }
func (t *fakeOperationTx) Rollback(ctx context.Context) error { return nil }
func (t *fakeOperationTx) TouchWorkflow(ctx context.Context, workflowID string, at time.Time) error {
	return nil
}
func (t *fakeOperationTx) InsertBlock(ctx context.Context, b storage.Block) error {
	t.store.mu.Lock()
	defer t.store.mu.Unlock()
	t.store.blocks[b.ID] = b
	return nil
}
func (t *fakeOperationTx) UpdateBlock(ctx context.Context, b storage.Block) error { return nil }
func (t *fakeOperationTx) DeleteBlock(ctx context.Context, workflowID, blockID string) error {
	return nil
}
func (t *fakeOperationTx) GetBlock(ctx context.Context, workflowID, blockID string) (storage.Block, error) {
	t.store.mu.Lock()
	defer t.store.mu.Unlock()
	b, ok := t.store.blocks[blockID]
	if !ok {
		return storage.Block{}, storage.ErrNotFound
	}
	return b, nil
}
func (t *fakeOperationTx) ChildBlockIDs(ctx context.Context, workflowID, parentID string) ([]string, error) {
	return nil, nil
}
func (t *fakeOperationTx) InsertEdge(ctx context.Context, e storage.Edge) error { return nil }
func (t *fakeOperationTx) DeleteEdge(ctx context.Context, workflowID, edgeID string) error {
	return nil
}
func (t *fakeOperationTx) DeleteEdgesTouching(ctx context.Context, workflowID, blockID string) error {
	return nil
}
func (t *fakeOperationTx) InsertSubflow(ctx context.Context, sf storage.Subflow) error { return nil }
func (t *fakeOperationTx) UpdateSubflow(ctx context.Context, sf storage.Subflow) error { return nil }
func (t *fakeOperationTx) DeleteSubflow(ctx context.Context, workflowID, subflowID string) error {
	return nil
}
func (t *fakeOperationTx) GetSubflow(ctx context.Context, workflowID, subflowID string) (storage.Subflow, error) {
	return storage.Subflow{}, storage.ErrNotFound
}
func (t *fakeOperationTx) SetSubflowNodes(ctx context.Context, workflowID, subflowID string, nodeIDs []string) error {
	return nil
}

func TestDispatch_WorkflowOperation_RoutesToEngine(t *testing.T) {
	store := &fakeOperationStorage{blocks: map[string]storage.Block{}}
	s, registry := newTestServer(t, store)
	sender := &recordingSender{}
	now := time.Now()
	registry.Join(context.Background(), &hub.Session{
		ConnectionID: "conn-1", UserID: "user-1", DisplayName: "User One",
		WorkflowID: "wf-1", JoinedAt: now, LastActivity: now, Sender: sender,
	})

	frame := mutation.Frame{
		Operation: "add", Target: mutation.TargetBlock, OperationID: "op-1",
		Payload: json.RawMessage(`{"id":"b1","type":"agent","name":"Agent","position":{"x":0,"y":0}}`),
	}
	data, _ := json.Marshal(frame)
	s.dispatch(context.Background(), "conn-1", authn.Identity{UserID: "user-1"}, sender, inboundEnvelope{
		Event: "workflow-operation", Data: data,
	})

	if sender.count("operation-confirmed") != 1 {
		t.Fatalf("expected operation-confirmed after a successful workflow-operation")
	}
}

func TestDispatch_UnknownEvent_SendsError(t *testing.T) {
	store := &fakeSnapshotStorage{}
	s, _ := newTestServer(t, store)
	sender := &recordingSender{}

	s.dispatch(context.Background(), "conn-1", authn.Identity{UserID: "u1"}, sender, inboundEnvelope{Event: "not-a-real-event"})

	if sender.count("error") != 1 {
		t.Fatalf("expected an error event for an unknown inbound event name")
	}
}
