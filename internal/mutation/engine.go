package mutation

import (
	"context"
	"errors"
	"time"

	"github.com/riverloop/collabflow/internal/authz"
	"github.com/riverloop/collabflow/internal/hub"
	"github.com/riverloop/collabflow/internal/storage"
)

// Context identifies the sender of a frame: the slice of hub.Session
// the engine needs, kept independent of session lifecycle management.
type Context struct {
	ConnectionID string
	UserID       string
	UserName     string
	WorkflowID   string
}

// Engine is the Mutation Engine (4.5): applies a validated operation
// to the graph store inside one transaction per frame, runs the
// Subflow Node-List Rule and Auto-Connect Edge, and hands the result
// to the Broadcaster.
type Engine struct {
	store storage.Storage
	authz *authz.Service
	hub   *hub.Registry
	clock func() time.Time
}

// New constructs a Mutation Engine over store, authorizing through
// authzSvc and broadcasting through registry.
func New(store storage.Storage, authzSvc *authz.Service, registry *hub.Registry) *Engine {
	return &Engine{store: store, authz: authzSvc, hub: registry, clock: time.Now}
}

// Apply dispatches frame to the block, edge, or subflow handler by
// its Target (4.4).
func (e *Engine) Apply(ctx context.Context, sctx Context, frame Frame) *Error {
	switch frame.Target {
	case TargetBlock:
		return e.applyBlock(ctx, sctx, frame)
	case TargetEdge:
		return e.applyEdge(ctx, sctx, frame)
	case TargetSubflow:
		return e.applySubflow(ctx, sctx, frame)
	default:
		return NewValidationError("unknown target " + frame.Target)
	}
}

func (e *Engine) authorize(ctx context.Context, sctx Context, opName string, target authz.TargetKind) *Error {
	decision, err := e.authz.AuthorizeOperation(ctx, sctx.UserID, sctx.WorkflowID, opName, target)
	if err != nil {
		return NewOperationFailed(err.Error())
	}
	if !decision.Allowed {
		return &Error{Kind: KindInsufficientPermissions, Message: decision.Reason, Retryable: false}
	}
	return nil
}

func (e *Engine) applyBlock(ctx context.Context, sctx Context, frame Frame) *Error {
	payload, verr := ParseBlock(frame)
	if verr != nil {
		return verr
	}

	if frame.Operation == "update-position" {
		return e.applyPositionFastPath(ctx, sctx, frame, payload)
	}

	if aerr := e.authorize(ctx, sctx, frame.Operation, authz.TargetBlock); aerr != nil {
		return aerr
	}

	var result *Error
	if err := e.hub.WithRoom(ctx, sctx.WorkflowID, func(r *hub.Room) error {
		result = e.commitBlock(ctx, sctx, frame, payload, r)
		return nil
	}); err != nil {
		return NewOperationFailed(err.Error())
	}
	return result
}

// commitBlock runs the block mutation's transaction and its broadcast
// as one step on the room's actor goroutine, so the commit and the
// broadcast it produces are never interleaved with another room
// member's structural operation (5).
func (e *Engine) commitBlock(ctx context.Context, sctx Context, frame Frame, payload BlockPayload, r *hub.Room) *Error {
	tx, err := e.store.BeginTx(ctx)
	if err != nil {
		return NewOperationFailed(err.Error())
	}
	committed := false
	defer func() {
		if !committed {
			_ = tx.Rollback(ctx)
		}
	}()

	// Shared prelude (4.5): advance the parent workflow's updatedAt to
	// the server clock for every non-position operation.
	now := e.clock()
	if err := tx.TouchWorkflow(ctx, sctx.WorkflowID, now); err != nil {
		return Classify(err)
	}

	var recompute []string

	switch frame.Operation {
	case "add", "duplicate":
		if err := insertBlock(ctx, tx, sctx.WorkflowID, payload); err != nil {
			return Classify(err)
		}
		if payload.AutoConnectEdge != nil {
			ace := payload.AutoConnectEdge
			edge := storage.Edge{
				ID: ace.ID, WorkflowID: sctx.WorkflowID,
				SourceBlockID: ace.Source, TargetBlockID: ace.Target,
				SourceHandle: ace.SourceHandle, TargetHandle: ace.TargetHandle,
			}
			if err := tx.InsertEdge(ctx, edge); err != nil {
				return Classify(err)
			}
		}
		if payload.ParentID != nil {
			recompute = append(recompute, *payload.ParentID)
		}

	case "remove":
		blk, err := tx.GetBlock(ctx, sctx.WorkflowID, payload.ID)
		if err != nil {
			if errors.Is(err, storage.ErrNotFound) {
				return NewResourceNotFound(err.Error(), false)
			}
			return Classify(err)
		}
		if storage.IsContainerType(blk.Type) {
			childIDs, err := tx.ChildBlockIDs(ctx, sctx.WorkflowID, blk.ID)
			if err != nil {
				return Classify(err)
			}
			for _, cid := range childIDs {
				if err := tx.DeleteEdgesTouching(ctx, sctx.WorkflowID, cid); err != nil {
					return Classify(err)
				}
				if err := tx.DeleteBlock(ctx, sctx.WorkflowID, cid); err != nil {
					return Classify(err)
				}
			}
			if err := tx.DeleteSubflow(ctx, sctx.WorkflowID, blk.ID); err != nil && !errors.Is(err, storage.ErrNotFound) {
				return Classify(err)
			}
		}
		if err := tx.DeleteEdgesTouching(ctx, sctx.WorkflowID, blk.ID); err != nil {
			return Classify(err)
		}
		if err := tx.DeleteBlock(ctx, sctx.WorkflowID, blk.ID); err != nil {
			return Classify(err)
		}
		if blk.ParentID != nil {
			recompute = append(recompute, *blk.ParentID)
		}

	case "update-name":
		blk, err := tx.GetBlock(ctx, sctx.WorkflowID, payload.ID)
		if err != nil {
			return Classify(err)
		}
		blk.Name = payload.Name
		if err := tx.UpdateBlock(ctx, blk); err != nil {
			return Classify(err)
		}

	case "toggle-enabled":
		blk, err := tx.GetBlock(ctx, sctx.WorkflowID, payload.ID)
		if err != nil {
			return Classify(err)
		}
		blk.Enabled = !blk.Enabled
		if err := tx.UpdateBlock(ctx, blk); err != nil {
			return Classify(err)
		}

	case "update-parent":
		blk, err := tx.GetBlock(ctx, sctx.WorkflowID, payload.ID)
		if err != nil {
			return Classify(err)
		}
		oldParent := blk.ParentID
		blk.ParentID = payload.ParentID
		blk.Extent = payload.Extent
		if err := tx.UpdateBlock(ctx, blk); err != nil {
			return Classify(err)
		}
		if oldParent != nil {
			recompute = append(recompute, *oldParent)
		}
		if payload.ParentID != nil {
			recompute = append(recompute, *payload.ParentID)
		}

	case "update-wide":
		blk, err := tx.GetBlock(ctx, sctx.WorkflowID, payload.ID)
		if err != nil {
			return Classify(err)
		}
		if payload.IsWide != nil {
			blk.IsWide = *payload.IsWide
		}
		if err := tx.UpdateBlock(ctx, blk); err != nil {
			return Classify(err)
		}

	case "update-advanced-mode":
		blk, err := tx.GetBlock(ctx, sctx.WorkflowID, payload.ID)
		if err != nil {
			return Classify(err)
		}
		if payload.AdvancedMode != nil {
			blk.AdvancedMode = *payload.AdvancedMode
		}
		if err := tx.UpdateBlock(ctx, blk); err != nil {
			return Classify(err)
		}

	case "toggle-handles":
		blk, err := tx.GetBlock(ctx, sctx.WorkflowID, payload.ID)
		if err != nil {
			return Classify(err)
		}
		blk.HorizontalHandles = !blk.HorizontalHandles
		if err := tx.UpdateBlock(ctx, blk); err != nil {
			return Classify(err)
		}
	}

	for _, parentID := range recompute {
		if err := recomputeNodeList(ctx, tx, sctx.WorkflowID, parentID); err != nil {
			return Classify(err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return Classify(err)
	}
	committed = true

	e.broadcastBlockLocked(r, sctx, frame, payload, now, false)
	return nil
}

// insertBlock implements the common defaults of add/duplicate (4.5):
// a block row with the given attributes, and for container types a
// sibling subflow row with type-specific defaults pulled from payload
// Data.
func insertBlock(ctx context.Context, tx storage.Tx, workflowID string, p BlockPayload) error {
	blk := storage.Block{
		ID: p.ID, WorkflowID: workflowID, Type: p.Type, Name: p.Name,
		Position: *p.Position, Enabled: true, HorizontalHandles: true, IsWide: false, Height: 0,
		SubBlocks: p.SubBlocks, Outputs: p.Outputs, Data: p.Data,
		ParentID: p.ParentID, Extent: p.Extent,
	}
	if p.Enabled != nil {
		blk.Enabled = *p.Enabled
	}
	if p.HorizontalHandles != nil {
		blk.HorizontalHandles = *p.HorizontalHandles
	}
	if p.IsWide != nil {
		blk.IsWide = *p.IsWide
	}
	if p.AdvancedMode != nil {
		blk.AdvancedMode = *p.AdvancedMode
	}
	if p.Height != nil {
		blk.Height = *p.Height
	}

	if err := tx.InsertBlock(ctx, blk); err != nil {
		return err
	}
	if !storage.IsContainerType(p.Type) {
		return nil
	}

	cfg := map[string]any{"id": p.ID, "nodes": []string{}}
	switch p.Type {
	case storage.BlockTypeLoop:
		cfg["iterations"] = dataFloat(p.Data, "count", 5)
		cfg["loopType"] = dataString(p.Data, "loopType", "for")
		cfg["forEachItems"] = dataString(p.Data, "collection", "")
	case storage.BlockTypeParallel:
		cfg["distribution"] = dataString(p.Data, "collection", "")
	}
	return tx.InsertSubflow(ctx, storage.Subflow{ID: p.ID, WorkflowID: workflowID, Type: p.Type, Config: cfg})
}

func dataString(data map[string]any, key, def string) string {
	if data == nil {
		return def
	}
	if v, ok := data[key].(string); ok && v != "" {
		return v
	}
	return def
}

func dataFloat(data map[string]any, key string, def float64) float64 {
	if data == nil {
		return def
	}
	switch v := data[key].(type) {
	case float64:
		if v > 0 {
			return v
		}
	case int:
		if v > 0 {
			return float64(v)
		}
	}
	return def
}

// recomputeNodeList implements the Subflow Node-List Rule (4.5, 9):
// whenever a block's parentId changes, the parent subflow's
// config.nodes is recomputed from the children table in the same
// transaction.
func recomputeNodeList(ctx context.Context, tx storage.Tx, workflowID, subflowID string) error {
	childIDs, err := tx.ChildBlockIDs(ctx, workflowID, subflowID)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return nil
		}
		return err
	}
	return tx.SetSubflowNodes(ctx, workflowID, subflowID, childIDs)
}

// broadcastBlockLocked fans a block mutation out and acknowledges it
// to the originator. Must run on the room's own goroutine — called
// from commitBlock, itself inside a Registry.WithRoom callback.
func (e *Engine) broadcastBlockLocked(r *hub.Room, sctx Context, frame Frame, payload BlockPayload, serverTime time.Time, isPositionUpdate bool) {
	ts := serverTime.UnixMilli()
	r.Broadcast(sctx.ConnectionID, "workflow-operation", func(*hub.Session) any {
		return hub.Broadcast{
			Operation: frame.Operation, Target: TargetBlock, Payload: payload,
			Timestamp: ts, SenderID: sctx.ConnectionID, UserID: sctx.UserID, UserName: sctx.UserName,
			Metadata: hub.BroadcastMetadata{WorkflowID: sctx.WorkflowID, OperationID: frame.OperationID, IsPositionUpdate: isPositionUpdate},
		}
	})
	r.SendTo(sctx.ConnectionID, "operation-confirmed", map[string]any{
		"operationId": frame.OperationID, "serverTimestamp": ts,
	})
}

// applyPositionFastPath implements 4.7: broadcast first with the
// client timestamp preserved, then persist asynchronously. A later
// persistence failure is reported to the originator only, and is
// always retryable.
func (e *Engine) applyPositionFastPath(ctx context.Context, sctx Context, frame Frame, payload BlockPayload) *Error {
	if aerr := e.authorize(ctx, sctx, frame.Operation, authz.TargetBlock); aerr != nil {
		return aerr
	}

	clientTS := frame.Timestamp
	e.hub.Broadcast(ctx, sctx.WorkflowID, sctx.ConnectionID, "workflow-operation", func(*hub.Session) any {
		return hub.Broadcast{
			Operation: frame.Operation, Target: TargetBlock, Payload: payload,
			Timestamp: clientTS, SenderID: sctx.ConnectionID, UserID: sctx.UserID, UserName: sctx.UserName,
			Metadata: hub.BroadcastMetadata{WorkflowID: sctx.WorkflowID, OperationID: frame.OperationID, IsPositionUpdate: true},
		}
	})
	e.hub.SendTo(ctx, sctx.WorkflowID, sctx.ConnectionID, "operation-confirmed", map[string]any{
		"operationId": frame.OperationID, "serverTimestamp": clientTS,
	})

	go e.persistPosition(sctx, payload, clientTS, frame.OperationID)
	return nil
}

func (e *Engine) persistPosition(sctx Context, payload BlockPayload, clientTS int64, operationID string) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := e.store.UpdateBlockPosition(ctx, sctx.WorkflowID, payload.ID, *payload.Position); err != nil {
		if operationID == "" {
			return
		}
		e.hub.SendTo(ctx, sctx.WorkflowID, sctx.ConnectionID, "operation-failed", map[string]any{
			"operationId": operationID, "error": err.Error(), "retryable": true,
		})
		return
	}
	_ = e.store.TouchWorkflow(ctx, sctx.WorkflowID, time.UnixMilli(clientTS))
}

func (e *Engine) applyEdge(ctx context.Context, sctx Context, frame Frame) *Error {
	payload, verr := ParseEdge(frame)
	if verr != nil {
		return verr
	}
	if aerr := e.authorize(ctx, sctx, frame.Operation, authz.TargetEdge); aerr != nil {
		return aerr
	}

	var result *Error
	if err := e.hub.WithRoom(ctx, sctx.WorkflowID, func(r *hub.Room) error {
		result = e.commitEdge(ctx, sctx, frame, payload, r)
		return nil
	}); err != nil {
		return NewOperationFailed(err.Error())
	}
	return result
}

func (e *Engine) commitEdge(ctx context.Context, sctx Context, frame Frame, payload EdgePayload, r *hub.Room) *Error {
	tx, err := e.store.BeginTx(ctx)
	if err != nil {
		return NewOperationFailed(err.Error())
	}
	committed := false
	defer func() {
		if !committed {
			_ = tx.Rollback(ctx)
		}
	}()

	now := e.clock()
	if err := tx.TouchWorkflow(ctx, sctx.WorkflowID, now); err != nil {
		return Classify(err)
	}

	switch frame.Operation {
	case "add":
		edge := storage.Edge{
			ID: payload.ID, WorkflowID: sctx.WorkflowID,
			SourceBlockID: payload.Source, TargetBlockID: payload.Target,
			SourceHandle: payload.SourceHandle, TargetHandle: payload.TargetHandle,
		}
		if err := tx.InsertEdge(ctx, edge); err != nil {
			return Classify(err)
		}
	case "remove":
		if err := tx.DeleteEdge(ctx, sctx.WorkflowID, payload.ID); err != nil {
			if errors.Is(err, storage.ErrNotFound) {
				return NewResourceNotFound(err.Error(), false)
			}
			return Classify(err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return Classify(err)
	}
	committed = true

	ts := now.UnixMilli()
	r.Broadcast(sctx.ConnectionID, "workflow-operation", func(*hub.Session) any {
		return hub.Broadcast{
			Operation: frame.Operation, Target: TargetEdge, Payload: payload, Timestamp: ts,
			SenderID: sctx.ConnectionID, UserID: sctx.UserID, UserName: sctx.UserName,
			Metadata: hub.BroadcastMetadata{WorkflowID: sctx.WorkflowID, OperationID: frame.OperationID},
		}
	})
	r.SendTo(sctx.ConnectionID, "operation-confirmed", map[string]any{
		"operationId": frame.OperationID, "serverTimestamp": ts,
	})
	return nil
}

// applySubflow implements the only subflow operation the engine must
// act on, update (4.5): it writes config to the subflow row and
// mirrors the relevant fields into the container block's data.
// add/remove are accepted at the protocol boundary and are no-ops
// here, since they are implicit through block add/remove.
func (e *Engine) applySubflow(ctx context.Context, sctx Context, frame Frame) *Error {
	payload, verr := ParseSubflow(frame)
	if verr != nil {
		return verr
	}
	if frame.Operation != "update" {
		return nil
	}
	if aerr := e.authorize(ctx, sctx, frame.Operation, authz.TargetSubflow); aerr != nil {
		return aerr
	}

	var result *Error
	if err := e.hub.WithRoom(ctx, sctx.WorkflowID, func(r *hub.Room) error {
		result = e.commitSubflow(ctx, sctx, frame, payload, r)
		return nil
	}); err != nil {
		return NewOperationFailed(err.Error())
	}
	return result
}

func (e *Engine) commitSubflow(ctx context.Context, sctx Context, frame Frame, payload SubflowPayload, r *hub.Room) *Error {
	tx, err := e.store.BeginTx(ctx)
	if err != nil {
		return NewOperationFailed(err.Error())
	}
	committed := false
	defer func() {
		if !committed {
			_ = tx.Rollback(ctx)
		}
	}()

	now := e.clock()
	if err := tx.TouchWorkflow(ctx, sctx.WorkflowID, now); err != nil {
		return Classify(err)
	}

	sf, err := tx.GetSubflow(ctx, sctx.WorkflowID, payload.ID)
	if err != nil {
		return Classify(err)
	}
	if payload.Config != nil {
		sf.Config = payload.Config
	}
	if payload.Type != "" {
		sf.Type = payload.Type
	}
	if err := tx.UpdateSubflow(ctx, sf); err != nil {
		return Classify(err)
	}

	blk, err := tx.GetBlock(ctx, sctx.WorkflowID, payload.ID)
	if err != nil {
		return Classify(err)
	}
	if blk.Data == nil {
		blk.Data = map[string]any{}
	}
	switch sf.Type {
	case storage.BlockTypeLoop:
		blk.Data["count"] = sf.Config["iterations"]
		blk.Data["loopType"] = sf.Config["loopType"]
		blk.Data["collection"] = sf.Config["forEachItems"]
		blk.Data["width"] = 500
		blk.Data["height"] = 300
		blk.Data["type"] = "loopNode"
	case storage.BlockTypeParallel:
		blk.Data["collection"] = sf.Config["distribution"]
		blk.Data["width"] = 500
		blk.Data["height"] = 300
		blk.Data["type"] = "parallelNode"
	}
	if err := tx.UpdateBlock(ctx, blk); err != nil {
		return Classify(err)
	}

	if err := tx.Commit(ctx); err != nil {
		return Classify(err)
	}
	committed = true

	ts := now.UnixMilli()
	r.Broadcast(sctx.ConnectionID, "workflow-operation", func(*hub.Session) any {
		return hub.Broadcast{
			Operation: frame.Operation, Target: TargetSubflow, Payload: payload, Timestamp: ts,
			SenderID: sctx.ConnectionID, UserID: sctx.UserID, UserName: sctx.UserName,
			Metadata: hub.BroadcastMetadata{WorkflowID: sctx.WorkflowID, OperationID: frame.OperationID},
		}
	})
	r.SendTo(sctx.ConnectionID, "operation-confirmed", map[string]any{
		"operationId": frame.OperationID, "serverTimestamp": ts,
	})
	return nil
}

// SubblockUpdate implements the distinct subblock-update frame (4.8):
// merge-updates one sub-block's value, preserving its id/type, or
// creating a minimal {id, type:"unknown", value} record if the
// sub-block key is new. Fails BlockGone (non-retryable) if the block
// itself is gone.
func (e *Engine) SubblockUpdate(ctx context.Context, sctx Context, blockID, subblockID string, value any, operationID string) *Error {
	if aerr := e.authorize(ctx, sctx, "update", authz.TargetBlock); aerr != nil {
		return aerr
	}

	var result *Error
	if err := e.hub.WithRoom(ctx, sctx.WorkflowID, func(r *hub.Room) error {
		result = e.commitSubblockUpdate(ctx, sctx, blockID, subblockID, value, operationID, r)
		return nil
	}); err != nil {
		return NewOperationFailed(err.Error())
	}
	return result
}

func (e *Engine) commitSubblockUpdate(ctx context.Context, sctx Context, blockID, subblockID string, value any, operationID string, r *hub.Room) *Error {
	tx, err := e.store.BeginTx(ctx)
	if err != nil {
		return NewOperationFailed(err.Error())
	}
	committed := false
	defer func() {
		if !committed {
			_ = tx.Rollback(ctx)
		}
	}()

	blk, err := tx.GetBlock(ctx, sctx.WorkflowID, blockID)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return NewBlockGone("Block no longer exists")
		}
		return Classify(err)
	}

	if blk.SubBlocks == nil {
		blk.SubBlocks = map[string]storage.SubBlockValue{}
	}
	existing, ok := blk.SubBlocks[subblockID]
	if !ok {
		existing = storage.SubBlockValue{ID: subblockID, Type: "unknown"}
	}
	existing.Value = value
	blk.SubBlocks[subblockID] = existing

	if err := tx.UpdateBlock(ctx, blk); err != nil {
		return Classify(err)
	}
	if err := tx.Commit(ctx); err != nil {
		return Classify(err)
	}
	committed = true

	r.Broadcast(sctx.ConnectionID, "subblock-update", func(*hub.Session) any {
		return map[string]any{
			"blockId": blockID, "subblockId": subblockID, "value": value, "senderId": sctx.ConnectionID,
		}
	})
	r.SendTo(sctx.ConnectionID, "operation-confirmed", map[string]any{
		"operationId": operationID,
	})
	return nil
}
