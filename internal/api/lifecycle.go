package api

import (
	"context"
	"encoding/json"
	"time"

	"github.com/riverloop/collabflow/internal/authn"
	"github.com/riverloop/collabflow/internal/hub"
	"github.com/riverloop/collabflow/internal/mutation"
)

// dispatch routes one inbound frame to its handler (6, "Inbound
// events"). Frames for events requiring an established session
// (everything but join-workflow) are silently ignored when the
// connection has not joined a room (7, "NotJoined ... operational
// misuse; non-retryable" — the client is expected to join first).
func (s *Server) dispatch(ctx context.Context, connectionID string, identity authn.Identity, sender hub.Sender, env inboundEnvelope) {
	switch env.Event {
	case "join-workflow":
		s.handleJoinWorkflow(ctx, connectionID, identity, sender, env.Data)
	case "request-sync":
		s.handleRequestSync(ctx, connectionID)
	case "leave-workflow":
		s.hub.Leave(ctx, connectionID)
	case "workflow-operation":
		s.handleWorkflowOperation(ctx, connectionID, env.Data)
	case "subblock-update":
		s.handleSubblockUpdate(ctx, connectionID, env.Data)
	case "cursor-update":
		s.handleCursorUpdate(ctx, connectionID, env.Data)
	case "selection-update":
		s.handleSelectionUpdate(ctx, connectionID, env.Data)
	default:
		_ = sender.Send("error", map[string]string{"type": "ValidationError", "message": "unknown event " + env.Event})
	}
}

func (s *Server) handleJoinWorkflow(ctx context.Context, connectionID string, identity authn.Identity, sender hub.Sender, data json.RawMessage) {
	var req struct {
		WorkflowID string `json:"workflowId"`
	}
	if err := json.Unmarshal(data, &req); err != nil || req.WorkflowID == "" {
		_ = sender.Send("join-workflow-error", map[string]string{"error": "workflowId is required"})
		return
	}

	access, err := s.authz.ResolveAccess(ctx, identity.UserID, req.WorkflowID)
	if err != nil || !access.HasAccess {
		_ = sender.Send("join-workflow-error", map[string]string{"error": "AccessDenied"})
		return
	}

	now := time.Now()
	session := &hub.Session{
		ConnectionID: connectionID,
		UserID:       identity.UserID,
		DisplayName:  identity.DisplayName,
		WorkflowID:   req.WorkflowID,
		JoinedAt:     now,
		LastActivity: now,
		Sender:       sender,
	}
	s.hub.Join(ctx, session)

	snapshot, err := s.composeSnapshot(ctx, req.WorkflowID)
	if err != nil {
		_ = sender.Send("join-workflow-error", map[string]string{"error": "OperationFailed"})
		return
	}
	_ = sender.Send("workflow-state", snapshot)
}

func (s *Server) handleRequestSync(ctx context.Context, connectionID string) {
	sess, ok := s.hub.SessionOf(ctx, connectionID)
	if !ok || sess.Sender == nil {
		return
	}
	snapshot, err := s.composeSnapshot(ctx, sess.WorkflowID)
	if err != nil {
		return
	}
	_ = sess.Sender.Send("workflow-state", snapshot)
}

func (s *Server) handleWorkflowOperation(ctx context.Context, connectionID string, data json.RawMessage) {
	sess, ok := s.hub.SessionOf(ctx, connectionID)
	if !ok {
		return
	}

	var frame mutation.Frame
	if err := json.Unmarshal(data, &frame); err != nil {
		s.hub.SendTo(ctx, sess.WorkflowID, connectionID, "operation-error", map[string]string{
			"type": "ValidationError", "message": "malformed frame",
		})
		return
	}

	sctx := mutation.Context{
		ConnectionID: connectionID, UserID: sess.UserID, UserName: sess.DisplayName, WorkflowID: sess.WorkflowID,
	}

	start := time.Now()
	merr := s.engine.Apply(ctx, sctx, frame)
	operationLatencySeconds.WithLabelValues(frame.Target).Observe(time.Since(start).Seconds())

	if merr != nil {
		operationsTotal.WithLabelValues(frame.Target, string(merr.Kind)).Inc()
		s.sendOperationError(ctx, sess.WorkflowID, connectionID, frame, merr)
		return
	}
	operationsTotal.WithLabelValues(frame.Target, "ok").Inc()
}

// sendOperationError implements the propagation policy of 7:
// authorization failures surface as operation-forbidden; everything
// else surfaces as operation-failed (operationId-keyed, 4.6) plus the
// legacy descriptive operation-error frame (9(b)).
func (s *Server) sendOperationError(ctx context.Context, workflowID, connectionID string, frame mutation.Frame, merr *mutation.Error) {
	if merr.Kind == mutation.KindInsufficientPermissions {
		s.hub.SendTo(ctx, workflowID, connectionID, "operation-forbidden", map[string]any{
			"type": string(merr.Kind), "message": merr.Message, "operation": frame.Operation, "target": frame.Target,
		})
		return
	}
	s.hub.SendTo(ctx, workflowID, connectionID, "operation-failed", map[string]any{
		"operationId": frame.OperationID, "error": merr.Message, "retryable": merr.Retryable,
	})
	s.hub.SendTo(ctx, workflowID, connectionID, "operation-error", map[string]any{
		"type": string(merr.Kind), "message": merr.Message, "operation": frame.Operation, "target": frame.Target,
	})
}

func (s *Server) handleSubblockUpdate(ctx context.Context, connectionID string, data json.RawMessage) {
	sess, ok := s.hub.SessionOf(ctx, connectionID)
	if !ok {
		return
	}

	var req struct {
		BlockID     string `json:"blockId"`
		SubblockID  string `json:"subblockId"`
		Value       any    `json:"value"`
		Timestamp   int64  `json:"timestamp"`
		OperationID string `json:"operationId,omitempty"`
	}
	if err := json.Unmarshal(data, &req); err != nil {
		s.hub.SendTo(ctx, sess.WorkflowID, connectionID, "operation-failed", map[string]any{
			"operationId": req.OperationID, "error": "malformed frame", "retryable": false,
		})
		return
	}

	sctx := mutation.Context{
		ConnectionID: connectionID, UserID: sess.UserID, UserName: sess.DisplayName, WorkflowID: sess.WorkflowID,
	}
	if merr := s.engine.SubblockUpdate(ctx, sctx, req.BlockID, req.SubblockID, req.Value, req.OperationID); merr != nil {
		s.hub.SendTo(ctx, sess.WorkflowID, connectionID, "operation-failed", map[string]any{
			"operationId": req.OperationID, "error": merr.Message, "retryable": merr.Retryable,
		})
	}
}

func (s *Server) handleCursorUpdate(ctx context.Context, connectionID string, data json.RawMessage) {
	var req struct {
		Cursor hub.Cursor `json:"cursor"`
	}
	if err := json.Unmarshal(data, &req); err != nil {
		return
	}
	s.hub.UpdateCursor(ctx, connectionID, req.Cursor)
}

func (s *Server) handleSelectionUpdate(ctx context.Context, connectionID string, data json.RawMessage) {
	var req struct {
		Selection hub.Selection `json:"selection"`
	}
	if err := json.Unmarshal(data, &req); err != nil {
		return
	}
	s.hub.UpdateSelection(ctx, connectionID, req.Selection)
}
