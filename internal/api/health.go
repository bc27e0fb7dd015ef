package api

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/riverloop/collabflow/internal/hub"
)

// handleHealth implements GET /health (6).
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]any{
		"status":      "ok",
		"timestamp":   time.Now().UTC(),
		"connections": s.hub.ConnectionCount(),
	})
}

func (s *Server) handleNotFound(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusNotFound)
	_ = json.NewEncoder(w).Encode(map[string]string{"error": "Not found"})
}

// handleWorkflowDeleted implements the external workflow-deletion
// side-band notification (4.9, 6): broadcast workflow-deleted, force
// every session to leave, and destroy the room.
func (s *Server) handleWorkflowDeleted(w http.ResponseWriter, r *http.Request) {
	var body struct {
		WorkflowID string `json:"workflowId"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil || body.WorkflowID == "" {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusBadRequest)
		_ = json.NewEncoder(w).Encode(map[string]string{"error": "workflowId is required"})
		return
	}

	s.hub.Broadcast(r.Context(), body.WorkflowID, "", "workflow-deleted", func(*hub.Session) any {
		return map[string]any{
			"workflowId": body.WorkflowID,
			"message":    "This workflow has been deleted",
			"timestamp":  time.Now().UnixMilli(),
		}
	})
	s.hub.DeleteRoom(body.WorkflowID)

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]bool{"success": true})
}
