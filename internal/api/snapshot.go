package api

import (
	"context"
	"time"

	"github.com/riverloop/collabflow/internal/storage"
)

// WorkflowSnapshot is the full-state payload sent on join-workflow and
// request-sync (4.10): everything a freshly connected client needs to
// render the canvas without any further round-trip.
type WorkflowSnapshot struct {
	Blocks    []storage.Block   `json:"blocks"`
	Edges     []storage.Edge    `json:"edges"`
	Loops     []storage.Subflow `json:"loops"`
	Parallels []storage.Subflow `json:"parallels"`

	LastSaved          time.Time      `json:"lastSaved"`
	IsDeployed         bool           `json:"isDeployed"`
	DeployedAt         *time.Time     `json:"deployedAt,omitempty"`
	DeploymentStatuses map[string]any `json:"deploymentStatuses,omitempty"`
	HasActiveSchedule  bool           `json:"hasActiveSchedule"`
	HasActiveWebhook   bool           `json:"hasActiveWebhook"`
}

// composeSnapshot assembles the WorkflowSnapshot by reading the
// workflow's normalized tables and partitioning its subflows by type
// (4.10, "loops ... parallels").
func (s *Server) composeSnapshot(ctx context.Context, workflowID string) (WorkflowSnapshot, error) {
	wf, err := s.store.GetWorkflow(ctx, workflowID)
	if err != nil {
		return WorkflowSnapshot{}, err
	}
	blocks, err := s.store.ListBlocks(ctx, workflowID)
	if err != nil {
		return WorkflowSnapshot{}, err
	}
	edges, err := s.store.ListEdges(ctx, workflowID)
	if err != nil {
		return WorkflowSnapshot{}, err
	}
	subflows, err := s.store.ListSubflows(ctx, workflowID)
	if err != nil {
		return WorkflowSnapshot{}, err
	}

	snapshot := WorkflowSnapshot{
		Blocks:             blocks,
		Edges:              edges,
		Loops:              make([]storage.Subflow, 0),
		Parallels:          make([]storage.Subflow, 0),
		LastSaved:          wf.LastSaved,
		IsDeployed:         wf.IsDeployed,
		DeployedAt:         wf.DeployedAt,
		DeploymentStatuses: wf.DeploymentStatuses,
		HasActiveSchedule:  wf.HasActiveSchedule,
		HasActiveWebhook:   wf.HasActiveWebhook,
	}
	for _, sf := range subflows {
		switch sf.Type {
		case storage.BlockTypeParallel:
			snapshot.Parallels = append(snapshot.Parallels, sf)
		default:
			snapshot.Loops = append(snapshot.Loops, sf)
		}
	}
	return snapshot, nil
}
