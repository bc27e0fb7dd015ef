// Package hub implements the Room Registry, Session Manager, and
// Broadcaster (SPEC_FULL 4.3, 4.6): the in-memory map of
// workflowId -> Room, the reverse connectionId -> workflowId index,
// and fan-out delivery to every session in a room.
package hub

import (
	"context"
	"sync"

	"golang.org/x/sync/errgroup"
)

// Registry is the shared, process-wide Room Registry. All writes to a
// given room are serialized through that room's mailbox; the registry
// itself only guards the top-level maps, so cross-room operations
// never contend with each other (5, "Cross-room concurrency is
// unbounded").
type Registry struct {
	mu       sync.RWMutex
	rooms    map[string]*Room
	connRoom map[string]string // connectionId -> workflowId
}

// NewRegistry constructs an empty Room Registry.
func NewRegistry() *Registry {
	return &Registry{
		rooms:    make(map[string]*Room),
		connRoom: make(map[string]string),
	}
}

// roomFor returns the room for workflowID, creating it lazily (4.3,
// "Room creation is lazy").
func (reg *Registry) roomFor(workflowID string) *Room {
	reg.mu.Lock()
	defer reg.mu.Unlock()
	room, ok := reg.rooms[workflowID]
	if !ok {
		room = newRoom(workflowID)
		reg.rooms[workflowID] = room
	}
	return room
}

func (reg *Registry) lookupRoom(workflowID string) (*Room, bool) {
	reg.mu.RLock()
	defer reg.mu.RUnlock()
	room, ok := reg.rooms[workflowID]
	return room, ok
}

// RoomOf returns the workflowId the connection currently belongs to.
func (reg *Registry) RoomOf(connectionID string) (string, bool) {
	reg.mu.RLock()
	defer reg.mu.RUnlock()
	wf, ok := reg.connRoom[connectionID]
	return wf, ok
}

// SessionOf returns a copy of the live Session for a connection.
func (reg *Registry) SessionOf(ctx context.Context, connectionID string) (Session, bool) {
	workflowID, ok := reg.RoomOf(connectionID)
	if !ok {
		return Session{}, false
	}
	room, ok := reg.lookupRoom(workflowID)
	if !ok {
		return Session{}, false
	}
	var (
		sess  Session
		found bool
	)
	_ = room.submit(ctx, func(r *Room) {
		if s, ok := r.sessions[connectionID]; ok {
			sess, found = *s, true
		}
	})
	return sess, found
}

// Join registers session under its WorkflowID, first forcibly leaving
// any room the connection was already in, including presence
// rebroadcast on the old room (4.3). Returns the presence snapshot of
// the new room immediately after the join.
func (reg *Registry) Join(ctx context.Context, session *Session) []Presence {
	reg.forceLeave(ctx, session.ConnectionID)

	room := reg.roomFor(session.WorkflowID)
	reg.mu.Lock()
	reg.connRoom[session.ConnectionID] = session.WorkflowID
	reg.mu.Unlock()

	var snapshot []Presence
	_ = room.submit(ctx, func(r *Room) {
		r.sessions[session.ConnectionID] = session
		snapshot = presenceSnapshot(r)
	})
	reg.broadcastPresence(ctx, session.WorkflowID)
	return snapshot
}

// Leave removes connectionID from its room (4.9, "leave-workflow and
// disconnect"), destroying the room if it becomes empty (3, I8) and
// rebroadcasting presence otherwise.
func (reg *Registry) Leave(ctx context.Context, connectionID string) {
	reg.forceLeave(ctx, connectionID)
}

func (reg *Registry) forceLeave(ctx context.Context, connectionID string) {
	workflowID, ok := reg.RoomOf(connectionID)
	if !ok {
		return
	}
	room, ok := reg.lookupRoom(workflowID)
	if !ok {
		return
	}

	empty := false
	_ = room.submit(ctx, func(r *Room) {
		delete(r.sessions, connectionID)
		empty = r.activeConnections() == 0
	})

	reg.mu.Lock()
	delete(reg.connRoom, connectionID)
	reg.mu.Unlock()

	if empty {
		reg.DeleteRoom(workflowID)
		return
	}
	reg.broadcastPresence(ctx, workflowID)
}

// DeleteRoom tears a room down unconditionally: used both for natural
// last-leave cleanup and for the external workflow-deletion
// notification (4.9).
func (reg *Registry) DeleteRoom(workflowID string) {
	reg.mu.Lock()
	room, ok := reg.rooms[workflowID]
	if ok {
		delete(reg.rooms, workflowID)
	}
	for connID, wf := range reg.connRoom {
		if wf == workflowID {
			delete(reg.connRoom, connID)
		}
	}
	reg.mu.Unlock()
	if ok {
		room.close()
	}
}

// Broadcast fans event out to every session in workflowID's room
// except exceptConnectionID (4.6). build is invoked once per
// recipient, on the room's goroutine, so ordering with any concurrent
// structural commit on the same room is preserved.
func (reg *Registry) Broadcast(ctx context.Context, workflowID, exceptConnectionID, event string, build func(*Session) any) {
	room, ok := reg.lookupRoom(workflowID)
	if !ok {
		return
	}
	_ = room.submit(ctx, func(r *Room) { r.Broadcast(exceptConnectionID, event, build) })
}

// SendTo delivers event to exactly one connection: used for
// originator-only acknowledgements and failures (4.6, 4.7).
func (reg *Registry) SendTo(ctx context.Context, workflowID, connectionID, event string, payload any) {
	room, ok := reg.lookupRoom(workflowID)
	if !ok {
		return
	}
	_ = room.submit(ctx, func(r *Room) { r.SendTo(connectionID, event, payload) })
}

// WithRoom runs fn once on workflowID's room actor goroutine (creating
// the room lazily, same as Join), so a structural commit and its
// broadcast execute as a single atomic step per room (5: "one
// structural commit-then-broadcast at a time per room"). fn must fan
// out through the *Room it is given (r.Broadcast/r.SendTo), not
// through the Registry methods of the same name — those call submit
// themselves and would deadlock if invoked from inside fn.
func (reg *Registry) WithRoom(ctx context.Context, workflowID string, fn func(*Room) error) error {
	room := reg.roomFor(workflowID)
	var ferr error
	if err := room.submit(ctx, func(r *Room) { ferr = fn(r) }); err != nil {
		return err
	}
	return ferr
}

func (reg *Registry) broadcastPresence(ctx context.Context, workflowID string) {
	room, ok := reg.lookupRoom(workflowID)
	if !ok {
		return
	}
	_ = room.submit(ctx, func(r *Room) {
		snapshot := presenceSnapshot(r)
		r.Broadcast("", "presence-update", func(*Session) any { return snapshot })
	})
}

// PresenceSnapshot returns the current presence list for workflowID.
// Entries are kept per-connection, not deduplicated by userId — 4.3
// reserves dedup for "unique user count" accounting, which callers
// perform themselves on UserID.
func (reg *Registry) PresenceSnapshot(ctx context.Context, workflowID string) []Presence {
	room, ok := reg.lookupRoom(workflowID)
	if !ok {
		return nil
	}
	var snapshot []Presence
	_ = room.submit(ctx, func(r *Room) {
		snapshot = presenceSnapshot(r)
	})
	return snapshot
}

// UpdateCursor mutates the session's cursor and fans it out as a
// presence-class event (4.9).
func (reg *Registry) UpdateCursor(ctx context.Context, connectionID string, cursor Cursor) {
	workflowID, sess, ok := reg.mutateSession(ctx, connectionID, func(s *Session) { s.Cursor = &cursor })
	if !ok {
		return
	}
	reg.Broadcast(ctx, workflowID, connectionID, "cursor-update", func(*Session) any {
		return map[string]any{"socketId": sess.ConnectionID, "userId": sess.UserID, "userName": sess.DisplayName, "cursor": cursor}
	})
}

// UpdateSelection mutates the session's selection and fans it out as
// a presence-class event (4.9).
func (reg *Registry) UpdateSelection(ctx context.Context, connectionID string, selection Selection) {
	workflowID, sess, ok := reg.mutateSession(ctx, connectionID, func(s *Session) { s.Selection = &selection })
	if !ok {
		return
	}
	reg.Broadcast(ctx, workflowID, connectionID, "selection-update", func(*Session) any {
		return map[string]any{"socketId": sess.ConnectionID, "userId": sess.UserID, "userName": sess.DisplayName, "selection": selection}
	})
}

func (reg *Registry) mutateSession(ctx context.Context, connectionID string, mutate func(*Session)) (string, Session, bool) {
	workflowID, ok := reg.RoomOf(connectionID)
	if !ok {
		return "", Session{}, false
	}
	room, ok := reg.lookupRoom(workflowID)
	if !ok {
		return "", Session{}, false
	}
	var sess Session
	found := false
	_ = room.submit(ctx, func(r *Room) {
		if s, ok := r.sessions[connectionID]; ok {
			mutate(s)
			sess, found = *s, true
		}
	})
	if !found {
		return "", Session{}, false
	}
	return workflowID, sess, true
}

// ConnectionCount returns the number of live sessions across all
// rooms, used by the GET /health side-band endpoint (6).
func (reg *Registry) ConnectionCount() int {
	reg.mu.RLock()
	defer reg.mu.RUnlock()
	return len(reg.connRoom)
}

// Shutdown closes every room and waits for its mailbox to drain,
// bounded by ctx.
func (reg *Registry) Shutdown(ctx context.Context) error {
	reg.mu.Lock()
	rooms := make([]*Room, 0, len(reg.rooms))
	for _, r := range reg.rooms {
		rooms = append(rooms, r)
	}
	reg.rooms = make(map[string]*Room)
	reg.connRoom = make(map[string]string)
	reg.mu.Unlock()

	g, _ := errgroup.WithContext(ctx)
	for _, r := range rooms {
		r := r
		g.Go(func() error {
			// A no-op task returns only after every task queued before
			// it has run.
			err := r.submit(ctx, func(*Room) {})
			r.close()
			return err
		})
	}
	return g.Wait()
}
