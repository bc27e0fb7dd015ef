package hub

import (
	"context"
	"time"
)

// Room is the serialization unit for one workflow (3, "Room"; 5, "one
// mailbox-style actor per room"). Every read and write that touches
// this room's sessions runs as a task on the room's single goroutine,
// so structural commits and their broadcasts are totally ordered
// within the room while rooms never block each other.
type Room struct {
	WorkflowID string

	sessions     map[string]*Session
	lastModified time.Time

	mailbox chan func(*Room)
	done    chan struct{}
}

func newRoom(workflowID string) *Room {
	r := &Room{
		WorkflowID:   workflowID,
		sessions:     make(map[string]*Session),
		lastModified: time.Now(),
		mailbox:      make(chan func(*Room), 256),
		done:         make(chan struct{}),
	}
	go r.run()
	return r
}

func (r *Room) run() {
	for {
		select {
		case task := <-r.mailbox:
			task(r)
		case <-r.done:
			// Drain whatever is already queued before exiting: a
			// disconnect must not cancel a commit already in flight
			// (5, "its acknowledgement ... is simply not delivered").
			for {
				select {
				case task := <-r.mailbox:
					task(r)
				default:
					return
				}
			}
		}
	}
}

// submit runs fn on the room's goroutine and blocks until it returns,
// or ctx is cancelled first.
func (r *Room) submit(ctx context.Context, fn func(*Room)) error {
	finished := make(chan struct{})
	task := func(rm *Room) {
		fn(rm)
		close(finished)
	}
	select {
	case r.mailbox <- task:
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case <-finished:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (r *Room) close() {
	close(r.done)
}

func (r *Room) activeConnections() int {
	return len(r.sessions)
}

// Broadcast fans event out to every session in the room except
// exceptConnectionID. Callable only from code already running on this
// room's own goroutine (i.e. from within a Registry.WithRoom callback,
// or from Registry.Broadcast/SendTo's own submitted task) — calling it
// any other way races the sessions map.
func (r *Room) Broadcast(exceptConnectionID, event string, build func(*Session) any) {
	for connID, sess := range r.sessions {
		if connID == exceptConnectionID || sess.Sender == nil {
			continue
		}
		_ = sess.Sender.Send(event, build(sess))
	}
}

// SendTo delivers event to exactly one connection. Same calling
// constraint as Broadcast.
func (r *Room) SendTo(connectionID, event string, payload any) {
	if sess, ok := r.sessions[connectionID]; ok && sess.Sender != nil {
		_ = sess.Sender.Send(event, payload)
	}
}

func presenceSnapshot(r *Room) []Presence {
	out := make([]Presence, 0, len(r.sessions))
	for _, s := range r.sessions {
		out = append(out, s.presence())
	}
	return out
}
