package hub

import "time"

// Cursor is a live pointer position fanned out as a cursor-update (6).
type Cursor struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
}

// Selection is a live selected-entity marker fanned out as a
// selection-update (6).
type Selection struct {
	Type string  `json:"type"`
	ID   *string `json:"id,omitempty"`
}

// Sender delivers one outbound frame to a single connection. The hub
// package never touches the transport itself; internal/api supplies
// an implementation backed by a websocket connection.
type Sender interface {
	Send(event string, payload any) error
}

// Session is one live editor connection (section 3, "Session", I9: a
// session belongs to exactly one room at a time).
type Session struct {
	ConnectionID string
	UserID       string
	DisplayName  string
	WorkflowID   string
	JoinedAt     time.Time
	LastActivity time.Time
	Cursor       *Cursor
	Selection    *Selection

	Sender Sender
}

// Presence is the wire shape of one entry in a presence-update frame.
type Presence struct {
	ConnectionID string     `json:"connectionId"`
	UserID       string     `json:"userId"`
	UserName     string     `json:"userName"`
	Cursor       *Cursor    `json:"cursor,omitempty"`
	Selection    *Selection `json:"selection,omitempty"`
}

func (s *Session) presence() Presence {
	return Presence{
		ConnectionID: s.ConnectionID,
		UserID:       s.UserID,
		UserName:     s.DisplayName,
		Cursor:       s.Cursor,
		Selection:    s.Selection,
	}
}
