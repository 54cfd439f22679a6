package model

// Capabilities tracks which media streams a session currently has active.
type Capabilities struct {
	Voice  bool
	Video  bool
	Screen bool
}

// Session is a point-in-time view of a connected client (in-memory only).
type Session struct {
	ID            string
	UserID        int64
	Username      string
	Role          Role
	Authenticated bool
	ChannelID     string // empty = not in a channel
	Status        string // online, away or dnd
	RemoteAddr    string
	Capabilities  Capabilities
}
