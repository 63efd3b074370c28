// Package models contains the shared data types exchanged between the
// gateway and room clients.
package models

import "github.com/oklog/ulid/v2"

// ItemKind distinguishes files from directories. A node's kind never
// changes after creation.
type ItemKind string

const (
	ItemFile      ItemKind = "file"
	ItemDirectory ItemKind = "directory"
)

// WorkspaceItem is the wire representation of a node in the workspace
// tree. Content is only set on files, Children only on directories.
// Expanded is UI state and carries no synchronization meaning.
type WorkspaceItem struct {
	ID       string           `json:"id"`
	Name     string           `json:"name"`
	Kind     ItemKind         `json:"type"`
	Content  string           `json:"content,omitempty"`
	Children []*WorkspaceItem `json:"children,omitempty"`
	Expanded bool             `json:"isOpen,omitempty"`
}

// UserStatus is the coarse presence state of a room member.
type UserStatus string

const (
	StatusOnline  UserStatus = "online"
	StatusOffline UserStatus = "offline"
)

// User identifies a room member. SocketID is the member's connection id
// and is unique per connection; Username is unique per room at any
// instant.
type User struct {
	Username       string     `json:"username"`
	RoomID         string     `json:"roomId,omitempty"`
	SocketID       string     `json:"socketId"`
	Status         UserStatus `json:"status,omitempty"`
	Typing         bool       `json:"typing,omitempty"`
	CursorPosition int        `json:"cursorPosition,omitempty"`
}

// ChatMessage is a single chat entry relayed through the room.
type ChatMessage struct {
	ID        string `json:"id"`
	Message   string `json:"message"`
	Username  string `json:"username"`
	Timestamp string `json:"timestamp"`
}

// NewID returns a fresh unique identifier for nodes, messages and
// connections.
func NewID() string {
	return ulid.Make().String()
}
