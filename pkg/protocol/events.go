// Package protocol defines the websocket event catalogue and the payload
// types exchanged between clients and the sync gateway.
package protocol

import (
	"encoding/json"

	"github.com/auraticabhi/PairFusion/pkg/models"
)

// Event names a message type on the wire.
type Event string

const (
	// Join / presence
	EventJoinRequest      Event = "join-request"
	EventJoinAccepted     Event = "join-accepted"
	EventUsernameExists   Event = "username-exists"
	EventUserJoined       Event = "user-joined"
	EventUserDisconnected Event = "user-disconnected"
	EventUserOffline      Event = "user-offline"
	EventUserOnline       Event = "user-online"

	// Workspace tree
	EventSyncFileStructure Event = "sync-file-structure"
	EventDirectoryCreated  Event = "directory-created"
	EventDirectoryUpdated  Event = "directory-updated"
	EventDirectoryRenamed  Event = "directory-renamed"
	EventDirectoryDeleted  Event = "directory-deleted"
	EventFileCreated       Event = "file-created"
	EventFileUpdated       Event = "file-updated"
	EventFileRenamed       Event = "file-renamed"
	EventFileDeleted       Event = "file-deleted"

	// Recovery
	EventRequestStateSync Event = "request-state-sync"
	EventStateSync        Event = "state-sync"

	// Editor presence
	EventTypingStart Event = "typing-start"
	EventTypingPause Event = "typing-pause"

	// Chat
	EventSendMessage    Event = "send-message"
	EventReceiveMessage Event = "receive-message"
)

// Envelope frames every websocket message.
type Envelope struct {
	Event   Event           `json:"event"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// NewEnvelope marshals payload into an Envelope for event.
func NewEnvelope(event Event, payload any) (Envelope, error) {
	env := Envelope{Event: event}
	if payload == nil {
		return env, nil
	}
	raw, err := json.Marshal(payload)
	if err != nil {
		return Envelope{}, err
	}
	env.Payload = raw
	return env, nil
}

// JoinRequest asks the gateway to admit the connection into a room.
type JoinRequest struct {
	RoomID   string `json:"roomId"`
	Username string `json:"username"`
}

// JoinAccepted confirms admission and carries the current member list.
type JoinAccepted struct {
	User  models.User   `json:"user"`
	Users []models.User `json:"users"`
}

// UserPayload wraps a single member for presence events.
type UserPayload struct {
	User models.User `json:"user"`
}

// FileCreated carries a freshly created file node. The node is inserted
// verbatim on the receiving side so every member ends up with the same id.
type FileCreated struct {
	ParentDirID string                `json:"parentDirId"`
	NewFile     *models.WorkspaceItem `json:"newFile"`
}

// FileUpdated replaces a file's content (last writer wins).
type FileUpdated struct {
	FileID     string `json:"fileId"`
	NewContent string `json:"newContent"`
}

// FileRenamed renames a file in place.
type FileRenamed struct {
	FileID  string `json:"fileId"`
	NewName string `json:"newName"`
}

// FileDeleted removes a file node.
type FileDeleted struct {
	FileID string `json:"fileId"`
}

// DirectoryCreated carries a freshly created directory node.
type DirectoryCreated struct {
	ParentDirID  string                `json:"parentDirId"`
	NewDirectory *models.WorkspaceItem `json:"newDirectory"`
}

// DirectoryUpdated replaces a directory's children wholesale.
type DirectoryUpdated struct {
	DirID    string                  `json:"dirId"`
	Children []*models.WorkspaceItem `json:"children"`
}

// DirectoryRenamed renames a directory in place.
type DirectoryRenamed struct {
	DirID      string `json:"dirId"`
	NewDirName string `json:"newDirName"`
}

// DirectoryDeleted removes a directory subtree.
type DirectoryDeleted struct {
	DirID string `json:"dirId"`
}

// TypingStart is sent by a client when it starts editing; the gateway
// enriches it with the sender's identity before relaying.
type TypingStart struct {
	CursorPosition int `json:"cursorPosition"`
}

// RequestStateSync asks the rest of the room for a full snapshot on
// behalf of SocketIDToSync.
type RequestStateSync struct {
	SocketIDToSync string `json:"socketIdToSync"`
}

// Snapshot is a complete serialization of one member's workspace: the
// tree, the open-file list and the active file.
type Snapshot struct {
	FileStructure *models.WorkspaceItem   `json:"fileStructure"`
	OpenFiles     []*models.WorkspaceItem `json:"openFiles"`
	ActiveFile    *models.WorkspaceItem   `json:"activeFile"`
}

// StateSync is a peer's reply to RequestStateSync. The gateway forwards
// only FileState to the requester, point-to-point.
type StateSync struct {
	SocketIDToSync string   `json:"socketIdToSync"`
	FileState      Snapshot `json:"fileState"`
}

// SyncFileStructure is the push-on-join snapshot an existing member
// sends toward a new joiner, addressed by SocketID.
type SyncFileStructure struct {
	SocketID      string                  `json:"socketId,omitempty"`
	FileStructure *models.WorkspaceItem   `json:"fileStructure"`
	OpenFiles     []*models.WorkspaceItem `json:"openFiles"`
	ActiveFile    *models.WorkspaceItem   `json:"activeFile"`
}

// MessagePayload wraps a chat message for send-message/receive-message.
type MessagePayload struct {
	Message models.ChatMessage `json:"message"`
}
