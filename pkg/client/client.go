// Package client implements a room member: it keeps a local workspace,
// emits local mutations to the gateway, applies remote mutations, and
// recovers full state from peers when it joins or falls out of sync.
package client

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/auraticabhi/PairFusion/internal/logging"
	"github.com/auraticabhi/PairFusion/pkg/models"
	"github.com/auraticabhi/PairFusion/pkg/protocol"
	"github.com/auraticabhi/PairFusion/pkg/retry"
	"github.com/auraticabhi/PairFusion/pkg/workspace"
)

var (
	// ErrUsernameTaken is returned when the room already has a member
	// with the requested username.
	ErrUsernameTaken = errors.New("client: username already taken in room")
	// ErrClosed is returned from operations on a closed client.
	ErrClosed = errors.New("client: closed")
)

// State is the recovery state of the client.
type State int32

const (
	// StateIdle: connected, not yet synchronized with the room.
	StateIdle State = iota
	// StateAwaitingPeerState: waiting for a peer snapshot.
	StateAwaitingPeerState
	// StateSynced: the local workspace is authoritative for this member.
	StateSynced
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateAwaitingPeerState:
		return "awaiting-peer-state"
	case StateSynced:
		return "synced"
	default:
		return fmt.Sprintf("state(%d)", int32(s))
	}
}

// Notification is a user-facing event surfaced on Events(). Tree
// mutations are applied silently; presence and chat reach the UI.
type Notification struct {
	Type    protocol.Event
	User    *models.User
	Message *models.ChatMessage
}

// Config configures a Client.
type Config struct {
	// ServerURL is the gateway base URL (ws://, wss://, http:// or
	// https://). The /ws path is appended when missing.
	ServerURL string
	RoomID    string
	Username  string
	// SyncTimeout bounds the wait for a peer snapshot. When it fires
	// the local tree is kept as authoritative. Default 5s.
	SyncTimeout time.Duration
	// Retry drives the reconnect backoff. Zero value uses
	// retry.ReconnectConfig().
	Retry retry.Config
}

func (cfg *Config) validate() error {
	if cfg.ServerURL == "" {
		return errors.New("client: server url required")
	}
	if cfg.RoomID == "" || cfg.Username == "" {
		return errors.New("client: room id and username required")
	}
	if cfg.SyncTimeout == 0 {
		cfg.SyncTimeout = 5 * time.Second
	}
	if cfg.Retry == (retry.Config{}) {
		cfg.Retry = retry.ReconnectConfig()
	}
	return nil
}

func wsEndpoint(raw string) (string, error) {
	u, err := url.Parse(raw)
	if err != nil {
		return "", fmt.Errorf("client: parse server url: %w", err)
	}
	switch u.Scheme {
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	case "ws", "wss":
	default:
		return "", fmt.Errorf("client: unsupported scheme %q", u.Scheme)
	}
	if !strings.HasSuffix(u.Path, "/ws") {
		u.Path = strings.TrimSuffix(u.Path, "/") + "/ws"
	}
	return u.String(), nil
}

// Client is a connected room member.
type Client struct {
	cfg      Config
	endpoint string

	// writeMu guards the socket pointer and all writes to it.
	writeMu sync.Mutex
	ws      *websocket.Conn

	// mu guards the workspace, peers and self.
	mu    sync.Mutex
	wsp   *workspace.Workspace
	self  models.User
	peers map[string]models.User

	state     atomic.Int32
	syncTimer *time.Timer

	events chan Notification
	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}
}

// Dial connects to the gateway, joins the room and starts the read
// loop. It blocks until the join handshake completes.
func Dial(ctx context.Context, cfg Config) (*Client, error) {
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	endpoint, err := wsEndpoint(cfg.ServerURL)
	if err != nil {
		return nil, err
	}

	runCtx, cancel := context.WithCancel(context.Background())
	c := &Client{
		cfg:      cfg,
		endpoint: endpoint,
		wsp:      workspace.New(),
		peers:    make(map[string]models.User),
		events:   make(chan Notification, 64),
		ctx:      runCtx,
		cancel:   cancel,
		done:     make(chan struct{}),
	}

	if err := c.connect(ctx); err != nil {
		cancel()
		return nil, err
	}
	go c.run()
	return c, nil
}

// connect dials and performs the join handshake on a fresh socket.
func (c *Client) connect(ctx context.Context) error {
	ws, _, err := websocket.DefaultDialer.DialContext(ctx, c.endpoint, nil)
	if err != nil {
		return fmt.Errorf("client: dial: %w", err)
	}

	env, err := protocol.NewEnvelope(protocol.EventJoinRequest, protocol.JoinRequest{
		RoomID:   c.cfg.RoomID,
		Username: c.cfg.Username,
	})
	if err != nil {
		ws.Close()
		return err
	}
	if err := ws.WriteJSON(env); err != nil {
		ws.Close()
		return fmt.Errorf("client: join: %w", err)
	}

	ws.SetReadDeadline(time.Now().Add(10 * time.Second))
	var reply protocol.Envelope
	if err := ws.ReadJSON(&reply); err != nil {
		ws.Close()
		return fmt.Errorf("client: join reply: %w", err)
	}
	ws.SetReadDeadline(time.Time{})

	switch reply.Event {
	case protocol.EventUsernameExists:
		ws.Close()
		return ErrUsernameTaken
	case protocol.EventJoinAccepted:
	default:
		ws.Close()
		return fmt.Errorf("client: unexpected join reply %q", reply.Event)
	}

	var accepted protocol.JoinAccepted
	if err := json.Unmarshal(reply.Payload, &accepted); err != nil {
		ws.Close()
		return fmt.Errorf("client: decode join reply: %w", err)
	}

	c.mu.Lock()
	c.self = accepted.User
	c.peers = make(map[string]models.User)
	for _, u := range accepted.Users {
		if u.SocketID != accepted.User.SocketID {
			c.peers[u.SocketID] = u
		}
	}
	hasPeers := len(c.peers) > 0
	c.mu.Unlock()

	c.writeMu.Lock()
	c.ws = ws
	c.writeMu.Unlock()

	// With peers present, ask the room for a snapshot right away. A
	// peer that saw our user-joined may also push one unprompted; the
	// awaiting gate adopts whichever arrives first and drops the rest.
	// Alone, the local tree is authoritative.
	if hasPeers {
		c.RequestSync()
	} else {
		c.state.Store(int32(StateSynced))
	}

	logging.Info("joined room",
		zap.String("room_id", c.cfg.RoomID),
		zap.String("username", c.cfg.Username),
		zap.String("socket_id", accepted.User.SocketID),
		zap.Int("peers", len(accepted.Users)-1))
	return nil
}

// beginAwaitingSync arms the bounded snapshot wait. On timeout the
// local tree is kept and the client declares itself synced.
func (c *Client) beginAwaitingSync() {
	c.state.Store(int32(StateAwaitingPeerState))
	c.mu.Lock()
	if c.syncTimer != nil {
		c.syncTimer.Stop()
	}
	c.syncTimer = time.AfterFunc(c.cfg.SyncTimeout, func() {
		if c.state.CompareAndSwap(int32(StateAwaitingPeerState), int32(StateSynced)) {
			logging.Warn("no peer snapshot received, keeping local state",
				zap.String("room_id", c.cfg.RoomID),
				zap.Duration("timeout", c.cfg.SyncTimeout))
		}
	})
	c.mu.Unlock()
}

// State returns the current recovery state.
func (c *Client) State() State {
	return State(c.state.Load())
}

// Self returns this member's identity.
func (c *Client) Self() models.User {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.self
}

// Peers returns the other room members.
func (c *Client) Peers() []models.User {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]models.User, 0, len(c.peers))
	for _, u := range c.peers {
		out = append(out, u)
	}
	return out
}

// Events returns the notification channel. Slow consumers lose
// notifications, never tree state.
func (c *Client) Events() <-chan Notification {
	return c.events
}

// Close disconnects and stops the read loop.
func (c *Client) Close() error {
	c.cancel()
	c.writeMu.Lock()
	if c.ws != nil {
		c.ws.Close()
	}
	c.writeMu.Unlock()
	<-c.done
	return nil
}

func (c *Client) notify(n Notification) {
	select {
	case c.events <- n:
	default:
	}
}

func (c *Client) emit(event protocol.Event, payload any) error {
	env, err := protocol.NewEnvelope(event, payload)
	if err != nil {
		return err
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if c.ws == nil {
		return ErrClosed
	}
	c.ws.SetWriteDeadline(time.Now().Add(10 * time.Second))
	return c.ws.WriteJSON(env)
}

// run is the read loop. A read error triggers the reconnect path
// unless the client was closed.
func (c *Client) run() {
	defer close(c.done)
	for {
		c.writeMu.Lock()
		ws := c.ws
		c.writeMu.Unlock()

		var env protocol.Envelope
		if err := ws.ReadJSON(&env); err != nil {
			if c.ctx.Err() != nil {
				return
			}
			logging.Warn("connection lost, reconnecting", zap.Error(err))
			if err := c.reconnect(); err != nil {
				logging.Error("reconnect failed", zap.Error(err))
				return
			}
			continue
		}
		c.dispatch(env)
	}
}

// reconnect re-dials with backoff and rejoins the room. The rejoin
// shows up as a fresh user-joined for the peers, so one of them pushes
// a snapshot that replaces anything missed while offline.
func (c *Client) reconnect() error {
	return retry.Do(c.ctx, c.cfg.Retry, func() error {
		if err := c.connect(c.ctx); err != nil {
			if errors.Is(err, ErrUsernameTaken) {
				return err
			}
			return retry.Retryable(err)
		}
		return nil
	})
}

func (c *Client) dispatch(env protocol.Envelope) {
	switch env.Event {
	case protocol.EventUserJoined:
		c.handleUserJoined(env.Payload)
	case protocol.EventUserDisconnected:
		c.handlePeerGone(env.Payload)
	case protocol.EventUserOffline, protocol.EventUserOnline:
		c.handlePeerStatus(env.Event, env.Payload)
	case protocol.EventTypingStart, protocol.EventTypingPause:
		c.handleTyping(env.Event, env.Payload)
	case protocol.EventReceiveMessage:
		c.handleChat(env.Payload)
	case protocol.EventRequestStateSync:
		c.handleStateRequest(env.Payload)
	case protocol.EventStateSync, protocol.EventSyncFileStructure:
		c.handleSnapshot(env.Payload)
	case protocol.EventFileCreated, protocol.EventFileUpdated, protocol.EventFileRenamed,
		protocol.EventFileDeleted, protocol.EventDirectoryCreated, protocol.EventDirectoryUpdated,
		protocol.EventDirectoryRenamed, protocol.EventDirectoryDeleted:
		c.applyRemote(env.Event, env.Payload)
	default:
		logging.Debug("ignoring event", zap.String("event", string(env.Event)))
	}
}

func (c *Client) handleUserJoined(payload json.RawMessage) {
	var p protocol.UserPayload
	if err := json.Unmarshal(payload, &p); err != nil {
		return
	}
	c.mu.Lock()
	c.peers[p.User.SocketID] = p.User
	c.mu.Unlock()
	c.notify(Notification{Type: protocol.EventUserJoined, User: &p.User})

	// A synced member hands the joiner its current state so the room
	// converges immediately, without waiting for an explicit request.
	if c.State() == StateSynced {
		snap := c.snapshot()
		err := c.emit(protocol.EventSyncFileStructure, protocol.SyncFileStructure{
			SocketID:      p.User.SocketID,
			FileStructure: snap.FileStructure,
			OpenFiles:     snap.OpenFiles,
			ActiveFile:    snap.ActiveFile,
		})
		if err != nil {
			logging.Warn("snapshot push failed", zap.Error(err))
		}
	}
}

func (c *Client) handlePeerGone(payload json.RawMessage) {
	var p protocol.UserPayload
	if err := json.Unmarshal(payload, &p); err != nil {
		return
	}
	c.mu.Lock()
	delete(c.peers, p.User.SocketID)
	c.mu.Unlock()
	c.notify(Notification{Type: protocol.EventUserDisconnected, User: &p.User})
}

func (c *Client) handlePeerStatus(event protocol.Event, payload json.RawMessage) {
	var p protocol.UserPayload
	if err := json.Unmarshal(payload, &p); err != nil {
		return
	}
	status := models.StatusOnline
	if event == protocol.EventUserOffline {
		status = models.StatusOffline
	}
	c.mu.Lock()
	if u, ok := c.peers[p.User.SocketID]; ok {
		u.Status = status
		c.peers[p.User.SocketID] = u
	}
	c.mu.Unlock()
	c.notify(Notification{Type: event, User: &p.User})
}

func (c *Client) handleTyping(event protocol.Event, payload json.RawMessage) {
	var p protocol.UserPayload
	if err := json.Unmarshal(payload, &p); err != nil {
		return
	}
	c.mu.Lock()
	if u, ok := c.peers[p.User.SocketID]; ok {
		u.Typing = p.User.Typing
		u.CursorPosition = p.User.CursorPosition
		c.peers[p.User.SocketID] = u
	}
	c.mu.Unlock()
	c.notify(Notification{Type: event, User: &p.User})
}

func (c *Client) handleChat(payload json.RawMessage) {
	var p protocol.MessagePayload
	if err := json.Unmarshal(payload, &p); err != nil {
		return
	}
	c.notify(Notification{Type: protocol.EventReceiveMessage, Message: &p.Message})
}

// handleStateRequest answers a recovery request with a full snapshot,
// but only while synced: an unsynced reply would spread stale state.
func (c *Client) handleStateRequest(payload json.RawMessage) {
	if c.State() != StateSynced {
		return
	}
	var req protocol.RequestStateSync
	if err := json.Unmarshal(payload, &req); err != nil || req.SocketIDToSync == "" {
		return
	}
	err := c.emit(protocol.EventStateSync, protocol.StateSync{
		SocketIDToSync: req.SocketIDToSync,
		FileState:      c.snapshot(),
	})
	if err != nil {
		logging.Warn("state-sync reply failed", zap.Error(err))
	}
}

// handleSnapshot adopts a peer snapshot while one is awaited. Unsolicited
// snapshots are dropped so a late reply cannot clobber live state.
func (c *Client) handleSnapshot(payload json.RawMessage) {
	if c.State() != StateAwaitingPeerState {
		return
	}
	var snap protocol.Snapshot
	if err := json.Unmarshal(payload, &snap); err != nil {
		logging.Warn("malformed snapshot", zap.Error(err))
		return
	}

	c.mu.Lock()
	err := c.wsp.Restore(snap.FileStructure, snap.OpenFiles, snap.ActiveFile)
	if c.syncTimer != nil {
		c.syncTimer.Stop()
	}
	c.mu.Unlock()
	if err != nil {
		logging.Warn("snapshot rejected", zap.Error(err))
		return
	}
	c.state.Store(int32(StateSynced))
	logging.Info("adopted peer snapshot", zap.String("room_id", c.cfg.RoomID))
}

// applyRemote folds a peer's mutation into the local tree. It never
// re-emits. A mutation that no longer resolves (racing delete or
// rename) falls back to a full recovery sync instead of diverging.
func (c *Client) applyRemote(event protocol.Event, payload json.RawMessage) {
	c.mu.Lock()
	err := c.applyLocked(event, payload)
	c.mu.Unlock()

	if err != nil {
		logging.Warn("remote mutation failed, requesting recovery sync",
			zap.String("event", string(event)), zap.Error(err))
		c.RequestSync()
	}
}

func (c *Client) applyLocked(event protocol.Event, payload json.RawMessage) error {
	switch event {
	case protocol.EventFileCreated:
		var p protocol.FileCreated
		if err := json.Unmarshal(payload, &p); err != nil {
			return err
		}
		return c.wsp.AddFile(p.ParentDirID, p.NewFile)
	case protocol.EventFileUpdated:
		var p protocol.FileUpdated
		if err := json.Unmarshal(payload, &p); err != nil {
			return err
		}
		c.wsp.UpdateFileContent(p.FileID, p.NewContent)
		return nil
	case protocol.EventFileRenamed:
		var p protocol.FileRenamed
		if err := json.Unmarshal(payload, &p); err != nil {
			return err
		}
		return c.wsp.RenameFile(p.FileID, p.NewName)
	case protocol.EventFileDeleted:
		var p protocol.FileDeleted
		if err := json.Unmarshal(payload, &p); err != nil {
			return err
		}
		return c.wsp.DeleteFile(p.FileID)
	case protocol.EventDirectoryCreated:
		var p protocol.DirectoryCreated
		if err := json.Unmarshal(payload, &p); err != nil {
			return err
		}
		return c.wsp.AddDirectory(p.ParentDirID, p.NewDirectory)
	case protocol.EventDirectoryUpdated:
		var p protocol.DirectoryUpdated
		if err := json.Unmarshal(payload, &p); err != nil {
			return err
		}
		return c.wsp.ReplaceChildren(p.DirID, p.Children)
	case protocol.EventDirectoryRenamed:
		var p protocol.DirectoryRenamed
		if err := json.Unmarshal(payload, &p); err != nil {
			return err
		}
		return c.wsp.RenameDirectory(p.DirID, p.NewDirName)
	case protocol.EventDirectoryDeleted:
		var p protocol.DirectoryDeleted
		if err := json.Unmarshal(payload, &p); err != nil {
			return err
		}
		return c.wsp.DeleteDirectory(p.DirID)
	}
	return nil
}

// snapshot materializes the full workspace for a peer.
func (c *Client) snapshot() protocol.Snapshot {
	c.mu.Lock()
	defer c.mu.Unlock()
	return protocol.Snapshot{
		FileStructure: c.wsp.Tree(),
		OpenFiles:     c.wsp.OpenFiles(),
		ActiveFile:    c.wsp.ActiveFile(),
	}
}

// RequestSync asks the room for a full snapshot, bounded by the
// configured timeout.
func (c *Client) RequestSync() {
	c.beginAwaitingSync()
	if err := c.emit(protocol.EventRequestStateSync, nil); err != nil {
		logging.Warn("sync request failed", zap.Error(err))
	}
}

// ---- Local operations: mutate, then emit. The workspace lock is held
// across the emit so concurrent callers put frames on the wire in the
// same order the mutations were applied. ----

// CreateFile creates a file under parentDirID (root when empty),
// opens it, and announces it to the room.
func (c *Client) CreateFile(parentDirID, name string) (*models.WorkspaceItem, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	item, err := c.wsp.CreateFile(parentDirID, name)
	if err != nil {
		return nil, err
	}
	if parentDirID == "" {
		parentDirID = c.wsp.RootID()
	}
	if err := c.emit(protocol.EventFileCreated, protocol.FileCreated{ParentDirID: parentDirID, NewFile: item}); err != nil {
		return item, err
	}
	return item, nil
}

// CreateDirectory creates an empty directory and announces it.
func (c *Client) CreateDirectory(parentDirID, name string) (*models.WorkspaceItem, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	item, err := c.wsp.CreateDirectory(parentDirID, name)
	if err != nil {
		return nil, err
	}
	if parentDirID == "" {
		parentDirID = c.wsp.RootID()
	}
	if err := c.emit(protocol.EventDirectoryCreated, protocol.DirectoryCreated{ParentDirID: parentDirID, NewDirectory: item}); err != nil {
		return item, err
	}
	return item, nil
}

// RenameFile renames a file and announces it.
func (c *Client) RenameFile(id, newName string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.wsp.RenameFile(id, newName); err != nil {
		return err
	}
	return c.emit(protocol.EventFileRenamed, protocol.FileRenamed{FileID: id, NewName: newName})
}

// RenameDirectory renames a directory and announces it.
func (c *Client) RenameDirectory(id, newName string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.wsp.RenameDirectory(id, newName); err != nil {
		return err
	}
	return c.emit(protocol.EventDirectoryRenamed, protocol.DirectoryRenamed{DirID: id, NewDirName: newName})
}

// DeleteFile deletes a file and announces it.
func (c *Client) DeleteFile(id string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.wsp.DeleteFile(id); err != nil {
		return err
	}
	return c.emit(protocol.EventFileDeleted, protocol.FileDeleted{FileID: id})
}

// DeleteDirectory deletes a directory subtree and announces it.
func (c *Client) DeleteDirectory(id string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.wsp.DeleteDirectory(id); err != nil {
		return err
	}
	return c.emit(protocol.EventDirectoryDeleted, protocol.DirectoryDeleted{DirID: id})
}

// UpdateFileContent replaces a file's content and announces it. An
// empty id is a silent no-op, matching the local editor's save path.
func (c *Client) UpdateFileContent(id, content string) error {
	if id == "" {
		return nil
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.wsp.UpdateFileContent(id, content)
	return c.emit(protocol.EventFileUpdated, protocol.FileUpdated{FileID: id, NewContent: content})
}

// OpenFile opens a tab. Tab state is local and not announced.
func (c *Client) OpenFile(id string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.wsp.OpenFile(id)
}

// CloseFile closes a tab.
func (c *Client) CloseFile(id string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.wsp.CloseFile(id)
}

// ToggleExpansion flips a directory's expansion. Local only.
func (c *Client) ToggleExpansion(id string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.wsp.ToggleExpansion(id)
}

// CollapseAll folds every directory. Local only.
func (c *Client) CollapseAll() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.wsp.CollapseAll()
}

// SendChatMessage sends a chat line to the room.
func (c *Client) SendChatMessage(text string) error {
	msg := models.ChatMessage{
		ID:        models.NewID(),
		Message:   text,
		Username:  c.cfg.Username,
		Timestamp: time.Now().Format("15:04"),
	}
	return c.emit(protocol.EventSendMessage, protocol.MessagePayload{Message: msg})
}

// StartTyping announces editing activity at a cursor position.
func (c *Client) StartTyping(cursorPosition int) error {
	return c.emit(protocol.EventTypingStart, protocol.TypingStart{CursorPosition: cursorPosition})
}

// PauseTyping announces the end of editing activity.
func (c *Client) PauseTyping() error {
	return c.emit(protocol.EventTypingPause, nil)
}

// Tree returns the current tree in display order.
func (c *Client) Tree() *models.WorkspaceItem {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.wsp.Tree()
}

// OpenFiles returns the open tabs.
func (c *Client) OpenFiles() []*models.WorkspaceItem {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.wsp.OpenFiles()
}

// ActiveFile returns the active file, or nil.
func (c *Client) ActiveFile() *models.WorkspaceItem {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.wsp.ActiveFile()
}
