package client

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/auraticabhi/PairFusion/internal/gateway"
	"github.com/auraticabhi/PairFusion/internal/presence"
	"github.com/auraticabhi/PairFusion/pkg/models"
	"github.com/auraticabhi/PairFusion/pkg/protocol"
	"github.com/auraticabhi/PairFusion/pkg/retry"
)

func startGateway(t *testing.T) *httptest.Server {
	t.Helper()
	s := gateway.New(presence.NewMemory(), gateway.Options{})
	ts := httptest.NewServer(s.Handler())
	t.Cleanup(func() {
		s.Close()
		ts.Close()
	})
	return ts
}

func newClient(t *testing.T, ts *httptest.Server, roomID, username string) *Client {
	t.Helper()
	c, err := Dial(context.Background(), Config{
		ServerURL:   ts.URL,
		RoomID:      roomID,
		Username:    username,
		SyncTimeout: 2 * time.Second,
		Retry:       retry.Config{MaxAttempts: 1, InitialWait: time.Millisecond, MaxWait: time.Millisecond, Multiplier: 1},
	})
	if err != nil {
		t.Fatalf("dial %s: %v", username, err)
	}
	t.Cleanup(func() { c.Close() })
	return c
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("condition not met in time")
}

// sameShape compares trees by id, name, kind and content, ignoring the
// expansion flag, which is local UI state.
func sameShape(a, b *models.WorkspaceItem) bool {
	if a == nil || b == nil {
		return a == b
	}
	if a.ID != b.ID || a.Name != b.Name || a.Kind != b.Kind || a.Content != b.Content {
		return false
	}
	if len(a.Children) != len(b.Children) {
		return false
	}
	for i := range a.Children {
		if !sameShape(a.Children[i], b.Children[i]) {
			return false
		}
	}
	return true
}

func TestWSEndpoint(t *testing.T) {
	tests := []struct {
		in, want string
	}{
		{"http://host:3000", "ws://host:3000/ws"},
		{"https://host", "wss://host/ws"},
		{"ws://host/ws", "ws://host/ws"},
		{"wss://host/base/", "wss://host/base/ws"},
	}
	for _, tt := range tests {
		got, err := wsEndpoint(tt.in)
		if err != nil || got != tt.want {
			t.Errorf("wsEndpoint(%q) = %q, %v; want %q", tt.in, got, err, tt.want)
		}
	}
	if _, err := wsEndpoint("ftp://host"); err == nil {
		t.Error("unsupported scheme should fail")
	}
}

func TestSoleMemberIsImmediatelySynced(t *testing.T) {
	ts := startGateway(t)
	a := newClient(t, ts, "room-1", "alice")

	if a.State() != StateSynced {
		t.Errorf("state = %v, want synced", a.State())
	}
	tree := a.Tree()
	if len(tree.Children) != 1 || tree.Children[0].Name != "index.js" {
		t.Errorf("expected starter project, got %+v", tree.Children)
	}
}

func TestUsernameTaken(t *testing.T) {
	ts := startGateway(t)
	newClient(t, ts, "room-1", "alice")

	_, err := Dial(context.Background(), Config{ServerURL: ts.URL, RoomID: "room-1", Username: "alice"})
	if !errors.Is(err, ErrUsernameTaken) {
		t.Fatalf("err = %v, want ErrUsernameTaken", err)
	}
}

func TestJoinerAdoptsPeerSnapshot(t *testing.T) {
	ts := startGateway(t)
	a := newClient(t, ts, "room-1", "alice")
	f, err := a.CreateFile("", "notes.txt")
	if err != nil {
		t.Fatal(err)
	}
	if err := a.UpdateFileContent(f.ID, "remember this"); err != nil {
		t.Fatal(err)
	}

	b := newClient(t, ts, "room-1", "bob")
	waitFor(t, func() bool { return b.State() == StateSynced })

	if !sameShape(a.Tree(), b.Tree()) {
		t.Errorf("trees differ:\na=%+v\nb=%+v", a.Tree(), b.Tree())
	}
	if got := b.ActiveFile(); got == nil || got.ID != f.ID {
		t.Errorf("active file not adopted: %+v", got)
	}
	waitFor(t, func() bool { return len(a.Peers()) == 1 })
	if a.Peers()[0].Username != "bob" {
		t.Errorf("peers = %+v", a.Peers())
	}
}

func TestMutationsConverge(t *testing.T) {
	ts := startGateway(t)
	a := newClient(t, ts, "room-1", "alice")
	b := newClient(t, ts, "room-1", "bob")
	waitFor(t, func() bool { return b.State() == StateSynced })

	dir, err := a.CreateDirectory("", "src")
	if err != nil {
		t.Fatal(err)
	}
	f, err := a.CreateFile(dir.ID, "main.go")
	if err != nil {
		t.Fatal(err)
	}
	if err := a.UpdateFileContent(f.ID, "package main"); err != nil {
		t.Fatal(err)
	}

	waitFor(t, func() bool { return sameShape(a.Tree(), b.Tree()) })

	// The remote inserts must not have opened tabs on bob's side.
	for _, open := range b.OpenFiles() {
		if open.ID == f.ID {
			t.Error("remote create opened a tab")
		}
	}

	// Mutations flow the other way too.
	if err := b.RenameFile(f.ID, "app.go"); err != nil {
		t.Fatal(err)
	}
	waitFor(t, func() bool { return sameShape(a.Tree(), b.Tree()) })
	if err := b.DeleteDirectory(dir.ID); err != nil {
		t.Fatal(err)
	}
	waitFor(t, func() bool { return sameShape(a.Tree(), b.Tree()) })
}

func TestDuplicateDirectoryRejectedLocally(t *testing.T) {
	ts := startGateway(t)
	a := newClient(t, ts, "room-1", "alice")
	b := newClient(t, ts, "room-1", "bob")
	waitFor(t, func() bool { return b.State() == StateSynced })

	if _, err := a.CreateDirectory("", "src"); err != nil {
		t.Fatal(err)
	}
	waitFor(t, func() bool { return sameShape(a.Tree(), b.Tree()) })

	// The conflicting create is rejected before anything is emitted.
	if _, err := b.CreateDirectory("", "src"); err == nil {
		t.Fatal("duplicate directory should be rejected")
	}
	if !sameShape(a.Tree(), b.Tree()) {
		t.Error("rejected mutation must not change state")
	}
}

func TestChatAndTypingNotifications(t *testing.T) {
	ts := startGateway(t)
	a := newClient(t, ts, "room-1", "alice")
	b := newClient(t, ts, "room-1", "bob")
	waitFor(t, func() bool { return b.State() == StateSynced })
	waitFor(t, func() bool { return len(a.Peers()) == 1 })

	if err := b.StartTyping(7); err != nil {
		t.Fatal(err)
	}
	if err := b.SendChatMessage("hello"); err != nil {
		t.Fatal(err)
	}

	var sawTyping, sawChat bool
	deadline := time.After(3 * time.Second)
	for !(sawTyping && sawChat) {
		select {
		case n := <-a.Events():
			switch n.Type {
			case protocol.EventTypingStart:
				sawTyping = true
				if n.User == nil || n.User.Username != "bob" || n.User.CursorPosition != 7 {
					t.Errorf("typing notification = %+v", n.User)
				}
			case protocol.EventReceiveMessage:
				sawChat = true
				if n.Message == nil || n.Message.Message != "hello" || n.Message.Username != "bob" {
					t.Errorf("chat notification = %+v", n.Message)
				}
			}
		case <-deadline:
			t.Fatalf("missing notifications: typing=%v chat=%v", sawTyping, sawChat)
		}
	}
}

func TestPeerDisconnectNotification(t *testing.T) {
	ts := startGateway(t)
	a := newClient(t, ts, "room-1", "alice")
	b := newClient(t, ts, "room-1", "bob")
	waitFor(t, func() bool { return len(a.Peers()) == 1 })

	b.Close()
	waitFor(t, func() bool { return len(a.Peers()) == 0 })
}

// rawPeer joins a room over a bare websocket so tests can script
// arbitrary gateway traffic.
type rawPeer struct {
	conn *websocket.Conn
}

func dialRawPeer(t *testing.T, ts *httptest.Server, roomID, username string) *rawPeer {
	t.Helper()
	url := "ws" + strings.TrimPrefix(ts.URL, "http") + "/ws"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("raw dial: %v", err)
	}
	t.Cleanup(func() { conn.Close() })

	env, _ := protocol.NewEnvelope(protocol.EventJoinRequest, protocol.JoinRequest{RoomID: roomID, Username: username})
	if err := conn.WriteJSON(env); err != nil {
		t.Fatal(err)
	}
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var reply protocol.Envelope
	if err := conn.ReadJSON(&reply); err != nil || reply.Event != protocol.EventJoinAccepted {
		t.Fatalf("raw join failed: %v %s", err, reply.Event)
	}
	conn.SetReadDeadline(time.Time{})
	return &rawPeer{conn: conn}
}

func (p *rawPeer) send(t *testing.T, event protocol.Event, payload any) {
	t.Helper()
	env, err := protocol.NewEnvelope(event, payload)
	if err != nil {
		t.Fatal(err)
	}
	if err := p.conn.WriteJSON(env); err != nil {
		t.Fatal(err)
	}
}

func TestJoinerPullsSnapshotWhenPeerDoesNotPush(t *testing.T) {
	ts := startGateway(t)
	ghost := dialRawPeer(t, ts, "room-1", "ghost")

	peerTree := &models.WorkspaceItem{
		ID:   "peer-root",
		Name: "root",
		Kind: models.ItemDirectory,
		Children: []*models.WorkspaceItem{
			{ID: "peer-f1", Name: "peer.txt", Kind: models.ItemFile, Content: "from peer"},
		},
	}

	// The peer answers the joiner's request-state-sync but never pushes
	// a snapshot of its own accord.
	go func() {
		ghost.conn.SetReadDeadline(time.Now().Add(3 * time.Second))
		for {
			var env protocol.Envelope
			if err := ghost.conn.ReadJSON(&env); err != nil {
				return
			}
			if env.Event != protocol.EventRequestStateSync {
				continue
			}
			var req protocol.RequestStateSync
			if err := json.Unmarshal(env.Payload, &req); err != nil {
				return
			}
			reply, err := protocol.NewEnvelope(protocol.EventStateSync, protocol.StateSync{
				SocketIDToSync: req.SocketIDToSync,
				FileState: protocol.Snapshot{
					FileStructure: peerTree,
					OpenFiles:     []*models.WorkspaceItem{peerTree.Children[0]},
					ActiveFile:    peerTree.Children[0],
				},
			})
			if err != nil {
				return
			}
			ghost.conn.WriteJSON(reply)
			return
		}
	}()

	b := newClient(t, ts, "room-1", "bob")
	waitFor(t, func() bool { return b.State() == StateSynced })

	tree := b.Tree()
	if tree.ID != "peer-root" || len(tree.Children) != 1 || tree.Children[0].Name != "peer.txt" {
		t.Fatalf("peer snapshot not adopted, tree = %+v", tree)
	}
	if active := b.ActiveFile(); active == nil || active.ID != "peer-f1" {
		t.Errorf("active = %+v", active)
	}
}

func TestConcurrentLocalMutationsStayOrdered(t *testing.T) {
	ts := startGateway(t)
	a := newClient(t, ts, "room-1", "alice")
	b := newClient(t, ts, "room-1", "bob")
	waitFor(t, func() bool { return b.State() == StateSynced })

	dir, err := a.CreateDirectory("", "src")
	if err != nil {
		t.Fatal(err)
	}

	// Interleaved create/update/delete pairs from several goroutines:
	// frames must leave in application order or receivers see updates
	// and deletes for nodes that do not exist yet.
	var wg sync.WaitGroup
	for g := 0; g < 4; g++ {
		wg.Add(1)
		go func(g int) {
			defer wg.Done()
			for i := 0; i < 5; i++ {
				f, err := a.CreateFile(dir.ID, fmt.Sprintf("f%d-%d.txt", g, i))
				if err != nil {
					t.Errorf("create: %v", err)
					return
				}
				if err := a.UpdateFileContent(f.ID, "body"); err != nil {
					t.Errorf("update: %v", err)
					return
				}
				if i%2 == 1 {
					if err := a.DeleteFile(f.ID); err != nil {
						t.Errorf("delete: %v", err)
						return
					}
				}
			}
		}(g)
	}
	wg.Wait()

	waitFor(t, func() bool {
		return a.State() == StateSynced && b.State() == StateSynced && sameShape(a.Tree(), b.Tree())
	})
}

func TestSyncTimeoutKeepsLocalTree(t *testing.T) {
	ts := startGateway(t)
	// A silent peer occupies the room and never answers sync traffic.
	dialRawPeer(t, ts, "room-1", "ghost")

	b, err := Dial(context.Background(), Config{
		ServerURL:   ts.URL,
		RoomID:      "room-1",
		Username:    "bob",
		SyncTimeout: 100 * time.Millisecond,
	})
	if err != nil {
		t.Fatal(err)
	}
	defer b.Close()

	if b.State() != StateAwaitingPeerState {
		t.Fatalf("state = %v, want awaiting-peer-state", b.State())
	}
	waitFor(t, func() bool { return b.State() == StateSynced })

	// Fallback keeps the local starter tree.
	tree := b.Tree()
	if len(tree.Children) != 1 || tree.Children[0].Name != "index.js" {
		t.Errorf("local tree not preserved: %+v", tree.Children)
	}
}

func TestUnresolvableRemoteMutationTriggersRecovery(t *testing.T) {
	ts := startGateway(t)
	a := newClient(t, ts, "room-1", "alice")
	b := newClient(t, ts, "room-1", "bob")
	waitFor(t, func() bool { return b.State() == StateSynced })

	ghost := dialRawPeer(t, ts, "room-1", "ghost")
	waitFor(t, func() bool { return len(a.Peers()) == 2 })

	// A rename for a node nobody has: receivers fall back to a
	// recovery sync instead of diverging.
	ghost.send(t, protocol.EventFileRenamed, protocol.FileRenamed{FileID: "no-such-node", NewName: "x"})

	waitFor(t, func() bool {
		return a.State() == StateSynced && b.State() == StateSynced && sameShape(a.Tree(), b.Tree())
	})
}

func TestPeerAnswersStateRequest(t *testing.T) {
	ts := startGateway(t)
	a := newClient(t, ts, "room-1", "alice")
	_ = a

	ghost := dialRawPeer(t, ts, "room-1", "ghost")
	ghost.send(t, protocol.EventRequestStateSync, nil)

	ghost.conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	for {
		var env protocol.Envelope
		if err := ghost.conn.ReadJSON(&env); err != nil {
			t.Fatalf("no state-sync reply: %v", err)
		}
		if env.Event != protocol.EventStateSync {
			continue
		}
		var snap protocol.Snapshot
		if err := json.Unmarshal(env.Payload, &snap); err != nil {
			t.Fatal(err)
		}
		if snap.FileStructure == nil || len(snap.FileStructure.Children) == 0 {
			t.Errorf("snapshot = %+v", snap)
		}
		return
	}
}
