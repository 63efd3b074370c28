// Package gateway is the websocket relay at the center of a deployment.
// It admits members into rooms, fans mutation events out to the rest of
// the room, and brokers recovery snapshots between peers. The gateway
// never inspects tree mutations; they relay as opaque payloads.
//
// Room membership lives in the presence store, not in process memory,
// so several gateway instances can serve one room: every relayed event
// is also published on the store's broadcast channel and delivered by
// whichever instance holds the target connection.
package gateway

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/auraticabhi/PairFusion/internal/logging"
	"github.com/auraticabhi/PairFusion/internal/metrics"
	"github.com/auraticabhi/PairFusion/internal/presence"
	"github.com/auraticabhi/PairFusion/pkg/models"
	"github.com/auraticabhi/PairFusion/pkg/protocol"
)

// Options tunes the websocket behavior.
type Options struct {
	AllowedOrigins  []string
	MaxMessageBytes int64
	WriteTimeout    time.Duration
	PongTimeout     time.Duration
}

func (o *Options) withDefaults() {
	if len(o.AllowedOrigins) == 0 {
		o.AllowedOrigins = []string{"*"}
	}
	if o.MaxMessageBytes == 0 {
		o.MaxMessageBytes = 10 * 1024 * 1024
	}
	if o.WriteTimeout == 0 {
		o.WriteTimeout = 10 * time.Second
	}
	if o.PongTimeout == 0 {
		o.PongTimeout = 60 * time.Second
	}
}

// relayFrame is the envelope published on the presence store's channel
// so that every gateway instance can deliver to its local connections.
type relayFrame struct {
	Origin  string          `json:"origin"`
	RoomID  string          `json:"roomId,omitempty"`
	Target  string          `json:"target,omitempty"`
	Exclude string          `json:"exclude,omitempty"`
	Event   protocol.Event  `json:"event"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// Server relays room traffic between websocket connections.
type Server struct {
	store    presence.Store
	opts     Options
	instance string
	upgrader websocket.Upgrader

	mu    sync.RWMutex
	conns map[string]*conn
}

// New builds a Server on top of a presence store.
func New(store presence.Store, opts Options) *Server {
	opts.withDefaults()
	s := &Server{
		store:    store,
		opts:     opts,
		instance: models.NewID(),
		conns:    make(map[string]*conn),
	}
	s.upgrader = websocket.Upgrader{
		ReadBufferSize:  4096,
		WriteBufferSize: 4096,
		CheckOrigin:     s.checkOrigin,
	}
	return s
}

func (s *Server) checkOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}
	for _, allowed := range s.opts.AllowedOrigins {
		if allowed == "*" || allowed == origin {
			return true
		}
	}
	return false
}

// Handler returns the HTTP routes. The websocket endpoint is mounted
// bare: the logging and metrics middleware buffer the response writer,
// which breaks the connection hijack an upgrade needs.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/ws", s.handleWS)
	mux.Handle("/health", logging.Middleware(metrics.Middleware(http.HandlerFunc(handleHealth))))
	return mux
}

func handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]string{"status": "ok"})
}

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	ws, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		logging.Warn("websocket upgrade failed", zap.Error(err))
		return
	}

	c := &conn{
		id:   models.NewID(),
		ws:   ws,
		srv:  s,
		send: make(chan []byte, 64),
	}
	s.mu.Lock()
	s.conns[c.id] = c
	s.mu.Unlock()
	metrics.ConnectionOpened()
	logging.Debug("connection opened", zap.String("conn_id", c.id))

	go c.writePump()
	go c.readPump()
}

// Run consumes the presence store's broadcast channel and delivers
// frames published by other gateway instances to local connections.
// It blocks until ctx is cancelled or the subscription closes.
func (s *Server) Run(ctx context.Context) error {
	sub, err := s.store.Subscribe(ctx)
	if err != nil {
		return err
	}
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case raw, ok := <-sub:
			if !ok {
				return nil
			}
			var frame relayFrame
			if err := json.Unmarshal(raw, &frame); err != nil {
				logging.Warn("malformed relay frame", zap.Error(err))
				continue
			}
			if frame.Origin == s.instance {
				continue
			}
			metrics.RecordRelayReceived()
			s.deliverLocal(ctx, frame)
		}
	}
}

// Close tears down every active connection.
func (s *Server) Close() {
	s.mu.Lock()
	conns := make([]*conn, 0, len(s.conns))
	for _, c := range s.conns {
		conns = append(conns, c)
	}
	s.mu.Unlock()
	for _, c := range conns {
		c.ws.Close()
	}
}

func (s *Server) localConn(id string) *conn {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.conns[id]
}

// relay delivers a frame to local members and publishes it for the
// other gateway instances.
func (s *Server) relay(ctx context.Context, frame relayFrame) {
	frame.Origin = s.instance
	s.deliverLocal(ctx, frame)

	raw, err := json.Marshal(frame)
	if err != nil {
		logging.Error("marshal relay frame", zap.Error(err))
		return
	}
	if err := s.store.Publish(ctx, raw); err != nil {
		logging.Error("publish relay frame", zap.Error(err))
		return
	}
	metrics.RecordRelayPublished()
}

// deliverLocal sends a frame to the local connections it addresses:
// either a single target or a whole room minus the excluded sender.
func (s *Server) deliverLocal(ctx context.Context, frame relayFrame) {
	env, err := json.Marshal(protocol.Envelope{Event: frame.Event, Payload: frame.Payload})
	if err != nil {
		logging.Error("marshal envelope", zap.Error(err))
		return
	}

	if frame.Target != "" {
		if c := s.localConn(frame.Target); c != nil {
			c.enqueue(env)
			metrics.RecordEventRelayed(string(frame.Event))
		}
		return
	}

	ids, err := s.store.RoomConnections(ctx, frame.RoomID)
	if err != nil {
		logging.Error("room lookup failed", zap.String("room_id", frame.RoomID), zap.Error(err))
		return
	}
	for _, id := range ids {
		if id == frame.Exclude {
			continue
		}
		if c := s.localConn(id); c != nil {
			c.enqueue(env)
		}
	}
	metrics.RecordEventRelayed(string(frame.Event))
}

// sendTo writes an event straight to one local connection.
func (s *Server) sendTo(c *conn, event protocol.Event, payload any) {
	env, err := protocol.NewEnvelope(event, payload)
	if err != nil {
		logging.Error("marshal payload", zap.String("event", string(event)), zap.Error(err))
		return
	}
	raw, err := json.Marshal(env)
	if err != nil {
		logging.Error("marshal envelope", zap.String("event", string(event)), zap.Error(err))
		return
	}
	c.enqueue(raw)
}

func (s *Server) handleMessage(c *conn, data []byte) {
	var env protocol.Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		logging.Warn("malformed message", zap.String("conn_id", c.id), zap.Error(err))
		return
	}
	ctx := context.Background()

	switch env.Event {
	case protocol.EventJoinRequest:
		s.handleJoin(ctx, c, env.Payload)
	case protocol.EventRequestStateSync:
		s.handleRequestStateSync(ctx, c)
	case protocol.EventStateSync:
		s.handleStateSync(ctx, c, env.Payload)
	case protocol.EventSyncFileStructure:
		s.handleSyncFileStructure(ctx, c, env.Payload)
	case protocol.EventTypingStart:
		s.handleTyping(ctx, c, env.Payload, true)
	case protocol.EventTypingPause:
		s.handleTyping(ctx, c, env.Payload, false)
	case protocol.EventSendMessage:
		s.relayToRoom(ctx, c, protocol.EventReceiveMessage, env.Payload)
	case protocol.EventFileCreated, protocol.EventFileUpdated, protocol.EventFileRenamed,
		protocol.EventFileDeleted, protocol.EventDirectoryCreated, protocol.EventDirectoryUpdated,
		protocol.EventDirectoryRenamed, protocol.EventDirectoryDeleted,
		protocol.EventUserOffline, protocol.EventUserOnline:
		s.relayToRoom(ctx, c, env.Event, env.Payload)
	default:
		logging.Warn("unknown event", zap.String("event", string(env.Event)), zap.String("conn_id", c.id))
	}
}

// relayToRoom broadcasts an opaque payload to the sender's room,
// excluding the sender.
func (s *Server) relayToRoom(ctx context.Context, c *conn, event protocol.Event, payload json.RawMessage) {
	m, err := s.store.Member(ctx, c.id)
	if err != nil {
		logging.Warn("relay from unjoined connection", zap.String("conn_id", c.id), zap.String("event", string(event)))
		return
	}
	s.relay(ctx, relayFrame{RoomID: m.RoomID, Exclude: c.id, Event: event, Payload: payload})
}

func (s *Server) handleJoin(ctx context.Context, c *conn, payload json.RawMessage) {
	var req protocol.JoinRequest
	if err := json.Unmarshal(payload, &req); err != nil || req.RoomID == "" || req.Username == "" {
		metrics.RecordJoinAttempt(false)
		s.sendTo(c, protocol.EventUsernameExists, nil)
		return
	}

	// The claim is the admission check: an atomic reservation in the
	// store, so racing joins on different instances cannot both win.
	claimed, err := s.store.ClaimName(ctx, req.RoomID, req.Username)
	if err != nil {
		logging.Error("name claim failed", zap.String("room_id", req.RoomID), zap.Error(err))
		return
	}
	if !claimed {
		metrics.RecordJoinAttempt(false)
		logging.Info("username taken",
			zap.String("room_id", req.RoomID),
			zap.String("username", req.Username))
		s.sendTo(c, protocol.EventUsernameExists, nil)
		return
	}

	users, err := s.roomUsers(ctx, req.RoomID)
	if err != nil {
		logging.Error("room lookup failed", zap.String("room_id", req.RoomID), zap.Error(err))
		s.store.ReleaseName(ctx, req.RoomID, req.Username)
		return
	}
	if err := s.store.SetMember(ctx, c.id, presence.Member{Username: req.Username, RoomID: req.RoomID}); err != nil {
		logging.Error("store member failed", zap.Error(err))
		s.store.ReleaseName(ctx, req.RoomID, req.Username)
		return
	}
	if err := s.store.AddToRoom(ctx, req.RoomID, c.id); err != nil {
		logging.Error("add to room failed", zap.Error(err))
		s.store.RemoveMember(ctx, c.id)
		s.store.ReleaseName(ctx, req.RoomID, req.Username)
		return
	}
	metrics.RecordJoinAttempt(true)

	user := models.User{
		Username: req.Username,
		RoomID:   req.RoomID,
		SocketID: c.id,
		Status:   models.StatusOnline,
	}
	logging.Info("user joined",
		zap.String("room_id", req.RoomID),
		zap.String("username", req.Username),
		zap.String("conn_id", c.id))

	joinedPayload, err := json.Marshal(protocol.UserPayload{User: user})
	if err == nil {
		s.relay(ctx, relayFrame{RoomID: req.RoomID, Exclude: c.id, Event: protocol.EventUserJoined, Payload: joinedPayload})
	}
	s.sendTo(c, protocol.EventJoinAccepted, protocol.JoinAccepted{User: user, Users: append(users, user)})
}

// roomUsers resolves every member record for a room.
func (s *Server) roomUsers(ctx context.Context, roomID string) ([]models.User, error) {
	ids, err := s.store.RoomConnections(ctx, roomID)
	if err != nil {
		return nil, err
	}
	users := make([]models.User, 0, len(ids))
	for _, id := range ids {
		m, err := s.store.Member(ctx, id)
		if err != nil {
			continue
		}
		users = append(users, models.User{
			Username: m.Username,
			RoomID:   m.RoomID,
			SocketID: id,
			Status:   models.StatusOnline,
		})
	}
	return users, nil
}

// handleRequestStateSync broadcasts a snapshot request on behalf of the
// sender; any synced peer may answer with state-sync.
func (s *Server) handleRequestStateSync(ctx context.Context, c *conn) {
	m, err := s.store.Member(ctx, c.id)
	if err != nil {
		return
	}
	payload, err := json.Marshal(protocol.RequestStateSync{SocketIDToSync: c.id})
	if err != nil {
		return
	}
	s.relay(ctx, relayFrame{RoomID: m.RoomID, Exclude: c.id, Event: protocol.EventRequestStateSync, Payload: payload})
}

// handleStateSync forwards a peer's snapshot to the requester,
// point-to-point. The requester only sees the snapshot itself.
func (s *Server) handleStateSync(ctx context.Context, c *conn, payload json.RawMessage) {
	var reply protocol.StateSync
	if err := json.Unmarshal(payload, &reply); err != nil || reply.SocketIDToSync == "" {
		logging.Warn("malformed state-sync", zap.String("conn_id", c.id))
		return
	}
	state, err := json.Marshal(reply.FileState)
	if err != nil {
		return
	}
	metrics.RecordStateSync()
	s.relay(ctx, relayFrame{Target: reply.SocketIDToSync, Event: protocol.EventStateSync, Payload: state})
}

// handleSyncFileStructure forwards a push-on-join snapshot to the new
// member named by socketId, with the address stripped from the payload.
func (s *Server) handleSyncFileStructure(ctx context.Context, c *conn, payload json.RawMessage) {
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(payload, &fields); err != nil {
		logging.Warn("malformed sync-file-structure", zap.String("conn_id", c.id))
		return
	}
	var target string
	if raw, ok := fields["socketId"]; ok {
		json.Unmarshal(raw, &target)
		delete(fields, "socketId")
	}
	if target == "" {
		return
	}
	stripped, err := json.Marshal(fields)
	if err != nil {
		return
	}
	s.relay(ctx, relayFrame{Target: target, Event: protocol.EventSyncFileStructure, Payload: stripped})
}

// handleTyping enriches the typing event with the sender's identity
// before relaying it.
func (s *Server) handleTyping(ctx context.Context, c *conn, payload json.RawMessage, typing bool) {
	m, err := s.store.Member(ctx, c.id)
	if err != nil {
		return
	}
	var req protocol.TypingStart
	if len(payload) > 0 {
		json.Unmarshal(payload, &req)
	}
	user := models.User{
		Username:       m.Username,
		RoomID:         m.RoomID,
		SocketID:       c.id,
		Status:         models.StatusOnline,
		Typing:         typing,
		CursorPosition: req.CursorPosition,
	}
	enriched, err := json.Marshal(protocol.UserPayload{User: user})
	if err != nil {
		return
	}
	event := protocol.EventTypingPause
	if typing {
		event = protocol.EventTypingStart
	}
	s.relay(ctx, relayFrame{RoomID: m.RoomID, Exclude: c.id, Event: event, Payload: enriched})
}

// teardown runs exactly once per connection: presence entries are
// removed first so the departure broadcast excludes the leaver.
func (s *Server) teardown(c *conn) {
	c.once.Do(func() {
		ctx := context.Background()

		s.mu.Lock()
		delete(s.conns, c.id)
		s.mu.Unlock()

		m, err := s.store.Member(ctx, c.id)
		if err == nil {
			s.store.RemoveFromRoom(ctx, m.RoomID, c.id)
			s.store.RemoveMember(ctx, c.id)
			s.store.ReleaseName(ctx, m.RoomID, m.Username)
			user := models.User{
				Username: m.Username,
				RoomID:   m.RoomID,
				SocketID: c.id,
				Status:   models.StatusOffline,
			}
			if payload, err := json.Marshal(protocol.UserPayload{User: user}); err == nil {
				s.relay(ctx, relayFrame{RoomID: m.RoomID, Exclude: c.id, Event: protocol.EventUserDisconnected, Payload: payload})
			}
			logging.Info("user disconnected",
				zap.String("room_id", m.RoomID),
				zap.String("username", m.Username),
				zap.String("conn_id", c.id))
		}

		// The send channel stays open; the write pump exits when the
		// closed socket fails its next write or ping.
		c.ws.Close()
		metrics.ConnectionClosed()
	})
}
