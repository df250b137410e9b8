// Package presence tracks which sessions are bound to which room and relays
// join, leave and cursor events between them.
package presence

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"whiteboard-server/auth"
	"whiteboard-server/core"
	"whiteboard-server/metrics"
)

var (
	ErrNotJoined      = errors.New("session not joined to room")
	ErrUnknownSession = errors.New("unknown session")
)

// Events emitted to clients.
const (
	EventInitialState = "initial_state"
	EventRoomUsers    = "room_users"
	EventUserJoined   = "user_joined"
	EventUserLeft     = "user_left"
	EventCursorMove   = "cursor_move"
)

const DefaultEvictionGrace = 30 * time.Second

// palette is the fixed set of presence colors handed out round-robin.
var palette = []string{
	"#e03131", "#2f9e44", "#1971c2", "#f08c00",
	"#9c36b5", "#0c8599", "#e8590c", "#66a80f",
}

// Transport is the real-time channel to clients. Groups are keyed by room id.
type Transport interface {
	JoinGroup(sessionID, roomID string)
	LeaveGroup(sessionID, roomID string)
	EmitToGroup(roomID, event string, payload any, excludeSessionID string)
	// EmitToGroupVolatile may drop the event for slow receivers.
	EmitToGroupVolatile(roomID, event string, payload any, excludeSessionID string)
	EmitToSession(sessionID, event string, payload any)
	DisconnectGroup(roomID string)
}

// RoomCache is the part of the room state cache a join and leave drive.
type RoomCache interface {
	EnsureLoaded(ctx context.Context, roomID string) error
	View(roomID string, fn func(snapshot *core.Snapshot)) error
	CancelEviction(roomID string) bool
	ArmEviction(roomID string, grace time.Duration)
}

type Flusher interface {
	FlushNow(ctx context.Context, roomID string) error
}

// Admitter decides whether identity may join roomID which has live
// sessions already.
type Admitter interface {
	Admit(ctx context.Context, identity *auth.Identity, roomID string, live int) error
}

type Option func(*Manager)

func WithAdmitter(a Admitter) Option {
	return func(m *Manager) { m.admitter = a }
}

func WithEvictionGrace(d time.Duration) Option {
	return func(m *Manager) { m.grace = d }
}

// WithRegistry records room activity on join and leave.
func WithRegistry(r core.RoomRegistry) Option {
	return func(m *Manager) { m.registry = r }
}

func WithMetrics(mt *metrics.Metrics) Option {
	return func(m *Manager) { m.metrics = mt }
}

// Session is a live connection.
type Session struct {
	ID       string         `json:"sessionId"`
	Identity auth.Identity  `json:"identity"`
	Color    string         `json:"color"`
	RoomID   string         `json:"-"`
	Cursor   map[string]any `json:"cursor,omitempty"`
}

// Manager owns all sessions of the process.
type Manager struct {
	transport Transport
	rooms     RoomCache
	flusher   Flusher
	admitter  Admitter
	registry  core.RoomRegistry
	grace     time.Duration
	metrics   *metrics.Metrics

	mu       sync.Mutex
	sessions map[string]*Session
	members  map[string]map[string]*Session
	reserved map[string]int
	colors   int
}

func NewManager(transport Transport, rooms RoomCache, flusher Flusher, opts ...Option) *Manager {
	m := &Manager{
		transport: transport,
		rooms:     rooms,
		flusher:   flusher,
		grace:     DefaultEvictionGrace,
		sessions:  make(map[string]*Session),
		members:   make(map[string]map[string]*Session),
		reserved:  make(map[string]int),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Connect registers a session carrying an authenticated identity.
func (m *Manager) Connect(sessionID string, identity auth.Identity) Session {
	m.mu.Lock()
	defer m.mu.Unlock()

	if s, ok := m.sessions[sessionID]; ok {
		return *s
	}
	s := &Session{
		ID:       sessionID,
		Identity: identity,
		Color:    palette[m.colors%len(palette)],
	}
	m.colors++
	m.sessions[sessionID] = s

	logrus.WithFields(logrus.Fields{
		"session_id": sessionID,
		"user_id":    identity.ID,
	}).Debug("Session connected")
	return *s
}

func (m *Manager) liveLocked() int {
	n := 0
	for _, members := range m.members {
		n += len(members)
	}
	return n
}

// Join binds sessionID to roomID, sends it the room's snapshot and roster,
// and announces it to the rest of the room. A session bound to another room
// leaves it once the new room admits it; a refused join changes nothing.
func (m *Manager) Join(ctx context.Context, sessionID, roomID string) error {
	if roomID == "" {
		return fmt.Errorf("%w: empty room id", core.ErrInvalidOperation)
	}
	log := logrus.WithFields(logrus.Fields{"session_id": sessionID, "room_id": roomID})

	m.mu.Lock()
	s, ok := m.sessions[sessionID]
	if !ok {
		m.mu.Unlock()
		return ErrUnknownSession
	}
	previous := s.RoomID
	identity := s.Identity
	admit := previous != roomID && m.admitter != nil
	live := 0
	if admit {
		// Reserve a slot so concurrent joins see each other's pending admission.
		live = len(m.members[roomID]) + m.reserved[roomID]
		m.reserved[roomID]++
	}
	m.mu.Unlock()

	if admit {
		if err := m.admitter.Admit(ctx, &identity, roomID, live); err != nil {
			m.release(roomID)
			log.WithError(err).Info("Join refused")
			return err
		}
	}

	if previous != "" && previous != roomID {
		if err := m.Leave(ctx, sessionID, previous); err != nil && !errors.Is(err, ErrNotJoined) {
			if admit {
				m.release(roomID)
			}
			return err
		}
	}

	m.mu.Lock()
	if admit {
		m.releaseLocked(roomID)
	}
	s, ok = m.sessions[sessionID]
	if !ok {
		m.mu.Unlock()
		return ErrUnknownSession
	}
	s.RoomID = roomID
	if m.members[roomID] == nil {
		m.members[roomID] = make(map[string]*Session)
	}
	m.members[roomID][sessionID] = s
	joined := *s
	live = m.liveLocked()
	m.mu.Unlock()
	m.metrics.SetLiveSessions(live)

	m.transport.JoinGroup(sessionID, roomID)
	m.rooms.CancelEviction(roomID)
	if err := m.rooms.EnsureLoaded(ctx, roomID); err != nil {
		_ = m.Leave(context.Background(), sessionID, roomID)
		return err
	}

	// Under the room lock: mutations applied after this point are broadcast
	// to the new member, mutations before it are in the snapshot.
	if err := m.rooms.View(roomID, func(snapshot *core.Snapshot) {
		m.transport.EmitToSession(sessionID, EventInitialState, snapshot.Elements())
	}); err != nil {
		_ = m.Leave(context.Background(), sessionID, roomID)
		return err
	}

	m.transport.EmitToSession(sessionID, EventRoomUsers, m.Members(roomID))
	if previous != roomID {
		m.transport.EmitToGroup(roomID, EventUserJoined, map[string]any{
			"sessionId": sessionID,
			"identity":  joined.Identity,
			"color":     joined.Color,
		}, sessionID)
		m.touch(roomID)
	}

	log.Info("Session joined room")
	return nil
}

func (m *Manager) release(roomID string) {
	m.mu.Lock()
	m.releaseLocked(roomID)
	m.mu.Unlock()
}

func (m *Manager) releaseLocked(roomID string) {
	if m.reserved[roomID] <= 1 {
		delete(m.reserved, roomID)
		return
	}
	m.reserved[roomID]--
}

// Leave unbinds sessionID from roomID. The last session out flushes the
// room and arms its eviction.
func (m *Manager) Leave(ctx context.Context, sessionID, roomID string) error {
	m.mu.Lock()
	s, ok := m.sessions[sessionID]
	if !ok {
		m.mu.Unlock()
		return ErrUnknownSession
	}
	if s.RoomID == "" || s.RoomID != roomID {
		m.mu.Unlock()
		return fmt.Errorf("leave room %s: %w", roomID, ErrNotJoined)
	}
	s.RoomID = ""
	s.Cursor = nil
	delete(m.members[roomID], sessionID)
	remaining := len(m.members[roomID])
	if remaining == 0 {
		delete(m.members, roomID)
	}
	userID := s.Identity.ID
	live := m.liveLocked()
	m.mu.Unlock()
	m.metrics.SetLiveSessions(live)

	log := logrus.WithFields(logrus.Fields{"session_id": sessionID, "room_id": roomID})

	m.transport.LeaveGroup(sessionID, roomID)
	m.transport.EmitToGroup(roomID, EventUserLeft, map[string]any{
		"sessionId": sessionID,
		"userId":    userID,
	}, sessionID)
	m.touch(roomID)

	if remaining == 0 {
		if err := m.flusher.FlushNow(ctx, roomID); err != nil {
			log.WithError(err).Error("Failed to flush emptied room")
		}
		m.rooms.ArmEviction(roomID, m.grace)
		log.Info("Last session left room")
		return nil
	}

	log.Info("Session left room")
	return nil
}

// Disconnect removes sessionID, leaving its room as Leave would.
func (m *Manager) Disconnect(ctx context.Context, sessionID string) {
	if roomID, ok := m.RoomOf(sessionID); ok {
		if err := m.Leave(ctx, sessionID, roomID); err != nil {
			logrus.WithError(err).WithField("session_id", sessionID).Warn("Failed to leave room on disconnect")
		}
	}

	m.mu.Lock()
	delete(m.sessions, sessionID)
	m.mu.Unlock()
	logrus.WithField("session_id", sessionID).Debug("Session disconnected")
}

// UpdateCursor relays cursor to the other sessions of roomID. Cursor events
// are best effort and never persisted.
func (m *Manager) UpdateCursor(sessionID, roomID string, cursor map[string]any) error {
	m.mu.Lock()
	s, ok := m.sessions[sessionID]
	if !ok {
		m.mu.Unlock()
		return ErrUnknownSession
	}
	if s.RoomID == "" || s.RoomID != roomID {
		m.mu.Unlock()
		return fmt.Errorf("cursor in room %s: %w", roomID, ErrNotJoined)
	}
	s.Cursor = cursor
	payload := map[string]any{
		"sessionId": sessionID,
		"userId":    s.Identity.ID,
		"name":      s.Identity.Name,
		"color":     s.Color,
		"cursor":    cursor,
	}
	m.mu.Unlock()

	m.transport.EmitToGroupVolatile(roomID, EventCursorMove, payload, sessionID)
	return nil
}

// RoomOf returns the room sessionID is bound to.
func (m *Manager) RoomOf(sessionID string) (string, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	s, ok := m.sessions[sessionID]
	if !ok || s.RoomID == "" {
		return "", false
	}
	return s.RoomID, true
}

func (m *Manager) Session(sessionID string) (Session, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	s, ok := m.sessions[sessionID]
	if !ok {
		return Session{}, false
	}
	return *s, true
}

// Occupancy returns the number of sessions bound to roomID.
func (m *Manager) Occupancy(roomID string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.members[roomID])
}

// Occupancies returns the live session count of every occupied room.
func (m *Manager) Occupancies() map[string]int {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make(map[string]int, len(m.members))
	for id, members := range m.members {
		out[id] = len(members)
	}
	return out
}

// Members returns the sessions of roomID ordered by session id.
func (m *Manager) Members(roomID string) []Session {
	m.mu.Lock()
	out := make([]Session, 0, len(m.members[roomID]))
	for _, s := range m.members[roomID] {
		out = append(out, *s)
	}
	m.mu.Unlock()

	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// SessionsOf returns the ids of the sessions of userID bound to roomID.
func (m *Manager) SessionsOf(roomID, userID string) []string {
	var ids []string
	for _, s := range m.Members(roomID) {
		if s.Identity.ID == userID {
			ids = append(ids, s.ID)
		}
	}
	return ids
}

func (m *Manager) touch(roomID string) {
	if m.registry == nil {
		return
	}
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := m.registry.TouchRoom(ctx, roomID); err != nil && !errors.Is(err, core.ErrRoomNotFound) {
			logrus.WithError(err).WithField("room_id", roomID).Warn("Failed to record room activity")
		}
	}()
}
