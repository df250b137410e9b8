// Package access decides who may join a room and relays join requests
// between would-be participants and the room's host.
package access

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/oklog/ulid/v2"
	"github.com/sirupsen/logrus"

	"whiteboard-server/auth"
	"whiteboard-server/core"
	"whiteboard-server/metrics"
)

var (
	ErrRoomFull         = errors.New("room is full")
	ErrNotInvited       = errors.New("not a participant of the room")
	ErrRoomExpired      = errors.New("room session has expired")
	ErrRequestNotFound  = errors.New("join request not found")
	ErrNotHost          = errors.New("only the host may resolve join requests")
	ErrHostNotConnected = errors.New("host is not connected")
)

// Events of the join-request relay.
const (
	EventJoinRequest         = "join_request"
	EventJoinRequestResolved = "join_request_resolved"
)

// Checker admits identities into rooms according to room metadata. A nil
// registry admits everyone.
type Checker struct {
	registry core.RoomRegistry
	metrics  *metrics.Metrics
}

func NewChecker(registry core.RoomRegistry, m *metrics.Metrics) *Checker {
	return &Checker{registry: registry, metrics: m}
}

// CanJoin reports whether identity may join room which already holds live
// sessions.
func CanJoin(identity *auth.Identity, room *core.Room, live int) error {
	if room.Status != core.RoomActive {
		return fmt.Errorf("room %s: %w", room.ID, ErrRoomExpired)
	}
	if !room.IsMember(identity.ID) {
		return fmt.Errorf("room %s: %w", room.ID, ErrNotInvited)
	}
	if room.Capacity > 0 && live >= room.Capacity {
		return fmt.Errorf("room %s holds %d of %d: %w", room.ID, live, room.Capacity, ErrRoomFull)
	}
	return nil
}

// Admit loads roomID and applies CanJoin.
func (c *Checker) Admit(ctx context.Context, identity *auth.Identity, roomID string, live int) error {
	if c == nil || c.registry == nil {
		return nil
	}

	room, err := c.registry.GetRoom(ctx, roomID)
	if err != nil {
		if errors.Is(err, core.ErrRoomNotFound) {
			c.metrics.AddJoinRejected("not_found")
		}
		return err
	}
	if err := CanJoin(identity, room, live); err != nil {
		c.metrics.AddJoinRejected(reason(err))
		return err
	}
	return nil
}

func reason(err error) string {
	switch {
	case errors.Is(err, ErrRoomExpired):
		return "expired"
	case errors.Is(err, ErrNotInvited):
		return "not_invited"
	case errors.Is(err, ErrRoomFull):
		return "full"
	default:
		return "other"
	}
}

// SessionEmitter delivers an event to a single session.
type SessionEmitter interface {
	EmitToSession(sessionID, event string, payload any)
}

// SessionDirectory finds the sessions a user has bound to a room.
type SessionDirectory interface {
	SessionsOf(roomID, userID string) []string
}

type pendingRequest struct {
	ID        string
	RoomID    string
	SessionID string
	Identity  auth.Identity
}

// Relay forwards join requests to the host sessions of a room and their
// answers back to the requester. Requests are kept in memory only.
type Relay struct {
	registry  core.RoomRegistry
	emitter   SessionEmitter
	directory SessionDirectory

	mu      sync.Mutex
	pending map[string]*pendingRequest
}

func NewRelay(registry core.RoomRegistry, emitter SessionEmitter, directory SessionDirectory) *Relay {
	return &Relay{
		registry:  registry,
		emitter:   emitter,
		directory: directory,
		pending:   make(map[string]*pendingRequest),
	}
}

// Request asks the host of roomID to admit identity, which is connected as
// sessionID. It returns the request id.
func (r *Relay) Request(ctx context.Context, sessionID string, identity auth.Identity, roomID string) (string, error) {
	room, err := r.registry.GetRoom(ctx, roomID)
	if err != nil {
		return "", err
	}
	if room.Status != core.RoomActive {
		return "", fmt.Errorf("room %s: %w", roomID, ErrRoomExpired)
	}

	hosts := r.directory.SessionsOf(roomID, room.HostID)
	if len(hosts) == 0 {
		return "", fmt.Errorf("room %s: %w", roomID, ErrHostNotConnected)
	}

	req := &pendingRequest{
		ID:        ulid.Make().String(),
		RoomID:    roomID,
		SessionID: sessionID,
		Identity:  identity,
	}
	r.mu.Lock()
	r.pending[req.ID] = req
	r.mu.Unlock()

	payload := map[string]any{
		"requestId": req.ID,
		"roomId":    roomID,
		"sessionId": sessionID,
		"identity":  identity,
	}
	for _, host := range hosts {
		r.emitter.EmitToSession(host, EventJoinRequest, payload)
	}

	logrus.WithFields(logrus.Fields{
		"request_id": req.ID,
		"room_id":    roomID,
		"user_id":    identity.ID,
	}).Info("Join request relayed to host")
	return req.ID, nil
}

// Resolve answers requestID on behalf of host. Approval adds the requester
// to the room's participants.
func (r *Relay) Resolve(ctx context.Context, host auth.Identity, requestID string, approved bool) error {
	r.mu.Lock()
	req, ok := r.pending[requestID]
	r.mu.Unlock()
	if !ok {
		return fmt.Errorf("request %s: %w", requestID, ErrRequestNotFound)
	}

	room, err := r.registry.GetRoom(ctx, req.RoomID)
	if err != nil {
		return err
	}
	if room.HostID != host.ID {
		return fmt.Errorf("room %s: %w", req.RoomID, ErrNotHost)
	}

	if approved {
		if err := r.registry.AddParticipant(ctx, req.RoomID, req.Identity.ID); err != nil {
			return fmt.Errorf("add participant: %w", err)
		}
	}

	r.mu.Lock()
	_, ok = r.pending[requestID]
	delete(r.pending, requestID)
	r.mu.Unlock()
	if !ok {
		// The requester went away while this was being resolved.
		return nil
	}

	r.emitter.EmitToSession(req.SessionID, EventJoinRequestResolved, map[string]any{
		"requestId": requestID,
		"roomId":    req.RoomID,
		"approved":  approved,
	})

	logrus.WithFields(logrus.Fields{
		"request_id": requestID,
		"room_id":    req.RoomID,
		"approved":   approved,
	}).Info("Join request resolved")
	return nil
}

// Forget drops the pending requests of sessionID.
func (r *Relay) Forget(sessionID string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	for id, req := range r.pending {
		if req.SessionID == sessionID {
			delete(r.pending, id)
		}
	}
}

// Pending returns the number of unresolved requests.
func (r *Relay) Pending() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.pending)
}
