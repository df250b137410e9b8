// Package mutations validates element operations from sessions, applies
// them to the room state cache and fans them out to the rest of the room.
package mutations

import (
	"errors"
	"fmt"

	"github.com/sirupsen/logrus"

	"whiteboard-server/core"
	"whiteboard-server/metrics"
	"whiteboard-server/presence"
)

// Events exchanged with clients.
const (
	EventAddElement    = "add_element"
	EventUpdateElement = "update_element"
	EventDeleteElement = "delete_element"
)

// Applier is the room state cache.
type Applier interface {
	Apply(roomID string, op core.Operation, after func(changed bool)) (bool, error)
}

type WriteScheduler interface {
	ScheduleWrite(roomID string)
}

// Membership tells which room a session is bound to.
type Membership interface {
	RoomOf(sessionID string) (string, bool)
}

type Broadcaster interface {
	EmitToGroup(roomID, event string, payload any, excludeSessionID string)
}

// Handler serializes mutations per room through the cache: apply, schedule a
// write, and broadcast happen under the room lock, so every session sees a
// room's operations in the order they were applied.
type Handler struct {
	cache     Applier
	scheduler WriteScheduler
	sessions  Membership
	transport Broadcaster
	metrics   *metrics.Metrics
}

func NewHandler(cache Applier, scheduler WriteScheduler, sessions Membership, transport Broadcaster, m *metrics.Metrics) *Handler {
	return &Handler{
		cache:     cache,
		scheduler: scheduler,
		sessions:  sessions,
		transport: transport,
		metrics:   m,
	}
}

func eventOf(kind core.OpKind) string {
	switch kind {
	case core.OpAdd:
		return EventAddElement
	case core.OpUpdate:
		return EventUpdateElement
	default:
		return EventDeleteElement
	}
}

// payloadOf renders op the way clients send it.
func payloadOf(roomID string, op core.Operation) map[string]any {
	switch op.Kind {
	case core.OpAdd:
		return map[string]any{"roomId": roomID, "element": op.Element}
	case core.OpUpdate:
		return map[string]any{"roomId": roomID, "elementId": op.ElementID, "updates": op.Updates}
	default:
		return map[string]any{"roomId": roomID, "elementId": op.ElementID}
	}
}

func (h *Handler) AddElement(sessionID, roomID string, element core.Element) error {
	op := core.AddOp(element)
	return h.Handle(sessionID, roomID, op, payloadOf(roomID, op))
}

func (h *Handler) UpdateElement(sessionID, roomID, elementID string, updates map[string]any) error {
	op := core.UpdateOp(elementID, updates)
	return h.Handle(sessionID, roomID, op, payloadOf(roomID, op))
}

func (h *Handler) DeleteElement(sessionID, roomID, elementID string) error {
	op := core.DeleteOp(elementID)
	return h.Handle(sessionID, roomID, op, payloadOf(roomID, op))
}

// Handle applies op for sessionID and broadcasts payload, as received, to
// the other sessions of roomID. A rejected operation is reported to the
// caller only.
func (h *Handler) Handle(sessionID, roomID string, op core.Operation, payload any) error {
	log := logrus.WithFields(logrus.Fields{
		"session_id": sessionID,
		"room_id":    roomID,
		"op":         op.Kind,
		"element_id": op.ElementID,
	})

	if bound, ok := h.sessions.RoomOf(sessionID); !ok || bound != roomID {
		h.metrics.AddOperationDropped(string(op.Kind), "not_joined")
		log.Warn("Dropped operation from session outside the room")
		return fmt.Errorf("%s in room %s: %w", op.Kind, roomID, presence.ErrNotJoined)
	}

	event := eventOf(op.Kind)
	_, err := h.cache.Apply(roomID, op, func(changed bool) {
		if changed {
			h.scheduler.ScheduleWrite(roomID)
		}
		h.transport.EmitToGroup(roomID, event, payload, sessionID)
	})
	if err != nil {
		reason := "not_resident"
		if errors.Is(err, core.ErrInvalidElement) || errors.Is(err, core.ErrInvalidOperation) {
			reason = "invalid"
		}
		h.metrics.AddOperationDropped(string(op.Kind), reason)
		log.WithError(err).Warn("Dropped operation")
		return err
	}

	h.metrics.AddOperationApplied(string(op.Kind))
	log.Debug("Operation applied")
	return nil
}
