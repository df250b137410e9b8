package core

import (
	"bytes"
	"context"
	"errors"
	"time"
)

var (
	ErrDocumentNotFound = errors.New("document not found")
	ErrRoomNotFound     = errors.New("room not found")
)

type RoomStatus string

const (
	RoomActive  RoomStatus = "active"
	RoomExpired RoomStatus = "expired"
)

type (
	// Document is the durable form of a room's elements.
	Document struct {
		Data bytes.Buffer
	}

	// DocumentStore keeps one document per room with upsert semantics.
	DocumentStore interface {
		FindID(ctx context.Context, roomID string) (*Document, error)
		Save(ctx context.Context, roomID string, document *Document) error
		Delete(ctx context.Context, roomID string) error
	}

	// Room is the durable metadata of a room. SessionDurationLimit is in
	// minutes; zero means the room never expires.
	Room struct {
		ID                   string     `json:"id" bson:"_id"`
		HostID               string     `json:"hostId" bson:"host_id"`
		Participants         []string   `json:"participants" bson:"participants"`
		Capacity             int        `json:"capacity" bson:"capacity"`
		CreatedAt            time.Time  `json:"createdAt" bson:"created_at"`
		SessionDurationLimit int        `json:"sessionDurationLimit" bson:"session_duration_limit"`
		Status               RoomStatus `json:"status" bson:"status"`
		LastActive           int64      `json:"lastActive,omitempty" bson:"last_active"`
	}

	RoomRegistry interface {
		CreateRoom(ctx context.Context, room *Room) error
		GetRoom(ctx context.Context, roomID string) (*Room, error)
		ListRooms(ctx context.Context) ([]Room, error)
		TouchRoom(ctx context.Context, roomID string) error
		AddParticipant(ctx context.Context, roomID, userID string) error

		// MarkExpired flips an active room to expired. It reports false when
		// the room was not active.
		MarkExpired(ctx context.Context, roomID string) (bool, error)
	}

	// Store is implemented by every storage backend.
	Store interface {
		DocumentStore
		RoomRegistry
	}
)

// ExpiresAt returns when the room's session limit elapses.
func (r *Room) ExpiresAt() (time.Time, bool) {
	if r.SessionDurationLimit <= 0 {
		return time.Time{}, false
	}
	return r.CreatedAt.Add(time.Duration(r.SessionDurationLimit) * time.Minute), true
}

// IsMember reports whether userID is the host or an invited participant.
func (r *Room) IsMember(userID string) bool {
	if userID == "" {
		return false
	}
	if r.HostID == userID {
		return true
	}
	for _, p := range r.Participants {
		if p == userID {
			return true
		}
	}
	return false
}
