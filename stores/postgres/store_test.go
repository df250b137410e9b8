package postgres

import (
	"bytes"
	"context"
	"errors"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"

	"whiteboard-server/core"
)

func TestRoomRecordConversion(t *testing.T) {
	created := time.Date(2024, 1, 2, 3, 4, 5, 0, time.UTC)
	room := &core.Room{
		ID:                   "r1",
		HostID:               "host",
		Capacity:             4,
		CreatedAt:            created,
		SessionDurationLimit: 15,
		Status:               core.RoomActive,
		LastActive:           42,
	}

	rec := toRecord(room)
	if rec.Participants == nil || len(rec.Participants) != 0 {
		t.Errorf("nil participants should become an empty array, got %#v", rec.Participants)
	}

	back := rec.toRoom()
	if back.ID != room.ID || back.HostID != room.HostID || back.Capacity != 4 ||
		!back.CreatedAt.Equal(created) || back.SessionDurationLimit != 15 ||
		back.Status != core.RoomActive || back.LastActive != 42 {
		t.Errorf("conversion mismatch: %+v", back)
	}

	room.Participants = []string{"alice"}
	rec = toRecord(room)
	room.Participants[0] = "mallory"
	if rec.Participants[0] != "alice" {
		t.Error("toRecord() must copy participants")
	}
}

// openTestStore connects to POSTGRES_TEST_DSN, skipping when it is unset.
func openTestStore(t *testing.T) *Store {
	t.Helper()
	dsn := os.Getenv("POSTGRES_TEST_DSN")
	if dsn == "" {
		t.Skip("POSTGRES_TEST_DSN not set")
	}
	store, err := Open(dsn)
	if err != nil {
		t.Fatalf("Open() failed: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func TestStore_Documents(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()
	roomID := uuid.NewString()

	if _, err := store.FindID(ctx, roomID); !errors.Is(err, core.ErrDocumentNotFound) {
		t.Fatalf("FindID() error mismatch: %v", err)
	}
	_ = store.Save(ctx, roomID, &core.Document{Data: *bytes.NewBufferString("first")})
	if err := store.Save(ctx, roomID, &core.Document{Data: *bytes.NewBufferString("second")}); err != nil {
		t.Fatalf("Save() failed: %v", err)
	}
	doc, err := store.FindID(ctx, roomID)
	if err != nil || doc.Data.String() != "second" {
		t.Fatalf("FindID() = %v, %v", doc, err)
	}
	if err := store.Delete(ctx, roomID); err != nil {
		t.Fatalf("Delete() failed: %v", err)
	}
}

func TestStore_Rooms(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()
	roomID := uuid.NewString()

	if err := store.CreateRoom(ctx, &core.Room{ID: roomID, HostID: "host", CreatedAt: time.Now(), Status: core.RoomActive}); err != nil {
		t.Fatalf("CreateRoom() failed: %v", err)
	}
	if err := store.AddParticipant(ctx, roomID, "alice"); err != nil {
		t.Fatalf("AddParticipant() failed: %v", err)
	}
	_ = store.AddParticipant(ctx, roomID, "alice")
	if err := store.TouchRoom(ctx, roomID); err != nil {
		t.Fatalf("TouchRoom() failed: %v", err)
	}

	room, err := store.GetRoom(ctx, roomID)
	if err != nil {
		t.Fatalf("GetRoom() failed: %v", err)
	}
	if len(room.Participants) != 1 || room.LastActive == 0 {
		t.Errorf("unexpected room: %+v", room)
	}

	changed, err := store.MarkExpired(ctx, roomID)
	if err != nil || !changed {
		t.Fatalf("MarkExpired() = %v, %v", changed, err)
	}
	if changed, _ := store.MarkExpired(ctx, roomID); changed {
		t.Error("MarkExpired() should only transition once")
	}
	if err := store.TouchRoom(ctx, uuid.NewString()); !errors.Is(err, core.ErrRoomNotFound) {
		t.Errorf("TouchRoom() on missing room: %v", err)
	}
}
