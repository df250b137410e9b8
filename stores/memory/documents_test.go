package memory

import (
	"bytes"
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"whiteboard-server/core"
)

func TestNewDocumentStore(t *testing.T) {
	store := NewDocumentStore()
	if store == nil {
		t.Fatal("NewDocumentStore() returned nil")
	}
}

func TestSave_Success(t *testing.T) {
	store := NewDocumentStore()
	ctx := context.Background()

	testData := `{"lines":[{"id":"a","category":"lines"}]}`
	doc := &core.Document{
		Data: *bytes.NewBufferString(testData),
	}

	if err := store.Save(ctx, "room-1", doc); err != nil {
		t.Fatalf("Save() failed: %v", err)
	}

	retrieved, err := store.FindID(ctx, "room-1")
	if err != nil {
		t.Fatalf("FindID() failed: %v", err)
	}

	if retrieved.Data.String() != testData {
		t.Errorf("FindID() data mismatch: got %q, want %q", retrieved.Data.String(), testData)
	}
}

func TestSave_Upsert(t *testing.T) {
	store := NewDocumentStore()
	ctx := context.Background()

	for _, data := range []string{"first", "second"} {
		if err := store.Save(ctx, "room-1", &core.Document{Data: *bytes.NewBufferString(data)}); err != nil {
			t.Fatalf("Save() failed: %v", err)
		}
	}

	retrieved, err := store.FindID(ctx, "room-1")
	if err != nil {
		t.Fatalf("FindID() failed: %v", err)
	}
	if retrieved.Data.String() != "second" {
		t.Errorf("Save() did not overwrite: got %q", retrieved.Data.String())
	}
}

func TestSave_EmptyRoomID(t *testing.T) {
	store := NewDocumentStore()
	if err := store.Save(context.Background(), "", &core.Document{}); err == nil {
		t.Error("Save() should fail for empty room id")
	}
}

func TestSave_LargeDocument(t *testing.T) {
	store := NewDocumentStore()
	ctx := context.Background()

	largeData := strings.Repeat("x", 1024*1024)
	if err := store.Save(ctx, "big", &core.Document{Data: *bytes.NewBufferString(largeData)}); err != nil {
		t.Fatalf("Save() failed for large document: %v", err)
	}

	retrieved, err := store.FindID(ctx, "big")
	if err != nil {
		t.Fatalf("FindID() failed: %v", err)
	}
	if retrieved.Data.Len() != len(largeData) {
		t.Errorf("Retrieved document size mismatch: got %d, want %d", retrieved.Data.Len(), len(largeData))
	}
}

func TestSave_CopiesData(t *testing.T) {
	store := NewDocumentStore()
	ctx := context.Background()

	doc := &core.Document{Data: *bytes.NewBufferString("original")}
	if err := store.Save(ctx, "room-1", doc); err != nil {
		t.Fatalf("Save() failed: %v", err)
	}
	doc.Data.Reset()
	doc.Data.WriteString("mutated")

	retrieved, _ := store.FindID(ctx, "room-1")
	if retrieved.Data.String() != "original" {
		t.Errorf("stored document aliased caller buffer: got %q", retrieved.Data.String())
	}
}

func TestFindID_NotFound(t *testing.T) {
	store := NewDocumentStore()

	_, err := store.FindID(context.Background(), "nonexistent-id")
	if !errors.Is(err, core.ErrDocumentNotFound) {
		t.Errorf("FindID() error mismatch: got %v, want ErrDocumentNotFound", err)
	}
}

func TestDelete(t *testing.T) {
	store := NewDocumentStore()
	ctx := context.Background()

	_ = store.Save(ctx, "room-1", &core.Document{Data: *bytes.NewBufferString("x")})
	if err := store.Delete(ctx, "room-1"); err != nil {
		t.Fatalf("Delete() failed: %v", err)
	}
	if _, err := store.FindID(ctx, "room-1"); !errors.Is(err, core.ErrDocumentNotFound) {
		t.Errorf("document still present after Delete(): %v", err)
	}
	if err := store.Delete(ctx, "room-1"); err != nil {
		t.Errorf("Delete() of missing document should succeed: %v", err)
	}
}

func TestConcurrentReadWrite(t *testing.T) {
	store := NewDocumentStore()
	ctx := context.Background()

	var wg sync.WaitGroup
	for i := 0; i < 5; i++ {
		wg.Add(1)
		go func(index int) {
			defer wg.Done()
			for j := 0; j < 10; j++ {
				data := "writer-" + string(rune('0'+index))
				if err := store.Save(ctx, "shared", &core.Document{Data: *bytes.NewBufferString(data)}); err != nil {
					t.Errorf("Concurrent Save() failed: %v", err)
				}
				if _, err := store.FindID(ctx, "shared"); err != nil {
					t.Errorf("Concurrent FindID() failed: %v", err)
				}
			}
		}(i)
	}
	wg.Wait()
}

func newRoom(id string) *core.Room {
	return &core.Room{
		ID:                   id,
		HostID:               "host",
		Capacity:             4,
		CreatedAt:            time.Now(),
		SessionDurationLimit: 60,
		Status:               core.RoomActive,
	}
}

func TestCreateRoom(t *testing.T) {
	store := NewDocumentStore()
	ctx := context.Background()

	if err := store.CreateRoom(ctx, newRoom("r1")); err != nil {
		t.Fatalf("CreateRoom() failed: %v", err)
	}
	if err := store.CreateRoom(ctx, newRoom("r1")); err == nil {
		t.Error("CreateRoom() should reject duplicate ids")
	}

	room, err := store.GetRoom(ctx, "r1")
	if err != nil {
		t.Fatalf("GetRoom() failed: %v", err)
	}
	if room.HostID != "host" || room.Status != core.RoomActive {
		t.Errorf("GetRoom() returned unexpected room: %+v", room)
	}

	if _, err := store.GetRoom(ctx, "missing"); !errors.Is(err, core.ErrRoomNotFound) {
		t.Errorf("GetRoom() error mismatch: got %v", err)
	}
}

func TestAddParticipant(t *testing.T) {
	store := NewDocumentStore()
	ctx := context.Background()
	_ = store.CreateRoom(ctx, newRoom("r1"))

	for i := 0; i < 2; i++ {
		if err := store.AddParticipant(ctx, "r1", "alice"); err != nil {
			t.Fatalf("AddParticipant() failed: %v", err)
		}
	}

	room, _ := store.GetRoom(ctx, "r1")
	if len(room.Participants) != 1 || room.Participants[0] != "alice" {
		t.Errorf("participants mismatch: %v", room.Participants)
	}

	if err := store.AddParticipant(ctx, "missing", "alice"); !errors.Is(err, core.ErrRoomNotFound) {
		t.Errorf("AddParticipant() on missing room: got %v", err)
	}
}

func TestMarkExpired(t *testing.T) {
	store := NewDocumentStore()
	ctx := context.Background()
	_ = store.CreateRoom(ctx, newRoom("r1"))

	changed, err := store.MarkExpired(ctx, "r1")
	if err != nil || !changed {
		t.Fatalf("first MarkExpired() = %v, %v; want true, nil", changed, err)
	}

	changed, err = store.MarkExpired(ctx, "r1")
	if err != nil || changed {
		t.Errorf("second MarkExpired() = %v, %v; want false, nil", changed, err)
	}

	room, _ := store.GetRoom(ctx, "r1")
	if room.Status != core.RoomExpired {
		t.Errorf("status mismatch: got %s", room.Status)
	}
}

func TestListRooms_SortedByLastActive(t *testing.T) {
	store := NewDocumentStore()
	ctx := context.Background()

	for _, id := range []string{"a", "b", "c"} {
		_ = store.CreateRoom(ctx, newRoom(id))
	}
	time.Sleep(2 * time.Millisecond)
	if err := store.TouchRoom(ctx, "b"); err != nil {
		t.Fatalf("TouchRoom() failed: %v", err)
	}

	rooms, err := store.ListRooms(ctx)
	if err != nil {
		t.Fatalf("ListRooms() failed: %v", err)
	}
	if len(rooms) != 3 {
		t.Fatalf("expected 3 rooms, got %d", len(rooms))
	}
	if rooms[0].ID != "b" || rooms[1].ID != "a" || rooms[2].ID != "c" {
		t.Errorf("unexpected order: %s %s %s", rooms[0].ID, rooms[1].ID, rooms[2].ID)
	}
}

func TestGetRoom_ReturnsCopy(t *testing.T) {
	store := NewDocumentStore()
	ctx := context.Background()
	room := newRoom("r1")
	room.Participants = []string{"alice"}
	_ = store.CreateRoom(ctx, room)

	got, _ := store.GetRoom(ctx, "r1")
	got.Participants[0] = "mallory"

	again, _ := store.GetRoom(ctx, "r1")
	if again.Participants[0] != "alice" {
		t.Errorf("GetRoom() leaked internal state: %v", again.Participants)
	}
}
