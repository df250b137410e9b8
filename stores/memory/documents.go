package memory

import (
	"bytes"
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"whiteboard-server/core"
)

type documentStore struct {
	mu        sync.RWMutex
	documents map[string][]byte
	rooms     map[string]core.Room
}

func NewDocumentStore() core.Store {
	return &documentStore{
		documents: make(map[string][]byte),
		rooms:     make(map[string]core.Room),
	}
}

func (s *documentStore) FindID(ctx context.Context, roomID string) (*core.Document, error) {
	log := logrus.WithField("room_id", roomID)

	s.mu.RLock()
	data, ok := s.documents[roomID]
	s.mu.RUnlock()

	if !ok {
		log.Debug("Room document not found")
		return nil, fmt.Errorf("document for room %s: %w", roomID, core.ErrDocumentNotFound)
	}

	log.Debug("Room document retrieved successfully")
	return &core.Document{Data: *bytes.NewBuffer(append([]byte(nil), data...))}, nil
}

func (s *documentStore) Save(ctx context.Context, roomID string, document *core.Document) error {
	if roomID == "" {
		return fmt.Errorf("room id is required")
	}
	data := append([]byte(nil), document.Data.Bytes()...)

	s.mu.Lock()
	s.documents[roomID] = data
	s.mu.Unlock()

	logrus.WithFields(logrus.Fields{
		"room_id":     roomID,
		"data_length": len(data),
	}).Debug("Room document saved successfully")
	return nil
}

func (s *documentStore) Delete(ctx context.Context, roomID string) error {
	s.mu.Lock()
	delete(s.documents, roomID)
	s.mu.Unlock()
	return nil
}

func (s *documentStore) CreateRoom(ctx context.Context, room *core.Room) error {
	if room.ID == "" {
		return fmt.Errorf("room id is required")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.rooms[room.ID]; exists {
		return fmt.Errorf("room %s already exists", room.ID)
	}
	s.rooms[room.ID] = copyRoom(*room)
	return nil
}

func (s *documentStore) GetRoom(ctx context.Context, roomID string) (*core.Room, error) {
	s.mu.RLock()
	room, ok := s.rooms[roomID]
	s.mu.RUnlock()

	if !ok {
		return nil, fmt.Errorf("room %s: %w", roomID, core.ErrRoomNotFound)
	}
	room = copyRoom(room)
	return &room, nil
}

func (s *documentStore) TouchRoom(ctx context.Context, roomID string) error {
	if roomID == "" {
		return fmt.Errorf("room id is required")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	room, ok := s.rooms[roomID]
	if !ok {
		return fmt.Errorf("room %s: %w", roomID, core.ErrRoomNotFound)
	}
	room.LastActive = time.Now().UnixMilli()
	s.rooms[roomID] = room
	return nil
}

func (s *documentStore) ListRooms(ctx context.Context) ([]core.Room, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rooms := make([]core.Room, 0, len(s.rooms))
	for _, room := range s.rooms {
		rooms = append(rooms, copyRoom(room))
	}

	sort.Slice(rooms, func(i, j int) bool {
		if rooms[i].LastActive == rooms[j].LastActive {
			return rooms[i].ID < rooms[j].ID
		}
		return rooms[i].LastActive > rooms[j].LastActive
	})

	return rooms, nil
}

func (s *documentStore) AddParticipant(ctx context.Context, roomID, userID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	room, ok := s.rooms[roomID]
	if !ok {
		return fmt.Errorf("room %s: %w", roomID, core.ErrRoomNotFound)
	}
	if room.IsMember(userID) {
		return nil
	}
	room.Participants = append(append([]string(nil), room.Participants...), userID)
	s.rooms[roomID] = room
	return nil
}

func (s *documentStore) MarkExpired(ctx context.Context, roomID string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	room, ok := s.rooms[roomID]
	if !ok {
		return false, fmt.Errorf("room %s: %w", roomID, core.ErrRoomNotFound)
	}
	if room.Status != core.RoomActive {
		return false, nil
	}
	room.Status = core.RoomExpired
	s.rooms[roomID] = room
	return true, nil
}

func copyRoom(room core.Room) core.Room {
	room.Participants = append([]string(nil), room.Participants...)
	return room
}
