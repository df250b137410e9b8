package filesystem

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"whiteboard-server/core"
)

const (
	documentsDir = "documents"
	roomsDir     = "rooms"
)

type fsStore struct {
	basePath string

	// guards read-modify-write of room metadata files
	mu sync.Mutex
}

// NewDocumentStore creates a filesystem store rooted at basePath.
func NewDocumentStore(basePath string) core.Store {
	for _, dir := range []string{documentsDir, roomsDir} {
		if err := os.MkdirAll(filepath.Join(basePath, dir), 0755); err != nil {
			log.Fatalf("failed to create base directory: %v", err)
		}
	}
	return &fsStore{basePath: basePath}
}

func (s *fsStore) path(dir, id string) (string, error) {
	if id == "" || id == "." || id == ".." || filepath.Base(id) != id || strings.ContainsAny(id, `/\`) {
		return "", fmt.Errorf("invalid id %q", id)
	}
	return filepath.Join(s.basePath, dir, id+".json"), nil
}

func (s *fsStore) FindID(ctx context.Context, roomID string) (*core.Document, error) {
	filePath, err := s.path(documentsDir, roomID)
	if err != nil {
		return nil, err
	}
	log := logrus.WithFields(logrus.Fields{"room_id": roomID, "file_path": filePath})

	data, err := os.ReadFile(filePath)
	if err != nil {
		if os.IsNotExist(err) {
			log.Debug("Room document not found")
			return nil, fmt.Errorf("document for room %s: %w", roomID, core.ErrDocumentNotFound)
		}
		log.WithError(err).Error("Failed to retrieve room document")
		return nil, err
	}

	log.Debug("Room document retrieved successfully")
	return &core.Document{Data: *bytes.NewBuffer(data)}, nil
}

func (s *fsStore) Save(ctx context.Context, roomID string, document *core.Document) error {
	filePath, err := s.path(documentsDir, roomID)
	if err != nil {
		return err
	}
	log := logrus.WithFields(logrus.Fields{
		"room_id":     roomID,
		"file_path":   filePath,
		"data_length": document.Data.Len(),
	})

	if err := writeFileAtomic(filePath, document.Data.Bytes()); err != nil {
		log.WithError(err).Error("Failed to save room document")
		return err
	}

	log.Debug("Room document saved successfully")
	return nil
}

func (s *fsStore) Delete(ctx context.Context, roomID string) error {
	filePath, err := s.path(documentsDir, roomID)
	if err != nil {
		return err
	}
	if err := os.Remove(filePath); err != nil && !os.IsNotExist(err) {
		logrus.WithField("room_id", roomID).WithError(err).Error("Failed to delete room document")
		return err
	}
	return nil
}

func (s *fsStore) readRoom(roomID string) (*core.Room, error) {
	filePath, err := s.path(roomsDir, roomID)
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(filePath)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("room %s: %w", roomID, core.ErrRoomNotFound)
		}
		return nil, err
	}

	var room core.Room
	if err := json.Unmarshal(data, &room); err != nil {
		return nil, fmt.Errorf("unmarshal room %s: %w", roomID, err)
	}
	return &room, nil
}

func (s *fsStore) writeRoom(room *core.Room) error {
	filePath, err := s.path(roomsDir, room.ID)
	if err != nil {
		return err
	}
	data, err := json.Marshal(room)
	if err != nil {
		return fmt.Errorf("marshal room %s: %w", room.ID, err)
	}
	return writeFileAtomic(filePath, data)
}

func (s *fsStore) CreateRoom(ctx context.Context, room *core.Room) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, err := s.readRoom(room.ID); err == nil {
		return fmt.Errorf("room %s already exists", room.ID)
	}
	return s.writeRoom(room)
}

func (s *fsStore) GetRoom(ctx context.Context, roomID string) (*core.Room, error) {
	return s.readRoom(roomID)
}

func (s *fsStore) ListRooms(ctx context.Context) ([]core.Room, error) {
	dir := filepath.Join(s.basePath, roomsDir)
	files, err := os.ReadDir(dir)
	if err != nil {
		return nil, err
	}

	rooms := make([]core.Room, 0, len(files))
	for _, file := range files {
		if file.IsDir() || !strings.HasSuffix(file.Name(), ".json") {
			continue
		}
		room, err := s.readRoom(strings.TrimSuffix(file.Name(), ".json"))
		if err != nil {
			logrus.WithError(err).Warnf("Failed to read room file %s, skipping", file.Name())
			continue
		}
		rooms = append(rooms, *room)
	}

	sort.Slice(rooms, func(i, j int) bool {
		if rooms[i].LastActive == rooms[j].LastActive {
			return rooms[i].ID < rooms[j].ID
		}
		return rooms[i].LastActive > rooms[j].LastActive
	})
	return rooms, nil
}

func (s *fsStore) update(roomID string, fn func(room *core.Room) bool) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	room, err := s.readRoom(roomID)
	if err != nil {
		return false, err
	}
	if !fn(room) {
		return false, nil
	}
	return true, s.writeRoom(room)
}

func (s *fsStore) TouchRoom(ctx context.Context, roomID string) error {
	_, err := s.update(roomID, func(room *core.Room) bool {
		room.LastActive = time.Now().UnixMilli()
		return true
	})
	return err
}

func (s *fsStore) AddParticipant(ctx context.Context, roomID, userID string) error {
	_, err := s.update(roomID, func(room *core.Room) bool {
		if room.IsMember(userID) {
			return false
		}
		room.Participants = append(room.Participants, userID)
		return true
	})
	return err
}

func (s *fsStore) MarkExpired(ctx context.Context, roomID string) (bool, error) {
	return s.update(roomID, func(room *core.Room) bool {
		if room.Status != core.RoomActive {
			return false
		}
		room.Status = core.RoomExpired
		return true
	})
}

// writeFileAtomic replaces path so readers never observe a partial write.
func writeFileAtomic(path string, data []byte) error {
	tmp, err := os.CreateTemp(filepath.Dir(path), ".tmp-*")
	if err != nil {
		return err
	}
	defer os.Remove(tmp.Name())

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	if err := os.Chmod(tmp.Name(), 0644); err != nil {
		return err
	}
	return os.Rename(tmp.Name(), path)
}
