package sqlite

import (
	"bytes"
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	stdlog "log"
	"time"

	"github.com/sirupsen/logrus"

	"whiteboard-server/core"
)

type documentStore struct {
	db *sql.DB
}

func NewDocumentStore(dataSourceName string) core.Store {
	db, err := sql.Open(driverName, dataSourceName)
	if err != nil {
		stdlog.Fatal(err)
	}
	// sqlite allows a single writer; serialize through one connection
	db.SetMaxOpenConns(1)

	// Create documents table
	sts := `CREATE TABLE IF NOT EXISTS documents (
		room_id TEXT PRIMARY KEY,
		data BLOB,
		updated_at INTEGER NOT NULL
	);`
	if _, err = db.Exec(sts); err != nil {
		stdlog.Fatal(err)
	}

	// Create rooms table
	roomsTable := `CREATE TABLE IF NOT EXISTS rooms (
		id TEXT PRIMARY KEY,
		host_id TEXT NOT NULL,
		participants TEXT NOT NULL DEFAULT '[]',
		capacity INTEGER NOT NULL DEFAULT 0,
		created_at INTEGER NOT NULL,
		session_duration_limit INTEGER NOT NULL DEFAULT 0,
		status TEXT NOT NULL,
		last_active INTEGER NOT NULL DEFAULT 0
	);`
	if _, err = db.Exec(roomsTable); err != nil {
		stdlog.Fatal(err)
	}

	return &documentStore{db}
}

func (s *documentStore) FindID(ctx context.Context, roomID string) (*core.Document, error) {
	log := logrus.WithField("room_id", roomID)
	log.Debug("Retrieving room document")

	var data []byte
	err := s.db.QueryRowContext(ctx, "SELECT data FROM documents WHERE room_id = ?", roomID).Scan(&data)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			log.Debug("Room document not found")
			return nil, fmt.Errorf("document for room %s: %w", roomID, core.ErrDocumentNotFound)
		}
		log.WithField("error", err).Error("Failed to retrieve room document")
		return nil, err
	}

	log.Debug("Room document retrieved successfully")
	return &core.Document{Data: *bytes.NewBuffer(data)}, nil
}

func (s *documentStore) Save(ctx context.Context, roomID string, document *core.Document) error {
	data := document.Data.Bytes()
	log := logrus.WithFields(logrus.Fields{
		"room_id":     roomID,
		"data_length": len(data),
	})

	_, err := s.db.ExecContext(ctx,
		"INSERT INTO documents (room_id, data, updated_at) VALUES (?, ?, ?) ON CONFLICT(room_id) DO UPDATE SET data = excluded.data, updated_at = excluded.updated_at",
		roomID, data, time.Now().UnixMilli())
	if err != nil {
		log.WithField("error", err).Error("Failed to save room document")
		return err
	}

	log.Debug("Room document saved successfully")
	return nil
}

func (s *documentStore) Delete(ctx context.Context, roomID string) error {
	_, err := s.db.ExecContext(ctx, "DELETE FROM documents WHERE room_id = ?", roomID)
	if err != nil {
		logrus.WithField("room_id", roomID).WithField("error", err).Error("Failed to delete room document")
	}
	return err
}

func (s *documentStore) CreateRoom(ctx context.Context, room *core.Room) error {
	participants, err := json.Marshal(participantsOrEmpty(room.Participants))
	if err != nil {
		return err
	}

	_, err = s.db.ExecContext(ctx,
		"INSERT INTO rooms (id, host_id, participants, capacity, created_at, session_duration_limit, status, last_active) VALUES (?, ?, ?, ?, ?, ?, ?, ?)",
		room.ID, room.HostID, string(participants), room.Capacity, room.CreatedAt.UnixMilli(),
		room.SessionDurationLimit, string(room.Status), room.LastActive)
	if err != nil {
		logrus.WithField("room_id", room.ID).WithField("error", err).Error("Failed to create room")
		return err
	}

	logrus.WithField("room_id", room.ID).Info("Room created successfully")
	return nil
}

const roomColumns = "id, host_id, participants, capacity, created_at, session_duration_limit, status, last_active"

type scanner interface {
	Scan(dest ...any) error
}

func scanRoom(row scanner) (*core.Room, error) {
	var (
		room         core.Room
		participants string
		createdAt    int64
		status       string
	)
	if err := row.Scan(&room.ID, &room.HostID, &participants, &room.Capacity, &createdAt,
		&room.SessionDurationLimit, &status, &room.LastActive); err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(participants), &room.Participants); err != nil {
		return nil, fmt.Errorf("decode participants of room %s: %w", room.ID, err)
	}
	room.CreatedAt = time.UnixMilli(createdAt).UTC()
	room.Status = core.RoomStatus(status)
	return &room, nil
}

func (s *documentStore) GetRoom(ctx context.Context, roomID string) (*core.Room, error) {
	room, err := scanRoom(s.db.QueryRowContext(ctx, "SELECT "+roomColumns+" FROM rooms WHERE id = ?", roomID))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("room %s: %w", roomID, core.ErrRoomNotFound)
		}
		logrus.WithField("room_id", roomID).WithField("error", err).Error("Failed to retrieve room")
		return nil, err
	}
	return room, nil
}

func (s *documentStore) ListRooms(ctx context.Context) ([]core.Room, error) {
	rows, err := s.db.QueryContext(ctx, "SELECT "+roomColumns+" FROM rooms ORDER BY last_active DESC, id ASC")
	if err != nil {
		logrus.WithField("error", err).Error("Failed to list rooms")
		return nil, err
	}
	defer func() {
		if cerr := rows.Close(); cerr != nil {
			logrus.WithError(cerr).Warn("Failed to close room rows")
		}
	}()

	var rooms []core.Room
	for rows.Next() {
		room, err := scanRoom(rows)
		if err != nil {
			logrus.WithField("error", err).Error("Failed to scan room")
			continue
		}
		rooms = append(rooms, *room)
	}
	return rooms, rows.Err()
}

func (s *documentStore) TouchRoom(ctx context.Context, roomID string) error {
	result, err := s.db.ExecContext(ctx, "UPDATE rooms SET last_active = ? WHERE id = ?", time.Now().UnixMilli(), roomID)
	if err != nil {
		return err
	}
	return requireRow(result, roomID)
}

func (s *documentStore) AddParticipant(ctx context.Context, roomID, userID string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	room, err := scanRoom(tx.QueryRowContext(ctx, "SELECT "+roomColumns+" FROM rooms WHERE id = ?", roomID))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return fmt.Errorf("room %s: %w", roomID, core.ErrRoomNotFound)
		}
		return err
	}
	if room.IsMember(userID) {
		return nil
	}

	participants, err := json.Marshal(append(room.Participants, userID))
	if err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx, "UPDATE rooms SET participants = ? WHERE id = ?", string(participants), roomID); err != nil {
		return err
	}
	return tx.Commit()
}

func (s *documentStore) MarkExpired(ctx context.Context, roomID string) (bool, error) {
	result, err := s.db.ExecContext(ctx,
		"UPDATE rooms SET status = ? WHERE id = ? AND status = ?",
		string(core.RoomExpired), roomID, string(core.RoomActive))
	if err != nil {
		logrus.WithField("room_id", roomID).WithField("error", err).Error("Failed to expire room")
		return false, err
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return false, err
	}
	return rows > 0, nil
}

func requireRow(result sql.Result, roomID string) error {
	rows, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 0 {
		return fmt.Errorf("room %s: %w", roomID, core.ErrRoomNotFound)
	}
	return nil
}

func participantsOrEmpty(p []string) []string {
	if p == nil {
		return []string{}
	}
	return p
}
