// Package postgres implements the document store and room registry on
// PostgreSQL through GORM.
package postgres

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/lib/pq"
	"github.com/sirupsen/logrus"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	"gorm.io/gorm/logger"

	"whiteboard-server/core"
)

// roomDocument stores the encoded elements of a room.
type roomDocument struct {
	RoomID    string `gorm:"type:varchar(128);primaryKey"`
	Data      []byte `gorm:"type:bytea;not null"`
	UpdatedAt time.Time
}

func (roomDocument) TableName() string {
	return "room_documents"
}

type roomRecord struct {
	ID                   string         `gorm:"type:varchar(128);primaryKey"`
	HostID               string         `gorm:"type:varchar(128);not null"`
	Participants         pq.StringArray `gorm:"type:text[]"`
	Capacity             int            `gorm:"not null;default:0"`
	CreatedAt            time.Time      `gorm:"not null"`
	SessionDurationLimit int            `gorm:"not null;default:0"`
	Status               string         `gorm:"type:varchar(16);not null;index"`
	LastActive           int64          `gorm:"not null;default:0;index"`
}

func (roomRecord) TableName() string {
	return "rooms"
}

func toRecord(room *core.Room) *roomRecord {
	participants := pq.StringArray{}
	participants = append(participants, room.Participants...)
	return &roomRecord{
		ID:                   room.ID,
		HostID:               room.HostID,
		Participants:         participants,
		Capacity:             room.Capacity,
		CreatedAt:            room.CreatedAt,
		SessionDurationLimit: room.SessionDurationLimit,
		Status:               string(room.Status),
		LastActive:           room.LastActive,
	}
}

func (r *roomRecord) toRoom() core.Room {
	return core.Room{
		ID:                   r.ID,
		HostID:               r.HostID,
		Participants:         append([]string{}, r.Participants...),
		Capacity:             r.Capacity,
		CreatedAt:            r.CreatedAt.UTC(),
		SessionDurationLimit: r.SessionDurationLimit,
		Status:               core.RoomStatus(r.Status),
		LastActive:           r.LastActive,
	}
}

// Store is a PostgreSQL backed core.Store.
type Store struct {
	db *gorm.DB
}

// Open connects to PostgreSQL with the given DSN and migrates the schema.
func Open(dsn string) (*Store, error) {
	db, err := gorm.Open(postgres.Open(dsn), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Warn),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}
	return New(db)
}

// New wraps an open GORM handle.
func New(db *gorm.DB) (*Store, error) {
	if err := db.AutoMigrate(&roomDocument{}, &roomRecord{}); err != nil {
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}
	logrus.Info("Database connected and migrated successfully")
	return &Store{db: db}, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

func (s *Store) FindID(ctx context.Context, roomID string) (*core.Document, error) {
	var doc roomDocument
	if err := s.db.WithContext(ctx).First(&doc, "room_id = ?", roomID).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, fmt.Errorf("document for room %s: %w", roomID, core.ErrDocumentNotFound)
		}
		return nil, fmt.Errorf("failed to get document: %w", err)
	}
	return &core.Document{Data: *bytes.NewBuffer(doc.Data)}, nil
}

func (s *Store) Save(ctx context.Context, roomID string, document *core.Document) error {
	doc := &roomDocument{
		RoomID:    roomID,
		Data:      document.Data.Bytes(),
		UpdatedAt: time.Now(),
	}
	err := s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "room_id"}},
		DoUpdates: clause.AssignmentColumns([]string{"data", "updated_at"}),
	}).Create(doc).Error
	if err != nil {
		return fmt.Errorf("failed to save document: %w", err)
	}

	logrus.WithFields(logrus.Fields{
		"room_id":     roomID,
		"data_length": len(doc.Data),
	}).Debug("Room document saved successfully")
	return nil
}

func (s *Store) Delete(ctx context.Context, roomID string) error {
	if err := s.db.WithContext(ctx).Delete(&roomDocument{}, "room_id = ?", roomID).Error; err != nil {
		return fmt.Errorf("failed to delete document: %w", err)
	}
	return nil
}

func (s *Store) CreateRoom(ctx context.Context, room *core.Room) error {
	if err := s.db.WithContext(ctx).Create(toRecord(room)).Error; err != nil {
		return fmt.Errorf("failed to create room: %w", err)
	}
	return nil
}

func (s *Store) GetRoom(ctx context.Context, roomID string) (*core.Room, error) {
	var rec roomRecord
	if err := s.db.WithContext(ctx).First(&rec, "id = ?", roomID).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, fmt.Errorf("room %s: %w", roomID, core.ErrRoomNotFound)
		}
		return nil, fmt.Errorf("failed to get room: %w", err)
	}
	room := rec.toRoom()
	return &room, nil
}

func (s *Store) ListRooms(ctx context.Context) ([]core.Room, error) {
	var recs []roomRecord
	if err := s.db.WithContext(ctx).Order("last_active DESC").Order("id ASC").Find(&recs).Error; err != nil {
		return nil, fmt.Errorf("failed to list rooms: %w", err)
	}

	rooms := make([]core.Room, 0, len(recs))
	for i := range recs {
		rooms = append(rooms, recs[i].toRoom())
	}
	return rooms, nil
}

func (s *Store) TouchRoom(ctx context.Context, roomID string) error {
	result := s.db.WithContext(ctx).Model(&roomRecord{}).
		Where("id = ?", roomID).
		Update("last_active", time.Now().UnixMilli())
	if result.Error != nil {
		return fmt.Errorf("failed to touch room: %w", result.Error)
	}
	if result.RowsAffected == 0 {
		return fmt.Errorf("room %s: %w", roomID, core.ErrRoomNotFound)
	}
	return nil
}

func (s *Store) AddParticipant(ctx context.Context, roomID, userID string) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var rec roomRecord
		if err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).First(&rec, "id = ?", roomID).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return fmt.Errorf("room %s: %w", roomID, core.ErrRoomNotFound)
			}
			return err
		}

		room := rec.toRoom()
		if room.IsMember(userID) {
			return nil
		}
		return tx.Model(&rec).Update("participants", append(rec.Participants, userID)).Error
	})
}

func (s *Store) MarkExpired(ctx context.Context, roomID string) (bool, error) {
	result := s.db.WithContext(ctx).Model(&roomRecord{}).
		Where("id = ? AND status = ?", roomID, string(core.RoomActive)).
		Update("status", string(core.RoomExpired))
	if result.Error != nil {
		return false, fmt.Errorf("failed to expire room: %w", result.Error)
	}
	return result.RowsAffected > 0, nil
}
