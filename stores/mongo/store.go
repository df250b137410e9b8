// Package mongo implements the document store and room registry using MongoDB.
package mongo

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"go.mongodb.org/mongo-driver/mongo/readpref"

	"whiteboard-server/core"
)

const (
	colDocuments = "documents"
	colRooms     = "rooms"

	connectTimeout = 5 * time.Second
)

type documentRecord struct {
	RoomID    string `bson:"_id"`
	Data      []byte `bson:"data"`
	UpdatedAt int64  `bson:"updated_at"`
}

// Store is a MongoDB backed core.Store.
type Store struct {
	client *mongo.Client
	db     *mongo.Database
}

// Dial connects to the given MongoDB and returns a Store on the database.
func Dial(uri, database string) (*Store, error) {
	ctx, cancel := context.WithTimeout(context.Background(), connectTimeout)
	defer cancel()

	client, err := mongo.Connect(ctx, options.Client().ApplyURI(uri))
	if err != nil {
		return nil, fmt.Errorf("connect to mongo: %w", err)
	}
	if err := client.Ping(ctx, readpref.Primary()); err != nil {
		return nil, fmt.Errorf("ping mongo: %w", err)
	}

	db := client.Database(database)
	if _, err := db.Collection(colRooms).Indexes().CreateOne(ctx, mongo.IndexModel{
		Keys: bson.D{{Key: "last_active", Value: -1}},
	}); err != nil {
		return nil, fmt.Errorf("create rooms index: %w", err)
	}

	logrus.WithField("database", database).Info("MongoDB connected")
	return &Store{client: client, db: db}, nil
}

// Close disconnects the underlying client.
func (s *Store) Close(ctx context.Context) error {
	return s.client.Disconnect(ctx)
}

func (s *Store) FindID(ctx context.Context, roomID string) (*core.Document, error) {
	var rec documentRecord
	err := s.db.Collection(colDocuments).FindOne(ctx, bson.M{"_id": roomID}).Decode(&rec)
	if err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return nil, fmt.Errorf("document for room %s: %w", roomID, core.ErrDocumentNotFound)
		}
		return nil, fmt.Errorf("find document of room %s: %w", roomID, err)
	}
	return &core.Document{Data: *bytes.NewBuffer(rec.Data)}, nil
}

func (s *Store) Save(ctx context.Context, roomID string, document *core.Document) error {
	rec := documentRecord{
		RoomID:    roomID,
		Data:      document.Data.Bytes(),
		UpdatedAt: time.Now().UnixMilli(),
	}
	_, err := s.db.Collection(colDocuments).ReplaceOne(ctx,
		bson.M{"_id": roomID}, rec, options.Replace().SetUpsert(true))
	if err != nil {
		return fmt.Errorf("save document of room %s: %w", roomID, err)
	}

	logrus.WithFields(logrus.Fields{
		"room_id":     roomID,
		"data_length": len(rec.Data),
	}).Debug("Room document saved successfully")
	return nil
}

func (s *Store) Delete(ctx context.Context, roomID string) error {
	if _, err := s.db.Collection(colDocuments).DeleteOne(ctx, bson.M{"_id": roomID}); err != nil {
		return fmt.Errorf("delete document of room %s: %w", roomID, err)
	}
	return nil
}

func (s *Store) CreateRoom(ctx context.Context, room *core.Room) error {
	r := *room
	if r.Participants == nil {
		r.Participants = []string{}
	}
	if _, err := s.db.Collection(colRooms).InsertOne(ctx, r); err != nil {
		if mongo.IsDuplicateKeyError(err) {
			return fmt.Errorf("room %s already exists", room.ID)
		}
		return fmt.Errorf("create room %s: %w", room.ID, err)
	}
	return nil
}

func (s *Store) GetRoom(ctx context.Context, roomID string) (*core.Room, error) {
	var room core.Room
	if err := s.db.Collection(colRooms).FindOne(ctx, bson.M{"_id": roomID}).Decode(&room); err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return nil, fmt.Errorf("room %s: %w", roomID, core.ErrRoomNotFound)
		}
		return nil, fmt.Errorf("find room %s: %w", roomID, err)
	}
	return &room, nil
}

func (s *Store) ListRooms(ctx context.Context) ([]core.Room, error) {
	cursor, err := s.db.Collection(colRooms).Find(ctx, bson.M{},
		options.Find().SetSort(bson.D{{Key: "last_active", Value: -1}, {Key: "_id", Value: 1}}))
	if err != nil {
		return nil, fmt.Errorf("list rooms: %w", err)
	}

	var rooms []core.Room
	if err := cursor.All(ctx, &rooms); err != nil {
		return nil, fmt.Errorf("decode rooms: %w", err)
	}
	return rooms, nil
}

func (s *Store) updateRoom(ctx context.Context, roomID string, update bson.M) error {
	result, err := s.db.Collection(colRooms).UpdateOne(ctx, bson.M{"_id": roomID}, update)
	if err != nil {
		return fmt.Errorf("update room %s: %w", roomID, err)
	}
	if result.MatchedCount == 0 {
		return fmt.Errorf("room %s: %w", roomID, core.ErrRoomNotFound)
	}
	return nil
}

func (s *Store) TouchRoom(ctx context.Context, roomID string) error {
	return s.updateRoom(ctx, roomID, bson.M{"$set": bson.M{"last_active": time.Now().UnixMilli()}})
}

func (s *Store) AddParticipant(ctx context.Context, roomID, userID string) error {
	return s.updateRoom(ctx, roomID, bson.M{"$addToSet": bson.M{"participants": userID}})
}

func (s *Store) MarkExpired(ctx context.Context, roomID string) (bool, error) {
	result, err := s.db.Collection(colRooms).UpdateOne(ctx,
		bson.M{"_id": roomID, "status": core.RoomActive},
		bson.M{"$set": bson.M{"status": core.RoomExpired}})
	if err != nil {
		return false, fmt.Errorf("expire room %s: %w", roomID, err)
	}
	return result.ModifiedCount > 0, nil
}
