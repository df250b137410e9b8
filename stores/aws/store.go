package aws

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"path"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	s3types "github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/sirupsen/logrus"

	"whiteboard-server/core"
)

const (
	documentsPrefix = "documents/"
	roomsPrefix     = "rooms/"
)

// objectAPI is the subset of the S3 client the store uses.
type objectAPI interface {
	GetObject(ctx context.Context, params *s3.GetObjectInput, optFns ...func(*s3.Options)) (*s3.GetObjectOutput, error)
	PutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
	DeleteObject(ctx context.Context, params *s3.DeleteObjectInput, optFns ...func(*s3.Options)) (*s3.DeleteObjectOutput, error)
	ListObjectsV2(ctx context.Context, params *s3.ListObjectsV2Input, optFns ...func(*s3.Options)) (*s3.ListObjectsV2Output, error)
}

type s3Store struct {
	s3Client objectAPI
	bucket   string

	// S3 has no conditional update; room metadata changes are serialized
	// within the owning process.
	mu sync.Mutex
}

// NewStore creates a new S3-based store.
func NewStore(bucketName string) core.Store {
	cfg, err := config.LoadDefaultConfig(context.TODO())
	if err != nil {
		log.Fatalf("unable to load SDK config, %v", err)
	}

	return newStore(s3.NewFromConfig(cfg), bucketName)
}

func newStore(client objectAPI, bucketName string) *s3Store {
	return &s3Store{
		s3Client: client,
		bucket:   bucketName,
	}
}

func objectKey(prefix, id string) (string, error) {
	// It should be a simple name, not a path.
	if id == "" || id == "." || id == ".." || path.Base(id) != id {
		return "", fmt.Errorf("invalid id %q: must not be a path", id)
	}
	return prefix + id + ".json", nil
}

func (s *s3Store) get(ctx context.Context, key string) ([]byte, bool, error) {
	resp, err := s.s3Client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		var nsk *s3types.NoSuchKey
		if errors.As(err, &nsk) {
			return nil, false, nil
		}
		return nil, false, fmt.Errorf("failed to get object %s: %w", key, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, false, fmt.Errorf("failed to read object %s: %w", key, err)
	}
	return data, true, nil
}

func (s *s3Store) put(ctx context.Context, key string, data []byte) error {
	_, err := s.s3Client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(s.bucket),
		Key:         aws.String(key),
		Body:        bytes.NewReader(data),
		ContentType: aws.String("application/json"),
	})
	if err != nil {
		return fmt.Errorf("failed to put object %s: %w", key, err)
	}
	return nil
}

func (s *s3Store) FindID(ctx context.Context, roomID string) (*core.Document, error) {
	key, err := objectKey(documentsPrefix, roomID)
	if err != nil {
		return nil, err
	}

	data, ok, err := s.get(ctx, key)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, fmt.Errorf("document for room %s: %w", roomID, core.ErrDocumentNotFound)
	}
	return &core.Document{Data: *bytes.NewBuffer(data)}, nil
}

func (s *s3Store) Save(ctx context.Context, roomID string, document *core.Document) error {
	key, err := objectKey(documentsPrefix, roomID)
	if err != nil {
		return err
	}

	if err := s.put(ctx, key, document.Data.Bytes()); err != nil {
		return err
	}
	logrus.WithFields(logrus.Fields{
		"room_id":     roomID,
		"data_length": document.Data.Len(),
	}).Debug("Room document uploaded")
	return nil
}

func (s *s3Store) Delete(ctx context.Context, roomID string) error {
	key, err := objectKey(documentsPrefix, roomID)
	if err != nil {
		return err
	}
	_, err = s.s3Client.DeleteObject(ctx, &s3.DeleteObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		return fmt.Errorf("failed to delete document of room %s: %w", roomID, err)
	}
	return nil
}

func (s *s3Store) readRoom(ctx context.Context, roomID string) (*core.Room, error) {
	key, err := objectKey(roomsPrefix, roomID)
	if err != nil {
		return nil, err
	}
	data, ok, err := s.get(ctx, key)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, fmt.Errorf("room %s: %w", roomID, core.ErrRoomNotFound)
	}

	var room core.Room
	if err := json.Unmarshal(data, &room); err != nil {
		return nil, fmt.Errorf("failed to unmarshal room %s: %w", roomID, err)
	}
	return &room, nil
}

func (s *s3Store) writeRoom(ctx context.Context, room *core.Room) error {
	key, err := objectKey(roomsPrefix, room.ID)
	if err != nil {
		return err
	}
	data, err := json.Marshal(room)
	if err != nil {
		return fmt.Errorf("failed to marshal room %s: %w", room.ID, err)
	}
	return s.put(ctx, key, data)
}

func (s *s3Store) CreateRoom(ctx context.Context, room *core.Room) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, err := s.readRoom(ctx, room.ID); err == nil {
		return fmt.Errorf("room %s already exists", room.ID)
	} else if !errors.Is(err, core.ErrRoomNotFound) {
		return err
	}
	return s.writeRoom(ctx, room)
}

func (s *s3Store) GetRoom(ctx context.Context, roomID string) (*core.Room, error) {
	return s.readRoom(ctx, roomID)
}

func (s *s3Store) ListRooms(ctx context.Context) ([]core.Room, error) {
	var rooms []core.Room

	paginator := s3.NewListObjectsV2Paginator(s.s3Client, &s3.ListObjectsV2Input{
		Bucket: aws.String(s.bucket),
		Prefix: aws.String(roomsPrefix),
	})
	for paginator.HasMorePages() {
		page, err := paginator.NextPage(ctx)
		if err != nil {
			return nil, fmt.Errorf("failed to list rooms: %w", err)
		}
		for _, object := range page.Contents {
			id := strings.TrimSuffix(strings.TrimPrefix(aws.ToString(object.Key), roomsPrefix), ".json")
			room, err := s.readRoom(ctx, id)
			if err != nil {
				logrus.WithError(err).Warnf("Failed to read room object %s, skipping", aws.ToString(object.Key))
				continue
			}
			rooms = append(rooms, *room)
		}
	}

	sort.Slice(rooms, func(i, j int) bool {
		if rooms[i].LastActive == rooms[j].LastActive {
			return rooms[i].ID < rooms[j].ID
		}
		return rooms[i].LastActive > rooms[j].LastActive
	})
	return rooms, nil
}

func (s *s3Store) update(ctx context.Context, roomID string, fn func(room *core.Room) bool) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	room, err := s.readRoom(ctx, roomID)
	if err != nil {
		return false, err
	}
	if !fn(room) {
		return false, nil
	}
	return true, s.writeRoom(ctx, room)
}

func (s *s3Store) TouchRoom(ctx context.Context, roomID string) error {
	_, err := s.update(ctx, roomID, func(room *core.Room) bool {
		room.LastActive = time.Now().UnixMilli()
		return true
	})
	return err
}

func (s *s3Store) AddParticipant(ctx context.Context, roomID, userID string) error {
	_, err := s.update(ctx, roomID, func(room *core.Room) bool {
		if room.IsMember(userID) {
			return false
		}
		room.Participants = append(room.Participants, userID)
		return true
	})
	return err
}

func (s *s3Store) MarkExpired(ctx context.Context, roomID string) (bool, error) {
	return s.update(ctx, roomID, func(room *core.Room) bool {
		if room.Status != core.RoomActive {
			return false
		}
		room.Status = core.RoomExpired
		return true
	})
}
