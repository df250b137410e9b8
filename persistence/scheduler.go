// Package persistence writes resident room snapshots back to the durable
// store, coalescing bursts of mutations into one write per window.
package persistence

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"whiteboard-server/core"
	"whiteboard-server/metrics"
	"whiteboard-server/rooms"
)

const (
	DefaultDebounce     = 5 * time.Second
	DefaultWriteTimeout = 10 * time.Second
	DefaultRetries      = 3

	flushAllConcurrency = 8
)

// Source provides the current state of resident rooms.
type Source interface {
	Snapshot(roomID string) (*core.Snapshot, error)
	Rooms() []string
}

type Option func(*Scheduler)

func WithDebounce(d time.Duration) Option {
	return func(s *Scheduler) { s.debounce = d }
}

func WithWriteTimeout(d time.Duration) Option {
	return func(s *Scheduler) { s.writeTimeout = d }
}

// WithRetries sets how many times a failed write is retried automatically.
// Zero leaves retrying to the next mutation.
func WithRetries(n int) Option {
	return func(s *Scheduler) { s.retries = n }
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(s *Scheduler) { s.metrics = m }
}

type writeLock struct {
	mu   sync.Mutex
	refs int
}

// Scheduler owns at most one pending write per room.
type Scheduler struct {
	store        core.DocumentStore
	source       Source
	debounce     time.Duration
	writeTimeout time.Duration
	retries      int
	metrics      *metrics.Metrics

	mu      sync.Mutex
	pending map[string]*time.Timer
	// failed counts consecutive failed writes of a room; a room is dirty
	// while it has an entry.
	failed  map[string]int
	writing map[string]*writeLock
	stopped bool
}

func NewScheduler(store core.DocumentStore, source Source, opts ...Option) *Scheduler {
	s := &Scheduler{
		store:        store,
		source:       source,
		debounce:     DefaultDebounce,
		writeTimeout: DefaultWriteTimeout,
		retries:      DefaultRetries,
		pending:      make(map[string]*time.Timer),
		failed:       make(map[string]int),
		writing:      make(map[string]*writeLock),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// ScheduleWrite makes sure roomID is written once the debounce window
// elapses. Calls while a write is pending are coalesced into it.
func (s *Scheduler) ScheduleWrite(roomID string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.stopped {
		return
	}
	if _, ok := s.pending[roomID]; ok {
		return
	}
	s.pending[roomID] = time.AfterFunc(s.debounce, func() { s.fire(roomID) })
}

func (s *Scheduler) fire(roomID string) {
	s.mu.Lock()
	delete(s.pending, roomID)
	s.mu.Unlock()

	_ = s.flush(context.Background(), roomID)
}

// FlushNow writes the current snapshot of roomID immediately. A pending
// debounced write is left in place.
func (s *Scheduler) FlushNow(ctx context.Context, roomID string) error {
	return s.flush(ctx, roomID)
}

func (s *Scheduler) flush(ctx context.Context, roomID string) error {
	err := s.write(ctx, roomID)
	if err == nil {
		return nil
	}

	s.mu.Lock()
	attempts := s.failed[roomID]
	s.mu.Unlock()

	log := logrus.WithFields(logrus.Fields{"room_id": roomID, "attempt": attempts})
	if attempts <= s.retries {
		log.WithError(err).Warn("Room write failed, retrying")
		s.ScheduleWrite(roomID)
	} else {
		log.WithError(err).Error("Room write failed, waiting for the next mutation")
	}
	return err
}

func (s *Scheduler) lockRoom(roomID string) func() {
	s.mu.Lock()
	l, ok := s.writing[roomID]
	if !ok {
		l = &writeLock{}
		s.writing[roomID] = l
	}
	l.refs++
	s.mu.Unlock()

	l.mu.Lock()
	return func() {
		l.mu.Unlock()
		s.mu.Lock()
		l.refs--
		if l.refs == 0 {
			delete(s.writing, roomID)
		}
		s.mu.Unlock()
	}
}

// write stores the snapshot of roomID as it is when the write starts.
// Writes of one room are serialized so a later write always carries a
// newer snapshot.
func (s *Scheduler) write(ctx context.Context, roomID string) error {
	unlock := s.lockRoom(roomID)
	defer unlock()

	log := logrus.WithField("room_id", roomID)

	snapshot, err := s.source.Snapshot(roomID)
	if errors.Is(err, rooms.ErrNotResident) {
		// Evicted rooms were flushed before eviction.
		s.mu.Lock()
		delete(s.failed, roomID)
		s.mu.Unlock()
		log.Debug("Room no longer resident, write skipped")
		return nil
	}
	if err != nil {
		return err
	}

	doc, err := snapshot.Encode()
	if err != nil {
		return fmt.Errorf("encode room %s: %w", roomID, err)
	}

	ctx, cancel := context.WithTimeout(ctx, s.writeTimeout)
	defer cancel()

	start := time.Now()
	err = s.store.Save(ctx, roomID, doc)
	s.metrics.ObserveWrite(time.Since(start).Seconds(), err != nil)

	s.mu.Lock()
	if err != nil {
		s.failed[roomID]++
	} else {
		delete(s.failed, roomID)
	}
	s.mu.Unlock()

	if err != nil {
		return fmt.Errorf("save room %s: %w", roomID, err)
	}
	log.WithFields(logrus.Fields{
		"elements":    snapshot.Len(),
		"data_length": doc.Data.Len(),
	}).Debug("Room flushed")
	return nil
}

// Dirty reports whether the last write of roomID failed.
func (s *Scheduler) Dirty(roomID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.failed[roomID]
	return ok
}

// Pending reports whether a debounced write of roomID is armed.
func (s *Scheduler) Pending(roomID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.pending[roomID]
	return ok
}

// EnsureFlushed retries the write of a dirty room and reports whether the
// room's state is durable.
func (s *Scheduler) EnsureFlushed(roomID string) bool {
	if !s.Dirty(roomID) {
		return true
	}
	return s.write(context.Background(), roomID) == nil
}

// FlushAll stops pending timers and writes every resident room. It is used
// at shutdown; later ScheduleWrite calls are ignored.
func (s *Scheduler) FlushAll(ctx context.Context) error {
	s.mu.Lock()
	s.stopped = true
	for id, t := range s.pending {
		t.Stop()
		delete(s.pending, id)
	}
	s.mu.Unlock()

	// One failing room must not stop the others from being written.
	var g errgroup.Group
	g.SetLimit(flushAllConcurrency)
	for _, roomID := range s.source.Rooms() {
		roomID := roomID
		g.Go(func() error {
			return s.write(ctx, roomID)
		})
	}
	if err := g.Wait(); err != nil {
		return fmt.Errorf("flush all rooms: %w", err)
	}
	logrus.Info("All rooms flushed")
	return nil
}
