// Package rooms holds the authoritative in-memory state of active rooms.
//
// A room becomes resident on its first EnsureLoaded and stays resident until
// its eviction timer fires. Operations on one room are serialized by a
// per-room lock; distinct rooms never contend beyond a short registry lock.
package rooms

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/singleflight"

	"whiteboard-server/core"
	"whiteboard-server/metrics"
)

var ErrNotResident = errors.New("room not resident")

const defaultLoadTimeout = 10 * time.Second

type room struct {
	mu       sync.Mutex
	snapshot *core.Snapshot
}

type evictTimer struct {
	timer *time.Timer
	gen   uint64
	grace time.Duration
}

// Option configures a Cache.
type Option func(*Cache)

// WithLoadTimeout bounds a durable load.
func WithLoadTimeout(d time.Duration) Option {
	return func(c *Cache) { c.loadTimeout = d }
}

// WithOccupancy lets eviction check how many sessions are live in a room.
// A room with live sessions is never evicted.
func WithOccupancy(fn func(roomID string) int) Option {
	return func(c *Cache) { c.occupancy = fn }
}

// WithFlushCheck lets eviction confirm a room's state is durable. When fn
// reports false the eviction is postponed by another grace period.
func WithFlushCheck(fn func(roomID string) bool) Option {
	return func(c *Cache) { c.flushed = fn }
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(c *Cache) { c.metrics = m }
}

// Cache is the registry of resident rooms.
type Cache struct {
	store       core.DocumentStore
	loadTimeout time.Duration
	occupancy   func(roomID string) int
	flushed     func(roomID string) bool
	metrics     *metrics.Metrics

	loads singleflight.Group

	mu     sync.Mutex
	rooms  map[string]*room
	timers map[string]*evictTimer
	gen    uint64
	closed bool
}

func NewCache(store core.DocumentStore, opts ...Option) *Cache {
	c := &Cache{
		store:       store,
		loadTimeout: defaultLoadTimeout,
		rooms:       make(map[string]*room),
		timers:      make(map[string]*evictTimer),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

func (c *Cache) get(roomID string) *room {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.rooms[roomID]
}

// EnsureLoaded makes roomID resident. Concurrent calls for the same room
// share one durable load. A load failure is not returned: the room starts
// empty. An error is returned only when ctx ends before the load does.
func (c *Cache) EnsureLoaded(ctx context.Context, roomID string) error {
	if roomID == "" {
		return fmt.Errorf("%w: empty room id", core.ErrInvalidOperation)
	}
	if c.get(roomID) != nil {
		return nil
	}

	ch := c.loads.DoChan(roomID, func() (any, error) {
		c.load(roomID)
		return nil, nil
	})
	select {
	case <-ch:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// load runs detached from any single caller so that one caller giving up
// does not fail the others waiting on the same load.
func (c *Cache) load(roomID string) {
	if c.get(roomID) != nil {
		return
	}
	log := logrus.WithField("room_id", roomID)

	ctx, cancel := context.WithTimeout(context.Background(), c.loadTimeout)
	defer cancel()

	snapshot := core.NewSnapshot()
	failed := false
	doc, err := c.store.FindID(ctx, roomID)
	switch {
	case errors.Is(err, core.ErrDocumentNotFound):
		log.Debug("No stored document, starting empty")
	case err != nil:
		failed = true
		log.WithError(err).Warn("Failed to load room, starting empty")
	default:
		decoded, err := core.DecodeSnapshot(doc)
		if err != nil {
			failed = true
			log.WithError(err).Warn("Stored document is corrupt, starting empty")
		} else {
			snapshot = decoded
		}
	}
	c.metrics.AddLoad(failed)

	c.mu.Lock()
	if _, ok := c.rooms[roomID]; !ok {
		c.rooms[roomID] = &room{snapshot: snapshot}
	}
	resident := len(c.rooms)
	c.mu.Unlock()

	c.metrics.SetResidentRooms(resident)
	log.WithField("elements", snapshot.Len()).Info("Room loaded")
}

// Apply applies op to the resident snapshot of roomID. When after is not
// nil it runs under the room lock once op is applied, so that whatever it
// publishes is ordered like the operations themselves.
func (c *Cache) Apply(roomID string, op core.Operation, after func(changed bool)) (bool, error) {
	r := c.get(roomID)
	if r == nil {
		return false, fmt.Errorf("apply to room %s: %w", roomID, ErrNotResident)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	changed, err := r.snapshot.Apply(op)
	if err != nil {
		return false, err
	}
	if after != nil {
		after(changed)
	}
	return changed, nil
}

// View calls fn with the resident snapshot under the room lock. fn must not
// retain or modify the snapshot.
func (c *Cache) View(roomID string, fn func(snapshot *core.Snapshot)) error {
	r := c.get(roomID)
	if r == nil {
		return fmt.Errorf("view room %s: %w", roomID, ErrNotResident)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	fn(r.snapshot)
	return nil
}

// Snapshot returns a copy of the resident snapshot of roomID.
func (c *Cache) Snapshot(roomID string) (*core.Snapshot, error) {
	var clone *core.Snapshot
	if err := c.View(roomID, func(s *core.Snapshot) { clone = s.Clone() }); err != nil {
		return nil, err
	}
	return clone, nil
}

// Reset empties the resident snapshot of roomID, if any.
func (c *Cache) Reset(roomID string) bool {
	r := c.get(roomID)
	if r == nil {
		return false
	}
	r.mu.Lock()
	r.snapshot = core.NewSnapshot()
	r.mu.Unlock()
	return true
}

func (c *Cache) Resident(roomID string) bool {
	return c.get(roomID) != nil
}

// Rooms returns the ids of resident rooms in order.
func (c *Cache) Rooms() []string {
	c.mu.Lock()
	ids := make([]string, 0, len(c.rooms))
	for id := range c.rooms {
		ids = append(ids, id)
	}
	c.mu.Unlock()

	sort.Strings(ids)
	return ids
}

// ArmEviction frees roomID after grace unless cancelled first. It replaces
// any timer already armed for the room.
func (c *Cache) ArmEviction(roomID string, grace time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	c.armLocked(roomID, grace)
}

func (c *Cache) armLocked(roomID string, grace time.Duration) {
	if t, ok := c.timers[roomID]; ok {
		t.timer.Stop()
	}

	c.gen++
	gen := c.gen
	c.timers[roomID] = &evictTimer{
		timer: time.AfterFunc(grace, func() { c.evict(roomID, gen) }),
		gen:   gen,
		grace: grace,
	}
	logrus.WithFields(logrus.Fields{"room_id": roomID, "grace": grace}).Debug("Eviction armed")
}

// CancelEviction disarms the eviction timer of roomID. It reports whether a
// timer was armed.
func (c *Cache) CancelEviction(roomID string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	t, ok := c.timers[roomID]
	if !ok {
		return false
	}
	t.timer.Stop()
	delete(c.timers, roomID)
	logrus.WithField("room_id", roomID).Debug("Eviction cancelled")
	return true
}

// current reports whether gen is still the armed timer of roomID. A timer
// that was stopped or replaced after its callback started must not act.
func (c *Cache) current(roomID string, gen uint64) (*evictTimer, bool) {
	t, ok := c.timers[roomID]
	if !ok || t.gen != gen {
		return nil, false
	}
	return t, true
}

func (c *Cache) evict(roomID string, gen uint64) {
	log := logrus.WithField("room_id", roomID)

	c.mu.Lock()
	t, ok := c.current(roomID, gen)
	c.mu.Unlock()
	if !ok {
		return
	}

	// Guards run without the registry lock; they call into other components.
	if c.occupancy != nil && c.occupancy(roomID) > 0 {
		c.mu.Lock()
		if _, ok := c.current(roomID, gen); ok {
			delete(c.timers, roomID)
		}
		c.mu.Unlock()
		log.Debug("Room has live sessions, eviction skipped")
		return
	}
	if c.flushed != nil && !c.flushed(roomID) {
		c.mu.Lock()
		if _, ok := c.current(roomID, gen); ok && !c.closed {
			c.armLocked(roomID, t.grace)
		}
		c.mu.Unlock()
		log.Warn("Room has unflushed changes, eviction postponed")
		return
	}

	c.mu.Lock()
	if _, ok := c.current(roomID, gen); !ok {
		c.mu.Unlock()
		return
	}
	delete(c.timers, roomID)
	_, resident := c.rooms[roomID]
	delete(c.rooms, roomID)
	count := len(c.rooms)
	c.mu.Unlock()

	if resident {
		c.metrics.AddEviction()
		c.metrics.SetResidentRooms(count)
		log.Info("Room evicted")
	}
}

// Close stops every eviction timer. Resident state stays readable so it can
// still be flushed.
func (c *Cache) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.closed = true
	for id, t := range c.timers {
		t.timer.Stop()
		delete(c.timers, id)
	}
}
