// Package expiry provides the expiry sweep. It periodically marks rooms
// whose session limit has elapsed as expired and disconnects their
// participants.
package expiry

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"whiteboard-server/core"
	"whiteboard-server/metrics"
)

const (
	EventRoomExpired = "room_expired"

	DefaultInterval = 60 * time.Second
)

// Notifier reaches every live session of a room.
type Notifier interface {
	EmitToGroup(roomID, event string, payload any, excludeSessionID string)
	DisconnectGroup(roomID string)
}

type Option func(*Sweeper)

func WithInterval(d time.Duration) Option {
	return func(s *Sweeper) { s.interval = d }
}

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(s *Sweeper) { s.now = now }
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(s *Sweeper) { s.metrics = m }
}

// Sweeper works on durable room metadata only; it does not need a room to
// be resident to expire it.
type Sweeper struct {
	registry core.RoomRegistry
	notifier Notifier
	interval time.Duration
	now      func() time.Time
	metrics  *metrics.Metrics

	ctx        context.Context
	cancelFunc context.CancelFunc
	wg         sync.WaitGroup
}

func New(registry core.RoomRegistry, notifier Notifier, opts ...Option) *Sweeper {
	ctx, cancelFunc := context.WithCancel(context.Background())
	s := &Sweeper{
		registry:   registry,
		notifier:   notifier,
		interval:   DefaultInterval,
		now:        time.Now,
		ctx:        ctx,
		cancelFunc: cancelFunc,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Start starts the sweep loop.
func (s *Sweeper) Start() error {
	if s.interval <= 0 {
		return fmt.Errorf("invalid sweep interval %s", s.interval)
	}
	s.wg.Add(1)
	go s.run()
	return nil
}

// Stop stops the sweep loop and waits for a running sweep to finish.
func (s *Sweeper) Stop() error {
	s.cancelFunc()
	s.wg.Wait()
	return nil
}

func (s *Sweeper) run() {
	defer s.wg.Done()

	for {
		select {
		case <-time.After(s.interval):
		case <-s.ctx.Done():
			return
		}

		if _, err := s.Sweep(s.ctx); err != nil {
			logrus.WithError(err).Error("Expiry sweep failed")
		}
	}
}

// Sweep expires every active room past its session limit and returns how
// many it expired. Rooms already expired are never processed again.
func (s *Sweeper) Sweep(ctx context.Context) (int, error) {
	rooms, err := s.registry.ListRooms(ctx)
	if err != nil {
		return 0, fmt.Errorf("list rooms: %w", err)
	}

	now := s.now()
	expired := 0
	for i := range rooms {
		room := &rooms[i]
		if room.Status != core.RoomActive {
			continue
		}
		deadline, ok := room.ExpiresAt()
		if !ok || now.Before(deadline) {
			continue
		}

		log := logrus.WithFields(logrus.Fields{"room_id": room.ID, "deadline": deadline})
		changed, err := s.registry.MarkExpired(ctx, room.ID)
		if err != nil {
			log.WithError(err).Error("Failed to expire room")
			continue
		}
		if !changed {
			continue
		}

		s.notifier.EmitToGroup(room.ID, EventRoomExpired, map[string]any{
			"roomId":  room.ID,
			"message": fmt.Sprintf("The session reached its %d minute limit and has ended.", room.SessionDurationLimit),
		}, "")
		s.notifier.DisconnectGroup(room.ID)

		s.metrics.AddRoomExpired()
		expired++
		log.Info("Room expired")
	}

	if expired > 0 {
		logrus.WithField("expired", expired).Info("Expiry sweep finished")
	}
	return expired, nil
}
