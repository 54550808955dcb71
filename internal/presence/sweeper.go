package presence

import (
	"context"
	"time"

	"github.com/sirupsen/logrus"

	"cotask/api/internal/events"
	"cotask/api/internal/metrics"
)

// Expiry works in two layers. Each write schedules a one-shot check sized
// to the action's TTL; the check re-measures against the record's current
// timestamp, so a refreshed record survives stale timers. A periodic
// global sweep backstops lost timers and bounds memory growth.
const (
	TypingTimerTTL  = 10 * time.Second
	EditingTimerTTL = 5 * time.Minute
	CursorTimerTTL  = 10 * time.Second

	SweepInterval  = 5 * time.Minute
	TypingSweepAge = 2 * time.Minute
	StaleSweepAge  = 10 * time.Minute
)

type Sweeper struct {
	store *Store
	clock Clock
	bus   *events.Bus
	log   *logrus.Entry
}

func NewSweeper(store *Store, clock Clock, bus *events.Bus) *Sweeper {
	return &Sweeper{
		store: store,
		clock: clock,
		bus:   bus,
		log:   logrus.WithField("component", "sweeper"),
	}
}

// timerTTL returns the one-shot expiry TTL for an action, or 0 when the
// action has no per-write timer. Selection records have none: they are
// overwritten in place or cleared when editing ends, and the global sweep
// covers abandonment.
func timerTTL(action Action) time.Duration {
	switch action {
	case ActionTyping:
		return TypingTimerTTL
	case ActionEditing:
		return EditingTimerTTL
	case ActionCursor:
		return CursorTimerTTL
	default:
		return 0
	}
}

// ScheduleExpiry arms the per-write check for a freshly upserted record.
func (s *Sweeper) ScheduleExpiry(key Key) {
	ttl := timerTTL(key.Action)
	if ttl == 0 {
		return
	}
	s.clock.AfterFunc(ttl, func() {
		s.expire(key, ttl)
	})
}

func (s *Sweeper) expire(key Key, ttl time.Duration) {
	record, ok := s.store.Get(key)
	if !ok {
		return
	}
	// A write since scheduling refreshed the timestamp; that write armed
	// its own timer, so this one stands down.
	if s.clock.Now().Sub(record.Timestamp) < ttl {
		return
	}
	if s.store.Remove(key) {
		metrics.ActivityRemovals.WithLabelValues(metrics.ReasonTimer).Inc()
		s.bus.Publish(events.Event{Topic: events.TopicActivity, GroupID: record.GroupID})
	}
}

// Sweep runs one global pass: typing records older than two minutes and
// everything else older than ten minutes.
func (s *Sweeper) Sweep() {
	now := s.clock.Now()
	removed := s.store.RemoveStale(ActionTyping, now.Add(-TypingSweepAge))
	for _, action := range []Action{ActionEditing, ActionCursor, ActionSelection} {
		removed += s.store.RemoveStale(action, now.Add(-StaleSweepAge))
	}
	if removed > 0 {
		metrics.ActivityRemovals.WithLabelValues(metrics.ReasonSweep).Add(float64(removed))
		s.bus.Publish(events.Event{Topic: events.TopicActivity})
		s.log.WithField("removed", removed).Info("swept stale activity records")
	}
}

// Run sweeps every SweepInterval until the context is cancelled. A failed
// cycle is logged and skipped; the next cycle retries implicitly.
func (s *Sweeper) Run(ctx context.Context) {
	ticker := time.NewTicker(SweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			s.Sweep()
		case <-ctx.Done():
			return
		}
	}
}
