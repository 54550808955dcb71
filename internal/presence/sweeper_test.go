package presence

import (
	"testing"
	"time"

	"cotask/api/internal/events"
)

func sweeperFixture() (*Store, *Sweeper, *fakeClock) {
	store := NewStore()
	clock := newFakeClock()
	sweeper := NewSweeper(store, clock, events.NewBus())
	return store, sweeper, clock
}

func TestTimerRemovesUntouchedTypingRecord(t *testing.T) {
	store, sweeper, clock := sweeperFixture()

	rec := record("sess-1", "usr_a", ActionTyping, "", clock.Now())
	store.Upsert(rec)
	sweeper.ScheduleExpiry(rec.Key())

	clock.Advance(TypingTimerTTL)

	if _, ok := store.Get(rec.Key()); ok {
		t.Error("typing record should be removed after its TTL with no refresh")
	}
}

func TestTimerSparesRefreshedRecord(t *testing.T) {
	store, sweeper, clock := sweeperFixture()

	rec := record("sess-1", "usr_a", ActionTyping, "", clock.Now())
	store.Upsert(rec)
	sweeper.ScheduleExpiry(rec.Key())

	// Refresh just before the first timer fires.
	clock.Advance(TypingTimerTTL - time.Second)
	refreshed := rec
	refreshed.Timestamp = clock.Now()
	store.Upsert(refreshed)
	sweeper.ScheduleExpiry(refreshed.Key())

	// First timer fires now; the record was touched since scheduling.
	clock.Advance(time.Second)
	if _, ok := store.Get(rec.Key()); !ok {
		t.Fatal("refreshed record must survive the stale timer")
	}

	// The refresh's own timer eventually removes it.
	clock.Advance(TypingTimerTTL)
	if _, ok := store.Get(rec.Key()); ok {
		t.Error("record should expire once no refresh arrives")
	}
}

func TestEditingTimerUsesLongerTTL(t *testing.T) {
	store, sweeper, clock := sweeperFixture()

	rec := record("sess-1", "usr_a", ActionEditing, "grp_1", clock.Now())
	rec.TargetID = "tsk_1"
	store.Upsert(rec)
	sweeper.ScheduleExpiry(rec.Key())

	clock.Advance(time.Minute)
	if _, ok := store.Get(rec.Key()); !ok {
		t.Fatal("editing record removed before its TTL")
	}

	clock.Advance(EditingTimerTTL)
	if _, ok := store.Get(rec.Key()); ok {
		t.Error("editing record should expire after its TTL")
	}
}

func TestSelectionHasNoTimer(t *testing.T) {
	store, sweeper, clock := sweeperFixture()

	rec := record("sess-1", "usr_a", ActionSelection, "grp_1", clock.Now())
	rec.TargetID = "tsk_1"
	store.Upsert(rec)
	sweeper.ScheduleExpiry(rec.Key())

	clock.Advance(time.Hour)
	if _, ok := store.Get(rec.Key()); !ok {
		t.Error("selection records must not be removed by per-write timers")
	}
}

func TestSweepRemovesStaleRecordsWithoutTimers(t *testing.T) {
	store, sweeper, clock := sweeperFixture()

	// Written without ScheduleExpiry, as if the process restarted between
	// scheduling and firing.
	stale := record("sess-1", "usr_a", ActionTyping, "", clock.Now())
	store.Upsert(stale)

	fresh := record("sess-2", "usr_b", ActionTyping, "", clock.Now().Add(TypingSweepAge))
	store.Upsert(fresh)

	clock.Advance(TypingSweepAge + time.Second)
	sweeper.Sweep()

	if _, ok := store.Get(stale.Key()); ok {
		t.Error("sweep must remove typing records older than the sweep age")
	}
	if _, ok := store.Get(fresh.Key()); !ok {
		t.Error("sweep must spare records younger than the sweep age")
	}
}

func TestSweepAgesEditingAtTenMinutes(t *testing.T) {
	store, sweeper, clock := sweeperFixture()

	rec := record("sess-1", "usr_a", ActionEditing, "grp_1", clock.Now())
	rec.TargetID = "tsk_1"
	store.Upsert(rec)

	clock.Advance(9 * time.Minute)
	sweeper.Sweep()
	if _, ok := store.Get(rec.Key()); !ok {
		t.Fatal("editing record swept too early")
	}

	clock.Advance(2 * time.Minute)
	sweeper.Sweep()
	if _, ok := store.Get(rec.Key()); ok {
		t.Error("editing record should be swept after ten minutes")
	}
}

func TestSweepPublishesActivityEvent(t *testing.T) {
	store := NewStore()
	clock := newFakeClock()
	bus := events.NewBus()
	sweeper := NewSweeper(store, clock, bus)

	var got []events.Event
	bus.Subscribe(func(e events.Event) { got = append(got, e) })

	store.Upsert(record("sess-1", "usr_a", ActionTyping, "", clock.Now()))
	clock.Advance(TypingSweepAge + time.Second)
	sweeper.Sweep()

	if len(got) != 1 || got[0].Topic != events.TopicActivity {
		t.Fatalf("expected one activity event, got %+v", got)
	}

	// A sweep with nothing to remove stays silent.
	sweeper.Sweep()
	if len(got) != 1 {
		t.Errorf("empty sweep must not publish, got %d events", len(got))
	}
}
