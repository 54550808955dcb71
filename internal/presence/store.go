package presence

import (
	"sort"
	"sync"
	"time"

	"cotask/api/internal/metrics"
)

// Store is the authoritative in-memory activity map. Mutations are
// serialized per key by the mutex; last write wins. The store itself
// performs no authorization and no expiry — callers own both.
type Store struct {
	mu      sync.RWMutex
	records map[Key]Record
}

func NewStore() *Store {
	return &Store{records: make(map[Key]Record)}
}

// Upsert replaces any existing record under the same key.
func (s *Store) Upsert(record Record) {
	s.mu.Lock()
	s.records[record.Key()] = record
	s.mu.Unlock()
	s.updateGauge()
}

func (s *Store) Get(key Key) (Record, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	record, ok := s.records[key]
	return record, ok
}

func (s *Store) Remove(key Key) bool {
	s.mu.Lock()
	_, ok := s.records[key]
	delete(s.records, key)
	s.mu.Unlock()
	s.updateGauge()
	return ok
}

// RemoveSession drops every record a session owns. This is the only hard
// (non-time-based) deletion trigger, fired on connection close.
func (s *Store) RemoveSession(sessionID string) int {
	return s.removeWhere(func(r Record) bool {
		return r.SessionID == sessionID
	})
}

func (s *Store) RemoveSessionAction(sessionID string, action Action) int {
	return s.removeWhere(func(r Record) bool {
		return r.SessionID == sessionID && r.Action == action
	})
}

// RemoveUserAction drops a user's records for one action across all of
// their sessions.
func (s *Store) RemoveUserAction(userID string, action Action) int {
	return s.removeWhere(func(r Record) bool {
		return r.UserID == userID && r.Action == action
	})
}

// RemoveStale drops records for the given action older than the cutoff
// and returns how many were removed.
func (s *Store) RemoveStale(action Action, cutoff time.Time) int {
	return s.removeWhere(func(r Record) bool {
		return r.Action == action && r.Timestamp.Before(cutoff)
	})
}

func (s *Store) removeWhere(match func(Record) bool) int {
	s.mu.Lock()
	removed := 0
	for key, record := range s.records {
		if match(record) {
			delete(s.records, key)
			removed++
		}
	}
	s.mu.Unlock()
	s.updateGauge()
	return removed
}

// Personal returns all records with no group scope, latest first.
func (s *Store) Personal() []Record {
	return s.snapshot(func(r Record) bool { return r.GroupID == "" }, 0)
}

// Group returns the group's records, latest first, capped at limit
// (0 means no cap).
func (s *Store) Group(groupID string, limit int) []Record {
	return s.snapshot(func(r Record) bool { return r.GroupID == groupID }, limit)
}

func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.records)
}

func (s *Store) snapshot(match func(Record) bool, limit int) []Record {
	s.mu.RLock()
	result := make([]Record, 0, len(s.records))
	for _, record := range s.records {
		if match(record) {
			result = append(result, record)
		}
	}
	s.mu.RUnlock()

	sort.Slice(result, func(i, j int) bool {
		if !result[i].Timestamp.Equal(result[j].Timestamp) {
			return result[i].Timestamp.After(result[j].Timestamp)
		}
		return result[i].SessionID < result[j].SessionID
	})
	if limit > 0 && len(result) > limit {
		result = result[:limit]
	}
	return result
}

func (s *Store) updateGauge() {
	metrics.ActivityRecords.Set(float64(s.Len()))
}
