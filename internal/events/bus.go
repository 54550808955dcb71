// Package events carries change notifications from the write side to the
// reactive publication layer. Delivery is in-process and best effort: a
// write never waits for subscribers to finish reacting.
package events

import "sync"

type Topic string

const (
	TopicActivity      Topic = "activity"
	TopicMessages      Topic = "messages"
	TopicGroupMessages Topic = "groupMessages"
	TopicTasks         Topic = "tasks"
	TopicGroups        Topic = "groups"
)

// Event describes a change to one topic. GroupID narrows the change to a
// single group; UserIDs narrows it to the users directly involved. Empty
// scope fields mean "potentially anyone".
type Event struct {
	Topic   Topic
	GroupID string
	UserIDs []string
}

func (e Event) Involves(userID string) bool {
	if len(e.UserIDs) == 0 {
		return true
	}
	for _, id := range e.UserIDs {
		if id == userID {
			return true
		}
	}
	return false
}

type Bus struct {
	mu   sync.RWMutex
	next int
	subs map[int]func(Event)
}

func NewBus() *Bus {
	return &Bus{subs: make(map[int]func(Event))}
}

// Subscribe registers a handler and returns a cancel function. Handlers
// must not block: they run on the publisher's goroutine.
func (b *Bus) Subscribe(fn func(Event)) func() {
	b.mu.Lock()
	id := b.next
	b.next++
	b.subs[id] = fn
	b.mu.Unlock()

	return func() {
		b.mu.Lock()
		delete(b.subs, id)
		b.mu.Unlock()
	}
}

func (b *Bus) Publish(event Event) {
	b.mu.RLock()
	handlers := make([]func(Event), 0, len(b.subs))
	for _, fn := range b.subs {
		handlers = append(handlers, fn)
	}
	b.mu.RUnlock()

	for _, fn := range handlers {
		fn(event)
	}
}
