package presence

import (
	"context"
	"errors"
	"fmt"

	"cotask/api/internal/events"
	"cotask/api/internal/metrics"
	"cotask/api/internal/session"
)

var (
	ErrUnauthenticated = errors.New("unauthenticated")
	ErrNotAuthorized   = errors.New("not authorized")
	ErrInvalidArgument = errors.New("invalid argument")
)

// DefaultColor is used when a record has no group-assigned member color.
const DefaultColor = "#666"

// directory is the slice of the data store the presence engine needs:
// membership checks, member colors, and display names.
type directory interface {
	IsMember(ctx context.Context, groupID, userID string) (bool, error)
	MemberColor(ctx context.Context, groupID, userID string) (string, error)
	DisplayName(ctx context.Context, userID string) (string, error)
}

// Service owns all mutation of the activity store. Every call re-checks
// group membership; nothing is cached between calls.
type Service struct {
	store    *Store
	registry session.Registry
	dir      directory
	sweeper  *Sweeper
	clock    Clock
	bus      *events.Bus
}

func NewService(store *Store, registry session.Registry, dir directory, sweeper *Sweeper, clock Clock, bus *events.Bus) *Service {
	return &Service{
		store:    store,
		registry: registry,
		dir:      dir,
		sweeper:  sweeper,
		clock:    clock,
		bus:      bus,
	}
}

func (s *Service) Store() *Store {
	return s.store
}

// SetActivity records a typing or editing signal. The username is stamped
// as provided and not re-resolved later. When groupID is set the caller
// must currently be a member of that group.
func (s *Service) SetActivity(ctx context.Context, userID, connectionID, username string, action Action, targetID, groupID string) error {
	if userID == "" {
		return ErrUnauthenticated
	}
	if action != ActionTyping && action != ActionEditing {
		return fmt.Errorf("%w: action must be typing or editing", ErrInvalidArgument)
	}
	if action == ActionEditing && targetID == "" {
		return fmt.Errorf("%w: editing requires a target task", ErrInvalidArgument)
	}

	color := ""
	if groupID != "" {
		if err := s.requireMembership(ctx, groupID, userID); err != nil {
			return err
		}
		memberColor, err := s.dir.MemberColor(ctx, groupID, userID)
		if err != nil {
			return err
		}
		color = memberColor
		if color == "" {
			color = DefaultColor
		}
	}

	return s.upsert(ctx, connectionID, Record{
		UserID:   userID,
		Username: username,
		Action:   action,
		TargetID: targetID,
		GroupID:  groupID,
		Color:    color,
	})
}

// SetCursor records a cursor position inside a group task.
func (s *Service) SetCursor(ctx context.Context, userID, connectionID, groupID, taskID string, position Position) error {
	if userID == "" {
		return ErrUnauthenticated
	}
	if groupID == "" || taskID == "" {
		return fmt.Errorf("%w: cursor requires a group and a task", ErrInvalidArgument)
	}
	if err := s.requireMembership(ctx, groupID, userID); err != nil {
		return err
	}

	username, color, err := s.memberIdentity(ctx, groupID, userID)
	if err != nil {
		return err
	}

	return s.upsert(ctx, connectionID, Record{
		UserID:   userID,
		Username: username,
		Action:   ActionCursor,
		TargetID: taskID,
		GroupID:  groupID,
		Position: &position,
		Color:    color,
	})
}

// SetSelection records a text selection inside a group task. Selections
// have no per-write expiry timer: they are overwritten in place and
// cleaned up with their session or by the global sweep.
func (s *Service) SetSelection(ctx context.Context, userID, connectionID, groupID, taskID string, selection Range) error {
	if userID == "" {
		return ErrUnauthenticated
	}
	if groupID == "" || taskID == "" {
		return fmt.Errorf("%w: selection requires a group and a task", ErrInvalidArgument)
	}
	if err := s.requireMembership(ctx, groupID, userID); err != nil {
		return err
	}

	username, color, err := s.memberIdentity(ctx, groupID, userID)
	if err != nil {
		return err
	}

	return s.upsert(ctx, connectionID, Record{
		UserID:    userID,
		Username:  username,
		Action:    ActionSelection,
		TargetID:  taskID,
		GroupID:   groupID,
		Selection: &selection,
		Color:     color,
	})
}

// Clear removes the caller's records: one action across all their
// sessions, or everything owned by the current session. Clearing what is
// already absent is not an error.
func (s *Service) Clear(ctx context.Context, userID, connectionID string, action Action) error {
	if userID == "" {
		return ErrUnauthenticated
	}
	if action != "" && !action.Valid() {
		return fmt.Errorf("%w: unknown action %q", ErrInvalidArgument, action)
	}

	removed := 0
	if connectionID != "" {
		sessionID, err := s.registry.Lookup(ctx, connectionID)
		if err != nil {
			return err
		}
		if sessionID != "" {
			if action != "" {
				removed += s.store.RemoveSessionAction(sessionID, action)
			} else {
				removed += s.store.RemoveSession(sessionID)
			}
		}
	}
	if action != "" {
		removed += s.store.RemoveUserAction(userID, action)
	}

	if removed > 0 {
		metrics.ActivityRemovals.WithLabelValues(metrics.ReasonClear).Add(float64(removed))
		s.bus.Publish(events.Event{Topic: events.TopicActivity})
	}
	return nil
}

// OnConnectionClose is invoked by the transport layer when a connection
// drops, whether or not the client cleaned up first. It removes every
// record the session owns along with the session mapping itself.
func (s *Service) OnConnectionClose(ctx context.Context, connectionID string) error {
	sessionID, err := s.registry.Lookup(ctx, connectionID)
	if err != nil {
		return err
	}
	if sessionID == "" {
		return nil
	}

	removed := s.store.RemoveSession(sessionID)
	if err := s.registry.Drop(ctx, connectionID); err != nil {
		return err
	}

	if removed > 0 {
		metrics.ActivityRemovals.WithLabelValues(metrics.ReasonDisconnect).Add(float64(removed))
		s.bus.Publish(events.Event{Topic: events.TopicActivity})
	}
	return nil
}

func (s *Service) upsert(ctx context.Context, connectionID string, record Record) error {
	sessionID, err := s.registry.Resolve(ctx, connectionID)
	if err != nil {
		return err
	}
	record.SessionID = sessionID
	record.Timestamp = s.clock.Now()

	s.store.Upsert(record)
	s.sweeper.ScheduleExpiry(record.Key())

	metrics.ActivityWrites.WithLabelValues(string(record.Action)).Inc()
	s.bus.Publish(events.Event{Topic: events.TopicActivity, GroupID: record.GroupID})
	return nil
}

func (s *Service) requireMembership(ctx context.Context, groupID, userID string) error {
	member, err := s.dir.IsMember(ctx, groupID, userID)
	if err != nil {
		return err
	}
	if !member {
		return fmt.Errorf("%w: not a member of group %s", ErrNotAuthorized, groupID)
	}
	return nil
}

func (s *Service) memberIdentity(ctx context.Context, groupID, userID string) (username, color string, err error) {
	username, err = s.dir.DisplayName(ctx, userID)
	if err != nil {
		return "", "", err
	}
	if username == "" {
		username = "User"
	}
	color, err = s.dir.MemberColor(ctx, groupID, userID)
	if err != nil {
		return "", "", err
	}
	if color == "" {
		color = DefaultColor
	}
	return username, color, nil
}
