package app

import (
	"context"
	"time"

	"cotask/api/internal/store"
	"cotask/api/internal/util"
)

// Bootstrap seeds a small development dataset: three users, one shared
// group with colored members, a few tasks and messages. It is a no-op
// when users already exist.
func (s *Service) Bootstrap(ctx context.Context) error {
	existing, err := s.store.ListUsers(ctx)
	if err != nil {
		return err
	}
	if len(existing) > 0 {
		return nil
	}

	alice, err := s.store.EnsureUserByName(ctx, "Alice")
	if err != nil {
		return err
	}
	bruno, err := s.store.EnsureUserByName(ctx, "Bruno")
	if err != nil {
		return err
	}
	carla, err := s.store.EnsureUserByName(ctx, "Carla")
	if err != nil {
		return err
	}

	group := store.Group{
		ID:          util.NewID("grp"),
		Name:        "Launch planning",
		Description: "Shared checklist and chat for the launch",
		CreatedBy:   alice.ID,
		CreatedAt:   time.Now(),
	}
	if err := s.store.InsertGroup(ctx, group); err != nil {
		return err
	}

	members := []store.GroupMember{
		{GroupID: group.ID, UserID: alice.ID, Username: alice.DisplayName, Role: "owner", Color: "#e91e63"},
		{GroupID: group.ID, UserID: bruno.ID, Username: bruno.DisplayName, Role: "member", Color: "#2196f3"},
		{GroupID: group.ID, UserID: carla.ID, Username: carla.DisplayName, Role: "member", Color: "#4caf50"},
	}
	for _, member := range members {
		if err := s.store.AddGroupMember(ctx, member); err != nil {
			return err
		}
	}

	tasks := []store.Task{
		{ID: util.NewID("tsk"), Text: "Draft the announcement", OwnerID: alice.ID, GroupID: group.ID},
		{ID: util.NewID("tsk"), Text: "Book the venue", OwnerID: bruno.ID, GroupID: group.ID, IsChecked: true},
		{ID: util.NewID("tsk"), Text: "Water the plants", OwnerID: alice.ID},
	}
	for _, task := range tasks {
		task.CreatedAt = time.Now()
		if err := s.store.InsertTask(ctx, task); err != nil {
			return err
		}
	}

	welcome := store.Message{
		ID:           util.NewID("msg"),
		SenderID:     bruno.ID,
		SenderName:   bruno.DisplayName,
		ReceiverID:   alice.ID,
		ReceiverName: alice.DisplayName,
		Content:      "Venue shortlist is ready when you are.",
		CreatedAt:    time.Now(),
	}
	if err := s.store.InsertMessage(ctx, welcome); err != nil {
		return err
	}

	groupHello := store.GroupMessage{
		ID:         util.NewID("gmsg"),
		GroupID:    group.ID,
		SenderID:   carla.ID,
		SenderName: carla.DisplayName,
		Content:    "Added the checklist, shout if anything is missing.",
		ReadBy:     []string{carla.ID},
		CreatedAt:  time.Now(),
	}
	if err := s.store.InsertGroupMessage(ctx, groupHello); err != nil {
		return err
	}

	s.log.WithField("group", group.ID).Info("seeded development data")
	return nil
}
