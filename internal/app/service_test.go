package app

import (
	"context"
	"database/sql"
	"errors"
	"io"
	"testing"
	"time"

	"github.com/sirupsen/logrus"

	"cotask/api/internal/config"
	"cotask/api/internal/events"
	"cotask/api/internal/presence"
	"cotask/api/internal/session"
	"cotask/api/internal/store"
)

type fakeStore struct {
	ensureUserByNameFn         func(context.Context, string) (store.User, error)
	getUserByIDFn              func(context.Context, string) (store.User, error)
	listUsersFn                func(context.Context) ([]store.User, error)
	listGroupsForUserFn        func(context.Context, string) ([]store.Group, error)
	listGroupMembersFn         func(context.Context, string) ([]store.GroupMember, error)
	isMemberFn                 func(context.Context, string, string) (bool, error)
	memberColorFn              func(context.Context, string, string) (string, error)
	displayNameFn              func(context.Context, string) (string, error)
	insertTaskFn               func(context.Context, store.Task) error
	getTaskFn                  func(context.Context, string) (store.Task, error)
	updateTaskCheckedFn        func(context.Context, string, bool) (bool, error)
	deleteTaskFn               func(context.Context, string) (bool, error)
	listPersonalTasksFn        func(context.Context, string) ([]store.Task, error)
	listGroupTasksFn           func(context.Context, string) ([]store.Task, error)
	pendingTaskCountsFn        func(context.Context, string) (map[string]int, error)
	insertMessageFn            func(context.Context, store.Message) error
	getMessageFn               func(context.Context, string) (store.Message, error)
	markMessageReadFn          func(context.Context, string) error
	listMessagesForUserFn      func(context.Context, string, int) ([]store.Message, error)
	listConversationFn         func(context.Context, string, string, int) ([]store.Message, error)
	unreadMessageCountFn       func(context.Context, string) (int, error)
	insertGroupMessageFn       func(context.Context, store.GroupMessage) error
	listGroupMessagesFn        func(context.Context, string, int) ([]store.GroupMessage, error)
	markGroupMessagesReadFn    func(context.Context, string, string) (int, error)
	unreadGroupMessageCountsFn func(context.Context, string) (map[string]int, error)
}

func (f *fakeStore) Ping(context.Context) error { return nil }
func (f *fakeStore) EnsureUserByName(ctx context.Context, name string) (store.User, error) {
	if f.ensureUserByNameFn != nil {
		return f.ensureUserByNameFn(ctx, name)
	}
	return store.User{ID: "usr_" + name, DisplayName: name}, nil
}
func (f *fakeStore) GetUserByID(ctx context.Context, userID string) (store.User, error) {
	if f.getUserByIDFn != nil {
		return f.getUserByIDFn(ctx, userID)
	}
	return store.User{}, sql.ErrNoRows
}
func (f *fakeStore) ListUsers(ctx context.Context) ([]store.User, error) {
	if f.listUsersFn != nil {
		return f.listUsersFn(ctx)
	}
	return nil, nil
}
func (f *fakeStore) InsertGroup(context.Context, store.Group) error          { return nil }
func (f *fakeStore) AddGroupMember(context.Context, store.GroupMember) error { return nil }
func (f *fakeStore) ListGroupsForUser(ctx context.Context, userID string) ([]store.Group, error) {
	if f.listGroupsForUserFn != nil {
		return f.listGroupsForUserFn(ctx, userID)
	}
	return nil, nil
}
func (f *fakeStore) ListGroupMembers(ctx context.Context, groupID string) ([]store.GroupMember, error) {
	if f.listGroupMembersFn != nil {
		return f.listGroupMembersFn(ctx, groupID)
	}
	return nil, nil
}
func (f *fakeStore) IsMember(ctx context.Context, groupID, userID string) (bool, error) {
	if f.isMemberFn != nil {
		return f.isMemberFn(ctx, groupID, userID)
	}
	return false, nil
}
func (f *fakeStore) MemberColor(ctx context.Context, groupID, userID string) (string, error) {
	if f.memberColorFn != nil {
		return f.memberColorFn(ctx, groupID, userID)
	}
	return "", nil
}
func (f *fakeStore) DisplayName(ctx context.Context, userID string) (string, error) {
	if f.displayNameFn != nil {
		return f.displayNameFn(ctx, userID)
	}
	return "", nil
}
func (f *fakeStore) InsertTask(ctx context.Context, task store.Task) error {
	if f.insertTaskFn != nil {
		return f.insertTaskFn(ctx, task)
	}
	return nil
}
func (f *fakeStore) GetTask(ctx context.Context, taskID string) (store.Task, error) {
	if f.getTaskFn != nil {
		return f.getTaskFn(ctx, taskID)
	}
	return store.Task{}, sql.ErrNoRows
}
func (f *fakeStore) UpdateTaskChecked(ctx context.Context, taskID string, checked bool) (bool, error) {
	if f.updateTaskCheckedFn != nil {
		return f.updateTaskCheckedFn(ctx, taskID, checked)
	}
	return true, nil
}
func (f *fakeStore) DeleteTask(ctx context.Context, taskID string) (bool, error) {
	if f.deleteTaskFn != nil {
		return f.deleteTaskFn(ctx, taskID)
	}
	return true, nil
}
func (f *fakeStore) ListPersonalTasks(ctx context.Context, ownerID string) ([]store.Task, error) {
	if f.listPersonalTasksFn != nil {
		return f.listPersonalTasksFn(ctx, ownerID)
	}
	return nil, nil
}
func (f *fakeStore) ListGroupTasks(ctx context.Context, groupID string) ([]store.Task, error) {
	if f.listGroupTasksFn != nil {
		return f.listGroupTasksFn(ctx, groupID)
	}
	return nil, nil
}
func (f *fakeStore) PendingTaskCounts(ctx context.Context, userID string) (map[string]int, error) {
	if f.pendingTaskCountsFn != nil {
		return f.pendingTaskCountsFn(ctx, userID)
	}
	return map[string]int{}, nil
}
func (f *fakeStore) InsertMessage(ctx context.Context, message store.Message) error {
	if f.insertMessageFn != nil {
		return f.insertMessageFn(ctx, message)
	}
	return nil
}
func (f *fakeStore) GetMessage(ctx context.Context, messageID string) (store.Message, error) {
	if f.getMessageFn != nil {
		return f.getMessageFn(ctx, messageID)
	}
	return store.Message{}, sql.ErrNoRows
}
func (f *fakeStore) MarkMessageRead(ctx context.Context, messageID string) error {
	if f.markMessageReadFn != nil {
		return f.markMessageReadFn(ctx, messageID)
	}
	return nil
}
func (f *fakeStore) ListMessagesForUser(ctx context.Context, userID string, limit int) ([]store.Message, error) {
	if f.listMessagesForUserFn != nil {
		return f.listMessagesForUserFn(ctx, userID, limit)
	}
	return nil, nil
}
func (f *fakeStore) ListConversation(ctx context.Context, userID, otherUserID string, limit int) ([]store.Message, error) {
	if f.listConversationFn != nil {
		return f.listConversationFn(ctx, userID, otherUserID, limit)
	}
	return nil, nil
}
func (f *fakeStore) UnreadMessageCount(ctx context.Context, userID string) (int, error) {
	if f.unreadMessageCountFn != nil {
		return f.unreadMessageCountFn(ctx, userID)
	}
	return 0, nil
}
func (f *fakeStore) InsertGroupMessage(ctx context.Context, message store.GroupMessage) error {
	if f.insertGroupMessageFn != nil {
		return f.insertGroupMessageFn(ctx, message)
	}
	return nil
}
func (f *fakeStore) ListGroupMessages(ctx context.Context, groupID string, limit int) ([]store.GroupMessage, error) {
	if f.listGroupMessagesFn != nil {
		return f.listGroupMessagesFn(ctx, groupID, limit)
	}
	return nil, nil
}
func (f *fakeStore) MarkGroupMessagesRead(ctx context.Context, groupID, userID string) (int, error) {
	if f.markGroupMessagesReadFn != nil {
		return f.markGroupMessagesReadFn(ctx, groupID, userID)
	}
	return 0, nil
}
func (f *fakeStore) UnreadGroupMessageCounts(ctx context.Context, userID string) (map[string]int, error) {
	if f.unreadGroupMessageCountsFn != nil {
		return f.unreadGroupMessageCountsFn(ctx, userID)
	}
	return map[string]int{}, nil
}

func newTestService(fake *fakeStore) (*Service, *events.Bus) {
	cfg := config.Config{JWTSecret: "test-secret", AccessTTL: time.Hour}
	bus := events.NewBus()
	activityStore := presence.NewStore()
	clock := presence.SystemClock()
	sweeper := presence.NewSweeper(activityStore, clock, bus)
	registry := session.NewMemoryRegistry()
	presenceService := presence.NewService(activityStore, registry, fake, sweeper, clock, bus)

	log := logrus.New()
	log.SetOutput(io.Discard)
	return NewService(cfg, fake, presenceService, bus, log), bus
}

func TestNotificationsBadgeArithmetic(t *testing.T) {
	fake := &fakeStore{
		unreadMessageCountFn: func(context.Context, string) (int, error) { return 3, nil },
		unreadGroupMessageCountsFn: func(context.Context, string) (map[string]int, error) {
			return map[string]int{"grp_1": 2, "grp_2": 1}, nil
		},
		pendingTaskCountsFn: func(context.Context, string) (map[string]int, error) {
			return map[string]int{"grp_1": 4}, nil
		},
	}
	service, _ := newTestService(fake)

	payload, err := service.Notifications(context.Background(), "usr_a")
	if err != nil {
		t.Fatalf("Notifications failed: %v", err)
	}

	// Activity in two groups still adds exactly one to the badge.
	if payload["badgeTotal"] != 4 {
		t.Errorf("expected badgeTotal 4, got %v", payload["badgeTotal"])
	}
	if payload["anyGroupActivity"] != true {
		t.Error("expected anyGroupActivity true")
	}
	groups, ok := payload["groups"].(map[string]any)
	if !ok || len(groups) != 2 {
		t.Fatalf("expected 2 group entries, got %v", payload["groups"])
	}
	grp1, _ := groups["grp_1"].(map[string]any)
	if grp1["unreadMessages"] != 2 || grp1["pendingTasks"] != 4 || grp1["hasActivity"] != true {
		t.Errorf("grp_1 entry wrong: %v", grp1)
	}
}

func TestNotificationsQuietBadge(t *testing.T) {
	fake := &fakeStore{
		unreadMessageCountFn: func(context.Context, string) (int, error) { return 2, nil },
	}
	service, _ := newTestService(fake)

	payload, err := service.Notifications(context.Background(), "usr_a")
	if err != nil {
		t.Fatalf("Notifications failed: %v", err)
	}
	if payload["badgeTotal"] != 2 {
		t.Errorf("no group activity must not pad the badge, got %v", payload["badgeTotal"])
	}
	if payload["anyGroupActivity"] != false {
		t.Error("expected anyGroupActivity false")
	}
}

func TestCheckGroupActivityFromPendingTasksOnly(t *testing.T) {
	fake := &fakeStore{
		pendingTaskCountsFn: func(context.Context, string) (map[string]int, error) {
			return map[string]int{"grp_1": 1}, nil
		},
	}
	service, _ := newTestService(fake)

	hasActivity, err := service.CheckGroupActivity(context.Background(), "usr_a")
	if err != nil {
		t.Fatalf("CheckGroupActivity failed: %v", err)
	}
	if !hasActivity {
		t.Error("an unchecked group task alone should flag activity")
	}
}

func TestGroupActivityFailsClosed(t *testing.T) {
	fake := &fakeStore{
		isMemberFn: func(_ context.Context, groupID, userID string) (bool, error) {
			return userID == "usr_member", nil
		},
	}
	service, _ := newTestService(fake)
	ctx := context.Background()

	// Seed one group record through the presence service.
	err := service.Presence().SetActivity(ctx, "usr_member", "conn-1", "Member", presence.ActionTyping, "", "grp_1")
	if err != nil {
		t.Fatalf("SetActivity failed: %v", err)
	}

	records, err := service.GroupActivity(ctx, "usr_outsider", "grp_1")
	if err != nil {
		t.Fatalf("GroupActivity must not error for non-members: %v", err)
	}
	if len(records) != 0 {
		t.Errorf("non-member must see an empty set, got %d records", len(records))
	}

	records, err = service.GroupActivity(ctx, "usr_member", "grp_1")
	if err != nil {
		t.Fatalf("GroupActivity failed: %v", err)
	}
	if len(records) != 1 {
		t.Errorf("member should see the record, got %d", len(records))
	}
}

func TestPersonalActivityScoping(t *testing.T) {
	fake := &fakeStore{
		getTaskFn: func(_ context.Context, taskID string) (store.Task, error) {
			switch taskID {
			case "tsk_mine":
				return store.Task{ID: taskID, OwnerID: "usr_viewer"}, nil
			case "tsk_theirs":
				return store.Task{ID: taskID, OwnerID: "usr_other"}, nil
			default:
				return store.Task{}, sql.ErrNoRows
			}
		},
	}
	service, _ := newTestService(fake)
	ctx := context.Background()
	svc := service.Presence()

	if err := svc.SetActivity(ctx, "usr_viewer", "conn-1", "Viewer", presence.ActionTyping, "", ""); err != nil {
		t.Fatalf("SetActivity failed: %v", err)
	}
	if err := svc.SetActivity(ctx, "usr_other", "conn-2", "Other", presence.ActionEditing, "tsk_mine", ""); err != nil {
		t.Fatalf("SetActivity failed: %v", err)
	}
	if err := svc.SetActivity(ctx, "usr_other", "conn-3", "Other", presence.ActionEditing, "tsk_theirs", ""); err != nil {
		t.Fatalf("SetActivity failed: %v", err)
	}

	records, err := service.PersonalActivity(ctx, "usr_viewer")
	if err != nil {
		t.Fatalf("PersonalActivity failed: %v", err)
	}
	if len(records) != 2 {
		t.Fatalf("expected own record plus editing on own task, got %d", len(records))
	}
	for _, record := range records {
		if record.UserID == "usr_other" && record.TargetID != "tsk_mine" {
			t.Errorf("editing on someone else's task leaked: %+v", record)
		}
	}
}

func TestSendMessageValidatesAndPublishes(t *testing.T) {
	var inserted store.Message
	fake := &fakeStore{
		getUserByIDFn: func(_ context.Context, userID string) (store.User, error) {
			if userID == "usr_b" {
				return store.User{ID: "usr_b", DisplayName: "Bruno"}, nil
			}
			return store.User{}, sql.ErrNoRows
		},
		insertMessageFn: func(_ context.Context, message store.Message) error {
			inserted = message
			return nil
		},
	}
	service, bus := newTestService(fake)
	viewer := Session{UserID: "usr_a", UserName: "Alice"}

	var published []events.Event
	bus.Subscribe(func(e events.Event) { published = append(published, e) })

	if _, err := service.SendMessage(context.Background(), viewer, "usr_b", "   "); err == nil {
		t.Error("blank content must be rejected")
	}

	var domainErr *DomainError
	_, err := service.SendMessage(context.Background(), viewer, "usr_missing", "hello")
	if !errors.As(err, &domainErr) || domainErr.Code != "NOT_FOUND" {
		t.Errorf("unknown receiver: expected NOT_FOUND, got %v", err)
	}

	payload, err := service.SendMessage(context.Background(), viewer, "usr_b", "hello")
	if err != nil {
		t.Fatalf("SendMessage failed: %v", err)
	}
	if inserted.SenderID != "usr_a" || inserted.ReceiverID != "usr_b" || inserted.Read {
		t.Errorf("inserted message wrong: %+v", inserted)
	}
	if payload["receiverName"] != "Bruno" {
		t.Errorf("expected resolved receiver name, got %v", payload["receiverName"])
	}

	if len(published) != 1 || published[0].Topic != events.TopicMessages {
		t.Fatalf("expected one messages event, got %+v", published)
	}
	if !published[0].Involves("usr_b") || published[0].Involves("usr_c") {
		t.Errorf("event scope wrong: %+v", published[0])
	}
}

func TestMarkMessageReadReceiverOnly(t *testing.T) {
	marked := false
	fake := &fakeStore{
		getMessageFn: func(context.Context, string) (store.Message, error) {
			return store.Message{ID: "msg_1", SenderID: "usr_a", ReceiverID: "usr_b"}, nil
		},
		markMessageReadFn: func(context.Context, string) error {
			marked = true
			return nil
		},
	}
	service, _ := newTestService(fake)

	var domainErr *DomainError
	err := service.MarkMessageRead(context.Background(), "usr_a", "msg_1")
	if !errors.As(err, &domainErr) || domainErr.Code != "NOT_AUTHORIZED" {
		t.Errorf("sender marking own message read: expected NOT_AUTHORIZED, got %v", err)
	}
	if marked {
		t.Fatal("store must not be touched on authorization failure")
	}

	if err := service.MarkMessageRead(context.Background(), "usr_b", "msg_1"); err != nil {
		t.Fatalf("receiver mark read failed: %v", err)
	}
	if !marked {
		t.Error("expected MarkMessageRead to hit the store")
	}
}

func TestMarkMessageReadIdempotent(t *testing.T) {
	fake := &fakeStore{
		getMessageFn: func(context.Context, string) (store.Message, error) {
			return store.Message{ID: "msg_1", SenderID: "usr_a", ReceiverID: "usr_b", Read: true}, nil
		},
		markMessageReadFn: func(context.Context, string) error {
			t.Fatal("already-read message must not be rewritten")
			return nil
		},
	}
	service, bus := newTestService(fake)

	published := 0
	bus.Subscribe(func(events.Event) { published++ })

	if err := service.MarkMessageRead(context.Background(), "usr_b", "msg_1"); err != nil {
		t.Fatalf("MarkMessageRead failed: %v", err)
	}
	if published != 0 {
		t.Error("no-op mark read must not publish")
	}
}

func TestToggleTaskAuthorization(t *testing.T) {
	fake := &fakeStore{
		getTaskFn: func(_ context.Context, taskID string) (store.Task, error) {
			if taskID == "tsk_personal" {
				return store.Task{ID: taskID, OwnerID: "usr_owner"}, nil
			}
			return store.Task{ID: taskID, OwnerID: "usr_owner", GroupID: "grp_1"}, nil
		},
		isMemberFn: func(_ context.Context, groupID, userID string) (bool, error) {
			return userID == "usr_member" || userID == "usr_owner", nil
		},
	}
	service, _ := newTestService(fake)
	ctx := context.Background()

	var domainErr *DomainError
	_, err := service.ToggleTask(ctx, "usr_stranger", "tsk_personal")
	if !errors.As(err, &domainErr) || domainErr.Code != "NOT_AUTHORIZED" {
		t.Errorf("non-owner toggling a personal task: expected NOT_AUTHORIZED, got %v", err)
	}

	if _, err := service.ToggleTask(ctx, "usr_owner", "tsk_personal"); err != nil {
		t.Errorf("owner toggle failed: %v", err)
	}

	// Any current member may toggle a group task.
	if _, err := service.ToggleTask(ctx, "usr_member", "tsk_group"); err != nil {
		t.Errorf("member toggle failed: %v", err)
	}
	_, err = service.ToggleTask(ctx, "usr_stranger", "tsk_group")
	if !errors.As(err, &domainErr) || domainErr.Code != "NOT_AUTHORIZED" {
		t.Errorf("non-member toggling a group task: expected NOT_AUTHORIZED, got %v", err)
	}
}

func TestGroupMessagesFailClosed(t *testing.T) {
	fake := &fakeStore{
		isMemberFn: func(context.Context, string, string) (bool, error) { return false, nil },
		listGroupMessagesFn: func(context.Context, string, int) ([]store.GroupMessage, error) {
			t.Fatal("non-member read must not reach the store")
			return nil, nil
		},
	}
	service, _ := newTestService(fake)

	messages, err := service.GroupMessages(context.Background(), "usr_outsider", "grp_1")
	if err != nil {
		t.Fatalf("GroupMessages must not error for non-members: %v", err)
	}
	if len(messages) != 0 {
		t.Errorf("expected empty result set, got %d", len(messages))
	}
}

func TestMarkGroupMessagesReadPublishesOnlyOnChange(t *testing.T) {
	affected := 2
	fake := &fakeStore{
		isMemberFn: func(context.Context, string, string) (bool, error) { return true, nil },
		markGroupMessagesReadFn: func(context.Context, string, string) (int, error) {
			return affected, nil
		},
	}
	service, bus := newTestService(fake)

	published := 0
	bus.Subscribe(func(events.Event) { published++ })

	count, err := service.MarkGroupMessagesRead(context.Background(), "usr_a", "grp_1")
	if err != nil {
		t.Fatalf("MarkGroupMessagesRead failed: %v", err)
	}
	if count != 2 || published != 1 {
		t.Errorf("expected 2 updated and 1 event, got %d and %d", count, published)
	}

	affected = 0
	if _, err := service.MarkGroupMessagesRead(context.Background(), "usr_a", "grp_1"); err != nil {
		t.Fatalf("MarkGroupMessagesRead failed: %v", err)
	}
	if published != 1 {
		t.Error("marking with nothing unread must not publish")
	}
}

func TestLoginRoundTrip(t *testing.T) {
	fake := &fakeStore{
		getUserByIDFn: func(_ context.Context, userID string) (store.User, error) {
			return store.User{ID: userID, DisplayName: "Alice"}, nil
		},
	}
	service, _ := newTestService(fake)

	session, err := service.Login(context.Background(), "  Alice  ")
	if err != nil {
		t.Fatalf("Login failed: %v", err)
	}
	if session.UserName != "Alice" {
		t.Errorf("expected trimmed name, got %q", session.UserName)
	}

	parsed, err := service.SessionFromToken(context.Background(), session.Token)
	if err != nil {
		t.Fatalf("SessionFromToken failed: %v", err)
	}
	if parsed.UserID != session.UserID {
		t.Errorf("token round trip lost the user: %q vs %q", parsed.UserID, session.UserID)
	}
}
