package app

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"cotask/api/internal/auth"
	"cotask/api/internal/config"
	"cotask/api/internal/events"
	"cotask/api/internal/presence"
	"cotask/api/internal/store"
	"cotask/api/internal/util"
)

type Session struct {
	Token     string
	UserID    string
	UserName  string
	ExpiresAt time.Time
}

const (
	personalMessageLimit = 100
	conversationLimit    = 50
	groupMessageLimit    = 50
	groupActivityLimit   = 50
)

type dataStore interface {
	Ping(ctx context.Context) error
	EnsureUserByName(context.Context, string) (store.User, error)
	GetUserByID(context.Context, string) (store.User, error)
	ListUsers(context.Context) ([]store.User, error)
	InsertGroup(context.Context, store.Group) error
	AddGroupMember(context.Context, store.GroupMember) error
	ListGroupsForUser(context.Context, string) ([]store.Group, error)
	ListGroupMembers(context.Context, string) ([]store.GroupMember, error)
	IsMember(context.Context, string, string) (bool, error)
	InsertTask(context.Context, store.Task) error
	GetTask(context.Context, string) (store.Task, error)
	UpdateTaskChecked(context.Context, string, bool) (bool, error)
	DeleteTask(context.Context, string) (bool, error)
	ListPersonalTasks(context.Context, string) ([]store.Task, error)
	ListGroupTasks(context.Context, string) ([]store.Task, error)
	PendingTaskCounts(context.Context, string) (map[string]int, error)
	InsertMessage(context.Context, store.Message) error
	GetMessage(context.Context, string) (store.Message, error)
	MarkMessageRead(context.Context, string) error
	ListMessagesForUser(context.Context, string, int) ([]store.Message, error)
	ListConversation(context.Context, string, string, int) ([]store.Message, error)
	UnreadMessageCount(context.Context, string) (int, error)
	InsertGroupMessage(context.Context, store.GroupMessage) error
	ListGroupMessages(context.Context, string, int) ([]store.GroupMessage, error)
	MarkGroupMessagesRead(context.Context, string, string) (int, error)
	UnreadGroupMessageCounts(context.Context, string) (map[string]int, error)
}

// Service is the authorization and aggregation layer: every read is
// filtered to what the viewer may see, every mutation re-checks the
// viewer's standing before it writes.
type Service struct {
	cfg      config.Config
	store    dataStore
	presence *presence.Service
	bus      *events.Bus
	log      *logrus.Entry
}

func NewService(cfg config.Config, dataStore dataStore, presenceService *presence.Service, bus *events.Bus, log *logrus.Logger) *Service {
	return &Service{
		cfg:      cfg,
		store:    dataStore,
		presence: presenceService,
		bus:      bus,
		log:      log.WithField("component", "app"),
	}
}

func (s *Service) Ping(ctx context.Context) error {
	return s.store.Ping(ctx)
}

func (s *Service) Presence() *presence.Service {
	return s.presence
}

func (s *Service) Login(ctx context.Context, name string) (Session, error) {
	userName := strings.TrimSpace(name)
	if userName == "" {
		userName = "User"
	}

	user, err := s.store.EnsureUserByName(ctx, userName)
	if err != nil {
		return Session{}, err
	}

	expiresAt := time.Now().Add(s.cfg.AccessTTL)
	token, err := auth.IssueToken([]byte(s.cfg.JWTSecret), auth.Claims{
		Sub:  user.ID,
		Name: user.DisplayName,
		Exp:  expiresAt.Unix(),
	})
	if err != nil {
		return Session{}, err
	}

	return Session{
		Token:     token,
		UserID:    user.ID,
		UserName:  user.DisplayName,
		ExpiresAt: expiresAt,
	}, nil
}

func (s *Service) SessionFromToken(ctx context.Context, token string) (Session, error) {
	claims, err := auth.ParseToken([]byte(s.cfg.JWTSecret), token)
	if err != nil {
		return Session{}, err
	}

	user, err := s.store.GetUserByID(ctx, claims.Sub)
	if err != nil {
		return Session{}, err
	}

	return Session{
		Token:     token,
		UserID:    user.ID,
		UserName:  user.DisplayName,
		ExpiresAt: time.Unix(claims.Exp, 0),
	}, nil
}

// PersonalActivity is the personal-scope view: the viewer's own records
// plus editing signals on tasks the viewer owns. Other users' unscoped
// activity stays invisible.
func (s *Service) PersonalActivity(ctx context.Context, viewerID string) ([]presence.Record, error) {
	if viewerID == "" {
		return nil, presence.ErrUnauthenticated
	}

	all := s.presence.Store().Personal()
	visible := make([]presence.Record, 0, len(all))
	for _, record := range all {
		if record.UserID == viewerID {
			visible = append(visible, record)
			continue
		}
		if record.Action != presence.ActionEditing || record.TargetID == "" {
			continue
		}
		task, err := s.store.GetTask(ctx, record.TargetID)
		if errors.Is(err, sql.ErrNoRows) {
			continue
		}
		if err != nil {
			return nil, err
		}
		if task.OwnerID == viewerID && task.GroupID == "" {
			visible = append(visible, record)
		}
	}
	return visible, nil
}

// GroupActivity re-checks membership on every call and collapses to an
// empty set when the check fails; a revoked member sees nothing rather
// than an error.
func (s *Service) GroupActivity(ctx context.Context, viewerID, groupID string) ([]presence.Record, error) {
	if viewerID == "" {
		return nil, presence.ErrUnauthenticated
	}
	if groupID == "" {
		return []presence.Record{}, nil
	}

	member, err := s.store.IsMember(ctx, groupID, viewerID)
	if err != nil {
		return nil, err
	}
	if !member {
		return []presence.Record{}, nil
	}
	return s.presence.Store().Group(groupID, groupActivityLimit), nil
}

// Notifications aggregates everything the badge needs in one shot:
// unread direct messages, per-group unread counts and pending tasks, and
// the collapsed has-activity flags.
func (s *Service) Notifications(ctx context.Context, viewerID string) (map[string]any, error) {
	if viewerID == "" {
		return nil, presence.ErrUnauthenticated
	}

	unread, err := s.store.UnreadMessageCount(ctx, viewerID)
	if err != nil {
		return nil, err
	}
	groupUnread, err := s.store.UnreadGroupMessageCounts(ctx, viewerID)
	if err != nil {
		return nil, err
	}
	pendingTasks, err := s.store.PendingTaskCounts(ctx, viewerID)
	if err != nil {
		return nil, err
	}

	groups := map[string]any{}
	anyGroupActivity := false
	for groupID := range groupUnread {
		if _, ok := pendingTasks[groupID]; !ok {
			pendingTasks[groupID] = 0
		}
	}
	for groupID, pending := range pendingTasks {
		unreadInGroup := groupUnread[groupID]
		hasActivity := unreadInGroup > 0 || pending > 0
		if hasActivity {
			anyGroupActivity = true
		}
		groups[groupID] = map[string]any{
			"unreadMessages": unreadInGroup,
			"pendingTasks":   pending,
			"hasActivity":    hasActivity,
		}
	}

	// Group activity of any kind contributes exactly one unit to the
	// badge, however many groups are active.
	badge := unread
	if anyGroupActivity {
		badge++
	}

	return map[string]any{
		"unreadMessages":   unread,
		"groups":           groups,
		"anyGroupActivity": anyGroupActivity,
		"badgeTotal":       badge,
	}, nil
}

// CheckGroupActivity is the poll twin of the reactive badge, used by
// clients whose tab is hidden and whose subscriptions are paused.
func (s *Service) CheckGroupActivity(ctx context.Context, viewerID string) (bool, error) {
	if viewerID == "" {
		return false, presence.ErrUnauthenticated
	}

	groupUnread, err := s.store.UnreadGroupMessageCounts(ctx, viewerID)
	if err != nil {
		return false, err
	}
	for _, count := range groupUnread {
		if count > 0 {
			return true, nil
		}
	}
	pendingTasks, err := s.store.PendingTaskCounts(ctx, viewerID)
	if err != nil {
		return false, err
	}
	for _, count := range pendingTasks {
		if count > 0 {
			return true, nil
		}
	}
	return false, nil
}

func (s *Service) SendMessage(ctx context.Context, viewer Session, receiverID, content string) (map[string]any, error) {
	content = strings.TrimSpace(content)
	if content == "" {
		return nil, domainError(http.StatusUnprocessableEntity, "VALIDATION_ERROR", "content is required", nil)
	}
	if receiverID == "" {
		return nil, domainError(http.StatusUnprocessableEntity, "VALIDATION_ERROR", "receiverId is required", nil)
	}

	receiver, err := s.store.GetUserByID(ctx, receiverID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, domainError(http.StatusNotFound, "NOT_FOUND", "Receiver not found", nil)
	}
	if err != nil {
		return nil, err
	}

	message := store.Message{
		ID:           util.NewID("msg"),
		SenderID:     viewer.UserID,
		SenderName:   viewer.UserName,
		ReceiverID:   receiver.ID,
		ReceiverName: receiver.DisplayName,
		Content:      content,
		CreatedAt:    time.Now(),
	}
	if err := s.store.InsertMessage(ctx, message); err != nil {
		return nil, err
	}

	s.bus.Publish(events.Event{
		Topic:   events.TopicMessages,
		UserIDs: []string{message.SenderID, message.ReceiverID},
	})
	return messagePayload(message), nil
}

// MarkMessageRead flips a single direct message. Only the receiver may
// mark it; marking an already-read message is a no-op.
func (s *Service) MarkMessageRead(ctx context.Context, viewerID, messageID string) error {
	message, err := s.store.GetMessage(ctx, messageID)
	if errors.Is(err, sql.ErrNoRows) {
		return domainError(http.StatusNotFound, "NOT_FOUND", "Message not found", nil)
	}
	if err != nil {
		return err
	}
	if message.ReceiverID != viewerID {
		return domainError(http.StatusForbidden, "NOT_AUTHORIZED", "Only the receiver can mark a message read", nil)
	}
	if message.Read {
		return nil
	}

	if err := s.store.MarkMessageRead(ctx, messageID); err != nil {
		return err
	}
	s.bus.Publish(events.Event{
		Topic:   events.TopicMessages,
		UserIDs: []string{message.SenderID, message.ReceiverID},
	})
	return nil
}

func (s *Service) PersonalMessages(ctx context.Context, viewerID string) ([]map[string]any, error) {
	messages, err := s.store.ListMessagesForUser(ctx, viewerID, personalMessageLimit)
	if err != nil {
		return nil, err
	}
	return messagePayloads(messages), nil
}

func (s *Service) ConversationMessages(ctx context.Context, viewerID, otherUserID string) ([]map[string]any, error) {
	if otherUserID == "" {
		return nil, domainError(http.StatusUnprocessableEntity, "VALIDATION_ERROR", "user is required", nil)
	}
	messages, err := s.store.ListConversation(ctx, viewerID, otherUserID, conversationLimit)
	if err != nil {
		return nil, err
	}
	return messagePayloads(messages), nil
}

func (s *Service) SendGroupMessage(ctx context.Context, viewer Session, groupID, content string) (map[string]any, error) {
	content = strings.TrimSpace(content)
	if content == "" {
		return nil, domainError(http.StatusUnprocessableEntity, "VALIDATION_ERROR", "content is required", nil)
	}
	if err := s.requireMembership(ctx, groupID, viewer.UserID); err != nil {
		return nil, err
	}

	message := store.GroupMessage{
		ID:         util.NewID("gmsg"),
		GroupID:    groupID,
		SenderID:   viewer.UserID,
		SenderName: viewer.UserName,
		Content:    content,
		ReadBy:     []string{viewer.UserID},
		CreatedAt:  time.Now(),
	}
	if err := s.store.InsertGroupMessage(ctx, message); err != nil {
		return nil, err
	}

	s.bus.Publish(events.Event{Topic: events.TopicGroupMessages, GroupID: groupID})
	return groupMessagePayload(message), nil
}

// GroupMessages is fail-closed like GroupActivity: a non-member gets an
// empty list, never an error.
func (s *Service) GroupMessages(ctx context.Context, viewerID, groupID string) ([]map[string]any, error) {
	member, err := s.store.IsMember(ctx, groupID, viewerID)
	if err != nil {
		return nil, err
	}
	if !member {
		return []map[string]any{}, nil
	}

	messages, err := s.store.ListGroupMessages(ctx, groupID, groupMessageLimit)
	if err != nil {
		return nil, err
	}
	payloads := make([]map[string]any, 0, len(messages))
	for _, message := range messages {
		payloads = append(payloads, groupMessagePayload(message))
	}
	return payloads, nil
}

// MarkGroupMessagesRead adds the viewer to readBy on every group message
// they have not read. Messages the viewer sent are untouched.
func (s *Service) MarkGroupMessagesRead(ctx context.Context, viewerID, groupID string) (int, error) {
	if err := s.requireMembership(ctx, groupID, viewerID); err != nil {
		return 0, err
	}

	affected, err := s.store.MarkGroupMessagesRead(ctx, groupID, viewerID)
	if err != nil {
		return 0, err
	}
	if affected > 0 {
		s.bus.Publish(events.Event{Topic: events.TopicGroupMessages, GroupID: groupID})
	}
	return affected, nil
}

func (s *Service) UnreadGroupSummary(ctx context.Context, viewerID string) (map[string]int, error) {
	return s.store.UnreadGroupMessageCounts(ctx, viewerID)
}

func (s *Service) CreateTask(ctx context.Context, viewer Session, text, groupID string) (map[string]any, error) {
	text = strings.TrimSpace(text)
	if text == "" {
		return nil, domainError(http.StatusUnprocessableEntity, "VALIDATION_ERROR", "text is required", nil)
	}
	if groupID != "" {
		if err := s.requireMembership(ctx, groupID, viewer.UserID); err != nil {
			return nil, err
		}
	}

	task := store.Task{
		ID:        util.NewID("tsk"),
		Text:      text,
		OwnerID:   viewer.UserID,
		GroupID:   groupID,
		CreatedAt: time.Now(),
	}
	if err := s.store.InsertTask(ctx, task); err != nil {
		return nil, err
	}

	s.bus.Publish(s.taskEvent(task))
	return taskPayload(task), nil
}

func (s *Service) ToggleTask(ctx context.Context, viewerID, taskID string) (map[string]any, error) {
	task, err := s.authorizeTaskWrite(ctx, viewerID, taskID)
	if err != nil {
		return nil, err
	}

	updated, err := s.store.UpdateTaskChecked(ctx, task.ID, !task.IsChecked)
	if err != nil {
		return nil, err
	}
	if !updated {
		return nil, domainError(http.StatusNotFound, "NOT_FOUND", "Task not found", nil)
	}
	task.IsChecked = !task.IsChecked

	s.bus.Publish(s.taskEvent(task))
	return taskPayload(task), nil
}

func (s *Service) DeleteTask(ctx context.Context, viewerID, taskID string) error {
	task, err := s.authorizeTaskWrite(ctx, viewerID, taskID)
	if err != nil {
		return err
	}

	deleted, err := s.store.DeleteTask(ctx, task.ID)
	if err != nil {
		return err
	}
	if !deleted {
		return domainError(http.StatusNotFound, "NOT_FOUND", "Task not found", nil)
	}

	s.bus.Publish(s.taskEvent(task))
	return nil
}

func (s *Service) TasksPersonal(ctx context.Context, viewerID string) ([]map[string]any, error) {
	tasks, err := s.store.ListPersonalTasks(ctx, viewerID)
	if err != nil {
		return nil, err
	}
	return taskPayloads(tasks), nil
}

func (s *Service) TasksInGroup(ctx context.Context, viewerID, groupID string) ([]map[string]any, error) {
	member, err := s.store.IsMember(ctx, groupID, viewerID)
	if err != nil {
		return nil, err
	}
	if !member {
		return []map[string]any{}, nil
	}
	tasks, err := s.store.ListGroupTasks(ctx, groupID)
	if err != nil {
		return nil, err
	}
	return taskPayloads(tasks), nil
}

func (s *Service) AllGroupTasksSummary(ctx context.Context, viewerID string) (map[string]int, error) {
	return s.store.PendingTaskCounts(ctx, viewerID)
}

func (s *Service) GroupsForViewer(ctx context.Context, viewerID string) ([]map[string]any, error) {
	groups, err := s.store.ListGroupsForUser(ctx, viewerID)
	if err != nil {
		return nil, err
	}

	payloads := make([]map[string]any, 0, len(groups))
	for _, group := range groups {
		members, err := s.store.ListGroupMembers(ctx, group.ID)
		if err != nil {
			return nil, err
		}
		memberPayloads := make([]map[string]any, 0, len(members))
		for _, member := range members {
			memberPayloads = append(memberPayloads, map[string]any{
				"userId":   member.UserID,
				"username": member.Username,
				"role":     member.Role,
				"color":    member.Color,
			})
		}
		payloads = append(payloads, map[string]any{
			"id":          group.ID,
			"name":        group.Name,
			"description": group.Description,
			"members":     memberPayloads,
		})
	}
	return payloads, nil
}

// authorizeTaskWrite loads a task and decides whether the viewer may
// mutate it: personal tasks belong to their owner, group tasks to every
// current member.
func (s *Service) authorizeTaskWrite(ctx context.Context, viewerID, taskID string) (store.Task, error) {
	task, err := s.store.GetTask(ctx, taskID)
	if errors.Is(err, sql.ErrNoRows) {
		return store.Task{}, domainError(http.StatusNotFound, "NOT_FOUND", "Task not found", nil)
	}
	if err != nil {
		return store.Task{}, err
	}

	if task.GroupID == "" {
		if task.OwnerID != viewerID {
			return store.Task{}, domainError(http.StatusForbidden, "NOT_AUTHORIZED", "Not your task", nil)
		}
		return task, nil
	}
	if err := s.requireMembership(ctx, task.GroupID, viewerID); err != nil {
		return store.Task{}, err
	}
	return task, nil
}

func (s *Service) requireMembership(ctx context.Context, groupID, userID string) error {
	if groupID == "" {
		return domainError(http.StatusUnprocessableEntity, "VALIDATION_ERROR", "groupId is required", nil)
	}
	member, err := s.store.IsMember(ctx, groupID, userID)
	if err != nil {
		return err
	}
	if !member {
		return domainError(http.StatusForbidden, "NOT_AUTHORIZED", fmt.Sprintf("Not a member of group %s", groupID), nil)
	}
	return nil
}

func (s *Service) taskEvent(task store.Task) events.Event {
	event := events.Event{Topic: events.TopicTasks, GroupID: task.GroupID}
	if task.GroupID == "" {
		event.UserIDs = []string{task.OwnerID}
	}
	return event
}

func messagePayload(message store.Message) map[string]any {
	return map[string]any{
		"id":           message.ID,
		"senderId":     message.SenderID,
		"senderName":   message.SenderName,
		"receiverId":   message.ReceiverID,
		"receiverName": message.ReceiverName,
		"content":      message.Content,
		"read":         message.Read,
		"createdAt":    message.CreatedAt.UTC().Format(time.RFC3339),
	}
}

func messagePayloads(messages []store.Message) []map[string]any {
	payloads := make([]map[string]any, 0, len(messages))
	for _, message := range messages {
		payloads = append(payloads, messagePayload(message))
	}
	return payloads
}

func groupMessagePayload(message store.GroupMessage) map[string]any {
	readBy := message.ReadBy
	if readBy == nil {
		readBy = []string{}
	}
	return map[string]any{
		"id":         message.ID,
		"groupId":    message.GroupID,
		"senderId":   message.SenderID,
		"senderName": message.SenderName,
		"content":    message.Content,
		"readBy":     readBy,
		"createdAt":  message.CreatedAt.UTC().Format(time.RFC3339),
	}
}

func taskPayload(task store.Task) map[string]any {
	payload := map[string]any{
		"id":        task.ID,
		"text":      task.Text,
		"ownerId":   task.OwnerID,
		"isChecked": task.IsChecked,
		"createdAt": task.CreatedAt.UTC().Format(time.RFC3339),
	}
	if task.GroupID != "" {
		payload["groupId"] = task.GroupID
	}
	return payload
}

func taskPayloads(tasks []store.Task) []map[string]any {
	payloads := make([]map[string]any, 0, len(tasks))
	for _, task := range tasks {
		payloads = append(payloads, taskPayload(task))
	}
	return payloads
}
