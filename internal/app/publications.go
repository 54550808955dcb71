package app

import (
	"context"
	"net/http"

	"cotask/api/internal/events"
)

// Subscription is a named, parameterized reactive query. The same names
// are used on the wire by websocket clients.
type Subscription struct {
	Name   string            `json:"name"`
	Params map[string]string `json:"params,omitempty"`
}

const (
	SubPersonalActivity     = "personalActivity"
	SubGroupActivity        = "groupActivity"
	SubPersonalMessages     = "personalMessages"
	SubConversationMessages = "conversationMessages"
	SubGroupMessages        = "groupMessages"
	SubGroupUnreadSummary   = "allGroupMessagesUnreadSummary"
	SubTasksPersonal        = "tasksPersonal"
	SubTasksInGroup         = "tasksInGroup"
	SubGroupTasksSummary    = "allGroupTasksSummary"
	SubNotifications        = "notifications"
)

// Evaluate runs a subscription from scratch for the given viewer and
// returns the full current result set. Authorization happens inside each
// read method, so every re-evaluation is also a fresh auth check.
func (s *Service) Evaluate(ctx context.Context, viewer Session, sub Subscription) (any, error) {
	switch sub.Name {
	case SubPersonalActivity:
		return s.PersonalActivity(ctx, viewer.UserID)
	case SubGroupActivity:
		return s.GroupActivity(ctx, viewer.UserID, sub.Params["groupId"])
	case SubPersonalMessages:
		return s.PersonalMessages(ctx, viewer.UserID)
	case SubConversationMessages:
		return s.ConversationMessages(ctx, viewer.UserID, sub.Params["userId"])
	case SubGroupMessages:
		return s.GroupMessages(ctx, viewer.UserID, sub.Params["groupId"])
	case SubGroupUnreadSummary:
		return s.UnreadGroupSummary(ctx, viewer.UserID)
	case SubTasksPersonal:
		return s.TasksPersonal(ctx, viewer.UserID)
	case SubTasksInGroup:
		return s.TasksInGroup(ctx, viewer.UserID, sub.Params["groupId"])
	case SubGroupTasksSummary:
		return s.AllGroupTasksSummary(ctx, viewer.UserID)
	case SubNotifications:
		return s.Notifications(ctx, viewer.UserID)
	default:
		return nil, domainError(http.StatusUnprocessableEntity, "VALIDATION_ERROR", "Unknown subscription "+sub.Name, nil)
	}
}

// Matches reports whether an event can change the subscription's result
// set for the given viewer. A false here only skips a re-evaluation, so
// the check errs on the side of matching.
func Matches(viewerID string, sub Subscription, event events.Event) bool {
	if !event.Involves(viewerID) {
		return false
	}

	groupMatch := func() bool {
		wanted := sub.Params["groupId"]
		return event.GroupID == "" || event.GroupID == wanted
	}

	switch sub.Name {
	case SubPersonalActivity:
		return event.Topic == events.TopicActivity
	case SubGroupActivity:
		return (event.Topic == events.TopicActivity && groupMatch()) ||
			event.Topic == events.TopicGroups
	case SubPersonalMessages, SubConversationMessages:
		return event.Topic == events.TopicMessages
	case SubGroupMessages:
		return (event.Topic == events.TopicGroupMessages && groupMatch()) ||
			event.Topic == events.TopicGroups
	case SubGroupUnreadSummary:
		return event.Topic == events.TopicGroupMessages || event.Topic == events.TopicGroups
	case SubTasksPersonal:
		return event.Topic == events.TopicTasks
	case SubTasksInGroup:
		return (event.Topic == events.TopicTasks && groupMatch()) ||
			event.Topic == events.TopicGroups
	case SubGroupTasksSummary:
		return event.Topic == events.TopicTasks || event.Topic == events.TopicGroups
	case SubNotifications:
		return event.Topic == events.TopicMessages ||
			event.Topic == events.TopicGroupMessages ||
			event.Topic == events.TopicTasks ||
			event.Topic == events.TopicGroups
	default:
		return false
	}
}
