package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"cotask/api/internal/util"
)

type PostgresStore struct {
	db *sql.DB
}

func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (s *PostgresStore) DB() *sql.DB {
	return s.db
}

func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func (s *PostgresStore) EnsureUserByName(ctx context.Context, name string) (User, error) {
	const findUser = `SELECT id, display_name, created_at FROM users WHERE display_name = $1`
	var user User
	err := s.db.QueryRowContext(ctx, findUser, name).Scan(&user.ID, &user.DisplayName, &user.CreatedAt)
	if err == nil {
		return user, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return User{}, fmt.Errorf("lookup user: %w", err)
	}

	const insertUser = `
		INSERT INTO users (id, display_name)
		VALUES ($1, $2)
		RETURNING id, display_name, created_at
	`
	if err := s.db.QueryRowContext(ctx, insertUser, util.NewID("usr"), name).Scan(&user.ID, &user.DisplayName, &user.CreatedAt); err != nil {
		return User{}, fmt.Errorf("insert user: %w", err)
	}
	return user, nil
}

func (s *PostgresStore) GetUserByID(ctx context.Context, userID string) (User, error) {
	var user User
	err := s.db.QueryRowContext(ctx, `SELECT id, display_name, created_at FROM users WHERE id=$1`, userID).Scan(&user.ID, &user.DisplayName, &user.CreatedAt)
	if err != nil {
		return User{}, err
	}
	return user, nil
}

func (s *PostgresStore) DisplayName(ctx context.Context, userID string) (string, error) {
	var name string
	err := s.db.QueryRowContext(ctx, `SELECT display_name FROM users WHERE id=$1`, userID).Scan(&name)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("read display name: %w", err)
	}
	return name, nil
}

func (s *PostgresStore) ListUsers(ctx context.Context) ([]User, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT id, display_name, created_at FROM users ORDER BY display_name`)
	if err != nil {
		return nil, fmt.Errorf("list users: %w", err)
	}
	defer rows.Close()

	var users []User
	for rows.Next() {
		var user User
		if err := rows.Scan(&user.ID, &user.DisplayName, &user.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan user: %w", err)
		}
		users = append(users, user)
	}
	return users, rows.Err()
}

func (s *PostgresStore) InsertGroup(ctx context.Context, group Group) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO groups (id, name, description, created_by)
		VALUES ($1, $2, $3, $4)
	`, group.ID, group.Name, group.Description, group.CreatedBy)
	if err != nil {
		return fmt.Errorf("insert group: %w", err)
	}
	return nil
}

func (s *PostgresStore) AddGroupMember(ctx context.Context, member GroupMember) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO group_members (group_id, user_id, username, role, color)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (group_id, user_id) DO NOTHING
	`, member.GroupID, member.UserID, member.Username, member.Role, member.Color)
	if err != nil {
		return fmt.Errorf("add group member: %w", err)
	}
	return nil
}

func (s *PostgresStore) ListGroupsForUser(ctx context.Context, userID string) ([]Group, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT g.id, g.name, g.description, g.created_by, g.created_at
		FROM groups g
		JOIN group_members m ON m.group_id = g.id
		WHERE m.user_id = $1
		ORDER BY g.created_at DESC
	`, userID)
	if err != nil {
		return nil, fmt.Errorf("list groups: %w", err)
	}
	defer rows.Close()

	var groups []Group
	for rows.Next() {
		var group Group
		if err := rows.Scan(&group.ID, &group.Name, &group.Description, &group.CreatedBy, &group.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan group: %w", err)
		}
		groups = append(groups, group)
	}
	return groups, rows.Err()
}

func (s *PostgresStore) ListGroupMembers(ctx context.Context, groupID string) ([]GroupMember, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT group_id, user_id, username, role, color, joined_at
		FROM group_members
		WHERE group_id = $1
		ORDER BY joined_at
	`, groupID)
	if err != nil {
		return nil, fmt.Errorf("list group members: %w", err)
	}
	defer rows.Close()

	var members []GroupMember
	for rows.Next() {
		var member GroupMember
		if err := rows.Scan(&member.GroupID, &member.UserID, &member.Username, &member.Role, &member.Color, &member.JoinedAt); err != nil {
			return nil, fmt.Errorf("scan group member: %w", err)
		}
		members = append(members, member)
	}
	return members, rows.Err()
}

func (s *PostgresStore) IsMember(ctx context.Context, groupID, userID string) (bool, error) {
	var exists bool
	err := s.db.QueryRowContext(ctx, `
		SELECT EXISTS(SELECT 1 FROM group_members WHERE group_id=$1 AND user_id=$2)
	`, groupID, userID).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("check membership: %w", err)
	}
	return exists, nil
}

func (s *PostgresStore) MemberColor(ctx context.Context, groupID, userID string) (string, error) {
	var color string
	err := s.db.QueryRowContext(ctx, `
		SELECT color FROM group_members WHERE group_id=$1 AND user_id=$2
	`, groupID, userID).Scan(&color)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("read member color: %w", err)
	}
	return color, nil
}

func (s *PostgresStore) InsertTask(ctx context.Context, task Task) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO tasks (id, text, owner_id, group_id, is_checked)
		VALUES ($1, $2, $3, NULLIF($4, ''), $5)
	`, task.ID, task.Text, task.OwnerID, task.GroupID, task.IsChecked)
	if err != nil {
		return fmt.Errorf("insert task: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetTask(ctx context.Context, taskID string) (Task, error) {
	var task Task
	var groupID sql.NullString
	err := s.db.QueryRowContext(ctx, `
		SELECT id, text, owner_id, group_id, is_checked, created_at FROM tasks WHERE id=$1
	`, taskID).Scan(&task.ID, &task.Text, &task.OwnerID, &groupID, &task.IsChecked, &task.CreatedAt)
	if err != nil {
		return Task{}, err
	}
	task.GroupID = groupID.String
	return task, nil
}

func (s *PostgresStore) UpdateTaskChecked(ctx context.Context, taskID string, checked bool) (bool, error) {
	result, err := s.db.ExecContext(ctx, `UPDATE tasks SET is_checked=$2 WHERE id=$1`, taskID, checked)
	if err != nil {
		return false, fmt.Errorf("update task: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("update task result: %w", err)
	}
	return affected > 0, nil
}

func (s *PostgresStore) DeleteTask(ctx context.Context, taskID string) (bool, error) {
	result, err := s.db.ExecContext(ctx, `DELETE FROM tasks WHERE id=$1`, taskID)
	if err != nil {
		return false, fmt.Errorf("delete task: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("delete task result: %w", err)
	}
	return affected > 0, nil
}

func (s *PostgresStore) ListPersonalTasks(ctx context.Context, ownerID string) ([]Task, error) {
	return s.listTasks(ctx, `
		SELECT id, text, owner_id, group_id, is_checked, created_at
		FROM tasks
		WHERE owner_id = $1 AND group_id IS NULL
		ORDER BY created_at DESC
	`, ownerID)
}

func (s *PostgresStore) ListGroupTasks(ctx context.Context, groupID string) ([]Task, error) {
	return s.listTasks(ctx, `
		SELECT id, text, owner_id, group_id, is_checked, created_at
		FROM tasks
		WHERE group_id = $1
		ORDER BY created_at DESC
	`, groupID)
}

func (s *PostgresStore) listTasks(ctx context.Context, query string, arg any) ([]Task, error) {
	rows, err := s.db.QueryContext(ctx, query, arg)
	if err != nil {
		return nil, fmt.Errorf("list tasks: %w", err)
	}
	defer rows.Close()

	var tasks []Task
	for rows.Next() {
		var task Task
		var groupID sql.NullString
		if err := rows.Scan(&task.ID, &task.Text, &task.OwnerID, &groupID, &task.IsChecked, &task.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan task: %w", err)
		}
		task.GroupID = groupID.String
		tasks = append(tasks, task)
	}
	return tasks, rows.Err()
}

// PendingTaskCounts returns the number of unchecked tasks per group the
// user belongs to. Groups without pending tasks are omitted.
func (s *PostgresStore) PendingTaskCounts(ctx context.Context, userID string) (map[string]int, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT t.group_id, COUNT(*)
		FROM tasks t
		JOIN group_members m ON m.group_id = t.group_id AND m.user_id = $1
		WHERE t.is_checked = FALSE
		GROUP BY t.group_id
	`, userID)
	if err != nil {
		return nil, fmt.Errorf("pending task counts: %w", err)
	}
	defer rows.Close()

	counts := make(map[string]int)
	for rows.Next() {
		var groupID string
		var count int
		if err := rows.Scan(&groupID, &count); err != nil {
			return nil, fmt.Errorf("scan pending task count: %w", err)
		}
		counts[groupID] = count
	}
	return counts, rows.Err()
}

func (s *PostgresStore) InsertMessage(ctx context.Context, message Message) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO messages (id, sender_id, sender_name, receiver_id, receiver_name, content, read)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
	`, message.ID, message.SenderID, message.SenderName, message.ReceiverID, message.ReceiverName, message.Content, message.Read)
	if err != nil {
		return fmt.Errorf("insert message: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetMessage(ctx context.Context, messageID string) (Message, error) {
	var message Message
	err := s.db.QueryRowContext(ctx, `
		SELECT id, sender_id, sender_name, receiver_id, receiver_name, content, read, created_at
		FROM messages WHERE id=$1
	`, messageID).Scan(&message.ID, &message.SenderID, &message.SenderName, &message.ReceiverID, &message.ReceiverName, &message.Content, &message.Read, &message.CreatedAt)
	if err != nil {
		return Message{}, err
	}
	return message, nil
}

func (s *PostgresStore) MarkMessageRead(ctx context.Context, messageID string) error {
	if _, err := s.db.ExecContext(ctx, `UPDATE messages SET read=TRUE WHERE id=$1`, messageID); err != nil {
		return fmt.Errorf("mark message read: %w", err)
	}
	return nil
}

func (s *PostgresStore) ListMessagesForUser(ctx context.Context, userID string, limit int) ([]Message, error) {
	return s.listMessages(ctx, `
		SELECT id, sender_id, sender_name, receiver_id, receiver_name, content, read, created_at
		FROM messages
		WHERE sender_id = $1 OR receiver_id = $1
		ORDER BY created_at DESC
		LIMIT $2
	`, userID, limit)
}

func (s *PostgresStore) ListConversation(ctx context.Context, userID, otherUserID string, limit int) ([]Message, error) {
	return s.listMessages(ctx, `
		SELECT id, sender_id, sender_name, receiver_id, receiver_name, content, read, created_at
		FROM messages
		WHERE (sender_id = $1 AND receiver_id = $2) OR (sender_id = $2 AND receiver_id = $1)
		ORDER BY created_at DESC
		LIMIT $3
	`, userID, otherUserID, limit)
}

func (s *PostgresStore) listMessages(ctx context.Context, query string, args ...any) ([]Message, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list messages: %w", err)
	}
	defer rows.Close()

	var messages []Message
	for rows.Next() {
		var message Message
		if err := rows.Scan(&message.ID, &message.SenderID, &message.SenderName, &message.ReceiverID, &message.ReceiverName, &message.Content, &message.Read, &message.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan message: %w", err)
		}
		messages = append(messages, message)
	}
	return messages, rows.Err()
}

func (s *PostgresStore) UnreadMessageCount(ctx context.Context, userID string) (int, error) {
	var count int
	err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM messages WHERE receiver_id=$1 AND read=FALSE
	`, userID).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("unread message count: %w", err)
	}
	return count, nil
}

func (s *PostgresStore) InsertGroupMessage(ctx context.Context, message GroupMessage) error {
	readBy, err := json.Marshal(message.ReadBy)
	if err != nil {
		return fmt.Errorf("marshal read_by: %w", err)
	}
	if message.ReadBy == nil {
		readBy = []byte(`[]`)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO group_messages (id, group_id, sender_id, sender_name, content, read_by)
		VALUES ($1, $2, $3, $4, $5, $6)
	`, message.ID, message.GroupID, message.SenderID, message.SenderName, message.Content, readBy)
	if err != nil {
		return fmt.Errorf("insert group message: %w", err)
	}
	return nil
}

func (s *PostgresStore) ListGroupMessages(ctx context.Context, groupID string, limit int) ([]GroupMessage, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, group_id, sender_id, sender_name, content, read_by, created_at
		FROM group_messages
		WHERE group_id = $1
		ORDER BY created_at DESC
		LIMIT $2
	`, groupID, limit)
	if err != nil {
		return nil, fmt.Errorf("list group messages: %w", err)
	}
	defer rows.Close()

	var messages []GroupMessage
	for rows.Next() {
		var message GroupMessage
		var readBy []byte
		if err := rows.Scan(&message.ID, &message.GroupID, &message.SenderID, &message.SenderName, &message.Content, &readBy, &message.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan group message: %w", err)
		}
		if len(readBy) > 0 {
			if err := json.Unmarshal(readBy, &message.ReadBy); err != nil {
				return nil, fmt.Errorf("unmarshal read_by: %w", err)
			}
		}
		messages = append(messages, message)
	}
	return messages, rows.Err()
}

// MarkGroupMessagesRead records the user as a reader of every group
// message they have not read yet, excluding their own. Returns the number
// of messages updated.
func (s *PostgresStore) MarkGroupMessagesRead(ctx context.Context, groupID, userID string) (int, error) {
	result, err := s.db.ExecContext(ctx, `
		UPDATE group_messages
		SET read_by = read_by || to_jsonb($2::text)
		WHERE group_id = $1
		  AND sender_id <> $2
		  AND NOT read_by @> to_jsonb($2::text)
	`, groupID, userID)
	if err != nil {
		return 0, fmt.Errorf("mark group messages read: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("mark group messages read result: %w", err)
	}
	return int(affected), nil
}

// UnreadGroupMessageCounts returns, per group the user belongs to, the
// number of group messages sent by someone else that the user has not
// read. Groups with no unread messages are omitted.
func (s *PostgresStore) UnreadGroupMessageCounts(ctx context.Context, userID string) (map[string]int, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT gm.group_id, COUNT(*)
		FROM group_messages gm
		JOIN group_members m ON m.group_id = gm.group_id AND m.user_id = $1
		WHERE gm.sender_id <> $1
		  AND NOT gm.read_by @> to_jsonb($1::text)
		GROUP BY gm.group_id
	`, userID)
	if err != nil {
		return nil, fmt.Errorf("unread group message counts: %w", err)
	}
	defer rows.Close()

	counts := make(map[string]int)
	for rows.Next() {
		var groupID string
		var count int
		if err := rows.Scan(&groupID, &count); err != nil {
			return nil, fmt.Errorf("scan unread group message count: %w", err)
		}
		counts[groupID] = count
	}
	return counts, rows.Err()
}
