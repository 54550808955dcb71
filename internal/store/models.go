package store

import "time"

type User struct {
	ID          string
	DisplayName string
	CreatedAt   time.Time
}

type Group struct {
	ID          string
	Name        string
	Description string
	CreatedBy   string
	CreatedAt   time.Time
}

type GroupMember struct {
	GroupID  string
	UserID   string
	Username string
	Role     string
	Color    string
	JoinedAt time.Time
}

type Task struct {
	ID        string
	Text      string
	OwnerID   string
	GroupID   string
	IsChecked bool
	CreatedAt time.Time
}

type Message struct {
	ID           string
	SenderID     string
	SenderName   string
	ReceiverID   string
	ReceiverName string
	Content      string
	Read         bool
	CreatedAt    time.Time
}

// GroupMessage tracks readers per message; a reader absent from ReadBy
// counts as unread.
type GroupMessage struct {
	ID         string
	GroupID    string
	SenderID   string
	SenderName string
	Content    string
	ReadBy     []string
	CreatedAt  time.Time
}
