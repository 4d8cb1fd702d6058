package database

import "time"

// MemberRecord represents a member lease in the database.
type MemberRecord struct {
	ClusterName string
	Address     string
	Name        string
	JoinedAt    time.Time
	ExpiresAt   time.Time
}

// MessageRecord represents a message waiting in a member's mailbox.
type MessageRecord struct {
	ID          int64
	ClusterName string
	Recipient   string
	Sender      string
	SenderName  string
	Kind        int
	Payload     []byte
	CreatedAt   time.Time
}
