package database

import (
	"context"
	"database/sql"
	"fmt"
	"sort"

	"github.com/lib/pq"
)

// DBTX is an interface that both sql.DB and sql.Tx implement.
type DBTX interface {
	ExecContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...interface{}) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...interface{}) *sql.Row
}

// Queries provides table-aware database operations.
type Queries struct {
	db        DBTX
	tableName string
}

// NewQueries creates a new Queries instance with the given table name.
func NewQueries(db DBTX, tableName string) *Queries {
	return &Queries{
		db:        db,
		tableName: tableName,
	}
}

// WithTx returns a Queries instance running on tx.
func (q *Queries) WithTx(tx *sql.Tx) *Queries {
	return NewQueries(tx, q.tableName)
}

var (
	listMembersSQL = `
SELECT cluster_name, address, name, joined_at, expires_at
FROM %s_members
WHERE cluster_name = $1 AND expires_at > NOW()
ORDER BY joined_at ASC, address ASC;`

	getMemberSQL = `
SELECT cluster_name, address, name, joined_at, expires_at
FROM %s_members
WHERE cluster_name = $1 AND address = $2;`

	setMemberSQL = `
INSERT INTO %s_members (cluster_name, address, name, joined_at, expires_at)
VALUES ($1, $2, $3, $4, $5)
ON CONFLICT (cluster_name, address)
DO UPDATE SET
    name = EXCLUDED.name,
    expires_at = EXCLUDED.expires_at;`

	deleteMemberSQL = `
DELETE FROM %s_members
WHERE cluster_name = $1 AND address = $2;`

	deleteExpiredMembersSQL = `
DELETE FROM %s_members
WHERE cluster_name = $1 AND expires_at <= NOW()
RETURNING address;`

	insertMessageSQL = `
INSERT INTO %s_messages (cluster_name, recipient, sender, sender_name, kind, payload)
VALUES ($1, $2, $3, $4, $5, $6)
RETURNING id;`

	takeMessagesSQL = `
DELETE FROM %s_messages
WHERE id IN (
    SELECT id FROM %s_messages
    WHERE cluster_name = $1 AND recipient = $2
    ORDER BY id ASC
    LIMIT $3
    FOR UPDATE SKIP LOCKED
)
RETURNING id, cluster_name, recipient, sender, sender_name, kind, payload, created_at;`

	takeMessagesOfKindSQL = `
DELETE FROM %s_messages
WHERE id IN (
    SELECT id FROM %s_messages
    WHERE cluster_name = $1 AND recipient = $2 AND kind = ANY($3)
    ORDER BY id ASC
    LIMIT $4
    FOR UPDATE SKIP LOCKED
)
RETURNING id, cluster_name, recipient, sender, sender_name, kind, payload, created_at;`

	countMessagesSQL = `
SELECT COUNT(*)
FROM %s_messages
WHERE id = ANY($1);`

	deleteMailboxSQL = `
DELETE FROM %s_messages
WHERE cluster_name = $1 AND recipient = $2;`

	deleteOrphanedMessagesSQL = `
DELETE FROM %s_messages m
WHERE m.cluster_name = $1
AND NOT EXISTS (
    SELECT 1 FROM %s_members p
    WHERE p.cluster_name = m.cluster_name AND p.address = m.recipient
);`

	notifySQL = `SELECT pg_notify($1, $2);`
)

// ListMembers returns the live members of a cluster, oldest first.
func (q *Queries) ListMembers(ctx context.Context, clusterName string) ([]*MemberRecord, error) {
	var (
		query     = fmt.Sprintf(listMembersSQL, q.tableName)
		rows, err = q.db.QueryContext(ctx, query, clusterName)
	)
	if err != nil {
		return nil, fmt.Errorf("failed to list members: %w", err)
	}
	defer rows.Close()

	var members []*MemberRecord
	for rows.Next() {
		var member MemberRecord
		if err := rows.Scan(&member.ClusterName, &member.Address, &member.Name, &member.JoinedAt, &member.ExpiresAt); err != nil {
			return nil, fmt.Errorf("failed to scan member: %w", err)
		}
		members = append(members, &member)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("row iteration error: %w", err)
	}

	return members, nil
}

// GetMember retrieves a single member by address, including expired ones.
func (q *Queries) GetMember(ctx context.Context, clusterName, address string) (*MemberRecord, error) {
	var (
		query  = fmt.Sprintf(getMemberSQL, q.tableName)
		member MemberRecord
		err    = q.db.QueryRowContext(ctx, query, clusterName, address).Scan(
			&member.ClusterName, &member.Address, &member.Name, &member.JoinedAt, &member.ExpiresAt,
		)
	)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get member: %w", err)
	}

	return &member, nil
}

// SetMember inserts a member or renews its lease. The join time of an existing member is kept.
func (q *Queries) SetMember(ctx context.Context, member *MemberRecord) error {
	var query = fmt.Sprintf(setMemberSQL, q.tableName)
	_, err := q.db.ExecContext(ctx, query,
		member.ClusterName, member.Address, member.Name, member.JoinedAt, member.ExpiresAt,
	)
	if err != nil {
		return fmt.Errorf("failed to set member: %w", err)
	}
	return nil
}

// DeleteMember removes a member by address.
func (q *Queries) DeleteMember(ctx context.Context, clusterName, address string) error {
	var query = fmt.Sprintf(deleteMemberSQL, q.tableName)
	_, err := q.db.ExecContext(ctx, query, clusterName, address)
	if err != nil {
		return fmt.Errorf("failed to delete member: %w", err)
	}
	return nil
}

// DeleteExpiredMembers removes members whose lease has expired and returns their addresses.
func (q *Queries) DeleteExpiredMembers(ctx context.Context, clusterName string) ([]string, error) {
	var (
		query     = fmt.Sprintf(deleteExpiredMembersSQL, q.tableName)
		rows, err = q.db.QueryContext(ctx, query, clusterName)
	)
	if err != nil {
		return nil, fmt.Errorf("failed to delete expired members: %w", err)
	}
	defer rows.Close()

	var addresses []string
	for rows.Next() {
		var address string
		if err := rows.Scan(&address); err != nil {
			return nil, fmt.Errorf("failed to scan address: %w", err)
		}
		addresses = append(addresses, address)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("row iteration error: %w", err)
	}

	return addresses, nil
}

// InsertMessage adds a message to the recipient's mailbox and returns its id.
func (q *Queries) InsertMessage(ctx context.Context, message *MessageRecord) (int64, error) {
	var (
		query = fmt.Sprintf(insertMessageSQL, q.tableName)
		id    int64
	)
	err := q.db.QueryRowContext(ctx, query,
		message.ClusterName, message.Recipient, message.Sender, message.SenderName, message.Kind, message.Payload,
	).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("failed to insert message: %w", err)
	}
	return id, nil
}

// TakeMessages removes and returns up to limit messages from the recipient's mailbox, oldest first.
func (q *Queries) TakeMessages(ctx context.Context, clusterName, recipient string, limit int) ([]*MessageRecord, error) {
	var query = fmt.Sprintf(takeMessagesSQL, q.tableName, q.tableName)
	return q.takeMessages(ctx, query, clusterName, recipient, limit)
}

// TakeMessagesOfKind is TakeMessages restricted to the given kinds. Other messages stay in the mailbox.
func (q *Queries) TakeMessagesOfKind(ctx context.Context, clusterName, recipient string, kinds []int64, limit int) ([]*MessageRecord, error) {
	var query = fmt.Sprintf(takeMessagesOfKindSQL, q.tableName, q.tableName)
	return q.takeMessages(ctx, query, clusterName, recipient, pq.Array(kinds), limit)
}

func (q *Queries) takeMessages(ctx context.Context, query string, args ...interface{}) ([]*MessageRecord, error) {
	var rows, err = q.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to take messages: %w", err)
	}
	defer rows.Close()

	var messages []*MessageRecord
	for rows.Next() {
		var message MessageRecord
		if err := rows.Scan(&message.ID, &message.ClusterName, &message.Recipient, &message.Sender,
			&message.SenderName, &message.Kind, &message.Payload, &message.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan message: %w", err)
		}
		messages = append(messages, &message)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("row iteration error: %w", err)
	}

	// RETURNING does not preserve the order of the subquery
	sort.Slice(messages, func(i, j int) bool {
		return messages[i].ID < messages[j].ID
	})

	return messages, nil
}

// CountMessages returns how many of the given messages have not been taken yet.
func (q *Queries) CountMessages(ctx context.Context, ids []int64) (int, error) {
	var (
		query = fmt.Sprintf(countMessagesSQL, q.tableName)
		count int
	)
	if err := q.db.QueryRowContext(ctx, query, pq.Array(ids)).Scan(&count); err != nil {
		return 0, fmt.Errorf("failed to count messages: %w", err)
	}
	return count, nil
}

// DeleteMailbox removes every message addressed to recipient.
func (q *Queries) DeleteMailbox(ctx context.Context, clusterName, recipient string) (int64, error) {
	var query = fmt.Sprintf(deleteMailboxSQL, q.tableName)
	result, err := q.db.ExecContext(ctx, query, clusterName, recipient)
	if err != nil {
		return 0, fmt.Errorf("failed to delete mailbox: %w", err)
	}
	return result.RowsAffected()
}

// DeleteOrphanedMessages removes messages addressed to members that no longer exist.
func (q *Queries) DeleteOrphanedMessages(ctx context.Context, clusterName string) (int64, error) {
	var query = fmt.Sprintf(deleteOrphanedMessagesSQL, q.tableName, q.tableName)
	result, err := q.db.ExecContext(ctx, query, clusterName)
	if err != nil {
		return 0, fmt.Errorf("failed to delete orphaned messages: %w", err)
	}
	return result.RowsAffected()
}

// Notify sends payload to every session listening on channelName.
func (q *Queries) Notify(ctx context.Context, channelName, payload string) error {
	if _, err := q.db.ExecContext(ctx, notifySQL, channelName, payload); err != nil {
		return fmt.Errorf("failed to notify %s: %w", channelName, err)
	}
	return nil
}
