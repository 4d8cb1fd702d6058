package pgchannel

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"go-commandbus/channel"
	"go-commandbus/database"
)

// frameKind discriminates the rows of a mailbox.
type frameKind int

const (
	frameUser frameKind = iota
	frameStateRequest
	frameStateResponse
	frameStateFailure
)

// frame is one message taken from a mailbox.
type frame struct {
	id         int64
	sender     channel.Address
	senderName string
	kind       frameKind
	payload    []byte
}

// memberStore handles all database operations for member leases and mailboxes.
type memberStore struct {
	db          *sql.DB
	clusterName string
	queries     *database.Queries
}

func newMemberStore(db *sql.DB, clusterName string) *memberStore {
	return &memberStore{
		db:          db,
		clusterName: clusterName,
		queries:     database.NewQueries(db, clusterName),
	}
}

// notifyChannel is the LISTEN/NOTIFY channel members are woken on.
func (s *memberStore) notifyChannel() string {
	return s.clusterName + "_inbox"
}

// Members returns the live members, oldest first.
func (s *memberStore) Members(ctx context.Context) ([]channel.Member, error) {
	var records, err = s.queries.ListMembers(ctx, s.clusterName)
	if err != nil {
		return nil, fmt.Errorf("failed to list members: %w", err)
	}

	var members = make([]channel.Member, len(records))
	for i, record := range records {
		members[i] = channel.Member{
			Address: channel.Address(record.Address),
			Name:    record.Name,
		}
	}

	return members, nil
}

// RenewLease writes the member's lease. A new member joins at the current time.
func (s *memberStore) RenewLease(ctx context.Context, member channel.Member, ttl time.Duration) error {
	var now = time.Now()
	var record = &database.MemberRecord{
		ClusterName: s.clusterName,
		Address:     string(member.Address),
		Name:        member.Name,
		JoinedAt:    now,
		ExpiresAt:   now.Add(ttl),
	}

	if err := s.queries.SetMember(ctx, record); err != nil {
		return fmt.Errorf("failed to renew lease of %s: %w", member.Name, err)
	}

	return nil
}

// HasLease reports whether a lease of addr is on record, live or expired.
func (s *memberStore) HasLease(ctx context.Context, addr channel.Address) (bool, error) {
	var record, err = s.queries.GetMember(ctx, s.clusterName, string(addr))
	if err != nil {
		return false, err
	}
	return record != nil, nil
}

// Remove deletes the member's lease and mailbox.
func (s *memberStore) Remove(ctx context.Context, addr channel.Address) error {
	if err := s.queries.DeleteMember(ctx, s.clusterName, string(addr)); err != nil {
		return fmt.Errorf("failed to delete lease of %s: %w", addr, err)
	}
	if _, err := s.queries.DeleteMailbox(ctx, s.clusterName, string(addr)); err != nil {
		return fmt.Errorf("failed to delete mailbox of %s: %w", addr, err)
	}
	return nil
}

// Post places payload in the mailbox of every recipient in a single transaction and returns
// the ids of the inserted rows. A broadcast resolves its recipients inside the transaction.
func (s *memberStore) Post(ctx context.Context, from channel.Member, dest channel.Address, kind frameKind, payload []byte) ([]int64, error) {
	if payload == nil {
		payload = []byte{}
	}

	var tx, err = s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() {
		_ = tx.Rollback()
	}()

	var queries = s.queries.WithTx(tx)

	var recipients = []string{string(dest)}
	if dest == channel.Broadcast {
		records, err := queries.ListMembers(ctx, s.clusterName)
		if err != nil {
			return nil, fmt.Errorf("failed to resolve broadcast recipients: %w", err)
		}
		recipients = recipients[:0]
		for _, record := range records {
			recipients = append(recipients, record.Address)
		}
	}

	var ids = make([]int64, 0, len(recipients))
	for _, recipient := range recipients {
		id, err := queries.InsertMessage(ctx, &database.MessageRecord{
			ClusterName: s.clusterName,
			Recipient:   recipient,
			Sender:      string(from.Address),
			SenderName:  from.Name,
			Kind:        int(kind),
			Payload:     payload,
		})
		if err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}

	if err := queries.Notify(ctx, s.notifyChannel(), string(dest)); err != nil {
		return nil, err
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit messages: %w", err)
	}

	return ids, nil
}

// Take removes and returns up to limit frames from the mailbox of addr.
// With kinds set, frames of other kinds stay in the mailbox.
func (s *memberStore) Take(ctx context.Context, addr channel.Address, limit int, kinds ...frameKind) ([]frame, error) {
	var (
		records []*database.MessageRecord
		err     error
	)
	if len(kinds) == 0 {
		records, err = s.queries.TakeMessages(ctx, s.clusterName, string(addr), limit)
	} else {
		var ks = make([]int64, len(kinds))
		for i, k := range kinds {
			ks[i] = int64(k)
		}
		records, err = s.queries.TakeMessagesOfKind(ctx, s.clusterName, string(addr), ks, limit)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to take messages: %w", err)
	}

	var frames = make([]frame, len(records))
	for i, record := range records {
		frames[i] = frame{
			id:         record.ID,
			sender:     channel.Address(record.Sender),
			senderName: record.SenderName,
			kind:       frameKind(record.Kind),
			payload:    record.Payload,
		}
	}

	return frames, nil
}

// Pending returns how many of the given frames are still in a mailbox.
func (s *memberStore) Pending(ctx context.Context, ids []int64) (int, error) {
	var count, err = s.queries.CountMessages(ctx, ids)
	if err != nil {
		return 0, fmt.Errorf("failed to count pending messages: %w", err)
	}
	return count, nil
}

// Cleanup removes expired members and messages nobody will take anymore.
func (s *memberStore) Cleanup(ctx context.Context) ([]string, int64, error) {
	var expired, err = s.queries.DeleteExpiredMembers(ctx, s.clusterName)
	if err != nil {
		return nil, 0, fmt.Errorf("failed to cleanup expired members: %w", err)
	}

	orphaned, err := s.queries.DeleteOrphanedMessages(ctx, s.clusterName)
	if err != nil {
		return expired, 0, fmt.Errorf("failed to cleanup orphaned messages: %w", err)
	}

	return expired, orphaned, nil
}

// Notify wakes every listening member.
func (s *memberStore) Notify(ctx context.Context) error {
	return s.queries.Notify(ctx, s.notifyChannel(), "")
}
