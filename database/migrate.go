package database

import (
	"database/sql"
	"fmt"
)

var (
	createMembersTableSQL = `
CREATE TABLE IF NOT EXISTS %s_members (
    cluster_name  VARCHAR       NOT NULL,
    address       VARCHAR       NOT NULL,
    name          VARCHAR       NOT NULL,
    joined_at     TIMESTAMPTZ   NOT NULL,
    expires_at    TIMESTAMPTZ   NOT NULL,

    PRIMARY KEY (cluster_name, address)
);`

	createMessagesTableSQL = `
CREATE TABLE IF NOT EXISTS %s_messages (
    id            BIGSERIAL     PRIMARY KEY,
    cluster_name  VARCHAR       NOT NULL,
    recipient     VARCHAR       NOT NULL,
    sender        VARCHAR       NOT NULL,
    sender_name   VARCHAR       NOT NULL,
    kind          INTEGER       NOT NULL,
    payload       BYTEA         NOT NULL,
    created_at    TIMESTAMPTZ   NOT NULL DEFAULT NOW()
);`

	createMessagesIndexSQL = `
CREATE INDEX IF NOT EXISTS %s
ON %s_messages (cluster_name, recipient, id);`
)

// Migrate creates the members and messages tables with indexes.
func Migrate(db *sql.DB, tableName string) error {
	if err := createMembersTable(db, tableName); err != nil {
		return err
	}

	if err := createMessagesTable(db, tableName); err != nil {
		return err
	}

	if err := createMessagesIndex(db, tableName); err != nil {
		return err
	}

	return nil
}

func createMembersTable(db *sql.DB, tableName string) error {
	var query = fmt.Sprintf(createMembersTableSQL, tableName)
	if _, err := db.Exec(query); err != nil {
		return fmt.Errorf("failed to create members table: %w", err)
	}
	return nil
}

func createMessagesTable(db *sql.DB, tableName string) error {
	var query = fmt.Sprintf(createMessagesTableSQL, tableName)
	if _, err := db.Exec(query); err != nil {
		return fmt.Errorf("failed to create messages table: %w", err)
	}
	return nil
}

func createMessagesIndex(db *sql.DB, tableName string) error {
	var (
		indexName = fmt.Sprintf("%s_messages_recipient_idx", tableName)
		query     = fmt.Sprintf(createMessagesIndexSQL, indexName, tableName)
	)
	if _, err := db.Exec(query); err != nil {
		return fmt.Errorf("failed to create messages index: %w", err)
	}
	return nil
}
