package store

import (
	"database/sql"
	"fmt"
	"time"
)

// UpsertContact inserts or updates a contact, including presence and
// unread count.
func (db *DB) UpsertContact(c *Contact) error {
	now := time.Now().UnixMilli()
	_, err := db.Exec(`
		INSERT INTO contacts (id, name, presence, unread, updated_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			name = CASE WHEN excluded.name != '' THEN excluded.name ELSE contacts.name END,
			presence = excluded.presence,
			unread = excluded.unread,
			updated_at = excluded.updated_at`,
		c.ID, c.Name, c.Presence, c.Unread, now)
	return err
}

// BulkUpsertContacts replaces contact state from a full contact-list
// refresh in a single transaction.
func (db *DB) BulkUpsertContacts(contacts []Contact) error {
	tx, err := db.Begin()
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	now := time.Now().UnixMilli()
	for _, c := range contacts {
		if _, err := tx.Exec(`
			INSERT INTO contacts (id, name, presence, unread, updated_at)
			VALUES (?, ?, ?, ?, ?)
			ON CONFLICT(id) DO UPDATE SET
				name = CASE WHEN excluded.name != '' THEN excluded.name ELSE contacts.name END,
				presence = excluded.presence,
				unread = excluded.unread,
				updated_at = excluded.updated_at`,
			c.ID, c.Name, c.Presence, c.Unread, now); err != nil {
			return fmt.Errorf("upsert contact %q: %w", c.ID, err)
		}
	}
	return tx.Commit()
}

// GetContact returns a contact by ID, or nil if unknown.
func (db *DB) GetContact(id string) (*Contact, error) {
	var c Contact
	err := db.QueryRow(`SELECT id, name, presence, unread FROM contacts WHERE id = ?`, id).
		Scan(&c.ID, &c.Name, &c.Presence, &c.Unread)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &c, nil
}

// ListContacts returns all contacts ordered by name.
func (db *DB) ListContacts() ([]Contact, error) {
	rows, err := db.Query(`SELECT id, name, presence, unread FROM contacts ORDER BY name ASC, id ASC`)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var contacts []Contact
	for rows.Next() {
		var c Contact
		if err := rows.Scan(&c.ID, &c.Name, &c.Presence, &c.Unread); err != nil {
			return nil, err
		}
		contacts = append(contacts, c)
	}
	return contacts, rows.Err()
}

// IncrementUnread bumps a contact's unread counter by one.
func (db *DB) IncrementUnread(id string) error {
	now := time.Now().UnixMilli()
	_, err := db.Exec(`UPDATE contacts SET unread = unread + 1, updated_at = ? WHERE id = ?`, now, id)
	return err
}

// ResetUnread clears a contact's unread counter.
func (db *DB) ResetUnread(id string) error {
	now := time.Now().UnixMilli()
	_, err := db.Exec(`UPDATE contacts SET unread = 0, updated_at = ? WHERE id = ?`, now, id)
	return err
}

// SetPresence updates only the presence field of a contact.
func (db *DB) SetPresence(id, presence string) error {
	now := time.Now().UnixMilli()
	_, err := db.Exec(`UPDATE contacts SET presence = ?, updated_at = ? WHERE id = ?`, presence, now, id)
	return err
}
