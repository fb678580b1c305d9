package store

import (
	"database/sql"
	"time"
)

// SavePushSubscription stores the single push subscription record,
// replacing any previous one.
func (db *DB) SavePushSubscription(s *PushSubscription) error {
	now := time.Now().UnixMilli()
	_, err := db.Exec(`
		INSERT INTO push_subscription (id, endpoint, key_p256dh, key_auth, key_fingerprint, updated_at)
		VALUES (1, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			endpoint = excluded.endpoint,
			key_p256dh = excluded.key_p256dh,
			key_auth = excluded.key_auth,
			key_fingerprint = excluded.key_fingerprint,
			updated_at = excluded.updated_at`,
		s.Endpoint, s.KeyP256dh, s.KeyAuth, s.KeyFingerprint, now)
	return err
}

// GetPushSubscription returns the cached subscription, or nil if none
// was ever created.
func (db *DB) GetPushSubscription() (*PushSubscription, error) {
	var s PushSubscription
	err := db.QueryRow(`
		SELECT endpoint, key_p256dh, key_auth, key_fingerprint, updated_at
		FROM push_subscription WHERE id = 1`).
		Scan(&s.Endpoint, &s.KeyP256dh, &s.KeyAuth, &s.KeyFingerprint, &s.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &s, nil
}

// DeletePushSubscription removes the cached subscription record.
func (db *DB) DeletePushSubscription() error {
	_, err := db.Exec(`DELETE FROM push_subscription WHERE id = 1`)
	return err
}
