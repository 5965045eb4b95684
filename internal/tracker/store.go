package tracker

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/presage-io/presage/pkg/models"
)

const settingProbeMethod = "probe_method"

// TrackerStore persists the tracked-contact set and engine settings so a
// restart resumes probing without re-adding contacts.
type TrackerStore struct {
	db *sql.DB
}

// NewTrackerStore creates a TrackerStore backed by the given database.
func NewTrackerStore(db *sql.DB) *TrackerStore {
	return &TrackerStore{db: db}
}

// UpsertContact inserts or updates a tracked contact.
func (s *TrackerStore) UpsertContact(ctx context.Context, c *models.Contact) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO tracker_contacts (jid, platform, display_number, contact_name, avatar_url, created_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(jid) DO UPDATE SET
			contact_name = excluded.contact_name,
			avatar_url = excluded.avatar_url`,
		c.JID, string(c.Platform), c.DisplayNumber, c.ContactName, c.AvatarURL, c.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("upsert contact %s: %w", c.JID, err)
	}
	return nil
}

// DeleteContact removes a tracked contact.
func (s *TrackerStore) DeleteContact(ctx context.Context, jid string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM tracker_contacts WHERE jid = ?`, jid); err != nil {
		return fmt.Errorf("delete contact %s: %w", jid, err)
	}
	return nil
}

// SetContactName updates the resolved display name.
func (s *TrackerStore) SetContactName(ctx context.Context, jid, name string) error {
	if _, err := s.db.ExecContext(ctx, `UPDATE tracker_contacts SET contact_name = ? WHERE jid = ?`, name, jid); err != nil {
		return fmt.Errorf("set contact name %s: %w", jid, err)
	}
	return nil
}

// SetContactAvatar updates the resolved avatar URL.
func (s *TrackerStore) SetContactAvatar(ctx context.Context, jid, avatarURL string) error {
	if _, err := s.db.ExecContext(ctx, `UPDATE tracker_contacts SET avatar_url = ? WHERE jid = ?`, avatarURL, jid); err != nil {
		return fmt.Errorf("set contact avatar %s: %w", jid, err)
	}
	return nil
}

// ListContacts returns all persisted contacts in insertion order.
func (s *TrackerStore) ListContacts(ctx context.Context) ([]models.Contact, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT jid, platform, display_number, contact_name, avatar_url, created_at
		FROM tracker_contacts ORDER BY created_at, jid`)
	if err != nil {
		return nil, fmt.Errorf("list contacts: %w", err)
	}
	defer rows.Close()

	var contacts []models.Contact
	for rows.Next() {
		var c models.Contact
		var platform string
		if err := rows.Scan(&c.JID, &platform, &c.DisplayNumber, &c.ContactName, &c.AvatarURL, &c.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan contact: %w", err)
		}
		c.Platform = models.Platform(platform)
		contacts = append(contacts, c)
	}
	return contacts, rows.Err()
}

// ProbeMethod returns the persisted probe method, or the fallback when
// none has been stored yet.
func (s *TrackerStore) ProbeMethod(ctx context.Context, fallback models.ProbeMethod) (models.ProbeMethod, error) {
	var value string
	err := s.db.QueryRowContext(ctx,
		`SELECT value FROM tracker_settings WHERE key = ?`, settingProbeMethod).Scan(&value)
	if err == sql.ErrNoRows {
		return fallback, nil
	}
	if err != nil {
		return fallback, fmt.Errorf("load probe method: %w", err)
	}

	m := models.ProbeMethod(value)
	if !m.Valid() {
		return fallback, nil
	}
	return m, nil
}

// SetProbeMethod persists the active probe method.
func (s *TrackerStore) SetProbeMethod(ctx context.Context, m models.ProbeMethod) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO tracker_settings (key, value, updated_at) VALUES (?, ?, CURRENT_TIMESTAMP)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value, updated_at = CURRENT_TIMESTAMP`,
		settingProbeMethod, string(m),
	)
	if err != nil {
		return fmt.Errorf("store probe method: %w", err)
	}
	return nil
}
