// Package testutil provides shared test fixtures.
package testutil

import (
	"time"

	"github.com/presage-io/presage/internal/platform"
	"github.com/presage-io/presage/pkg/models"
)

// NewContact returns a Contact with sensible defaults, suitable for test
// fixtures. Override individual fields after creation as needed.
func NewContact(opts ...func(*models.Contact)) models.Contact {
	c := models.Contact{
		JID:           "4915112345678@s.whatsapp.net",
		Platform:      models.PlatformWhatsApp,
		DisplayNumber: "+4915112345678",
		CreatedAt:     time.Now().UTC(),
	}
	for _, opt := range opts {
		opt(&c)
	}
	return c
}

// WithNumber sets the contact's number and derives the matching JID.
func WithNumber(number string) func(*models.Contact) {
	return func(c *models.Contact) {
		c.DisplayNumber = number
		if jid, err := platform.DeriveJID(number, c.Platform); err == nil {
			c.JID = jid
		}
	}
}

// WithPlatform sets the platform and re-derives the JID from the number.
func WithPlatform(p models.Platform) func(*models.Contact) {
	return func(c *models.Contact) {
		c.Platform = p
		if jid, err := platform.DeriveJID(c.DisplayNumber, p); err == nil {
			c.JID = jid
		}
	}
}

// WithName sets the synced contact name.
func WithName(name string) func(*models.Contact) {
	return func(c *models.Contact) { c.ContactName = name }
}

// WithAvatar sets the contact's avatar URL.
func WithAvatar(url string) func(*models.Contact) {
	return func(c *models.Contact) { c.AvatarURL = url }
}

// NewDevice returns a Device view with sensible defaults.
func NewDevice(contactJID string, id int, opts ...func(*models.Device)) models.Device {
	d := models.Device{
		JID:      platform.DeviceJID(contactJID, id),
		State:    models.StateOnline,
		RTTMs:    120,
		AvgMs:    140,
		LastSeen: time.Now().UTC(),
	}
	for _, opt := range opts {
		opt(&d)
	}
	return d
}

// WithState sets the device presence state.
func WithState(s models.PresenceState) func(*models.Device) {
	return func(d *models.Device) { d.State = s }
}

// WithRTT sets the last and average round-trip milliseconds.
func WithRTT(last, avg float64) func(*models.Device) {
	return func(d *models.Device) {
		d.RTTMs = last
		d.AvgMs = avg
	}
}

// WithLastSeen sets the device's last_seen timestamp.
func WithLastSeen(t time.Time) func(*models.Device) {
	return func(d *models.Device) { d.LastSeen = t }
}
