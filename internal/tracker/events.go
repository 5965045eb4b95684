package tracker

import (
	"time"

	"github.com/presage-io/presage/pkg/models"
)

// Event topics published by the Tracker module.
const (
	TopicContactAdded   = "tracker.contact.added"
	TopicContactRemoved = "tracker.contact.removed"
	TopicContactName    = "tracker.contact.name"
	TopicContactAvatar  = "tracker.contact.avatar"
	TopicUpdate         = "tracker.presence.update"
	TopicMethodChanged  = "tracker.method.changed"
	TopicError          = "tracker.error"
)

// ContactEvent is the payload of contact.added and contact.removed.
type ContactEvent struct {
	Contact models.Contact `json:"contact"`
}

// NameEvent announces a resolved display name for a contact.
type NameEvent struct {
	JID  string `json:"jid"`
	Name string `json:"name"`
}

// AvatarEvent announces a resolved avatar URL for a contact.
type AvatarEvent struct {
	JID       string `json:"jid"`
	AvatarURL string `json:"avatar_url"`
}

// UpdateEvent is a partial presence update for one contact. Nil fields did
// not change since the previous update for that contact; consumers merge
// deltas into their own view.
type UpdateEvent struct {
	JID         string                `json:"jid"`
	Presence    *models.PresenceState `json:"presence,omitempty"`
	Devices     []models.Device       `json:"devices,omitempty"`
	DeviceCount *int                  `json:"device_count,omitempty"`
	MedianMs    *float64              `json:"median_ms,omitempty"`
	ThresholdMs *float64              `json:"threshold_ms,omitempty"`
	Timestamp   time.Time             `json:"timestamp"`
}

// MethodEvent announces a probe-method switch.
type MethodEvent struct {
	Method models.ProbeMethod `json:"method"`
}

// ErrorEvent is a coarse operational error surfaced to subscribers. One
// event covers a whole platform outage, not every failed probe.
type ErrorEvent struct {
	Platform models.Platform `json:"platform,omitempty"`
	JID      string          `json:"jid,omitempty"`
	Message  string          `json:"message"`
	Fatal    bool            `json:"fatal"`
}
