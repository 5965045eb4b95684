// Package models contains the shared domain types for Presage: tracked
// contacts, their devices, probe samples, and the snapshots emitted to
// subscribers.
package models

import "time"

// Platform identifies the messaging transport a contact lives on.
type Platform string

const (
	PlatformWhatsApp Platform = "whatsapp"
	PlatformSignal   Platform = "signal"
)

// Valid reports whether p is a known platform.
func (p Platform) Valid() bool {
	return p == PlatformWhatsApp || p == PlatformSignal
}

// ProbeMethod selects how probes are sent. Process-wide: changing it
// affects the next scheduled probe of every device loop.
type ProbeMethod string

const (
	// ProbeDelete sends an ephemeral message and immediately requests its
	// deletion. Fully covert; needs a follow-up delete call per probe.
	ProbeDelete ProbeMethod = "delete"
	// ProbeReaction sends a reaction referencing a nonexistent message.
	// No follow-up call, but a notification may transiently appear.
	ProbeReaction ProbeMethod = "reaction"
)

// Valid reports whether m is a known probe method.
func (m ProbeMethod) Valid() bool {
	return m == ProbeDelete || m == ProbeReaction
}

// PresenceState is the classified state of a device or contact.
type PresenceState string

const (
	StateUnknown  PresenceState = "unknown"
	StateOnline   PresenceState = "online"
	StateDegraded PresenceState = "degraded"
	StateOffline  PresenceState = "offline"
)

// Rank orders states from most to least reachable. A lower rank wins when
// aggregating device states to the contact level.
func (s PresenceState) Rank() int {
	switch s {
	case StateOnline:
		return 0
	case StateDegraded:
		return 1
	case StateOffline:
		return 2
	default:
		return 3
	}
}

// Contact is a tracked messaging contact. The JID is the platform-qualified
// address and is unique across the tracked set.
type Contact struct {
	JID           string    `json:"jid"`
	Platform      Platform  `json:"platform"`
	DisplayNumber string    `json:"display_number"`
	ContactName   string    `json:"contact_name"`
	AvatarURL     string    `json:"avatar_url,omitempty"`
	CreatedAt     time.Time `json:"created_at"`
}

// Device is one endpoint of a multi-device contact, probed independently.
// RTTMs is the last acknowledged round trip; AvgMs the window average.
type Device struct {
	JID      string        `json:"jid"`
	State    PresenceState `json:"state"`
	RTTMs    float64       `json:"rtt_ms"`
	AvgMs    float64       `json:"avg_ms"`
	LastSeen time.Time     `json:"last_seen"`
}

// Sample is a single probe round-trip measurement.
type Sample struct {
	Latency   time.Duration `json:"latency"`
	Timestamp time.Time     `json:"timestamp"`
}

// TrackerSnapshot is a point-in-time aggregate over a contact's device
// windows. It is derived state: the per-device sample windows remain
// authoritative and snapshots are recomputed, never diffed forward.
// MedianMs and ThresholdMs are nil while no device has enough data.
type TrackerSnapshot struct {
	JID         string        `json:"jid"`
	Presence    PresenceState `json:"presence"`
	Devices     []Device      `json:"devices"`
	DeviceCount int           `json:"device_count"`
	MedianMs    *float64      `json:"median_ms,omitempty"`
	ThresholdMs *float64      `json:"threshold_ms,omitempty"`
	Timestamp   time.Time     `json:"timestamp"`
}
