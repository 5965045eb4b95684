package ws

import (
	"time"

	"github.com/presage-io/presage/pkg/models"
)

// MessageType discriminates server-to-client WebSocket messages.
type MessageType string

const (
	MessageTrackerState   MessageType = "tracker-state"
	MessageTrackerUpdate  MessageType = "tracker-update"
	MessageContactAdded   MessageType = "contact-added"
	MessageContactRemoved MessageType = "contact-removed"
	MessageContactName    MessageType = "contact-name"
	MessageProfilePic     MessageType = "profile-pic"
	MessageProbeMethod    MessageType = "probe-method"
	MessageContacts       MessageType = "tracked-contacts"
	MessageError          MessageType = "error"
)

// Message is the envelope for all server-to-client messages.
type Message struct {
	Type      MessageType `json:"type"`
	Timestamp time.Time   `json:"timestamp"`
	Data      any         `json:"data"`
}

// CommandType discriminates client-to-server commands.
type CommandType string

const (
	CommandAddContact     CommandType = "add-contact"
	CommandRemoveContact  CommandType = "remove-contact"
	CommandSetProbeMethod CommandType = "set-probe-method"
	CommandGetContacts    CommandType = "get-tracked-contacts"
)

// Command is the envelope for client-to-server messages.
type Command struct {
	Type     CommandType        `json:"type"`
	Platform models.Platform    `json:"platform,omitempty"`
	Number   string             `json:"number,omitempty"`
	JID      string             `json:"jid,omitempty"`
	Method   models.ProbeMethod `json:"method,omitempty"`
}

// TrackerStateData is the payload of tracker-state, sent once on connect
// so a late subscriber starts from the full current picture.
type TrackerStateData struct {
	Contacts  []ContactState     `json:"contacts"`
	Method    models.ProbeMethod `json:"method"`
	Platforms []models.Platform  `json:"platforms"`
}

// ContactState pairs a contact with its live aggregate.
type ContactState struct {
	Contact  models.Contact         `json:"contact"`
	Snapshot models.TrackerSnapshot `json:"snapshot"`
}

// ContactData is the payload of contact-added and contact-removed.
type ContactData struct {
	Contact models.Contact `json:"contact"`
}

// NameData is the payload of contact-name.
type NameData struct {
	JID  string `json:"jid"`
	Name string `json:"name"`
}

// ProfilePicData is the payload of profile-pic.
type ProfilePicData struct {
	JID       string `json:"jid"`
	AvatarURL string `json:"avatar_url"`
}

// MethodData is the payload of probe-method.
type MethodData struct {
	Method models.ProbeMethod `json:"method"`
}

// ErrorData is the payload of error messages. JID is empty for
// platform-wide failures.
type ErrorData struct {
	JID     string `json:"jid,omitempty"`
	Message string `json:"message"`
	Fatal   bool   `json:"fatal,omitempty"`
}
