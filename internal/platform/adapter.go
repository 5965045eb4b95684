// Package platform defines the uniform capability surface over a messaging
// transport. The tracker speaks only this interface; the concrete adapters
// (whatsapp, signal) translate it onto their gateway wire protocols.
package platform

import (
	"context"
	"time"

	"github.com/presage-io/presage/pkg/models"
)

// Ack is a delivery acknowledgement for a previously sent probe, keyed by
// the acknowledging device. A probe addressed to one device may still be
// acknowledged by several devices on platforms without device addressing;
// the tracker matches on (DeviceJID, MessageID) and discards the rest.
type Ack struct {
	Platform  models.Platform
	DeviceJID string
	MessageID string
	Timestamp time.Time
}

// Profile carries contact metadata resolved from the platform.
type Profile struct {
	Name      string
	AvatarURL string
}

// Adapter is the capability surface the tracker needs from a transport.
// All blocking calls honor context cancellation. Send errors wrap the
// sentinel errors in errors.go so the scheduler can tell a transient
// gateway hiccup from a dead session.
type Adapter interface {
	// Platform identifies the transport this adapter serves.
	Platform() models.Platform

	// Resolve normalizes a phone number into a platform JID, verifying the
	// number is registered on the platform. Returns ErrInvalidAddress or
	// ErrNotRegistered.
	Resolve(ctx context.Context, number string) (jid string, err error)

	// Devices returns the device JIDs currently associated with a contact.
	Devices(ctx context.Context, contactJID string) ([]string, error)

	// Profile resolves display name and avatar for a contact. Best effort:
	// adapters may return a partial Profile.
	Profile(ctx context.Context, contactJID string) (*Profile, error)

	// SendEphemeral sends a message the recipient's client never surfaces,
	// addressed to a single device where the platform supports it. Returns
	// the platform message ID used to correlate the acknowledgement.
	SendEphemeral(ctx context.Context, deviceJID string) (messageID string, err error)

	// DeleteMessage requests deletion of a previously sent message.
	DeleteMessage(ctx context.Context, deviceJID, messageID string) error

	// SendReaction sends a reaction referencing targetID, which need not
	// exist. Returns the message ID of the reaction itself.
	SendReaction(ctx context.Context, deviceJID, targetID string) (messageID string, err error)

	// SubscribeAcks registers a handler for delivery acknowledgements.
	// Returns an unsubscribe function.
	SubscribeAcks(handler func(Ack)) (unsubscribe func())

	// Healthy reports whether the gateway session is currently usable.
	Healthy() bool

	// Close tears down the gateway connection.
	Close() error
}

// Provider is implemented by adapter modules so the tracker can obtain
// their Adapter after initialization.
type Provider interface {
	Adapter() Adapter
}
