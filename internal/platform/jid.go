package platform

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/presage-io/presage/pkg/models"
)

// JID server suffixes per platform.
const (
	whatsappServer = "s.whatsapp.net"
	signalServer   = "signal"
)

// NormalizeNumber canonicalizes a phone number into +E.164 form. Accepts
// spaces, dashes, dots, and parentheses as formatting noise. Returns
// ErrInvalidAddress when the result is not 7-15 digits.
func NormalizeNumber(raw string) (string, error) {
	var digits strings.Builder
	for i, r := range raw {
		switch {
		case r >= '0' && r <= '9':
			digits.WriteRune(r)
		case r == '+' && i == 0:
			// Leading plus is allowed, everything else is noise or invalid.
		case r == ' ' || r == '-' || r == '.' || r == '(' || r == ')':
		default:
			return "", fmt.Errorf("%w: unexpected character %q in %q", ErrInvalidAddress, r, raw)
		}
	}

	d := digits.String()
	if len(d) < 7 || len(d) > 15 {
		return "", fmt.Errorf("%w: %q has %d digits, want 7-15", ErrInvalidAddress, raw, len(d))
	}
	return "+" + d, nil
}

// DeriveJID deterministically maps a normalized (or raw) number and a
// platform to the contact JID used as the tracking key.
func DeriveJID(number string, p models.Platform) (string, error) {
	normalized, err := NormalizeNumber(number)
	if err != nil {
		return "", err
	}
	switch p {
	case models.PlatformWhatsApp:
		// WhatsApp addresses drop the plus.
		return strings.TrimPrefix(normalized, "+") + "@" + whatsappServer, nil
	case models.PlatformSignal:
		return normalized + "@" + signalServer, nil
	default:
		return "", fmt.Errorf("%w: unknown platform %q", ErrInvalidAddress, p)
	}
}

// DeviceJID returns the JID of one device of a contact. Device 0 is the
// primary phone on WhatsApp; Signal numbers devices from 1.
func DeviceJID(contactJID string, deviceID int) string {
	user, server, ok := strings.Cut(contactJID, "@")
	if !ok {
		return contactJID
	}
	return fmt.Sprintf("%s:%d@%s", user, deviceID, server)
}

// ContactJID strips the device part from a device JID. Contact JIDs pass
// through unchanged.
func ContactJID(deviceJID string) string {
	user, server, ok := strings.Cut(deviceJID, "@")
	if !ok {
		return deviceJID
	}
	if base, _, found := strings.Cut(user, ":"); found {
		return base + "@" + server
	}
	return deviceJID
}

// DeviceID extracts the device number from a device JID. Returns 0 when
// the JID carries no device part.
func DeviceID(deviceJID string) int {
	user, _, ok := strings.Cut(deviceJID, "@")
	if !ok {
		return 0
	}
	_, dev, found := strings.Cut(user, ":")
	if !found {
		return 0
	}
	n, err := strconv.Atoi(dev)
	if err != nil {
		return 0
	}
	return n
}

// PlatformOf infers the platform from a JID's server suffix.
func PlatformOf(jid string) (models.Platform, bool) {
	switch {
	case strings.HasSuffix(jid, "@"+whatsappServer):
		return models.PlatformWhatsApp, true
	case strings.HasSuffix(jid, "@"+signalServer):
		return models.PlatformSignal, true
	default:
		return "", false
	}
}
