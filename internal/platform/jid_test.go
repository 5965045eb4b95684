package platform

import (
	"errors"
	"testing"

	"github.com/presage-io/presage/pkg/models"
)

func TestNormalizeNumber(t *testing.T) {
	tests := []struct {
		name    string
		raw     string
		want    string
		wantErr bool
	}{
		{name: "plain digits", raw: "4915112345678", want: "+4915112345678"},
		{name: "plus prefix", raw: "+4915112345678", want: "+4915112345678"},
		{name: "formatted", raw: "+49 (151) 123-456.78", want: "+4915112345678"},
		{name: "too short", raw: "12345", wantErr: true},
		{name: "too long", raw: "1234567890123456", wantErr: true},
		{name: "letters", raw: "+49CALLME", wantErr: true},
		{name: "plus not leading", raw: "49+15112345678", wantErr: true},
		{name: "empty", raw: "", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := NormalizeNumber(tt.raw)
			if tt.wantErr {
				if err == nil {
					t.Fatalf("NormalizeNumber(%q) = %q, want error", tt.raw, got)
				}
				if !errors.Is(err, ErrInvalidAddress) {
					t.Errorf("error = %v, want ErrInvalidAddress", err)
				}
				return
			}
			if err != nil {
				t.Fatalf("NormalizeNumber(%q): %v", tt.raw, err)
			}
			if got != tt.want {
				t.Errorf("NormalizeNumber(%q) = %q, want %q", tt.raw, got, tt.want)
			}
		})
	}
}

func TestDeriveJID(t *testing.T) {
	tests := []struct {
		name     string
		number   string
		platform models.Platform
		want     string
		wantErr  bool
	}{
		{name: "whatsapp", number: "+4915112345678", platform: models.PlatformWhatsApp, want: "4915112345678@s.whatsapp.net"},
		{name: "signal", number: "4915112345678", platform: models.PlatformSignal, want: "+4915112345678@signal"},
		{name: "bad number", number: "oops", platform: models.PlatformWhatsApp, wantErr: true},
		{name: "bad platform", number: "+4915112345678", platform: models.Platform("telegram"), wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := DeriveJID(tt.number, tt.platform)
			if tt.wantErr {
				if err == nil {
					t.Fatalf("DeriveJID = %q, want error", got)
				}
				return
			}
			if err != nil {
				t.Fatalf("DeriveJID: %v", err)
			}
			if got != tt.want {
				t.Errorf("DeriveJID = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestDeriveJID_Deterministic(t *testing.T) {
	// Differently formatted renditions of the same number must collapse to
	// the same tracking key.
	a, err := DeriveJID("+49 151 123 456 78", models.PlatformWhatsApp)
	if err != nil {
		t.Fatalf("DeriveJID: %v", err)
	}
	b, err := DeriveJID("4915112345678", models.PlatformWhatsApp)
	if err != nil {
		t.Fatalf("DeriveJID: %v", err)
	}
	if a != b {
		t.Errorf("JIDs differ: %q vs %q", a, b)
	}
}

func TestDeviceJIDRoundTrip(t *testing.T) {
	contact := "4915112345678@s.whatsapp.net"

	dev := DeviceJID(contact, 2)
	if dev != "4915112345678:2@s.whatsapp.net" {
		t.Errorf("DeviceJID = %q", dev)
	}
	if got := ContactJID(dev); got != contact {
		t.Errorf("ContactJID(%q) = %q, want %q", dev, got, contact)
	}
	if got := DeviceID(dev); got != 2 {
		t.Errorf("DeviceID(%q) = %d, want 2", dev, got)
	}

	// A bare contact JID has device 0 and passes through ContactJID.
	if got := DeviceID(contact); got != 0 {
		t.Errorf("DeviceID(%q) = %d, want 0", contact, got)
	}
	if got := ContactJID(contact); got != contact {
		t.Errorf("ContactJID(%q) = %q", contact, got)
	}
}

func TestPlatformOf(t *testing.T) {
	if p, ok := PlatformOf("4915112345678@s.whatsapp.net"); !ok || p != models.PlatformWhatsApp {
		t.Errorf("PlatformOf whatsapp = %v, %v", p, ok)
	}
	if p, ok := PlatformOf("+4915112345678@signal"); !ok || p != models.PlatformSignal {
		t.Errorf("PlatformOf signal = %v, %v", p, ok)
	}
	if _, ok := PlatformOf("nobody@example.com"); ok {
		t.Error("PlatformOf accepted foreign server")
	}
}
