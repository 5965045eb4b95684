package config

import (
	"testing"

	"github.com/spf13/viper"
)

func TestNewLogger_Defaults(t *testing.T) {
	v := viper.New()
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")

	logger, err := NewLogger(v)
	if err != nil {
		t.Fatalf("NewLogger: %v", err)
	}
	if logger == nil {
		t.Fatal("expected non-nil logger")
	}
}

func TestNewLogger_ConsoleFormat(t *testing.T) {
	v := viper.New()
	v.Set("logging.level", "debug")
	v.Set("logging.format", "console")

	logger, err := NewLogger(v)
	if err != nil {
		t.Fatalf("NewLogger: %v", err)
	}
	if logger == nil {
		t.Fatal("expected non-nil logger")
	}
}

func TestNewLogger_InvalidLevel(t *testing.T) {
	v := viper.New()
	v.Set("logging.level", "banana")
	v.Set("logging.format", "json")

	_, err := NewLogger(v)
	if err == nil {
		t.Fatal("expected error for invalid level")
	}
}

func TestNewLogger_InvalidFormat(t *testing.T) {
	v := viper.New()
	v.Set("logging.level", "info")
	v.Set("logging.format", "xml")

	_, err := NewLogger(v)
	if err == nil {
		t.Fatal("expected error for invalid format")
	}
}

func TestViperConfig_Sub(t *testing.T) {
	v := viper.New()
	v.Set("tracker.probe_interval", "10s")

	cfg := New(v)
	sub := cfg.Sub("tracker")
	if got := sub.GetString("probe_interval"); got != "10s" {
		t.Errorf("Sub(\"tracker\").GetString(\"probe_interval\") = %q, want %q", got, "10s")
	}

	// Missing section yields an empty, non-nil config.
	missing := cfg.Sub("nope")
	if missing == nil {
		t.Fatal("Sub on missing key returned nil")
	}
	if missing.IsSet("anything") {
		t.Error("empty sub-config reports IsSet = true")
	}
}
