// Package whatsapp adapts the WhatsApp bridge gateway to the platform
// Adapter interface. The bridge is an external process holding the actual
// WhatsApp session; this module speaks a small JSON-RPC protocol over its
// WebSocket and forwards delivery receipts as acknowledgements.
package whatsapp

import (
	"context"
	"fmt"
	"time"

	"github.com/presage-io/presage/internal/platform"
	"github.com/presage-io/presage/pkg/models"
	"github.com/presage-io/presage/pkg/plugin"
	"go.uber.org/zap"
)

// Compile-time interface guards.
var (
	_ plugin.Module     = (*Module)(nil)
	_ platform.Provider = (*Module)(nil)
	_ platform.Adapter  = (*Module)(nil)
)

// Config holds the WhatsApp adapter settings.
type Config struct {
	GatewayURL  string        `mapstructure:"gateway_url"`
	PingTimeout time.Duration `mapstructure:"ping_timeout"`
}

// DefaultConfig returns the adapter defaults.
func DefaultConfig() Config {
	return Config{
		GatewayURL:  "ws://127.0.0.1:3001/ws",
		PingTimeout: 2 * time.Second,
	}
}

// Module implements the WhatsApp platform adapter.
type Module struct {
	logger *zap.Logger
	cfg    Config
	client *client
}

// New creates a new WhatsApp adapter module.
func New() *Module {
	return &Module{}
}

func (m *Module) Info() plugin.ModuleInfo {
	return plugin.ModuleInfo{
		Name:        "whatsapp",
		Version:     "0.1.0",
		Description: "WhatsApp bridge gateway adapter",
	}
}

func (m *Module) Init(ctx context.Context, deps plugin.Dependencies) error {
	m.logger = deps.Logger

	m.cfg = DefaultConfig()
	if deps.Config != nil {
		if v := deps.Config.GetString("gateway_url"); v != "" {
			m.cfg.GatewayURL = v
		}
		if d := deps.Config.GetDuration("ping_timeout"); d > 0 {
			m.cfg.PingTimeout = d
		}
	}

	pinger := platform.NewGatewayPinger(m.cfg.PingTimeout, m.logger.Named("pinger"))
	m.client = newClient(m.cfg.GatewayURL, pinger, m.logger.Named("gateway"))
	return nil
}

func (m *Module) Start(ctx context.Context) error {
	// The run loop owns reconnection; Start never blocks on the gateway
	// being up so the engine can come up before the bridge does.
	m.client.start(context.WithoutCancel(ctx))
	m.logger.Info("whatsapp adapter started", zap.String("gateway", m.cfg.GatewayURL))
	return nil
}

func (m *Module) Stop(ctx context.Context) error {
	err := m.client.close()
	m.logger.Info("whatsapp adapter stopped")
	return err
}

// Adapter implements platform.Provider.
func (m *Module) Adapter() platform.Adapter {
	return m
}

// Platform implements platform.Adapter.
func (m *Module) Platform() models.Platform {
	return models.PlatformWhatsApp
}

// Resolve normalizes a number, verifies registration with the gateway, and
// returns the contact JID.
func (m *Module) Resolve(ctx context.Context, number string) (string, error) {
	jid, err := platform.DeriveJID(number, models.PlatformWhatsApp)
	if err != nil {
		return "", err
	}

	var result struct {
		Registered bool `json:"registered"`
	}
	if err := m.client.call(ctx, "checkNumber", map[string]string{"jid": jid}, &result); err != nil {
		return "", err
	}
	if !result.Registered {
		return "", fmt.Errorf("%s: %w", number, platform.ErrNotRegistered)
	}
	return jid, nil
}

// Devices returns the device JIDs the platform currently reports for a contact.
func (m *Module) Devices(ctx context.Context, contactJID string) ([]string, error) {
	var result struct {
		Devices []string `json:"devices"`
	}
	if err := m.client.call(ctx, "getDevices", map[string]string{"jid": contactJID}, &result); err != nil {
		return nil, err
	}
	return result.Devices, nil
}

// Profile resolves display name and avatar for a contact.
func (m *Module) Profile(ctx context.Context, contactJID string) (*platform.Profile, error) {
	var result struct {
		Name      string `json:"name"`
		AvatarURL string `json:"avatar_url"`
	}
	if err := m.client.call(ctx, "getProfile", map[string]string{"jid": contactJID}, &result); err != nil {
		return nil, err
	}
	return &platform.Profile{Name: result.Name, AvatarURL: result.AvatarURL}, nil
}

// SendEphemeral sends a device-addressed message the recipient never sees.
func (m *Module) SendEphemeral(ctx context.Context, deviceJID string) (string, error) {
	var result struct {
		MessageID string `json:"message_id"`
	}
	if err := m.client.call(ctx, "sendEphemeral", map[string]string{"jid": deviceJID}, &result); err != nil {
		return "", err
	}
	return result.MessageID, nil
}

// DeleteMessage revokes a previously sent message.
func (m *Module) DeleteMessage(ctx context.Context, deviceJID, messageID string) error {
	params := map[string]string{"jid": deviceJID, "message_id": messageID}
	return m.client.call(ctx, "deleteMessage", params, nil)
}

// SendReaction reacts to targetID, which need not exist. The platform still
// emits a delivery receipt for the reaction frame itself.
func (m *Module) SendReaction(ctx context.Context, deviceJID, targetID string) (string, error) {
	var result struct {
		MessageID string `json:"message_id"`
	}
	params := map[string]string{"jid": deviceJID, "target_id": targetID, "emoji": ""}
	if err := m.client.call(ctx, "sendReaction", params, &result); err != nil {
		return "", err
	}
	return result.MessageID, nil
}

// SubscribeAcks registers a handler for delivery receipts.
func (m *Module) SubscribeAcks(handler func(platform.Ack)) func() {
	return m.client.subscribeAcks(func(ack platform.Ack) {
		ack.Platform = models.PlatformWhatsApp
		handler(ack)
	})
}

// Healthy reports whether the gateway session is usable.
func (m *Module) Healthy() bool {
	return m.client != nil && m.client.healthy.Load()
}

// Close tears down the gateway connection.
func (m *Module) Close() error {
	return m.client.close()
}
