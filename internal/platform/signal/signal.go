// Package signal adapts a signal-cli REST daemon to the platform Adapter
// interface. Sends are account-addressed on Signal, so the daemon fans a
// message out to every linked device itself; per-device visibility comes
// from the delivery receipts, which carry the confirming device number.
package signal

import (
	"context"
	"fmt"
	"math/rand"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/presage-io/presage/internal/platform"
	"github.com/presage-io/presage/pkg/models"
	"github.com/presage-io/presage/pkg/plugin"
	"go.uber.org/zap"
)

var (
	_ plugin.Module     = (*Module)(nil)
	_ platform.Provider = (*Module)(nil)
	_ platform.Adapter  = (*Module)(nil)
)

// probeBody is the text of ephemeral probe messages. A zero-width space
// renders as an empty bubble for the instant before the remote delete
// lands.
const probeBody = "\u200b"

// Config holds the Signal adapter settings.
type Config struct {
	APIURL      string        `mapstructure:"api_url"`
	Account     string        `mapstructure:"account"`
	PingTimeout time.Duration `mapstructure:"ping_timeout"`
}

// DefaultConfig returns the adapter defaults.
func DefaultConfig() Config {
	return Config{
		APIURL:      "http://127.0.0.1:8081",
		PingTimeout: 2 * time.Second,
	}
}

// Module implements the Signal platform adapter.
type Module struct {
	logger *zap.Logger
	cfg    Config
	client *client

	// Signal has no device directory an outsider can query, so the device
	// set is learned from receipt traffic. Device 1 is the phone and is
	// always assumed present.
	devMu   sync.RWMutex
	devices map[string]map[int]struct{} // contact JID -> seen device IDs

	unsubLearn func()
}

// New creates a new Signal adapter module.
func New() *Module {
	return &Module{devices: make(map[string]map[int]struct{})}
}

func (m *Module) Info() plugin.ModuleInfo {
	return plugin.ModuleInfo{
		Name:        "signal",
		Version:     "0.1.0",
		Description: "signal-cli REST daemon adapter",
	}
}

func (m *Module) Init(ctx context.Context, deps plugin.Dependencies) error {
	m.logger = deps.Logger

	m.cfg = DefaultConfig()
	if deps.Config != nil {
		if v := deps.Config.GetString("api_url"); v != "" {
			m.cfg.APIURL = v
		}
		if v := deps.Config.GetString("account"); v != "" {
			m.cfg.Account = v
		}
		if d := deps.Config.GetDuration("ping_timeout"); d > 0 {
			m.cfg.PingTimeout = d
		}
	}

	account, err := platform.NormalizeNumber(m.cfg.Account)
	if err != nil {
		return fmt.Errorf("signal account: %w", err)
	}
	m.cfg.Account = account

	pinger := platform.NewGatewayPinger(m.cfg.PingTimeout, m.logger.Named("pinger"))
	m.client = newClient(m.cfg.APIURL, account, pinger, m.logger.Named("daemon"))
	return nil
}

func (m *Module) Start(ctx context.Context) error {
	m.client.start(context.WithoutCancel(ctx))
	m.unsubLearn = m.client.subscribeAcks(m.learnDevice)
	m.logger.Info("signal adapter started",
		zap.String("api", m.cfg.APIURL),
		zap.String("account", m.cfg.Account),
	)
	return nil
}

func (m *Module) Stop(ctx context.Context) error {
	if m.unsubLearn != nil {
		m.unsubLearn()
	}
	err := m.client.close()
	m.logger.Info("signal adapter stopped")
	return err
}

// Adapter implements platform.Provider.
func (m *Module) Adapter() platform.Adapter {
	return m
}

// Platform implements platform.Adapter.
func (m *Module) Platform() models.Platform {
	return models.PlatformSignal
}

// Resolve normalizes a number, checks the Signal directory, and returns
// the contact JID.
func (m *Module) Resolve(ctx context.Context, number string) (string, error) {
	jid, err := platform.DeriveJID(number, models.PlatformSignal)
	if err != nil {
		return "", err
	}

	ok, err := m.client.registered(ctx, contactNumber(jid))
	if err != nil {
		return "", err
	}
	if !ok {
		return "", fmt.Errorf("%s: %w", number, platform.ErrNotRegistered)
	}
	return jid, nil
}

// Devices returns the device JIDs observed for a contact so far. The set
// grows as receipts from additional linked devices arrive.
func (m *Module) Devices(ctx context.Context, contactJID string) ([]string, error) {
	m.devMu.RLock()
	seen := m.devices[contactJID]
	ids := make([]int, 0, len(seen)+1)
	ids = append(ids, 1)
	for id := range seen {
		if id != 1 {
			ids = append(ids, id)
		}
	}
	m.devMu.RUnlock()

	sort.Ints(ids)
	jids := make([]string, len(ids))
	for i, id := range ids {
		jids[i] = platform.DeviceJID(contactJID, id)
	}
	return jids, nil
}

// Profile returns the synced contact name, when the account has one.
// Signal exposes no avatar URL over the REST daemon.
func (m *Module) Profile(ctx context.Context, contactJID string) (*platform.Profile, error) {
	info, err := m.client.contact(ctx, contactNumber(contactJID))
	if err != nil {
		return nil, err
	}
	p := &platform.Profile{}
	if info != nil {
		p.Name = info.Name
		if p.Name == "" {
			p.Name = info.ProfileName
		}
	}
	return p, nil
}

// SendEphemeral sends a probe message to the contact. The device part of
// the JID is ignored on send; receipts re-introduce it.
func (m *Module) SendEphemeral(ctx context.Context, deviceJID string) (string, error) {
	return m.client.send(ctx, contactNumber(deviceJID), probeBody)
}

// DeleteMessage revokes an earlier probe via remote delete.
func (m *Module) DeleteMessage(ctx context.Context, deviceJID, messageID string) error {
	ts, err := strconv.ParseInt(messageID, 10, 64)
	if err != nil {
		return fmt.Errorf("%w: message id %q", platform.ErrInvalidAddress, messageID)
	}
	return m.client.remoteDelete(ctx, contactNumber(deviceJID), ts)
}

// SendReaction reacts to a message that was never sent. Signal targets
// reactions by (author, timestamp); a random past timestamp guarantees no
// conversation entry matches, so nothing renders on the peer.
func (m *Module) SendReaction(ctx context.Context, deviceJID, targetID string) (string, error) {
	ts, err := strconv.ParseInt(targetID, 10, 64)
	if err != nil {
		ts = time.Now().Add(-24*time.Hour).UnixMilli() - rand.Int63n(1_000_000)
	}
	return m.client.react(ctx, contactNumber(deviceJID), m.cfg.Account, ts)
}

// SubscribeAcks registers a handler for delivery receipts.
func (m *Module) SubscribeAcks(handler func(platform.Ack)) func() {
	return m.client.subscribeAcks(func(ack platform.Ack) {
		ack.Platform = models.PlatformSignal
		handler(ack)
	})
}

// Healthy reports whether the receive stream is up.
func (m *Module) Healthy() bool {
	return m.client != nil && m.client.healthy.Load()
}

// Close tears down the daemon connection.
func (m *Module) Close() error {
	return m.client.close()
}

// learnDevice records the device ID carried by every receipt so Devices
// converges on the contact's real linked-device set.
func (m *Module) learnDevice(ack platform.Ack) {
	contact := platform.ContactJID(ack.DeviceJID)
	id := platform.DeviceID(ack.DeviceJID)
	if id <= 0 {
		return
	}

	m.devMu.Lock()
	seen, ok := m.devices[contact]
	if !ok {
		seen = make(map[int]struct{})
		m.devices[contact] = seen
	}
	if _, known := seen[id]; !known {
		seen[id] = struct{}{}
		m.logger.Debug("learned signal device",
			zap.String("contact", contact),
			zap.Int("device", id),
		)
	}
	m.devMu.Unlock()
}

// contactNumber strips the server suffix and any device part from a JID,
// yielding the +E.164 number the REST daemon addresses.
func contactNumber(jid string) string {
	user, _, _ := strings.Cut(platform.ContactJID(jid), "@")
	return user
}
