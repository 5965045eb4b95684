// Package tracker is the presence inference engine: it schedules covert
// probes against tracked contacts, maintains per-device RTT statistics,
// classifies presence, and publishes an ordered per-contact event stream.
package tracker

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/presage-io/presage/internal/platform"
	"github.com/presage-io/presage/pkg/models"
	"github.com/presage-io/presage/pkg/plugin"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

// Compile-time interface guards.
var (
	_ plugin.Module        = (*Tracker)(nil)
	_ plugin.HTTPProvider  = (*Tracker)(nil)
	_ plugin.HealthChecker = (*Tracker)(nil)
)

// Registry-level errors, surfaced to callers and as error events.
var (
	ErrDuplicateContact = errors.New("contact already tracked")
	ErrNotFound         = errors.New("contact not tracked")
	ErrNoAdapter        = errors.New("no adapter for platform")
)

// Tracker implements the presence inference engine module.
type Tracker struct {
	logger *zap.Logger
	bus    plugin.EventBus
	cfg    TrackerConfig
	store  *TrackerStore

	adapters map[models.Platform]platform.Adapter
	limiters map[models.Platform]*rate.Limiter
	outages  map[models.Platform]*atomic.Bool
	unsubs   []func()

	method atomic.Value // models.ProbeMethod

	mu       sync.RWMutex
	monitors map[string]*contactMonitor

	ctx    context.Context
	cancel context.CancelFunc
}

// New creates a new Tracker instance. Platform adapters are attached via
// RegisterProvider before Init.
func New() *Tracker {
	t := &Tracker{
		adapters: make(map[models.Platform]platform.Adapter),
		limiters: make(map[models.Platform]*rate.Limiter),
		outages:  make(map[models.Platform]*atomic.Bool),
		monitors: make(map[string]*contactMonitor),
	}
	t.method.Store(models.ProbeDelete)
	return t
}

// RegisterProvider attaches a platform adapter. Must be called before Init.
func (t *Tracker) RegisterProvider(p platform.Provider) {
	adapter := p.Adapter()
	t.adapters[adapter.Platform()] = adapter
}

func (t *Tracker) Info() plugin.ModuleInfo {
	return plugin.ModuleInfo{
		Name:        "tracker",
		Version:     "0.1.0",
		Description: "Covert presence inference engine",
		Required:    true,
	}
}

func (t *Tracker) Init(ctx context.Context, deps plugin.Dependencies) error {
	t.logger = deps.Logger
	t.bus = deps.Bus

	t.cfg = DefaultConfig()
	if deps.Config != nil {
		if err := deps.Config.Unmarshal(&t.cfg); err != nil {
			return fmt.Errorf("tracker config: %w", err)
		}
	}

	if deps.Store != nil {
		if err := deps.Store.Migrate(ctx, "tracker", migrations()); err != nil {
			return fmt.Errorf("tracker migrations: %w", err)
		}
		t.store = NewTrackerStore(deps.Store.DB())

		method, err := t.store.ProbeMethod(ctx, models.ProbeDelete)
		if err != nil {
			t.logger.Warn("failed to load probe method, using default", zap.Error(err))
		}
		t.method.Store(method)
	}

	for p := range t.adapters {
		t.limiters[p] = rate.NewLimiter(rate.Limit(t.cfg.RatePerSecond), t.cfg.RateBurst)
		t.outages[p] = &atomic.Bool{}
	}

	t.logger.Info("tracker initialized",
		zap.Int("adapters", len(t.adapters)),
		zap.String("probe_method", string(t.Method())),
	)
	return nil
}

// Start restores persisted contacts and begins probing. Restored contacts
// do not re-announce themselves; subscribers get the full set on connect.
func (t *Tracker) Start(ctx context.Context) error {
	t.ctx, t.cancel = context.WithCancel(context.WithoutCancel(ctx))

	for p, adapter := range t.adapters {
		t.unsubs = append(t.unsubs, adapter.SubscribeAcks(t.routeAck))
		t.logger.Info("adapter attached", zap.String("platform", string(p)))
	}

	if t.store != nil {
		contacts, err := t.store.ListContacts(ctx)
		if err != nil {
			return fmt.Errorf("restore contacts: %w", err)
		}
		for _, c := range contacts {
			if err := t.startMonitor(c); err != nil {
				t.logger.Warn("skipping persisted contact",
					zap.String("jid", c.JID),
					zap.Error(err),
				)
			}
		}
		if len(contacts) > 0 {
			t.logger.Info("restored tracked contacts", zap.Int("count", len(contacts)))
		}
	}
	return nil
}

func (t *Tracker) Stop(ctx context.Context) error {
	for _, unsub := range t.unsubs {
		unsub()
	}
	t.unsubs = nil

	if t.cancel != nil {
		t.cancel()
	}

	t.mu.Lock()
	monitors := make([]*contactMonitor, 0, len(t.monitors))
	for _, m := range t.monitors {
		monitors = append(monitors, m)
	}
	t.mu.Unlock()

	for _, m := range monitors {
		m.stop()
	}
	t.logger.Info("tracker stopped")
	return nil
}

// Healthy implements plugin.HealthChecker: the engine is healthy when no
// attached platform is in an outage.
func (t *Tracker) Healthy(ctx context.Context) error {
	for p, adapter := range t.adapters {
		if !adapter.Healthy() {
			return fmt.Errorf("platform %s unavailable", p)
		}
	}
	return nil
}

// Track resolves a number on the given platform and starts probing it.
func (t *Tracker) Track(ctx context.Context, p models.Platform, number string) (models.Contact, error) {
	adapter, ok := t.adapters[p]
	if !ok {
		return models.Contact{}, fmt.Errorf("%w: %s", ErrNoAdapter, p)
	}

	jid, err := adapter.Resolve(ctx, number)
	if err != nil {
		return models.Contact{}, err
	}

	display := displayNumber(number)
	contact := models.Contact{
		JID:           jid,
		Platform:      p,
		DisplayNumber: display,
		ContactName:   display,
		CreatedAt:     time.Now().UTC(),
	}

	t.mu.Lock()
	if _, exists := t.monitors[jid]; exists {
		t.mu.Unlock()
		return models.Contact{}, fmt.Errorf("%w: %s", ErrDuplicateContact, jid)
	}
	monitor := newContactMonitor(t, contact, adapter, t.limiters[p])
	t.monitors[jid] = monitor
	t.mu.Unlock()

	if t.store != nil {
		if err := t.store.UpsertContact(ctx, &contact); err != nil {
			t.logger.Warn("failed to persist contact", zap.String("jid", jid), zap.Error(err))
		}
	}

	// Announce the contact before probing starts, so no update for the JID
	// can reach subscribers ahead of the event introducing it.
	trackedContacts.WithLabelValues(string(p)).Inc()
	t.publish(TopicContactAdded, ContactEvent{Contact: contact})
	monitor.start(t.ctx)
	t.logger.Info("contact tracked", zap.String("jid", jid), zap.String("platform", string(p)))

	go t.enrichProfile(monitor)
	return contact, nil
}

// Untrack stops probing a contact and forgets it. No further events for
// the JID are published after the removal event.
func (t *Tracker) Untrack(ctx context.Context, jid string) error {
	t.mu.Lock()
	monitor, ok := t.monitors[jid]
	if ok {
		delete(t.monitors, jid)
	}
	t.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w: %s", ErrNotFound, jid)
	}

	monitor.stop()

	if t.store != nil {
		if err := t.store.DeleteContact(ctx, jid); err != nil {
			t.logger.Warn("failed to delete contact", zap.String("jid", jid), zap.Error(err))
		}
	}

	monitor.mu.Lock()
	contact := monitor.contact
	monitor.mu.Unlock()

	trackedContacts.WithLabelValues(string(contact.Platform)).Dec()
	t.publish(TopicContactRemoved, ContactEvent{Contact: contact})
	t.logger.Info("contact untracked", zap.String("jid", jid))
	return nil
}

// List returns the tracked contacts.
func (t *Tracker) List() []models.Contact {
	t.mu.RLock()
	defer t.mu.RUnlock()

	contacts := make([]models.Contact, 0, len(t.monitors))
	for _, m := range t.monitors {
		m.mu.Lock()
		contacts = append(contacts, m.contact)
		m.mu.Unlock()
	}
	return contacts
}

// Snapshot returns the point-in-time aggregate for one contact.
func (t *Tracker) Snapshot(jid string) (models.TrackerSnapshot, error) {
	t.mu.RLock()
	monitor, ok := t.monitors[jid]
	t.mu.RUnlock()
	if !ok {
		return models.TrackerSnapshot{}, fmt.Errorf("%w: %s", ErrNotFound, jid)
	}
	return monitor.snapshot(), nil
}

// Snapshots returns aggregates for all tracked contacts.
func (t *Tracker) Snapshots() []models.TrackerSnapshot {
	t.mu.RLock()
	monitors := make([]*contactMonitor, 0, len(t.monitors))
	for _, m := range t.monitors {
		monitors = append(monitors, m)
	}
	t.mu.RUnlock()

	snaps := make([]models.TrackerSnapshot, len(monitors))
	for i, m := range monitors {
		snaps[i] = m.snapshot()
	}
	return snaps
}

// Method returns the active probe method.
func (t *Tracker) Method() models.ProbeMethod {
	return t.method.Load().(models.ProbeMethod)
}

// SetMethod switches the probe method. In-flight probes finish with the
// old method; the next cycle of every device picks up the new one.
func (t *Tracker) SetMethod(ctx context.Context, m models.ProbeMethod) error {
	if !m.Valid() {
		return fmt.Errorf("%w: probe method %q", platform.ErrInvalidAddress, m)
	}
	if t.Method() == m {
		return nil
	}

	t.method.Store(m)
	if t.store != nil {
		if err := t.store.SetProbeMethod(ctx, m); err != nil {
			t.logger.Warn("failed to persist probe method", zap.Error(err))
		}
	}
	t.publish(TopicMethodChanged, MethodEvent{Method: m})
	t.logger.Info("probe method changed", zap.String("method", string(m)))
	return nil
}

// startMonitor spins up probing for a restored contact without publishing
// a contact.added event.
func (t *Tracker) startMonitor(contact models.Contact) error {
	adapter, ok := t.adapters[contact.Platform]
	if !ok {
		return fmt.Errorf("%w: %s", ErrNoAdapter, contact.Platform)
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	if _, exists := t.monitors[contact.JID]; exists {
		return fmt.Errorf("%w: %s", ErrDuplicateContact, contact.JID)
	}
	monitor := newContactMonitor(t, contact, adapter, t.limiters[contact.Platform])
	t.monitors[contact.JID] = monitor
	monitor.start(t.ctx)
	trackedContacts.WithLabelValues(string(contact.Platform)).Inc()
	return nil
}

// routeAck fans a delivery receipt out to the monitor owning the device.
func (t *Tracker) routeAck(ack platform.Ack) {
	contactJID := platform.ContactJID(ack.DeviceJID)

	t.mu.RLock()
	monitor, ok := t.monitors[contactJID]
	t.mu.RUnlock()
	if !ok {
		return
	}
	monitor.routeAck(ack)
}

// enrichProfile resolves display name and avatar in the background and
// publishes whichever fields the platform returned. A lookup outliving the
// contact is dropped: the context dies with the monitor, and the result is
// discarded if another monitor (or none) owns the JID by the time it lands.
func (t *Tracker) enrichProfile(m *contactMonitor) {
	ctx, cancel := context.WithTimeout(m.ctx, t.cfg.ProbeTimeout)
	defer cancel()

	m.mu.Lock()
	jid := m.contact.JID
	m.mu.Unlock()

	profile, err := m.adapter.Profile(ctx, jid)
	if err != nil {
		t.logger.Debug("profile lookup failed", zap.String("jid", jid), zap.Error(err))
		return
	}

	// Holding the read lock keeps Untrack out until the events are on the
	// bus, so nothing follows the contact's removal event.
	t.mu.RLock()
	defer t.mu.RUnlock()
	if t.monitors[jid] != m {
		t.logger.Debug("discarding profile for removed contact", zap.String("jid", jid))
		return
	}

	m.mu.Lock()
	if profile.Name != "" {
		m.contact.ContactName = profile.Name
	}
	if profile.AvatarURL != "" {
		m.contact.AvatarURL = profile.AvatarURL
	}
	m.mu.Unlock()

	if profile.Name != "" {
		if t.store != nil {
			if err := t.store.SetContactName(ctx, jid, profile.Name); err != nil {
				t.logger.Warn("failed to persist contact name", zap.Error(err))
			}
		}
		t.publish(TopicContactName, NameEvent{JID: jid, Name: profile.Name})
	}
	if profile.AvatarURL != "" {
		if t.store != nil {
			if err := t.store.SetContactAvatar(ctx, jid, profile.AvatarURL); err != nil {
				t.logger.Warn("failed to persist contact avatar", zap.Error(err))
			}
		}
		t.publish(TopicContactAvatar, AvatarEvent{JID: jid, AvatarURL: profile.AvatarURL})
	}
}

// reportOutage publishes one coarse error event per platform outage
// instead of one per failed probe.
func (t *Tracker) reportOutage(p models.Platform, err error) {
	flag, ok := t.outages[p]
	if !ok || flag.Swap(true) {
		return
	}

	fatal := errors.Is(err, platform.ErrSessionLost)
	msg := fmt.Sprintf("platform %s unavailable", p)
	if fatal {
		msg = fmt.Sprintf("platform %s session lost, re-link required", p)
	}
	t.publish(TopicError, ErrorEvent{Platform: p, Message: msg, Fatal: fatal})
	t.logger.Error("platform outage", zap.String("platform", string(p)), zap.Error(err))
}

// clearOutage resets the outage latch once a probe succeeds again.
func (t *Tracker) clearOutage(p models.Platform) {
	if flag, ok := t.outages[p]; ok && flag.Swap(false) {
		t.logger.Info("platform recovered", zap.String("platform", string(p)))
	}
}

// publish sends an event through the bus. Synchronous delivery keeps the
// per-contact ordering guarantee; a nil bus (tests) is a no-op.
func (t *Tracker) publish(topic string, payload any) {
	if t.bus == nil {
		return
	}
	t.bus.Publish(t.ctx, plugin.Event{Topic: topic, Source: "tracker", Payload: payload})
}

// displayNumber renders the number the way the user typed it, minus
// formatting noise.
func displayNumber(number string) string {
	if normalized, err := platform.NormalizeNumber(number); err == nil {
		return normalized
	}
	return number
}
