package tracker

import (
	"context"
	"errors"
	"math/rand"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/presage-io/presage/internal/platform"
	"github.com/presage-io/presage/pkg/models"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

// deviceMonitor holds the per-device probe state. All fields except the
// ack channel are guarded by the owning contactMonitor's mutex.
type deviceMonitor struct {
	jid        string
	window     *sampleWindow
	classifier *deviceClassifier
	state      models.PresenceState
	lastRTT    float64
	lastSeen   time.Time
	drops      int

	// acks receives receipts routed by device JID. Buffered so a receipt
	// arriving while the loop is still in the send call is not lost.
	acks   chan platform.Ack
	cancel context.CancelFunc
}

// contactMonitor owns one contact: its device set, their probe loops, and
// the per-contact event stream. Every state change is published while the
// mutex is held, which keeps events for one contact strictly ordered.
type contactMonitor struct {
	tracker *Tracker
	adapter platform.Adapter
	limiter *rate.Limiter
	logger  *zap.Logger
	cfg     TrackerConfig

	mu      sync.Mutex
	contact models.Contact
	devices map[string]*deviceMonitor

	// last published aggregate, for delta suppression
	lastState  models.PresenceState
	lastMedian float64

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func newContactMonitor(t *Tracker, contact models.Contact, adapter platform.Adapter, limiter *rate.Limiter) *contactMonitor {
	return &contactMonitor{
		tracker:   t,
		adapter:   adapter,
		limiter:   limiter,
		logger:    t.logger.With(zap.String("jid", contact.JID)),
		cfg:       t.cfg,
		contact:   contact,
		devices:   make(map[string]*deviceMonitor),
		lastState: models.StateUnknown,
	}
}

// start discovers the initial device set and launches the probe loops.
func (m *contactMonitor) start(ctx context.Context) {
	m.ctx, m.cancel = context.WithCancel(ctx)

	m.wg.Add(1)
	go m.runRefresh()
}

// stop cancels all loops and waits for them to drain. In-flight probe
// results are discarded once the context is gone.
func (m *contactMonitor) stop() {
	if m.cancel != nil {
		m.cancel()
	}
	m.wg.Wait()
}

// routeAck hands a receipt to the device it belongs to. Receipts for
// unknown or evicted devices are dropped.
func (m *contactMonitor) routeAck(ack platform.Ack) {
	m.mu.Lock()
	d, ok := m.devices[ack.DeviceJID]
	m.mu.Unlock()
	if !ok {
		return
	}
	select {
	case d.acks <- ack:
	default:
		// Loop is not consuming; stale receipt, drop it.
	}
}

// runRefresh reconciles the device set against the platform on a fixed
// interval and evicts stale devices. The first reconcile runs immediately
// so probing starts as soon as the contact is added.
func (m *contactMonitor) runRefresh() {
	defer m.wg.Done()

	m.refreshDevices()

	ticker := time.NewTicker(m.cfg.DeviceRefresh)
	defer ticker.Stop()
	for {
		select {
		case <-m.ctx.Done():
			return
		case <-ticker.C:
			m.refreshDevices()
			m.evictStale()
		}
	}
}

// refreshDevices queries the platform's device list and starts or stops
// per-device loops to match it.
func (m *contactMonitor) refreshDevices() {
	ctx, cancel := context.WithTimeout(m.ctx, m.cfg.ProbeTimeout)
	reported, err := m.adapter.Devices(ctx, m.contact.JID)
	cancel()
	if err != nil {
		m.logger.Debug("device list refresh failed", zap.Error(err))
		return
	}

	want := make(map[string]struct{}, len(reported))
	for _, jid := range reported {
		want[jid] = struct{}{}
	}

	m.mu.Lock()
	changed := false
	for jid := range want {
		if _, ok := m.devices[jid]; ok {
			continue
		}
		m.addDeviceLocked(jid)
		changed = true
	}
	for jid, d := range m.devices {
		if _, ok := want[jid]; ok {
			continue
		}
		m.removeDeviceLocked(jid, d)
		changed = true
	}
	if changed {
		m.publishAggregateLocked(true)
	}
	m.mu.Unlock()
}

// evictStale removes devices that have not produced a sample within the
// staleness bound. Gone, not merely offline.
func (m *contactMonitor) evictStale() {
	now := time.Now()
	m.mu.Lock()
	changed := false
	for jid, d := range m.devices {
		if d.lastSeen.IsZero() || now.Sub(d.lastSeen) <= m.cfg.StalenessBound {
			continue
		}
		m.removeDeviceLocked(jid, d)
		devicesEvicted.WithLabelValues(string(m.contact.Platform)).Inc()
		m.logger.Info("device evicted as stale", zap.String("device", jid))
		changed = true
	}
	if changed {
		m.publishAggregateLocked(true)
	}
	m.mu.Unlock()
}

func (m *contactMonitor) addDeviceLocked(jid string) {
	d := &deviceMonitor{
		jid:        jid,
		window:     newSampleWindow(m.cfg.WindowSize),
		classifier: newDeviceClassifier(m.cfg),
		state:      models.StateUnknown,
		acks:       make(chan platform.Ack, 8),
	}
	ctx, cancel := context.WithCancel(m.ctx)
	d.cancel = cancel
	m.devices[jid] = d

	m.wg.Add(1)
	go m.runDevice(ctx, d)
}

func (m *contactMonitor) removeDeviceLocked(jid string, d *deviceMonitor) {
	d.cancel()
	delete(m.devices, jid)
}

// runDevice is the probe loop for one device. Each cycle waits a jittered
// interval, sends one probe, and waits for the matching receipt.
func (m *contactMonitor) runDevice(ctx context.Context, d *deviceMonitor) {
	defer m.wg.Done()

	timer := time.NewTimer(m.initialDelay())
	defer timer.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-timer.C:
		}
		m.probeOnce(ctx, d)
		timer.Reset(m.nextDelay(d))
	}
}

// initialDelay spreads the first probes of a contact's devices out so a
// multi-device contact does not burst on add.
func (m *contactMonitor) initialDelay() time.Duration {
	return time.Duration(rand.Int63n(int64(m.cfg.ProbeInterval)))
}

// nextDelay returns the jittered probe interval, stretched while the
// device keeps failing so a broken platform is retried with backoff.
func (m *contactMonitor) nextDelay(d *deviceMonitor) time.Duration {
	interval := m.cfg.ProbeInterval
	if m.cfg.ProbeJitter > 0 {
		interval += time.Duration(rand.Int63n(int64(2*m.cfg.ProbeJitter))) - m.cfg.ProbeJitter
	}

	m.mu.Lock()
	drops := d.drops
	m.mu.Unlock()
	if drops > 0 {
		shift := min(drops, 3)
		interval *= time.Duration(1 << shift)
	}
	return interval
}

// probeOnce sends one probe to the device and records the outcome.
func (m *contactMonitor) probeOnce(ctx context.Context, d *deviceMonitor) {
	if err := m.limiter.Wait(ctx); err != nil {
		return
	}

	method := m.tracker.Method()
	sendCtx, cancel := context.WithTimeout(ctx, m.cfg.ProbeTimeout)
	defer cancel()

	sent := time.Now()
	var msgID string
	var err error
	switch method {
	case models.ProbeReaction:
		// React to a message ID that never existed. The platform still
		// acknowledges delivery of the reaction frame, and nothing renders
		// on the peer because there is no target to attach it to.
		msgID, err = m.adapter.SendReaction(sendCtx, d.jid, uuid.New().String())
	default:
		msgID, err = m.adapter.SendEphemeral(sendCtx, d.jid)
	}
	if err != nil {
		m.handleSendError(d, err)
		return
	}
	probesTotal.WithLabelValues(string(m.contact.Platform), "sent").Inc()

	deadline := time.NewTimer(m.cfg.ProbeTimeout)
	defer deadline.Stop()
	for {
		select {
		case <-ctx.Done():
			m.eraseProbe(method, d.jid, msgID)
			return
		case <-deadline.C:
			m.eraseProbe(method, d.jid, msgID)
			m.handleTimeout(d)
			return
		case ack := <-d.acks:
			if ack.MessageID != msgID {
				// Receipt from an earlier cycle; this probe is still live.
				continue
			}
			rtt := time.Since(sent)
			m.eraseProbe(method, d.jid, msgID)
			m.applySample(d, rtt, ack.Timestamp)
			return
		}
	}
}

// eraseProbe revokes a delete-method probe so nothing lingers in the
// peer's conversation. Reaction probes have nothing to erase.
func (m *contactMonitor) eraseProbe(method models.ProbeMethod, deviceJID, msgID string) {
	if method != models.ProbeDelete || msgID == "" {
		return
	}
	jid := deviceJID
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := m.adapter.DeleteMessage(ctx, jid, msgID); err != nil {
			m.logger.Debug("probe delete failed", zap.String("device", jid), zap.Error(err))
		}
	}()
}

// handleSendError distinguishes platform outages from ordinary failures.
// One failure never stops the loop; the interval backoff handles retries.
func (m *contactMonitor) handleSendError(d *deviceMonitor, err error) {
	probesTotal.WithLabelValues(string(m.contact.Platform), "error").Inc()

	switch {
	case errors.Is(err, platform.ErrSessionLost), errors.Is(err, platform.ErrUnavailable):
		m.tracker.reportOutage(m.contact.Platform, err)
	case errors.Is(err, context.Canceled):
		return
	default:
		m.logger.Warn("probe send failed", zap.String("device", d.jid), zap.Error(err))
	}

	m.mu.Lock()
	d.drops++
	if d.drops >= m.cfg.MaxConsecutiveDrops && d.state != models.StateUnknown {
		d.state = models.StateUnknown
		d.classifier.Reset()
		m.publishAggregateLocked(true)
	}
	m.mu.Unlock()
}

// handleTimeout records a dropped probe. Drops are not samples; they only
// count toward eviction.
func (m *contactMonitor) handleTimeout(d *deviceMonitor) {
	probesTotal.WithLabelValues(string(m.contact.Platform), "timeout").Inc()

	m.mu.Lock()
	defer m.mu.Unlock()

	d.drops++
	if d.drops < m.cfg.MaxConsecutiveDrops {
		return
	}
	// Identity check: the JID may already belong to a re-added successor
	// whose entry a stale loop must not touch.
	if m.devices[d.jid] != d {
		return
	}
	m.removeDeviceLocked(d.jid, d)
	devicesEvicted.WithLabelValues(string(m.contact.Platform)).Inc()
	m.logger.Info("device evicted after consecutive drops",
		zap.String("device", d.jid),
		zap.Int("drops", d.drops),
	)
	m.publishAggregateLocked(true)
}

// applySample feeds a successful round trip into the window, reclassifies
// the device, and publishes the contact delta.
func (m *contactMonitor) applySample(d *deviceMonitor, rtt time.Duration, at time.Time) {
	if at.IsZero() {
		at = time.Now()
	}
	probesTotal.WithLabelValues(string(m.contact.Platform), "ok").Inc()
	probeRTT.WithLabelValues(string(m.contact.Platform)).Observe(rtt.Seconds())

	m.mu.Lock()
	defer m.mu.Unlock()

	if m.devices[d.jid] != d {
		// Evicted or replaced while the probe was in flight; discard.
		return
	}

	d.window.Add(rtt, at)
	d.drops = 0
	d.lastSeen = at
	d.lastRTT = float64(rtt.Milliseconds())
	d.state = d.classifier.Observe(d.window)

	m.tracker.clearOutage(m.contact.Platform)
	m.publishAggregateLocked(false)
}

// deviceViewsLocked renders the device set, sorted by JID for stable
// output.
func (m *contactMonitor) deviceViewsLocked() []models.Device {
	views := make([]models.Device, 0, len(m.devices))
	for _, d := range m.devices {
		var avg float64
		if v, ok := d.window.RecentAvg(); ok {
			avg = v
		}
		views = append(views, models.Device{
			JID:      d.jid,
			State:    d.state,
			RTTMs:    d.lastRTT,
			AvgMs:    avg,
			LastSeen: d.lastSeen,
		})
	}
	sort.Slice(views, func(i, j int) bool { return views[i].JID < views[j].JID })
	return views
}

// aggregateMedianLocked returns the contact-level median: the lowest
// device median among devices fresh within the staleness bound, matching
// the best-device aggregation of the presence state.
func (m *contactMonitor) aggregateMedianLocked(now time.Time) (float64, bool) {
	best := 0.0
	found := false
	for _, d := range m.devices {
		if d.lastSeen.IsZero() || now.Sub(d.lastSeen) > m.cfg.StalenessBound {
			continue
		}
		median, ok := d.window.Median()
		if !ok {
			continue
		}
		if !found || median < best {
			best = median
			found = true
		}
	}
	return best, found
}

// publishAggregateLocked emits a partial tracker update. Fields that did
// not change since the last publish are left nil so consumers can merge.
// Called with the mutex held, which serializes the contact's events.
func (m *contactMonitor) publishAggregateLocked(deviceSetChanged bool) {
	now := time.Now()
	views := m.deviceViewsLocked()
	state := AggregateState(views, m.cfg.StalenessBound, now)

	ev := UpdateEvent{JID: m.contact.JID, Devices: views, Timestamp: now}
	if state != m.lastState {
		s := state
		ev.Presence = &s
		m.lastState = state
		presenceTransitions.WithLabelValues(string(m.contact.Platform), string(state)).Inc()
	}
	if deviceSetChanged {
		count := len(views)
		ev.DeviceCount = &count
	}
	if median, ok := m.aggregateMedianLocked(now); ok && median != m.lastMedian {
		v := median
		threshold := Threshold(v, m.cfg.ThresholdMultiplier)
		ev.MedianMs = &v
		ev.ThresholdMs = &threshold
		m.lastMedian = median
	}
	if !deviceSetChanged && ev.Presence == nil && ev.MedianMs == nil && len(views) == 0 {
		return
	}

	m.tracker.publish(TopicUpdate, ev)
}

// snapshot renders the point-in-time contact aggregate. Derived from the
// windows, never stored.
func (m *contactMonitor) snapshot() models.TrackerSnapshot {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := time.Now()
	views := m.deviceViewsLocked()
	snap := models.TrackerSnapshot{
		JID:         m.contact.JID,
		Presence:    AggregateState(views, m.cfg.StalenessBound, now),
		Devices:     views,
		DeviceCount: len(views),
		Timestamp:   now,
	}
	if median, ok := m.aggregateMedianLocked(now); ok {
		snap.MedianMs = &median
		threshold := Threshold(median, m.cfg.ThresholdMultiplier)
		snap.ThresholdMs = &threshold
	}
	return snap
}
