package signal

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/presage-io/presage/internal/platform"
	"github.com/presage-io/presage/pkg/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

const testAccount = "+4915100000000"

// fakeDaemon is a minimal signal-cli REST daemon double recording what the
// adapter sends it.
type fakeDaemon struct {
	mu        sync.Mutex
	sends     []sendRequest
	reactions []reactionRequest
	deletes   []deleteRequest

	registered map[string]bool
	contacts   []contactInfo
	sendTS     int64
}

func newFakeDaemon() *fakeDaemon {
	return &fakeDaemon{
		registered: make(map[string]bool),
		sendTS:     1700000000000,
	}
}

func (d *fakeDaemon) server(t *testing.T) *httptest.Server {
	t.Helper()
	mux := http.NewServeMux()

	mux.HandleFunc("/v2/send", func(w http.ResponseWriter, r *http.Request) {
		var req sendRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		d.mu.Lock()
		d.sends = append(d.sends, req)
		ts := d.sendTS
		d.sendTS++
		d.mu.Unlock()
		json.NewEncoder(w).Encode(sendResponse{Timestamp: ts})
	})
	mux.HandleFunc("/v1/reactions/", func(w http.ResponseWriter, r *http.Request) {
		var req reactionRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		d.mu.Lock()
		d.reactions = append(d.reactions, req)
		d.mu.Unlock()
		json.NewEncoder(w).Encode(sendResponse{Timestamp: time.Now().UnixMilli()})
	})
	mux.HandleFunc("/v1/remote-delete/", func(w http.ResponseWriter, r *http.Request) {
		var req deleteRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		d.mu.Lock()
		d.deletes = append(d.deletes, req)
		d.mu.Unlock()
		w.WriteHeader(http.StatusNoContent)
	})
	mux.HandleFunc("/v1/search/", func(w http.ResponseWriter, r *http.Request) {
		number := r.URL.Query().Get("numbers")
		d.mu.Lock()
		reg := d.registered[number]
		d.mu.Unlock()
		json.NewEncoder(w).Encode([]searchResult{{Number: number, Registered: reg}})
	})
	mux.HandleFunc("/v1/contacts/", func(w http.ResponseWriter, _ *http.Request) {
		d.mu.Lock()
		contacts := d.contacts
		d.mu.Unlock()
		json.NewEncoder(w).Encode(contacts)
	})

	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv
}

func newTestModule(t *testing.T, daemon *fakeDaemon) *Module {
	t.Helper()
	srv := daemon.server(t)

	m := New()
	m.logger = zap.NewNop()
	m.cfg = Config{APIURL: srv.URL, Account: testAccount}
	m.client = newClient(srv.URL, testAccount, nil, zap.NewNop())
	return m
}

func TestResolve(t *testing.T) {
	daemon := newFakeDaemon()
	daemon.registered["+4915112345678"] = true
	m := newTestModule(t, daemon)
	ctx := context.Background()

	jid, err := m.Resolve(ctx, "+49 151 12345678")
	require.NoError(t, err)
	assert.Equal(t, "+4915112345678@signal", jid)

	_, err = m.Resolve(ctx, "+4915199999999")
	assert.ErrorIs(t, err, platform.ErrNotRegistered)

	_, err = m.Resolve(ctx, "not-a-number")
	assert.ErrorIs(t, err, platform.ErrInvalidAddress)
}

func TestSendEphemeralAndDelete(t *testing.T) {
	daemon := newFakeDaemon()
	m := newTestModule(t, daemon)
	ctx := context.Background()

	deviceJID := platform.DeviceJID("+4915112345678@signal", 2)
	msgID, err := m.SendEphemeral(ctx, deviceJID)
	require.NoError(t, err)
	assert.Equal(t, "1700000000000", msgID)

	require.Len(t, daemon.sends, 1)
	assert.Equal(t, testAccount, daemon.sends[0].Number)
	assert.Equal(t, []string{"+4915112345678"}, daemon.sends[0].Recipients)
	assert.Equal(t, probeBody, daemon.sends[0].Message)

	require.NoError(t, m.DeleteMessage(ctx, deviceJID, msgID))
	require.Len(t, daemon.deletes, 1)
	assert.Equal(t, "+4915112345678", daemon.deletes[0].Recipient)
	assert.Equal(t, int64(1700000000000), daemon.deletes[0].Timestamp)

	err = m.DeleteMessage(ctx, deviceJID, "not-a-timestamp")
	assert.ErrorIs(t, err, platform.ErrInvalidAddress)
}

func TestSendReactionTargetsPastTimestamp(t *testing.T) {
	daemon := newFakeDaemon()
	m := newTestModule(t, daemon)
	ctx := context.Background()

	deviceJID := platform.DeviceJID("+4915112345678@signal", 1)
	msgID, err := m.SendReaction(ctx, deviceJID, "synthetic-target")
	require.NoError(t, err)
	assert.NotEmpty(t, msgID)
	_, err = strconv.ParseInt(msgID, 10, 64)
	assert.NoError(t, err, "reaction message ID should be a timestamp")

	require.Len(t, daemon.reactions, 1)
	got := daemon.reactions[0]
	assert.Equal(t, "+4915112345678", got.Recipient)
	assert.Equal(t, testAccount, got.TargetAuthor)
	// Non-numeric target IDs fall back to a timestamp in the past so no
	// conversation entry can match.
	assert.Less(t, got.Timestamp, time.Now().Add(-23*time.Hour).UnixMilli())
}

func TestProfileNameFallback(t *testing.T) {
	daemon := newFakeDaemon()
	daemon.contacts = []contactInfo{
		{Number: "+4915112345678", Name: "", ProfileName: "alice"},
		{Number: "+4915187654321", Name: "Bob", ProfileName: "bobby"},
	}
	m := newTestModule(t, daemon)
	ctx := context.Background()

	p, err := m.Profile(ctx, "+4915112345678@signal")
	require.NoError(t, err)
	assert.Equal(t, "alice", p.Name)

	p, err = m.Profile(ctx, "+4915187654321@signal")
	require.NoError(t, err)
	assert.Equal(t, "Bob", p.Name)
	assert.Empty(t, p.AvatarURL)
}

func TestDevicesLearnedFromReceipts(t *testing.T) {
	daemon := newFakeDaemon()
	m := newTestModule(t, daemon)
	ctx := context.Background()

	contactJID := "+4915112345678@signal"
	jids, err := m.Devices(ctx, contactJID)
	require.NoError(t, err)
	assert.Equal(t, []string{platform.DeviceJID(contactJID, 1)}, jids,
		"device 1 is assumed before any receipt arrives")

	m.learnDevice(platform.Ack{DeviceJID: platform.DeviceJID(contactJID, 3)})
	m.learnDevice(platform.Ack{DeviceJID: platform.DeviceJID(contactJID, 2)})
	m.learnDevice(platform.Ack{DeviceJID: platform.DeviceJID(contactJID, 3)})

	jids, err = m.Devices(ctx, contactJID)
	require.NoError(t, err)
	assert.Equal(t, []string{
		platform.DeviceJID(contactJID, 1),
		platform.DeviceJID(contactJID, 2),
		platform.DeviceJID(contactJID, 3),
	}, jids)

	// Other contacts keep their own device sets.
	jids, err = m.Devices(ctx, "+4915187654321@signal")
	require.NoError(t, err)
	assert.Len(t, jids, 1)
}

func TestSendErrorsClassified(t *testing.T) {
	m := New()
	m.logger = zap.NewNop()
	m.cfg = Config{APIURL: "http://127.0.0.1:1", Account: testAccount}
	m.client = newClient(m.cfg.APIURL, testAccount, nil, zap.NewNop())

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	_, err := m.SendEphemeral(ctx, "+4915112345678@signal")
	require.Error(t, err)
	assert.True(t,
		errors.Is(err, platform.ErrUnavailable) || errors.Is(err, platform.ErrSessionLost),
		"unreachable daemon should map to an outage error, got %v", err)
}

func TestReceiveURL(t *testing.T) {
	c := newClient("https://daemon.example:8443/", testAccount, nil, zap.NewNop())
	assert.Equal(t, "wss://daemon.example:8443/v1/receive/"+testAccount, c.receiveURL())

	c = newClient("http://127.0.0.1:8081", testAccount, nil, zap.NewNop())
	assert.Equal(t, "ws://127.0.0.1:8081/v1/receive/"+testAccount, c.receiveURL())
}

func TestContactNumber(t *testing.T) {
	assert.Equal(t, "+4915112345678", contactNumber("+4915112345678@signal"))
	assert.Equal(t, "+4915112345678", contactNumber(platform.DeviceJID("+4915112345678@signal", 3)))
}

func TestPlatformIdentity(t *testing.T) {
	m := New()
	assert.Equal(t, models.PlatformSignal, m.Platform())
	assert.Same(t, m, m.Adapter().(*Module))
}
