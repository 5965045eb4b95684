package signal

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"github.com/presage-io/presage/internal/platform"
	"go.uber.org/zap"
)

const (
	httpTimeout    = 15 * time.Second
	initialBackoff = time.Second
	maxBackoff     = time.Minute
)

// sendRequest is the body of POST /v2/send. The REST daemon addresses the
// whole account; per-device fan-out happens on the Signal side.
type sendRequest struct {
	Number     string   `json:"number"`
	Recipients []string `json:"recipients"`
	Message    string   `json:"message"`
}

type sendResponse struct {
	Timestamp int64 `json:"timestamp"`
}

// reactionRequest is the body of POST /v1/reactions/{number}.
type reactionRequest struct {
	Recipient    string `json:"recipient"`
	Reaction     string `json:"reaction"`
	TargetAuthor string `json:"target_author"`
	Timestamp    int64  `json:"timestamp"`
	Remove       bool   `json:"remove"`
}

// deleteRequest is the body of POST /v1/remote-delete/{number}.
type deleteRequest struct {
	Recipient string `json:"recipient"`
	Timestamp int64  `json:"timestamp"`
}

// inbound mirrors the envelope frames the receive socket pushes. Only the
// receipt fields are of interest; everything else is dropped.
type inbound struct {
	Envelope struct {
		Source         string `json:"source"`
		SourceDevice   int    `json:"sourceDevice"`
		Timestamp      int64  `json:"timestamp"`
		ReceiptMessage *struct {
			IsDelivery bool    `json:"isDelivery"`
			Timestamps []int64 `json:"timestamps"`
		} `json:"receiptMessage"`
	} `json:"envelope"`
	Account string `json:"account"`
}

type apiError struct {
	Err string `json:"error"`
}

// client talks to a signal-cli REST daemon: HTTP for sends, a WebSocket
// receive stream for delivery receipts.
type client struct {
	baseURL string
	account string // own +E.164 number the daemon is registered as
	http    *http.Client
	logger  *zap.Logger
	pinger  *platform.GatewayPinger

	subMu   sync.RWMutex
	subs    map[uint64]func(platform.Ack)
	nextSub uint64

	healthy  atomic.Bool
	hostDown atomic.Bool

	cancel context.CancelFunc
	done   chan struct{}
}

func newClient(baseURL, account string, pinger *platform.GatewayPinger, logger *zap.Logger) *client {
	return &client{
		baseURL: strings.TrimRight(baseURL, "/"),
		account: account,
		http:    &http.Client{Timeout: httpTimeout},
		logger:  logger,
		pinger:  pinger,
		subs:    make(map[uint64]func(platform.Ack)),
	}
}

// start launches the receive-stream loop. Non-blocking.
func (c *client) start(ctx context.Context) {
	ctx, c.cancel = context.WithCancel(ctx)
	c.done = make(chan struct{})
	go c.run(ctx)
}

// run keeps the receive WebSocket open, reconnecting with exponential
// backoff and classifying outages via ICMP when the dial fails.
func (c *client) run(ctx context.Context) {
	defer close(c.done)
	backoff := initialBackoff

	wsURL := c.receiveURL()
	for {
		conn, _, err := websocket.Dial(ctx, wsURL, nil)
		if err != nil {
			c.healthy.Store(false)
			c.classifyOutage(ctx)
			c.logger.Warn("receive stream dial failed",
				zap.String("url", wsURL),
				zap.Duration("retry_in", backoff),
				zap.Error(err),
			)
			select {
			case <-ctx.Done():
				return
			case <-time.After(backoff):
			}
			backoff = min(backoff*2, maxBackoff)
			continue
		}

		c.healthy.Store(true)
		c.hostDown.Store(false)
		backoff = initialBackoff
		c.logger.Info("receive stream connected", zap.String("account", c.account))

		c.readLoop(ctx, conn)
		c.healthy.Store(false)

		if ctx.Err() != nil {
			conn.Close(websocket.StatusNormalClosure, "")
			return
		}
		conn.Close(websocket.StatusGoingAway, "reconnecting")
	}
}

func (c *client) readLoop(ctx context.Context, conn *websocket.Conn) {
	for {
		var msg inbound
		if err := wsjson.Read(ctx, conn, &msg); err != nil {
			if ctx.Err() == nil {
				c.logger.Warn("receive stream read error", zap.Error(err))
			}
			return
		}

		rcpt := msg.Envelope.ReceiptMessage
		if rcpt == nil || !rcpt.IsDelivery {
			continue
		}

		// A delivery receipt names the original send timestamps, which are
		// the Signal message IDs. sourceDevice tells which linked device of
		// the sender confirmed delivery.
		deviceJID := platform.DeviceJID(msg.Envelope.Source+"@"+"signal", msg.Envelope.SourceDevice)
		at := time.UnixMilli(msg.Envelope.Timestamp)
		for _, ts := range rcpt.Timestamps {
			c.dispatchAck(platform.Ack{
				DeviceJID: deviceJID,
				MessageID: strconv.FormatInt(ts, 10),
				Timestamp: at,
			})
		}
	}
}

// send posts an account-addressed message and returns its timestamp ID.
func (c *client) send(ctx context.Context, recipient, message string) (string, error) {
	body := sendRequest{Number: c.account, Recipients: []string{recipient}, Message: message}
	var resp sendResponse
	if err := c.post(ctx, "/v2/send", body, &resp); err != nil {
		return "", err
	}
	return strconv.FormatInt(resp.Timestamp, 10), nil
}

// react sends a reaction frame against targetTimestamp on the recipient's
// conversation with targetAuthor.
func (c *client) react(ctx context.Context, recipient, targetAuthor string, targetTimestamp int64) (string, error) {
	body := reactionRequest{
		Recipient:    recipient,
		Reaction:     "\U0001F44D",
		TargetAuthor: targetAuthor,
		Timestamp:    targetTimestamp,
	}
	var resp sendResponse
	if err := c.post(ctx, "/v1/reactions/"+url.PathEscape(c.account), body, &resp); err != nil {
		return "", err
	}
	if resp.Timestamp == 0 {
		// Older daemons return no body for reactions; fall back to the
		// local clock, which is what the daemon stamps anyway.
		resp.Timestamp = time.Now().UnixMilli()
	}
	return strconv.FormatInt(resp.Timestamp, 10), nil
}

// remoteDelete revokes an earlier send identified by its timestamp.
func (c *client) remoteDelete(ctx context.Context, recipient string, timestamp int64) error {
	body := deleteRequest{Recipient: recipient, Timestamp: timestamp}
	return c.post(ctx, "/v1/remote-delete/"+url.PathEscape(c.account), body, nil)
}

// searchResult is one entry of GET /v1/search, the daemon's registration
// lookup against the Signal directory.
type searchResult struct {
	Number     string `json:"number"`
	Registered bool   `json:"registered"`
}

// registered reports whether a +E.164 number has a Signal account.
func (c *client) registered(ctx context.Context, number string) (bool, error) {
	path := "/v1/search/" + url.PathEscape(c.account) + "?numbers=" + url.QueryEscape(number)
	var results []searchResult
	if err := c.get(ctx, path, &results); err != nil {
		return false, err
	}
	for _, r := range results {
		if r.Number == number {
			return r.Registered, nil
		}
	}
	return false, nil
}

// contactInfo is one entry of GET /v1/contacts/{number}.
type contactInfo struct {
	Number      string `json:"number"`
	Name        string `json:"name"`
	ProfileName string `json:"profile_name"`
}

// contact looks up the synced contact entry for a number, if any.
func (c *client) contact(ctx context.Context, number string) (*contactInfo, error) {
	var contacts []contactInfo
	if err := c.get(ctx, "/v1/contacts/"+url.PathEscape(c.account), &contacts); err != nil {
		return nil, err
	}
	for i := range contacts {
		if contacts[i].Number == number {
			return &contacts[i], nil
		}
	}
	return nil, nil
}

func (c *client) get(ctx context.Context, path string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		return fmt.Errorf("build %s: %w", path, err)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		c.classifyOutage(ctx)
		return fmt.Errorf("%s: %w", path, c.sessionErr())
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return fmt.Errorf("read %s response: %w", path, err)
	}
	if resp.StatusCode >= 400 {
		return fmt.Errorf("%s: status %d: %w", path, resp.StatusCode, platform.ErrUnavailable)
	}
	if out != nil && len(raw) > 0 {
		if err := json.Unmarshal(raw, out); err != nil {
			return fmt.Errorf("decode %s response: %w", path, err)
		}
	}
	return nil
}

func (c *client) post(ctx context.Context, path string, body, out any) error {
	payload, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("encode %s: %w", path, err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("build %s: %w", path, err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		c.classifyOutage(ctx)
		return fmt.Errorf("%s: %w", path, c.sessionErr())
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return fmt.Errorf("read %s response: %w", path, err)
	}

	if resp.StatusCode >= 400 {
		var apiErr apiError
		if json.Unmarshal(raw, &apiErr) == nil && apiErr.Err != "" {
			return fmt.Errorf("%s: %s: %w", path, apiErr.Err, platform.ErrUnavailable)
		}
		return fmt.Errorf("%s: status %d: %w", path, resp.StatusCode, platform.ErrUnavailable)
	}

	if out != nil && len(raw) > 0 {
		if err := json.Unmarshal(raw, out); err != nil {
			return fmt.Errorf("decode %s response: %w", path, err)
		}
	}
	return nil
}

func (c *client) subscribeAcks(fn func(platform.Ack)) func() {
	c.subMu.Lock()
	id := c.nextSub
	c.nextSub++
	c.subs[id] = fn
	c.subMu.Unlock()

	return func() {
		c.subMu.Lock()
		delete(c.subs, id)
		c.subMu.Unlock()
	}
}

func (c *client) dispatchAck(ack platform.Ack) {
	c.subMu.RLock()
	defer c.subMu.RUnlock()
	for _, fn := range c.subs {
		fn(ack)
	}
}

func (c *client) classifyOutage(ctx context.Context) {
	host := daemonHost(c.baseURL)
	if host == "" || c.pinger == nil {
		return
	}
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	alive, _ := c.pinger.Check(pingCtx, host)
	c.hostDown.Store(!alive)
}

func (c *client) sessionErr() error {
	if c.hostDown.Load() {
		return platform.ErrSessionLost
	}
	return platform.ErrUnavailable
}

func (c *client) close() error {
	if c.cancel != nil {
		c.cancel()
	}
	if c.done != nil {
		<-c.done
	}
	return nil
}

// receiveURL derives the WebSocket receive endpoint from the HTTP base URL.
func (c *client) receiveURL() string {
	ws := c.baseURL
	switch {
	case strings.HasPrefix(ws, "https://"):
		ws = "wss://" + strings.TrimPrefix(ws, "https://")
	case strings.HasPrefix(ws, "http://"):
		ws = "ws://" + strings.TrimPrefix(ws, "http://")
	}
	return ws + "/v1/receive/" + url.PathEscape(c.account)
}

func daemonHost(rawURL string) string {
	u, err := url.Parse(rawURL)
	if err != nil {
		return ""
	}
	return u.Hostname()
}
