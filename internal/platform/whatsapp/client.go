package whatsapp

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"sync"
	"sync/atomic"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"github.com/google/uuid"
	"github.com/presage-io/presage/internal/platform"
	"go.uber.org/zap"
)

const (
	writeTimeout     = 10 * time.Second
	initialBackoff   = time.Second
	maxBackoff       = time.Minute
	callTimeoutGuard = 30 * time.Second
)

// envelope is the single frame type on the gateway socket. Frames with an
// ID are RPC responses; frames with an Event are pushed notifications.
type envelope struct {
	ID     string          `json:"id,omitempty"`
	Event  string          `json:"event,omitempty"`
	Result json.RawMessage `json:"result,omitempty"`
	Error  *rpcError       `json:"error,omitempty"`
	Data   json.RawMessage `json:"data,omitempty"`
}

type rpcError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func (e *rpcError) Error() string {
	return fmt.Sprintf("gateway error %s: %s", e.Code, e.Message)
}

type rpcRequest struct {
	ID     string `json:"id"`
	Method string `json:"method"`
	Params any    `json:"params,omitempty"`
}

// receiptEvent is the payload of "receipt" events: the delivery
// acknowledgement from one device for one message.
type receiptEvent struct {
	DeviceJID   string `json:"device_jid"`
	MessageID   string `json:"message_id"`
	TimestampMs int64  `json:"timestamp_ms"`
}

// client maintains the WebSocket connection to the WhatsApp bridge and
// multiplexes RPC calls and receipt events over it.
type client struct {
	gatewayURL string
	logger     *zap.Logger
	pinger     *platform.GatewayPinger

	mu      sync.Mutex // guards conn and writes
	conn    *websocket.Conn
	pending sync.Map // request id -> chan envelope

	subMu   sync.RWMutex
	subs    map[uint64]func(platform.Ack)
	nextSub uint64

	healthy  atomic.Bool
	hostDown atomic.Bool // last outage classification from the pinger

	cancel context.CancelFunc
	done   chan struct{}
}

func newClient(gatewayURL string, pinger *platform.GatewayPinger, logger *zap.Logger) *client {
	return &client{
		gatewayURL: gatewayURL,
		logger:     logger,
		pinger:     pinger,
		subs:       make(map[uint64]func(platform.Ack)),
	}
}

// start launches the connect/read loop. Non-blocking.
func (c *client) start(ctx context.Context) {
	ctx, c.cancel = context.WithCancel(ctx)
	c.done = make(chan struct{})
	go c.run(ctx)
}

// run dials the gateway, pumps frames, and reconnects with exponential
// backoff. On each disconnect the gateway host is pinged to classify the
// outage for callers blocked in call().
func (c *client) run(ctx context.Context) {
	defer close(c.done)
	backoff := initialBackoff

	for {
		conn, _, err := websocket.Dial(ctx, c.gatewayURL, nil)
		if err != nil {
			c.classifyOutage(ctx)
			c.logger.Warn("gateway dial failed",
				zap.String("url", c.gatewayURL),
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

		c.mu.Lock()
		c.conn = conn
		c.mu.Unlock()
		c.healthy.Store(true)
		c.hostDown.Store(false)
		backoff = initialBackoff
		c.logger.Info("gateway connected", zap.String("url", c.gatewayURL))

		c.readLoop(ctx, conn)

		c.healthy.Store(false)
		c.mu.Lock()
		c.conn = nil
		c.mu.Unlock()
		c.failPending()

		if ctx.Err() != nil {
			conn.Close(websocket.StatusNormalClosure, "")
			return
		}
		conn.Close(websocket.StatusGoingAway, "reconnecting")
	}
}

func (c *client) readLoop(ctx context.Context, conn *websocket.Conn) {
	for {
		var env envelope
		if err := wsjson.Read(ctx, conn, &env); err != nil {
			if ctx.Err() == nil {
				c.logger.Warn("gateway read error", zap.Error(err))
			}
			return
		}

		switch {
		case env.ID != "":
			if ch, ok := c.pending.LoadAndDelete(env.ID); ok {
				ch.(chan envelope) <- env
			}
		case env.Event == "receipt":
			var rcpt receiptEvent
			if err := json.Unmarshal(env.Data, &rcpt); err != nil {
				c.logger.Warn("malformed receipt event", zap.Error(err))
				continue
			}
			c.dispatchAck(platform.Ack{
				DeviceJID: rcpt.DeviceJID,
				MessageID: rcpt.MessageID,
				Timestamp: time.UnixMilli(rcpt.TimestampMs),
			})
		default:
			c.logger.Debug("ignoring gateway event", zap.String("event", env.Event))
		}
	}
}

// call performs one RPC round trip and decodes the result into out.
func (c *client) call(ctx context.Context, method string, params, out any) error {
	if !c.healthy.Load() {
		return c.sessionErr()
	}

	req := rpcRequest{ID: uuid.New().String(), Method: method, Params: params}
	respCh := make(chan envelope, 1)
	c.pending.Store(req.ID, respCh)
	defer c.pending.Delete(req.ID)

	c.mu.Lock()
	conn := c.conn
	if conn == nil {
		c.mu.Unlock()
		return c.sessionErr()
	}
	writeCtx, cancel := context.WithTimeout(ctx, writeTimeout)
	err := wsjson.Write(writeCtx, conn, req)
	cancel()
	c.mu.Unlock()
	if err != nil {
		return fmt.Errorf("write %s: %w", method, platform.ErrUnavailable)
	}

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(callTimeoutGuard):
		return fmt.Errorf("call %s: %w", method, platform.ErrUnavailable)
	case env, ok := <-respCh:
		if !ok {
			return c.sessionErr()
		}
		if env.Error != nil {
			return fmt.Errorf("call %s: %w", method, env.Error)
		}
		if out != nil && len(env.Result) > 0 {
			if err := json.Unmarshal(env.Result, out); err != nil {
				return fmt.Errorf("decode %s result: %w", method, err)
			}
		}
		return nil
	}
}

// failPending closes all in-flight call channels after a disconnect so
// callers do not wait out the full guard timeout.
func (c *client) failPending() {
	c.pending.Range(func(key, value any) bool {
		c.pending.Delete(key)
		close(value.(chan envelope))
		return true
	})
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

// classifyOutage pings the gateway host so sessionErr can distinguish a
// restartable service outage from a dead host.
func (c *client) classifyOutage(ctx context.Context) {
	host := gatewayHost(c.gatewayURL)
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
	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()
	if conn != nil {
		conn.Close(websocket.StatusNormalClosure, "")
	}
	if c.done != nil {
		<-c.done
	}
	return nil
}

// gatewayHost extracts the hostname from the gateway URL for liveness pings.
func gatewayHost(rawURL string) string {
	u, err := url.Parse(rawURL)
	if err != nil {
		return ""
	}
	return u.Hostname()
}
