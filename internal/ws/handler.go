package ws

import (
	"context"
	"net/http"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"github.com/presage-io/presage/internal/auth"
	"github.com/presage-io/presage/internal/tracker"
	"github.com/presage-io/presage/pkg/models"
	"github.com/presage-io/presage/pkg/plugin"
	"go.uber.org/zap"
)

// Engine is the slice of the tracker the WebSocket layer drives.
type Engine interface {
	Track(ctx context.Context, p models.Platform, number string) (models.Contact, error)
	Untrack(ctx context.Context, jid string) error
	List() []models.Contact
	Snapshot(jid string) (models.TrackerSnapshot, error)
	Snapshots() []models.TrackerSnapshot
	Method() models.ProbeMethod
	SetMethod(ctx context.Context, m models.ProbeMethod) error
}

// Handler provides the WebSocket endpoint for real-time presence updates
// and inbound tracking commands.
type Handler struct {
	hub       *Hub
	tokens    *auth.TokenService
	bus       plugin.EventBus
	engine    Engine
	platforms []models.Platform
	logger    *zap.Logger
}

// Compile-time check that Handler implements the server interface.
var _ interface {
	RegisterRoutes(mux *http.ServeMux)
} = (*Handler)(nil)

// NewHandler creates a WebSocket handler and subscribes to tracker events.
func NewHandler(tokens *auth.TokenService, bus plugin.EventBus, engine Engine, platforms []models.Platform, logger *zap.Logger) *Handler {
	h := &Handler{
		hub:       NewHub(logger),
		tokens:    tokens,
		bus:       bus,
		engine:    engine,
		platforms: platforms,
		logger:    logger,
	}
	h.subscribeToEvents()
	return h
}

// RegisterRoutes registers WebSocket routes on the server mux.
func (h *Handler) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("GET /api/v1/ws/tracker", h.handleTrackerStream)
}

// handleTrackerStream upgrades the connection and streams presence events.
func (h *Handler) handleTrackerStream(w http.ResponseWriter, r *http.Request) {
	// Validate JWT from query parameter (browser WS API doesn't support headers).
	token := r.URL.Query().Get("token")
	if token == "" {
		http.Error(w, "missing token parameter", http.StatusUnauthorized)
		return
	}

	claims, err := h.tokens.Validate(token)
	if err != nil {
		http.Error(w, "invalid or expired token", http.StatusUnauthorized)
		return
	}

	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		// Allow any origin since we validate via JWT token.
		InsecureSkipVerify: true,
	})
	if err != nil {
		h.logger.Error("websocket accept failed", zap.Error(err))
		return
	}

	client := &Client{
		conn:       conn,
		subscriber: claims.Subscriber,
		send:       make(chan Message, 256),
		logger:     h.logger,
	}

	// Queue the full current state before registering, so the replay is
	// the first frame the client sees and every later delta applies on
	// top of it.
	client.Send(h.stateMessage())
	h.hub.Register(client)

	ctx := r.Context()
	done := make(chan struct{})
	go func() {
		client.writePump(ctx)
		close(done)
	}()

	// readPump blocks until the client disconnects.
	h.readPump(ctx, client)

	h.hub.Unregister(client)
	conn.Close(websocket.StatusNormalClosure, "")
	<-done
}

// readPump consumes client commands until disconnect.
func (h *Handler) readPump(ctx context.Context, c *Client) {
	for {
		var cmd Command
		if err := wsjson.Read(ctx, c.conn, &cmd); err != nil {
			return
		}
		h.dispatch(ctx, c, cmd)
	}
}

// dispatch executes one client command. Failures are answered on the
// issuing client's stream; successes surface through the normal event
// broadcast.
func (h *Handler) dispatch(ctx context.Context, c *Client, cmd Command) {
	switch cmd.Type {
	case CommandAddContact:
		if _, err := h.engine.Track(ctx, cmd.Platform, cmd.Number); err != nil {
			c.Send(errorMessage("", err))
		}
	case CommandRemoveContact:
		if err := h.engine.Untrack(ctx, cmd.JID); err != nil {
			c.Send(errorMessage(cmd.JID, err))
		}
	case CommandSetProbeMethod:
		if err := h.engine.SetMethod(ctx, cmd.Method); err != nil {
			c.Send(errorMessage("", err))
		}
	case CommandGetContacts:
		c.Send(Message{
			Type:      MessageContacts,
			Timestamp: time.Now(),
			Data:      h.contactStates(),
		})
	default:
		h.logger.Debug("unknown websocket command", zap.String("type", string(cmd.Type)))
	}
}

// stateMessage renders the replay frame sent to every new connection.
func (h *Handler) stateMessage() Message {
	return Message{
		Type:      MessageTrackerState,
		Timestamp: time.Now(),
		Data: TrackerStateData{
			Contacts:  h.contactStates(),
			Method:    h.engine.Method(),
			Platforms: h.platforms,
		},
	}
}

func (h *Handler) contactStates() []ContactState {
	contacts := h.engine.List()
	states := make([]ContactState, 0, len(contacts))
	for _, c := range contacts {
		snap, err := h.engine.Snapshot(c.JID)
		if err != nil {
			continue
		}
		states = append(states, ContactState{Contact: c, Snapshot: snap})
	}
	return states
}

// subscribeToEvents forwards tracker events to all connected clients.
// The bus delivers synchronously in publish order, so per-contact
// ordering survives into each client's send queue.
func (h *Handler) subscribeToEvents() {
	if h.bus == nil {
		return
	}

	h.bus.Subscribe(tracker.TopicUpdate, func(_ context.Context, event plugin.Event) {
		update, ok := event.Payload.(tracker.UpdateEvent)
		if !ok {
			return
		}
		h.hub.Broadcast(Message{
			Type:      MessageTrackerUpdate,
			Timestamp: event.Timestamp,
			Data:      update,
		})
	})

	h.bus.Subscribe(tracker.TopicContactAdded, func(_ context.Context, event plugin.Event) {
		ev, ok := event.Payload.(tracker.ContactEvent)
		if !ok {
			return
		}
		h.hub.Broadcast(Message{
			Type:      MessageContactAdded,
			Timestamp: event.Timestamp,
			Data:      ContactData{Contact: ev.Contact},
		})
	})

	h.bus.Subscribe(tracker.TopicContactRemoved, func(_ context.Context, event plugin.Event) {
		ev, ok := event.Payload.(tracker.ContactEvent)
		if !ok {
			return
		}
		h.hub.Broadcast(Message{
			Type:      MessageContactRemoved,
			Timestamp: event.Timestamp,
			Data:      ContactData{Contact: ev.Contact},
		})
	})

	h.bus.Subscribe(tracker.TopicContactName, func(_ context.Context, event plugin.Event) {
		ev, ok := event.Payload.(tracker.NameEvent)
		if !ok {
			return
		}
		h.hub.Broadcast(Message{
			Type:      MessageContactName,
			Timestamp: event.Timestamp,
			Data:      NameData{JID: ev.JID, Name: ev.Name},
		})
	})

	h.bus.Subscribe(tracker.TopicContactAvatar, func(_ context.Context, event plugin.Event) {
		ev, ok := event.Payload.(tracker.AvatarEvent)
		if !ok {
			return
		}
		h.hub.Broadcast(Message{
			Type:      MessageProfilePic,
			Timestamp: event.Timestamp,
			Data:      ProfilePicData{JID: ev.JID, AvatarURL: ev.AvatarURL},
		})
	})

	h.bus.Subscribe(tracker.TopicMethodChanged, func(_ context.Context, event plugin.Event) {
		ev, ok := event.Payload.(tracker.MethodEvent)
		if !ok {
			return
		}
		h.hub.Broadcast(Message{
			Type:      MessageProbeMethod,
			Timestamp: event.Timestamp,
			Data:      MethodData{Method: ev.Method},
		})
	})

	h.bus.Subscribe(tracker.TopicError, func(_ context.Context, event plugin.Event) {
		ev, ok := event.Payload.(tracker.ErrorEvent)
		if !ok {
			return
		}
		h.hub.Broadcast(Message{
			Type:      MessageError,
			Timestamp: event.Timestamp,
			Data:      ErrorData{JID: ev.JID, Message: ev.Message, Fatal: ev.Fatal},
		})
	})

	h.logger.Info("subscribed to tracker events for WebSocket broadcasting")
}

func errorMessage(jid string, err error) Message {
	return Message{
		Type:      MessageError,
		Timestamp: time.Now(),
		Data:      ErrorData{JID: jid, Message: err.Error()},
	}
}
