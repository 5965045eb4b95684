package tracker

import (
	"encoding/json"
	"errors"
	"net/http"
	"net/url"

	"github.com/presage-io/presage/internal/platform"
	"github.com/presage-io/presage/pkg/models"
	"github.com/presage-io/presage/pkg/plugin"
	"go.uber.org/zap"
)

// Routes implements plugin.HTTPProvider. The same commands are available
// over the WebSocket; this mirror exists for scripting and curl.
func (t *Tracker) Routes() []plugin.Route {
	return []plugin.Route{
		{Method: "GET", Path: "/contacts", Handler: t.handleListContacts},
		{Method: "POST", Path: "/contacts", Handler: t.handleAddContact},
		{Method: "GET", Path: "/contacts/{jid}", Handler: t.handleGetContact},
		{Method: "DELETE", Path: "/contacts/{jid}", Handler: t.handleRemoveContact},
		{Method: "GET", Path: "/method", Handler: t.handleGetMethod},
		{Method: "PUT", Path: "/method", Handler: t.handleSetMethod},
	}
}

// contactView pairs the stored contact with its live aggregate.
type contactView struct {
	Contact  models.Contact         `json:"contact"`
	Snapshot models.TrackerSnapshot `json:"snapshot"`
}

// handleListContacts returns all tracked contacts with live snapshots.
func (t *Tracker) handleListContacts(w http.ResponseWriter, r *http.Request) {
	contacts := t.List()
	views := make([]contactView, 0, len(contacts))
	for _, c := range contacts {
		snap, err := t.Snapshot(c.JID)
		if err != nil {
			continue
		}
		views = append(views, contactView{Contact: c, Snapshot: snap})
	}
	trackerWriteJSON(w, http.StatusOK, views)
}

// handleAddContact starts tracking a number.
func (t *Tracker) handleAddContact(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Platform models.Platform `json:"platform"`
		Number   string          `json:"number"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		trackerWriteError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if !req.Platform.Valid() {
		trackerWriteError(w, http.StatusBadRequest, "unknown platform")
		return
	}

	contact, err := t.Track(r.Context(), req.Platform, req.Number)
	if err != nil {
		t.logger.Warn("track failed",
			zap.String("platform", string(req.Platform)),
			zap.Error(err),
		)
		trackerWriteError(w, trackStatus(err), err.Error())
		return
	}
	trackerWriteJSON(w, http.StatusCreated, contact)
}

// handleGetContact returns the live snapshot for one contact.
func (t *Tracker) handleGetContact(w http.ResponseWriter, r *http.Request) {
	jid, err := url.PathUnescape(r.PathValue("jid"))
	if err != nil || jid == "" {
		trackerWriteError(w, http.StatusBadRequest, "jid is required")
		return
	}

	snap, err := t.Snapshot(jid)
	if err != nil {
		trackerWriteError(w, http.StatusNotFound, "contact not tracked")
		return
	}
	trackerWriteJSON(w, http.StatusOK, snap)
}

// handleRemoveContact stops tracking a contact.
func (t *Tracker) handleRemoveContact(w http.ResponseWriter, r *http.Request) {
	jid, err := url.PathUnescape(r.PathValue("jid"))
	if err != nil || jid == "" {
		trackerWriteError(w, http.StatusBadRequest, "jid is required")
		return
	}

	if err := t.Untrack(r.Context(), jid); err != nil {
		trackerWriteError(w, http.StatusNotFound, "contact not tracked")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// handleGetMethod returns the active probe method.
func (t *Tracker) handleGetMethod(w http.ResponseWriter, r *http.Request) {
	trackerWriteJSON(w, http.StatusOK, MethodEvent{Method: t.Method()})
}

// handleSetMethod switches the probe method.
func (t *Tracker) handleSetMethod(w http.ResponseWriter, r *http.Request) {
	var req MethodEvent
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		trackerWriteError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if err := t.SetMethod(r.Context(), req.Method); err != nil {
		trackerWriteError(w, http.StatusBadRequest, err.Error())
		return
	}
	trackerWriteJSON(w, http.StatusOK, MethodEvent{Method: t.Method()})
}

// trackStatus maps Track errors onto HTTP status codes.
func trackStatus(err error) int {
	switch {
	case errors.Is(err, ErrDuplicateContact):
		return http.StatusConflict
	case errors.Is(err, platform.ErrInvalidAddress), errors.Is(err, platform.ErrNotRegistered):
		return http.StatusBadRequest
	case errors.Is(err, ErrNoAdapter):
		return http.StatusNotImplemented
	default:
		return http.StatusBadGateway
	}
}

func trackerWriteJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

func trackerWriteError(w http.ResponseWriter, status int, detail string) {
	w.Header().Set("Content-Type", "application/problem+json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]any{
		"type":   "https://presage.io/problems/" + http.StatusText(status),
		"title":  http.StatusText(status),
		"status": status,
		"detail": detail,
	})
}
