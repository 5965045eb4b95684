package tracker

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"

	"github.com/presage-io/presage/pkg/models"
)

func newTestAPI(t *testing.T) (*Tracker, *httptest.Server) {
	t.Helper()
	adapter := newFakeAdapter()
	tr, _ := newTestTracker(t, adapter)

	mux := http.NewServeMux()
	for _, route := range tr.Routes() {
		mux.HandleFunc(route.Method+" /tracker"+route.Path, route.Handler)
	}
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return tr, srv
}

func TestHandlersContactLifecycle(t *testing.T) {
	_, srv := newTestAPI(t)

	body := `{"platform": "whatsapp", "number": "+4915112345678"}`
	resp, err := http.Post(srv.URL+"/tracker/contacts", "application/json", strings.NewReader(body))
	if err != nil {
		t.Fatalf("POST contacts: %v", err)
	}
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("POST status = %d, want 201", resp.StatusCode)
	}
	var contact models.Contact
	if err := json.NewDecoder(resp.Body).Decode(&contact); err != nil {
		t.Fatalf("decode contact: %v", err)
	}
	resp.Body.Close()
	if contact.JID != "4915112345678@s.whatsapp.net" {
		t.Errorf("JID = %q", contact.JID)
	}

	// Adding the same number again conflicts.
	resp, err = http.Post(srv.URL+"/tracker/contacts", "application/json", strings.NewReader(body))
	if err != nil {
		t.Fatalf("POST duplicate: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusConflict {
		t.Errorf("duplicate POST status = %d, want 409", resp.StatusCode)
	}

	resp, err = http.Get(srv.URL + "/tracker/contacts")
	if err != nil {
		t.Fatalf("GET contacts: %v", err)
	}
	var views []contactView
	if err := json.NewDecoder(resp.Body).Decode(&views); err != nil {
		t.Fatalf("decode list: %v", err)
	}
	resp.Body.Close()
	if len(views) != 1 {
		t.Fatalf("listed %d contacts, want 1", len(views))
	}

	jidPath := srv.URL + "/tracker/contacts/" + url.PathEscape(contact.JID)
	resp, err = http.Get(jidPath)
	if err != nil {
		t.Fatalf("GET contact: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Errorf("GET contact status = %d, want 200", resp.StatusCode)
	}

	req, _ := http.NewRequest(http.MethodDelete, jidPath, nil)
	resp, err = http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("DELETE contact: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusNoContent {
		t.Errorf("DELETE status = %d, want 204", resp.StatusCode)
	}

	resp, err = http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("second DELETE: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("second DELETE status = %d, want 404", resp.StatusCode)
	}
}

func TestHandlersRejectBadRequests(t *testing.T) {
	_, srv := newTestAPI(t)

	tests := []struct {
		name string
		body string
		want int
	}{
		{name: "garbage body", body: "{", want: http.StatusBadRequest},
		{name: "unknown platform", body: `{"platform": "telegram", "number": "+4915112345678"}`, want: http.StatusBadRequest},
		{name: "invalid number", body: `{"platform": "whatsapp", "number": "oops"}`, want: http.StatusBadRequest},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp, err := http.Post(srv.URL+"/tracker/contacts", "application/json", strings.NewReader(tt.body))
			if err != nil {
				t.Fatalf("POST: %v", err)
			}
			defer resp.Body.Close()
			if resp.StatusCode != tt.want {
				t.Errorf("status = %d, want %d", resp.StatusCode, tt.want)
			}
			if ct := resp.Header.Get("Content-Type"); ct != "application/problem+json" {
				t.Errorf("Content-Type = %q, want problem+json", ct)
			}
		})
	}
}

func TestHandlersProbeMethod(t *testing.T) {
	tr, srv := newTestAPI(t)

	resp, err := http.Get(srv.URL + "/tracker/method")
	if err != nil {
		t.Fatalf("GET method: %v", err)
	}
	var me MethodEvent
	if err := json.NewDecoder(resp.Body).Decode(&me); err != nil {
		t.Fatalf("decode method: %v", err)
	}
	resp.Body.Close()
	if me.Method != models.ProbeDelete {
		t.Errorf("default method = %v, want delete", me.Method)
	}

	req, _ := http.NewRequest(http.MethodPut, srv.URL+"/tracker/method",
		strings.NewReader(`{"method": "reaction"}`))
	req.Header.Set("Content-Type", "application/json")
	resp, err = http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("PUT method: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Errorf("PUT status = %d, want 200", resp.StatusCode)
	}
	if tr.Method() != models.ProbeReaction {
		t.Errorf("Method() = %v after PUT, want reaction", tr.Method())
	}

	req, _ = http.NewRequest(http.MethodPut, srv.URL+"/tracker/method",
		strings.NewReader(`{"method": "smoke-signals"}`))
	resp, err = http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("PUT bad method: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("bad method status = %d, want 400", resp.StatusCode)
	}
}
