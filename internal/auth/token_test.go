package auth

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

func TestTokenService_IssueAndValidate(t *testing.T) {
	svc := NewTokenService([]byte("test-secret"), time.Hour)

	token, err := svc.Issue("dashboard")
	if err != nil {
		t.Fatalf("Issue: %v", err)
	}

	claims, err := svc.Validate(token)
	if err != nil {
		t.Fatalf("Validate: %v", err)
	}
	if claims.Subscriber != "dashboard" {
		t.Errorf("Subscriber = %q, want %q", claims.Subscriber, "dashboard")
	}
}

func TestTokenService_RejectsWrongSecret(t *testing.T) {
	issuer := NewTokenService([]byte("secret-a"), time.Hour)
	validator := NewTokenService([]byte("secret-b"), time.Hour)

	token, err := issuer.Issue("dashboard")
	if err != nil {
		t.Fatalf("Issue: %v", err)
	}
	if _, err := validator.Validate(token); err == nil {
		t.Fatal("Validate accepted token signed with a different secret")
	}
}

func TestTokenService_RejectsExpired(t *testing.T) {
	svc := NewTokenService([]byte("test-secret"), -time.Minute)

	token, err := svc.Issue("dashboard")
	if err != nil {
		t.Fatalf("Issue: %v", err)
	}
	if _, err := svc.Validate(token); err == nil {
		t.Fatal("Validate accepted an expired token")
	}
}

func TestMiddleware(t *testing.T) {
	svc := NewTokenService([]byte("test-secret"), time.Hour)
	token, err := svc.Issue("cli")
	if err != nil {
		t.Fatalf("Issue: %v", err)
	}

	var sawClaims *Claims
	handler := Middleware(svc)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		sawClaims = FromContext(r.Context())
		w.WriteHeader(http.StatusOK)
	}))

	tests := []struct {
		name       string
		path       string
		authHeader string
		wantStatus int
	}{
		{name: "valid token", path: "/api/v1/tracker/contacts", authHeader: "Bearer " + token, wantStatus: http.StatusOK},
		{name: "missing header", path: "/api/v1/tracker/contacts", wantStatus: http.StatusUnauthorized},
		{name: "garbage token", path: "/api/v1/tracker/contacts", authHeader: "Bearer nope", wantStatus: http.StatusUnauthorized},
		{name: "non-api path skipped", path: "/healthz", wantStatus: http.StatusOK},
		{name: "ws path skipped", path: "/api/v1/ws/presence", wantStatus: http.StatusOK},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, tt.path, nil)
			if tt.authHeader != "" {
				req.Header.Set("Authorization", tt.authHeader)
			}
			rec := httptest.NewRecorder()
			handler.ServeHTTP(rec, req)

			if rec.Code != tt.wantStatus {
				t.Errorf("status = %d, want %d", rec.Code, tt.wantStatus)
			}
		})
	}

	if sawClaims == nil || sawClaims.Subscriber != "cli" {
		t.Errorf("claims not propagated to handler context: %+v", sawClaims)
	}
}
