package auth

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

func TestJWTRoundTrip(t *testing.T) {
	m, err := NewJWTManager("secret", time.Hour)
	if err != nil {
		t.Fatal(err)
	}

	token, err := m.GenerateToken(&Client{Name: "ha", Role: RoleReadOnly})
	if err != nil {
		t.Fatalf("GenerateToken: %v", err)
	}
	client, err := m.ValidateToken(token)
	if err != nil {
		t.Fatalf("ValidateToken: %v", err)
	}
	if client.Name != "ha" || client.Role != RoleReadOnly || client.IsAdmin() {
		t.Errorf("client = %+v", client)
	}
}

func TestJWTRejects(t *testing.T) {
	m, _ := NewJWTManager("secret", time.Hour)
	other, _ := NewJWTManager("other", time.Hour)
	expired, _ := NewJWTManager("secret", -time.Minute)

	foreign, _ := other.GenerateToken(&Client{Name: "x", Role: RoleAdmin})
	if _, err := m.ValidateToken(foreign); err != ErrInvalidToken {
		t.Errorf("foreign token: err = %v", err)
	}

	old, _ := expired.GenerateToken(&Client{Name: "x", Role: RoleAdmin})
	if _, err := m.ValidateToken(old); err != ErrExpiredToken {
		t.Errorf("expired token: err = %v", err)
	}

	if _, err := m.ValidateToken("garbage"); err != ErrInvalidToken {
		t.Errorf("garbage: err = %v", err)
	}
	if _, err := m.GenerateToken(&Client{Name: "x", Role: "root"}); err == nil {
		t.Error("expected error for unknown role")
	}
	if _, err := NewJWTManager("", time.Hour); err != ErrNoSecret {
		t.Errorf("empty secret: err = %v", err)
	}
}

func TestMiddleware(t *testing.T) {
	m, _ := NewJWTManager("secret", time.Hour)
	admin, _ := m.GenerateToken(&Client{Name: "ops", Role: RoleAdmin})
	reader, _ := m.GenerateToken(&Client{Name: "ha", Role: RoleReadOnly})

	mw := NewMiddleware(m, false)
	ok := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(GetClientFromContext(r.Context()).Name))
	})
	protected := mw.RequireAuth(ok)
	adminOnly := mw.RequireAuth(mw.RequireAdmin(ok))

	tests := []struct {
		name    string
		handler http.Handler
		header  string
		want    int
	}{
		{"no header", protected, "", http.StatusUnauthorized},
		{"bad token", protected, "Bearer nope", http.StatusUnauthorized},
		{"basic scheme", protected, "Basic " + admin, http.StatusUnauthorized},
		{"reader", protected, "Bearer " + reader, http.StatusOK},
		{"lowercase scheme", protected, "bearer " + reader, http.StatusOK},
		{"reader on admin route", adminOnly, "Bearer " + reader, http.StatusForbidden},
		{"admin on admin route", adminOnly, "Bearer " + admin, http.StatusOK},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/api/status", nil)
			if tt.header != "" {
				req.Header.Set("Authorization", tt.header)
			}
			rec := httptest.NewRecorder()
			tt.handler.ServeHTTP(rec, req)
			if rec.Code != tt.want {
				t.Errorf("status = %d, want %d", rec.Code, tt.want)
			}
		})
	}
}

func TestMiddlewareDisabled(t *testing.T) {
	mw := NewMiddleware(nil, true)
	h := mw.RequireAuth(mw.RequireAdmin(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {})))

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/api/ota/update", nil))
	if rec.Code != http.StatusOK {
		t.Errorf("status = %d, want 200", rec.Code)
	}
}

func TestRateLimiter(t *testing.T) {
	rl := NewRateLimiter(2, time.Minute, 5*time.Minute)
	defer rl.Close()
	now := time.Unix(1000, 0)
	rl.now = func() time.Time { return now }

	for i := 0; i < 2; i++ {
		if ok, _ := rl.Allow("10.0.0.1"); !ok {
			t.Fatalf("attempt %d rejected", i+1)
		}
	}
	ok, wait := rl.Allow("10.0.0.1")
	if ok || wait != 300 {
		t.Fatalf("third attempt = %v, %d", ok, wait)
	}
	if ok, _ := rl.Allow("10.0.0.2"); !ok {
		t.Error("other IP blocked")
	}

	now = now.Add(2 * time.Minute)
	if ok, _ := rl.Allow("10.0.0.1"); ok {
		t.Error("still blocked after 2m")
	}
	now = now.Add(4 * time.Minute)
	if ok, _ := rl.Allow("10.0.0.1"); !ok {
		t.Error("block did not expire")
	}

	rl.cleanup()
	rl.Reset("10.0.0.1")
	if _, exists := rl.attempts["10.0.0.1"]; exists {
		t.Error("Reset kept entry")
	}
}

func TestWSTokenOneTime(t *testing.T) {
	s := NewWSTokenStore()
	defer s.Close()
	now := time.Unix(1000, 0)
	s.now = func() time.Time { return now }

	token, err := s.Generate(&Client{Name: "ha", Role: RoleReadOnly})
	if err != nil {
		t.Fatal(err)
	}
	client, ok := s.Validate(token)
	if !ok || client.Name != "ha" {
		t.Fatalf("Validate = %+v, %v", client, ok)
	}
	if _, ok := s.Validate(token); ok {
		t.Error("ticket reused")
	}

	stale, _ := s.Generate(&Client{Name: "ha", Role: RoleReadOnly})
	now = now.Add(WSTokenTTL + time.Second)
	if _, ok := s.Validate(stale); ok {
		t.Error("expired ticket accepted")
	}
}
