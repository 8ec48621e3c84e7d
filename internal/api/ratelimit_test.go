package api

import (
	"net/http/httptest"
	"testing"
	"time"
)

func TestRateLimiterRefill(t *testing.T) {
	rl := NewRateLimiter(3, time.Minute)
	defer rl.Close()

	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	rl.now = func() time.Time { return now }

	for i := 0; i < 3; i++ {
		if !rl.Allow("10.0.0.1") {
			t.Fatalf("request %d rejected", i)
		}
	}
	if rl.Allow("10.0.0.1") {
		t.Fatal("request over the limit allowed")
	}
	if !rl.Allow("10.0.0.2") {
		t.Fatal("other client limited")
	}

	now = now.Add(time.Minute)
	if !rl.Allow("10.0.0.1") {
		t.Fatal("bucket not refilled after the window")
	}
}

func TestRateLimiterEvictsWhenFull(t *testing.T) {
	rl := NewRateLimiter(1, time.Minute)
	defer rl.Close()
	rl.maxCacheSize = 10

	for i := 0; i < 25; i++ {
		rl.Allow(time.Duration(i).String())
	}
	if n := len(rl.requests); n > 10 {
		t.Fatalf("tracked %d clients, cap is 10", n)
	}
}

func TestGetClientIP(t *testing.T) {
	tests := []struct {
		remote string
		want   string
	}{
		{"192.168.1.5:51234", "192.168.1.5"},
		{"[::1]:8080", "::1"},
		{"no-port", "no-port"},
	}
	for _, tt := range tests {
		r := httptest.NewRequest("GET", "/", nil)
		r.RemoteAddr = tt.remote
		r.Header.Set("X-Forwarded-For", "1.2.3.4")
		if got := getClientIP(r); got != tt.want {
			t.Fatalf("getClientIP(%q) = %q, want %q", tt.remote, got, tt.want)
		}
	}
}
