package geo

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"
)

func newTestResolver(t *testing.T, handler http.HandlerFunc) *Resolver {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)

	r, err := NewResolver(4)
	if err != nil {
		t.Fatalf("NewResolver: %v", err)
	}
	r.SetBaseURL(srv.URL)
	return r
}

func TestLookup(t *testing.T) {
	r := newTestResolver(t, func(w http.ResponseWriter, req *http.Request) {
		if req.URL.Path != "/8.8.8.8" {
			t.Errorf("path = %q, want /8.8.8.8", req.URL.Path)
		}
		w.Write([]byte(`{"status":"success","query":"8.8.8.8","country":"United States",
			"countryCode":"US","regionName":"California","city":"Mountain View",
			"lat":37.4,"lon":-122.0,"isp":"Google LLC","timezone":"America/Los_Angeles"}`))
	})

	loc, err := r.Lookup(context.Background(), "8.8.8.8")
	if err != nil {
		t.Fatalf("Lookup: %v", err)
	}
	if loc.City != "Mountain View" || loc.CountryCode != "US" {
		t.Errorf("location = %+v", loc)
	}
	if loc.IP != "8.8.8.8" {
		t.Errorf("ip = %q", loc.IP)
	}
}

func TestLookupCaches(t *testing.T) {
	var calls atomic.Int32
	r := newTestResolver(t, func(w http.ResponseWriter, req *http.Request) {
		calls.Add(1)
		w.Write([]byte(`{"status":"success","query":"1.1.1.1","country":"Australia"}`))
	})

	ctx := context.Background()
	for range 3 {
		if _, err := r.Lookup(ctx, "1.1.1.1"); err != nil {
			t.Fatalf("Lookup: %v", err)
		}
	}
	if n := calls.Load(); n != 1 {
		t.Errorf("backend called %d times, want 1", n)
	}
	if r.CacheLen() != 1 {
		t.Errorf("cache len = %d, want 1", r.CacheLen())
	}
}

func TestLookupRefreshesAfterTTL(t *testing.T) {
	var calls atomic.Int32
	r := newTestResolver(t, func(w http.ResponseWriter, req *http.Request) {
		calls.Add(1)
		w.Write([]byte(`{"status":"success","query":"1.1.1.1","country":"Australia"}`))
	})

	now := time.Now()
	r.now = func() time.Time { return now }

	ctx := context.Background()
	if _, err := r.Lookup(ctx, "1.1.1.1"); err != nil {
		t.Fatalf("Lookup: %v", err)
	}

	now = now.Add(cacheTTL + time.Minute)
	if _, err := r.Lookup(ctx, "1.1.1.1"); err != nil {
		t.Fatalf("Lookup after expiry: %v", err)
	}
	if n := calls.Load(); n != 2 {
		t.Errorf("backend called %d times, want 2 (stale entry refreshed)", n)
	}
}

func TestLookupFailureNotCached(t *testing.T) {
	var calls atomic.Int32
	r := newTestResolver(t, func(w http.ResponseWriter, req *http.Request) {
		calls.Add(1)
		w.Write([]byte(`{"status":"fail","message":"private range","query":"10.0.0.1"}`))
	})

	ctx := context.Background()
	for range 2 {
		if _, err := r.Lookup(ctx, "10.0.0.1"); err == nil {
			t.Fatal("expected error for failed lookup")
		}
	}
	if n := calls.Load(); n != 2 {
		t.Errorf("backend called %d times, want 2 (failures uncached)", n)
	}
}

func TestLookupSelf(t *testing.T) {
	r := newTestResolver(t, func(w http.ResponseWriter, req *http.Request) {
		if req.URL.Path != "/" && req.URL.Path != "" {
			t.Errorf("path = %q, want root", req.URL.Path)
		}
		w.Write([]byte(`{"status":"success","query":"203.0.113.9","country":"Norway"}`))
	})

	loc, err := r.Lookup(context.Background(), "")
	if err != nil {
		t.Fatalf("Lookup: %v", err)
	}
	if loc.IP != "203.0.113.9" {
		t.Errorf("ip = %q", loc.IP)
	}
}
