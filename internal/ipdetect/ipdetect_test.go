package ipdetect

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"
)

func TestStaticAddresses(t *testing.T) {
	d := New(Config{StaticIPv4: "203.0.113.7", StaticIPv6: "2001:db8::7"})
	v4, err := d.IPv4(context.Background())
	if err != nil || v4 != "203.0.113.7" {
		t.Errorf("IPv4 = %q, %v", v4, err)
	}
	v6, err := d.IPv6(context.Background())
	if err != nil || v6 != "2001:db8::7" {
		t.Errorf("IPv6 = %q, %v", v6, err)
	}
}

func TestDetectAndCache(t *testing.T) {
	var calls atomic.Int64
	v4srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.Write([]byte("198.51.100.4\n"))
	}))
	defer v4srv.Close()

	d := New(Config{IPv4URL: v4srv.URL, DisableIPv6: true, CacheTTL: time.Hour})

	for i := 0; i < 3; i++ {
		v4, err := d.IPv4(context.Background())
		if err != nil {
			t.Fatal(err)
		}
		if v4 != "198.51.100.4" {
			t.Fatalf("IPv4 = %q", v4)
		}
	}
	if n := calls.Load(); n != 1 {
		t.Errorf("lookup called %d times, want 1 (cached)", n)
	}

	d.Invalidate()
	if _, err := d.IPv4(context.Background()); err != nil {
		t.Fatal(err)
	}
	if n := calls.Load(); n != 2 {
		t.Errorf("lookup after invalidate called %d times, want 2", n)
	}
}

func TestDetectRejectsGarbage(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("<html>not an ip</html>"))
	}))
	defer srv.Close()

	d := New(Config{IPv4URL: srv.URL, DisableIPv6: true})
	if _, err := d.IPv4(context.Background()); err == nil {
		t.Error("garbage response accepted")
	}
}

func TestDetectRejectsWrongFamily(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("2001:db8::1"))
	}))
	defer srv.Close()

	d := New(Config{IPv4URL: srv.URL, DisableIPv6: true})
	if _, err := d.IPv4(context.Background()); err == nil {
		t.Error("IPv6 address accepted from IPv4 endpoint")
	}
}

func TestIPv6FailureIsSoft(t *testing.T) {
	v4srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("198.51.100.4"))
	}))
	defer v4srv.Close()
	v6srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer v6srv.Close()

	d := New(Config{IPv4URL: v4srv.URL, IPv6URL: v6srv.URL})
	v6, err := d.IPv6(context.Background())
	if err != nil {
		t.Fatalf("IPv6 failure should be soft: %v", err)
	}
	if v6 != "" {
		t.Errorf("IPv6 = %q, want empty", v6)
	}
	// IPv4 still works through the same cache fill.
	v4, err := d.IPv4(context.Background())
	if err != nil || v4 != "198.51.100.4" {
		t.Errorf("IPv4 = %q, %v", v4, err)
	}
}

func TestServesCachedOnRefreshFailure(t *testing.T) {
	var fail atomic.Bool
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if fail.Load() {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		w.Write([]byte("198.51.100.4"))
	}))
	defer srv.Close()

	d := New(Config{IPv4URL: srv.URL, DisableIPv6: true, CacheTTL: time.Nanosecond})
	if _, err := d.IPv4(context.Background()); err != nil {
		t.Fatal(err)
	}

	fail.Store(true)
	time.Sleep(time.Millisecond)
	v4, err := d.IPv4(context.Background())
	if err != nil || v4 != "198.51.100.4" {
		t.Errorf("cached fallback: %q, %v", v4, err)
	}
}
