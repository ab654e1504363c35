package health

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
)

func doReady(t *testing.T, s *Server) (int, Response) {
	t.Helper()
	req := httptest.NewRequest(http.MethodGet, "/ready", nil)
	rec := httptest.NewRecorder()
	s.handleReady(rec, req)

	var resp Response
	if err := json.NewDecoder(rec.Body).Decode(&resp); err != nil {
		t.Fatalf("bad response body: %v", err)
	}
	return rec.Code, resp
}

func TestReadyAllHealthy(t *testing.T) {
	s := New(Config{Address: ":0"})
	s.RegisterChecker("storage", func(ctx context.Context) error { return nil })

	code, resp := doReady(t, s)
	if code != http.StatusOK || resp.Status != StatusReady {
		t.Errorf("ready = %d %q", code, resp.Status)
	}
	if len(resp.Components) != 1 || !resp.Components[0].Healthy {
		t.Errorf("components = %+v", resp.Components)
	}
}

func TestReadyFailingChecker(t *testing.T) {
	s := New(Config{Address: ":0"})
	s.RegisterChecker("storage", func(ctx context.Context) error {
		return errors.New("database locked")
	})

	code, resp := doReady(t, s)
	if code != http.StatusServiceUnavailable || resp.Status != StatusNotReady {
		t.Errorf("ready = %d %q", code, resp.Status)
	}
	if len(resp.Components) != 1 || resp.Components[0].Error != "database locked" {
		t.Errorf("components = %+v", resp.Components)
	}
}

func TestReadyDegraded(t *testing.T) {
	s := New(Config{Address: ":0"})
	s.RegisterChecker("storage", func(ctx context.Context) error { return nil })
	s.RegisterDegradedChecker("reconciler", func(ctx context.Context) (bool, string) {
		return true, "provider p1 authentication failing"
	})

	code, resp := doReady(t, s)
	if code != http.StatusOK || resp.Status != StatusDegraded {
		t.Errorf("ready = %d %q", code, resp.Status)
	}
	if len(resp.Degraded) != 1 {
		t.Errorf("degraded = %v", resp.Degraded)
	}
}

func TestHealthAlwaysOK(t *testing.T) {
	s := New(Config{Address: ":0"})
	rec := httptest.NewRecorder()
	s.handleHealth(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	if rec.Code != http.StatusOK {
		t.Errorf("healthz = %d", rec.Code)
	}
}
