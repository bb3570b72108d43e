package health

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
)

func up(context.Context) error   { return nil }
func down(context.Context) error { return errors.New("connection refused") }

func TestRunAggregates(t *testing.T) {
	c := NewChecker()
	c.Register("store", PingCheck(up, 0))
	if r := c.Run(context.Background()); r.Status != StatusUp {
		t.Fatalf("expected up, got %s", r.Status)
	}

	c.Register("cache", Optional(PingCheck(down, 0)))
	r := c.Run(context.Background())
	if r.Status != StatusDegraded {
		t.Fatalf("expected degraded, got %s", r.Status)
	}
	if r.Components["cache"].Message != "connection refused" {
		t.Errorf("message = %q", r.Components["cache"].Message)
	}

	c.Register("directory", PingCheck(down, 0))
	if r := c.Run(context.Background()); r.Status != StatusDown {
		t.Fatalf("expected down, got %s", r.Status)
	}
}

func TestReadyHandler(t *testing.T) {
	c := NewChecker()
	c.Register("store", PingCheck(down, 0))
	rec := httptest.NewRecorder()
	c.ReadyHandler()(rec, httptest.NewRequest(http.MethodGet, "/health/ready", nil))
	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503, got %d", rec.Code)
	}
	var report Report
	if err := json.NewDecoder(rec.Body).Decode(&report); err != nil {
		t.Fatal(err)
	}
	if report.Components["store"].Status != StatusDown {
		t.Errorf("store component: %+v", report.Components["store"])
	}
}
