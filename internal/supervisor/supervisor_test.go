package supervisor

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"go.uber.org/zap"
)

func TestBackoffSchedule(t *testing.T) {
	cases := []struct {
		n    int
		want time.Duration
	}{
		{1, 1 * time.Second},
		{2, 2 * time.Second},
		{3, 4 * time.Second},
		{5, 16 * time.Second},
		{6, 30 * time.Second},
		{10, 30 * time.Second},
	}
	for _, c := range cases {
		if got := backoffFor(c.n); got != c.want {
			t.Fatalf("backoffFor(%d) = %v, want %v", c.n, got, c.want)
		}
	}
}

func TestExternalHealthySkipsSpawn(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	s := New(zap.NewNop(), []Service{{
		Name:      "auth-service",
		Command:   []string{"/nonexistent/never-run"},
		HealthURL: srv.URL + "/health",
	}})
	failed := s.Start(context.Background())
	if len(failed) != 0 {
		t.Fatalf("failed = %v", failed)
	}

	states := s.States(context.Background())
	if len(states) != 1 || !states[0].External || !states[0].Running || states[0].PID != 0 {
		t.Fatalf("state = %+v", states[0])
	}
}

func TestUnhealthyExternalOnlyReportsFailure(t *testing.T) {
	s := New(zap.NewNop(), []Service{{
		Name:      "compute-manager",
		HealthURL: "http://127.0.0.1:1/health",
	}})
	failed := s.Start(context.Background())
	if len(failed) != 1 || failed[0] != "compute-manager" {
		t.Fatalf("failed = %v", failed)
	}
}

func TestStopAllIsIdempotentWithNoChildren(t *testing.T) {
	s := New(zap.NewNop(), nil)
	s.StopAll()
	s.StopAll()
}
