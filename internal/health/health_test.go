package health

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"
)

func pass(context.Context) error { return nil }

func failWith(msg string) func(context.Context) error {
	return func(context.Context) error { return errors.New(msg) }
}

func get(t *testing.T, h http.Handler, path string) (int, Report) {
	t.Helper()
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest("GET", path, nil))
	if ct := rec.Header().Get("Content-Type"); ct != "application/json; charset=utf-8" {
		t.Errorf("Content-Type = %q", ct)
	}
	var rep Report
	if err := json.NewDecoder(rec.Body).Decode(&rep); err != nil {
		t.Fatalf("decode %s: %v", path, err)
	}
	return rec.Code, rep
}

func mux(h *Handler) *http.ServeMux {
	m := http.NewServeMux()
	h.Register(m)
	return m
}

func TestHealthz_IgnoresCheckers(t *testing.T) {
	h := New([]Checker{{Name: "redis", Check: failWith("connection refused")}})

	code, rep := get(t, mux(h), "/healthz")
	if code != http.StatusOK || rep.Status != StatusOK {
		t.Errorf("healthz = %d %q, want 200 ok", code, rep.Status)
	}
	if len(rep.Checks) != 0 {
		t.Errorf("healthz ran checks: %v", rep.Checks)
	}
}

func TestReadyz(t *testing.T) {
	tests := []struct {
		name       string
		checkers   []Checker
		wantCode   int
		wantStatus string
		wantChecks map[string]string
	}{
		{
			name:       "no checkers",
			wantCode:   http.StatusOK,
			wantStatus: StatusOK,
		},
		{
			name: "all pass",
			checkers: []Checker{
				{Name: "embeddings", Check: pass},
				{Name: "redis", Check: pass},
			},
			wantCode:   http.StatusOK,
			wantStatus: StatusOK,
			wantChecks: map[string]string{"embeddings": StatusOK, "redis": StatusOK},
		},
		{
			name: "optional failure degrades",
			checkers: []Checker{
				{Name: "embeddings", Check: pass},
				{Name: "chat", Check: failWith("every chat provider circuit is open"), Optional: true},
			},
			wantCode:   http.StatusOK,
			wantStatus: StatusDegraded,
			wantChecks: map[string]string{"embeddings": StatusOK, "chat": StatusFail},
		},
		{
			name: "required failure fails",
			checkers: []Checker{
				{Name: "embeddings", Check: failWith("circuit open: voyage-3.5")},
				{Name: "chat", Check: pass, Optional: true},
			},
			wantCode:   http.StatusServiceUnavailable,
			wantStatus: StatusFail,
			wantChecks: map[string]string{"embeddings": StatusFail, "chat": StatusOK},
		},
		{
			name: "required failure wins over optional",
			checkers: []Checker{
				{Name: "chat", Check: failWith("down"), Optional: true},
				{Name: "redis", Check: failWith("connection refused")},
			},
			wantCode:   http.StatusServiceUnavailable,
			wantStatus: StatusFail,
			wantChecks: map[string]string{"chat": StatusFail, "redis": StatusFail},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			code, rep := get(t, mux(New(tt.checkers)), "/readyz")
			if code != tt.wantCode || rep.Status != tt.wantStatus {
				t.Fatalf("readyz = %d %q, want %d %q", code, rep.Status, tt.wantCode, tt.wantStatus)
			}
			if len(rep.Checks) != len(tt.wantChecks) {
				t.Fatalf("checks = %v, want %v", rep.Checks, tt.wantChecks)
			}
			for name, want := range tt.wantChecks {
				if got := rep.Checks[name].Status; got != want {
					t.Errorf("checks[%s] = %q, want %q", name, got, want)
				}
			}
		})
	}
}

func TestReadyz_ReportsErrorAndOptional(t *testing.T) {
	h := New([]Checker{{Name: "chat", Check: failWith("every chat provider circuit is open"), Optional: true}})
	_, rep := get(t, http.HandlerFunc(h.Readyz), "/readyz")

	res := rep.Checks["chat"]
	if res.Error != "every chat provider circuit is open" || !res.Optional {
		t.Errorf("chat result = %+v", res)
	}
}

func TestCheck_TimeoutCancelsSlowChecker(t *testing.T) {
	h := New([]Checker{{
		Name: "redis",
		Check: func(ctx context.Context) error {
			<-ctx.Done()
			return ctx.Err()
		},
	}}, WithCheckTimeout(20*time.Millisecond))

	start := time.Now()
	rep := h.Check(context.Background())
	if elapsed := time.Since(start); elapsed > time.Second {
		t.Errorf("Check took %v, want it bounded by the check timeout", elapsed)
	}
	if res := rep.Checks["redis"]; res.Status != StatusFail || !strings.Contains(res.Error, "deadline") {
		t.Errorf("redis result = %+v, want a deadline failure", res)
	}
}

func TestCheck_RunsConcurrently(t *testing.T) {
	const n = 4
	started := make(chan struct{}, n)
	release := make(chan struct{})
	var checkers []Checker
	for i := range n {
		checkers = append(checkers, Checker{
			Name: string(rune('a' + i)),
			Check: func(ctx context.Context) error {
				started <- struct{}{}
				select {
				case <-release:
					return nil
				case <-ctx.Done():
					return ctx.Err()
				}
			},
		})
	}
	h := New(checkers)

	done := make(chan Report, 1)
	go func() { done <- h.Check(context.Background()) }()

	for range n {
		select {
		case <-started:
		case <-time.After(2 * time.Second):
			t.Fatal("checkers did not all start before the first finished")
		}
	}
	close(release)
	if rep := <-done; rep.Status != StatusOK {
		t.Errorf("status = %q, want ok", rep.Status)
	}
}

func TestBreakerChecker(t *testing.T) {
	var open []string
	c := BreakerChecker("embeddings", func() []string { return open })

	if err := c.Check(context.Background()); err != nil {
		t.Fatalf("no open breakers: %v", err)
	}

	open = []string{"voyage/voyage-3.5", "voyage/voyage-3-large"}
	err := c.Check(context.Background())
	if err == nil {
		t.Fatal("want error with open breakers")
	}
	if want := "circuit open: voyage/voyage-3-large, voyage/voyage-3.5"; err.Error() != want {
		t.Errorf("err = %q, want %q", err, want)
	}
	if open[0] != "voyage/voyage-3.5" {
		t.Error("BreakerChecker reordered the caller's slice")
	}
}
