package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/lechuhuuha/table_forge/service"
)

type fakeStatus struct {
	status service.WorkerStatus
}

func (f fakeStatus) Status() service.WorkerStatus { return f.status }

func TestHandleHealth(t *testing.T) {
	cases := []struct {
		name       string
		method     string
		checks     map[string]Check
		wantStatus int
		wantBody   healthResponse
	}{
		{
			name:       "no checks is healthy",
			method:     http.MethodGet,
			wantStatus: http.StatusOK,
			wantBody:   healthResponse{Status: "ok"},
		},
		{
			name:   "failing check reports unavailable",
			method: http.MethodGet,
			checks: map[string]Check{
				"objects": func(context.Context) error { return nil },
				"source":  func(context.Context) error { return errors.New("source fetch failing") },
			},
			wantStatus: http.StatusServiceUnavailable,
			wantBody: healthResponse{
				Status: "unavailable",
				Checks: map[string]string{"objects": "ok", "source": "source fetch failing"},
			},
		},
		{
			name:   "checks get a deadline",
			method: http.MethodGet,
			checks: map[string]Check{
				"deadline": func(ctx context.Context) error {
					if _, ok := ctx.Deadline(); !ok {
						return errors.New("missing deadline")
					}
					return nil
				},
			},
			wantStatus: http.StatusOK,
			wantBody:   healthResponse{Status: "ok", Checks: map[string]string{"deadline": "ok"}},
		},
		{
			name:       "post is rejected",
			method:     http.MethodPost,
			wantStatus: http.StatusMethodNotAllowed,
		},
	}

	for _, tc := range cases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			h := NewHandler(nil, nil).WithRequestTimeout(time.Second)
			for name, check := range tc.checks {
				h.WithCheck(name, check)
			}
			mux := http.NewServeMux()
			h.RegisterRoutes(mux)

			rec := httptest.NewRecorder()
			mux.ServeHTTP(rec, httptest.NewRequest(tc.method, "/health", nil))
			if rec.Code != tc.wantStatus {
				t.Fatalf("unexpected status: got=%d want=%d", rec.Code, tc.wantStatus)
			}
			if tc.method != http.MethodGet {
				return
			}
			var got healthResponse
			if err := json.Unmarshal(rec.Body.Bytes(), &got); err != nil {
				t.Fatalf("decode body: %v", err)
			}
			if got.Status != tc.wantBody.Status || len(got.Checks) != len(tc.wantBody.Checks) {
				t.Fatalf("unexpected body: got=%+v want=%+v", got, tc.wantBody)
			}
			for k, v := range tc.wantBody.Checks {
				if got.Checks[k] != v {
					t.Fatalf("unexpected check %s: got=%q want=%q", k, got.Checks[k], v)
				}
			}
		})
	}
}

func TestHandleStatus(t *testing.T) {
	cases := []struct {
		name       string
		provider   StatusProvider
		wantStatus int
	}{
		{
			name: "reports worker status",
			provider: fakeStatus{status: service.WorkerStatus{
				ReaderGroup:    "cg-table-forge-1",
				Table:          "db.events",
				Commits:        3,
				LastSnapshotID: 3,
				Checkpoint:     map[string]int64{"control-0": 12},
			}},
			wantStatus: http.StatusOK,
		},
		{
			name:       "missing provider is unavailable",
			wantStatus: http.StatusServiceUnavailable,
		},
	}

	for _, tc := range cases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			mux := http.NewServeMux()
			NewHandler(tc.provider, nil).RegisterRoutes(mux)
			rec := httptest.NewRecorder()
			mux.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/status", nil))
			if rec.Code != tc.wantStatus {
				t.Fatalf("unexpected status: got=%d want=%d", rec.Code, tc.wantStatus)
			}
			if tc.provider == nil {
				if got := rec.Header().Get("Retry-After"); got != "1" {
					t.Fatalf("unexpected Retry-After: %q", got)
				}
				return
			}
			var got service.WorkerStatus
			if err := json.Unmarshal(rec.Body.Bytes(), &got); err != nil {
				t.Fatalf("decode body: %v", err)
			}
			if got.Table != "db.events" || got.Commits != 3 || got.Checkpoint["control-0"] != 12 {
				t.Fatalf("unexpected status body: %+v", got)
			}
		})
	}
}
