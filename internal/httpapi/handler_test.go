package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"testing"

	_ "time/tzdata"

	"pillcall/internal/recurrence"
	"pillcall/internal/schedule"
	"pillcall/internal/storage"
	logx "pillcall/pkg/logx"
)

func newTestServer(t *testing.T, cfg Config, health HealthFunc) http.Handler {
	t.Helper()
	st := storage.NewMemory(recurrence.Calculator{})
	t.Cleanup(func() { _ = st.Close() })
	h := NewHandler(schedule.New(st, logx.Nop()), health)
	return NewServer(cfg, h, logx.Nop()).Handler()
}

func do(t *testing.T, srv http.Handler, method, path, body string, hdr ...string) *httptest.ResponseRecorder {
	t.Helper()
	var req *http.Request
	if body == "" {
		req = httptest.NewRequest(method, path, nil)
	} else {
		req = httptest.NewRequest(method, path, strings.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
	}
	for i := 0; i+1 < len(hdr); i += 2 {
		req.Header.Set(hdr[i], hdr[i+1])
	}
	rec := httptest.NewRecorder()
	srv.ServeHTTP(rec, req)
	return rec
}

func TestScheduleLifecycle(t *testing.T) {
	srv := newTestServer(t, Config{}, nil)

	rec := do(t, srv, http.MethodPut, "/v1/patients/5", `{"full_name":"Asha","time_zone":"Asia/Kolkata","contact":"9876543210"}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("put patient: %d %s", rec.Code, rec.Body.String())
	}

	rec = do(t, srv, http.MethodPut, "/v1/patients/5/schedule", `{"reminders":[
		{"label":"Morning","repeat":"everyday","at":"08:00"},
		{"label":"Weekdays","repeat":"custom","days":["Mon","Wed","Fri"],"at":"20:00"}
	]}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("replace: %d %s", rec.Code, rec.Body.String())
	}
	var got struct {
		Reminders []schedule.View `json:"reminders"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &got); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(got.Reminders) != 2 || got.Reminders[1].Repeat != "custom" {
		t.Fatalf("reminders = %+v", got.Reminders)
	}

	rec = do(t, srv, http.MethodGet, "/v1/patients/5/reminders", "")
	if rec.Code != http.StatusOK || !strings.Contains(rec.Body.String(), "Morning") {
		t.Fatalf("list: %d %s", rec.Code, rec.Body.String())
	}

	path := "/v1/patients/5/reminders/" + strconv.FormatInt(got.Reminders[0].ID, 10) + "/deactivate"
	for i := 0; i < 2; i++ {
		if rec = do(t, srv, http.MethodPost, path, ""); rec.Code != http.StatusNoContent {
			t.Fatalf("deactivate #%d: %d %s", i, rec.Code, rec.Body.String())
		}
	}

	// Empty rules clear the schedule.
	if rec = do(t, srv, http.MethodPut, "/v1/patients/5/schedule", `{"reminders":[]}`); rec.Code != http.StatusOK {
		t.Fatalf("clear: %d", rec.Code)
	}
	rec = do(t, srv, http.MethodGet, "/v1/patients/5/reminders", "")
	if err := json.Unmarshal(rec.Body.Bytes(), &got); err != nil || len(got.Reminders) != 0 {
		t.Fatalf("after clear: %s", rec.Body.String())
	}

	if rec = do(t, srv, http.MethodGet, "/v1/patients/5/outcomes", ""); rec.Code != http.StatusOK {
		t.Fatalf("outcomes: %d", rec.Code)
	}
}

func TestErrorMapping(t *testing.T) {
	srv := newTestServer(t, Config{}, nil)
	tests := []struct {
		method, path, body string
		want               int
	}{
		{http.MethodPut, "/v1/patients/abc", `{}`, http.StatusBadRequest},
		{http.MethodPut, "/v1/patients/9/schedule", `{"reminders":[{"label":"x","at":"08:00"}]}`, http.StatusNotFound},
		{http.MethodPut, "/v1/patients/9", `{"time_zone":"Nowhere/City"}`, http.StatusBadRequest},
		{http.MethodGet, "/v1/patients/9/reminders", "", http.StatusNotFound},
		{http.MethodPost, "/v1/patients/9/reminders/1/deactivate", "", http.StatusNotFound},
	}
	for _, tt := range tests {
		if rec := do(t, srv, tt.method, tt.path, tt.body); rec.Code != tt.want {
			t.Fatalf("%s %s = %d, want %d (%s)", tt.method, tt.path, rec.Code, tt.want, rec.Body.String())
		}
	}
}

func TestTokenRequired(t *testing.T) {
	srv := newTestServer(t, Config{Token: "s3cret"}, nil)
	if rec := do(t, srv, http.MethodGet, "/v1/patients/1/outcomes", ""); rec.Code == http.StatusOK {
		t.Fatal("request without token accepted")
	}
	if rec := do(t, srv, http.MethodGet, "/v1/patients/1/outcomes", "", "Authorization", "Bearer s3cret"); rec.Code != http.StatusOK {
		t.Fatalf("with token: %d", rec.Code)
	}
	if rec := do(t, srv, http.MethodGet, "/healthz", ""); rec.Code != http.StatusOK {
		t.Fatalf("healthz behind token: %d", rec.Code)
	}
}

func TestHealthDegraded(t *testing.T) {
	srv := newTestServer(t, Config{}, func(context.Context) (map[string]any, error) {
		return map[string]any{"store": "down"}, errors.New("ping failed")
	})
	rec := do(t, srv, http.MethodGet, "/healthz", "")
	if rec.Code != http.StatusServiceUnavailable || !strings.Contains(rec.Body.String(), "degraded") {
		t.Fatalf("healthz: %d %s", rec.Code, rec.Body.String())
	}
}

func TestPprofMount(t *testing.T) {
	srv := newTestServer(t, Config{}, nil)
	if rec := do(t, srv, http.MethodGet, "/debug/pprof/goroutine?debug=1", ""); rec.Code != http.StatusNotFound {
		t.Fatalf("pprof mounted while disabled: %d", rec.Code)
	}
	srv = newTestServer(t, Config{Pprof: true, Token: "s3cret"}, nil)
	if rec := do(t, srv, http.MethodGet, "/debug/pprof/goroutine?debug=1", ""); rec.Code == http.StatusOK {
		t.Fatal("pprof served without token")
	}
	rec := do(t, srv, http.MethodGet, "/debug/pprof/goroutine?debug=1", "", "Authorization", "Bearer s3cret")
	if rec.Code != http.StatusOK || !strings.Contains(rec.Body.String(), "goroutine") {
		t.Fatalf("pprof goroutine: %d", rec.Code)
	}
}
