package store

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"

	"tradeplane/internal/config"
)

type capturedRequest struct {
	Method string
	Path   string
	Query  map[string]string
	Header http.Header
	Body   []byte
}

// newTestStore returns a Store pointed at an httptest server whose responses
// come from respond; every request is appended to *reqs.
func newTestStore(t *testing.T, reqs *[]capturedRequest, respond func(r *http.Request) (int, string)) *Store {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		query := make(map[string]string)
		for k, v := range r.URL.Query() {
			query[k] = v[0]
		}
		*reqs = append(*reqs, capturedRequest{
			Method: r.Method,
			Path:   r.URL.Path,
			Query:  query,
			Header: r.Header.Clone(),
			Body:   body,
		})
		status, payload := respond(r)
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		w.Write([]byte(payload))
	}))
	t.Cleanup(srv.Close)

	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
	return New(config.StoreConfig{
		BaseURL:    srv.URL,
		ServiceKey: "test-service-key",
		Timeout:    2 * time.Second,
	}, logger)
}

func TestGetSendsAuthHeaders(t *testing.T) {
	var reqs []capturedRequest
	s := newTestStore(t, &reqs, func(*http.Request) (int, string) { return 200, `[]` })

	if _, err := s.Get(context.Background(), "books", map[string]string{"select": "status"}); err != nil {
		t.Fatalf("get: %v", err)
	}

	if len(reqs) != 1 {
		t.Fatalf("got %d requests, want 1", len(reqs))
	}
	req := reqs[0]
	if req.Path != "/rest/v1/books" {
		t.Errorf("path = %q, want /rest/v1/books", req.Path)
	}
	if got := req.Header.Get("apikey"); got != "test-service-key" {
		t.Errorf("apikey header = %q", got)
	}
	if got := req.Header.Get("Authorization"); got != "Bearer test-service-key" {
		t.Errorf("authorization header = %q", got)
	}
}

func TestUpsertSendsMergeDuplicates(t *testing.T) {
	var reqs []capturedRequest
	s := newTestStore(t, &reqs, func(*http.Request) (int, string) { return 201, `{}` })

	err := s.UpsertAgentHeartbeat(context.Background(), map[string]any{
		"id":     "risk-agent-01",
		"status": "running",
	})
	if err != nil {
		t.Fatalf("upsert: %v", err)
	}

	req := reqs[0]
	if req.Method != http.MethodPost || req.Path != "/rest/v1/agents" {
		t.Errorf("got %s %s, want POST /rest/v1/agents", req.Method, req.Path)
	}
	if got := req.Header.Get("Prefer"); got != "resolution=merge-duplicates" {
		t.Errorf("prefer header = %q", got)
	}
}

func TestKillSwitch(t *testing.T) {
	cases := []struct {
		name string
		body string
		want bool
	}{
		{"active", `[{"global_kill_switch": true}]`, true},
		{"inactive", `[{"global_kill_switch": false}]`, false},
		{"no settings row", `[]`, false},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			var reqs []capturedRequest
			s := newTestStore(t, &reqs, func(*http.Request) (int, string) { return 200, tc.body })

			got, err := s.KillSwitchActive(context.Background())
			if err != nil {
				t.Fatalf("kill switch: %v", err)
			}
			if got != tc.want {
				t.Errorf("active = %v, want %v", got, tc.want)
			}
		})
	}
}

func TestBookActive(t *testing.T) {
	bookID := uuid.New()
	var reqs []capturedRequest
	s := newTestStore(t, &reqs, func(*http.Request) (int, string) {
		return 200, `[{"status": "frozen"}]`
	})

	active, err := s.BookActive(context.Background(), bookID)
	if err != nil {
		t.Fatalf("book active: %v", err)
	}
	if active {
		t.Error("frozen book reported active")
	}
	if got := reqs[0].Query["id"]; got != "eq."+bookID.String() {
		t.Errorf("id filter = %q", got)
	}
}

func TestOpenPositionNoneIsNil(t *testing.T) {
	var reqs []capturedRequest
	s := newTestStore(t, &reqs, func(*http.Request) (int, string) { return 200, `[]` })

	pos, err := s.OpenPosition(context.Background(), uuid.New(), "BTC-USD")
	if err != nil {
		t.Fatalf("open position: %v", err)
	}
	if pos != nil {
		t.Errorf("want nil position, got %v", pos)
	}
	if got := reqs[0].Query["is_open"]; got != "eq.true" {
		t.Errorf("is_open filter = %q", got)
	}
}

func TestServerErrorWrapsUnavailable(t *testing.T) {
	var reqs []capturedRequest
	s := newTestStore(t, &reqs, func(*http.Request) (int, string) {
		return 500, `{"message": "boom"}`
	})

	if err := s.InsertOrder(context.Background(), map[string]any{"instrument": "BTC-USD"}); !errors.Is(err, ErrUnavailable) {
		t.Errorf("want ErrUnavailable, got %v", err)
	}
}

func TestInsertAuditEventShape(t *testing.T) {
	var reqs []capturedRequest
	s := newTestStore(t, &reqs, func(*http.Request) (int, string) { return 201, `{}` })

	err := s.InsertAuditEvent(context.Background(), "order_created", "order", "abc", "info",
		map[string]any{"instrument": "ETH-USD"})
	if err != nil {
		t.Fatalf("audit: %v", err)
	}

	var row map[string]any
	if err := json.Unmarshal(reqs[0].Body, &row); err != nil {
		t.Fatalf("unmarshal body: %v", err)
	}
	if row["action"] != "order_created" || row["resource_type"] != "order" {
		t.Errorf("unexpected audit row: %v", row)
	}
	if _, err := time.Parse(time.RFC3339, row["created_at"].(string)); err != nil {
		t.Errorf("created_at not RFC3339: %v", err)
	}
}

func TestPatchPositionFiltersByID(t *testing.T) {
	var reqs []capturedRequest
	s := newTestStore(t, &reqs, func(*http.Request) (int, string) { return 204, `` })

	if err := s.PatchPosition(context.Background(), "pos-1", map[string]any{"is_open": false}); err != nil {
		t.Fatalf("patch: %v", err)
	}
	req := reqs[0]
	if req.Method != http.MethodPatch {
		t.Errorf("method = %s, want PATCH", req.Method)
	}
	if got := req.Query["id"]; got != "eq.pos-1" {
		t.Errorf("id filter = %q", got)
	}
}
