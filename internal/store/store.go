// Package store is a thin adapter over a table-oriented REST store.
//
// Tables live under /rest/v1/<table>; rows are flat JSON objects. Upserts
// use merge-duplicates semantics and are idempotent on the conflict key.
// There are no cross-table transactions; callers compensate with write
// ordering. Every write carries an RFC3339 UTC timestamp.
//
// All adapter failures wrap ErrUnavailable. Callers decide whether to
// log-and-continue (agents) or reject (gateway).
package store

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/google/uuid"

	"tradeplane/internal/config"
)

// ErrUnavailable is the persistence error family. All adapter failures
// wrap it.
var ErrUnavailable = errors.New("store unavailable")

// Store is a REST table store client. Each agent and the gateway hold
// their own Store (HTTP clients are not shared across tasks).
type Store struct {
	http   *resty.Client
	logger *slog.Logger
}

// New creates a store client with auth headers and retry on 5xx.
func New(cfg config.StoreConfig, logger *slog.Logger) *Store {
	logger = logger.With("component", "store")
	httpClient := resty.New().
		SetBaseURL(cfg.BaseURL).
		SetTimeout(cfg.Timeout).
		SetRetryCount(2).
		SetRetryWaitTime(250 * time.Millisecond).
		SetRetryMaxWaitTime(2 * time.Second).
		AddRetryCondition(func(r *resty.Response, err error) bool {
			if err != nil {
				return true
			}
			return r.StatusCode() >= 500
		}).
		AddRetryHook(func(r *resty.Response, err error) {
			status := 0
			if r != nil {
				status = r.StatusCode()
			}
			logger.Warn("store request retried", "status", status, "error", err)
		}).
		SetHeader("Content-Type", "application/json").
		SetHeader("apikey", cfg.ServiceKey).
		SetHeader("Authorization", "Bearer "+cfg.ServiceKey)

	return &Store{
		http:   httpClient,
		logger: logger,
	}
}

// Get fetches rows from a table. Query params follow the store's filter
// syntax, e.g. {"id": "eq.<uuid>", "select": "status", "limit": "1"}.
func (s *Store) Get(ctx context.Context, table string, query map[string]string) ([]map[string]any, error) {
	var rows []map[string]any
	resp, err := s.http.R().
		SetContext(ctx).
		SetQueryParams(query).
		SetResult(&rows).
		Get("/rest/v1/" + table)
	if err != nil {
		return nil, fmt.Errorf("%w: get %s: %v", ErrUnavailable, table, err)
	}
	if resp.StatusCode() != http.StatusOK {
		return nil, fmt.Errorf("%w: get %s: status %d: %s", ErrUnavailable, table, resp.StatusCode(), resp.String())
	}
	return rows, nil
}

// Insert appends a row to a table.
func (s *Store) Insert(ctx context.Context, table string, row any) error {
	resp, err := s.http.R().
		SetContext(ctx).
		SetBody(row).
		Post("/rest/v1/" + table)
	if err != nil {
		return fmt.Errorf("%w: insert %s: %v", ErrUnavailable, table, err)
	}
	if !writeOK(resp.StatusCode()) {
		return fmt.Errorf("%w: insert %s: status %d: %s", ErrUnavailable, table, resp.StatusCode(), resp.String())
	}
	return nil
}

// Upsert inserts or merges a row on its conflict key. Idempotent.
func (s *Store) Upsert(ctx context.Context, table string, row any) error {
	resp, err := s.http.R().
		SetContext(ctx).
		SetHeader("Prefer", "resolution=merge-duplicates").
		SetBody(row).
		Post("/rest/v1/" + table)
	if err != nil {
		return fmt.Errorf("%w: upsert %s: %v", ErrUnavailable, table, err)
	}
	if !writeOK(resp.StatusCode()) {
		return fmt.Errorf("%w: upsert %s: status %d: %s", ErrUnavailable, table, resp.StatusCode(), resp.String())
	}
	return nil
}

// Patch applies a partial update to the rows selected by query.
func (s *Store) Patch(ctx context.Context, table string, query map[string]string, partial any) error {
	resp, err := s.http.R().
		SetContext(ctx).
		SetQueryParams(query).
		SetBody(partial).
		Patch("/rest/v1/" + table)
	if err != nil {
		return fmt.Errorf("%w: patch %s: %v", ErrUnavailable, table, err)
	}
	if !writeOK(resp.StatusCode()) {
		return fmt.Errorf("%w: patch %s: status %d: %s", ErrUnavailable, table, resp.StatusCode(), resp.String())
	}
	return nil
}

func writeOK(status int) bool {
	return status == http.StatusOK || status == http.StatusCreated || status == http.StatusNoContent
}

// Now returns the store timestamp format for the current instant.
func Now() string {
	return time.Now().UTC().Format(time.RFC3339)
}

// KillSwitchActive reads global_settings.global_kill_switch.
func (s *Store) KillSwitchActive(ctx context.Context) (bool, error) {
	rows, err := s.Get(ctx, "global_settings", map[string]string{
		"select": "global_kill_switch",
		"limit":  "1",
	})
	if err != nil {
		return false, err
	}
	if len(rows) == 0 {
		return false, nil
	}
	active, _ := rows[0]["global_kill_switch"].(bool)
	return active, nil
}

// BookActive reports whether the book exists with status "active".
func (s *Store) BookActive(ctx context.Context, bookID uuid.UUID) (bool, error) {
	rows, err := s.Get(ctx, "books", map[string]string{
		"id":     "eq." + bookID.String(),
		"select": "status",
	})
	if err != nil {
		return false, err
	}
	if len(rows) == 0 {
		return false, nil
	}
	status, _ := rows[0]["status"].(string)
	return status == "active", nil
}

// InsertOrder writes a row to the orders table.
func (s *Store) InsertOrder(ctx context.Context, row map[string]any) error {
	return s.Insert(ctx, "orders", row)
}

// OpenPosition returns the single open position for (book, instrument),
// or nil when none exists.
func (s *Store) OpenPosition(ctx context.Context, bookID uuid.UUID, instrument string) (map[string]any, error) {
	rows, err := s.Get(ctx, "positions", map[string]string{
		"book_id":    "eq." + bookID.String(),
		"instrument": "eq." + instrument,
		"is_open":    "eq.true",
		"select":     "*",
	})
	if err != nil {
		return nil, err
	}
	if len(rows) == 0 {
		return nil, nil
	}
	return rows[0], nil
}

// InsertPosition creates a new positions row.
func (s *Store) InsertPosition(ctx context.Context, row map[string]any) error {
	return s.Insert(ctx, "positions", row)
}

// PatchPosition partially updates a position by id.
func (s *Store) PatchPosition(ctx context.Context, positionID string, partial map[string]any) error {
	return s.Patch(ctx, "positions", map[string]string{"id": "eq." + positionID}, partial)
}

// InsertAuditEvent appends to the audit trail.
func (s *Store) InsertAuditEvent(ctx context.Context, action, resourceType, resourceID, severity string, afterState map[string]any) error {
	return s.Insert(ctx, "audit_events", map[string]any{
		"action":        action,
		"resource_type": resourceType,
		"resource_id":   resourceID,
		"severity":      severity,
		"after_state":   afterState,
		"created_at":    Now(),
	})
}

// UpsertAgentHeartbeat merges the agent's liveness row, keyed by id.
func (s *Store) UpsertAgentHeartbeat(ctx context.Context, row map[string]any) error {
	return s.Upsert(ctx, "agents", row)
}

// MarkAgentStopped flips the agent row to stopped.
func (s *Store) MarkAgentStopped(ctx context.Context, agentID string) error {
	return s.Patch(ctx, "agents", map[string]string{"id": "eq." + agentID}, map[string]any{
		"status": "stopped",
	})
}

// UpsertSystemHealth merges a component health row.
func (s *Store) UpsertSystemHealth(ctx context.Context, component, status, details string) error {
	return s.Upsert(ctx, "system_health", map[string]any{
		"component":     component,
		"status":        status,
		"details":       map[string]any{"message": details},
		"last_check_at": Now(),
	})
}

// InsertAlert appends to the alerts table.
func (s *Store) InsertAlert(ctx context.Context, title, message, severity, source string, metadata map[string]any) error {
	if metadata == nil {
		metadata = map[string]any{}
	}
	return s.Insert(ctx, "alerts", map[string]any{
		"title":    title,
		"message":  message,
		"severity": severity,
		"source":   source,
		"metadata": metadata,
	})
}
