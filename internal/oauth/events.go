package oauth

import (
	"context"
	"log/slog"

	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"
)

// EventType categorizes one row of the durable OAuth event log, kept
// separate from the grant path's happy flow so an audit-log outage
// never blocks issuance.
type EventType string

const (
	EventCodeIssued   EventType = "code_issued"
	EventCodeReplay   EventType = "code_replay"
	EventTokenIssued  EventType = "token_issued"
	EventTokenRotated EventType = "token_rotated"
	EventTokenReplay  EventType = "token_replay"
	EventTokenRevoked EventType = "token_revoked"
)

// Event is one OAuth grant-lifecycle occurrence.
type Event struct {
	Type      EventType
	ClientID  string
	UserID    string
	GrantType string
	Scope     []string
}

// EventRecorder persists Events. Record never returns an error to its
// caller — failures are logged and swallowed, matching the rest of the
// service's fire-and-forget audit posture.
type EventRecorder interface {
	Record(ctx context.Context, e Event)
}

// SQLEventRecorder writes to oauth_events via sqlx, distinct from the
// hand-written pgx queries in internal/store: this table is a pure
// forensic log, not a CRUD-backed domain entity, so the thinner sqlx
// layer (automatic struct scanning, no generated query methods) fits
// better than hand-rolled pgx here.
type SQLEventRecorder struct {
	db     *sqlx.DB
	logger *slog.Logger
}

// NewSQLEventRecorder wraps an already-connected sqlx handle.
func NewSQLEventRecorder(db *sqlx.DB, logger *slog.Logger) *SQLEventRecorder {
	return &SQLEventRecorder{db: db, logger: logger}
}

func (r *SQLEventRecorder) Record(ctx context.Context, e Event) {
	var userID interface{}
	if e.UserID != "" {
		userID = e.UserID
	}
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO oauth_events (event_type, client_id, user_id, grant_type, scope)
		VALUES ($1, $2, $3, $4, $5)
	`, string(e.Type), e.ClientID, userID, e.GrantType, pq.Array(e.Scope))
	if err != nil {
		r.logger.Warn("oauth_event_write_failed", "error", err, "event_type", e.Type, "client_id", e.ClientID)
	}
}

// NoopEventRecorder discards every event. Used in tests.
type NoopEventRecorder struct{}

func (NoopEventRecorder) Record(context.Context, Event) {}
