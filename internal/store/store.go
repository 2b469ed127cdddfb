// Package store provides data persistence interfaces and implementations.
package store

import (
	"context"
	"time"

	"github.com/adjoshi/scamnet/internal/domain"
)

// Repository defines the interface for persisting honeypot sessions.
type Repository interface {
	// GetSession retrieves a session by its ID. Returns (nil, nil) when the
	// session does not exist.
	GetSession(ctx context.Context, sessionID string) (*domain.Session, error)

	// UpsertSession creates or updates the full session aggregate. The write
	// is monotonic for the latched fields: report_sent and scam_detected
	// never flip back to false, assigned credentials are never replaced,
	// and start_time only moves backwards.
	UpsertSession(ctx context.Context, session *domain.Session) error

	// MarkReportSent latches report_sent for a session. Returns true when
	// this call claimed the latch; false when the report was already sent.
	MarkReportSent(ctx context.Context, sessionID string) (bool, error)

	// MarkReportFailed records a failed delivery attempt. A no-op once the
	// report_sent latch is set.
	MarkReportFailed(ctx context.Context, sessionID string) error

	// CleanupExpiredSessions removes sessions idle longer than ttl and
	// returns the number of rows deleted.
	CleanupExpiredSessions(ctx context.Context, ttl time.Duration) (int64, error)

	// Ping verifies database connectivity.
	Ping(ctx context.Context) error

	// Close closes the database connection.
	Close() error
}
