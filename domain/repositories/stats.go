package repositories

import (
	"context"

	"github.com/lumenhealth/scribe/domain/entities"
)

// StatsArchiver persists end-of-session statistics. Archiving is optional
// and best-effort; the relay never blocks session teardown on it. Records
// are content-free: identifiers, counters, and durations only.
type StatsArchiver interface {
	Archive(ctx context.Context, sessionID, userID string, stats entities.SessionStats) error
}
