// Package sync orchestrates connector passes: full and selective listings,
// incremental change-feed reads, and webhook-triggered targeted syncs. At
// most one pass runs per connection at a time; distinct connections run in
// parallel.
package sync

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/wbe7/openrag/pkg/core"
)

// Mode selects what a pass covers.
type Mode string

const (
	// ModeFull lists everything the connection's scope resolves to.
	ModeFull Mode = "full"
	// ModeIncremental reads the change feed from the committed cursor.
	ModeIncremental Mode = "incremental"
	// ModeTargeted syncs an explicit file id set, used for webhook fan-in.
	ModeTargeted Mode = "targeted"
)

// FileFailure records one file that failed during a pass.
type FileFailure struct {
	FileID string `json:"file_id"`
	Error  string `json:"error"`
}

// PassResult summarizes one sync pass over one connection.
type PassResult struct {
	ConnectionID uuid.UUID     `json:"connection_id"`
	Mode         Mode          `json:"mode"`
	StartedAt    time.Time     `json:"started_at"`
	Duration     time.Duration `json:"duration"`

	Processed int           `json:"processed"`
	Unchanged int           `json:"unchanged"`
	Failed    int           `json:"failed"`
	Failures  []FileFailure `json:"failures,omitempty"`

	// CursorAdvanced is set when an incremental pass committed a new
	// checkpoint. Full passes never move the cursor.
	CursorAdvanced bool `json:"cursor_advanced"`
}

// ConnectionSource yields the live connectors the orchestrator runs over.
type ConnectionSource interface {
	ActiveIDs() []uuid.UUID
	Connector(id uuid.UUID) (core.Connector, bool)
}

// StateStore persists per-connection sync state: the change cursor, the
// webhook channel record, and pass outcomes.
type StateStore interface {
	CurrentCursor(ctx context.Context, id uuid.UUID) (string, error)
	CommitCursor(ctx context.Context, id uuid.UUID, cursor string) error
	SetSyncStatus(ctx context.Context, id uuid.UUID, status string, syncErr error) error
	SetWebhookChannel(ctx context.Context, id uuid.UUID, channel *core.WebhookChannel) error
	ConnectionIDByChannel(ctx context.Context, channelID string) (uuid.UUID, error)
	Owner(ctx context.Context, id uuid.UUID) (string, error)
}
