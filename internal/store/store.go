package store

import (
	"time"

	"github.com/yourorg/vidlens/pkg/types"
)

// Store is the durable write-through store for session state. LoadSession
// returns nil, nil when no row exists.
type Store interface {
	SaveSession(sess *types.Session) error
	LoadSession(id string) (*types.Session, error)
	DeleteSession(id string) error
	ListSessions() ([]Summary, error)

	Close() error
}

// Summary is a session row without its history.
type Summary struct {
	ID           string            `json:"id"`
	Description  string            `json:"description,omitempty"`
	SourceKind   types.SourceKind  `json:"source_kind"`
	SourceRef    string            `json:"source_ref"`
	TurnCount    int               `json:"turn_count"`
	CacheStatus  types.CacheStatus `json:"cache_status"`
	CreatedAt    time.Time         `json:"created_at"`
	LastActiveAt time.Time         `json:"last_active_at"`
}
