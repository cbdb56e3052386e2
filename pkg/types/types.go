package types

import (
	"path/filepath"
	"strings"
	"time"
)

// SourceKind tells remote references apart from local files.
type SourceKind string

const (
	SourceRemote SourceKind = "remote"
	SourceLocal  SourceKind = "local"
)

// Source describes the media a session or analysis is about.
type Source struct {
	ContentID string     `json:"content_id"`
	Kind      SourceKind `json:"kind"`
	Ref       string     `json:"ref"`
	MIMEType  string     `json:"mime_type,omitempty"`
}

// NewSource classifies ref as a remote reference or a local file.
// Local content ids are the absolute, cleaned path so the same file reached
// through different relative paths shares one id.
func NewSource(ref string) Source {
	ref = strings.TrimSpace(ref)
	if isRemoteRef(ref) {
		return Source{ContentID: ref, Kind: SourceRemote, Ref: ref}
	}
	id := filepath.Clean(ref)
	if abs, err := filepath.Abs(ref); err == nil {
		id = abs
	}
	return Source{ContentID: id, Kind: SourceLocal, Ref: ref}
}

func isRemoteRef(ref string) bool {
	lower := strings.ToLower(ref)
	for _, p := range []string{"http://", "https://", "gs://"} {
		if strings.HasPrefix(lower, p) {
			return true
		}
	}
	return false
}

// PartKind tags the payload of a Part.
type PartKind string

const (
	PartText    PartKind = "text"
	PartFileRef PartKind = "file_ref"
)

// Role is the speaker a part belongs to.
type Role string

const (
	RoleUser  Role = "user"
	RoleModel Role = "model"
)

// Part is one piece of turn or source content. For PartText the payload is
// the text; for PartFileRef it is the file URI and MIMEType is set.
type Part struct {
	Kind     PartKind `json:"kind"`
	Role     Role     `json:"role"`
	Payload  string   `json:"payload"`
	MIMEType string   `json:"mime_type,omitempty"`
}

func TextPart(role Role, text string) Part {
	return Part{Kind: PartText, Role: role, Payload: text}
}

func FileRefPart(role Role, uri, mimeType string) Part {
	return Part{Kind: PartFileRef, Role: role, Payload: uri, MIMEType: mimeType}
}

// Turn is one prompt/response exchange.
type Turn struct {
	Index     int       `json:"index"`
	Parts     []Part    `json:"parts"`
	Timestamp time.Time `json:"timestamp"`
}

// NewTurn builds a turn with one user text part and one model text part.
func NewTurn(index int, prompt, response string, ts time.Time) Turn {
	return Turn{
		Index:     index,
		Parts:     []Part{TextPart(RoleUser, prompt), TextPart(RoleModel, response)},
		Timestamp: ts,
	}
}

// Prompt joins the user text parts of the turn.
func (t Turn) Prompt() string { return t.text(RoleUser) }

// Response joins the model text parts of the turn.
func (t Turn) Response() string { return t.text(RoleModel) }

func (t Turn) text(role Role) string {
	var b strings.Builder
	for _, p := range t.Parts {
		if p.Role != role || p.Kind != PartText {
			continue
		}
		if b.Len() > 0 {
			b.WriteString("\n")
		}
		b.WriteString(p.Payload)
	}
	return b.String()
}

// CacheStatus reports whether a session's source is backed by an upstream
// context cache.
type CacheStatus string

const (
	CacheUncached CacheStatus = "uncached"
	CacheCached   CacheStatus = "cached"
	CacheUnknown  CacheStatus = "unknown"
)

// Session is a bounded multi-turn conversation about one source.
type Session struct {
	ID           string      `json:"id"`
	Description  string      `json:"description,omitempty"`
	CreatedAt    time.Time   `json:"created_at"`
	LastActiveAt time.Time   `json:"last_active_at"`
	TurnCount    int         `json:"turn_count"`
	MaxTurns     int         `json:"max_turns"`
	History      []Turn      `json:"history"`
	Source       Source      `json:"source"`
	CacheStatus  CacheStatus `json:"cache_status"`
}

// Clone returns a deep copy safe to hand out of the owning store.
func (s *Session) Clone() *Session {
	if s == nil {
		return nil
	}
	out := *s
	out.History = make([]Turn, len(s.History))
	for i, t := range s.History {
		t.Parts = append([]Part(nil), t.Parts...)
		out.History[i] = t
	}
	return &out
}

// CacheHandle is an opaque upstream cache resource name.
type CacheHandle string

// CacheValidity is the result of checking a handle upstream.
type CacheValidity string

const (
	CacheValid     CacheValidity = "valid"
	CacheInvalid   CacheValidity = "invalid"
	CacheUnchecked CacheValidity = "unchecked"
)

// CacheEntry is one row of the context cache registry.
type CacheEntry struct {
	ContentID   string        `json:"content_id"`
	Model       string        `json:"model"`
	Handle      CacheHandle   `json:"handle"`
	ValidatedAt time.Time     `json:"validated_at,omitempty"`
	Validity    CacheValidity `json:"validity"`
}

// ItemStatus is the state of one batch work item.
type ItemStatus string

const (
	ItemPending ItemStatus = "pending"
	ItemRunning ItemStatus = "running"
	ItemSuccess ItemStatus = "success"
	ItemFailed  ItemStatus = "failed"
)

// Analysis is the result of a one-shot analysis call.
type Analysis struct {
	ContentID string    `json:"content_id"`
	Model     string    `json:"model"`
	Prompt    string    `json:"prompt"`
	Text      string    `json:"text"`
	Cached    bool      `json:"cached"`
	CreatedAt time.Time `json:"created_at"`
}
