package domain

import (
	"time"
)

// TokenDelta is the incremental usage reported by one provider result.
type TokenDelta struct {
	Input         int `json:"input"`
	Output        int `json:"output"`
	CacheRead     int `json:"cacheRead"`
	CacheCreation int `json:"cacheCreation"`
}

// TokenUsage is cumulative token accounting for one session. Used always
// equals the sum of the breakdown fields; the breakdown only ever grows.
type TokenUsage struct {
	Used int `json:"used"`
	// Total is the provider-reported context budget. Providers that do not
	// report one leave it zero; Add never touches it.
	Total         int `json:"total"`
	Input         int `json:"input"`
	Output        int `json:"output"`
	CacheRead     int `json:"cacheRead"`
	CacheCreation int `json:"cacheCreation"`
}

// Add folds an incremental delta into the cumulative counts.
func (u *TokenUsage) Add(d TokenDelta) {
	u.Input += d.Input
	u.Output += d.Output
	u.CacheRead += d.CacheRead
	u.CacheCreation += d.CacheCreation
	u.Used = u.Input + u.Output + u.CacheRead + u.CacheCreation
}

// SessionOptions parameterize a session and its provider adapter.
type SessionOptions struct {
	Model       string `json:"model,omitempty"`
	Resume      string `json:"resume,omitempty"` // provider-side resume token
	ProjectPath string `json:"projectPath,omitempty"`
	// AddDirs are extra directories exposed to the provider.
	AddDirs []string `json:"addDirs,omitempty"`
}

// Merge overlays non-empty fields of other onto o.
func (o *SessionOptions) Merge(other SessionOptions) {
	if other.Model != "" {
		o.Model = other.Model
	}
	if other.Resume != "" {
		o.Resume = other.Resume
	}
	if other.ProjectPath != "" {
		o.ProjectPath = other.ProjectPath
	}
	if len(other.AddDirs) > 0 {
		o.AddDirs = append([]string(nil), other.AddDirs...)
	}
}

// SessionMetadata is immutable after creation except through adapter-driven
// option updates (a provider capturing its resumable session id).
type SessionMetadata struct {
	ProjectPath string    `json:"projectPath"`
	StartTime   time.Time `json:"startTime"`
	// ProviderSessionID is the provider-side resumable identifier, empty
	// until the adapter reports one.
	ProviderSessionID string `json:"providerSessionId,omitempty"`
}

// SessionData is the persisted projection of a session, one row per session.
type SessionData struct {
	ID           string
	Summary      string
	CreatedAt    time.Time
	LastActivity time.Time
	CWD          string
	Metadata     string // serialized SessionMetadata
}
