package audit

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"fleet-telemetry/internal/auth"
)

// Entry represents an audit log entry.
type Entry struct {
	ID            string          `json:"id"`
	Actor         string          `json:"actor"`
	Role          string          `json:"role"`
	Action        string          `json:"action"`
	ResourceType  string          `json:"resourceType"`
	ResourceID    string          `json:"resourceId"`
	InstanceID    string          `json:"instanceId,omitempty"`
	Metadata      json.RawMessage `json:"metadata,omitempty"`
	PayloadDigest string          `json:"payloadDigest,omitempty"`
	IP            string          `json:"ip,omitempty"`
	UserAgent     string          `json:"userAgent,omitempty"`
	CreatedAt     time.Time       `json:"createdAt"`
}

// Logger writes audit entries.
type Logger interface {
	Log(ctx context.Context, entry Entry) error
}

// NewID generates a random audit id.
func NewID() string {
	return "audit-" + uuid.NewString()
}

// DigestJSON computes a SHA256 hex digest for metadata payloads.
func DigestJSON(data []byte) string {
	if len(data) == 0 {
		return ""
	}
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// Record fills actor and role from the authenticated context, attaches
// metadata and writes the entry. Failures are logged, never returned, so an
// audit outage does not fail the mutation it describes.
func Record(ctx context.Context, logger Logger, log *zap.Logger, entry Entry, metadata any) {
	if logger == nil {
		return
	}
	if entry.Actor == "" {
		entry.Actor = auth.SubjectFromContext(ctx)
	}
	if entry.Role == "" {
		entry.Role = string(auth.RoleFromContext(ctx))
	}
	if entry.IP == "" {
		entry.IP = requestIPFromContext(ctx)
	}
	if metadata != nil && entry.Metadata == nil {
		if raw, err := json.Marshal(metadata); err == nil {
			entry.Metadata = raw
		}
	}
	fill(&entry)
	if err := logger.Log(ctx, entry); err != nil && log != nil {
		log.Warn("audit: write failed",
			zap.String("action", entry.Action),
			zap.String("resource_id", entry.ResourceID),
			zap.Error(err))
	}
}

func fill(entry *Entry) {
	if entry.ID == "" {
		entry.ID = NewID()
	}
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = time.Now().UTC()
	}
	if entry.PayloadDigest == "" {
		entry.PayloadDigest = DigestJSON(entry.Metadata)
	}
}

// MemoryLogger keeps entries in process. Used when no database is configured.
type MemoryLogger struct {
	mu      sync.Mutex
	entries []Entry
}

// NewMemoryLogger constructs an empty in-memory audit log.
func NewMemoryLogger() *MemoryLogger {
	return &MemoryLogger{}
}

// Log appends an entry.
func (m *MemoryLogger) Log(_ context.Context, entry Entry) error {
	fill(&entry)
	m.mu.Lock()
	m.entries = append(m.entries, entry)
	m.mu.Unlock()
	return nil
}

// Entries returns a copy of recorded entries.
func (m *MemoryLogger) Entries() []Entry {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Entry, len(m.entries))
	copy(out, m.entries)
	return out
}
