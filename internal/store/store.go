// Package store provides storage backends for LeadPipe.
//
// It defines the persistence contract used by the survey engine and ships an
// in-memory store for tests and single-process runs, plus SQLite and
// PostgreSQL backends with embedded migrations.
package store

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/BTreeMap/LeadPipe/internal/models"
)

var (
	// ErrNotFound is returned by updates against a missing record.
	ErrNotFound = errors.New("record not found")
	// ErrDuplicateResponse is returned when a question already has an answer in the session.
	ErrDuplicateResponse = errors.New("question already answered in this session")
	// ErrDSNNotSet is returned when a SQL backend is opened without a DSN.
	ErrDSNNotSet = errors.New("database DSN not set")
)

// SessionVersion is what a conditional update expects the stored session to
// still look like. Any step moves LastActivityAt, so a session answered after
// it was read no longer matches.
type SessionVersion struct {
	AbandonmentStatus models.AbandonmentStatus
	LastActivityAt    time.Time
}

// VersionOf captures the version of a session as read.
func VersionOf(s models.Session) SessionVersion {
	return SessionVersion{AbandonmentStatus: s.AbandonmentStatus, LastActivityAt: s.LastActivityAt}
}

// Matches reports whether cur is still open and unchanged since v was read.
func (v SessionVersion) Matches(cur *models.Session) bool {
	return !cur.Completed &&
		cur.AbandonmentStatus == v.AbandonmentStatus &&
		cur.LastActivityAt.Equal(v.LastActivityAt)
}

// Store is the persistence contract for survey sessions.
type Store interface {
	CreateSession(ctx context.Context, s models.Session) (*models.Session, error)
	// GetSession returns nil, nil when the session does not exist.
	GetSession(ctx context.Context, id string) (*models.Session, error)
	// UpdateSession applies the patch atomically for one session id.
	UpdateSession(ctx context.Context, id string, patch models.SessionPatch) (*models.Session, error)
	// UpdateSessionIf applies the patch only if the session is not completed
	// and still matches the expected version. It reports whether the update
	// happened.
	UpdateSessionIf(ctx context.Context, id string, expected SessionVersion, patch models.SessionPatch) (bool, error)
	// ListSessionsForSweep returns open, non-abandoned sessions whose last
	// activity is before inactiveSince.
	ListSessionsForSweep(ctx context.Context, inactiveSince time.Time, limit int) ([]models.Session, error)

	// AppendResponse stores a real answer. It returns ErrDuplicateResponse if
	// the question was already answered in the session.
	AppendResponse(ctx context.Context, r models.Response) (*models.Response, error)
	ListResponses(ctx context.Context, sessionID string) ([]models.Response, error)

	SaveForm(ctx context.Context, form models.Form, questions []models.Question, client *models.Client) error
	// GetForm returns nil, nil when the form does not exist.
	GetForm(ctx context.Context, formID string) (*models.Form, error)
	// ListQuestions returns the catalog ordered by position.
	ListQuestions(ctx context.Context, formID string) ([]models.Question, error)
	// GetClient returns nil, nil when the form has no client.
	GetClient(ctx context.Context, formID string) (*models.Client, error)

	// SaveSnapshot appends a snapshot. Earlier snapshots are never touched.
	SaveSnapshot(ctx context.Context, snap models.Snapshot) error
	// GetLatestSnapshot returns nil, nil when the session has none.
	GetLatestSnapshot(ctx context.Context, sessionID string) (*models.Snapshot, error)

	Ping(ctx context.Context) error
	Close() error
}

// Backend is a Store that also persists durable jobs and submission records.
type Backend interface {
	Store
	JobRepo
	DedupRepo
}

// Opts holds configuration options for SQL store implementations.
type Opts struct {
	DSN string
}

// Option configures a SQL store.
type Option func(*Opts)

// WithSQLiteDSN sets the SQLite database file path.
func WithSQLiteDSN(dsn string) Option {
	return func(o *Opts) { o.DSN = dsn }
}

// WithPostgresDSN sets the PostgreSQL connection string.
func WithPostgresDSN(dsn string) Option {
	return func(o *Opts) { o.DSN = dsn }
}

// IsPostgresDSN reports whether dsn looks like a PostgreSQL connection string
// rather than a SQLite file path.
func IsPostgresDSN(dsn string) bool {
	return strings.HasPrefix(dsn, "postgres://") ||
		strings.HasPrefix(dsn, "postgresql://") ||
		strings.Contains(dsn, "host=") ||
		strings.Contains(dsn, "dbname=")
}

// Open returns the backend matching dsn. An empty dsn yields an in-memory store.
func Open(dsn string) (Backend, error) {
	switch {
	case dsn == "":
		return NewInMemoryStore(), nil
	case IsPostgresDSN(dsn):
		return NewPostgresStore(WithPostgresDSN(dsn))
	default:
		return NewSQLiteStore(WithSQLiteDSN(dsn))
	}
}
