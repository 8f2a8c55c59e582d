// Package identity provides PostgreSQL-backed resolution of opaque user
// identities (emails) to display summaries. The chat subsystem treats the
// relational user data as read-only: profile management lives elsewhere.
package identity

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"time"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/postgres"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	_ "github.com/lib/pq"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// UserSummary is the display identity resolved from an opaque user key.
type UserSummary struct {
	Email     string `json:"email"`
	Name      string `json:"name"`
	AvatarURL string `json:"avatarUrl,omitempty"`
}

// Store resolves user summaries from PostgreSQL.
type Store struct {
	db *sql.DB
}

// Open connects to PostgreSQL with the given DSN and verifies the
// connection.
func Open(dsn string) (*sql.DB, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("identity: open postgres: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("identity: postgres connection failed: %w", err)
	}
	return db, nil
}

// Migrate applies the embedded schema migrations. It is idempotent: an
// already-current schema is not an error.
func Migrate(db *sql.DB) error {
	src, err := iofs.New(migrationsFS, "migrations")
	if err != nil {
		return fmt.Errorf("identity: load migrations: %w", err)
	}

	driver, err := postgres.WithInstance(db, &postgres.Config{})
	if err != nil {
		return fmt.Errorf("identity: migration driver: %w", err)
	}

	m, err := migrate.NewWithInstance("iofs", src, "postgres", driver)
	if err != nil {
		return fmt.Errorf("identity: migrate setup: %w", err)
	}

	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("identity: migrate up: %w", err)
	}
	return nil
}

// NewStore creates an identity store backed by the given database handle.
func NewStore(db *sql.DB) *Store {
	return &Store{db: db}
}

// Resolve returns the display summary for an identity. Unknown identities
// resolve to a summary carrying the raw identity as the name, so a chat with
// a user whose profile row is missing still renders.
func (s *Store) Resolve(ctx context.Context, identity string) (UserSummary, error) {
	const query = `
		SELECT email, name, COALESCE(avatar_url, '')
		FROM users
		WHERE email = $1`

	var summary UserSummary
	err := s.db.QueryRowContext(ctx, query, identity).Scan(&summary.Email, &summary.Name, &summary.AvatarURL)
	if errors.Is(err, sql.ErrNoRows) {
		return UserSummary{Email: identity, Name: identity}, nil
	}
	if err != nil {
		return UserSummary{}, fmt.Errorf("identity: resolve %s: %w", identity, err)
	}
	return summary, nil
}

// ResolveAll resolves summaries for all identities, preserving input order.
func (s *Store) ResolveAll(ctx context.Context, identities []string) ([]UserSummary, error) {
	summaries := make([]UserSummary, 0, len(identities))
	for _, id := range identities {
		summary, err := s.Resolve(ctx, id)
		if err != nil {
			return nil, err
		}
		summaries = append(summaries, summary)
	}
	return summaries, nil
}
