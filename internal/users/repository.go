package users

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"
)

// User is a durable user record behind a gateway-specific handle.
type User struct {
	ID           int64
	Handle       string
	Username     string
	LastObjectID *int64
	CreatedAt    time.Time
}

// Repository resolves gateway identities and tracks the last-used object.
type Repository struct {
	db *sql.DB
}

// NewRepository creates a new user Repository.
func NewRepository(d *sql.DB) *Repository {
	return &Repository{db: d}
}

// Resolve returns the user for handle, creating the record on first sight.
func (r *Repository) Resolve(ctx context.Context, handle, username string) (*User, error) {
	handle = strings.TrimSpace(handle)
	if handle == "" {
		return nil, fmt.Errorf("empty user handle")
	}

	_, err := r.db.ExecContext(ctx,
		`INSERT INTO users (handle, username, created_at) VALUES (?, ?, ?)
		ON CONFLICT(handle) DO UPDATE SET username = CASE WHEN excluded.username != '' THEN excluded.username ELSE users.username END`,
		handle, username, time.Now().UTC(),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to upsert user %s: %w", handle, err)
	}

	u, err := r.scanOne(ctx, `WHERE handle = ?`, handle)
	if err != nil {
		return nil, err
	}
	if u == nil {
		return nil, fmt.Errorf("user %s vanished after upsert", handle)
	}
	return u, nil
}

// GetByID retrieves a user by id. Returns nil, nil when missing.
func (r *Repository) GetByID(ctx context.Context, id int64) (*User, error) {
	return r.scanOne(ctx, `WHERE id = ?`, id)
}

// UpdateLastObject records objectID as the user's last-used object.
func (r *Repository) UpdateLastObject(ctx context.Context, userID, objectID int64) error {
	if _, err := r.db.ExecContext(ctx, `UPDATE users SET last_object_id = ? WHERE id = ?`, objectID, userID); err != nil {
		return fmt.Errorf("failed to update last object for user %d: %w", userID, err)
	}
	return nil
}

func (r *Repository) scanOne(ctx context.Context, where string, args ...any) (*User, error) {
	var (
		u    User
		last sql.NullInt64
	)
	err := r.db.QueryRowContext(ctx,
		`SELECT id, handle, username, last_object_id, created_at FROM users `+where, args...,
	).Scan(&u.ID, &u.Handle, &u.Username, &last, &u.CreatedAt)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to get user: %w", err)
	}
	if last.Valid {
		id := last.Int64
		u.LastObjectID = &id
	}
	return &u, nil
}
