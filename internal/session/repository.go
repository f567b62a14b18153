package session

import (
	"context"
	"fmt"
	"log/slog"
	"time"
)

// DefaultTTL is how long a wizard session stays usable.
const DefaultTTL = 30 * time.Minute

// DefaultRetention is how long an expired session is kept before the sweep may remove it.
// Until then a press on its button still reports SESSION_EXPIRED.
const DefaultRetention = 24 * time.Hour

// Repository is the session store the engine talks to. It wraps whichever
// Backend is configured and adds the rules that must hold for every backend:
// one live session per user, TTL assignment and fail-closed ownership checks.
type Repository struct {
	backend Backend
	ttl     time.Duration
	now     func() time.Time
	logger  *slog.Logger
}

// NewRepository wraps backend. A zero ttl means DefaultTTL.
func NewRepository(backend Backend, ttl time.Duration, logger *slog.Logger) *Repository {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Repository{backend: backend, ttl: ttl, now: time.Now, logger: logger}
}

// WithClock returns a copy of the repository that reads time from now.
func (r *Repository) WithClock(now func() time.Time) *Repository {
	cp := *r
	cp.now = now
	return &cp
}

// Create invalidates every prior session of the user, then stores a new one.
// Token and ExpiresAt are filled in when left empty.
func (r *Repository) Create(ctx context.Context, userID int64, in NewSession) (*Session, error) {
	if err := r.backend.DeleteAllForUser(ctx, userID); err != nil {
		return nil, fmt.Errorf("failed to invalidate prior sessions: %w", err)
	}
	if in.Token == "" {
		in.Token = NewToken()
	}
	if in.ExpiresAt.IsZero() {
		in.ExpiresAt = r.now().Add(r.ttl).UTC()
	}
	s, err := r.backend.Create(ctx, userID, in)
	if err != nil {
		return nil, fmt.Errorf("failed to create session: %w", err)
	}
	return r.owned(userID, s), nil
}

// FetchLatest returns the user's most recent session or nil.
func (r *Repository) FetchLatest(ctx context.Context, userID int64) (*Session, error) {
	s, err := r.backend.FetchLatest(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch latest session: %w", err)
	}
	return r.owned(userID, s), nil
}

// FetchByToken returns the user's session for token or nil.
func (r *Repository) FetchByToken(ctx context.Context, userID int64, token string) (*Session, error) {
	if token == "" {
		return nil, nil
	}
	s, err := r.backend.FetchByToken(ctx, userID, token)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch session by token: %w", err)
	}
	return r.owned(userID, s), nil
}

// Update applies patch to s.
func (r *Repository) Update(ctx context.Context, s *Session, patch Patch) error {
	return r.backend.Update(ctx, s, patch)
}

// Delete removes s.
func (r *Repository) Delete(ctx context.Context, s *Session) error {
	return r.backend.Delete(ctx, s)
}

// DeleteAllForUser removes all of the user's sessions.
func (r *Repository) DeleteAllForUser(ctx context.Context, userID int64) error {
	return r.backend.DeleteAllForUser(ctx, userID)
}

// DeleteForPlan removes the user's sessions bound to planID.
func (r *Repository) DeleteForPlan(ctx context.Context, userID, planID int64) error {
	return r.backend.DeleteForPlan(ctx, userID, planID)
}

// Now is the repository clock.
func (r *Repository) Now() time.Time {
	return r.now()
}

// owned hides sessions belonging to someone else; they are treated as not found.
func (r *Repository) owned(userID int64, s *Session) *Session {
	if s == nil {
		return nil
	}
	if s.UserID != userID {
		r.logger.Warn("session owner mismatch",
			"user_id", userID,
			"session_user_id", s.UserID,
			"session_id", s.ID,
			"token", s.Token,
		)
		return nil
	}
	return s
}
