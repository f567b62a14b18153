package session

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"
)

// SQLiteBackend keeps sessions in the embedded relational store.
type SQLiteBackend struct {
	db  *sql.DB
	now func() time.Time
}

// NewSQLiteBackend creates a new SQLiteBackend instance
func NewSQLiteBackend(db *sql.DB) *SQLiteBackend {
	return &SQLiteBackend{db: db, now: time.Now}
}

const sessionColumns = `id, user_id, token, diagnosis_payload, recent_diagnosis_id, object_id, plan_id,
	current_step, state, expires_at, created_at`

// Create stores a new session row and returns it.
func (b *SQLiteBackend) Create(ctx context.Context, userID int64, in NewSession) (*Session, error) {
	payload, err := json.Marshal(in.Diagnosis)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal diagnosis payload: %w", err)
	}
	state, err := json.Marshal(in.State)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal session state: %w", err)
	}

	token := in.Token
	if token == "" {
		token = NewToken()
	}
	now := b.now().UTC()

	res, err := b.db.ExecContext(ctx,
		`INSERT INTO plan_sessions (user_id, token, diagnosis_payload, recent_diagnosis_id, object_id, plan_id,
			current_step, state, expires_at, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		userID, token, string(payload), nullInt(in.RecentDiagnosisID), nullInt(in.ObjectID), nullInt(in.PlanID),
		string(in.CurrentStep), string(state), in.ExpiresAt.UTC(), now,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to insert session: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return nil, fmt.Errorf("failed to read session id: %w", err)
	}

	return &Session{
		ID:                id,
		UserID:            userID,
		Token:             token,
		Diagnosis:         in.Diagnosis,
		RecentDiagnosisID: in.RecentDiagnosisID,
		ObjectID:          in.ObjectID,
		PlanID:            in.PlanID,
		CurrentStep:       in.CurrentStep,
		State:             in.State,
		ExpiresAt:         in.ExpiresAt.UTC(),
		CreatedAt:         now,
	}, nil
}

// FetchLatest returns the most recently created session of a user, expired or not.
func (b *SQLiteBackend) FetchLatest(ctx context.Context, userID int64) (*Session, error) {
	row := b.db.QueryRowContext(ctx,
		`SELECT `+sessionColumns+` FROM plan_sessions WHERE user_id = ? ORDER BY id DESC LIMIT 1`, userID)
	return scanSession(row)
}

// FetchByToken returns the user's session holding token.
func (b *SQLiteBackend) FetchByToken(ctx context.Context, userID int64, token string) (*Session, error) {
	row := b.db.QueryRowContext(ctx,
		`SELECT `+sessionColumns+` FROM plan_sessions WHERE user_id = ? AND token = ?`, userID, token)
	return scanSession(row)
}

// FetchByID returns the user's session with the given id.
func (b *SQLiteBackend) FetchByID(ctx context.Context, userID, id int64) (*Session, error) {
	row := b.db.QueryRowContext(ctx,
		`SELECT `+sessionColumns+` FROM plan_sessions WHERE user_id = ? AND id = ?`, userID, id)
	return scanSession(row)
}

// Update applies patch to the stored row and to s.
func (b *SQLiteBackend) Update(ctx context.Context, s *Session, patch Patch) error {
	next := *s
	patch.Apply(&next)

	state, err := json.Marshal(next.State)
	if err != nil {
		return fmt.Errorf("failed to marshal session state: %w", err)
	}

	_, err = b.db.ExecContext(ctx,
		`UPDATE plan_sessions SET object_id = ?, plan_id = ?, current_step = ?, state = ?, expires_at = ?
		WHERE id = ? AND user_id = ?`,
		nullInt(next.ObjectID), nullInt(next.PlanID), string(next.CurrentStep), string(state), next.ExpiresAt.UTC(),
		s.ID, s.UserID,
	)
	if err != nil {
		return fmt.Errorf("failed to update session %d: %w", s.ID, err)
	}
	*s = next
	return nil
}

// Delete removes a session
func (b *SQLiteBackend) Delete(ctx context.Context, s *Session) error {
	if _, err := b.db.ExecContext(ctx, `DELETE FROM plan_sessions WHERE id = ? AND user_id = ?`, s.ID, s.UserID); err != nil {
		return fmt.Errorf("failed to delete session %d: %w", s.ID, err)
	}
	return nil
}

// DeleteAllForUser removes every session of a user.
func (b *SQLiteBackend) DeleteAllForUser(ctx context.Context, userID int64) error {
	if _, err := b.db.ExecContext(ctx, `DELETE FROM plan_sessions WHERE user_id = ?`, userID); err != nil {
		return fmt.Errorf("failed to delete sessions for user %d: %w", userID, err)
	}
	return nil
}

// DeleteForPlan removes the user's sessions bound to a plan.
func (b *SQLiteBackend) DeleteForPlan(ctx context.Context, userID, planID int64) error {
	if _, err := b.db.ExecContext(ctx, `DELETE FROM plan_sessions WHERE user_id = ? AND plan_id = ?`, userID, planID); err != nil {
		return fmt.Errorf("failed to delete sessions for plan %d: %w", planID, err)
	}
	return nil
}

// CleanupExpired removes sessions that expired more than retention ago (maintenance task).
// Recently expired rows stay so the engine can still tell their owner the session expired.
func (b *SQLiteBackend) CleanupExpired(ctx context.Context, now time.Time, retention time.Duration) (int64, error) {
	if retention < 0 {
		retention = 0
	}
	res, err := b.db.ExecContext(ctx, `DELETE FROM plan_sessions WHERE expires_at < ?`, now.Add(-retention).UTC())
	if err != nil {
		return 0, fmt.Errorf("failed to cleanup expired sessions: %w", err)
	}
	return res.RowsAffected()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSession(row rowScanner) (*Session, error) {
	var (
		s                 Session
		payload, state    string
		step              string
		recent, obj, plan sql.NullInt64
	)
	err := row.Scan(&s.ID, &s.UserID, &s.Token, &payload, &recent, &obj, &plan, &step, &state, &s.ExpiresAt, &s.CreatedAt)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to scan session: %w", err)
	}

	if err := json.Unmarshal([]byte(payload), &s.Diagnosis); err != nil {
		return nil, fmt.Errorf("failed to unmarshal diagnosis payload: %w", err)
	}
	if err := json.Unmarshal([]byte(state), &s.State); err != nil {
		return nil, fmt.Errorf("failed to unmarshal session state: %w", err)
	}
	s.CurrentStep = Step(step)
	s.RecentDiagnosisID = ptrInt(recent)
	s.ObjectID = ptrInt(obj)
	s.PlanID = ptrInt(plan)
	return &s, nil
}

func nullInt(v *int64) sql.NullInt64 {
	if v == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: *v, Valid: true}
}

func ptrInt(v sql.NullInt64) *int64 {
	if !v.Valid {
		return nil
	}
	n := v.Int64
	return &n
}
