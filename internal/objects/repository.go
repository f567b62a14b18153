package objects

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"
)

// PlanObject is a user-owned tracked plant a plan attaches to.
type PlanObject struct {
	ID          int64
	UserID      int64
	Name        string
	Type        string
	LocationTag string
	Meta        map[string]any
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// NewObject holds the fields a caller supplies when creating an object.
type NewObject struct {
	Name        string
	Type        string
	LocationTag string
	Meta        map[string]any
}

// Repository is a database-backed store for plant objects.
type Repository struct {
	db *sql.DB
}

// NewRepository creates a new object Repository.
func NewRepository(d *sql.DB) *Repository {
	return &Repository{db: d}
}

const objectColumns = `id, user_id, name, type, location_tag, meta, created_at, updated_at`

// List returns the user's objects in creation order.
func (r *Repository) List(ctx context.Context, userID int64) ([]PlanObject, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT `+objectColumns+` FROM plant_objects WHERE user_id = ? ORDER BY id`, userID)
	if err != nil {
		return nil, fmt.Errorf("failed to list objects for user %d: %w", userID, err)
	}
	defer rows.Close()

	var out []PlanObject
	for rows.Next() {
		o, err := scanObject(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *o)
	}
	return out, rows.Err()
}

// GetByID retrieves an object by id regardless of owner. Returns nil, nil when missing.
func (r *Repository) GetByID(ctx context.Context, id int64) (*PlanObject, error) {
	o, err := scanObject(r.db.QueryRowContext(ctx,
		`SELECT `+objectColumns+` FROM plant_objects WHERE id = ?`, id))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return o, err
}

// Create inserts a new object owned by userID.
func (r *Repository) Create(ctx context.Context, userID int64, in NewObject) (*PlanObject, error) {
	meta := in.Meta
	if meta == nil {
		meta = map[string]any{}
	}
	metaJSON, err := json.Marshal(meta)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal object meta: %w", err)
	}

	now := time.Now().UTC()
	res, err := r.db.ExecContext(ctx,
		`INSERT INTO plant_objects (user_id, name, type, location_tag, meta, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		userID, in.Name, in.Type, in.LocationTag, string(metaJSON), now, now,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create object: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return nil, fmt.Errorf("failed to read object id: %w", err)
	}

	return &PlanObject{
		ID:          id,
		UserID:      userID,
		Name:        in.Name,
		Type:        in.Type,
		LocationTag: in.LocationTag,
		Meta:        meta,
		CreatedAt:   now,
		UpdatedAt:   now,
	}, nil
}

// MergeMeta overlays patch onto the object's meta and returns the merged map.
func (r *Repository) MergeMeta(ctx context.Context, id int64, patch map[string]any) (map[string]any, error) {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to begin meta merge: %w", err)
	}
	defer tx.Rollback()

	var raw string
	if err := tx.QueryRowContext(ctx, `SELECT meta FROM plant_objects WHERE id = ?`, id).Scan(&raw); err != nil {
		if err == sql.ErrNoRows {
			return nil, fmt.Errorf("object %d not found", id)
		}
		return nil, fmt.Errorf("failed to read object meta: %w", err)
	}

	merged := map[string]any{}
	if raw != "" {
		if err := json.Unmarshal([]byte(raw), &merged); err != nil {
			return nil, fmt.Errorf("failed to unmarshal object meta: %w", err)
		}
	}
	for k, v := range patch {
		merged[k] = v
	}

	out, err := json.Marshal(merged)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal object meta: %w", err)
	}
	if _, err := tx.ExecContext(ctx,
		`UPDATE plant_objects SET meta = ?, updated_at = ? WHERE id = ?`,
		string(out), time.Now().UTC(), id,
	); err != nil {
		return nil, fmt.Errorf("failed to update object meta: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit meta merge: %w", err)
	}
	return merged, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanObject(row rowScanner) (*PlanObject, error) {
	var (
		o    PlanObject
		meta string
	)
	if err := row.Scan(&o.ID, &o.UserID, &o.Name, &o.Type, &o.LocationTag, &meta, &o.CreatedAt, &o.UpdatedAt); err != nil {
		if err == sql.ErrNoRows {
			return nil, err
		}
		return nil, fmt.Errorf("failed to scan object: %w", err)
	}
	o.Meta = map[string]any{}
	if meta != "" {
		if err := json.Unmarshal([]byte(meta), &o.Meta); err != nil {
			return nil, fmt.Errorf("failed to unmarshal object meta: %w", err)
		}
	}
	return &o, nil
}
