package planner

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"plant-treatment-planner/internal/diagnosis"
)

// Status is a plan's lifecycle state.
type Status string

const (
	StatusProposed  Status = "proposed"
	StatusAccepted  Status = "accepted"
	StatusScheduled Status = "scheduled"
)

// Case is the immutable diagnosis snapshot taken when a plan is requested.
type Case struct {
	ID         int64
	UserID     int64
	ObjectID   int64
	Crop       string
	Disease    string
	Confidence float64
	Raw        diagnosis.Payload
	CreatedAt  time.Time
}

// Plan is a committed treatment plan with its stages.
type Plan struct {
	ID         int64
	UserID     int64
	ObjectID   int64
	CaseID     int64
	Title      string
	Status     Status
	Version    int
	Hash       string
	Source     Source
	Payload    []byte // raw machine plan JSON when Source is ai
	PlanKind   diagnosis.PlanKind
	PlanErrors []FallbackNotice
	CreatedAt  time.Time
	Stages     []StageDef
}

// PlanRepository is a database-backed repository for cases, plans and stages.
type PlanRepository struct {
	db *sql.DB
}

// NewPlanRepository creates a new PlanRepository.
func NewPlanRepository(d *sql.DB) *PlanRepository {
	return &PlanRepository{db: d}
}

// RecordDiagnosis stores an incoming diagnosis so a later plan can link back to it.
func (r *PlanRepository) RecordDiagnosis(ctx context.Context, userID int64, objectID *int64, payload diagnosis.Payload) (int64, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return 0, fmt.Errorf("failed to marshal diagnosis: %w", err)
	}
	res, err := r.db.ExecContext(ctx,
		`INSERT INTO diagnoses (user_id, object_id, payload, created_at) VALUES (?, ?, ?, ?)`,
		userID, objectID, string(raw), time.Now().UTC(),
	)
	if err != nil {
		return 0, fmt.Errorf("failed to record diagnosis: %w", err)
	}
	return res.LastInsertId()
}

// LinkDiagnosis points a user's diagnosis record at planID. Returns false when no such record exists.
func (r *PlanRepository) LinkDiagnosis(ctx context.Context, userID, diagnosisID, planID int64) (bool, error) {
	res, err := r.db.ExecContext(ctx,
		`UPDATE diagnoses SET plan_id = ? WHERE id = ? AND user_id = ?`, planID, diagnosisID, userID)
	if err != nil {
		return false, fmt.Errorf("failed to link diagnosis %d: %w", diagnosisID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

// CreateCase inserts a case snapshot.
func (r *PlanRepository) CreateCase(ctx context.Context, c *Case) error {
	raw, err := json.Marshal(c.Raw)
	if err != nil {
		return fmt.Errorf("failed to marshal case diagnosis: %w", err)
	}
	c.CreatedAt = time.Now().UTC()
	res, err := r.db.ExecContext(ctx,
		`INSERT INTO cases (user_id, object_id, crop, disease, confidence, raw_diagnosis, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		c.UserID, c.ObjectID, c.Crop, c.Disease, c.Confidence, string(raw), c.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to create case: %w", err)
	}
	c.ID, err = res.LastInsertId()
	return err
}

// CountCases returns how many cases exist for an object.
func (r *PlanRepository) CountCases(ctx context.Context, objectID int64) (int, error) {
	var n int
	if err := r.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM cases WHERE object_id = ?`, objectID).Scan(&n); err != nil {
		return 0, fmt.Errorf("failed to count cases: %w", err)
	}
	return n, nil
}

// Save inserts the plan with its stages and options in one transaction.
func (r *PlanRepository) Save(ctx context.Context, p *Plan) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin plan save: %w", err)
	}
	defer tx.Rollback()

	var planErrors any
	if len(p.PlanErrors) > 0 {
		raw, err := json.Marshal(p.PlanErrors)
		if err != nil {
			return fmt.Errorf("failed to marshal plan errors: %w", err)
		}
		planErrors = string(raw)
	}
	var payload any
	if len(p.Payload) > 0 {
		payload = string(p.Payload)
	}

	p.CreatedAt = time.Now().UTC()
	res, err := tx.ExecContext(ctx,
		`INSERT INTO plans (user_id, object_id, case_id, title, status, version, hash, source, payload, plan_kind, plan_errors, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		p.UserID, p.ObjectID, p.CaseID, p.Title, p.Status, p.Version, nullString(p.Hash), p.Source,
		payload, p.PlanKind, planErrors, p.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to insert plan: %w", err)
	}
	if p.ID, err = res.LastInsertId(); err != nil {
		return err
	}

	for i, s := range p.Stages {
		meta, err := json.Marshal(s.Meta)
		if err != nil {
			return fmt.Errorf("failed to marshal stage meta: %w", err)
		}
		res, err := tx.ExecContext(ctx,
			`INSERT INTO plan_stages (plan_id, position, title, kind, note, phi_days, meta) VALUES (?, ?, ?, ?, ?, ?, ?)`,
			p.ID, i, s.Title, s.Kind, s.Note, s.PHIDays, string(meta),
		)
		if err != nil {
			return fmt.Errorf("failed to insert stage %q: %w", s.Title, err)
		}
		stageID, err := res.LastInsertId()
		if err != nil {
			return err
		}
		for j, o := range s.Options {
			ometa, err := json.Marshal(o.Meta)
			if err != nil {
				return fmt.Errorf("failed to marshal option meta: %w", err)
			}
			if _, err := tx.ExecContext(ctx,
				`INSERT INTO plan_options (stage_id, position, product, active_ingredient, dose_value, dose_unit, method, meta)
				VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
				stageID, j, o.Product, o.ActiveIngredient, o.DoseValue, o.DoseUnit, o.Method, string(ometa),
			); err != nil {
				return fmt.Errorf("failed to insert option for stage %q: %w", s.Title, err)
			}
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit plan: %w", err)
	}
	return nil
}

const planColumns = `id, user_id, object_id, case_id, title, status, version, hash, source, payload, plan_kind, plan_errors, created_at`

// Get retrieves a plan with its stages. Returns nil, nil when missing.
func (r *PlanRepository) Get(ctx context.Context, id int64) (*Plan, error) {
	return r.queryOne(ctx, `SELECT `+planColumns+` FROM plans WHERE id = ?`, id)
}

// FindByHash returns the plan for (user, object, hash). Returns nil, nil when none exists.
func (r *PlanRepository) FindByHash(ctx context.Context, userID, objectID int64, hash string) (*Plan, error) {
	return r.queryOne(ctx,
		`SELECT `+planColumns+` FROM plans WHERE user_id = ? AND object_id = ? AND hash = ?`,
		userID, objectID, hash)
}

// LatestCommitted returns the highest-version accepted or scheduled plan on an object.
func (r *PlanRepository) LatestCommitted(ctx context.Context, objectID int64) (*Plan, error) {
	return r.queryOne(ctx,
		`SELECT `+planColumns+` FROM plans WHERE object_id = ? AND status IN (?, ?)
		ORDER BY version DESC, id DESC LIMIT 1`,
		objectID, StatusAccepted, StatusScheduled)
}

// SetStatus moves a plan to status.
func (r *PlanRepository) SetStatus(ctx context.Context, id int64, status Status) error {
	if _, err := r.db.ExecContext(ctx, `UPDATE plans SET status = ? WHERE id = ?`, status, id); err != nil {
		return fmt.Errorf("failed to set plan %d status: %w", id, err)
	}
	return nil
}

func (r *PlanRepository) queryOne(ctx context.Context, query string, args ...any) (*Plan, error) {
	p, err := scanPlan(r.db.QueryRowContext(ctx, query, args...))
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, err
	}
	if p.Stages, err = r.stages(ctx, p.ID); err != nil {
		return nil, err
	}
	return p, nil
}

func (r *PlanRepository) stages(ctx context.Context, planID int64) ([]StageDef, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT s.id, s.title, s.kind, s.note, s.phi_days, s.meta,
			o.product, o.active_ingredient, o.dose_value, o.dose_unit, o.method, o.meta
		FROM plan_stages s LEFT JOIN plan_options o ON o.stage_id = s.id
		WHERE s.plan_id = ?
		ORDER BY s.position, o.position`, planID)
	if err != nil {
		return nil, fmt.Errorf("failed to load stages for plan %d: %w", planID, err)
	}
	defer rows.Close()

	var (
		out    []StageDef
		lastID int64 = -1
	)
	for rows.Next() {
		var (
			stageID           int64
			s                 StageDef
			phi               sql.NullInt64
			smeta             string
			product, ai, unit sql.NullString
			method, ometa     sql.NullString
			dose              sql.NullFloat64
		)
		if err := rows.Scan(&stageID, &s.Title, &s.Kind, &s.Note, &phi, &smeta,
			&product, &ai, &dose, &unit, &method, &ometa); err != nil {
			return nil, fmt.Errorf("failed to scan stage: %w", err)
		}
		if stageID != lastID {
			if phi.Valid {
				v := int(phi.Int64)
				s.PHIDays = &v
			}
			if err := json.Unmarshal([]byte(smeta), &s.Meta); err != nil {
				return nil, fmt.Errorf("failed to unmarshal stage meta: %w", err)
			}
			s.Options = []OptionDef{}
			out = append(out, s)
			lastID = stageID
		}
		if !product.Valid {
			continue
		}
		o := OptionDef{Product: product.String, ActiveIngredient: ai.String, DoseUnit: unit.String, Method: method.String}
		if dose.Valid {
			v := dose.Float64
			o.DoseValue = &v
		}
		if ometa.Valid && ometa.String != "" {
			if err := json.Unmarshal([]byte(ometa.String), &o.Meta); err != nil {
				return nil, fmt.Errorf("failed to unmarshal option meta: %w", err)
			}
		}
		cur := &out[len(out)-1]
		cur.Options = append(cur.Options, o)
	}
	return out, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanPlan(row rowScanner) (*Plan, error) {
	var (
		p          Plan
		hash       sql.NullString
		payload    sql.NullString
		planErrors sql.NullString
	)
	err := row.Scan(&p.ID, &p.UserID, &p.ObjectID, &p.CaseID, &p.Title, &p.Status, &p.Version,
		&hash, &p.Source, &payload, &p.PlanKind, &planErrors, &p.CreatedAt)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, err
		}
		return nil, fmt.Errorf("failed to scan plan: %w", err)
	}
	p.Hash = hash.String
	if payload.Valid {
		p.Payload = []byte(payload.String)
	}
	if planErrors.Valid && planErrors.String != "" {
		if err := json.Unmarshal([]byte(planErrors.String), &p.PlanErrors); err != nil {
			return nil, fmt.Errorf("failed to unmarshal plan errors: %w", err)
		}
	}
	return &p, nil
}

func nullString(s string) any {
	if s == "" {
		return nil
	}
	return s
}
