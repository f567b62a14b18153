package catalog

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
)

// Product is one registered product use: a product applied against a disease on a crop.
// Empty scope columns mean "any".
type Product struct {
	ID               int64
	Product          string
	ActiveIngredient string
	Crop             string
	Disease          string
	Region           string
	StageKind        string
	DoseValue        *float64
	DoseUnit         string
	Method           string
	PHIDays          *int
}

// OptionQuery scopes a product suggestion.
type OptionQuery struct {
	Crop      string
	Disease   string
	Region    string
	StageKind string
	Limit     int
}

// ProductStore is a database-backed product registry.
type ProductStore struct {
	db *sql.DB
}

// NewProductStore creates a new ProductStore.
func NewProductStore(d *sql.DB) *ProductStore {
	return &ProductStore{db: d}
}

// Upsert inserts or replaces products keyed by (product, crop, disease, region, stage kind).
func (s *ProductStore) Upsert(ctx context.Context, products []Product) (int, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("failed to begin product import: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO products (product, active_ingredient, crop, disease, region, stage_kind, dose_value, dose_unit, method, phi_days)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(product, crop, disease, region, stage_kind) DO UPDATE SET
			active_ingredient = excluded.active_ingredient,
			dose_value = excluded.dose_value,
			dose_unit = excluded.dose_unit,
			method = excluded.method,
			phi_days = excluded.phi_days`)
	if err != nil {
		return 0, fmt.Errorf("failed to prepare product upsert: %w", err)
	}
	defer stmt.Close()

	n := 0
	for _, p := range products {
		if strings.TrimSpace(p.Product) == "" {
			continue
		}
		if _, err := stmt.ExecContext(ctx,
			strings.TrimSpace(p.Product), strings.TrimSpace(p.ActiveIngredient),
			normalize(p.Crop), normalize(p.Disease), normalize(p.Region), normalize(p.StageKind),
			p.DoseValue, p.DoseUnit, p.Method, p.PHIDays,
		); err != nil {
			return 0, fmt.Errorf("failed to upsert product %q: %w", p.Product, err)
		}
		n++
	}
	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("failed to commit product import: %w", err)
	}
	return n, nil
}

// SuggestOptions returns up to q.Limit products for the scope, most specific first.
func (s *ProductStore) SuggestOptions(ctx context.Context, q OptionQuery) ([]Product, error) {
	limit := q.Limit
	if limit <= 0 {
		limit = DefaultOptionLimit
	}
	crop, disease, region, kind := normalize(q.Crop), normalize(q.Disease), normalize(q.Region), normalize(q.StageKind)

	rows, err := s.db.QueryContext(ctx, `
		SELECT id, product, active_ingredient, crop, disease, region, stage_kind, dose_value, dose_unit, method, phi_days
		FROM products
		WHERE (crop = '' OR crop = ?)
		  AND (disease = '' OR disease = ?)
		  AND (region = '' OR region = ?)
		  AND (stage_kind = '' OR stage_kind = ?)
		ORDER BY (crop != '') + (disease != '') + (region != '') + (stage_kind != '') DESC, id
		LIMIT ?`,
		crop, disease, region, kind, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to query products: %w", err)
	}
	defer rows.Close()

	var out []Product
	for rows.Next() {
		var (
			p    Product
			dose sql.NullFloat64
			phi  sql.NullInt64
		)
		if err := rows.Scan(&p.ID, &p.Product, &p.ActiveIngredient, &p.Crop, &p.Disease, &p.Region, &p.StageKind,
			&dose, &p.DoseUnit, &p.Method, &phi); err != nil {
			return nil, fmt.Errorf("failed to scan product: %w", err)
		}
		if dose.Valid {
			v := dose.Float64
			p.DoseValue = &v
		}
		if phi.Valid {
			v := int(phi.Int64)
			p.PHIDays = &v
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

// Count returns the number of registered products.
func (s *ProductStore) Count(ctx context.Context) (int, error) {
	var n int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM products`).Scan(&n); err != nil {
		return 0, fmt.Errorf("failed to count products: %w", err)
	}
	return n, nil
}

// Service combines the rule table and the product registry.
type Service struct {
	rules    *Rules
	products *ProductStore
}

// NewService creates a catalog Service.
func NewService(rules *Rules, products *ProductStore) *Service {
	return &Service{rules: rules, products: products}
}

// SuggestStages returns the stage list for crop and disease.
func (s *Service) SuggestStages(ctx context.Context, crop, disease string) ([]Stage, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return s.rules.Lookup(crop, disease), nil
}

// SuggestOptions returns product options for one stage.
func (s *Service) SuggestOptions(ctx context.Context, q OptionQuery) ([]Product, error) {
	return s.products.SuggestOptions(ctx, q)
}
