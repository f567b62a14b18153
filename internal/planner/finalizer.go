// Package planner generates treatment stages and commits plans idempotently.
package planner

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"plant-treatment-planner/internal/database"
	"plant-treatment-planner/internal/diagnosis"
	"plant-treatment-planner/internal/objects"
	"plant-treatment-planner/internal/shared"
	"plant-treatment-planner/internal/users"
)

// ObjectLookup reads plant objects by id.
type ObjectLookup interface {
	GetByID(ctx context.Context, id int64) (*objects.PlanObject, error)
}

// Store persists cases and plans.
type Store interface {
	CreateCase(ctx context.Context, c *Case) error
	FindByHash(ctx context.Context, userID, objectID int64, hash string) (*Plan, error)
	LatestCommitted(ctx context.Context, objectID int64) (*Plan, error)
	Save(ctx context.Context, p *Plan) error
	Get(ctx context.Context, id int64) (*Plan, error)
	SetStatus(ctx context.Context, id int64, status Status) error
	LinkDiagnosis(ctx context.Context, userID, diagnosisID, planID int64) (bool, error)
}

// Generator produces the stage list for a plan.
type Generator interface {
	CollectStageDefinitions(ctx context.Context, diag diagnosis.Payload, obj *objects.PlanObject) *Generated
}

// Result is the outcome of a finalize call.
type Result struct {
	Plan      *Plan
	Case      *Case
	Duplicate bool
	// Diff is set for PLAN_UPDATE when a previous committed plan exists.
	Diff *Diff
	// FallbackStages lists stage titles whose option was synthesized.
	FallbackStages []string
}

// Finalizer is the commit path from a bound diagnosis to a stored plan.
type Finalizer struct {
	objects   ObjectLookup
	plans     Store
	generator Generator
	logger    *slog.Logger
}

// NewFinalizer creates a Finalizer.
func NewFinalizer(objects ObjectLookup, plans Store, generator Generator, logger *slog.Logger) *Finalizer {
	if logger == nil {
		logger = slog.Default()
	}
	return &Finalizer{objects: objects, plans: plans, generator: generator, logger: logger}
}

// CheckOwnership loads objectID and verifies user owns it.
func (f *Finalizer) CheckOwnership(ctx context.Context, user *users.User, objectID int64) (*objects.PlanObject, error) {
	const op = "planner.CheckOwnership"

	obj, err := f.objects.GetByID(ctx, objectID)
	if err != nil {
		return nil, shared.DataServiceError(op, err)
	}
	if obj == nil {
		return nil, shared.NewError(shared.ErrObjectNotFound, op, fmt.Errorf("object %d", objectID))
	}
	if obj.UserID != user.ID {
		return nil, shared.NewError(shared.ErrObjectNotOwned, op, fmt.Errorf("object %d belongs to user %d", objectID, obj.UserID))
	}
	return obj, nil
}

// FinalizePlan commits a plan for diag on objectID.
// A plan with the same (user, object, hash) is returned as a duplicate instead of
// being created again. The case snapshot is recorded either way.
func (f *Finalizer) FinalizePlan(ctx context.Context, user *users.User, objectID int64, diag diagnosis.Payload) (*Result, error) {
	const op = "planner.FinalizePlan"

	obj, err := f.CheckOwnership(ctx, user, objectID)
	if err != nil {
		return nil, err
	}

	kind := diag.PlanKind.ForFinalize()

	c := &Case{
		UserID:     user.ID,
		ObjectID:   obj.ID,
		Crop:       diag.Crop,
		Disease:    diag.Disease,
		Confidence: diag.Confidence,
		Raw:        diag,
	}
	if err := f.plans.CreateCase(ctx, c); err != nil {
		return nil, shared.DataServiceError(op, err)
	}

	hash := diag.EffectiveHash()
	if hash != "" {
		existing, err := f.plans.FindByHash(ctx, user.ID, obj.ID, hash)
		if err != nil {
			return nil, shared.DataServiceError(op, err)
		}
		if existing != nil {
			return f.duplicate(ctx, existing, c, kind)
		}
	}

	version := 1
	var prev *Plan
	if kind == diagnosis.PlanUpdate {
		if prev, err = f.plans.LatestCommitted(ctx, obj.ID); err != nil {
			return nil, shared.DataServiceError(op, err)
		}
		if prev != nil {
			version = prev.Version + 1
		}
	}

	gen := f.generator.CollectStageDefinitions(ctx, diag, obj)
	if len(gen.Stages) == 0 {
		return nil, shared.NewError(shared.ErrPlanGenerationEmpty, op,
			fmt.Errorf("no stages for %s/%s on object %d", diag.Crop, diag.Disease, obj.ID))
	}

	plan := &Plan{
		UserID:     user.ID,
		ObjectID:   obj.ID,
		CaseID:     c.ID,
		Title:      planTitle(obj, diag),
		Status:     StatusProposed,
		Version:    version,
		Hash:       hash,
		Source:     gen.Source,
		PlanKind:   kind,
		PlanErrors: gen.Notices,
		Stages:     gen.Stages,
	}
	if gen.Source == SourceAI {
		if plan.Payload, err = json.Marshal(diag.PlanMachine); err != nil {
			return nil, shared.DataServiceError(op, err)
		}
	}

	if err := f.plans.Save(ctx, plan); err != nil {
		if hash != "" && database.IsUniqueViolation(err) {
			// Lost a race with a concurrent finalize for the same hash.
			existing, ferr := f.plans.FindByHash(ctx, user.ID, obj.ID, hash)
			if ferr == nil && existing != nil {
				return f.duplicate(ctx, existing, c, kind)
			}
			err = errors.Join(err, ferr)
		}
		return nil, shared.DataServiceError(op, err)
	}

	f.linkDiagnosis(ctx, user, diag, plan)

	res := &Result{Plan: plan, Case: c, FallbackStages: gen.FallbackTitles()}
	if prev != nil {
		d := DiffStages(prev.Stages, plan.Stages)
		res.Diff = &d
	}

	f.logger.Info("plan committed",
		"user_id", user.ID, "object_id", obj.ID, "plan_id", plan.ID,
		"version", plan.Version, "source", plan.Source, "fallback_stages", len(res.FallbackStages))
	return res, nil
}

// duplicate re-presents an existing plan as is. Its stages are not regenerated.
func (f *Finalizer) duplicate(ctx context.Context, existing *Plan, c *Case, kind diagnosis.PlanKind) (*Result, error) {
	res := &Result{Plan: existing, Case: c, Duplicate: true}
	if kind == diagnosis.PlanUpdate {
		prev, err := f.plans.LatestCommitted(ctx, existing.ObjectID)
		if err != nil {
			return nil, shared.DataServiceError("planner.FinalizePlan", err)
		}
		if prev != nil && prev.ID != existing.ID {
			d := DiffStages(prev.Stages, existing.Stages)
			res.Diff = &d
		}
	}
	f.logger.Info("duplicate plan re-presented",
		"user_id", existing.UserID, "object_id", existing.ObjectID, "plan_id", existing.ID, "case_id", c.ID)
	return res, nil
}

func (f *Finalizer) linkDiagnosis(ctx context.Context, user *users.User, diag diagnosis.Payload, plan *Plan) {
	if diag.RecentDiagnosisID == nil {
		return
	}
	linked, err := f.plans.LinkDiagnosis(ctx, user.ID, *diag.RecentDiagnosisID, plan.ID)
	if err != nil {
		f.logger.Warn("failed to link diagnosis", "user_id", user.ID, "plan_id", plan.ID,
			"diagnosis_id", *diag.RecentDiagnosisID, "error", err)
		return
	}
	if !linked {
		f.logger.Debug("no diagnosis record to link", "user_id", user.ID, "diagnosis_id", *diag.RecentDiagnosisID)
	}
}

// AcceptPlan marks a proposed plan as accepted by its owner.
func (f *Finalizer) AcceptPlan(ctx context.Context, user *users.User, planID int64) (*Plan, error) {
	const op = "planner.AcceptPlan"

	plan, err := f.plans.Get(ctx, planID)
	if err != nil {
		return nil, shared.DataServiceError(op, err)
	}
	if plan == nil {
		return nil, shared.NewError(shared.ErrObjectNotFound, op, fmt.Errorf("plan %d", planID))
	}
	if plan.UserID != user.ID {
		return nil, shared.NewError(shared.ErrObjectNotOwned, op, fmt.Errorf("plan %d belongs to user %d", planID, plan.UserID))
	}
	if plan.Status != StatusProposed {
		return plan, nil
	}
	if err := f.plans.SetStatus(ctx, planID, StatusAccepted); err != nil {
		return nil, shared.DataServiceError(op, err)
	}
	plan.Status = StatusAccepted
	return plan, nil
}

func planTitle(obj *objects.PlanObject, diag diagnosis.Payload) string {
	disease := diag.DiseaseLabel()
	if disease == "" {
		return obj.Name
	}
	return strings.TrimSpace(obj.Name + ": " + disease)
}
