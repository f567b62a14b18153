package session

import (
	"context"
	"time"

	"plant-treatment-planner/internal/diagnosis"
)

// Step is the wizard step a session is parked at.
type Step string

const (
	StepChooseObject  Step = "choose_object"
	StepConfirmObject Step = "confirm_object"
	StepCreateObject  Step = "create_object"
	StepFinalize      Step = "finalize"
	StepTimeIdle      Step = "time_idle"
)

// State is step-local scratch data persisted with the session.
type State struct {
	SelectedObjectID   *int64            `json:"selected_object_id,omitempty"`
	CandidateObjectIDs []int64           `json:"candidate_object_ids,omitempty"`
	Extra              map[string]string `json:"extra,omitempty"`
}

// Session represents an in-flight plan wizard run for one user.
type Session struct {
	ID                int64             `json:"id"`
	UserID            int64             `json:"user_id"`
	Token             string            `json:"token"`
	Diagnosis         diagnosis.Payload `json:"diagnosis_payload"`
	RecentDiagnosisID *int64            `json:"recent_diagnosis_id,omitempty"`
	ObjectID          *int64            `json:"object_id,omitempty"`
	PlanID            *int64            `json:"plan_id,omitempty"`
	CurrentStep       Step              `json:"current_step"`
	State             State             `json:"state"`
	ExpiresAt         time.Time         `json:"expires_at"`
	CreatedAt         time.Time         `json:"created_at"`
}

// Expired reports whether the session is past its deadline at now.
func (s *Session) Expired(now time.Time) bool {
	return now.After(s.ExpiresAt)
}

// NewSession is what a caller hands to Create.
type NewSession struct {
	Token             string            `json:"token"`
	Diagnosis         diagnosis.Payload `json:"diagnosis_payload"`
	RecentDiagnosisID *int64            `json:"recent_diagnosis_id,omitempty"`
	ObjectID          *int64            `json:"object_id,omitempty"`
	PlanID            *int64            `json:"plan_id,omitempty"`
	CurrentStep       Step              `json:"current_step"`
	State             State             `json:"state"`
	ExpiresAt         time.Time         `json:"expires_at"`
}

// Patch lists the mutable session fields. Nil fields are left untouched.
type Patch struct {
	ObjectID    *int64     `json:"object_id,omitempty"`
	PlanID      *int64     `json:"plan_id,omitempty"`
	CurrentStep *Step      `json:"current_step,omitempty"`
	State       *State     `json:"state,omitempty"`
	ExpiresAt   *time.Time `json:"expires_at,omitempty"`
}

// Apply copies the patch onto s.
func (p Patch) Apply(s *Session) {
	if p.ObjectID != nil {
		s.ObjectID = p.ObjectID
	}
	if p.PlanID != nil {
		s.PlanID = p.PlanID
	}
	if p.CurrentStep != nil {
		s.CurrentStep = *p.CurrentStep
	}
	if p.State != nil {
		s.State = *p.State
	}
	if p.ExpiresAt != nil {
		s.ExpiresAt = *p.ExpiresAt
	}
}

// Backend is a session store. Fetch methods return nil, nil when nothing matches.
// Both the embedded SQLite store and the remote session service implement it fully.
type Backend interface {
	Create(ctx context.Context, userID int64, in NewSession) (*Session, error)
	FetchLatest(ctx context.Context, userID int64) (*Session, error)
	FetchByToken(ctx context.Context, userID int64, token string) (*Session, error)
	Update(ctx context.Context, s *Session, patch Patch) error
	Delete(ctx context.Context, s *Session) error
	DeleteAllForUser(ctx context.Context, userID int64) error
	DeleteForPlan(ctx context.Context, userID, planID int64) error
}
