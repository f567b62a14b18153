// Package wizard runs the plan wizard: it binds a diagnosis to an object,
// keeps the in-flight state in a session and commits the plan on confirmation.
package wizard

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"plant-treatment-planner/internal/diagnosis"
	"plant-treatment-planner/internal/objects"
	"plant-treatment-planner/internal/planner"
	"plant-treatment-planner/internal/session"
	"plant-treatment-planner/internal/shared"
	"plant-treatment-planner/internal/users"
)

// StepCancelled is the terminal step reported after a cancel action. It is never persisted.
const StepCancelled session.Step = "cancelled"

// Sessions is the session repository the controller drives.
type Sessions interface {
	Create(ctx context.Context, userID int64, in session.NewSession) (*session.Session, error)
	FetchLatest(ctx context.Context, userID int64) (*session.Session, error)
	FetchByToken(ctx context.Context, userID int64, token string) (*session.Session, error)
	Update(ctx context.Context, s *session.Session, patch session.Patch) error
	Delete(ctx context.Context, s *session.Session) error
	Now() time.Time
}

// Users resolves gateway identities.
type Users interface {
	Resolve(ctx context.Context, handle, username string) (*users.User, error)
}

// Objects lists and creates plant objects.
type Objects interface {
	List(ctx context.Context, userID int64) ([]objects.PlanObject, error)
	Create(ctx context.Context, userID int64, in objects.NewObject) (*objects.PlanObject, error)
}

// Binder picks the primary object for a diagnosis.
type Binder interface {
	EnsurePrimaryObject(ctx context.Context, user *users.User, diag diagnosis.Payload) (*objects.Primary, error)
}

// Finalizer commits plans.
type Finalizer interface {
	CheckOwnership(ctx context.Context, user *users.User, objectID int64) (*objects.PlanObject, error)
	FinalizePlan(ctx context.Context, user *users.User, objectID int64, diag diagnosis.Payload) (*planner.Result, error)
	AcceptPlan(ctx context.Context, user *users.User, planID int64) (*planner.Plan, error)
}

// Recorder receives one observation per handled step.
type Recorder interface {
	RecordStep(ctx context.Context, step, action, outcome string, latency time.Duration)
}

// Config tunes the controller.
type Config struct {
	ConfidenceThreshold float64
	// ConfirmSingleObject prompts even when the user has exactly one object.
	ConfirmSingleObject bool
}

// Outcome is what a wizard call produced.
type Outcome struct {
	Step    session.Step
	Token   string
	Prompt  *Prompt
	Result  *planner.Result
	Skipped bool
}

// Controller is the wizard state machine.
type Controller struct {
	sessions  Sessions
	users     Users
	objects   Objects
	binder    Binder
	finalizer Finalizer
	gateway   Gateway
	recorder  Recorder
	cfg       Config
	logger    *slog.Logger
}

// Deps groups the controller's collaborators.
type Deps struct {
	Sessions  Sessions
	Users     Users
	Objects   Objects
	Binder    Binder
	Finalizer Finalizer
	Gateway   Gateway
	Recorder  Recorder
	Logger    *slog.Logger
}

// NewController creates a Controller.
func NewController(d Deps, cfg Config) *Controller {
	if cfg.ConfidenceThreshold <= 0 {
		cfg.ConfidenceThreshold = diagnosis.DefaultConfidenceThreshold
	}
	if d.Logger == nil {
		d.Logger = slog.Default()
	}
	if d.Recorder == nil {
		d.Recorder = nopRecorder{}
	}
	return &Controller{
		sessions:  d.Sessions,
		users:     d.Users,
		objects:   d.Objects,
		binder:    d.Binder,
		finalizer: d.Finalizer,
		gateway:   d.Gateway,
		recorder:  d.Recorder,
		cfg:       cfg,
		logger:    d.Logger,
	}
}

// StartWizard begins a plan wizard for a fresh diagnosis.
// Low-confidence and conversational diagnoses are skipped without side effects.
func (c *Controller) StartWizard(ctx context.Context, id Identity, diag diagnosis.Payload) (*Outcome, error) {
	started := time.Now()
	if !diag.Actionable(c.cfg.ConfidenceThreshold) {
		c.logger.Debug("diagnosis skipped", "handle", id.Handle, "confidence", diag.Confidence, "plan_kind", diag.PlanKind)
		c.recorder.RecordStep(ctx, "start", "start", "skipped", time.Since(started))
		return &Outcome{Skipped: true}, nil
	}

	out, user, err := c.start(ctx, id, diag)
	return c.finish(ctx, id, user, "start", "start", "", out, err, started)
}

func (c *Controller) start(ctx context.Context, id Identity, diag diagnosis.Payload) (*Outcome, *users.User, error) {
	user, err := c.resolve(ctx, id)
	if err != nil {
		return nil, nil, err
	}
	out, err := c.startFor(ctx, id, user, diag)
	return out, user, err
}

func (c *Controller) startFor(ctx context.Context, id Identity, user *users.User, diag diagnosis.Payload) (*Outcome, error) {
	const op = "wizard.StartWizard"

	var (
		primary *objects.PlanObject
		list    []objects.PlanObject
	)
	if diag.ObjectID != nil {
		obj, err := c.finalizer.CheckOwnership(ctx, user, *diag.ObjectID)
		if err != nil {
			return nil, err
		}
		if list, err = c.objects.List(ctx, user.ID); err != nil {
			return nil, shared.DataServiceError(op, err)
		}
		primary = obj
	} else {
		res, err := c.binder.EnsurePrimaryObject(ctx, user, diag)
		if err != nil {
			return nil, err
		}
		primary, list = res.Object, res.Objects
	}

	if len(list) <= 1 && !c.cfg.ConfirmSingleObject {
		return c.commit(ctx, id, user, primary.ID, diag)
	}

	s, err := c.sessions.Create(ctx, user.ID, session.NewSession{
		Diagnosis:         diag,
		RecentDiagnosisID: diag.RecentDiagnosisID,
		ObjectID:          &primary.ID,
		CurrentStep:       session.StepChooseObject,
		State:             session.State{CandidateObjectIDs: objectIDs(list)},
	})
	if err != nil {
		return nil, shared.DataServiceError(op, err)
	}

	p := &Prompt{
		Kind:    PromptChooseObject,
		Token:   s.Token,
		Object:  primary,
		Objects: list,
		Choices: []Choice{
			{Action: ActionConfirm, ObjectID: &primary.ID},
			{Action: ActionChoose},
			{Action: ActionCreate},
		},
	}
	c.send(ctx, id, *p)
	return &Outcome{Step: session.StepChooseObject, Token: s.Token, Prompt: p}, nil
}

// HandleAction applies an inbound action to the session identified by token,
// or to the user's latest session when token is empty.
func (c *Controller) HandleAction(ctx context.Context, id Identity, action Action, args Args, token string) (*Outcome, error) {
	started := time.Now()
	var (
		user *users.User
		step string
		out  *Outcome
		err  error
	)
	user, err = c.resolve(ctx, id)
	if err == nil {
		out, step, err = c.handle(ctx, id, user, action, args, token)
	}
	return c.finish(ctx, id, user, step, string(action), token, out, err, started)
}

func (c *Controller) handle(ctx context.Context, id Identity, user *users.User, action Action, args Args, token string) (*Outcome, string, error) {
	const op = "wizard.HandleAction"

	if args.ObjectID != nil {
		if _, err := c.finalizer.CheckOwnership(ctx, user, *args.ObjectID); err != nil {
			return nil, "", err
		}
	}

	s, err := c.load(ctx, user, token)
	if err != nil {
		return nil, "", err
	}
	step := string(s.CurrentStep)

	switch action {
	case ActionCancel:
		if err := c.sessions.Delete(ctx, s); err != nil {
			return nil, step, shared.DataServiceError(op, err)
		}
		p := &Prompt{Kind: PromptCancelled}
		c.send(ctx, id, *p)
		return &Outcome{Step: StepCancelled, Prompt: p}, step, nil

	case ActionRestart:
		if err := c.sessions.Delete(ctx, s); err != nil {
			return nil, step, shared.DataServiceError(op, err)
		}
		out, err := c.startFor(ctx, id, user, s.Diagnosis)
		return out, step, err
	}

	if s.CurrentStep == session.StepTimeIdle {
		return nil, step, shared.NewError(shared.ErrButtonExpired, op, fmt.Errorf("%s on idle session", action))
	}

	switch action {
	case ActionChoose:
		out, err := c.choose(ctx, id, user, s)
		return out, step, err
	case ActionPick:
		out, err := c.pick(ctx, id, s, args)
		return out, step, err
	// Both branches run the finalize step; they are labelled by the step they execute.
	case ActionConfirm:
		out, err := c.confirm(ctx, id, user, s, args)
		return out, string(session.StepFinalize), err
	case ActionCreate:
		out, err := c.create(ctx, id, user, s, args)
		return out, string(session.StepCreateObject), err
	}
	return nil, step, shared.NewError(shared.ErrNoContext, op, fmt.Errorf("unknown action %q", action))
}

// load resolves the session an action applies to and rejects expired ones.
func (c *Controller) load(ctx context.Context, user *users.User, token string) (*session.Session, error) {
	const op = "wizard.load"

	var (
		s   *session.Session
		err error
	)
	if token != "" {
		if s, err = c.sessions.FetchByToken(ctx, user.ID, token); err != nil {
			return nil, shared.DataServiceError(op, err)
		}
		if s == nil {
			return nil, shared.NewError(shared.ErrButtonExpired, op, nil)
		}
	} else {
		if s, err = c.sessions.FetchLatest(ctx, user.ID); err != nil {
			return nil, shared.DataServiceError(op, err)
		}
		if s == nil {
			return nil, shared.NewError(shared.ErrNoRecentDiagnosis, op, nil)
		}
	}

	if s.Expired(c.sessions.Now()) {
		if err := c.sessions.Delete(ctx, s); err != nil {
			return nil, shared.DataServiceError(op, err)
		}
		return nil, shared.NewError(shared.ErrSessionExpired, op, fmt.Errorf("expired at %s", s.ExpiresAt.Format(time.RFC3339)))
	}
	return s, nil
}

// choose re-lists objects for picking. The session stays usable.
func (c *Controller) choose(ctx context.Context, id Identity, user *users.User, s *session.Session) (*Outcome, error) {
	const op = "wizard.choose"

	list, err := c.objects.List(ctx, user.ID)
	if err != nil {
		return nil, shared.DataServiceError(op, err)
	}
	step := session.StepConfirmObject
	state := s.State
	state.CandidateObjectIDs = objectIDs(list)
	if err := c.sessions.Update(ctx, s, session.Patch{CurrentStep: &step, State: &state}); err != nil {
		return nil, shared.DataServiceError(op, err)
	}

	p := &Prompt{Kind: PromptPickObject, Token: s.Token, Objects: list}
	for i := range list {
		p.Choices = append(p.Choices, Choice{Action: ActionPick, ObjectID: &list[i].ID})
	}
	p.Choices = append(p.Choices, Choice{Action: ActionCreate}, Choice{Action: ActionCancel})
	c.send(ctx, id, *p)
	return &Outcome{Step: step, Token: s.Token, Prompt: p}, nil
}

// pick stores the chosen object and waits for confirmation.
func (c *Controller) pick(ctx context.Context, id Identity, s *session.Session, args Args) (*Outcome, error) {
	const op = "wizard.pick"

	if args.ObjectID == nil {
		return nil, shared.NewError(shared.ErrNoContext, op, errors.New("pick without object"))
	}
	step := session.StepConfirmObject
	state := s.State
	state.SelectedObjectID = args.ObjectID
	if err := c.sessions.Update(ctx, s, session.Patch{CurrentStep: &step, State: &state, ObjectID: args.ObjectID}); err != nil {
		return nil, shared.DataServiceError(op, err)
	}

	p := &Prompt{
		Kind:    PromptConfirmObject,
		Token:   s.Token,
		Object:  c.findObject(ctx, s.UserID, *args.ObjectID),
		Choices: []Choice{{Action: ActionConfirm, ObjectID: args.ObjectID}, {Action: ActionChoose}, {Action: ActionCancel}},
	}
	c.send(ctx, id, *p)
	return &Outcome{Step: step, Token: s.Token, Prompt: p}, nil
}

// confirm consumes the session and commits the plan.
func (c *Controller) confirm(ctx context.Context, id Identity, user *users.User, s *session.Session, args Args) (*Outcome, error) {
	const op = "wizard.confirm"

	objectID := args.ObjectID
	if objectID == nil {
		objectID = s.State.SelectedObjectID
	}
	if objectID == nil {
		objectID = s.ObjectID
	}
	if objectID == nil {
		return nil, shared.NewError(shared.ErrNoContext, op, errors.New("no object bound to session"))
	}

	if err := c.sessions.Delete(ctx, s); err != nil {
		return nil, shared.DataServiceError(op, err)
	}
	return c.commit(ctx, id, user, *objectID, s.Diagnosis)
}

// create consumes the session, creates a new object and commits the plan on it.
func (c *Controller) create(ctx context.Context, id Identity, user *users.User, s *session.Session, args Args) (*Outcome, error) {
	const op = "wizard.create"

	if err := c.sessions.Delete(ctx, s); err != nil {
		return nil, shared.DataServiceError(op, err)
	}

	name := strings.TrimSpace(args.Name)
	if name == "" {
		name = s.Diagnosis.CropLabel()
	}
	if name == "" {
		name = objects.DefaultObjectName
	}
	obj, err := c.objects.Create(ctx, user.ID, objects.NewObject{
		Name:        name,
		Type:        strings.TrimSpace(s.Diagnosis.Crop),
		LocationTag: strings.TrimSpace(s.Diagnosis.Region),
		Meta:        map[string]any{"source": "wizard"},
	})
	if err != nil {
		return nil, shared.DataServiceError(op, err)
	}
	return c.commit(ctx, id, user, obj.ID, s.Diagnosis)
}

// commit finalizes the plan and parks a time_idle session on it.
func (c *Controller) commit(ctx context.Context, id Identity, user *users.User, objectID int64, diag diagnosis.Payload) (*Outcome, error) {
	res, err := c.finalizer.FinalizePlan(ctx, user, objectID, diag)
	if err != nil {
		return nil, err
	}

	out := &Outcome{Step: session.StepTimeIdle, Result: res}
	idle, err := c.sessions.Create(ctx, user.ID, session.NewSession{
		Diagnosis:         diag,
		RecentDiagnosisID: diag.RecentDiagnosisID,
		ObjectID:          &objectID,
		PlanID:            &res.Plan.ID,
		CurrentStep:       session.StepTimeIdle,
	})
	if err != nil {
		// The plan is committed; losing the follow-up session only disables contextual actions.
		c.logger.Error("failed to park idle session", "user_id", user.ID, "object_id", objectID, "plan_id", res.Plan.ID, "error", err)
	} else {
		out.Token = idle.Token
	}

	out.Prompt = &Prompt{Kind: PromptPlanReady, Token: out.Token, Result: res}
	c.send(ctx, id, *out.Prompt)
	return out, nil
}

// ActivePlan returns the plan id parked in the user's time_idle session, or nil.
func (c *Controller) ActivePlan(ctx context.Context, id Identity) (*int64, error) {
	user, err := c.resolve(ctx, id)
	if err != nil {
		return nil, err
	}
	s, err := c.sessions.FetchLatest(ctx, user.ID)
	if err != nil {
		return nil, shared.DataServiceError("wizard.ActivePlan", err)
	}
	if s == nil || s.CurrentStep != session.StepTimeIdle || s.PlanID == nil || s.Expired(c.sessions.Now()) {
		return nil, nil
	}
	return s.PlanID, nil
}

// AcceptActivePlan accepts the plan parked in the user's time_idle session.
func (c *Controller) AcceptActivePlan(ctx context.Context, id Identity) (*planner.Plan, error) {
	planID, err := c.ActivePlan(ctx, id)
	if err != nil {
		return nil, err
	}
	if planID == nil {
		return nil, shared.NewError(shared.ErrNoRecentDiagnosis, "wizard.AcceptActivePlan", nil)
	}
	user, err := c.resolve(ctx, id)
	if err != nil {
		return nil, err
	}
	return c.finalizer.AcceptPlan(ctx, user, *planID)
}

func (c *Controller) resolve(ctx context.Context, id Identity) (*users.User, error) {
	const op = "wizard.resolve"
	if strings.TrimSpace(id.Handle) == "" {
		return nil, shared.NewError(shared.ErrNoContext, op, errors.New("no identity"))
	}
	u, err := c.users.Resolve(ctx, id.Handle, id.Username)
	if err != nil {
		return nil, shared.DataServiceError(op, err)
	}
	return u, nil
}

// finish logs, reports and records the result of a wizard call.
func (c *Controller) finish(ctx context.Context, id Identity, user *users.User, step, action, token string, out *Outcome, err error, started time.Time) (*Outcome, error) {
	if step == "" {
		step = "none"
	}
	if err == nil {
		c.recorder.RecordStep(ctx, step, action, "ok", time.Since(started))
		return out, nil
	}

	kind := shared.KindOf(err)
	if kind == "" {
		kind = shared.ErrDataService
		err = shared.DataServiceError("wizard", err)
	}
	attrs := []any{"handle", id.Handle, "token", token, "step", step, "action", action, "kind", kind, "error", err}
	if user != nil {
		attrs = append(attrs, "user_id", user.ID)
	}
	var oe *shared.Error
	if errors.As(err, &oe) && oe.Op != "" {
		attrs = append(attrs, "op", oe.Op)
	}
	if kind == shared.ErrDataService {
		c.logger.Error("wizard step failed", attrs...)
	} else {
		c.logger.Warn("wizard step rejected", attrs...)
	}

	c.recorder.RecordStep(ctx, step, action, string(kind), time.Since(started))
	if id.Handle != "" {
		c.send(ctx, id, Prompt{Kind: PromptError, Error: kind})
	}
	return nil, err
}

func (c *Controller) send(ctx context.Context, id Identity, p Prompt) {
	if c.gateway == nil {
		return
	}
	if err := c.gateway.SendPrompt(ctx, id, p); err != nil {
		c.logger.Warn("failed to deliver prompt", "handle", id.Handle, "kind", p.Kind, "error", err)
	}
}

func (c *Controller) findObject(ctx context.Context, userID, objectID int64) *objects.PlanObject {
	list, err := c.objects.List(ctx, userID)
	if err != nil {
		c.logger.Warn("failed to load picked object", "user_id", userID, "object_id", objectID, "error", err)
		return nil
	}
	for i := range list {
		if list[i].ID == objectID {
			return &list[i]
		}
	}
	return nil
}

func objectIDs(list []objects.PlanObject) []int64 {
	ids := make([]int64, len(list))
	for i, o := range list {
		ids[i] = o.ID
	}
	return ids
}

type nopRecorder struct{}

func (nopRecorder) RecordStep(context.Context, string, string, string, time.Duration) {}
