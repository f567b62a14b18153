package wizard

import (
	"context"
	"database/sql"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"plant-treatment-planner/internal/catalog"
	"plant-treatment-planner/internal/database"
	"plant-treatment-planner/internal/diagnosis"
	"plant-treatment-planner/internal/objects"
	"plant-treatment-planner/internal/planner"
	"plant-treatment-planner/internal/session"
	"plant-treatment-planner/internal/shared"
	"plant-treatment-planner/internal/users"
)

type recordingGateway struct {
	mu      sync.Mutex
	prompts []Prompt
}

func (g *recordingGateway) SendPrompt(ctx context.Context, id Identity, p Prompt) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.prompts = append(g.prompts, p)
	return nil
}

func (g *recordingGateway) kinds() []PromptKind {
	g.mu.Lock()
	defer g.mu.Unlock()
	out := make([]PromptKind, len(g.prompts))
	for i, p := range g.prompts {
		out[i] = p.Kind
	}
	return out
}

type stepRecord struct{ step, action, outcome string }

type recordingRecorder struct {
	records []stepRecord
}

func (r *recordingRecorder) RecordStep(ctx context.Context, step, action, outcome string, latency time.Duration) {
	r.records = append(r.records, stepRecord{step, action, outcome})
}

type failingCatalog struct{}

func (failingCatalog) SuggestStages(ctx context.Context, crop, disease string) ([]catalog.Stage, error) {
	return nil, errors.New("catalog offline")
}

func (failingCatalog) SuggestOptions(ctx context.Context, q catalog.OptionQuery) ([]catalog.Product, error) {
	return nil, errors.New("catalog offline")
}

type harness struct {
	db       *sql.DB
	now      time.Time
	users    *users.Repository
	objects  *objects.Repository
	plans    *planner.PlanRepository
	sessions *session.Repository
	gateway  *recordingGateway
	recorder *recordingRecorder
	ctrl     *Controller
}

type harnessOption func(*Config, *planner.Catalog)

func withConfirmSingle() harnessOption {
	return func(c *Config, _ *planner.Catalog) { c.ConfirmSingleObject = true }
}

func withFailingCatalog() harnessOption {
	return func(_ *Config, cat *planner.Catalog) { *cat = failingCatalog{} }
}

func newHarness(t *testing.T, opts ...harnessOption) *harness {
	t.Helper()
	db, err := database.NewDB(filepath.Join(t.TempDir(), "wizard.db"))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	h := &harness{
		db:       db.SQL,
		now:      time.Date(2026, 6, 1, 8, 0, 0, 0, time.UTC),
		users:    users.NewRepository(db.SQL),
		objects:  objects.NewRepository(db.SQL),
		plans:    planner.NewPlanRepository(db.SQL),
		gateway:  &recordingGateway{},
		recorder: &recordingRecorder{},
	}
	h.sessions = session.NewRepository(session.NewSQLiteBackend(db.SQL), 30*time.Minute, nil).
		WithClock(func() time.Time { return h.now })

	cfg := Config{}
	var cat planner.Catalog = catalog.NewService(catalog.DefaultRules(), catalog.NewProductStore(db.SQL))
	for _, o := range opts {
		o(&cfg, &cat)
	}

	h.ctrl = NewController(Deps{
		Sessions:  h.sessions,
		Users:     h.users,
		Objects:   h.objects,
		Binder:    objects.NewBinder(h.objects, h.users, nil),
		Finalizer: planner.NewFinalizer(h.objects, h.plans, planner.NewStageGenerator(cat, nil), nil),
		Gateway:   h.gateway,
		Recorder:  h.recorder,
	}, cfg)
	return h
}

func (h *harness) user(t *testing.T, handle string, objectNames ...string) (Identity, *users.User, []objects.PlanObject) {
	t.Helper()
	ctx := context.Background()
	u, err := h.users.Resolve(ctx, handle, "")
	require.NoError(t, err)
	var objs []objects.PlanObject
	for _, name := range objectNames {
		o, err := h.objects.Create(ctx, u.ID, objects.NewObject{Name: name})
		require.NoError(t, err)
		objs = append(objs, *o)
	}
	return Identity{Handle: handle}, u, objs
}

func (h *harness) count(t *testing.T, table string) int {
	t.Helper()
	var n int
	require.NoError(t, h.db.QueryRow(`SELECT COUNT(*) FROM `+table).Scan(&n))
	return n
}

func tomato(confidence float64) diagnosis.Payload {
	return diagnosis.Payload{Crop: "tomato", Disease: "late_blight", Confidence: confidence, PlanKind: diagnosis.PlanNew}
}

func TestStartWizard_SkipsNonActionable(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	id, _, _ := h.user(t, "tg:1", "Greenhouse")

	for _, diag := range []diagnosis.Payload{
		tomato(0.59),
		{Crop: "tomato", Confidence: 0.95, PlanKind: diagnosis.PlanQNA},
		{Crop: "tomato", Confidence: 0.95, PlanKind: diagnosis.PlanFAQ},
		{Crop: "tomato", Confidence: 0.95, PlanKind: "qna"},
		{Crop: "tomato", Confidence: 0.95, PlanKind: " FAQ"},
	} {
		out, err := h.ctrl.StartWizard(ctx, id, diag)
		require.NoError(t, err)
		assert.True(t, out.Skipped, string(diag.PlanKind))
	}

	assert.Zero(t, h.count(t, "plan_sessions"))
	assert.Zero(t, h.count(t, "plans"))
	assert.Equal(t, 1, h.count(t, "plant_objects"))
	assert.Empty(t, h.gateway.kinds())
}

func TestStartWizard_SingleObjectAutoBinds(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	id, _, objs := h.user(t, "tg:1", "Greenhouse")

	out, err := h.ctrl.StartWizard(ctx, id, tomato(0.9))
	require.NoError(t, err)
	assert.Equal(t, session.StepTimeIdle, out.Step)
	require.NotNil(t, out.Result)
	assert.Equal(t, objs[0].ID, out.Result.Plan.ObjectID)
	assert.Equal(t, 1, out.Result.Plan.Version)
	assert.Equal(t, []PromptKind{PromptPlanReady}, h.gateway.kinds())

	planID, err := h.ctrl.ActivePlan(ctx, id)
	require.NoError(t, err)
	require.NotNil(t, planID)
	assert.Equal(t, out.Result.Plan.ID, *planID)

	t.Run("idle session rejects confirm", func(t *testing.T) {
		_, err := h.ctrl.HandleAction(ctx, id, ActionConfirm, Args{}, out.Token)
		assert.Equal(t, shared.ErrButtonExpired, shared.KindOf(err))
	})

	t.Run("accept active plan", func(t *testing.T) {
		plan, err := h.ctrl.AcceptActivePlan(ctx, id)
		require.NoError(t, err)
		assert.Equal(t, planner.StatusAccepted, plan.Status)
	})
}

func TestStartWizard_NoObjectsCreatesOne(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)

	out, err := h.ctrl.StartWizard(ctx, Identity{Handle: "tg:9"}, tomato(0.7))
	require.NoError(t, err)
	assert.Equal(t, session.StepTimeIdle, out.Step)
	assert.Equal(t, 1, h.count(t, "plant_objects"))
	assert.Equal(t, 1, h.count(t, "plans"))
}

func TestStartWizard_ConfirmSingleObject(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, withConfirmSingle())
	id, _, _ := h.user(t, "tg:1", "Greenhouse")

	out, err := h.ctrl.StartWizard(ctx, id, tomato(0.9))
	require.NoError(t, err)
	assert.Equal(t, session.StepChooseObject, out.Step)
	assert.Zero(t, h.count(t, "plans"))
}

func TestWizard_ChoosePickConfirmScenario(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	id, u, objs := h.user(t, "tg:1", "Object A", "Object B")
	objectB := objs[1].ID

	start, err := h.ctrl.StartWizard(ctx, id, tomato(0.82))
	require.NoError(t, err)
	assert.Equal(t, session.StepChooseObject, start.Step)
	require.NotNil(t, start.Prompt)
	assert.Equal(t, PromptChooseObject, start.Prompt.Kind)
	assert.Len(t, start.Prompt.Choices, 3)
	assert.Zero(t, h.count(t, "plans"))

	chosen, err := h.ctrl.HandleAction(ctx, id, ActionChoose, Args{}, start.Token)
	require.NoError(t, err)
	assert.Equal(t, session.StepConfirmObject, chosen.Step)
	assert.Len(t, chosen.Prompt.Objects, 2)

	picked, err := h.ctrl.HandleAction(ctx, id, ActionPick, Args{ObjectID: &objectB}, start.Token)
	require.NoError(t, err)
	assert.Equal(t, session.StepConfirmObject, picked.Step)
	require.NotNil(t, picked.Prompt.Object)
	assert.Equal(t, "Object B", picked.Prompt.Object.Name)

	s, err := h.sessions.FetchByToken(ctx, u.ID, start.Token)
	require.NoError(t, err)
	require.NotNil(t, s)
	assert.Equal(t, objectB, *s.State.SelectedObjectID)

	done, err := h.ctrl.HandleAction(ctx, id, ActionConfirm, Args{}, start.Token)
	require.NoError(t, err)
	assert.Equal(t, session.StepTimeIdle, done.Step)
	plan := done.Result.Plan
	assert.Equal(t, objectB, plan.ObjectID)
	assert.Equal(t, 1, plan.Version)
	assert.Equal(t, planner.SourceCatalog, plan.Source)
	assert.NotEmpty(t, done.Result.FallbackStages)
	assert.True(t, plan.Stages[0].Options[0].Meta.Fallback)

	t.Run("consumed token is gone", func(t *testing.T) {
		_, err := h.ctrl.HandleAction(ctx, id, ActionConfirm, Args{}, start.Token)
		assert.Equal(t, shared.ErrButtonExpired, shared.KindOf(err))
		assert.Equal(t, 1, h.count(t, "plans"))
	})

	assert.Equal(t, []PromptKind{PromptChooseObject, PromptPickObject, PromptConfirmObject, PromptPlanReady, PromptError}, h.gateway.kinds())
}

func TestWizard_SessionExpiry(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	id, u, _ := h.user(t, "tg:1", "A", "B")

	start, err := h.ctrl.StartWizard(ctx, id, tomato(0.9))
	require.NoError(t, err)

	h.now = h.now.Add(31 * time.Minute)
	_, err = h.ctrl.HandleAction(ctx, id, ActionConfirm, Args{}, start.Token)
	assert.Equal(t, shared.ErrSessionExpired, shared.KindOf(err))

	s, err := h.sessions.FetchByToken(ctx, u.ID, start.Token)
	require.NoError(t, err)
	assert.Nil(t, s)
	assert.Zero(t, h.count(t, "plans"))

	_, err = h.ctrl.HandleAction(ctx, id, ActionConfirm, Args{}, start.Token)
	assert.Equal(t, shared.ErrButtonExpired, shared.KindOf(err))
}

func TestWizard_SessionExpiryAfterCleanup(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	id, _, _ := h.user(t, "tg:1", "A", "B")

	start, err := h.ctrl.StartWizard(ctx, id, tomato(0.9))
	require.NoError(t, err)

	h.now = h.now.Add(31 * time.Minute)
	n, err := session.NewSQLiteBackend(h.db).CleanupExpired(ctx, h.now, session.DefaultRetention)
	require.NoError(t, err)
	assert.Zero(t, n)

	_, err = h.ctrl.HandleAction(ctx, id, ActionConfirm, Args{}, start.Token)
	assert.Equal(t, shared.ErrSessionExpired, shared.KindOf(err))
	assert.Zero(t, h.count(t, "plan_sessions"))
}

func TestWizard_SecondRunInvalidatesFirst(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	id, _, _ := h.user(t, "tg:1", "A", "B")

	first, err := h.ctrl.StartWizard(ctx, id, tomato(0.9))
	require.NoError(t, err)
	second, err := h.ctrl.StartWizard(ctx, id, tomato(0.8))
	require.NoError(t, err)
	require.NotEqual(t, first.Token, second.Token)

	_, err = h.ctrl.HandleAction(ctx, id, ActionConfirm, Args{}, first.Token)
	assert.Equal(t, shared.ErrButtonExpired, shared.KindOf(err))

	out, err := h.ctrl.HandleAction(ctx, id, ActionConfirm, Args{}, second.Token)
	require.NoError(t, err)
	assert.Equal(t, session.StepTimeIdle, out.Step)
}

func TestWizard_ObjectOwnership(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	id, _, _ := h.user(t, "tg:1", "A", "B")
	_, _, theirs := h.user(t, "tg:2", "Theirs")
	foreign := theirs[0].ID

	start, err := h.ctrl.StartWizard(ctx, id, tomato(0.9))
	require.NoError(t, err)

	for _, token := range []string{start.Token, "bogus", ""} {
		_, err := h.ctrl.HandleAction(ctx, id, ActionPick, Args{ObjectID: &foreign}, token)
		assert.Equal(t, shared.ErrObjectNotOwned, shared.KindOf(err), "token %q", token)
	}

	missing := int64(5555)
	_, err = h.ctrl.HandleAction(ctx, id, ActionConfirm, Args{ObjectID: &missing}, start.Token)
	assert.Equal(t, shared.ErrObjectNotFound, shared.KindOf(err))

	hinted := tomato(0.9)
	hinted.ObjectID = &foreign
	_, err = h.ctrl.StartWizard(ctx, id, hinted)
	assert.Equal(t, shared.ErrObjectNotOwned, shared.KindOf(err))
	assert.Zero(t, h.count(t, "plans"))
}

func TestWizard_MissingContext(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	id, _, _ := h.user(t, "tg:1", "A")

	_, err := h.ctrl.HandleAction(ctx, id, ActionConfirm, Args{}, "")
	assert.Equal(t, shared.ErrNoRecentDiagnosis, shared.KindOf(err))

	_, err = h.ctrl.HandleAction(ctx, Identity{}, ActionConfirm, Args{}, "abc")
	assert.Equal(t, shared.ErrNoContext, shared.KindOf(err))

	_, err = h.ctrl.HandleAction(ctx, id, ActionConfirm, Args{}, "never-issued")
	assert.Equal(t, shared.ErrButtonExpired, shared.KindOf(err))
}

func TestWizard_LatestSessionWithoutToken(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	id, _, objs := h.user(t, "tg:1", "A", "B")

	_, err := h.ctrl.StartWizard(ctx, id, tomato(0.9))
	require.NoError(t, err)

	out, err := h.ctrl.HandleAction(ctx, id, ActionConfirm, Args{}, "")
	require.NoError(t, err)
	assert.Equal(t, objs[0].ID, out.Result.Plan.ObjectID)
}

func TestWizard_Cancel(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	id, u, _ := h.user(t, "tg:1", "A", "B")

	start, err := h.ctrl.StartWizard(ctx, id, tomato(0.9))
	require.NoError(t, err)

	out, err := h.ctrl.HandleAction(ctx, id, ActionCancel, Args{}, start.Token)
	require.NoError(t, err)
	assert.Equal(t, StepCancelled, out.Step)

	s, err := h.sessions.FetchLatest(ctx, u.ID)
	require.NoError(t, err)
	assert.Nil(t, s)
	assert.Zero(t, h.count(t, "plans"))
	assert.Zero(t, h.count(t, "cases"))
	assert.Equal(t, 2, h.count(t, "plant_objects"))
}

func TestWizard_CreateObject(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	id, _, _ := h.user(t, "tg:1", "A", "B")

	start, err := h.ctrl.StartWizard(ctx, id, tomato(0.9))
	require.NoError(t, err)

	out, err := h.ctrl.HandleAction(ctx, id, ActionCreate, Args{Name: "Back garden"}, start.Token)
	require.NoError(t, err)
	assert.Equal(t, session.StepTimeIdle, out.Step)
	assert.Equal(t, 3, h.count(t, "plant_objects"))

	obj, err := h.objects.GetByID(ctx, out.Result.Plan.ObjectID)
	require.NoError(t, err)
	assert.Equal(t, "Back garden", obj.Name)
	assert.Equal(t, "tomato", obj.Type)

	last := h.recorder.records[len(h.recorder.records)-1]
	assert.Equal(t, stepRecord{"create_object", "create", "ok"}, last)
}

func TestWizard_Restart(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	id, _, _ := h.user(t, "tg:1", "A", "B")

	start, err := h.ctrl.StartWizard(ctx, id, tomato(0.9))
	require.NoError(t, err)

	out, err := h.ctrl.HandleAction(ctx, id, ActionRestart, Args{}, start.Token)
	require.NoError(t, err)
	assert.Equal(t, session.StepChooseObject, out.Step)
	assert.NotEqual(t, start.Token, out.Token)
}

func TestWizard_GenerationFailureDoesNotResurrectSession(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, withFailingCatalog())
	id, u, _ := h.user(t, "tg:1", "A", "B")

	start, err := h.ctrl.StartWizard(ctx, id, tomato(0.9))
	require.NoError(t, err)

	_, err = h.ctrl.HandleAction(ctx, id, ActionConfirm, Args{}, start.Token)
	assert.Equal(t, shared.ErrPlanGenerationEmpty, shared.KindOf(err))

	s, err := h.sessions.FetchLatest(ctx, u.ID)
	require.NoError(t, err)
	assert.Nil(t, s)
	assert.Zero(t, h.count(t, "plans"))
	assert.Equal(t, 1, h.count(t, "cases"))

	last := h.recorder.records[len(h.recorder.records)-1]
	assert.Equal(t, stepRecord{"finalize", "confirm", "PLAN_GENERATION_EMPTY"}, last)
}

func TestWizard_DuplicateMachinePlan(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	id, _, _ := h.user(t, "tg:1", "Greenhouse")
	diag := tomato(0.9)
	diag.PlanMachine = &diagnosis.MachinePlan{Stages: []diagnosis.MachineStage{
		{Title: "Now", Options: []diagnosis.MachineOption{{ProductName: "A"}, {ProductName: "B"}, {ProductName: "C"}, {ProductName: "D"}}},
		{Title: "Later"},
	}}

	first, err := h.ctrl.StartWizard(ctx, id, diag)
	require.NoError(t, err)
	assert.Equal(t, planner.SourceAI, first.Result.Plan.Source)
	require.Len(t, first.Result.Plan.Stages, 2)
	assert.Len(t, first.Result.Plan.Stages[0].Options, 3)

	second, err := h.ctrl.StartWizard(ctx, id, diag)
	require.NoError(t, err)
	assert.True(t, second.Result.Duplicate)
	assert.Equal(t, first.Result.Plan.ID, second.Result.Plan.ID)
	assert.Equal(t, 1, h.count(t, "plans"))
	assert.Equal(t, 2, h.count(t, "cases"))
}
