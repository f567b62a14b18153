package app

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"plant-treatment-planner/internal/config"
	"plant-treatment-planner/internal/diagnosis"
	"plant-treatment-planner/internal/planner"
	"plant-treatment-planner/internal/wizard"
)

const registryPage = `
<html><body><table>
  <tr><th>Product</th><th>Active ingredient</th><th>Crop</th><th>Disease</th><th>Stage</th><th>Dose</th><th>Unit</th><th>PHI</th></tr>
  <tr><td>Blight stop</td><td>mancozeb</td><td>tomato</td><td>late_blight</td><td>season</td><td>2,5</td><td>g/l</td><td>20</td></tr>
</table></body></html>`

type promptLog struct {
	mu      sync.Mutex
	prompts []wizard.Prompt
}

func (p *promptLog) SendPrompt(_ context.Context, _ wizard.Identity, pr wizard.Prompt) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.prompts = append(p.prompts, pr)
	return nil
}

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	return &config.Config{
		DatabasePath:        filepath.Join(t.TempDir(), "plantplan.db"),
		SessionBackend:      config.BackendSQLite,
		SessionTTL:          30 * time.Minute,
		ConfidenceThreshold: diagnosis.DefaultConfidenceThreshold,
	}
}

func TestApp_EndToEnd(t *testing.T) {
	ctx := context.Background()
	a, err := New(testConfig(t), nil)
	require.NoError(t, err)
	defer a.Close()

	page := filepath.Join(t.TempDir(), "registry.html")
	require.NoError(t, os.WriteFile(page, []byte(registryPage), 0o644))
	n, err := a.ImportRegistry(ctx, page)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	gw := &promptLog{}
	ctrl := a.NewController(gw)
	id := wizard.Identity{Handle: "tg:5", Username: "grower"}

	out, err := ctrl.StartWizard(ctx, id, diagnosis.Payload{Crop: "tomato", Disease: "late_blight", Confidence: 0.9})
	require.NoError(t, err)
	require.NotNil(t, out.Result)

	plan := out.Result.Plan
	require.NotNil(t, plan)
	assert.Equal(t, planner.StatusProposed, plan.Status)
	require.Len(t, plan.Stages, 3)
	assert.Equal(t, "Before flowering", plan.Stages[0].Title)
	require.Len(t, plan.Stages[0].Options, 1)
	assert.Equal(t, "Blight stop", plan.Stages[0].Options[0].Product)
	assert.Empty(t, out.Result.FallbackStages)

	require.Len(t, gw.prompts, 1)
	assert.Equal(t, wizard.PromptPlanReady, gw.prompts[0].Kind)

	active, err := ctrl.ActivePlan(ctx, id)
	require.NoError(t, err)
	require.NotNil(t, active)
	assert.Equal(t, plan.ID, *active)

	accepted, err := ctrl.AcceptActivePlan(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, planner.StatusAccepted, accepted.Status)

	removed, err := a.CleanupSessions(ctx)
	require.NoError(t, err)
	assert.Zero(t, removed)

	usage, err := a.Metrics.GetDailyUsage(ctx, 1)
	require.NoError(t, err)
	require.Len(t, usage, 1)
	assert.Equal(t, 1, usage[0].TotalSteps)
}

func TestApp_RemoteSessions(t *testing.T) {
	cfg := testConfig(t)
	cfg.SessionBackend = config.BackendRemote
	cfg.SessionServiceURL = "http://127.0.0.1:1"
	cfg.SessionServiceSecret = "secret"

	a, err := New(cfg, nil)
	require.NoError(t, err)
	defer a.Close()

	_, err = a.CleanupSessions(context.Background())
	assert.ErrorIs(t, err, ErrRemoteSessions)
}

func TestApp_RulesFile(t *testing.T) {
	cfg := testConfig(t)
	cfg.CatalogRulesPath = filepath.Join(t.TempDir(), "missing.yaml")
	_, err := New(cfg, nil)
	assert.Error(t, err)
}
