package planner

import (
	"context"
	"errors"
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"plant-treatment-planner/internal/catalog"
	"plant-treatment-planner/internal/diagnosis"
	"plant-treatment-planner/internal/objects"
)

// fakeCatalog serves fixed stages and per-kind options.
type fakeCatalog struct {
	stages     []catalog.Stage
	options    map[string][]catalog.Product
	stageErr   error
	optionErr  error
	lastQuery  catalog.OptionQuery
	queryCount int
}

func (f *fakeCatalog) SuggestStages(ctx context.Context, crop, disease string) ([]catalog.Stage, error) {
	return f.stages, f.stageErr
}

func (f *fakeCatalog) SuggestOptions(ctx context.Context, q catalog.OptionQuery) ([]catalog.Product, error) {
	f.lastQuery = q
	f.queryCount++
	if f.optionErr != nil {
		return nil, f.optionErr
	}
	return f.options[q.StageKind], nil
}

func floatPtr(v float64) *float64 { return &v }
func intPtr(v int) *int           { return &v }

func machineStages(n, optionsPerStage int) []diagnosis.MachineStage {
	out := make([]diagnosis.MachineStage, n)
	for i := range out {
		for j := 0; j < optionsPerStage; j++ {
			out[i].Options = append(out[i].Options, diagnosis.MachineOption{ProductName: "P", ActiveIngredient: "ai"})
		}
	}
	return out
}

func TestCollectStageDefinitions_MachinePlan(t *testing.T) {
	gen := NewStageGenerator(&fakeCatalog{}, nil)
	obj := &objects.PlanObject{ID: 1}

	t.Run("two stages capped at three options", func(t *testing.T) {
		stages := machineStages(2, 5)
		stages[0].Title = "Spray now"
		out := gen.CollectStageDefinitions(context.Background(), diagnosis.Payload{PlanMachine: &diagnosis.MachinePlan{Stages: stages}}, obj)

		assert.Equal(t, SourceAI, out.Source)
		require.Len(t, out.Stages, 2)
		assert.Equal(t, "Spray now", out.Stages[0].Title)
		assert.Equal(t, "Stage 2", out.Stages[1].Title)
		for _, s := range out.Stages {
			assert.Len(t, s.Options, 3)
			assert.Equal(t, "ai", s.Meta.Source)
			assert.Equal(t, "ai", s.Options[0].Meta.Source)
		}
		assert.Empty(t, out.Notices)
	})

	t.Run("at most five stages", func(t *testing.T) {
		out := gen.CollectStageDefinitions(context.Background(), diagnosis.Payload{PlanMachine: &diagnosis.MachinePlan{Stages: machineStages(8, 1)}}, obj)
		assert.Len(t, out.Stages, 5)
	})

	t.Run("phi from first finite non-negative option", func(t *testing.T) {
		stage := diagnosis.MachineStage{Title: "S", Options: []diagnosis.MachineOption{
			{ProductName: "A", PHIDays: floatPtr(math.NaN())},
			{ProductName: "B", PHIDays: floatPtr(-3)},
			{ProductName: "C", PHIDays: floatPtr(14), NeedsReview: true, Notes: "check label"},
			{ProductName: "D", PHIDays: floatPtr(7)},
		}}
		out := gen.CollectStageDefinitions(context.Background(), diagnosis.Payload{PlanMachine: &diagnosis.MachinePlan{Stages: []diagnosis.MachineStage{stage}}}, obj)
		require.Len(t, out.Stages, 1)
		require.NotNil(t, out.Stages[0].PHIDays)
		assert.Equal(t, 14, *out.Stages[0].PHIDays)
		assert.True(t, out.Stages[0].Options[2].Meta.NeedsReview)
		assert.Equal(t, "check label", out.Stages[0].Options[2].Meta.Notes)
	})

	t.Run("no valid phi", func(t *testing.T) {
		stage := diagnosis.MachineStage{Options: []diagnosis.MachineOption{{PHIDays: floatPtr(math.Inf(1))}}}
		out := gen.CollectStageDefinitions(context.Background(), diagnosis.Payload{PlanMachine: &diagnosis.MachinePlan{Stages: []diagnosis.MachineStage{stage}}}, obj)
		assert.Nil(t, out.Stages[0].PHIDays)
	})
}

func TestCollectStageDefinitions_Catalog(t *testing.T) {
	obj := &objects.PlanObject{ID: 1, LocationTag: "south"}
	diag := diagnosis.Payload{
		Crop:    "tomato",
		Disease: "late_blight",
		TreatmentPlan: &diagnosis.TreatmentPlan{
			Product: "Home remedy", Substance: "copper", DoseValue: floatPtr(1.5), DoseUnit: "g/l",
			Method: "spray", PHIDays: intPtr(10), SafetyNote: "gloves",
		},
	}

	t.Run("options scoped and limited", func(t *testing.T) {
		cat := &fakeCatalog{
			stages: []catalog.Stage{{Title: "Season", Kind: "season", Meta: catalog.StageMeta{OptionLimit: 2}}},
			options: map[string][]catalog.Product{"season": {
				{Product: "A", PHIDays: intPtr(21)}, {Product: "B"}, {Product: "C"},
			}},
		}
		out := NewStageGenerator(cat, nil).CollectStageDefinitions(context.Background(), diag, obj)

		assert.Equal(t, SourceCatalog, out.Source)
		require.Len(t, out.Stages, 1)
		assert.Len(t, out.Stages[0].Options, 2)
		assert.Equal(t, 21, *out.Stages[0].PHIDays)
		assert.Equal(t, catalog.OptionQuery{Crop: "tomato", Disease: "late_blight", Region: "south", StageKind: "season", Limit: 2}, cat.lastQuery)
		assert.Empty(t, out.Notices)
	})

	t.Run("fallback for empty non-trigger stage only", func(t *testing.T) {
		cat := &fakeCatalog{stages: []catalog.Stage{
			{Title: "Season", Kind: "season"},
			{Title: "If it rains", Kind: "trigger"},
		}}
		out := NewStageGenerator(cat, nil).CollectStageDefinitions(context.Background(), diag, obj)

		require.Len(t, out.Stages, 2)
		require.Len(t, out.Stages[0].Options, 1)
		fb := out.Stages[0].Options[0]
		assert.Equal(t, "Home remedy", fb.Product)
		assert.Equal(t, "copper", fb.ActiveIngredient)
		assert.True(t, fb.Meta.Fallback)
		assert.True(t, fb.Meta.NeedsReview)
		assert.Equal(t, "gloves", fb.Meta.Notes)
		assert.Equal(t, 10, *out.Stages[0].PHIDays)
		assert.Equal(t, 3, cat.lastQuery.Limit)

		assert.Empty(t, out.Stages[1].Options)
		assert.Equal(t, []FallbackNotice{{StageTitle: "Season", Reason: ReasonCatalogEmpty}}, out.Notices)
	})

	t.Run("fallback without treatment plan uses substance-less option", func(t *testing.T) {
		cat := &fakeCatalog{stages: []catalog.Stage{{Title: "Season", Kind: "season"}}}
		out := NewStageGenerator(cat, nil).CollectStageDefinitions(context.Background(), diagnosis.Payload{Crop: "tomato"}, obj)
		require.Len(t, out.Stages[0].Options, 1)
		assert.True(t, out.Stages[0].Options[0].Meta.Fallback)
	})

	t.Run("stage error aborts", func(t *testing.T) {
		cat := &fakeCatalog{stageErr: errors.New("catalog down")}
		out := NewStageGenerator(cat, nil).CollectStageDefinitions(context.Background(), diag, obj)
		assert.Empty(t, out.Stages)
		assert.Empty(t, out.Notices)
	})

	t.Run("option error aborts the whole plan", func(t *testing.T) {
		cat := &fakeCatalog{
			stages:    []catalog.Stage{{Title: "One", Kind: "season"}, {Title: "Two", Kind: "season"}},
			optionErr: errors.New("timeout"),
		}
		out := NewStageGenerator(cat, nil).CollectStageDefinitions(context.Background(), diag, obj)
		assert.Empty(t, out.Stages)
		assert.Empty(t, out.Notices)
		assert.Equal(t, 1, cat.queryCount)
	})
}

func TestFallbackTitlesAreDistinct(t *testing.T) {
	g := &Generated{Notices: []FallbackNotice{{StageTitle: "A"}, {StageTitle: "B"}, {StageTitle: "A"}}}
	assert.Equal(t, []string{"A", "B"}, g.FallbackTitles())
}

func TestDiffStages(t *testing.T) {
	prev := []StageDef{
		{Title: "Spring", Kind: "season", Options: []OptionDef{{Product: "A"}}},
		{Title: "Summer", Kind: "season", PHIDays: intPtr(10), Options: []OptionDef{{Product: "B"}}},
		{Title: "Rain", Kind: "trigger"},
	}
	next := []StageDef{
		{Title: "spring", Kind: "season", Options: []OptionDef{{Product: "A"}}},
		{Title: "Summer", Kind: "season", PHIDays: intPtr(14), Options: []OptionDef{{Product: "B"}}},
		{Title: "Autumn", Kind: "season"},
	}

	d := DiffStages(prev, next)
	assert.Equal(t, []string{"Autumn"}, d.Added)
	assert.Equal(t, []string{"Rain"}, d.Removed)
	assert.Equal(t, []string{"Summer"}, d.Changed)
	assert.False(t, d.Empty())
	assert.True(t, DiffStages(prev, prev).Empty())
}
