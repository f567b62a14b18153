package planner

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"strings"

	"plant-treatment-planner/internal/catalog"
	"plant-treatment-planner/internal/diagnosis"
	"plant-treatment-planner/internal/objects"
)

const (
	maxMachineStages  = 5
	maxMachineOptions = 3
)

// Catalog supplies stage suggestions and product options.
type Catalog interface {
	SuggestStages(ctx context.Context, crop, disease string) ([]catalog.Stage, error)
	SuggestOptions(ctx context.Context, q catalog.OptionQuery) ([]catalog.Product, error)
}

// StageGenerator builds a plan's stages from a machine plan or the catalog.
type StageGenerator struct {
	catalog Catalog
	logger  *slog.Logger
}

// NewStageGenerator creates a StageGenerator.
func NewStageGenerator(c Catalog, logger *slog.Logger) *StageGenerator {
	if logger == nil {
		logger = slog.Default()
	}
	return &StageGenerator{catalog: c, logger: logger}
}

// CollectStageDefinitions returns the ordered stages for a diagnosis on obj.
// A catalog failure yields no stages at all rather than a partial plan.
func (g *StageGenerator) CollectStageDefinitions(ctx context.Context, diag diagnosis.Payload, obj *objects.PlanObject) *Generated {
	if diag.HasMachinePlan() {
		return fromMachinePlan(diag.PlanMachine)
	}

	out, err := g.fromCatalog(ctx, diag, obj)
	if err != nil {
		g.logger.Error("catalog stage generation failed",
			"object_id", obj.ID, "crop", diag.Crop, "disease", diag.Disease, "error", err)
		return &Generated{Source: SourceCatalog}
	}
	return out
}

func fromMachinePlan(mp *diagnosis.MachinePlan) *Generated {
	stages := mp.Stages
	if len(stages) > maxMachineStages {
		stages = stages[:maxMachineStages]
	}

	out := &Generated{Source: SourceAI, Stages: make([]StageDef, 0, len(stages))}
	for i, ms := range stages {
		title := strings.TrimSpace(ms.Title)
		if title == "" {
			title = ordinalTitle(i)
		}
		kind := strings.TrimSpace(ms.Kind)
		if kind == "" {
			kind = defaultStageKind
		}

		opts := ms.Options
		if len(opts) > maxMachineOptions {
			opts = opts[:maxMachineOptions]
		}
		stage := StageDef{
			Title:   title,
			Kind:    kind,
			Note:    ms.Note,
			PHIDays: firstPHI(ms.Options),
			Meta:    StageMeta{Source: string(SourceAI)},
			Options: make([]OptionDef, 0, len(opts)),
		}
		for _, mo := range opts {
			stage.Options = append(stage.Options, OptionDef{
				Product:          mo.ProductName,
				ActiveIngredient: mo.ActiveIngredient,
				DoseValue:        mo.DoseValue,
				DoseUnit:         mo.DoseUnit,
				Method:           mo.Method,
				Meta: OptionMeta{
					NeedsReview: mo.NeedsReview,
					Source:      string(SourceAI),
					Notes:       mo.Notes,
				},
			})
		}
		out.Stages = append(out.Stages, stage)
	}
	return out
}

// firstPHI returns the first finite, non-negative PHI declared by an option.
func firstPHI(opts []diagnosis.MachineOption) *int {
	for _, o := range opts {
		if o.PHIDays == nil {
			continue
		}
		v := *o.PHIDays
		if math.IsNaN(v) || math.IsInf(v, 0) || v < 0 {
			continue
		}
		days := int(math.Ceil(v))
		return &days
	}
	return nil
}

func (g *StageGenerator) fromCatalog(ctx context.Context, diag diagnosis.Payload, obj *objects.PlanObject) (*Generated, error) {
	suggested, err := g.catalog.SuggestStages(ctx, diag.Crop, diag.Disease)
	if err != nil {
		return nil, fmt.Errorf("suggest stages: %w", err)
	}

	out := &Generated{Source: SourceCatalog, Stages: make([]StageDef, 0, len(suggested))}
	for i, cs := range suggested {
		title := strings.TrimSpace(cs.Title)
		if title == "" {
			title = ordinalTitle(i)
		}
		kind := strings.TrimSpace(cs.Kind)
		if kind == "" {
			kind = defaultStageKind
		}

		products, err := g.catalog.SuggestOptions(ctx, catalog.OptionQuery{
			Crop:      diag.Crop,
			Disease:   diag.Disease,
			Region:    obj.LocationTag,
			StageKind: kind,
			Limit:     cs.Limit(),
		})
		if err != nil {
			return nil, fmt.Errorf("suggest options for %q: %w", title, err)
		}
		if len(products) > cs.Limit() {
			products = products[:cs.Limit()]
		}

		stage := StageDef{
			Title:   title,
			Kind:    kind,
			Note:    cs.Note,
			PHIDays: cs.PHIDays,
			Meta:    StageMeta{Source: string(SourceCatalog), OptionLimit: cs.Limit()},
			Options: make([]OptionDef, 0, len(products)),
		}
		for _, p := range products {
			stage.Options = append(stage.Options, OptionDef{
				Product:          p.Product,
				ActiveIngredient: p.ActiveIngredient,
				DoseValue:        p.DoseValue,
				DoseUnit:         p.DoseUnit,
				Method:           p.Method,
				Meta:             OptionMeta{Source: string(SourceCatalog)},
			})
			if stage.PHIDays == nil && p.PHIDays != nil && *p.PHIDays >= 0 {
				phi := *p.PHIDays
				stage.PHIDays = &phi
			}
		}

		if len(stage.Options) == 0 && kind != StageKindTrigger {
			opt, phi := fallbackOption(diag)
			stage.Options = append(stage.Options, opt)
			if stage.PHIDays == nil {
				stage.PHIDays = phi
			}
			out.Notices = append(out.Notices, FallbackNotice{StageTitle: title, Reason: ReasonCatalogEmpty})
		}
		out.Stages = append(out.Stages, stage)
	}
	return out, nil
}

// fallbackOption synthesizes the single option used when the catalog has nothing for a stage.
func fallbackOption(diag diagnosis.Payload) (OptionDef, *int) {
	tp := diagnosis.TreatmentPlan{}
	if diag.TreatmentPlan != nil {
		tp = *diag.TreatmentPlan
	}
	product := strings.TrimSpace(tp.Product)
	if product == "" {
		product = strings.TrimSpace(tp.Substance)
	}

	var phi *int
	if tp.PHIDays != nil && *tp.PHIDays >= 0 {
		v := *tp.PHIDays
		phi = &v
	}
	return OptionDef{
		Product:          product,
		ActiveIngredient: tp.Substance,
		DoseValue:        tp.DoseValue,
		DoseUnit:         tp.DoseUnit,
		Method:           tp.Method,
		Meta: OptionMeta{
			NeedsReview: true,
			Source:      sourceFallback,
			Fallback:    true,
			Notes:       tp.SafetyNote,
		},
	}, phi
}

func ordinalTitle(i int) string {
	return fmt.Sprintf("Stage %d", i+1)
}
