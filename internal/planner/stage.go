package planner

// Source tells where a plan's stages came from.
type Source string

const (
	SourceAI       Source = "ai"
	SourceCatalog  Source = "catalog"
	sourceFallback        = "diagnosis"
)

// StageKindTrigger marks a conditional stage. Trigger stages never get a synthesized option.
const StageKindTrigger = "trigger"

const defaultStageKind = "season"

// StageMeta is provenance stored with a stage.
type StageMeta struct {
	Source      string `json:"source,omitempty"`
	OptionLimit int    `json:"option_limit,omitempty"`
}

// OptionMeta is provenance and review flags stored with an option.
type OptionMeta struct {
	NeedsReview bool   `json:"needs_review,omitempty"`
	Source      string `json:"source,omitempty"`
	Fallback    bool   `json:"fallback,omitempty"`
	Notes       string `json:"notes,omitempty"`
}

// OptionDef is one product choice within a stage.
type OptionDef struct {
	Product          string     `json:"product"`
	ActiveIngredient string     `json:"ai,omitempty"`
	DoseValue        *float64   `json:"dose_value,omitempty"`
	DoseUnit         string     `json:"dose_unit,omitempty"`
	Method           string     `json:"method,omitempty"`
	Meta             OptionMeta `json:"meta"`
}

// StageDef is an ordered phase of a plan.
type StageDef struct {
	Title   string      `json:"title"`
	Kind    string      `json:"kind"`
	Note    string      `json:"note,omitempty"`
	PHIDays *int        `json:"phi_days,omitempty"`
	Meta    StageMeta   `json:"meta"`
	Options []OptionDef `json:"options"`
}

// FallbackNotice discloses that a stage's option was synthesized from the diagnosis.
type FallbackNotice struct {
	StageTitle string `json:"stage_title"`
	Reason     string `json:"reason"`
}

// ReasonCatalogEmpty is the only fallback reason produced today.
const ReasonCatalogEmpty = "catalog_empty"

// Generated is the outcome of stage generation.
type Generated struct {
	Stages  []StageDef
	Notices []FallbackNotice
	Source  Source
}

// FallbackTitles returns the distinct stage titles that carry a fallback notice, in order.
func (g *Generated) FallbackTitles() []string {
	seen := make(map[string]bool, len(g.Notices))
	var out []string
	for _, n := range g.Notices {
		if seen[n.StageTitle] {
			continue
		}
		seen[n.StageTitle] = true
		out = append(out, n.StageTitle)
	}
	return out
}
