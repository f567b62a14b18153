package diagnosis

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"strings"
)

// DefaultConfidenceThreshold is the minimum confidence for a diagnosis to start a plan wizard.
const DefaultConfidenceThreshold = 0.6

// PlanKind tells the engine what the diagnosis producer expects to happen next.
type PlanKind string

const (
	PlanNew    PlanKind = "PLAN_NEW"
	PlanUpdate PlanKind = "PLAN_UPDATE"
	PlanQNA    PlanKind = "QNA"
	PlanFAQ    PlanKind = "FAQ"
)

// Normalized returns the kind trimmed and upper-cased, the form producers are compared in.
func (k PlanKind) Normalized() PlanKind {
	return PlanKind(strings.ToUpper(strings.TrimSpace(string(k))))
}

// IsConversational reports whether the kind is a question rather than a plan request.
func (k PlanKind) IsConversational() bool {
	n := k.Normalized()
	return n == PlanQNA || n == PlanFAQ
}

// ForFinalize collapses a kind into PLAN_NEW or PLAN_UPDATE. Anything unrecognized is PLAN_NEW.
func (k PlanKind) ForFinalize() PlanKind {
	if k.Normalized() == PlanUpdate {
		return PlanUpdate
	}
	return PlanNew
}

// TreatmentPlan is the producer's own single-product recommendation.
// It is used to synthesize a fallback option when the catalog has nothing.
type TreatmentPlan struct {
	Product    string   `json:"product,omitempty"`
	Substance  string   `json:"substance,omitempty"`
	DoseValue  *float64 `json:"dose_value,omitempty"`
	DoseUnit   string   `json:"dose_unit,omitempty"`
	Method     string   `json:"method,omitempty"`
	PHIDays    *int     `json:"phi_days,omitempty"`
	SafetyNote string   `json:"safety_note,omitempty"`
}

// MachineOption is one product choice inside a machine-generated stage.
type MachineOption struct {
	ProductName      string   `json:"product_name,omitempty"`
	ActiveIngredient string   `json:"ai,omitempty"`
	DoseValue        *float64 `json:"dose_value,omitempty"`
	DoseUnit         string   `json:"dose_unit,omitempty"`
	Method           string   `json:"method,omitempty"`
	PHIDays          *float64 `json:"phi_days,omitempty"`
	NeedsReview      bool     `json:"needs_review,omitempty"`
	Notes            string   `json:"notes,omitempty"`
}

// MachineStage is one stage of a machine-generated plan.
type MachineStage struct {
	Title   string          `json:"title,omitempty"`
	Kind    string          `json:"kind,omitempty"`
	Note    string          `json:"note,omitempty"`
	Options []MachineOption `json:"options,omitempty"`
}

// MachinePlan is a stage/option tree supplied by the diagnosis producer.
type MachinePlan struct {
	Stages []MachineStage `json:"stages,omitempty"`
}

// Payload is an immutable diagnosis as received from the producer.
// Optional fields are pointers or empty strings.
type Payload struct {
	Crop              string         `json:"crop,omitempty"`
	CropRu            string         `json:"crop_ru,omitempty"`
	Disease           string         `json:"disease,omitempty"`
	DiseaseNameRu     string         `json:"disease_name_ru,omitempty"`
	Confidence        float64        `json:"confidence"`
	Region            string         `json:"region,omitempty"`
	ObjectID          *int64         `json:"object_id,omitempty"`
	PlanKind          PlanKind       `json:"plan_kind,omitempty"`
	PlanHash          string         `json:"plan_hash,omitempty"`
	PlanMachine       *MachinePlan   `json:"plan_machine,omitempty"`
	RecentDiagnosisID *int64         `json:"recent_diagnosis_id,omitempty"`
	TreatmentPlan     *TreatmentPlan `json:"treatment_plan,omitempty"`
	Variety           string         `json:"variety,omitempty"`
	Latitude          *float64       `json:"latitude,omitempty"`
	Longitude         *float64       `json:"longitude,omitempty"`
}

// Actionable reports whether the diagnosis may enter the plan wizard.
func (p Payload) Actionable(threshold float64) bool {
	if p.PlanKind.IsConversational() {
		return false
	}
	return p.Confidence >= threshold
}

// HasMachinePlan reports whether the producer supplied at least one machine stage.
func (p Payload) HasMachinePlan() bool {
	return p.PlanMachine != nil && len(p.PlanMachine.Stages) > 0
}

// CropLabel is the human-facing crop name, preferring the localized one.
func (p Payload) CropLabel() string {
	if s := strings.TrimSpace(p.CropRu); s != "" {
		return s
	}
	return strings.TrimSpace(p.Crop)
}

// DiseaseLabel is the human-facing disease name, preferring the localized one.
func (p Payload) DiseaseLabel() string {
	if s := strings.TrimSpace(p.DiseaseNameRu); s != "" {
		return s
	}
	return strings.TrimSpace(p.Disease)
}

// EffectiveHash returns the content hash used for plan deduplication.
// An explicit plan_hash wins; otherwise the machine plan is hashed.
// Without either the hash is empty, meaning "no dedup".
func (p Payload) EffectiveHash() string {
	if h := strings.TrimSpace(p.PlanHash); h != "" {
		return h
	}
	if !p.HasMachinePlan() {
		return ""
	}
	raw, err := json.Marshal(p.PlanMachine)
	if err != nil {
		return ""
	}
	sum := sha256.Sum256(raw)
	return hex.EncodeToString(sum[:])
}
