package planner

import (
	"slices"
	"strings"
)

// Diff summarizes how a plan's stages changed relative to a previous plan.
type Diff struct {
	Added   []string
	Removed []string
	Changed []string
}

// Empty reports whether the two stage lists were equivalent.
func (d Diff) Empty() bool {
	return len(d.Added) == 0 && len(d.Removed) == 0 && len(d.Changed) == 0
}

// DiffStages compares stages by title. A stage present in both is changed when its
// kind, PHI or product list differs.
func DiffStages(prev, next []StageDef) Diff {
	var d Diff
	before := make(map[string]StageDef, len(prev))
	for _, s := range prev {
		before[stageKey(s)] = s
	}
	after := make(map[string]bool, len(next))

	for _, s := range next {
		key := stageKey(s)
		after[key] = true
		old, ok := before[key]
		if !ok {
			d.Added = append(d.Added, s.Title)
			continue
		}
		if !sameStage(old, s) {
			d.Changed = append(d.Changed, s.Title)
		}
	}
	for _, s := range prev {
		if !after[stageKey(s)] {
			d.Removed = append(d.Removed, s.Title)
		}
	}
	return d
}

func stageKey(s StageDef) string {
	return strings.ToLower(strings.TrimSpace(s.Title))
}

func sameStage(a, b StageDef) bool {
	if a.Kind != b.Kind || !samePHI(a.PHIDays, b.PHIDays) {
		return false
	}
	return slices.Equal(products(a), products(b))
}

func samePHI(a, b *int) bool {
	if a == nil || b == nil {
		return a == b
	}
	return *a == *b
}

func products(s StageDef) []string {
	out := make([]string, len(s.Options))
	for i, o := range s.Options {
		out[i] = o.Product
	}
	return out
}
