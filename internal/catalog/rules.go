// Package catalog suggests treatment stages for a crop/disease pair and
// product options for each stage.
package catalog

import (
	_ "embed"
	"fmt"
	"os"
	"strings"

	"golang.org/x/text/cases"
	"gopkg.in/yaml.v3"
)

//go:embed rules.yaml
var defaultRules []byte

// DefaultOptionLimit is used when a stage rule does not set option_limit.
const DefaultOptionLimit = 3

const anyCrop = "*"

// StageMeta is per-stage generation metadata.
type StageMeta struct {
	OptionLimit int `yaml:"option_limit"`
}

// Stage is a catalog-suggested stage.
type Stage struct {
	Title   string    `yaml:"title"`
	Kind    string    `yaml:"kind"`
	Note    string    `yaml:"note"`
	PHIDays *int      `yaml:"phi_days"`
	Meta    StageMeta `yaml:",inline"`
}

// Limit returns the option limit with the default applied.
func (s Stage) Limit() int {
	if s.Meta.OptionLimit > 0 {
		return s.Meta.OptionLimit
	}
	return DefaultOptionLimit
}

type rule struct {
	Crop    string  `yaml:"crop"`
	Disease string  `yaml:"disease"`
	Stages  []Stage `yaml:"stages"`
}

// Rules is the crop/disease to stage table.
type Rules struct {
	Default []Stage `yaml:"default"`
	Rules   []rule  `yaml:"rules"`
}

// LoadRules parses a rules document.
func LoadRules(data []byte) (*Rules, error) {
	var r Rules
	if err := yaml.Unmarshal(data, &r); err != nil {
		return nil, fmt.Errorf("failed to parse stage rules: %w", err)
	}
	for i, rl := range r.Rules {
		if strings.TrimSpace(rl.Disease) == "" {
			return nil, fmt.Errorf("stage rule %d has no disease", i)
		}
		if len(rl.Stages) == 0 {
			return nil, fmt.Errorf("stage rule %d (%s/%s) has no stages", i, rl.Crop, rl.Disease)
		}
	}
	return &r, nil
}

// LoadRulesFile reads rules from path, or the embedded set when path is empty.
func LoadRulesFile(path string) (*Rules, error) {
	if path == "" {
		return LoadRules(defaultRules)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read stage rules: %w", err)
	}
	return LoadRules(data)
}

// DefaultRules returns the embedded rule set.
func DefaultRules() *Rules {
	r, err := LoadRules(defaultRules)
	if err != nil {
		panic(err)
	}
	return r
}

// Lookup returns the stages for crop and disease.
// An exact rule wins over a wildcard crop rule; otherwise the default stages apply.
func (r *Rules) Lookup(crop, disease string) []Stage {
	crop, disease = normalize(crop), normalize(disease)

	var wildcard []Stage
	for _, rl := range r.Rules {
		if normalize(rl.Disease) != disease {
			continue
		}
		switch normalize(rl.Crop) {
		case crop:
			return clone(rl.Stages)
		case anyCrop:
			if wildcard == nil {
				wildcard = rl.Stages
			}
		}
	}
	if wildcard != nil {
		return clone(wildcard)
	}
	return clone(r.Default)
}

func clone(in []Stage) []Stage {
	out := make([]Stage, len(in))
	copy(out, in)
	return out
}

func normalize(s string) string {
	return cases.Fold().String(strings.TrimSpace(s))
}
