package config

import (
	"fmt"
	"os"

	"github.com/boddenberg/clinic-frontline-go/internal/domain"

	"gopkg.in/yaml.v3"
)

// RuleSeed is the content of the rules file: response templates, procedure
// and insurance display rules, and overrides of the intent → queue table.
type RuleSeed struct {
	ResponseRules  []domain.ResponseRule               `yaml:"response_rules"`
	ProcedureRules []domain.ProcedureRule              `yaml:"procedure_rules"`
	InsuranceRules []domain.InsuranceRule              `yaml:"insurance_rules"`
	QueueRoutes    map[domain.Intent]domain.QueueRoute `yaml:"queue_routes"`
}

// LoadRuleSeed reads a YAML rules file. Environment variables in the file
// are expanded. An empty path yields an empty seed.
func LoadRuleSeed(path string) (*RuleSeed, error) {
	if path == "" {
		return &RuleSeed{}, nil
	}
	data, err := os.ReadFile(os.ExpandEnv(path))
	if err != nil {
		return nil, fmt.Errorf("read rules file: %w", err)
	}
	return ParseRuleSeed(data)
}

// ParseRuleSeed decodes and validates a rules document.
func ParseRuleSeed(data []byte) (*RuleSeed, error) {
	expanded := []byte(os.ExpandEnv(string(data)))

	var seed RuleSeed
	if err := yaml.Unmarshal(expanded, &seed); err != nil {
		return nil, fmt.Errorf("parse rules file: %w", err)
	}

	// rules without an "active" key are active
	type flag struct {
		Active *bool `yaml:"active"`
	}
	var flags struct {
		ResponseRules  []flag `yaml:"response_rules"`
		ProcedureRules []flag `yaml:"procedure_rules"`
		InsuranceRules []flag `yaml:"insurance_rules"`
	}
	if err := yaml.Unmarshal(expanded, &flags); err != nil {
		return nil, fmt.Errorf("parse rules file: %w", err)
	}
	for i, f := range flags.ResponseRules {
		if f.Active == nil {
			seed.ResponseRules[i].Active = true
		}
	}
	for i, f := range flags.ProcedureRules {
		if f.Active == nil {
			seed.ProcedureRules[i].Active = true
		}
	}
	for i, f := range flags.InsuranceRules {
		if f.Active == nil {
			seed.InsuranceRules[i].Active = true
		}
	}

	for i, r := range seed.ResponseRules {
		if r.Intent == "" || r.Template == "" {
			return nil, &domain.ErrValidation{
				Field:   fmt.Sprintf("response_rules[%d]", i),
				Message: "intent and template are required",
			}
		}
	}
	for intent, route := range seed.QueueRoutes {
		if !route.Queue.IsHumanQueue() {
			return nil, &domain.ErrValidation{
				Field:   "queue_routes." + string(intent),
				Message: "not a human queue: " + string(route.Queue),
			}
		}
	}
	return &seed, nil
}
