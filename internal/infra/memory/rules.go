package memory

import (
	"context"
	"strings"
	"sync"

	"github.com/boddenberg/clinic-frontline-go/internal/domain"
)

// RuleStore is a read-mostly rule table, loaded from the rules file.
type RuleStore struct {
	mu         sync.RWMutex
	responses  []domain.ResponseRule
	procedures map[string]domain.ProcedureRule
	insurances map[string]domain.InsuranceRule
}

// NewRuleStore creates an empty table.
func NewRuleStore() *RuleStore {
	return &RuleStore{
		procedures: make(map[string]domain.ProcedureRule),
		insurances: make(map[string]domain.InsuranceRule),
	}
}

// Load replaces the table content.
func (s *RuleStore) Load(responses []domain.ResponseRule, procedures []domain.ProcedureRule, insurances []domain.InsuranceRule) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.responses = append([]domain.ResponseRule(nil), responses...)
	s.procedures = make(map[string]domain.ProcedureRule, len(procedures))
	for _, r := range procedures {
		s.procedures[normalizeCode(r.ProcedureCode)] = r
	}
	s.insurances = make(map[string]domain.InsuranceRule, len(insurances))
	for _, r := range insurances {
		s.insurances[normalizeCode(r.InsuranceCode)] = r
	}
}

func (s *RuleStore) ListResponseRules(_ context.Context, intent domain.Intent) ([]domain.ResponseRule, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []domain.ResponseRule
	for _, r := range s.responses {
		if r.Intent == intent {
			out = append(out, r)
		}
	}
	return out, nil
}

func (s *RuleStore) GetProcedureRule(_ context.Context, code string) (*domain.ProcedureRule, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	r, ok := s.procedures[normalizeCode(code)]
	if !ok || !r.Active {
		return nil, nil
	}
	return &r, nil
}

func (s *RuleStore) GetInsuranceRule(_ context.Context, code string) (*domain.InsuranceRule, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	r, ok := s.insurances[normalizeCode(code)]
	if !ok || !r.Active {
		return nil, nil
	}
	return &r, nil
}

func normalizeCode(code string) string {
	return strings.ToLower(strings.TrimSpace(code))
}
