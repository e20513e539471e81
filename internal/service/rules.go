package service

import (
	"context"
	"fmt"
	"strconv"
	"strings"

	"github.com/boddenberg/clinic-frontline-go/internal/domain"
	"github.com/boddenberg/clinic-frontline-go/internal/infra/observability"
	"github.com/boddenberg/clinic-frontline-go/internal/port"
	"github.com/boddenberg/clinic-frontline-go/internal/template"

	"go.uber.org/zap"
)

// RuleResolver picks response templates and formats rule-driven texts.
// It is a read-only projection over the rule store.
type RuleResolver struct {
	store   port.RuleStore
	cache   port.Cache[[]domain.ResponseRule]
	metrics *observability.Metrics
	logger  *zap.Logger
}

// NewRuleResolver creates the resolver. cache may be nil.
func NewRuleResolver(store port.RuleStore, cache port.Cache[[]domain.ResponseRule], metrics *observability.Metrics, logger *zap.Logger) *RuleResolver {
	return &RuleResolver{store: store, cache: cache, metrics: metrics, logger: logger}
}

// Specificity tiers, higher wins.
const (
	tierNone = iota
	tierGeneral
	tierType
	tierTarget
)

// Resolve returns the most specific active rule for intent:
// exact targetID > targetType with no id > general catch-all, ties broken by
// higher priority and then by store order. Returns nil, nil on miss.
func (r *RuleResolver) Resolve(ctx context.Context, intent domain.Intent, ruleContext, targetType, targetID string) (*domain.ResponseRule, error) {
	ctx, span := tracer.Start(ctx, "RuleResolver.Resolve")
	defer span.End()

	rules, err := r.rulesFor(ctx, intent)
	if err != nil {
		return nil, err
	}

	var (
		best     *domain.ResponseRule
		bestTier int
	)
	for i := range rules {
		rule := &rules[i]
		if !rule.Active || rule.Intent != intent {
			continue
		}
		if rule.Context != "" && ruleContext != "" && rule.Context != ruleContext {
			continue
		}
		tier := specificity(rule, targetType, targetID)
		if tier == tierNone {
			continue
		}
		if best == nil || tier > bestTier || (tier == bestTier && rule.Priority > best.Priority) {
			best, bestTier = rule, tier
		}
	}
	if best == nil {
		return nil, nil
	}
	out := *best
	return &out, nil
}

func specificity(rule *domain.ResponseRule, targetType, targetID string) int {
	switch {
	case rule.TargetID != "":
		if targetID != "" && rule.TargetID == targetID {
			return tierTarget
		}
		return tierNone
	case rule.TargetType == domain.TargetGeneral || rule.TargetType == "":
		return tierGeneral
	case rule.TargetType != "" && rule.TargetType == targetType:
		return tierType
	}
	return tierNone
}

func (r *RuleResolver) rulesFor(ctx context.Context, intent domain.Intent) ([]domain.ResponseRule, error) {
	key := "rules:" + string(intent)
	if r.cache != nil {
		if rules, ok := r.cache.Get(key); ok {
			r.metrics.IncrCacheHit("rules")
			return rules, nil
		}
		r.metrics.IncrCacheMiss("rules")
	}

	rules, err := r.store.ListResponseRules(ctx, intent)
	if err != nil {
		return nil, fmt.Errorf("list response rules: %w", err)
	}
	if r.cache != nil {
		r.cache.Set(key, rules)
	}
	return rules, nil
}

// RenderResponse resolves a rule and renders its template with bindings.
// A miss or a store failure yields fallback unchanged.
func (r *RuleResolver) RenderResponse(ctx context.Context, intent domain.Intent, targetType, targetID string, bindings map[string]any, fallback string) string {
	rule, err := r.Resolve(ctx, intent, "", targetType, targetID)
	if err != nil {
		r.logger.Warn("rule lookup failed, using fallback text",
			zap.String("intent", string(intent)),
			zap.Error(err),
		)
		return fallback
	}
	if rule == nil || strings.TrimSpace(rule.Template) == "" {
		return fallback
	}
	out := template.Render(rule.Template, bindings)
	if out == "" {
		return fallback
	}
	return out
}

// FormatProcedureInfo builds the price sheet of a procedure following its
// procedure rule. clinic selects a unit-specific session price.
func (r *RuleResolver) FormatProcedureInfo(ctx context.Context, info domain.ProcedureInfo, clinic string) string {
	if info.Code == "" {
		name := info.Name
		if name == "" {
			name = "Procedimento"
		}
		return fmt.Sprintf("**%s**: R$ %s", name, formatPrice(info.Price))
	}

	sessionPrice := info.SessionPrice(clinic)

	rule, err := r.store.GetProcedureRule(ctx, info.Code)
	if err != nil {
		r.logger.Warn("procedure rule lookup failed",
			zap.String("procedure", info.Code),
			zap.Error(err),
		)
		rule = nil
	}
	if rule == nil || !rule.Active {
		unit := ""
		if clinic != "" {
			unit = fmt.Sprintf(" (unidade: %s)", clinic)
		}
		return fmt.Sprintf("**%s**%s: R$ %s", info.Name, unit, formatPrice(sessionPrice))
	}

	var sb strings.Builder
	if rule.CustomMessage != "" {
		sb.WriteString(rule.CustomMessage)
		sb.WriteString("\n\n")
	}

	if rule.EvaluationPrice > 0 {
		if boolOr(rule.ShowEvaluationFirst, true) {
			mandatory := ""
			if rule.RequiresEvaluation {
				mandatory = " (obrigatória)"
			}
			if boolOr(rule.EvaluationIncludesFirstSession, true) {
				fmt.Fprintf(&sb, "• **Avaliação + Primeira Sessão**: R$ %s%s\n", formatPrice(rule.EvaluationPrice), mandatory)
			} else {
				fmt.Fprintf(&sb, "• **Avaliação**: R$ %s%s\n", formatPrice(rule.EvaluationPrice), mandatory)
				fmt.Fprintf(&sb, "• **Sessão avulsa**: R$ %s\n", formatPrice(sessionPrice))
			}
		}
	} else {
		fmt.Fprintf(&sb, "• **Sessão avulsa**: R$ %s\n", formatPrice(sessionPrice))
	}

	if len(info.Packages) > 0 {
		minSessions := rule.MinimumPackageSessions
		if minSessions == 0 {
			minSessions = 10
		}
		sb.WriteString("\n📦 **Pacotes disponíveis:**\n")
		for _, pkg := range info.Packages {
			fmt.Fprintf(&sb, "• %s: R$ %s (%d sessões)", pkg.Name, formatPrice(pkg.Price), pkg.Sessions)
			if rule.EvaluationInPackage && pkg.Sessions >= minSessions {
				sb.WriteString(" - **Avaliação GRÁTIS**")
			}
			if pkg.Description != "" {
				sb.WriteString(" - ")
				sb.WriteString(pkg.Description)
			}
			sb.WriteString("\n")
		}
	}
	return sb.String()
}

// ProcedureInfo returns the catalogue entry of an active procedure rule, or
// nil.
func (r *RuleResolver) ProcedureInfo(ctx context.Context, code string) *domain.ProcedureInfo {
	if code == "" {
		return nil
	}
	rule, err := r.store.GetProcedureRule(ctx, code)
	if err != nil {
		r.logger.Warn("procedure rule lookup failed",
			zap.String("procedure", code),
			zap.Error(err),
		)
		return nil
	}
	if rule == nil || !rule.Active {
		return nil
	}
	info := rule.Info()
	return &info
}

// FormatInsuranceGreeting returns the insurance's custom greeting with
// {convenio} replaced, or the default greeting.
func (r *RuleResolver) FormatInsuranceGreeting(ctx context.Context, code, name string) string {
	rule := r.insuranceRule(ctx, code)
	if rule == nil || rule.CustomGreeting == "" {
		return fmt.Sprintf("Perfeito! Trabalhamos com %s.", name)
	}
	return template.Render(rule.CustomGreeting, map[string]any{"convenio": name})
}

// ShouldShowInsuranceValues is false unless a rule exists and does not hide
// values.
func (r *RuleResolver) ShouldShowInsuranceValues(ctx context.Context, code string) bool {
	rule := r.insuranceRule(ctx, code)
	return rule != nil && !rule.HideValues
}

// CanShowDiscount reports the insurance's discount flag, false without rule.
func (r *RuleResolver) CanShowDiscount(ctx context.Context, code string) bool {
	rule := r.insuranceRule(ctx, code)
	return rule != nil && rule.CanShowDiscount
}

func (r *RuleResolver) insuranceRule(ctx context.Context, code string) *domain.InsuranceRule {
	if code == "" {
		return nil
	}
	rule, err := r.store.GetInsuranceRule(ctx, code)
	if err != nil {
		r.logger.Warn("insurance rule lookup failed",
			zap.String("insurance", code),
			zap.Error(err),
		)
		return nil
	}
	if rule == nil || !rule.Active {
		return nil
	}
	return rule
}

func boolOr(p *bool, def bool) bool {
	if p == nil {
		return def
	}
	return *p
}

func formatPrice(v float64) string {
	return strconv.FormatFloat(v, 'f', -1, 64)
}
