package domain

// Target types of a response rule.
const (
	TargetProcedure = "procedure"
	TargetInsurance = "insurance"
	TargetGeneral   = "general"
)

// ResponseRule é um template de resposta chaveado por (intent, targetType,
// targetId). A resolução escolhe exatamente uma regra vencedora.
type ResponseRule struct {
	ID         string `json:"id" yaml:"id"`
	Intent     Intent `json:"intent" yaml:"intent"`
	Context    string `json:"context,omitempty" yaml:"context,omitempty"`
	TargetType string `json:"target_type,omitempty" yaml:"target_type,omitempty"`
	TargetID   string `json:"target_id,omitempty" yaml:"target_id,omitempty"`
	Priority   int    `json:"priority" yaml:"priority"`
	Template   string `json:"template" yaml:"template"`
	Active     bool   `json:"is_active" yaml:"active"`
}

// ProcedureRule ajusta como as informações de um procedimento são exibidas.
type ProcedureRule struct {
	ProcedureCode                  string  `json:"procedure_code" yaml:"procedure_code"`
	CustomMessage                  string  `json:"custom_message,omitempty" yaml:"custom_message,omitempty"`
	EvaluationPrice                float64 `json:"evaluation_price,omitempty" yaml:"evaluation_price,omitempty"`
	RequiresEvaluation             bool    `json:"requires_evaluation" yaml:"requires_evaluation"`
	ShowEvaluationFirst            *bool   `json:"show_evaluation_first,omitempty" yaml:"show_evaluation_first,omitempty"`
	EvaluationIncludesFirstSession *bool   `json:"evaluation_includes_first_session,omitempty" yaml:"evaluation_includes_first_session,omitempty"`
	EvaluationInPackage            bool    `json:"evaluation_in_package" yaml:"evaluation_in_package"`
	MinimumPackageSessions         int     `json:"minimum_package_sessions,omitempty" yaml:"minimum_package_sessions,omitempty"`
	Active                         bool    `json:"is_active" yaml:"active"`

	// Catálogo: nome, preço da sessão e pacotes exibidos ao paciente.
	Name         string             `json:"name,omitempty" yaml:"name,omitempty"`
	SessionPrice float64            `json:"session_price,omitempty" yaml:"session_price,omitempty"`
	ClinicPrices map[string]float64 `json:"clinic_prices,omitempty" yaml:"clinic_prices,omitempty"`
	Packages     []ProcedurePackage `json:"packages,omitempty" yaml:"packages,omitempty"`
}

// Info is the catalogue entry carried by the rule.
func (r *ProcedureRule) Info() ProcedureInfo {
	name := r.Name
	if name == "" {
		name = r.ProcedureCode
	}
	return ProcedureInfo{
		Code:         r.ProcedureCode,
		Name:         name,
		Price:        r.SessionPrice,
		Packages:     r.Packages,
		ClinicPrices: r.ClinicPrices,
	}
}

// InsuranceRule ajusta a saudação e a exibição de valores de um convênio.
type InsuranceRule struct {
	InsuranceCode   string `json:"insurance_code" yaml:"insurance_code"`
	CustomGreeting  string `json:"custom_greeting,omitempty" yaml:"custom_greeting,omitempty"`
	HideValues      bool   `json:"hide_values" yaml:"hide_values"`
	CanShowDiscount bool   `json:"can_show_discount" yaml:"can_show_discount"`
	Active          bool   `json:"is_active" yaml:"active"`
}

// ProcedureInfo is what the clinic catalogue knows about a procedure.
type ProcedureInfo struct {
	Code     string             `json:"code"`
	Name     string             `json:"name"`
	Price    float64            `json:"price"`
	Packages []ProcedurePackage `json:"packages,omitempty"`
	// ClinicPrices sobrescreve Price por código de unidade.
	ClinicPrices map[string]float64 `json:"clinic_prices,omitempty"`
}

// SessionPrice returns the price charged at clinic, or the base price.
func (p *ProcedureInfo) SessionPrice(clinic string) float64 {
	if v, ok := p.ClinicPrices[clinic]; ok && clinic != "" {
		return v
	}
	return p.Price
}

// ProcedurePackage is a bundle of sessions sold together.
type ProcedurePackage struct {
	Name        string  `json:"name"`
	Price       float64 `json:"price"`
	Sessions    int     `json:"sessions"`
	Description string  `json:"description,omitempty"`
}

// QueueRoute é uma linha da tabela intenção → fila/motivo usada na
// transferência para humano.
type QueueRoute struct {
	Queue  ConversationStatus `json:"queue" yaml:"queue"`
	Reason string             `json:"reason" yaml:"reason"`
}
