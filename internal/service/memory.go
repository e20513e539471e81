package service

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"time"

	"github.com/boddenberg/clinic-frontline-go/internal/domain"
	"github.com/boddenberg/clinic-frontline-go/internal/port"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Memory bag keys inside Patient.Preferences["memories"].
const (
	memName            = "nome"
	memCPF             = "cpf"
	memEmail           = "email"
	memBirthDate       = "nascimento"
	memInsurance       = "convenio"
	memInsuranceNumber = "numero_convenio"
	memConditions      = "condicoes"
	memFacts           = "fatos_importantes"
	memUpdatedAt       = "ultima_atualizacao"

	pendingRegistrationName = "Aguardando cadastro"
)

// Memories are long-term facts about a patient.
type Memories struct {
	Name            string
	CPF             string
	Email           string
	BirthDate       string // DD/MM/AAAA
	Insurance       string
	InsuranceNumber string
	Conditions      []string
	Facts           []string
}

// IsZero reports whether there is nothing to remember.
func (m Memories) IsZero() bool {
	return m.Name == "" && m.CPF == "" && m.Email == "" && m.BirthDate == "" &&
		m.Insurance == "" && m.InsuranceNumber == "" && len(m.Conditions) == 0 && len(m.Facts) == 0
}

// MemoriesFromEntities keeps the identity fields of validated entities.
// Intent-scoped fields (procedure, date, time) are not long-term facts.
func MemoriesFromEntities(e domain.Entities) Memories {
	return Memories{
		Name:            e.Name,
		CPF:             e.CPF,
		Email:           e.Email,
		BirthDate:       e.BirthDate,
		Insurance:       e.Insurance,
		InsuranceNumber: e.InsuranceNumber,
	}
}

// MemoryKeeper merges extracted memories into the patient record, creating
// the patient on the first structured data collected.
type MemoryKeeper struct {
	patients port.PatientStore
	clock    port.Clock
	logger   *zap.Logger
}

// NewMemoryKeeper creates the memory keeper.
func NewMemoryKeeper(patients port.PatientStore, clock port.Clock, logger *zap.Logger) *MemoryKeeper {
	return &MemoryKeeper{patients: patients, clock: clock, logger: logger}
}

// Remember merges mem into the patient of phone. New scalar values replace
// old ones, list values are unioned.
func (k *MemoryKeeper) Remember(ctx context.Context, phone string, mem Memories) (*domain.Patient, error) {
	if mem.IsZero() {
		return nil, nil
	}

	ctx, span := tracer.Start(ctx, "MemoryKeeper.Remember")
	defer span.End()

	patient, err := k.patients.FindByPhone(ctx, phone)
	var nf *domain.ErrNotFound
	switch {
	case errors.As(err, &nf):
		return k.create(ctx, phone, mem)
	case err != nil:
		return nil, fmt.Errorf("find patient: %w", err)
	}
	return k.merge(ctx, patient, mem)
}

func (k *MemoryKeeper) merge(ctx context.Context, patient *domain.Patient, mem Memories) (*domain.Patient, error) {
	applyIdentity(patient, mem)
	if patient.Preferences == nil {
		patient.Preferences = map[string]any{}
	}
	patient.Preferences["memories"] = mergeMemories(patient.Memories(), mem, k.clock.Now())

	updated, err := k.patients.Update(ctx, patient)
	if err != nil {
		return nil, fmt.Errorf("update patient: %w", err)
	}
	k.logger.Debug("patient memories merged", zap.String("patient_id", updated.ID))
	return updated, nil
}

func (k *MemoryKeeper) create(ctx context.Context, phone string, mem Memories) (*domain.Patient, error) {
	now := k.clock.Now()
	p := &domain.Patient{
		ID:          uuid.NewString(),
		Name:        pendingRegistrationName,
		Phone:       phone,
		Preferences: map[string]any{"memories": mergeMemories(nil, mem, now)},
		CreatedAt:   now,
	}
	applyIdentity(p, mem)

	created, err := k.patients.Create(ctx, p)
	var conflict *domain.ErrConflict
	if errors.As(err, &conflict) {
		// another turn created it first
		existing, ferr := k.patients.FindByPhone(ctx, phone)
		if ferr != nil {
			return nil, fmt.Errorf("create patient: %w", err)
		}
		return k.merge(ctx, existing, mem)
	}
	if err != nil {
		return nil, fmt.Errorf("create patient: %w", err)
	}
	k.logger.Info("patient created from collected data", zap.String("patient_id", created.ID))
	return created, nil
}

func applyIdentity(p *domain.Patient, mem Memories) {
	set := func(dst *string, v string) {
		if v != "" {
			*dst = v
		}
	}
	set(&p.Name, mem.Name)
	set(&p.CPF, mem.CPF)
	set(&p.Email, mem.Email)
	set(&p.InsuranceCompany, mem.Insurance)
	set(&p.InsuranceNumber, mem.InsuranceNumber)
	if t, err := time.Parse("02/01/2006", mem.BirthDate); err == nil {
		p.BirthDate = &t
	}
}

func mergeMemories(existing map[string]any, mem Memories, now time.Time) map[string]any {
	out := make(map[string]any, len(existing)+4)
	for k, v := range existing {
		out[k] = v
	}
	for k, v := range map[string]string{
		memName:            mem.Name,
		memCPF:             mem.CPF,
		memEmail:           mem.Email,
		memBirthDate:       mem.BirthDate,
		memInsurance:       mem.Insurance,
		memInsuranceNumber: mem.InsuranceNumber,
	} {
		if v != "" {
			out[k] = v
		}
	}
	out[memConditions] = union(stringList(existing[memConditions]), mem.Conditions)
	out[memFacts] = union(stringList(existing[memFacts]), mem.Facts)
	out[memUpdatedAt] = now.UTC().Format(time.RFC3339)
	return out
}

// stringList accepts []string or the []any produced by JSON decoding.
func stringList(v any) []string {
	switch t := v.(type) {
	case []string:
		return t
	case []any:
		out := make([]string, 0, len(t))
		for _, x := range t {
			if s, ok := x.(string); ok {
				out = append(out, s)
			}
		}
		return out
	}
	return nil
}

func union(a, b []string) []string {
	out := make([]string, 0, len(a)+len(b))
	for _, s := range append(slices.Clone(a), b...) {
		if s != "" && !slices.Contains(out, s) {
			out = append(out, s)
		}
	}
	return out
}
