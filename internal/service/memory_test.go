package service_test

import (
	"context"
	"testing"

	"github.com/boddenberg/clinic-frontline-go/internal/domain"
	"github.com/boddenberg/clinic-frontline-go/internal/infra/memory"
	"github.com/boddenberg/clinic-frontline-go/internal/service"

	"go.uber.org/zap"
)

func TestRemember_CreatesPendingPatient(t *testing.T) {
	patients := memory.NewPatientStore()
	k := service.NewMemoryKeeper(patients, newTestClock(), zap.NewNop())

	p, err := k.Remember(context.Background(), "5592", service.Memories{Insurance: "Unimed", BirthDate: "05/07/1990"})
	if err != nil {
		t.Fatalf("remember: %v", err)
	}
	if p.Name != "Aguardando cadastro" || p.InsuranceCompany != "Unimed" {
		t.Errorf("unexpected patient %+v", p)
	}
	if p.BirthDate == nil || p.BirthDate.Day() != 5 || p.BirthDate.Month() != 7 {
		t.Errorf("birth date not parsed: %v", p.BirthDate)
	}
	if p.Memories()["convenio"] != "Unimed" {
		t.Errorf("memories = %v", p.Memories())
	}
}

func TestRemember_MergesIntoExisting(t *testing.T) {
	patients := memory.NewPatientStore()
	ctx := context.Background()
	if _, err := patients.Create(ctx, &domain.Patient{
		ID: "p1", Name: "Ana", Phone: "5592", Email: "ana@old.com",
		Preferences: map[string]any{
			"tema": "escuro",
			"memories": map[string]any{
				"email":             "ana@old.com",
				"condicoes":         []any{"hérnia de disco"},
				"fatos_importantes": []any{"prefere manhã"},
			},
		},
	}); err != nil {
		t.Fatalf("seed: %v", err)
	}
	k := service.NewMemoryKeeper(patients, newTestClock(), zap.NewNop())

	p, err := k.Remember(ctx, "5592", service.Memories{
		Email:      "ana@new.com",
		Conditions: []string{"hérnia de disco", "lombalgia"},
		Facts:      []string{"tem dois filhos"},
	})
	if err != nil {
		t.Fatalf("remember: %v", err)
	}

	if p.ID != "p1" || p.Name != "Ana" || p.Email != "ana@new.com" {
		t.Errorf("unexpected identity %+v", p)
	}
	if p.Preferences["tema"] != "escuro" {
		t.Error("other preferences must survive the merge")
	}
	mem := p.Memories()
	if mem["email"] != "ana@new.com" {
		t.Errorf("new scalar must replace old, got %v", mem["email"])
	}
	conds, _ := mem["condicoes"].([]string)
	if len(conds) != 2 || conds[0] != "hérnia de disco" || conds[1] != "lombalgia" {
		t.Errorf("conditions must be unioned, got %v", mem["condicoes"])
	}
	facts, _ := mem["fatos_importantes"].([]string)
	if len(facts) != 2 {
		t.Errorf("facts must be unioned, got %v", mem["fatos_importantes"])
	}
	if mem["ultima_atualizacao"] == nil {
		t.Error("update time missing")
	}
}

func TestRemember_NothingToRemember(t *testing.T) {
	k := service.NewMemoryKeeper(memory.NewPatientStore(), newTestClock(), zap.NewNop())
	p, err := k.Remember(context.Background(), "5592", service.MemoriesFromEntities(domain.Entities{Procedure: "RPG", Date: "amanhã"}))
	if err != nil || p != nil {
		t.Errorf("intent-only entities are not memories, got %+v, %v", p, err)
	}
}
