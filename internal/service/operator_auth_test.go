package service_test

import (
	"errors"
	"testing"
	"time"

	"github.com/boddenberg/clinic-frontline-go/internal/domain"
	"github.com/boddenberg/clinic-frontline-go/internal/service"

	"github.com/golang-jwt/jwt/v5"
)

const authSecret = "operator-secret"

func signed(t *testing.T, claims service.OperatorClaims) string {
	t.Helper()
	tok, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(authSecret))
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	return tok
}

func TestOperatorAuth_IssueAndValidate(t *testing.T) {
	auth := service.NewOperatorAuth(authSecret, time.Hour)

	tok, err := auth.IssueToken("ana", "")
	if err != nil {
		t.Fatalf("issue: %v", err)
	}
	claims, err := auth.ValidateToken(tok)
	if err != nil {
		t.Fatalf("validate: %v", err)
	}
	if claims.Sub != "ana" || claims.Role != service.RoleAgent || claims.Supervisor() {
		t.Errorf("unexpected claims %+v", claims)
	}

	tok, _ = auth.IssueToken("carla", service.RoleSupervisor)
	claims, err = auth.ValidateToken(tok)
	if err != nil || !claims.Supervisor() {
		t.Errorf("expected supervisor claims, got %+v, %v", claims, err)
	}
}

func TestOperatorAuth_IssueRequiresAgent(t *testing.T) {
	auth := service.NewOperatorAuth(authSecret, time.Hour)

	var verr *domain.ErrValidation
	if _, err := auth.IssueToken("", service.RoleAgent); !errors.As(err, &verr) {
		t.Errorf("expected validation error, got %v", err)
	}
}

func TestOperatorAuth_Rejects(t *testing.T) {
	auth := service.NewOperatorAuth(authSecret, time.Hour)
	now := time.Now()

	tests := []struct {
		name  string
		token string
	}{
		{"garbage", "not-a-jwt"},
		{"expired", signed(t, service.OperatorClaims{
			Sub: "ana", Type: "access",
			RegisteredClaims: jwt.RegisteredClaims{ExpiresAt: jwt.NewNumericDate(now.Add(-time.Minute))},
		})},
		{"refresh token", signed(t, service.OperatorClaims{
			Sub: "ana", Type: "refresh",
			RegisteredClaims: jwt.RegisteredClaims{ExpiresAt: jwt.NewNumericDate(now.Add(time.Hour))},
		})},
		{"no agent", signed(t, service.OperatorClaims{
			Type:             "access",
			RegisteredClaims: jwt.RegisteredClaims{ExpiresAt: jwt.NewNumericDate(now.Add(time.Hour))},
		})},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var uerr *domain.ErrUnauthorized
			if _, err := auth.ValidateToken(tt.token); !errors.As(err, &uerr) {
				t.Errorf("expected unauthorized, got %v", err)
			}
		})
	}
}
