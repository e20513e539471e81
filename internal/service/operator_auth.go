package service

import (
	"fmt"
	"time"

	"github.com/boddenberg/clinic-frontline-go/internal/domain"

	"github.com/golang-jwt/jwt/v5"
)

// Operator roles carried in the token.
const (
	RoleAgent      = "agent"
	RoleSupervisor = "supervisor"
)

// OperatorClaims are the claims of an operator (attendant) access token.
// Sub is the agent id used for conversation ownership.
type OperatorClaims struct {
	Sub  string `json:"sub"`
	Role string `json:"role"`
	Type string `json:"type"`
	jwt.RegisteredClaims
}

// Supervisor reports whether the token may act on conversations held by
// other agents.
func (c *OperatorClaims) Supervisor() bool {
	return c.Role == RoleSupervisor
}

// OperatorAuth validates the bearer tokens of the attendant dashboard. Tokens
// are normally minted by the clinic's identity service with the shared
// secret; IssueToken exists for local tooling and tests.
type OperatorAuth struct {
	secret []byte
	ttl    time.Duration
	clock  func() time.Time
}

// NewOperatorAuth creates the validator. ttl applies to issued tokens.
func NewOperatorAuth(secret string, ttl time.Duration) *OperatorAuth {
	if ttl <= 0 {
		ttl = 12 * time.Hour
	}
	return &OperatorAuth{secret: []byte(secret), ttl: ttl, clock: time.Now}
}

// IssueToken signs an access token for agentID.
func (a *OperatorAuth) IssueToken(agentID, role string) (string, error) {
	if agentID == "" {
		return "", &domain.ErrValidation{Field: "agent_id", Message: "required"}
	}
	if role == "" {
		role = RoleAgent
	}
	now := a.clock()
	claims := OperatorClaims{
		Sub:  agentID,
		Role: role,
		Type: "access",
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   agentID,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(a.ttl)),
			Issuer:    "clinic-frontline",
		},
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString(a.secret)
}

// ValidateToken parses and checks an access token.
func (a *OperatorAuth) ValidateToken(tokenString string) (*OperatorClaims, error) {
	token, err := jwt.ParseWithClaims(tokenString, &OperatorClaims{}, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", t.Header["alg"])
		}
		return a.secret, nil
	})
	if err != nil {
		return nil, &domain.ErrUnauthorized{Message: "Token inválido ou expirado"}
	}

	claims, ok := token.Claims.(*OperatorClaims)
	if !ok || !token.Valid {
		return nil, &domain.ErrUnauthorized{Message: "Token inválido"}
	}
	if claims.Type != "access" {
		return nil, &domain.ErrUnauthorized{Message: "Tipo de token inválido"}
	}
	if claims.Sub == "" {
		return nil, &domain.ErrUnauthorized{Message: "Token sem atendente"}
	}
	return claims, nil
}
