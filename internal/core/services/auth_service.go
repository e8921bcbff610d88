package services

import (
	"context"
	"errors"
	"time"

	"rtmsrelay/internal/core/domain"

	"github.com/golang-jwt/jwt/v5"
)

var (
	ErrInvalidToken = errors.New("invalid token")
	ErrExpiredToken = errors.New("token expired")
	ErrUnauthorized = errors.New("unauthorized")
)

// AuthService issues and checks bearer tokens for the session control API.
type AuthService interface {
	GenerateToken(operatorID domain.OperatorID, role domain.OperatorRole) (string, error)
	ValidateToken(tokenString string) (*Claims, error)
	CheckRole(claims *Claims, required domain.OperatorRole) error
	GetOperatorFromContext(ctx context.Context) (domain.OperatorID, error)
}

type Claims struct {
	OperatorID domain.OperatorID   `json:"operator_id"`
	Role       domain.OperatorRole `json:"role"`
	jwt.RegisteredClaims
}

type operatorContextKey struct{}

// WithOperator stores the authenticated operator in ctx.
func WithOperator(ctx context.Context, id domain.OperatorID) context.Context {
	return context.WithValue(ctx, operatorContextKey{}, id)
}

type authService struct {
	jwtSecret      []byte
	accessTokenTTL time.Duration
}

func NewAuthService(jwtSecret string, accessTokenTTL time.Duration) AuthService {
	return &authService{
		jwtSecret:      []byte(jwtSecret),
		accessTokenTTL: accessTokenTTL,
	}
}

func (s *authService) GenerateToken(operatorID domain.OperatorID, role domain.OperatorRole) (string, error) {
	now := time.Now()
	claims := &Claims{
		OperatorID: operatorID,
		Role:       role,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   string(operatorID),
			ExpiresAt: jwt.NewNumericDate(now.Add(s.accessTokenTTL)),
			IssuedAt:  jwt.NewNumericDate(now),
			NotBefore: jwt.NewNumericDate(now),
		},
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString(s.jwtSecret)
}

func (s *authService) ValidateToken(tokenString string) (*Claims, error) {
	token, err := jwt.ParseWithClaims(tokenString, &Claims{}, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, ErrInvalidToken
		}
		return s.jwtSecret, nil
	})

	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return nil, ErrExpiredToken
		}
		return nil, ErrInvalidToken
	}

	if claims, ok := token.Claims.(*Claims); ok && token.Valid {
		return claims, nil
	}

	return nil, ErrInvalidToken
}

func (s *authService) CheckRole(claims *Claims, required domain.OperatorRole) error {
	if claims == nil {
		return ErrUnauthorized
	}
	if s.hasRequiredRole(claims.Role, required) {
		return nil
	}
	return ErrUnauthorized
}

func (s *authService) hasRequiredRole(role, required domain.OperatorRole) bool {
	roleHierarchy := map[domain.OperatorRole]int{
		domain.RoleViewer:   1,
		domain.RoleOperator: 2,
		domain.RoleAdmin:    3,
	}

	return roleHierarchy[role] >= roleHierarchy[required] && roleHierarchy[role] > 0
}

func (s *authService) GetOperatorFromContext(ctx context.Context) (domain.OperatorID, error) {
	id, ok := ctx.Value(operatorContextKey{}).(domain.OperatorID)
	if !ok {
		return "", ErrUnauthorized
	}
	return id, nil
}
