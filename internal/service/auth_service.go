package service

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/golang-jwt/jwt/v5"
	"go.uber.org/zap"

	"github.com/noah-isme/docflow-api/internal/models"
	appErrors "github.com/noah-isme/docflow-api/pkg/errors"
)

type authUserReader interface {
	GetByID(ctx context.Context, id string) (*models.User, error)
}

// AuthService validates access tokens minted by the identity service and
// resolves them to local user rows. Token issuance lives with the issuer;
// this side only verifies.
type AuthService struct {
	users  authUserReader
	secret string
	logger *zap.Logger
}

// NewAuthService constructs the verifier.
func NewAuthService(users authUserReader, secret string, logger *zap.Logger) *AuthService {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &AuthService{users: users, secret: secret, logger: logger}
}

// ValidateToken parses and validates an access token returning the claims.
func (s *AuthService) ValidateToken(tokenString string) (*models.JWTClaims, error) {
	token, err := jwt.ParseWithClaims(tokenString, &models.JWTClaims{}, func(token *jwt.Token) (interface{}, error) {
		if token.Method != jwt.SigningMethodHS256 {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return []byte(s.secret), nil
	})
	if err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrUnauthorized.Code, appErrors.ErrUnauthorized.Status, "invalid token")
	}

	claims, ok := token.Claims.(*models.JWTClaims)
	if !ok || !token.Valid {
		return nil, appErrors.Clone(appErrors.ErrUnauthorized, "invalid token claims")
	}
	return claims, nil
}

// ResolveUser loads the subscription-bearing user row behind the claims.
// Entitlement and quota decisions need the row, not the token.
func (s *AuthService) ResolveUser(ctx context.Context, claims *models.JWTClaims) (*models.User, error) {
	user, err := s.users.GetByID(ctx, claims.UserID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, appErrors.Clone(appErrors.ErrUnauthorized, "token subject no longer exists")
		}
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to load user")
	}
	if !user.Active {
		return nil, appErrors.Clone(appErrors.ErrUnauthorized, "account is inactive")
	}
	return user, nil
}
