// Package auth issues and checks the access tokens clients present to the
// control plane.
package auth

import (
	"fmt"

	"github.com/KevinKickass/OpenLabCore/internal/config"
	"go.uber.org/zap"
)

type Permission string

const (
	// PermOperator reads state and drives runs.
	PermOperator Permission = "operator"
	// PermTechnician manages protocols and firmware updates.
	PermTechnician Permission = "technician"
	PermAdmin      Permission = "admin"
)

type Role string

const (
	RoleOperator   Role = "operator"
	RoleTechnician Role = "technician"
	RoleAdmin      Role = "admin"
)

func ParseRole(s string) (Role, error) {
	switch r := Role(s); r {
	case RoleOperator, RoleTechnician, RoleAdmin:
		return r, nil
	}
	return "", fmt.Errorf("unknown role %q", s)
}

type AuthService struct {
	jwtHandler *JWTHandler
	enabled    bool
	logger     *zap.Logger
}

func NewAuthService(cfg config.AuthConfig, logger *zap.Logger) *AuthService {
	if cfg.Enabled && !cfg.IsProductionReady() {
		logger.Warn("JWT secret is the development default or too short")
	}
	return &AuthService{
		jwtHandler: NewJWTHandler(cfg.GetJWTSecret(), cfg.AccessTokenTTL),
		enabled:    cfg.Enabled,
		logger:     logger,
	}
}

// Enabled reports whether requests must carry a token.
func (a *AuthService) Enabled() bool {
	return a.enabled
}

// IssueToken signs an access token for subject.
func (a *AuthService) IssueToken(subject string, role Role) (string, error) {
	token, err := a.jwtHandler.GenerateAccessToken(subject, role)
	if err != nil {
		return "", fmt.Errorf("failed to generate access token: %w", err)
	}
	return token, nil
}

// ValidateToken returns the permissions granted by token.
func (a *AuthService) ValidateToken(token string) ([]Permission, error) {
	if !a.enabled {
		return roleToPermissions(RoleAdmin), nil
	}
	claims, err := a.jwtHandler.ValidateAccessToken(token)
	if err != nil {
		return nil, err
	}
	role, err := ParseRole(claims.Role)
	if err != nil {
		return nil, err
	}
	return roleToPermissions(role), nil
}

func roleToPermissions(role Role) []Permission {
	switch role {
	case RoleAdmin:
		return []Permission{PermOperator, PermTechnician, PermAdmin}
	case RoleTechnician:
		return []Permission{PermOperator, PermTechnician}
	default:
		return []Permission{PermOperator}
	}
}

func HasPermission(perms []Permission, required Permission) bool {
	for _, p := range perms {
		if p == required {
			return true
		}
	}
	return false
}
