package domain

import (
	"github.com/golang-jwt/jwt/v5"
)

// RoleAdmin is the operator role required on admin routes
const RoleAdmin = "admin"

// AdminClaims represents custom JWT claims for operator access
type AdminClaims struct {
	Subject string   `json:"sub_name,omitempty"` // operator display name for logs
	Roles   []string `json:"roles"`
	jwt.RegisteredClaims
}

// HasRole checks if the token carries a specific role
func (c *AdminClaims) HasRole(role string) bool {
	for _, r := range c.Roles {
		if r == role {
			return true
		}
	}
	return false
}
