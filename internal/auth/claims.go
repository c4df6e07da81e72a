package auth

import "github.com/golang-jwt/jwt/v5"

type TokenType string

const (
	TokenTypeAccess  TokenType = "access"
	TokenTypeRefresh TokenType = "refresh"
)

// Claims are the only supported JWT claims shape for dashboard tokens.
// Tenancy invariant: BusinessID must be present for every non-admin token;
// a dashboard may only touch its own business's signaling and presence.
type Claims struct {
	jwt.RegisteredClaims

	UserID     string    `json:"user_id"`
	BusinessID string    `json:"business_id"`
	Role       string    `json:"role"`
	TokenType  TokenType `json:"token_type"`
}
