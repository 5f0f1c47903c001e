package models

import "github.com/golang-jwt/jwt/v5"

// TokenClaims are issued by the identity service. Only verified users may move money out
// of the ledger or fund loans.
type TokenClaims struct {
	UserID   string `json:"user_id"`
	Email    string `json:"email"`
	Verified bool   `json:"verified"`
	jwt.RegisteredClaims
}
