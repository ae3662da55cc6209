// Package middleware provides request logging and authentication for the
// variantz HTTP and gRPC transports. Payload uploads are guarded by a single
// admin bearer token whose bcrypt hash is supplied through configuration.
package middleware

import (
	"context"
	"errors"
	"fmt"

	"golang.org/x/crypto/bcrypt"
)

// AdminPrincipal is the principal stored in the request context once the
// admin token has been validated.
const AdminPrincipal = "admin"

const adminTokenHashCost = bcrypt.DefaultCost

// ErrInvalidToken is returned by [AdminTokenValidator] for a token that does
// not match the configured hash.
var ErrInvalidToken = errors.New("invalid admin token")

// HashAdminToken returns a salted bcrypt hash suitable for ADMIN_TOKEN_HASH.
func HashAdminToken(token string) (string, error) {
	hash, err := bcrypt.GenerateFromPassword([]byte(token), adminTokenHashCost)
	if err != nil {
		return "", fmt.Errorf("hash admin token: %w", err)
	}
	return string(hash), nil
}

// AdminTokenValidator accepts exactly one bearer token, identified by its
// bcrypt hash.
type AdminTokenValidator struct {
	hash []byte
}

// NewAdminTokenValidator validates that hash is a bcrypt hash.
func NewAdminTokenValidator(hash string) (*AdminTokenValidator, error) {
	if _, err := bcrypt.Cost([]byte(hash)); err != nil {
		return nil, fmt.Errorf("parse admin token hash: %w", err)
	}
	return &AdminTokenValidator{hash: []byte(hash)}, nil
}

func (v *AdminTokenValidator) ValidateToken(_ context.Context, token string) (string, error) {
	if err := bcrypt.CompareHashAndPassword(v.hash, []byte(token)); err != nil {
		return "", ErrInvalidToken
	}
	return AdminPrincipal, nil
}
