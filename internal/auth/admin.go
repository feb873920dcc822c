package auth

import (
	"context"
	"errors"
)

// AdminID is the id of the single administrator account. The whole site
// has exactly one admin, provisioned via cmd/admin_setup before first login.
const AdminID = "admin"

var ErrAdminNotFound = errors.New("administrator record not found")

type Administrator struct {
	ID           string
	PasswordHash string
	// TOTPSecret is the base32 shared secret, empty until the first
	// enrollment is confirmed with a valid code.
	TOTPSecret string
}

type adminRepo interface {
	Get(ctx context.Context) (*Administrator, error)
	SetTOTPSecret(ctx context.Context, secret string) error
}
