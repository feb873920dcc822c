package auth

import (
	"context"
	"fmt"

	"github.com/anavolk/anavolkcom/pkg"
)

// CredentialStore answers credential questions about the administrator
// account. The plaintext password candidate is never stored or logged.
type CredentialStore struct {
	repo adminRepo
}

func NewCredentialStore(repo adminRepo) *CredentialStore {
	return &CredentialStore{
		repo: repo,
	}
}

func (cs *CredentialStore) VerifyPassword(ctx context.Context, candidate string) (bool, error) {
	admin, err := cs.repo.Get(ctx)
	if err != nil {
		return false, err
	}
	return pkg.CheckPasswordHash(candidate, admin.PasswordHash), nil
}

func (cs *CredentialStore) HasTOTPSecret(ctx context.Context) (bool, error) {
	admin, err := cs.repo.Get(ctx)
	if err != nil {
		return false, err
	}
	return admin.TOTPSecret != "", nil
}

func (cs *CredentialStore) TOTPSecret(ctx context.Context) (string, error) {
	admin, err := cs.repo.Get(ctx)
	if err != nil {
		return "", err
	}
	return admin.TOTPSecret, nil
}

// SetTOTPSecret overwrites any previously enrolled secret. With a single
// administrator, a concurrent re-enrollment race is benign, last write wins.
func (cs *CredentialStore) SetTOTPSecret(ctx context.Context, secret string) error {
	if err := cs.repo.SetTOTPSecret(ctx, secret); err != nil {
		return fmt.Errorf("store totp secret: %w", err)
	}
	return nil
}
