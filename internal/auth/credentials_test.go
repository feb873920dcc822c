package auth

import (
	"context"
	"errors"
	"testing"

	"github.com/anavolk/anavolkcom/pkg"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type adminRepoInMemory struct {
	admin  *Administrator
	getErr error
}

func (r *adminRepoInMemory) Get(_ context.Context) (*Administrator, error) {
	if r.getErr != nil {
		return nil, r.getErr
	}
	if r.admin == nil {
		return nil, ErrAdminNotFound
	}
	return r.admin, nil
}

func (r *adminRepoInMemory) SetTOTPSecret(_ context.Context, secret string) error {
	if r.admin == nil {
		return ErrAdminNotFound
	}
	r.admin.TOTPSecret = secret
	return nil
}

func TestCredentialStore_VerifyPassword(t *testing.T) {
	passwordHash, err := pkg.HashPassword("open sesame")
	require.NoError(t, err)

	repo := &adminRepoInMemory{admin: &Administrator{
		ID:           AdminID,
		PasswordHash: passwordHash,
	}}
	creds := NewCredentialStore(repo)

	ok, err := creds.VerifyPassword(context.Background(), "open sesame")
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = creds.VerifyPassword(context.Background(), "not it")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestCredentialStore_VerifyPassword_NoAdmin(t *testing.T) {
	creds := NewCredentialStore(&adminRepoInMemory{})

	_, err := creds.VerifyPassword(context.Background(), "anything")
	assert.ErrorIs(t, err, ErrAdminNotFound)
}

func TestCredentialStore_TOTPSecretLifecycle(t *testing.T) {
	repo := &adminRepoInMemory{admin: &Administrator{ID: AdminID}}
	creds := NewCredentialStore(repo)
	ctx := context.Background()

	hasSecret, err := creds.HasTOTPSecret(ctx)
	require.NoError(t, err)
	assert.False(t, hasSecret)

	require.NoError(t, creds.SetTOTPSecret(ctx, testTotpSecret))

	hasSecret, err = creds.HasTOTPSecret(ctx)
	require.NoError(t, err)
	assert.True(t, hasSecret)

	secret, err := creds.TOTPSecret(ctx)
	require.NoError(t, err)
	assert.Equal(t, testTotpSecret, secret)
}

func TestCredentialStore_RepoError(t *testing.T) {
	repoErr := errors.New("db gone")
	creds := NewCredentialStore(&adminRepoInMemory{getErr: repoErr})

	_, err := creds.HasTOTPSecret(context.Background())
	assert.ErrorIs(t, err, repoErr)

	_, err = creds.TOTPSecret(context.Background())
	assert.ErrorIs(t, err, repoErr)
}
