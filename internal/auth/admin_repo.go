package auth

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

var _ adminRepo = (*AdminRepo)(nil)

// AdminRepo persists the single administrator record (see AdminID).
type AdminRepo struct {
	db *pgxpool.Pool
}

func NewAdminRepo(db *pgxpool.Pool) *AdminRepo {
	return &AdminRepo{
		db: db,
	}
}

func (r *AdminRepo) Get(ctx context.Context) (*Administrator, error) {
	var passwordHash string
	var totpSecret *string
	err := r.db.QueryRow(
		ctx,
		`SELECT password_hash, totp_secret FROM admin_account WHERE id = $1;`,
		AdminID,
	).Scan(&passwordHash, &totpSecret)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrAdminNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get admin account: %w", err)
	}

	admin := &Administrator{
		ID:           AdminID,
		PasswordHash: passwordHash,
	}
	if totpSecret != nil {
		admin.TOTPSecret = *totpSecret
	}
	return admin, nil
}

func (r *AdminRepo) SetTOTPSecret(ctx context.Context, secret string) error {
	tag, err := r.db.Exec(
		ctx,
		`UPDATE admin_account SET totp_secret = $1, updated_at = NOW() WHERE id = $2;`,
		secret, AdminID,
	)
	if err != nil {
		return fmt.Errorf("set totp secret: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrAdminNotFound
	}
	return nil
}

// Provision creates the administrator record, or resets its password hash
// if the record already exists. Used by the setup tool, not the hot path.
func (r *AdminRepo) Provision(ctx context.Context, passwordHash string) error {
	_, err := r.db.Exec(
		ctx,
		`
			INSERT INTO admin_account (id, password_hash, created_at, updated_at)
			VALUES ($1, $2, NOW(), NOW())
			ON CONFLICT (id)
			DO UPDATE SET password_hash = EXCLUDED.password_hash, updated_at = NOW();`,
		AdminID, passwordHash,
	)
	if err != nil {
		return fmt.Errorf("provision admin account: %w", err)
	}
	return nil
}
