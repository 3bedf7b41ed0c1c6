package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

const profileSelect = `
	SELECT id::text, email, name, organization, registration_number, phone, address, description, created_at
	FROM profiles
`

// storeRegisterNGO creates the account and its profile in one transaction so
// a half-registered account can never log in.
func (a *App) storeRegisterNGO(ctx context.Context, input RegistrationInput, passwordHash string) (*NGOProfile, error) {
	tx, err := a.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer func() { _ = tx.Rollback() }()

	accountID := uuid.NewString()
	result, err := tx.ExecContext(ctx, `
		INSERT INTO ngo_accounts (id, email, password_hash)
		VALUES ($1, $2, $3)
		ON CONFLICT (email) DO NOTHING
	`, accountID, input.Email, passwordHash)
	if err != nil {
		return nil, err
	}
	if affected, err := result.RowsAffected(); err != nil {
		return nil, err
	} else if affected == 0 {
		return nil, errAccountExists
	}

	profile := NGOProfile{
		ID:                 accountID,
		Email:              input.Email,
		Name:               input.Name,
		Organization:       input.Organization,
		RegistrationNumber: input.RegistrationNumber,
		Phone:              input.Phone,
		Address:            input.Address,
		Description:        input.Description,
	}
	if err := tx.QueryRowContext(ctx, `
		INSERT INTO profiles (id, email, name, organization, registration_number, phone, address, description)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		RETURNING created_at
	`, profile.ID, profile.Email, profile.Name, profile.Organization, profile.RegistrationNumber, profile.Phone, profile.Address, profile.Description).Scan(&profile.CreatedAt); err != nil {
		return nil, err
	}

	if err := tx.Commit(); err != nil {
		return nil, err
	}
	profile.CreatedAt = profile.CreatedAt.UTC()
	return &profile, nil
}

// storeFindAccount returns an empty id when no account uses email.
func (a *App) storeFindAccount(ctx context.Context, email string) (string, string, error) {
	var accountID, hash string
	err := a.db.QueryRowContext(ctx, `
		SELECT id::text, password_hash FROM ngo_accounts WHERE email = $1
	`, email).Scan(&accountID, &hash)
	if errors.Is(err, sql.ErrNoRows) {
		return "", "", nil
	}
	if err != nil {
		return "", "", err
	}
	return accountID, hash, nil
}

func (a *App) storeGetNGOProfile(ctx context.Context, accountID string) (*NGOProfile, error) {
	var profile NGOProfile
	err := a.db.QueryRowContext(ctx, profileSelect+` WHERE id = $1`, accountID).Scan(
		&profile.ID,
		&profile.Email,
		&profile.Name,
		&profile.Organization,
		&profile.RegistrationNumber,
		&profile.Phone,
		&profile.Address,
		&profile.Description,
		&profile.CreatedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	profile.CreatedAt = profile.CreatedAt.UTC()
	return &profile, nil
}

func (a *App) storeListNGOEmails(ctx context.Context) ([]string, error) {
	rows, err := a.db.QueryContext(ctx, `SELECT email FROM profiles ORDER BY created_at ASC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	emails := make([]string, 0)
	for rows.Next() {
		var email string
		if err := rows.Scan(&email); err != nil {
			return nil, err
		}
		emails = append(emails, email)
	}
	return emails, rows.Err()
}

func (a *App) storeOpenNGOSession(ctx context.Context, accountID string, expiresAt time.Time) (string, error) {
	sessionID := uuid.NewString()
	if _, err := a.db.ExecContext(ctx, `
		INSERT INTO ngo_sessions (id, account_id, expires_at)
		VALUES ($1, $2, $3)
	`, sessionID, accountID, expiresAt); err != nil {
		return "", fmt.Errorf("open session: %w", err)
	}
	return sessionID, nil
}

func (a *App) storeNGOSessionActive(ctx context.Context, sessionID string) (bool, error) {
	if _, err := uuid.Parse(sessionID); err != nil {
		return false, nil
	}
	var active bool
	err := a.db.QueryRowContext(ctx, `
		SELECT EXISTS(
			SELECT 1 FROM ngo_sessions
			WHERE id = $1 AND revoked_at IS NULL AND expires_at > NOW()
		)
	`, sessionID).Scan(&active)
	return active, err
}

func (a *App) storeRevokeNGOSession(ctx context.Context, sessionID string) error {
	if _, err := uuid.Parse(sessionID); err != nil {
		return nil
	}
	_, err := a.db.ExecContext(ctx, `
		UPDATE ngo_sessions SET revoked_at = NOW()
		WHERE id = $1 AND revoked_at IS NULL
	`, sessionID)
	return err
}
