package repository

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"sessiongate/internal/models"
)

// CredentialRepository is the Postgres-backed credential store. Durations are stored as a
// JSONB object of profile name to milliseconds.
type CredentialRepository struct {
	pool *pgxpool.Pool
}

func NewCredentialRepository(pool *pgxpool.Pool) *CredentialRepository {
	return &CredentialRepository{pool: pool}
}

func (r *CredentialRepository) Lookup(ctx context.Context, name string) (models.Identity, error) {
	const query = `
		SELECT name, secret_hash, role, capabilities, api_access, durations, default_profile, max_profile, last_login_at
		FROM identities WHERE name = $1
	`

	row := r.pool.QueryRow(ctx, query, name)
	var (
		identity  models.Identity
		secret    string
		role      string
		durations []byte
	)
	if err := row.Scan(
		&identity.Name,
		&secret,
		&role,
		&identity.Capabilities,
		&identity.APIAccess,
		&durations,
		&identity.DefaultProfile,
		&identity.MaxProfile,
		&identity.LastLoginAt,
	); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return models.Identity{}, models.ErrIdentityNotFound
		}
		return models.Identity{}, err
	}

	profiles, err := decodeDurations(durations)
	if err != nil {
		return models.Identity{}, fmt.Errorf("identity %s: %w", name, err)
	}
	identity.SecretHash = []byte(secret)
	identity.Role = models.Role(role)
	identity.Durations = profiles
	return identity, nil
}

func (r *CredentialRepository) RecordLoginSuccess(ctx context.Context, name string, at time.Time) error {
	const query = `
		UPDATE identities SET last_login_at = $2, updated_at = NOW() WHERE name = $1
	`
	cmd, err := r.pool.Exec(ctx, query, name, at)
	if err != nil {
		return err
	}
	if cmd.RowsAffected() == 0 {
		return models.ErrIdentityNotFound
	}
	return nil
}

const sharedColumns = `name, secret_hash, role, kind, max_sessions, capabilities, api_access, durations,
		default_profile, max_profile, description, features, total_logins, last_access_at`

func (r *CredentialRepository) LookupShared(ctx context.Context, name string) (models.SharedAccount, error) {
	query := `SELECT ` + sharedColumns + ` FROM shared_accounts WHERE name = $1`

	account, err := scanShared(r.pool.QueryRow(ctx, query, name))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return models.SharedAccount{}, models.ErrSharedAccountNotFound
		}
		return models.SharedAccount{}, err
	}
	return account, nil
}

func (r *CredentialRepository) RecordSharedAccess(ctx context.Context, name string, at time.Time) error {
	const query = `
		UPDATE shared_accounts SET total_logins = total_logins + 1, last_access_at = $2 WHERE name = $1
	`
	cmd, err := r.pool.Exec(ctx, query, name, at)
	if err != nil {
		return err
	}
	if cmd.RowsAffected() == 0 {
		return models.ErrSharedAccountNotFound
	}
	return nil
}

func (r *CredentialRepository) SharedAccounts(ctx context.Context) ([]models.SharedAccount, error) {
	query := `SELECT ` + sharedColumns + ` FROM shared_accounts ORDER BY name`

	rows, err := r.pool.Query(ctx, query)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var accounts []models.SharedAccount
	for rows.Next() {
		account, err := scanShared(rows)
		if err != nil {
			return nil, err
		}
		accounts = append(accounts, account)
	}
	return accounts, rows.Err()
}

func scanShared(row pgx.Row) (models.SharedAccount, error) {
	var (
		account   models.SharedAccount
		secret    string
		role      string
		durations []byte
	)
	if err := row.Scan(
		&account.Name,
		&secret,
		&role,
		&account.Kind,
		&account.MaxSessions,
		&account.Capabilities,
		&account.APIAccess,
		&durations,
		&account.DefaultProfile,
		&account.MaxProfile,
		&account.Description,
		&account.Features,
		&account.TotalLogins,
		&account.LastAccessAt,
	); err != nil {
		return models.SharedAccount{}, err
	}

	profiles, err := decodeDurations(durations)
	if err != nil {
		return models.SharedAccount{}, fmt.Errorf("shared account %s: %w", account.Name, err)
	}
	account.SecretHash = []byte(secret)
	account.Role = models.Role(role)
	account.Durations = profiles
	return account, nil
}

func decodeDurations(raw []byte) (models.DurationProfiles, error) {
	if len(raw) == 0 {
		return nil, nil
	}
	var millis map[string]int64
	if err := json.Unmarshal(raw, &millis); err != nil {
		return nil, fmt.Errorf("decode durations: %w", err)
	}
	out := make(models.DurationProfiles, len(millis))
	for name, ms := range millis {
		out[name] = time.Duration(ms) * time.Millisecond
	}
	return out, nil
}
