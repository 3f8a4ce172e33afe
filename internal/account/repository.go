package account

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/congo-pay/autopool/internal/apperr"
	"github.com/congo-pay/autopool/internal/storage"
)

// Repository persists accounts.
type Repository interface {
	Create(ctx context.Context, acct Account) error
	Get(ctx context.Context, id string) (Account, error)
	CountBySponsor(ctx context.Context, sponsorID string) (int, error)
	SetStatus(ctx context.Context, id string, status Status) error
}

// PostgresRepository implements Repository using PostgreSQL.
type PostgresRepository struct {
	db *pgxpool.Pool
}

// NewPostgresRepository builds a Postgres-backed account repository.
func NewPostgresRepository(db *pgxpool.Pool) *PostgresRepository {
	return &PostgresRepository{db: db}
}

// Create inserts a new account.
func (r *PostgresRepository) Create(ctx context.Context, acct Account) error {
	var sponsor any
	if acct.SponsorID != "" {
		sponsor = acct.SponsorID
	}
	_, err := storage.Conn(ctx, r.db).Exec(ctx, `INSERT INTO accounts (id, sponsor_id, status, created_at)
        VALUES ($1, $2, $3, $4)`, acct.ID, sponsor, string(acct.Status), acct.CreatedAt.UTC())
	if storage.IsUniqueViolation(err) {
		return fmt.Errorf("account %s: %w", acct.ID, apperr.ErrAccountExists)
	}
	return err
}

// Get fetches an account by id.
func (r *PostgresRepository) Get(ctx context.Context, id string) (Account, error) {
	row := storage.Conn(ctx, r.db).QueryRow(ctx, `SELECT id, COALESCE(sponsor_id, ''), status, created_at FROM accounts WHERE id = $1`, id)
	var (
		acct      Account
		status    string
		createdAt time.Time
	)
	if err := row.Scan(&acct.ID, &acct.SponsorID, &status, &createdAt); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Account{}, fmt.Errorf("account %s: %w", id, apperr.ErrAccountNotFound)
		}
		return Account{}, err
	}
	acct.Status = Status(status)
	acct.CreatedAt = createdAt.UTC()
	return acct, nil
}

// CountBySponsor counts the accounts registered under sponsorID.
func (r *PostgresRepository) CountBySponsor(ctx context.Context, sponsorID string) (int, error) {
	var n int
	err := storage.Conn(ctx, r.db).QueryRow(ctx, `SELECT count(*) FROM accounts WHERE sponsor_id = $1`, sponsorID).Scan(&n)
	return n, err
}

// SetStatus blocks or unblocks an account.
func (r *PostgresRepository) SetStatus(ctx context.Context, id string, status Status) error {
	cmd, err := storage.Conn(ctx, r.db).Exec(ctx, `UPDATE accounts SET status = $1 WHERE id = $2`, string(status), id)
	if err != nil {
		return err
	}
	if cmd.RowsAffected() == 0 {
		return fmt.Errorf("account %s: %w", id, apperr.ErrAccountNotFound)
	}
	return nil
}
