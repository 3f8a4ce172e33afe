package ledger

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/congo-pay/autopool/internal/apperr"
	"github.com/congo-pay/autopool/internal/storage"
)

// PostgresRepository persists wallets and ledger transactions in PostgreSQL.
type PostgresRepository struct {
	db *pgxpool.Pool
}

// NewPostgresRepository constructs a Postgres-backed ledger repository.
func NewPostgresRepository(db *pgxpool.Pool) *PostgresRepository {
	return &PostgresRepository{db: db}
}

const walletColumns = `account_id, usdt_balance::text, autopool_balance::text, utility_balance::text,
        hybrid_balance::text, created_at, updated_at`

const transactionColumns = `id::text, account_id, balance_name, credited::text, debited::text, remark, status,
        balance_after::text, tx_hash, from_address, to_address, metadata, created_at, updated_at`

// CreateWallet inserts a zero-balance wallet, returning the existing one on conflict.
func (r *PostgresRepository) CreateWallet(ctx context.Context, wallet Wallet) (Wallet, error) {
	q := storage.Conn(ctx, r.db)
	_, err := q.Exec(ctx, `INSERT INTO wallets (account_id, created_at, updated_at) VALUES ($1, $2, $2)
        ON CONFLICT (account_id) DO NOTHING`, wallet.AccountID, wallet.CreatedAt.UTC())
	if err != nil {
		return Wallet{}, err
	}
	return r.Wallet(ctx, wallet.AccountID)
}

// Wallet loads a wallet without locking it.
func (r *PostgresRepository) Wallet(ctx context.Context, accountID string) (Wallet, error) {
	row := storage.Conn(ctx, r.db).QueryRow(ctx, `SELECT `+walletColumns+` FROM wallets WHERE account_id = $1`, accountID)
	return scanWallet(row, accountID)
}

// WalletForUpdate loads and row-locks a wallet for the rest of the transaction.
func (r *PostgresRepository) WalletForUpdate(ctx context.Context, accountID string) (Wallet, error) {
	row := storage.Conn(ctx, r.db).QueryRow(ctx, `SELECT `+walletColumns+` FROM wallets WHERE account_id = $1 FOR UPDATE`, accountID)
	return scanWallet(row, accountID)
}

// UpdateWallet writes every named balance back.
func (r *PostgresRepository) UpdateWallet(ctx context.Context, wallet Wallet) error {
	cmd, err := storage.Conn(ctx, r.db).Exec(ctx, `UPDATE wallets
        SET usdt_balance = $2, autopool_balance = $3, utility_balance = $4, hybrid_balance = $5, updated_at = $6
        WHERE account_id = $1`,
		wallet.AccountID, wallet.USDT.String(), wallet.Autopool.String(), wallet.Utility.String(),
		wallet.Hybrid.String(), wallet.UpdatedAt.UTC())
	if err != nil {
		return err
	}
	if cmd.RowsAffected() == 0 {
		return fmt.Errorf("wallet %s: %w", wallet.AccountID, apperr.ErrWalletNotFound)
	}
	return nil
}

// InsertTransaction appends a ledger record.
func (r *PostgresRepository) InsertTransaction(ctx context.Context, txn Transaction) error {
	meta, err := encodeMetadata(txn.Metadata)
	if err != nil {
		return err
	}
	_, err = storage.Conn(ctx, r.db).Exec(ctx, `INSERT INTO ledger_transactions
        (id, account_id, balance_name, credited, debited, remark, status, balance_after,
         tx_hash, from_address, to_address, metadata, created_at, updated_at)
        VALUES ($1::uuid, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)`,
		txn.ID, txn.AccountID, string(txn.Balance), txn.Credited.String(), txn.Debited.String(), txn.Remark,
		string(txn.Status), txn.BalanceAfter.String(), txn.TxHash, txn.FromAddress, txn.ToAddress, meta,
		txn.CreatedAt.UTC(), txn.UpdatedAt.UTC())
	if err != nil && storage.IsUniqueViolation(err) {
		return fmt.Errorf("transaction %s: %w", txn.ID, apperr.ErrDuplicateTransaction)
	}
	return err
}

// Transaction loads a ledger record by id.
func (r *PostgresRepository) Transaction(ctx context.Context, id string) (Transaction, error) {
	uid, err := uuid.Parse(id)
	if err != nil {
		return Transaction{}, fmt.Errorf("transaction %s: %w", id, apperr.ErrTransactionNotFound)
	}
	row := storage.Conn(ctx, r.db).QueryRow(ctx, `SELECT `+transactionColumns+` FROM ledger_transactions WHERE id = $1`, uid)
	return scanTransaction(row, id)
}

// TransactionForUpdate loads and row-locks a ledger record.
func (r *PostgresRepository) TransactionForUpdate(ctx context.Context, id string) (Transaction, error) {
	uid, err := uuid.Parse(id)
	if err != nil {
		return Transaction{}, fmt.Errorf("transaction %s: %w", id, apperr.ErrTransactionNotFound)
	}
	row := storage.Conn(ctx, r.db).QueryRow(ctx, `SELECT `+transactionColumns+` FROM ledger_transactions WHERE id = $1 FOR UPDATE`, uid)
	return scanTransaction(row, id)
}

// UpdateTransaction persists the mutable fields of a ledger record.
func (r *PostgresRepository) UpdateTransaction(ctx context.Context, txn Transaction) error {
	uid, err := uuid.Parse(txn.ID)
	if err != nil {
		return fmt.Errorf("transaction %s: %w", txn.ID, apperr.ErrTransactionNotFound)
	}
	meta, err := encodeMetadata(txn.Metadata)
	if err != nil {
		return err
	}
	cmd, err := storage.Conn(ctx, r.db).Exec(ctx, `UPDATE ledger_transactions
        SET status = $2, balance_after = $3, tx_hash = $4, from_address = $5, to_address = $6,
            metadata = $7, updated_at = $8
        WHERE id = $1`,
		uid, string(txn.Status), txn.BalanceAfter.String(), txn.TxHash, txn.FromAddress, txn.ToAddress,
		meta, txn.UpdatedAt.UTC())
	if err != nil {
		return err
	}
	if cmd.RowsAffected() == 0 {
		return fmt.Errorf("transaction %s: %w", txn.ID, apperr.ErrTransactionNotFound)
	}
	return nil
}

// ListTransactions returns matching records, newest first.
func (r *PostgresRepository) ListTransactions(ctx context.Context, filter Filter) ([]Transaction, error) {
	where, args := filterClause(filter)
	order := ` ORDER BY created_at DESC, id`
	if filter.OldestFirst {
		order = ` ORDER BY created_at ASC, id`
	}
	query := `SELECT ` + transactionColumns + ` FROM ledger_transactions` + where + order
	if filter.Limit > 0 {
		args = append(args, filter.Limit)
		query += fmt.Sprintf(" LIMIT $%d", len(args))
	}
	if filter.Offset > 0 {
		args = append(args, filter.Offset)
		query += fmt.Sprintf(" OFFSET $%d", len(args))
	}

	rows, err := storage.Conn(ctx, r.db).Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Transaction
	for rows.Next() {
		txn, err := scanTransaction(rows, "")
		if err != nil {
			return nil, err
		}
		out = append(out, txn)
	}
	return out, rows.Err()
}

// CountTransactions counts matching records.
func (r *PostgresRepository) CountTransactions(ctx context.Context, filter Filter) (int, error) {
	where, args := filterClause(filter)
	var n int
	if err := storage.Conn(ctx, r.db).QueryRow(ctx, `SELECT count(*) FROM ledger_transactions`+where, args...).Scan(&n); err != nil {
		return 0, err
	}
	return n, nil
}

func filterClause(filter Filter) (string, []any) {
	var (
		conds []string
		args  []any
	)
	add := func(cond string, v any) {
		args = append(args, v)
		conds = append(conds, fmt.Sprintf(cond, len(args)))
	}
	if filter.AccountID != "" {
		add("account_id = $%d", filter.AccountID)
	}
	if filter.Status != "" {
		add("status = $%d", string(filter.Status))
	}
	if filter.Balance != "" {
		add("balance_name = $%d", string(filter.Balance))
	}
	if filter.RemarkPrefix != "" {
		add("starts_with(remark, $%d)", filter.RemarkPrefix)
	}
	if filter.TxHash != "" {
		add("tx_hash = $%d", filter.TxHash)
	}
	if !filter.Since.IsZero() {
		add("created_at >= $%d", filter.Since.UTC())
	}
	if !filter.Until.IsZero() {
		add("created_at < $%d", filter.Until.UTC())
	}
	if filter.DebitsOnly {
		conds = append(conds, "debited > 0")
	}
	if filter.WithoutMeta != "" {
		add("NOT (metadata ? $%d)", filter.WithoutMeta)
	}
	if len(conds) == 0 {
		return "", nil
	}
	return " WHERE " + strings.Join(conds, " AND "), args
}

func scanWallet(row pgx.Row, accountID string) (Wallet, error) {
	var (
		w                               Wallet
		usdt, autopool, utility, hybrid string
		createdAt, updatedAt            time.Time
	)
	if err := row.Scan(&w.AccountID, &usdt, &autopool, &utility, &hybrid, &createdAt, &updatedAt); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Wallet{}, fmt.Errorf("wallet %s: %w", accountID, apperr.ErrWalletNotFound)
		}
		return Wallet{}, err
	}
	var err error
	if w.USDT, err = decimal.NewFromString(usdt); err != nil {
		return Wallet{}, err
	}
	if w.Autopool, err = decimal.NewFromString(autopool); err != nil {
		return Wallet{}, err
	}
	if w.Utility, err = decimal.NewFromString(utility); err != nil {
		return Wallet{}, err
	}
	if w.Hybrid, err = decimal.NewFromString(hybrid); err != nil {
		return Wallet{}, err
	}
	w.CreatedAt = createdAt.UTC()
	w.UpdatedAt = updatedAt.UTC()
	return w, nil
}

func scanTransaction(row pgx.Row, id string) (Transaction, error) {
	var (
		txn                      Transaction
		balance, status          string
		credited, debited, after string
		meta                     []byte
		createdAt, updatedAt     time.Time
	)
	if err := row.Scan(&txn.ID, &txn.AccountID, &balance, &credited, &debited, &txn.Remark, &status,
		&after, &txn.TxHash, &txn.FromAddress, &txn.ToAddress, &meta, &createdAt, &updatedAt); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Transaction{}, fmt.Errorf("transaction %s: %w", id, apperr.ErrTransactionNotFound)
		}
		return Transaction{}, err
	}
	txn.Balance = BalanceName(balance)
	txn.Status = Status(status)
	var err error
	if txn.Credited, err = decimal.NewFromString(credited); err != nil {
		return Transaction{}, err
	}
	if txn.Debited, err = decimal.NewFromString(debited); err != nil {
		return Transaction{}, err
	}
	if txn.BalanceAfter, err = decimal.NewFromString(after); err != nil {
		return Transaction{}, err
	}
	if len(meta) > 0 {
		if err := json.Unmarshal(meta, &txn.Metadata); err != nil {
			return Transaction{}, fmt.Errorf("decode metadata: %w", err)
		}
	}
	txn.CreatedAt = createdAt.UTC()
	txn.UpdatedAt = updatedAt.UTC()
	return txn, nil
}

func encodeMetadata(meta map[string]any) ([]byte, error) {
	if meta == nil {
		return []byte("{}"), nil
	}
	b, err := json.Marshal(meta)
	if err != nil {
		return nil, fmt.Errorf("encode metadata: %w", err)
	}
	return b, nil
}
