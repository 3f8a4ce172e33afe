package tree

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/congo-pay/autopool/internal/apperr"
	"github.com/congo-pay/autopool/internal/storage"
)

// Repository persists placement nodes keyed by (tree, position) and
// (tree, account). Methods join the unit of work carried by ctx.
type Repository interface {
	// Lock serialises writers of treeID until the unit of work ends.
	Lock(ctx context.Context, treeID string) error
	FindByPosition(ctx context.Context, treeID string, position int64) (Node, error)
	FindByAccount(ctx context.Context, treeID, accountID string) (Node, error)
	// FindNodesWithOpenSlot returns nodes with an empty child slot ordered by
	// position, then insertion order.
	FindNodesWithOpenSlot(ctx context.Context, treeID string, limit int) ([]Node, error)
	// HighestPosition returns 0 for an empty tree.
	HighestPosition(ctx context.Context, treeID string) (int64, error)
	Create(ctx context.Context, node Node) (Node, error)
	LinkChild(ctx context.Context, treeID string, parent int64, side Side, child int64) error
	// Update writes the level state and status of an existing node.
	Update(ctx context.Context, node Node) error
	CountBySponsor(ctx context.Context, treeID, sponsorID string) (int, error)
	CountByAccountSince(ctx context.Context, accountID string, since time.Time) (int, error)
	Subtree(ctx context.Context, treeID string, root int64, depth int) ([]Node, error)
	ListByAccount(ctx context.Context, accountID string) ([]Node, error)
}

// PostgresRepository implements Repository using PostgreSQL.
type PostgresRepository struct {
	db *pgxpool.Pool
}

// NewPostgresRepository builds a Postgres-backed tree store.
func NewPostgresRepository(db *pgxpool.Pool) *PostgresRepository {
	return &PostgresRepository{db: db}
}

const nodeColumns = `tree_id, position, account_id, sponsor_id, parent_position, left_child, right_child,
        level, completed_levels, blocked_levels, direct_referrals, earnings, earnings_total::text, status,
        seq, created_at, updated_at`

// Lock takes a transaction-scoped advisory lock on the tree.
func (r *PostgresRepository) Lock(ctx context.Context, treeID string) error {
	_, err := storage.Conn(ctx, r.db).Exec(ctx, `SELECT pg_advisory_xact_lock(hashtext($1))`, "tree:"+treeID)
	return err
}

// FindByPosition loads the node at position.
func (r *PostgresRepository) FindByPosition(ctx context.Context, treeID string, position int64) (Node, error) {
	row := storage.Conn(ctx, r.db).QueryRow(ctx, `SELECT `+nodeColumns+` FROM placement_nodes
        WHERE tree_id = $1 AND position = $2`, treeID, position)
	n, err := scanNode(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return Node{}, fmt.Errorf("tree %s position %d: %w", treeID, position, apperr.ErrNodeNotFound)
	}
	return n, err
}

// FindByAccount loads the node held by accountID.
func (r *PostgresRepository) FindByAccount(ctx context.Context, treeID, accountID string) (Node, error) {
	row := storage.Conn(ctx, r.db).QueryRow(ctx, `SELECT `+nodeColumns+` FROM placement_nodes
        WHERE tree_id = $1 AND account_id = $2`, treeID, accountID)
	n, err := scanNode(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return Node{}, fmt.Errorf("tree %s account %s: %w", treeID, accountID, apperr.ErrNodeNotFound)
	}
	return n, err
}

// FindNodesWithOpenSlot lists nodes with an empty child slot.
func (r *PostgresRepository) FindNodesWithOpenSlot(ctx context.Context, treeID string, limit int) ([]Node, error) {
	if limit <= 0 {
		limit = 1
	}
	return r.query(ctx, `SELECT `+nodeColumns+` FROM placement_nodes
        WHERE tree_id = $1 AND (left_child = 0 OR right_child = 0)
        ORDER BY position, seq LIMIT $2`, treeID, limit)
}

// HighestPosition returns the largest occupied position.
func (r *PostgresRepository) HighestPosition(ctx context.Context, treeID string) (int64, error) {
	var pos int64
	err := storage.Conn(ctx, r.db).QueryRow(ctx, `SELECT COALESCE(MAX(position), 0) FROM placement_nodes WHERE tree_id = $1`, treeID).Scan(&pos)
	return pos, err
}

// Create inserts node. A taken position surfaces as a concurrency conflict,
// a second node for the same account as apperr.ErrAlreadyPlaced.
func (r *PostgresRepository) Create(ctx context.Context, node Node) (Node, error) {
	earnings, err := encodeEarnings(node.Earnings)
	if err != nil {
		return Node{}, err
	}
	row := storage.Conn(ctx, r.db).QueryRow(ctx, `INSERT INTO placement_nodes
        (tree_id, position, account_id, sponsor_id, parent_position, left_child, right_child, level,
         completed_levels, blocked_levels, direct_referrals, earnings, earnings_total, status, created_at, updated_at)
        VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $15)
        RETURNING seq`,
		node.TreeID, node.Position, node.AccountID, node.SponsorID, node.ParentPosition, node.LeftChild, node.RightChild,
		node.Level, intSlice(node.CompletedLevels), intSlice(node.BlockedLevels), node.DirectReferrals, earnings,
		node.EarningsTotal.String(), string(node.Status), node.CreatedAt.UTC())
	if err := row.Scan(&node.Seq); err != nil {
		if storage.IsUniqueViolation(err) {
			if storage.ConstraintName(err) == "placement_nodes_account_key" {
				return Node{}, fmt.Errorf("tree %s account %s: %w", node.TreeID, node.AccountID, apperr.ErrAlreadyPlaced)
			}
			return Node{}, fmt.Errorf("tree %s position %d taken: %w", node.TreeID, node.Position, apperr.ErrConcurrencyConflict)
		}
		return Node{}, err
	}
	node.UpdatedAt = node.CreatedAt
	return node, nil
}

// LinkChild fills an empty child slot of parent.
func (r *PostgresRepository) LinkChild(ctx context.Context, treeID string, parent int64, side Side, child int64) error {
	column := "left_child"
	if side == Right {
		column = "right_child"
	}
	cmd, err := storage.Conn(ctx, r.db).Exec(ctx, `UPDATE placement_nodes SET `+column+` = $3, updated_at = now()
        WHERE tree_id = $1 AND position = $2 AND `+column+` = 0`, treeID, parent, child)
	if err != nil {
		return err
	}
	if cmd.RowsAffected() == 0 {
		return fmt.Errorf("tree %s position %d %s slot: %w", treeID, parent, side, apperr.ErrConcurrencyConflict)
	}
	return nil
}

// Update writes the level state of node.
func (r *PostgresRepository) Update(ctx context.Context, node Node) error {
	earnings, err := encodeEarnings(node.Earnings)
	if err != nil {
		return err
	}
	cmd, err := storage.Conn(ctx, r.db).Exec(ctx, `UPDATE placement_nodes
        SET level = $3, completed_levels = $4, blocked_levels = $5, direct_referrals = $6,
            earnings = $7, earnings_total = $8, status = $9, updated_at = $10
        WHERE tree_id = $1 AND position = $2`,
		node.TreeID, node.Position, node.Level, intSlice(node.CompletedLevels), intSlice(node.BlockedLevels),
		node.DirectReferrals, earnings, node.EarningsTotal.String(), string(node.Status), node.UpdatedAt.UTC())
	if err != nil {
		return err
	}
	if cmd.RowsAffected() == 0 {
		return fmt.Errorf("tree %s position %d: %w", node.TreeID, node.Position, apperr.ErrNodeNotFound)
	}
	return nil
}

// CountBySponsor counts nodes in treeID whose owner was sponsored by sponsorID.
func (r *PostgresRepository) CountBySponsor(ctx context.Context, treeID, sponsorID string) (int, error) {
	var n int
	err := storage.Conn(ctx, r.db).QueryRow(ctx, `SELECT count(*) FROM placement_nodes WHERE tree_id = $1 AND sponsor_id = $2`,
		treeID, sponsorID).Scan(&n)
	return n, err
}

// CountByAccountSince counts placements of accountID across every tree.
func (r *PostgresRepository) CountByAccountSince(ctx context.Context, accountID string, since time.Time) (int, error) {
	var n int
	err := storage.Conn(ctx, r.db).QueryRow(ctx, `SELECT count(*) FROM placement_nodes WHERE account_id = $1 AND created_at >= $2`,
		accountID, since.UTC()).Scan(&n)
	return n, err
}

// Subtree returns the nodes below root down to depth levels, root included,
// ordered by position.
func (r *PostgresRepository) Subtree(ctx context.Context, treeID string, root int64, depth int) ([]Node, error) {
	var out []Node
	frontier := []int64{root}
	for d := 0; d <= depth && len(frontier) > 0; d++ {
		nodes, err := r.query(ctx, `SELECT `+nodeColumns+` FROM placement_nodes
            WHERE tree_id = $1 AND position = ANY($2) ORDER BY position`, treeID, frontier)
		if err != nil {
			return nil, err
		}
		frontier = frontier[:0]
		for _, n := range nodes {
			out = append(out, n)
			if n.LeftChild != 0 {
				frontier = append(frontier, n.LeftChild)
			}
			if n.RightChild != 0 {
				frontier = append(frontier, n.RightChild)
			}
		}
	}
	return out, nil
}

// ListByAccount returns every node held by accountID, oldest first.
func (r *PostgresRepository) ListByAccount(ctx context.Context, accountID string) ([]Node, error) {
	return r.query(ctx, `SELECT `+nodeColumns+` FROM placement_nodes WHERE account_id = $1 ORDER BY created_at, seq`, accountID)
}

func (r *PostgresRepository) query(ctx context.Context, sql string, args ...any) ([]Node, error) {
	rows, err := storage.Conn(ctx, r.db).Query(ctx, sql, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []Node
	for rows.Next() {
		n, err := scanNode(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, n)
	}
	return out, rows.Err()
}

func scanNode(row pgx.Row) (Node, error) {
	var (
		n                    Node
		completed, blocked   []int32
		earnings             []byte
		total, status        string
		createdAt, updatedAt time.Time
	)
	if err := row.Scan(&n.TreeID, &n.Position, &n.AccountID, &n.SponsorID, &n.ParentPosition, &n.LeftChild,
		&n.RightChild, &n.Level, &completed, &blocked, &n.DirectReferrals, &earnings, &total, &status,
		&n.Seq, &createdAt, &updatedAt); err != nil {
		return Node{}, err
	}
	n.CompletedLevels = fromInt32(completed)
	n.BlockedLevels = fromInt32(blocked)
	var err error
	if n.EarningsTotal, err = decimal.NewFromString(total); err != nil {
		return Node{}, err
	}
	if n.Earnings, err = decodeEarnings(earnings); err != nil {
		return Node{}, err
	}
	n.Status = Status(status)
	n.CreatedAt = createdAt.UTC()
	n.UpdatedAt = updatedAt.UTC()
	return n, nil
}

func intSlice(levels []int) []int32 {
	out := make([]int32, len(levels))
	for i, l := range levels {
		out[i] = int32(l)
	}
	return out
}

func fromInt32(levels []int32) []int {
	out := make([]int, len(levels))
	for i, l := range levels {
		out[i] = int(l)
	}
	return out
}

func encodeEarnings(earnings map[int]decimal.Decimal) ([]byte, error) {
	raw := make(map[string]string, len(earnings))
	for level, amount := range earnings {
		raw["level"+strconv.Itoa(level)] = amount.String()
	}
	return json.Marshal(raw)
}

func decodeEarnings(b []byte) (map[int]decimal.Decimal, error) {
	if len(b) == 0 {
		return nil, nil
	}
	var raw map[string]string
	if err := json.Unmarshal(b, &raw); err != nil {
		return nil, fmt.Errorf("decode earnings: %w", err)
	}
	out := make(map[int]decimal.Decimal, len(raw))
	for key, v := range raw {
		level, err := strconv.Atoi(strings.TrimPrefix(key, "level"))
		if err != nil {
			return nil, fmt.Errorf("decode earnings key %q: %w", key, err)
		}
		amount, err := decimal.NewFromString(v)
		if err != nil {
			return nil, fmt.Errorf("decode earnings %q: %w", key, err)
		}
		out[level] = amount
	}
	return out, nil
}
