package account

import (
	"context"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/congo-pay/autopool/internal/apperr"
	"github.com/congo-pay/autopool/internal/ledger"
	"github.com/congo-pay/autopool/internal/storage"
)

// WalletOpener provisions the wallet of a freshly registered account.
type WalletOpener interface {
	OpenWallet(ctx context.Context, accountID string) (ledger.Wallet, error)
}

// Service manages the account lifecycle seen by the incentive network.
type Service struct {
	repo    Repository
	tx      storage.Transactor
	wallets WalletOpener
	logger  *slog.Logger
}

// NewService creates a new account service.
func NewService(repo Repository, tx storage.Transactor, wallets WalletOpener, logger *slog.Logger) *Service {
	return &Service{repo: repo, tx: tx, wallets: wallets, logger: logger}
}

// Register creates an active account under an existing sponsor and opens its
// wallet in the same unit of work.
func (s *Service) Register(ctx context.Context, input RegisterInput) (Account, error) {
	id := strings.TrimSpace(input.ID)
	if id == "" {
		id = uuid.New().String()
	}
	sponsor := strings.TrimSpace(input.SponsorID)
	if sponsor == id {
		return Account{}, apperr.Validation("sponsor_id", "an account cannot sponsor itself")
	}

	acct := Account{
		ID:        id,
		SponsorID: sponsor,
		Status:    StatusActive,
		CreatedAt: time.Now().UTC(),
	}

	err := s.tx.InTx(ctx, func(ctx context.Context) error {
		if sponsor != "" {
			if _, err := s.repo.Get(ctx, sponsor); err != nil {
				return err
			}
		}
		if err := s.repo.Create(ctx, acct); err != nil {
			return err
		}
		_, err := s.wallets.OpenWallet(ctx, acct.ID)
		return err
	})
	if err != nil {
		return Account{}, err
	}

	s.logger.Info("account registered", slog.String("account_id", acct.ID), slog.String("sponsor_id", acct.SponsorID))
	return acct, nil
}

// Get returns the account or apperr.ErrAccountNotFound.
func (s *Service) Get(ctx context.Context, id string) (Account, error) {
	return s.repo.Get(ctx, id)
}

// CountDirectReferrals returns how many accounts name id as their sponsor.
func (s *Service) CountDirectReferrals(ctx context.Context, id string) (int, error) {
	return s.repo.CountBySponsor(ctx, id)
}

// Block bars the account from new placements.
func (s *Service) Block(ctx context.Context, id string) error {
	return s.setStatus(ctx, id, StatusBlocked)
}

// Unblock reverses Block.
func (s *Service) Unblock(ctx context.Context, id string) error {
	return s.setStatus(ctx, id, StatusActive)
}

func (s *Service) setStatus(ctx context.Context, id string, status Status) error {
	if err := s.repo.SetStatus(ctx, id, status); err != nil {
		return err
	}
	s.logger.Info("account status changed", slog.String("account_id", id), slog.String("status", string(status)))
	return nil
}
