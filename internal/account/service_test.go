package account

import (
	"context"
	"errors"
	"testing"

	"github.com/congo-pay/autopool/internal/apperr"
	"github.com/congo-pay/autopool/internal/ledger"
	"github.com/congo-pay/autopool/internal/logging"
	"github.com/congo-pay/autopool/internal/storage"
)

func newTestService() (*Service, *ledger.Service) {
	repo := NewMemoryRepository()
	ledgerRepo := ledger.NewMemoryRepository()
	tx := storage.NewMemoryTransactor(repo, ledgerRepo)
	ledgerSvc := ledger.NewService(ledgerRepo, tx, logging.Discard())
	return NewService(repo, tx, ledgerSvc, logging.Discard()), ledgerSvc
}

func TestRegisterOpensWallet(t *testing.T) {
	svc, ledgerSvc := newTestService()
	ctx := context.Background()

	root, err := svc.Register(ctx, RegisterInput{ID: "root"})
	if err != nil {
		t.Fatalf("register root: %v", err)
	}
	if root.Status != StatusActive {
		t.Fatalf("expected active got %s", root.Status)
	}

	if _, err := ledgerSvc.Wallet(ctx, "root"); err != nil {
		t.Fatalf("expected wallet to be opened: %v", err)
	}

	child, err := svc.Register(ctx, RegisterInput{SponsorID: "root"})
	if err != nil {
		t.Fatalf("register child: %v", err)
	}
	if child.ID == "" || child.SponsorID != "root" {
		t.Fatalf("unexpected child %+v", child)
	}

	n, err := svc.CountDirectReferrals(ctx, "root")
	if err != nil {
		t.Fatalf("count: %v", err)
	}
	if n != 1 {
		t.Fatalf("expected 1 referral got %d", n)
	}
}

func TestRegisterUnknownSponsorRollsBack(t *testing.T) {
	svc, ledgerSvc := newTestService()
	ctx := context.Background()

	_, err := svc.Register(ctx, RegisterInput{ID: "orphan", SponsorID: "ghost"})
	if !errors.Is(err, apperr.ErrAccountNotFound) {
		t.Fatalf("expected account not found, got %v", err)
	}
	if _, err := svc.Get(ctx, "orphan"); !errors.Is(err, apperr.ErrAccountNotFound) {
		t.Fatalf("account must not exist, got %v", err)
	}
	if _, err := ledgerSvc.Wallet(ctx, "orphan"); !errors.Is(err, apperr.ErrWalletNotFound) {
		t.Fatalf("wallet must not exist, got %v", err)
	}
}

func TestBlockAndDuplicate(t *testing.T) {
	svc, _ := newTestService()
	ctx := context.Background()

	if _, err := svc.Register(ctx, RegisterInput{ID: "a"}); err != nil {
		t.Fatalf("register: %v", err)
	}
	if _, err := svc.Register(ctx, RegisterInput{ID: "a"}); !errors.Is(err, apperr.ErrAccountExists) {
		t.Fatalf("expected duplicate error, got %v", err)
	}
	if err := svc.Block(ctx, "a"); err != nil {
		t.Fatalf("block: %v", err)
	}
	acct, _ := svc.Get(ctx, "a")
	if !acct.Blocked() {
		t.Fatalf("expected blocked account")
	}
	if err := svc.Block(ctx, "missing"); !errors.Is(err, apperr.ErrAccountNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
}
