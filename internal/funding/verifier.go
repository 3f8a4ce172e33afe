package funding

import (
	"context"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// Verifier confirms an external deposit before it is credited.
type Verifier interface {
	VerifyDeposit(ctx context.Context, check DepositCheck) (Confirmation, error)
}

// DepositCheck is what the verifier is asked to confirm.
type DepositCheck struct {
	TxHash      string
	FromAddress string
	Amount      decimal.Decimal
}

// Confirmation is the verifier's answer.
type Confirmation struct {
	Reference string
	Status    string
}

// StaticVerifier accepts every deposit. Operators post deposits they have
// already confirmed on chain.
type StaticVerifier struct{}

// VerifyDeposit approves the deposit with a synthetic reference.
func (StaticVerifier) VerifyDeposit(_ context.Context, _ DepositCheck) (Confirmation, error) {
	return Confirmation{Reference: uuid.NewString(), Status: "approved"}, nil
}
