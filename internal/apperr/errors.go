// Package apperr holds the error taxonomy shared by the ledger, the placement
// engine and the HTTP layer. Packages wrap these sentinels with fmt.Errorf so
// callers can match them with errors.Is.
package apperr

import (
	"errors"
	"fmt"
	"net/http"
)

var (
	ErrInsufficientBalance  = errors.New("insufficient balance")
	ErrAlreadyPlaced        = errors.New("account already placed in tree")
	ErrAccountNotFound      = errors.New("account not found")
	ErrAccountBlocked       = errors.New("account is blocked")
	ErrAccountExists        = errors.New("account already exists")
	ErrWalletNotFound       = errors.New("wallet not found")
	ErrTransactionNotFound  = errors.New("transaction not found")
	ErrNodeNotFound         = errors.New("tree node not found")
	ErrTreeCorrupt          = errors.New("tree corrupt")
	ErrTreeFull             = errors.New("tree is full")
	ErrConcurrencyConflict  = errors.New("concurrency conflict")
	ErrSettlementFailed     = errors.New("settlement failed")
	ErrDailyLimitReached    = errors.New("daily limit reached")
	ErrPendingWithdrawal    = errors.New("a withdrawal is already pending")
	ErrDuplicateTransaction = errors.New("duplicate transaction")
)

// ValidationError reports a malformed request field.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return "validation: " + e.Message
	}
	return fmt.Sprintf("validation: %s: %s", e.Field, e.Message)
}

// Validation builds a *ValidationError.
func Validation(field, format string, args ...any) error {
	return &ValidationError{Field: field, Message: fmt.Sprintf(format, args...)}
}

// IsValidation reports whether err carries a *ValidationError.
func IsValidation(err error) bool {
	var v *ValidationError
	return errors.As(err, &v)
}

type mapping struct {
	target error
	code   string
	status int
}

var mappings = []mapping{
	{ErrInsufficientBalance, "insufficient_balance", http.StatusUnprocessableEntity},
	{ErrAlreadyPlaced, "already_placed", http.StatusConflict},
	{ErrAccountNotFound, "account_not_found", http.StatusNotFound},
	{ErrAccountBlocked, "account_blocked", http.StatusForbidden},
	{ErrAccountExists, "account_exists", http.StatusConflict},
	{ErrWalletNotFound, "wallet_not_found", http.StatusNotFound},
	{ErrTransactionNotFound, "transaction_not_found", http.StatusNotFound},
	{ErrNodeNotFound, "node_not_found", http.StatusNotFound},
	{ErrTreeCorrupt, "tree_corrupt", http.StatusInternalServerError},
	{ErrTreeFull, "tree_full", http.StatusConflict},
	{ErrConcurrencyConflict, "concurrency_conflict", http.StatusConflict},
	{ErrSettlementFailed, "settlement_failed", http.StatusBadGateway},
	{ErrDailyLimitReached, "daily_limit_reached", http.StatusTooManyRequests},
	{ErrPendingWithdrawal, "pending_withdrawal", http.StatusConflict},
	{ErrDuplicateTransaction, "duplicate_transaction", http.StatusConflict},
}

// Code returns the stable reason code for err. Unknown errors map to "internal".
func Code(err error) string {
	if err == nil {
		return ""
	}
	if IsValidation(err) {
		return "validation_error"
	}
	for _, m := range mappings {
		if errors.Is(err, m.target) {
			return m.code
		}
	}
	return "internal"
}

// HTTPStatus returns the response status a handler should use for err.
func HTTPStatus(err error) int {
	if IsValidation(err) {
		return http.StatusBadRequest
	}
	for _, m := range mappings {
		if errors.Is(err, m.target) {
			return m.status
		}
	}
	return http.StatusInternalServerError
}
