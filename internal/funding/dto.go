package funding

// DepositRequest is the operator payload for crediting an external deposit.
type DepositRequest struct {
	AccountID   string `json:"account_id"`
	Amount      string `json:"amount"`
	TxHash      string `json:"tx_hash"`
	FromAddress string `json:"from_address"`
}

// DepositResponse represents the API response for a deposit.
type DepositResponse struct {
	TransactionID string `json:"transaction_id"`
	Status        string `json:"status"`
	Amount        string `json:"amount"`
	WalletBalance string `json:"usdt_balance"`
	TxHash        string `json:"tx_hash"`
	Reference     string `json:"reference,omitempty"`
	Duplicate     bool   `json:"duplicate"`
}
