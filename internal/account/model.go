package account

import "time"

// Status of an account as seen by the incentive network.
type Status string

const (
	StatusActive  Status = "active"
	StatusBlocked Status = "blocked"
)

// Account is a participant. SponsorID is set once at registration.
type Account struct {
	ID        string
	SponsorID string
	Status    Status
	CreatedAt time.Time
}

// Blocked reports whether the account is barred from new placements.
func (a Account) Blocked() bool {
	return a.Status == StatusBlocked
}

// RegisterInput carries the data needed to register an account.
type RegisterInput struct {
	ID        string
	SponsorID string
}
