package account

import (
	"net/http"
	"time"

	"github.com/gofiber/fiber/v2"

	"github.com/congo-pay/autopool/internal/auth"
)

// Handler exposes operator endpoints for accounts.
type Handler struct {
	service *Service
	issuer  *auth.Issuer
}

// NewHandler constructs an account handler.
func NewHandler(service *Service, issuer *auth.Issuer) *Handler {
	return &Handler{service: service, issuer: issuer}
}

type registerRequest struct {
	ID        string `json:"id"`
	SponsorID string `json:"sponsor_id"`
}

type accountResponse struct {
	ID              string    `json:"id"`
	SponsorID       string    `json:"sponsor_id,omitempty"`
	Status          string    `json:"status"`
	DirectReferrals int       `json:"direct_referrals"`
	CreatedAt       time.Time `json:"created_at"`
}

type tokenResponse struct {
	AccessToken string    `json:"access_token"`
	TokenType   string    `json:"token_type"`
	ExpiresAt   time.Time `json:"expires_at"`
}

// Register creates an account and returns it with a fresh access token.
func (h *Handler) Register(c *fiber.Ctx) error {
	var req registerRequest
	if err := c.BodyParser(&req); err != nil {
		return fiber.NewError(http.StatusBadRequest, err.Error())
	}
	acct, err := h.service.Register(c.UserContext(), RegisterInput{ID: req.ID, SponsorID: req.SponsorID})
	if err != nil {
		return err
	}
	token, err := h.token(acct.ID)
	if err != nil {
		return err
	}
	return c.Status(http.StatusCreated).JSON(fiber.Map{
		"account": toResponse(acct, 0),
		"token":   token,
	})
}

// Get returns one account with its direct referral count.
func (h *Handler) Get(c *fiber.Ctx) error {
	ctx := c.UserContext()
	acct, err := h.service.Get(ctx, c.Params("id"))
	if err != nil {
		return err
	}
	n, err := h.service.CountDirectReferrals(ctx, acct.ID)
	if err != nil {
		return err
	}
	return c.Status(http.StatusOK).JSON(toResponse(acct, n))
}

// IssueToken mints a new access token for an existing account.
func (h *Handler) IssueToken(c *fiber.Ctx) error {
	acct, err := h.service.Get(c.UserContext(), c.Params("id"))
	if err != nil {
		return err
	}
	token, err := h.token(acct.ID)
	if err != nil {
		return err
	}
	return c.Status(http.StatusCreated).JSON(token)
}

// Block bars the account from new placements.
func (h *Handler) Block(c *fiber.Ctx) error {
	if err := h.service.Block(c.UserContext(), c.Params("id")); err != nil {
		return err
	}
	return c.SendStatus(http.StatusNoContent)
}

// Unblock reverses Block.
func (h *Handler) Unblock(c *fiber.Ctx) error {
	if err := h.service.Unblock(c.UserContext(), c.Params("id")); err != nil {
		return err
	}
	return c.SendStatus(http.StatusNoContent)
}

func (h *Handler) token(id string) (tokenResponse, error) {
	raw, exp, err := h.issuer.Issue(id)
	if err != nil {
		return tokenResponse{}, err
	}
	return tokenResponse{AccessToken: raw, TokenType: "Bearer", ExpiresAt: exp}, nil
}

func toResponse(acct Account, referrals int) accountResponse {
	return accountResponse{
		ID:              acct.ID,
		SponsorID:       acct.SponsorID,
		Status:          string(acct.Status),
		DirectReferrals: referrals,
		CreatedAt:       acct.CreatedAt,
	}
}
