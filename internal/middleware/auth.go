package middleware

import (
	"context"
	"crypto/subtle"
	"errors"
	"net/http"
	"strings"

	"github.com/gofiber/fiber/v2"

	"github.com/congo-pay/autopool/internal/account"
	"github.com/congo-pay/autopool/internal/apperr"
	"github.com/congo-pay/autopool/internal/auth"
)

const adminTokenHeader = "X-Admin-Token"

// AccountLookup resolves the subject of a token.
type AccountLookup interface {
	Get(ctx context.Context, id string) (account.Account, error)
}

// BearerAuth validates the access token and stores the account id in
// auth.LocalAccountID. Tokens of unknown accounts are rejected.
func BearerAuth(issuer *auth.Issuer, accounts AccountLookup) fiber.Handler {
	return func(c *fiber.Ctx) error {
		authz := c.Get(fiber.HeaderAuthorization)
		if !strings.HasPrefix(strings.ToLower(authz), "bearer ") {
			return fiber.NewError(http.StatusUnauthorized, "missing bearer token")
		}
		sub, err := issuer.Verify(strings.TrimSpace(authz[len("Bearer "):]))
		if err != nil {
			return fiber.NewError(http.StatusUnauthorized, "invalid token")
		}
		if _, err := accounts.Get(c.UserContext(), sub); err != nil {
			if errors.Is(err, apperr.ErrAccountNotFound) {
				return fiber.NewError(http.StatusUnauthorized, "token invalidated")
			}
			return err
		}
		c.Locals(auth.LocalAccountID, sub)
		return c.Next()
	}
}

// AdminToken guards operator endpoints with a shared secret. An empty token
// disables them.
func AdminToken(token string) fiber.Handler {
	return func(c *fiber.Ctx) error {
		if token == "" {
			return fiber.NewError(http.StatusForbidden, "admin endpoints are disabled")
		}
		got := c.Get(adminTokenHeader)
		if subtle.ConstantTimeCompare([]byte(got), []byte(token)) != 1 {
			return fiber.NewError(http.StatusForbidden, "invalid admin token")
		}
		return c.Next()
	}
}
