package middleware

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/gofiber/fiber/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"

	"github.com/congo-pay/autopool/internal/account"
	"github.com/congo-pay/autopool/internal/apperr"
	"github.com/congo-pay/autopool/internal/auth"
	"github.com/congo-pay/autopool/internal/logging"
)

func protectedApp(t *testing.T, cache *redis.Client, perMin int) (*fiber.App, *auth.Issuer) {
	t.Helper()
	accounts := account.NewMemoryRepository()
	require.NoError(t, accounts.Create(context.Background(), account.Account{ID: "alice", Status: account.StatusActive}))
	issuer := auth.NewIssuer("test-secret", time.Hour)

	app := fiber.New(fiber.Config{ErrorHandler: ErrorHandler(logging.Discard())})
	app.Use(RequestID())
	api := app.Group("/api", BearerAuth(issuer, accounts), WriteRateLimit(cache, perMin))
	api.Get("/me", func(c *fiber.Ctx) error {
		return c.JSON(fiber.Map{"account_id": auth.AccountID(c)})
	})
	api.Post("/things", func(c *fiber.Ctx) error {
		return c.SendStatus(http.StatusCreated)
	})
	api.Post("/fail", func(c *fiber.Ctx) error {
		return fmt.Errorf("place: %w", apperr.ErrTreeFull)
	})
	return app, issuer
}

func call(t *testing.T, app *fiber.App, method, path, token string) (*http.Response, map[string]any) {
	t.Helper()
	req := httptest.NewRequest(method, path, nil)
	if token != "" {
		req.Header.Set(fiber.HeaderAuthorization, "Bearer "+token)
	}
	resp, err := app.Test(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	var body map[string]any
	_ = json.NewDecoder(resp.Body).Decode(&body)
	return resp, body
}

func TestBearerAuth(t *testing.T) {
	app, issuer := protectedApp(t, nil, 100)

	resp, _ := call(t, app, fiber.MethodGet, "/api/me", "")
	require.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	resp, _ = call(t, app, fiber.MethodGet, "/api/me", "garbage")
	require.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	ghost, _, err := issuer.Issue("ghost")
	require.NoError(t, err)
	resp, _ = call(t, app, fiber.MethodGet, "/api/me", ghost)
	require.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	token, _, err := issuer.Issue("alice")
	require.NoError(t, err)
	resp, body := call(t, app, fiber.MethodGet, "/api/me", token)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Equal(t, "alice", body["account_id"])
}

func TestErrorHandlerMapsDomainErrors(t *testing.T) {
	app, issuer := protectedApp(t, nil, 100)
	token, _, err := issuer.Issue("alice")
	require.NoError(t, err)

	resp, body := call(t, app, fiber.MethodPost, "/api/fail", token)
	require.Equal(t, http.StatusConflict, resp.StatusCode)
	require.Equal(t, "tree_full", body["error"])
	require.NotEmpty(t, body["request_id"])
}

func TestWriteRateLimitInProcess(t *testing.T) {
	app, issuer := protectedApp(t, nil, 2)
	token, _, err := issuer.Issue("alice")
	require.NoError(t, err)

	for i := 0; i < 2; i++ {
		resp, _ := call(t, app, fiber.MethodPost, "/api/things", token)
		require.Equal(t, http.StatusCreated, resp.StatusCode)
	}
	resp, _ := call(t, app, fiber.MethodPost, "/api/things", token)
	require.Equal(t, http.StatusTooManyRequests, resp.StatusCode)
	require.NotEmpty(t, resp.Header.Get(fiber.HeaderRetryAfter))

	// reads are never limited
	resp, _ = call(t, app, fiber.MethodGet, "/api/me", token)
	require.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestWriteRateLimitRedis(t *testing.T) {
	mr := miniredis.RunT(t)
	cache := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { cache.Close() })

	app, issuer := protectedApp(t, cache, 1)
	token, _, err := issuer.Issue("alice")
	require.NoError(t, err)

	resp, _ := call(t, app, fiber.MethodPost, "/api/things", token)
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	resp, _ = call(t, app, fiber.MethodPost, "/api/things", token)
	require.Equal(t, http.StatusTooManyRequests, resp.StatusCode)
}

func TestAdminToken(t *testing.T) {
	app := fiber.New()
	app.Get("/on", AdminToken("s3cret"), func(c *fiber.Ctx) error { return c.SendStatus(http.StatusOK) })
	app.Get("/off", AdminToken(""), func(c *fiber.Ctx) error { return c.SendStatus(http.StatusOK) })

	status := func(path, token string) int {
		req := httptest.NewRequest(fiber.MethodGet, path, nil)
		if token != "" {
			req.Header.Set(adminTokenHeader, token)
		}
		resp, err := app.Test(req)
		require.NoError(t, err)
		resp.Body.Close()
		return resp.StatusCode
	}

	require.Equal(t, http.StatusForbidden, status("/on", ""))
	require.Equal(t, http.StatusForbidden, status("/on", "wrong"))
	require.Equal(t, http.StatusOK, status("/on", "s3cret"))
	require.Equal(t, http.StatusForbidden, status("/off", "anything"))
}
