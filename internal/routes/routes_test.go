package routes

import (
	"bytes"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/stretchr/testify/require"

	"github.com/congo-pay/autopool/internal/config"
	"github.com/congo-pay/autopool/internal/logging"
	"github.com/congo-pay/autopool/internal/middleware"
	"github.com/congo-pay/autopool/internal/plan"
)

const adminToken = "operator"

func newApp(t *testing.T) *fiber.App {
	t.Helper()
	logger := logging.Discard()
	app := fiber.New(fiber.Config{ErrorHandler: middleware.ErrorHandler(logger)})
	_, err := Setup(app, Deps{
		Cfg: config.Config{
			AppEnv:              "test",
			JWTSecret:           "routes-test",
			TokenTTL:            time.Hour,
			AdminToken:          adminToken,
			WriteRatePerMinute:  100,
			DailyPlacementLimit: 3,
			PlacementMaxRetries: 3,
		},
		Logger: logger,
		Plan:   plan.Default(),
	})
	require.NoError(t, err)
	return app
}

type client struct {
	t   *testing.T
	app *fiber.App
}

func (c client) do(method, path string, headers map[string]string, body any) (int, map[string]any) {
	c.t.Helper()
	var r io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		require.NoError(c.t, err)
		r = bytes.NewReader(raw)
	}
	req := httptest.NewRequest(method, path, r)
	req.Header.Set(fiber.HeaderContentType, fiber.MIMEApplicationJSON)
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	resp, err := c.app.Test(req, -1)
	require.NoError(c.t, err)
	defer resp.Body.Close()
	var out map[string]any
	_ = json.NewDecoder(resp.Body).Decode(&out)
	return resp.StatusCode, out
}

func (c client) admin(method, path string, body any) (int, map[string]any) {
	return c.do(method, path, map[string]string{"X-Admin-Token": adminToken}, body)
}

func (c client) as(token, method, path string, body any) (int, map[string]any) {
	return c.do(method, path, map[string]string{fiber.HeaderAuthorization: "Bearer " + token}, body)
}

func (c client) register(id, sponsor string) string {
	c.t.Helper()
	status, body := c.admin(fiber.MethodPost, "/admin/v1/accounts", map[string]string{"id": id, "sponsor_id": sponsor})
	require.Equal(c.t, http.StatusCreated, status, body)
	token, ok := body["token"].(map[string]any)
	require.True(c.t, ok)
	return token["access_token"].(string)
}

func TestPublicEndpoints(t *testing.T) {
	c := client{t: t, app: newApp(t)}

	status, body := c.do(fiber.MethodGet, "/ping", nil, nil)
	require.Equal(t, http.StatusOK, status)
	require.Equal(t, "ok", body["status"])

	status, _ = c.do(fiber.MethodGet, "/healthz", nil, nil)
	require.Equal(t, http.StatusOK, status)

	req := httptest.NewRequest(fiber.MethodGet, "/metrics", nil)
	resp, err := c.app.Test(req)
	require.NoError(t, err)
	resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestSurfacesAreGuarded(t *testing.T) {
	c := client{t: t, app: newApp(t)}

	status, _ := c.do(fiber.MethodGet, "/api/v1/wallet", nil, nil)
	require.Equal(t, http.StatusUnauthorized, status)

	status, _ = c.do(fiber.MethodPost, "/admin/v1/accounts", nil, map[string]string{"id": "x"})
	require.Equal(t, http.StatusForbidden, status)
}

func TestDepositPlaceAndWallet(t *testing.T) {
	c := client{t: t, app: newApp(t)}
	rootToken := c.register("root", "")

	deposit := map[string]string{"account_id": "root", "amount": "100", "tx_hash": "0xfeed"}
	status, body := c.admin(fiber.MethodPost, "/admin/v1/deposits", deposit)
	require.Equal(t, http.StatusCreated, status, body)
	require.Equal(t, "100.00000", body["usdt_balance"])

	status, body = c.admin(fiber.MethodPost, "/admin/v1/deposits", deposit)
	require.Equal(t, http.StatusOK, status, body)
	require.Equal(t, true, body["duplicate"])

	status, body = c.as(rootToken, fiber.MethodPost, "/api/v1/placements", map[string]string{"tree": plan.HybridTreeID})
	require.Equal(t, http.StatusCreated, status, body)
	require.EqualValues(t, 1, body["position"])

	status, body = c.as(rootToken, fiber.MethodPost, "/api/v1/placements", map[string]string{"tree": plan.HybridTreeID})
	require.Equal(t, http.StatusConflict, status, body)
	require.Equal(t, "already_placed", body["error"])

	status, body = c.as(rootToken, fiber.MethodGet, "/api/v1/wallet", nil)
	require.Equal(t, http.StatusOK, status)
	balances := body["balances"].(map[string]any)
	require.Equal(t, "90.00000", balances["usdt"])

	status, body = c.as(rootToken, fiber.MethodGet, "/api/v1/wallet/transactions", nil)
	require.Equal(t, http.StatusOK, status)
	require.EqualValues(t, 2, body["total"])

	childToken := c.register("child", "root")
	status, body = c.as(childToken, fiber.MethodPost, "/api/v1/placements", map[string]string{"tree": plan.HybridTreeID})
	require.Equal(t, http.StatusUnprocessableEntity, status, body)
	require.Equal(t, "insufficient_balance", body["error"])

	status, body = c.as(rootToken, fiber.MethodGet, "/api/v1/trees/hybrid/nodes?depth=2", nil)
	require.Equal(t, http.StatusOK, status)
	require.Len(t, body["nodes"], 1)
}

func TestWithdrawalStaysPendingWithoutGateway(t *testing.T) {
	c := client{t: t, app: newApp(t)}
	token := c.register("alice", "")
	status, _ := c.admin(fiber.MethodPost, "/admin/v1/deposits", map[string]string{"account_id": "alice", "amount": "50", "tx_hash": "0x01"})
	require.Equal(t, http.StatusCreated, status)

	status, body := c.as(token, fiber.MethodPost, "/api/v1/withdrawals", map[string]string{
		"amount":     "20",
		"to_address": "0x5C28b3979609eF43A2C4B73257d540cd29d9C1F0",
	})
	require.Equal(t, http.StatusAccepted, status, body)
	require.Equal(t, "Pending", body["status"])
	id := body["transaction_id"].(string)

	status, body = c.admin(fiber.MethodPost, "/admin/v1/withdrawals/"+id+"/settle", nil)
	require.Equal(t, http.StatusServiceUnavailable, status, body)

	status, body = c.admin(fiber.MethodPatch, "/admin/v1/transactions/"+id, map[string]string{"status": "Failed", "note": "cancelled"})
	require.Equal(t, http.StatusOK, status, body)

	status, body = c.as(token, fiber.MethodGet, "/api/v1/wallet", nil)
	require.Equal(t, http.StatusOK, status)
	require.Equal(t, "50.00000", body["balances"].(map[string]any)["usdt"])
}
