package routes

import (
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/adaptor"
	"github.com/gofiber/fiber/v2/middleware/logger"
	"github.com/gofiber/fiber/v2/middleware/recover"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"

	"github.com/congo-pay/autopool/internal/account"
	"github.com/congo-pay/autopool/internal/auth"
	"github.com/congo-pay/autopool/internal/bonus"
	"github.com/congo-pay/autopool/internal/config"
	"github.com/congo-pay/autopool/internal/events"
	"github.com/congo-pay/autopool/internal/funding"
	"github.com/congo-pay/autopool/internal/ledger"
	"github.com/congo-pay/autopool/internal/metrics"
	"github.com/congo-pay/autopool/internal/middleware"
	"github.com/congo-pay/autopool/internal/placement"
	"github.com/congo-pay/autopool/internal/plan"
	"github.com/congo-pay/autopool/internal/rates"
	"github.com/congo-pay/autopool/internal/settlement"
	"github.com/congo-pay/autopool/internal/storage"
	"github.com/congo-pay/autopool/internal/tree"
	"github.com/congo-pay/autopool/internal/wallet"
)

// Deps aggregates shared dependencies required to wire routes.
type Deps struct {
	Cfg     config.Config
	DB      *pgxpool.Pool
	Cache   *redis.Client
	Logger  *slog.Logger
	Metrics *metrics.Metrics
	Plan    plan.Plan
	// Publisher receives domain events; nil logs them instead.
	Publisher events.Publisher
	// Settler pays withdrawals out; nil leaves them pending.
	Settler settlement.Settler
}

// Services are the wired domain services, exposed so the caller can run
// background workers against the same instances the routes use.
type Services struct {
	Accounts   *account.Service
	Ledger     *ledger.Service
	Placement  *placement.Service
	Funding    *funding.Service
	Settlement *settlement.Service
	Wallet     *wallet.Service
}

// Setup configures middlewares and all application routes.
func Setup(app *fiber.App, d Deps) (*Services, error) {
	if !d.Cfg.IsDev() {
		if d.DB == nil {
			return nil, fmt.Errorf("database is required when APP_ENV=%s", d.Cfg.AppEnv)
		}
		if d.Cache == nil {
			return nil, fmt.Errorf("redis is required when APP_ENV=%s", d.Cfg.AppEnv)
		}
	}
	if d.Metrics == nil {
		d.Metrics = metrics.New()
	}

	svc, err := build(d)
	if err != nil {
		return nil, err
	}

	app.Use(recover.New())
	app.Use(middleware.RequestID())
	app.Use(logger.New(logger.Config{
		Format:     "[${time}] ${status} -  ${latency} ${method} ${path}\n",
		TimeFormat: "15:04:05",
		TimeZone:   "UTC",
	}))
	app.Use(middleware.Audit(d.Logger))

	RegisterHealthRoutes(app, d)
	app.Get("/metrics", adaptor.HTTPHandler(promhttp.HandlerFor(d.Metrics.Registry, promhttp.HandlerOpts{})))

	app.Get("/ping", func(c *fiber.Ctx) error {
		return c.Status(http.StatusOK).JSON(fiber.Map{
			"status":     "ok",
			"request_id": middleware.RequestIDOf(c),
			"timestamp":  time.Now().UTC().Format(time.RFC3339Nano),
		})
	})

	// Group middleware applies to every path under the prefix, so account
	// and operator surfaces live under distinct prefixes.
	issuer := auth.NewIssuer(d.Cfg.JWTSecret, d.Cfg.TokenTTL)
	protected := app.Group("/api/v1",
		middleware.BearerAuth(issuer, svc.Accounts),
		middleware.WriteRateLimit(d.Cache, d.Cfg.WriteRatePerMinute),
	)
	admin := app.Group("/admin/v1", middleware.AdminToken(d.Cfg.AdminToken))
	if d.Cache != nil {
		idem := middleware.Idempotency(middleware.IdempotencyConfig{
			Cache:  d.Cache,
			TTL:    d.Cfg.IdempotencyTTL,
			Logger: d.Logger,
		})
		protected.Use(idem)
		admin.Use(idem)
	}

	RegisterPlacementRoutes(protected, placement.NewHandler(svc.Placement, d.Plan))
	RegisterWalletRoutes(protected, admin, wallet.NewHandler(svc.Wallet))
	RegisterWithdrawalRoutes(protected, admin, settlement.NewHandler(svc.Settlement))
	RegisterFundingRoutes(admin, funding.NewHandler(svc.Funding))
	RegisterAccountRoutes(admin, account.NewHandler(svc.Accounts, issuer))

	return svc, nil
}

// build selects Postgres or in-memory backends and assembles the services.
func build(d Deps) (*Services, error) {
	var (
		accountRepo account.Repository
		ledgerRepo  ledger.Repository
		nodes       tree.Repository
		tx          storage.Transactor
	)
	if d.DB != nil {
		accountRepo = account.NewPostgresRepository(d.DB)
		ledgerRepo = ledger.NewPostgresRepository(d.DB)
		nodes = tree.NewPostgresRepository(d.DB)
		tx = storage.NewPostgresTransactor(d.DB)
	} else {
		memAccounts := account.NewMemoryRepository()
		memLedger := ledger.NewMemoryRepository()
		memNodes := tree.NewMemoryRepository()
		accountRepo, ledgerRepo, nodes = memAccounts, memLedger, memNodes
		tx = storage.NewMemoryTransactor(memAccounts, memLedger, memNodes)
	}

	publisher := d.Publisher
	if publisher == nil {
		publisher = events.NewLoggerPublisher(d.Logger)
	}
	dispatcher := events.NewDispatcher(publisher, d.Metrics, d.Logger)

	ledgerSvc := ledger.NewService(ledgerRepo, tx, d.Logger)
	accounts := account.NewService(accountRepo, tx, ledgerSvc, d.Logger)
	engine := bonus.NewEngine(nodes, ledgerSvc, accounts, tx, d.Logger)
	placements := placement.NewService(placement.Deps{
		Plan:     d.Plan,
		Accounts: accounts,
		Nodes:    nodes,
		Ledger:   ledgerSvc,
		Engine:   engine,
		Tx:       tx,
		Events:   dispatcher,
		Metrics:  d.Metrics,
		Logger:   d.Logger,
	}, placement.Options{
		DailyLimit: d.Cfg.DailyPlacementLimit,
		MaxRetries: d.Cfg.PlacementMaxRetries,
	})

	fundingSvc, err := funding.NewService(ledgerSvc, tx, nodes, nil, dispatcher, d.Logger)
	if err != nil {
		return nil, err
	}

	provider, err := rateProvider(d)
	if err != nil {
		return nil, err
	}
	settler := d.Settler
	if settler == nil {
		settler = settlement.Unconfigured{}
	}
	settlements := settlement.NewService(settlement.Deps{
		Ledger:  ledgerSvc,
		Tx:      tx,
		Locker:  nodes,
		Rates:   provider,
		Settler: settler,
		Events:  dispatcher,
		Metrics: d.Metrics,
		Logger:  d.Logger,
	})

	return &Services{
		Accounts:   accounts,
		Ledger:     ledgerSvc,
		Placement:  placements,
		Funding:    fundingSvc,
		Settlement: settlements,
		Wallet:     wallet.NewService(ledgerSvc),
	}, nil
}

// rateProvider prefers a configured static rate, then the live rate kept in
// Redis.
func rateProvider(d Deps) (rates.Provider, error) {
	if d.Cfg.StaticRate != "" {
		return rates.NewStatic(d.Cfg.StaticRate)
	}
	if d.Cache != nil {
		return rates.NewRedis(d.Cache), nil
	}
	return rates.Static{}, nil
}
