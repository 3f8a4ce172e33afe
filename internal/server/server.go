package server

import (
	"context"
	"time"

	"github.com/gofiber/fiber/v2"

	"github.com/congo-pay/autopool/internal/config"
	"github.com/congo-pay/autopool/internal/middleware"
	"github.com/congo-pay/autopool/internal/routes"
)

// Server wraps the Fiber application and the services wired behind it.
type Server struct {
	app      *fiber.App
	cfg      config.Config
	Services *routes.Services
}

// New instantiates the HTTP server and delegates route wiring to routes.Setup.
func New(d routes.Deps) (*Server, error) {
	app := fiber.New(fiber.Config{
		AppName:      d.Cfg.AppName,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
		ErrorHandler: middleware.ErrorHandler(d.Logger),
	})

	services, err := routes.Setup(app, d)
	if err != nil {
		return nil, err
	}

	return &Server{app: app, cfg: d.Cfg, Services: services}, nil
}

// App exposes the underlying Fiber application, mainly for tests.
func (s *Server) App() *fiber.App {
	return s.app
}

// Listen starts the HTTP server.
func (s *Server) Listen() error {
	return s.app.Listen(s.cfg.Address())
}

// Shutdown gracefully stops the HTTP server.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.app.ShutdownWithContext(ctx)
}
