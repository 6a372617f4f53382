// Package httpapi exposes the account, session and admin operations over
// HTTP/JSON with fiber.
package httpapi

import (
	"context"
	"net/http"
	"time"

	"github.com/dmitrijs2005/gophsync/internal/logging"
	"github.com/dmitrijs2005/gophsync/internal/server/consistency"
	"github.com/dmitrijs2005/gophsync/internal/server/migration"
	"github.com/dmitrijs2005/gophsync/internal/server/ratelimit"
	"github.com/dmitrijs2005/gophsync/internal/server/services"
	"github.com/dmitrijs2005/gophsync/internal/server/session"
	"github.com/dmitrijs2005/gophsync/internal/server/verification"
	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/adaptor"
)

type Accounts interface {
	Register(ctx context.Context, in services.RegistrationInput, device ratelimit.DeviceSignals) (*services.Account, error)
	Login(ctx context.Context, email, password string, device ratelimit.DeviceSignals) (*services.LoginResult, error)
	VerifyEmail(ctx context.Context, code string) (string, error)
	ResendVerification(ctx context.Context, identityID string) error
	VerificationStatus(ctx context.Context, identityID string, forceRefresh bool) (verification.Status, error)
}

type Admin interface {
	CheckConsistency(ctx context.Context, operator string, opts consistency.Options) (*consistency.Report, error)
	Reconcile(ctx context.Context, operator string, req services.ReconcileRequest) (*services.ReconcileOutcome, error)
	StartMigration(ctx context.Context, opts migration.Options) (*migration.Report, error)
	ResumeMigration(ctx context.Context, operator, runID string) (*migration.Report, error)
	MigrationReport(ctx context.Context, operator, runID string) (*migration.Report, error)
}

type Sessions interface {
	Validate(ctx context.Context, token, fingerprint string) (*session.Session, error)
}

type Config struct {
	Address           string
	ReadTimeout       time.Duration
	WriteTimeout      time.Duration
	RequestsPerMinute int
	Burst             int
}

type Server struct {
	cfg      Config
	accounts Accounts
	admin    Admin
	sessions Sessions
	metrics  http.Handler
	throttle *IPThrottle
	logger   logging.Logger
	app      *fiber.App
}

// NewServer builds the fiber app. metrics may be nil, in which case
// /metrics is not served.
func NewServer(cfg Config, l logging.Logger, accounts Accounts, admin Admin, sessions Sessions, metrics http.Handler) *Server {
	s := &Server{
		cfg:      cfg,
		accounts: accounts,
		admin:    admin,
		sessions: sessions,
		metrics:  metrics,
		logger:   l.With("module", "http_server"),
	}
	if cfg.RequestsPerMinute > 0 {
		s.throttle = NewIPThrottle(cfg.RequestsPerMinute, cfg.Burst)
	}
	s.app = s.routes()
	return s
}

func (s *Server) App() *fiber.App       { return s.app }
func (s *Server) Throttle() *IPThrottle { return s.throttle }

func (s *Server) routes() *fiber.App {
	app := fiber.New(fiber.Config{
		ReadTimeout:           s.cfg.ReadTimeout,
		WriteTimeout:          s.cfg.WriteTimeout,
		ErrorHandler:          s.errorHandler,
		DisableStartupMessage: true,
	})

	app.Use(s.requestLogger)
	app.Get("/healthz", func(c *fiber.Ctx) error {
		return c.JSON(fiber.Map{"status": "ok"})
	})
	if s.metrics != nil {
		app.Get("/metrics", adaptor.HTTPHandler(s.metrics))
	}

	if s.throttle != nil {
		app.Use(s.throttle.Handler())
	}

	auth := app.Group("/auth")
	auth.Post("/register", s.register)
	auth.Post("/login", s.login)
	auth.Post("/verify", s.verifyEmail)
	auth.Post("/verification/resend", s.requireSession, s.resendVerification)
	auth.Get("/verification", s.requireSession, s.verificationStatus)
	auth.Post("/session/touch", s.requireSession, s.touchSession)
	auth.Post("/session/refresh", s.requireSession, s.refreshSession)
	auth.Post("/logout", s.requireSession, s.logout)

	admin := app.Group("/admin", s.requireSession)
	admin.Post("/consistency", s.checkConsistency)
	admin.Post("/reconcile", s.reconcile)
	admin.Post("/migrations", s.startMigration)
	admin.Post("/migrations/:id/resume", s.resumeMigration)
	admin.Get("/migrations/:id", s.migrationReport)

	return app
}

// Run serves until ctx is cancelled, then shuts down gracefully.
func (s *Server) Run(ctx context.Context) error {
	go func() {
		<-ctx.Done()
		s.logger.Info(ctx, "Stopping HTTP server...")
		if err := s.app.ShutdownWithTimeout(10 * time.Second); err != nil {
			s.logger.Error(ctx, "HTTP shutdown failed", "error", err.Error())
		}
	}()

	s.logger.Info(ctx, "Starting HTTP server", "address", s.cfg.Address)
	return s.app.Listen(s.cfg.Address)
}
