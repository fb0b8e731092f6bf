package http

import (
	"context"
	"net/http"
	"time"

	"github.com/jmehdipour/servicing-events/internal/config"
	"github.com/jmehdipour/servicing-events/internal/dlq"
	"github.com/jmehdipour/servicing-events/internal/http/middleware"
	"github.com/jmehdipour/servicing-events/internal/metrics"
	"github.com/jmehdipour/servicing-events/internal/model"
	"github.com/jmehdipour/servicing-events/internal/payment"
	"github.com/jmehdipour/servicing-events/internal/ratelimit"
	"github.com/jmehdipour/servicing-events/internal/topology"
	"github.com/labstack/echo/v4"
	echoMid "github.com/labstack/echo/v4/middleware"
	"github.com/labstack/gommon/log"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

// PaymentService is the ingress side of the payment package.
type PaymentService interface {
	Submit(ctx context.Context, req payment.SubmitRequest) (*model.Payment, error)
	ConfirmSettlement(ctx context.Context, paymentID, externalRef string) error
	Get(ctx context.Context, paymentID string) (*model.Payment, error)
	Transitions(ctx context.Context, paymentID string) ([]model.PaymentTransition, error)
}

// DeadLetters is the operator DLQ tool.
type DeadLetters interface {
	Inspect(ctx context.Context, domain string, limit int) ([]dlq.DeadLetter, error)
	Replay(ctx context.Context, domain string, limit int) (int, error)
}

// TopologyChecker runs a drift check against the live broker.
type TopologyChecker func(ctx context.Context) (topology.Report, error)

type SLOReader interface {
	SLO(ctx context.Context, since time.Time) ([]model.SLOSummary, error)
}

// Deps are the collaborators the HTTP surface needs. Ops dependencies may be
// nil; their endpoints then answer 501.
type Deps struct {
	Payments    PaymentService
	DeadLetters DeadLetters
	Topology    TopologyChecker
	SLO         SLOReader
	Limiter     *ratelimit.Limiter
	Health      func(ctx context.Context) error
	Logger      *zap.Logger
}

type Server struct {
	e   *echo.Echo
	log *zap.Logger
}

func NewServer(cfg config.Config, d Deps) *Server {
	if d.Logger == nil {
		d.Logger = zap.NewNop()
	}

	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.Logger.SetLevel(log.WARN)
	e.Use(echoMid.Recover(), echoMid.RequestID())

	metrics.MustRegister(prometheus.DefaultRegisterer)

	e.GET("/metrics", echo.WrapHandler(promhttp.Handler()))

	// health
	e.GET("/healthz", func(c echo.Context) error {
		if d.Health != nil {
			if err := d.Health(c.Request().Context()); err != nil {
				return c.JSON(http.StatusServiceUnavailable, map[string]string{"status": "unhealthy", "error": err.Error()})
			}
		}
		return c.String(http.StatusOK, "ok")
	})

	// middlewares
	authMW := middleware.APIKeyMiddleware(cfg.API.Keys)
	rlMW := middleware.RateLimitMiddleware(middleware.RateLimitConfig{
		Limiter:        d.Limiter,
		RetryAfterHint: true,
	})

	// routes
	v1 := e.Group("/v1", authMW, rlMW)
	v1.POST("/payments", submitPaymentHandler(d.Payments, d.Logger))
	v1.GET("/payments/:id", getPaymentHandler(d.Payments))
	v1.POST("/payments/:id/settlement", confirmSettlementHandler(d.Payments, d.Logger))

	ops := e.Group("/ops", authMW)
	ops.GET("/dlq/:domain", inspectDLQHandler(d.DeadLetters, cfg.Topology.Domains))
	ops.POST("/dlq/:domain/replay", replayDLQHandler(d.DeadLetters, cfg.Topology.Domains, d.Logger))
	ops.GET("/topology/check", topologyCheckHandler(d.Topology))
	ops.GET("/slo", sloHandler(d.SLO))

	return &Server{e: e, log: d.Logger}
}

// NewMetricsServer serves only /metrics and /healthz, for processes
// without the API surface.
func NewMetricsServer(logger *zap.Logger) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.Logger.SetLevel(log.WARN)
	e.Use(echoMid.Recover())

	metrics.MustRegister(prometheus.DefaultRegisterer)
	e.GET("/metrics", echo.WrapHandler(promhttp.Handler()))
	e.GET("/healthz", func(c echo.Context) error { return c.String(http.StatusOK, "ok") })

	return &Server{e: e, log: logger}
}

// Handler exposes the router, mainly for tests.
func (s *Server) Handler() http.Handler { return s.e }

func (s *Server) Start(addr string) error {
	s.log.Info("http: listening", zap.String("addr", addr))
	return s.e.Start(addr)
}

func (s *Server) Shutdown(ctx context.Context) error { return s.e.Shutdown(ctx) }
