// Package api implements the control-plane HTTP surface: admin
// provisioning, routing lookups, alert intake, audit reads and the
// run-control endpoints. Handlers are thin; they bind, validate,
// delegate to a service and map errors centrally.
package api

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	echo "github.com/labstack/echo/v5"

	"github.com/incidentfox/incidentfox/pkg/config"
	"github.com/incidentfox/incidentfox/pkg/database"
	"github.com/incidentfox/incidentfox/pkg/models"
	"github.com/incidentfox/incidentfox/pkg/orchestrator"
)

// Provisioner is the orchestrator surface the admin handlers call.
// *orchestrator.Orchestrator satisfies it.
type Provisioner interface {
	ProvisionTeam(ctx context.Context, adminToken string, req *models.ProvisionRequest) (*models.ProvisionResponse, error)
	GetProvisionRun(ctx context.Context, adminToken, runID string) (*models.ProvisioningRun, error)
	DeprovisionTeam(ctx context.Context, adminToken string, req *models.DeprovisionRequest) (*models.DeprovisionResponse, error)
	SyncCronJobs(ctx context.Context, adminToken string) (*models.CronSyncResult, error)
	TriggerPipeline(ctx context.Context, adminToken, org, team string) (string, error)
	RunAgentAdmin(ctx context.Context, adminToken string, req *models.RunAgentRequest) (*models.RunAgentResponse, error)
	StartAgentRun(ctx context.Context, input orchestrator.StartRunInput) (*models.RunAgentResponse, error)
}

// RouteFinder resolves external identifiers to a team. *routing.Index
// satisfies it.
type RouteFinder interface {
	Lookup(ctx context.Context, req models.RoutingLookupRequest) (*models.RoutingLookupResponse, error)
}

// RunReader serves audit run listings. *services.RunService satisfies it.
type RunReader interface {
	GetRunDetail(ctx context.Context, id string) (*models.RunDetail, error)
	ListRuns(ctx context.Context, filters models.RunFilters) (*models.RunListResponse, error)
}

// FeedbackWriter records user feedback. *services.FeedbackService
// satisfies it.
type FeedbackWriter interface {
	Create(ctx context.Context, runID string, req models.CreateFeedbackRequest) (*models.Feedback, error)
}

// SessionController reaches live agent sessions for interrupt and
// answer delivery. Implementations return services.ErrNotFound when no
// live session exists for the run, and
// services.ErrConcurrentModification when an answer arrives with no
// pending question.
type SessionController interface {
	Interrupt(runID string) error
	Answer(runID string, answers map[string]string) error
}

// HealthChecker reports backend store health. *database.Client
// satisfies it.
type HealthChecker interface {
	Health(ctx context.Context) (*database.HealthStatus, error)
}

// GatewayHandlers are the SSE command-gateway endpoints mounted on the
// control-plane server. *gateway.Server satisfies it.
type GatewayHandlers interface {
	Connect(c *echo.Context) error
	Response(c *echo.Context) error
}

// Server is the control-plane HTTP server.
type Server struct {
	echo   *echo.Echo
	http   *http.Server
	cfg    *config.ServerConfig
	logger *slog.Logger

	db          HealthChecker
	provisioner Provisioner
	router      RouteFinder
	runs        RunReader
	feedback    FeedbackWriter
	sessions    SessionController
	gateway     GatewayHandlers
}

// NewServer assembles the server and registers all routes. Optional
// collaborators (session controller, gateway) are attached with
// setters before Start.
func NewServer(cfg *config.ServerConfig, db HealthChecker, provisioner Provisioner, router RouteFinder, runs RunReader, feedback FeedbackWriter) *Server {
	if cfg == nil {
		panic("server config cannot be nil")
	}
	s := &Server{
		echo:        echo.New(),
		cfg:         cfg,
		logger:      slog.Default().With("component", "api"),
		db:          db,
		provisioner: provisioner,
		router:      router,
		runs:        runs,
		feedback:    feedback,
	}
	s.registerMiddleware()
	s.registerRoutes()
	return s
}

// SetSessionController attaches the live-session registry used by the
// interrupt and answer endpoints.
func (s *Server) SetSessionController(sc SessionController) {
	s.sessions = sc
}

// SetGateway mounts the SSE command-gateway endpoints.
func (s *Server) SetGateway(gw GatewayHandlers) {
	s.gateway = gw
	s.echo.GET("/gateway/agent/connect", gw.Connect)
	s.echo.POST("/gateway/agent/response/:request_id", gw.Response)
}

func (s *Server) registerMiddleware() {
	s.echo.Use(recovery(s.logger))
	s.echo.Use(requestID())
	s.echo.Use(requestLogger(s.logger))
	s.echo.Use(securityHeaders())
	if len(s.cfg.CORSOrigins) > 0 {
		s.echo.Use(corsHeaders(s.cfg.CORSOrigins))
	}
	if s.cfg.MetricsEnabled {
		s.echo.Use(metricsCollector())
	}
}

func (s *Server) registerRoutes() {
	s.echo.GET("/health", s.healthHandler)
	if s.cfg.MetricsEnabled {
		s.echo.GET("/metrics", s.metricsHandler)
	}

	admin := s.echo.Group("/api/v1/admin")
	admin.POST("/provision/team", s.provisionTeamHandler)
	admin.GET("/provision/runs/:id", s.getProvisionRunHandler)
	admin.POST("/deprovision/team", s.deprovisionTeamHandler)
	admin.POST("/teams/sync-cronjobs", s.syncCronJobsHandler)
	admin.POST("/pipeline/trigger", s.triggerPipelineHandler)
	admin.POST("/agents/run", s.runAgentHandler)

	v1 := s.echo.Group("/api/v1")
	v1.POST("/routing/lookup", s.routingLookupHandler)
	v1.POST("/webhooks/alert", s.alertWebhookHandler)
	v1.GET("/runs", s.listRunsHandler)
	v1.GET("/runs/:id", s.getRunHandler)
	v1.POST("/runs/:id/feedback", s.createFeedbackHandler)
	v1.POST("/runs/:id/interrupt", s.interruptRunHandler)
	v1.POST("/runs/:id/answer", s.answerRunHandler)
}

// Start blocks serving HTTP until Shutdown or a listener error.
func (s *Server) Start(addr string) error {
	s.http = &http.Server{
		Addr:              addr,
		Handler:           s.echo,
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s.http.ListenAndServe()
}

// Shutdown drains in-flight requests.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.http == nil {
		return nil
	}
	return s.http.Shutdown(ctx)
}

// ServeHTTP exposes the router for tests.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.echo.ServeHTTP(w, r)
}
