package api

import (
	"context"
	"crypto/rand"
	"crypto/subtle"
	"encoding/base64"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"sync"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"go.uber.org/zap"

	"github.com/david/grant-tracker/internal/db"
	"github.com/david/grant-tracker/internal/ingest"
	"github.com/david/grant-tracker/internal/models"
)

// Runner executes ingestion runs. *ingest.Pipeline implements it.
type Runner interface {
	Run(ctx context.Context, req ingest.RunRequest) (*ingest.RunOutcome, error)
	Start(ctx context.Context, req ingest.RunRequest) (*ingest.PendingRun, error)
}

// ReadStore is the read side of the grant store used by the query routes.
type ReadStore interface {
	GetRun(ctx context.Context, id string) (*models.AgentRun, error)
	ListRuns(ctx context.Context, f db.RunFilter) ([]models.AgentRun, error)
	ListGrants(ctx context.Context, f db.GrantFilter) ([]models.GrantRecord, error)
	ActiveSourceURLs(ctx context.Context, organizationID string) ([]string, error)
}

type Options struct {
	AdminSecret string
	CORSOrigins []string
}

type Server struct {
	Runner Runner
	Store  ReadStore
	Echo   *echo.Echo

	adminSecret string

	// background runs started with ?async=true
	jobs       sync.WaitGroup
	jobCtx     context.Context
	cancelJobs context.CancelFunc
}

type errorResponse struct {
	Success bool   `json:"success"`
	Error   string `json:"error"`
}

type acceptedResponse struct {
	Success bool   `json:"success"`
	RunID   string `json:"run_id"`
	Status  string `json:"status"`
	Poll    string `json:"poll"`
}

func NewServer(runner Runner, store ReadStore, opts Options) (*Server, error) {
	e := echo.New()
	e.HideBanner = true
	e.Use(middleware.Logger())
	e.Use(middleware.Recover())

	origins := opts.CORSOrigins
	if len(origins) == 0 {
		origins = []string{"http://localhost:4200"}
	}
	e.Use(middleware.CORSWithConfig(middleware.CORSConfig{
		AllowOrigins: origins,
		AllowMethods: []string{http.MethodGet, http.MethodPost},
		AllowHeaders: []string{echo.HeaderOrigin, echo.HeaderContentType, echo.HeaderAccept, echo.HeaderAuthorization, "X-Admin-Secret"},
	}))

	secret := strings.TrimSpace(opts.AdminSecret)
	if secret == "" {
		buf := make([]byte, 48)
		if _, err := rand.Read(buf); err != nil {
			return nil, fmt.Errorf("failed to generate admin secret fallback: %w", err)
		}
		secret = base64.RawURLEncoding.EncodeToString(buf)
		zap.L().Warn("ADMIN_SECRET is not set; using ephemeral in-memory fallback secret")
	}

	jobCtx, cancel := context.WithCancel(context.Background())
	s := &Server{
		Runner:      runner,
		Store:       store,
		Echo:        e,
		adminSecret: secret,
		jobCtx:      jobCtx,
		cancelJobs:  cancel,
	}

	s.routes()
	return s, nil
}

func (s *Server) routes() {
	s.Echo.GET("/health", s.handleHealth)
	api := s.Echo.Group("/api/v1")
	api.GET("/runs", s.handleListRuns)
	api.GET("/runs/:id", s.handleGetRun)
	api.GET("/grants", s.handleListGrants)

	admin := api.Group("")
	admin.Use(s.adminMiddleware)
	admin.POST("/runs", s.handleTriggerRun)
	admin.POST("/organizations/:id/scan", s.handleScanOrganization)
}

func (s *Server) handleHealth(c echo.Context) error {
	return c.String(http.StatusOK, "OK")
}

func (s *Server) handleTriggerRun(c echo.Context) error {
	var req ingest.RunRequest
	if err := c.Bind(&req); err != nil {
		return c.JSON(http.StatusBadRequest, errorResponse{Error: "Invalid request body"})
	}
	return s.dispatch(c, req)
}

// handleScanOrganization runs every active grant source registered for the organization.
func (s *Server) handleScanOrganization(c echo.Context) error {
	orgID := c.Param("id")
	if _, err := uuid.Parse(orgID); err != nil {
		return c.JSON(http.StatusBadRequest, errorResponse{Error: "organization id must be a UUID"})
	}

	var body struct {
		RunType models.RunType `json:"run_type"`
	}
	if c.Request().ContentLength > 0 {
		if err := c.Bind(&body); err != nil {
			return c.JSON(http.StatusBadRequest, errorResponse{Error: "Invalid request body"})
		}
	}

	urls, err := s.Store.ActiveSourceURLs(c.Request().Context(), orgID)
	if err != nil {
		zap.L().Error("failed to load grant sources", zap.String("organization_id", orgID), zap.Error(err))
		return c.JSON(http.StatusInternalServerError, errorResponse{Error: "failed to load grant sources"})
	}
	if len(urls) == 0 {
		return c.JSON(http.StatusNotFound, errorResponse{Error: "organization has no active grant sources"})
	}

	return s.dispatch(c, ingest.RunRequest{
		OrganizationID: orgID,
		SourceURLs:     urls,
		RunType:        body.RunType,
	})
}

// dispatch runs req inline, or in the background when ?async=true.
func (s *Server) dispatch(c echo.Context, req ingest.RunRequest) error {
	async, _ := strconv.ParseBool(c.QueryParam("async"))
	if !async {
		outcome, err := s.Runner.Run(c.Request().Context(), req)
		if err != nil {
			return writeRunError(c, err)
		}
		return c.JSON(http.StatusOK, outcome)
	}

	// A background run is only observable through its run record, so Start
	// refuses requests it cannot record.
	pending, err := s.Runner.Start(c.Request().Context(), req)
	if err != nil {
		return writeRunError(c, err)
	}

	s.jobs.Add(1)
	go func() {
		defer s.jobs.Done()
		pending.Execute(s.jobCtx)
	}()

	runID := pending.ID()
	return c.JSON(http.StatusAccepted, acceptedResponse{
		Success: true,
		RunID:   runID,
		Status:  string(models.RunStatusRunning),
		Poll:    "/api/v1/runs/" + runID,
	})
}

func writeRunError(c echo.Context, err error) error {
	var invalid *ingest.InvalidInputError
	if errors.As(err, &invalid) {
		return c.JSON(http.StatusBadRequest, errorResponse{Error: invalid.Error()})
	}
	var cfgErr *ingest.ConfigurationError
	if errors.As(err, &cfgErr) {
		zap.L().Error("run rejected: service misconfigured", zap.Error(err))
		return c.JSON(http.StatusInternalServerError, errorResponse{Error: cfgErr.Error()})
	}
	if errors.Is(err, ingest.ErrRunNotRecorded) {
		return c.JSON(http.StatusInternalServerError, errorResponse{Error: ingest.ErrRunNotRecorded.Error()})
	}
	zap.L().Error("run failed", zap.Error(err))
	return c.JSON(http.StatusInternalServerError, errorResponse{Error: "internal error"})
}

func (s *Server) handleGetRun(c echo.Context) error {
	run, err := s.Store.GetRun(c.Request().Context(), c.Param("id"))
	if errors.Is(err, db.ErrNotFound) {
		return c.JSON(http.StatusNotFound, errorResponse{Error: "run not found"})
	}
	if err != nil {
		zap.L().Error("failed to load run", zap.String("run_id", c.Param("id")), zap.Error(err))
		return c.JSON(http.StatusInternalServerError, errorResponse{Error: "failed to load run"})
	}
	return c.JSON(http.StatusOK, run)
}

func (s *Server) handleListRuns(c echo.Context) error {
	f := db.RunFilter{OrganizationID: c.QueryParam("organization_id")}
	if l, err := strconv.Atoi(c.QueryParam("limit")); err == nil {
		f.Limit = l
	}

	runs, err := s.Store.ListRuns(c.Request().Context(), f)
	if err != nil {
		zap.L().Error("failed to list runs", zap.Error(err))
		return c.JSON(http.StatusInternalServerError, errorResponse{Error: "failed to list runs"})
	}
	return c.JSON(http.StatusOK, map[string]any{"data": runs, "count": len(runs)})
}

func (s *Server) handleListGrants(c echo.Context) error {
	f := db.GrantFilter{OrganizationID: c.QueryParam("organization_id")}
	if l, err := strconv.Atoi(c.QueryParam("limit")); err == nil {
		f.Limit = l
	}
	if o, err := strconv.Atoi(c.QueryParam("offset")); err == nil && o >= 0 {
		f.Offset = o
	}
	if v := c.QueryParam("stale"); v != "" {
		stale, err := strconv.ParseBool(v)
		if err != nil {
			return c.JSON(http.StatusBadRequest, errorResponse{Error: "stale must be true or false"})
		}
		f.Stale = &stale
	}

	grants, err := s.Store.ListGrants(c.Request().Context(), f)
	if err != nil {
		zap.L().Error("failed to list grants", zap.Error(err))
		return c.JSON(http.StatusInternalServerError, errorResponse{Error: "failed to list grants"})
	}
	return c.JSON(http.StatusOK, map[string]any{"data": grants, "count": len(grants)})
}

func (s *Server) adminMiddleware(next echo.HandlerFunc) echo.HandlerFunc {
	return func(c echo.Context) error {
		// X-Admin-Secret header or Bearer token
		if s.secretMatches(c.Request().Header.Get("X-Admin-Secret")) {
			return next(c)
		}
		authHeader := c.Request().Header.Get("Authorization")
		if len(authHeader) > 7 && strings.EqualFold(authHeader[:7], "Bearer ") {
			if s.secretMatches(authHeader[7:]) {
				return next(c)
			}
		}
		return c.JSON(http.StatusUnauthorized, errorResponse{Error: "Unauthorized admin access"})
	}
}

func (s *Server) secretMatches(candidate string) bool {
	if candidate == "" {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(candidate), []byte(s.adminSecret)) == 1
}

func (s *Server) Start(port int) error {
	return s.Echo.Start(fmt.Sprintf(":%d", port))
}

// Shutdown stops accepting requests, then cancels and waits for background runs.
// Their run records are still finalized because the orchestrator finishes
// them on a detached context.
func (s *Server) Shutdown(ctx context.Context) error {
	err := s.Echo.Shutdown(ctx)
	s.cancelJobs()

	done := make(chan struct{})
	go func() {
		s.jobs.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		return ctx.Err()
	}
	return err
}
