package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"

	"streamgate/internal/assembler"
	"streamgate/internal/config"
	"streamgate/internal/metrics"
	"streamgate/internal/models"
	"streamgate/internal/provider"
	"streamgate/internal/router"
	"streamgate/internal/tools"
	"streamgate/internal/translator"
)

const (
	maxBodyBytes = 1 << 20 // 1 MiB
	readTimeout  = 30 * time.Second
	idleTimeout  = 120 * time.Second

	headerUserID        = "X-User-ID"
	headerCorrelationID = "X-Correlation-ID"
	anonymousRequestor  = "anonymous"
)

type Server struct {
	cfg       config.Config
	router    *router.Router
	assembler assembler.Assembler
	tools     *tools.Registry
	metrics   *metrics.Metrics
	app       *echo.Echo
	address   string
}

// Option configures optional server collaborators.
type Option func(*Server)

// WithAssembler sets the context assembler used for every generation request.
func WithAssembler(a assembler.Assembler) Option {
	return func(s *Server) { s.assembler = a }
}

// WithTools exposes the tool registry on /v1/tools/call.
func WithTools(r *tools.Registry) Option {
	return func(s *Server) { s.tools = r }
}

// WithMetrics enables /metrics and request counters.
func WithMetrics(m *metrics.Metrics) Option {
	return func(s *Server) { s.metrics = m }
}

// New constructs an HTTP server wired with routing and middleware.
func New(cfg config.Config, rt *router.Router, opts ...Option) (*Server, error) {
	if rt == nil {
		return nil, errors.New("router must not be nil")
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.HTTPErrorHandler = jsonErrorHandler

	e.Pre(middleware.RemoveTrailingSlash())
	e.Use(middleware.Recover())
	e.Use(middleware.RequestIDWithConfig(middleware.RequestIDConfig{
		Generator: uuid.NewString,
	}))
	e.Use(middleware.RequestLoggerWithConfig(middleware.RequestLoggerConfig{
		LogLatency:   true,
		LogMethod:    true,
		LogURI:       true,
		LogStatus:    true,
		LogRequestID: true,
		LogValuesFunc: func(c echo.Context, v middleware.RequestLoggerValues) error {
			slog.Info("request",
				"method", v.Method,
				"uri", v.URI,
				"status", v.Status,
				"request_id", v.RequestID,
				"latency_ms", v.Latency.Milliseconds(),
				"error", v.Error,
			)
			return nil
		},
	}))
	e.Use(middleware.SecureWithConfig(middleware.SecureConfig{
		XSSProtection:         "1; mode=block",
		ContentTypeNosniff:    "nosniff",
		XFrameOptions:         "DENY",
		HSTSMaxAge:            31536000,
		ContentSecurityPolicy: "default-src 'none'; frame-ancestors 'none'; form-action 'none'",
	}))

	srv := &Server{
		cfg:     cfg,
		router:  rt,
		app:     e,
		address: fmt.Sprintf(":%d", cfg.Server.Port),
	}
	for _, opt := range opts {
		opt(srv)
	}

	srv.registerRoutes()

	return srv, nil
}

// Run starts the HTTP server and blocks until the context is cancelled.
func (s *Server) Run(ctx context.Context) error {
	printStartupBanner(s.cfg.Server.Port)
	slog.Info("starting server", "addr", s.address)

	// WriteTimeout bounds whole responses; zero leaves long streams open.
	httpServer := &http.Server{
		Addr:         s.address,
		Handler:      s.app,
		ReadTimeout:  readTimeout,
		WriteTimeout: s.cfg.Server.WriteTimeout,
		IdleTimeout:  idleTimeout,
	}

	errCh := make(chan error, 1)
	go func() {
		if err := s.app.StartServer(httpServer); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), s.cfg.Server.ShutdownGrace)
		defer cancel()
		if err := s.app.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("graceful shutdown failed: %w", err)
		}
		slog.Info("server shutdown complete")
		return nil
	case err := <-errCh:
		return err
	}
}

func (s *Server) registerRoutes() {
	s.app.GET("/health", s.handleHealth)
	s.app.GET("/v1/models", s.handleModels)
	s.app.POST("/v1/tools/call", s.handleToolCall)
	s.app.POST("/stream", s.handleGenerate)
	s.app.POST("/v1/generate", s.handleGenerate)
	if s.metrics != nil {
		s.app.GET("/metrics", echo.WrapHandler(s.metrics.Handler()))
	}
}

func (s *Server) handleHealth(c echo.Context) error {
	return c.JSON(http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleModels(c echo.Context) error {
	return c.JSON(http.StatusOK, map[string]any{"data": s.router.Catalog(c.Request().Context())})
}

func (s *Server) handleToolCall(c echo.Context) error {
	if s.tools == nil {
		return requestError{Status: http.StatusNotFound, Message: "tools are disabled"}
	}

	var req translator.ToolCallRequest
	if err := decodeRequestBody(c, &req); err != nil {
		return err
	}
	if err := req.Validate(); err != nil {
		return toHTTPError(err)
	}

	args := req.Parameters
	if args == nil {
		args = map[string]any{}
	}
	result := s.tools.Invoke(c.Request().Context(), req.Tool, args)
	return c.JSON(http.StatusOK, translator.ToolCallResponse{Tool: req.Tool, Result: result})
}

func (s *Server) handleGenerate(c echo.Context) error {
	var req translator.GenerationRequest
	if err := decodeRequestBody(c, &req); err != nil {
		s.metrics.ObserveRequest(metrics.OutcomeRejected)
		return err
	}
	if err := req.Validate(s.cfg.Generation.AllowedMethods); err != nil {
		s.metrics.ObserveRequest(metrics.OutcomeRejected)
		return toHTTPError(err)
	}

	requestor := c.Request().Header.Get(headerUserID)
	if requestor == "" {
		requestor = anonymousRequestor
	}
	unified := req.ToUnified(requestor)

	plan, err := s.router.Plan(unified)
	if err != nil {
		s.metrics.ObserveRequest(metrics.OutcomeRejected)
		return toHTTPError(err)
	}

	ctx := c.Request().Context()
	prompt := provider.Prompt{
		Text:          unified.Prompt,
		Context:       assembler.ResolveOrEmpty(ctx, s.assembler, requestor),
		CorrelationID: unified.ID,
	}

	writer := c.Response().Writer
	flusher, ok := writer.(http.Flusher)
	if !ok {
		slog.Error("http writer does not support flushing")
		return requestError{
			Status:  http.StatusInternalServerError,
			Message: "server does not support streaming responses",
		}
	}

	header := c.Response().Header()
	header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	header.Set("Cache-Control", "no-cache")
	header.Set(headerCorrelationID, unified.ID)
	c.Response().WriteHeader(http.StatusOK)
	flusher.Flush()

	slog.Info("generation started",
		slog.String("correlation_id", unified.ID),
		slog.String("method", unified.MethodName),
		slog.Int("models", len(plan)))

	err = s.router.Stream(ctx, plan, prompt, func(chunk models.NormalizedChunk) error {
		if err := translator.WriteChunk(writer, chunk); err != nil {
			return err
		}
		flusher.Flush()
		return nil
	})
	if err != nil {
		// The status line is already sent; the client is gone.
		s.metrics.ObserveRequest(metrics.OutcomeCancelled)
		slog.Warn("generation stream aborted",
			slog.String("correlation_id", unified.ID),
			slog.Any("err", err))
		return nil
	}
	s.metrics.ObserveRequest(metrics.OutcomeCompleted)
	return nil
}

func decodeRequestBody[T any](c echo.Context, target *T) error {
	req := c.Request()
	defer req.Body.Close()

	req.Body = http.MaxBytesReader(c.Response(), req.Body, maxBodyBytes)

	decoder := json.NewDecoder(req.Body)
	if err := decoder.Decode(target); err != nil {
		if errors.Is(err, io.EOF) {
			return requestError{
				Status:  http.StatusBadRequest,
				Message: "request body is required",
			}
		}
		return requestError{
			Status:  http.StatusBadRequest,
			Message: fmt.Sprintf("invalid JSON payload: %v", err),
		}
	}

	if err := decoder.Decode(&struct{}{}); err != io.EOF {
		return requestError{
			Status:  http.StatusBadRequest,
			Message: "request body must contain a single JSON object",
		}
	}
	return nil
}

type requestError struct {
	Status  int
	Message string
}

func (e requestError) Error() string {
	return e.Message
}

type errorBody struct {
	Error string `json:"error"`
}

func jsonErrorHandler(err error, c echo.Context) {
	if c.Response().Committed {
		return
	}

	var reqErr requestError
	if errors.As(err, &reqErr) {
		_ = c.JSON(reqErr.Status, errorBody{Error: reqErr.Message})
		return
	}

	var he *echo.HTTPError
	if errors.As(err, &he) {
		_ = c.JSON(he.Code, errorBody{Error: fmt.Sprint(he.Message)})
		return
	}

	slog.Error("unhandled error", slog.Any("err", err))
	_ = c.JSON(http.StatusInternalServerError, errorBody{Error: "internal server error"})
}

func toHTTPError(err error) error {
	var reqErr requestError
	if errors.As(err, &reqErr) {
		return reqErr
	}

	if errors.Is(err, translator.ErrInvalidRequest) || provider.IsConfigError(err) {
		return requestError{
			Status:  http.StatusBadRequest,
			Message: err.Error(),
		}
	}

	return requestError{
		Status:  http.StatusInternalServerError,
		Message: "internal server error",
	}
}

func printStartupBanner(port int) {
	host := "127.0.0.1"
	fmt.Println()
	fmt.Println("streamgate ready")
	fmt.Printf("Listening on http://%s:%d\n", host, port)
	fmt.Println("Endpoints:")
	fmt.Println("  GET  /health")
	fmt.Println("  GET  /metrics")
	fmt.Println("  GET  /v1/models")
	fmt.Println("  POST /v1/tools/call")
	fmt.Println("  POST /stream   (alias: /v1/generate)")
	fmt.Println("Responses stream one JSON chunk per line.")
	fmt.Printf("Example:\n  curl -N http://%s:%d/stream -H 'Content-Type: application/json' -d '{\"models\":[{\"platform\":\"openai\",\"model\":\"gpt-4o-mini\"}],\"prompt\":\"hello\",\"id\":\"demo-1\"}'\n\n", host, port)
}
