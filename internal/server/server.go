package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"deepclaude/internal/config"
	"deepclaude/internal/metrics"
	"deepclaude/internal/models"
	"deepclaude/internal/provider"
	"deepclaude/internal/relay"
	"deepclaude/internal/router"
	"deepclaude/internal/translator"
)

const (
	maxBodyBytes        = 4 << 20 // 4 MiB
	shutdownGracePeriod = 10 * time.Second
	readTimeout         = 30 * time.Second
	idleTimeout         = 120 * time.Second
	visitorExpiry       = 3 * time.Minute

	metricsNamespace = "deepclaude"
)

// Resolver maps a caller-facing model id onto a model pair.
type Resolver interface {
	Resolve(id string) (models.ModelPair, error)
	ModelNames() []string
}

type Server struct {
	cfg      config.Config
	resolver Resolver
	relay    *relay.Relay
	metrics  *metrics.Collector
	logger   *zap.Logger
	app      *echo.Echo
	address  string
	started  time.Time
}

// Option customises a Server.
type Option func(*Server)

func WithLogger(logger *zap.Logger) Option {
	return func(s *Server) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// WithMetrics shares a collector with the relay so /metrics exposes both.
func WithMetrics(c *metrics.Collector) Option {
	return func(s *Server) { s.metrics = c }
}

// New constructs an HTTP server wired with routing and middleware.
func New(cfg config.Config, resolver Resolver, rl *relay.Relay, opts ...Option) (*Server, error) {
	if resolver == nil {
		return nil, errors.New("resolver must not be nil")
	}
	if rl == nil {
		return nil, errors.New("relay must not be nil")
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	srv := &Server{
		cfg:      cfg,
		resolver: resolver,
		relay:    rl,
		logger:   zap.NewNop(),
		address:  fmt.Sprintf(":%d", cfg.Server.Port),
		started:  time.Now(),
	}
	for _, opt := range opts {
		opt(srv)
	}
	if srv.metrics == nil {
		srv.metrics = metrics.NewCollector(metricsNamespace, srv.logger)
	}

	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.HTTPErrorHandler = srv.errorHandler
	srv.app = e

	srv.registerMiddleware()
	srv.registerRoutes()

	return srv, nil
}

// Handler exposes the echo instance for tests and embedding.
func (s *Server) Handler() http.Handler {
	return s.app
}

// Run starts the HTTP server and blocks until the context is cancelled.
func (s *Server) Run(ctx context.Context) error {
	printStartupBanner(s.cfg.Server.Port, s.resolver.ModelNames())
	s.logger.Info("starting server", zap.String("addr", s.address))

	// No write timeout: answer streams can run for minutes.
	httpServer := &http.Server{
		Addr:        s.address,
		Handler:     s.app,
		ReadTimeout: readTimeout,
		IdleTimeout: idleTimeout,
	}

	errCh := make(chan error, 1)
	go func() {
		if err := s.app.StartServer(httpServer); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownGracePeriod)
		defer cancel()
		if err := s.app.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("graceful shutdown failed: %w", err)
		}
		s.logger.Info("server shutdown complete")
		return nil
	case err := <-errCh:
		return err
	}
}

func (s *Server) registerMiddleware() {
	e := s.app
	e.Pre(middleware.RemoveTrailingSlash())
	e.Use(middleware.Recover())
	e.Use(middleware.RequestIDWithConfig(middleware.RequestIDConfig{
		Generator: uuid.NewString,
		RequestIDHandler: func(c echo.Context, id string) {
			req := c.Request()
			c.SetRequest(req.WithContext(relay.WithRequestID(req.Context(), id)))
		},
	}))
	e.Use(middleware.RequestLoggerWithConfig(middleware.RequestLoggerConfig{
		LogLatency:   true,
		LogMethod:    true,
		LogURI:       true,
		LogStatus:    true,
		LogRequestID: true,
		LogRemoteIP:  true,
		LogValuesFunc: func(c echo.Context, v middleware.RequestLoggerValues) error {
			fields := []zap.Field{
				zap.String("request_id", v.RequestID),
				zap.String("method", v.Method),
				zap.String("uri", v.URI),
				zap.Int("status", v.Status),
				zap.Duration("latency", v.Latency),
				zap.String("remote_ip", v.RemoteIP),
			}
			if v.Error != nil {
				fields = append(fields, zap.Error(v.Error))
			}
			s.logger.Info("request", fields...)
			return nil
		},
	}))
	e.Use(s.recordMetrics)

	if len(s.cfg.Server.AllowOrigins) > 0 {
		e.Use(middleware.CORSWithConfig(middleware.CORSConfig{
			AllowOrigins: s.cfg.Server.AllowOrigins,
			AllowMethods: []string{http.MethodGet, http.MethodPost, http.MethodOptions},
			AllowHeaders: []string{echo.HeaderAuthorization, echo.HeaderContentType},
		}))
	}

	if len(s.cfg.Server.APIKeys) > 0 {
		e.Use(middleware.KeyAuthWithConfig(middleware.KeyAuthConfig{
			Skipper:    skipPublic,
			KeyLookup:  "header:" + echo.HeaderAuthorization,
			AuthScheme: "Bearer",
			Validator:  s.validateKey,
			ErrorHandler: func(error, echo.Context) error {
				return requestError{Status: http.StatusUnauthorized, Message: "invalid or missing API key"}
			},
		}))
	}

	if limit := s.cfg.Server.RateLimit; limit.RequestsPerSecond > 0 {
		e.Use(middleware.RateLimiterWithConfig(middleware.RateLimiterConfig{
			Skipper: skipPublic,
			Store: middleware.NewRateLimiterMemoryStoreWithConfig(middleware.RateLimiterMemoryStoreConfig{
				Rate:      rate.Limit(limit.RequestsPerSecond),
				Burst:     limit.Burst,
				ExpiresIn: visitorExpiry,
			}),
			ErrorHandler: func(c echo.Context, err error) error {
				return requestError{Status: http.StatusForbidden, Message: "cannot identify client"}
			},
			DenyHandler: func(c echo.Context, identifier string, err error) error {
				return requestError{Status: http.StatusTooManyRequests, Message: "rate limit exceeded"}
			},
		}))
	}
}

func (s *Server) registerRoutes() {
	s.app.GET("/health", s.handleHealth)
	s.app.GET("/metrics", echo.WrapHandler(s.metrics.Handler()))
	s.app.GET("/v1/models", s.handleModels)
	s.app.POST("/v1/chat/completions", s.handleChatCompletions)
}

func skipPublic(c echo.Context) bool {
	switch c.Path() {
	case "/health", "/metrics":
		return true
	}
	return c.Request().Method == http.MethodOptions
}

func (s *Server) validateKey(key string, _ echo.Context) (bool, error) {
	for _, allowed := range s.cfg.Server.APIKeys {
		if key == allowed {
			return true, nil
		}
	}
	return false, nil
}

func (s *Server) recordMetrics(next echo.HandlerFunc) echo.HandlerFunc {
	return func(c echo.Context) error {
		start := time.Now()
		err := next(c)

		status := c.Response().Status
		if err != nil && !c.Response().Committed {
			status = statusOf(err)
		}
		path := c.Path()
		if path == "" {
			path = "unmatched"
		}
		s.metrics.RecordHTTPRequest(c.Request().Method, path, status, time.Since(start))
		return err
	}
}

func (s *Server) handleHealth(c echo.Context) error {
	return c.JSON(http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleModels(c echo.Context) error {
	return c.JSON(http.StatusOK, translator.FromModelNames(s.resolver.ModelNames(), s.started.Unix()))
}

func (s *Server) handleChatCompletions(c echo.Context) error {
	var body translator.ChatCompletionRequest
	if err := decodeRequestBody(c, &body); err != nil {
		return err
	}
	req := body.ToChatRequest()

	pair, err := s.resolver.Resolve(req.Model)
	if err != nil {
		return toHTTPError(err)
	}

	ctx := c.Request().Context()
	if !req.Stream {
		resp, err := s.relay.Complete(ctx, pair, req)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return toHTTPError(err)
		}
		return c.JSON(http.StatusOK, resp)
	}

	events, err := s.relay.Stream(ctx, pair, req)
	if err != nil {
		return toHTTPError(err)
	}
	return s.writeStream(c, events)
}

// writeStream relays events as server-sent events until Done, Err or the
// channel closes on cancellation.
func (s *Server) writeStream(c echo.Context, events <-chan relay.Event) error {
	res := c.Response()
	header := res.Header()
	header.Set(echo.HeaderContentType, "text/event-stream")
	header.Set("Cache-Control", "no-cache")
	header.Set("Connection", "keep-alive")
	header.Set("X-Accel-Buffering", "no")
	res.WriteHeader(http.StatusOK)
	res.Flush()

	logger := s.logger.With(zap.String("request_id", res.Header().Get(echo.HeaderXRequestID)))
	for ev := range events {
		var err error
		switch {
		case ev.Chunk != nil:
			err = writeSSEData(res, ev.Chunk)
		case ev.Err != nil:
			if err := writeSSEData(res, errorBody{Error: ev.Err.Error()}); err != nil {
				logger.Warn("failed to write stream error", zap.Error(err))
			}
			res.Flush()
			return nil
		case ev.Done:
			if _, err := io.WriteString(res, "data: [DONE]\n\n"); err != nil {
				logger.Warn("failed to write stream terminator", zap.Error(err))
			}
			res.Flush()
			return nil
		}
		if err != nil {
			logger.Warn("client stream write failed", zap.Error(err))
			return nil
		}
		res.Flush()
	}
	return nil
}

func writeSSEData(w io.Writer, payload any) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal SSE payload: %w", err)
	}
	if _, err := fmt.Fprintf(w, "data: %s\n\n", data); err != nil {
		return fmt.Errorf("write SSE data: %w", err)
	}
	return nil
}

func decodeRequestBody[T any](c echo.Context, target *T) error {
	req := c.Request()
	defer req.Body.Close()

	req.Body = http.MaxBytesReader(c.Response(), req.Body, maxBodyBytes)

	decoder := json.NewDecoder(req.Body)
	if err := decoder.Decode(target); err != nil {
		if errors.Is(err, io.EOF) {
			return requestError{Status: http.StatusBadRequest, Message: "request body is required"}
		}
		return requestError{Status: http.StatusBadRequest, Message: fmt.Sprintf("invalid request: %v", err)}
	}

	if err := decoder.Decode(&struct{}{}); err != io.EOF {
		return requestError{Status: http.StatusBadRequest, Message: "request body must contain a single JSON object"}
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

func (s *Server) errorHandler(err error, c echo.Context) {
	if c.Response().Committed {
		return
	}

	status := statusOf(err)
	var message string
	var reqErr requestError
	var httpErr *echo.HTTPError
	switch {
	case errors.As(err, &reqErr):
		message = reqErr.Message
	case errors.As(err, &httpErr):
		message = fmt.Sprint(httpErr.Message)
	default:
		s.logger.Error("unhandled request error", zap.Error(err))
		message = "internal server error"
	}

	if c.Request().Method == http.MethodHead {
		_ = c.NoContent(status)
		return
	}
	_ = c.JSON(status, errorBody{Error: message})
}

func statusOf(err error) int {
	var reqErr requestError
	if errors.As(err, &reqErr) {
		return reqErr.Status
	}
	var httpErr *echo.HTTPError
	if errors.As(err, &httpErr) {
		return httpErr.Code
	}
	return http.StatusInternalServerError
}

func toHTTPError(err error) error {
	var reqErr requestError
	if errors.As(err, &reqErr) {
		return reqErr
	}

	switch {
	case errors.Is(err, router.ErrModelNotFound):
		return requestError{Status: http.StatusNotFound, Message: err.Error()}
	case errors.Is(err, relay.ErrEmptyMessageList), errors.Is(err, relay.ErrLastMessageNotUser):
		return requestError{Status: http.StatusBadRequest, Message: err.Error()}
	case errors.Is(err, provider.ErrUnknownProvider):
		return requestError{Status: http.StatusInternalServerError, Message: err.Error()}
	}

	var streamErr *relay.ProviderStreamError
	if errors.As(err, &streamErr) {
		return requestError{Status: http.StatusInternalServerError, Message: streamErr.Error()}
	}
	return requestError{Status: http.StatusInternalServerError, Message: "relay failed"}
}

func printStartupBanner(port int, deepModels []string) {
	host := "127.0.0.1"
	fmt.Println()
	fmt.Println("deepclaude ready")
	fmt.Printf("Listening on http://%s:%d\n", host, port)
	fmt.Println("Endpoints:")
	fmt.Println("  GET  /health")
	fmt.Println("  GET  /metrics")
	fmt.Println("  GET  /v1/models")
	fmt.Println("  POST /v1/chat/completions")
	if len(deepModels) > 0 {
		fmt.Println("Deep models:")
		for _, name := range deepModels {
			fmt.Printf("  %s\n", name)
		}
	}
	fmt.Printf("Example:\n  curl http://%s:%d/v1/chat/completions -H 'Content-Type: application/json' -d '{\"model\":\"reasoner+answerer\",\"stream\":true,\"messages\":[{\"role\":\"user\",\"content\":\"hello\"}]}'\n\n", host, port)
}
