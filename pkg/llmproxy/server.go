package llmproxy

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	echo "github.com/labstack/echo/v5"
	openai "github.com/sashabaranov/go-openai"

	"github.com/incidentfox/incidentfox/pkg/config"
	"github.com/incidentfox/incidentfox/pkg/models"
	"github.com/incidentfox/incidentfox/pkg/services"
)

const defaultAnthropicVersion = "2023-06-01"

// ConfigSource provides effective team config for model dispatch.
// *configclient.Client satisfies it.
type ConfigSource interface {
	EffectiveConfig(ctx context.Context, org, team string) (*models.EffectiveTeamConfig, error)
}

// Server is the translating LLM proxy.
type Server struct {
	echo    *echo.Echo
	http    *http.Server
	cfg     *config.ProxyConfig
	authz   *Authorizer
	configs ConfigSource
	logger  *slog.Logger

	// upstream carries both sync and streaming calls; deadlines come
	// from per-request contexts so streams are never cut by a client
	// timeout.
	upstream *http.Client
}

// NewServer assembles the proxy and registers its routes.
func NewServer(cfg *config.ProxyConfig, authz *Authorizer, configs ConfigSource) *Server {
	if cfg == nil {
		panic("proxy config cannot be nil")
	}
	if authz == nil {
		panic("authorizer cannot be nil")
	}
	if configs == nil {
		panic("config source cannot be nil")
	}
	s := &Server{
		echo:     echo.New(),
		cfg:      cfg,
		authz:    authz,
		configs:  configs,
		logger:   slog.Default().With("component", "llmproxy"),
		upstream: &http.Client{},
	}
	s.echo.Use(s.recovery())
	s.echo.Use(s.requestLogger())

	s.echo.POST("/v1/messages", s.messagesHandler)
	s.echo.POST("/v1/messages/count_tokens", s.countTokensHandler)
	s.echo.POST("/api/event_logging/*", s.eventLoggingHandler)
	s.echo.GET("/health", s.healthHandler)
	if cfg.MetricsEnabled {
		s.echo.GET("/metrics", s.metricsHandler)
	}
	return s
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

// ---------------------------------------------------------------------------
// Handlers
// ---------------------------------------------------------------------------

func (s *Server) messagesHandler(c *echo.Context) error {
	body, err := io.ReadAll(c.Request().Body)
	if err != nil {
		return s.writeError(c, http.StatusBadRequest, "invalid_request_error", "unreadable request body")
	}
	var req MessagesRequest
	if err := json.Unmarshal(body, &req); err != nil {
		return s.writeError(c, http.StatusBadRequest, "invalid_request_error", "malformed messages request")
	}

	id, err := s.authz.Identify(c.Request())
	if err != nil {
		return s.writeError(c, http.StatusUnauthorized, "authentication_error", err.Error())
	}

	ctx := c.Request().Context()
	model := s.effectiveModel(ctx, id, req.Model)
	if isClaudeModel(model) {
		return s.forwardAnthropic(c, id, model, req.Model, "/v1/messages", body)
	}
	return s.completeOpenAI(c, id, model, &req)
}

func (s *Server) countTokensHandler(c *echo.Context) error {
	body, err := io.ReadAll(c.Request().Body)
	if err != nil {
		return s.writeError(c, http.StatusBadRequest, "invalid_request_error", "unreadable request body")
	}
	var req MessagesRequest
	if err := json.Unmarshal(body, &req); err != nil {
		return s.writeError(c, http.StatusBadRequest, "invalid_request_error", "malformed messages request")
	}

	id, err := s.authz.Identify(c.Request())
	if err != nil {
		return s.writeError(c, http.StatusUnauthorized, "authentication_error", err.Error())
	}

	ctx := c.Request().Context()
	model := s.effectiveModel(ctx, id, req.Model)
	if isClaudeModel(model) {
		return s.forwardAnthropic(c, id, model, req.Model, "/v1/messages/count_tokens", body)
	}
	return c.JSON(http.StatusOK, CountTokensResponse{InputTokens: estimateTokens(&req)})
}

// eventLoggingHandler forwards Anthropic client telemetry. For teams
// dispatched to non-Claude models there is no upstream that understands
// it, so the payload is acknowledged and dropped.
func (s *Server) eventLoggingHandler(c *echo.Context) error {
	body, err := io.ReadAll(c.Request().Body)
	if err != nil {
		return s.writeError(c, http.StatusBadRequest, "invalid_request_error", "unreadable request body")
	}

	id, err := s.authz.Identify(c.Request())
	if err != nil {
		return s.writeError(c, http.StatusUnauthorized, "authentication_error", err.Error())
	}

	ctx := c.Request().Context()
	model := s.effectiveModel(ctx, id, "")
	if !isClaudeModel(model) {
		return c.NoContent(http.StatusAccepted)
	}
	headers, err := s.authz.AnthropicHeaders(ctx, id)
	if err != nil {
		// Telemetry is best effort; never fail the client over it.
		return c.NoContent(http.StatusAccepted)
	}
	return s.passthrough(c, "/api/event_logging/"+c.Param("*"), headers, body)
}

func (s *Server) healthHandler(c *echo.Context) error {
	return c.JSON(http.StatusOK, map[string]any{
		"status":        "ok",
		"default_model": s.cfg.DefaultModel,
	})
}

// ---------------------------------------------------------------------------
// Anthropic passthrough
// ---------------------------------------------------------------------------

func (s *Server) forwardAnthropic(c *echo.Context, id *Identity, model, requestModel, path string, body []byte) error {
	headers, err := s.authz.AnthropicHeaders(c.Request().Context(), id)
	if err != nil {
		return s.credentialError(c, err)
	}
	if model != requestModel {
		if body, err = rewriteModel(body, model); err != nil {
			return s.writeError(c, http.StatusBadRequest, "invalid_request_error", "malformed messages request")
		}
	}
	return s.passthrough(c, path, headers, body)
}

// passthrough relays one request to the Anthropic base URL and streams
// the answer back, status and all.
func (s *Server) passthrough(c *echo.Context, path string, headers map[string]string, body []byte) error {
	upstreamURL := strings.TrimRight(s.cfg.AnthropicBaseURL, "/") + path
	req, err := http.NewRequestWithContext(c.Request().Context(), http.MethodPost, upstreamURL, bytes.NewReader(body))
	if err != nil {
		return s.writeError(c, http.StatusBadGateway, "api_error", "upstream request build failed")
	}
	req.Header.Set("Content-Type", "application/json")
	version := c.Request().Header.Get("anthropic-version")
	if version == "" {
		version = defaultAnthropicVersion
	}
	req.Header.Set("anthropic-version", version)
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	start := time.Now()
	resp, err := s.upstream.Do(req)
	if err != nil {
		upstreamRequests.WithLabelValues("anthropic", "error").Inc()
		return s.writeError(c, http.StatusBadGateway, "api_error", "anthropic upstream unreachable")
	}
	defer resp.Body.Close()
	upstreamRequests.WithLabelValues("anthropic", strconv.Itoa(resp.StatusCode)).Inc()
	upstreamDuration.WithLabelValues("anthropic").Observe(time.Since(start).Seconds())

	h := c.Response().Header()
	contentType := resp.Header.Get("Content-Type")
	if contentType != "" {
		h.Set("Content-Type", contentType)
	}
	if strings.HasPrefix(contentType, "text/event-stream") {
		h.Set("Cache-Control", "no-cache")
		h.Set("Connection", "keep-alive")
		h.Set("X-Accel-Buffering", "no")
	}
	c.Response().WriteHeader(resp.StatusCode)
	flushCopy(c.Response(), resp.Body)
	return nil
}

// rewriteModel patches only the model field of the raw body, keeping
// every other field intact for the passthrough.
func rewriteModel(body []byte, model string) ([]byte, error) {
	var raw map[string]any
	if err := json.Unmarshal(body, &raw); err != nil {
		return nil, err
	}
	raw["model"] = model
	return json.Marshal(raw)
}

// ---------------------------------------------------------------------------
// OpenAI-compatible providers
// ---------------------------------------------------------------------------

func (s *Server) completeOpenAI(c *echo.Context, id *Identity, model string, req *MessagesRequest) error {
	ctx := c.Request().Context()

	providerName, provider, ok := providerFor(s.cfg.Providers, model)
	if !ok {
		return s.writeError(c, http.StatusBadRequest, "invalid_request_error",
			fmt.Sprintf("no provider configured for model %q", model))
	}
	headers, err := s.authz.ProviderHeaders(ctx, id, providerName, provider)
	if err != nil {
		return s.credentialError(c, err)
	}

	chat, err := translateRequest(req)
	if err != nil {
		return s.writeError(c, http.StatusBadRequest, "invalid_request_error", err.Error())
	}
	chat.Model = model
	patchRequest(chat, provider)

	payload, err := json.Marshal(chat)
	if err != nil {
		return s.writeError(c, http.StatusBadRequest, "invalid_request_error", "untranslatable request")
	}

	// Streams run on the caller's context; sync calls get the
	// configured upstream deadline.
	reqCtx := ctx
	if !req.Stream && s.cfg.UpstreamTimeout > 0 {
		var cancel context.CancelFunc
		reqCtx, cancel = context.WithTimeout(ctx, s.cfg.UpstreamTimeout)
		defer cancel()
	}
	httpReq, err := http.NewRequestWithContext(reqCtx, http.MethodPost,
		strings.TrimRight(provider.BaseURL, "/")+"/chat/completions", bytes.NewReader(payload))
	if err != nil {
		return s.writeError(c, http.StatusBadGateway, "api_error", "upstream request build failed")
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if req.Stream {
		httpReq.Header.Set("Accept", "text/event-stream")
	}
	for k, v := range headers {
		httpReq.Header.Set(k, v)
	}

	start := time.Now()
	resp, err := s.upstream.Do(httpReq)
	if err != nil {
		upstreamRequests.WithLabelValues(providerName, "error").Inc()
		return s.writeError(c, http.StatusBadGateway, "api_error", "provider unreachable")
	}
	defer resp.Body.Close()
	upstreamRequests.WithLabelValues(providerName, strconv.Itoa(resp.StatusCode)).Inc()
	upstreamDuration.WithLabelValues(providerName).Observe(time.Since(start).Seconds())

	if resp.StatusCode >= 400 {
		errBody, _ := io.ReadAll(io.LimitReader(resp.Body, 64*1024))
		return c.JSON(resp.StatusCode, translateProviderError(resp.StatusCode, errBody))
	}

	if req.Stream {
		return s.streamResponse(c, model, resp.Body)
	}

	var completion openai.ChatCompletionResponse
	if err := json.NewDecoder(resp.Body).Decode(&completion); err != nil {
		return s.writeError(c, http.StatusBadGateway, "api_error", "provider returned a malformed completion")
	}
	return c.JSON(http.StatusOK, translateResponse(model, &completion))
}

func (s *Server) streamResponse(c *echo.Context, model string, upstream io.Reader) error {
	rw := http.ResponseWriter(c.Response())
	rc := http.NewResponseController(rw)

	h := c.Response().Header()
	h.Set("Content-Type", "text/event-stream")
	h.Set("Cache-Control", "no-cache")
	h.Set("Connection", "keep-alive")
	h.Set("X-Accel-Buffering", "no")
	c.Response().WriteHeader(http.StatusOK)

	translator := newStreamTranslator(model, func(event string, payload any) error {
		data, err := json.Marshal(payload)
		if err != nil {
			return err
		}
		if _, err := fmt.Fprintf(rw, "event: %s\ndata: %s\n\n", event, data); err != nil {
			return err
		}
		return rc.Flush()
	})

	reader := bufio.NewReader(upstream)
	for {
		payload, err := nextStreamPayload(reader)
		if errors.Is(err, errStreamDone) || errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			s.logger.Warn("Provider stream broke mid-flight", "error", err)
			_ = translator.fail("api_error", "provider stream interrupted")
			return nil
		}

		// Providers surface in-stream failures as an error object
		// instead of a chunk.
		var probe struct {
			Error *openai.APIError `json:"error"`
		}
		if json.Unmarshal(payload, &probe) == nil && probe.Error != nil {
			_ = translator.fail(anthropicErrorType(probe.Error.Type, 0), probe.Error.Message)
			return nil
		}

		var chunk openai.ChatCompletionStreamResponse
		if err := json.Unmarshal(payload, &chunk); err != nil {
			s.logger.Warn("Skipping malformed stream chunk", "error", err)
			continue
		}
		if err := translator.chunk(&chunk); err != nil {
			// The client went away; nothing left to deliver.
			return nil
		}
	}
	_ = translator.finishStream()
	return nil
}

// ---------------------------------------------------------------------------
// Shared plumbing
// ---------------------------------------------------------------------------

// effectiveModel applies the dispatch priority. A config-service
// outage falls back to deployment defaults rather than failing the
// request.
func (s *Server) effectiveModel(ctx context.Context, id *Identity, requestModel string) string {
	teamModel := ""
	if cfg, err := s.configs.EffectiveConfig(ctx, id.Org, id.Team); err == nil {
		teamModel = cfg.LLM.Model
	} else {
		s.logger.Warn("Team config unavailable, using deployment defaults",
			"org", id.Org, "team", id.Team, "error", err)
	}
	return resolveModel(teamModel, s.cfg.DefaultModel, requestModel)
}

func (s *Server) credentialError(c *echo.Context, err error) error {
	switch {
	case errors.Is(err, services.ErrTrialExpired):
		return s.writeError(c, http.StatusForbidden, "permission_error",
			"trial expired and no active subscription")
	case errors.Is(err, services.ErrNotFound):
		return s.writeError(c, http.StatusUnauthorized, "authentication_error",
			"no provider credential available")
	default:
		s.logger.Error("Credential resolution failed", "error", err)
		return s.writeError(c, http.StatusBadGateway, "api_error", "credential lookup failed")
	}
}

func (s *Server) writeError(c *echo.Context, status int, errType, message string) error {
	return c.JSON(status, anthropicError(errType, message))
}

func flushCopy(w http.ResponseWriter, r io.Reader) {
	rc := http.NewResponseController(w)
	buf := make([]byte, 32*1024)
	for {
		n, err := r.Read(buf)
		if n > 0 {
			if _, werr := w.Write(buf[:n]); werr != nil {
				return
			}
			_ = rc.Flush()
		}
		if err != nil {
			return
		}
	}
}

func (s *Server) requestLogger() echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c *echo.Context) error {
			id := c.Request().Header.Get("X-Request-Id")
			if id == "" {
				id = uuid.New().String()
			}
			c.Response().Header().Set("X-Request-Id", id)

			start := time.Now()
			err := next(c)
			status := 0
			if res, uerr := echo.UnwrapResponse(c.Response()); uerr == nil {
				status = res.Status
			}
			if err != nil {
				if he, ok := err.(*echo.HTTPError); ok {
					status = he.Code
				} else {
					status = http.StatusInternalServerError
				}
			}
			s.logger.Info("HTTP request",
				"method", c.Request().Method,
				"path", c.Request().URL.Path,
				"status", status,
				"duration_ms", time.Since(start).Milliseconds(),
				"request_id", id)
			return err
		}
	}
}

func (s *Server) recovery() echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c *echo.Context) (err error) {
			defer func() {
				if r := recover(); r != nil {
					s.logger.Error("Handler panic", "panic", r, "path", c.Request().URL.Path)
					err = echo.NewHTTPError(http.StatusInternalServerError, "internal server error")
				}
			}()
			return next(c)
		}
	}
}
