package ragcache

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/google/uuid"
	echo "github.com/labstack/echo/v5"

	"github.com/incidentfox/incidentfox/pkg/config"
	"github.com/incidentfox/incidentfox/pkg/services"
)

const (
	// defaultTree is queried when a request omits the tree name.
	defaultTree = "default"

	defaultTopK = 5
)

// Server is the RAG tree cache HTTP service.
type Server struct {
	echo   *echo.Echo
	http   *http.Server
	cfg    *config.RAGConfig
	cache  *Cache
	logger *slog.Logger
}

// NewServer assembles the service and registers its routes.
func NewServer(cfg *config.RAGConfig, cache *Cache) *Server {
	if cfg == nil {
		panic("rag config cannot be nil")
	}
	if cache == nil {
		panic("cache cannot be nil")
	}
	s := &Server{
		echo:   echo.New(),
		cfg:    cfg,
		cache:  cache,
		logger: slog.Default().With("component", "ragcache"),
	}
	s.echo.Use(s.recovery())
	s.echo.Use(s.requestLogger())

	s.echo.POST("/api/v1/search", s.searchHandler)
	s.echo.POST("/api/v1/answer", s.answerHandler)
	s.echo.POST("/api/v1/federated-search", s.federatedHandler)
	s.echo.GET("/api/v1/trees", s.listHandler)
	s.echo.POST("/api/v1/trees", s.createHandler)
	s.echo.POST("/api/v1/trees/:name/load", s.loadHandler)
	s.echo.DELETE("/api/v1/trees/:name", s.deleteHandler)
	s.echo.POST("/api/v1/trees/:name/documents", s.documentsHandler)
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

type searchRequest struct {
	Query string `json:"query"`
	TopK  int    `json:"top_k"`
	Tree  string `json:"tree"`
}

type searchResponse struct {
	Tree    string         `json:"tree"`
	Results []SearchResult `json:"results"`
}

func (s *Server) searchHandler(c *echo.Context) error {
	var req searchRequest
	if err := json.NewDecoder(c.Request().Body).Decode(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "malformed search request")
	}
	if req.Query == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "query is required")
	}
	if req.Tree == "" {
		req.Tree = defaultTree
	}
	if req.TopK <= 0 {
		req.TopK = defaultTopK
	}

	ctx, cancel := s.queryContext(c)
	defer cancel()

	tree, err := s.cache.Load(ctx, req.Tree)
	if err != nil {
		queriesTotal.WithLabelValues("search", "error").Inc()
		return s.mapError(err)
	}
	results := tree.search(req.Query, req.TopK)
	if results == nil {
		results = []SearchResult{}
	}
	queriesTotal.WithLabelValues("search", "ok").Inc()
	return c.JSON(http.StatusOK, searchResponse{Tree: req.Tree, Results: results})
}

type answerRequest struct {
	Question string `json:"question"`
	TopK     int    `json:"top_k"`
	Tree     string `json:"tree"`
}

type answerResponse struct {
	Tree          string         `json:"tree"`
	Answer        string         `json:"answer"`
	ContextChunks []string       `json:"context_chunks"`
	Citations     []SearchResult `json:"citations"`
	TreesQueried  []string       `json:"trees_queried"`
}

func (s *Server) answerHandler(c *echo.Context) error {
	var req answerRequest
	if err := json.NewDecoder(c.Request().Body).Decode(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "malformed answer request")
	}
	if req.Question == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "question is required")
	}
	if req.Tree == "" {
		req.Tree = defaultTree
	}
	if req.TopK <= 0 {
		req.TopK = defaultTopK
	}

	ctx, cancel := s.queryContext(c)
	defer cancel()

	tree, err := s.cache.Load(ctx, req.Tree)
	if err != nil {
		queriesTotal.WithLabelValues("answer", "error").Inc()
		return s.mapError(err)
	}

	results := tree.search(req.Question, req.TopK)
	resp := answerResponse{
		Tree:          req.Tree,
		ContextChunks: []string{},
		Citations:     []SearchResult{},
		TreesQueried:  []string{req.Tree},
	}
	// Extractive QA: the best-matching chunk is the answer, the rest
	// is supporting context.
	if len(results) > 0 {
		resp.Answer = results[0].Text
		for _, r := range results {
			resp.ContextChunks = append(resp.ContextChunks, r.Text)
		}
		resp.Citations = results
	}
	queriesTotal.WithLabelValues("answer", "ok").Inc()
	return c.JSON(http.StatusOK, resp)
}

type federatedRequest struct {
	Query       string   `json:"query"`
	TreeNames   []string `json:"tree_names"`
	TopK        int      `json:"top_k"`
	TopKPerTree int      `json:"top_k_per_tree"`
	Merge       string   `json:"merge"`
}

func (s *Server) federatedHandler(c *echo.Context) error {
	var req federatedRequest
	if err := json.NewDecoder(c.Request().Body).Decode(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "malformed federated search request")
	}
	if req.Query == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "query is required")
	}
	if len(req.TreeNames) == 0 {
		return echo.NewHTTPError(http.StatusBadRequest, "tree_names is required")
	}
	switch req.Merge {
	case "":
		req.Merge = MergeScore
	case MergeScore, MergeRoundRobin, MergeWeighted:
	default:
		return echo.NewHTTPError(http.StatusBadRequest, "merge must be one of score, round_robin, weighted")
	}
	if req.TopK <= 0 {
		req.TopK = defaultTopK
	}
	if req.TopKPerTree <= 0 {
		req.TopKPerTree = req.TopK
	}

	ctx, cancel := s.queryContext(c)
	defer cancel()

	outcome := s.cache.FederatedSearch(ctx, req.Query, req.TreeNames, req.TopK, req.TopKPerTree, req.Merge)
	queriesTotal.WithLabelValues("federated_search", "ok").Inc()
	return c.JSON(http.StatusOK, outcome)
}

func (s *Server) listHandler(c *echo.Context) error {
	return c.JSON(http.StatusOK, s.cache.Stats())
}

type createRequest struct {
	Name string `json:"name"`
}

func (s *Server) createHandler(c *echo.Context) error {
	var req createRequest
	if err := json.NewDecoder(c.Request().Body).Decode(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "malformed create request")
	}
	tree, err := s.cache.Create(req.Name)
	if err != nil {
		return s.mapError(err)
	}
	return c.JSON(http.StatusCreated, TreeInfo{Name: tree.Name, Nodes: len(tree.Nodes)})
}

func (s *Server) loadHandler(c *echo.Context) error {
	name := c.Param("name")

	ctx, cancel := s.queryContext(c)
	defer cancel()

	if _, err := s.cache.Load(ctx, name); err != nil {
		return s.mapError(err)
	}
	info, _ := s.cache.Info(name)
	return c.JSON(http.StatusOK, info)
}

func (s *Server) deleteHandler(c *echo.Context) error {
	if err := s.cache.Delete(c.Param("name")); err != nil {
		return s.mapError(err)
	}
	return c.NoContent(http.StatusNoContent)
}

type documentsRequest struct {
	Documents []Document `json:"documents"`
}

type documentsResponse struct {
	Tree  string `json:"tree"`
	Added int    `json:"added"`
	Nodes int    `json:"nodes"`
}

func (s *Server) documentsHandler(c *echo.Context) error {
	name := c.Param("name")
	var req documentsRequest
	if err := json.NewDecoder(c.Request().Body).Decode(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "malformed documents request")
	}

	ctx, cancel := s.queryContext(c)
	defer cancel()

	before := 0
	if info, ok := s.cache.Info(name); ok {
		before = info.Nodes
	}
	tree, err := s.cache.AddDocuments(ctx, name, req.Documents)
	if err != nil {
		return s.mapError(err)
	}
	return c.JSON(http.StatusOK, documentsResponse{
		Tree:  name,
		Added: len(tree.Nodes) - before,
		Nodes: len(tree.Nodes),
	})
}

func (s *Server) healthHandler(c *echo.Context) error {
	return c.JSON(http.StatusOK, map[string]any{
		"status": "ok",
		"trees":  s.cache.Stats().Count,
	})
}

// ---------------------------------------------------------------------------
// Plumbing
// ---------------------------------------------------------------------------

func (s *Server) queryContext(c *echo.Context) (context.Context, context.CancelFunc) {
	if s.cfg.QueryTimeout > 0 {
		return context.WithTimeout(c.Request().Context(), s.cfg.QueryTimeout)
	}
	return context.WithCancel(c.Request().Context())
}

func (s *Server) mapError(err error) *echo.HTTPError {
	var validErr *services.ValidationError
	if errors.As(err, &validErr) {
		return echo.NewHTTPError(http.StatusBadRequest, validErr.Error())
	}
	if errors.Is(err, services.ErrNotFound) {
		return echo.NewHTTPError(http.StatusNotFound, "tree not found")
	}
	if errors.Is(err, services.ErrAlreadyExists) {
		return echo.NewHTTPError(http.StatusConflict, "tree already exists")
	}
	s.logger.Error("Tree operation failed", "error", err)
	return echo.NewHTTPError(http.StatusInternalServerError, "internal server error")
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
