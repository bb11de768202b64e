// Package api exposes the pipeline stages as asynchronous jobs over HTTP and
// streams job progress over WebSocket.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"github.com/rs/cors"
	"go.uber.org/zap"

	"github.com/atlas-desktop/strategy-lab/internal/config"
	"github.com/atlas-desktop/strategy-lab/internal/jobs"
	"github.com/atlas-desktop/strategy-lab/internal/observability"
	"github.com/atlas-desktop/strategy-lab/internal/optimization"
	"github.com/atlas-desktop/strategy-lab/internal/orchestrator"
	"github.com/atlas-desktop/strategy-lab/internal/portfolio"
	"github.com/atlas-desktop/strategy-lab/internal/walkforward"
	"github.com/atlas-desktop/strategy-lab/pkg/types"
)

// Services are the pipeline stages the server runs jobs on.
type Services struct {
	Discovery   *orchestrator.DiscoveryOrchestrator
	Search      *optimization.SearchEngine
	Allocator   *portfolio.Allocator
	WalkForward *walkforward.Validator
	// WindowDays sizes the default backtest window ending today.
	WindowDays int
}

// Server is the HTTP/WebSocket API server
type Server struct {
	logger     *zap.Logger
	config     *config.ServerConfig
	services   Services
	router     *mux.Router
	handler    http.Handler
	httpServer *http.Server
	upgrader   websocket.Upgrader
	hub        *Hub
	runner     *jobs.Runner
	stopHub    context.CancelFunc
}

// NewServer creates a new API server and starts its WebSocket hub.
func NewServer(logger *zap.Logger, cfg *config.ServerConfig, services Services, repo jobs.Repository) *Server {
	if repo == nil {
		repo = jobs.NewMemoryRepository()
	}
	if services.WindowDays <= 0 {
		services.WindowDays = orchestrator.DefaultDiscoveryConfig().WindowDays
	}

	hub := NewHub(logger)
	hubCtx, stopHub := context.WithCancel(context.Background())
	go hub.Run(hubCtx)

	s := &Server{
		logger:   logger,
		config:   cfg,
		services: services,
		router:   mux.NewRouter(),
		hub:      hub,
		stopHub:  stopHub,
	}
	s.runner = jobs.NewRunner(logger, repo, s.publishJobEvent)
	s.upgrader = websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin:     s.checkOrigin,
	}

	s.setupRoutes()
	s.handler = cors.New(cors.Options{
		AllowedOrigins:   cfg.AllowedOrigins,
		AllowedMethods:   []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders:   []string{"*"},
		AllowCredentials: true,
	}).Handler(s.router)
	return s
}

// setupRoutes configures HTTP routes
func (s *Server) setupRoutes() {
	s.router.HandleFunc("/api/v1/health", s.handleHealth).Methods("GET")

	s.router.HandleFunc("/api/v1/discovery", s.handleDiscovery).Methods("POST")
	s.router.HandleFunc("/api/v1/optimizations", s.handleOptimization).Methods("POST")
	s.router.HandleFunc("/api/v1/allocations", s.handleAllocation).Methods("POST")
	s.router.HandleFunc("/api/v1/walkforward", s.handleWalkForward).Methods("POST")

	s.router.HandleFunc("/api/v1/jobs", s.handleListJobs).Methods("GET")
	s.router.HandleFunc("/api/v1/jobs/{id}", s.handleGetJob).Methods("GET")
	s.router.HandleFunc("/api/v1/jobs/{id}/cancel", s.handleCancelJob).Methods("POST")

	s.router.Handle("/metrics", observability.Handler()).Methods("GET")
	s.router.HandleFunc("/ws", s.handleWebSocket)
}

// Handler returns the CORS-wrapped router.
func (s *Server) Handler() http.Handler {
	return s.handler
}

// Runner returns the job runner.
func (s *Server) Runner() *jobs.Runner {
	return s.runner
}

// Start starts the HTTP server and blocks until it stops.
func (s *Server) Start() error {
	addr := s.config.Addr()
	s.httpServer = &http.Server{
		Addr:         addr,
		Handler:      s.handler,
		ReadTimeout:  s.config.ReadTimeout,
		WriteTimeout: s.config.WriteTimeout,
	}

	s.logger.Info("Starting API server", zap.String("addr", addr))
	if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Stop cancels running jobs, disconnects WebSocket clients and shuts the
// HTTP server down.
func (s *Server) Stop(ctx context.Context) error {
	jobErr := s.runner.Shutdown(ctx)
	s.stopHub()

	var httpErr error
	if s.httpServer != nil {
		httpErr = s.httpServer.Shutdown(ctx)
	}
	return errors.Join(jobErr, httpErr)
}

func (s *Server) checkOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}
	for _, allowed := range s.config.AllowedOrigins {
		if allowed == "*" || strings.EqualFold(allowed, origin) {
			return true
		}
	}
	return false
}

func (s *Server) publishJobEvent(ev jobs.Event) {
	msgType := MessageType(ev.Type)
	s.hub.PublishToChannel(ChannelJobs, msgType, ev.Job)
	s.hub.PublishToChannel(ChannelJobs+":"+ev.Job.ID, msgType, ev.Job)
}

func respondJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func respondError(w http.ResponseWriter, status int, err error) {
	respondJSON(w, status, map[string]string{"error": err.Error()})
}

func decode(r *http.Request, v interface{}) error {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return fmt.Errorf("%w: invalid request body: %v", types.ErrInvalidRequest, err)
	}
	return nil
}

// handleHealth handles health check requests
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, map[string]interface{}{
		"status":  "healthy",
		"time":    time.Now().Unix(),
		"clients": s.hub.ClientCount(),
	})
}

// DiscoveryBody is the POST /api/v1/discovery request.
type DiscoveryBody struct {
	NumCandidates int             `json:"num_candidates"`
	Timeframe     types.Timeframe `json:"timeframe"`
	MaxParallel   int             `json:"max_parallel"`
	WindowDays    int             `json:"window_days"`
}

func (s *Server) handleDiscovery(w http.ResponseWriter, r *http.Request) {
	if s.services.Discovery == nil {
		respondError(w, http.StatusNotImplemented, errors.New("discovery is not configured"))
		return
	}

	var body DiscoveryBody
	if err := decode(r, &body); err != nil {
		respondError(w, http.StatusBadRequest, err)
		return
	}
	if body.NumCandidates <= 0 || !body.Timeframe.IsValid() || body.MaxParallel < 0 {
		respondError(w, http.StatusBadRequest, fmt.Errorf("%w: num_candidates must be positive and timeframe valid", types.ErrInvalidRequest))
		return
	}

	req := orchestrator.DiscoveryRequest{
		NumCandidates: body.NumCandidates,
		Timeframe:     body.Timeframe,
		MaxParallel:   body.MaxParallel,
	}
	if body.WindowDays > 0 {
		req.Window = s.defaultWindow(body.WindowDays)
	}

	s.startJob(w, jobs.KindDiscovery, func(ctx context.Context, report func(types.Progress)) (any, error) {
		req.OnProgress = report
		result, err := s.services.Discovery.Discover(ctx, req)
		if result == nil {
			return nil, err
		}
		return result, err
	})
}

// OptimizationBody is the POST /api/v1/optimizations request.
type OptimizationBody struct {
	Strategy   types.StrategySpec     `json:"strategy"`
	StudyName  string                 `json:"study_name"`
	Ranges     []types.ParameterRange `json:"ranges"`
	NTrials    int                    `json:"n_trials"`
	NJobs      int                    `json:"n_jobs"`
	WindowDays int                    `json:"window_days"`
	Seeds      []types.ParamSet       `json:"seeds"`
}

func (s *Server) handleOptimization(w http.ResponseWriter, r *http.Request) {
	if s.services.Search == nil {
		respondError(w, http.StatusNotImplemented, errors.New("parameter search is not configured"))
		return
	}

	var body OptimizationBody
	if err := decode(r, &body); err != nil {
		respondError(w, http.StatusBadRequest, err)
		return
	}
	if len(body.Ranges) == 0 {
		respondError(w, http.StatusBadRequest, types.ErrEmptyParameterSpace)
		return
	}
	if body.NTrials <= 0 || body.Strategy.Key() == "" {
		respondError(w, http.StatusBadRequest, fmt.Errorf("%w: strategy and positive n_trials are required", types.ErrInvalidRequest))
		return
	}

	days := body.WindowDays
	if days <= 0 {
		days = s.services.WindowDays
	}
	req := optimization.OptimizeRequest{
		Strategy:  body.Strategy,
		StudyName: body.StudyName,
		Ranges:    body.Ranges,
		NTrials:   body.NTrials,
		NJobs:     body.NJobs,
		Window:    s.defaultWindow(days),
		Seeds:     body.Seeds,
	}

	s.startJob(w, jobs.KindOptimization, func(ctx context.Context, report func(types.Progress)) (any, error) {
		req.OnProgress = report
		result, err := s.services.Search.Optimize(ctx, req)
		var ioErr *types.IOFailure
		if errors.As(err, &ioErr) && result != nil {
			s.logger.Warn("study persistence failed", zap.String("study", result.StudyName), zap.Error(err))
			return result, nil
		}
		if result == nil {
			return nil, err
		}
		return result, err
	})
}

// AllocationBody is the POST /api/v1/allocations request.
type AllocationBody struct {
	Results      []*types.OptimizationResult `json:"results"`
	TotalCapital float64                     `json:"total_capital"`
	Method       string                      `json:"method"`
}

func (s *Server) handleAllocation(w http.ResponseWriter, r *http.Request) {
	if s.services.Allocator == nil {
		respondError(w, http.StatusNotImplemented, errors.New("allocation is not configured"))
		return
	}

	var body AllocationBody
	if err := decode(r, &body); err != nil {
		respondError(w, http.StatusBadRequest, err)
		return
	}
	method, err := types.ParseAllocationMethod(body.Method)
	if err != nil {
		respondError(w, http.StatusBadRequest, err)
		return
	}
	if len(body.Results) == 0 || body.TotalCapital <= 0 {
		respondError(w, http.StatusBadRequest, fmt.Errorf("%w: results and positive total_capital are required", types.ErrInvalidRequest))
		return
	}

	s.startJob(w, jobs.KindAllocation, func(ctx context.Context, report func(types.Progress)) (any, error) {
		started := time.Now()
		alloc, err := s.services.Allocator.Allocate(body.Results, body.TotalCapital, method)
		if err != nil {
			return nil, err
		}
		report(types.NewProgress(1, 1, time.Since(started), nil))
		return portfolio.NewSummary(alloc, s.services.Allocator.PortfolioMetrics(alloc, body.Results)), nil
	})
}

// handleWalkForward accepts a walkforward.Request body. A missing base
// config is derived from the strategy's symbol and timeframe.
func (s *Server) handleWalkForward(w http.ResponseWriter, r *http.Request) {
	if s.services.WalkForward == nil {
		respondError(w, http.StatusNotImplemented, errors.New("walk-forward validation is not configured"))
		return
	}

	var req walkforward.Request
	if err := decode(r, &req); err != nil {
		respondError(w, http.StatusBadRequest, err)
		return
	}
	if len(req.Ranges) == 0 {
		respondError(w, http.StatusBadRequest, types.ErrEmptyParameterSpace)
		return
	}
	if req.Strategy.Key() == "" || req.TotalDays <= 0 || req.MaxTrialsPerWindow <= 0 {
		respondError(w, http.StatusBadRequest, fmt.Errorf("%w: strategy, total_days and max_trials_per_window are required", types.ErrInvalidRequest))
		return
	}
	if req.BaseConfig.Symbol == "" {
		base := types.DefaultConfigDocument()
		base.Symbol = req.Strategy.Symbol
		if req.Strategy.Timeframe.IsValid() {
			base.Timeframe = req.Strategy.Timeframe
		}
		req.BaseConfig = base
	}

	s.startJob(w, jobs.KindWalkForward, func(ctx context.Context, report func(types.Progress)) (any, error) {
		req.OnProgress = report
		summary, err := s.services.WalkForward.Validate(ctx, req)
		if summary == nil {
			return nil, err
		}
		return summary, err
	})
}

func (s *Server) startJob(w http.ResponseWriter, kind jobs.Kind, work jobs.Work) {
	job, err := s.runner.Start(kind, work)
	if err != nil {
		s.logger.Error("Failed to start job", zap.String("kind", string(kind)), zap.Error(err))
		respondError(w, http.StatusInternalServerError, err)
		return
	}
	respondJSON(w, http.StatusAccepted, job)
}

func (s *Server) defaultWindow(days int) types.HistoricalWindow {
	return types.WindowEndingAt(time.Now().UTC().Truncate(24*time.Hour), days)
}

func (s *Server) handleListJobs(w http.ResponseWriter, r *http.Request) {
	list, err := s.runner.Repository().List(r.Context())
	if err != nil {
		respondError(w, http.StatusInternalServerError, err)
		return
	}
	if kind := r.URL.Query().Get("kind"); kind != "" {
		filtered := list[:0]
		for _, j := range list {
			if string(j.Kind) == kind {
				filtered = append(filtered, j)
			}
		}
		list = filtered
	}
	respondJSON(w, http.StatusOK, map[string]interface{}{
		"jobs":  list,
		"count": len(list),
	})
}

func (s *Server) handleGetJob(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	job, err := s.runner.Repository().Get(r.Context(), id)
	if errors.Is(err, jobs.ErrNotFound) {
		respondError(w, http.StatusNotFound, err)
		return
	}
	if err != nil {
		respondError(w, http.StatusInternalServerError, err)
		return
	}
	respondJSON(w, http.StatusOK, job)
}

func (s *Server) handleCancelJob(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	switch err := s.runner.Cancel(id); {
	case errors.Is(err, jobs.ErrNotFound):
		respondError(w, http.StatusNotFound, err)
	case errors.Is(err, jobs.ErrNotRunning):
		respondError(w, http.StatusConflict, err)
	case err != nil:
		respondError(w, http.StatusInternalServerError, err)
	default:
		respondJSON(w, http.StatusAccepted, map[string]string{"id": id, "status": "cancelling"})
	}
}

// handleWebSocket upgrades the connection and registers a hub client.
func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Error("WebSocket upgrade failed", zap.Error(err))
		return
	}

	client := NewClient(uuid.NewString(), s.hub, conn)
	if !s.hub.Register(client) {
		conn.Close()
		return
	}
	s.logger.Info("WebSocket client connected", zap.String("id", client.id))

	go client.WritePump()
	go client.ReadPump()
}
