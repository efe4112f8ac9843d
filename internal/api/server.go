// Package api provides the HTTP and WebSocket server.
package api

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"github.com/rs/cors"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/snowmoney/backtester/internal/backtester"
	"github.com/snowmoney/backtester/internal/data"
	"github.com/snowmoney/backtester/internal/indicator"
	"github.com/snowmoney/backtester/internal/regime"
	"github.com/snowmoney/backtester/internal/signal"
	"github.com/snowmoney/backtester/pkg/types"
)

// Server is the HTTP/WebSocket API server.
type Server struct {
	mu         sync.RWMutex
	logger     *zap.Logger
	config     *types.ServerConfig
	router     *mux.Router
	httpServer *http.Server
	upgrader   websocket.Upgrader
	clients    map[string]*wsClient
	store      *data.Store
	metrics    *Metrics
	runs       map[string]*runState
}

// wsClient is one connected WebSocket client.
type wsClient struct {
	ID   string
	Conn *websocket.Conn
	Send chan []byte
}

// runState tracks one asynchronous simulation or walk-forward run.
type runState struct {
	ID          string                    `json:"id"`
	Kind        string                    `json:"kind"` // "backtest" or "walkforward"
	Status      string                    `json:"status"`
	Started     time.Time                 `json:"started"`
	Error       string                    `json:"error,omitempty"`
	Simulation  *types.SimulationResult   `json:"-"`
	WalkForward *types.WalkForwardResult  `json:"-"`
	cancel      context.CancelFunc
}

// Message is the WebSocket event envelope.
type Message struct {
	ID        string      `json:"id"`
	Type      string      `json:"type"`
	Method    string      `json:"method"`
	Payload   interface{} `json:"payload,omitempty"`
	Error     string      `json:"error,omitempty"`
	Timestamp int64       `json:"timestamp"`
}

// NewServer creates the API server on top of the price store.
func NewServer(logger *zap.Logger, config *types.ServerConfig, store *data.Store) *Server {
	server := &Server{
		logger:  logger,
		config:  config,
		router:  mux.NewRouter(),
		clients: make(map[string]*wsClient),
		store:   store,
		metrics: NewMetrics(),
		runs:    make(map[string]*runState),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin: func(r *http.Request) bool {
				return true // Allow all origins for development
			},
		},
	}

	server.setupRoutes()
	return server
}

// Router exposes the underlying mux for additional route registration.
func (s *Server) Router() *mux.Router {
	return s.router
}

func (s *Server) setupRoutes() {
	s.router.HandleFunc("/api/v1/health", s.handleHealth).Methods("GET")

	s.router.HandleFunc("/api/v1/data/instruments", s.handleGetInstruments).Methods("GET")
	s.router.HandleFunc("/api/v1/data/range", s.handleGetDateRange).Methods("GET")

	s.router.HandleFunc("/api/v1/backtest/run", s.handleRunBacktest).Methods("POST")
	s.router.HandleFunc("/api/v1/backtest/{id}", s.handleGetRun).Methods("GET")
	s.router.HandleFunc("/api/v1/backtest/{id}/trades", s.handleGetTrades).Methods("GET")
	s.router.HandleFunc("/api/v1/backtest/{id}/equity", s.handleGetEquity).Methods("GET")
	s.router.HandleFunc("/api/v1/backtest/{id}/cancel", s.handleCancelRun).Methods("POST")

	s.router.HandleFunc("/api/v1/walkforward/run", s.handleRunWalkForward).Methods("POST")
	s.router.HandleFunc("/api/v1/walkforward/{id}", s.handleGetRun).Methods("GET")

	s.router.HandleFunc("/api/v1/scan", s.handleScan).Methods("GET")

	if s.config.EnableMetrics {
		s.router.Handle("/metrics", s.metrics.Handler())
	}

	s.router.HandleFunc(s.config.WebSocketPath, s.handleWebSocket)
}

// Start starts the HTTP server and blocks until it stops.
func (s *Server) Start() error {
	addr := fmt.Sprintf("%s:%d", s.config.Host, s.config.Port)

	handler := cors.New(cors.Options{
		AllowedOrigins:   []string{"*"},
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"*"},
		AllowCredentials: true,
	}).Handler(s.router)

	s.httpServer = &http.Server{
		Addr:         addr,
		Handler:      handler,
		ReadTimeout:  s.config.ReadTimeout,
		WriteTimeout: s.config.WriteTimeout,
	}

	s.logger.Info("Starting API server", zap.String("addr", addr))

	return s.httpServer.ListenAndServe()
}

// Stop gracefully stops the server.
func (s *Server) Stop(ctx context.Context) error {
	s.mu.Lock()
	for _, client := range s.clients {
		client.Conn.Close()
	}
	s.mu.Unlock()

	return s.httpServer.Shutdown(ctx)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	json.NewEncoder(w).Encode(map[string]interface{}{
		"status": "healthy",
		"time":   time.Now().Unix(),
	})
}

func (s *Server) handleGetInstruments(w http.ResponseWriter, r *http.Request) {
	instruments, err := s.store.Instruments(r.Context())
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	json.NewEncoder(w).Encode(map[string]interface{}{
		"instruments": instruments,
		"count":       len(instruments),
	})
}

func (s *Server) handleGetDateRange(w http.ResponseWriter, r *http.Request) {
	start, end, err := s.store.DateRange(r.Context())
	if err != nil {
		http.Error(w, err.Error(), http.StatusNotFound)
		return
	}

	json.NewEncoder(w).Encode(map[string]interface{}{
		"start": start.Format("2006-01-02"),
		"end":   end.Format("2006-01-02"),
	})
}

// handleRunBacktest starts a new portfolio simulation. Fields omitted
// from the request body fall back to the tuned defaults.
func (s *Server) handleRunBacktest(w http.ResponseWriter, r *http.Request) {
	var config types.BacktestConfig
	if err := json.NewDecoder(r.Body).Decode(&config); err != nil {
		http.Error(w, "Invalid request body", http.StatusBadRequest)
		return
	}
	applyDefaults(&config)

	if config.ID == "" {
		config.ID = uuid.New().String()
	}

	ctx, cancel := context.WithCancel(context.Background())
	state := &runState{
		ID:      config.ID,
		Kind:    "backtest",
		Status:  "running",
		Started: time.Now(),
		cancel:  cancel,
	}

	s.mu.Lock()
	s.runs[config.ID] = state
	s.mu.Unlock()

	go s.runBacktestAsync(ctx, state, &config)

	json.NewEncoder(w).Encode(map[string]interface{}{
		"id":      config.ID,
		"status":  "running",
		"started": state.Started.Unix(),
	})
}

func (s *Server) runBacktestAsync(ctx context.Context, state *runState, config *types.BacktestConfig) {
	defer state.cancel()
	start := time.Now()

	panel, err := s.loadPanel(ctx, config)
	if err != nil {
		s.finishRun(state, err)
		return
	}

	engine := backtester.NewEngine(s.logger, config)
	engine.OnDay(func(date time.Time, equity decimal.Decimal, day, totalDays int) {
		s.broadcast(&Message{
			ID:     uuid.New().String(),
			Type:   "event",
			Method: "backtest:progress",
			Payload: map[string]interface{}{
				"id":     state.ID,
				"date":   date.Format("2006-01-02"),
				"equity": equity,
				"day":    day,
				"total":  totalDays,
			},
			Timestamp: time.Now().UnixMilli(),
		})
	})

	result, err := engine.Run(ctx, panel, config.Params)
	s.metrics.ObserveRun("backtest", time.Since(start), err)
	if err != nil {
		s.finishRun(state, err)
		return
	}

	s.mu.Lock()
	state.Status = "completed"
	state.Simulation = result
	s.mu.Unlock()

	s.broadcast(&Message{
		ID:        uuid.New().String(),
		Type:      "event",
		Method:    "backtest:complete",
		Payload:   map[string]interface{}{"id": state.ID, "status": "completed", "kpi": result.KPI},
		Timestamp: time.Now().UnixMilli(),
	})
}

// handleRunWalkForward starts a walk-forward optimization run.
func (s *Server) handleRunWalkForward(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Backtest    types.BacktestConfig    `json:"backtest"`
		WalkForward types.WalkForwardConfig `json:"walkforward"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "Invalid request body", http.StatusBadRequest)
		return
	}
	applyDefaults(&req.Backtest)
	if req.WalkForward.NSplits == 0 {
		req.WalkForward = *types.DefaultWalkForwardConfig()
	}
	if len(req.WalkForward.Grid) == 0 {
		req.WalkForward.Grid = types.DefaultParameterGrid()
	}

	id := uuid.New().String()
	ctx, cancel := context.WithCancel(context.Background())
	state := &runState{
		ID:      id,
		Kind:    "walkforward",
		Status:  "running",
		Started: time.Now(),
		cancel:  cancel,
	}

	s.mu.Lock()
	s.runs[id] = state
	s.mu.Unlock()

	go func() {
		defer cancel()
		start := time.Now()

		panel, err := s.loadPanel(ctx, &req.Backtest)
		if err != nil {
			s.finishRun(state, err)
			return
		}

		optimizer := backtester.NewWalkForwardOptimizer(s.logger, &req.WalkForward)
		result, err := optimizer.Run(ctx, panel)
		s.metrics.ObserveRun("walkforward", time.Since(start), err)
		if err != nil {
			s.finishRun(state, err)
			return
		}

		s.mu.Lock()
		state.Status = "completed"
		state.WalkForward = result
		s.mu.Unlock()

		s.broadcast(&Message{
			ID:        uuid.New().String(),
			Type:      "event",
			Method:    "walkforward:complete",
			Payload:   map[string]interface{}{"id": id, "status": "completed", "kpi": result.KPI},
			Timestamp: time.Now().UnixMilli(),
		})
	}()

	json.NewEncoder(w).Encode(map[string]interface{}{
		"id":      id,
		"status":  "running",
		"started": state.Started.Unix(),
	})
}

// handleScan evaluates today's entry candidates on the latest stored day.
func (s *Server) handleScan(w http.ResponseWriter, r *http.Request) {
	config := types.DefaultBacktestConfig()
	panel, err := s.loadPanel(r.Context(), config)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	scanner := signal.NewScanner(s.logger, regime.NewFilter(config.MarketBullishThreshold))
	report, err := scanner.Scan(panel, config.Params.DipThreshold)
	if err != nil {
		http.Error(w, err.Error(), http.StatusNotFound)
		return
	}

	json.NewEncoder(w).Encode(report)
}

func (s *Server) handleGetRun(w http.ResponseWriter, r *http.Request) {
	state, ok := s.run(mux.Vars(r)["id"])
	if !ok {
		http.Error(w, "Run not found", http.StatusNotFound)
		return
	}

	s.mu.RLock()
	response := map[string]interface{}{
		"id":      state.ID,
		"kind":    state.Kind,
		"status":  state.Status,
		"started": state.Started.Unix(),
	}
	if state.Error != "" {
		response["error"] = state.Error
	}
	if state.Simulation != nil {
		response["result"] = state.Simulation
	}
	if state.WalkForward != nil {
		response["result"] = state.WalkForward
	}
	s.mu.RUnlock()

	json.NewEncoder(w).Encode(response)
}

func (s *Server) handleGetTrades(w http.ResponseWriter, r *http.Request) {
	state, ok := s.run(mux.Vars(r)["id"])
	if !ok {
		http.Error(w, "Run not found", http.StatusNotFound)
		return
	}

	s.mu.RLock()
	var trades []types.Trade
	switch {
	case state.Simulation != nil:
		trades = state.Simulation.Trades
	case state.WalkForward != nil:
		trades = state.WalkForward.Trades
	}
	status := state.Status
	s.mu.RUnlock()

	if trades == nil && status == "running" {
		http.Error(w, "Run not complete", http.StatusBadRequest)
		return
	}

	json.NewEncoder(w).Encode(map[string]interface{}{
		"id":     state.ID,
		"trades": trades,
		"count":  len(trades),
	})
}

func (s *Server) handleGetEquity(w http.ResponseWriter, r *http.Request) {
	state, ok := s.run(mux.Vars(r)["id"])
	if !ok {
		http.Error(w, "Run not found", http.StatusNotFound)
		return
	}

	s.mu.RLock()
	sim := state.Simulation
	s.mu.RUnlock()

	if sim == nil {
		http.Error(w, "No equity curve available", http.StatusBadRequest)
		return
	}

	json.NewEncoder(w).Encode(map[string]interface{}{
		"id":     state.ID,
		"equity": sim.EquityCurve,
		"count":  len(sim.EquityCurve),
	})
}

func (s *Server) handleCancelRun(w http.ResponseWriter, r *http.Request) {
	state, ok := s.run(mux.Vars(r)["id"])
	if !ok {
		http.Error(w, "Run not found", http.StatusNotFound)
		return
	}

	s.mu.Lock()
	if state.Status != "running" {
		s.mu.Unlock()
		http.Error(w, "Run not running", http.StatusBadRequest)
		return
	}
	state.cancel()
	state.Status = "cancelled"
	s.mu.Unlock()

	json.NewEncoder(w).Encode(map[string]interface{}{
		"id":     state.ID,
		"status": "cancelled",
	})
}

func (s *Server) run(id string) (*runState, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	state, ok := s.runs[id]
	return state, ok
}

func (s *Server) finishRun(state *runState, err error) {
	s.mu.Lock()
	// A cancelled run's context error arrives here too; the cancel already
	// set the terminal status, so keep it.
	if state.Status == "cancelled" {
		s.mu.Unlock()
		s.logger.Info("Run cancelled",
			zap.String("id", state.ID),
			zap.String("kind", state.Kind))
		return
	}
	state.Status = "failed"
	state.Error = err.Error()
	s.mu.Unlock()

	s.logger.Error("Run failed",
		zap.String("id", state.ID),
		zap.String("kind", state.Kind),
		zap.Error(err))

	s.broadcast(&Message{
		ID:        uuid.New().String(),
		Type:      "event",
		Method:    state.Kind + ":failed",
		Payload:   map[string]interface{}{"id": state.ID, "error": err.Error()},
		Timestamp: time.Now().UnixMilli(),
	})
}

// loadPanel loads the configured slice of the price store and computes
// the indicator panel for it.
func (s *Server) loadPanel(ctx context.Context, config *types.BacktestConfig) (*indicator.Panel, error) {
	bars, err := s.store.LoadPanel(ctx, config.StartDate, config.EndDate, config.Categories)
	if err != nil {
		return nil, fmt.Errorf("load price panel: %w", err)
	}
	if len(bars) == 0 {
		return nil, fmt.Errorf("no price data for the requested range")
	}

	engine := indicator.NewEngine(s.logger, config.MAShortWindow, config.MALongWindow)
	return engine.Compute(bars), nil
}

// applyDefaults fills zero-valued request fields from the tuned default
// configuration.
func applyDefaults(config *types.BacktestConfig) {
	def := types.DefaultBacktestConfig()

	if config.InitialCapital.IsZero() {
		config.InitialCapital = def.InitialCapital
	}
	if config.MaxPositions == 0 {
		config.MaxPositions = def.MaxPositions
	}
	if config.Params.DipThreshold.IsZero() {
		config.Params.DipThreshold = def.Params.DipThreshold
	}
	if config.Params.StopLossPct.IsZero() {
		config.Params.StopLossPct = def.Params.StopLossPct
	}
	if config.Params.TrailingStopPct.IsZero() {
		config.Params.TrailingStopPct = def.Params.TrailingStopPct
	}
	if config.MAShortWindow == 0 {
		config.MAShortWindow = def.MAShortWindow
	}
	if config.MALongWindow == 0 {
		config.MALongWindow = def.MALongWindow
	}
	if config.MarketBullishThreshold.IsZero() {
		config.MarketBullishThreshold = def.MarketBullishThreshold
	}
	if len(config.Categories) == 0 {
		config.Categories = def.Categories
	}
}
