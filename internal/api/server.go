// Package api implements the §6 HTTP surface: JSON history/status
// endpoints over the persisted store plus live strategy/account state,
// grounded in the atlas-ai teacher's gorilla/mux + rs/cors Server shape.
package api

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"
	"github.com/rs/cors"

	"perpsim/internal/domain"
	"perpsim/internal/market"
	"perpsim/internal/persistence"
	"perpsim/internal/portfolio"
	"perpsim/internal/position"
	"perpsim/internal/strategy"
	"perpsim/internal/wsapi"
)

// Server is the HTTP API server.
type Server struct {
	router     *mux.Router
	httpServer *http.Server

	store     *persistence.Store
	portfolio *portfolio.Service
	positions *position.Service
	registry  *strategy.Registry
	live      *wsapi.Store
	symbol    string

	strategies []StrategyDesc
	startedAt  time.Time
}

// StrategyDesc is the static description of one configured strategy
// profile, used by /api/strategies.
type StrategyDesc struct {
	ID             string  `json:"id"`
	Type           string  `json:"type"`
	InitialCapital float64 `json:"initial_capital"`
	Leverage       int     `json:"leverage"`
}

// NewServer builds the API server and registers its routes.
func NewServer(symbol string, store *persistence.Store, portfolioSvc *portfolio.Service, positions *position.Service, registry *strategy.Registry, live *wsapi.Store, strategies []StrategyDesc) *Server {
	s := &Server{
		router:     mux.NewRouter(),
		store:      store,
		portfolio:  portfolioSvc,
		positions:  positions,
		registry:   registry,
		live:       live,
		symbol:     symbol,
		strategies: strategies,
		startedAt:  time.Now(),
	}
	s.setupRoutes()
	return s
}

// Router exposes the underlying mux.Router so callers (e.g. wsapi.Mount)
// can register additional endpoints on the same server.
func (s *Server) Router() *mux.Router {
	return s.router
}

func (s *Server) setupRoutes() {
	s.router.HandleFunc("/api/health", s.handleHealth).Methods("GET")
	s.router.HandleFunc("/api/status", s.handleStatus).Methods("GET")
	s.router.HandleFunc("/api/strategies", s.handleStrategies).Methods("GET")
	s.router.HandleFunc("/api/trades", s.handleTrades).Methods("GET")
	s.router.HandleFunc("/api/positions", s.handlePositions).Methods("GET")
	s.router.HandleFunc("/api/ledger", s.handleLedger).Methods("GET")
	s.router.HandleFunc("/api/equity_snapshots", s.handleEquitySnapshots).Methods("GET")
	s.router.HandleFunc("/api/klines", s.handleKlines).Methods("GET")
	s.router.HandleFunc("/api/indicator_history", s.handleIndicatorHistory).Methods("GET")
	s.router.HandleFunc("/api/stats", s.handleStats).Methods("GET")
	s.router.HandleFunc("/api/conditions_summary", s.handleConditionsSummary).Methods("GET")
	s.router.HandleFunc("/api/debug/state", s.handleDebugState).Methods("GET")
}

// Start serves HTTP on addr behind a permissive CORS handler, matching the
// teacher's development-mode cors.Options.
func (s *Server) Start(addr string) error {
	handler := cors.New(cors.Options{
		AllowedOrigins:   []string{"*"},
		AllowedMethods:   []string{"GET", "OPTIONS"},
		AllowedHeaders:   []string{"*"},
		AllowCredentials: false,
	}).Handler(s.router)

	s.httpServer = &http.Server{
		Addr:         addr,
		Handler:      handler,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
	}
	return s.httpServer.ListenAndServe()
}

// Stop gracefully shuts the server down.
func (s *Server) Stop(ctx context.Context) error {
	if s.httpServer == nil {
		return nil
	}
	return s.httpServer.Shutdown(ctx)
}

func writeJSON(w http.ResponseWriter, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
	}
}

func writeError(w http.ResponseWriter, status int, err error) {
	http.Error(w, err.Error(), status)
}

func queryInt(r *http.Request, key string, def int) int {
	raw := r.URL.Query().Get(key)
	if raw == "" {
		return def
	}
	v, err := strconv.Atoi(raw)
	if err != nil {
		return def
	}
	return v
}

func queryInt64(r *http.Request, key string, def int64) int64 {
	raw := r.URL.Query().Get(key)
	if raw == "" {
		return def
	}
	v, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return def
	}
	return v
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, map[string]interface{}{
		"status": "ok",
		"uptime": time.Since(s.startedAt).String(),
		"symbol": s.symbol,
	})
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	strategyID := r.URL.Query().Get("strategy")
	if strategyID == "" {
		strategyID = s.portfolio.DefaultStrategy()
	}
	acc := s.portfolio.Account(strategyID)
	writeJSON(w, map[string]interface{}{
		"account":  acc,
		"position": s.positions.OpenPosition(strategyID),
		"cooldown": s.positions.CooldownRemaining(strategyID),
	})
}

func (s *Server) handleStrategies(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, map[string]interface{}{
		"strategies": s.strategies,
		"default":    s.portfolio.DefaultStrategy(),
	})
}

func (s *Server) handleTrades(w http.ResponseWriter, r *http.Request) {
	strategyID := r.URL.Query().Get("strategy")
	since := queryInt64(r, "since", 0)
	until := queryInt64(r, "until", 0)
	limit := queryInt(r, "limit", 100)
	offset := queryInt(r, "offset", 0)

	trades, err := s.store.ListTrades(r.Context(), strategyID, since, until, limit, offset)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, map[string]interface{}{"trades": trades, "count": len(trades)})
}

func (s *Server) handlePositions(w http.ResponseWriter, r *http.Request) {
	strategyID := r.URL.Query().Get("strategy")
	limit := queryInt(r, "limit", 100)
	offset := queryInt(r, "offset", 0)

	positions, err := s.store.ListPositions(r.Context(), strategyID, limit, offset)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, map[string]interface{}{"positions": positions, "count": len(positions)})
}

func (s *Server) handleLedger(w http.ResponseWriter, r *http.Request) {
	strategyID := r.URL.Query().Get("strategy")
	since := queryInt64(r, "since", 0)
	until := queryInt64(r, "until", 0)
	limit := queryInt(r, "limit", 100)
	offset := queryInt(r, "offset", 0)

	entries, err := s.store.ListLedger(r.Context(), strategyID, since, until, limit, offset)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, map[string]interface{}{"ledger": entries, "count": len(entries)})
}

func (s *Server) handleEquitySnapshots(w http.ResponseWriter, r *http.Request) {
	strategyID := r.URL.Query().Get("strategy")
	since := queryInt64(r, "since", 0)
	until := queryInt64(r, "until", 0)
	limit := queryInt(r, "limit", 500)
	offset := queryInt(r, "offset", 0)

	snaps, err := s.store.ListEquitySnapshots(r.Context(), strategyID, since, until, limit, offset)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, map[string]interface{}{"equity_snapshots": snaps, "count": len(snaps)})
}

func (s *Server) handleKlines(w http.ResponseWriter, r *http.Request) {
	interval := market.Interval(r.URL.Query().Get("interval"))
	if interval == "" {
		interval = market.Interval15m
	}
	since := queryInt64(r, "since", 0)
	until := queryInt64(r, "until", 0)
	limit := queryInt(r, "limit", 500)
	offset := queryInt(r, "offset", 0)

	bars, err := s.store.ListKlines(r.Context(), s.symbol, interval, since, until, limit, offset)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, map[string]interface{}{"klines": bars, "count": len(bars)})
}

func (s *Server) handleConditionsSummary(w http.ResponseWriter, r *http.Request) {
	summary := make(map[string]domain.ConditionSet, len(s.strategies))
	for _, sd := range s.strategies {
		summary[sd.ID] = s.live.StreamSnapshot(sd.ID).(wsapi.StreamPush).Conditions
	}
	writeJSON(w, map[string]interface{}{"conditions": summary})
}

func (s *Server) handleDebugState(w http.ResponseWriter, r *http.Request) {
	state := map[string]interface{}{
		"symbol":     s.symbol,
		"strategies": s.strategies,
		"default":    s.portfolio.DefaultStrategy(),
	}
	accounts := make(map[string]domain.Account, len(s.strategies))
	positions := make(map[string]*domain.PositionState, len(s.strategies))
	for _, sd := range s.strategies {
		accounts[sd.ID] = s.portfolio.Account(sd.ID)
		positions[sd.ID] = s.positions.OpenPosition(sd.ID)
	}
	state["accounts"] = accounts
	state["positions"] = positions
	writeJSON(w, state)
}

// Stats is the /api/stats payload of §6.
type Stats struct {
	Strategy        string  `json:"strategy"`
	ClosedPositions int     `json:"closed_positions"`
	ROI             float64 `json:"roi"`
	TP1Rate         float64 `json:"tp1_rate"`
	TP2Rate         float64 `json:"tp2_rate"`
	StopRate        float64 `json:"stop_rate"`
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	strategyID := r.URL.Query().Get("strategy")
	if strategyID == "" {
		strategyID = s.portfolio.DefaultStrategy()
	}

	records, err := s.store.ListPositions(r.Context(), strategyID, 100000, 0)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}

	var closed, tp1, tp2, stop int
	for _, rec := range records {
		if rec.Status != domain.Closed || rec.CloseReason == nil {
			continue
		}
		closed++
		switch *rec.CloseReason {
		case domain.CloseReasonTP1:
			tp1++
		case domain.CloseReasonTP2:
			tp2++
		case domain.CloseReasonStop:
			stop++
		}
	}

	stats := Stats{Strategy: strategyID, ClosedPositions: closed}
	if closed > 0 {
		stats.TP1Rate = float64(tp1) / float64(closed)
		stats.TP2Rate = float64(tp2) / float64(closed)
		stats.StopRate = float64(stop) / float64(closed)
	}

	initial := s.initialCapitalFor(strategyID)
	if initial > 0 {
		acc := s.portfolio.Account(strategyID)
		stats.ROI = (acc.Equity - initial) / initial
	}
	writeJSON(w, stats)
}

func (s *Server) initialCapitalFor(strategyID string) float64 {
	for _, sd := range s.strategies {
		if sd.ID == strategyID {
			return sd.InitialCapital
		}
	}
	return 0
}

func (s *Server) handleIndicatorHistory(w http.ResponseWriter, r *http.Request) {
	strategyID := r.URL.Query().Get("strategy")
	interval := market.Interval(r.URL.Query().Get("interval"))
	if interval == "" {
		interval = market.Interval15m
	}
	limit := queryInt(r, "limit", 500)

	impl, _, ok := s.registry.Build(s.typeOf(strategyID), strategyID)
	if !ok {
		writeError(w, http.StatusNotFound, fmt.Errorf("unknown strategy %q", strategyID))
		return
	}

	bars, err := s.store.ListKlines(r.Context(), s.symbol, interval, 0, 0, limit, 0)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}

	series, err := replayIndicators(impl, interval, bars)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, map[string]interface{}{
		"strategy": strategyID,
		"interval": interval,
		"series":   series,
	})
}

func (s *Server) typeOf(strategyID string) string {
	for _, sd := range s.strategies {
		if sd.ID == strategyID {
			return sd.Type
		}
	}
	return ""
}
