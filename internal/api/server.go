package api

import (
	"context"
	"net/http"
	"os"
	"strconv"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"

	"binance-sim-trader/config"
	"binance-sim-trader/internal/binance"
	"binance-sim-trader/internal/database"
	"binance-sim-trader/internal/engine"
	"binance-sim-trader/internal/indicators"
	"binance-sim-trader/internal/logging"
)

// Server is the HTTP and WebSocket surface over the running engine.
type Server struct {
	settings   *config.Settings
	store      *database.Store
	runtime    *engine.Runtime
	status     *StatusStore
	stream     *StreamStore
	router     *gin.Engine
	httpServer *http.Server
	log        zerolog.Logger
}

func NewServer(
	settings *config.Settings,
	store *database.Store,
	runtime *engine.Runtime,
	status *StatusStore,
	stream *StreamStore,
) *Server {
	if settings.App.Env != "dev" {
		gin.SetMode(gin.ReleaseMode)
	}
	s := &Server{
		settings: settings,
		store:    store,
		runtime:  runtime,
		status:   status,
		stream:   stream,
		router:   gin.New(),
		log:      logging.Component("api"),
	}
	s.router.Use(gin.Recovery())
	s.router.Use(cors.New(cors.Config{
		AllowOrigins:     settings.API.CorsAllowOrigins,
		AllowMethods:     []string{"GET", "POST", "OPTIONS"},
		AllowHeaders:     []string{"*"},
		AllowCredentials: false,
		MaxAge:           12 * time.Hour,
	}))
	s.registerRoutes()
	return s
}

func (s *Server) registerRoutes() {
	root := s.router.Group(s.settings.API.BasePath)

	api := root.Group("/api")
	api.GET("/status", s.handleStatus)
	api.GET("/strategies", s.handleStrategies)
	api.POST("/strategies/:id/reset", s.handleResetStrategy)
	api.GET("/trades", s.handleTrades)
	api.GET("/positions", s.handlePositions)
	api.GET("/ledger", s.handleLedger)
	api.GET("/equity_snapshots", s.handleEquitySnapshots)
	api.GET("/klines", s.handleKlines)
	api.GET("/indicator_history", s.handleIndicatorHistory)
	api.GET("/stats", s.handleStats)
	api.GET("/conditions_summary", s.handleConditionsSummary)
	api.GET("/debug/state", s.handleDebugState)

	root.GET("/ws/status", s.handleWsStatus)
	root.GET("/ws/stream", s.handleWsStream)

	root.GET("/", s.handleIndex)
}

// Start serves until the listener fails or Shutdown is called.
func (s *Server) Start() error {
	s.httpServer = &http.Server{
		Addr:    s.settings.API.ListenAddr(),
		Handler: s.router,
	}
	s.log.Info().Str("addr", s.httpServer.Addr).Msg("api listening")
	err := s.httpServer.ListenAndServe()
	if err == http.ErrServerClosed {
		return nil
	}
	return err
}

func (s *Server) Shutdown(ctx context.Context) error {
	if s.httpServer == nil {
		return nil
	}
	return s.httpServer.Shutdown(ctx)
}

// handleStatus returns the live status payload. Without ?strategy= it is the
// continuously pushed status of the first configured strategy; with it the
// same shape is assembled on demand for any strategy.
func (s *Server) handleStatus(c *gin.Context) {
	sid := c.Query("strategy")
	if sid == "" {
		c.JSON(http.StatusOK, s.status.Get())
		return
	}
	acc, ok := s.runtime.Portfolio().Accounts()[sid]
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "unknown strategy: " + sid})
		return
	}
	position := map[string]any{
		"side": nil, "qty": nil, "entry_price": nil,
		"stop_price": nil, "tp1_price": nil, "tp2_price": nil,
	}
	var liq any
	if pos := s.runtime.Positions().GetPosition(sid); pos != nil {
		position["side"] = pos.Side
		position["qty"] = pos.Qty
		position["entry_price"] = pos.EntryPrice
		position["stop_price"] = pos.StopPrice
		position["tp1_price"] = pos.TP1Price
		position["tp2_price"] = pos.TP2Price
		liq = s.runtime.Portfolio().CalcLiqPrice(sid, pos.EntryPrice, pos.Side)
	}
	c.JSON(http.StatusOK, gin.H{
		"timestamp":     time.Now().UnixMilli(),
		"balance":       acc.Balance,
		"equity":        acc.Equity,
		"upl":           acc.UPL,
		"margin_used":   acc.MarginUsed,
		"free_margin":   acc.FreeMargin,
		"liq_price":     liq,
		"position":      position,
		"cooldown_bars": s.runtime.Positions().GetCooldown(sid),
	})
}

func (s *Server) handleStrategies(c *gin.Context) {
	accounts := s.runtime.Portfolio().Accounts()
	items := make([]map[string]any, 0)
	for _, sid := range s.runtime.StrategyOrder() {
		acc := accounts[sid]
		entry := map[string]any{
			"id":            sid,
			"type":          s.runtime.StrategyType(sid),
			"account":       acc,
			"cooldown_bars": s.runtime.Positions().GetCooldown(sid),
		}
		if p := s.runtime.Profile(sid); p != nil {
			entry["params"] = p.Strategy
		}
		if pos := s.runtime.Positions().GetPosition(sid); pos != nil {
			entry["position"] = map[string]any{
				"side":        pos.Side,
				"qty":         pos.Qty,
				"entry_price": pos.EntryPrice,
				"stop_price":  pos.StopPrice,
				"tp1_price":   pos.TP1Price,
				"tp2_price":   pos.TP2Price,
				"tp1_hit":     pos.TP1Hit,
				"liq_price":   s.runtime.Portfolio().CalcLiqPrice(sid, pos.EntryPrice, pos.Side),
			}
		} else {
			entry["position"] = nil
		}
		items = append(items, entry)
	}
	c.JSON(http.StatusOK, gin.H{"items": items})
}

func (s *Server) handleResetStrategy(c *gin.Context) {
	sid := c.Param("id")
	if err := s.runtime.ResetStrategy(sid); err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
		return
	}
	s.stream.ResetStrategy(sid)
	c.JSON(http.StatusOK, gin.H{"ok": true, "id": sid})
}

func (s *Server) listFilter(c *gin.Context) database.ListFilter {
	f := database.ListFilter{
		Strategy: c.Query("strategy"),
		Limit:    intQuery(c, "limit", 100),
		Offset:   intQuery(c, "offset", 0),
	}
	if v, ok := int64Query(c, "since"); ok {
		f.Since = &v
	}
	if v, ok := int64Query(c, "until"); ok {
		f.Until = &v
	}
	return f
}

func (s *Server) handleTrades(c *gin.Context) {
	rows, err := s.store.ListTrades(s.listFilter(c))
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"items": rows})
}

func (s *Server) handlePositions(c *gin.Context) {
	rows, err := s.store.ListPositions(s.listFilter(c))
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"items": rows})
}

func (s *Server) handleLedger(c *gin.Context) {
	rows, err := s.store.ListLedger(s.listFilter(c))
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"items": rows})
}

func (s *Server) handleEquitySnapshots(c *gin.Context) {
	rows, err := s.store.ListEquitySnapshots(s.listFilter(c))
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"items": rows})
}

func (s *Server) handleKlines(c *gin.Context) {
	interval := c.DefaultQuery("interval", binance.Interval15m)
	limit := intQuery(c, "limit", 500)
	if limit < 1 {
		limit = 1
	}
	if limit > 2000 {
		limit = 2000
	}
	rows, err := s.store.RecentKlines(s.settings.Binance.Symbol, interval, limit)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"items": rows})
}

// handleIndicatorHistory replays stored klines through a fresh indicator
// engine so charts can backfill indicator series without touching the live
// state.
func (s *Server) handleIndicatorHistory(c *gin.Context) {
	interval := c.DefaultQuery("interval", binance.Interval15m)
	limit := intQuery(c, "limit", 500)
	if limit < 1 {
		limit = 1
	}
	if limit > 2000 {
		limit = 2000
	}

	sid := c.Query("strategy")
	if sid == "" {
		order := s.runtime.StrategyOrder()
		if len(order) == 0 {
			c.JSON(http.StatusOK, gin.H{"items": []any{}})
			return
		}
		sid = order[0]
	}
	specs := s.runtime.IndicatorRequirements(sid)
	if specs == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "unknown strategy: " + sid})
		return
	}

	rows, err := s.store.RecentKlines(s.settings.Binance.Symbol, interval, limit)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}

	eng := indicators.NewEngine()
	if err := eng.Register(sid, specs); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}

	items := make([]map[string]any, 0, len(rows))
	for _, r := range rows {
		bar := binance.Bar{
			OpenTime:  r.OpenTime,
			CloseTime: r.CloseTime,
			Open:      r.Open,
			High:      r.High,
			Low:       r.Low,
			Close:     r.Close,
			Volume:    r.Volume,
			Trades:    r.Trades,
			IsClosed:  true,
		}
		res := eng.UpdateOnClose(interval, bar)
		byName := res[sid]
		if len(byName) == 0 {
			continue
		}
		point := map[string]any{"time": r.OpenTime / 1000}
		for name, rr := range byName {
			point[name] = rr.Value
		}
		items = append(items, point)
	}
	c.JSON(http.StatusOK, gin.H{"items": items})
}

func (s *Server) handleStats(c *gin.Context) {
	sid := c.Query("strategy")
	if sid == "" {
		order := s.runtime.StrategyOrder()
		if len(order) == 0 {
			c.JSON(http.StatusOK, gin.H{})
			return
		}
		sid = order[0]
	}

	stats, err := s.store.GetStrategyStats(s.settings.Binance.Symbol, sid)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}

	rate := func(n int64) float64 {
		if stats.ClosedPositions == 0 {
			return 0
		}
		return float64(n) / float64(stats.ClosedPositions)
	}

	initial := s.settings.Sim.InitialCapital
	if p := s.runtime.Profile(sid); p != nil {
		initial = p.Sim.InitialCapital
	}
	roi := 0.0
	if snap, err := s.store.LatestEquitySnapshot(sid); err == nil && snap != nil && initial > 0 {
		roi = (snap.Equity - initial) / initial
	}

	c.JSON(http.StatusOK, gin.H{
		"strategy":         sid,
		"closed_positions": stats.ClosedPositions,
		"tp1_closes":       stats.TP1Closes,
		"tp2_closes":       stats.TP2Closes,
		"stop_closes":      stats.StopCloses,
		"tp1_rate":         rate(stats.TP1Closes),
		"tp2_rate":         rate(stats.TP2Closes),
		"stop_rate":        rate(stats.StopCloses),
		"roi":              roi,
	})
}

func (s *Server) handleConditionsSummary(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"conditions": s.stream.Conditions()})
}

func (s *Server) handleDebugState(c *gin.Context) {
	c.JSON(http.StatusOK, s.runtime.State())
}

func (s *Server) handleIndex(c *gin.Context) {
	index := s.settings.Frontend.StaticPath + "/index.html"
	if _, err := os.Stat(index); err != nil {
		c.Data(http.StatusOK, "text/html; charset=utf-8", []byte("<h1>frontend not found</h1>"))
		return
	}
	c.File(index)
}

func intQuery(c *gin.Context, key string, def int) int {
	raw := c.Query(key)
	if raw == "" {
		return def
	}
	v, err := strconv.Atoi(raw)
	if err != nil {
		return def
	}
	return v
}

func int64Query(c *gin.Context, key string) (int64, bool) {
	raw := c.Query(key)
	if raw == "" {
		return 0, false
	}
	v, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return 0, false
	}
	return v, true
}
