package api

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"github.com/terminal-bench/settledrain/internal/controller"
	"github.com/terminal-bench/settledrain/internal/dispatch"
	"github.com/terminal-bench/settledrain/internal/governor"
	"github.com/terminal-bench/settledrain/internal/guard"
	"github.com/terminal-bench/settledrain/internal/report"
	"github.com/terminal-bench/settledrain/internal/spend"
	"github.com/terminal-bench/settledrain/internal/stoploss"
)

// BrokerStatus is the connection surface the health endpoint reports
// when a message broker is wired.
type BrokerStatus interface {
	IsConnected() bool
	Reconnects() int
}

// Server is the HTTP surface of the drain controller.
type Server struct {
	router       *gin.Engine
	logger       zerolog.Logger
	ctrl         *controller.Controller
	backlog      *dispatch.Backlog
	pool         *dispatch.Pool
	checkpointer *report.Checkpointer
	hub          *Hub
	broker       BrokerStatus
}

// Config wires the server. Checkpointer, Pool and Broker are optional.
type Config struct {
	Logger       zerolog.Logger
	Controller   *controller.Controller
	Backlog      *dispatch.Backlog
	Pool         *dispatch.Pool
	Checkpointer *report.Checkpointer
	Hub          *Hub
	Broker       BrokerStatus
}

func NewServer(cfg Config) *Server {
	if cfg.Hub == nil {
		cfg.Hub = NewHub(cfg.Logger)
	}
	if cfg.Backlog == nil {
		cfg.Backlog = dispatch.NewBacklog()
	}

	s := &Server{
		router:       gin.Default(),
		logger:       cfg.Logger.With().Str("component", "api").Logger(),
		ctrl:         cfg.Controller,
		backlog:      cfg.Backlog,
		pool:         cfg.Pool,
		checkpointer: cfg.Checkpointer,
		hub:          cfg.Hub,
		broker:       cfg.Broker,
	}
	s.setupRoutes()
	return s
}

// Hub returns the websocket hub so it can join the event fanout.
func (s *Server) Hub() *Hub {
	return s.hub
}

// Router exposes the gin engine for tests.
func (s *Server) Router() *gin.Engine {
	return s.router
}

// Start serves until the listener fails.
func (s *Server) Start(addr string) error {
	return s.router.Run(addr)
}

func (s *Server) setupRoutes() {
	s.router.GET("/health", s.health)

	v1 := s.router.Group("/api/v1")
	{
		v1.POST("/drain/start", s.startDrain)
		v1.POST("/drain/pause", s.pauseDrain)
		v1.POST("/drain/complete", s.completeDrain)
		v1.GET("/drain/status", s.drainStatus)

		v1.POST("/items/validate", s.validateItem)
		v1.POST("/items/result", s.recordResult)

		v1.POST("/heartbeat", s.heartbeat)

		v1.POST("/rate/guard", s.rateGuard)
		v1.GET("/rate/bucket", s.rateBucket)
		v1.POST("/rate/upshift", s.rateUpshift)

		v1.POST("/providers/:id/check", s.providerCheck)
		v1.POST("/providers/:id/hold", s.providerHold)
		v1.POST("/providers/:id/release", s.providerRelease)
		v1.GET("/providers/held", s.heldProviders)

		v1.POST("/spend/check", s.spendCheck)
		v1.GET("/spend/status", s.spendStatus)
		v1.POST("/spend/concentration/check", s.concentrationCheck)
		v1.GET("/spend/concentration/top", s.concentrationTop)

		v1.POST("/ledger/entries", s.addLedgerEntry)
		v1.GET("/ledger/entries", s.ledgerEntries)
		v1.POST("/ledger/seal", s.sealLedger)
		v1.GET("/ledger/export", s.exportLedger)

		v1.GET("/reconciliation/latest", s.latestWindow)
		v1.GET("/reconciliation", s.windowHistory)
		v1.GET("/forecast", s.forecast)
		v1.GET("/checkpoint/latest", s.latestCheckpoint)

		v1.GET("/evidence", s.evidence)
		v1.GET("/evidence/verify", s.verifyEvidence)

		v1.POST("/backlog", s.enqueueBacklog)
		v1.GET("/backlog", s.backlogStatus)

		v1.GET("/events/ws", s.eventStream)
	}
}

func (s *Server) health(c *gin.Context) {
	resp := gin.H{"status": "healthy", "mode": s.ctrl.Mode().String()}
	if s.broker != nil {
		resp["broker"] = gin.H{
			"connected":  s.broker.IsConnected(),
			"reconnects": s.broker.Reconnects(),
		}
	}
	c.JSON(http.StatusOK, resp)
}

// Drain control

func (s *Server) startDrain(c *gin.Context) {
	receipt, err := s.ctrl.Start(c.Request.Context())
	if err != nil {
		if err == controller.ErrQuietPeriod {
			c.JSON(http.StatusConflict, gin.H{"error": err.Error(), "reason": "quiet_period"})
			return
		}
		c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"receipt": receipt, "status": s.ctrl.Status()})
}

func (s *Server) pauseDrain(c *gin.Context) {
	var req struct {
		Reason string `json:"reason"`
	}
	_ = c.ShouldBindJSON(&req)
	if req.Reason == "" {
		req.Reason = "manual"
	}
	receipt := s.ctrl.Pause(c.Request.Context(), req.Reason)
	c.JSON(http.StatusOK, gin.H{"receipt": receipt, "status": s.ctrl.Status()})
}

func (s *Server) completeDrain(c *gin.Context) {
	receipt, err := s.ctrl.Complete(c.Request.Context())
	if err != nil {
		c.JSON(http.StatusConflict, gin.H{"error": err.Error(), "backlog_depth": s.backlog.Len()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"receipt": receipt, "status": s.ctrl.Status()})
}

func (s *Server) drainStatus(c *gin.Context) {
	c.JSON(http.StatusOK, s.ctrl.Status())
}

// Items

func (s *Server) validateItem(c *gin.Context) {
	var item guard.Item
	if err := c.ShouldBindJSON(&item); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request"})
		return
	}

	result := s.ctrl.ValidateItem(c.Request.Context(), item)
	if !result.Accepted {
		c.JSON(rejectionStatus(result.Reason), result)
		return
	}
	c.JSON(http.StatusOK, result)
}

func (s *Server) recordResult(c *gin.Context) {
	var in controller.ResultInput
	if err := c.ShouldBindJSON(&in); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request"})
		return
	}
	if in.ChargeID == "" || in.ProviderID == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "charge_id and provider_id are required"})
		return
	}

	outcome := s.ctrl.RecordResult(c.Request.Context(), in)
	c.JSON(http.StatusOK, outcome)
}

// Heartbeat

func (s *Server) heartbeat(c *gin.Context) {
	var metrics stoploss.Metrics
	if err := c.ShouldBindJSON(&metrics); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request"})
		return
	}

	result := s.ctrl.Heartbeat(c.Request.Context(), metrics)
	if result.ShortCircuit != "" {
		c.JSON(http.StatusConflict, result)
		return
	}
	c.JSON(http.StatusOK, result)
}

// Rate governor

func (s *Server) rateGuard(c *gin.Context) {
	var req struct {
		ReservesPct float64 `json:"reserves_pct"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request"})
		return
	}

	action, receipt := s.ctrl.CheckRateGuard(c.Request.Context(), req.ReservesPct)
	c.JSON(http.StatusOK, gin.H{"rate_guard": action, "mode": s.ctrl.Mode().String(), "rate_per_sec": s.ctrl.Rate(), "receipt": receipt})
}

func (s *Server) rateBucket(c *gin.Context) {
	c.JSON(http.StatusOK, s.ctrl.TokenBucket())
}

func (s *Server) rateUpshift(c *gin.Context) {
	var req struct {
		P95Ms       float64 `json:"p95_ms"`
		ReservesPct float64 `json:"reserves_pct"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request"})
		return
	}

	decision, receipt := s.ctrl.CheckBurst(c.Request.Context(), req.P95Ms, req.ReservesPct)
	c.JSON(http.StatusOK, gin.H{"burst": decision, "mode": s.ctrl.Mode().String(), "rate_per_sec": s.ctrl.Rate(), "receipt": receipt})
}

// Providers

func (s *Server) providerCheck(c *gin.Context) {
	allowed, reason := s.ctrl.ProviderCheck(c.Param("id"))
	c.JSON(http.StatusOK, gin.H{"allowed": allowed, "reason": reason})
}

func (s *Server) providerHold(c *gin.Context) {
	var req struct {
		Reason string `json:"reason"`
	}
	_ = c.ShouldBindJSON(&req)
	if req.Reason == "" {
		req.Reason = "manual_hold"
	}

	receipt, err := s.ctrl.HoldProvider(c.Request.Context(), c.Param("id"), req.Reason)
	if err != nil {
		c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"receipt": receipt})
}

func (s *Server) providerRelease(c *gin.Context) {
	receipt, err := s.ctrl.ReleaseProvider(c.Request.Context(), c.Param("id"))
	if err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"receipt": receipt})
}

func (s *Server) heldProviders(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"held": s.ctrl.HeldProviders()})
}

// Spend guard

type spendCheckRequest struct {
	ProviderID string          `json:"provider_id" binding:"required"`
	Amount     decimal.Decimal `json:"amount"`
}

func (s *Server) spendCheck(c *gin.Context) {
	var req spendCheckRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request"})
		return
	}

	verdict := s.ctrl.SpendCheck(req.ProviderID, req.Amount)
	if verdict.Action == spend.ActionHold {
		c.JSON(http.StatusLocked, verdict)
		return
	}
	c.JSON(http.StatusOK, verdict)
}

func (s *Server) spendStatus(c *gin.Context) {
	c.JSON(http.StatusOK, s.ctrl.SpendStatus())
}

func (s *Server) concentrationCheck(c *gin.Context) {
	var req spendCheckRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request"})
		return
	}

	verdict := s.ctrl.SpendCheck(req.ProviderID, req.Amount)
	status := http.StatusOK
	if verdict.Reason == spend.ReasonConcentration {
		status = http.StatusLocked
	}
	c.JSON(status, gin.H{"share_pct": verdict.SharePct, "action": verdict.Action.String(), "reason": verdict.Reason})
}

func (s *Server) concentrationTop(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"shares": s.ctrl.TopShares()})
}

// Ledger

func (s *Server) addLedgerEntry(c *gin.Context) {
	var in controller.LedgerEntryInput
	if err := c.ShouldBindJSON(&in); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request"})
		return
	}
	if in.ChargeID == "" || in.ProviderID == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "charge_id and provider_id are required"})
		return
	}

	entry, receipt, err := s.ctrl.AddLedgerEntry(c.Request.Context(), in)
	if err != nil {
		c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusCreated, gin.H{"entry": entry, "receipt": receipt})
}

func (s *Server) ledgerEntries(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"entries": s.ctrl.LedgerEntries(), "sealed": s.ctrl.Status().LedgerSealed})
}

func (s *Server) sealLedger(c *gin.Context) {
	sealHash, receipt, err := s.ctrl.SealLedger(c.Request.Context())
	if err != nil {
		c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"seal_hash": sealHash, "receipt": receipt})
}

func (s *Server) exportLedger(c *gin.Context) {
	c.JSON(http.StatusOK, s.ctrl.ExportLedger())
}

// Reconciliation & reporting

func (s *Server) latestWindow(c *gin.Context) {
	window, ok := s.ctrl.LatestWindow()
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "no closed window yet"})
		return
	}
	c.JSON(http.StatusOK, window)
}

func (s *Server) windowHistory(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"windows": s.ctrl.WindowHistory()})
}

func (s *Server) forecast(c *gin.Context) {
	c.JSON(http.StatusOK, s.ctrl.Forecast())
}

func (s *Server) latestCheckpoint(c *gin.Context) {
	if s.checkpointer == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "checkpointing not configured"})
		return
	}
	latest, ok := s.checkpointer.Latest()
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "no checkpoint yet"})
		return
	}
	c.JSON(http.StatusOK, latest)
}

// Evidence

func (s *Server) evidence(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"records": s.ctrl.EvidenceRecords()})
}

func (s *Server) verifyEvidence(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"valid": s.ctrl.VerifyEvidence(), "head": s.ctrl.Status().EvidenceHead})
}

// Backlog

func (s *Server) enqueueBacklog(c *gin.Context) {
	var item guard.Item
	if err := c.ShouldBindJSON(&item); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request"})
		return
	}
	if item.IdempotencyKey == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "idempotency_key is required"})
		return
	}

	s.backlog.Push(item)
	c.JSON(http.StatusAccepted, gin.H{"depth": s.backlog.Len()})
}

func (s *Server) backlogStatus(c *gin.Context) {
	resp := gin.H{"depth": s.backlog.Len(), "items": s.backlog.Items()}
	if s.pool != nil {
		resp["breakers"] = s.pool.BreakerStates()
	}
	c.JSON(http.StatusOK, resp)
}

// Events

func (s *Server) eventStream(c *gin.Context) {
	s.hub.Serve(c.Writer, c.Request)
}

// rejectionStatus maps an admission rejection reason onto an HTTP
// status: malformed input 400, duplicates 409, ineligible providers
// 422, holds 423, rate limits 429.
func rejectionStatus(reason string) int {
	switch reason {
	case guard.ReasonMissingKey:
		return http.StatusBadRequest
	case guard.ReasonDuplicateKey, guard.ReasonAlreadySettled:
		return http.StatusConflict
	case guard.ReasonProviderInactive, guard.ReasonMissingCapability:
		return http.StatusUnprocessableEntity
	case governor.ReasonProviderHeld, spend.ReasonHourlyCap, spend.ReasonConcentration:
		return http.StatusLocked
	case governor.ReasonProviderRateLimited, controller.ReasonRateLimited:
		return http.StatusTooManyRequests
	default:
		return http.StatusConflict
	}
}
