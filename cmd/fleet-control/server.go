package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	"github.com/minewatt/fleet-control/pkg/cgminer"
	"github.com/minewatt/fleet-control/pkg/curtail"
	"github.com/minewatt/fleet-control/pkg/datahub"
	"github.com/minewatt/fleet-control/pkg/events"
	"github.com/minewatt/fleet-control/pkg/fleet"
)

// Server is the HTTP API for the fleet control plane.
type Server struct {
	cfg      *Config
	registry *fleet.Registry
	hub      *datahub.Hub
	engine   *curtail.Engine
	repo     *Repository
	eventLog *events.Logger

	srv      *http.Server
	upgrader websocket.Upgrader
}

// NewServer creates the HTTP server.
func NewServer(cfg *Config, registry *fleet.Registry, hub *datahub.Hub, engine *curtail.Engine, repo *Repository, eventLog *events.Logger) *Server {
	return &Server{
		cfg:      cfg,
		registry: registry,
		hub:      hub,
		engine:   engine,
		repo:     repo,
		eventLog: eventLog,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
	}
}

func (s *Server) router() *gin.Engine {
	r := gin.New()
	r.Use(gin.Logger(), gin.Recovery())
	r.Use(cors.Default())

	api := r.Group("/api")
	{
		api.GET("/datahub/price", s.handlePrice)
		api.GET("/datahub/chain", s.handleChain)
		api.GET("/datahub/all", s.handleAll)
		api.GET("/datahub/history/:domain", s.handleSnapshotHistory)

		api.GET("/miners", s.handleMiners)
		api.GET("/miners/:id", s.handleMiner)
		api.POST("/miners/:id/power-limit", s.handlePowerLimit)
		api.POST("/miners/:id/reboot", s.handleReboot)

		api.POST("/curtailment/plan", s.handlePlan)
		api.POST("/curtailment/execute", s.handleExecute)
		api.POST("/curtailment/rollback", s.handleRollback)
		api.GET("/curtailment/plans", s.handlePlans)

		api.GET("/events/export", s.handleEventsExport)
		api.GET("/ws/status", s.handleStatusStream)
	}
	return r
}

// Start runs the server until the context is cancelled.
func (s *Server) Start(ctx context.Context) error {
	s.srv = &http.Server{
		Addr:    fmt.Sprintf(":%d", s.cfg.ListenPort),
		Handler: s.router(),
	}

	errCh := make(chan error, 1)
	go func() {
		if err := s.srv.ListenAndServe(); err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return s.srv.Shutdown(shutdownCtx)
	case err := <-errCh:
		return err
	}
}

func (s *Server) handlePrice(c *gin.Context) {
	snap, err := s.hub.Price(c.Request.Context())
	if err != nil {
		dataError(c, err)
		return
	}
	s.recordSnapshot(c.Request.Context(), "price", string(snap.Source), snap.FetchedAt, snap)
	c.JSON(http.StatusOK, snap)
}

func (s *Server) handleChain(c *gin.Context) {
	snap, err := s.hub.ChainStats(c.Request.Context())
	if err != nil {
		dataError(c, err)
		return
	}
	s.recordSnapshot(c.Request.Context(), "chain", string(snap.Source), snap.FetchedAt, snap)
	c.JSON(http.StatusOK, snap)
}

func (s *Server) handleAll(c *gin.Context) {
	snaps, err := s.hub.All(c.Request.Context())
	if err != nil {
		dataError(c, err)
		return
	}
	c.JSON(http.StatusOK, snaps)
}

func dataError(c *gin.Context, err error) {
	status := http.StatusInternalServerError
	if errors.Is(err, datahub.ErrSourceUnavailable) {
		status = http.StatusServiceUnavailable
	}
	c.JSON(status, gin.H{"error": err.Error()})
}

// handleSnapshotHistory returns the stored observation history for one
// datahub domain, newest first.
func (s *Server) handleSnapshotHistory(c *gin.Context) {
	domain := c.Param("domain")
	if domain != "price" && domain != "chain" {
		c.JSON(http.StatusBadRequest, gin.H{"error": fmt.Sprintf("unknown domain %q", domain)})
		return
	}
	limit := 50
	if v := c.Query("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			limit = n
		}
	}
	if s.repo == nil {
		c.JSON(http.StatusOK, []SnapshotRecord{})
		return
	}
	recs, err := s.repo.RecentSnapshots(c.Request.Context(), domain, limit)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	if recs == nil {
		recs = []SnapshotRecord{}
	}
	c.JSON(http.StatusOK, recs)
}

func (s *Server) recordSnapshot(ctx context.Context, domain, source string, fetchedAt time.Time, snapshot any) {
	if s.repo == nil {
		return
	}
	if err := s.repo.RecordSnapshot(ctx, domain, source, fetchedAt, snapshot); err != nil {
		log.Printf("record %s snapshot: %v", domain, err)
	}
}

func (s *Server) handleMiners(c *gin.Context) {
	c.JSON(http.StatusOK, s.registry.States(c.Request.Context()))
}

func (s *Server) handleMiner(c *gin.Context) {
	adapter, err := s.registry.AdapterByID(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, adapter.State(c.Request.Context()))
}

// controlRequest is the shared confirmation contract for device control and
// curtailment execution. Requests without an explicit confirmation and an
// acting identity are rejected before any device I/O occurs.
type controlRequest struct {
	Confirmed bool   `json:"confirmed"`
	Actor     string `json:"actor"`
}

func (s *Server) requireConfirmed(c *gin.Context, req controlRequest) bool {
	if !s.cfg.Strategy.RequireConfirmation {
		return true
	}
	if !req.Confirmed {
		c.JSON(http.StatusBadRequest, gin.H{"error": "confirmation required: set confirmed=true"})
		return false
	}
	if req.Actor == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "confirmation required: actor missing"})
		return false
	}
	return true
}

func (s *Server) handlePowerLimit(c *gin.Context) {
	var req struct {
		Percent float64 `json:"percent"`
		controlRequest
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if req.Percent < 0 || req.Percent > 1 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "percent must be in [0,1]"})
		return
	}
	if !s.requireConfirmed(c, req.controlRequest) {
		return
	}

	adapter, err := s.registry.AdapterByID(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
		return
	}
	if err := adapter.SetPowerLimit(c.Request.Context(), req.Percent); err != nil {
		commandError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

func (s *Server) handleReboot(c *gin.Context) {
	var req controlRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if !s.requireConfirmed(c, req) {
		return
	}

	adapter, err := s.registry.AdapterByID(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
		return
	}
	if err := adapter.Reboot(c.Request.Context()); err != nil {
		commandError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

// commandError distinguishes "the firmware cannot do this" from "the device
// is unreachable" so operators can act on the response alone.
func commandError(c *gin.Context, err error) {
	status := http.StatusBadGateway
	if errors.Is(err, cgminer.ErrPowerLimitUnsupported) {
		status = http.StatusUnprocessableEntity
	}
	c.JSON(status, gin.H{"error": err.Error()})
}

func (s *Server) handlePlan(c *gin.Context) {
	var req curtail.Request
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if req.Strategy == "" {
		req.Strategy = s.cfg.Strategy.DefaultStrategy
	}
	if req.MaxThrottleFraction == 0 {
		req.MaxThrottleFraction = s.cfg.Strategy.MaxThrottleFraction
	}

	plan, err := s.engine.Plan(c.Request.Context(), req)
	if err != nil {
		status := http.StatusInternalServerError
		if errors.Is(err, curtail.ErrTargetRequired) || errors.Is(err, curtail.ErrUnknownStrategy) {
			status = http.StatusBadRequest
		}
		c.JSON(status, gin.H{"error": err.Error()})
		return
	}

	if s.repo != nil {
		if err := s.repo.SavePlan(c.Request.Context(), plan); err != nil {
			log.Printf("save plan %s: %v", plan.ID, err)
		}
	}
	c.JSON(http.StatusOK, plan)
}

func (s *Server) handleExecute(c *gin.Context) {
	var req struct {
		PlanID string        `json:"plan_id"`
		Plan   *curtail.Plan `json:"plan,omitempty"`
		controlRequest
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if !s.requireConfirmed(c, req.controlRequest) {
		return
	}

	plan, ok := s.resolvePlan(c, req.PlanID, req.Plan)
	if !ok {
		return
	}

	if plan.Status == curtail.StatusDraft {
		if err := s.engine.Confirm(plan, req.Actor); err != nil {
			c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
			return
		}
	}
	if err := s.engine.Execute(c.Request.Context(), plan, req.Actor); err != nil {
		c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
		return
	}

	if s.repo != nil {
		if err := s.repo.SavePlan(c.Request.Context(), plan); err != nil {
			log.Printf("save plan %s: %v", plan.ID, err)
		}
	}
	c.JSON(http.StatusOK, plan)
}

func (s *Server) handleRollback(c *gin.Context) {
	var req struct {
		PlanID string `json:"plan_id"`
		Actor  string `json:"actor"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	plan, ok := s.resolvePlan(c, req.PlanID, nil)
	if !ok {
		return
	}

	if err := s.engine.Rollback(c.Request.Context(), plan, req.Actor); err != nil {
		c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
		return
	}

	if s.repo != nil {
		if err := s.repo.SavePlan(c.Request.Context(), plan); err != nil {
			log.Printf("save plan %s: %v", plan.ID, err)
		}
	}
	c.JSON(http.StatusOK, plan)
}

// resolvePlan uses an inline plan when provided, falling back to the stored
// copy by id.
func (s *Server) resolvePlan(c *gin.Context, id string, inline *curtail.Plan) (*curtail.Plan, bool) {
	if inline != nil {
		return inline, true
	}
	if id == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "plan_id or plan required"})
		return nil, false
	}
	if s.repo == nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "no plan store configured; pass the plan inline"})
		return nil, false
	}
	plan, err := s.repo.GetPlan(c.Request.Context(), id)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			c.JSON(http.StatusNotFound, gin.H{"error": fmt.Sprintf("unknown plan %q", id)})
		} else {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		}
		return nil, false
	}
	return plan, true
}

func (s *Server) handlePlans(c *gin.Context) {
	if s.repo == nil {
		c.JSON(http.StatusOK, []any{})
		return
	}
	plans, err := s.repo.ListPlans(c.Request.Context(), 50)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, plans)
}

func (s *Server) handleEventsExport(c *gin.Context) {
	if format := c.DefaultQuery("format", "csv"); format != "csv" {
		c.JSON(http.StatusBadRequest, gin.H{"error": fmt.Sprintf("unsupported format %q", format)})
		return
	}
	window, err := time.ParseDuration(c.DefaultQuery("since", "24h"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": fmt.Sprintf("invalid since: %v", err)})
		return
	}

	c.Header("Content-Type", "text/csv")
	c.Header("Content-Disposition", `attachment; filename="events.csv"`)
	if err := s.eventLog.ExportCSV(c.Writer, time.Now().Add(-window)); err != nil {
		log.Printf("export events: %v", err)
	}
}

// fleetStatus is the live summary pushed over the status websocket.
type fleetStatus struct {
	Miners       int       `json:"miners"`
	Online       int       `json:"online"`
	FleetPowerKW float64   `json:"fleet_power_kw"`
	HashrateTHS  float64   `json:"hashrate_ths"`
	UpdatedAt    time.Time `json:"updated_at"`
}

func (s *Server) currentStatus(ctx context.Context) fleetStatus {
	states := s.registry.States(ctx)
	status := fleetStatus{Miners: len(states), UpdatedAt: time.Now().UTC()}
	for _, st := range states {
		if !st.Online {
			continue
		}
		status.Online++
		status.FleetPowerKW += st.PowerW / 1000
		status.HashrateTHS += st.HashrateTHS
	}
	return status
}

// handleStatusStream pushes the fleet summary over a websocket every few
// seconds until the client goes away.
func (s *Server) handleStatusStream(c *gin.Context) {
	conn, err := s.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		return
	}
	defer conn.Close()

	ticker := time.NewTicker(5 * time.Second)
	defer ticker.Stop()

	ctx := c.Request.Context()
	for {
		if err := conn.WriteJSON(s.currentStatus(ctx)); err != nil {
			return
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}
