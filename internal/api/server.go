package api

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog/log"

	"shelly-monitor/internal/alert"
	"shelly-monitor/internal/collector"
	"shelly-monitor/internal/model"
	"shelly-monitor/internal/shelly"
)

const switchTimeout = 10 * time.Second

// SwitchController reads and sets switch outputs on devices.
type SwitchController interface {
	SwitchStatus(ctx context.Context, host string, id int) (map[string]any, error)
	SetSwitch(ctx context.Context, host string, id int, on bool) (map[string]any, error)
}

type Server struct {
	router    *gin.Engine
	server    *http.Server
	collector *collector.Collector
	hub       *Hub
	switches  SwitchController
	port      int
}

type ServerConfig struct {
	Port      int
	Collector *collector.Collector
	Hub       *Hub
	Switches  SwitchController
}

func NewServer(cfg ServerConfig) *Server {
	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(requestLogger())

	s := &Server{
		router:    router,
		collector: cfg.Collector,
		hub:       cfg.Hub,
		switches:  cfg.Switches,
		port:      cfg.Port,
	}

	s.setupRoutes()
	return s
}

func (s *Server) setupRoutes() {
	// Health check
	s.router.GET("/health", s.healthHandler)

	// API routes
	api := s.router.Group("/api/v1")
	{
		api.GET("/state", s.stateHandler)
		api.GET("/window", s.getWindowHandler)
		api.POST("/window", s.setWindowHandler)
		api.GET("/devices", s.devicesHandler)
		api.POST("/devices/:device/switch", s.switchHandler)
		api.POST("/sync", s.syncHandler)
		api.GET("/sync/status", s.syncStatusHandler)
		api.GET("/alerts", s.alertsHandler)
		api.GET("/energy/:device", s.dailyEnergyHandler)
		api.GET("/energy/:device/rows", s.energyRowsHandler)
		if s.hub != nil {
			api.GET("/ws", func(c *gin.Context) {
				s.hub.ServeWS(c.Writer, c.Request)
			})
		}
	}
}

// Handler exposes the router, mainly for tests.
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) Start() error {
	s.server = &http.Server{
		Addr:    fmt.Sprintf(":%d", s.port),
		Handler: s.router,
	}

	log.Info().Int("port", s.port).Msg("API server starting")
	return s.server.ListenAndServe()
}

func (s *Server) Stop(ctx context.Context) error {
	if s.server != nil {
		return s.server.Shutdown(ctx)
	}
	return nil
}

func requestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		log.Debug().
			Str("method", c.Request.Method).
			Str("path", c.Request.URL.Path).
			Int("status", c.Writer.Status()).
			Dur("latency", time.Since(start)).
			Msg("http request")
	}
}

func (s *Server) healthHandler(c *gin.Context) {
	clients := 0
	if s.hub != nil {
		clients = s.hub.ClientCount()
	}
	running, _, _ := s.collector.SyncStatus()

	c.JSON(http.StatusOK, gin.H{
		"status":        "healthy",
		"collecting":    s.collector.IsCollecting(),
		"devices":       len(s.collector.Devices()),
		"device_errors": len(s.collector.LastErrors()),
		"sync_running":  running,
		"ws_clients":    clients,
		"timestamp":     time.Now(),
	})
}

func (s *Server) stateHandler(c *gin.Context) {
	store := s.collector.Store()
	if store == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "live polling is disabled"})
		return
	}

	series := store.Snapshot()
	if key := c.Query("device"); key != "" {
		points, ok := series[key]
		if !ok {
			c.JSON(http.StatusNotFound, gin.H{"error": "no live data for device " + key})
			return
		}
		series = map[string][]model.LivePoint{key: points}
	}

	c.JSON(http.StatusOK, gin.H{
		"max_points": store.MaxPoints(),
		"series":     series,
		"errors":     s.collector.LastErrors(),
	})
}

func (s *Server) getWindowHandler(c *gin.Context) {
	store := s.collector.Store()
	if store == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "live polling is disabled"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"max_points": store.MaxPoints()})
}

type WindowRequest struct {
	Minutes int `json:"minutes" binding:"required,min=1"`
}

func (s *Server) setWindowHandler(c *gin.Context) {
	store := s.collector.Store()
	if store == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "live polling is disabled"})
		return
	}

	var req WindowRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	n := store.SetWindowMinutes(req.Minutes)
	c.JSON(http.StatusOK, gin.H{"minutes": req.Minutes, "max_points": n})
}

type DeviceResponse struct {
	model.Device
	KwhToday  float64 `json:"kwh_today"`
	LastError string  `json:"last_error,omitempty"`
}

func (s *Server) devicesHandler(c *gin.Context) {
	errs := s.collector.LastErrors()
	devices := s.collector.Devices()
	out := make([]DeviceResponse, 0, len(devices))
	for _, d := range devices {
		out = append(out, DeviceResponse{
			Device:    d,
			KwhToday:  s.collector.KwhToday(d.Key),
			LastError: errs[d.Key].Message,
		})
	}
	c.JSON(http.StatusOK, out)
}

// SwitchRequest sets the output to On, or inverts it when Toggle is set.
type SwitchRequest struct {
	On     *bool `json:"on"`
	Toggle bool  `json:"toggle"`
}

func (s *Server) switchHandler(c *gin.Context) {
	if s.switches == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "switch control is not configured"})
		return
	}

	key := c.Param("device")
	var dev model.Device
	found := false
	for _, d := range s.collector.Devices() {
		if d.Key == key {
			dev, found = d, true
			break
		}
	}
	if !found {
		c.JSON(http.StatusNotFound, gin.H{"error": "unknown device " + key})
		return
	}
	if dev.Kind != model.KindSwitchMeter {
		c.JSON(http.StatusBadRequest, gin.H{"error": "device " + key + " has no switch output"})
		return
	}

	var req SwitchRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if req.On == nil && !req.Toggle {
		c.JSON(http.StatusBadRequest, gin.H{"error": "either 'on' or 'toggle' is required"})
		return
	}

	ctx, cancel := context.WithTimeout(c.Request.Context(), switchTimeout)
	defer cancel()

	var on bool
	if req.Toggle {
		status, err := s.switches.SwitchStatus(ctx, dev.Host, dev.ComponentID)
		if err != nil {
			c.JSON(http.StatusBadGateway, gin.H{"error": err.Error()})
			return
		}
		current, ok := shelly.SwitchOutput(status)
		if !ok {
			c.JSON(http.StatusBadGateway, gin.H{"error": "switch state is unknown"})
			return
		}
		on = !current
	} else {
		on = *req.On
	}

	result, err := s.switches.SetSwitch(ctx, dev.Host, dev.ComponentID, on)
	if err != nil {
		log.Warn().Err(err).Str("device", key).Bool("on", on).Msg("switch control failed")
		c.JSON(http.StatusBadGateway, gin.H{"error": err.Error()})
		return
	}

	log.Info().Str("device", key).Bool("on", on).Msg("switch set")
	c.JSON(http.StatusOK, gin.H{
		"device": key,
		"on":     on,
		"result": result,
	})
}

type SyncRequest struct {
	Devices []string `json:"devices"`
}

func (s *Server) syncHandler(c *gin.Context) {
	var req SyncRequest
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
	}

	if err := s.collector.TriggerSync(req.Devices); err != nil {
		status := http.StatusServiceUnavailable
		if errors.Is(err, collector.ErrSyncRunning) {
			status = http.StatusConflict
		}
		c.JSON(status, gin.H{"error": err.Error()})
		return
	}

	c.JSON(http.StatusAccepted, gin.H{"status": "started"})
}

type SyncResultResponse struct {
	model.SyncRunResult
	Summary string `json:"summary"`
	Error   string `json:"error,omitempty"`
}

func (s *Server) syncStatusHandler(c *gin.Context) {
	running, lastAt, results := s.collector.SyncStatus()

	out := make([]SyncResultResponse, 0, len(results))
	for _, r := range results {
		resp := SyncResultResponse{SyncRunResult: r, Summary: r.Summary()}
		if r.Err != nil {
			resp.Error = r.Err.Error()
		}
		out = append(out, resp)
	}

	body := gin.H{
		"running":  running,
		"progress": s.collector.SyncProgress(),
		"results":  out,
	}
	if !lastAt.IsZero() {
		body["last_sync_at"] = lastAt
	}

	if db := s.collector.Database(); db != nil {
		cursors, err := db.Cursors()
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		body["cursors"] = cursors

		chunks, err := db.RecentChunks(c.Query("device"), 50)
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		body["recent_chunks"] = chunks
	}

	c.JSON(http.StatusOK, body)
}

type StateResponse struct {
	alert.State
	Status alert.Status `json:"status"`
}

func (s *Server) alertsHandler(c *gin.Context) {
	engine := s.collector.Alerts()
	if engine == nil {
		c.JSON(http.StatusOK, gin.H{"rules": []alert.Rule{}, "states": []StateResponse{}, "recent": s.collector.RecentAlerts()})
		return
	}

	states := engine.States()
	out := make([]StateResponse, 0, len(states))
	for _, st := range states {
		out = append(out, StateResponse{State: st, Status: st.Status()})
	}

	c.JSON(http.StatusOK, gin.H{
		"rules":  engine.Rules(),
		"states": out,
		"recent": s.collector.RecentAlerts(),
	})
}

func (s *Server) dailyEnergyHandler(c *gin.Context) {
	db := s.collector.Database()
	if db == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "database is not configured"})
		return
	}

	days, err := strconv.Atoi(c.DefaultQuery("days", "7"))
	if err != nil || days <= 0 || days > 366 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid 'days' parameter"})
		return
	}

	key := c.Param("device")
	energy, err := db.GetDailyEnergy(key, s.collector.Now(), days)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"device": key,
		"days":   energy,
	})
}

func (s *Server) energyRowsHandler(c *gin.Context) {
	db := s.collector.Database()
	if db == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "database is not configured"})
		return
	}

	now := time.Now().Unix()
	from, err := strconv.ParseInt(c.DefaultQuery("from", strconv.FormatInt(now-86400, 10)), 10, 64)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid 'from' timestamp"})
		return
	}
	to, err := strconv.ParseInt(c.DefaultQuery("to", strconv.FormatInt(now, 10)), 10, 64)
	if err != nil || to <= from {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid 'to' timestamp"})
		return
	}

	key := c.Param("device")
	rows, err := db.GetRowsByRange(key, from, to)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"device": key,
		"from":   from,
		"to":     to,
		"rows":   rows,
	})
}
