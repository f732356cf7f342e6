// Package diag provides the diagnostics HTTP server for llguard.
package diag

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"os"
	"runtime"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/shirou/gopsutil/v4/load"
	"github.com/shirou/gopsutil/v4/mem"
	"github.com/shirou/gopsutil/v4/process"

	"github.com/llguard/llguard/internal/failover"
	"github.com/llguard/llguard/internal/version"
)

// StatsSource provides the failover snapshot exposed on /failover.
type StatsSource interface {
	Stats() failover.Snapshot
}

// ServerConfig holds diagnostics server configuration.
type ServerConfig struct {
	// Listen is the address to bind to.
	Listen string
	// ShutdownTimeout is the maximum duration to wait for active
	// connections to close.
	ShutdownTimeout time.Duration
}

// DefaultServerConfig returns a ServerConfig with sensible defaults.
func DefaultServerConfig() ServerConfig {
	return ServerConfig{
		Listen:          "127.0.0.1:9410",
		ShutdownTimeout: 5 * time.Second,
	}
}

// Server serves health, status, and failover diagnostics over HTTP.
type Server struct {
	config     ServerConfig
	router     *chi.Mux
	httpServer *http.Server
	logger     *slog.Logger
	source     StatsSource
	startTime  time.Time
}

// NewServer creates a new diagnostics server. The source may be nil, in
// which case /failover reports 404.
func NewServer(config ServerConfig, logger *slog.Logger, source StatsSource) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	if config.Listen == "" {
		config.Listen = DefaultServerConfig().Listen
	}
	if config.ShutdownTimeout <= 0 {
		config.ShutdownTimeout = DefaultServerConfig().ShutdownTimeout
	}

	s := &Server{
		config:    config,
		router:    chi.NewRouter(),
		logger:    logger,
		source:    source,
		startTime: time.Now(),
	}

	s.router.Use(chimiddleware.RealIP)
	s.router.Use(chimiddleware.Recoverer)

	s.router.Get("/healthz", s.handleHealth)
	s.router.Get("/status", s.handleStatus)
	s.router.Get("/failover", s.handleFailover)

	return s
}

// Router returns the chi router, mainly for tests.
func (s *Server) Router() *chi.Mux {
	return s.router
}

// Start starts the diagnostics server and blocks until it stops.
func (s *Server) Start() error {
	s.httpServer = &http.Server{
		Addr:        s.config.Listen,
		Handler:     s.router,
		ReadTimeout: 10 * time.Second,
	}

	s.logger.Info("starting diagnostics server", slog.String("address", s.config.Listen))

	if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

// Stop gracefully shuts down the diagnostics server.
func (s *Server) Stop(ctx context.Context) error {
	if s.httpServer == nil {
		return nil
	}

	shutdownCtx, cancel := context.WithTimeout(ctx, s.config.ShutdownTimeout)
	defer cancel()

	s.logger.Info("stopping diagnostics server")
	return s.httpServer.Shutdown(shutdownCtx)
}

// HealthResponse is the payload returned by /healthz.
type HealthResponse struct {
	Status    string `json:"status"`
	Version   string `json:"version"`
	Timestamp string `json:"timestamp"`
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, HealthResponse{
		Status:    "healthy",
		Version:   version.Version,
		Timestamp: time.Now().UTC().Format(time.RFC3339),
	})
}

// StatusResponse is the payload returned by /status.
type StatusResponse struct {
	Version   string     `json:"version"`
	Uptime    string     `json:"uptime"`
	Goroutine int        `json:"goroutines"`
	CPU       CPUInfo    `json:"cpu"`
	Memory    MemoryInfo `json:"memory"`
}

// CPUInfo holds CPU load information.
type CPUInfo struct {
	Cores     int     `json:"cores"`
	Load1Min  float64 `json:"load_1min"`
	Load5Min  float64 `json:"load_5min"`
	Load15Min float64 `json:"load_15min"`
}

// MemoryInfo holds memory usage information.
type MemoryInfo struct {
	SystemTotalMB     float64 `json:"system_total_mb"`
	SystemAvailableMB float64 `json:"system_available_mb"`
	ProcessRSSMB      float64 `json:"process_rss_mb"`
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	resp := StatusResponse{
		Version:   version.Version,
		Uptime:    time.Since(s.startTime).Round(time.Second).String(),
		Goroutine: runtime.NumGoroutine(),
		CPU:       CPUInfo{Cores: runtime.NumCPU()},
	}

	if loadAvg, err := load.Avg(); err == nil && loadAvg != nil {
		resp.CPU.Load1Min = loadAvg.Load1
		resp.CPU.Load5Min = loadAvg.Load5
		resp.CPU.Load15Min = loadAvg.Load15
	}

	if vmStat, err := mem.VirtualMemory(); err == nil && vmStat != nil {
		resp.Memory.SystemTotalMB = float64(vmStat.Total) / 1024 / 1024
		resp.Memory.SystemAvailableMB = float64(vmStat.Available) / 1024 / 1024
	}

	if proc, err := process.NewProcess(int32(os.Getpid())); err == nil {
		if memInfo, err := proc.MemoryInfo(); err == nil && memInfo != nil {
			resp.Memory.ProcessRSSMB = float64(memInfo.RSS) / 1024 / 1024
		}
	}

	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleFailover(w http.ResponseWriter, r *http.Request) {
	if s.source == nil {
		http.NotFound(w, r)
		return
	}
	writeJSON(w, http.StatusOK, s.source.Stats())
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}
