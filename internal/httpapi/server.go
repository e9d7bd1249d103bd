package httpapi

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/gorilla/handlers"
	"github.com/gorilla/mux"
	"github.com/haexspace/haexbridge/internal/bridge"
	"github.com/haexspace/haexbridge/internal/ledger"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/mem"
	"github.com/sirupsen/logrus"
)

// HealthReport is the /healthz response body.
type HealthReport struct {
	Status                string    `json:"status"`
	UptimeSeconds          float64   `json:"uptimeSeconds"`
	StartedAt              time.Time `json:"startedAt"`
	BridgeRunning          bool      `json:"bridgeRunning"`
	BridgePort             int       `json:"bridgePort"`
	PendingAuthorizations  int       `json:"pendingAuthorizations"`
	CPUPercent             float64   `json:"cpuPercent,omitempty"`
	MemoryUsedBytes        uint64    `json:"memoryUsedBytes,omitempty"`
	MemoryTotalBytes       uint64    `json:"memoryTotalBytes,omitempty"`
}

// Server hosts the bridge's status/health and Prometheus endpoints. It
// is an ordinary net/http server, kept deliberately separate from
// internal/bridge.Server's WebSocket listener.
type Server struct {
	http      *http.Server
	listener  net.Listener
	bridgeSrv *bridge.Server
	ledger    *ledger.Ledger
	metrics   *Metrics
	startedAt time.Time
	log       *logrus.Entry
}

// New constructs a Server. addr is the bind address; an empty addr
// means the caller should not call Start (the status surface is
// optional per the server.status_addr config field).
func New(addr string, bridgeSrv *bridge.Server, lg *ledger.Ledger, metrics *Metrics, log *logrus.Entry) *Server {
	if log == nil {
		log = logrus.NewEntry(logrus.New())
	}
	log = log.WithField("component", "httpapi")

	s := &Server{
		bridgeSrv: bridgeSrv,
		ledger:    lg,
		metrics:   metrics,
		startedAt: time.Now(),
		log:       log,
	}

	router := mux.NewRouter()
	router.HandleFunc("/healthz", s.handleHealth).Methods("GET")
	router.Handle("/metrics", promhttp.HandlerFor(metrics.Registry(), promhttp.HandlerOpts{})).Methods("GET")

	accessLog := log.WriterLevel(logrus.InfoLevel)
	chain := handlers.RecoveryHandler()(handlers.CombinedLoggingHandler(accessLog, router))

	s.http = &http.Server{Addr: addr, Handler: chain}
	return s
}

// Start binds the listener and begins serving in the background.
func (s *Server) Start() error {
	ln, err := net.Listen("tcp", s.http.Addr)
	if err != nil {
		return fmt.Errorf("httpapi: bind status listener: %w", err)
	}
	s.listener = ln

	go func() {
		if err := s.http.Serve(ln); err != nil && err != http.ErrServerClosed {
			s.log.WithError(err).Error("status listener stopped unexpectedly")
		}
	}()

	s.log.WithField("addr", ln.Addr().String()).Info("status/health endpoint started")
	return nil
}

// Stop gracefully shuts the status listener down.
func (s *Server) Stop(ctx context.Context) error {
	return s.http.Shutdown(ctx)
}

// Addr reports the address actually bound, valid only after Start.
func (s *Server) Addr() string {
	if s.listener == nil {
		return ""
	}
	return s.listener.Addr().String()
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	report := HealthReport{
		Status:        "ok",
		UptimeSeconds: time.Since(s.startedAt).Seconds(),
		StartedAt:     s.startedAt,
	}

	if s.bridgeSrv != nil {
		report.BridgeRunning = s.bridgeSrv.IsRunning()
		report.BridgePort = s.bridgeSrv.Port()
	}
	if s.ledger != nil {
		report.PendingAuthorizations = len(s.ledger.Pending())
	}

	if percents, err := cpu.Percent(0, false); err == nil && len(percents) > 0 {
		report.CPUPercent = percents[0]
	} else if err != nil {
		s.log.WithError(err).Debug("failed to sample cpu usage")
	}

	if vm, err := mem.VirtualMemory(); err == nil {
		report.MemoryUsedBytes = vm.Used
		report.MemoryTotalBytes = vm.Total
	} else {
		s.log.WithError(err).Debug("failed to sample memory usage")
	}

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(report)
}
