package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/caffeineduck/modhub/message"
	"github.com/caffeineduck/modhub/metrics"
	"github.com/caffeineduck/modhub/runtime"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start HTTP server for module clients",
	Long: `Start an HTTP server that loads modules on behalf of remote clients.

Endpoints:
  POST   /clients                 Load a manifest and link a client, returns {"client_id":"..."}
  POST   /clients/{id}/messages   Send a message and wait for the reply
  DELETE /clients/{id}            Release the client
  GET    /modules                 List loaded modules
  GET    /capabilities            List grantable capabilities
  GET    /metrics                 Prometheus metrics
  GET    /health                  Health check`,
	RunE: runServe,
}

func init() {
	serveCmd.Flags().String("addr", "", "Listen address (default: serve.addr from config)")
	serveCmd.Flags().Duration("timeout", 30*time.Second, "Default wait for a reply")
	serveCmd.Flags().Duration("client-ttl", 15*time.Minute, "Release clients idle for this long")
	rootCmd.AddCommand(serveCmd)
}

type clientManager struct {
	clients map[string]*serverClient
	mu      sync.Mutex
	ttl     time.Duration
	stop    chan struct{}
}

type serverClient struct {
	session  *session
	lastUsed time.Time
}

func newClientManager(ttl time.Duration) *clientManager {
	cm := &clientManager{
		clients: make(map[string]*serverClient),
		ttl:     ttl,
		stop:    make(chan struct{}),
	}
	go cm.cleanup()
	return cm
}

func (cm *clientManager) add(s *session) string {
	id := uuid.NewString()
	cm.mu.Lock()
	cm.clients[id] = &serverClient{session: s, lastUsed: time.Now()}
	cm.mu.Unlock()
	return id
}

func (cm *clientManager) get(id string) (*session, bool) {
	cm.mu.Lock()
	defer cm.mu.Unlock()
	sc, ok := cm.clients[id]
	if !ok {
		return nil, false
	}
	sc.lastUsed = time.Now()
	return sc.session, true
}

func (cm *clientManager) close(id string) bool {
	cm.mu.Lock()
	sc, ok := cm.clients[id]
	delete(cm.clients, id)
	cm.mu.Unlock()
	if ok {
		sc.session.close(context.Background())
	}
	return ok
}

func (cm *clientManager) cleanup() {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
		case <-cm.stop:
			return
		}
		var idle []*session
		cm.mu.Lock()
		now := time.Now()
		for id, sc := range cm.clients {
			if now.Sub(sc.lastUsed) > cm.ttl {
				idle = append(idle, sc.session)
				delete(cm.clients, id)
			}
		}
		cm.mu.Unlock()
		for _, s := range idle {
			s.close(context.Background())
		}
	}
}

func (cm *clientManager) closeAll() {
	close(cm.stop)
	cm.mu.Lock()
	all := cm.clients
	cm.clients = make(map[string]*serverClient)
	cm.mu.Unlock()
	for _, sc := range all {
		sc.session.close(context.Background())
	}
}

type createClientRequest struct {
	Manifest string `json:"manifest"`
	Flow     string `json:"flow,omitempty"`
}

type createClientResponse struct {
	ClientID string `json:"client_id"`
}

type messageResponse struct {
	Flow       string          `json:"flow"`
	Message    message.Message `json:"message"`
	DurationMs int64           `json:"duration_ms"`
}

type errorResponse struct {
	Error string `json:"error"`
}

type server struct {
	rt      *runtime.Runtime
	log     *zap.Logger
	clients *clientManager
	metrics http.Handler
	timeout time.Duration
}

func (s *server) routes() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(loggingMiddleware(s.log))
	r.Use(middleware.Recoverer)

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ok"))
	})
	r.Handle("/metrics", s.metrics)
	r.Get("/modules", s.listModules)
	r.Get("/capabilities", s.listCapabilities)

	r.Route("/clients", func(r chi.Router) {
		r.Post("/", s.createClient)
		r.Post("/{id}/messages", s.sendMessage)
		r.Delete("/{id}", s.deleteClient)
	})
	return r
}

func loggingMiddleware(log *zap.Logger) func(next http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			next.ServeHTTP(ww, r)

			if strings.HasPrefix(r.URL.Path, "/health") || r.URL.Path == "/metrics" {
				return
			}
			log.Debug("http request",
				zap.String("method", r.Method),
				zap.String("path", r.URL.Path),
				zap.Int("status", ww.Status()),
				zap.Int("bytes", ww.BytesWritten()),
				zap.Duration("duration", time.Since(start)),
				zap.String("request_id", middleware.GetReqID(r.Context())),
			)
		})
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, errorResponse{Error: err.Error()})
}

func (s *server) listModules(w http.ResponseWriter, r *http.Request) {
	mods, err := s.rt.Modules(r.Context())
	if err != nil {
		writeError(w, http.StatusServiceUnavailable, err)
		return
	}
	if mods == nil {
		mods = []runtime.ModuleInfo{}
	}
	writeJSON(w, http.StatusOK, mods)
}

func (s *server) listCapabilities(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, inventoryReport{
		Capabilities: s.rt.Capabilities(),
		Transports:   s.rt.Transports(),
	})
}

func (s *server) createClient(w http.ResponseWriter, r *http.Request) {
	var req createClientRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, errors.New("invalid json"))
		return
	}
	if req.Manifest == "" {
		writeError(w, http.StatusBadRequest, errors.New("manifest required"))
		return
	}
	if req.Flow == "" {
		req.Flow = "main"
	}

	sess, err := openSession(r.Context(), s.rt, s.log, req.Manifest, req.Flow)
	if err != nil {
		writeError(w, http.StatusUnprocessableEntity, fmt.Errorf("load %s: %w", req.Manifest, err))
		return
	}
	writeJSON(w, http.StatusCreated, createClientResponse{ClientID: s.clients.add(sess)})
}

func (s *server) sendMessage(w http.ResponseWriter, r *http.Request) {
	sess, ok := s.clients.get(chi.URLParam(r, "id"))
	if !ok {
		writeError(w, http.StatusNotFound, errors.New("client not found"))
		return
	}

	var msg message.Message
	if err := json.NewDecoder(r.Body).Decode(&msg); err != nil || msg == nil {
		writeError(w, http.StatusBadRequest, errors.New("invalid json"))
		return
	}

	timeout := s.timeout
	if v := r.URL.Query().Get("timeout"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			timeout = d
		}
	}

	start := time.Now()
	reply, err := sess.exchange(msg, timeout)
	switch {
	case errors.Is(err, errNoReply):
		writeError(w, http.StatusGatewayTimeout, err)
		return
	case err != nil:
		writeError(w, http.StatusConflict, err)
		return
	}
	writeJSON(w, http.StatusOK, messageResponse{
		Flow:       reply.Flow,
		Message:    reply.Message,
		DurationMs: time.Since(start).Milliseconds(),
	})
}

func (s *server) deleteClient(w http.ResponseWriter, r *http.Request) {
	if !s.clients.close(chi.URLParam(r, "id")) {
		writeError(w, http.StatusNotFound, errors.New("client not found"))
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func runServe(cmd *cobra.Command, args []string) error {
	addr, _ := cmd.Flags().GetString("addr")
	timeout, _ := cmd.Flags().GetDuration("timeout")
	ttl, _ := cmd.Flags().GetDuration("client-ttl")

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	rt, log, err := startRuntime(context.Background(), cmd, runtime.WithMetrics(metrics.NewWithRegistry(reg)))
	if err != nil {
		return err
	}
	defer rt.Close()

	if addr == "" {
		cfg, err := loadConfig(cmd)
		if err != nil {
			return err
		}
		addr = cfg.Serve.Addr
	}

	clients := newClientManager(ttl)
	defer clients.closeAll()

	srv := &server{
		rt:      rt,
		log:     log,
		clients: clients,
		metrics: promhttp.HandlerFor(reg, promhttp.HandlerOpts{EnableOpenMetrics: true}),
		timeout: timeout,
	}
	httpServer := &http.Server{
		Addr:              addr,
		Handler:           srv.routes(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errc := make(chan error, 1)
	go func() { errc <- httpServer.ListenAndServe() }()
	log.Info("modhub server listening", zap.String("addr", addr))

	select {
	case err := <-errc:
		if !errors.Is(err, http.ErrServerClosed) {
			return err
		}
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			return err
		}
	}
	return nil
}
