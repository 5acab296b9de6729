// Command hubd is the ADMP hub process entrypoint: it loads configuration,
// builds a hub.Hub, exposes it over a thin HTTP API, and drains in-flight
// requests on shutdown. Grounded on the teacher's cmd-main shape (load
// config -> build server -> server.Start -> signal-driven server.Shutdown)
// and, for the HTTP router itself (a concern the gRPC-only teacher has no
// equivalent of), the Generativebots cmd/api/internal/handlers
// router-per-resource layering.
package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"

	"github.com/gorilla/mux"

	"github.com/agentdispatch/hub/internal/config"
	"github.com/agentdispatch/hub/internal/hub"
)

func main() {
	cfg := config.Load()

	h, err := hub.New(cfg)
	if err != nil {
		slog.Error("failed to build hub", "error", err)
		os.Exit(1)
	}

	router := newRouter(h)
	apiServer := &http.Server{
		Addr:    ":" + strconv.Itoa(cfg.Port),
		Handler: withCORS(cfg.CORSOrigin, router),
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	go func() {
		if err := h.Start(ctx); err != nil && !errors.Is(err, http.ErrServerClosed) {
			h.Logger.ErrorContext(ctx, "hub health server failed", "error", err)
		}
	}()

	go func() {
		h.Logger.InfoContext(ctx, "hub api server starting", "port", cfg.Port)
		if err := apiServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			h.Logger.ErrorContext(ctx, "hub api server failed", "error", err)
		}
	}()

	<-ctx.Done()
	h.Logger.Info("shutdown signal received, draining")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), hub.ShutdownTimeout)
	defer cancel()

	if err := apiServer.Shutdown(shutdownCtx); err != nil {
		h.Logger.Error("api server shutdown error", "error", err)
	}
	if err := h.Shutdown(shutdownCtx); err != nil {
		h.Logger.Error("hub shutdown error", "error", err)
		os.Exit(1)
	}
}

// withCORS applies the single configured origin to every response, the same
// coarse CORS policy the CORS_ORIGIN env var describes in spec.md §6 — there
// is no per-route override.
func withCORS(origin string, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", origin)
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, DELETE, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization, Signature, Date")
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func newRouter(h *hub.Hub) *mux.Router {
	r := mux.NewRouter()
	a := &api{h: h}

	r.HandleFunc("/health", a.handleHealth).Methods(http.MethodGet)
	r.HandleFunc("/api/stats", a.handleStats).Methods(http.MethodGet)

	r.HandleFunc("/api/agents", a.handleRegisterAgent).Methods(http.MethodPost)
	r.HandleFunc("/api/agents", a.handleListAgents).Methods(http.MethodGet)
	r.HandleFunc("/api/agents/{id}", a.handleGetAgent).Methods(http.MethodGet)
	r.HandleFunc("/api/agents/{id}", a.handleDeregisterAgent).Methods(http.MethodDelete)
	r.HandleFunc("/api/agents/{id}/heartbeat", a.handleHeartbeat).Methods(http.MethodPost)
	r.HandleFunc("/api/agents/{id}/webhook", a.handleSetWebhook).Methods(http.MethodPost)
	r.HandleFunc("/api/agents/{id}/rotate-key", a.handleRotateKey).Methods(http.MethodPost)

	r.Handle("/api/agents/{id}/inbox", a.withSignature(a.handleSend)).Methods(http.MethodPost)
	r.HandleFunc("/api/agents/{id}/inbox/pull", a.handlePull).Methods(http.MethodPost)
	r.HandleFunc("/api/agents/{id}/inbox/stats", a.handleInboxStats).Methods(http.MethodGet)
	r.HandleFunc("/api/agents/{id}/inbox/reclaim", a.handleReclaim).Methods(http.MethodPost)
	r.HandleFunc("/api/agents/{id}/inbox/{mid}/ack", a.handleAck).Methods(http.MethodPost)
	r.HandleFunc("/api/agents/{id}/inbox/{mid}/nack", a.handleNack).Methods(http.MethodPost)
	r.HandleFunc("/api/agents/{id}/inbox/{mid}/reply", a.handleReply).Methods(http.MethodPost)

	r.HandleFunc("/api/groups", a.handleCreateGroup).Methods(http.MethodPost)
	r.HandleFunc("/api/groups/{id}", a.handleGetGroup).Methods(http.MethodGet)
	r.HandleFunc("/api/groups/{id}", a.handleDeleteGroup).Methods(http.MethodDelete)
	r.HandleFunc("/api/groups/{id}/join", a.handleJoinGroup).Methods(http.MethodPost)
	r.HandleFunc("/api/groups/{id}/invite", a.handleInviteGroup).Methods(http.MethodPost)
	r.HandleFunc("/api/groups/{id}/leave", a.handleLeaveGroup).Methods(http.MethodPost)
	r.Handle("/api/groups/{id}/post", a.withSignature(a.handlePostGroup)).Methods(http.MethodPost)
	r.HandleFunc("/api/groups/{id}/history", a.handleGroupHistory).Methods(http.MethodGet)

	return r
}
