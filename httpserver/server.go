package httpserver

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/flashbots/go-utils/httplogger"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/ruteri/nostr-signing-agent/api"
	"github.com/ruteri/nostr-signing-agent/common"
	"github.com/ruteri/nostr-signing-agent/metrics"
	"go.uber.org/atomic"
	"golang.org/x/time/rate"
)

// SessionCloser locks the session when the server shuts down.
type SessionCloser interface {
	Shutdown()
}

// ServerDeps are the components a Server routes to. Activity and Session are optional.
type ServerDeps struct {
	Handler  *Handler
	Approval *ApprovalHub
	Auth     *ControlAuth
	Activity ActivityTracker
	Session  SessionCloser
}

type Server struct {
	cfg     *api.HTTPServerConfig
	deps    ServerDeps
	isReady atomic.Bool
	log     *slog.Logger

	srv        *http.Server
	metricsSrv *metrics.MetricsServer
	limiter    *hostLimiter
}

func New(cfg *api.HTTPServerConfig, deps ServerDeps) (srv *Server, err error) {
	metricsSrv, err := metrics.New(common.PackageName, cfg.MetricsAddr)
	if err != nil {
		return nil, err
	}
	if deps.Auth == nil {
		deps.Auth = NewControlAuth(cfg.ControlSecret, 0)
	}

	srv = &Server{
		cfg:        cfg,
		deps:       deps,
		log:        cfg.Log,
		metricsSrv: metricsSrv,
	}
	if cfg.RateLimit > 0 {
		srv.limiter = newHostLimiter(rate.Limit(cfg.RateLimit), cfg.RateBurst, 10*time.Minute)
	}
	srv.isReady.Store(true)

	srv.srv = &http.Server{
		Addr:         cfg.ListenAddr,
		Handler:      srv.getRouter(),
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
	}

	return srv, nil
}

func (srv *Server) getRouter() http.Handler {
	mux := chi.NewRouter()
	h := srv.deps.Handler

	caller := mux.With(srv.httpLogger)
	if srv.limiter != nil {
		caller = caller.With(srv.limiter.middleware)
	}
	caller.Post("/api/request", h.HandleRequest)

	mux.Group(func(r chi.Router) {
		r.Use(srv.httpLogger, srv.deps.Auth.Middleware, srv.userActivity)

		r.Post("/api/vault/unlock", h.HandleUnlock)
		r.Post("/api/vault/lock", h.HandleLock)
		r.Get("/api/vault/status", h.HandleStatus)
		r.Post("/api/vault/create", h.HandleCreate)
		r.Post("/api/vault/password", h.HandleChangePassword)
		r.Get("/api/vault/export", h.HandleExport)
		r.Post("/api/vault/export/ipfs", h.HandleExportIPFS)
		r.Post("/api/vault/import", h.HandleImport)

		r.Get("/api/accounts", h.HandleListAccounts)
		r.Post("/api/accounts/derive", h.HandleDeriveAccount)
		r.Post("/api/accounts/import", h.HandleImportAccount)
		r.Delete("/api/accounts/imported/{index}", h.HandleDeleteImportedAccount)
		r.Post("/api/accounts/default", h.HandleSetDefaultAccount)

		r.Get("/api/policies", h.HandleListPolicies)
		r.Delete("/api/policies/{host}", h.HandleRevokeHost)
		r.Delete("/api/policies/{host}/{accept}/{type}", h.HandleRevokePolicy)

		r.Get("/api/cache/profiles/{pubkey}", h.HandleGetProfile)
		r.Put("/api/cache/profiles/{pubkey}", h.HandlePutProfile)
		r.Get("/api/cache/relays/{pubkey}", h.HandleGetRelays)
		r.Put("/api/cache/relays/{pubkey}", h.HandlePutRelays)
	})

	// The websocket is long lived; access logging and activity tracking
	// happen per message inside the hub.
	if srv.deps.Approval != nil {
		mux.With(srv.deps.Auth.Middleware).Get("/api/approval/ws", srv.deps.Approval.ServeHTTP)
	}

	// Health and diagnostic endpoints
	mux.With(srv.httpLogger).Get("/livez", srv.handleLivenessCheck)
	mux.With(srv.httpLogger).Get("/readyz", srv.handleReadinessCheck)
	mux.With(srv.httpLogger).Get("/drain", srv.handleDrain)
	mux.With(srv.httpLogger).Get("/undrain", srv.handleUndrain)

	if srv.cfg.EnablePprof {
		srv.log.Info("pprof API enabled")
		mux.Mount("/debug", middleware.Profiler())
	}
	return mux
}

func (srv *Server) httpLogger(next http.Handler) http.Handler {
	return httplogger.LoggingMiddlewareSlog(srv.log, next)
}

// userActivity resets the auto-lock timer on every control call.
func (srv *Server) userActivity(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if srv.deps.Activity != nil {
			srv.deps.Activity.Reset()
		}
		next.ServeHTTP(w, r)
	})
}

func (srv *Server) handleLivenessCheck(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "alive"})
}

func (srv *Server) handleReadinessCheck(w http.ResponseWriter, r *http.Request) {
	if !srv.isReady.Load() {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "not ready"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

func (srv *Server) handleDrain(w http.ResponseWriter, r *http.Request) {
	if !srv.isReady.Swap(false) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "already draining"})
		return
	}
	srv.log.Info("Server marked as not ready")
	writeJSON(w, http.StatusOK, map[string]string{"status": "draining"})
}

func (srv *Server) handleUndrain(w http.ResponseWriter, r *http.Request) {
	if srv.isReady.Swap(true) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "already ready"})
		return
	}
	srv.log.Info("Server marked as ready")
	writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

// Handler returns the router, for tests and embedding.
func (srv *Server) Handler() http.Handler {
	return srv.srv.Handler
}

func (srv *Server) RunInBackground() {
	// metrics
	if srv.cfg.MetricsAddr != "" {
		go func() {
			srv.log.With("metricsAddress", srv.cfg.MetricsAddr).Info("Starting metrics server")
			err := srv.metricsSrv.ListenAndServe()
			if err != nil && !errors.Is(err, http.ErrServerClosed) {
				srv.log.Error("HTTP server failed", "err", err)
			}
		}()
	}

	// api
	go func() {
		srv.log.Info("Starting HTTP server", "listenAddress", srv.cfg.ListenAddr)
		if err := srv.srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			srv.log.Error("HTTP server failed", "err", err)
		}
	}()
}

// Shutdown drains the server, stops it and locks the session so that
// session listeners can persist their state.
func (srv *Server) Shutdown() {
	if srv.isReady.Swap(false) && srv.cfg.DrainDuration > 0 {
		srv.log.Info("Draining", "duration", srv.cfg.DrainDuration)
		time.Sleep(srv.cfg.DrainDuration)
	}

	// api
	ctx, cancel := context.WithTimeout(context.Background(), srv.cfg.GracefulShutdownDuration)
	defer cancel()
	if err := srv.srv.Shutdown(ctx); err != nil {
		srv.log.Error("Graceful HTTP server shutdown failed", "err", err)
	} else {
		srv.log.Info("HTTP server gracefully stopped")
	}

	if srv.deps.Session != nil {
		srv.deps.Session.Shutdown()
	}

	// metrics
	if len(srv.cfg.MetricsAddr) != 0 {
		ctx, cancel := context.WithTimeout(context.Background(), srv.cfg.GracefulShutdownDuration)
		defer cancel()

		if err := srv.metricsSrv.Shutdown(ctx); err != nil {
			srv.log.Error("Graceful metrics server shutdown failed", "err", err)
		} else {
			srv.log.Info("Metrics server gracefully stopped")
		}
	}
}
