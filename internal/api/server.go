package api

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"liquidityVault/internal/app"
)

// Config tunes the HTTP server.
type Config struct {
	Listen    string
	JWTSecret string
	ClockSkew time.Duration
}

// Server is the operator HTTP API over a wired vault.
type Server struct {
	cfg    Config
	vault  *app.Vault
	auth   *Authenticator
	router http.Handler
	logger *zap.Logger
}

func New(cfg Config, vault *app.Vault, logger *zap.Logger) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &Server{
		cfg:    cfg,
		vault:  vault,
		auth:   NewAuthenticator(cfg.JWTSecret, cfg.ClockSkew),
		logger: logger,
	}
	s.router = s.buildRouter()
	return s
}

// Handler exposes the configured HTTP router.
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) buildRouter() http.Handler {
	r := chi.NewRouter()
	r.Use(chimw.RequestID)
	r.Use(chimw.RealIP)
	r.Use(s.requestLogger)
	r.Use(chimw.Recoverer)

	r.Get("/healthz", s.healthz)
	r.Handle("/metrics", promhttp.Handler())

	r.Route("/v1", func(api chi.Router) {
		api.Use(s.auth.Middleware)

		api.Get("/tokens", s.listTokens)
		api.Get("/tokens/{token}", s.getToken)
		api.Get("/liquidity/{token}", s.getLiquidity)
		api.Get("/balances/{token}/{holder}", s.getBalance)
		api.Get("/amms", s.listAMMs)
		api.Get("/strategies", s.listStrategies)
		api.Get("/events/recent", s.recentEvents)

		api.Post("/liquidity", s.provideLiquidity)
		api.Post("/transfers", s.transferToLayer)

		api.Route("/withdrawals", func(w chi.Router) {
			w.Get("/", s.listWithdrawals)
			w.Get("/last", s.lastWithdrawal)
			w.Get("/{id}", s.getWithdrawal)
			w.Post("/", s.requestWithdrawal)
			w.Post("/settle", s.settleWithdrawal)
			w.Post("/{id}/finalize", s.finalizeWithdrawal)
		})

		api.Route("/admin", func(a chi.Router) {
			a.Post("/tokens", s.whitelistToken)
			a.Delete("/tokens/{token}", s.removeToken)
			a.Post("/tokens/{token}/remote", s.setRemoteMapping)
			a.Post("/networks/{network}/pause", s.pauseNetwork)
			a.Post("/networks/{network}/unpause", s.unpauseNetwork)
			a.Put("/fees", s.setFees)
			a.Put("/fee-tokens", s.setFeeToken)
			a.Delete("/fee-tokens/{network}/{token}", s.removeFeeToken)
			a.Put("/config", s.setVaultConfig)
			a.Post("/roles", s.changeRole)

			a.Post("/strategies/{strategy}/invest", s.invest)
			a.Post("/strategies/{strategy}/withdraw", s.withdrawInvestment)
			a.Post("/strategies/{strategy}/claim", s.claimRewards)
			a.Put("/lending/markets", s.setLendingMarket)
			a.Post("/pool/liquidity", s.addPoolLiquidity)

			a.Post("/release", s.release)
			a.Post("/rebalance", s.rebalance)
			a.Post("/holding/pause", s.pauseHolding)
			a.Post("/holding/unpause", s.unpauseHolding)
			a.Post("/save-funds/lockup", s.startLockUpChange)
			a.Post("/save-funds/lockup/apply", s.applyLockUp)
			a.Post("/save-funds/start", s.startSaveFunds)
			a.Post("/save-funds/execute", s.executeSaveFunds)
		})
	})
	return r
}

// Run serves until ctx is done, then shuts down gracefully.
func (s *Server) Run(ctx context.Context) error {
	srv := &http.Server{
		Addr:              s.cfg.Listen,
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("http server listening", zap.String("addr", s.cfg.Listen))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return err
	}
	return <-errCh
}

func (s *Server) requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := chimw.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		s.logger.Debug("http request",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", ww.Status()),
			zap.Duration("duration", time.Since(start)),
			zap.String("request_id", chimw.GetReqID(r.Context())),
		)
	})
}

func (s *Server) healthz(w http.ResponseWriter, r *http.Request) {
	status := map[string]interface{}{"status": "ok", "network_id": s.vault.Registry.NetworkID()}
	if s.vault.Chain != nil {
		block, err := s.vault.Chain.CurrentBlock(r.Context())
		if err != nil {
			writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "degraded", "error": err.Error()})
			return
		}
		status["block"] = block
	}
	writeJSON(w, http.StatusOK, status)
}
