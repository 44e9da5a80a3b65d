package main

import (
	"log/slog"
	"net/http"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/taskmesh/backend/internal/auth"
	"github.com/taskmesh/backend/internal/escrow"
	"github.com/taskmesh/backend/internal/httpx"
	"github.com/taskmesh/backend/internal/ledger"
	"github.com/taskmesh/backend/internal/metrics"
	"github.com/taskmesh/backend/internal/middleware"
	"github.com/taskmesh/backend/internal/protocol"
	"github.com/taskmesh/backend/internal/registry"
	"github.com/taskmesh/backend/internal/relay"
)

type appDeps struct {
	pool     *pgxpool.Pool
	ledger   ledger.Service
	registry *registry.Service
	escrow   *escrow.Service
	relay    *relay.Service
	auth     auth.Service
	logger   *slog.Logger
}

// newMux wires the full API surface. Auth chain: API keys for the protocol
// operations, JWTs for the account surface, JWT plus admin role for the
// operator surface.
func newMux(d appDeps) *http.ServeMux {
	mux := http.NewServeMux()

	authHandler := auth.NewHandler(d.auth, d.logger)
	registryHandler := registry.NewHandler(d.registry, d.logger)
	escrowHandler := escrow.NewHandler(d.escrow, d.logger)
	relayHandler := relay.NewHandler(d.relay, d.logger)

	keyAuth := middleware.APIKeyAuth(d.auth)
	jwtAuth := middleware.JWTAuth(d.auth)
	admin := func(op string, h http.HandlerFunc) http.Handler {
		return jwtAuth(middleware.AdminOnly(metrics.Instrument(op, h)))
	}
	keyed := func(op string, h http.HandlerFunc) http.Handler {
		return keyAuth(metrics.Instrument(op, h))
	}

	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, r *http.Request) {
		if err := d.pool.Ping(r.Context()); err != nil {
			http.Error(w, "database unreachable", http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
	})
	mux.Handle("GET /metrics", metrics.Handler())

	// Account surface
	mux.HandleFunc("POST /api/v1/auth/register", authHandler.Register)
	mux.HandleFunc("POST /api/v1/auth/login", authHandler.Login)
	mux.Handle("POST /api/v1/api-keys", jwtAuth(http.HandlerFunc(authHandler.CreateAPIKey)))
	mux.Handle("DELETE /api/v1/api-keys/{id}", jwtAuth(http.HandlerFunc(authHandler.RevokeAPIKey)))

	// Registry
	mux.Handle("POST /api/v1/agents", keyed("registry.register", registryHandler.Register))
	mux.Handle("GET /api/v1/agents", keyed("registry.list", registryHandler.List))
	mux.Handle("GET /api/v1/agents/{id}", keyed("registry.get", registryHandler.Get))
	mux.Handle("POST /api/v1/agents/{id}/stake", keyed("registry.add_stake", registryHandler.AddStake))
	mux.Handle("POST /api/v1/agents/{id}/deactivate", keyed("registry.deactivate", registryHandler.Deactivate))
	mux.Handle("POST /api/v1/agents/{id}/reputation", admin("registry.adjust_reputation", registryHandler.AdjustReputation))

	// Escrow
	mux.Handle("POST /api/v1/tasks", keyed("escrow.create", escrowHandler.Create))
	mux.Handle("GET /api/v1/tasks/{id}", keyed("escrow.get", escrowHandler.Get))
	mux.Handle("POST /api/v1/tasks/{id}/assign", keyed("escrow.assign", escrowHandler.Assign))
	mux.Handle("POST /api/v1/tasks/{id}/complete", keyed("escrow.complete", escrowHandler.Complete))
	mux.Handle("POST /api/v1/tasks/{id}/expire", keyed("escrow.expire", escrowHandler.Expire))
	mux.Handle("POST /api/v1/tasks/{id}/cancel", keyed("escrow.cancel", escrowHandler.Cancel))

	// Relay
	mux.Handle("POST /api/v1/messages", keyed("relay.send", relayHandler.Send))
	mux.Handle("GET /api/v1/messages/{id}", keyed("relay.get", relayHandler.Get))
	mux.Handle("POST /api/v1/messages/{id}/process", keyed("relay.process", relayHandler.Process))
	mux.Handle("POST /api/v1/relay/domains", admin("relay.add_domain", relayHandler.AddDomain))
	mux.Handle("DELETE /api/v1/relay/domains/{name}", admin("relay.remove_domain", relayHandler.RemoveDomain))
	mux.Handle("POST /api/v1/relay/validators", admin("relay.add_validator", relayHandler.AddValidator))
	mux.Handle("DELETE /api/v1/relay/validators/{account}", admin("relay.remove_validator", relayHandler.RemoveValidator))
	mux.Handle("PUT /api/v1/relay/fees", admin("relay.update_fees", relayHandler.UpdateFees))

	// Ledger
	mux.Handle("GET /api/v1/balance", keyed("ledger.balance", balanceHandler(d.ledger, d.logger)))
	mux.Handle("POST /api/v1/deposits", admin("ledger.deposit", depositHandler(d.ledger, d.logger)))

	return mux
}

func balanceHandler(l ledger.Service, logger *slog.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		acc := middleware.AccountFromCtx(r.Context())
		if acc == nil {
			httpx.WriteError(w, logger, protocol.E(protocol.KindUnauthorized, "authentication required"))
			return
		}
		balance, err := l.BalanceOf(r.Context(), acc.ID)
		if err != nil {
			httpx.WriteError(w, logger, err)
			return
		}
		httpx.WriteJSON(w, http.StatusOK, map[string]int64{"balance": balance})
	}
}

type depositRequest struct {
	Account string `json:"account"`
	Amount  int64  `json:"amount"`
}

func depositHandler(l ledger.Service, logger *slog.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req depositRequest
		if err := httpx.DecodeJSON(r, &req); err != nil {
			httpx.WriteError(w, logger, err)
			return
		}
		account, err := uuid.Parse(req.Account)
		if err != nil {
			httpx.WriteError(w, logger, protocol.E(protocol.KindInvalidInput, "invalid account"))
			return
		}
		if err := l.Deposit(r.Context(), account, req.Amount); err != nil {
			httpx.WriteError(w, logger, err)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	}
}
