package main

import (
	"net/http"

	"github.com/lumenstudio/backend/internal/auth"
	"github.com/lumenstudio/backend/internal/handlers"
	"github.com/lumenstudio/backend/internal/middleware"
)

// RegisterRoutes mounts the API. Everything except auth requires a valid
// bearer token.
func RegisterRoutes(
	mux *http.ServeMux,
	authSvc auth.Service,
	authHandler *auth.Handler,
	creationHandler *handlers.CreationHandler,
	walletHandler *handlers.WalletHandler,
) {
	mux.HandleFunc("POST /v1/auth/register", authHandler.Register)
	mux.HandleFunc("POST /v1/auth/login", authHandler.Login)

	authed := middleware.BearerAuth(authSvc)

	mux.Handle("POST /v1/creations", authed(http.HandlerFunc(creationHandler.Create)))
	mux.Handle("GET /v1/creations", authed(http.HandlerFunc(creationHandler.List)))
	mux.Handle("GET /v1/creations/{id}", authed(http.HandlerFunc(creationHandler.Get)))
	mux.Handle("POST /v1/creations/{id}/publish", authed(http.HandlerFunc(creationHandler.Publish)))

	mux.Handle("GET /v1/wallet", authed(http.HandlerFunc(walletHandler.Balance)))
	mux.Handle("GET /v1/wallet/transactions", authed(http.HandlerFunc(walletHandler.Transactions)))
	mux.Handle("GET /v1/wallet/audit", authed(http.HandlerFunc(walletHandler.AuditLog)))
	mux.Handle("POST /v1/wallet/transfer", authed(http.HandlerFunc(walletHandler.Transfer)))

	mux.Handle("GET /v1/packages", authed(http.HandlerFunc(walletHandler.ListPackages)))
	mux.Handle("POST /v1/tokens/purchase", authed(http.HandlerFunc(walletHandler.Purchase)))
}
