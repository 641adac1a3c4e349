package server

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	logger "github.com/sirupsen/logrus"

	"hedgesystem/src/auth"
	"hedgesystem/src/dispatcher"
	"hedgesystem/src/gateway"
	"hedgesystem/src/handler"
	"hedgesystem/src/lifecycle"
	"hedgesystem/src/repository"
)

// Dependencies holds everything the HTTP API needs. The coordinator wires
// these once at startup.
type Dependencies struct {
	Users      *repository.GormUserRepository
	Accounts   *repository.AccountRepository
	Positions  *repository.PositionRepository
	Actions    *repository.ActionRepository
	Alerts     *repository.AlertRepository
	Strategies *repository.StrategyRepository
	Lifecycle  *lifecycle.Manager
	Dispatcher *dispatcher.Dispatcher
	Gateway    *gateway.Gateway
}

// NewRouter builds the API surface. Mutating routes sit behind RequireWriter;
// viewers get the read-only subset.
func NewRouter(deps Dependencies) chi.Router {
	r := chi.NewRouter()

	// Public routes
	r.Get("/healthcheck", func(w http.ResponseWriter, r *http.Request) {
		if _, err := w.Write([]byte("OK")); err != nil {
			logger.WithError(err).Error(" \"/health error")
		}
	})

	r.Group(func(r chi.Router) {
		r.Use(auth.Middleware(deps.Users))

		// Reads
		r.Get("/accounts", handler.ListAccountsHandler(deps.Accounts))
		r.Get("/positions", handler.ListPositionsHandler(deps.Positions, deps.Accounts))
		r.Get("/positions/{positionID}/actions", handler.ListActionsHandler(deps.Actions, deps.Positions, deps.Accounts))
		r.Get("/alerts", handler.ListAlertsHandler(deps.Alerts))
		r.Get("/strategies", handler.ListStrategiesHandler(deps.Strategies))
		r.Get("/connections", handler.ListConnectionsHandler(deps.Gateway))

		// Writes
		r.Group(func(r chi.Router) {
			r.Use(auth.RequireWriter)

			r.Post("/positions", handler.CreatePositionHandler(deps.Lifecycle, deps.Accounts))
			r.Post("/positions/{positionID}/execute", handler.RequestExecutionHandler(deps.Lifecycle, deps.Positions, deps.Accounts))
			r.Post("/positions/{positionID}/close", handler.RequestCloseHandler(deps.Lifecycle, deps.Positions, deps.Accounts))
			r.Post("/positions/{positionID}/cancel", handler.CancelPositionHandler(deps.Lifecycle, deps.Positions, deps.Accounts))
			r.Post("/actions/{actionID}/dispatch", handler.DispatchActionHandler(deps.Dispatcher, deps.Actions, deps.Accounts))
			r.Post("/alerts/{alertID}/ack", handler.AcknowledgeAlertHandler(deps.Alerts))
			r.Post("/strategies", handler.CreateStrategyHandler(deps.Strategies))
			r.Post("/strategies/{strategyID}/execute", handler.ExecuteStrategyHandler(deps.Strategies, deps.Lifecycle, deps.Accounts))
		})
	})

	return r
}

// StartServer serves the API until the context is canceled, then shuts down
// gracefully.
func StartServer(ctx context.Context, port string, deps Dependencies) {
	addr := ":" + port
	srv := &http.Server{
		Addr:    addr,
		Handler: NewRouter(deps),
	}

	// Start server in goroutine
	go func() {
		logger.Infof("Listening on %s", addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.WithError(err).Fatal("Server crashed")
		}
	}()

	<-ctx.Done()

	logger.Info("Shutting down gracefully...")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.WithError(err).Error("Shutdown error")
	}
}
