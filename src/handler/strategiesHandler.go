package handler

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"hedgesystem/src/auth"
	"hedgesystem/src/model"
)

type strategyStore interface {
	Create(ctx context.Context, strategy *model.Strategy) error
	FindByID(ctx context.Context, id uint) (*model.Strategy, error)
	ListActiveByUser(ctx context.Context, userID uint) ([]model.Strategy, error)
	TouchExecuted(ctx context.Context, id uint) error
}

type bulkOpener interface {
	CreateStrategyPositions(
		ctx context.Context,
		strategy *model.Strategy,
		accountIDs []uint,
		symbol string,
		volume float64,
		direction string,
	) ([]*model.Position, error)
}

type createStrategyRequest struct {
	Name        string  `json:"name"`
	Description string  `json:"description,omitempty"`
	Type        string  `json:"type"`
	TrailWidth  float64 `json:"trail_width"`
	Active      bool    `json:"active"`
}

// CreateStrategyHandler registers a strategy owned by the caller.
func CreateStrategyHandler(strategies strategyStore) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		user, ok := auth.GetUserFromContext(r.Context())
		if !ok || user == nil {
			http.Error(w, "Unauthorized", http.StatusUnauthorized)
			return
		}

		var req createStrategyRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, "invalid request body", http.StatusBadRequest)
			return
		}
		if req.Name == "" {
			writeError(w, &model.ValidationError{Field: "name", Reason: "required"})
			return
		}
		if req.Type != model.StrategyTypeEntry && req.Type != model.StrategyTypeExit {
			writeError(w, &model.ValidationError{Field: "type", Reason: "must be ENTRY or EXIT"})
			return
		}

		strategy := &model.Strategy{
			UserID:      user.ID,
			Name:        req.Name,
			Description: req.Description,
			Type:        req.Type,
			TrailWidth:  req.TrailWidth,
			Active:      req.Active,
		}
		if err := strategies.Create(r.Context(), strategy); err != nil {
			writeError(w, err)
			return
		}

		writeJSON(w, http.StatusCreated, strategy)
	}
}

// ListStrategiesHandler returns the caller's active strategies.
func ListStrategiesHandler(strategies strategyStore) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		user, ok := auth.GetUserFromContext(r.Context())
		if !ok || user == nil {
			http.Error(w, "Unauthorized", http.StatusUnauthorized)
			return
		}

		results, err := strategies.ListActiveByUser(r.Context(), user.ID)
		if err != nil {
			writeError(w, err)
			return
		}

		writeJSON(w, http.StatusOK, results)
	}
}

type executeStrategyRequest struct {
	AccountIDs []uint  `json:"account_ids"`
	Symbol     string  `json:"symbol"`
	Volume     float64 `json:"volume"`
	Direction  string  `json:"direction"`
}

// ExecuteStrategyHandler opens one position per target account under a
// strategy. Partial failure returns 207 with whatever was created.
func ExecuteStrategyHandler(strategies strategyStore, manager bulkOpener, accounts accountReader) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		user, ok := auth.GetUserFromContext(r.Context())
		if !ok || user == nil {
			http.Error(w, "Unauthorized", http.StatusUnauthorized)
			return
		}

		raw := chi.URLParam(r, "strategyID")
		id, err := strconv.ParseUint(raw, 10, 64)
		if err != nil || id == 0 {
			http.Error(w, "invalid strategy id", http.StatusBadRequest)
			return
		}

		strategy, err := strategies.FindByID(r.Context(), uint(id))
		if err != nil {
			writeError(w, err)
			return
		}
		if strategy == nil {
			writeJSON(w, http.StatusNotFound, map[string]string{"error": "strategy not found"})
			return
		}
		if !user.IsAdmin() && strategy.UserID != user.ID {
			http.Error(w, "Forbidden", http.StatusForbidden)
			return
		}

		var req executeStrategyRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, "invalid request body", http.StatusBadRequest)
			return
		}
		if len(req.AccountIDs) == 0 {
			writeError(w, &model.ValidationError{Field: "account_ids", Reason: "required"})
			return
		}
		if req.Symbol == "" {
			writeError(w, &model.ValidationError{Field: "symbol", Reason: "required"})
			return
		}

		for _, accountID := range req.AccountIDs {
			allowed, err := ownsAccount(r.Context(), accounts, user, accountID)
			if err != nil {
				writeError(w, err)
				return
			}
			if !allowed {
				http.Error(w, "Forbidden", http.StatusForbidden)
				return
			}
		}

		created, bulkErr := manager.CreateStrategyPositions(
			r.Context(), strategy, req.AccountIDs, req.Symbol, req.Volume, req.Direction)

		if len(created) > 0 {
			if err := strategies.TouchExecuted(r.Context(), strategy.ID); err != nil {
				writeError(w, err)
				return
			}
		}

		if bulkErr != nil {
			if len(created) == 0 {
				writeError(w, bulkErr)
				return
			}
			writeJSON(w, http.StatusMultiStatus, map[string]interface{}{
				"positions": created,
				"error":     bulkErr.Error(),
			})
			return
		}

		writeJSON(w, http.StatusCreated, map[string]interface{}{"positions": created})
	}
}
