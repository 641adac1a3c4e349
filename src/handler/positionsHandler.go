package handler

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"hedgesystem/src/auth"
	"hedgesystem/src/lifecycle"
	"hedgesystem/src/model"
)

type positionManager interface {
	CreatePosition(ctx context.Context, in lifecycle.CreatePositionInput) (*model.Position, error)
	RequestExecution(ctx context.Context, positionID uint) (*model.Position, error)
	RequestClose(ctx context.Context, positionID uint, reason string) (*model.Position, error)
	Cancel(ctx context.Context, positionID uint) (*model.Position, error)
}

type positionReader interface {
	FindByID(ctx context.Context, id uint) (*model.Position, error)
	ListByAccount(ctx context.Context, accountID uint, status string) ([]model.Position, error)
}

type accountReader interface {
	FindByID(ctx context.Context, id uint) (*model.Account, error)
	ListByUser(ctx context.Context, userID uint) ([]model.Account, error)
}

// ownsAccount reports whether the caller may mutate entities of the account.
// Admins mutate anything; others only their own accounts.
func ownsAccount(ctx context.Context, accounts accountReader, user *model.User, accountID uint) (bool, error) {
	if user.IsAdmin() {
		return true, nil
	}
	account, err := accounts.FindByID(ctx, accountID)
	if err != nil {
		return false, err
	}
	if account == nil {
		return false, nil
	}
	return account.UserID == user.ID, nil
}

type createPositionRequest struct {
	AccountID  uint     `json:"account_id"`
	StrategyID *uint    `json:"strategy_id,omitempty"`
	Symbol     string   `json:"symbol"`
	Volume     float64  `json:"volume"`
	Direction  string   `json:"direction"`
	TrailWidth float64  `json:"trail_width"`
	StopLoss   *float64 `json:"stop_loss,omitempty"`
	TakeProfit *float64 `json:"take_profit,omitempty"`
	Memo       string   `json:"memo,omitempty"`
}

// CreatePositionHandler registers a new PENDING position for the caller.
func CreatePositionHandler(manager positionManager, accounts accountReader) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		user, ok := auth.GetUserFromContext(r.Context())
		if !ok || user == nil {
			http.Error(w, "Unauthorized", http.StatusUnauthorized)
			return
		}

		var req createPositionRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, "invalid request body", http.StatusBadRequest)
			return
		}

		allowed, err := ownsAccount(r.Context(), accounts, user, req.AccountID)
		if err != nil {
			writeError(w, err)
			return
		}
		if !allowed {
			http.Error(w, "Forbidden", http.StatusForbidden)
			return
		}

		position, err := manager.CreatePosition(r.Context(), lifecycle.CreatePositionInput{
			AccountID:  req.AccountID,
			StrategyID: req.StrategyID,
			Symbol:     req.Symbol,
			Volume:     req.Volume,
			Direction:  req.Direction,
			TrailWidth: req.TrailWidth,
			StopLoss:   req.StopLoss,
			TakeProfit: req.TakeProfit,
			Memo:       req.Memo,
		})
		if err != nil {
			writeError(w, err)
			return
		}

		writeJSON(w, http.StatusCreated, position)
	}
}

// positionIDFromURL parses the {positionID} chi route param.
func positionIDFromURL(r *http.Request) (uint, bool) {
	raw := chi.URLParam(r, "positionID")
	id, err := strconv.ParseUint(raw, 10, 64)
	if err != nil || id == 0 {
		return 0, false
	}
	return uint(id), true
}

// positionMutation wraps the shared boilerplate of the transition endpoints:
// auth, id parsing, ownership check, typed-error mapping.
func positionMutation(
	positions positionReader,
	accounts accountReader,
	mutate func(ctx context.Context, positionID uint, r *http.Request) (*model.Position, error),
) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		user, ok := auth.GetUserFromContext(r.Context())
		if !ok || user == nil {
			http.Error(w, "Unauthorized", http.StatusUnauthorized)
			return
		}

		id, ok := positionIDFromURL(r)
		if !ok {
			http.Error(w, "invalid position id", http.StatusBadRequest)
			return
		}

		position, err := positions.FindByID(r.Context(), id)
		if err != nil {
			writeError(w, err)
			return
		}
		if position == nil {
			writeJSON(w, http.StatusNotFound, map[string]string{"error": "position not found"})
			return
		}

		allowed, err := ownsAccount(r.Context(), accounts, user, position.AccountID)
		if err != nil {
			writeError(w, err)
			return
		}
		if !allowed {
			http.Error(w, "Forbidden", http.StatusForbidden)
			return
		}

		updated, err := mutate(r.Context(), id, r)
		if err != nil {
			writeError(w, err)
			return
		}

		writeJSON(w, http.StatusOK, updated)
	}
}

// RequestExecutionHandler flips PENDING→OPENING, signaling the execution client.
func RequestExecutionHandler(manager positionManager, positions positionReader, accounts accountReader) http.HandlerFunc {
	return positionMutation(positions, accounts,
		func(ctx context.Context, positionID uint, _ *http.Request) (*model.Position, error) {
			return manager.RequestExecution(ctx, positionID)
		})
}

// RequestCloseHandler flips OPEN→CLOSING. Idempotent while CLOSING.
func RequestCloseHandler(manager positionManager, positions positionReader, accounts accountReader) http.HandlerFunc {
	return positionMutation(positions, accounts,
		func(ctx context.Context, positionID uint, r *http.Request) (*model.Position, error) {
			var body struct {
				Reason string `json:"reason"`
			}
			_ = json.NewDecoder(r.Body).Decode(&body)
			if body.Reason == "" {
				body.Reason = "manual"
			}
			return manager.RequestClose(ctx, positionID, body.Reason)
		})
}

// CancelPositionHandler aborts a position before fill.
func CancelPositionHandler(manager positionManager, positions positionReader, accounts accountReader) http.HandlerFunc {
	return positionMutation(positions, accounts,
		func(ctx context.Context, positionID uint, _ *http.Request) (*model.Position, error) {
			return manager.Cancel(ctx, positionID)
		})
}

// ListPositionsHandler lists positions of one of the caller's accounts.
// Admins may list any account. Optional ?status= filter.
func ListPositionsHandler(positions positionReader, accounts accountReader) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		user, ok := auth.GetUserFromContext(r.Context())
		if !ok || user == nil {
			http.Error(w, "Unauthorized", http.StatusUnauthorized)
			return
		}

		accountParam := r.URL.Query().Get("accountId")
		accountID, err := strconv.ParseUint(accountParam, 10, 64)
		if err != nil || accountID == 0 {
			http.Error(w, "invalid accountId", http.StatusBadRequest)
			return
		}

		if !user.IsAdmin() {
			account, err := accounts.FindByID(r.Context(), uint(accountID))
			if err != nil {
				writeError(w, err)
				return
			}
			if account == nil || account.UserID != user.ID {
				http.Error(w, "Forbidden", http.StatusForbidden)
				return
			}
		}

		results, err := positions.ListByAccount(r.Context(), uint(accountID), r.URL.Query().Get("status"))
		if err != nil {
			writeError(w, err)
			return
		}

		writeJSON(w, http.StatusOK, results)
	}
}
