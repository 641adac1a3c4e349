package handler

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/go-chi/chi/v5"

	"hedgesystem/src/auth"
	"hedgesystem/src/lifecycle"
	"hedgesystem/src/model"
)

type mockPositionManager struct {
	created    *model.Position
	createErr  error
	closeCalls int
	lastReason string
}

func (m *mockPositionManager) CreatePosition(_ context.Context, in lifecycle.CreatePositionInput) (*model.Position, error) {
	if m.createErr != nil {
		return nil, m.createErr
	}
	m.created = &model.Position{
		ID:         1,
		AccountID:  in.AccountID,
		Symbol:     in.Symbol,
		Volume:     in.Volume,
		Direction:  in.Direction,
		Status:     model.PositionStatusPending,
		TrailWidth: in.TrailWidth,
	}
	return m.created, nil
}

func (m *mockPositionManager) RequestExecution(_ context.Context, positionID uint) (*model.Position, error) {
	return &model.Position{ID: positionID, Status: model.PositionStatusOpening}, nil
}

func (m *mockPositionManager) RequestClose(_ context.Context, positionID uint, reason string) (*model.Position, error) {
	m.closeCalls++
	m.lastReason = reason
	return &model.Position{ID: positionID, Status: model.PositionStatusClosing, ExitReason: reason}, nil
}

func (m *mockPositionManager) Cancel(_ context.Context, positionID uint) (*model.Position, error) {
	return &model.Position{ID: positionID, Status: model.PositionStatusCanceled}, nil
}

type mockPositionReader struct {
	positions map[uint]*model.Position
	listed    []model.Position
}

func (m *mockPositionReader) FindByID(_ context.Context, id uint) (*model.Position, error) {
	position, ok := m.positions[id]
	if !ok {
		return nil, nil
	}
	return position, nil
}

func (m *mockPositionReader) ListByAccount(_ context.Context, _ uint, _ string) ([]model.Position, error) {
	return m.listed, nil
}

type mockAccountReader struct {
	accounts map[uint]*model.Account
}

func (m *mockAccountReader) FindByID(_ context.Context, id uint) (*model.Account, error) {
	account, ok := m.accounts[id]
	if !ok {
		return nil, nil
	}
	return account, nil
}

func (m *mockAccountReader) ListByUser(_ context.Context, userID uint) ([]model.Account, error) {
	var out []model.Account
	for _, account := range m.accounts {
		if account.UserID == userID {
			out = append(out, *account)
		}
	}
	return out, nil
}

func withUser(req *http.Request, user *model.User) *http.Request {
	return req.WithContext(context.WithValue(req.Context(), auth.UserKey, user))
}

func withPositionID(req *http.Request, id string) *http.Request {
	rctx := chi.NewRouteContext()
	rctx.URLParams.Add("positionID", id)
	return req.WithContext(context.WithValue(req.Context(), chi.RouteCtxKey, rctx))
}

func ownerAccounts() *mockAccountReader {
	return &mockAccountReader{accounts: map[uint]*model.Account{
		1: {ID: 1, UserID: 42},
	}}
}

func TestCreatePositionHandlerUnauthorized(t *testing.T) {
	handler := CreatePositionHandler(&mockPositionManager{}, ownerAccounts())

	req := httptest.NewRequest(http.MethodPost, "/positions", bytes.NewBufferString(`{}`))
	rr := httptest.NewRecorder()

	handler.ServeHTTP(rr, req)

	if rr.Code != http.StatusUnauthorized {
		t.Fatalf("expected status 401, got %d", rr.Code)
	}
}

func TestCreatePositionHandlerForbiddenForForeignAccount(t *testing.T) {
	handler := CreatePositionHandler(&mockPositionManager{}, ownerAccounts())

	body := `{"account_id":1,"symbol":"USDJPY","volume":0.5,"direction":"BUY","trail_width":20}`
	req := httptest.NewRequest(http.MethodPost, "/positions", bytes.NewBufferString(body))
	req = withUser(req, &model.User{ID: 7, Role: model.RoleClient}) // not the owner
	rr := httptest.NewRecorder()

	handler.ServeHTTP(rr, req)

	if rr.Code != http.StatusForbidden {
		t.Fatalf("expected status 403, got %d", rr.Code)
	}
}

func TestCreatePositionHandlerCreates(t *testing.T) {
	manager := &mockPositionManager{}
	handler := CreatePositionHandler(manager, ownerAccounts())

	body := `{"account_id":1,"symbol":"USDJPY","volume":0.5,"direction":"BUY","trail_width":20}`
	req := httptest.NewRequest(http.MethodPost, "/positions", bytes.NewBufferString(body))
	req = withUser(req, &model.User{ID: 42, Role: model.RoleClient})
	rr := httptest.NewRecorder()

	handler.ServeHTTP(rr, req)

	if rr.Code != http.StatusCreated {
		t.Fatalf("expected status 201, got %d: %s", rr.Code, rr.Body.String())
	}

	var got model.Position
	if err := json.Unmarshal(rr.Body.Bytes(), &got); err != nil {
		t.Fatalf("failed to decode response: %v", err)
	}
	if got.Symbol != "USDJPY" || got.TrailWidth != 20 {
		t.Fatalf("unexpected position: %+v", got)
	}
}

func TestCreatePositionHandlerAdminBypassesOwnership(t *testing.T) {
	manager := &mockPositionManager{}
	handler := CreatePositionHandler(manager, ownerAccounts())

	body := `{"account_id":1,"symbol":"USDJPY","volume":0.5,"direction":"BUY"}`
	req := httptest.NewRequest(http.MethodPost, "/positions", bytes.NewBufferString(body))
	req = withUser(req, &model.User{ID: 7, Role: model.RoleAdmin})
	rr := httptest.NewRecorder()

	handler.ServeHTTP(rr, req)

	if rr.Code != http.StatusCreated {
		t.Fatalf("expected status 201 for admin, got %d", rr.Code)
	}
}

func TestCreatePositionHandlerMapsValidationError(t *testing.T) {
	manager := &mockPositionManager{createErr: &model.ValidationError{Field: "volume", Reason: "must be positive"}}
	handler := CreatePositionHandler(manager, ownerAccounts())

	body := `{"account_id":1,"symbol":"USDJPY","volume":-1,"direction":"BUY"}`
	req := httptest.NewRequest(http.MethodPost, "/positions", bytes.NewBufferString(body))
	req = withUser(req, &model.User{ID: 42, Role: model.RoleClient})
	rr := httptest.NewRecorder()

	handler.ServeHTTP(rr, req)

	if rr.Code != http.StatusBadRequest {
		t.Fatalf("expected status 400, got %d", rr.Code)
	}
}

func TestRequestCloseHandlerDefaultsReason(t *testing.T) {
	manager := &mockPositionManager{}
	positions := &mockPositionReader{positions: map[uint]*model.Position{
		5: {ID: 5, AccountID: 1, Status: model.PositionStatusOpen},
	}}
	handler := RequestCloseHandler(manager, positions, ownerAccounts())

	req := httptest.NewRequest(http.MethodPost, "/positions/5/close", bytes.NewBufferString(`{}`))
	req = withUser(req, &model.User{ID: 42, Role: model.RoleClient})
	req = withPositionID(req, "5")
	rr := httptest.NewRecorder()

	handler.ServeHTTP(rr, req)

	if rr.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d: %s", rr.Code, rr.Body.String())
	}
	if manager.closeCalls != 1 || manager.lastReason != "manual" {
		t.Fatalf("expected one close with reason manual, got %d %q", manager.closeCalls, manager.lastReason)
	}
}

func TestRequestCloseHandlerNotFound(t *testing.T) {
	handler := RequestCloseHandler(&mockPositionManager{}, &mockPositionReader{positions: map[uint]*model.Position{}}, ownerAccounts())

	req := httptest.NewRequest(http.MethodPost, "/positions/99/close", bytes.NewBufferString(`{}`))
	req = withUser(req, &model.User{ID: 42, Role: model.RoleClient})
	req = withPositionID(req, "99")
	rr := httptest.NewRecorder()

	handler.ServeHTTP(rr, req)

	if rr.Code != http.StatusNotFound {
		t.Fatalf("expected status 404, got %d", rr.Code)
	}
}

func TestListPositionsHandlerRejectsForeignAccount(t *testing.T) {
	handler := ListPositionsHandler(&mockPositionReader{}, ownerAccounts())

	req := httptest.NewRequest(http.MethodGet, "/positions?accountId=1", nil)
	req = withUser(req, &model.User{ID: 7, Role: model.RoleViewer})
	rr := httptest.NewRecorder()

	handler.ServeHTTP(rr, req)

	if rr.Code != http.StatusForbidden {
		t.Fatalf("expected status 403, got %d", rr.Code)
	}
}

func TestListPositionsHandlerReturnsOwnPositions(t *testing.T) {
	positions := &mockPositionReader{listed: []model.Position{{ID: 1, AccountID: 1, Symbol: "USDJPY"}}}
	handler := ListPositionsHandler(positions, ownerAccounts())

	req := httptest.NewRequest(http.MethodGet, "/positions?accountId=1", nil)
	req = withUser(req, &model.User{ID: 42, Role: model.RoleViewer})
	rr := httptest.NewRecorder()

	handler.ServeHTTP(rr, req)

	if rr.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d", rr.Code)
	}

	var got []model.Position
	if err := json.Unmarshal(rr.Body.Bytes(), &got); err != nil {
		t.Fatalf("failed to decode response: %v", err)
	}
	if len(got) != 1 || got[0].Symbol != "USDJPY" {
		t.Fatalf("unexpected response: %+v", got)
	}
}
