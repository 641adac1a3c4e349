package gateway

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"hedgesystem/src/model"
)

type statusWrite struct {
	userID uint
	status string
}

type fakeUserStore struct {
	users    map[string]*model.User
	statuses []statusWrite
}

func (f *fakeUserStore) GetUserByUserName(_ context.Context, userName string) (*model.User, error) {
	return f.users[userName], nil
}

func (f *fakeUserStore) SetPCStatus(_ context.Context, id uint, status, _ string, _ time.Time) error {
	f.statuses = append(f.statuses, statusWrite{userID: id, status: status})
	return nil
}

type connectivityWrite struct {
	accountID uint
	status    string
}

type fakeAccountStore struct {
	accounts     []model.Account
	connectivity []connectivityWrite
}

func (f *fakeAccountStore) FindByNumber(_ context.Context, accountNumber string) (*model.Account, error) {
	for i := range f.accounts {
		if f.accounts[i].AccountNumber == accountNumber {
			return &f.accounts[i], nil
		}
	}
	return nil, nil
}

func (f *fakeAccountStore) ListByUser(_ context.Context, userID uint) ([]model.Account, error) {
	var out []model.Account
	for _, account := range f.accounts {
		if account.UserID == userID {
			out = append(out, account)
		}
	}
	return out, nil
}

func (f *fakeAccountStore) SetConnectivity(_ context.Context, id uint, status, _ string) error {
	f.connectivity = append(f.connectivity, connectivityWrite{accountID: id, status: status})
	return nil
}

func (f *fakeAccountStore) UpdateSnapshot(_ context.Context, _ uint, _, _, _, _ float64, _ time.Time) error {
	return nil
}

func newTestGateway(t *testing.T) (*Gateway, *fakeUserStore, *fakeAccountStore) {
	t.Helper()

	users := &fakeUserStore{users: map[string]*model.User{}}
	accounts := &fakeAccountStore{accounts: []model.Account{{ID: 3, UserID: 7}}}

	g, err := NewGateway(Config{AuthToken: "secret"}, users, accounts)
	require.NoError(t, err)
	return g, users, accounts
}

func TestUnregisterSupersededConnKeepsUserOnline(t *testing.T) {
	g, users, accounts := newTestGateway(t)

	old := newClientConn("old", nil)
	old.userID = 7
	fresh := newClientConn("fresh", nil)
	fresh.userID = 7

	// A reconnect already replaced the old socket as the user's terminal.
	g.conns[7] = fresh

	g.unregister(old)

	require.Empty(t, users.statuses, "closing a superseded socket must not touch the user's status")
	require.Empty(t, accounts.connectivity, "closing a superseded socket must not touch account connectivity")

	_, ok := g.ClientFor(7)
	require.True(t, ok, "the live connection must stay registered")
}

func TestUnregisterCurrentConnMarksOffline(t *testing.T) {
	g, users, accounts := newTestGateway(t)

	conn := newClientConn("c-1", nil)
	conn.userID = 7
	g.conns[7] = conn

	g.unregister(conn)

	_, ok := g.ClientFor(7)
	require.False(t, ok)

	require.Len(t, users.statuses, 1)
	require.Equal(t, uint(7), users.statuses[0].userID)
	require.Equal(t, model.PCStatusOffline, users.statuses[0].status)

	require.Len(t, accounts.connectivity, 1)
	require.Equal(t, uint(3), accounts.connectivity[0].accountID)
	require.Equal(t, model.AccountStatusDisconnected, accounts.connectivity[0].status)
}
