package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/shopspring/decimal"
	logger "github.com/sirupsen/logrus"
	"golang.org/x/crypto/bcrypt"

	"hedgesystem/src/dispatcher"
	"hedgesystem/src/model"
)

// UserStore resolves and updates users on connect/disconnect.
type UserStore interface {
	GetUserByUserName(ctx context.Context, userName string) (*model.User, error)
	SetPCStatus(ctx context.Context, id uint, status, pcID string, seen time.Time) error
}

// AccountStore updates account connectivity and snapshots.
type AccountStore interface {
	FindByNumber(ctx context.Context, accountNumber string) (*model.Account, error)
	ListByUser(ctx context.Context, userID uint) ([]model.Account, error)
	SetConnectivity(ctx context.Context, id uint, status, pcID string) error
	UpdateSnapshot(ctx context.Context, id uint, balance, equity, margin, marginLevel float64, at time.Time) error
}

// PositionReporter is the lifecycle surface the gateway feeds fill/close
// reports into.
type PositionReporter interface {
	ReportFill(ctx context.Context, positionID uint, ticket string, entryPrice float64, entryTime time.Time) (*model.Position, error)
	ReportClose(ctx context.Context, positionID uint, exitPrice float64, exitTime time.Time, exitReason string, outcome model.CloseOutcome) (*model.Position, error)
}

// OutcomeSink is the dispatcher surface for action reports and connect events.
type OutcomeSink interface {
	ReportOutcome(ctx context.Context, report dispatcher.OutcomeReport) error
	OnClientConnect(ctx context.Context, userID uint)
}

// MarketSink is the monitor surface for price ticks and account snapshots.
type MarketSink interface {
	OnPriceUpdate(ctx context.Context, symbol string, price decimal.Decimal)
	OnAccountSnapshot(ctx context.Context, accountID uint, marginLevel float64)
	ClearPosition(positionID uint)
}

// Gateway is the WebSocket server the desktop execution clients connect to.
// It is the live client registry the dispatcher resolves against, and the
// ingress for everything the terminals report back.
type Gateway struct {
	config    Config
	tokenHash []byte
	users     UserStore
	accounts  AccountStore

	lifecycle  PositionReporter
	dispatcher OutcomeSink
	monitor    MarketSink

	upgrader websocket.Upgrader
	log      *logger.Entry

	mu    sync.RWMutex
	conns map[uint]*clientConn // keyed by user ID, one terminal per user

	srv  *http.Server
	stop chan struct{}
}

func NewGateway(config Config, users UserStore, accounts AccountStore) (*Gateway, error) {
	if config.AuthToken == "" {
		return nil, errors.New("gateway auth token not set")
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(config.AuthToken), bcrypt.DefaultCost)
	if err != nil {
		return nil, err
	}

	return &Gateway{
		config:    config,
		tokenHash: hash,
		users:     users,
		accounts:  accounts,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			// Desktop clients connect from localhost tunnels, not browsers.
			CheckOrigin: func(*http.Request) bool { return true },
		},
		log:   logger.WithField("component", "gateway"),
		conns: make(map[uint]*clientConn),
		stop:  make(chan struct{}),
	}, nil
}

// Bind attaches the coordination components. Must be called before Start;
// split from the constructor because the dispatcher needs the gateway as its
// client registry first.
func (g *Gateway) Bind(lifecycle PositionReporter, sink OutcomeSink, monitor MarketSink) {
	g.lifecycle = lifecycle
	g.dispatcher = sink
	g.monitor = monitor
}

// ClientFor implements dispatcher.ClientRegistry.
func (g *Gateway) ClientFor(userID uint) (dispatcher.ClientSender, bool) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	conn, ok := g.conns[userID]
	return conn, ok
}

// Connections returns the admin-facing view of live connections.
func (g *Gateway) Connections() []ConnectionInfo {
	g.mu.RLock()
	defer g.mu.RUnlock()

	infos := make([]ConnectionInfo, 0, len(g.conns))
	for _, conn := range g.conns {
		infos = append(infos, conn.info())
	}
	return infos
}

// Start serves the websocket endpoint until the context is canceled.
func (g *Gateway) Start(ctx context.Context) error {
	mux := http.NewServeMux()
	mux.HandleFunc("/ws", g.handleWS)

	addr := g.config.Host + ":" + g.config.Port
	g.srv = &http.Server{Addr: addr, Handler: mux}

	go g.reapStale()

	go func() {
		<-ctx.Done()
		close(g.stop)
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = g.srv.Shutdown(shutdownCtx)
	}()

	g.log.WithField("addr", addr).Info("gateway listening")

	if err := g.srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func (g *Gateway) handleWS(w http.ResponseWriter, r *http.Request) {
	g.mu.RLock()
	active := len(g.conns)
	g.mu.RUnlock()
	if active >= g.config.MaxConnections {
		http.Error(w, "too many connections", http.StatusServiceUnavailable)
		return
	}

	ws, err := g.upgrader.Upgrade(w, r, nil)
	if err != nil {
		g.log.WithError(err).Warn("websocket upgrade failed")
		return
	}

	conn := newClientConn(uuid.NewString(), ws)
	go conn.writePump()

	user, err := g.authenticate(r.Context(), conn)
	if err != nil {
		g.log.WithError(err).WithField("conn_id", conn.id).Info("client rejected")
		if frame, encErr := encode(MsgAuthError, ErrorPayload{Message: err.Error()}); encErr == nil {
			_ = conn.push(frame)
		}
		time.Sleep(100 * time.Millisecond) // let the frame flush
		conn.close()
		return
	}

	g.register(conn, user)
	defer g.unregister(conn)

	g.readLoop(conn)
}

// authenticate waits for the auth frame, verifies the shared token and
// resolves the user. Everything before auth_ok is rejected.
func (g *Gateway) authenticate(ctx context.Context, conn *clientConn) (*model.User, error) {
	_ = conn.ws.SetReadDeadline(time.Now().Add(10 * time.Second))
	defer func() { _ = conn.ws.SetReadDeadline(time.Time{}) }()

	var env Envelope
	if err := conn.ws.ReadJSON(&env); err != nil {
		return nil, errors.New("no auth frame received")
	}
	if env.Type != MsgAuth {
		return nil, errors.New("first frame must be auth")
	}

	var payload AuthPayload
	if err := decodePayload(env, &payload); err != nil {
		return nil, errors.New("malformed auth payload")
	}

	if err := bcrypt.CompareHashAndPassword(g.tokenHash, []byte(payload.Token)); err != nil {
		return nil, errors.New("invalid auth token")
	}

	user, err := g.users.GetUserByUserName(ctx, payload.UserName)
	if err != nil {
		return nil, err
	}
	if user == nil {
		return nil, errors.New("unknown user")
	}

	conn.userID = user.ID
	conn.pcID = payload.PCID
	conn.ea = payload.EAInfo

	if frame, err := encode(MsgAuthOK, map[string]string{"connection_id": conn.id}); err == nil {
		_ = conn.push(frame)
	}

	return user, nil
}

func (g *Gateway) register(conn *clientConn, user *model.User) {
	g.mu.Lock()
	if old, ok := g.conns[user.ID]; ok {
		// One terminal per user: a reconnect supersedes the old socket.
		old.close()
	}
	g.conns[user.ID] = conn
	g.mu.Unlock()

	ctx := context.Background()
	now := time.Now()

	if err := g.users.SetPCStatus(ctx, user.ID, model.PCStatusOnline, conn.pcID, now); err != nil {
		g.log.WithError(err).WithField("user_id", user.ID).Warn("failed to mark user online")
	}

	if accounts, err := g.accounts.ListByUser(ctx, user.ID); err == nil {
		for _, account := range accounts {
			_ = g.accounts.SetConnectivity(ctx, account.ID, model.AccountStatusConnected, conn.pcID)
		}
	}

	g.log.WithFields(logger.Fields{
		"conn_id":  conn.id,
		"user_id":  user.ID,
		"platform": conn.ea.Platform,
		"account":  conn.ea.Account,
	}).Info("execution client connected")

	// Replay queued work now that the terminal is reachable.
	go g.dispatcher.OnClientConnect(ctx, user.ID)
}

func (g *Gateway) unregister(conn *clientConn) {
	g.mu.Lock()
	current, ok := g.conns[conn.userID]
	wasCurrent := ok && current == conn
	if wasCurrent {
		delete(g.conns, conn.userID)
	}
	g.mu.Unlock()

	conn.close()

	if !wasCurrent {
		// A superseding reconnect owns the user's status rows now; writing
		// offline here would clobber the new connection's online marks.
		g.log.WithFields(logger.Fields{
			"conn_id": conn.id,
			"user_id": conn.userID,
		}).Debug("superseded connection closed")
		return
	}

	ctx := context.Background()
	if err := g.users.SetPCStatus(ctx, conn.userID, model.PCStatusOffline, conn.pcID, time.Now()); err != nil {
		g.log.WithError(err).WithField("user_id", conn.userID).Warn("failed to mark user offline")
	}
	if accounts, err := g.accounts.ListByUser(ctx, conn.userID); err == nil {
		for _, account := range accounts {
			_ = g.accounts.SetConnectivity(ctx, account.ID, model.AccountStatusDisconnected, "")
		}
	}

	g.log.WithFields(logger.Fields{
		"conn_id": conn.id,
		"user_id": conn.userID,
	}).Info("execution client disconnected")
}

func (g *Gateway) readLoop(conn *clientConn) {
	for {
		var env Envelope
		if err := conn.ws.ReadJSON(&env); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				g.log.WithError(err).WithField("conn_id", conn.id).Debug("read error")
			}
			return
		}

		conn.countMessage()

		if err := g.route(conn, env); err != nil {
			conn.countError()
			g.log.WithError(err).WithFields(logger.Fields{
				"conn_id": conn.id,
				"type":    env.Type,
			}).Warn("failed to handle client frame")

			if frame, encErr := encode(MsgError, ErrorPayload{Message: err.Error()}); encErr == nil {
				_ = conn.push(frame)
			}
		}
	}
}

func (g *Gateway) route(conn *clientConn, env Envelope) error {
	ctx := context.Background()

	switch env.Type {
	case MsgHeartbeat:
		var payload HeartbeatPayload
		_ = decodePayload(env, &payload)
		conn.touchHeartbeat(payload.SentAt)
		frame, err := encode(MsgHeartbeatAck, HeartbeatPayload{SentAt: time.Now().Format(time.RFC3339Nano)})
		if err != nil {
			return err
		}
		return conn.push(frame)

	case MsgFillReport:
		var payload FillReportPayload
		if err := decodePayload(env, &payload); err != nil {
			return err
		}
		entryTime, err := time.Parse(time.RFC3339, payload.EntryTime)
		if err != nil {
			entryTime = time.Now()
		}
		_, err = g.lifecycle.ReportFill(ctx, payload.PositionID, payload.Ticket, payload.EntryPrice, entryTime)
		return err

	case MsgCloseReport:
		var payload CloseReportPayload
		if err := decodePayload(env, &payload); err != nil {
			return err
		}
		exitTime, err := time.Parse(time.RFC3339, payload.ExitTime)
		if err != nil {
			exitTime = time.Now()
		}
		outcome := model.CloseOutcome(payload.Outcome)
		if outcome != model.CloseOutcomeStopped {
			outcome = model.CloseOutcomeClosed
		}
		if _, err := g.lifecycle.ReportClose(ctx, payload.PositionID, payload.ExitPrice, exitTime, payload.ExitReason, outcome); err != nil {
			return err
		}
		g.monitor.ClearPosition(payload.PositionID)
		return nil

	case MsgOutcomeReport:
		var payload OutcomeReportPayload
		if err := decodePayload(env, &payload); err != nil {
			return err
		}
		return g.dispatcher.ReportOutcome(ctx, dispatcher.OutcomeReport{
			ActionID: payload.ActionID,
			Status:   payload.Status,
			Result: model.ExecutionResult{
				BrokerTicket: payload.BrokerTicket,
				Price:        payload.Price,
				Timestamp:    payload.Timestamp,
				ErrorCode:    payload.ErrorCode,
			},
			Outcome:      model.CloseOutcome(payload.Outcome),
			ExitReason:   payload.ExitReason,
			ErrorMessage: payload.ErrorMessage,
		})

	case MsgAccountSnapshot:
		var payload AccountSnapshotPayload
		if err := decodePayload(env, &payload); err != nil {
			return err
		}
		account, err := g.accounts.FindByNumber(ctx, payload.AccountNumber)
		if err != nil {
			return err
		}
		if account == nil {
			return &model.NotFoundError{Entity: "account"}
		}
		if err := g.accounts.UpdateSnapshot(ctx, account.ID,
			payload.Balance, payload.Equity, payload.Margin, payload.MarginLevel, time.Now()); err != nil {
			return err
		}
		g.monitor.OnAccountSnapshot(ctx, account.ID, payload.MarginLevel)
		return nil

	case MsgPriceTick:
		var payload PriceTickPayload
		if err := decodePayload(env, &payload); err != nil {
			return err
		}
		price, err := decimal.NewFromString(payload.Price)
		if err != nil {
			return &model.ValidationError{Field: "price", Reason: "not a decimal"}
		}
		g.monitor.OnPriceUpdate(ctx, payload.Symbol, price)
		return nil

	default:
		return &model.ValidationError{Field: "type", Reason: "unknown message type " + env.Type}
	}
}

// reapStale drops connections whose heartbeat went silent past the timeout.
func (g *Gateway) reapStale() {
	ticker := time.NewTicker(g.config.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-g.stop:
			return
		case now := <-ticker.C:
			g.mu.RLock()
			stale := make([]*clientConn, 0)
			for _, conn := range g.conns {
				if conn.heartbeatAge(now) > g.config.ConnectionTimeout {
					stale = append(stale, conn)
				}
			}
			g.mu.RUnlock()

			for _, conn := range stale {
				g.log.WithFields(logger.Fields{
					"conn_id": conn.id,
					"user_id": conn.userID,
				}).Warn("closing stale connection, heartbeat timeout")
				conn.close() // readLoop exits and unregister runs
			}
		}
	}
}

func decodePayload(env Envelope, v interface{}) error {
	if len(env.Payload) == 0 {
		return errors.New("empty payload")
	}
	return json.Unmarshal(env.Payload, v)
}
