package coordinator

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"

	"hedgesystem/src/database"
	"hedgesystem/src/dispatcher"
	"hedgesystem/src/feed"
	"hedgesystem/src/gateway"
	"hedgesystem/src/lifecycle"
	"hedgesystem/src/monitor"
	"hedgesystem/src/notifier"
	"hedgesystem/src/repository"
	"hedgesystem/src/server"
)

type Coordinator struct {
}

// Start wires the whole coordination service and blocks until SIGINT/SIGTERM.
func (c *Coordinator) Start() error {
	ctx, stop := signal.NotifyContext(
		context.Background(),
		os.Interrupt,
		syscall.SIGTERM,
	)

	defer stop()

	// Initialize main (read/write) database
	if err := database.InitMainDB(); err != nil {
		logrus.WithError(err).Fatal("Failed to connect to main database")
		return err
	}

	userRep := repository.NewUserRepository()
	accountRep := repository.NewAccountRepository()
	positionRep := repository.NewPositionRepository()
	actionRep := repository.NewActionRepository()
	alertRep := repository.NewAlertRepository()
	strategyRep := repository.NewStrategyRepository()

	bus := feed.NewBus()
	alertNotifier := notifier.NewWebhookNotifier(notifier.GetConfig().AlertWebhookURL)

	gw, err := gateway.NewGateway(gateway.GetConfig(), userRep, accountRep)
	if err != nil {
		logrus.WithError(err).Fatal("Failed to create client gateway")
		return err
	}

	disp := dispatcher.NewDispatcher(actionRep, accountRep, alertRep, gw, alertNotifier, bus)
	manager := lifecycle.NewManager(positionRep, actionRep, alertRep, accountRep, disp, bus)

	monitorConfig := monitor.GetConfig()
	mon := monitor.NewMonitor(positionRep, actionRep, accountRep, alertRep, disp, nil, monitorConfig)

	// The gateway needs the dispatcher as its outcome sink and the
	// dispatcher needs the gateway as its client registry; Bind breaks
	// the construction cycle.
	gw.Bind(manager, disp, mon)

	go func() {
		if err := gw.Start(ctx); err != nil {
			logrus.WithError(err).Error("Gateway stopped with error")
			stop()
		}
	}()

	go startExpirySweep(ctx, manager, monitorConfig)

	logrus.Info("Coordinator started")

	server.StartServer(ctx, server.GetConfig().Port, server.Dependencies{
		Users:      userRep,
		Accounts:   accountRep,
		Positions:  positionRep,
		Actions:    actionRep,
		Alerts:     alertRep,
		Strategies: strategyRep,
		Lifecycle:  manager,
		Dispatcher: disp,
		Gateway:    gw,
	})

	return nil
}

// startExpirySweep cancels positions stuck in PENDING past their TTL.
func startExpirySweep(ctx context.Context, manager *lifecycle.Manager, config monitor.Config) {
	if config.PendingTTL <= 0 {
		logrus.Info("Pending expiry sweep disabled")
		return
	}

	ticker := time.NewTicker(config.SweepPeriod) // Set up a ticker that fires periodically
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := manager.ExpirePending(ctx, config.PendingTTL); err != nil {
				logrus.WithError(err).Error("Pending expiry sweep failed")
			}
		}
	}
}
