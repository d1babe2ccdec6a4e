package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"tradeflow/broker/kiwoom"
	"tradeflow/config"
	"tradeflow/executor"
	"tradeflow/internal/channel"
	"tradeflow/internal/dashboard"
	"tradeflow/internal/metrics"
	"tradeflow/logger"
	"tradeflow/processor"
	"tradeflow/reader"
	"tradeflow/session"
	"tradeflow/store"
	"tradeflow/writer"
)

func main() {
	log := logger.GetLogger()

	// Load environment variables from .env if present
	if err := godotenv.Load(); err != nil && !os.IsNotExist(err) {
		log.WithError(err).Warn("Error loading .env file")
	}

	configPath := flag.String("config", "config/config.yml", "Path to configuration file")
	groupsPath := flag.String("groups", "config/symbol_groups.yml", "Path to realtime symbol group file")

	flag.Parse()

	cfg, err := config.LoadConfig(*configPath)
	if err != nil {
		log.WithError(err).Error("Failed to load configuration")
		os.Exit(1)
	}

	if err := log.Configure(cfg.Logging.Level, cfg.Logging.Format, cfg.Logging.Output, cfg.Logging.MaxAge); err != nil {
		log.WithError(err).Error("Failed to configure logger")
		os.Exit(1)
	}

	if cfg.Logging.Region != "" || cfg.Logging.Namespace != "" {
		logger.InitCloudWatch(cfg.Logging.Region, cfg.Logging.Namespace, cfg.Logging.DashboardName)
	}

	metrics.Configure(cfg.Metrics)

	log.WithFields(logger.Fields{
		"service":     cfg.Tradeflow.Name,
		"version":     cfg.Tradeflow.Version,
		"environment": config.AppEnvironment(),
	}).Info("starting tradeflow")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if strings.ToLower(cfg.Logging.Level) == "report" {
		logger.StartReport(ctx, log, 30*time.Second)
	}

	groups, err := config.LoadSymbolGroups(*groupsPath)
	if err != nil {
		log.WithError(err).Error("Failed to load symbol group configuration")
		os.Exit(1)
	}
	if groups != nil {
		cfg.Feed.Groups = groups.Groups
		log.WithFields(logger.Fields{"groups": len(groups.Groups)}).Info("symbol groups loaded")
	}

	channels := channel.NewChannels(
		cfg.Channels.EventBuffer,
		cfg.Channels.IntentBuffer,
		cfg.Archive.Buffer,
		cfg.Channels.PublishWait.Std(),
	)

	go channels.StartMetricsReporting(ctx)
	metrics.StartChannelSizeMetrics(ctx, channels, cfg.Metrics.Interval.Std())

	gateway, err := store.Open(cfg.Store)
	if err != nil {
		log.WithError(err).Error("Failed to open order journal")
		os.Exit(1)
	}
	if n, err := gateway.EventCount(ctx); err == nil {
		log.WithComponent("main").WithFields(logger.Fields{"events": n}).Info("journal opened")
	}

	broker := kiwoom.NewClient(cfg.Broker)

	// The first token is issued synchronously. Without a session nothing
	// downstream can authenticate, so a failure here aborts startup.
	sessionCtx, stopSessions := context.WithCancel(ctx)
	sessions := session.NewManager(cfg.Session, broker, gateway)
	if err := sessions.Start(sessionCtx); err != nil {
		log.WithError(err).Error("Session manager failed to start")
		os.Exit(1)
	}

	feed := reader.NewFeed(cfg, channels, sessions, gateway)
	engine := processor.NewEngine(cfg, channels, gateway)
	exec := executor.NewCoordinator(cfg, channels, broker, sessions, gateway)

	archiver, err := writer.NewArchiver(cfg, channels.Archive)
	if err != nil {
		log.WithError(err).Error("Failed to create archive writer")
		os.Exit(1)
	}

	seedAccountState(ctx, log, broker, sessions, engine, gateway)

	dash, err := dashboard.NewServer(cfg.Dashboard, log)
	if err != nil {
		log.WithError(err).Error("Failed to create dashboard server")
		os.Exit(1)
	}

	var dashWg sync.WaitGroup
	if dash != nil {
		dash.SetStatusFunc(func() dashboard.Status {
			return dashboard.Status{
				SessionValid:   sessions.State() == session.StateValid,
				SessionExpiry:  sessions.Expiry(),
				FeedState:      string(feed.State()),
				Epoch:          feed.Epoch().Seq,
				LastEventTime:  feed.LastEventTime(),
				PendingIntents: engine.PendingIntents(),
				InFlightOrders: int64(exec.InFlight()),
			}
		})

		dashWg.Add(1)
		go func() {
			defer dashWg.Done()
			if err := dash.Run(ctx, cfg.Tradeflow.Name); err != nil {
				log.WithError(err).Error("Dashboard server exited")
			}
		}()
	}

	// Consumers start before producers so the first published event already
	// has a running pipeline behind it. The feed comes up last.
	archiveCtx, stopArchive := context.WithCancel(ctx)
	if archiver != nil {
		if err := archiver.Start(archiveCtx); err != nil {
			log.WithError(err).Error("Archive writer failed to start")
			os.Exit(1)
		}
	}

	if err := exec.Start(ctx); err != nil {
		log.WithError(err).Error("Order executor failed to start")
		os.Exit(1)
	}

	if err := engine.Start(ctx); err != nil {
		log.WithError(err).Error("Decision engine failed to start")
		os.Exit(1)
	}

	feedCtx, stopFeed := context.WithCancel(ctx)
	if err := feed.Start(feedCtx); err != nil {
		log.WithError(err).Error("Market feed failed to start")
		os.Exit(1)
	}

	log.Info("all components started successfully")

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	exitCode := 0
	select {
	case sig := <-sigChan:
		log.WithFields(logger.Fields{"signal": sig.String()}).Info("shutdown signal received")
	case err := <-feed.Fatal():
		log.WithError(err).Error("feed reported a fatal error, shutting down")
		exitCode = 1
	}

	log.Info("starting graceful shutdown")

	// Shutdown runs upstream to downstream. Each stage drains before the
	// next channel closes, so journaled intents still reach the broker.
	done := make(chan struct{})
	go func() {
		defer close(done)

		log.Info("stopping market feed")
		stopFeed()
		feed.Stop()

		log.Info("draining decision engine")
		channels.CloseEvents()
		engine.Stop()

		log.Info("draining order executor")
		channels.CloseIntents()
		exec.Stop()

		if archiver != nil {
			log.Info("flushing archive writer")
			stopArchive()
			archiver.Stop()
		}

		log.Info("stopping session manager")
		stopSessions()
		sessions.Stop()
	}()

	select {
	case <-done:
		log.Info("graceful shutdown completed")
	case <-time.After(30 * time.Second):
		log.Warn("graceful shutdown timeout exceeded")
	}

	cancel()
	dashWg.Wait()

	if err := gateway.Close(); err != nil {
		log.WithError(err).Warn("order journal close failed")
	}

	log.Info("tradeflow stopped")
	if exitCode != 0 {
		os.Exit(exitCode)
	}
}

// seedAccountState loads broker holdings into the decision engine so exit
// rules see positions opened before this process, and journals the opening
// cash balance. Failures degrade to a flat start rather than aborting.
func seedAccountState(ctx context.Context, log *logger.Log, broker *kiwoom.Client, sessions *session.Manager, engine *processor.Engine, gateway *store.Gateway) {
	token, err := sessions.Token()
	if err != nil {
		log.WithError(err).Warn("no session token for account reconciliation")
		return
	}

	holdings, err := broker.Holdings(ctx, token)
	if err != nil {
		log.WithError(err).Warn("failed to load holdings, exit rules start flat")
	} else if len(holdings) > 0 {
		engine.SeedPositions(holdings)
		log.WithFields(logger.Fields{"positions": len(holdings)}).Info("seeded broker holdings")
	}

	balance, err := broker.Balance(ctx, token)
	if err != nil {
		log.WithError(err).Warn("failed to load account balance")
		if last, lerr := gateway.LatestBalance(ctx); lerr == nil && !last.Timestamp.IsZero() {
			log.WithFields(logger.Fields{
				"cash":        last.Cash,
				"recorded_at": last.Timestamp,
			}).Info("last journaled balance")
		}
		return
	}
	if err := gateway.RecordBalance(ctx, balance); err != nil {
		log.WithError(err).Warn("failed to journal account balance")
	}
}
