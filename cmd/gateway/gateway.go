package main

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"

	"github.com/ajitpratap0/tradegate/internal/alerts"
	"github.com/ajitpratap0/tradegate/internal/api"
	"github.com/ajitpratap0/tradegate/internal/audit"
	"github.com/ajitpratap0/tradegate/internal/broker"
	"github.com/ajitpratap0/tradegate/internal/bus"
	"github.com/ajitpratap0/tradegate/internal/config"
	"github.com/ajitpratap0/tradegate/internal/db"
	"github.com/ajitpratap0/tradegate/internal/emergency"
	"github.com/ajitpratap0/tradegate/internal/executor"
	"github.com/ajitpratap0/tradegate/internal/gate"
	"github.com/ajitpratap0/tradegate/internal/metrics"
	"github.com/ajitpratap0/tradegate/internal/notifications"
	"github.com/ajitpratap0/tradegate/internal/pipeline"
	"github.com/ajitpratap0/tradegate/internal/provenance"
	"github.com/ajitpratap0/tradegate/internal/risk"
	"github.com/ajitpratap0/tradegate/internal/state"
)

// gateway owns every long-lived component and their teardown order
type gateway struct {
	cfg *config.Config

	database    *db.DB
	redisClient *redis.Client
	natsBus     *bus.Bus
	subs        []*nats.Subscription

	store    *state.Store
	pool     *broker.Pool
	ctrl     *emergency.Controller
	monitor  *emergency.Monitor
	feed     *risk.ReturnFeed
	pipe     *pipeline.Pipeline
	gate     *gate.Gate
	catalog  *config.Catalog
	factory  broker.Factory
	notifier *notifications.NotificationHelper

	apiServer     *api.Server
	metricsServer *metrics.Server
	updater       *metrics.Updater

	marketBroker broker.Broker
	wg           sync.WaitGroup
}

// newGateway wires the whole pipeline together. Nothing starts serving
// until run.
func newGateway(ctx context.Context, cfg *config.Config) (*gateway, error) {
	gw := &gateway{cfg: cfg}

	manager := alerts.NewManager(alerts.NewLogAlerter())
	if cfg.Alerts.Telegram.Enabled {
		telegram, err := alerts.NewTelegramAlerter(cfg.Alerts.Telegram.BotToken, []int64{cfg.Alerts.Telegram.ChatID})
		if err != nil {
			return nil, fmt.Errorf("failed to create Telegram alerter: %w", err)
		}
		manager = alerts.NewManager(alerts.NewLogAlerter(), telegram)
	}
	alerts.SetDefaultManager(manager)

	database, err := db.New(ctx, cfg.Database.GetDSN())
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}
	gw.database = database

	gw.redisClient = redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.GetRedisAddr(),
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	if err := gw.redisClient.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}

	gw.natsBus, err = bus.Connect(bus.Config{URL: cfg.NATS.URL, Name: cfg.App.Name})
	if err != nil {
		return nil, err
	}

	if cfg.Instruments.Path != "" {
		gw.catalog, err = config.LoadInstruments(cfg.Instruments.Path)
		if err != nil {
			return nil, fmt.Errorf("failed to load instrument catalog: %w", err)
		}
	} else {
		gw.catalog = config.NewCatalog(config.DefaultInstruments())
	}

	profileRepo := db.NewProfileRepo(database.Pool())
	positionRepo := db.NewPositionRepo(database.Pool())
	emergencyRepo := db.NewEmergencyRepo(database.Pool())

	gw.store = state.NewStore(db.NewPersister(profileRepo, positionRepo))
	if err := gw.loadProfiles(ctx, profileRepo, positionRepo); err != nil {
		return nil, err
	}

	auditStore := audit.NewStore(database.Pool())
	eventLog := bus.NewEventLog(auditStore, gw.natsBus)

	gw.factory = brokerFactory(cfg, gw.store)
	observer := pipeline.NewBrokerObserver(eventLog)
	gw.pool = broker.NewPool(
		gw.factory,
		broker.DefaultSessionConfig(&cfg.Broker),
		gw.store,
		gw.maxOpenFor,
		observer,
		config.NewLogger("broker_pool"),
	)

	gw.ctrl = emergency.New(eventLog, gw.pool, gw.store, cfg.Emergency.Owners, cfg.Emergency)
	gw.ctrl.SetPersister(emergencyRepo)
	if st, err := emergencyRepo.LoadStatus(ctx); err != nil {
		log.Warn().Err(err).Msg("Could not load persisted emergency state")
	} else {
		gw.ctrl.Resume(st)
	}
	gw.monitor = emergency.NewMonitor(gw.ctrl, gw.catalog, cfg.Emergency)

	window := risk.NewReturnWindow(0)
	tracker := risk.NewVectorTracker(database.Pool())
	sizer := risk.NewSizer(gw.catalog, window, tracker)
	gw.feed = risk.NewReturnFeed(window, tracker)

	exec := executor.New(gw.pool, eventLog, gw.store, risk.NewCircuitBreakerManager(), gw.catalog, cfg.Executor)

	gateStore := gate.NewStore(gw.redisClient)
	gw.pipe = pipeline.New(cfg.Pipeline, sizer, exec, eventLog, gw.store, gw.ctrl, gateStore)
	gw.gate = gate.New(cfg.Gate, cfg.Risk, gateStore, eventLog, gw.store, gw.ctrl, gw.pool, gw.catalog, gw.pipe)

	if cfg.Notifications.Enabled {
		backend, err := notifications.NewFCMBackend(ctx, cfg.Notifications.FCMCredentialsPath)
		if err != nil {
			return nil, fmt.Errorf("failed to create FCM backend: %w", err)
		}
		gw.notifier = notifications.NewHelper(notifications.NewService(database.Pool(), backend))
	}

	gw.apiServer = api.NewServer(api.Config{
		Host:      cfg.API.Host,
		Port:      cfg.API.Port,
		Auth:      apiAuth(cfg.API.Auth),
		Gate:      gw.gate,
		Audit:     eventLog,
		Exporter:  audit.NewExporter(eventLog, positionRepo),
		Emergency: gw.ctrl,
		Positions: gw.store,
		Health:    database,
	})

	if cfg.Monitoring.EnableMetrics {
		gw.metricsServer = metrics.NewServer(cfg.Monitoring.PrometheusPort, config.NewLogger("metrics"))
		gw.updater = metrics.NewUpdater(database.Pool(), 15*time.Second)
	}

	return gw, nil
}

// loadProfiles seeds the in-memory state from the durable store
func (gw *gateway) loadProfiles(ctx context.Context, profiles *db.ProfileRepo, positions *db.PositionRepo) error {
	list, err := profiles.List(ctx)
	if err != nil {
		return fmt.Errorf("failed to load profiles: %w", err)
	}

	for _, p := range list {
		gw.store.UpsertProfile(ctx, *p)

		open, err := positions.ListOpen(ctx, p.ID)
		if err != nil {
			return fmt.Errorf("failed to load open positions for %s: %w", p.ID, err)
		}
		if err := gw.store.ReplaceOpen(ctx, p.ID, open); err != nil {
			return fmt.Errorf("failed to seed open positions for %s: %w", p.ID, err)
		}
	}

	log.Info().Int("profiles", len(list)).Msg("Profiles loaded")
	return nil
}

// maxOpenFor resolves the per-profile open-position cap for the pool
func (gw *gateway) maxOpenFor(profileID string) int {
	if p, ok := gw.store.Profile(profileID); ok && p.Risk.MaxPositions > 0 {
		return p.Risk.MaxPositions
	}
	return gw.cfg.Risk.MaxPositions
}

// brokerFactory builds per-profile broker connections for the configured
// mode. Paper accounts start at the profile's current equity.
func brokerFactory(cfg *config.Config, store *state.Store) broker.Factory {
	return func(profileID string) (broker.Broker, error) {
		switch cfg.Broker.Mode {
		case "binance":
			return broker.NewBinance(profileID, broker.BinanceConfig{
				APIKey:    cfg.Broker.APIKey,
				SecretKey: cfg.Broker.SecretKey,
				Testnet:   cfg.Broker.Testnet,
			}), nil
		case "paper", "":
			balance := 10000.0
			if p, ok := store.Profile(profileID); ok && p.Equity > 0 {
				balance = p.Equity
			}
			return broker.NewPaper(profileID, balance, cfg.Broker.PaperSlippagePct), nil
		default:
			return nil, fmt.Errorf("unknown broker mode %q", cfg.Broker.Mode)
		}
	}
}

// apiAuth converts the config's hashed key list into the server's lookup map
func apiAuth(cfg config.APIAuthConfig) api.AuthConfig {
	auth := api.AuthConfig{
		Enabled:    cfg.Enabled,
		HeaderName: cfg.HeaderName,
		Keys:       make(map[string]string, len(cfg.Keys)),
	}
	for _, entry := range cfg.Keys {
		auth.Keys[entry.SHA256] = entry.Actor
	}
	return auth
}

// run starts every component and blocks until one of them fails or the
// context ends
func (gw *gateway) run(ctx context.Context) error {
	gw.pool.Start(ctx)
	for _, profileID := range gw.store.ProfileIDs() {
		if err := gw.pool.AddProfile(profileID); err != nil {
			log.Error().Err(err).Str("profile_id", profileID).Msg("Failed to start broker session")
		}
	}

	gw.pipe.Start(ctx)

	if err := gw.startEventTap(); err != nil {
		return err
	}

	sub, err := gw.natsBus.ServeSubmissions(gw.gate, bus.DefaultSubmitTimeout)
	if err != nil {
		return err
	}
	gw.subs = append(gw.subs, sub)

	gw.startMarketData(ctx)

	if gw.updater != nil {
		gw.wg.Add(1)
		go func() {
			defer gw.wg.Done()
			gw.updater.Start(ctx)
		}()
	}

	errChan := make(chan error, 2)
	if gw.metricsServer != nil {
		go func() {
			if err := gw.metricsServer.Start(); err != nil {
				errChan <- fmt.Errorf("metrics server: %w", err)
			}
		}()
	}
	go func() {
		if err := gw.apiServer.Start(); err != nil {
			errChan <- fmt.Errorf("api server: %w", err)
		}
	}()

	log.Info().
		Str("api_addr", gw.cfg.API.GetAPIAddr()).
		Int("profiles", len(gw.store.ProfileIDs())).
		Msg("Gateway running")

	select {
	case <-ctx.Done():
		return nil
	case err := <-errChan:
		return err
	}
}

// startEventTap follows the decision stream: every event feeds the
// websocket hub, and emergency transitions and fills additionally fan out
// to the alert channels and operator devices.
func (gw *gateway) startEventTap() error {
	hub := gw.apiServer.Hub()

	sub, err := gw.natsBus.SubscribeEvents(
		func(ev bus.DecisionEvent) {
			hub.Broadcast("decision", ev.ProfileID, ev)
			switch ev.NodeType {
			case string(provenance.NodeEmergencyActivated):
				gw.onEmergencyActivated(ev)
			case string(provenance.NodeEmergencyRestored):
				gw.onEmergencyRestored(ev)
			case string(provenance.NodePositionOpened):
				gw.onPositionOpened(ev)
			}
		},
		func(ev bus.SealedEvent) {
			hub.Broadcast("sealed", ev.ProfileID, ev)
		},
	)
	if err != nil {
		return err
	}

	gw.subs = append(gw.subs, sub)
	return nil
}

func (gw *gateway) onEmergencyActivated(ev bus.DecisionEvent) {
	if ev.Node == nil {
		return
	}

	str := func(m map[string]interface{}, key string) string {
		if m == nil {
			return ""
		}
		s, _ := m[key].(string)
		return s
	}
	toState := str(ev.Node.Input, "to")
	trigger := str(ev.Node.Input, "trigger")
	reason := str(ev.Node.Output, "reason")

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	alerts.AlertEmergencyTransition(ctx, toState, trigger, reason)

	if gw.notifier != nil {
		for _, owner := range gw.cfg.Emergency.Owners {
			if err := gw.notifier.SendEmergency(ctx, owner, toState, trigger, reason); err != nil {
				log.Warn().Err(err).Str("operator", owner).Msg("Failed to push emergency notification")
			}
		}
	}
}

func (gw *gateway) onEmergencyRestored(ev bus.DecisionEvent) {
	if ev.Node == nil {
		return
	}
	actor, _ := ev.Node.Input["actor"].(string)
	from, _ := ev.Node.Input["from"].(string)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	alerts.AlertEmergencyRestored(ctx, actor)

	if gw.notifier != nil {
		reason := fmt.Sprintf("trading restored from %s by %s", from, actor)
		for _, owner := range gw.cfg.Emergency.Owners {
			if err := gw.notifier.SendEmergency(ctx, owner, "normal", "restore", reason); err != nil {
				log.Warn().Err(err).Str("operator", owner).Msg("Failed to push restore notification")
			}
		}
	}
}

func (gw *gateway) onPositionOpened(ev bus.DecisionEvent) {
	if gw.notifier == nil || ev.Node == nil || ev.Node.Output == nil {
		return
	}

	out := ev.Node.Output
	str := func(key string) string { s, _ := out[key].(string); return s }
	num := func(key string) float64 { f, _ := out[key].(float64); return f }

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	for _, owner := range gw.cfg.Emergency.Owners {
		err := gw.notifier.SendFill(ctx, owner, str("ticket"), ev.ProfileID,
			str("symbol"), str("side"), num("volume"), num("fill_price"), false)
		if err != nil {
			log.Warn().Err(err).Str("operator", owner).Msg("Failed to push fill notification")
		}
	}
}

// startMarketData connects a dedicated tick stream and fans it out to the
// emergency monitor and the return window. The gateway keeps running
// without it; only the automatic triggers and CVaR inputs go stale.
func (gw *gateway) startMarketData(ctx context.Context) {
	md, err := gw.factory("market-data")
	if err != nil {
		log.Warn().Err(err).Msg("No market-data broker, automatic emergency triggers disabled")
		return
	}
	if err := md.Connect(ctx); err != nil {
		log.Warn().Err(err).Msg("Market-data connect failed, automatic emergency triggers disabled")
		return
	}
	ticks, err := md.SubscribeTicks(ctx, gw.catalog.Symbols())
	if err != nil {
		log.Warn().Err(err).Msg("Tick subscription failed, automatic emergency triggers disabled")
		return
	}
	gw.marketBroker = md

	monitorTicks := make(chan broker.Tick, 256)
	feedTicks := make(chan broker.Tick, 256)

	gw.wg.Add(3)
	go func() {
		defer gw.wg.Done()
		defer close(monitorTicks)
		defer close(feedTicks)
		for {
			select {
			case <-ctx.Done():
				return
			case t, ok := <-ticks:
				if !ok {
					return
				}
				// Drop on saturation, a stale consumer must not stall the feed
				select {
				case monitorTicks <- t:
				default:
				}
				select {
				case feedTicks <- t:
				default:
				}
			}
		}
	}()
	go func() {
		defer gw.wg.Done()
		gw.monitor.Run(ctx, monitorTicks)
	}()
	go func() {
		defer gw.wg.Done()
		gw.feed.Run(ctx, feedTicks)
	}()

	log.Info().Int("symbols", len(gw.catalog.Symbols())).Msg("Market data stream connected")
}

// shutdown stops components in dependency order: ingress first, then the
// pipeline drains, then sessions and stores close.
func (gw *gateway) shutdown(ctx context.Context) error {
	var firstErr error

	for _, sub := range gw.subs {
		if err := sub.Drain(); err != nil {
			log.Warn().Err(err).Msg("Failed to drain NATS subscription")
		}
	}

	if err := gw.apiServer.Stop(ctx); err != nil {
		log.Error().Err(err).Msg("API server shutdown failed")
		if firstErr == nil {
			firstErr = err
		}
	}

	if err := gw.pipe.Wait(); err != nil {
		log.Error().Err(err).Msg("Pipeline drain failed")
		if firstErr == nil {
			firstErr = err
		}
	}

	if gw.marketBroker != nil {
		if err := gw.marketBroker.Disconnect(ctx); err != nil {
			log.Warn().Err(err).Msg("Market-data disconnect failed")
		}
	}

	gw.pool.Stop()

	if gw.updater != nil {
		gw.updater.Stop()
	}
	if gw.metricsServer != nil {
		if err := gw.metricsServer.Shutdown(ctx); err != nil {
			log.Warn().Err(err).Msg("Metrics server shutdown failed")
		}
	}

	gw.wg.Wait()

	gw.natsBus.Close()
	if err := gw.redisClient.Close(); err != nil {
		log.Warn().Err(err).Msg("Redis close failed")
	}
	gw.database.Close()

	return firstErr
}
