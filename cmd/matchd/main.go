// Copyright (c) 2025 - for information on the respective copyright owner
// see the NOTICE file and/or the repository https://github.com/duelforge/matchcore.
//
// SPDX-License-Identifier: Apache-2.0
package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/duelforge/matchcore/pkg/battle"
	"github.com/duelforge/matchcore/pkg/coordinator"
	"github.com/duelforge/matchcore/pkg/loading"
	l "github.com/duelforge/matchcore/pkg/logger"
	"github.com/duelforge/matchcore/pkg/matchmaking"
	"github.com/duelforge/matchcore/pkg/metrics"
	"github.com/duelforge/matchcore/pkg/profile"
	"github.com/duelforge/matchcore/pkg/registry"
	"github.com/duelforge/matchcore/pkg/router"
	"github.com/duelforge/matchcore/pkg/store"
	. "github.com/duelforge/matchcore/pkg/types"
	"github.com/duelforge/matchcore/pkg/utils"

	"github.com/prometheus/client_golang/prometheus"
	mb "github.com/vardius/message-bus"
)

const (
	// DefaultAdminPort is the port the health and metrics endpoints listen on.
	DefaultAdminPort = "8080"
	// DefaultBusSize is the size of the in-memory message bus used for communication between sessions and the coordinator.
	DefaultBusSize = 10000
	// DefaultStoreTimeoutMs bounds every shared store operation.
	DefaultStoreTimeoutMs int64 = 10000
	// DefaultPublishTimeoutMs bounds a single cross-pod publish.
	DefaultPublishTimeoutMs int64 = 5000
	// DefaultCircuitThreshold is the number of consecutive store failures that open the circuit breaker.
	DefaultCircuitThreshold uint64 = 5
	// DefaultCircuitCooldownMs is how long the circuit breaker stays open.
	DefaultCircuitCooldownMs int64 = 60000
	// DefaultBattleTimeoutMs is the wall-clock budget of one battle simulation.
	DefaultBattleTimeoutMs int64 = 5000
	// DefaultRateLimitRps is the per-player request budget enforced by the coordinator.
	DefaultRateLimitRps float64 = 10
	// DefaultSubscriberGraceMs is the drain budget granted to workers on shutdown.
	DefaultSubscriberGraceMs int64 = 5000
	// DefaultPodDownThreshold is the number of consecutive subscriber-less publishes after which a pod counts as down.
	DefaultPodDownThreshold int64 = 3
	// DefaultBackoffInitialMs is the first retry delay for store pops and subscriptions.
	DefaultBackoffInitialMs int64 = 100
	// DefaultBackoffMaxMs caps the retry delay.
	DefaultBackoffMaxMs int64 = 10000
	// DefaultTickIntervalMs is the match-forming tick of a mode.
	DefaultTickIntervalMs int64 = 5000
	// DefaultRequiredPlayers is the match size. The engine forms pairs.
	DefaultRequiredPlayers = 2
	// DefaultBatchMultiplier scales the per-tick pop batch relative to the match size.
	DefaultBatchMultiplier = 2
	// DefaultLoadingTimeoutMs bounds a loading session before it is swept.
	DefaultLoadingTimeoutMs int64 = 30000
	// DefaultMmrBaseWindow is the initial score distance accepted by ranked pairing.
	DefaultMmrBaseWindow int64 = 100
	// DefaultMmrWindowCap caps the widened ranked pairing window.
	DefaultMmrWindowCap int64 = 1000

	defaultConfigLocation   = "/etc/matchcore/config.json"
	defaultProfileTimeout   = 5 * time.Second
	coordinatorReadyTimeout = 10 * time.Second
	sweepInterval           = 5 * time.Second
)

func main() {
	configLocation := flag.String("config", defaultConfigLocation, "location of the configuration file")
	flag.Parse()
	logger, err := l.NewDevelopmentLogger()
	if err != nil {
		panic(err)
	}
	config, err := ParseConfig(*configLocation)
	if err != nil {
		logger.Fatalf("Failed to parse the config %s: %s", *configLocation, err)
	}
	if redisURL := os.Getenv(RedisURLEnv); redisURL != "" {
		config.RedisURL = redisURL
	}
	SetDefaults(config)
	typedConfig, err := InitTypedConfig(config, os.Getenv(PodIDEnv))
	if err != nil {
		logger.Fatalf("Failed to initialize the config: %s", err)
	}
	logger.Infof("Starting matchd on pod %s with %d game modes, store %s, admin port %s",
		typedConfig.PodID, len(typedConfig.Modes), typedConfig.RedisURL, typedConfig.AdminPort)

	rootCtx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	m := metrics.NewMetrics(prometheus.NewRegistry())
	storeClient, err := store.NewClient(typedConfig.RedisURL, typedConfig.StoreTimeout, logger)
	if err != nil {
		logger.Fatalf("Failed to create the store client: %s", err)
	}
	pingCtx, cancelPing := context.WithTimeout(rootCtx, typedConfig.StoreTimeout)
	err = storeClient.Ping(pingCtx)
	cancelPing()
	if err != nil {
		logger.Fatalf("Store %s is unreachable: %s", typedConfig.RedisURL, err)
	}

	breaker := store.NewCircuitBreaker(typedConfig.CircuitThreshold, typedConfig.CircuitCooldown, logger, func() {
		m.CircuitBreakerOpenTotal.Inc()
	})
	players := registry.NewRegistry(logger)
	monitor := router.NewPodMonitor(int(typedConfig.PodDownThreshold), m, logger)
	deliverer := router.NewRouter(typedConfig.PodID, players, storeClient, monitor, typedConfig.PublishTimeout, m, logger)
	invoker := battle.NewInvoker(nil, typedConfig.BattleSimulateTimeout, logger)

	loadingTimeouts := map[string]time.Duration{}
	loadingEnabled := false
	for _, mode := range typedConfig.Modes {
		if mode.LoadingSessionEnabled {
			loadingEnabled = true
			loadingTimeouts[mode.ModeID] = mode.LoadingTimeout
		}
	}
	manager := loading.NewManager(loading.Options{
		PodID:     typedConfig.PodID,
		Store:     storeClient,
		Breaker:   breaker,
		Deliverer: deliverer,
		Invoker:   invoker,
		Timeouts:  loadingTimeouts,
		Metrics:   m,
		Logger:    logger,
	})

	matchmakers := make([]*matchmaking.Matchmaker, 0, len(typedConfig.Modes))
	queues := make([]coordinator.ModeQueue, 0, len(typedConfig.Modes))
	for _, mode := range typedConfig.Modes {
		mm := matchmaking.NewMatchmaker(matchmaking.Options{
			Mode:           mode,
			PodID:          typedConfig.PodID,
			Store:          storeClient,
			Breaker:        breaker,
			Deliverer:      deliverer,
			Invoker:        invoker,
			Loading:        manager,
			BackoffInitial: typedConfig.BackoffInitial,
			BackoffMax:     typedConfig.BackoffMax,
			Metrics:        m,
			Logger:         logger,
		})
		matchmakers = append(matchmakers, mm)
		queues = append(queues, mm)
	}

	bus := mb.New(typedConfig.BusSize)
	limiter := coordinator.NewRateLimiter(typedConfig.RateLimitRps, int(typedConfig.RateLimitRps))
	coord := coordinator.NewCoordinator(bus, typedConfig.PodID, queues, deliverer, typedConfig.ProfileClient, manager, limiter, m, logger)

	subscriber := router.NewSubscriber(router.SubscriberOptions{
		PodID:          typedConfig.PodID,
		GracePeriod:    typedConfig.SubscriberGrace,
		BackoffInitial: typedConfig.BackoffInitial,
		BackoffMax:     typedConfig.BackoffMax,
	}, storeClient, players, breaker, m, logger)

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		subscriber.Run(rootCtx)
	}()
	for _, mm := range matchmakers {
		wg.Add(1)
		go func(mm *matchmaking.Matchmaker) {
			defer wg.Done()
			mm.Run(rootCtx)
		}(mm)
	}
	if loadingEnabled {
		wg.Add(1)
		go func() {
			defer wg.Done()
			manager.RunSweeper(rootCtx, sweepInterval)
		}()
	}

	if err = coord.Start(); err != nil {
		logger.Fatalf("Failed to start the match coordinator: %s", err)
	}
	if err = coord.WaitUntilReady(coordinatorReadyTimeout); err != nil {
		logger.Fatalf("Match coordinator did not come online: %s", err)
	}

	server := &http.Server{
		Addr:    ":" + typedConfig.AdminPort,
		Handler: GetAdminHandler(storeClient, m.Handler(), typedConfig.MetricsAuthToken, typedConfig.StoreTimeout),
	}
	go func() {
		logger.Infof("Admin endpoints listening on port %s", typedConfig.AdminPort)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Errorf("Admin server failed: %s", err)
			stop()
		}
	}()

	<-rootCtx.Done()
	logger.Info("Shutting down")
	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), typedConfig.SubscriberGrace)
	defer cancelShutdown()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Warnf("Admin server shutdown: %s", err)
	}
	drained := make(chan struct{})
	go func() {
		wg.Wait()
		close(drained)
	}()
	select {
	case <-drained:
	case <-time.After(typedConfig.SubscriberGrace):
		logger.Warnf("Grace period of %s expired before all workers drained", typedConfig.SubscriberGrace)
	}
	if err := storeClient.Close(); err != nil {
		logger.Warnf("Closing the store client: %s", err)
	}
	_ = logger.Sync()
}

// StorePinger reports whether the shared store currently answers.
type StorePinger interface {
	Ping(ctx context.Context) error
}

// GetAdminHandler returns the handler serving the admin endpoints: liveness
// on /health, store readiness on /ready and the Prometheus exposition on
// /metrics. A non-empty token locks /metrics behind bearer authentication.
func GetAdminHandler(pinger StorePinger, metricsHandler http.Handler, token string, pingTimeout time.Duration) http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/health", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		fmt.Fprintln(w, "ok")
	})
	mux.HandleFunc("/ready", func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), pingTimeout)
		defer cancel()
		if err := pinger.Ping(ctx); err != nil {
			http.Error(w, fmt.Sprintf("store unreachable: %s", err), http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
		fmt.Fprintln(w, "ok")
	})
	mux.Handle("/metrics", BearerFilter(token, metricsHandler))
	return mux
}

// BearerFilter rejects requests that do not carry the expected bearer token.
// An empty token disables the check.
func BearerFilter(token string, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if token != "" && r.Header.Get("Authorization") != "Bearer "+token {
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// ParseConfig parses the configuration file of the matchmaking daemon.
func ParseConfig(path string) (*MatchConfig, error) {
	bytes, err := utils.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var conf MatchConfig
	err = json.Unmarshal(bytes, &conf)
	if err != nil {
		return nil, err
	}
	if len(conf.Modes) == 0 {
		return nil, errors.New("missing config error, at least one game mode must be defined")
	}
	seen := map[string]bool{}
	for _, mode := range conf.Modes {
		if mode.ModeID == "" {
			return nil, errors.New("missing config error, ModeID must be defined for every mode")
		}
		if seen[mode.ModeID] {
			return nil, fmt.Errorf("invalid config error, mode %q is defined twice", mode.ModeID)
		}
		seen[mode.ModeID] = true
		if mode.RequiredPlayers != 0 && mode.RequiredPlayers != 2 {
			return nil, errors.New("invalid config error, RequiredPlayers must be 2")
		}
	}
	return &conf, nil
}

// SetDefaults sets the default values for config properties if they are not set.
func SetDefaults(conf *MatchConfig) {
	if conf.AdminPort == "" {
		conf.AdminPort = DefaultAdminPort
	}
	if conf.BusSize == 0 {
		conf.BusSize = DefaultBusSize
	}
	if conf.StoreTimeoutMs == 0 {
		conf.StoreTimeoutMs = DefaultStoreTimeoutMs
	}
	if conf.PublishTimeoutMs == 0 {
		conf.PublishTimeoutMs = DefaultPublishTimeoutMs
	}
	if conf.CircuitThreshold == 0 {
		conf.CircuitThreshold = DefaultCircuitThreshold
	}
	if conf.CircuitCooldownMs == 0 {
		conf.CircuitCooldownMs = DefaultCircuitCooldownMs
	}
	if conf.BattleSimulateTimeoutMs == 0 {
		conf.BattleSimulateTimeoutMs = DefaultBattleTimeoutMs
	}
	if conf.RateLimitRps == 0 {
		conf.RateLimitRps = DefaultRateLimitRps
	}
	if conf.SubscriberGraceMs == 0 {
		conf.SubscriberGraceMs = DefaultSubscriberGraceMs
	}
	if conf.PodDownThreshold == 0 {
		conf.PodDownThreshold = DefaultPodDownThreshold
	}
	if conf.BackoffInitialMs == 0 {
		conf.BackoffInitialMs = DefaultBackoffInitialMs
	}
	if conf.BackoffMaxMs == 0 {
		conf.BackoffMaxMs = DefaultBackoffMaxMs
	}
	for i := range conf.Modes {
		mode := &conf.Modes[i]
		if mode.RequiredPlayers == 0 {
			mode.RequiredPlayers = DefaultRequiredPlayers
		}
		if mode.TickIntervalMs == 0 {
			mode.TickIntervalMs = DefaultTickIntervalMs
		}
		if mode.BatchMultiplier == 0 {
			mode.BatchMultiplier = DefaultBatchMultiplier
		}
		if mode.LoadingTimeoutMs == 0 {
			mode.LoadingTimeoutMs = DefaultLoadingTimeoutMs
		}
		if mode.UsesMmrMatching {
			if mode.MmrBaseWindow == 0 {
				mode.MmrBaseWindow = DefaultMmrBaseWindow
			}
			if mode.MmrWindowCap == 0 {
				mode.MmrWindowCap = DefaultMmrWindowCap
			}
		}
	}
}

// InitTypedConfig converts the parameters that were parsed by the standard
// json parser to the parameters which are used internally, e.g. millisecond
// counts -> time.Duration, and constructs the profile client. The pod
// identity comes from the environment, it is not part of the file.
func InitTypedConfig(conf *MatchConfig, podID string) (*MatchTypedConfig, error) {
	if podID == "" {
		return nil, fmt.Errorf("missing config error, %s must be set", PodIDEnv)
	}
	if conf.RedisURL == "" {
		return nil, errors.New("missing config error, RedisURL must be defined")
	}
	var fetcher profile.Fetcher = profile.StaticFetcher{MMR: profile.DefaultMMR}
	if conf.ProfileServiceURL != "" {
		u, err := url.Parse(conf.ProfileServiceURL)
		if err != nil {
			return nil, fmt.Errorf("invalid profile service url: %s", err)
		}
		client, err := profile.NewClient(*u, defaultProfileTimeout)
		if err != nil {
			return nil, err
		}
		fetcher = client
	}
	modes := make([]GameModeTypedConfig, 0, len(conf.Modes))
	for _, mode := range conf.Modes {
		modes = append(modes, GameModeTypedConfig{
			ModeID:                mode.ModeID,
			RequiredPlayers:       mode.RequiredPlayers,
			UsesMmrMatching:       mode.UsesMmrMatching,
			TickInterval:          time.Duration(mode.TickIntervalMs) * time.Millisecond,
			BatchMultiplier:       mode.BatchMultiplier,
			MmrBaseWindow:         mode.MmrBaseWindow,
			MmrWindowCap:          mode.MmrWindowCap,
			LoadingSessionEnabled: mode.LoadingSessionEnabled,
			LoadingTimeout:        time.Duration(mode.LoadingTimeoutMs) * time.Millisecond,
		})
	}
	return &MatchTypedConfig{
		RedisURL:              conf.RedisURL,
		PodID:                 podID,
		AdminPort:             conf.AdminPort,
		BusSize:               conf.BusSize,
		StoreTimeout:          time.Duration(conf.StoreTimeoutMs) * time.Millisecond,
		PublishTimeout:        time.Duration(conf.PublishTimeoutMs) * time.Millisecond,
		CircuitThreshold:      conf.CircuitThreshold,
		CircuitCooldown:       time.Duration(conf.CircuitCooldownMs) * time.Millisecond,
		BattleSimulateTimeout: time.Duration(conf.BattleSimulateTimeoutMs) * time.Millisecond,
		RateLimitRps:          conf.RateLimitRps,
		SubscriberGrace:       time.Duration(conf.SubscriberGraceMs) * time.Millisecond,
		PodDownThreshold:      conf.PodDownThreshold,
		BackoffInitial:        time.Duration(conf.BackoffInitialMs) * time.Millisecond,
		BackoffMax:            time.Duration(conf.BackoffMaxMs) * time.Millisecond,
		ProfileClient:         fetcher,
		MetricsAuthToken:      conf.MetricsAuthToken,
		Modes:                 modes,
	}, nil
}
