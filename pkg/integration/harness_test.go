// Copyright (c) 2025 - for information on the respective copyright owner
// see the NOTICE file and/or the repository https://github.com/duelforge/matchcore.
//
// SPDX-License-Identifier: Apache-2.0
package integration

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/duelforge/matchcore/pkg/battle"
	"github.com/duelforge/matchcore/pkg/coordinator"
	"github.com/duelforge/matchcore/pkg/loading"
	"github.com/duelforge/matchcore/pkg/matchmaking"
	"github.com/duelforge/matchcore/pkg/metrics"
	"github.com/duelforge/matchcore/pkg/profile"
	"github.com/duelforge/matchcore/pkg/protocol"
	"github.com/duelforge/matchcore/pkg/registry"
	"github.com/duelforge/matchcore/pkg/router"
	"github.com/duelforge/matchcore/pkg/session"
	"github.com/duelforge/matchcore/pkg/store"
	"github.com/duelforge/matchcore/pkg/types"

	"github.com/google/uuid"
	. "github.com/onsi/gomega"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"
	mb "github.com/vardius/message-bus"
	"go.uber.org/zap"
)

const (
	breakerThreshold = 3
	breakerCooldown  = 250 * time.Millisecond
	storeTimeout     = 2 * time.Second
	publishTimeout   = time.Second
	battleTimeout    = time.Second
)

// testPod is one complete engine process. Pods built against the same store
// address share queues and pub/sub channels exactly like replicas of the
// daemon do.
type testPod struct {
	id          string
	ctx         context.Context
	cancel      context.CancelFunc
	rdb         *redis.Client
	store       *store.Client
	breaker     *store.CircuitBreaker
	registry    *registry.Registry
	monitor     *router.PodMonitor
	router      *router.Router
	loading     *loading.Manager
	matchmakers map[string]*matchmaking.Matchmaker
	coordinator *coordinator.Coordinator
	limiter     *coordinator.RateLimiter
	subscriber  *router.Subscriber
	metrics     *metrics.Metrics
	bus         mb.MessageBus
	logger      *zap.SugaredLogger
	wg          sync.WaitGroup
}

// newTestPod wires the full component graph of one pod against the store at
// addr. A nil sim keeps the deterministic default simulator. The subscriber
// and the loading sweeper are not started, specs that need them start them
// explicitly.
func newTestPod(id, addr string, modes []types.GameModeTypedConfig, sim battle.Simulator) *testPod {
	logger := zap.NewNop().Sugar()
	ctx, cancel := context.WithCancel(context.Background())
	m := metrics.NewMetrics(prometheus.NewRegistry())
	rdb := redis.NewClient(&redis.Options{Addr: addr})
	client := store.NewClientWithRedis(rdb, storeTimeout, logger)
	breaker := store.NewCircuitBreaker(breakerThreshold, breakerCooldown, logger, func() {
		m.CircuitBreakerOpenTotal.Inc()
	})
	reg := registry.NewRegistry(logger)
	monitor := router.NewPodMonitor(breakerThreshold, m, logger)
	deliverer := router.NewRouter(id, reg, client, monitor, publishTimeout, m, logger)
	invoker := battle.NewInvoker(sim, battleTimeout, logger)

	timeouts := map[string]time.Duration{}
	for _, mode := range modes {
		if mode.LoadingSessionEnabled {
			timeouts[mode.ModeID] = mode.LoadingTimeout
		}
	}
	manager := loading.NewManager(loading.Options{
		PodID:     id,
		Store:     client,
		Breaker:   breaker,
		Deliverer: deliverer,
		Invoker:   invoker,
		Timeouts:  timeouts,
		Metrics:   m,
		Logger:    logger,
	})

	matchmakers := map[string]*matchmaking.Matchmaker{}
	queues := make([]coordinator.ModeQueue, 0, len(modes))
	for _, mode := range modes {
		mm := matchmaking.NewMatchmaker(matchmaking.Options{
			Mode:           mode,
			PodID:          id,
			Store:          client,
			Breaker:        breaker,
			Deliverer:      deliverer,
			Invoker:        invoker,
			Loading:        manager,
			BackoffInitial: 5 * time.Millisecond,
			BackoffMax:     20 * time.Millisecond,
			Metrics:        m,
			Logger:         logger,
		})
		matchmakers[mode.ModeID] = mm
		queues = append(queues, mm)
	}

	bus := mb.New(128)
	limiter := coordinator.NewRateLimiter(1000, 1000)
	coord := coordinator.NewCoordinator(bus, id, queues, deliverer, profile.StaticFetcher{MMR: 1200, Level: 10}, manager, limiter, m, logger)
	Expect(coord.Start()).To(Succeed())
	Expect(coord.WaitUntilReady(5 * time.Second)).To(Succeed())

	subscriber := router.NewSubscriber(router.SubscriberOptions{
		PodID:          id,
		GracePeriod:    200 * time.Millisecond,
		BackoffInitial: 5 * time.Millisecond,
		BackoffMax:     20 * time.Millisecond,
	}, client, reg, breaker, m, logger)

	return &testPod{
		id:          id,
		ctx:         ctx,
		cancel:      cancel,
		rdb:         rdb,
		store:       client,
		breaker:     breaker,
		registry:    reg,
		monitor:     monitor,
		router:      deliverer,
		loading:     manager,
		matchmakers: matchmakers,
		coordinator: coord,
		limiter:     limiter,
		subscriber:  subscriber,
		metrics:     m,
		bus:         bus,
		logger:      logger,
	}
}

// startSubscriber begins consuming this pod's game message channel.
func (p *testPod) startSubscriber() {
	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		p.subscriber.Run(p.ctx)
	}()
}

// startSweeper requeues timed out loading sessions in the background.
func (p *testPod) startSweeper(interval time.Duration) {
	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		p.loading.RunSweeper(p.ctx, interval)
	}()
}

// tryMatch runs one synchronous match tick for the mode.
func (p *testPod) tryMatch(mode string) {
	p.matchmakers[mode].TryMatch(p.ctx)
}

// connect opens a player session on this pod, recording everything the
// client would receive.
func (p *testPod) connect(playerID uuid.UUID) *testPlayer {
	sink := &recorderSink{}
	s, err := session.NewSession(session.Options{
		PlayerID: playerID,
		Bus:      p.bus,
		Sink:     sink,
		Registry: p.registry,
		Loading:  p.loading,
		Limiter:  p.limiter,
		Metrics:  p.metrics,
		Logger:   p.logger,
	})
	Expect(err).NotTo(HaveOccurred())
	s.Start()
	return &testPlayer{id: playerID, sink: sink, session: s}
}

func (p *testPod) queueSize(ctx context.Context, mode string) int64 {
	size, err := p.store.QueueSize(ctx, mode)
	ExpectWithOffset(1, err).NotTo(HaveOccurred())
	return size
}

func (p *testPod) metadataExists(ctx context.Context, playerID uuid.UUID) bool {
	exists, err := p.store.MetadataExists(ctx, playerID.String())
	ExpectWithOffset(1, err).NotTo(HaveOccurred())
	return exists
}

// stop cancels the pod's background work and closes its store connection.
func (p *testPod) stop() {
	p.cancel()
	p.wg.Wait()
	_ = p.store.Close()
}

// testPlayer is one connected client driven through its session actor.
type testPlayer struct {
	id      uuid.UUID
	sink    *recorderSink
	session *session.Session
}

func (p *testPlayer) enqueue(mode string) {
	p.session.HandleIncoming([]byte(fmt.Sprintf(`{"type":"enqueue","game_mode":%q}`, mode)))
}

func (p *testPlayer) completeLoading(sessionID string) {
	p.session.HandleIncoming([]byte(fmt.Sprintf(`{"type":"loading_complete","loading_session_id":%q}`, sessionID)))
}

// typed returns a poll function over the received messages of one type.
func (p *testPlayer) typed(messageType string) func() []protocol.ServerMessage {
	return func() []protocol.ServerMessage { return p.sink.OfType(messageType) }
}

// recorderSink captures everything a session writes to its client.
type recorderSink struct {
	mux    sync.Mutex
	closed bool
	msgs   []protocol.ServerMessage
}

func (r *recorderSink) Write(msg protocol.ServerMessage) error {
	r.mux.Lock()
	defer r.mux.Unlock()
	r.msgs = append(r.msgs, msg)
	return nil
}

func (r *recorderSink) Close() error {
	r.mux.Lock()
	defer r.mux.Unlock()
	r.closed = true
	return nil
}

func (r *recorderSink) Closed() bool {
	r.mux.Lock()
	defer r.mux.Unlock()
	return r.closed
}

func (r *recorderSink) OfType(messageType string) []protocol.ServerMessage {
	r.mux.Lock()
	defer r.mux.Unlock()
	var out []protocol.ServerMessage
	for _, m := range r.msgs {
		if m.Type == messageType {
			out = append(out, m)
		}
	}
	return out
}

// normalMode is a first-come-first-served two player mode without a loading
// phase.
func normalMode(id string) types.GameModeTypedConfig {
	return types.GameModeTypedConfig{
		ModeID:          id,
		RequiredPlayers: 2,
		TickInterval:    time.Hour,
		BatchMultiplier: 2,
	}
}

// rankedMode matches on MMR closeness and holds formed pairs in a loading
// session before the battle.
func rankedMode(id string, loadingTimeout time.Duration) types.GameModeTypedConfig {
	return types.GameModeTypedConfig{
		ModeID:                id,
		RequiredPlayers:       2,
		UsesMmrMatching:       true,
		TickInterval:          time.Hour,
		BatchMultiplier:       2,
		MmrBaseWindow:         100,
		MmrWindowCap:          1000,
		LoadingSessionEnabled: true,
		LoadingTimeout:        loadingTimeout,
	}
}

// fixedWinner returns a simulator that always crowns the given player.
func fixedWinner(winner uuid.UUID, battleData string) battle.Simulator {
	return func(mode string, p1, p2 battle.Participant) (battle.Result, error) {
		return battle.Result{WinnerID: winner, BattleData: json.RawMessage(battleData)}, nil
	}
}

// enqueueGhost writes a queue entry for a player without a live session here,
// the way an engine on another pod would have left it.
func enqueueGhost(ctx context.Context, client *store.Client, mode string, playerID uuid.UUID, podID string, mmr int64) (int64, string) {
	metadata := fmt.Sprintf(`{"pod_id":%q,"mmr":%d,"level":8,"deck":["archers","giant","fireball"]}`, podID, mmr)
	score := time.Now().UnixMilli()
	added, _, err := client.Enqueue(ctx, mode, playerID.String(), score, metadata)
	ExpectWithOffset(1, err).NotTo(HaveOccurred())
	ExpectWithOffset(1, added).To(BeTrue())
	return score, metadata
}

// subscriberCount reports how many connections listen on a pub/sub channel.
func subscriberCount(ctx context.Context, rdb *redis.Client, channel string) int64 {
	counts, err := rdb.PubSubNumSub(ctx, channel).Result()
	ExpectWithOffset(1, err).NotTo(HaveOccurred())
	return counts[channel]
}
