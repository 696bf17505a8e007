// Copyright (c) 2025 - for information on the respective copyright owner
// see the NOTICE file and/or the repository https://github.com/duelforge/matchcore.
//
// SPDX-License-Identifier: Apache-2.0

// Package session implements the in-process actor owning one player's live
// connection. The actor is the registry handle for the player: server
// messages queue into its mailbox and a pump writes them to the client sink.
// Client frames flow the other way, heartbeats and malformed payloads are
// answered locally, everything else is published to the match coordinator.
//
// The transport behind the sink is out of scope here, a WebSocket layer
// plugs in by implementing Sink.
package session

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/duelforge/matchcore/pkg/metrics"
	"github.com/duelforge/matchcore/pkg/protocol"
	"github.com/duelforge/matchcore/pkg/registry"
	"github.com/duelforge/matchcore/pkg/session/fsm"
	"github.com/duelforge/matchcore/pkg/types"
	"github.com/google/uuid"
	mb "github.com/vardius/message-bus"
	"go.uber.org/zap"
)

// ErrMailboxFull is returned by Send when the session cannot keep up with
// deliveries. Callers treat it as a routing failure.
var ErrMailboxFull = errors.New("session mailbox full")

// ErrSessionClosed is returned by Send after the session started tearing down.
var ErrSessionClosed = errors.New("session closed")

const (
	defaultMailboxSize = 32
	defaultIdleTimeout = 60 * time.Second
)

// Sink writes server messages to the player's client connection.
// Implementations must be safe for concurrent use.
type Sink interface {
	Write(msg protocol.ServerMessage) error
	Close() error
}

// LoadingCanceller releases a pending loading session when its owner
// disconnects. Satisfied by the loading manager.
type LoadingCanceller interface {
	Cancel(ctx context.Context, sessionID string, cancellerID uuid.UUID, reason string) error
}

// Limiter drops per-player rate limit state on session teardown.
type Limiter interface {
	Forget(playerID uuid.UUID)
}

// Options configures a player session.
type Options struct {
	PlayerID uuid.UUID
	Bus      mb.MessageBus
	Sink     Sink
	Registry *registry.Registry
	// Loading may be nil when loading sessions are disabled.
	Loading LoadingCanceller
	// Limiter may be nil when rate limiting is disabled.
	Limiter Limiter
	Metrics *metrics.Metrics
	Logger  *zap.SugaredLogger
	// MailboxSize bounds the outbound queue, defaults to 32.
	MailboxSize int
	// IdleTimeout closes sessions without client activity, defaults to 60s.
	IdleTimeout time.Duration
}

// NewSession returns a session actor for the given player. Start must be
// called before the session receives messages.
func NewSession(opts Options) (*Session, error) {
	mailboxSize := opts.MailboxSize
	if mailboxSize <= 0 {
		mailboxSize = defaultMailboxSize
	}
	idleTimeout := opts.IdleTimeout
	if idleTimeout <= 0 {
		idleTimeout = defaultIdleTimeout
	}
	ctx, cancel := context.WithCancel(context.Background())
	s := &Session{
		playerID: opts.PlayerID,
		bus:      opts.Bus,
		sink:     opts.Sink,
		registry: opts.Registry,
		loading:  opts.Loading,
		limiter:  opts.Limiter,
		metrics:  opts.Metrics,
		logger:   opts.Logger,
		errCh:    make(chan error, 1),
		mailbox:  make(chan protocol.ServerMessage, mailboxSize),
		ctx:      ctx,
		cancel:   cancel,
	}
	cbs := []*fsm.Callback{
		fsm.AfterEnter(types.Completed).Do(s.completed),
		fsm.AfterEnter(types.Failed).Do(s.failed),
		fsm.WhenStateTimeout().Do(s.timedOut),
	}
	trs := []*fsm.Transition{
		fsm.WhenIn(types.Idle).GotEvent(types.QueueJoined).GoTo(types.InQueue),
		fsm.WhenIn(types.InQueue).GotEvent(types.QueueLeft).GoTo(types.Idle),
		fsm.WhenIn(types.InQueue).GotEvent(types.LoadingStarted).GoTo(types.Loading),
		fsm.WhenIn(types.InQueue).GotEvent(types.MatchCompleted).GoTo(types.Completed),
		fsm.WhenIn(types.Loading).GotEvent(types.MatchCompleted).GoTo(types.Completed),
		fsm.WhenIn(types.Loading).GotEvent(types.LoadingCancelled).GoTo(types.InQueue),
		fsm.WhenInAnyState().GotEvent(types.SessionError).GoTo(types.Failed),
		fsm.WhenIn(types.Idle).GotEvent(types.HeartbeatSeen).Stay(),
		fsm.WhenIn(types.InQueue).GotEvent(types.HeartbeatSeen).Stay(),
		fsm.WhenIn(types.Loading).GotEvent(types.HeartbeatSeen).Stay(),
	}
	callbacks, transitions := fsm.InitCallbacksAndTransitions(cbs, trs)
	machine, err := fsm.NewFSM(ctx, types.Idle, transitions, callbacks, idleTimeout, opts.Logger)
	if err != nil {
		cancel()
		return nil, err
	}
	s.fsm = machine
	return s, nil
}

// Session is the mailbox task between the matchmaking core and one client
// connection. All state a teardown must release is tracked here, not in the
// state machine, so cleanup never waits on asynchronous transitions.
type Session struct {
	playerID uuid.UUID
	bus      mb.MessageBus
	sink     Sink
	registry *registry.Registry
	loading  LoadingCanceller
	limiter  Limiter
	metrics  *metrics.Metrics
	logger   *zap.SugaredLogger

	fsm     *fsm.FSM
	errCh   chan error
	mailbox chan protocol.ServerMessage
	ctx     context.Context
	cancel  context.CancelFunc
	closed  atomic.Bool
	once    sync.Once

	mux         sync.Mutex
	pendingMode string
	queuedMode  string
	loadingMode string
	loadingID   string
}

// Start registers the session with the player registry and begins processing
// messages in both directions.
func (s *Session) Start() {
	s.registry.Register(s.playerID, s)
	go s.fsm.Run(s.errCh)
	go s.watchFSM()
	go s.pump()
}

// Send queues a message for delivery to the client. It never blocks, a full
// mailbox rejects the message so the caller can account for the drop.
func (s *Session) Send(msg protocol.ServerMessage) error {
	if s.closed.Load() {
		return ErrSessionClosed
	}
	select {
	case s.mailbox <- msg:
		return nil
	default:
		return ErrMailboxFull
	}
}

// HandleIncoming processes one raw client frame. Heartbeats and malformed
// payloads are answered locally, valid requests go to the match coordinator
// through the bus.
func (s *Session) HandleIncoming(raw []byte) {
	if s.closed.Load() {
		return
	}
	msg, err := protocol.ParseClientMessage(raw)
	if err != nil {
		s.logger.Warnf("Failed to parse message of player %s: %v", s.playerID, err)
		s.metrics.AbnormalUnknownTypeTotal.Inc()
		s.deliverLocal(protocol.Error(protocol.ErrCodeInvalidMessageFormat, "Invalid message format"))
		s.fsm.Write(&fsm.Event{Name: types.SessionError, PlayerID: s.playerID.String(), Reason: "invalid message format"})
		return
	}
	switch msg.Type {
	case protocol.TypeHeartbeat:
		s.fsm.Write(&fsm.Event{Name: types.HeartbeatSeen, PlayerID: s.playerID.String()})
		s.deliverLocal(protocol.Pong())
		return
	case protocol.TypeEnqueue:
		s.mux.Lock()
		s.pendingMode = msg.GameMode
		s.mux.Unlock()
	}
	s.bus.Publish(types.ClientRequestsTopic, &types.PlayerRequest{PlayerID: s.playerID, Message: msg})
}

// State returns the current lifecycle state of the session.
func (s *Session) State() string {
	return s.fsm.Current()
}

// History returns the session's state and event history.
func (s *Session) History() *fsm.History {
	return s.fsm.History()
}

// Close tears the session down exactly once: queued messages are flushed,
// the player leaves the matchmaking queue, a pending loading session is
// cancelled for the remaining players and the handle is removed from the
// registry. A session replaced by a reconnect skips the queue and loading
// cleanup, the newer session owns the player's fate. Safe to call from any
// goroutine.
func (s *Session) Close(reason string) {
	s.once.Do(func() {
		s.closed.Store(true)
		s.cancel()
		s.logger.Infof("Closing session of player %s: %s", s.playerID, reason)
		s.drain()

		current, ok := s.registry.Lookup(s.playerID)
		replaced := ok && current != registry.Handle(s)
		if !replaced {
			s.mux.Lock()
			mode := s.queuedMode
			if mode == "" {
				// An enqueue may still be in flight, releasing it is idempotent.
				mode = s.pendingMode
			}
			loadingID := s.loadingID
			s.mux.Unlock()

			// Forget first so the fresh rate limit bucket admits the dequeue.
			if s.limiter != nil {
				s.limiter.Forget(s.playerID)
			}
			if mode != "" {
				s.bus.Publish(types.ClientRequestsTopic, &types.PlayerRequest{
					PlayerID: s.playerID,
					Message:  protocol.ClientMessage{Type: protocol.TypeDequeue, GameMode: mode},
				})
			}
			if loadingID != "" && s.loading != nil {
				if err := s.loading.Cancel(context.Background(), loadingID, s.playerID, "Opponent disconnected - back in the queue"); err != nil {
					s.logger.Warnf("Failed to cancel loading session %s: %v", loadingID, err)
				}
			}
		}
		s.registry.Deregister(s.playerID, s)
		if err := s.sink.Close(); err != nil {
			s.logger.Warnf("Failed to close client connection of player %s: %v", s.playerID, err)
		}
	})
}

// pump writes queued server messages to the client and keeps the teardown
// bookkeeping in step with what the client saw.
func (s *Session) pump() {
	for {
		select {
		case <-s.ctx.Done():
			return
		case msg := <-s.mailbox:
			s.observe(msg)
			if err := s.sink.Write(msg); err != nil {
				s.logger.Warnf("Dropping client connection of player %s: %v", s.playerID, err)
				s.Close("client write failed")
				return
			}
		}
	}
}

// observe tracks the queue and loading state a teardown must release and
// advances the lifecycle state machine.
func (s *Session) observe(msg protocol.ServerMessage) {
	s.mux.Lock()
	switch msg.Type {
	case protocol.TypeEnQueued:
		s.queuedMode = s.pendingMode
		s.pendingMode = ""
	case protocol.TypeDeQueued:
		s.queuedMode = ""
	case protocol.TypeStartLoading:
		s.loadingID = msg.LoadingSessionID
		s.loadingMode = s.queuedMode
		s.queuedMode = ""
		s.pendingMode = ""
	case protocol.TypeMatchFound:
		s.pendingMode = ""
		s.queuedMode = ""
		s.loadingMode = ""
		s.loadingID = ""
	case protocol.TypeError:
		if msg.Code == protocol.ErrCodeLoadingCancelled {
			// The store already requeued this player.
			s.queuedMode = s.loadingMode
			s.loadingMode = ""
			s.loadingID = ""
		}
	}
	s.mux.Unlock()
	if name := lifecycleEvent(msg); name != "" {
		s.fsm.Write(&fsm.Event{Name: name, PlayerID: s.playerID.String(), Reason: msg.Message})
	}
}

// deliverLocal queues a session-generated reply for the client.
func (s *Session) deliverLocal(msg protocol.ServerMessage) {
	if msg.Type == protocol.TypeError {
		s.metrics.MatchmakingErrorsTotal.Inc()
	}
	if err := s.Send(msg); err != nil {
		s.logger.Warnf("Dropping local reply to player %s: %v", s.playerID, err)
	}
}

// drain flushes messages queued before the teardown to the client.
func (s *Session) drain() {
	for {
		select {
		case msg := <-s.mailbox:
			if err := s.sink.Write(msg); err != nil {
				return
			}
		default:
			return
		}
	}
}

// watchFSM closes the session when the state machine rejects an event.
func (s *Session) watchFSM() {
	select {
	case err := <-s.errCh:
		if err != nil {
			s.logger.Errorf("Session state machine of player %s failed: %v", s.playerID, err)
			s.Close("session state violation")
		}
	case <-s.ctx.Done():
	}
}

func (s *Session) completed(interface{}) error {
	s.Close("match result delivered")
	return nil
}

func (s *Session) failed(e interface{}) error {
	ev := e.(*fsm.Event)
	reason := ev.Reason
	if reason == "" {
		reason = "session error"
	}
	s.Close(reason)
	return nil
}

func (s *Session) timedOut(interface{}) error {
	s.logger.Warnf("Player %s went silent, closing the session", s.playerID)
	s.Close("heartbeat timeout")
	return nil
}

// lifecycleEvent maps a server message to the state machine event it drives,
// or "" when the message has no lifecycle meaning.
func lifecycleEvent(msg protocol.ServerMessage) string {
	switch msg.Type {
	case protocol.TypeEnQueued:
		return types.QueueJoined
	case protocol.TypeDeQueued:
		return types.QueueLeft
	case protocol.TypeStartLoading:
		return types.LoadingStarted
	case protocol.TypeMatchFound:
		return types.MatchCompleted
	case protocol.TypeError:
		switch msg.Code {
		case protocol.ErrCodeLoadingCancelled:
			return types.LoadingCancelled
		case protocol.ErrCodeInternalError, protocol.ErrCodeInvalidMessageFormat:
			return types.SessionError
		}
	}
	return ""
}
