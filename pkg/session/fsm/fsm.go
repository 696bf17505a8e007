// Copyright (c) 2025 - for information on the respective copyright owner
// see the NOTICE file and/or the repository https://github.com/duelforge/matchcore.
//
// SPDX-License-Identifier: Apache-2.0

// Package fsm provides the finite state machine driving a player session's
// lifecycle. Transitions are declared with a small builder DSL, callbacks run
// before or after a state is entered, and a state that outlives the timeout
// without a transition triggers the timeout callback.
package fsm

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
)

const (
	// Stopped is the state of a machine that accepts no further events.
	Stopped = "_Stopped"
	// stateTimeoutEventName is the synthetic event handed to the timeout callback.
	stateTimeoutEventName = "_StateTimeout"
)

// NewFSM returns a finite state machine resting in initState. Events without
// a registered transition from the current state stop the machine with an
// error, they are protocol violations from the machine's point of view.
func NewFSM(ctx context.Context, initState string, trn map[TransitionID]*Transition, cb map[string][]*Callback, timeout time.Duration, logger *zap.SugaredLogger) (*FSM, error) {
	var stateTimeoutCb *Callback
	beforeCallbacks := map[string][]*Callback{}
	afterCallbacks := map[string][]*Callback{}
	for state, list := range cb {
		for _, c := range list {
			switch c.Type {
			case CallbackWhenStateTimeout:
				stateTimeoutCb = c
			case CallbackBeforeEnter:
				beforeCallbacks[state] = append(beforeCallbacks[state], c)
			case CallbackAfterEnter:
				afterCallbacks[state] = append(afterCallbacks[state], c)
			default:
				return nil, errors.New("unsupported callback type")
			}
		}
	}
	if stateTimeoutCb == nil {
		stateTimeoutCb = noopCallback()
	}
	history := NewHistory()
	history.AddState(initState)
	return &FSM{
		afterCallbacks:       afterCallbacks,
		beforeCallbacks:      beforeCallbacks,
		transitions:          trn,
		current:              initState,
		history:              history,
		stateTimeoutCallback: stateTimeoutCb,
		timer:                time.NewTimer(timeout),
		timeout:              timeout,
		pingCh:               make(chan struct{}),
		doneCh:               make(chan struct{}, 1),
		queue:                []*Event{},
		logger:               logger,
		ctx:                  ctx,
	}, nil
}

// FSM consumes events from a FIFO queue and moves between named states.
// Several callbacks may be registered per state, they run in order.
type FSM struct {
	afterCallbacks       map[string][]*Callback
	beforeCallbacks      map[string][]*Callback
	transitions          map[TransitionID]*Transition
	stateTimeoutCallback *Callback
	current              string
	history              *History
	pingCh               chan struct{}
	doneCh               chan struct{}
	timer                *time.Timer
	timeout              time.Duration
	queue                []*Event
	logger               *zap.SugaredLogger
	mux                  sync.Mutex
	ctx                  context.Context
}

// Write appends an event to the queue and wakes the processor. Events written
// after the context was cancelled are dropped.
func (f *FSM) Write(event *Event) {
	f.mux.Lock()
	f.queue = append(f.queue, event)
	f.mux.Unlock()
	go func() {
		select {
		case f.pingCh <- struct{}{}:
		case <-f.ctx.Done():
		}
	}()
}

// History returns the state and event history of the machine.
func (f *FSM) History() *History {
	return f.history
}

// Current returns the current state.
func (f *FSM) Current() string {
	f.mux.Lock()
	defer f.mux.Unlock()
	return f.current
}

// Run consumes events until an error occurs, the context is cancelled or the
// machine is stopped. Errors come from unregistered events or from callbacks
// and leave the machine in the Stopped state. The method blocks and must be
// started exactly once.
func (f *FSM) Run(errChan chan error) {
	for {
		select {
		case <-f.pingCh:
			if err := f.process(); err != nil {
				f.setCurrent(Stopped)
				errChan <- err
				return
			}
		case <-f.timer.C:
			f.stateTimeoutCallback.Action(f.stateTimeoutEvent())
		case <-f.ctx.Done():
			f.setCurrent(Stopped)
			f.timer.Stop()
			return
		case <-f.doneCh:
			f.setCurrent(Stopped)
			f.timer.Stop()
			return
		}
	}
}

// Stop terminates the machine. Queued but unprocessed events are discarded.
// Stop never blocks and calling it more than once is harmless.
func (f *FSM) Stop() {
	select {
	case f.doneCh <- struct{}{}:
	default:
	}
}

// process pops the oldest event and executes its transition. A specific
// source state supersedes the any-state wildcard "*".
func (f *FSM) process() error {
	f.mux.Lock()
	defer f.mux.Unlock()
	if len(f.queue) < 1 {
		return errors.New("event queue out of sync with received pings")
	}
	event := f.queue[0]
	f.queue = f.queue[1:]
	f.history.AddEvent(event)
	tr, ok := f.transitions[TransitionID{Source: f.current, Event: event.Name}]
	if !ok {
		tr, ok = f.transitions[TransitionID{Source: "*", Event: event.Name}]
		if !ok {
			return fmt.Errorf("event %q has no transition from state %q", event.Name, f.current)
		}
	}
	return f.doTransition(tr, event)
}

// doTransition runs the before callbacks, enters the destination state,
// rearms the state timer and runs the after callbacks.
func (f *FSM) doTransition(tr *Transition, event *Event) error {
	f.logger.Debugf("FSM transition %s --%s--> %s", f.current, event.Name, tr.Dst)
	if err := f.runCallbacks(f.beforeCallbacks, tr.Dst, event); err != nil {
		return err
	}
	f.current = tr.Dst
	f.history.AddState(f.current)
	if !f.timer.Stop() {
		select {
		case <-f.timer.C:
		default:
		}
	}
	f.timer.Reset(f.timeout)
	return f.runCallbacks(f.afterCallbacks, f.current, event)
}

func (f *FSM) runCallbacks(callbacks map[string][]*Callback, state string, event *Event) error {
	for _, cb := range callbacks[state] {
		if err := cb.Action(event); err != nil {
			return err
		}
	}
	return nil
}

func (f *FSM) setCurrent(state string) {
	f.mux.Lock()
	defer f.mux.Unlock()
	f.current = state
}

func (f *FSM) stateTimeoutEvent() *Event {
	return &Event{
		Name: stateTimeoutEventName,
		Meta: &Metadata{FSM: f},
	}
}

func noopCallback() *Callback {
	return &Callback{
		Action: func(interface{}) error {
			return nil
		},
	}
}

// NewHistory returns an empty machine history.
func NewHistory() *History {
	return &History{
		received: []*Event{},
		states:   []string{},
	}
}

// History records all consumed events and entered states including the
// current one.
type History struct {
	mux      sync.Mutex
	received []*Event
	states   []string
}

// AddEvent appends an event to the history.
func (h *History) AddEvent(ev *Event) {
	h.mux.Lock()
	defer h.mux.Unlock()
	h.received = append(h.received, ev)
}

// GetEvents returns a copy of all consumed events.
func (h *History) GetEvents() []*Event {
	h.mux.Lock()
	defer h.mux.Unlock()
	return append([]*Event{}, h.received...)
}

// AddState appends a state to the history.
func (h *History) AddState(st string) {
	h.mux.Lock()
	defer h.mux.Unlock()
	h.states = append(h.states, st)
}

// GetStates returns a copy of all entered states.
func (h *History) GetStates() []string {
	h.mux.Lock()
	defer h.mux.Unlock()
	return append([]string{}, h.states...)
}

// Event drives the state machine. PlayerID and Reason travel with the event
// for logging and error reporting.
type Event struct {
	Name     string
	PlayerID string
	Reason   string
	Meta     *Metadata
}

// Metadata carries the machine reference for callbacks that emit follow-up
// events.
type Metadata struct {
	FSM *FSM
}

// TransitionID is the tuple of event name and source state.
type TransitionID struct {
	Event, Source string
}

// Transition moves the machine from a source state to a destination state
// when the named event arrives.
type Transition struct {
	ID              TransitionID
	Event, Src, Dst string
}

// WhenIn starts a transition from the given source state.
func WhenIn(state string) *Transition {
	return &Transition{Src: state}
}

// WhenInAnyState starts a transition matching every source state.
func WhenInAnyState() *Transition {
	return &Transition{Src: "*"}
}

// GotEvent names the event that triggers the transition.
func (i *Transition) GotEvent(event string) *Transition {
	i.Event = event
	i.ID = TransitionID{
		Event:  event,
		Source: i.Src,
	}
	return i
}

// GoTo names the destination state.
func (i *Transition) GoTo(dst string) *Transition {
	i.Dst = dst
	return i
}

// Stay keeps the machine in the source state. The transition still rearms the
// state timer and runs the state's callbacks.
func (i *Transition) Stay() *Transition {
	i.Dst = i.Src
	return i
}

// Action is the user function executed by a callback.
type Action func(interface{}) error

const (
	// CallbackAfterEnter runs right after a state was entered.
	CallbackAfterEnter = "AfterEnter"
	// CallbackBeforeEnter runs right before a state is entered.
	CallbackBeforeEnter = "BeforeEnter"
	// CallbackWhenStateTimeout runs when the current state outlives the timeout.
	CallbackWhenStateTimeout = "WhenStateTimeout"
)

// Callback binds an action to a state.
type Callback struct {
	Type   string
	Src    string
	Action Action
}

// AfterEnter declares a callback running after the state is entered.
func AfterEnter(state string) *Callback {
	return &Callback{
		Type: CallbackAfterEnter,
		Src:  state,
	}
}

// BeforeEnter declares a callback running before the state is entered.
func BeforeEnter(state string) *Callback {
	return &Callback{
		Type: CallbackBeforeEnter,
		Src:  state,
	}
}

// WhenStateTimeout declares the callback running on state timeout.
func WhenStateTimeout() *Callback {
	return &Callback{
		Type: CallbackWhenStateTimeout,
	}
}

// Do sets the action executed by the callback.
func (c *Callback) Do(a Action) *Callback {
	c.Action = a
	return c
}

// InitCallbacksAndTransitions indexes callback and transition slices for NewFSM.
func InitCallbacksAndTransitions(cbs []*Callback, trs []*Transition) (map[string][]*Callback, map[TransitionID]*Transition) {
	callbacks := map[string][]*Callback{}
	transitions := map[TransitionID]*Transition{}
	for _, c := range cbs {
		callbacks[c.Src] = append(callbacks[c.Src], c)
	}
	for _, t := range trs {
		transitions[t.ID] = t
	}
	return callbacks, transitions
}
