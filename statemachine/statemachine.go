// Package statemachine runs one worker per (local nym, server) pair. The
// worker owns every exchange with its notary: it brings the pair from
// nothing to registered, keeps the transaction-number pool topped up, and
// drains submitted tasks in a fixed priority order, one exchange at a time.
package statemachine

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"

	"github.com/lightningnetwork/lnd/clock"
	"github.com/lightningnetwork/lnd/ticker"
	"github.com/wigggles/opentxs-sub020/notifier"
	"github.com/wigggles/opentxs-sub020/nym"
	"github.com/wigggles/opentxs-sub020/operation"
	"github.com/wigggles/opentxs-sub020/otxtask"
	"github.com/wigggles/opentxs-sub020/otxtypes"
	"github.com/wigggles/opentxs-sub020/session"
	"github.com/wigggles/opentxs-sub020/wallet"
)

// DefaultNumberLowWater is the available-number floor below which a steady
// iteration schedules a replenishing grant request.
const DefaultNumberLowWater = 5

// runState tracks how far along its startup progression the worker is.
type runState uint8

const (
	// stateNeedContract means the notary's contract is not in the wallet
	// yet; nothing else can proceed without it.
	stateNeedContract runState = iota

	// stateNeedRegistration means the local nym is not registered with
	// the notary yet.
	stateNeedRegistration

	// stateSteady is the normal operating state: maintain the pool,
	// drain the queues, idle until woken.
	stateSteady
)

// Config wires a state machine's collaborators. All fields are required
// unless stated otherwise.
type Config struct {
	// LocalNym is the signing identity the worker acts for.
	LocalNym *nym.Nym

	// Server is the notary this worker talks to.
	Server otxtypes.ServerID

	// Context is the pair's session state: request counter, number
	// pools, registration. Shared with whoever else loads the same pair.
	Context *session.ServerContext

	// Wallet stores fetched credentials, contracts and accounts.
	Wallet wallet.Wallet

	// Op drives the notary protocol. The worker is its only caller.
	Op operation.Operation

	// Notifier receives task completions and balance changes.
	Notifier *notifier.Notifier

	// Clock stamps instrument validity windows.
	Clock clock.Clock

	// PollTicker bounds the idle sleep between iterations, so startup
	// retries and externally caused state (a nymbox arriving) are picked
	// up without a submit.
	PollTicker ticker.Ticker

	// NumberLowWater overrides DefaultNumberLowWater when positive.
	NumberLowWater int
}

// StateMachine is one pair's worker. All exchanges for the pair run on its
// single goroutine; submitters only enqueue and read futures.
type StateMachine struct {
	started atomic.Bool
	stopped atomic.Bool

	cfg Config

	// mu guards queues and the shutdown flag. The registry holding many
	// machines has its own lock; this one never nests inside an exchange.
	mu       sync.Mutex
	queues   [numTaskKinds]*taskQueue
	shutdown bool

	state runState

	// deferred holds tasks waiting on a number grant. They re-enter the
	// queues on the next wakeup rather than immediately, so a dry pool
	// cannot spin the drain loop. Touched only by the worker goroutine.
	deferred []*task

	// maintenanceHold pauses registration refresh and number
	// replenishment after one of them fails, until the next tick.
	// Touched only by the worker goroutine.
	maintenanceHold bool

	// wake is buffered: a submit during a drain leaves the token for the
	// next idle check instead of blocking.
	wake chan struct{}

	ctx    context.Context
	cancel context.CancelFunc

	quit chan struct{}
	wg   sync.WaitGroup
}

// New builds a stopped worker for the config's pair.
func New(cfg Config) *StateMachine {
	if cfg.NumberLowWater <= 0 {
		cfg.NumberLowWater = DefaultNumberLowWater
	}

	ctx, cancel := context.WithCancel(context.Background())

	m := &StateMachine{
		cfg:    cfg,
		wake:   make(chan struct{}, 1),
		ctx:    ctx,
		cancel: cancel,
		quit:   make(chan struct{}),
	}
	for i := range m.queues {
		m.queues[i] = newTaskQueue()
	}

	return m
}

// LocalNym returns the nym of the worker's pair.
func (m *StateMachine) LocalNym() otxtypes.NymID {
	return m.cfg.LocalNym.ID()
}

// ServerID returns the notary of the worker's pair.
func (m *StateMachine) ServerID() otxtypes.ServerID {
	return m.cfg.Server
}

// Context returns the pair's session state.
func (m *StateMachine) Context() *session.ServerContext {
	return m.cfg.Context
}

// Start launches the worker goroutine.
func (m *StateMachine) Start() error {
	if !m.started.CompareAndSwap(false, true) {
		return nil
	}

	log.Infof("Starting state machine for nym %v on server %v",
		m.cfg.LocalNym.ID(), m.cfg.Server)

	m.wg.Add(1)
	go m.run()

	return nil
}

// Stop signals the worker, cancels any in-flight exchange and joins the
// goroutine. Every queued and in-flight task resolves with StatusShutdown.
func (m *StateMachine) Stop() error {
	if !m.stopped.CompareAndSwap(false, true) {
		return nil
	}

	m.mu.Lock()
	m.shutdown = true
	m.mu.Unlock()

	close(m.quit)
	m.cancel()
	m.wg.Wait()

	log.Debugf("State machine for nym %v on server %v stopped",
		m.cfg.LocalNym.ID(), m.cfg.Server)

	return nil
}

// Submit enqueues a task and returns its handle. A payload identical to one
// already queued returns the queued task's handle instead of a new task;
// cheque sends are exempt. A stopped machine returns the error task.
func (m *StateMachine) Submit(payload TaskPayload) otxtask.BackgroundTask {
	m.mu.Lock()
	if m.shutdown {
		m.mu.Unlock()
		return otxtask.NewErrorTask()
	}

	t := &task{
		id:      otxtask.NextID(),
		payload: payload,
		promise: otxtask.NewPromise[otxtask.Outcome](),
	}
	queued, fresh := m.queues[payload.kind()].push(t)
	m.mu.Unlock()

	if fresh {
		log.Debugf("Queued task %v (%T) for nym %v", queued.id,
			payload, m.cfg.LocalNym.ID())
		m.kick()
	} else {
		log.Debugf("Coalesced %T into queued task %v", payload,
			queued.id)
	}

	return queued.background()
}

// submitInternal enqueues machine-generated work (registration refresh,
// number replenishment) without a caller holding the future.
func (m *StateMachine) submitInternal(payload TaskPayload) {
	m.Submit(payload)
}

// kick wakes the idle loop if it is sleeping. Dropping the token when one is
// already pending is fine; the loop drains everything per wakeup.
func (m *StateMachine) kick() {
	select {
	case m.wake <- struct{}{}:
	default:
	}
}

// run is the worker loop.
func (m *StateMachine) run() {
	defer m.wg.Done()
	defer m.cfg.PollTicker.Stop()

	m.cfg.PollTicker.Resume()

	for {
		select {
		case <-m.quit:
			m.resolveAllShutdown()
			return
		default:
		}

		switch m.state {
		case stateNeedContract:
			if m.advanceContract() {
				continue
			}

		case stateNeedRegistration:
			if m.advanceRegistration() {
				continue
			}

		case stateSteady:
			if m.steadyIteration() {
				continue
			}
		}

		// Nothing progressed: idle until a submit or the next tick.
		select {
		case <-m.wake:
		case <-m.cfg.PollTicker.Ticks():
			m.maintenanceHold = false
		case <-m.quit:
			m.resolveAllShutdown()
			return
		}

		m.requeueDeferred()
	}
}

// requeueDeferred moves tasks parked on a number grant back into their
// queues.
func (m *StateMachine) requeueDeferred() {
	if len(m.deferred) == 0 {
		return
	}

	m.mu.Lock()
	for _, t := range m.deferred {
		m.queues[t.payload.kind()].push(t)
	}
	m.mu.Unlock()

	m.deferred = nil
}

// advanceContract makes the notary's contract present in the wallet.
// Returns true when the state advanced.
func (m *StateMachine) advanceContract() bool {
	_, err := m.cfg.Wallet.Server(m.cfg.Server)
	switch {
	case err == nil:
		m.state = stateNeedRegistration
		return true

	case !errors.Is(err, wallet.ErrNotFound):
		log.Errorf("Unable to read server contract %v: %v",
			m.cfg.Server, err)
		return false
	}

	res := m.cfg.Op.DownloadContract(m.ctx, otxtypes.ID(m.cfg.Server))
	if res.Status != operation.MessageSuccess {
		log.Warnf("Server contract %v download: %v", m.cfg.Server,
			res.Status)
		return false
	}

	err = m.cfg.Wallet.PutServer(&wallet.ServerContract{
		ID:  m.cfg.Server,
		Raw: res.Payload,
	})
	if err != nil {
		log.Errorf("Unable to store server contract %v: %v",
			m.cfg.Server, err)
		return false
	}

	m.state = stateNeedRegistration

	return true
}

// advanceRegistration registers the local nym with the notary. Returns true
// when the state advanced.
func (m *StateMachine) advanceRegistration() bool {
	if m.cfg.Context.IsRegistered() {
		m.state = stateSteady
		return true
	}

	res := m.cfg.Op.RegisterNym(m.ctx)
	if res.Status != operation.MessageSuccess {
		log.Warnf("Registration of nym %v with server %v: %v",
			m.cfg.LocalNym.ID(), m.cfg.Server, res.Status)
		return false
	}

	err := m.cfg.Context.SetRegistered(m.cfg.LocalNym.Revision())
	if err != nil {
		log.Errorf("Unable to record registration: %v", err)
		return false
	}

	log.Infof("Nym %v registered with server %v", m.cfg.LocalNym.ID(),
		m.cfg.Server)
	m.state = stateSteady

	return true
}

// steadyIteration runs one pass of the normal operating state: refresh a
// stale registration, keep the number pool above the low-water mark, then
// drain the queues in priority order. Returns true if any work was done.
func (m *StateMachine) steadyIteration() bool {
	// A credential change since the last registration means the notary
	// holds stale credentials for us. Both maintenance submissions pause
	// after a failure until the next tick, so a refusing notary does not
	// spin the loop.
	if !m.maintenanceHold {
		if m.cfg.LocalNym.Revision() > m.cfg.Context.NymRevision() {
			m.submitInternal(RegisterNymTask{})
		}

		if m.cfg.Context.AvailableNumbers() < m.cfg.NumberLowWater {
			m.submitInternal(GetTransactionNumbersTask{})
		}
	}

	return m.drainQueues()
}

// drainQueues executes queued tasks, highest priority kind first, until
// everything is empty or the machine quits. Returns true if any task ran.
func (m *StateMachine) drainQueues() bool {
	ranAny := false

	for {
		t := m.nextTask()
		if t == nil {
			return ranAny
		}
		ranAny = true

		select {
		case <-m.quit:
			// The drain loop's resolution duty moves to
			// resolveAllShutdown; requeue so it is found there.
			m.requeue(t)
			return ranAny
		default:
		}

		m.executeAndSettle(t)
	}
}

// nextTask pops the oldest task of the highest-priority nonempty queue.
func (m *StateMachine) nextTask() *task {
	m.mu.Lock()
	defer m.mu.Unlock()

	for kind := taskKind(0); kind < numTaskKinds; kind++ {
		if t := m.queues[kind].pop(); t != nil {
			return t
		}
	}

	return nil
}

// requeue puts a task back on its queue, keeping its ID and promise.
func (m *StateMachine) requeue(t *task) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.queues[t.payload.kind()].push(t)
}

// executeAndSettle runs one task and resolves its promise, unless the
// executor asked for a retry, in which case the task goes back on its queue
// behind a scheduled number grant.
func (m *StateMachine) executeAndSettle(t *task) {
	res, v := m.execute(t)

	switch v {
	case verdictRetry:
		// Waiting on fresh numbers. The retry count is unbounded:
		// each round is gated on the grant task's own outcome, and a
		// notary that never grants keeps the task parked rather than
		// failing it behind the caller's back.
		log.Debugf("Task %v (%T) waiting on transaction numbers",
			t.id, t.payload)

		m.deferred = append(m.deferred, t)

		if !m.maintenanceHold {
			m.submitInternal(GetTransactionNumbersTask{})
		}

		return

	case verdictSuccess:
		if isMaintenance(t.payload) {
			m.maintenanceHold = false
		}

		t.promise.Resolve(otxtask.Outcome{
			Status: otxtask.StatusSuccess,
			Reply:  res,
		})
		m.cfg.Notifier.NotifyTaskDone(t.id, true)

	case verdictFailure:
		log.Warnf("Task %v (%T) failed: %v", t.id, t.payload,
			res.Status)

		if isMaintenance(t.payload) {
			m.maintenanceHold = true
		}

		t.promise.Resolve(otxtask.Outcome{
			Status: otxtask.StatusFailure,
			Reply:  res,
		})
		m.cfg.Notifier.NotifyTaskDone(t.id, false)
	}
}

// isMaintenance reports whether the payload is one of the machine's own
// upkeep tasks.
func isMaintenance(payload TaskPayload) bool {
	switch payload.(type) {
	case RegisterNymTask, GetTransactionNumbersTask:
		return true
	default:
		return false
	}
}

// resolveAllShutdown empties every queue, resolving each task with
// StatusShutdown so no future is left hanging.
func (m *StateMachine) resolveAllShutdown() {
	m.mu.Lock()
	pending := m.deferred
	m.deferred = nil
	for _, q := range m.queues {
		pending = append(pending, q.drain()...)
	}
	m.mu.Unlock()

	for _, t := range pending {
		t.promise.Resolve(otxtask.Outcome{
			Status: otxtask.StatusShutdown,
		})
		m.cfg.Notifier.NotifyTaskDone(t.id, false)
	}

	if len(pending) > 0 {
		log.Infof("Resolved %v pending tasks on shutdown of nym %v "+
			"server %v", len(pending), m.cfg.LocalNym.ID(),
			m.cfg.Server)
	}
}
