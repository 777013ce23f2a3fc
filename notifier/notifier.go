// Package notifier fans task-completion and account-balance events out to
// any number of subscribers. Each subscriber reads through its own buffered
// queue, so one slow consumer never blocks the task engines publishing
// events.
package notifier

import (
	"errors"
	"sync"
	"sync/atomic"

	"github.com/lightningnetwork/lnd/queue"
	"github.com/wigggles/opentxs-sub020/otxtask"
	"github.com/wigggles/opentxs-sub020/otxtypes"
)

// ErrNotifierShuttingDown is returned when an event or subscription arrives
// while the notifier is stopping.
var ErrNotifierShuttingDown = errors.New("notifier shutting down")

// TaskCompletionEvent reports a background task reaching a terminal state.
type TaskCompletionEvent struct {
	TaskID otxtask.ID

	// Success is true only for a definitive success; failures and
	// shutdown resolutions both read false.
	Success bool
}

// AccountBalanceEvent reports an account's balance after a completed
// deposit, withdrawal or inbox process.
type AccountBalanceEvent struct {
	AccountID otxtypes.AccountID
	Balance   otxtypes.Amount
}

// Client is one subscriber's view of the event stream.
type Client struct {
	cancel func()

	events *queue.ConcurrentQueue
	quit   chan struct{}
}

// Events returns the channel the client's events are delivered on. Values
// are TaskCompletionEvent or AccountBalanceEvent.
func (c *Client) Events() <-chan interface{} {
	return c.events.ChanOut()
}

// Quit is closed when the notifier stops delivering to this client.
func (c *Client) Quit() <-chan struct{} {
	return c.quit
}

// Cancel withdraws the subscription.
func (c *Client) Cancel() {
	c.cancel()
}

// intent registers or withdraws one client with the distribution loop.
type intent struct {
	cancel   bool
	clientID uint64

	// client is nil for a cancellation.
	client *Client
}

// Notifier distributes every published event to all active clients.
type Notifier struct {
	started atomic.Bool
	stopped atomic.Bool

	clientCounter atomic.Uint64

	clients map[uint64]*Client
	intents chan *intent

	events chan interface{}

	quit chan struct{}
	wg   sync.WaitGroup
}

// New creates a stopped notifier; call Start before publishing.
func New() *Notifier {
	return &Notifier{
		clients: make(map[uint64]*Client),
		intents: make(chan *intent),
		events:  make(chan interface{}),
		quit:    make(chan struct{}),
	}
}

// Start launches the distribution loop.
func (n *Notifier) Start() error {
	if !n.started.CompareAndSwap(false, true) {
		return nil
	}

	n.wg.Add(1)
	go n.distribute()

	return nil
}

// Stop terminates the distribution loop and closes every client's quit
// channel.
func (n *Notifier) Stop() error {
	if !n.stopped.CompareAndSwap(false, true) {
		return nil
	}

	close(n.quit)
	n.wg.Wait()

	return nil
}

// Subscribe registers a new client for all events published from now on.
func (n *Notifier) Subscribe() (*Client, error) {
	clientID := n.clientCounter.Add(1)

	client := &Client{
		events: queue.NewConcurrentQueue(20),
		quit:   make(chan struct{}),
		cancel: func() {
			select {
			case n.intents <- &intent{
				cancel:   true,
				clientID: clientID,
			}:
			case <-n.quit:
			}
		},
	}

	select {
	case n.intents <- &intent{clientID: clientID, client: client}:
	case <-n.quit:
		return nil, ErrNotifierShuttingDown
	}

	return client, nil
}

// SendUpdate publishes an event to every active client. It blocks only on
// the distribution loop's intake, never on any individual client.
func (n *Notifier) SendUpdate(event interface{}) error {
	select {
	case n.events <- event:
		return nil
	case <-n.quit:
		return ErrNotifierShuttingDown
	}
}

// NotifyTaskDone publishes a task completion, swallowing the shutting-down
// case: a completion during teardown has nobody left to tell.
func (n *Notifier) NotifyTaskDone(id otxtask.ID, success bool) {
	err := n.SendUpdate(TaskCompletionEvent{TaskID: id, Success: success})
	if err != nil {
		log.Debugf("Dropping completion of task %v: %v", id, err)
	}
}

// NotifyBalance publishes an account balance change, swallowing the
// shutting-down case.
func (n *Notifier) NotifyBalance(id otxtypes.AccountID,
	balance otxtypes.Amount) {

	err := n.SendUpdate(AccountBalanceEvent{
		AccountID: id,
		Balance:   balance,
	})
	if err != nil {
		log.Debugf("Dropping balance event for account %v: %v", id,
			err)
	}
}

// distribute owns the client set: subscriptions, cancellations and event
// fanout all run through here, so no lock guards the map.
func (n *Notifier) distribute() {
	defer n.wg.Done()

	for {
		select {
		case in := <-n.intents:
			if in.cancel {
				client, ok := n.clients[in.clientID]
				if ok {
					client.events.Stop()
					close(client.quit)
					delete(n.clients, in.clientID)
				}

				continue
			}

			in.client.events.Start()
			n.clients[in.clientID] = in.client
			log.Debugf("Subscribed notification client %v",
				in.clientID)

		case event := <-n.events:
			for _, client := range n.clients {
				select {
				case client.events.ChanIn() <- event:
				case <-client.quit:
				case <-n.quit:
					return
				}
			}

		case <-n.quit:
			for _, client := range n.clients {
				client.events.Stop()
				close(client.quit)
			}

			return
		}
	}
}
