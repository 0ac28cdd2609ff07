package session

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"tradeloop/internal/types"
)

type command string

const (
	cmdMarketSample command = "market_sample"
	cmdSignal       command = "signal_result"
	cmdSignalTick   command = "signal_tick"
	cmdDecision     command = "decision"
	cmdExecution    command = "execution_result"
	cmdReconcile    command = "reconcile"
	cmdOrderUpdate  command = "order_update"
	cmdBarrier      command = "barrier"
)

var errActorStopped = errors.New("session actor is stopped")

// Envelope is one command for the actor. ReplyCh, when set, receives the
// handler error and is closed.
type Envelope struct {
	Type      command
	Payload   any
	CreatedAt time.Time
	ReplyCh   chan error
}

type handlerFunc func(payload any) error

// book is the state owned by the actor goroutine. Nothing else touches it
// while the actor runs.
type book struct {
	positions  map[string]types.TradingPosition
	touched    map[string]time.Time
	pending    map[string]types.TradingSignal
	ordering   map[string]bool
	resting    map[string]RestingOrder
	requesting map[string]bool
	market     map[string]types.MarketSample
	balances   types.Balances

	totalTrades int
	lastMarket  time.Time
	lastSignal  time.Time
}

func newBook() *book {
	return &book{
		positions:  make(map[string]types.TradingPosition),
		touched:    make(map[string]time.Time),
		pending:    make(map[string]types.TradingSignal),
		ordering:   make(map[string]bool),
		resting:    make(map[string]RestingOrder),
		requesting: make(map[string]bool),
		market:     make(map[string]types.MarketSample),
		balances:   types.Balances{},
	}
}

func positionKey(symbol string, side types.Side) string {
	return symbol + "|" + string(side)
}

// busy reports whether sym has an order being placed or resting on the
// exchange. A busy symbol takes no new orders.
func (b *book) busy(sym string) bool {
	if b.ordering[sym] {
		return true
	}
	_, ok := b.resting[sym]
	return ok
}

func (b *book) restingList() []RestingOrder {
	out := make([]RestingOrder, 0, len(b.resting))
	for _, o := range b.resting {
		out = append(out, o)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Symbol < out[j].Symbol })
	return out
}

func (b *book) positionList() []types.TradingPosition {
	out := make([]types.TradingPosition, 0, len(b.positions))
	for _, p := range b.positions {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Symbol == out[j].Symbol {
			return out[i].Side < out[j].Side
		}
		return out[i].Symbol < out[j].Symbol
	})
	return out
}

// Snapshot is an immutable copy of the book published after every command.
type Snapshot struct {
	Positions           []types.TradingPosition
	Pending             []types.TradingSignal
	Market              map[string]types.MarketSample
	Balances            types.Balances
	Ordering            []string
	Resting             []RestingOrder
	TotalTrades         int
	LastMarketUpdate    time.Time
	LastSignalProcessed time.Time
}

type actor struct {
	msgCh    chan Envelope
	handlers map[command]handlerFunc

	mu      sync.Mutex
	stopCh  chan struct{}
	running bool
	wg      sync.WaitGroup

	book     *book
	snapshot atomic.Value
	slow     time.Duration
}

func newActor() *actor {
	stopped := make(chan struct{})
	close(stopped)
	a := &actor{
		msgCh:    make(chan Envelope, 256),
		handlers: make(map[command]handlerFunc),
		stopCh:   stopped,
		book:     newBook(),
		slow:     100 * time.Millisecond,
	}
	a.refreshSnapshot()
	return a
}

func (a *actor) register(t command, h handlerFunc) {
	a.handlers[t] = h
}

func (a *actor) start() {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.running {
		return
	}
	a.stopCh = make(chan struct{})
	a.running = true
	a.wg.Add(1)
	go a.runLoop(a.stopCh)
}

func (a *actor) stop() {
	a.mu.Lock()
	if !a.running {
		a.mu.Unlock()
		return
	}
	close(a.stopCh)
	a.running = false
	a.mu.Unlock()
	a.wg.Wait()
}

func (a *actor) done() <-chan struct{} {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.stopCh
}

func (a *actor) Send(env Envelope) error {
	stop := a.done()
	select {
	case <-stop:
		return errActorStopped
	default:
	}
	if env.CreatedAt.IsZero() {
		env.CreatedAt = time.Now()
	}
	select {
	case a.msgCh <- env:
		return nil
	case <-stop:
		return errActorStopped
	}
}

func (a *actor) SendSync(ctx context.Context, env Envelope) error {
	if env.ReplyCh == nil {
		env.ReplyCh = make(chan error, 1)
	}
	stop := a.done()
	if err := a.Send(env); err != nil {
		return err
	}
	select {
	case err := <-env.ReplyCh:
		return err
	case <-ctx.Done():
		return ctx.Err()
	case <-stop:
		return fmt.Errorf("%w during %s", errActorStopped, env.Type)
	}
}

func (a *actor) Snapshot() *Snapshot {
	v := a.snapshot.Load()
	if v == nil {
		return &Snapshot{}
	}
	return v.(*Snapshot)
}

func (a *actor) refreshSnapshot() {
	b := a.book
	snap := &Snapshot{
		Positions:           b.positionList(),
		Market:              make(map[string]types.MarketSample, len(b.market)),
		Balances:            b.balances.Clone(),
		TotalTrades:         b.totalTrades,
		LastMarketUpdate:    b.lastMarket,
		LastSignalProcessed: b.lastSignal,
	}
	for sym, s := range b.market {
		snap.Market[sym] = s
	}
	for _, sig := range b.pending {
		snap.Pending = append(snap.Pending, sig)
	}
	sort.Slice(snap.Pending, func(i, j int) bool { return snap.Pending[i].Symbol < snap.Pending[j].Symbol })
	for sym, busy := range b.ordering {
		if busy {
			snap.Ordering = append(snap.Ordering, sym)
		}
	}
	sort.Strings(snap.Ordering)
	snap.Resting = b.restingList()
	a.snapshot.Store(snap)
}

func (a *actor) runLoop(stop <-chan struct{}) {
	defer a.wg.Done()
	log.Infof("session actor started")
	for {
		select {
		case env := <-a.msgCh:
			a.handle(env)
		case <-stop:
			log.Infof("session actor stopping")
			return
		}
	}
}

// handle recovers handler panics so one bad command cannot kill the loop.
func (a *actor) handle(env Envelope) {
	var err error
	start := time.Now()
	defer func() {
		if r := recover(); r != nil {
			log.Errorf("panic handling %s: %v\n%s", env.Type, r, debug.Stack())
			err = fmt.Errorf("panic: %v", r)
		}
		a.refreshSnapshot()
		if env.ReplyCh != nil {
			env.ReplyCh <- err
			close(env.ReplyCh)
		}
		if dur := time.Since(start); dur > a.slow {
			log.Warnf("slow command %s took %v", env.Type, dur)
		}
	}()

	h, ok := a.handlers[env.Type]
	if !ok {
		log.Warnf("no handler registered for %s", env.Type)
		return
	}
	if err = h(env.Payload); err != nil {
		log.Debugf("%s: %v", env.Type, err)
	}
}
