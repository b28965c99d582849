package reconcile

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/agentworkforce/partsync/internal/inventory"
	"github.com/agentworkforce/partsync/internal/logx"
	"github.com/agentworkforce/partsync/internal/remotestore"
	"github.com/agentworkforce/partsync/internal/session"
)

var (
	ErrItemNotFound = errors.New("item not found")
	ErrClosed       = errors.New("engine closed")
)

const subscriberBuffer = 32

// SessionSource is the part of session.Manager the engine listens to.
type SessionSource interface {
	Subscribe(l session.Listener) func()
}

// Engine owns the active inventory and the sales history. Mutations apply
// locally under one lock, then dispatch remote writes in the background;
// resyncs replace (or merge into) local state from a fresh remote read.
type Engine struct {
	client     remotestore.Client
	opts       Options
	logger     *zerolog.Logger
	dispatcher *Dispatcher

	ctx    context.Context
	cancel context.CancelFunc
	bg     sync.WaitGroup

	mu           sync.Mutex
	active       []inventory.Item
	sales        []inventory.Item
	lastActionAt time.Time
	lastSyncAt   time.Time
	lastErr      string
	connectivity Connectivity
	inflight     int
	log          txLog
	timers       map[uint64]stopper
	nextTimer    uint64
	subs         map[int]chan Change
	nextSub      int
	closed       bool
}

type stopper interface {
	Stop() bool
}

func NewEngine(client remotestore.Client, opts Options) (*Engine, error) {
	if client == nil {
		return nil, fmt.Errorf("remote store client is required")
	}
	opts = opts.withDefaults()
	if _, err := ParseResyncMode(string(opts.Mode)); err != nil {
		return nil, err
	}
	logger := logx.Component("reconcile")
	if opts.Logger != nil {
		logger = opts.Logger.With().Str("component", "reconcile").Logger()
	}
	ctx, cancel := context.WithCancel(context.Background())
	e := &Engine{
		client:       client,
		opts:         opts,
		logger:       &logger,
		dispatcher:   NewDispatcher(opts.BatchSpacing, opts.Clock, &logger, opts.Metrics),
		ctx:          ctx,
		cancel:       cancel,
		connectivity: Offline,
		timers:       map[uint64]stopper{},
		subs:         map[int]chan Change{},
	}
	e.opts.Metrics.state(e.statusLocked())
	return e, nil
}

// Sell moves id from the active inventory to the front of the sales history
// with price as its final price. The remote write happens in the background;
// its failure only flips connectivity to ERROR.
func (e *Engine) Sell(id string, price float64) error {
	if price < 0 {
		return fmt.Errorf("%w: negative price", inventory.ErrInvalidInput)
	}
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return ErrClosed
	}
	idx := inventory.IndexOf(e.active, id)
	if idx < 0 {
		e.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrItemNotFound, id)
	}
	sold := e.active[idx].MarkSold(price)
	e.active = without(e.active, id)
	e.sales = prepend(sold, e.sales)
	e.dispatchLocked(inventory.ActionSell, e.opts.SalesSheet, sold)
	change := e.changeLocked(ChangeMutation, inventory.ActionSell, id)
	e.mu.Unlock()

	e.publish(change)
	return nil
}

// DeleteItem removes id from the active inventory and logs it to the removed
// ledger. Sales history is untouched.
func (e *Engine) DeleteItem(id string) error {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return ErrClosed
	}
	idx := inventory.IndexOf(e.active, id)
	if idx < 0 {
		e.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrItemNotFound, id)
	}
	removed := e.active[idx].Clone()
	e.active = without(e.active, id)
	e.dispatchLocked(inventory.ActionDelete, e.opts.RemovedSheet, removed)
	change := e.changeLocked(ChangeMutation, inventory.ActionDelete, id)
	e.mu.Unlock()

	e.publish(change)
	return nil
}

// ReturnItem reverses a sale: the item leaves the sales history and goes
// back to the front of the active inventory with its final price cleared.
func (e *Engine) ReturnItem(id string) error {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return ErrClosed
	}
	idx := inventory.IndexOf(e.sales, id)
	if idx < 0 {
		e.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrItemNotFound, id)
	}
	returned := e.sales[idx].MarkAvailable()
	e.sales = without(e.sales, id)
	e.active = prepend(returned, e.active)
	e.dispatchLocked(inventory.ActionReturn, e.opts.InventorySheet, returned)
	change := e.changeLocked(ChangeMutation, inventory.ActionReturn, id)
	e.mu.Unlock()

	e.publish(change)
	return nil
}

// AddItems prepends items to the active inventory and writes them one by
// one through the dispatcher. Blank ids are generated and every item is
// forced AVAILABLE. An id already in the sales history gets a fresh one, so
// a sale record is never replaced by an add. The returned slice holds the
// items as stored.
func (e *Engine) AddItems(items []inventory.Item) ([]inventory.Item, error) {
	if len(items) == 0 {
		return nil, nil
	}
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return nil, ErrClosed
	}
	now := e.opts.Clock.Now()
	catalog := e.opts.Catalog()
	added := make([]inventory.Item, 0, len(items))
	seen := make(map[string]struct{}, len(items))
	sold := idSet(e.sales)
	for _, raw := range items {
		it := raw.MarkAvailable()
		it.ID = strings.TrimSpace(it.ID)
		if _, clash := sold[it.ID]; clash {
			e.logger.Warn().Str("id", it.ID).Msg("added item reuses a sold id; assigning a new one")
			it.ID = ""
		}
		if it.ID == "" {
			it.ID = uuid.NewString()
		}
		if _, dup := seen[it.ID]; dup {
			continue
		}
		seen[it.ID] = struct{}{}
		if catalog != nil {
			it.Category = catalog.Resolve(it.Category)
		}
		if it.DateAdded == "" {
			it.DateAdded = inventory.Timestamp(now)
		}
		added = append(added, it)
	}

	ids := make([]string, len(added))
	seqs := make(map[string]uint64, len(added))
	next := make([]inventory.Item, 0, len(added)+len(e.active))
	for i, it := range added {
		ids[i] = it.ID
		seqs[it.ID] = e.log.record(inventory.ActionAdd, it, now)
		next = append(next, it.Clone())
	}
	for _, it := range e.active {
		if _, replaced := seen[it.ID]; !replaced {
			next = append(next, it)
		}
	}
	e.active = next
	e.lastActionAt = now
	e.inflight++
	e.bg.Add(1)
	change := e.changeLocked(ChangeMutation, inventory.ActionAdd, ids...)
	e.mu.Unlock()

	e.publish(change)
	go e.runBatch(Batch{Action: inventory.ActionAdd, Sheet: e.opts.InventorySheet, Items: inventory.CloneItems(added)}, seqs)
	return inventory.CloneItems(added), nil
}

// Resync reads both sheets and replaces local state. A non-forced call is a
// no-op inside the cooldown window after the last local action. The bool
// reports whether local state was replaced.
func (e *Engine) Resync(ctx context.Context, force bool) (bool, error) {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return false, ErrClosed
	}
	if !force && e.inCooldownLocked() {
		e.mu.Unlock()
		e.opts.Metrics.resync("skipped_cooldown")
		e.logger.Debug().Msg("resync skipped inside cooldown window")
		return false, nil
	}
	catalog := e.opts.Catalog()
	e.mu.Unlock()

	active, sales, err := e.readBoth(ctx, catalog)

	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return false, ErrClosed
	}
	if err != nil {
		e.connectivity = ConnectivityError
		e.lastErr = err.Error()
		change := e.changeLocked(ChangeStatus, "")
		e.mu.Unlock()
		e.opts.Metrics.resync("failed")
		e.logger.Warn().Err(err).Msg("resync failed; keeping local state")
		e.publish(change)
		return false, err
	}
	// A local action may have landed while the read was in flight.
	if !force && e.inCooldownLocked() {
		e.mu.Unlock()
		e.opts.Metrics.resync("skipped_cooldown")
		return false, nil
	}
	now := e.opts.Clock.Now()
	active, sales = coerce(active, sales)
	active, sales = e.log.reconcile(active, sales, now, e.opts.PendingTTL, e.opts.Mode == ModeMerge)
	e.active = active
	e.sales = sales
	e.connectivity = Connected
	e.lastSyncAt = now
	e.lastErr = ""
	change := e.changeLocked(ChangeResync, "")
	e.mu.Unlock()

	e.opts.Metrics.resync("applied")
	e.logger.Debug().
		Int("active", change.Status.ActiveCount).
		Int("sales", change.Status.SalesCount).
		Int("pending", change.Status.PendingConfirmations).
		Bool("forced", force).
		Msg("resync applied")
	e.publish(change)
	return true, nil
}

func (e *Engine) Snapshot() Snapshot {
	e.mu.Lock()
	defer e.mu.Unlock()
	return Snapshot{
		Active: inventory.CloneItems(e.active),
		Sales:  inventory.CloneItems(e.sales),
		Status: e.statusLocked(),
	}
}

func (e *Engine) Status() Status {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.statusLocked()
}

// PendingActions lists local actions not yet observed in a remote read.
func (e *Engine) PendingActions() []LogEntry {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.log.snapshot()
}

// Subscribe returns a channel of state changes and its cancel func. Slow
// subscribers miss changes rather than block the engine.
func (e *Engine) Subscribe() (<-chan Change, func()) {
	ch := make(chan Change, subscriberBuffer)
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		close(ch)
		return ch, func() {}
	}
	e.nextSub++
	id := e.nextSub
	e.subs[id] = ch
	e.mu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			e.mu.Lock()
			if sub, ok := e.subs[id]; ok {
				delete(e.subs, id)
				close(sub)
			}
			e.mu.Unlock()
		})
	}
}

// AttachSession wires sign-in to a forced resync and sign-out to Clear.
func (e *Engine) AttachSession(src SessionSource) func() {
	return src.Subscribe(func(ev session.Event) {
		switch ev.Type {
		case session.SignedIn:
			e.mu.Lock()
			if e.closed {
				e.mu.Unlock()
				return
			}
			e.bg.Add(1)
			e.mu.Unlock()
			go func() {
				defer e.bg.Done()
				if _, err := e.Resync(e.ctx, true); err != nil && !errors.Is(err, ErrClosed) {
					e.logger.Warn().Err(err).Str("tenant", ev.Session.TenantID).Msg("resync after sign-in failed")
				}
			}()
		case session.SignedOut:
			e.Clear()
		}
	})
}

// Clear drops both collections and the action log and goes OFFLINE.
func (e *Engine) Clear() {
	e.mu.Lock()
	e.active = nil
	e.sales = nil
	e.log.reset()
	e.lastActionAt = time.Time{}
	e.lastErr = ""
	e.connectivity = Offline
	change := e.changeLocked(ChangeCleared, "")
	e.mu.Unlock()
	e.publish(change)
}

// Close stops pending resync timers, cancels in-flight writes and waits for
// background work. Subscriber channels are closed.
func (e *Engine) Close() {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return
	}
	e.closed = true
	for id, t := range e.timers {
		t.Stop()
		delete(e.timers, id)
	}
	e.mu.Unlock()

	e.cancel()
	e.bg.Wait()

	e.mu.Lock()
	for id, ch := range e.subs {
		delete(e.subs, id)
		close(ch)
	}
	e.mu.Unlock()
}

// dispatchLocked stamps the action, records it and starts its write and the
// trailing resync. e.mu must be held.
func (e *Engine) dispatchLocked(action inventory.Action, sheet string, item inventory.Item) {
	now := e.opts.Clock.Now()
	e.lastActionAt = now
	seq := e.log.record(action, item, now)
	payload := inventory.BuildPayload(action, sheet, item, now)
	e.inflight++
	e.bg.Add(1)
	e.scheduleResyncLocked(e.opts.ResyncAfterWrite)
	go e.runWrite(seq, payload)
}

func (e *Engine) runWrite(seq uint64, payload inventory.Payload) {
	defer e.bg.Done()
	_, _ = e.write(e.ctx, seq, payload)

	e.mu.Lock()
	e.inflight--
	change := e.changeLocked(ChangeStatus, "")
	e.mu.Unlock()
	e.publish(change)
}

func (e *Engine) runBatch(batch Batch, seqs map[string]uint64) {
	defer e.bg.Done()
	report := e.dispatcher.DispatchBatch(e.ctx, batch, func(ctx context.Context, payload inventory.Payload) (remotestore.WriteReceipt, error) {
		return e.write(ctx, seqs[payload.ID], payload)
	})
	e.logger.Info().
		Int("attempted", report.Attempted).
		Int("failed", report.Failed).
		Dur("duration", report.Duration).
		Msg("batch dispatched")

	e.mu.Lock()
	e.inflight--
	for _, outcome := range report.Outcomes {
		// Items skipped on cancellation never reached write.
		if outcome.Err != nil && outcome.Receipt.CorrelationID == "" {
			e.log.markFailed(seqs[outcome.ID], outcome.Err)
		}
	}
	if !e.closed {
		e.scheduleResyncLocked(e.opts.ResyncAfterBatch)
	}
	change := e.changeLocked(ChangeStatus, "")
	e.mu.Unlock()
	e.publish(change)
}

// write performs one remote write and settles its log entry.
func (e *Engine) write(ctx context.Context, seq uint64, payload inventory.Payload) (remotestore.WriteReceipt, error) {
	wctx, cancel := context.WithTimeout(ctx, e.opts.WriteTimeout)
	defer cancel()
	receipt, err := e.client.Write(wctx, payload)
	e.opts.Metrics.write(string(payload.Action), err)

	e.mu.Lock()
	if err != nil {
		e.log.markFailed(seq, err)
		e.connectivity = ConnectivityError
		e.lastErr = err.Error()
	} else {
		e.log.markSent(seq, receipt)
	}
	e.mu.Unlock()

	if err != nil {
		e.logger.Warn().Err(err).
			Str("action", string(payload.Action)).
			Str("id", payload.ID).
			Msg("remote write failed")
	} else {
		e.logger.Debug().
			Str("action", string(payload.Action)).
			Str("id", payload.ID).
			Str("correlation_id", receipt.CorrelationID).
			Msg("remote write sent")
	}
	return receipt, err
}

// scheduleResyncLocked arms a forced resync after delay. Later actions do
// not cancel earlier timers; only Close does. e.mu must be held.
func (e *Engine) scheduleResyncLocked(delay time.Duration) {
	e.nextTimer++
	id := e.nextTimer
	e.timers[id] = e.opts.Clock.AfterFunc(delay, func() {
		e.mu.Lock()
		delete(e.timers, id)
		if e.closed {
			e.mu.Unlock()
			return
		}
		e.bg.Add(1)
		e.mu.Unlock()
		defer e.bg.Done()

		if _, err := e.Resync(e.ctx, true); err != nil && !errors.Is(err, ErrClosed) {
			e.logger.Debug().Err(err).Msg("trailing resync failed")
		}
	})
}

func (e *Engine) inCooldownLocked() bool {
	if e.lastActionAt.IsZero() || e.opts.Cooldown <= 0 {
		return false
	}
	return e.opts.Clock.Since(e.lastActionAt) < e.opts.Cooldown
}

func (e *Engine) readBoth(ctx context.Context, catalog *inventory.Catalog) ([]inventory.Item, []inventory.Item, error) {
	var active, sales []inventory.Item
	g, gctx := errgroup.WithContext(ctx)
	read := func(sheet string, dst *[]inventory.Item) func() error {
		return func() error {
			rctx, cancel := context.WithTimeout(gctx, e.opts.ReadTimeout)
			defer cancel()
			items, err := remotestore.ReadItems(rctx, e.client, sheet, catalog)
			if err != nil {
				return fmt.Errorf("read %s: %w", sheet, err)
			}
			*dst = items
			return nil
		}
	}
	g.Go(read(e.opts.InventorySheet, &active))
	g.Go(read(e.opts.SalesSheet, &sales))
	if err := g.Wait(); err != nil {
		return nil, nil, err
	}
	return active, sales, nil
}

func (e *Engine) statusLocked() Status {
	return Status{
		Connectivity:         e.connectivity,
		SyncingWrite:         e.inflight > 0,
		InflightWrites:       e.inflight,
		LastUserActionAt:     timePtr(e.lastActionAt),
		LastSyncAt:           timePtr(e.lastSyncAt),
		LastError:            e.lastErr,
		PendingConfirmations: e.log.pending(),
		ActiveCount:          len(e.active),
		SalesCount:           len(e.sales),
		Mode:                 e.opts.Mode,
	}
}

func (e *Engine) changeLocked(kind ChangeKind, action inventory.Action, ids ...string) Change {
	st := e.statusLocked()
	e.opts.Metrics.state(st)
	return Change{
		Kind:   kind,
		Action: action,
		IDs:    ids,
		Status: st,
		At:     e.opts.Clock.Now(),
	}
}

func (e *Engine) publish(change Change) {
	e.mu.Lock()
	defer e.mu.Unlock()
	for id, ch := range e.subs {
		select {
		case ch <- change:
		default:
			e.logger.Debug().Int("subscriber", id).Str("kind", string(change.Kind)).Msg("subscriber lagging; change dropped")
		}
	}
}

// coerce enforces the collection invariants on a raw remote read: sales rows
// are SOLD and carry a final price, inventory rows marked sold are dropped,
// the first occurrence of an id wins and an id in both sheets stays in sales.
func coerce(active, sales []inventory.Item) ([]inventory.Item, []inventory.Item) {
	outSales := make([]inventory.Item, 0, len(sales))
	inSales := make(map[string]struct{}, len(sales))
	for _, it := range sales {
		if _, dup := inSales[it.ID]; dup {
			continue
		}
		inSales[it.ID] = struct{}{}
		it = it.Clone()
		it.Status = inventory.StatusSold
		if it.FinalPrice == nil {
			price := it.SuggestedPrice
			it.FinalPrice = &price
		}
		outSales = append(outSales, it)
	}
	outActive := make([]inventory.Item, 0, len(active))
	inActive := make(map[string]struct{}, len(active))
	for _, it := range active {
		if it.Status == inventory.StatusSold {
			continue
		}
		if _, sold := inSales[it.ID]; sold {
			continue
		}
		if _, dup := inActive[it.ID]; dup {
			continue
		}
		inActive[it.ID] = struct{}{}
		outActive = append(outActive, it.MarkAvailable())
	}
	return outActive, outSales
}
