package reconcile

import (
	"context"
	"errors"
	"reflect"
	"sync"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/stretchr/testify/require"

	"github.com/agentworkforce/partsync/internal/inventory"
	"github.com/agentworkforce/partsync/internal/remotestore"
	"github.com/agentworkforce/partsync/internal/session"
)

type fakeStore struct {
	mu       sync.Mutex
	rows     map[string][]map[string]any
	readErr  error
	writeErr error
	reads    int
	writes   []inventory.Payload
	writeAt  []time.Time
}

func newFakeStore() *fakeStore {
	return &fakeStore{rows: map[string][]map[string]any{}}
}

func (f *fakeStore) Read(_ context.Context, sheet string) ([]map[string]any, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.reads++
	if f.readErr != nil {
		return nil, f.readErr
	}
	out := make([]map[string]any, 0, len(f.rows[sheet]))
	for _, row := range f.rows[sheet] {
		copied := make(map[string]any, len(row))
		for k, v := range row {
			copied[k] = v
		}
		out = append(out, copied)
	}
	return out, nil
}

func (f *fakeStore) Write(_ context.Context, payload inventory.Payload) (remotestore.WriteReceipt, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.writes = append(f.writes, payload)
	f.writeAt = append(f.writeAt, time.Now())
	if f.writeErr != nil {
		return remotestore.WriteReceipt{}, f.writeErr
	}
	return remotestore.WriteReceipt{CorrelationID: "write_" + payload.ID, SentAt: time.Now()}, nil
}

func (f *fakeStore) set(sheet string, rows ...map[string]any) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.rows[sheet] = rows
}

func (f *fakeStore) setWriteErr(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.writeErr = err
}

func (f *fakeStore) setReadErr(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.readErr = err
}

func (f *fakeStore) writeLog() ([]inventory.Payload, []time.Time) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]inventory.Payload(nil), f.writes...), append([]time.Time(nil), f.writeAt...)
}

func (f *fakeStore) readCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.reads
}

func newTestEngine(t *testing.T, store *fakeStore, opts Options) *Engine {
	t.Helper()
	engine, err := NewEngine(store, opts)
	if err != nil {
		t.Fatalf("new engine failed: %v", err)
	}
	t.Cleanup(engine.Close)
	return engine
}

func mustResync(t *testing.T, e *Engine) {
	t.Helper()
	applied, err := e.Resync(context.Background(), true)
	if err != nil {
		t.Fatalf("forced resync failed: %v", err)
	}
	if !applied {
		t.Fatalf("expected forced resync to apply")
	}
}

func assertInvariant(t *testing.T, snap Snapshot) {
	t.Helper()
	seen := map[string]string{}
	for _, it := range snap.Active {
		if it.Status != inventory.StatusAvailable {
			t.Fatalf("active item %s has status %s", it.ID, it.Status)
		}
		if _, dup := seen[it.ID]; dup {
			t.Fatalf("duplicate id %s in active inventory", it.ID)
		}
		seen[it.ID] = "active"
	}
	for _, it := range snap.Sales {
		if it.Status != inventory.StatusSold {
			t.Fatalf("sold item %s has status %s", it.ID, it.Status)
		}
		if where, dup := seen[it.ID]; dup {
			t.Fatalf("id %s already present in %s", it.ID, where)
		}
		seen[it.ID] = "sales"
	}
}

func longTimers() Options {
	return Options{
		Clock:            clock.NewMock(),
		ResyncAfterWrite: time.Hour,
		ResyncAfterBatch: time.Hour,
		BatchSpacing:     -1,
	}
}

func TestSellMovesItemToSalesHistory(t *testing.T) {
	store := newFakeStore()
	store.set("Inventario", map[string]any{"id": "A1", "status": "AVAILABLE", "precio": 500})
	engine := newTestEngine(t, store, longTimers())
	mustResync(t, engine)

	if err := engine.Sell("A1", 450); err != nil {
		t.Fatalf("sell failed: %v", err)
	}

	snap := engine.Snapshot()
	if len(snap.Active) != 0 {
		t.Fatalf("expected empty active inventory, got %+v", snap.Active)
	}
	if len(snap.Sales) != 1 || snap.Sales[0].ID != "A1" || snap.Sales[0].Status != inventory.StatusSold {
		t.Fatalf("unexpected sales history: %+v", snap.Sales)
	}
	if snap.Sales[0].FinalPrice == nil || *snap.Sales[0].FinalPrice != 450 {
		t.Fatalf("expected finalPrice 450, got %v", snap.Sales[0].FinalPrice)
	}
	if snap.Status.LastUserActionAt == nil {
		t.Fatalf("expected action timestamp to be stamped")
	}
	assertInvariant(t, snap)

	require.Eventually(t, func() bool {
		writes, _ := store.writeLog()
		return len(writes) == 1
	}, time.Second, 5*time.Millisecond)
	writes, _ := store.writeLog()
	if writes[0].Action != inventory.ActionSell || writes[0].Sheet != "Ventas" || writes[0].ID != "A1" {
		t.Fatalf("unexpected write payload: %+v", writes[0])
	}
	if writes[0].FinalPrice == nil || *writes[0].FinalPrice != 450 {
		t.Fatalf("expected payload finalPrice 450, got %v", writes[0].FinalPrice)
	}
}

func TestSellUnknownItemFails(t *testing.T) {
	engine := newTestEngine(t, newFakeStore(), longTimers())
	err := engine.Sell("missing", 10)
	if !errors.Is(err, ErrItemNotFound) {
		t.Fatalf("expected ErrItemNotFound, got %v", err)
	}
	if err := engine.Sell("missing", -1); !errors.Is(err, inventory.ErrInvalidInput) {
		t.Fatalf("expected ErrInvalidInput for negative price, got %v", err)
	}
}

func TestDeleteItemLeavesSalesUntouched(t *testing.T) {
	store := newFakeStore()
	store.set("Inventario", map[string]any{"id": "B2"})
	store.set("Ventas", map[string]any{"id": "S9", "precioVenta": 80})
	engine := newTestEngine(t, store, longTimers())
	mustResync(t, engine)
	before := engine.Snapshot().Sales

	if err := engine.DeleteItem("B2"); err != nil {
		t.Fatalf("delete failed: %v", err)
	}
	snap := engine.Snapshot()
	if len(snap.Active) != 0 {
		t.Fatalf("expected empty active inventory, got %+v", snap.Active)
	}
	if !reflect.DeepEqual(before, snap.Sales) {
		t.Fatalf("sales history changed: before %+v after %+v", before, snap.Sales)
	}

	require.Eventually(t, func() bool {
		writes, _ := store.writeLog()
		return len(writes) == 1
	}, time.Second, 5*time.Millisecond)
	writes, _ := store.writeLog()
	if writes[0].Action != inventory.ActionDelete || writes[0].Sheet != "Eliminados" {
		t.Fatalf("expected DELETE to removed ledger, got %+v", writes[0])
	}
	if err := engine.DeleteItem("B2"); !errors.Is(err, ErrItemNotFound) {
		t.Fatalf("expected second delete to fail with ErrItemNotFound, got %v", err)
	}
}

func TestSellThenReturnRestoresItem(t *testing.T) {
	store := newFakeStore()
	store.set("Inventario", map[string]any{
		"id": "A1", "parte": "Alternador", "categoria": "electrico", "precio": "$500", "marca": "Ford",
	})
	engine := newTestEngine(t, store, longTimers())
	mustResync(t, engine)
	original := engine.Snapshot().Active[0]

	if err := engine.Sell("A1", 450); err != nil {
		t.Fatalf("sell failed: %v", err)
	}
	if err := engine.ReturnItem("A1"); err != nil {
		t.Fatalf("return failed: %v", err)
	}

	snap := engine.Snapshot()
	if len(snap.Sales) != 0 || len(snap.Active) != 1 {
		t.Fatalf("unexpected collections after return: %+v", snap)
	}
	if !reflect.DeepEqual(original, snap.Active[0]) {
		t.Fatalf("expected restored item %+v, got %+v", original, snap.Active[0])
	}
	assertInvariant(t, snap)

	require.Eventually(t, func() bool {
		writes, _ := store.writeLog()
		return len(writes) == 2
	}, time.Second, 5*time.Millisecond)
	if err := engine.ReturnItem("A1"); !errors.Is(err, ErrItemNotFound) {
		t.Fatalf("expected ErrItemNotFound for item not in sales, got %v", err)
	}
}

func TestWriteFailureSetsErrorWithoutRollback(t *testing.T) {
	store := newFakeStore()
	store.set("Inventario", map[string]any{"id": "A1", "precio": 500})
	engine := newTestEngine(t, store, longTimers())
	mustResync(t, engine)
	store.setWriteErr(errors.New("connection refused"))

	if err := engine.Sell("A1", 450); err != nil {
		t.Fatalf("sell must not surface write failures, got %v", err)
	}
	require.Eventually(t, func() bool {
		st := engine.Status()
		return st.Connectivity == ConnectivityError && !st.SyncingWrite
	}, time.Second, 5*time.Millisecond)

	snap := engine.Snapshot()
	if len(snap.Sales) != 1 || len(snap.Active) != 0 {
		t.Fatalf("expected optimistic sale to stay applied, got %+v", snap)
	}
	pending := engine.PendingActions()
	if len(pending) != 1 || pending[0].State != entryFailed || pending[0].LastError == "" {
		t.Fatalf("expected failed log entry, got %+v", pending)
	}
}

func TestResyncOverwritesLocalState(t *testing.T) {
	store := newFakeStore()
	store.set("Inventario", map[string]any{"id": "OLD", "precio": 1})
	store.set("Ventas", map[string]any{"id": "SOLD1", "precio": 2})
	engine := newTestEngine(t, store, longTimers())
	mustResync(t, engine)

	store.set("Inventario", map[string]any{"id": "C3", "status": "AVAILABLE", "precio": "$100"})
	store.set("Ventas")

	applied, err := engine.Resync(context.Background(), false)
	if err != nil || !applied {
		t.Fatalf("expected resync to apply, applied=%v err=%v", applied, err)
	}
	snap := engine.Snapshot()
	if len(snap.Active) != 1 {
		t.Fatalf("expected single active item, got %+v", snap.Active)
	}
	c3 := snap.Active[0]
	if c3.ID != "C3" || c3.SuggestedPrice != 100 || c3.Status != inventory.StatusAvailable {
		t.Fatalf("unexpected item: %+v", c3)
	}
	if len(snap.Sales) != 0 {
		t.Fatalf("expected empty sales history, got %+v", snap.Sales)
	}
	if snap.Status.Connectivity != Connected {
		t.Fatalf("expected CONNECTED, got %s", snap.Status.Connectivity)
	}
}

func TestResyncIsIdempotent(t *testing.T) {
	store := newFakeStore()
	store.set("Inventario",
		map[string]any{"id": "A1", "precio": "1.250,50"},
		map[string]any{"id": "A2", "parte": "Bomba de agua", "categoria": "enfriamiento"},
	)
	store.set("Ventas", map[string]any{"id": "S1", "estado": "vendida", "precioVenta": 90})
	engine := newTestEngine(t, store, longTimers())

	mustResync(t, engine)
	first := engine.Snapshot()
	mustResync(t, engine)
	second := engine.Snapshot()

	if !reflect.DeepEqual(first.Active, second.Active) || !reflect.DeepEqual(first.Sales, second.Sales) {
		t.Fatalf("resync not idempotent:\nfirst  %+v\nsecond %+v", first, second)
	}
}

func TestCooldownSkipsNonForcedResync(t *testing.T) {
	mock := clock.NewMock()
	mock.Add(time.Hour)
	store := newFakeStore()
	store.set("Inventario", map[string]any{"id": "A1", "precio": 500})
	engine := newTestEngine(t, store, Options{
		Clock:            mock,
		Cooldown:         20 * time.Second,
		ResyncAfterWrite: time.Hour,
	})
	mustResync(t, engine)

	if err := engine.Sell("A1", 450); err != nil {
		t.Fatalf("sell failed: %v", err)
	}
	store.set("Inventario", map[string]any{"id": "Z9", "precio": 10})
	reads := store.readCount()

	applied, err := engine.Resync(context.Background(), false)
	if err != nil || applied {
		t.Fatalf("expected cooldown skip, applied=%v err=%v", applied, err)
	}
	if store.readCount() != reads {
		t.Fatalf("cooldown skip must not read the remote store")
	}
	if snap := engine.Snapshot(); len(snap.Sales) != 1 || len(snap.Active) != 0 {
		t.Fatalf("collections changed inside cooldown: %+v", snap)
	}

	mock.Add(21 * time.Second)
	applied, err = engine.Resync(context.Background(), false)
	if err != nil || !applied {
		t.Fatalf("expected resync after cooldown, applied=%v err=%v", applied, err)
	}
	snap := engine.Snapshot()
	if len(snap.Active) != 1 || snap.Active[0].ID != "Z9" || len(snap.Sales) != 0 {
		t.Fatalf("expected remote state after cooldown, got %+v", snap)
	}
}

func TestForcedResyncIgnoresCooldown(t *testing.T) {
	store := newFakeStore()
	store.set("Inventario", map[string]any{"id": "A1"})
	engine := newTestEngine(t, store, longTimers())
	mustResync(t, engine)
	if err := engine.DeleteItem("A1"); err != nil {
		t.Fatalf("delete failed: %v", err)
	}
	mustResync(t, engine)
	if snap := engine.Snapshot(); len(snap.Active) != 1 {
		t.Fatalf("forced overwrite should restore remote row, got %+v", snap.Active)
	}
}

func TestTrailingResyncRunsAfterWrite(t *testing.T) {
	mock := clock.NewMock()
	store := newFakeStore()
	store.set("Inventario", map[string]any{"id": "A1", "precio": 500})
	engine := newTestEngine(t, store, Options{Clock: mock, ResyncAfterWrite: 3 * time.Second})
	mustResync(t, engine)

	if err := engine.Sell("A1", 450); err != nil {
		t.Fatalf("sell failed: %v", err)
	}
	store.set("Inventario")
	store.set("Ventas", map[string]any{"id": "A1", "estado": "VENDIDO", "precioVenta": 450})
	reads := store.readCount()

	mock.Add(3 * time.Second)
	require.Eventually(t, func() bool {
		return store.readCount() >= reads+2 && engine.Status().PendingConfirmations == 0
	}, time.Second, 5*time.Millisecond)

	snap := engine.Snapshot()
	if len(snap.Sales) != 1 || *snap.Sales[0].FinalPrice != 450 {
		t.Fatalf("unexpected sales after trailing resync: %+v", snap.Sales)
	}
}

func TestResyncFailureKeepsLocalState(t *testing.T) {
	store := newFakeStore()
	store.set("Inventario", map[string]any{"id": "A1"})
	engine := newTestEngine(t, store, longTimers())
	mustResync(t, engine)

	store.setReadErr(errors.New("timeout"))
	applied, err := engine.Resync(context.Background(), true)
	if err == nil || applied {
		t.Fatalf("expected failed resync, applied=%v err=%v", applied, err)
	}
	snap := engine.Snapshot()
	if snap.Status.Connectivity != ConnectivityError || len(snap.Active) != 1 {
		t.Fatalf("expected ERROR with local state kept, got %+v", snap)
	}

	store.setReadErr(nil)
	mustResync(t, engine)
	if engine.Status().Connectivity != Connected {
		t.Fatalf("expected CONNECTED after recovery")
	}
}

func TestResyncCoercesRemoteRows(t *testing.T) {
	store := newFakeStore()
	store.set("Inventario",
		map[string]any{"id": "A1", "precio": 10},
		map[string]any{"id": "A1", "precio": 99},
		map[string]any{"id": "X1", "status": "VENDIDO"},
		map[string]any{"id": "S1", "precio": 5},
	)
	store.set("Ventas", map[string]any{"id": "S1", "precio": 70})
	engine := newTestEngine(t, store, longTimers())
	mustResync(t, engine)

	snap := engine.Snapshot()
	assertInvariant(t, snap)
	if len(snap.Active) != 1 || snap.Active[0].ID != "A1" || snap.Active[0].SuggestedPrice != 10 {
		t.Fatalf("unexpected active after coercion: %+v", snap.Active)
	}
	if len(snap.Sales) != 1 || snap.Sales[0].FinalPrice == nil || *snap.Sales[0].FinalPrice != 70 {
		t.Fatalf("expected sales row with finalPrice defaulted to price, got %+v", snap.Sales)
	}
}

func TestMergeModeReappliesUnconfirmedActions(t *testing.T) {
	mock := clock.NewMock()
	store := newFakeStore()
	store.set("Inventario", map[string]any{"id": "A1"}, map[string]any{"id": "B2"})
	engine := newTestEngine(t, store, Options{
		Clock:            mock,
		Mode:             ModeMerge,
		ResyncAfterWrite: time.Hour,
		PendingTTL:       time.Minute,
	})
	mustResync(t, engine)

	if err := engine.Sell("A1", 40); err != nil {
		t.Fatalf("sell failed: %v", err)
	}
	// Remote has not caught up yet.
	mustResync(t, engine)
	snap := engine.Snapshot()
	if len(snap.Active) != 1 || snap.Active[0].ID != "B2" || len(snap.Sales) != 1 || snap.Sales[0].ID != "A1" {
		t.Fatalf("expected local sale to survive stale read, got %+v", snap)
	}
	if snap.Status.PendingConfirmations != 1 {
		t.Fatalf("expected one unconfirmed action, got %d", snap.Status.PendingConfirmations)
	}
	assertInvariant(t, snap)

	store.set("Inventario", map[string]any{"id": "B2"})
	store.set("Ventas", map[string]any{"id": "A1", "precioVenta": 40})
	mustResync(t, engine)
	if pending := engine.Status().PendingConfirmations; pending != 0 {
		t.Fatalf("expected confirmation to prune the log, got %d pending", pending)
	}
}

func TestMergeModeDropsExpiredActions(t *testing.T) {
	mock := clock.NewMock()
	store := newFakeStore()
	store.set("Inventario", map[string]any{"id": "A1"})
	engine := newTestEngine(t, store, Options{
		Clock:            mock,
		Mode:             ModeMerge,
		ResyncAfterWrite: time.Hour,
		PendingTTL:       time.Minute,
	})
	mustResync(t, engine)
	if err := engine.DeleteItem("A1"); err != nil {
		t.Fatalf("delete failed: %v", err)
	}

	mock.Add(2 * time.Minute)
	mustResync(t, engine)
	snap := engine.Snapshot()
	if len(snap.Active) != 1 || snap.Status.PendingConfirmations != 0 {
		t.Fatalf("expected expired delete to be dropped, got %+v", snap)
	}
}

func TestAddItemsPrependsAndDispatchesInOrder(t *testing.T) {
	store := newFakeStore()
	store.set("Inventario", map[string]any{"id": "OLD"})
	engine := newTestEngine(t, store, Options{
		BatchSpacing:     20 * time.Millisecond,
		ResyncAfterWrite: time.Hour,
		ResyncAfterBatch: time.Hour,
	})
	mustResync(t, engine)

	added, err := engine.AddItems([]inventory.Item{
		{Name: "Faro", Category: "iluminacion", Status: inventory.StatusSold},
		{Name: "Puerta", Category: "carroceria"},
		{ID: "P3", Name: "Radiador"},
	})
	if err != nil {
		t.Fatalf("add failed: %v", err)
	}
	if len(added) != 3 || added[0].ID == "" || added[1].ID == "" || added[0].ID == added[1].ID {
		t.Fatalf("expected distinct generated ids, got %+v", added)
	}
	if added[0].Status != inventory.StatusAvailable || added[0].Category != "LIGHTING" {
		t.Fatalf("expected normalized first item, got %+v", added[0])
	}

	snap := engine.Snapshot()
	gotIDs := []string{snap.Active[0].ID, snap.Active[1].ID, snap.Active[2].ID, snap.Active[3].ID}
	wantIDs := []string{added[0].ID, added[1].ID, "P3", "OLD"}
	if !reflect.DeepEqual(gotIDs, wantIDs) {
		t.Fatalf("expected %v, got %v", wantIDs, gotIDs)
	}
	require.Eventually(t, func() bool {
		return !engine.Status().SyncingWrite
	}, 2*time.Second, 5*time.Millisecond)
	writes, at := store.writeLog()
	if len(writes) != 3 {
		t.Fatalf("expected 3 writes, got %d", len(writes))
	}
	for i, w := range writes {
		if w.ID != wantIDs[i] || w.Action != inventory.ActionAdd || w.Sheet != "Inventario" {
			t.Fatalf("write %d out of order: %+v", i, w)
		}
	}
	for i := 1; i < len(at); i++ {
		if gap := at[i].Sub(at[i-1]); gap < 20*time.Millisecond {
			t.Fatalf("expected spacing >= 20ms before write %d, got %s", i+1, gap)
		}
	}
}

func TestAddItemsEmptyIsNoop(t *testing.T) {
	engine := newTestEngine(t, newFakeStore(), longTimers())
	added, err := engine.AddItems(nil)
	if err != nil || added != nil {
		t.Fatalf("expected no-op, got %+v %v", added, err)
	}
	if st := engine.Status(); st.LastUserActionAt != nil || st.SyncingWrite {
		t.Fatalf("empty add must not stamp an action: %+v", st)
	}
}

func TestAddItemsKeepsSaleRecordOnIDCollision(t *testing.T) {
	store := newFakeStore()
	store.set("Ventas", map[string]any{"id": "S1", "parte": "Alternador", "precio": 500, "finalPrice": 450})
	engine := newTestEngine(t, store, longTimers())
	mustResync(t, engine)

	added, err := engine.AddItems([]inventory.Item{{ID: "S1", Name: "Alternador nuevo", SuggestedPrice: 600}})
	if err != nil {
		t.Fatalf("add failed: %v", err)
	}
	if len(added) != 1 || added[0].ID == "" || added[0].ID == "S1" {
		t.Fatalf("expected a fresh id for the colliding add, got %+v", added)
	}
	snap := engine.Snapshot()
	if len(snap.Sales) != 1 || snap.Sales[0].ID != "S1" {
		t.Fatalf("sale record must survive the add, got %+v", snap.Sales)
	}
	if len(snap.Active) != 1 || snap.Active[0].ID != added[0].ID {
		t.Fatalf("expected the added item in inventory, got %+v", snap.Active)
	}
	assertInvariant(t, snap)

	require.Eventually(t, func() bool {
		writes, _ := store.writeLog()
		return len(writes) == 1
	}, time.Second, 5*time.Millisecond)
	writes, _ := store.writeLog()
	if writes[0].ID != added[0].ID || writes[0].Action != inventory.ActionAdd {
		t.Fatalf("unexpected add payload: %+v", writes[0])
	}

	// The remote now holds both rows; the next read keeps both.
	store.set("Inventario", map[string]any{"id": added[0].ID, "parte": "Alternador nuevo", "precio": 600})
	mustResync(t, engine)
	snap = engine.Snapshot()
	if len(snap.Active) != 1 || snap.Active[0].ID != added[0].ID || len(snap.Sales) != 1 {
		t.Fatalf("expected both records after resync, got %+v", snap)
	}
}

func TestNegativeCooldownAllowsImmediateResync(t *testing.T) {
	store := newFakeStore()
	store.set("Inventario", map[string]any{"id": "A1", "precio": 500})
	opts := longTimers()
	opts.Cooldown = -1
	engine := newTestEngine(t, store, opts)
	mustResync(t, engine)

	if err := engine.DeleteItem("A1"); err != nil {
		t.Fatalf("delete failed: %v", err)
	}
	applied, err := engine.Resync(context.Background(), false)
	if err != nil || !applied {
		t.Fatalf("expected resync with cooldown disabled, applied=%v err=%v", applied, err)
	}
}

func TestSubscribeReceivesChanges(t *testing.T) {
	store := newFakeStore()
	store.set("Inventario", map[string]any{"id": "A1"})
	engine := newTestEngine(t, store, longTimers())
	changes, cancel := engine.Subscribe()
	defer cancel()

	mustResync(t, engine)
	select {
	case ch := <-changes:
		if ch.Kind != ChangeResync || ch.Status.ActiveCount != 1 {
			t.Fatalf("unexpected change: %+v", ch)
		}
	case <-time.After(time.Second):
		t.Fatalf("timed out waiting for resync change")
	}

	if err := engine.Sell("A1", 1); err != nil {
		t.Fatalf("sell failed: %v", err)
	}
	select {
	case ch := <-changes:
		if ch.Kind != ChangeMutation || ch.Action != inventory.ActionSell || !reflect.DeepEqual(ch.IDs, []string{"A1"}) {
			t.Fatalf("unexpected change: %+v", ch)
		}
	case <-time.After(time.Second):
		t.Fatalf("timed out waiting for mutation change")
	}
}

func TestSessionEventsDriveEngine(t *testing.T) {
	store := newFakeStore()
	store.set("Inventario", map[string]any{"id": "A1"})
	engine := newTestEngine(t, store, longTimers())
	manager, err := session.NewManager(session.Config{JWTSecret: "test-secret"})
	if err != nil {
		t.Fatalf("new manager failed: %v", err)
	}
	detach := engine.AttachSession(manager)
	defer detach()

	token, err := session.IssueToken("test-secret", session.NewSession("user_1", "tenant_1", "inventory:read"), time.Hour)
	if err != nil {
		t.Fatalf("issue token failed: %v", err)
	}
	if _, err := manager.SignIn(token); err != nil {
		t.Fatalf("sign in failed: %v", err)
	}
	require.Eventually(t, func() bool {
		return engine.Status().Connectivity == Connected
	}, time.Second, 5*time.Millisecond)
	if snap := engine.Snapshot(); len(snap.Active) != 1 {
		t.Fatalf("expected sign-in resync to load inventory, got %+v", snap)
	}

	manager.SignOut()
	snap := engine.Snapshot()
	if len(snap.Active) != 0 || len(snap.Sales) != 0 || snap.Status.Connectivity != Offline {
		t.Fatalf("expected cleared OFFLINE engine after sign-out, got %+v", snap)
	}
}

func TestCloseRejectsFurtherActions(t *testing.T) {
	engine, err := NewEngine(newFakeStore(), longTimers())
	if err != nil {
		t.Fatalf("new engine failed: %v", err)
	}
	changes, _ := engine.Subscribe()
	engine.Close()
	if _, open := <-changes; open {
		t.Fatalf("expected subscriber channel to be closed")
	}
	if err := engine.Sell("A1", 1); !errors.Is(err, ErrClosed) {
		t.Fatalf("expected ErrClosed, got %v", err)
	}
	if _, err := engine.Resync(context.Background(), true); !errors.Is(err, ErrClosed) {
		t.Fatalf("expected ErrClosed from resync, got %v", err)
	}
	engine.Close()
}
