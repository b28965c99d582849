package reconcile_test

import (
	"context"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/agentworkforce/partsync/internal/inventory"
	"github.com/agentworkforce/partsync/internal/reconcile"
	"github.com/agentworkforce/partsync/internal/remotestore"
	"github.com/agentworkforce/partsync/internal/sheetstore"
)

func TestEngineAgainstSheetStore(t *testing.T) {
	store, err := sheetstore.NewStore(nil, sheetstore.SheetNames{}, nil)
	require.NoError(t, err)
	server, err := sheetstore.NewServer(store, nil)
	require.NoError(t, err)
	ts := httptest.NewServer(server.Router())
	defer ts.Close()

	require.NoError(t, store.Apply(inventory.Payload{
		Action: inventory.ActionAdd, ID: "A1", Parte: "Alternador", Categoria: "MOTOR", Precio: 500,
		Marca: "Nissan", Modelo: "Tsuru", Anio: 2010,
	}))

	client, err := remotestore.NewHTTPClient(ts.URL, remotestore.Options{MaxRetries: -1})
	require.NoError(t, err)
	opts := reconcile.DefaultOptions()
	opts.ResyncAfterWrite = time.Hour
	opts.ResyncAfterBatch = time.Hour
	opts.BatchSpacing = 5 * time.Millisecond
	engine, err := reconcile.NewEngine(client, opts)
	require.NoError(t, err)
	t.Cleanup(engine.Close)

	ctx := context.Background()
	resync := func() reconcile.Snapshot {
		t.Helper()
		ran, err := engine.Resync(ctx, true)
		require.NoError(t, err)
		require.True(t, ran)
		return engine.Snapshot()
	}
	sheetHas := func(sheet, id string) func() bool {
		return func() bool {
			for _, row := range store.Read(sheet) {
				if row["id"] == id {
					return true
				}
			}
			return false
		}
	}

	snap := resync()
	require.Equal(t, reconcile.Connected, snap.Status.Connectivity)
	require.Len(t, snap.Active, 1)
	require.Equal(t, "ENGINE", snap.Active[0].Category)
	require.Equal(t, 500.0, snap.Active[0].SuggestedPrice)
	require.Equal(t, 2010, snap.Active[0].VehicleInfo.Year)

	require.NoError(t, engine.Sell("A1", 450))
	require.Eventually(t, sheetHas("Ventas", "A1"), 2*time.Second, 10*time.Millisecond)
	snap = resync()
	require.Empty(t, snap.Active)
	require.Len(t, snap.Sales, 1)
	require.Equal(t, inventory.StatusSold, snap.Sales[0].Status)
	require.NotNil(t, snap.Sales[0].FinalPrice)
	require.Equal(t, 450.0, *snap.Sales[0].FinalPrice)

	require.NoError(t, engine.ReturnItem("A1"))
	require.Eventually(t, sheetHas("Inventario", "A1"), 2*time.Second, 10*time.Millisecond)
	snap = resync()
	require.Empty(t, snap.Sales)
	require.Len(t, snap.Active, 1)
	require.Equal(t, inventory.StatusAvailable, snap.Active[0].Status)
	require.Nil(t, snap.Active[0].FinalPrice)

	added, err := engine.AddItems([]inventory.Item{
		{ID: "C3", Name: "Faro", Category: "luces", SuggestedPrice: 300},
		{ID: "D4", Name: "Radiador", Category: "enfriamiento", SuggestedPrice: 900},
	})
	require.NoError(t, err)
	require.Len(t, added, 2)
	require.Eventually(t, sheetHas("Inventario", "D4"), 2*time.Second, 10*time.Millisecond)

	require.NoError(t, engine.DeleteItem("C3"))
	require.Eventually(t, sheetHas("Eliminados", "C3"), 2*time.Second, 10*time.Millisecond)

	snap = resync()
	ids := make([]string, 0, len(snap.Active))
	for _, it := range snap.Active {
		ids = append(ids, it.ID)
	}
	require.ElementsMatch(t, []string{"A1", "D4"}, ids)
	require.Equal(t, reconcile.Connected, engine.Status().Connectivity)
}
