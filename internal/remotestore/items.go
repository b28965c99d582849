package remotestore

import (
	"context"

	"github.com/agentworkforce/partsync/internal/inventory"
)

// ReadItems reads sheet and normalizes its rows against catalog.
func ReadItems(ctx context.Context, client Client, sheet string, catalog *inventory.Catalog) ([]inventory.Item, error) {
	rows, err := client.Read(ctx, sheet)
	if err != nil {
		return nil, err
	}
	return inventory.NewNormalizer(catalog).NormalizeRows(rows), nil
}
