package reconcile

import (
	"fmt"
	"strings"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/rs/zerolog"

	"github.com/agentworkforce/partsync/internal/inventory"
)

// ResyncMode selects how a successful remote read lands in local state.
type ResyncMode string

const (
	// ModeOverwrite replaces both collections with the remote read.
	ModeOverwrite ResyncMode = "overwrite"
	// ModeMerge takes the remote read as base and re-applies local actions
	// the remote does not reflect yet.
	ModeMerge ResyncMode = "merge"
)

func ParseResyncMode(raw string) (ResyncMode, error) {
	switch ResyncMode(strings.ToLower(strings.TrimSpace(raw))) {
	case "", ModeOverwrite:
		return ModeOverwrite, nil
	case ModeMerge:
		return ModeMerge, nil
	default:
		return "", fmt.Errorf("unknown resync mode %q", raw)
	}
}

type Options struct {
	InventorySheet string
	SalesSheet     string
	RemovedSheet   string

	// Cooldown is the minimum time after a local action before a
	// non-forced resync may replace local state. Zero takes the default and
	// a negative value disables it; BatchSpacing reads the same way.
	Cooldown         time.Duration
	ResyncAfterWrite time.Duration
	ResyncAfterBatch time.Duration
	BatchSpacing     time.Duration
	ReadTimeout      time.Duration
	WriteTimeout     time.Duration
	// PendingTTL bounds how long an unconfirmed action is kept in the log.
	PendingTTL time.Duration
	Mode       ResyncMode

	Catalog func() *inventory.Catalog
	Clock   clock.Clock
	Logger  *zerolog.Logger
	Metrics *Metrics
}

// DefaultOptions returns the timings tuned against the hosted sheet script.
func DefaultOptions() Options {
	return Options{
		InventorySheet:   "Inventario",
		SalesSheet:       "Ventas",
		RemovedSheet:     "Eliminados",
		Cooldown:         20 * time.Second,
		ResyncAfterWrite: 3 * time.Second,
		ResyncAfterBatch: 4 * time.Second,
		BatchSpacing:     600 * time.Millisecond,
		ReadTimeout:      15 * time.Second,
		WriteTimeout:     15 * time.Second,
		PendingTTL:       5 * time.Minute,
		Mode:             ModeOverwrite,
	}
}

func (o Options) withDefaults() Options {
	d := DefaultOptions()
	if strings.TrimSpace(o.InventorySheet) == "" {
		o.InventorySheet = d.InventorySheet
	}
	if strings.TrimSpace(o.SalesSheet) == "" {
		o.SalesSheet = d.SalesSheet
	}
	if strings.TrimSpace(o.RemovedSheet) == "" {
		o.RemovedSheet = d.RemovedSheet
	}
	if o.Cooldown < 0 {
		o.Cooldown = 0
	} else if o.Cooldown == 0 {
		o.Cooldown = d.Cooldown
	}
	if o.ResyncAfterWrite <= 0 {
		o.ResyncAfterWrite = d.ResyncAfterWrite
	}
	if o.ResyncAfterBatch <= 0 {
		o.ResyncAfterBatch = d.ResyncAfterBatch
	}
	if o.BatchSpacing < 0 {
		o.BatchSpacing = 0
	} else if o.BatchSpacing == 0 {
		o.BatchSpacing = d.BatchSpacing
	}
	if o.ReadTimeout <= 0 {
		o.ReadTimeout = d.ReadTimeout
	}
	if o.WriteTimeout <= 0 {
		o.WriteTimeout = d.WriteTimeout
	}
	if o.PendingTTL <= 0 {
		o.PendingTTL = d.PendingTTL
	}
	if o.Mode == "" {
		o.Mode = d.Mode
	}
	if o.Catalog == nil {
		catalog := inventory.AutoPartsCatalog()
		o.Catalog = func() *inventory.Catalog { return catalog }
	}
	if o.Clock == nil {
		o.Clock = clock.New()
	}
	return o
}
