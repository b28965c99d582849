package reconcile

import (
	"context"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/rs/zerolog"

	"github.com/agentworkforce/partsync/internal/inventory"
	"github.com/agentworkforce/partsync/internal/logx"
	"github.com/agentworkforce/partsync/internal/remotestore"
)

// WriteFunc performs one remote write and reports its transport outcome.
type WriteFunc func(ctx context.Context, payload inventory.Payload) (remotestore.WriteReceipt, error)

type Batch struct {
	Action inventory.Action
	Sheet  string
	Items  []inventory.Item
}

type WriteOutcome struct {
	ID      string
	Receipt remotestore.WriteReceipt
	Err     error
}

type BatchReport struct {
	Attempted int
	Failed    int
	Outcomes  []WriteOutcome
	Duration  time.Duration
}

// Dispatcher serializes multi-record writes with a fixed spacing between
// them. It never retries; failures are logged and reported.
type Dispatcher struct {
	spacing time.Duration
	clock   clock.Clock
	logger  *zerolog.Logger
	metrics *Metrics
}

func NewDispatcher(spacing time.Duration, clk clock.Clock, logger *zerolog.Logger, metrics *Metrics) *Dispatcher {
	if clk == nil {
		clk = clock.New()
	}
	if spacing < 0 {
		spacing = 0
	}
	return &Dispatcher{
		spacing: spacing,
		clock:   clk,
		logger:  logx.Or(logger),
		metrics: metrics,
	}
}

// DispatchBatch writes every item in order. Item i is sent only after item
// i-1 settled, and the spacing wait happens between writes, never after the
// last one. A cancelled ctx reports the untouched remainder as failed.
func (d *Dispatcher) DispatchBatch(ctx context.Context, batch Batch, writeFn WriteFunc) BatchReport {
	started := d.clock.Now()
	report := BatchReport{Outcomes: make([]WriteOutcome, 0, len(batch.Items))}
	for i, item := range batch.Items {
		if err := ctx.Err(); err != nil {
			report.Failed++
			report.Outcomes = append(report.Outcomes, WriteOutcome{ID: item.ID, Err: err})
			continue
		}
		payload := inventory.BuildPayload(batch.Action, batch.Sheet, item, d.clock.Now())
		receipt, err := writeFn(ctx, payload)
		report.Attempted++
		report.Outcomes = append(report.Outcomes, WriteOutcome{ID: item.ID, Receipt: receipt, Err: err})
		if err != nil {
			report.Failed++
			d.logger.Warn().Err(err).
				Str("action", string(batch.Action)).
				Str("id", item.ID).
				Int("position", i+1).
				Int("total", len(batch.Items)).
				Msg("batch write failed; continuing with remaining items")
		}
		if i < len(batch.Items)-1 {
			d.wait(ctx)
		}
	}
	report.Duration = d.clock.Since(started)
	d.metrics.batch(report.Duration)
	return report
}

func (d *Dispatcher) wait(ctx context.Context) {
	if d.spacing <= 0 {
		return
	}
	timer := d.clock.Timer(d.spacing)
	defer timer.Stop()
	select {
	case <-ctx.Done():
	case <-timer.C:
	}
}
