package botmanager

import (
	"context"
	"fmt"

	"github.com/dbos-inc/dbos-transact-golang/dbos"
	"github.com/shopspring/decimal"

	"gridbot/internal/core"
)

// DurableManager wraps Manager so that a fill's counter-order placement
// and the persistence of its result happen as two steps of one durable
// workflow: if the process crashes between placing the counter order and
// recording it, DBOS replays the workflow and the step-level memoization
// stops the order from being placed twice.
//
// Selected via config's engineType: dbos, mirroring the teacher's
// NewGridEngine vs NewDBOSGridEngine split (internal/engine/gridengine/
// durable.go).
type DurableManager struct {
	*Manager
	dbosCtx dbos.DBOSContext
}

// NewDurable builds a DurableManager sharing Manager's registry/store/bus.
// deps.Stats is pointed at the DurableManager itself before the embedded
// Manager is built, so every bot's runner calls back into
// RunFillWorkflow-backed fill handling rather than the plain Manager's.
func NewDurable(dbosCtx dbos.DBOSContext, store core.Store, bus core.Bus, factory core.RunnerFactory, deps core.RunnerDeps, logger core.Logger) *DurableManager {
	d := &DurableManager{dbosCtx: dbosCtx}
	deps.Stats = d
	d.Manager = New(store, bus, factory, deps, logger.WithField("engine", "dbos"))
	return d
}

// fillWorkflowInput carries the data a counter-order-on-fill workflow needs.
type fillWorkflowInput struct {
	BotID       string
	RoundsDelta int64
	PnlDelta    decimal.Decimal
}

// RunFillWorkflow durably executes place-then-persist for one fill's
// counter order. placeCounterOrder performs the exchange call; its result
// (or error) is memoized by the first RunAsStep so a workflow replay after
// a crash does not re-place the order. The stats update is a second,
// separately memoized step, matching the teacher's "apply result in a
// step to ensure state update is also durable" pattern.
func (d *DurableManager) RunFillWorkflow(ctx context.Context, botID string, roundsDelta int64, pnlDelta decimal.Decimal, placeCounterOrder func(context.Context) error) error {
	_, err := d.dbosCtx.RunWorkflow(d.dbosCtx, func(wfCtx dbos.DBOSContext, input fillWorkflowInput) (any, error) {
		_, err := wfCtx.RunAsStep(wfCtx, func(stepCtx context.Context) (any, error) {
			return nil, placeCounterOrder(stepCtx)
		})
		if err != nil {
			return nil, fmt.Errorf("counter order step failed: %w", err)
		}

		_, err = wfCtx.RunAsStep(wfCtx, func(stepCtx context.Context) (any, error) {
			return nil, d.Manager.UpdateStats(input.BotID, input.RoundsDelta, input.PnlDelta)
		})
		if err != nil {
			return nil, fmt.Errorf("stats update step failed: %w", err)
		}

		return nil, d.Manager.Persist(input.BotID)
	}, fillWorkflowInput{BotID: botID, RoundsDelta: roundsDelta, PnlDelta: pnlDelta})

	return err
}
