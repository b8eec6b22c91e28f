// Package daemon hosts the periodic drivers for the two control loops.
// The run manager and the pool controller keep no timers of their own;
// these daemons tick them from cron entries with overlap suppression, so
// a slow sweep can never pile up behind itself.
package daemon

import (
	"context"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog/log"

	"github.com/DRSY/codalab-worksheets/internal/pool"
	"github.com/DRSY/codalab-worksheets/internal/run"
)

// WorkerDaemon drives one run manager: a sweep tick that advances every
// run, and a slower snapshot tick that commits the run map.
type WorkerDaemon struct {
	manager *run.Manager
	cron    *cron.Cron

	sweepInterval    time.Duration
	snapshotInterval time.Duration

	isRunning  bool
	context    context.Context
	cancelFunc context.CancelFunc
}

// NewWorkerDaemon creates the driver for the given manager.
func NewWorkerDaemon(manager *run.Manager, sweepInterval, snapshotInterval time.Duration) *WorkerDaemon {
	c := cron.New(
		cron.WithParser(cron.NewParser(cron.SecondOptional|cron.Minute|cron.Hour|cron.Dom|cron.Month|cron.Dow|cron.Descriptor)),
		cron.WithLocation(time.UTC),
	)
	return &WorkerDaemon{
		manager:          manager,
		cron:             c,
		sweepInterval:    sweepInterval,
		snapshotInterval: snapshotInterval,
	}
}

// Start restores the run map and begins ticking. Returns immediately; the
// ticks run on the cron's goroutine.
func (d *WorkerDaemon) Start(ctx context.Context) error {
	if d.isRunning {
		return nil
	}

	if err := d.manager.Start(); err != nil {
		return fmt.Errorf("could not restore run state: %w", err)
	}

	d.isRunning = true
	d.context, d.cancelFunc = context.WithCancel(ctx)

	sweep := noOverlap(func() {
		d.manager.ProcessRuns(d.context)
	})
	if _, err := d.cron.AddFunc(every(d.sweepInterval), sweep); err != nil {
		return err
	}

	snapshot := noOverlap(func() {
		if err := d.manager.SaveState(); err != nil {
			log.Error().Err(err).Msg("Could not commit run snapshot")
		}
	})
	if _, err := d.cron.AddFunc(every(d.snapshotInterval), snapshot); err != nil {
		return err
	}

	d.cron.Start()
	return nil
}

// Stop drains the manager, commits a final snapshot and stops ticking.
func (d *WorkerDaemon) Stop() {
	if !d.isRunning {
		return
	}

	d.manager.Stop()
	d.cron.Stop()
	d.cancelFunc()

	if err := d.manager.SaveState(); err != nil {
		log.Error().Err(err).Msg("Could not commit final run snapshot")
	}
	d.isRunning = false
}

// PoolDaemon drives the worker-pool controller's reconcile loop.
type PoolDaemon struct {
	controller *pool.Controller
	cron       *cron.Cron
	interval   time.Duration

	isRunning  bool
	context    context.Context
	cancelFunc context.CancelFunc
}

// NewPoolDaemon creates the driver for the given controller.
func NewPoolDaemon(controller *pool.Controller, interval time.Duration) *PoolDaemon {
	c := cron.New(
		cron.WithParser(cron.NewParser(cron.SecondOptional|cron.Minute|cron.Hour|cron.Dom|cron.Month|cron.Dow|cron.Descriptor)),
		cron.WithLocation(time.UTC),
	)
	return &PoolDaemon{controller: controller, cron: c, interval: interval}
}

// Start begins reconciling. A failed tick is logged and retried on the
// next one; the loop itself never aborts.
func (d *PoolDaemon) Start(ctx context.Context) error {
	if d.isRunning {
		return nil
	}

	d.isRunning = true
	d.context, d.cancelFunc = context.WithCancel(ctx)

	reconcile := noOverlap(func() {
		if err := d.controller.Reconcile(d.context); err != nil {
			log.Error().Err(err).Msg("Worker pool reconcile failed")
		}
	})
	if _, err := d.cron.AddFunc(every(d.interval), reconcile); err != nil {
		return err
	}

	d.cron.Start()
	return nil
}

func (d *PoolDaemon) Stop() {
	if !d.isRunning {
		return
	}
	d.cron.Stop()
	d.cancelFunc()
	d.isRunning = false
}

func every(interval time.Duration) string {
	return fmt.Sprintf("@every %s", interval)
}

// noOverlap skips a tick while the previous one is still running.
func noOverlap(tick func()) func() {
	ch := make(chan struct{}, 1)
	ch <- struct{}{}

	return func() {
		select {
		case <-ch:
			defer func() { ch <- struct{}{} }()
			tick()
		default:
		}
	}
}
