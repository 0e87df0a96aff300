package main

import (
	"context"
	"errors"
	"io"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/efarrell-labs/alertrunner/internal/config"
	"github.com/efarrell-labs/alertrunner/internal/engine"
	"github.com/efarrell-labs/alertrunner/internal/models"
	"github.com/efarrell-labs/alertrunner/internal/registry"
	"github.com/efarrell-labs/alertrunner/internal/risk"
	"github.com/efarrell-labs/alertrunner/internal/sink"
)

// Orchestrator ties the pipeline together: events flow from the source
// through the risk gate and registry into the engine, while the bracket
// monitor, periodic reconciliation and end-of-day liquidation run
// alongside.
type Orchestrator struct {
	cfg      *config.Config
	source   EventSource
	registry *registry.Registry
	gate     *risk.Gate
	engine   *engine.Engine
	sinks    sink.Sink
	logger   *logrus.Logger

	lastLiquidation time.Time
}

// NewOrchestrator wires the processing pipeline.
func NewOrchestrator(cfg *config.Config, source EventSource, reg *registry.Registry,
	gate *risk.Gate, eng *engine.Engine, sinks sink.Sink, logger *logrus.Logger) *Orchestrator {
	return &Orchestrator{
		cfg:      cfg,
		source:   source,
		registry: reg,
		gate:     gate,
		engine:   eng,
		sinks:    sinks,
		logger:   logger,
	}
}

// Run blocks until the event stream ends or ctx is cancelled.
func (o *Orchestrator) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		err := o.engine.Run(ctx)
		if errors.Is(err, context.Canceled) {
			return nil
		}
		return err
	})

	g.Go(func() error {
		return o.eventLoop(ctx)
	})

	g.Go(func() error {
		o.maintenanceLoop(ctx)
		return nil
	})

	return g.Wait()
}

func (o *Orchestrator) eventLoop(ctx context.Context) error {
	for {
		event, err := o.source.Next(ctx)
		if err != nil {
			if errors.Is(err, io.EOF) {
				o.logger.Info("event stream ended")
				return nil
			}
			if errors.Is(err, context.Canceled) {
				return nil
			}
			return err
		}
		o.handleEvent(ctx, event)
	}
}

// handleEvent runs one event through the full pipeline under the key's
// serialization lock. Every failure path resolves to "no trade".
func (o *Orchestrator) handleEvent(ctx context.Context, event *models.Event) {
	if event.Type == models.EventIgnore || !event.Type.Valid() {
		return
	}
	o.sinks.Emit(sink.ExecutionRecord{
		Type: sink.TypeEventReceived, Time: time.Now().UTC(),
		EventType: string(event.Type), Key: event.Key().String(),
	})

	unlock := o.registry.LockKey(event.Key())
	defer func() { unlock() }()

	existing := o.registry.ActiveForKey(event.Key())
	result := o.gate.Validate(event, existing)
	if !result.Approved() {
		o.logger.WithFields(logrus.Fields{
			"event_type": string(event.Type),
			"key":        event.Key().String(),
			"check":      result.Check,
		}).Warn(result.Reason)
		o.sinks.Emit(sink.ExecutionRecord{
			Type: sink.TypeRiskRejected, Time: time.Now().UTC(),
			EventType: string(event.Type), Key: event.Key().String(),
			Reason: result.Reason,
		})
		return
	}

	session, created, err := o.registry.Correlate(event)
	if err != nil {
		o.logger.WithError(err).WithField("event_type", string(event.Type)).
			Warn("event could not be correlated, no trade")
		return
	}
	if created {
		o.logger.WithFields(logrus.Fields{
			"session_id": session.ID,
			"key":        session.Key.String(),
		}).Info("new trade session")
	}

	if session.Key != event.Key() {
		// Keyless commentary resolved to a session on another key; swap to
		// that key's lock before touching the session.
		unlock()
		unlock = o.registry.LockKey(session.Key)
		if session.State.Terminal() {
			o.logger.WithField("session_id", session.ID).
				Debug("session closed before commentary could apply")
			return
		}
	}

	if err := o.engine.Execute(ctx, event, session); err != nil {
		o.logger.WithError(err).WithFields(logrus.Fields{
			"session_id": session.ID,
			"event_type": string(event.Type),
		}).Error("execution failed")
	}
}

// maintenanceLoop drives periodic reconciliation and the end-of-day
// liquidation check.
func (o *Orchestrator) maintenanceLoop(ctx context.Context) {
	reconcile := time.NewTicker(o.cfg.ReconcileInterval())
	defer reconcile.Stop()
	eod := time.NewTicker(time.Minute)
	defer eod.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-reconcile.C:
			if err := o.engine.Reconcile(ctx); err != nil {
				o.logger.WithError(err).Error("periodic reconcile failed")
			}
		case now := <-eod.C:
			o.checkEndOfDay(ctx, now.UTC())
		}
	}
}

// checkEndOfDay liquidates all open positions once per day after the
// trading window closes.
func (o *Orchestrator) checkEndOfDay(ctx context.Context, now time.Time) {
	if !o.cfg.Schedule.EODLiquidation {
		return
	}
	if o.cfg.IsWithinTradingWindow(now) {
		return
	}
	day := now.Truncate(24 * time.Hour)
	if !o.lastLiquidation.Before(day) {
		return
	}
	if len(o.registry.ActiveSessions()) == 0 {
		o.lastLiquidation = day
		return
	}
	o.logger.Info("trading window closed, liquidating open positions")
	o.engine.CloseAll(ctx, registry.ExitEndOfDay)
	o.lastLiquidation = day
}
