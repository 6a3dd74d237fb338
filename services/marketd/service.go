// Package marketd runs the marketplace message pipeline: inbox polling
// followed by action dispatch, one cycle at a time.
package marketd

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/raulk/clock"

	"p2pmarket/services/marketd/dispatch"
	"p2pmarket/services/marketd/inbox"
)

// DefaultPollInterval is the pause between the end of one cycle and the start of the next.
const DefaultPollInterval = 5 * time.Second

// Poller moves messages from the transport into the envelope store.
type Poller interface {
	Poll(ctx context.Context) (inbox.CycleReport, error)
}

// Dispatcher drives stored envelopes through their processors.
type Dispatcher interface {
	ProcessPending(ctx context.Context) (dispatch.PassReport, error)
	Recover(ctx context.Context) (int, error)
}

// CycleResult summarises one poll and dispatch cycle.
type CycleResult struct {
	Poll        inbox.CycleReport
	PollErr     error
	Dispatch    dispatch.PassReport
	DispatchErr error
	Duration    time.Duration
}

// Config wires a Service.
type Config struct {
	Poller     Poller
	Dispatcher Dispatcher
	Interval   time.Duration
	Clock      clock.Clock
	Logger     *slog.Logger
	// OnCycle is called after every cycle, once the next tick is armed.
	OnCycle func(CycleResult)
}

// Service owns the single pipeline worker.
type Service struct {
	poller     Poller
	dispatcher Dispatcher
	interval   time.Duration
	clock      clock.Clock
	logger     *slog.Logger
	onCycle    func(CycleResult)
}

// NewService validates cfg and applies defaults.
func NewService(cfg Config) (*Service, error) {
	if cfg.Poller == nil {
		return nil, errors.New("marketd: poller required")
	}
	if cfg.Dispatcher == nil {
		return nil, errors.New("marketd: dispatcher required")
	}
	interval := cfg.Interval
	if interval <= 0 {
		interval = DefaultPollInterval
	}
	clk := cfg.Clock
	if clk == nil {
		clk = clock.New()
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		poller:     cfg.Poller,
		dispatcher: cfg.Dispatcher,
		interval:   interval,
		clock:      clk,
		logger:     logger.With("component", "pipeline"),
		onCycle:    cfg.OnCycle,
	}, nil
}

// Run recovers envelopes abandoned by a previous run, then cycles until ctx
// is cancelled. The next cycle is scheduled only after the previous one has
// finished, and a cycle in flight when ctx is cancelled runs to completion.
func (s *Service) Run(ctx context.Context) error {
	if n, err := s.dispatcher.Recover(context.WithoutCancel(ctx)); err != nil {
		s.logger.Error("recover in-flight envelopes", "error", err)
	} else if n > 0 {
		s.logger.Info("recovered in-flight envelopes", "count", n)
	}
	s.logger.Info("pipeline started", "interval", s.interval.String())
	for {
		if ctx.Err() != nil {
			s.logger.Info("pipeline stopped")
			return nil
		}
		result := s.RunOnce(context.WithoutCancel(ctx))
		timer := s.clock.Timer(s.interval)
		if s.onCycle != nil {
			s.onCycle(result)
		}
		select {
		case <-ctx.Done():
			timer.Stop()
			s.logger.Info("pipeline stopped")
			return nil
		case <-timer.C:
		}
	}
}

// RunOnce performs a single cycle. A poll failure does not skip dispatch:
// envelopes stored by earlier cycles still need processing.
func (s *Service) RunOnce(ctx context.Context) CycleResult {
	start := s.clock.Now()
	var result CycleResult
	result.Poll, result.PollErr = s.poller.Poll(ctx)
	if result.PollErr != nil {
		s.logger.Warn("poll failed", "error", result.PollErr)
	}
	result.Dispatch, result.DispatchErr = s.dispatcher.ProcessPending(ctx)
	if result.DispatchErr != nil {
		s.logger.Warn("dispatch pass failed", "error", result.DispatchErr)
	}
	result.Duration = s.clock.Since(start)
	if result.Poll.Persisted > 0 || result.Dispatch.Loaded > 0 {
		s.logger.Debug("cycle complete",
			"persisted", result.Poll.Persisted,
			"duplicates", result.Poll.Duplicates,
			"dispatched", result.Dispatch.Loaded,
			"duration", result.Duration.String())
	}
	return result
}
