// Package inbox drains the transport inbox into the envelope table.
package inbox

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"p2pmarket/observability"
	"p2pmarket/services/marketd/models"
	"p2pmarket/services/marketd/repository"
	"p2pmarket/services/marketd/transport"
)

const (
	// DefaultBatchSize bounds the envelopes written by one cycle.
	DefaultBatchSize = 10
	// DefaultFetchLimit bounds a single inbox listing request.
	DefaultFetchLimit = 100
)

// ErrBatchDropped is returned when a batch insert failed for a reason other
// than a duplicate. The transport copies are untouched and retried next cycle.
var ErrBatchDropped = errors.New("inbox: batch dropped")

// Config wires a Poller.
type Config struct {
	Transport  transport.Transport
	Envelopes  repository.EnvelopeRepository
	Factory    *EnvelopeFactory
	BatchSize  int
	FetchLimit int
	Logger     *slog.Logger
	Metrics    *observability.MarketdMetrics
	Now        func() time.Time
}

// Poller performs single ingestion cycles. Scheduling is left to the caller.
type Poller struct {
	transport  transport.Transport
	envelopes  repository.EnvelopeRepository
	factory    *EnvelopeFactory
	batchSize  int
	fetchLimit int
	logger     *slog.Logger
	metrics    *observability.MarketdMetrics
}

// CycleReport summarises one poll cycle.
type CycleReport struct {
	Listed     int
	Batched    int
	Persisted  int
	Duplicates int
	Removed    int
	Skipped    int
}

// NewPoller constructs a poller with defaults applied.
func NewPoller(cfg Config) (*Poller, error) {
	if cfg.Transport == nil {
		return nil, errors.New("inbox: transport required")
	}
	if cfg.Envelopes == nil {
		return nil, errors.New("inbox: envelope repository required")
	}
	factory := cfg.Factory
	if factory == nil {
		factory = NewEnvelopeFactory(cfg.Transport, cfg.Now)
	}
	batch := cfg.BatchSize
	if batch <= 0 {
		batch = DefaultBatchSize
	}
	limit := cfg.FetchLimit
	if limit <= 0 {
		limit = DefaultFetchLimit
	}
	if limit < batch {
		limit = batch
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Poller{
		transport:  cfg.Transport,
		envelopes:  cfg.Envelopes,
		factory:    factory,
		batchSize:  batch,
		fetchLimit: limit,
		logger:     logger.With("component", "inbox"),
		metrics:    cfg.Metrics,
	}, nil
}

// Poll runs one ingestion cycle: list unread messages, map at most one batch
// to envelopes, store them and remove the stored ones from the transport.
func (p *Poller) Poll(ctx context.Context) (report CycleReport, err error) {
	defer func() {
		p.metrics.RecordPoll(report.Batched, report.Persisted, report.Duplicates, err)
	}()

	listing, err := p.transport.Inbox(ctx, transport.FilterUnread, transport.InboxOptions{Limit: p.fetchLimit})
	if err != nil {
		return report, fmt.Errorf("inbox: list: %w", err)
	}
	report.Listed = len(listing.Messages)
	messages := listing.Messages
	if len(messages) > p.batchSize {
		messages = messages[:p.batchSize]
	}
	report.Batched = len(messages)
	if len(messages) == 0 {
		return report, nil
	}

	envs := make([]*models.Envelope, 0, len(messages))
	for _, msg := range messages {
		env, buildErr := p.factory.Build(ctx, msg)
		if buildErr != nil {
			report.Skipped++
			p.logger.Warn("skipping transport message", "msg_id", msg.MsgID, "error", buildErr)
			continue
		}
		envs = append(envs, env)
	}
	if len(envs) == 0 {
		return report, nil
	}

	stored, err := p.store(ctx, envs, &report)
	if err != nil {
		return report, err
	}

	for _, env := range stored {
		removeErr := p.transport.Remove(ctx, env.MsgID)
		p.metrics.RecordRemoval(removeErr)
		if removeErr != nil {
			p.logger.Warn("transport removal failed", "msg_id", env.MsgID, "error", removeErr)
			continue
		}
		report.Removed++
	}
	p.logger.Debug("poll cycle finished",
		"listed", report.Listed,
		"persisted", report.Persisted,
		"duplicates", report.Duplicates,
		"removed", report.Removed)
	return report, nil
}

// store inserts envs in one batch. A duplicate-key failure falls back to
// per-item inserts where a duplicate counts as already stored. Any other
// batch failure drops the whole batch.
func (p *Poller) store(ctx context.Context, envs []*models.Envelope, report *CycleReport) ([]*models.Envelope, error) {
	err := p.envelopes.CreateBatch(ctx, envs)
	if err == nil {
		report.Persisted += len(envs)
		return envs, nil
	}
	if !repository.IsDuplicate(err) {
		p.logger.Error("batch insert failed, dropping batch", "size", len(envs), "error", err)
		return nil, fmt.Errorf("%w: %v", ErrBatchDropped, err)
	}

	stored := make([]*models.Envelope, 0, len(envs))
	for _, env := range envs {
		single := *env
		err := p.envelopes.Create(ctx, &single)
		switch {
		case err == nil:
			report.Persisted++
			stored = append(stored, env)
		case repository.IsDuplicate(err):
			report.Duplicates++
			stored = append(stored, env)
		default:
			p.logger.Error("envelope insert failed", "msg_id", env.MsgID, "error", err)
		}
	}
	return stored, nil
}
