package dispatch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"p2pmarket/observability"
	"p2pmarket/observability/logging"
	"p2pmarket/services/marketd/message"
	"p2pmarket/services/marketd/models"
	"p2pmarket/services/marketd/repository"
)

const (
	// DefaultBatchSize bounds the envelopes loaded per pass.
	DefaultBatchSize = 50
	// DefaultMaxWaitAttempts bounds how often a WAITING envelope is retried.
	DefaultMaxWaitAttempts = 20
)

// Config wires a Dispatcher.
type Config struct {
	Envelopes       repository.EnvelopeRepository
	Registry        *Registry
	BatchSize       int
	MaxWaitAttempts int
	Logger          *slog.Logger
	Metrics         *observability.MarketdMetrics
	Tracer          trace.Tracer
	Now             func() time.Time
}

// Dispatcher drives stored envelopes through their processors.
type Dispatcher struct {
	envelopes       repository.EnvelopeRepository
	registry        *Registry
	batchSize       int
	maxWaitAttempts int
	logger          *slog.Logger
	metrics         *observability.MarketdMetrics
	tracer          trace.Tracer
	now             func() time.Time
}

// PassReport counts the outcomes of one ProcessPending pass.
type PassReport struct {
	Loaded   int
	ByStatus map[models.ProcessingStatus]int
}

// NewDispatcher constructs a dispatcher with defaults applied.
func NewDispatcher(cfg Config) (*Dispatcher, error) {
	if cfg.Envelopes == nil {
		return nil, errors.New("dispatch: envelope repository required")
	}
	if cfg.Registry == nil {
		return nil, errors.New("dispatch: registry required")
	}
	batch := cfg.BatchSize
	if batch <= 0 {
		batch = DefaultBatchSize
	}
	maxWait := cfg.MaxWaitAttempts
	if maxWait <= 0 {
		maxWait = DefaultMaxWaitAttempts
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	tracer := cfg.Tracer
	if tracer == nil {
		tracer = otel.Tracer("p2pmarket/marketd/dispatch")
	}
	now := cfg.Now
	if now == nil {
		now = time.Now
	}
	return &Dispatcher{
		envelopes:       cfg.Envelopes,
		registry:        cfg.Registry,
		batchSize:       batch,
		maxWaitAttempts: maxWait,
		logger:          logger.With("component", "dispatch"),
		metrics:         cfg.Metrics,
		tracer:          tracer,
		now:             now,
	}, nil
}

// ProcessPending dispatches NEW and WAITING envelopes oldest first. A failure
// on one envelope never stops the pass.
func (d *Dispatcher) ProcessPending(ctx context.Context) (PassReport, error) {
	report := PassReport{ByStatus: make(map[models.ProcessingStatus]int)}
	pending, err := d.envelopes.ListPending(ctx, d.batchSize)
	if err != nil {
		return report, fmt.Errorf("dispatch: list pending: %w", err)
	}
	report.Loaded = len(pending)
	d.metrics.SetPending(len(pending))
	for _, env := range pending {
		status := d.Dispatch(ctx, env)
		report.ByStatus[status]++
	}
	return report, nil
}

// Dispatch processes a single envelope and persists its resulting status.
func (d *Dispatcher) Dispatch(ctx context.Context, env *models.Envelope) models.ProcessingStatus {
	start := d.now()
	ctx, span := d.tracer.Start(ctx, "marketd.dispatch", trace.WithAttributes(attribute.String("msg_id", env.MsgID)))
	defer span.End()

	env.ProcessingStatus = models.StatusProcessing
	env.Attempts++
	if err := d.envelopes.Update(ctx, env); err != nil {
		d.logger.Error("mark processing failed", "msg_id", env.MsgID, "error", err)
		span.RecordError(err)
		span.SetStatus(codes.Error, "mark processing")
		return models.StatusProcessing
	}

	action := ""
	status, cause := d.route(ctx, env, &action)
	span.SetAttributes(attribute.String("action", action), attribute.String("status", string(status)))

	if status == models.StatusWaiting {
		if env.Attempts >= d.maxWaitAttempts {
			status, cause = models.StatusProcessingFailed, fmt.Sprintf("still waiting after %d attempts", env.Attempts)
		} else if !env.ExpiresAt.IsZero() && d.now().After(env.ExpiresAt) {
			status, cause = models.StatusProcessingFailed, "expired while waiting"
		}
	}

	env.ProcessingStatus = status
	env.LastError = truncate(cause, 512)
	if status != models.StatusWaiting {
		processed := d.now().UTC()
		env.ProcessedAt = &processed
	}
	if err := d.envelopes.Update(ctx, env); err != nil {
		d.logger.Error("status write-back failed", "msg_id", env.MsgID, "status", status, "error", err)
		span.RecordError(err)
	}
	if status == models.StatusProcessingFailed {
		span.SetStatus(codes.Error, cause)
		d.logger.Warn("envelope failed", "msg_id", env.MsgID, "action", action, "reason", cause, logging.Payload(env.Payload))
	}
	d.metrics.ObserveDispatch(action, string(status), d.now().Sub(start))
	return status
}

func (d *Dispatcher) route(ctx context.Context, env *models.Envelope, action *string) (models.ProcessingStatus, string) {
	msg, err := message.Decode(env.Payload)
	if err != nil {
		return models.StatusProcessingFailed, err.Error()
	}
	*action = string(msg.Action)
	proc, ok := d.registry.Lookup(msg.Action)
	if !ok {
		d.logger.Warn("no processor for action, ignoring", "msg_id", env.MsgID, "action", msg.Action)
		return models.StatusIgnored, "unknown action"
	}
	env.LastError = ""
	status := d.invoke(ctx, proc, Request{Envelope: env, Message: msg})
	switch status {
	case models.StatusProcessed, models.StatusIgnored:
		return status, ""
	case models.StatusWaiting, models.StatusProcessingFailed:
		if env.LastError == "" && status == models.StatusProcessingFailed {
			return status, "processor failed"
		}
		return status, env.LastError
	default:
		return models.StatusProcessingFailed, fmt.Sprintf("processor returned %q", status)
	}
}

func (d *Dispatcher) invoke(ctx context.Context, proc Processor, req Request) (status models.ProcessingStatus) {
	defer func() {
		if r := recover(); r != nil {
			d.logger.Error("processor panic", "msg_id", req.Envelope.MsgID, "action", req.Message.Action, "panic", fmt.Sprint(r), "stack", string(debug.Stack()))
			status = models.StatusProcessingFailed
		}
	}()
	return proc.Process(ctx, req)
}

// Retry resets a failed envelope so the next pass dispatches it again.
func (d *Dispatcher) Retry(ctx context.Context, msgID string) (*models.Envelope, error) {
	env, err := d.envelopes.FindByMsgID(ctx, msgID)
	if err != nil {
		return nil, err
	}
	if env.ProcessingStatus != models.StatusProcessingFailed {
		return nil, fmt.Errorf("%w: envelope is %s", ErrNotRetryable, env.ProcessingStatus)
	}
	env.ProcessingStatus = models.StatusNew
	env.Attempts = 0
	env.LastError = ""
	env.ProcessedAt = nil
	if err := d.envelopes.Update(ctx, env); err != nil {
		return nil, err
	}
	return env, nil
}

// Recover moves envelopes left in PROCESSING by an interrupted run back to WAITING.
func (d *Dispatcher) Recover(ctx context.Context) (int, error) {
	stuck, err := d.envelopes.ListByStatus(ctx, models.StatusProcessing, 0)
	if err != nil {
		return 0, err
	}
	for _, env := range stuck {
		env.ProcessingStatus = models.StatusWaiting
		if err := d.envelopes.Update(ctx, env); err != nil {
			return 0, err
		}
	}
	return len(stuck), nil
}

// ErrNotRetryable is returned by Retry for envelopes that have not failed.
var ErrNotRetryable = errors.New("dispatch: envelope not retryable")

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
