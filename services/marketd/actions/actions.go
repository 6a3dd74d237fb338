// Package actions implements one processor per marketplace action.
package actions

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"time"

	"p2pmarket/observability/metrics"
	"p2pmarket/services/marketd/dispatch"
	"p2pmarket/services/marketd/governance"
	"p2pmarket/services/marketd/models"
	"p2pmarket/services/marketd/repository"
	"p2pmarket/services/marketd/wallet"
)

var (
	// ErrWaiting marks a dependency that has not been ingested yet.
	ErrWaiting = errors.New("actions: dependency not yet received")
	// ErrInvalidMessage is returned for messages missing required fields.
	ErrInvalidMessage = errors.New("actions: invalid message")
	// ErrConflictingTransition is returned when a sibling transition was already applied.
	ErrConflictingTransition = errors.New("actions: conflicting transition already applied")
	// ErrListingRemoved is returned for bids on listings removed by governance.
	ErrListingRemoved = errors.New("actions: listing removed")
	// ErrHashMismatch is returned when a message names a hash its content does not produce.
	ErrHashMismatch = errors.New("actions: content hash mismatch")
	// ErrAlreadyFlagged is returned when a target is flagged by another proposal.
	ErrAlreadyFlagged = errors.New("actions: target already flagged")
	// ErrVotingClosed is returned for votes cast outside the proposal window.
	ErrVotingClosed = errors.New("actions: voting closed")
)

// Deps are the collaborators shared by every processor.
type Deps struct {
	Store     *repository.Store
	Evaluator *governance.Evaluator
	Wallet    wallet.Wallet
	Logger    *slog.Logger
	Now       func() time.Time
}

type base struct {
	store     *repository.Store
	evaluator *governance.Evaluator
	wallet    wallet.Wallet
	logger    *slog.Logger
	now       func() time.Time
}

func newBase(deps Deps) (*base, error) {
	if deps.Store == nil {
		return nil, errors.New("actions: store required")
	}
	if deps.Evaluator == nil {
		return nil, errors.New("actions: evaluator required")
	}
	if deps.Wallet == nil {
		return nil, errors.New("actions: wallet required")
	}
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	now := deps.Now
	if now == nil {
		now = time.Now
	}
	return &base{
		store:     deps.Store,
		evaluator: deps.Evaluator,
		wallet:    deps.Wallet,
		logger:    logger.With("component", "actions"),
		now:       now,
	}, nil
}

type handler func(ctx context.Context, req dispatch.Request) error

// wrap turns a handler into a processor: nil is PROCESSED, ErrWaiting is
// WAITING, anything else including a panic is PROCESSING_FAILED.
func (b *base) wrap(action models.ActionType, h handler) dispatch.Processor {
	return dispatch.ProcessorFunc(func(ctx context.Context, req dispatch.Request) (status models.ProcessingStatus) {
		defer func() {
			if r := recover(); r != nil {
				b.logger.Error("processor panic", "action", action, "msg_id", req.Envelope.MsgID, "panic", fmt.Sprint(r), "stack", string(debug.Stack()))
				req.Envelope.LastError = fmt.Sprintf("panic: %v", r)
				status = models.StatusProcessingFailed
			}
		}()
		err := h(ctx, req)
		switch {
		case err == nil:
			return models.StatusProcessed
		case errors.Is(err, ErrWaiting):
			req.Envelope.LastError = err.Error()
			b.logger.Debug("waiting for dependency", "action", action, "msg_id", req.Envelope.MsgID, "reason", err.Error())
			return models.StatusWaiting
		default:
			req.Envelope.LastError = err.Error()
			b.logger.Warn("processing failed", "action", action, "msg_id", req.Envelope.MsgID, "error", err)
			return models.StatusProcessingFailed
		}
	})
}

// waitFor maps a not-found lookup to ErrWaiting.
func waitFor(err error, what string) error {
	if errors.Is(err, repository.ErrNotFound) {
		return fmt.Errorf("%w: %s", ErrWaiting, what)
	}
	return err
}

// Register binds a processor for every supported action.
func Register(reg *dispatch.Registry, deps Deps) error {
	b, err := newBase(deps)
	if err != nil {
		return err
	}
	procs := map[models.ActionType]dispatch.Processor{
		models.ActionListingAdd:  b.wrap(models.ActionListingAdd, b.addListing),
		models.ActionBid:         b.wrap(models.ActionBid, b.placeBid),
		models.ActionProposalAdd: b.wrap(models.ActionProposalAdd, b.addProposal),
		models.ActionVote:        b.wrap(models.ActionVote, b.vote),
	}
	for _, action := range []models.ActionType{
		models.ActionAccept,
		models.ActionReject,
		models.ActionCancel,
		models.ActionLock,
		models.ActionComplete,
		models.ActionRefund,
		models.ActionRelease,
	} {
		procs[action] = b.wrap(action, b.transition(action))
	}
	for action, proc := range procs {
		if err := reg.Register(action, proc); err != nil {
			return err
		}
	}
	return nil
}

func recordTransition(action models.ActionType, status models.OrderStatus) {
	metrics.Trade().RecordTransition(string(action), string(status))
}

func recordReplay(action models.ActionType) {
	metrics.Trade().RecordReplay(string(action))
}
