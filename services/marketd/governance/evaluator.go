package governance

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"p2pmarket/observability"
	"p2pmarket/services/marketd/models"
	"p2pmarket/services/marketd/repository"
	"p2pmarket/services/marketd/wallet"
)

// ErrNoWallet is returned when an evaluator is built without a wallet.
var ErrNoWallet = errors.New("governance: wallet required")

// Evaluator applies removal decisions to flagged listings and markets.
type Evaluator struct {
	store      *repository.Store
	wallet     wallet.Wallet
	thresholds Thresholds
	logger     *slog.Logger
	now        func() time.Time
}

// NewEvaluator constructs an evaluator. Zero thresholds take the defaults.
func NewEvaluator(store *repository.Store, w wallet.Wallet, thresholds Thresholds, logger *slog.Logger) (*Evaluator, error) {
	if store == nil {
		return nil, errors.New("governance: store required")
	}
	if w == nil {
		return nil, ErrNoWallet
	}
	if thresholds.ItemRemovalBps == 0 {
		thresholds.ItemRemovalBps = DefaultThresholdBps
	}
	if thresholds.MarketRemovalBps == 0 {
		thresholds.MarketRemovalBps = DefaultThresholdBps
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Evaluator{store: store, wallet: w, thresholds: thresholds, logger: logger.With("component", "governance"), now: time.Now}, nil
}

// WithStore returns a copy of the evaluator bound to store, typically a transaction.
func (e *Evaluator) WithStore(store *repository.Store) *Evaluator {
	cp := *e
	cp.store = store
	return &cp
}

// Thresholds exposes the configured removal policy.
func (e *Evaluator) Thresholds() Thresholds { return e.thresholds }

// Recalculate tallies the current votes on proposal and stores a snapshot.
func (e *Evaluator) Recalculate(ctx context.Context, proposal *models.Proposal) (Result, error) {
	votes, err := e.store.Votes.ListByProposal(ctx, proposal.ID)
	if err != nil {
		return Result{}, err
	}
	result := Tally(proposal, votes)
	if err := e.store.Results.Create(ctx, result.Snapshot(e.now().UTC())); err != nil {
		return Result{}, fmt.Errorf("governance: store result: %w", err)
	}
	return result, nil
}

// SetRemovedFlagIfNeeded marks the flagged target removed when result
// reaches the category threshold. PUBLIC_VOTE proposals are never acted on.
// ITEM_VOTE outcomes are only applied for votes cast by a locally owned
// address while the listing still exists. MARKET_VOTE outcomes apply to the
// market directly. Removal is sticky: a later shift in votes does not restore
// the target. It reports whether this call marked the target removed.
func (e *Evaluator) SetRemovedFlagIfNeeded(ctx context.Context, flaggedID uuid.UUID, result Result, vote *models.Vote) (bool, error) {
	flagged, err := e.store.Flags.FindByID(ctx, flaggedID)
	if err != nil {
		return false, err
	}
	proposal, err := e.store.Proposals.FindByID(ctx, flagged.ProposalID)
	if err != nil {
		return false, err
	}

	switch proposal.Category {
	case models.CategoryItemVote:
		return e.removeListing(ctx, flagged, proposal, result, vote)
	case models.CategoryMarketVote:
		return e.removeMarket(ctx, flagged, proposal, result)
	default:
		return false, nil
	}
}

func (e *Evaluator) removeListing(ctx context.Context, flagged *models.FlaggedItem, proposal *models.Proposal, result Result, vote *models.Vote) (bool, error) {
	if flagged.ListingItemID == nil || vote == nil {
		return false, nil
	}
	owned, err := e.wallet.Owns(ctx, vote.Voter)
	if err != nil {
		return false, fmt.Errorf("governance: wallet lookup: %w", err)
	}
	if !owned {
		return false, nil
	}
	listing, err := e.store.Listings.FindByID(ctx, *flagged.ListingItemID)
	if errors.Is(err, repository.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	if flagged.Removed || !ShouldRemoveFlaggedItem(result, proposal.Category, e.thresholds) {
		return false, nil
	}
	flagged.Removed = true
	if err := e.store.Flags.Update(ctx, flagged); err != nil {
		return false, err
	}
	listing.Removed = true
	if err := e.store.Listings.Update(ctx, listing); err != nil {
		return false, err
	}
	observability.Governance().RecordRemoval(string(proposal.Category))
	e.logger.Info("listing removed by vote", "listing", listing.Hash, "proposal", proposal.Hash)
	return true, nil
}

func (e *Evaluator) removeMarket(ctx context.Context, flagged *models.FlaggedItem, proposal *models.Proposal, result Result) (bool, error) {
	if flagged.MarketID == nil || flagged.Removed {
		return false, nil
	}
	if !ShouldRemoveFlaggedItem(result, proposal.Category, e.thresholds) {
		return false, nil
	}
	market, err := e.store.Markets.FindByID(ctx, *flagged.MarketID)
	if err != nil {
		return false, err
	}
	flagged.Removed = true
	if err := e.store.Flags.Update(ctx, flagged); err != nil {
		return false, err
	}
	market.Removed = true
	if err := e.store.Markets.Update(ctx, market); err != nil {
		return false, err
	}
	observability.Governance().RecordRemoval(string(proposal.Category))
	e.logger.Info("market removed by vote", "market", market.Address, "proposal", proposal.Hash)
	return true, nil
}
