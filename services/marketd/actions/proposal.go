package actions

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"p2pmarket/core/objecthash"
	"p2pmarket/observability"
	"p2pmarket/services/marketd/dispatch"
	"p2pmarket/services/marketd/message"
	"p2pmarket/services/marketd/models"
	"p2pmarket/services/marketd/repository"
)

// ProposalHash is the content hash a proposal payload is identified by.
func ProposalHash(payload *message.ProposalPayload) (string, error) {
	if payload == nil {
		return "", fmt.Errorf("%w: proposal payload required", ErrInvalidMessage)
	}
	return objecthash.Hash(payload, objecthash.KindProposal)
}

func millis(ms int64) time.Time {
	if ms <= 0 {
		return time.Time{}
	}
	return time.UnixMilli(ms).UTC()
}

func validateProposal(payload *message.ProposalPayload, sender string) error {
	if payload == nil {
		return fmt.Errorf("%w: proposal payload required", ErrInvalidMessage)
	}
	if !payload.Category.Valid() {
		return fmt.Errorf("%w: proposal category %q", ErrInvalidMessage, payload.Category)
	}
	if payload.Submitter != sender {
		return fmt.Errorf("%w: submitter %s did not send the proposal", ErrInvalidMessage, payload.Submitter)
	}
	if strings.TrimSpace(payload.Title) == "" {
		return fmt.Errorf("%w: proposal title required", ErrInvalidMessage)
	}
	if len(payload.Options) == 0 {
		return fmt.Errorf("%w: proposal has no options", ErrInvalidMessage)
	}
	if payload.TimeEnd > 0 && payload.TimeEnd < payload.TimeStart {
		return fmt.Errorf("%w: proposal ends before it starts", ErrInvalidMessage)
	}
	seen := make(map[int]struct{}, len(payload.Options))
	hasRemove := false
	for _, opt := range payload.Options {
		if _, dup := seen[opt.OptionID]; dup {
			return fmt.Errorf("%w: option %d listed twice", ErrInvalidMessage, opt.OptionID)
		}
		seen[opt.OptionID] = struct{}{}
		if strings.EqualFold(strings.TrimSpace(opt.Description), models.OptionRemove) {
			hasRemove = true
		}
	}
	if payload.Category != models.CategoryPublicVote {
		if strings.TrimSpace(payload.Target) == "" {
			return fmt.Errorf("%w: %s proposal needs a target", ErrInvalidMessage, payload.Category)
		}
		if !hasRemove {
			return fmt.Errorf("%w: %s proposal needs a %s option", ErrInvalidMessage, payload.Category, models.OptionRemove)
		}
	}
	return nil
}

func (b *base) addProposal(ctx context.Context, req dispatch.Request) error {
	payload := req.Message.Proposal
	if err := validateProposal(payload, req.Envelope.Sender); err != nil {
		return err
	}
	hash, err := ProposalHash(payload)
	if err != nil {
		return err
	}
	if _, err := b.store.Proposals.FindByHash(ctx, hash); err == nil {
		return nil
	} else if !errors.Is(err, repository.ErrNotFound) {
		return err
	}

	flagged, err := b.flagTarget(ctx, payload)
	if err != nil {
		return err
	}

	proposal := &models.Proposal{
		Hash:        hash,
		Submitter:   payload.Submitter,
		Category:    payload.Category,
		Title:       payload.Title,
		Description: payload.Description,
		Target:      payload.Target,
		TimeStart:   millis(payload.TimeStart),
		TimeEnd:     millis(payload.TimeEnd),
		MsgID:       req.Envelope.MsgID,
	}
	for _, opt := range payload.Options {
		optHash, err := objecthash.Hash(map[string]any{
			"proposalHash": hash,
			"optionId":     opt.OptionID,
			"description":  opt.Description,
		}, objecthash.KindProposalOption)
		if err != nil {
			return err
		}
		proposal.Options = append(proposal.Options, models.ProposalOption{
			OptionID:    opt.OptionID,
			Description: opt.Description,
			Hash:        optHash,
		})
	}

	err = b.store.Transaction(ctx, func(tx *repository.Store) error {
		if err := tx.Proposals.Create(ctx, proposal); err != nil {
			return err
		}
		if flagged == nil {
			return nil
		}
		flagged.ProposalID = proposal.ID
		return tx.Flags.Create(ctx, flagged)
	})
	if err != nil {
		if repository.IsDuplicate(err) && flagged != nil {
			return fmt.Errorf("%w: %s", ErrAlreadyFlagged, payload.Target)
		}
		if repository.IsDuplicate(err) {
			return nil
		}
		return err
	}
	b.logger.Info("proposal added", "proposal", hash, "category", payload.Category, "msg_id", req.Envelope.MsgID)
	return nil
}

// flagTarget resolves the listing or market a flagging proposal targets.
func (b *base) flagTarget(ctx context.Context, payload *message.ProposalPayload) (*models.FlaggedItem, error) {
	switch payload.Category {
	case models.CategoryItemVote:
		listing, err := b.store.Listings.FindByHash(ctx, payload.Target)
		if err != nil {
			return nil, waitFor(err, "flagged listing "+payload.Target)
		}
		if _, err := b.store.Flags.FindByListingItemID(ctx, listing.ID); err == nil {
			return nil, fmt.Errorf("%w: listing %s", ErrAlreadyFlagged, listing.Hash)
		} else if !errors.Is(err, repository.ErrNotFound) {
			return nil, err
		}
		return &models.FlaggedItem{ListingItemID: ptr(listing.ID), Reason: payload.Title}, nil
	case models.CategoryMarketVote:
		market, err := b.store.Markets.FindByAddress(ctx, payload.Target)
		if err != nil {
			return nil, waitFor(err, "flagged market "+payload.Target)
		}
		if _, err := b.store.Flags.FindByMarketID(ctx, market.ID); err == nil {
			return nil, fmt.Errorf("%w: market %s", ErrAlreadyFlagged, market.Address)
		} else if !errors.Is(err, repository.ErrNotFound) {
			return nil, err
		}
		return &models.FlaggedItem{MarketID: ptr(market.ID), Reason: payload.Title}, nil
	default:
		return nil, nil
	}
}

func (b *base) vote(ctx context.Context, req dispatch.Request) error {
	payload := req.Message.Vote
	if payload == nil || payload.ProposalHash == "" {
		return fmt.Errorf("%w: vote must reference a proposal", ErrInvalidMessage)
	}
	proposal, err := b.store.Proposals.FindByHash(ctx, payload.ProposalHash)
	if err != nil {
		return waitFor(err, "proposal "+payload.ProposalHash)
	}
	var option *models.ProposalOption
	for i := range proposal.Options {
		if proposal.Options[i].OptionID == payload.OptionID {
			option = &proposal.Options[i]
			break
		}
	}
	if option == nil {
		return fmt.Errorf("%w: proposal %s has no option %d", ErrInvalidMessage, proposal.Hash, payload.OptionID)
	}

	voter := req.Envelope.Sender
	votedAt := generatedAt(req)
	if !proposal.TimeStart.IsZero() && votedAt.Before(proposal.TimeStart) {
		return fmt.Errorf("%w: proposal %s opens at %s", ErrVotingClosed, proposal.Hash, proposal.TimeStart.Format(time.RFC3339))
	}
	if !proposal.TimeEnd.IsZero() && votedAt.After(proposal.TimeEnd) {
		return fmt.Errorf("%w: proposal %s closed at %s", ErrVotingClosed, proposal.Hash, proposal.TimeEnd.Format(time.RFC3339))
	}

	if previous, err := b.store.Votes.FindByVoter(ctx, proposal.ID, voter); err == nil {
		if previous.VotedAt.After(votedAt) {
			b.logger.Debug("stale vote ignored", "proposal", proposal.Hash, "voter", voter, "msg_id", req.Envelope.MsgID)
			return nil
		}
	} else if !errors.Is(err, repository.ErrNotFound) {
		return err
	}

	weight, err := b.wallet.Balance(ctx, voter)
	if err != nil {
		return fmt.Errorf("voting weight: %w", err)
	}
	vote := &models.Vote{
		ProposalID:       proposal.ID,
		Voter:            voter,
		ProposalOptionID: option.ID,
		Weight:           weight,
		VotedAt:          votedAt,
		MsgID:            req.Envelope.MsgID,
	}

	removed := false
	err = b.store.Transaction(ctx, func(tx *repository.Store) error {
		if err := tx.Votes.Upsert(ctx, vote); err != nil {
			return err
		}
		evaluator := b.evaluator.WithStore(tx)
		result, err := evaluator.Recalculate(ctx, proposal)
		if err != nil {
			return err
		}
		flagged, err := tx.Flags.FindByProposalID(ctx, proposal.ID)
		if errors.Is(err, repository.ErrNotFound) {
			return nil
		}
		if err != nil {
			return err
		}
		removed, err = evaluator.SetRemovedFlagIfNeeded(ctx, flagged.ID, result, vote)
		return err
	})
	if err != nil {
		return err
	}
	observability.Governance().RecordVote(string(proposal.Category))
	b.logger.Info("vote recorded", "proposal", proposal.Hash, "option", option.OptionID, "weight", weight, "removed", removed, "msg_id", req.Envelope.MsgID)
	return nil
}
