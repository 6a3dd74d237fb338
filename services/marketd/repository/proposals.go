package repository

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"p2pmarket/services/marketd/models"
)

// ProposalRepository persists proposals with their options.
type ProposalRepository interface {
	FindByID(ctx context.Context, id uuid.UUID) (*models.Proposal, error)
	FindByHash(ctx context.Context, hash string) (*models.Proposal, error)
	Create(ctx context.Context, proposal *models.Proposal) error
}

// VoteRepository persists votes. A voter holds at most one vote per proposal.
type VoteRepository interface {
	FindByVoter(ctx context.Context, proposalID uuid.UUID, voter string) (*models.Vote, error)
	// Upsert stores vote, replacing the voter's earlier vote on the same proposal.
	Upsert(ctx context.Context, vote *models.Vote) error
	ListByProposal(ctx context.Context, proposalID uuid.UUID) ([]*models.Vote, error)
}

// ResultRepository persists tally snapshots.
type ResultRepository interface {
	Create(ctx context.Context, result *models.ProposalResult) error
	Latest(ctx context.Context, proposalID uuid.UUID) (*models.ProposalResult, error)
}

// FlaggedItemRepository persists flagged listings and markets.
type FlaggedItemRepository interface {
	FindByID(ctx context.Context, id uuid.UUID) (*models.FlaggedItem, error)
	FindByProposalID(ctx context.Context, proposalID uuid.UUID) (*models.FlaggedItem, error)
	FindByListingItemID(ctx context.Context, listingItemID uuid.UUID) (*models.FlaggedItem, error)
	FindByMarketID(ctx context.Context, marketID uuid.UUID) (*models.FlaggedItem, error)
	Create(ctx context.Context, item *models.FlaggedItem) error
	Update(ctx context.Context, item *models.FlaggedItem) error
}

type gormProposals struct {
	db *gorm.DB
}

func (r *gormProposals) FindByID(ctx context.Context, id uuid.UUID) (*models.Proposal, error) {
	var proposal models.Proposal
	err := r.db.WithContext(ctx).
		Preload("Options", func(db *gorm.DB) *gorm.DB { return db.Order("option_id ASC") }).
		First(&proposal, "id = ?", id).Error
	if err != nil {
		return nil, notFound(err)
	}
	return &proposal, nil
}

func (r *gormProposals) FindByHash(ctx context.Context, hash string) (*models.Proposal, error) {
	var proposal models.Proposal
	err := r.db.WithContext(ctx).
		Preload("Options", func(db *gorm.DB) *gorm.DB { return db.Order("option_id ASC") }).
		First(&proposal, "hash = ?", hash).Error
	if err != nil {
		return nil, notFound(err)
	}
	return &proposal, nil
}

func (r *gormProposals) Create(ctx context.Context, proposal *models.Proposal) error {
	if proposal == nil {
		return errors.New("repository: nil proposal")
	}
	if proposal.ID == uuid.Nil {
		proposal.ID = uuid.New()
	}
	for i := range proposal.Options {
		if proposal.Options[i].ID == uuid.Nil {
			proposal.Options[i].ID = uuid.New()
		}
		proposal.Options[i].ProposalID = proposal.ID
	}
	return r.db.WithContext(ctx).Create(proposal).Error
}

type gormVotes struct {
	db *gorm.DB
}

func (r *gormVotes) FindByVoter(ctx context.Context, proposalID uuid.UUID, voter string) (*models.Vote, error) {
	var vote models.Vote
	if err := r.db.WithContext(ctx).First(&vote, "proposal_id = ? AND voter = ?", proposalID, voter).Error; err != nil {
		return nil, notFound(err)
	}
	return &vote, nil
}

func (r *gormVotes) Upsert(ctx context.Context, vote *models.Vote) error {
	if vote == nil {
		return errors.New("repository: nil vote")
	}
	if vote.ID == uuid.Nil {
		vote.ID = uuid.New()
	}
	if vote.UpdatedAt.IsZero() {
		vote.UpdatedAt = time.Now().UTC()
	}
	err := r.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "proposal_id"}, {Name: "voter"}},
		DoUpdates: clause.AssignmentColumns([]string{"proposal_option_id", "weight", "voted_at", "msg_id", "updated_at"}),
	}).Create(vote).Error
	if err != nil {
		return err
	}
	stored, err := r.FindByVoter(ctx, vote.ProposalID, vote.Voter)
	if err != nil {
		return err
	}
	*vote = *stored
	return nil
}

func (r *gormVotes) ListByProposal(ctx context.Context, proposalID uuid.UUID) ([]*models.Vote, error) {
	var votes []*models.Vote
	if err := r.db.WithContext(ctx).Where("proposal_id = ?", proposalID).Order("voted_at ASC").Find(&votes).Error; err != nil {
		return nil, err
	}
	return votes, nil
}

type gormResults struct {
	db *gorm.DB
}

func (r *gormResults) Create(ctx context.Context, result *models.ProposalResult) error {
	if result == nil {
		return errors.New("repository: nil result")
	}
	if result.ID == uuid.Nil {
		result.ID = uuid.New()
	}
	for i := range result.Options {
		if result.Options[i].ID == uuid.Nil {
			result.Options[i].ID = uuid.New()
		}
		result.Options[i].ProposalResultID = result.ID
	}
	return r.db.WithContext(ctx).Create(result).Error
}

func (r *gormResults) Latest(ctx context.Context, proposalID uuid.UUID) (*models.ProposalResult, error) {
	var result models.ProposalResult
	err := r.db.WithContext(ctx).
		Preload("Options", func(db *gorm.DB) *gorm.DB { return db.Order("option_id ASC") }).
		Where("proposal_id = ?", proposalID).
		Order("calculated_at DESC").Order("created_at DESC").
		First(&result).Error
	if err != nil {
		return nil, notFound(err)
	}
	return &result, nil
}

type gormFlags struct {
	db *gorm.DB
}

func (r *gormFlags) FindByID(ctx context.Context, id uuid.UUID) (*models.FlaggedItem, error) {
	var item models.FlaggedItem
	if err := r.db.WithContext(ctx).First(&item, "id = ?", id).Error; err != nil {
		return nil, notFound(err)
	}
	return &item, nil
}

func (r *gormFlags) FindByProposalID(ctx context.Context, proposalID uuid.UUID) (*models.FlaggedItem, error) {
	var item models.FlaggedItem
	if err := r.db.WithContext(ctx).First(&item, "proposal_id = ?", proposalID).Error; err != nil {
		return nil, notFound(err)
	}
	return &item, nil
}

func (r *gormFlags) FindByListingItemID(ctx context.Context, listingItemID uuid.UUID) (*models.FlaggedItem, error) {
	var item models.FlaggedItem
	if err := r.db.WithContext(ctx).First(&item, "listing_item_id = ?", listingItemID).Error; err != nil {
		return nil, notFound(err)
	}
	return &item, nil
}

func (r *gormFlags) FindByMarketID(ctx context.Context, marketID uuid.UUID) (*models.FlaggedItem, error) {
	var item models.FlaggedItem
	if err := r.db.WithContext(ctx).First(&item, "market_id = ?", marketID).Error; err != nil {
		return nil, notFound(err)
	}
	return &item, nil
}

func (r *gormFlags) Create(ctx context.Context, item *models.FlaggedItem) error {
	if item.ID == uuid.Nil {
		item.ID = uuid.New()
	}
	return r.db.WithContext(ctx).Create(item).Error
}

func (r *gormFlags) Update(ctx context.Context, item *models.FlaggedItem) error {
	return r.db.WithContext(ctx).Save(item).Error
}
