package models

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

// ProcessingStatus tracks where an envelope is in the dispatch pipeline.
type ProcessingStatus string

// All envelope processing states.
const (
	StatusNew              ProcessingStatus = "NEW"
	StatusProcessing       ProcessingStatus = "PROCESSING"
	StatusProcessed        ProcessingStatus = "PROCESSED"
	StatusProcessingFailed ProcessingStatus = "PROCESSING_FAILED"
	StatusWaiting          ProcessingStatus = "WAITING"
	StatusIgnored          ProcessingStatus = "IGNORED"
)

// Valid reports whether s is a known processing status.
func (s ProcessingStatus) Valid() bool {
	switch s {
	case StatusNew, StatusProcessing, StatusProcessed, StatusProcessingFailed, StatusWaiting, StatusIgnored:
		return true
	default:
		return false
	}
}

// Pending reports whether the dispatcher still has to act on an envelope in state s.
func (s ProcessingStatus) Pending() bool {
	return s == StatusNew || s == StatusWaiting
}

// ActionType tags the trade lifecycle event carried by a marketplace message.
type ActionType string

// Supported action types. Bid types double as Bid.Type values.
const (
	ActionListingAdd  ActionType = "MPA_LISTING_ADD"
	ActionBid         ActionType = "MPA_BID"
	ActionAccept      ActionType = "MPA_ACCEPT"
	ActionReject      ActionType = "MPA_REJECT"
	ActionCancel      ActionType = "MPA_CANCEL"
	ActionLock        ActionType = "MPA_LOCK"
	ActionComplete    ActionType = "MPA_COMPLETE"
	ActionRefund      ActionType = "MPA_REFUND"
	ActionRelease     ActionType = "MPA_RELEASE"
	ActionProposalAdd ActionType = "PROPOSAL_ADD"
	ActionVote        ActionType = "VOTE"
)

// IsBid reports whether the action is part of a bid chain.
func (a ActionType) IsBid() bool {
	switch a {
	case ActionBid, ActionAccept, ActionReject, ActionCancel, ActionLock, ActionComplete, ActionRefund, ActionRelease:
		return true
	default:
		return false
	}
}

// EscrowType identifies the escrow contract flavour.
type EscrowType string

const (
	EscrowNOP EscrowType = "NOP"
	EscrowMAD EscrowType = "MAD"
)

// OrderStatus is the projection of the latest bid type in a trade.
type OrderStatus string

const (
	OrderBidded         OrderStatus = "BIDDED"
	OrderRejected       OrderStatus = "REJECTED"
	OrderCancelled      OrderStatus = "CANCELLED"
	OrderAwaitingEscrow OrderStatus = "AWAITING_ESCROW"
	OrderEscrowLocked   OrderStatus = "ESCROW_LOCKED"
	OrderComplete       OrderStatus = "COMPLETE"
	OrderRefunded       OrderStatus = "REFUNDED"
	OrderReleased       OrderStatus = "RELEASED"
)

// ProposalCategory scopes what a proposal can affect.
type ProposalCategory string

const (
	CategoryItemVote   ProposalCategory = "ITEM_VOTE"
	CategoryMarketVote ProposalCategory = "MARKET_VOTE"
	CategoryPublicVote ProposalCategory = "PUBLIC_VOTE"
)

// Valid reports whether c is a known proposal category.
func (c ProposalCategory) Valid() bool {
	switch c {
	case CategoryItemVote, CategoryMarketVote, CategoryPublicVote:
		return true
	default:
		return false
	}
}

// Option descriptions used by flagging proposals.
const (
	OptionKeep   = "KEEP"
	OptionRemove = "REMOVE"
)

// Envelope is one decrypted transport message.
type Envelope struct {
	ID               uuid.UUID        `gorm:"type:uuid;primaryKey"`
	MsgID            string           `gorm:"size:128;uniqueIndex;not null"`
	Version          string           `gorm:"size:16"`
	Sender           string           `gorm:"size:128;index"`
	To               string           `gorm:"size:128"`
	Signature        string           `gorm:"size:256"`
	Payload          string           `gorm:"type:text"`
	SentAt           time.Time        `gorm:"index"`
	ReceivedAt       time.Time        `gorm:"index"`
	ExpiresAt        time.Time
	ProcessingStatus ProcessingStatus `gorm:"size:32;index"`
	Attempts         int
	LastError        string `gorm:"size:512"`
	ProcessedAt      *time.Time
	CreatedAt        time.Time
	UpdatedAt        time.Time
}

// Market is a marketplace a listing or proposal can target.
type Market struct {
	ID        uuid.UUID `gorm:"type:uuid;primaryKey"`
	Name      string    `gorm:"size:128"`
	Address   string    `gorm:"size:128;uniqueIndex"`
	Removed   bool
	CreatedAt time.Time
	UpdatedAt time.Time
}

// ListingItemTemplate is a local draft a published listing may originate from.
type ListingItemTemplate struct {
	ID        uuid.UUID `gorm:"type:uuid;primaryKey"`
	Hash      string    `gorm:"size:64;uniqueIndex"`
	Title     string    `gorm:"size:255"`
	CreatedAt time.Time
	UpdatedAt time.Time
}

// ListingItem is a published listing received from a peer.
type ListingItem struct {
	ID               uuid.UUID  `gorm:"type:uuid;primaryKey"`
	Hash             string     `gorm:"size:64;uniqueIndex"`
	MarketAddress    string     `gorm:"size:128;index"`
	Seller           string     `gorm:"size:128;index"`
	Category         string     `gorm:"size:128"`
	Title            string     `gorm:"size:255"`
	ShortDescription string     `gorm:"size:512"`
	LongDescription  string     `gorm:"type:text"`
	BasePrice        string     `gorm:"size:64"`
	Currency         string     `gorm:"size:16"`
	TemplateID       *uuid.UUID `gorm:"type:uuid;index"`
	MsgID            string     `gorm:"size:128"`
	Removed          bool
	ExpiredAt        *time.Time
	CreatedAt        time.Time
	UpdatedAt        time.Time
}

// Escrow holds the escrow terms for a template or listing.
type Escrow struct {
	ID            uuid.UUID  `gorm:"type:uuid;primaryKey"`
	TemplateID    *uuid.UUID `gorm:"type:uuid;uniqueIndex"`
	ListingItemID *uuid.UUID `gorm:"type:uuid;uniqueIndex"`
	Type          EscrowType `gorm:"size:8"`
	BuyerRatio    uint32
	SellerRatio   uint32
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

// Bid is one event in a trade's bid chain.
type Bid struct {
	ID            uuid.UUID  `gorm:"type:uuid;primaryKey"`
	Type          ActionType `gorm:"size:32;index"`
	Hash          string     `gorm:"size:64;uniqueIndex"`
	ListingItemID uuid.UUID  `gorm:"type:uuid;index"`
	ParentBidID   *uuid.UUID `gorm:"type:uuid;index"`
	Bidder        string     `gorm:"size:128;index"`
	GeneratedAt   time.Time
	MsgID         string `gorm:"size:128"`
	CreatedAt     time.Time
}

// Order groups the order items of one trade.
type Order struct {
	ID        uuid.UUID   `gorm:"type:uuid;primaryKey"`
	Hash      string      `gorm:"size:64;uniqueIndex"`
	Buyer     string      `gorm:"size:128;index"`
	Seller    string      `gorm:"size:128;index"`
	Status    OrderStatus `gorm:"size:32;index"`
	CreatedAt time.Time
	UpdatedAt time.Time
	Items     []OrderItem
}

// OrderItem tracks a single listing within an order.
type OrderItem struct {
	ID            uuid.UUID   `gorm:"type:uuid;primaryKey"`
	OrderID       uuid.UUID   `gorm:"type:uuid;index"`
	BidID         uuid.UUID   `gorm:"type:uuid;uniqueIndex"`
	ListingItemID uuid.UUID   `gorm:"type:uuid;index"`
	Status        OrderStatus `gorm:"size:32"`
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

// Proposal is a vote subject, optionally flagging a listing or market.
type Proposal struct {
	ID          uuid.UUID        `gorm:"type:uuid;primaryKey"`
	Hash        string           `gorm:"size:64;uniqueIndex"`
	Submitter   string           `gorm:"size:128;index"`
	Category    ProposalCategory `gorm:"size:32;index"`
	Title       string           `gorm:"size:255"`
	Description string           `gorm:"type:text"`
	Target      string           `gorm:"size:128;index"`
	TimeStart   time.Time
	TimeEnd     time.Time
	MsgID       string `gorm:"size:128"`
	CreatedAt   time.Time
	Options     []ProposalOption
}

// ProposalOption is one selectable answer on a proposal.
type ProposalOption struct {
	ID          uuid.UUID `gorm:"type:uuid;primaryKey"`
	ProposalID  uuid.UUID `gorm:"type:uuid;uniqueIndex:idx_option_proposal"`
	OptionID    int       `gorm:"uniqueIndex:idx_option_proposal"`
	Description string    `gorm:"size:255"`
	Hash        string    `gorm:"size:64"`
	CreatedAt   time.Time
}

// Vote records a voter's current choice on a proposal.
type Vote struct {
	ID               uuid.UUID `gorm:"type:uuid;primaryKey"`
	ProposalID       uuid.UUID `gorm:"type:uuid;uniqueIndex:idx_vote_voter"`
	Voter            string    `gorm:"size:128;uniqueIndex:idx_vote_voter"`
	ProposalOptionID uuid.UUID `gorm:"type:uuid;index"`
	Weight           uint64
	VotedAt          time.Time
	MsgID            string `gorm:"size:128"`
	CreatedAt        time.Time
	UpdatedAt        time.Time
}

// ProposalResult is a tally snapshot for a proposal.
type ProposalResult struct {
	ID           uuid.UUID `gorm:"type:uuid;primaryKey"`
	ProposalID   uuid.UUID `gorm:"type:uuid;index"`
	TotalWeight  uint64
	TotalVoters  int
	CalculatedAt time.Time
	CreatedAt    time.Time
	Options      []ProposalOptionResult
}

// ProposalOptionResult is the per-option part of a tally snapshot.
type ProposalOptionResult struct {
	ID               uuid.UUID `gorm:"type:uuid;primaryKey"`
	ProposalResultID uuid.UUID `gorm:"type:uuid;index"`
	ProposalOptionID uuid.UUID `gorm:"type:uuid"`
	OptionID         int
	Description      string `gorm:"size:255"`
	Weight           uint64
	Voters           int
}

// FlaggedItem links a flagged listing or market to the proposal that flagged it.
type FlaggedItem struct {
	ID            uuid.UUID  `gorm:"type:uuid;primaryKey"`
	ProposalID    uuid.UUID  `gorm:"type:uuid;uniqueIndex"`
	ListingItemID *uuid.UUID `gorm:"type:uuid;uniqueIndex"`
	MarketID      *uuid.UUID `gorm:"type:uuid;uniqueIndex"`
	Reason        string     `gorm:"size:512"`
	Removed       bool
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

// AutoMigrate performs all schema migrations for the service.
func AutoMigrate(db *gorm.DB) error {
	return db.AutoMigrate(
		&Envelope{},
		&Market{},
		&ListingItemTemplate{},
		&ListingItem{},
		&Escrow{},
		&Bid{},
		&Order{},
		&OrderItem{},
		&Proposal{},
		&ProposalOption{},
		&Vote{},
		&ProposalResult{},
		&ProposalOptionResult{},
		&FlaggedItem{},
	)
}
