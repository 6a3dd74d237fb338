// Package repository persists marketplace entities through gorm. Each entity
// has its own repository interface; Store bundles them and scopes them to a
// transaction when needed.
package repository

import (
	"context"
	"errors"
	"strings"

	lru "github.com/hashicorp/golang-lru"
	"gorm.io/gorm"
)

var (
	// ErrNotFound is returned when a lookup matches no row.
	ErrNotFound = errors.New("repository: record not found")
)

const defaultListingCacheSize = 4096

// Store exposes every repository over a shared database handle.
type Store struct {
	db *gorm.DB

	Envelopes EnvelopeRepository
	Markets   MarketRepository
	Templates TemplateRepository
	Listings  ListingRepository
	Escrows   EscrowRepository
	Bids      BidRepository
	Orders    OrderRepository
	Proposals ProposalRepository
	Votes     VoteRepository
	Results   ResultRepository
	Flags     FlaggedItemRepository

	listingCache *lru.Cache
}

// Option customises a Store.
type Option func(*storeConfig)

type storeConfig struct {
	listingCacheSize int
}

// WithListingCacheSize bounds the listing hash cache. Zero disables caching.
func WithListingCacheSize(size int) Option {
	return func(cfg *storeConfig) { cfg.listingCacheSize = size }
}

// NewStore wires gorm backed repositories around db.
func NewStore(db *gorm.DB, opts ...Option) (*Store, error) {
	if db == nil {
		return nil, errors.New("repository: db is required")
	}
	cfg := storeConfig{listingCacheSize: defaultListingCacheSize}
	for _, opt := range opts {
		opt(&cfg)
	}
	var cache *lru.Cache
	if cfg.listingCacheSize > 0 {
		c, err := lru.New(cfg.listingCacheSize)
		if err != nil {
			return nil, err
		}
		cache = c
	}
	return bind(db, cache, true), nil
}

func bind(db *gorm.DB, cache *lru.Cache, fillCache bool) *Store {
	return &Store{
		db:           db,
		Envelopes:    &gormEnvelopes{db: db},
		Markets:      &gormMarkets{db: db},
		Templates:    &gormTemplates{db: db},
		Listings:     &gormListings{db: db, cache: cache, fillCache: fillCache},
		Escrows:      &gormEscrows{db: db},
		Bids:         &gormBids{db: db},
		Orders:       &gormOrders{db: db},
		Proposals:    &gormProposals{db: db},
		Votes:        &gormVotes{db: db},
		Results:      &gormResults{db: db},
		Flags:        &gormFlags{db: db},
		listingCache: cache,
	}
}

// DB exposes the underlying handle for health checks.
func (s *Store) DB() *gorm.DB { return s.db }

// Transaction runs fn with repositories bound to a single database transaction.
// Listing lookups made inside the transaction do not populate the shared cache.
func (s *Store) Transaction(ctx context.Context, fn func(tx *Store) error) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		return fn(bind(tx, s.listingCache, false))
	})
}

// IsDuplicate reports whether err is a uniqueness constraint violation.
func IsDuplicate(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return true
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "unique constraint") ||
		strings.Contains(msg, "duplicate key") ||
		strings.Contains(msg, "sqlstate 23505")
}

func notFound(err error) error {
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return ErrNotFound
	}
	return err
}
