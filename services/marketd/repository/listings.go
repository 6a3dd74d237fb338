package repository

import (
	"context"
	"errors"

	"github.com/google/uuid"
	lru "github.com/hashicorp/golang-lru"
	"gorm.io/gorm"

	"p2pmarket/services/marketd/models"
)

// MarketRepository persists markets.
type MarketRepository interface {
	FindByID(ctx context.Context, id uuid.UUID) (*models.Market, error)
	FindByAddress(ctx context.Context, address string) (*models.Market, error)
	Create(ctx context.Context, market *models.Market) error
	Update(ctx context.Context, market *models.Market) error
}

// TemplateRepository persists local listing templates.
type TemplateRepository interface {
	FindByID(ctx context.Context, id uuid.UUID) (*models.ListingItemTemplate, error)
	FindByHash(ctx context.Context, hash string) (*models.ListingItemTemplate, error)
	Create(ctx context.Context, tpl *models.ListingItemTemplate) error
}

// ListingRepository persists published listings.
type ListingRepository interface {
	FindByID(ctx context.Context, id uuid.UUID) (*models.ListingItem, error)
	FindByHash(ctx context.Context, hash string) (*models.ListingItem, error)
	Create(ctx context.Context, item *models.ListingItem) error
	Update(ctx context.Context, item *models.ListingItem) error
	// ExistsForTemplate reports whether any listing was published from the template.
	ExistsForTemplate(ctx context.Context, templateID uuid.UUID) (bool, error)
}

// EscrowRepository persists escrow terms.
type EscrowRepository interface {
	FindByID(ctx context.Context, id uuid.UUID) (*models.Escrow, error)
	FindByTemplateID(ctx context.Context, templateID uuid.UUID) (*models.Escrow, error)
	FindByListingItemID(ctx context.Context, listingItemID uuid.UUID) (*models.Escrow, error)
	Create(ctx context.Context, escrow *models.Escrow) error
	Update(ctx context.Context, escrow *models.Escrow) error
}

type gormMarkets struct {
	db *gorm.DB
}

func (r *gormMarkets) FindByID(ctx context.Context, id uuid.UUID) (*models.Market, error) {
	var market models.Market
	if err := r.db.WithContext(ctx).First(&market, "id = ?", id).Error; err != nil {
		return nil, notFound(err)
	}
	return &market, nil
}

func (r *gormMarkets) FindByAddress(ctx context.Context, address string) (*models.Market, error) {
	var market models.Market
	if err := r.db.WithContext(ctx).First(&market, "address = ?", address).Error; err != nil {
		return nil, notFound(err)
	}
	return &market, nil
}

func (r *gormMarkets) Create(ctx context.Context, market *models.Market) error {
	if market.ID == uuid.Nil {
		market.ID = uuid.New()
	}
	return r.db.WithContext(ctx).Create(market).Error
}

func (r *gormMarkets) Update(ctx context.Context, market *models.Market) error {
	return r.db.WithContext(ctx).Save(market).Error
}

type gormTemplates struct {
	db *gorm.DB
}

func (r *gormTemplates) FindByID(ctx context.Context, id uuid.UUID) (*models.ListingItemTemplate, error) {
	var tpl models.ListingItemTemplate
	if err := r.db.WithContext(ctx).First(&tpl, "id = ?", id).Error; err != nil {
		return nil, notFound(err)
	}
	return &tpl, nil
}

func (r *gormTemplates) FindByHash(ctx context.Context, hash string) (*models.ListingItemTemplate, error) {
	var tpl models.ListingItemTemplate
	if err := r.db.WithContext(ctx).First(&tpl, "hash = ?", hash).Error; err != nil {
		return nil, notFound(err)
	}
	return &tpl, nil
}

func (r *gormTemplates) Create(ctx context.Context, tpl *models.ListingItemTemplate) error {
	if tpl.ID == uuid.Nil {
		tpl.ID = uuid.New()
	}
	return r.db.WithContext(ctx).Create(tpl).Error
}

type gormListings struct {
	db        *gorm.DB
	cache     *lru.Cache
	fillCache bool
}

func (r *gormListings) FindByID(ctx context.Context, id uuid.UUID) (*models.ListingItem, error) {
	var item models.ListingItem
	if err := r.db.WithContext(ctx).First(&item, "id = ?", id).Error; err != nil {
		return nil, notFound(err)
	}
	return &item, nil
}

// FindByHash resolves the hash through the id cache first. Listing hashes are
// immutable so a cached id never points at a different listing.
func (r *gormListings) FindByHash(ctx context.Context, hash string) (*models.ListingItem, error) {
	if r.cache != nil {
		if cached, ok := r.cache.Get(hash); ok {
			item, err := r.FindByID(ctx, cached.(uuid.UUID))
			if err == nil {
				return item, nil
			}
			if !errors.Is(err, ErrNotFound) {
				return nil, err
			}
			r.cache.Remove(hash)
		}
	}
	var item models.ListingItem
	if err := r.db.WithContext(ctx).First(&item, "hash = ?", hash).Error; err != nil {
		return nil, notFound(err)
	}
	if r.cache != nil && r.fillCache {
		r.cache.Add(hash, item.ID)
	}
	return &item, nil
}

func (r *gormListings) Create(ctx context.Context, item *models.ListingItem) error {
	if item.ID == uuid.Nil {
		item.ID = uuid.New()
	}
	return r.db.WithContext(ctx).Create(item).Error
}

func (r *gormListings) Update(ctx context.Context, item *models.ListingItem) error {
	return r.db.WithContext(ctx).Save(item).Error
}

func (r *gormListings) ExistsForTemplate(ctx context.Context, templateID uuid.UUID) (bool, error) {
	var count int64
	if err := r.db.WithContext(ctx).Model(&models.ListingItem{}).Where("template_id = ?", templateID).Count(&count).Error; err != nil {
		return false, err
	}
	return count > 0, nil
}

type gormEscrows struct {
	db *gorm.DB
}

func (r *gormEscrows) FindByID(ctx context.Context, id uuid.UUID) (*models.Escrow, error) {
	var escrow models.Escrow
	if err := r.db.WithContext(ctx).First(&escrow, "id = ?", id).Error; err != nil {
		return nil, notFound(err)
	}
	return &escrow, nil
}

func (r *gormEscrows) FindByTemplateID(ctx context.Context, templateID uuid.UUID) (*models.Escrow, error) {
	var escrow models.Escrow
	if err := r.db.WithContext(ctx).First(&escrow, "template_id = ?", templateID).Error; err != nil {
		return nil, notFound(err)
	}
	return &escrow, nil
}

func (r *gormEscrows) FindByListingItemID(ctx context.Context, listingItemID uuid.UUID) (*models.Escrow, error) {
	var escrow models.Escrow
	if err := r.db.WithContext(ctx).First(&escrow, "listing_item_id = ?", listingItemID).Error; err != nil {
		return nil, notFound(err)
	}
	return &escrow, nil
}

func (r *gormEscrows) Create(ctx context.Context, escrow *models.Escrow) error {
	if escrow.ID == uuid.Nil {
		escrow.ID = uuid.New()
	}
	return r.db.WithContext(ctx).Create(escrow).Error
}

func (r *gormEscrows) Update(ctx context.Context, escrow *models.Escrow) error {
	return r.db.WithContext(ctx).Save(escrow).Error
}
