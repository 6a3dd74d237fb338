package repository

import (
	"context"
	"errors"

	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"p2pmarket/services/marketd/models"
)

// BidRepository persists bid chains. Bids are append-only.
type BidRepository interface {
	FindByID(ctx context.Context, id uuid.UUID) (*models.Bid, error)
	FindByHash(ctx context.Context, hash string) (*models.Bid, error)
	// FindChild returns the child of parentID with the given type.
	FindChild(ctx context.Context, parentID uuid.UUID, bidType models.ActionType) (*models.Bid, error)
	Children(ctx context.Context, parentID uuid.UUID) ([]*models.Bid, error)
	Create(ctx context.Context, bid *models.Bid) error
}

// OrderRepository persists orders and their items.
type OrderRepository interface {
	FindByID(ctx context.Context, id uuid.UUID) (*models.Order, error)
	FindByHash(ctx context.Context, hash string) (*models.Order, error)
	// FindItemByBidID returns the order item opened by the root bid.
	FindItemByBidID(ctx context.Context, bidID uuid.UUID) (*models.OrderItem, error)
	// Create inserts the order together with its items.
	Create(ctx context.Context, order *models.Order) error
	// SetStatus updates the order and the order item in one statement pair,
	// locking the order row where the dialect supports it.
	SetStatus(ctx context.Context, orderID, itemID uuid.UUID, status models.OrderStatus) error
}

type gormBids struct {
	db *gorm.DB
}

func (r *gormBids) FindByID(ctx context.Context, id uuid.UUID) (*models.Bid, error) {
	var bid models.Bid
	if err := r.db.WithContext(ctx).First(&bid, "id = ?", id).Error; err != nil {
		return nil, notFound(err)
	}
	return &bid, nil
}

func (r *gormBids) FindByHash(ctx context.Context, hash string) (*models.Bid, error) {
	var bid models.Bid
	if err := r.db.WithContext(ctx).First(&bid, "hash = ?", hash).Error; err != nil {
		return nil, notFound(err)
	}
	return &bid, nil
}

func (r *gormBids) FindChild(ctx context.Context, parentID uuid.UUID, bidType models.ActionType) (*models.Bid, error) {
	var bid models.Bid
	err := r.db.WithContext(ctx).
		Where("parent_bid_id = ? AND type = ?", parentID, bidType).
		Order("created_at ASC").
		First(&bid).Error
	if err != nil {
		return nil, notFound(err)
	}
	return &bid, nil
}

func (r *gormBids) Children(ctx context.Context, parentID uuid.UUID) ([]*models.Bid, error) {
	var bids []*models.Bid
	if err := r.db.WithContext(ctx).Where("parent_bid_id = ?", parentID).Order("created_at ASC").Find(&bids).Error; err != nil {
		return nil, err
	}
	return bids, nil
}

func (r *gormBids) Create(ctx context.Context, bid *models.Bid) error {
	if bid == nil {
		return errors.New("repository: nil bid")
	}
	if bid.ID == uuid.Nil {
		bid.ID = uuid.New()
	}
	return r.db.WithContext(ctx).Create(bid).Error
}

type gormOrders struct {
	db *gorm.DB
}

func (r *gormOrders) FindByID(ctx context.Context, id uuid.UUID) (*models.Order, error) {
	var order models.Order
	if err := r.db.WithContext(ctx).Preload("Items").First(&order, "id = ?", id).Error; err != nil {
		return nil, notFound(err)
	}
	return &order, nil
}

func (r *gormOrders) FindByHash(ctx context.Context, hash string) (*models.Order, error) {
	var order models.Order
	if err := r.db.WithContext(ctx).Preload("Items").First(&order, "hash = ?", hash).Error; err != nil {
		return nil, notFound(err)
	}
	return &order, nil
}

func (r *gormOrders) FindItemByBidID(ctx context.Context, bidID uuid.UUID) (*models.OrderItem, error) {
	var item models.OrderItem
	if err := r.db.WithContext(ctx).First(&item, "bid_id = ?", bidID).Error; err != nil {
		return nil, notFound(err)
	}
	return &item, nil
}

func (r *gormOrders) Create(ctx context.Context, order *models.Order) error {
	if order == nil {
		return errors.New("repository: nil order")
	}
	if order.ID == uuid.Nil {
		order.ID = uuid.New()
	}
	for i := range order.Items {
		if order.Items[i].ID == uuid.Nil {
			order.Items[i].ID = uuid.New()
		}
		order.Items[i].OrderID = order.ID
	}
	return r.db.WithContext(ctx).Create(order).Error
}

func (r *gormOrders) SetStatus(ctx context.Context, orderID, itemID uuid.UUID, status models.OrderStatus) error {
	db := r.db.WithContext(ctx)
	var order models.Order
	if err := db.Clauses(clause.Locking{Strength: "UPDATE"}).First(&order, "id = ?", orderID).Error; err != nil {
		return notFound(err)
	}
	if err := db.Model(&models.OrderItem{}).Where("id = ? AND order_id = ?", itemID, orderID).Update("status", status).Error; err != nil {
		return err
	}
	return db.Model(&order).Update("status", status).Error
}
