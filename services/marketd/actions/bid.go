package actions

import (
	"context"
	"errors"
	"fmt"
	"time"

	"p2pmarket/core/objecthash"
	"p2pmarket/services/marketd/dispatch"
	"p2pmarket/services/marketd/message"
	"p2pmarket/services/marketd/models"
	"p2pmarket/services/marketd/repository"
	"p2pmarket/services/marketd/trade"
)

type bidContent struct {
	Action    models.ActionType  `json:"action"`
	Item      string             `json:"item,omitempty"`
	Bid       string             `json:"bid,omitempty"`
	Bidder    string             `json:"bidder"`
	Generated int64              `json:"generated,omitempty"`
	Objects   []message.KeyValue `json:"objects,omitempty"`
}

// BidHash is the content hash of a bid chain message sent by sender at
// sentAt. The send time stands in for generated when the message omits it.
func BidHash(msg *message.MarketplaceMessage, sender string, sentAt time.Time) (string, error) {
	generated := msg.Generated
	if generated == 0 && !sentAt.IsZero() {
		generated = sentAt.UnixMilli()
	}
	return objecthash.Hash(bidContent{
		Action:    msg.Action,
		Item:      msg.Item,
		Bid:       msg.Bid,
		Bidder:    sender,
		Generated: generated,
		Objects:   msg.Objects,
	}, objecthash.KindBid)
}

func generatedAt(req dispatch.Request) time.Time {
	if req.Message.Generated > 0 {
		return time.UnixMilli(req.Message.Generated).UTC()
	}
	return req.Envelope.SentAt.UTC()
}

// placeBid opens a trade: the root MPA_BID and its order.
func (b *base) placeBid(ctx context.Context, req dispatch.Request) error {
	msg := req.Message
	if msg.Item == "" {
		return fmt.Errorf("%w: bid must reference a listing", ErrInvalidMessage)
	}
	listing, err := b.store.Listings.FindByHash(ctx, msg.Item)
	if err != nil {
		return waitFor(err, "listing "+msg.Item)
	}
	if listing.Removed {
		return fmt.Errorf("%w: %s", ErrListingRemoved, listing.Hash)
	}
	if listing.Seller != "" && listing.Seller == req.Envelope.Sender {
		return fmt.Errorf("%w: seller cannot bid on own listing", ErrInvalidMessage)
	}
	hash, err := BidHash(msg, req.Envelope.Sender, req.Envelope.SentAt)
	if err != nil {
		return err
	}
	if _, err := b.store.Bids.FindByHash(ctx, hash); err == nil {
		recordReplay(models.ActionBid)
		return nil
	} else if !errors.Is(err, repository.ErrNotFound) {
		return err
	}

	bid := &models.Bid{
		Type:          models.ActionBid,
		Hash:          hash,
		ListingItemID: listing.ID,
		Bidder:        req.Envelope.Sender,
		GeneratedAt:   generatedAt(req),
		MsgID:         req.Envelope.MsgID,
	}
	err = b.store.Transaction(ctx, func(tx *repository.Store) error {
		if err := tx.Bids.Create(ctx, bid); err != nil {
			return err
		}
		return tx.Orders.Create(ctx, &models.Order{
			Hash:   hash,
			Buyer:  bid.Bidder,
			Seller: listing.Seller,
			Status: models.OrderBidded,
			Items: []models.OrderItem{{
				BidID:         bid.ID,
				ListingItemID: listing.ID,
				Status:        models.OrderBidded,
			}},
		})
	})
	if repository.IsDuplicate(err) {
		recordReplay(models.ActionBid)
		return nil
	}
	if err != nil {
		return err
	}
	recordTransition(models.ActionBid, models.OrderBidded)
	b.logger.Info("bid received", "bid", hash, "listing", listing.Hash, "msg_id", req.Envelope.MsgID)
	return nil
}

// transition builds the processor for a child bid action. The message's bid
// field names the parent bid.
func (b *base) transition(action models.ActionType) handler {
	return func(ctx context.Context, req dispatch.Request) error {
		msg := req.Message
		if msg.Bid == "" {
			return fmt.Errorf("%w: %s must reference a parent bid", ErrInvalidMessage, action)
		}
		parent, err := b.store.Bids.FindByHash(ctx, msg.Bid)
		if err != nil {
			return waitFor(err, "parent bid "+msg.Bid)
		}
		if err := trade.Validate(parent, action); err != nil {
			return err
		}

		if _, err := b.store.Bids.FindChild(ctx, parent.ID, action); err == nil {
			recordReplay(action)
			b.logger.Debug("transition already applied", "action", action, "parent", parent.Hash, "msg_id", req.Envelope.MsgID)
			return nil
		} else if !errors.Is(err, repository.ErrNotFound) {
			return err
		}
		siblings, err := b.store.Bids.Children(ctx, parent.ID)
		if err != nil {
			return err
		}
		for _, sibling := range siblings {
			if sibling.Type != action {
				return fmt.Errorf("%w: %s already follows %s", ErrConflictingTransition, sibling.Type, parent.Hash)
			}
		}

		listing, err := b.store.Listings.FindByID(ctx, parent.ListingItemID)
		if err != nil {
			return waitFor(err, "listing of bid "+parent.Hash)
		}
		if msg.Item != "" && msg.Item != listing.Hash {
			return fmt.Errorf("%w: item %s is not the listing of bid %s", ErrInvalidMessage, msg.Item, parent.Hash)
		}
		root, err := trade.Root(ctx, b.store.Bids, parent)
		if err != nil {
			return err
		}
		if sender := req.Envelope.Sender; sender != root.Bidder && sender != listing.Seller {
			return fmt.Errorf("%w: %s is not a party to trade %s", ErrInvalidMessage, sender, root.Hash)
		}
		if err := trade.Authorize(action, req.Envelope.Sender, root.Bidder, listing.Seller); err != nil {
			return err
		}
		status, _ := trade.StatusFor(action)
		hash, err := BidHash(msg, req.Envelope.Sender, req.Envelope.SentAt)
		if err != nil {
			return err
		}

		child := &models.Bid{
			Type:          action,
			Hash:          hash,
			ListingItemID: parent.ListingItemID,
			ParentBidID:   ptr(parent.ID),
			Bidder:        req.Envelope.Sender,
			GeneratedAt:   generatedAt(req),
			MsgID:         req.Envelope.MsgID,
		}
		err = b.store.Transaction(ctx, func(tx *repository.Store) error {
			if err := tx.Bids.Create(ctx, child); err != nil {
				return err
			}
			item, err := tx.Orders.FindItemByBidID(ctx, root.ID)
			if err != nil {
				return fmt.Errorf("order item of bid %s: %w", root.Hash, err)
			}
			return tx.Orders.SetStatus(ctx, item.OrderID, item.ID, status)
		})
		if repository.IsDuplicate(err) {
			recordReplay(action)
			return nil
		}
		if err != nil {
			return err
		}
		recordTransition(action, status)
		b.logger.Info("trade advanced", "action", action, "order", root.Hash, "status", status, "msg_id", req.Envelope.MsgID)
		return nil
	}
}
