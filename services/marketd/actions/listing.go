package actions

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"

	"p2pmarket/core/objecthash"
	"p2pmarket/services/marketd/dispatch"
	"p2pmarket/services/marketd/message"
	"p2pmarket/services/marketd/models"
	"p2pmarket/services/marketd/repository"
	"p2pmarket/services/marketd/trade"
)

// ErrMarketRemoved is returned for listings published to a market removed by governance.
var ErrMarketRemoved = errors.New("actions: market removed")

// ListingHash is the content hash a listing payload is identified by.
func ListingHash(payload *message.ListingPayload) (string, error) {
	if payload == nil {
		return "", fmt.Errorf("%w: listing payload required", ErrInvalidMessage)
	}
	return objecthash.Hash(payload, objecthash.KindListingItem)
}

func (b *base) addListing(ctx context.Context, req dispatch.Request) error {
	payload := req.Message.Listing
	if payload == nil {
		return fmt.Errorf("%w: listing payload required", ErrInvalidMessage)
	}
	if strings.TrimSpace(payload.Information.Title) == "" {
		return fmt.Errorf("%w: listing title required", ErrInvalidMessage)
	}
	if payload.Seller != req.Envelope.Sender {
		return fmt.Errorf("%w: seller %s did not send the listing", ErrInvalidMessage, payload.Seller)
	}
	if payload.ExpiryDays < 0 {
		return fmt.Errorf("%w: negative expiry", ErrInvalidMessage)
	}
	hash, err := ListingHash(payload)
	if err != nil {
		return err
	}
	if req.Message.Item != "" && req.Message.Item != hash {
		return fmt.Errorf("%w: listing %s", ErrHashMismatch, req.Message.Item)
	}

	if _, err := b.store.Listings.FindByHash(ctx, hash); err == nil {
		b.logger.Debug("listing already stored", "listing", hash, "msg_id", req.Envelope.MsgID)
		return nil
	} else if !errors.Is(err, repository.ErrNotFound) {
		return err
	}

	terms := trade.TermsFrom(payload.Payment.Escrow)
	if err := terms.Validate(); err != nil {
		return err
	}

	item := &models.ListingItem{
		Hash:             hash,
		MarketAddress:    payload.Market,
		Seller:           payload.Seller,
		Category:         payload.Information.Category,
		Title:            payload.Information.Title,
		ShortDescription: payload.Information.ShortDescription,
		LongDescription:  payload.Information.LongDescription,
		MsgID:            req.Envelope.MsgID,
	}
	if price := payload.Payment.Price; price != nil {
		item.BasePrice = price.BasePrice
		item.Currency = price.Currency
	}
	if payload.ExpiryDays > 0 {
		expires := b.now().UTC().AddDate(0, 0, payload.ExpiryDays)
		item.ExpiredAt = &expires
	}

	err = b.store.Transaction(ctx, func(tx *repository.Store) error {
		if payload.Market != "" {
			if err := ensureMarket(ctx, tx, payload.Market); err != nil {
				return err
			}
		}
		if payload.TemplateHash != "" {
			tpl, err := tx.Templates.FindByHash(ctx, payload.TemplateHash)
			switch {
			case err == nil:
				id := tpl.ID
				item.TemplateID = &id
			case !errors.Is(err, repository.ErrNotFound):
				return err
			}
		}
		if err := tx.Listings.Create(ctx, item); err != nil {
			return err
		}
		return tx.Escrows.Create(ctx, &models.Escrow{
			ListingItemID: ptr(item.ID),
			Type:          terms.Type,
			BuyerRatio:    terms.BuyerRatio,
			SellerRatio:   terms.SellerRatio,
		})
	})
	if repository.IsDuplicate(err) {
		return nil
	}
	if err != nil {
		return err
	}
	b.logger.Info("listing added", "listing", hash, "market", payload.Market, "msg_id", req.Envelope.MsgID)
	return nil
}

func ensureMarket(ctx context.Context, tx *repository.Store, address string) error {
	market, err := tx.Markets.FindByAddress(ctx, address)
	if errors.Is(err, repository.ErrNotFound) {
		return tx.Markets.Create(ctx, &models.Market{Name: address, Address: address})
	}
	if err != nil {
		return err
	}
	if market.Removed {
		return fmt.Errorf("%w: %s", ErrMarketRemoved, address)
	}
	return nil
}

func ptr(id uuid.UUID) *uuid.UUID { return &id }
