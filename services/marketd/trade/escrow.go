package trade

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"p2pmarket/core/objecthash"
	"p2pmarket/services/marketd/message"
	"p2pmarket/services/marketd/models"
	"p2pmarket/services/marketd/repository"
)

var (
	// ErrEscrowLocked is returned when escrow terms change after a listing was
	// published from the template.
	ErrEscrowLocked = errors.New("trade: escrow is locked by a published listing")
	// ErrInvalidEscrow is returned for unknown escrow types or unusable ratios.
	ErrInvalidEscrow = errors.New("trade: invalid escrow terms")
)

// EscrowTerms are the escrow settings of a payment information block.
type EscrowTerms struct {
	Type        models.EscrowType
	BuyerRatio  uint32
	SellerRatio uint32
}

// TermsFrom converts wire escrow info. Nil info means NOP with no deposits.
func TermsFrom(info *message.EscrowInfo) EscrowTerms {
	if info == nil {
		return EscrowTerms{Type: models.EscrowNOP}
	}
	return EscrowTerms{
		Type:        models.EscrowType(strings.ToUpper(strings.TrimSpace(string(info.Type)))),
		BuyerRatio:  info.Ratio.Buyer,
		SellerRatio: info.Ratio.Seller,
	}
}

// Validate checks the escrow type and that MAD escrows require deposits.
func (t EscrowTerms) Validate() error {
	switch t.Type {
	case models.EscrowNOP:
		return nil
	case models.EscrowMAD:
		if t.BuyerRatio == 0 && t.SellerRatio == 0 {
			return fmt.Errorf("%w: MAD escrow needs a deposit ratio", ErrInvalidEscrow)
		}
		return nil
	default:
		return fmt.Errorf("%w: type %q", ErrInvalidEscrow, t.Type)
	}
}

// TemplateService manages local listing templates and their escrow terms.
type TemplateService struct {
	store *repository.Store
	now   func() time.Time
}

// NewTemplateService constructs the service. now defaults to time.Now.
func NewTemplateService(store *repository.Store, now func() time.Time) *TemplateService {
	if now == nil {
		now = time.Now
	}
	return &TemplateService{store: store, now: now}
}

// TemplateDraft is the content of a new template.
type TemplateDraft struct {
	Information message.ItemInformation `json:"information"`
	Payment     message.PaymentInfo     `json:"payment"`
	Objects     []message.KeyValue      `json:"objects,omitempty"`
}

// Create stores a template with its escrow. Templates are hashed with a
// timestamp so two identical drafts stay distinct.
func (s *TemplateService) Create(ctx context.Context, draft TemplateDraft) (*models.ListingItemTemplate, *models.Escrow, error) {
	terms := TermsFrom(draft.Payment.Escrow)
	if err := terms.Validate(); err != nil {
		return nil, nil, err
	}
	hash, err := objecthash.HashTimestamped(draft, objecthash.KindListingItemTemplate, s.now())
	if err != nil {
		return nil, nil, err
	}
	tpl := &models.ListingItemTemplate{Hash: hash, Title: draft.Information.Title}
	var escrow *models.Escrow
	err = s.store.Transaction(ctx, func(tx *repository.Store) error {
		if err := tx.Templates.Create(ctx, tpl); err != nil {
			return err
		}
		escrow = &models.Escrow{
			TemplateID:  &tpl.ID,
			Type:        terms.Type,
			BuyerRatio:  terms.BuyerRatio,
			SellerRatio: terms.SellerRatio,
		}
		return tx.Escrows.Create(ctx, escrow)
	})
	if err != nil {
		return nil, nil, err
	}
	return tpl, escrow, nil
}

// UpdateEscrow replaces the template's escrow terms unless a listing has
// already been published from the template.
func (s *TemplateService) UpdateEscrow(ctx context.Context, templateID uuid.UUID, terms EscrowTerms) (*models.Escrow, error) {
	if err := terms.Validate(); err != nil {
		return nil, err
	}
	var updated *models.Escrow
	err := s.store.Transaction(ctx, func(tx *repository.Store) error {
		published, err := tx.Listings.ExistsForTemplate(ctx, templateID)
		if err != nil {
			return err
		}
		if published {
			return ErrEscrowLocked
		}
		escrow, err := tx.Escrows.FindByTemplateID(ctx, templateID)
		if err != nil {
			return err
		}
		escrow.Type = terms.Type
		escrow.BuyerRatio = terms.BuyerRatio
		escrow.SellerRatio = terms.SellerRatio
		if err := tx.Escrows.Update(ctx, escrow); err != nil {
			return err
		}
		updated = escrow
		return nil
	})
	if err != nil {
		return nil, err
	}
	return updated, nil
}
