package trade_test

import (
	"context"
	"errors"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"p2pmarket/services/marketd/message"
	"p2pmarket/services/marketd/models"
	"p2pmarket/services/marketd/repository/repotest"
	"p2pmarket/services/marketd/trade"
)

func TestTransitionTable(t *testing.T) {
	cases := []struct {
		parent, child models.ActionType
		ok            bool
	}{
		{models.ActionBid, models.ActionAccept, true},
		{models.ActionBid, models.ActionReject, true},
		{models.ActionBid, models.ActionCancel, true},
		{models.ActionAccept, models.ActionLock, true},
		{models.ActionLock, models.ActionComplete, true},
		{models.ActionLock, models.ActionRefund, true},
		{models.ActionComplete, models.ActionRelease, true},
		{models.ActionBid, models.ActionLock, false},
		{models.ActionAccept, models.ActionComplete, false},
		{models.ActionReject, models.ActionAccept, false},
		{models.ActionRefund, models.ActionRelease, false},
		{models.ActionLock, models.ActionLock, false},
	}
	for _, tc := range cases {
		if got := trade.CanTransition(tc.parent, tc.child); got != tc.ok {
			t.Fatalf("CanTransition(%s, %s) = %v want %v", tc.parent, tc.child, got, tc.ok)
		}
	}
	require.Equal(t, []models.ActionType{models.ActionLock}, trade.AllowedParents(models.ActionComplete))
	require.Equal(t, []models.ActionType{models.ActionAccept}, trade.AllowedParents(models.ActionLock))
	require.True(t, trade.Terminal(models.ActionRelease))
	require.True(t, trade.Terminal(models.ActionReject))
	require.False(t, trade.Terminal(models.ActionLock))
	require.False(t, trade.Terminal(models.ActionVote))
}

func TestStatusFor(t *testing.T) {
	status, ok := trade.StatusFor(models.ActionLock)
	require.True(t, ok)
	require.Equal(t, models.OrderEscrowLocked, status)
	_, ok = trade.StatusFor(models.ActionVote)
	require.False(t, ok)
}

func TestAuthorizeBySide(t *testing.T) {
	const buyer, seller = "buyer-addr", "seller-addr"
	cases := []struct {
		action models.ActionType
		role   trade.Role
	}{
		{models.ActionBid, trade.RoleBuyer},
		{models.ActionAccept, trade.RoleSeller},
		{models.ActionReject, trade.RoleSeller},
		{models.ActionCancel, trade.RoleBuyer},
		{models.ActionLock, trade.RoleBuyer},
		{models.ActionComplete, trade.RoleSeller},
		{models.ActionRefund, trade.RoleSeller},
		{models.ActionRelease, trade.RoleBuyer},
	}
	for _, tc := range cases {
		role, ok := trade.SenderRole(tc.action)
		require.True(t, ok, tc.action)
		require.Equal(t, tc.role, role, tc.action)

		right, wrong := buyer, seller
		if tc.role == trade.RoleSeller {
			right, wrong = seller, buyer
		}
		require.NoError(t, trade.Authorize(tc.action, right, buyer, seller), tc.action)
		require.ErrorIs(t, trade.Authorize(tc.action, wrong, buyer, seller), trade.ErrWrongParty, tc.action)
	}
	require.ErrorIs(t, trade.Authorize(models.ActionVote, buyer, buyer, seller), trade.ErrTransitionNotAllowed)
	require.ErrorIs(t, trade.Authorize(models.ActionAccept, "", buyer, ""), trade.ErrWrongParty)
}

func chain(types ...models.ActionType) []*models.Bid {
	bids := make([]*models.Bid, len(types))
	for i, tp := range types {
		bids[i] = &models.Bid{ID: uuid.New(), Type: tp, Hash: string(tp)}
	}
	// link each bid to the previous one; returned newest first
	for i := 1; i < len(bids); i++ {
		parent := bids[i-1].ID
		bids[i].ParentBidID = &parent
	}
	out := make([]*models.Bid, len(bids))
	for i := range bids {
		out[len(bids)-1-i] = bids[i]
	}
	return out
}

func TestTraceRoot(t *testing.T) {
	good := chain(models.ActionBid, models.ActionAccept, models.ActionLock)
	root, err := trade.TraceRoot(good)
	require.NoError(t, err)
	require.Equal(t, models.ActionBid, root.Type)

	_, err = trade.TraceRoot(chain(models.ActionAccept, models.ActionLock))
	require.ErrorIs(t, err, trade.ErrBrokenChain)

	_, err = trade.TraceRoot(chain(models.ActionBid, models.ActionLock))
	require.ErrorIs(t, err, trade.ErrTransitionNotAllowed)

	unlinked := chain(models.ActionBid, models.ActionAccept)
	unlinked[0].ParentBidID = nil
	_, err = trade.TraceRoot(unlinked)
	require.ErrorIs(t, err, trade.ErrBrokenChain)

	_, err = trade.TraceRoot(nil)
	require.ErrorIs(t, err, trade.ErrBrokenChain)
}

func TestRootWalksStoredChain(t *testing.T) {
	ctx := context.Background()
	store := repotest.OpenStore(t)
	listingID := uuid.New()

	bid := &models.Bid{Type: models.ActionBid, Hash: "b", ListingItemID: listingID}
	require.NoError(t, store.Bids.Create(ctx, bid))
	accept := &models.Bid{Type: models.ActionAccept, Hash: "a", ListingItemID: listingID, ParentBidID: &bid.ID}
	require.NoError(t, store.Bids.Create(ctx, accept))
	lock := &models.Bid{Type: models.ActionLock, Hash: "l", ListingItemID: listingID, ParentBidID: &accept.ID}
	require.NoError(t, store.Bids.Create(ctx, lock))

	root, err := trade.Root(ctx, store.Bids, lock)
	require.NoError(t, err)
	require.Equal(t, bid.ID, root.ID)

	missing := uuid.New()
	orphan := &models.Bid{Type: models.ActionLock, Hash: "o", ParentBidID: &missing}
	_, err = trade.Root(ctx, store.Bids, orphan)
	require.True(t, errors.Is(err, trade.ErrBrokenChain))
}

func TestTemplateEscrowLockedAfterPublish(t *testing.T) {
	ctx := context.Background()
	store := repotest.OpenStore(t)
	svc := trade.NewTemplateService(store, nil)

	draft := trade.TemplateDraft{
		Information: message.ItemInformation{Title: "Desk"},
		Payment: message.PaymentInfo{
			Type:   "SALE",
			Escrow: &message.EscrowInfo{Type: models.EscrowMAD, Ratio: message.EscrowRatio{Buyer: 100, Seller: 100}},
		},
	}
	tpl, escrow, err := svc.Create(ctx, draft)
	require.NoError(t, err)
	require.Equal(t, models.EscrowMAD, escrow.Type)

	again, _, err := svc.Create(ctx, draft)
	require.NoError(t, err)
	require.NotEqual(t, tpl.Hash, again.Hash)

	updated, err := svc.UpdateEscrow(ctx, tpl.ID, trade.EscrowTerms{Type: models.EscrowMAD, BuyerRatio: 50, SellerRatio: 150})
	require.NoError(t, err)
	require.EqualValues(t, 150, updated.SellerRatio)

	_, err = svc.UpdateEscrow(ctx, tpl.ID, trade.EscrowTerms{Type: "FOO"})
	require.ErrorIs(t, err, trade.ErrInvalidEscrow)

	require.NoError(t, store.Listings.Create(ctx, &models.ListingItem{Hash: "published", TemplateID: &tpl.ID}))
	_, err = svc.UpdateEscrow(ctx, tpl.ID, trade.EscrowTerms{Type: models.EscrowNOP})
	require.ErrorIs(t, err, trade.ErrEscrowLocked)

	stored, err := store.Escrows.FindByTemplateID(ctx, tpl.ID)
	require.NoError(t, err)
	require.Equal(t, models.EscrowMAD, stored.Type)
}
