package governance_test

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/holiman/uint256"
	"github.com/stretchr/testify/require"

	"p2pmarket/crypto"
	"p2pmarket/services/marketd/governance"
	"p2pmarket/services/marketd/models"
	"p2pmarket/services/marketd/repository"
	"p2pmarket/services/marketd/repository/repotest"
	"p2pmarket/services/marketd/wallet"
)

func newAddress(t *testing.T) string {
	t.Helper()
	key, err := crypto.GeneratePrivateKey()
	require.NoError(t, err)
	return key.PubKey().Address().String()
}

func proposalWithOptions(category models.ProposalCategory) *models.Proposal {
	return &models.Proposal{
		ID:       uuid.New(),
		Hash:     uuid.NewString(),
		Category: category,
		Options: []models.ProposalOption{
			{ID: uuid.New(), OptionID: 0, Description: models.OptionKeep},
			{ID: uuid.New(), OptionID: 1, Description: models.OptionRemove},
		},
	}
}

func result(keep, remove uint64) governance.Result {
	p := proposalWithOptions(models.CategoryItemVote)
	var votes []*models.Vote
	if keep > 0 {
		votes = append(votes, &models.Vote{ProposalOptionID: p.Options[0].ID, Weight: keep})
	}
	if remove > 0 {
		votes = append(votes, &models.Vote{ProposalOptionID: p.Options[1].ID, Weight: remove})
	}
	return governance.Tally(p, votes)
}

func TestTally(t *testing.T) {
	p := proposalWithOptions(models.CategoryItemVote)
	votes := []*models.Vote{
		{ProposalOptionID: p.Options[0].ID, Weight: 5},
		{ProposalOptionID: p.Options[1].ID, Weight: ^uint64(0)},
		{ProposalOptionID: p.Options[1].ID, Weight: 3},
		{ProposalOptionID: uuid.New(), Weight: 100},
	}
	res := governance.Tally(p, votes)
	require.Equal(t, 3, res.Voters)
	require.Equal(t, 2, res.Options[1].Voters)

	want := new(uint256.Int).Add(uint256.NewInt(^uint64(0)), uint256.NewInt(8))
	require.Equal(t, want, res.Total)

	snap := res.Snapshot(time.Now())
	require.Equal(t, ^uint64(0), snap.TotalWeight)
	require.EqualValues(t, 5, snap.Options[0].Weight)
}

func TestShouldRemoveFlaggedItem(t *testing.T) {
	th := governance.Thresholds{ItemRemovalBps: 5000, MarketRemovalBps: 7500}

	require.True(t, governance.ShouldRemoveFlaggedItem(result(50, 50), models.CategoryItemVote, th))
	require.False(t, governance.ShouldRemoveFlaggedItem(result(51, 49), models.CategoryItemVote, th))
	require.False(t, governance.ShouldRemoveFlaggedItem(result(26, 74), models.CategoryMarketVote, th))
	require.True(t, governance.ShouldRemoveFlaggedItem(result(25, 75), models.CategoryMarketVote, th))
	require.False(t, governance.ShouldRemoveFlaggedItem(result(0, 0), models.CategoryItemVote, th))
	require.False(t, governance.ShouldRemoveFlaggedItem(result(0, 100), models.CategoryPublicVote, th))

	// round trip through the stored form keeps the decision
	snap := result(10, 90).Snapshot(time.Now())
	require.True(t, governance.ShouldRemoveFlaggedItem(governance.FromSnapshot(snap), models.CategoryItemVote, th))
}

type flagFixture struct {
	store     *repository.Store
	wallet    *wallet.Static
	evaluator *governance.Evaluator
	owner     string
	stranger  string
}

func newFlagFixture(t *testing.T) *flagFixture {
	t.Helper()
	store := repotest.OpenStore(t)
	owner, stranger := newAddress(t), newAddress(t)
	w, err := wallet.NewStatic([]string{owner}, nil)
	require.NoError(t, err)
	ev, err := governance.NewEvaluator(store, w, governance.DefaultThresholds(), nil)
	require.NoError(t, err)
	return &flagFixture{store: store, wallet: w, evaluator: ev, owner: owner, stranger: stranger}
}

func (f *flagFixture) flag(t *testing.T, category models.ProposalCategory) (*models.FlaggedItem, *models.ListingItem, *models.Market) {
	t.Helper()
	ctx := context.Background()
	listing := &models.ListingItem{Hash: uuid.NewString(), Title: "Flagged"}
	require.NoError(t, f.store.Listings.Create(ctx, listing))
	market := &models.Market{Name: "Main", Address: uuid.NewString()}
	require.NoError(t, f.store.Markets.Create(ctx, market))

	p := proposalWithOptions(category)
	require.NoError(t, f.store.Proposals.Create(ctx, p))
	flagged := &models.FlaggedItem{ProposalID: p.ID}
	switch category {
	case models.CategoryMarketVote:
		flagged.MarketID = &market.ID
	default:
		flagged.ListingItemID = &listing.ID
	}
	require.NoError(t, f.store.Flags.Create(ctx, flagged))
	return flagged, listing, market
}

func TestPublicVoteNeverMutates(t *testing.T) {
	ctx := context.Background()
	f := newFlagFixture(t)
	flagged, listing, _ := f.flag(t, models.CategoryPublicVote)

	inputs := []governance.Result{result(0, 0), result(0, 1), result(1, 0), result(1, 1000), result(^uint64(0), ^uint64(0))}
	for _, res := range inputs {
		for _, voter := range []string{f.owner, f.stranger} {
			removed, err := f.evaluator.SetRemovedFlagIfNeeded(ctx, flagged.ID, res, &models.Vote{Voter: voter})
			require.NoError(t, err)
			require.False(t, removed)
		}
	}

	stored, err := f.store.Flags.FindByID(ctx, flagged.ID)
	require.NoError(t, err)
	require.False(t, stored.Removed)
	item, err := f.store.Listings.FindByID(ctx, listing.ID)
	require.NoError(t, err)
	require.False(t, item.Removed)
}

func TestItemVoteRequiresOwnedVoter(t *testing.T) {
	ctx := context.Background()
	f := newFlagFixture(t)
	flagged, listing, _ := f.flag(t, models.CategoryItemVote)

	removed, err := f.evaluator.SetRemovedFlagIfNeeded(ctx, flagged.ID, result(0, 10), &models.Vote{Voter: f.stranger})
	require.NoError(t, err)
	require.False(t, removed)

	removed, err = f.evaluator.SetRemovedFlagIfNeeded(ctx, flagged.ID, result(9, 1), &models.Vote{Voter: f.owner})
	require.NoError(t, err)
	require.False(t, removed)

	removed, err = f.evaluator.SetRemovedFlagIfNeeded(ctx, flagged.ID, result(0, 10), &models.Vote{Voter: f.owner})
	require.NoError(t, err)
	require.True(t, removed)

	item, err := f.store.Listings.FindByID(ctx, listing.ID)
	require.NoError(t, err)
	require.True(t, item.Removed)
	stored, err := f.store.Flags.FindByID(ctx, flagged.ID)
	require.NoError(t, err)
	require.True(t, stored.Removed)

	// already removed: nothing more to do
	removed, err = f.evaluator.SetRemovedFlagIfNeeded(ctx, flagged.ID, result(0, 10), &models.Vote{Voter: f.owner})
	require.NoError(t, err)
	require.False(t, removed)
}

func TestItemVoteSkipsMissingListing(t *testing.T) {
	ctx := context.Background()
	f := newFlagFixture(t)
	flagged, _, _ := f.flag(t, models.CategoryItemVote)
	missing := uuid.New()
	flagged.ListingItemID = &missing
	require.NoError(t, f.store.Flags.Update(ctx, flagged))

	removed, err := f.evaluator.SetRemovedFlagIfNeeded(ctx, flagged.ID, result(0, 10), &models.Vote{Voter: f.owner})
	require.NoError(t, err)
	require.False(t, removed)
}

func TestMarketVoteRemovesMarket(t *testing.T) {
	ctx := context.Background()
	f := newFlagFixture(t)
	flagged, _, market := f.flag(t, models.CategoryMarketVote)

	removed, err := f.evaluator.SetRemovedFlagIfNeeded(ctx, flagged.ID, result(0, 3), &models.Vote{Voter: f.stranger})
	require.NoError(t, err)
	require.True(t, removed)

	stored, err := f.store.Markets.FindByID(ctx, market.ID)
	require.NoError(t, err)
	require.True(t, stored.Removed)
}

func TestRecalculateStoresSnapshot(t *testing.T) {
	ctx := context.Background()
	f := newFlagFixture(t)
	p := proposalWithOptions(models.CategoryItemVote)
	require.NoError(t, f.store.Proposals.Create(ctx, p))
	require.NoError(t, f.store.Votes.Upsert(ctx, &models.Vote{ProposalID: p.ID, Voter: f.owner, ProposalOptionID: p.Options[1].ID, Weight: 4, VotedAt: time.Now()}))

	res, err := f.evaluator.Recalculate(ctx, p)
	require.NoError(t, err)
	require.Equal(t, uint256.NewInt(4), res.RemoveWeight())

	latest, err := f.store.Results.Latest(ctx, p.ID)
	require.NoError(t, err)
	require.EqualValues(t, 4, latest.TotalWeight)
}
