package repository_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"p2pmarket/services/marketd/models"
	"p2pmarket/services/marketd/repository"
	"p2pmarket/services/marketd/repository/repotest"
)

func envelope(msgID string, received time.Time) *models.Envelope {
	return &models.Envelope{
		MsgID:      msgID,
		Version:    "0300",
		Sender:     "mkt1sender",
		Payload:    `{"action":"MPA_BID"}`,
		SentAt:     received.Add(-time.Minute),
		ReceivedAt: received,
		ExpiresAt:  received.Add(48 * time.Hour),
	}
}

func TestEnvelopeBatchIsAtomicOnDuplicate(t *testing.T) {
	ctx := context.Background()
	store := repotest.OpenStore(t)
	now := time.Now().UTC()

	require.NoError(t, store.Envelopes.Create(ctx, envelope("msg-1", now)))

	batch := []*models.Envelope{envelope("msg-2", now), envelope("msg-1", now), envelope("msg-3", now)}
	err := store.Envelopes.CreateBatch(ctx, batch)
	require.Error(t, err)
	require.True(t, repository.IsDuplicate(err), "expected duplicate error got %v", err)

	_, err = store.Envelopes.FindByMsgID(ctx, "msg-2")
	require.ErrorIs(t, err, repository.ErrNotFound, "batch must not be partially applied")

	stored, err := store.Envelopes.FindByMsgID(ctx, "msg-1")
	require.NoError(t, err)
	require.Equal(t, models.StatusNew, stored.ProcessingStatus)
}

func TestEnvelopeListPending(t *testing.T) {
	ctx := context.Background()
	store := repotest.OpenStore(t)
	base := time.Now().UTC().Truncate(time.Second)

	newer := envelope("msg-new", base.Add(2*time.Second))
	older := envelope("msg-old", base)
	waiting := envelope("msg-wait", base.Add(time.Second))
	waiting.ProcessingStatus = models.StatusWaiting
	done := envelope("msg-done", base.Add(-time.Second))
	done.ProcessingStatus = models.StatusProcessed

	require.NoError(t, store.Envelopes.CreateBatch(ctx, []*models.Envelope{newer, older, waiting, done}))

	pending, err := store.Envelopes.ListPending(ctx, 10)
	require.NoError(t, err)
	require.Len(t, pending, 3)
	require.Equal(t, "msg-old", pending[0].MsgID)
	require.Equal(t, "msg-wait", pending[1].MsgID)
	require.Equal(t, "msg-new", pending[2].MsgID)

	limited, err := store.Envelopes.ListPending(ctx, 1)
	require.NoError(t, err)
	require.Len(t, limited, 1)
}

func TestListingFindByHashUsesCache(t *testing.T) {
	ctx := context.Background()
	store := repotest.OpenStore(t)

	item := &models.ListingItem{Hash: "abc", Title: "Lamp", Seller: "mkt1seller"}
	require.NoError(t, store.Listings.Create(ctx, item))

	first, err := store.Listings.FindByHash(ctx, "abc")
	require.NoError(t, err)
	first.Removed = true
	require.NoError(t, store.Listings.Update(ctx, first))

	second, err := store.Listings.FindByHash(ctx, "abc")
	require.NoError(t, err)
	require.Equal(t, item.ID, second.ID)
	require.True(t, second.Removed, "cache must only hold ids, never stale rows")

	_, err = store.Listings.FindByHash(ctx, "missing")
	require.ErrorIs(t, err, repository.ErrNotFound)
}

func TestVoteUpsertReplacesEarlierVote(t *testing.T) {
	ctx := context.Background()
	store := repotest.OpenStore(t)

	proposal := &models.Proposal{
		Hash:     "prop",
		Category: models.CategoryItemVote,
		Options: []models.ProposalOption{
			{OptionID: 0, Description: models.OptionKeep},
			{OptionID: 1, Description: models.OptionRemove},
		},
	}
	require.NoError(t, store.Proposals.Create(ctx, proposal))
	loaded, err := store.Proposals.FindByHash(ctx, "prop")
	require.NoError(t, err)
	require.Len(t, loaded.Options, 2)
	keep, remove := loaded.Options[0], loaded.Options[1]

	now := time.Now().UTC()
	first := &models.Vote{ProposalID: proposal.ID, Voter: "mkt1voter", ProposalOptionID: keep.ID, Weight: 10, VotedAt: now}
	require.NoError(t, store.Votes.Upsert(ctx, first))

	second := &models.Vote{ProposalID: proposal.ID, Voter: "mkt1voter", ProposalOptionID: remove.ID, Weight: 25, VotedAt: now.Add(time.Minute)}
	require.NoError(t, store.Votes.Upsert(ctx, second))
	require.Equal(t, first.ID, second.ID, "upsert keeps the original row")

	votes, err := store.Votes.ListByProposal(ctx, proposal.ID)
	require.NoError(t, err)
	require.Len(t, votes, 1)
	require.Equal(t, remove.ID, votes[0].ProposalOptionID)
	require.EqualValues(t, 25, votes[0].Weight)
}

func TestResultsLatest(t *testing.T) {
	ctx := context.Background()
	store := repotest.OpenStore(t)
	proposalID := uuid.New()
	now := time.Now().UTC()

	require.NoError(t, store.Results.Create(ctx, &models.ProposalResult{ProposalID: proposalID, TotalWeight: 1, CalculatedAt: now}))
	require.NoError(t, store.Results.Create(ctx, &models.ProposalResult{
		ProposalID:   proposalID,
		TotalWeight:  7,
		CalculatedAt: now.Add(time.Second),
		Options:      []models.ProposalOptionResult{{OptionID: 1, Weight: 7, Voters: 1}},
	}))

	latest, err := store.Results.Latest(ctx, proposalID)
	require.NoError(t, err)
	require.EqualValues(t, 7, latest.TotalWeight)
	require.Len(t, latest.Options, 1)

	_, err = store.Results.Latest(ctx, uuid.New())
	require.True(t, errors.Is(err, repository.ErrNotFound))
}

func TestTransactionRollsBack(t *testing.T) {
	ctx := context.Background()
	store := repotest.OpenStore(t)
	boom := errors.New("boom")

	err := store.Transaction(ctx, func(tx *repository.Store) error {
		if err := tx.Bids.Create(ctx, &models.Bid{Type: models.ActionBid, Hash: "bid-1", ListingItemID: uuid.New()}); err != nil {
			return err
		}
		return boom
	})
	require.ErrorIs(t, err, boom)

	_, err = store.Bids.FindByHash(ctx, "bid-1")
	require.ErrorIs(t, err, repository.ErrNotFound)
}
