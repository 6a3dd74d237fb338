package inbox_test

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"p2pmarket/crypto"
	"p2pmarket/services/marketd/inbox"
	"p2pmarket/services/marketd/models"
	"p2pmarket/services/marketd/repository"
	"p2pmarket/services/marketd/repository/repotest"
	"p2pmarket/services/marketd/transport"
	"p2pmarket/services/marketd/transport/memory"
)

type countingEnvelopes struct {
	repository.EnvelopeRepository
	batches  []int
	batchErr error
}

func (c *countingEnvelopes) CreateBatch(ctx context.Context, envs []*models.Envelope) error {
	c.batches = append(c.batches, len(envs))
	if c.batchErr != nil {
		return c.batchErr
	}
	return c.EnvelopeRepository.CreateBatch(ctx, envs)
}

type fixture struct {
	store     *repository.Store
	envelopes *countingEnvelopes
	peer      *memory.Endpoint
	local     *memory.Endpoint
	poller    *inbox.Poller
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	hub := memory.NewHub(nil)
	peerKey, err := crypto.GeneratePrivateKey()
	require.NoError(t, err)
	localKey, err := crypto.GeneratePrivateKey()
	require.NoError(t, err)

	store := repotest.OpenStore(t)
	envelopes := &countingEnvelopes{EnvelopeRepository: store.Envelopes}
	local := hub.Endpoint(localKey)
	poller, err := inbox.NewPoller(inbox.Config{Transport: local, Envelopes: envelopes})
	require.NoError(t, err)
	return &fixture{store: store, envelopes: envelopes, peer: hub.Endpoint(peerKey), local: local, poller: poller}
}

func (f *fixture) send(t *testing.T, n int) []string {
	t.Helper()
	ids := make([]string, 0, n)
	for i := 0; i < n; i++ {
		id, err := f.peer.Send(context.Background(), transport.Outgoing{To: f.local.Address(), Text: fmt.Sprintf(`{"action":"MPA_BID","item":"%d"}`, i)})
		require.NoError(t, err)
		ids = append(ids, id)
	}
	return ids
}

func countEnvelopes(t *testing.T, store *repository.Store) int {
	t.Helper()
	envs, err := store.Envelopes.ListByStatus(context.Background(), "", 0)
	require.NoError(t, err)
	return len(envs)
}

func TestPollBatchesTenAtATime(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	ids := f.send(t, 12)

	report, err := f.poller.Poll(ctx)
	require.NoError(t, err)
	require.Equal(t, 12, report.Listed)
	require.Equal(t, 10, report.Persisted)
	require.Equal(t, []int{10}, f.envelopes.batches)
	require.Equal(t, 2, f.local.Len())

	for _, id := range ids[:10] {
		_, err := f.store.Envelopes.FindByMsgID(ctx, id)
		require.NoError(t, err)
	}
	_, err = f.store.Envelopes.FindByMsgID(ctx, ids[10])
	require.ErrorIs(t, err, repository.ErrNotFound)

	report, err = f.poller.Poll(ctx)
	require.NoError(t, err)
	require.Equal(t, 2, report.Persisted)
	require.Equal(t, []int{10, 2}, f.envelopes.batches)
	require.Equal(t, 0, f.local.Len())
	require.Equal(t, 12, countEnvelopes(t, f.store))
}

func TestPollDeduplicatesRedeliveredMessage(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	ids := f.send(t, 1)

	first, err := f.local.FetchByID(ctx, ids[0], false, false)
	require.NoError(t, err)

	_, err = f.poller.Poll(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, countEnvelopes(t, f.store))

	// the same message shows up again next to a fresh one
	f.local.Inject(*first)
	fresh := f.send(t, 1)

	report, err := f.poller.Poll(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, report.Duplicates)
	require.Equal(t, 1, report.Persisted)
	require.Equal(t, 2, report.Removed)
	require.Equal(t, 0, f.local.Len())
	require.Equal(t, 2, countEnvelopes(t, f.store))

	stored, err := f.store.Envelopes.FindByMsgID(ctx, fresh[0])
	require.NoError(t, err)
	require.Equal(t, models.StatusNew, stored.ProcessingStatus)
}

func TestPollKeepsMessageWhenRemovalFails(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.send(t, 2)

	f.local.RemoveHook = func(string) error { return errors.New("daemon busy") }
	report, err := f.poller.Poll(ctx)
	require.NoError(t, err)
	require.Equal(t, 2, report.Persisted)
	require.Equal(t, 0, report.Removed)
	require.Equal(t, 2, f.local.Len())

	f.local.RemoveHook = nil
	report, err = f.poller.Poll(ctx)
	require.NoError(t, err)
	require.Equal(t, 2, report.Duplicates)
	require.Equal(t, 2, report.Removed)
	require.Equal(t, 2, countEnvelopes(t, f.store))
}

func TestPollDropsBatchOnStorageFailure(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.send(t, 3)
	f.envelopes.batchErr = errors.New("disk I/O error")

	_, err := f.poller.Poll(ctx)
	require.ErrorIs(t, err, inbox.ErrBatchDropped)
	require.Equal(t, 3, f.local.Len())
	require.Equal(t, 0, countEnvelopes(t, f.store))

	f.envelopes.batchErr = nil
	report, err := f.poller.Poll(ctx)
	require.NoError(t, err)
	require.Equal(t, 3, report.Persisted)
	require.Equal(t, 0, f.local.Len())
}

func TestPollStoresForgedAndExpiredMessagesAsIgnored(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	ids := f.send(t, 1)
	genuine, err := f.local.FetchByID(ctx, ids[0], false, false)
	require.NoError(t, err)

	forged := *genuine
	forged.MsgID = "forged"
	forged.Text = `{"action":"MPA_RELEASE"}`
	f.local.Inject(forged)

	expired := *genuine
	expired.MsgID = "expired"
	expired.Signature = ""
	expired.ExpiresAt = time.Now().Add(-time.Hour)
	f.local.Inject(expired)

	report, err := f.poller.Poll(ctx)
	require.NoError(t, err)
	require.Equal(t, 3, report.Persisted)

	for id, want := range map[string]models.ProcessingStatus{
		ids[0]:    models.StatusNew,
		"forged":  models.StatusIgnored,
		"expired": models.StatusIgnored,
	} {
		env, err := f.store.Envelopes.FindByMsgID(ctx, id)
		require.NoError(t, err)
		require.Equal(t, want, env.ProcessingStatus, id)
	}
}

func TestPollEmptyInbox(t *testing.T) {
	f := newFixture(t)
	report, err := f.poller.Poll(context.Background())
	require.NoError(t, err)
	require.Zero(t, report.Batched)
	require.Empty(t, f.envelopes.batches)
}
