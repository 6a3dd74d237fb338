package wallet

import (
	"context"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"

	"p2pmarket/crypto"
)

func address(t *testing.T) string {
	t.Helper()
	key, err := crypto.GeneratePrivateKey()
	require.NoError(t, err)
	return key.PubKey().Address().String()
}

func TestStaticWallet(t *testing.T) {
	ctx := context.Background()
	mine, theirs := address(t), address(t)

	w, err := NewStatic([]string{mine}, map[string]uint64{mine: 10, theirs: 7})
	require.NoError(t, err)

	owns, err := w.Owns(ctx, mine)
	require.NoError(t, err)
	require.True(t, owns)
	owns, err = w.Owns(ctx, theirs)
	require.NoError(t, err)
	require.False(t, owns)

	bal, err := w.Balance(ctx, theirs)
	require.NoError(t, err)
	require.EqualValues(t, 7, bal)

	w.SetBalance(theirs, 9)
	bal, _ = w.Balance(ctx, theirs)
	require.EqualValues(t, 9, bal)

	bal, _ = w.Balance(ctx, address(t))
	require.Zero(t, bal)
}

func TestStaticWalletRejectsBadAddresses(t *testing.T) {
	_, err := NewStatic([]string{""}, nil)
	require.Error(t, err)
	_, err = NewStatic([]string{"two words"}, nil)
	require.Error(t, err)
	_, err = NewStatic(nil, map[string]uint64{strings.Repeat("p", MaxAddressLength+1): 1})
	require.Error(t, err)
}

func TestStaticWalletAcceptsDaemonAddresses(t *testing.T) {
	ctx := context.Background()
	daemon := "pX7D7hSdJTJMC9cU9bmMHY6WAzNmuHhPWX"
	w, err := NewStatic([]string{daemon}, map[string]uint64{daemon: 25})
	require.NoError(t, err)

	owns, err := w.Owns(ctx, daemon)
	require.NoError(t, err)
	require.True(t, owns)
	bal, err := w.Balance(ctx, daemon)
	require.NoError(t, err)
	require.EqualValues(t, 25, bal)
}
