package message

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/require"

	"p2pmarket/services/marketd/models"
)

func TestDecodeNormalisesAction(t *testing.T) {
	msg, err := Decode(`{"action":" mpa_lock ","bid":" abc ","objects":[{"key":"memo","value":"x"}]}`)
	require.NoError(t, err)
	require.Equal(t, models.ActionType("MPA_LOCK"), msg.Action)
	require.Equal(t, "abc", msg.Bid)

	memo, ok := msg.Attribute("memo")
	require.True(t, ok)
	require.Equal(t, "x", memo)
	_, ok = msg.Attribute("missing")
	require.False(t, ok)
}

func TestDecodeErrors(t *testing.T) {
	_, err := Decode("{not json")
	require.True(t, errors.Is(err, ErrMalformed))

	_, err = Decode(`{"item":"abc"}`)
	require.ErrorIs(t, err, ErrMissingAction)

	_, err = Encode(nil)
	require.ErrorIs(t, err, ErrMissingAction)
}

func TestEncodeOmitsEmptySections(t *testing.T) {
	out, err := Encode(&MarketplaceMessage{Action: "MPA_BID", Item: "abc"})
	require.NoError(t, err)
	require.JSONEq(t, `{"action":"MPA_BID","item":"abc"}`, out)
}
