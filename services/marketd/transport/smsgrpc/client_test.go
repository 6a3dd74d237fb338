package smsgrpc

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"p2pmarket/services/marketd/transport"
)

type rpcRequest struct {
	ID     json.RawMessage   `json:"id"`
	Method string            `json:"method"`
	Params []json.RawMessage `json:"params"`
}

func newDaemon(t *testing.T, handle func(req rpcRequest) (any, *rpcErrorBody)) (*httptest.Server, *atomic.Int32) {
	t.Helper()
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		user, pass, ok := r.BasicAuth()
		if !ok || user != "rpc" || pass != "secret" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		var req rpcRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		result, rpcErr := handle(req)
		resp := map[string]any{"jsonrpc": "2.0", "id": req.ID}
		if rpcErr != nil {
			resp["error"] = rpcErr
		} else {
			resp["result"] = result
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(resp)
	}))
	t.Cleanup(srv.Close)
	return srv, &calls
}

type rpcErrorBody struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

func dialTest(t *testing.T, url string) *Client {
	t.Helper()
	client, err := Dial(context.Background(), Config{Endpoint: url, User: "rpc", Password: "secret", MaxElapsed: time.Second})
	require.NoError(t, err)
	t.Cleanup(client.Close)
	return client
}

func TestInboxTruncatesAndConvertsTimes(t *testing.T) {
	srv, _ := newDaemon(t, func(req rpcRequest) (any, *rpcErrorBody) {
		require.Equal(t, "smsginbox", req.Method)
		var mode string
		require.NoError(t, json.Unmarshal(req.Params[0], &mode))
		require.Equal(t, "unread", mode)
		return map[string]any{
			"result": "3 messages shown",
			"messages": []map[string]any{
				{"msgid": "a", "from": "mkt1a", "text": "{}", "sent": 1700000000, "received": 1700000010},
				{"msgid": "b", "from": "mkt1b", "text": "{}", "sent": 1700000001, "received": 1700000011},
				{"msgid": "c", "from": "mkt1c", "text": "{}", "sent": 1700000002, "received": 1700000012},
			},
		}, nil
	})
	client := dialTest(t, srv.URL)

	res, err := client.Inbox(context.Background(), transport.FilterUnread, transport.InboxOptions{Limit: 2})
	require.NoError(t, err)
	require.Len(t, res.Messages, 2)
	require.Equal(t, "a", res.Messages[0].MsgID)
	require.Equal(t, time.Unix(1700000010, 0).UTC(), res.Messages[0].ReceivedAt)
	require.True(t, res.Messages[0].ExpiresAt.IsZero())
}

func TestFetchByIDReturnsExpiration(t *testing.T) {
	srv, _ := newDaemon(t, func(req rpcRequest) (any, *rpcErrorBody) {
		require.Equal(t, "smsg", req.Method)
		var id string
		require.NoError(t, json.Unmarshal(req.Params[0], &id))
		if id != "known" {
			return nil, &rpcErrorBody{Code: -8, Message: "Unknown message id."}
		}
		return map[string]any{"msgid": "known", "from": "mkt1a", "text": "{}", "expiration": 1700172800}, nil
	})
	client := dialTest(t, srv.URL)

	msg, err := client.FetchByID(context.Background(), "known", true, false)
	require.NoError(t, err)
	require.Equal(t, time.Unix(1700172800, 0).UTC(), msg.ExpiresAt)

	_, err = client.FetchByID(context.Background(), "missing", false, false)
	require.ErrorIs(t, err, transport.ErrNotFound)
}

func TestDaemonErrorsAreNotRetried(t *testing.T) {
	srv, calls := newDaemon(t, func(req rpcRequest) (any, *rpcErrorBody) {
		return nil, &rpcErrorBody{Code: -1, Message: "wallet locked"}
	})
	client := dialTest(t, srv.URL)

	_, err := client.Send(context.Background(), transport.Outgoing{From: "mkt1a", To: "mkt1b", Text: "{}"})
	require.Error(t, err)
	require.NotErrorIs(t, err, transport.ErrUnavailable)
	require.EqualValues(t, 1, calls.Load())
}

func TestUnreachableDaemonIsUnavailable(t *testing.T) {
	srv, _ := newDaemon(t, func(req rpcRequest) (any, *rpcErrorBody) { return nil, nil })
	client, err := Dial(context.Background(), Config{Endpoint: srv.URL, MaxElapsed: 300 * time.Millisecond})
	require.NoError(t, err)
	defer client.Close()
	srv.Close()

	err = client.Remove(context.Background(), "a")
	require.ErrorIs(t, err, transport.ErrUnavailable)
}
