// Package smsgrpc talks to the secure-messaging daemon over its JSON-RPC API.
package smsgrpc

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/ethereum/go-ethereum/rpc"
	"golang.org/x/time/rate"

	"p2pmarket/services/marketd/transport"
)

// Config configures the daemon client.
type Config struct {
	Endpoint      string
	User          string
	Password      string
	RatePerSecond float64
	Burst         int
	DaysRetention int
	// MaxElapsed bounds retries of a single call. Zero uses 10s.
	MaxElapsed time.Duration
}

// Client implements transport.Transport against the daemon.
type Client struct {
	rpc        *rpc.Client
	limiter    *rate.Limiter
	retention  int
	maxElapsed time.Duration
}

var _ transport.Transport = (*Client)(nil)

// Dial connects to the daemon. Basic auth is attached when a user is set.
func Dial(ctx context.Context, cfg Config) (*Client, error) {
	endpoint := strings.TrimSpace(cfg.Endpoint)
	if endpoint == "" {
		return nil, errors.New("smsgrpc: endpoint required")
	}
	var opts []rpc.ClientOption
	if cfg.User != "" {
		user, password := cfg.User, cfg.Password
		opts = append(opts, rpc.WithHTTPAuth(func(h http.Header) error {
			req := http.Request{Header: h}
			req.SetBasicAuth(user, password)
			return nil
		}))
	}
	client, err := rpc.DialOptions(ctx, endpoint, opts...)
	if err != nil {
		return nil, fmt.Errorf("smsgrpc: dial: %w", err)
	}
	return newClient(client, cfg), nil
}

func newClient(client *rpc.Client, cfg Config) *Client {
	limit := rate.Inf
	if cfg.RatePerSecond > 0 {
		limit = rate.Limit(cfg.RatePerSecond)
	}
	burst := cfg.Burst
	if burst <= 0 {
		burst = 1
	}
	retention := cfg.DaysRetention
	if retention <= 0 {
		retention = 2
	}
	maxElapsed := cfg.MaxElapsed
	if maxElapsed <= 0 {
		maxElapsed = 10 * time.Second
	}
	return &Client{
		rpc:        client,
		limiter:    rate.NewLimiter(limit, burst),
		retention:  retention,
		maxElapsed: maxElapsed,
	}
}

// Close releases the underlying connection.
func (c *Client) Close() {
	if c != nil && c.rpc != nil {
		c.rpc.Close()
	}
}

type rpcMessage struct {
	MsgID      string `json:"msgid"`
	Version    string `json:"version"`
	From       string `json:"from"`
	To         string `json:"to"`
	Text       string `json:"text"`
	Read       bool   `json:"read"`
	Sent       int64  `json:"sent"`
	Received   int64  `json:"received"`
	Expiration int64  `json:"expiration"`
}

func (m rpcMessage) toMessage() transport.Message {
	msg := transport.Message{
		MsgID:   m.MsgID,
		Version: m.Version,
		From:    m.From,
		To:      m.To,
		Text:    m.Text,
		Read:    m.Read,
	}
	if m.Sent > 0 {
		msg.SentAt = time.Unix(m.Sent, 0).UTC()
	}
	if m.Received > 0 {
		msg.ReceivedAt = time.Unix(m.Received, 0).UTC()
	}
	if m.Expiration > 0 {
		msg.ExpiresAt = time.Unix(m.Expiration, 0).UTC()
	}
	return msg
}

type inboxResponse struct {
	Result   string       `json:"result"`
	Messages []rpcMessage `json:"messages"`
}

// Inbox lists the daemon inbox. The daemon has no limit parameter so the
// listing is truncated client side.
func (c *Client) Inbox(ctx context.Context, filter transport.InboxFilter, opts transport.InboxOptions) (transport.InboxResult, error) {
	mode := string(filter)
	if mode == "" {
		mode = string(transport.FilterUnread)
	}
	var resp inboxResponse
	params := map[string]any{"updatestatus": opts.MarkRead, "encoding": "text"}
	if err := c.call(ctx, &resp, "smsginbox", mode, "", params); err != nil {
		return transport.InboxResult{}, err
	}
	out := transport.InboxResult{Result: resp.Result, Messages: make([]transport.Message, 0, len(resp.Messages))}
	for _, m := range resp.Messages {
		if opts.Limit > 0 && len(out.Messages) >= opts.Limit {
			break
		}
		out.Messages = append(out.Messages, m.toMessage())
	}
	return out, nil
}

// FetchByID returns a single message including its expiration.
func (c *Client) FetchByID(ctx context.Context, msgID string, markRead, remove bool) (*transport.Message, error) {
	var resp rpcMessage
	params := map[string]any{"setread": markRead, "delete": remove, "encoding": "text"}
	if err := c.call(ctx, &resp, "smsg", msgID, params); err != nil {
		return nil, err
	}
	if resp.MsgID == "" {
		return nil, transport.ErrNotFound
	}
	msg := resp.toMessage()
	return &msg, nil
}

// Remove deletes the message from the daemon store.
func (c *Client) Remove(ctx context.Context, msgID string) error {
	var resp map[string]any
	return c.call(ctx, &resp, "smsg", msgID, map[string]any{"delete": true})
}

type sendResponse struct {
	Result string `json:"result"`
	MsgID  string `json:"msgid"`
}

// Send hands a message to the daemon for delivery.
func (c *Client) Send(ctx context.Context, out transport.Outgoing) (string, error) {
	retention := out.DaysRetention
	if retention <= 0 {
		retention = c.retention
	}
	var resp sendResponse
	if err := c.call(ctx, &resp, "smsgsend", out.From, out.To, out.Text, true, retention); err != nil {
		return "", err
	}
	if !strings.EqualFold(resp.Result, "sent") && resp.MsgID == "" {
		return "", fmt.Errorf("smsgrpc: send rejected: %s", resp.Result)
	}
	return resp.MsgID, nil
}

// call invokes method with rate limiting. Connection failures are retried
// with exponential backoff; daemon-reported errors are returned as is.
func (c *Client) call(ctx context.Context, result any, method string, args ...any) error {
	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = 200 * time.Millisecond
	policy.MaxElapsedTime = c.maxElapsed
	op := func() error {
		if err := c.limiter.Wait(ctx); err != nil {
			return backoff.Permanent(err)
		}
		err := c.rpc.CallContext(ctx, result, method, args...)
		if err == nil {
			return nil
		}
		var rpcErr rpc.Error
		if errors.As(err, &rpcErr) {
			if isNotFound(rpcErr) {
				return backoff.Permanent(transport.ErrNotFound)
			}
			return backoff.Permanent(fmt.Errorf("smsgrpc: %s: %w", method, err))
		}
		if ctx.Err() != nil {
			return backoff.Permanent(ctx.Err())
		}
		return fmt.Errorf("%w: %s: %v", transport.ErrUnavailable, method, err)
	}
	return backoff.Retry(op, backoff.WithContext(policy, ctx))
}

func isNotFound(err rpc.Error) bool {
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "unknown message") || strings.Contains(msg, "not found")
}
