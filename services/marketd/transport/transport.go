// Package transport defines the boundary to the store-and-forward messaging
// daemon. The daemon owns encryption and delivery; marketd only polls its
// inbox, fetches single messages and removes them once they are stored.
package transport

import (
	"context"
	"errors"
	"time"
)

var (
	// ErrNotFound is returned when the daemon has no message with the given id.
	ErrNotFound = errors.New("transport: message not found")
	// ErrUnavailable wraps failures reaching the daemon. Callers retry on the next tick.
	ErrUnavailable = errors.New("transport: daemon unavailable")
)

// Message is one decrypted message as reported by the daemon.
type Message struct {
	MsgID      string    `json:"msgid"`
	Version    string    `json:"version"`
	From       string    `json:"from"`
	To         string    `json:"to"`
	Signature  string    `json:"signature,omitempty"`
	Text       string    `json:"text"`
	Read       bool      `json:"read"`
	SentAt     time.Time `json:"sent"`
	ReceivedAt time.Time `json:"received"`
	// ExpiresAt is only populated by FetchByID; inbox listings leave it zero.
	ExpiresAt time.Time `json:"expiration"`
}

// InboxFilter narrows an inbox listing.
type InboxFilter string

const (
	FilterAll    InboxFilter = "all"
	FilterUnread InboxFilter = "unread"
)

// InboxOptions bounds an inbox listing.
type InboxOptions struct {
	Limit    int
	MarkRead bool
}

// InboxResult is the daemon's inbox listing.
type InboxResult struct {
	Result   string
	Messages []Message
}

// Outgoing is a message handed to the daemon for delivery.
type Outgoing struct {
	From          string
	To            string
	Text          string
	DaysRetention int
}

// Transport is the sole ingress and egress for signed marketplace messages.
type Transport interface {
	Inbox(ctx context.Context, filter InboxFilter, opts InboxOptions) (InboxResult, error)
	FetchByID(ctx context.Context, msgID string, markRead, remove bool) (*Message, error)
	Remove(ctx context.Context, msgID string) error
	Send(ctx context.Context, msg Outgoing) (string, error)
}
