// Package memory implements an in-process transport. Endpoints attached to
// the same Hub deliver to each other's inboxes, which is enough for loopback
// development and for exercising the ingestion pipeline in tests.
package memory

import (
	"context"
	"encoding/binary"
	"encoding/hex"
	"fmt"
	"sync"
	"time"

	"lukechampine.com/blake3"

	"p2pmarket/crypto"
	"p2pmarket/services/marketd/transport"
)

const (
	messageVersion   = "0300"
	defaultRetention = 2
)

// Hub routes messages between endpoints by address.
type Hub struct {
	mu        sync.Mutex
	endpoints map[string]*Endpoint
	seq       uint64
	now       func() time.Time
}

// NewHub constructs an empty hub. now defaults to time.Now.
func NewHub(now func() time.Time) *Hub {
	if now == nil {
		now = time.Now
	}
	return &Hub{endpoints: make(map[string]*Endpoint), now: now}
}

// Endpoint registers an inbox for key's address and returns it.
func (h *Hub) Endpoint(key *crypto.PrivateKey) *Endpoint {
	addr := key.PubKey().Address().String()
	h.mu.Lock()
	defer h.mu.Unlock()
	if ep, ok := h.endpoints[addr]; ok {
		return ep
	}
	ep := &Endpoint{hub: h, key: key, address: addr, messages: make(map[string]*transport.Message)}
	h.endpoints[addr] = ep
	return ep
}

func (h *Hub) nextID(from, to, text string, at time.Time) string {
	h.mu.Lock()
	h.seq++
	seq := h.seq
	h.mu.Unlock()
	hasher := blake3.New(32, nil)
	var buf [16]byte
	binary.BigEndian.PutUint64(buf[:8], uint64(at.UnixNano()))
	binary.BigEndian.PutUint64(buf[8:], seq)
	hasher.Write([]byte(from))
	hasher.Write([]byte(to))
	hasher.Write([]byte(text))
	hasher.Write(buf[:])
	return hex.EncodeToString(hasher.Sum(nil))
}

func (h *Hub) lookup(addr string) (*Endpoint, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	ep, ok := h.endpoints[addr]
	return ep, ok
}

// Endpoint is one address's view of the hub. It implements transport.Transport.
type Endpoint struct {
	hub     *Hub
	key     *crypto.PrivateKey
	address string

	mu       sync.Mutex
	order    []string
	messages map[string]*transport.Message

	// RemoveHook, when set, is consulted before removing a message. A non-nil
	// error aborts the removal.
	RemoveHook func(msgID string) error
}

var _ transport.Transport = (*Endpoint)(nil)

// Address returns the endpoint's bech32 address.
func (e *Endpoint) Address() string { return e.address }

// Inject places msg directly into the inbox, bypassing signing. Missing ids are derived.
func (e *Endpoint) Inject(msg transport.Message) string {
	now := e.hub.now().UTC()
	if msg.MsgID == "" {
		msg.MsgID = e.hub.nextID(msg.From, e.address, msg.Text, now)
	}
	if msg.To == "" {
		msg.To = e.address
	}
	if msg.Version == "" {
		msg.Version = messageVersion
	}
	if msg.ReceivedAt.IsZero() {
		msg.ReceivedAt = now
	}
	if msg.SentAt.IsZero() {
		msg.SentAt = msg.ReceivedAt
	}
	if msg.ExpiresAt.IsZero() {
		msg.ExpiresAt = msg.SentAt.Add(defaultRetention * 24 * time.Hour)
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if _, exists := e.messages[msg.MsgID]; !exists {
		e.order = append(e.order, msg.MsgID)
	}
	stored := msg
	e.messages[msg.MsgID] = &stored
	return msg.MsgID
}

// Len reports how many messages remain in the inbox.
func (e *Endpoint) Len() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.messages)
}

// Inbox lists messages in arrival order. Listings never carry expiration.
func (e *Endpoint) Inbox(ctx context.Context, filter transport.InboxFilter, opts transport.InboxOptions) (transport.InboxResult, error) {
	if err := ctx.Err(); err != nil {
		return transport.InboxResult{}, err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]transport.Message, 0, len(e.order))
	for _, id := range e.order {
		msg, ok := e.messages[id]
		if !ok {
			continue
		}
		if filter == transport.FilterUnread && msg.Read {
			continue
		}
		listed := *msg
		listed.ExpiresAt = time.Time{}
		out = append(out, listed)
		if opts.MarkRead {
			msg.Read = true
		}
		if opts.Limit > 0 && len(out) >= opts.Limit {
			break
		}
	}
	return transport.InboxResult{Result: fmt.Sprintf("%d messages shown", len(out)), Messages: out}, nil
}

// FetchByID returns the full message including its expiration.
func (e *Endpoint) FetchByID(ctx context.Context, msgID string, markRead, remove bool) (*transport.Message, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	e.mu.Lock()
	msg, ok := e.messages[msgID]
	if !ok {
		e.mu.Unlock()
		return nil, transport.ErrNotFound
	}
	if markRead {
		msg.Read = true
	}
	out := *msg
	e.mu.Unlock()
	if remove {
		if err := e.Remove(ctx, msgID); err != nil {
			return nil, err
		}
	}
	return &out, nil
}

// Remove deletes the message from the inbox.
func (e *Endpoint) Remove(ctx context.Context, msgID string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if e.RemoveHook != nil {
		if err := e.RemoveHook(msgID); err != nil {
			return err
		}
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if _, ok := e.messages[msgID]; !ok {
		return transport.ErrNotFound
	}
	delete(e.messages, msgID)
	for i, id := range e.order {
		if id == msgID {
			e.order = append(e.order[:i], e.order[i+1:]...)
			break
		}
	}
	return nil
}

// Send signs the text with the endpoint key and delivers it to the recipient.
func (e *Endpoint) Send(ctx context.Context, out transport.Outgoing) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	from := out.From
	if from == "" {
		from = e.address
	}
	if from != e.address {
		return "", fmt.Errorf("memory: cannot send as %s", from)
	}
	recipient, ok := e.hub.lookup(out.To)
	if !ok {
		return "", fmt.Errorf("%w: unknown recipient %s", transport.ErrUnavailable, out.To)
	}
	sig, err := e.key.Sign([]byte(out.Text))
	if err != nil {
		return "", err
	}
	retention := out.DaysRetention
	if retention <= 0 {
		retention = defaultRetention
	}
	now := e.hub.now().UTC()
	msg := transport.Message{
		MsgID:      e.hub.nextID(from, out.To, out.Text, now),
		Version:    messageVersion,
		From:       from,
		To:         out.To,
		Signature:  hex.EncodeToString(sig),
		Text:       out.Text,
		SentAt:     now,
		ReceivedAt: now,
		ExpiresAt:  now.Add(time.Duration(retention) * 24 * time.Hour),
	}
	return recipient.Inject(msg), nil
}
