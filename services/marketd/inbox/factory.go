package inbox

import (
	"context"
	"encoding/hex"
	"fmt"
	"strings"
	"time"

	"p2pmarket/crypto"
	"p2pmarket/services/marketd/models"
	"p2pmarket/services/marketd/transport"
)

// EnvelopeFactory maps transport messages to envelope rows.
type EnvelopeFactory struct {
	transport transport.Transport
	now       func() time.Time
}

// NewEnvelopeFactory constructs a factory. now defaults to time.Now.
func NewEnvelopeFactory(t transport.Transport, now func() time.Time) *EnvelopeFactory {
	if now == nil {
		now = time.Now
	}
	return &EnvelopeFactory{transport: t, now: now}
}

// Build re-fetches msg by id to recover the fields the inbox listing omits and
// returns the envelope to persist. Messages whose signature does not verify,
// or which expired before they were ingested, are stored as IGNORED so they
// are deduplicated but never dispatched.
func (f *EnvelopeFactory) Build(ctx context.Context, msg transport.Message) (*models.Envelope, error) {
	full, err := f.transport.FetchByID(ctx, msg.MsgID, false, false)
	if err != nil {
		return nil, fmt.Errorf("inbox: fetch %s: %w", msg.MsgID, err)
	}
	now := f.now().UTC()
	env := &models.Envelope{
		MsgID:            full.MsgID,
		Version:          full.Version,
		Sender:           strings.TrimSpace(full.From),
		To:               strings.TrimSpace(full.To),
		Signature:        strings.TrimSpace(full.Signature),
		Payload:          full.Text,
		SentAt:           full.SentAt.UTC(),
		ReceivedAt:       full.ReceivedAt.UTC(),
		ExpiresAt:        full.ExpiresAt.UTC(),
		ProcessingStatus: models.StatusNew,
	}
	if env.MsgID == "" {
		env.MsgID = msg.MsgID
	}
	if env.ReceivedAt.IsZero() {
		env.ReceivedAt = now
	}
	if env.SentAt.IsZero() {
		env.SentAt = env.ReceivedAt
	}

	if env.Signature != "" {
		if err := verify(env.Sender, env.Payload, env.Signature); err != nil {
			env.ProcessingStatus = models.StatusIgnored
			env.LastError = err.Error()
			return env, nil
		}
	}
	if !env.ExpiresAt.IsZero() && env.ExpiresAt.Before(now) {
		env.ProcessingStatus = models.StatusIgnored
		env.LastError = "expired before ingestion"
	}
	return env, nil
}

func verify(sender, payload, signature string) error {
	sig, err := hex.DecodeString(strings.TrimPrefix(signature, "0x"))
	if err != nil {
		return fmt.Errorf("%w: %v", crypto.ErrMalformedSignature, err)
	}
	return crypto.VerifySignature(sender, []byte(payload), sig)
}
