// Package message defines the decoded payload carried inside an envelope.
package message

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"p2pmarket/services/marketd/models"
)

var (
	// ErrMalformed is returned when the payload is not a JSON marketplace message.
	ErrMalformed = errors.New("message: malformed payload")
	// ErrMissingAction is returned when the payload does not name an action.
	ErrMissingAction = errors.New("message: action required")
)

// KeyValue is a free-form attribute attached to a message.
type KeyValue struct {
	Key   string `json:"key"`
	Value string `json:"value"`
}

// MarketplaceMessage is the decoded envelope payload.
type MarketplaceMessage struct {
	Action models.ActionType `json:"action"`
	// Item references a listing by content hash.
	Item string `json:"item,omitempty"`
	// Bid references the parent bid by hash for every bid action after MPA_BID.
	Bid       string           `json:"bid,omitempty"`
	Generated int64            `json:"generated,omitempty"`
	Objects   []KeyValue       `json:"objects,omitempty"`
	Listing   *ListingPayload  `json:"listing,omitempty"`
	Proposal  *ProposalPayload `json:"proposal,omitempty"`
	Vote      *VotePayload     `json:"vote,omitempty"`
}

// ListingPayload carries a listing published with MPA_LISTING_ADD.
type ListingPayload struct {
	Seller       string          `json:"seller"`
	Market       string          `json:"market"`
	TemplateHash string          `json:"templateHash,omitempty"`
	Information  ItemInformation `json:"information"`
	Payment      PaymentInfo     `json:"payment"`
	Messaging    []Messaging     `json:"messaging,omitempty"`
	Objects      []KeyValue      `json:"objects,omitempty"`
	ExpiryDays   int             `json:"expiryDays,omitempty"`
}

type ItemInformation struct {
	Title            string      `json:"title"`
	ShortDescription string      `json:"shortDescription,omitempty"`
	LongDescription  string      `json:"longDescription,omitempty"`
	Category         string      `json:"category,omitempty"`
	Images           []ItemImage `json:"images,omitempty"`
}

type ItemImage struct {
	DataID   string `json:"dataId"`
	Protocol string `json:"protocol,omitempty"`
}

type PaymentInfo struct {
	Type   string      `json:"type,omitempty"`
	Escrow *EscrowInfo `json:"escrow,omitempty"`
	Price  *PriceInfo  `json:"price,omitempty"`
}

type EscrowInfo struct {
	Type  models.EscrowType `json:"type"`
	Ratio EscrowRatio       `json:"ratio"`
}

type EscrowRatio struct {
	Buyer  uint32 `json:"buyer"`
	Seller uint32 `json:"seller"`
}

type PriceInfo struct {
	Currency  string `json:"currency"`
	BasePrice string `json:"basePrice"`
}

type Messaging struct {
	Protocol  string `json:"protocol"`
	PublicKey string `json:"publicKey"`
}

// ProposalPayload carries a proposal published with PROPOSAL_ADD.
type ProposalPayload struct {
	Submitter   string                  `json:"submitter"`
	Category    models.ProposalCategory `json:"category"`
	Title       string                  `json:"title"`
	Description string                  `json:"description,omitempty"`
	// Target is a listing hash for ITEM_VOTE and a market address for MARKET_VOTE.
	Target    string          `json:"target,omitempty"`
	TimeStart int64           `json:"timeStart,omitempty"`
	TimeEnd   int64           `json:"timeEnd,omitempty"`
	Options   []OptionPayload `json:"options"`
}

type OptionPayload struct {
	OptionID    int    `json:"optionId"`
	Description string `json:"description"`
}

// VotePayload carries a VOTE action.
type VotePayload struct {
	ProposalHash string `json:"proposalHash"`
	OptionID     int    `json:"optionId"`
}

// Decode parses an envelope payload into a marketplace message.
func Decode(payload string) (*MarketplaceMessage, error) {
	dec := json.NewDecoder(bytes.NewReader([]byte(payload)))
	var msg MarketplaceMessage
	if err := dec.Decode(&msg); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	msg.Action = models.ActionType(strings.ToUpper(strings.TrimSpace(string(msg.Action))))
	if msg.Action == "" {
		return nil, ErrMissingAction
	}
	msg.Item = strings.TrimSpace(msg.Item)
	msg.Bid = strings.TrimSpace(msg.Bid)
	return &msg, nil
}

// Encode serialises msg for sending over the transport.
func Encode(msg *MarketplaceMessage) (string, error) {
	if msg == nil {
		return "", ErrMissingAction
	}
	encoded, err := json.Marshal(msg)
	if err != nil {
		return "", err
	}
	return string(encoded), nil
}

// Attribute returns the value of the first object with key.
func (m *MarketplaceMessage) Attribute(key string) (string, bool) {
	if m == nil {
		return "", false
	}
	for _, kv := range m.Objects {
		if kv.Key == key {
			return kv.Value, true
		}
	}
	return "", false
}
