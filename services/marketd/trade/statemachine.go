// Package trade holds the bid chain state machine shared by the action
// processors, and the escrow rules attached to listing templates.
package trade

import (
	"errors"
	"fmt"

	"p2pmarket/services/marketd/models"
)

var (
	// ErrTransitionNotAllowed is returned when a child bid type cannot follow its parent.
	ErrTransitionNotAllowed = errors.New("trade: transition not allowed")
	// ErrBrokenChain is returned when a bid chain does not lead back to an MPA_BID.
	ErrBrokenChain = errors.New("trade: chain does not trace to a bid")
	// ErrWrongParty is returned when a transition comes from the other side of the trade.
	ErrWrongParty = errors.New("trade: transition sent by wrong party")
)

// Role is a side of a trade.
type Role string

const (
	RoleBuyer  Role = "buyer"
	RoleSeller Role = "seller"
)

var transitions = map[models.ActionType][]models.ActionType{
	models.ActionBid:      {models.ActionAccept, models.ActionReject, models.ActionCancel},
	models.ActionAccept:   {models.ActionLock},
	models.ActionLock:     {models.ActionComplete, models.ActionRefund},
	models.ActionComplete: {models.ActionRelease},
}

// senders names the side allowed to append each bid type. The seller answers
// the bid, funds its escrow half and refunds; the buyer opens, withdraws, locks
// and releases.
var senders = map[models.ActionType]Role{
	models.ActionBid:      RoleBuyer,
	models.ActionAccept:   RoleSeller,
	models.ActionReject:   RoleSeller,
	models.ActionCancel:   RoleBuyer,
	models.ActionLock:     RoleBuyer,
	models.ActionComplete: RoleSeller,
	models.ActionRefund:   RoleSeller,
	models.ActionRelease:  RoleBuyer,
}

var parents = func() map[models.ActionType][]models.ActionType {
	out := make(map[models.ActionType][]models.ActionType)
	for parent, children := range transitions {
		for _, child := range children {
			out[child] = append(out[child], parent)
		}
	}
	return out
}()

var orderStatus = map[models.ActionType]models.OrderStatus{
	models.ActionBid:      models.OrderBidded,
	models.ActionAccept:   models.OrderAwaitingEscrow,
	models.ActionReject:   models.OrderRejected,
	models.ActionCancel:   models.OrderCancelled,
	models.ActionLock:     models.OrderEscrowLocked,
	models.ActionComplete: models.OrderComplete,
	models.ActionRefund:   models.OrderRefunded,
	models.ActionRelease:  models.OrderReleased,
}

// CanTransition reports whether a bid of type child may be appended under a
// bid of type parent.
func CanTransition(parent, child models.ActionType) bool {
	for _, allowed := range transitions[parent] {
		if allowed == child {
			return true
		}
	}
	return false
}

// AllowedParents lists the bid types a bid of type child may follow.
func AllowedParents(child models.ActionType) []models.ActionType {
	return append([]models.ActionType(nil), parents[child]...)
}

// Terminal reports whether no transition leaves t.
func Terminal(t models.ActionType) bool {
	return t.IsBid() && len(transitions[t]) == 0
}

// StatusFor returns the order status projected from the latest bid type.
func StatusFor(t models.ActionType) (models.OrderStatus, bool) {
	status, ok := orderStatus[t]
	return status, ok
}

// SenderRole returns the side that may send a bid of type t.
func SenderRole(t models.ActionType) (Role, bool) {
	role, ok := senders[t]
	return role, ok
}

// Authorize checks that sender plays the role t requires in a trade between
// buyer and seller.
func Authorize(t models.ActionType, sender, buyer, seller string) error {
	role, ok := senders[t]
	if !ok {
		return fmt.Errorf("%w: %s is not a bid action", ErrTransitionNotAllowed, t)
	}
	want := buyer
	if role == RoleSeller {
		want = seller
	}
	if sender == "" || sender != want {
		return fmt.Errorf("%w: %s must come from the %s", ErrWrongParty, t, role)
	}
	return nil
}

// Validate checks that child may be appended under parent.
func Validate(parent *models.Bid, child models.ActionType) error {
	if parent == nil {
		return fmt.Errorf("%w: missing parent for %s", ErrBrokenChain, child)
	}
	if !CanTransition(parent.Type, child) {
		return fmt.Errorf("%w: %s after %s", ErrTransitionNotAllowed, child, parent.Type)
	}
	return nil
}

// TraceRoot checks a chain ordered from the newest bid to the root: every
// step must be an allowed transition and the last element an MPA_BID.
func TraceRoot(chain []*models.Bid) (*models.Bid, error) {
	if len(chain) == 0 {
		return nil, ErrBrokenChain
	}
	for i := 0; i < len(chain)-1; i++ {
		child, parent := chain[i], chain[i+1]
		if child.ParentBidID == nil || *child.ParentBidID != parent.ID {
			return nil, fmt.Errorf("%w: %s is not the parent of %s", ErrBrokenChain, parent.Hash, child.Hash)
		}
		if !CanTransition(parent.Type, child.Type) {
			return nil, fmt.Errorf("%w: %s after %s", ErrTransitionNotAllowed, child.Type, parent.Type)
		}
	}
	root := chain[len(chain)-1]
	if root.Type != models.ActionBid || root.ParentBidID != nil {
		return nil, fmt.Errorf("%w: root is %s", ErrBrokenChain, root.Type)
	}
	return root, nil
}
