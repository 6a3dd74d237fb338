package trade

import (
	"context"
	"errors"
	"fmt"

	"p2pmarket/services/marketd/models"
	"p2pmarket/services/marketd/repository"
)

// maxChainDepth is the longest path through the transition table plus one.
const maxChainDepth = 5

// LoadChain walks parent links from bid up to the root and returns the chain
// newest first. A missing ancestor yields ErrBrokenChain.
func LoadChain(ctx context.Context, bids repository.BidRepository, bid *models.Bid) ([]*models.Bid, error) {
	if bid == nil {
		return nil, ErrBrokenChain
	}
	chain := []*models.Bid{bid}
	current := bid
	for current.ParentBidID != nil {
		if len(chain) >= maxChainDepth {
			return nil, fmt.Errorf("%w: chain longer than %d", ErrBrokenChain, maxChainDepth)
		}
		parent, err := bids.FindByID(ctx, *current.ParentBidID)
		if err != nil {
			if errors.Is(err, repository.ErrNotFound) {
				return nil, fmt.Errorf("%w: parent of %s missing", ErrBrokenChain, current.Hash)
			}
			return nil, err
		}
		chain = append(chain, parent)
		current = parent
	}
	return chain, nil
}

// Root loads the chain above bid and returns its validated MPA_BID root.
func Root(ctx context.Context, bids repository.BidRepository, bid *models.Bid) (*models.Bid, error) {
	chain, err := LoadChain(ctx, bids, bid)
	if err != nil {
		return nil, err
	}
	return TraceRoot(chain)
}
