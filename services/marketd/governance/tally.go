// Package governance tallies proposal votes and decides whether flagged
// listings and markets are removed.
package governance

import (
	"math"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/holiman/uint256"

	"p2pmarket/services/marketd/models"
)

// bpsDenominator expresses thresholds in basis points.
const bpsDenominator = 10_000

// DefaultThresholdBps is used for both item and market removal unless configured.
const DefaultThresholdBps = 5_000

// Thresholds holds the removal policy per proposal category, in basis points
// of total weight cast.
type Thresholds struct {
	ItemRemovalBps   uint32
	MarketRemovalBps uint32
}

// DefaultThresholds requires a simple majority of weight for removal.
func DefaultThresholds() Thresholds {
	return Thresholds{ItemRemovalBps: DefaultThresholdBps, MarketRemovalBps: DefaultThresholdBps}
}

// For returns the threshold of a category. PUBLIC_VOTE has none.
func (t Thresholds) For(category models.ProposalCategory) (uint32, bool) {
	switch category {
	case models.CategoryItemVote:
		return t.ItemRemovalBps, t.ItemRemovalBps > 0
	case models.CategoryMarketVote:
		return t.MarketRemovalBps, t.MarketRemovalBps > 0
	default:
		return 0, false
	}
}

// OptionTally is the aggregate of one option.
type OptionTally struct {
	ProposalOptionID uuid.UUID
	OptionID         int
	Description      string
	Weight           *uint256.Int
	Voters           int
}

// Result is a tally of all current votes on a proposal.
type Result struct {
	ProposalID uuid.UUID
	Options    []OptionTally
	Total      *uint256.Int
	Voters     int
}

// Tally sums vote weights per option. Votes for options not on the proposal are ignored.
func Tally(proposal *models.Proposal, votes []*models.Vote) Result {
	res := Result{Total: new(uint256.Int)}
	if proposal == nil {
		return res
	}
	res.ProposalID = proposal.ID
	index := make(map[uuid.UUID]int, len(proposal.Options))
	for _, opt := range proposal.Options {
		index[opt.ID] = len(res.Options)
		res.Options = append(res.Options, OptionTally{
			ProposalOptionID: opt.ID,
			OptionID:         opt.OptionID,
			Description:      opt.Description,
			Weight:           new(uint256.Int),
		})
	}
	for _, vote := range votes {
		i, ok := index[vote.ProposalOptionID]
		if !ok {
			continue
		}
		w := uint256.NewInt(vote.Weight)
		res.Options[i].Weight.Add(res.Options[i].Weight, w)
		res.Options[i].Voters++
		res.Total.Add(res.Total, w)
		res.Voters++
	}
	return res
}

// RemoveWeight returns the weight cast for the REMOVE option.
func (r Result) RemoveWeight() *uint256.Int {
	for _, opt := range r.Options {
		if strings.EqualFold(strings.TrimSpace(opt.Description), models.OptionRemove) {
			return opt.Weight
		}
	}
	return new(uint256.Int)
}

// Snapshot converts the result to its persisted form. Weights beyond uint64 saturate.
func (r Result) Snapshot(at time.Time) *models.ProposalResult {
	snap := &models.ProposalResult{
		ProposalID:   r.ProposalID,
		TotalWeight:  saturate(r.Total),
		TotalVoters:  r.Voters,
		CalculatedAt: at,
	}
	for _, opt := range r.Options {
		snap.Options = append(snap.Options, models.ProposalOptionResult{
			ProposalOptionID: opt.ProposalOptionID,
			OptionID:         opt.OptionID,
			Description:      opt.Description,
			Weight:           saturate(opt.Weight),
			Voters:           opt.Voters,
		})
	}
	return snap
}

// FromSnapshot rebuilds a result from a stored snapshot.
func FromSnapshot(snap *models.ProposalResult) Result {
	res := Result{Total: new(uint256.Int)}
	if snap == nil {
		return res
	}
	res.ProposalID = snap.ProposalID
	res.Total = uint256.NewInt(snap.TotalWeight)
	res.Voters = snap.TotalVoters
	for _, opt := range snap.Options {
		res.Options = append(res.Options, OptionTally{
			ProposalOptionID: opt.ProposalOptionID,
			OptionID:         opt.OptionID,
			Description:      opt.Description,
			Weight:           uint256.NewInt(opt.Weight),
			Voters:           opt.Voters,
		})
	}
	return res
}

func saturate(v *uint256.Int) uint64 {
	if v == nil {
		return 0
	}
	if !v.IsUint64() {
		return math.MaxUint64
	}
	return v.Uint64()
}

// ShouldRemoveFlaggedItem reports whether the REMOVE weight reaches the
// category threshold: remove*10000 >= total*bps. Categories without a
// threshold and proposals with no weight cast never remove.
func ShouldRemoveFlaggedItem(result Result, category models.ProposalCategory, thresholds Thresholds) bool {
	bps, ok := thresholds.For(category)
	if !ok || result.Total == nil || result.Total.IsZero() {
		return false
	}
	remove := result.RemoveWeight()
	if remove.IsZero() {
		return false
	}
	lhs := new(uint256.Int).Mul(remove, uint256.NewInt(bpsDenominator))
	rhs := new(uint256.Int).Mul(result.Total, uint256.NewInt(uint64(bps)))
	return lhs.Cmp(rhs) >= 0
}
