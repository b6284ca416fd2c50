package loyalty

import (
	"time"

	"github.com/wholelotofnature/loyalty-engine/internal/model"
)

// Lot is a positive ledger entry and what is left of it after later debits.
type Lot struct {
	ID        string
	Seq       int64
	Points    int64
	Remaining int64
	CreatedAt time.Time
	ExpiresAt *time.Time
}

// Due reports whether the lot has expired by now and still holds points.
func (l Lot) Due(now time.Time) bool {
	return l.Remaining > 0 && l.ExpiresAt != nil && !l.ExpiresAt.After(now)
}

// Summary is the state derived from folding a customer's ledger in order.
type Summary struct {
	Balance        int64
	Lifetime       int64
	Tier           model.Tier
	TierStartDate  time.Time
	LastActivityAt time.Time
	Entries        int
	Lots           []Lot
}

// DueLots returns the lots that have expired by now, oldest first.
func (s Summary) DueLots(now time.Time) []Lot {
	var due []Lot
	for _, lot := range s.Lots {
		if lot.Due(now) {
			due = append(due, lot)
		}
	}
	return due
}

// Replay folds ledger entries, which must be in append order, into a Summary.
//
// Negative entries consume lots oldest first, except expiry entries, which consume the lot
// named by their source id. The tier is the one named by the last tier marker, or the lowest
// tier when there is none.
func Replay(entries []model.Transaction) Summary {
	s := Summary{Tier: model.TierBronze, Entries: len(entries)}
	if len(entries) > 0 {
		s.TierStartDate = entries[0].CreatedAt
		s.LastActivityAt = entries[0].CreatedAt
	}

	index := make(map[string]int)
	for _, e := range entries {
		switch {
		case e.Type.IsTierMarker():
			if e.Tier != nil {
				s.Tier = *e.Tier
				s.TierStartDate = e.CreatedAt
			}
			continue
		case e.Points > 0:
			index[e.ID] = len(s.Lots)
			s.Lots = append(s.Lots, Lot{
				ID:        e.ID,
				Seq:       e.Seq,
				Points:    e.Points,
				Remaining: e.Points,
				CreatedAt: e.CreatedAt,
				ExpiresAt: e.ExpiresAt,
			})
			s.Lifetime += e.Points
		case e.Points < 0:
			if i, ok := lotFor(e, index); ok {
				s.Lots[i].Remaining += e.Points
			} else {
				consumeFIFO(s.Lots, -e.Points)
			}
		}

		s.Balance += e.Points
		if e.Type != model.TxExpiry {
			s.LastActivityAt = e.CreatedAt
		}
	}
	return s
}

func lotFor(e model.Transaction, index map[string]int) (int, bool) {
	if e.Type != model.TxExpiry || e.SourceID == nil {
		return 0, false
	}
	i, ok := index[*e.SourceID]
	return i, ok
}

func consumeFIFO(lots []Lot, points int64) {
	for i := range lots {
		if points == 0 {
			return
		}
		take := min(lots[i].Remaining, points)
		lots[i].Remaining -= take
		points -= take
	}
}

// ExpiryDebit is the amount to remove from one lot.
type ExpiryDebit struct {
	LotID  string
	Points int64
}

// Expire computes the expiry debits due at now given points held by pending redemptions.
// Each due lot is debited by what remains of it, capped so the balance never drops below reserved.
func (s Summary) Expire(now time.Time, reserved int64) []ExpiryDebit {
	spendable := s.Balance - reserved
	var debits []ExpiryDebit
	for _, lot := range s.DueLots(now) {
		if spendable <= 0 {
			break
		}
		take := min(lot.Remaining, spendable)
		debits = append(debits, ExpiryDebit{LotID: lot.ID, Points: take})
		spendable -= take
	}
	return debits
}
