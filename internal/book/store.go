// Package book holds the in-memory order-book table shared between the
// stream multiplexer (writers) and the detector/engine (readers). Entries are
// keyed by market id; each entry carries independent YES and NO side state
// with its own lock, so updates to one market never contend with another.
package book

import (
	"sort"
	"sync"
	"time"

	"github.com/aubit/spreadbot/internal/domain"
)

// Store is a concurrent per-market, per-side order-book table. The outer map
// is guarded by a read-write mutex used only for entry lookup and lifecycle;
// all book mutation happens under the entry's own lock. Readers always
// receive copies, never live references.
type Store struct {
	mu      sync.RWMutex
	entries map[string]*entry
}

type entry struct {
	mu   sync.RWMutex
	book domain.MarketBookEntry
}

// NewStore creates an empty Store.
func NewStore() *Store {
	return &Store{entries: make(map[string]*entry)}
}

// UpsertSide applies an update to exactly one side of one market's book and
// attributes eventTime to that side alone. A side's timestamp never moves
// backward: an update carrying an older eventTime still applies its levels
// (the exchange replays snapshots on reconnect) but leaves the timestamp at
// its current value.
func (s *Store) UpsertSide(marketID string, side domain.Side, upd domain.BookUpdate, eventTime time.Time) {
	e := s.entry(marketID)

	e.mu.Lock()
	defer e.mu.Unlock()

	sb := e.book.Yes
	if side == domain.SideNo {
		sb = e.book.No
	}

	if upd.Replace {
		sb.Bids = cloneLevels(upd.Bids)
		sb.Asks = cloneLevels(upd.Asks)
	} else {
		sb.Bids = applyDeltas(sb.Bids, upd.Bids)
		sb.Asks = applyDeltas(sb.Asks, upd.Asks)
	}
	sortLevels(sb.Bids, true)
	sortLevels(sb.Asks, false)

	sb.BestBid, sb.BestAsk = 0, 0
	if len(sb.Bids) > 0 {
		sb.BestBid = sb.Bids[0].Price
	}
	if len(sb.Asks) > 0 {
		sb.BestAsk = sb.Asks[0].Price
	}
	if eventTime.After(sb.UpdatedAt) {
		sb.UpdatedAt = eventTime
	}

	if side == domain.SideYes {
		e.book.Yes = sb
	} else {
		e.book.No = sb
	}
	e.book.CapturedAt = earlier(e.book.Yes.UpdatedAt, e.book.No.UpdatedAt)
}

// Read returns a point-in-time copy of the market's entry. The copy shares no
// slices with the store, so a concurrent writer can never tear it.
func (s *Store) Read(marketID string) (domain.MarketBookEntry, bool) {
	s.mu.RLock()
	e, ok := s.entries[marketID]
	s.mu.RUnlock()
	if !ok {
		return domain.MarketBookEntry{}, false
	}

	e.mu.RLock()
	defer e.mu.RUnlock()
	return copyEntry(e.book), true
}

// Age returns how stale one side of a market is at time now. ok is false when
// the market has no entry or the side has never been updated; such a side is
// never fresh.
func (s *Store) Age(marketID string, side domain.Side, now time.Time) (time.Duration, bool) {
	s.mu.RLock()
	e, ok := s.entries[marketID]
	s.mu.RUnlock()
	if !ok {
		return 0, false
	}

	e.mu.RLock()
	defer e.mu.RUnlock()

	ts := e.book.Yes.UpdatedAt
	if side == domain.SideNo {
		ts = e.book.No.UpdatedAt
	}
	if ts.IsZero() {
		return 0, false
	}
	return now.Sub(ts), true
}

// Fresh reports whether BOTH sides of the market are within maxAge. A single
// stale side invalidates the whole market: individually fresh prices do not
// guarantee the pair is jointly fresh enough to trade.
func (s *Store) Fresh(marketID string, maxAge time.Duration, now time.Time) bool {
	yesAge, ok := s.Age(marketID, domain.SideYes, now)
	if !ok || yesAge > maxAge {
		return false
	}
	noAge, ok := s.Age(marketID, domain.SideNo, now)
	if !ok || noAge > maxAge {
		return false
	}
	return true
}

// Remove drops the market's entry, e.g. when the market expires or goes
// inactive.
func (s *Store) Remove(marketID string) {
	s.mu.Lock()
	delete(s.entries, marketID)
	s.mu.Unlock()
}

// Retain removes every entry whose market id is not in active and returns the
// number removed. Called by the discovery poller after each refresh.
func (s *Store) Retain(active map[string]struct{}) int {
	s.mu.Lock()
	defer s.mu.Unlock()

	removed := 0
	for id := range s.entries {
		if _, ok := active[id]; !ok {
			delete(s.entries, id)
			removed++
		}
	}
	return removed
}

// Len returns the number of markets currently tracked.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.entries)
}

// entry returns the fixed-identity entry for a market, creating it on first
// update.
func (s *Store) entry(marketID string) *entry {
	s.mu.RLock()
	e, ok := s.entries[marketID]
	s.mu.RUnlock()
	if ok {
		return e
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if e, ok = s.entries[marketID]; ok {
		return e
	}
	e = &entry{book: domain.MarketBookEntry{MarketID: marketID}}
	s.entries[marketID] = e
	return e
}

// applyDeltas merges delta levels into existing depth: size 0 removes the
// level, otherwise the level is set.
func applyDeltas(levels, deltas []domain.PriceLevel) []domain.PriceLevel {
	if len(deltas) == 0 {
		return levels
	}
	out := cloneLevels(levels)
	for _, d := range deltas {
		idx := -1
		for i := range out {
			if out[i].Price == d.Price {
				idx = i
				break
			}
		}
		switch {
		case d.Size == 0 && idx >= 0:
			out = append(out[:idx], out[idx+1:]...)
		case d.Size > 0 && idx >= 0:
			out[idx].Size = d.Size
		case d.Size > 0:
			out = append(out, d)
		}
	}
	return out
}

func sortLevels(levels []domain.PriceLevel, desc bool) {
	sort.Slice(levels, func(i, j int) bool {
		if desc {
			return levels[i].Price > levels[j].Price
		}
		return levels[i].Price < levels[j].Price
	})
}

func cloneLevels(levels []domain.PriceLevel) []domain.PriceLevel {
	if levels == nil {
		return nil
	}
	out := make([]domain.PriceLevel, len(levels))
	copy(out, levels)
	return out
}

func copyEntry(e domain.MarketBookEntry) domain.MarketBookEntry {
	e.Yes.Bids = cloneLevels(e.Yes.Bids)
	e.Yes.Asks = cloneLevels(e.Yes.Asks)
	e.No.Bids = cloneLevels(e.No.Bids)
	e.No.Asks = cloneLevels(e.No.Asks)
	return e
}

// earlier returns the older of two timestamps; a zero timestamp wins, since a
// never-updated side makes the pair unusable.
func earlier(a, b time.Time) time.Time {
	if a.IsZero() || b.IsZero() {
		return time.Time{}
	}
	if a.Before(b) {
		return a
	}
	return b
}
