package book

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aubit/spreadbot/internal/domain"
)

func snapshot(bids, asks []domain.PriceLevel) domain.BookUpdate {
	return domain.BookUpdate{Bids: bids, Asks: asks, Replace: true}
}

func TestUpsertSideSnapshotAndBest(t *testing.T) {
	s := NewStore()
	now := time.Now()

	s.UpsertSide("m1", domain.SideYes, snapshot(
		[]domain.PriceLevel{{Price: 0.42, Size: 50}, {Price: 0.44, Size: 100}},
		[]domain.PriceLevel{{Price: 0.47, Size: 80}, {Price: 0.45, Size: 200}},
	), now)

	e, ok := s.Read("m1")
	require.True(t, ok)
	assert.Equal(t, 0.44, e.Yes.BestBid)
	assert.Equal(t, 0.45, e.Yes.BestAsk)
	assert.Equal(t, 200.0, e.Yes.TopAskSize())
	// other side untouched
	assert.True(t, e.No.UpdatedAt.IsZero())
}

func TestUpsertSideDeltas(t *testing.T) {
	s := NewStore()
	now := time.Now()

	s.UpsertSide("m1", domain.SideNo, snapshot(
		nil,
		[]domain.PriceLevel{{Price: 0.50, Size: 150}, {Price: 0.52, Size: 60}},
	), now)

	// remove the top ask, add a better one
	s.UpsertSide("m1", domain.SideNo, domain.BookUpdate{
		Asks: []domain.PriceLevel{{Price: 0.50, Size: 0}, {Price: 0.49, Size: 30}},
	}, now.Add(time.Second))

	e, ok := s.Read("m1")
	require.True(t, ok)
	assert.Equal(t, 0.49, e.No.BestAsk)
	assert.Equal(t, 30.0, e.No.TopAskSize())
	assert.Len(t, e.No.Asks, 2)
}

func TestDeltaResizesExistingLevel(t *testing.T) {
	s := NewStore()
	now := time.Now()

	s.UpsertSide("m1", domain.SideYes, snapshot(
		[]domain.PriceLevel{{Price: 0.40, Size: 10}}, nil), now)
	s.UpsertSide("m1", domain.SideYes, domain.BookUpdate{
		Bids: []domain.PriceLevel{{Price: 0.40, Size: 75}},
	}, now.Add(time.Second))

	e, _ := s.Read("m1")
	require.Len(t, e.Yes.Bids, 1)
	assert.Equal(t, 75.0, e.Yes.Bids[0].Size)
}

func TestSideTimestampsIndependent(t *testing.T) {
	s := NewStore()
	t0 := time.Now()

	s.UpsertSide("m1", domain.SideYes, snapshot(nil, []domain.PriceLevel{{Price: 0.45, Size: 10}}), t0)
	s.UpsertSide("m1", domain.SideNo, snapshot(nil, []domain.PriceLevel{{Price: 0.50, Size: 10}}), t0.Add(3*time.Second))

	now := t0.Add(5 * time.Second)
	yesAge, ok := s.Age("m1", domain.SideYes, now)
	require.True(t, ok)
	noAge, ok := s.Age("m1", domain.SideNo, now)
	require.True(t, ok)
	assert.Equal(t, 5*time.Second, yesAge)
	assert.Equal(t, 2*time.Second, noAge)

	e, _ := s.Read("m1")
	assert.Equal(t, t0, e.CapturedAt, "captured-at is the earlier side")
}

func TestTimestampNeverMovesBackward(t *testing.T) {
	s := NewStore()
	t0 := time.Now()

	s.UpsertSide("m1", domain.SideYes, snapshot(nil, []domain.PriceLevel{{Price: 0.45, Size: 10}}), t0)
	// replayed snapshot with an older event time: levels apply, time stands
	s.UpsertSide("m1", domain.SideYes, snapshot(nil, []domain.PriceLevel{{Price: 0.46, Size: 20}}), t0.Add(-10*time.Second))

	e, _ := s.Read("m1")
	assert.Equal(t, 0.46, e.Yes.BestAsk)
	assert.Equal(t, t0, e.Yes.UpdatedAt)
}

func TestFreshRequiresBothSides(t *testing.T) {
	s := NewStore()
	t0 := time.Now()
	maxAge := 2 * time.Second

	s.UpsertSide("m1", domain.SideYes, snapshot(nil, []domain.PriceLevel{{Price: 0.45, Size: 10}}), t0)
	assert.False(t, s.Fresh("m1", maxAge, t0), "NO side never updated")

	s.UpsertSide("m1", domain.SideNo, snapshot(nil, []domain.PriceLevel{{Price: 0.50, Size: 10}}), t0)
	assert.True(t, s.Fresh("m1", maxAge, t0.Add(time.Second)))

	// YES drifts stale while NO keeps updating
	s.UpsertSide("m1", domain.SideNo, snapshot(nil, []domain.PriceLevel{{Price: 0.50, Size: 10}}), t0.Add(5*time.Second))
	assert.False(t, s.Fresh("m1", maxAge, t0.Add(5*time.Second)))
}

func TestAgeUnknownMarket(t *testing.T) {
	s := NewStore()
	_, ok := s.Age("nope", domain.SideYes, time.Now())
	assert.False(t, ok)
	assert.False(t, s.Fresh("nope", time.Minute, time.Now()))
}

func TestReadReturnsCopy(t *testing.T) {
	s := NewStore()
	now := time.Now()
	s.UpsertSide("m1", domain.SideYes, snapshot(nil, []domain.PriceLevel{{Price: 0.45, Size: 10}}), now)

	e, _ := s.Read("m1")
	e.Yes.Asks[0].Size = 9999

	again, _ := s.Read("m1")
	assert.Equal(t, 10.0, again.Yes.Asks[0].Size)
}

func TestRetain(t *testing.T) {
	s := NewStore()
	now := time.Now()
	for _, id := range []string{"a", "b", "c"} {
		s.UpsertSide(id, domain.SideYes, snapshot(nil, nil), now)
	}

	removed := s.Retain(map[string]struct{}{"b": {}})
	assert.Equal(t, 2, removed)
	assert.Equal(t, 1, s.Len())
	_, ok := s.Read("b")
	assert.True(t, ok)
}

func TestConcurrentUpsertAndRead(t *testing.T) {
	s := NewStore()
	now := time.Now()
	var wg sync.WaitGroup

	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			side := domain.SideYes
			if i%2 == 1 {
				side = domain.SideNo
			}
			for j := 0; j < 200; j++ {
				s.UpsertSide("m1", side, snapshot(
					[]domain.PriceLevel{{Price: 0.40, Size: float64(j + 1)}},
					[]domain.PriceLevel{{Price: 0.45, Size: float64(j + 1)}},
				), now.Add(time.Duration(j)*time.Millisecond))
			}
		}(i)
	}
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 200; j++ {
				s.Read("m1")
				s.Fresh("m1", time.Minute, now)
			}
		}()
	}
	wg.Wait()

	e, ok := s.Read("m1")
	require.True(t, ok)
	assert.Equal(t, 0.45, e.Yes.BestAsk)
}
