package discovery

import (
	"context"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aubit/spreadbot/internal/domain"
)

type fakeCatalog struct {
	pages [][]domain.Market
	calls int
}

func (f *fakeCatalog) ListOpenMarkets(_ context.Context, limit, offset int) ([]domain.Market, error) {
	idx := offset / limit
	f.calls++
	if idx >= len(f.pages) {
		return nil, nil
	}
	return f.pages[idx], nil
}

type memMarkets struct {
	mu      sync.Mutex
	markets map[string]domain.Market
}

func newMemMarkets() *memMarkets {
	return &memMarkets{markets: make(map[string]domain.Market)}
}

func (m *memMarkets) Upsert(_ context.Context, mk domain.Market) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.markets[mk.ID] = mk
	return nil
}

func (m *memMarkets) UpsertBatch(ctx context.Context, mks []domain.Market) error {
	for _, mk := range mks {
		if err := m.Upsert(ctx, mk); err != nil {
			return err
		}
	}
	return nil
}

func (m *memMarkets) GetByID(_ context.Context, id string) (domain.Market, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	mk, ok := m.markets[id]
	if !ok {
		return domain.Market{}, domain.ErrNotFound
	}
	return mk, nil
}

func (m *memMarkets) GetByTokenID(_ context.Context, tokenID string) (domain.Market, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, mk := range m.markets {
		if mk.YesTokenID == tokenID || mk.NoTokenID == tokenID {
			return mk, nil
		}
	}
	return domain.Market{}, domain.ErrNotFound
}

func (m *memMarkets) ListActive(_ context.Context, opts domain.ListOpts) ([]domain.Market, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []domain.Market
	for _, mk := range m.markets {
		if mk.Active {
			out = append(out, mk)
		}
	}
	if opts.Limit > 0 && len(out) > opts.Limit {
		out = out[:opts.Limit]
	}
	return out, nil
}

func (m *memMarkets) Deactivate(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	mk, ok := m.markets[id]
	if !ok {
		return domain.ErrNotFound
	}
	mk.Active = false
	m.markets[id] = mk
	return nil
}

func (m *memMarkets) DeactivateExpired(_ context.Context, now time.Time) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var n int64
	for id, mk := range m.markets {
		if mk.Active && mk.Expired(now) {
			mk.Active = false
			m.markets[id] = mk
			n++
		}
	}
	return n, nil
}

func (m *memMarkets) Count(_ context.Context) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return int64(len(m.markets)), nil
}

type fakePruner struct {
	retained map[string]struct{}
}

func (f *fakePruner) Retain(active map[string]struct{}) int {
	f.retained = active
	return 1
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func testMarket(id, asset string, end time.Time) domain.Market {
	return domain.Market{
		ID:         id,
		Platform:   "polymarket",
		Asset:      asset,
		YesTokenID: id + "-yes",
		NoTokenID:  id + "-no",
		EndTime:    end,
		Active:     true,
	}
}

func TestPollerPersistsAndPages(t *testing.T) {
	future := time.Now().Add(time.Hour)
	catalog := &fakeCatalog{pages: [][]domain.Market{
		{testMarket("m1", "BTC", future), testMarket("m2", "ETH", future)},
	}}
	store := newMemMarkets()
	pruner := &fakePruner{}

	p := NewPoller(Config{PageSize: 2}, catalog, store, pruner, discardLogger())
	require.NoError(t, p.Poll(context.Background()))

	// Full first page means a second fetch to find the end.
	assert.Equal(t, 2, catalog.calls)

	active, err := store.ListActive(context.Background(), domain.ListOpts{})
	require.NoError(t, err)
	assert.Len(t, active, 2)
	assert.Len(t, pruner.retained, 2)
}

func TestPollerFiltersAssetsAndExpired(t *testing.T) {
	now := time.Now()
	catalog := &fakeCatalog{pages: [][]domain.Market{{
		testMarket("btc-live", "BTC", now.Add(time.Hour)),
		testMarket("eth-live", "ETH", now.Add(time.Hour)),
		testMarket("btc-dead", "BTC", now.Add(-time.Hour)),
	}}}
	store := newMemMarkets()

	p := NewPoller(Config{AllowedAssets: []string{"BTC"}}, catalog, store, nil, discardLogger())
	require.NoError(t, p.Poll(context.Background()))

	active, err := store.ListActive(context.Background(), domain.ListOpts{})
	require.NoError(t, err)
	require.Len(t, active, 1)
	assert.Equal(t, "btc-live", active[0].ID)
}

func TestPollerDeactivatesExpired(t *testing.T) {
	store := newMemMarkets()
	expired := testMarket("old", "BTC", time.Now().Add(-time.Minute))
	require.NoError(t, store.Upsert(context.Background(), expired))

	catalog := &fakeCatalog{}
	p := NewPoller(Config{}, catalog, store, nil, discardLogger())
	require.NoError(t, p.Poll(context.Background()))

	active, err := store.ListActive(context.Background(), domain.ListOpts{})
	require.NoError(t, err)
	assert.Empty(t, active)
}

func TestPollerSubscriptions(t *testing.T) {
	store := newMemMarkets()
	m := testMarket("m1", "BTC", time.Now().Add(time.Hour))
	require.NoError(t, store.Upsert(context.Background(), m))

	p := NewPoller(Config{}, &fakeCatalog{}, store, nil, discardLogger())
	subs, err := p.Subscriptions(context.Background())
	require.NoError(t, err)
	require.Len(t, subs, 1)
	assert.Equal(t, "m1", subs[0].MarketID)
	assert.Equal(t, "m1-yes", subs[0].YesTokenID)
	assert.Equal(t, "m1-no", subs[0].NoTokenID)
}

func TestPollerMaxMarketsCap(t *testing.T) {
	future := time.Now().Add(time.Hour)
	catalog := &fakeCatalog{pages: [][]domain.Market{
		{testMarket("m1", "BTC", future), testMarket("m2", "BTC", future)},
		{testMarket("m3", "BTC", future)},
	}}
	store := newMemMarkets()

	p := NewPoller(Config{PageSize: 2, MaxMarkets: 1}, catalog, store, nil, discardLogger())
	require.NoError(t, p.Poll(context.Background()))

	n, err := store.Count(context.Background())
	require.NoError(t, err)
	assert.EqualValues(t, 1, n)
}
