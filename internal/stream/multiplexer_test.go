package stream

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

// --------------------------------------------------------------------------
// test doubles
// --------------------------------------------------------------------------

type timeoutError struct{}

func (timeoutError) Error() string   { return "deadline exceeded" }
func (timeoutError) Timeout() bool   { return true }
func (timeoutError) Temporary() bool { return true }

type scriptStep struct {
	frame []byte
	err   error
}

// fakeConn replays a scripted sequence of reads; once exhausted, every read
// blocks until its deadline and times out.
type fakeConn struct {
	mu    sync.Mutex
	steps []scriptStep
	subs  [][]string
	pings int
}

func (c *fakeConn) Subscribe(ctx context.Context, tokenIDs []string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.subs = append(c.subs, tokenIDs)
	return nil
}

func (c *fakeConn) ReadMessage(deadline time.Time) ([]byte, error) {
	c.mu.Lock()
	if len(c.steps) == 0 {
		c.mu.Unlock()
		time.Sleep(time.Until(deadline))
		return nil, timeoutError{}
	}
	st := c.steps[0]
	c.steps = c.steps[1:]
	c.mu.Unlock()
	return st.frame, st.err
}

func (c *fakeConn) Ping(deadline time.Time) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.pings++
	return nil
}

func (c *fakeConn) Close() error { return nil }

// fakeDialer hands out scripted connections in order; when the scripts run
// out it hands out empty connections that only ever time out.
type fakeDialer struct {
	mu      sync.Mutex
	scripts []*fakeConn
	dialErr error
	dials   int
	conns   []*fakeConn
}

func (d *fakeDialer) Dial(ctx context.Context) (Conn, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.dials++
	if d.dialErr != nil {
		return nil, d.dialErr
	}
	var c *fakeConn
	if len(d.scripts) > 0 {
		c = d.scripts[0]
		d.scripts = d.scripts[1:]
	} else {
		c = &fakeConn{}
	}
	d.conns = append(d.conns, c)
	return c, nil
}

func (d *fakeDialer) dialCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.dials
}

func (d *fakeDialer) allSubscribedTokens() map[string]bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := map[string]bool{}
	for _, c := range d.conns {
		c.mu.Lock()
		for _, sub := range c.subs {
			for _, tok := range sub {
				out[tok] = true
			}
		}
		c.mu.Unlock()
	}
	return out
}

// fakeDecoder maps frame contents to pre-built events.
type fakeDecoder struct {
	events map[string][]domain.BookEvent
}

func (d *fakeDecoder) Decode(raw []byte) ([]domain.BookEvent, error) {
	return d.events[string(raw)], nil
}

type sinkCall struct {
	marketID string
	side     domain.Side
}

type recordSink struct {
	mu    sync.Mutex
	calls []sinkCall
}

func (s *recordSink) UpsertSide(marketID string, side domain.Side, upd domain.BookUpdate, eventTime time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls = append(s.calls, sinkCall{marketID: marketID, side: side})
}

func (s *recordSink) snapshot() []sinkCall {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]sinkCall(nil), s.calls...)
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func testConfig() Config {
	return Config{
		BatchSize:       100,
		RefreshInterval: 50 * time.Millisecond,
		AckTimeout:      20 * time.Millisecond,
		ReadTimeout:     20 * time.Millisecond,
		StallReads:      3,
		PingInterval:    time.Hour, // keep pings out of the way
		MaxBufferedAge:  5 * time.Second,
	}.withDefaults()
}

// --------------------------------------------------------------------------
// worker tests
// --------------------------------------------------------------------------

func TestWorkerRoutesAndFiltersEvents(t *testing.T) {
	now := time.Now()
	subs := []Subscription{{MarketID: "m1", YesTokenID: "tokY", NoTokenID: "tokN"}}
	idx := buildIndex(subs)

	decoder := &fakeDecoder{events: map[string][]domain.BookEvent{
		"ack": {{TokenID: "tokY", EventTime: now}},
		"f2": {
			{TokenID: "tokN", EventTime: now},
			{TokenID: "unknown", EventTime: now},
			{TokenID: "tokY", EventTime: now.Add(-10 * time.Second)}, // buffered past budget
			{TokenID: "tokN", EventTime: now.Add(time.Hour)},         // producer clock ahead: keep
		},
	}}

	conn := &fakeConn{steps: []scriptStep{
		{frame: []byte("ack")},
		{frame: []byte("f2")},
		{err: io.EOF},
	}}
	dialer := &fakeDialer{scripts: []*fakeConn{conn}}
	sink := &recordSink{}

	w := &worker{
		cfg:     testConfig(),
		dialer:  dialer,
		decoder: decoder,
		sink:    sink,
		index:   idx,
		tokens:  []string{"tokY", "tokN"},
		logger:  testLogger(),
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() { defer close(done); _ = w.run(ctx) }()

	require.Eventually(t, func() bool { return len(sink.snapshot()) >= 3 }, time.Second, 5*time.Millisecond)
	cancel()
	<-done

	calls := sink.snapshot()
	require.Len(t, calls, 3)
	assert.Equal(t, sinkCall{"m1", domain.SideYes}, calls[0])
	assert.Equal(t, sinkCall{"m1", domain.SideNo}, calls[1])
	assert.Equal(t, sinkCall{"m1", domain.SideNo}, calls[2])
	assert.Equal(t, [][]string{{"tokY", "tokN"}}, conn.subs)
}

func TestWorkerRedialsImmediatelyOnAckTimeout(t *testing.T) {
	dialer := &fakeDialer{} // every conn only times out: no ack ever arrives
	w := &worker{
		cfg:     testConfig(),
		dialer:  dialer,
		decoder: &fakeDecoder{},
		sink:    &recordSink{},
		index:   map[string]target{},
		tokens:  []string{"tok"},
		logger:  testLogger(),
	}

	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()
	_ = w.run(ctx)

	// With a 20ms ack timeout and no backoff between attempts, 200ms must
	// fit several redials. Backoff alone would allow at most one.
	assert.GreaterOrEqual(t, dialer.dialCount(), 3)
}

func TestWorkerReconnectsAfterStall(t *testing.T) {
	// First conn acks, then goes silent; StallReads consecutive timeouts
	// must force a reconnect.
	decoder := &fakeDecoder{events: map[string][]domain.BookEvent{"ack": nil}}
	conn := &fakeConn{steps: []scriptStep{{frame: []byte("ack")}}}
	dialer := &fakeDialer{scripts: []*fakeConn{conn}}

	cfg := testConfig()
	cfg.StallReads = 2

	w := &worker{
		cfg:     cfg,
		dialer:  dialer,
		decoder: decoder,
		sink:    &recordSink{},
		index:   map[string]target{},
		tokens:  []string{"tok"},
		logger:  testLogger(),
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() { defer close(done); _ = w.run(ctx) }()

	require.Eventually(t, func() bool { return dialer.dialCount() >= 2 }, 5*time.Second, 10*time.Millisecond)
	cancel()
	<-done
}

func TestWorkerParksOnRetryExhaustion(t *testing.T) {
	dialer := &fakeDialer{dialErr: io.ErrUnexpectedEOF}

	cfg := testConfig()
	cfg.MaxRetries = 1

	w := &worker{
		cfg:     cfg,
		dialer:  dialer,
		decoder: &fakeDecoder{},
		sink:    &recordSink{},
		index:   map[string]target{},
		tokens:  []string{"tok"},
		logger:  testLogger(),
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- w.run(ctx) }()

	// The single allowed attempt burns the budget; the worker must then
	// hold its slot without redialing until the generation is torn down.
	require.Eventually(t, func() bool { return dialer.dialCount() == 1 }, time.Second, 5*time.Millisecond)
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, 1, dialer.dialCount())

	cancel()
	assert.ErrorIs(t, <-done, context.Canceled)
}

// --------------------------------------------------------------------------
// multiplexer tests
// --------------------------------------------------------------------------

func TestMultiplexerRebuildsOnSubscriptionChange(t *testing.T) {
	subsA := []Subscription{{MarketID: "m1", YesTokenID: "a-yes", NoTokenID: "a-no"}}
	subsB := []Subscription{{MarketID: "m2", YesTokenID: "b-yes", NoTokenID: "b-no"}}

	var mu sync.Mutex
	calls := 0
	source := func(ctx context.Context) ([]Subscription, error) {
		mu.Lock()
		defer mu.Unlock()
		calls++
		if calls == 1 {
			return subsA, nil
		}
		return subsB, nil
	}

	dialer := &fakeDialer{}
	m := NewMultiplexer(testConfig(), dialer, &fakeDecoder{}, source, &recordSink{}, testLogger())

	ctx, cancel := context.WithTimeout(context.Background(), 500*time.Millisecond)
	defer cancel()
	_ = m.Run(ctx)

	seen := dialer.allSubscribedTokens()
	assert.True(t, seen["a-yes"] && seen["a-no"], "first generation subscribed set A")
	assert.True(t, seen["b-yes"] && seen["b-no"], "rebuilt pool subscribed set B")
}

// deadTokenConn rejects any subscription that includes the marked token and
// otherwise behaves like its embedded fakeConn.
type deadTokenConn struct {
	fakeConn
	dead string
}

func (c *deadTokenConn) Subscribe(ctx context.Context, tokenIDs []string) error {
	for _, tok := range tokenIDs {
		if tok == c.dead {
			return io.ErrUnexpectedEOF
		}
	}
	return c.fakeConn.Subscribe(ctx, tokenIDs)
}

// deadTokenDialer hands out fresh deadTokenConns; each one acks and then
// times out, so healthy batches keep streaming while the marked batch can
// never subscribe.
type deadTokenDialer struct {
	mu    sync.Mutex
	dead  string
	dials int
}

func (d *deadTokenDialer) Dial(ctx context.Context) (Conn, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.dials++
	return &deadTokenConn{
		fakeConn: fakeConn{steps: []scriptStep{{frame: []byte("ack")}}},
		dead:     d.dead,
	}, nil
}

func TestMultiplexerSurvivesDeadBatch(t *testing.T) {
	subs := []Subscription{
		{MarketID: "m-dead", YesTokenID: "dead-yes", NoTokenID: "dead-no"},
		{MarketID: "m-live", YesTokenID: "live-yes", NoTokenID: "live-no"},
	}
	source := func(ctx context.Context) ([]Subscription, error) { return subs, nil }

	decoder := &fakeDecoder{events: map[string][]domain.BookEvent{
		"ack": {{TokenID: "live-yes", EventTime: time.Now()}},
	}}
	dialer := &deadTokenDialer{dead: "dead-yes"}

	cfg := testConfig()
	cfg.BatchSize = 2
	cfg.MaxRetries = 1
	cfg.RefreshInterval = time.Hour // hold a single generation for the whole test
	sink := &recordSink{}

	m := NewMultiplexer(cfg, dialer, decoder, source, sink, testLogger())

	ctx, cancel := context.WithTimeout(context.Background(), 300*time.Millisecond)
	defer cancel()
	err := m.Run(ctx)

	// One batch never subscribes and burns its retry budget, but Run must
	// outlive it and the other batch must keep routing updates.
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	calls := sink.snapshot()
	require.NotEmpty(t, calls, "healthy batch stopped streaming")
	for _, c := range calls {
		assert.Equal(t, "m-live", c.marketID)
	}
}

func TestMultiplexerRebuildsEveryInterval(t *testing.T) {
	subs := []Subscription{{MarketID: "m1", YesTokenID: "y", NoTokenID: "n"}}
	source := func(ctx context.Context) ([]Subscription, error) { return subs, nil }

	// Each conn acks, then drops; the worker then sits in backoff far
	// longer than the test runs, so additional dials can only come from
	// scheduled pool rebuilds.
	conns := make([]*fakeConn, 8)
	for i := range conns {
		conns[i] = &fakeConn{steps: []scriptStep{{frame: []byte("ack")}, {err: io.EOF}}}
	}
	dialer := &fakeDialer{scripts: conns}
	decoder := &fakeDecoder{events: map[string][]domain.BookEvent{"ack": nil}}

	m := NewMultiplexer(testConfig(), dialer, decoder, source, &recordSink{}, testLogger())

	ctx, cancel := context.WithTimeout(context.Background(), 300*time.Millisecond)
	defer cancel()
	_ = m.Run(ctx)

	// The subscription set never changes, yet every 50ms tick must still
	// tear down and redial.
	assert.GreaterOrEqual(t, dialer.dialCount(), 3)
}

func TestBuildIndex(t *testing.T) {
	idx := buildIndex([]Subscription{
		{MarketID: "m1", YesTokenID: "y1", NoTokenID: "n1"},
		{MarketID: "m2", YesTokenID: "y2", NoTokenID: "n2"},
	})
	assert.Equal(t, target{"m1", domain.SideYes}, idx["y1"])
	assert.Equal(t, target{"m1", domain.SideNo}, idx["n1"])
	assert.Equal(t, target{"m2", domain.SideYes}, idx["y2"])
	assert.Len(t, idx, 4)
}

func TestBatchTokens(t *testing.T) {
	idx := buildIndex([]Subscription{
		{MarketID: "m1", YesTokenID: "a", NoTokenID: "b"},
		{MarketID: "m2", YesTokenID: "c", NoTokenID: "d"},
		{MarketID: "m3", YesTokenID: "e", NoTokenID: "f"},
	})

	batches := batchTokens(idx, 4)
	require.Len(t, batches, 2)
	assert.Len(t, batches[0], 4)
	assert.Len(t, batches[1], 2)

	// deterministic ordering
	again := batchTokens(idx, 4)
	assert.Equal(t, batches, again)
}

func TestSubscriptionsEqual(t *testing.T) {
	a := []Subscription{{MarketID: "m1", YesTokenID: "y", NoTokenID: "n"}}
	b := []Subscription{{MarketID: "m1", YesTokenID: "y", NoTokenID: "n"}}
	assert.True(t, subscriptionsEqual(a, b))
	assert.False(t, subscriptionsEqual(a, nil))
	assert.False(t, subscriptionsEqual(a, []Subscription{{MarketID: "m2", YesTokenID: "y", NoTokenID: "n"}}))
}

func TestConfigDefaults(t *testing.T) {
	c := Config{}.withDefaults()
	assert.Equal(t, 100, c.BatchSize)
	assert.Equal(t, 20*time.Second, c.RefreshInterval)
	assert.Equal(t, 6, c.StallReads)
	assert.Equal(t, 5*time.Second, c.MaxBufferedAge)
	assert.Equal(t, 0, c.MaxRetries, "zero max retries means retry forever")
}
