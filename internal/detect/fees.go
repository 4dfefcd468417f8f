package detect

// FeeModel estimates trading fees for one share pair (one YES plus one NO
// share) bought at the given ask prices. Profit thresholds are applied net
// of this estimate.
type FeeModel interface {
	PairFee(yesAsk, noAsk float64) float64
}

// ProportionalFee charges a flat rate on notional: Rate times the combined
// cost of the pair.
type ProportionalFee struct {
	Rate float64
}

func (f ProportionalFee) PairFee(yesAsk, noAsk float64) float64 {
	return f.Rate * (yesAsk + noAsk)
}

// FlatFee charges a fixed amount per share pair regardless of price.
type FlatFee struct {
	PerPair float64
}

func (f FlatFee) PairFee(yesAsk, noAsk float64) float64 {
	return f.PerPair
}

// NoFee disables fee modelling.
type NoFee struct{}

func (NoFee) PairFee(yesAsk, noAsk float64) float64 { return 0 }
