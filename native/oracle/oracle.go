package oracle

import (
	"errors"
	"math/big"
	"strings"
	"sync"
	"time"

	"stablecore/crypto"
	"stablecore/native/common"
)

var (
	// ErrUnknownAsset is returned when no price was ever posted for a symbol.
	ErrUnknownAsset = errors.New("oracle: unknown asset")
	// ErrStalePrice is returned when the most recent posting is older than the
	// configured maximum age.
	ErrStalePrice = errors.New("oracle: stale price")
	errInvalid    = errors.New("oracle: price must be positive")
)

// Quote captures one posted exchange rate. Rate is denominated in stable
// units per 1e18 collateral units.
type Quote struct {
	Rate     *big.Int
	PostedAt time.Time
	Source   string
}

// Clone returns a deep copy of the quote to prevent accidental mutations.
func (q Quote) Clone() Quote {
	clone := Quote{PostedAt: q.PostedAt, Source: q.Source}
	if q.Rate != nil {
		clone.Rate = new(big.Int).Set(q.Rate)
	}
	return clone
}

// PostedOracle is a guardian-fed price source with a staleness bound. Within
// a single ledger operation the caller reads the price exactly once, so a
// posting mid-operation cannot split the accounting.
type PostedOracle struct {
	mu     sync.RWMutex
	quotes map[string]Quote
	maxAge time.Duration
	clock  common.Clock
	policy common.Policy
}

// NewPostedOracle constructs an oracle. A zero maxAge disables the staleness
// check.
func NewPostedOracle(maxAge time.Duration, policy common.Policy) *PostedOracle {
	return &PostedOracle{
		quotes: make(map[string]Quote),
		maxAge: maxAge,
		clock:  common.SystemClock{},
		policy: policy,
	}
}

// SetClock overrides the clock used for staleness checks.
func (o *PostedOracle) SetClock(clock common.Clock) {
	if o == nil || clock == nil {
		return
	}
	o.mu.Lock()
	o.clock = clock
	o.mu.Unlock()
}

// Post records a new price for the symbol. The caller must hold the guardian
// role.
func (o *PostedOracle) Post(caller crypto.Address, symbol string, rate *big.Int, source string) error {
	if o == nil {
		return ErrUnknownAsset
	}
	if err := common.Authorize(o.policy, common.RoleGuardian, caller); err != nil {
		return err
	}
	symbol = strings.TrimSpace(symbol)
	if symbol == "" || rate == nil || rate.Sign() <= 0 {
		return errInvalid
	}
	o.mu.Lock()
	o.quotes[symbol] = Quote{
		Rate:     new(big.Int).Set(rate),
		PostedAt: o.clock.Now(),
		Source:   strings.TrimSpace(source),
	}
	o.mu.Unlock()
	return nil
}

// Price returns the current rate for the symbol, enforcing the staleness
// bound.
func (o *PostedOracle) Price(symbol string) (*big.Int, error) {
	if o == nil {
		return nil, ErrUnknownAsset
	}
	o.mu.RLock()
	quote, ok := o.quotes[strings.TrimSpace(symbol)]
	maxAge := o.maxAge
	now := o.clock.Now()
	o.mu.RUnlock()
	if !ok {
		return nil, ErrUnknownAsset
	}
	if maxAge > 0 && now.Sub(quote.PostedAt) > maxAge {
		return nil, ErrStalePrice
	}
	return new(big.Int).Set(quote.Rate), nil
}

// Quote returns the full posting for inspection surfaces.
func (o *PostedOracle) Quote(symbol string) (Quote, bool) {
	if o == nil {
		return Quote{}, false
	}
	o.mu.RLock()
	defer o.mu.RUnlock()
	quote, ok := o.quotes[strings.TrimSpace(symbol)]
	if !ok {
		return Quote{}, false
	}
	return quote.Clone(), true
}
