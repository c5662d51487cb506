package rewards

import (
	"errors"
	"math/big"
	"sort"
	"sync"

	"stablecore/core/events"
	"stablecore/crypto"
)

// Scale is the fixed-point denominator of the reward integral. Every
// component reading or writing the integral shares this constant.
var Scale = big.NewInt(1_000_000_000_000_000_000)

var (
	errInvalidAmount = errors.New("reward stream: amount must be positive")
	errNoTransfer    = errors.New("reward stream: transfer func not configured")
)

// ErrInvalidAmount is the exported alias for callers matching failures.
var ErrInvalidAmount = errInvalidAmount

// TransferFunc pays claimed rewards out of the stream's escrow.
type TransferFunc func(token string, to crypto.Address, amount *big.Int) error

// Payout reports one claimed token amount.
type Payout struct {
	Token  string
	Amount *big.Int
}

type holderState struct {
	balance   *big.Int
	snapshots map[string]*big.Int
	claimable map[string]*big.Int
}

// Stream distributes arbitrary reward tokens over a dynamically changing
// balance set without iterating holders: each notification advances a
// per-token reward integral, and holders are checkpointed lazily against
// their last-seen integral snapshot.
//
// A stream instance owns its state behind a single mutex; callers must
// checkpoint a holder (via SetBalance) before changing that holder's
// balance so the stale balance is multiplied by the stale integral delta.
type Stream struct {
	mu sync.Mutex

	name    string
	tokens  []string
	integs  map[string]*big.Int
	pending map[string]*big.Int
	holders map[string]*holderState
	total   *big.Int

	notified map[string]*big.Int
	claimed  map[string]*big.Int

	transfer TransferFunc
	emitter  events.Emitter
}

// NewStream constructs an empty reward stream.
func NewStream(name string) *Stream {
	return &Stream{
		name:     name,
		integs:   make(map[string]*big.Int),
		pending:  make(map[string]*big.Int),
		holders:  make(map[string]*holderState),
		total:    big.NewInt(0),
		notified: make(map[string]*big.Int),
		claimed:  make(map[string]*big.Int),
		emitter:  events.NoopEmitter{},
	}
}

// SetTransfer wires the payout function used by Claim.
func (s *Stream) SetTransfer(transfer TransferFunc) {
	if s == nil {
		return
	}
	s.mu.Lock()
	s.transfer = transfer
	s.mu.Unlock()
}

// SetEmitter wires the audit event sink.
func (s *Stream) SetEmitter(emitter events.Emitter) {
	if s == nil || emitter == nil {
		return
	}
	s.mu.Lock()
	s.emitter = emitter
	s.mu.Unlock()
}

func (s *Stream) holderKey(addr crypto.Address) string {
	return string(addr.Bytes())
}

func (s *Stream) ensureToken(token string) {
	if _, ok := s.integs[token]; ok {
		return
	}
	s.integs[token] = big.NewInt(0)
	s.pending[token] = big.NewInt(0)
	s.notified[token] = big.NewInt(0)
	s.claimed[token] = big.NewInt(0)
	s.tokens = append(s.tokens, token)
	sort.Strings(s.tokens)
}

func (s *Stream) ensureHolder(addr crypto.Address) *holderState {
	key := s.holderKey(addr)
	holder, ok := s.holders[key]
	if !ok {
		holder = &holderState{
			balance:   big.NewInt(0),
			snapshots: make(map[string]*big.Int),
			claimable: make(map[string]*big.Int),
		}
		s.holders[key] = holder
	}
	return holder
}

// Notify credits a reward amount to the stream. With a zero total balance
// the amount is escrowed per token and folded into the integral as soon as
// a nonzero balance exists, so rewards arriving before the first holder are
// deferred rather than lost.
func (s *Stream) Notify(token string, amount *big.Int) error {
	if s == nil {
		return errInvalidAmount
	}
	if amount == nil || amount.Sign() <= 0 {
		return errInvalidAmount
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.ensureToken(token)
	s.notified[token] = new(big.Int).Add(s.notified[token], amount)
	if s.total.Sign() == 0 {
		s.pending[token] = new(big.Int).Add(s.pending[token], amount)
	} else {
		s.fold(token, amount)
	}
	s.emitter.Emit(events.RewardNotified{Pool: s.name, Token: token, Amount: new(big.Int).Set(amount)})
	return nil
}

// NotifyReward adapts Notify to the fire-and-forget sink contract consumed
// by fee-generating engines.
func (s *Stream) NotifyReward(token string, amount *big.Int) {
	_ = s.Notify(token, amount)
}

// fold advances the integral by amount plus any pending escrow. Caller holds
// the lock and guarantees total > 0.
func (s *Stream) fold(token string, amount *big.Int) {
	delta := new(big.Int)
	if amount != nil {
		delta.Set(amount)
	}
	if pending := s.pending[token]; pending != nil && pending.Sign() > 0 {
		delta.Add(delta, pending)
		s.pending[token] = big.NewInt(0)
	}
	if delta.Sign() == 0 {
		return
	}
	delta.Mul(delta, Scale)
	delta.Quo(delta, s.total)
	s.integs[token] = new(big.Int).Add(s.integs[token], delta)
}

// checkpoint settles the holder's claimable entitlement against the current
// integrals using the holder's current (stale) balance. Caller holds the
// lock.
func (s *Stream) checkpoint(holder *holderState) {
	for _, token := range s.tokens {
		integral := s.integs[token]
		snapshot, ok := holder.snapshots[token]
		if !ok {
			snapshot = big.NewInt(0)
		}
		delta := new(big.Int).Sub(integral, snapshot)
		if delta.Sign() > 0 && holder.balance.Sign() > 0 {
			earned := new(big.Int).Mul(holder.balance, delta)
			earned.Quo(earned, Scale)
			prev, ok := holder.claimable[token]
			if !ok {
				prev = big.NewInt(0)
			}
			holder.claimable[token] = new(big.Int).Add(prev, earned)
		}
		holder.snapshots[token] = new(big.Int).Set(integral)
	}
}

// Checkpoint settles the holder against the current integrals without
// changing any balance.
func (s *Stream) Checkpoint(addr crypto.Address) {
	if s == nil {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.checkpoint(s.ensureHolder(addr))
}

// SetBalance checkpoints the holder and then swaps in the new balance. Every
// balance-changing operation in the owning pool must route through here
// before the change takes effect elsewhere.
func (s *Stream) SetBalance(addr crypto.Address, newBalance *big.Int) {
	if s == nil {
		return
	}
	if newBalance == nil {
		newBalance = big.NewInt(0)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	holder := s.ensureHolder(addr)
	s.checkpoint(holder)
	s.total = new(big.Int).Sub(s.total, holder.balance)
	s.total.Add(s.total, newBalance)
	holder.balance = new(big.Int).Set(newBalance)
	if s.total.Sign() > 0 {
		// Drain any escrow that built up while nobody was eligible.
		for _, token := range s.tokens {
			s.fold(token, nil)
		}
	}
}

// BalanceOf returns the holder's tracked balance.
func (s *Stream) BalanceOf(addr crypto.Address) *big.Int {
	if s == nil {
		return big.NewInt(0)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	holder, ok := s.holders[s.holderKey(addr)]
	if !ok {
		return big.NewInt(0)
	}
	return new(big.Int).Set(holder.balance)
}

// TotalBalance returns the sum of all tracked balances.
func (s *Stream) TotalBalance() *big.Int {
	if s == nil {
		return big.NewInt(0)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return new(big.Int).Set(s.total)
}

// Claimable returns the holder's current entitlement per token, including
// the unsettled integral delta.
func (s *Stream) Claimable(addr crypto.Address) map[string]*big.Int {
	if s == nil {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	holder, ok := s.holders[s.holderKey(addr)]
	out := make(map[string]*big.Int, len(s.tokens))
	for _, token := range s.tokens {
		total := big.NewInt(0)
		if ok {
			if claimable := holder.claimable[token]; claimable != nil {
				total.Add(total, claimable)
			}
			snapshot := holder.snapshots[token]
			if snapshot == nil {
				snapshot = big.NewInt(0)
			}
			delta := new(big.Int).Sub(s.integs[token], snapshot)
			if delta.Sign() > 0 && holder.balance.Sign() > 0 {
				earned := new(big.Int).Mul(holder.balance, delta)
				earned.Quo(earned, Scale)
				total.Add(total, earned)
			}
		}
		out[token] = total
	}
	return out
}

// Claim checkpoints the holder, pays out every token with a nonzero
// entitlement and zeroes the claimable accumulators.
func (s *Stream) Claim(addr crypto.Address) ([]Payout, error) {
	if s == nil {
		return nil, errNoTransfer
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.transfer == nil {
		return nil, errNoTransfer
	}
	holder := s.ensureHolder(addr)
	s.checkpoint(holder)

	var payouts []Payout
	for _, token := range s.tokens {
		amount := holder.claimable[token]
		if amount == nil || amount.Sign() == 0 {
			continue
		}
		if err := s.transfer(token, addr, amount); err != nil {
			return payouts, err
		}
		holder.claimable[token] = big.NewInt(0)
		s.claimed[token] = new(big.Int).Add(s.claimed[token], amount)
		payouts = append(payouts, Payout{Token: token, Amount: new(big.Int).Set(amount)})
		s.emitter.Emit(events.RewardClaimed{Pool: s.name, Holder: addr, Token: token, Amount: new(big.Int).Set(amount)})
	}
	return payouts, nil
}

// Notified returns the cumulative notified amount for a token.
func (s *Stream) Notified(token string) *big.Int {
	if s == nil {
		return big.NewInt(0)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if total := s.notified[token]; total != nil {
		return new(big.Int).Set(total)
	}
	return big.NewInt(0)
}

// ClaimedTotal returns the cumulative claimed amount for a token.
func (s *Stream) ClaimedTotal(token string) *big.Int {
	if s == nil {
		return big.NewInt(0)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if total := s.claimed[token]; total != nil {
		return new(big.Int).Set(total)
	}
	return big.NewInt(0)
}

// Pending returns the escrowed amount for a token awaiting a nonzero total
// balance.
func (s *Stream) Pending(token string) *big.Int {
	if s == nil {
		return big.NewInt(0)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if pending := s.pending[token]; pending != nil {
		return new(big.Int).Set(pending)
	}
	return big.NewInt(0)
}
